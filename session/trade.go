package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vendhub/session-adapter/session/push"
)

// TradeLockState is a snapshot of the two-party lock for one trade.
type TradeLockState struct {
	OwnerLocked     bool
	RequesterLocked bool
	Completed       bool
	Progress        int
}

// progress derives the advancement percentage from the two lock flags.
func (s TradeLockState) progress() int {
	switch {
	case s.OwnerLocked && s.RequesterLocked:
		return 100
	case s.OwnerLocked || s.RequesterLocked:
		return 50
	default:
		return 0
	}
}

// LockFeed is the slice of the push channel the tracker consumes.
type LockFeed interface {
	OnTradeLock(fn func(push.TradeLockUpdate)) func()
}

// TradeLockTracker follows lock updates for a single trade and signals
// completion exactly once, after a short settle delay, when both parties
// have locked. Updates for other trades are ignored.
type TradeLockTracker struct {
	tradeID string
	delay   time.Duration
	logger  *zap.Logger

	mu          sync.Mutex
	state       TradeLockState
	completed   bool
	timer       *time.Timer
	unsubscribe func()

	changeFns   []func(TradeLockState)
	completeFns []func()
}

// NewTradeLockTracker subscribes to lock updates for tradeID. Callers must
// Close the tracker when the trade screen goes away.
func NewTradeLockTracker(feed LockFeed, tradeID string, delay time.Duration, logger *zap.Logger) *TradeLockTracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	t := &TradeLockTracker{
		tradeID: tradeID,
		delay:   delay,
		logger:  logger,
	}
	t.unsubscribe = feed.OnTradeLock(t.apply)
	return t
}

// State returns the current lock snapshot.
func (t *TradeLockTracker) State() TradeLockState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// OnChange registers a callback invoked with every state transition.
func (t *TradeLockTracker) OnChange(fn func(TradeLockState)) {
	t.mu.Lock()
	t.changeFns = append(t.changeFns, fn)
	t.mu.Unlock()
}

// OnCompleted registers a callback fired once when the trade completes.
func (t *TradeLockTracker) OnCompleted(fn func()) {
	t.mu.Lock()
	t.completeFns = append(t.completeFns, fn)
	t.mu.Unlock()
}

func (t *TradeLockTracker) apply(upd push.TradeLockUpdate) {
	if upd.TradeRequestID != t.tradeID {
		return
	}

	t.mu.Lock()
	if t.completed {
		t.mu.Unlock()
		return
	}
	t.state.OwnerLocked = upd.OwnerLocked
	t.state.RequesterLocked = upd.RequesterLocked
	t.state.Progress = t.state.progress()

	bothLocked := t.state.Progress == 100
	if bothLocked && t.timer == nil {
		t.timer = time.AfterFunc(t.delay, t.complete)
	} else if !bothLocked && t.timer != nil {
		// An unlock during the settle delay aborts the pending completion.
		t.timer.Stop()
		t.timer = nil
	}
	state := t.state
	fns := make([]func(TradeLockState), len(t.changeFns))
	copy(fns, t.changeFns)
	t.mu.Unlock()

	t.logger.Debug("trade lock update",
		zap.String("trade_id", t.tradeID),
		zap.Int("progress", state.Progress))
	for _, fn := range fns {
		fn(state)
	}
}

// complete marks the trade done, detaches from the feed and fires the
// completion callbacks. Runs at most once per tracker.
func (t *TradeLockTracker) complete() {
	t.mu.Lock()
	// The timer may have fired concurrently with an unlock update that
	// could not stop it; completion only stands while both sides hold.
	if t.completed || t.state.Progress != 100 {
		t.mu.Unlock()
		return
	}
	t.completed = true
	t.state.Completed = true
	unsub := t.unsubscribe
	t.unsubscribe = nil
	fns := make([]func(), len(t.completeFns))
	copy(fns, t.completeFns)
	changeFns := make([]func(TradeLockState), len(t.changeFns))
	copy(changeFns, t.changeFns)
	state := t.state
	t.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	t.logger.Info("trade completed", zap.String("trade_id", t.tradeID))
	for _, fn := range changeFns {
		fn(state)
	}
	for _, fn := range fns {
		fn()
	}
}

// Close detaches the tracker from the feed and cancels any pending
// completion signal. Safe to call more than once.
func (t *TradeLockTracker) Close() {
	t.mu.Lock()
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	unsub := t.unsubscribe
	t.unsubscribe = nil
	t.mu.Unlock()
	if unsub != nil {
		unsub()
	}
}

// InitiateLock asks the server to set the caller's side of the trade lock.
// The resulting state change arrives through the push channel.
func (c *Client) InitiateLock(ctx context.Context, tradeID string) error {
	if err := c.Post(ctx, fmt.Sprintf("/trades/%s/lock", tradeID), nil, nil); err != nil {
		return fmt.Errorf("initiate lock: %w", err)
	}
	return nil
}
