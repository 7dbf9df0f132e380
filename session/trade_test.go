package session

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/vendhub/session-adapter/session/push"
)

// lockFeed is a minimal in-memory feed for driving trackers in tests.
type lockFeed struct {
	fns map[int]func(push.TradeLockUpdate)
	n   int
}

func newLockFeed() *lockFeed {
	return &lockFeed{fns: make(map[int]func(push.TradeLockUpdate))}
}

func (f *lockFeed) OnTradeLock(fn func(push.TradeLockUpdate)) func() {
	id := f.n
	f.n++
	f.fns[id] = fn
	return func() { delete(f.fns, id) }
}

func (f *lockFeed) emit(upd push.TradeLockUpdate) {
	for _, fn := range f.fns {
		fn(upd)
	}
}

func TestTradeLockProgress(t *testing.T) {
	feed := newLockFeed()
	tracker := NewTradeLockTracker(feed, "trade-1", time.Hour, nil)
	defer tracker.Close()

	assert.Equal(t, 0, tracker.State().Progress)

	feed.emit(push.TradeLockUpdate{TradeRequestID: "trade-1", OwnerLocked: true})
	assert.Equal(t, 50, tracker.State().Progress)
	assert.True(t, tracker.State().OwnerLocked)
	assert.False(t, tracker.State().RequesterLocked)

	feed.emit(push.TradeLockUpdate{TradeRequestID: "trade-1", OwnerLocked: true, RequesterLocked: true})
	assert.Equal(t, 100, tracker.State().Progress)

	// An unlock before completion walks progress back down.
	tracker2 := NewTradeLockTracker(feed, "trade-2", time.Hour, nil)
	defer tracker2.Close()
	feed.emit(push.TradeLockUpdate{TradeRequestID: "trade-2", RequesterLocked: true})
	assert.Equal(t, 50, tracker2.State().Progress)
	feed.emit(push.TradeLockUpdate{TradeRequestID: "trade-2"})
	assert.Equal(t, 0, tracker2.State().Progress)
}

func TestTradeLockCompletionFiresOnceAfterDelay(t *testing.T) {
	feed := newLockFeed()
	tracker := NewTradeLockTracker(feed, "trade-1", 30*time.Millisecond, nil)
	defer tracker.Close()

	var completions atomic.Int64
	done := make(chan struct{}, 2)
	tracker.OnCompleted(func() {
		completions.Add(1)
		done <- struct{}{}
	})

	feed.emit(push.TradeLockUpdate{TradeRequestID: "trade-1", OwnerLocked: true, RequesterLocked: true})
	assert.False(t, tracker.State().Completed, "completion must wait out the settle delay")

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("completion signal never fired")
	}
	assert.True(t, tracker.State().Completed)
	assert.Equal(t, 100, tracker.State().Progress)

	// A duplicate both-locked update after completion must not re-fire.
	feed.emit(push.TradeLockUpdate{TradeRequestID: "trade-1", OwnerLocked: true, RequesterLocked: true})
	time.Sleep(80 * time.Millisecond)
	assert.EqualValues(t, 1, completions.Load())
}

func TestTradeLockUnlockDuringDelayAbortsCompletion(t *testing.T) {
	feed := newLockFeed()
	tracker := NewTradeLockTracker(feed, "trade-1", 50*time.Millisecond, nil)
	defer tracker.Close()

	var completions atomic.Int64
	tracker.OnCompleted(func() { completions.Add(1) })

	feed.emit(push.TradeLockUpdate{TradeRequestID: "trade-1", OwnerLocked: true, RequesterLocked: true})
	feed.emit(push.TradeLockUpdate{TradeRequestID: "trade-1", OwnerLocked: true, RequesterLocked: false})

	time.Sleep(120 * time.Millisecond)
	st := tracker.State()
	assert.False(t, st.Completed)
	assert.Equal(t, 50, st.Progress)
	assert.Zero(t, completions.Load())

	// Re-locking both sides arms a fresh delay and still completes.
	feed.emit(push.TradeLockUpdate{TradeRequestID: "trade-1", OwnerLocked: true, RequesterLocked: true})
	time.Sleep(120 * time.Millisecond)
	assert.True(t, tracker.State().Completed)
	assert.EqualValues(t, 1, completions.Load())
}

func TestTradeLockIgnoresOtherTrades(t *testing.T) {
	feed := newLockFeed()
	tracker := NewTradeLockTracker(feed, "trade-1", time.Hour, nil)
	defer tracker.Close()

	feed.emit(push.TradeLockUpdate{TradeRequestID: "trade-9", OwnerLocked: true, RequesterLocked: true})
	assert.Equal(t, 0, tracker.State().Progress)
	assert.False(t, tracker.State().Completed)
}

func TestTradeLockTrackersAreIsolated(t *testing.T) {
	feed := newLockFeed()
	a := NewTradeLockTracker(feed, "trade-a", 10*time.Millisecond, nil)
	defer a.Close()
	b := NewTradeLockTracker(feed, "trade-b", 10*time.Millisecond, nil)
	defer b.Close()

	feed.emit(push.TradeLockUpdate{TradeRequestID: "trade-a", OwnerLocked: true, RequesterLocked: true})
	time.Sleep(50 * time.Millisecond)

	assert.True(t, a.State().Completed)
	assert.False(t, b.State().Completed)
	assert.Equal(t, 0, b.State().Progress)
}

func TestTradeLockCloseCancelsPendingCompletion(t *testing.T) {
	feed := newLockFeed()
	tracker := NewTradeLockTracker(feed, "trade-1", 30*time.Millisecond, nil)

	var completions atomic.Int64
	tracker.OnCompleted(func() { completions.Add(1) })

	feed.emit(push.TradeLockUpdate{TradeRequestID: "trade-1", OwnerLocked: true, RequesterLocked: true})
	tracker.Close()

	time.Sleep(80 * time.Millisecond)
	assert.Zero(t, completions.Load())

	// Closed trackers no longer observe the feed.
	feed.emit(push.TradeLockUpdate{TradeRequestID: "trade-1", OwnerLocked: true})
	assert.Equal(t, 100, tracker.State().Progress, "state frozen at detach")
}
