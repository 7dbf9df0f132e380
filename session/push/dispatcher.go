package push

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// dedupHorizon bounds how many event identities the dispatcher remembers.
const dedupHorizon = 1024

// Handler receives normalized events for a subscribed kind.
type Handler func(Event)

// Dispatcher normalizes raw push frames into events, drops duplicates and
// role-restricted notifications, and fans events out to typed subscribers.
// Handlers run synchronously on the connection's processing goroutine.
type Dispatcher struct {
	role   func() string
	logger *zap.Logger

	mu       sync.Mutex
	nextID   int
	handlers map[EventKind]map[int]Handler

	seen      map[string]bool
	seenOrder []string
}

// NewDispatcher creates a dispatcher. role supplies the current user's role
// for filtering targeted notifications; nil means no filtering.
func NewDispatcher(role func() string, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if role == nil {
		role = func() string { return "" }
	}
	return &Dispatcher{
		role:     role,
		logger:   logger,
		handlers: make(map[EventKind]map[int]Handler),
		seen:     make(map[string]bool),
	}
}

// OnEvent subscribes to events of the given kind. The returned function
// removes the subscription.
func (d *Dispatcher) OnEvent(kind EventKind, fn Handler) func() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.handlers[kind] == nil {
		d.handlers[kind] = make(map[int]Handler)
	}
	id := d.nextID
	d.nextID++
	d.handlers[kind][id] = fn
	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		delete(d.handlers[kind], id)
	}
}

// OnMessage subscribes to every chat-style event: text, media and item.
func (d *Dispatcher) OnMessage(fn Handler) func() {
	unsubs := []func(){
		d.OnEvent(KindText, fn),
		d.OnEvent(KindMedia, fn),
		d.OnEvent(KindInventoryItem, fn),
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

// OnNotification subscribes to system notifications.
func (d *Dispatcher) OnNotification(fn func(Notification)) func() {
	return d.OnEvent(KindNotification, func(e Event) {
		fn(e.Payload.(Notification))
	})
}

// OnTradeLock subscribes to trade lock updates.
func (d *Dispatcher) OnTradeLock(fn func(TradeLockUpdate)) func() {
	return d.OnEvent(KindTradeLock, func(e Event) {
		fn(e.Payload.(TradeLockUpdate))
	})
}

// OnUnboxing subscribes to unboxing results.
func (d *Dispatcher) OnUnboxing(fn func(UnboxingResult)) func() {
	return d.OnEvent(KindUnboxing, func(e Event) {
		fn(e.Payload.(UnboxingResult))
	})
}

// Dispatch normalizes one raw frame and delivers it to subscribers.
func (d *Dispatcher) Dispatch(raw []byte) {
	var f frame
	if err := json.Unmarshal(raw, &f); err != nil {
		d.logger.Warn("unparseable push frame", zap.Error(err))
		return
	}

	event, err := d.normalize(f)
	if err != nil {
		d.logger.Warn("failed to normalize push frame",
			zap.String("type", f.Type), zap.Error(err))
		return
	}
	if event == nil {
		return
	}

	if d.isDuplicate(*event) {
		d.logger.Debug("dropping duplicate event", zap.String("id", event.ID))
		return
	}
	d.deliver(*event)
}

func (d *Dispatcher) normalize(f frame) (*Event, error) {
	switch f.Type {
	case frameTextMessage:
		var p TextPayload
		if err := json.Unmarshal(f.Payload, &p); err != nil {
			return nil, err
		}
		return &Event{
			ID: p.ID, Kind: KindText,
			SenderID: p.SenderID, ReceiverID: p.ReceiverID,
			Payload: p, OccurredAt: p.OccurredAt,
		}, nil

	case frameMediaMessage:
		var p MediaPayload
		if err := json.Unmarshal(f.Payload, &p); err != nil {
			return nil, err
		}
		p.IsImage = classifyImage(p.MimeType, p.FileName)
		return &Event{
			ID: p.ID, Kind: KindMedia,
			SenderID: p.SenderID, ReceiverID: p.ReceiverID,
			Payload: p, OccurredAt: p.OccurredAt,
		}, nil

	case frameItemMessage:
		var p ItemPayload
		if err := json.Unmarshal(f.Payload, &p); err != nil {
			return nil, err
		}
		return &Event{
			ID: p.ID, Kind: KindInventoryItem,
			SenderID: p.SenderID, ReceiverID: p.ReceiverID,
			Payload: p, OccurredAt: p.OccurredAt,
		}, nil

	case frameNotification:
		var p Notification
		if err := json.Unmarshal(f.Payload, &p); err != nil {
			return nil, err
		}
		if p.TargetRole != "" && !strings.EqualFold(p.TargetRole, d.role()) {
			return nil, nil
		}
		return &Event{
			ID: p.ID, Kind: KindNotification,
			Payload: p, OccurredAt: p.OccurredAt,
		}, nil

	case frameTradeLock:
		var p TradeLockUpdate
		if err := json.Unmarshal(f.Payload, &p); err != nil {
			return nil, err
		}
		return &Event{Kind: KindTradeLock, Payload: p}, nil

	case frameUnboxingResult:
		var p UnboxingResult
		if err := json.Unmarshal(f.Payload, &p); err != nil {
			return nil, err
		}
		return &Event{
			ID: p.ID, Kind: KindUnboxing,
			SenderID: p.UserID,
			Payload:  p, OccurredAt: p.OccurredAt,
		}, nil
	}
	return nil, fmt.Errorf("unknown frame type %q", f.Type)
}

// isDuplicate records the event's identity and reports whether it was seen
// before. Identity is the server id when present, otherwise a composite of
// sender, content and timestamp. Trade lock updates are state snapshots and
// never deduplicated.
func (d *Dispatcher) isDuplicate(e Event) bool {
	if e.Kind == KindTradeLock {
		return false
	}
	key := e.ID
	if key == "" {
		key = fmt.Sprintf("%s|%s|%d", e.SenderID, contentOf(e), e.OccurredAt.UnixNano())
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.seen[key] {
		return true
	}
	d.seen[key] = true
	d.seenOrder = append(d.seenOrder, key)
	if len(d.seenOrder) > dedupHorizon {
		oldest := d.seenOrder[0]
		d.seenOrder = d.seenOrder[1:]
		delete(d.seen, oldest)
	}
	return false
}

func contentOf(e Event) string {
	switch p := e.Payload.(type) {
	case TextPayload:
		return p.Content
	case MediaPayload:
		return p.FileURL
	case ItemPayload:
		return p.ItemID
	case Notification:
		return p.Message
	case UnboxingResult:
		return p.CaseID + ":" + p.ItemName
	}
	return ""
}

func (d *Dispatcher) deliver(e Event) {
	d.mu.Lock()
	fns := make([]Handler, 0, len(d.handlers[e.Kind]))
	for _, fn := range d.handlers[e.Kind] {
		fns = append(fns, fn)
	}
	d.mu.Unlock()

	for _, fn := range fns {
		fn(e)
	}
}
