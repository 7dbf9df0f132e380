package push

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rawFrame(t *testing.T, frameType string, payload interface{}) []byte {
	t.Helper()
	raw, err := json.Marshal(map[string]interface{}{
		"type":    frameType,
		"payload": payload,
	})
	require.NoError(t, err)
	return raw
}

func TestDispatchTextMessage(t *testing.T) {
	d := NewDispatcher(nil, nil)

	var events []Event
	d.OnEvent(KindText, func(e Event) { events = append(events, e) })

	d.Dispatch(rawFrame(t, frameTextMessage, map[string]interface{}{
		"id":        "msg-1",
		"senderId":  "user-1",
		"content":   "hello",
		"createdAt": "2026-08-30T10:00:00Z",
	}))

	require.Len(t, events, 1)
	assert.Equal(t, "msg-1", events[0].ID)
	assert.Equal(t, KindText, events[0].Kind)
	assert.Equal(t, "hello", events[0].Payload.(TextPayload).Content)
}

func TestDispatchDeduplicatesByID(t *testing.T) {
	d := NewDispatcher(nil, nil)

	var count int
	d.OnEvent(KindText, func(Event) { count++ })

	frame := rawFrame(t, frameTextMessage, map[string]interface{}{
		"id":       "msg-1",
		"senderId": "user-1",
		"content":  "hello",
	})
	d.Dispatch(frame)
	d.Dispatch(frame)
	d.Dispatch(frame)

	assert.Equal(t, 1, count)
}

func TestDispatchDeduplicatesWithoutID(t *testing.T) {
	d := NewDispatcher(nil, nil)

	var count int
	d.OnEvent(KindText, func(Event) { count++ })

	payload := map[string]interface{}{
		"senderId":  "user-1",
		"content":   "hello",
		"createdAt": "2026-08-30T10:00:00Z",
	}
	d.Dispatch(rawFrame(t, frameTextMessage, payload))
	d.Dispatch(rawFrame(t, frameTextMessage, payload))

	// Same sender and content but a different timestamp is a new message.
	payload["createdAt"] = "2026-08-30T10:00:01Z"
	d.Dispatch(rawFrame(t, frameTextMessage, payload))

	assert.Equal(t, 2, count)
}

func TestDispatchDedupHorizonEvicts(t *testing.T) {
	d := NewDispatcher(nil, nil)

	var count int
	d.OnEvent(KindText, func(Event) { count++ })

	first := rawFrame(t, frameTextMessage, map[string]interface{}{
		"id": "msg-0", "senderId": "user-1", "content": "hello",
	})
	d.Dispatch(first)
	for i := 1; i <= dedupHorizon; i++ {
		d.Dispatch(rawFrame(t, frameTextMessage, map[string]interface{}{
			"id": fmt.Sprintf("msg-%d", i), "senderId": "user-1", "content": "hello",
		}))
	}

	// msg-0 fell off the horizon and is delivered again.
	d.Dispatch(first)
	assert.Equal(t, dedupHorizon+2, count)
}

func TestMediaClassification(t *testing.T) {
	d := NewDispatcher(nil, nil)

	var payloads []MediaPayload
	d.OnEvent(KindMedia, func(e Event) {
		payloads = append(payloads, e.Payload.(MediaPayload))
	})

	d.Dispatch(rawFrame(t, frameMediaMessage, map[string]interface{}{
		"id": "m-1", "fileName": "photo.JPG", "mimeType": "",
	}))
	d.Dispatch(rawFrame(t, frameMediaMessage, map[string]interface{}{
		"id": "m-2", "fileName": "clip.mov", "mimeType": "video/quicktime",
	}))
	d.Dispatch(rawFrame(t, frameMediaMessage, map[string]interface{}{
		"id": "m-3", "fileName": "scan", "mimeType": "image/png",
	}))

	require.Len(t, payloads, 3)
	assert.True(t, payloads[0].IsImage, "extension fallback should accept .JPG")
	assert.False(t, payloads[1].IsImage)
	assert.True(t, payloads[2].IsImage)
}

func TestNotificationRoleFilter(t *testing.T) {
	role := "buyer"
	d := NewDispatcher(func() string { return role }, nil)

	var seen []Notification
	d.OnNotification(func(n Notification) { seen = append(seen, n) })

	d.Dispatch(rawFrame(t, frameNotification, map[string]interface{}{
		"id": "n-1", "message": "for everyone",
	}))
	d.Dispatch(rawFrame(t, frameNotification, map[string]interface{}{
		"id": "n-2", "message": "for sellers", "targetRole": "seller",
	}))
	d.Dispatch(rawFrame(t, frameNotification, map[string]interface{}{
		"id": "n-3", "message": "for buyers", "targetRole": "Buyer",
	}))

	require.Len(t, seen, 2)
	assert.Equal(t, "for everyone", seen[0].Message)
	assert.Equal(t, "for buyers", seen[1].Message)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	d := NewDispatcher(nil, nil)

	var count int
	unsub := d.OnEvent(KindText, func(Event) { count++ })

	d.Dispatch(rawFrame(t, frameTextMessage, map[string]interface{}{
		"id": "msg-1", "senderId": "user-1", "content": "hello",
	}))
	unsub()
	d.Dispatch(rawFrame(t, frameTextMessage, map[string]interface{}{
		"id": "msg-2", "senderId": "user-1", "content": "again",
	}))

	assert.Equal(t, 1, count)
}

func TestOnMessageCoversAllChatKinds(t *testing.T) {
	d := NewDispatcher(nil, nil)

	var kinds []EventKind
	unsub := d.OnMessage(func(e Event) { kinds = append(kinds, e.Kind) })

	d.Dispatch(rawFrame(t, frameTextMessage, map[string]interface{}{"id": "a", "content": "hi"}))
	d.Dispatch(rawFrame(t, frameMediaMessage, map[string]interface{}{"id": "b", "fileName": "x.png"}))
	d.Dispatch(rawFrame(t, frameItemMessage, map[string]interface{}{"id": "c", "itemId": "item-1"}))

	assert.Equal(t, []EventKind{KindText, KindMedia, KindInventoryItem}, kinds)

	unsub()
	d.Dispatch(rawFrame(t, frameTextMessage, map[string]interface{}{"id": "d", "content": "bye"}))
	assert.Len(t, kinds, 3)
}

func TestTradeLockFramesSkipDedup(t *testing.T) {
	d := NewDispatcher(nil, nil)

	var updates []TradeLockUpdate
	d.OnTradeLock(func(u TradeLockUpdate) { updates = append(updates, u) })

	frame := rawFrame(t, frameTradeLock, map[string]interface{}{
		"TradeRequestId": "trade-1",
		"OwnerLocked":    true,
	})
	d.Dispatch(frame)
	d.Dispatch(frame)

	assert.Len(t, updates, 2, "lock snapshots are state, not messages")
}

func TestUnknownFrameIgnored(t *testing.T) {
	d := NewDispatcher(nil, nil)

	var count int
	d.OnEvent(KindText, func(Event) { count++ })

	d.Dispatch([]byte(`{"type":"SomethingNew","payload":{}}`))
	d.Dispatch([]byte(`not json`))
	assert.Zero(t, count)
}

func TestDispatchUnboxingResult(t *testing.T) {
	d := NewDispatcher(nil, nil)

	var results []UnboxingResult
	d.OnUnboxing(func(r UnboxingResult) { results = append(results, r) })

	d.Dispatch(rawFrame(t, frameUnboxingResult, map[string]interface{}{
		"id":        "ub-1",
		"userId":    "user-1",
		"caseId":    "case-9",
		"itemName":  "Dragon Lore",
		"rarity":    "covert",
		"createdAt": time.Now().UTC().Format(time.RFC3339),
	}))

	require.Len(t, results, 1)
	assert.Equal(t, "Dragon Lore", results[0].ItemName)
	assert.Equal(t, "covert", results[0].Rarity)
}
