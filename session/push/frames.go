// Package push maintains the storefront's real-time notification channel:
// one authenticated WebSocket connection with automatic reconnects, and a
// dispatcher that normalizes incoming frames into typed events.
package push

import (
	"encoding/json"
	"path"
	"strings"
	"time"
)

// frame is the wire envelope for every push message.
type frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Wire frame types sent by the server.
const (
	frameTextMessage    = "ReceiveTextMessage"
	frameMediaMessage   = "ReceiveMediaMessage"
	frameItemMessage    = "ReceiveItemMessage"
	frameNotification   = "ReceiveNotification"
	frameTradeLock      = "TradeLockUpdate"
	frameUnboxingResult = "UnboxingResult"
)

// EventKind classifies normalized events.
type EventKind string

const (
	KindText          EventKind = "text"
	KindMedia         EventKind = "media"
	KindInventoryItem EventKind = "inventory-item"
	KindUnboxing      EventKind = "unboxing"
	KindNotification  EventKind = "system-notification"
	KindTradeLock     EventKind = "trade-lock"
)

// Event is the canonical form every inbound frame is normalized into.
type Event struct {
	ID         string
	Kind       EventKind
	SenderID   string
	ReceiverID string
	Payload    interface{}
	OccurredAt time.Time
}

// TextPayload carries a plain chat message.
type TextPayload struct {
	ID         string    `json:"id"`
	SenderID   string    `json:"senderId"`
	ReceiverID string    `json:"receiverId"`
	Content    string    `json:"content"`
	OccurredAt time.Time `json:"createdAt"`
}

// MediaPayload carries an attachment message. IsImage is derived locally
// from the MIME type or, failing that, the file extension.
type MediaPayload struct {
	ID         string    `json:"id"`
	SenderID   string    `json:"senderId"`
	ReceiverID string    `json:"receiverId"`
	FileName   string    `json:"fileName"`
	FileURL    string    `json:"fileUrl"`
	MimeType   string    `json:"mimeType"`
	OccurredAt time.Time `json:"createdAt"`
	IsImage    bool      `json:"-"`
}

// ItemPayload announces an inventory item handed over in chat.
type ItemPayload struct {
	ID         string    `json:"id"`
	SenderID   string    `json:"senderId"`
	ReceiverID string    `json:"receiverId"`
	ItemID     string    `json:"itemId"`
	ItemName   string    `json:"itemName"`
	ImageURL   string    `json:"imageUrl"`
	OccurredAt time.Time `json:"createdAt"`
}

// Notification is a broadcast system message, optionally scoped to a role.
type Notification struct {
	ID         string    `json:"id"`
	Title      string    `json:"title"`
	Message    string    `json:"message"`
	TargetRole string    `json:"targetRole"`
	OccurredAt time.Time `json:"createdAt"`
}

// TradeLockUpdate reports the two-party lock state of a trade.
type TradeLockUpdate struct {
	TradeRequestID  string `json:"TradeRequestId"`
	Message         string `json:"Message"`
	OwnerLocked     bool   `json:"OwnerLocked"`
	RequesterLocked bool   `json:"RequesterLocked"`
}

// UnboxingResult announces the outcome of a case opening.
type UnboxingResult struct {
	ID         string    `json:"id"`
	UserID     string    `json:"userId"`
	CaseID     string    `json:"caseId"`
	ItemName   string    `json:"itemName"`
	Rarity     string    `json:"rarity"`
	OccurredAt time.Time `json:"createdAt"`
}

var imageExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".gif":  true,
	".webp": true,
	".bmp":  true,
}

// classifyImage decides whether a media attachment renders as an image.
// The MIME type wins when present; otherwise the file extension decides.
func classifyImage(mimeType, fileName string) bool {
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		return true
	case strings.HasPrefix(mimeType, "video/"):
		return false
	}
	return imageExtensions[strings.ToLower(path.Ext(fileName))]
}
