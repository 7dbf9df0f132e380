// Package mocktesting provides an in-process push server for exercising the
// WebSocket connection manager and dispatcher in tests.
package mocktesting

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// MockPushServer is a test WebSocket server speaking the storefront push
// protocol: JSON frames of the form {"type": ..., "payload": ...}.
type MockPushServer struct {
	server   *httptest.Server
	upgrader websocket.Upgrader

	clients   map[*websocket.Conn]bool
	clientsMu sync.RWMutex

	// connectAttempts counts every upgrade request, accepted or not.
	connectAttempts atomic.Int64

	// rejectNext makes the next N upgrade attempts fail with 503.
	rejectNext atomic.Int64
}

// NewMockPushServer starts a mock push server. Upgrade requests must carry a
// Bearer token or they are rejected with 401.
func NewMockPushServer() *MockPushServer {
	mock := &MockPushServer{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[*websocket.Conn]bool),
	}
	mock.server = httptest.NewServer(http.HandlerFunc(mock.handleWebSocket))
	return mock
}

// URL returns the ws:// endpoint clients should dial.
func (m *MockPushServer) URL() string {
	return strings.Replace(m.server.URL, "http://", "ws://", 1)
}

// ConnectAttempts returns how many upgrade requests the server has seen.
func (m *MockPushServer) ConnectAttempts() int {
	return int(m.connectAttempts.Load())
}

// RejectNextConnections makes the next n upgrade attempts fail with 503 so
// tests can drive the reconnect schedule.
func (m *MockPushServer) RejectNextConnections(n int) {
	m.rejectNext.Store(int64(n))
}

// ClientCount returns the number of live connections.
func (m *MockPushServer) ClientCount() int {
	m.clientsMu.RLock()
	defer m.clientsMu.RUnlock()
	return len(m.clients)
}

// DropConnections forcibly closes every live connection, simulating a
// network drop without a close handshake.
func (m *MockPushServer) DropConnections() {
	m.clientsMu.Lock()
	defer m.clientsMu.Unlock()
	for conn := range m.clients {
		conn.Close()
	}
	m.clients = make(map[*websocket.Conn]bool)
}

// Close shuts down the server and all connections.
func (m *MockPushServer) Close() {
	m.DropConnections()
	m.server.Close()
}

func (m *MockPushServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	m.connectAttempts.Add(1)

	if m.rejectNext.Load() > 0 {
		m.rejectNext.Add(-1)
		http.Error(w, "Service unavailable", http.StatusServiceUnavailable)
		return
	}

	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		http.Error(w, "Missing or invalid Authorization header", http.StatusUnauthorized)
		return
	}

	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	m.clientsMu.Lock()
	m.clients[conn] = true
	m.clientsMu.Unlock()

	defer func() {
		m.clientsMu.Lock()
		delete(m.clients, conn)
		m.clientsMu.Unlock()
	}()

	// The push channel is server-to-client only; just drain until closed.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
}

// SendFrame broadcasts a raw frame of the given type to every client.
func (m *MockPushServer) SendFrame(frameType string, payload interface{}) error {
	raw, err := json.Marshal(map[string]interface{}{
		"type":    frameType,
		"payload": payload,
	})
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}

	m.clientsMu.RLock()
	defer m.clientsMu.RUnlock()
	for conn := range m.clients {
		if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
			return fmt.Errorf("send frame: %w", err)
		}
	}
	return nil
}

// SendTextMessage broadcasts a chat text message frame.
func (m *MockPushServer) SendTextMessage(id, senderID, receiverID, content string) error {
	return m.SendFrame("ReceiveTextMessage", map[string]interface{}{
		"id":         id,
		"senderId":   senderID,
		"receiverId": receiverID,
		"content":    content,
		"createdAt":  time.Now().UTC().Format(time.RFC3339),
	})
}

// SendMediaMessage broadcasts an attachment message frame.
func (m *MockPushServer) SendMediaMessage(id, senderID, fileName, fileURL, mimeType string) error {
	return m.SendFrame("ReceiveMediaMessage", map[string]interface{}{
		"id":        id,
		"senderId":  senderID,
		"fileName":  fileName,
		"fileUrl":   fileURL,
		"mimeType":  mimeType,
		"createdAt": time.Now().UTC().Format(time.RFC3339),
	})
}

// SendItemMessage broadcasts an inventory item message frame.
func (m *MockPushServer) SendItemMessage(id, senderID, itemID, itemName string) error {
	return m.SendFrame("ReceiveItemMessage", map[string]interface{}{
		"id":        id,
		"senderId":  senderID,
		"itemId":    itemID,
		"itemName":  itemName,
		"createdAt": time.Now().UTC().Format(time.RFC3339),
	})
}

// SendNotification broadcasts a system notification frame, optionally
// restricted to a role.
func (m *MockPushServer) SendNotification(id, title, message, targetRole string) error {
	return m.SendFrame("ReceiveNotification", map[string]interface{}{
		"id":         id,
		"title":      title,
		"message":    message,
		"targetRole": targetRole,
		"createdAt":  time.Now().UTC().Format(time.RFC3339),
	})
}

// SendTradeLockUpdate broadcasts a trade lock state frame.
func (m *MockPushServer) SendTradeLockUpdate(tradeID string, ownerLocked, requesterLocked bool) error {
	return m.SendFrame("TradeLockUpdate", map[string]interface{}{
		"TradeRequestId":  tradeID,
		"Message":         "lock state changed",
		"OwnerLocked":     ownerLocked,
		"RequesterLocked": requesterLocked,
	})
}

// SendUnboxingResult broadcasts a case opening result frame.
func (m *MockPushServer) SendUnboxingResult(id, userID, caseID, itemName, rarity string) error {
	return m.SendFrame("UnboxingResult", map[string]interface{}{
		"id":        id,
		"userId":    userID,
		"caseId":    caseID,
		"itemName":  itemName,
		"rarity":    rarity,
		"createdAt": time.Now().UTC().Format(time.RFC3339),
	})
}
