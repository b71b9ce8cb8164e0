package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/docpipe/backend/internal/models"
)

// WebSocket message types for the job stream
const (
	// Client -> Server messages
	MsgTypePing = "ping"

	// Server -> Client messages
	MsgTypeConnected  = "connected"
	MsgTypeJobUpdate  = "job:update"
	MsgTypeFileUpdate = "file:update"
	MsgTypeError      = "error"
	MsgTypePong       = "pong"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	// per-client buffer; a client that falls this far behind is dropped
	clientSendBuffer = 64

	defaultMaxMessageSize = 64 * 1024
)

// WebSocket message structure
type WSMessage struct {
	Type      string          `json:"type"`
	ID        string          `json:"id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// WebSocket error response
type WSErrorResponse struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

type wsClient struct {
	id   string
	conn *websocket.Conn
	send chan WSMessage
}

// Hub fans job and file changes out to every connected WebSocket client.
// It implements analysis.Notifier.
type Hub struct {
	upgrader       websocket.Upgrader
	logger         *slog.Logger
	maxMessageSize int64

	mu      sync.RWMutex
	clients map[string]*wsClient
}

// NewHub creates a hub. maxMessageSize bounds inbound client frames;
// zero takes the default.
func NewHub(logger *slog.Logger, maxMessageSize int64) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	if maxMessageSize <= 0 {
		maxMessageSize = defaultMaxMessageSize
	}
	return &Hub{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				// CORS is enforced by the HTTP middleware
				return true
			},
			ReadBufferSize:  4 * 1024,
			WriteBufferSize: 16 * 1024,
		},
		logger:         logger,
		maxMessageSize: maxMessageSize,
		clients:        make(map[string]*wsClient),
	}
}

// HandleWebSocket upgrades the connection and keeps it registered until the
// client goes away
func (h *Hub) HandleWebSocket(c echo.Context) error {
	ws, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}

	cl := &wsClient{
		id:   uuid.NewString(),
		conn: ws,
		send: make(chan WSMessage, clientSendBuffer),
	}
	h.register(cl)
	h.logger.Debug("websocket client connected", "client", cl.id, "remote", c.RealIP())

	go h.writePump(cl)

	h.reply(cl, WSMessage{
		Type:      MsgTypeConnected,
		ID:        cl.id,
		Timestamp: time.Now().UnixMilli(),
	})

	h.readLoop(cl)
	h.remove(cl)
	h.logger.Debug("websocket client disconnected", "client", cl.id)
	return nil
}

// JobUpdated broadcasts a job change
func (h *Hub) JobUpdated(job *models.AnalysisJob) {
	if job == nil {
		return
	}
	h.broadcast(WSMessage{
		Type:      MsgTypeJobUpdate,
		ID:        job.ID,
		Payload:   mustJSON(job),
		Timestamp: time.Now().UnixMilli(),
	})
}

// FileUpdated broadcasts a file change
func (h *Hub) FileUpdated(rec *models.FileRecord) {
	if rec == nil {
		return
	}
	h.broadcast(WSMessage{
		Type:      MsgTypeFileUpdate,
		ID:        rec.ID,
		Payload:   mustJSON(rec),
		Timestamp: time.Now().UnixMilli(),
	})
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every client
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, cl := range h.clients {
		delete(h.clients, id)
		close(cl.send)
	}
}

func (h *Hub) register(cl *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[cl.id] = cl
}

// remove closes the client's send channel exactly once; the write pump then
// closes the connection
func (h *Hub) remove(cl *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[cl.id]; ok {
		delete(h.clients, cl.id)
		close(cl.send)
	}
}

func (h *Hub) broadcast(msg WSMessage) {
	var slow []*wsClient

	h.mu.RLock()
	for _, cl := range h.clients {
		select {
		case cl.send <- msg:
		default:
			slow = append(slow, cl)
		}
	}
	h.mu.RUnlock()

	for _, cl := range slow {
		h.logger.Warn("dropping slow websocket client", "client", cl.id)
		h.remove(cl)
	}
}

// reply queues a message for one client unless it is already gone
func (h *Hub) reply(cl *wsClient, msg WSMessage) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if _, ok := h.clients[cl.id]; !ok {
		return
	}
	select {
	case cl.send <- msg:
	default:
	}
}

func (h *Hub) readLoop(cl *wsClient) {
	cl.conn.SetReadLimit(h.maxMessageSize)
	_ = cl.conn.SetReadDeadline(time.Now().Add(pongWait))
	cl.conn.SetPongHandler(func(string) error {
		return cl.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg WSMessage
		if err := cl.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("websocket read failed", "client", cl.id, "error", err)
			}
			return
		}
		_ = cl.conn.SetReadDeadline(time.Now().Add(pongWait))

		switch msg.Type {
		case MsgTypePing:
			// Respond with pong to keep connection alive
			h.reply(cl, WSMessage{Type: MsgTypePong, ID: msg.ID, Timestamp: time.Now().UnixMilli()})
		default:
			h.reply(cl, errorMessage("Unknown message type: "+msg.Type, "INVALID_TYPE"))
		}
	}
}

// writePump is the only writer on the connection
func (h *Hub) writePump(cl *wsClient) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		cl.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-cl.send:
			_ = cl.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = cl.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := cl.conn.WriteJSON(msg); err != nil {
				h.logger.Debug("websocket write failed", "client", cl.id, "error", err)
				return
			}
		case <-ticker.C:
			_ = cl.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := cl.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func errorMessage(message, code string) WSMessage {
	return WSMessage{
		Type:      MsgTypeError,
		Payload:   mustJSON(WSErrorResponse{Type: MsgTypeError, Message: message, Code: code}),
		Timestamp: time.Now().UnixMilli(),
	}
}

func mustJSON(v interface{}) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return data
}
