package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxMessageSize = 10 * 1024 * 1024 // audio chunks arrive base64 encoded
	sendBuffer     = 64
	inboxBuffer    = 64
)

// Hub tracks the live connections of each interview session.
type Hub struct {
	sessions   map[string]map[*Client]bool
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	mu         sync.RWMutex
}

// Client is one browser connection attached to an interview session.
type Client struct {
	Hub            *Hub
	Conn           *websocket.Conn
	Send           chan []byte
	UserID         string
	SessionID      string
	Chunks         *ChunkAssembler
	MessageHandler func(context.Context, *Client, Message)

	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
}

// Message is an inbound client message.
type Message struct {
	Type            string `json:"type"` // "answer", "audio_chunk", "end_session"
	Text            string `json:"text,omitempty"`
	AudioDataBase64 string `json:"audio_data_base64,omitempty"`
	MIMEType        string `json:"mime_type,omitempty"`
	DurationMS      int64  `json:"duration_ms,omitempty"`
	ChunkIndex      int    `json:"chunk_index,omitempty"`
	TotalChunks     int    `json:"total_chunks,omitempty"`
	IsLastChunk     bool   `json:"is_last_chunk,omitempty"`
	RequestFollowUp bool   `json:"request_follow_up,omitempty"`
	ExpectedOrdinal *int   `json:"expected_ordinal,omitempty"`
}

// MessageEndSession is handled outside the per-client queue so it can
// interrupt an answer that is still being processed.
const MessageEndSession = "end_session"

// Outbound types pushed by the server.
const (
	TypeQuestion = "question"
	TypeClosing  = "closing"
	TypeReport   = "report"
	TypeError    = "error"
)

// Envelope wraps every server push.
type Envelope struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Data      any    `json:"data,omitempty"`
}

type ErrorData struct {
	Error     string `json:"error"`
	Retryable bool   `json:"retryable"`
}

func NewHub() *Hub {
	return &Hub{
		sessions:   make(map[string]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
	}
}

func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			return

		case client := <-h.register:
			h.mu.Lock()
			if h.sessions[client.SessionID] == nil {
				h.sessions[client.SessionID] = make(map[*Client]bool)
			}
			h.sessions[client.SessionID][client] = true
			h.mu.Unlock()
			slog.Info("Client registered", "user_id", client.UserID, "session_id", client.SessionID)

		case client := <-h.unregister:
			h.remove(client)
			slog.Info("Client unregistered", "user_id", client.UserID, "session_id", client.SessionID)
		}
	}
}

func (h *Hub) remove(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	clients := h.sessions[client.SessionID]
	if _, ok := clients[client]; !ok {
		return
	}
	delete(clients, client)
	if len(clients) == 0 {
		delete(h.sessions, client.SessionID)
	}
	close(client.Send)
}

// NewClient builds a client for conn without registering it.
func (h *Hub) NewClient(conn *websocket.Conn, userID, sessionID string) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		Hub:       h,
		Conn:      conn,
		Send:      make(chan []byte, sendBuffer),
		UserID:    userID,
		SessionID: sessionID,
		Chunks:    NewChunkAssembler(maxMessageSize * 4),
		ctx:       ctx,
		cancel:    cancel,
	}
}

func (h *Hub) RegisterClient(conn *websocket.Conn, userID, sessionID string) *Client {
	client := h.NewClient(conn, userID, sessionID)
	select {
	case h.register <- client:
	case <-h.done:
	}
	return client
}

// Broadcast pushes an envelope to every connection of a session. Slow
// clients are dropped rather than blocking the sender.
func (h *Hub) Broadcast(sessionID string, env Envelope) int {
	env.SessionID = sessionID
	payload, err := json.Marshal(env)
	if err != nil {
		slog.Error("Failed to marshal envelope", "error", err, "type", env.Type)
		return 0
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	sent := 0
	for client := range h.sessions[sessionID] {
		select {
		case client.Send <- payload:
			sent++
		default:
			slog.Warn("Dropping message for slow client", "session_id", sessionID, "type", env.Type)
		}
	}
	return sent
}

// Connections reports how many clients are attached to a session.
func (h *Hub) Connections(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions[sessionID])
}

// Context is cancelled when the connection closes.
func (c *Client) Context() context.Context {
	return c.ctx
}

func (c *Client) close() {
	c.once.Do(func() {
		c.cancel()
		select {
		case c.Hub.unregister <- c:
		case <-c.Hub.done:
		}
		c.Conn.Close()
	})
}

// ReadPump reads messages until the connection closes. Messages of one
// client are handled in arrival order by a single worker; only end_session
// runs beside it.
func (c *Client) ReadPump() {
	inbox := make(chan Message, inboxBuffer)
	go c.dispatch(inbox)

	defer c.close()
	defer close(inbox)

	c.Conn.SetReadLimit(maxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, messageBytes, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				slog.Error("WebSocket error", "error", err, "session_id", c.SessionID)
			}
			break
		}

		var msg Message
		if err := json.Unmarshal(messageBytes, &msg); err != nil {
			slog.Error("Failed to unmarshal message", "error", err)
			c.Push(Envelope{Type: TypeError, Data: ErrorData{Error: "malformed message"}})
			continue
		}

		slog.Debug("Message received", "type", msg.Type, "session_id", c.SessionID)
		if c.MessageHandler == nil {
			continue
		}
		if msg.Type == MessageEndSession {
			go c.MessageHandler(c.ctx, c, msg)
			continue
		}
		select {
		case inbox <- msg:
		case <-c.ctx.Done():
			return
		}
	}
}

// dispatch runs queued messages one at a time until inbox is closed.
// Messages still queued after the connection closed are dropped.
func (c *Client) dispatch(inbox <-chan Message) {
	for msg := range inbox {
		if c.ctx.Err() != nil {
			continue
		}
		c.MessageHandler(c.ctx, c, msg)
	}
}

func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Push sends an envelope to this client only.
func (c *Client) Push(env Envelope) {
	env.SessionID = c.SessionID
	payload, err := json.Marshal(env)
	if err != nil {
		slog.Error("Failed to marshal envelope", "error", err, "type", env.Type)
		return
	}

	c.Hub.mu.RLock()
	defer c.Hub.mu.RUnlock()
	if !c.Hub.sessions[c.SessionID][c] {
		return
	}
	select {
	case c.Send <- payload:
	default:
		slog.Warn("Dropping message for slow client", "session_id", c.SessionID, "type", env.Type)
	}
}
