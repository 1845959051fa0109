package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"warden/metrics"
	"warden/notify"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// WebSocket configuration constants
const (
	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// pongWait is the time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// pingPeriod sends pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// maxMessageSize is the maximum message size allowed from peer.
	maxMessageSize = 512

	sendChannelSize = 256
)

// StreamMessage is one frame of the notification stream
type StreamMessage struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data"`
	Timestamp time.Time   `json:"timestamp"`
}

// client represents a single WebSocket client connection
type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
}

// Hub maintains the set of active stream clients and broadcasts notifications.
// A client whose send buffer is full is disconnected rather than slowing the others.
type Hub struct {
	clients    map[*client]bool
	broadcast  chan []byte
	register   chan *client
	unregister chan *client
	mu         sync.RWMutex
	logger     *zap.SugaredLogger
	ctx        context.Context
	cancel     context.CancelFunc
	done       chan struct{}
	stopOnce   sync.Once
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Origins are checked by corsMiddleware and the identity middleware
	CheckOrigin: func(r *http.Request) bool { return true },
}

// NewHub creates a hub; Start must run before clients connect
func NewHub(ctx context.Context, logger *zap.SugaredLogger) *Hub {
	hubCtx, cancel := context.WithCancel(ctx)
	return &Hub{
		clients:    make(map[*client]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		logger:     logger,
		ctx:        hubCtx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
}

// Start runs the hub's event loop until Stop
func (h *Hub) Start() {
	defer close(h.done)
	h.logger.Info("Notification stream hub started")

	for {
		select {
		case <-h.ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				c.conn.Close()
			}
			h.clients = make(map[*client]bool)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(0)
			h.logger.Info("Notification stream hub stopped")
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			n := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(n))
			h.logger.Debugw("Stream client registered", "total_clients", n)

		case c := <-h.unregister:
			h.remove(c)

		case message := <-h.broadcast:
			var slow []*client
			h.mu.RLock()
			for c := range h.clients {
				select {
				case c.send <- message:
				default:
					slow = append(slow, c)
				}
			}
			h.mu.RUnlock()
			for _, c := range slow {
				h.logger.Warnw("Disconnecting slow stream client", "remote", c.conn.RemoteAddr().String())
				h.remove(c)
				c.conn.Close()
			}
		}
	}
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c)
	close(c.send)
	n := len(h.clients)
	h.mu.Unlock()
	metrics.WebSocketClients.Set(float64(n))
	h.logger.Debugw("Stream client unregistered", "total_clients", n)
}

// BroadcastMessage sends a message to all connected clients. It gives up after
// a second so a stalled hub never blocks the caller.
func (h *Hub) BroadcastMessage(msgType string, data interface{}) error {
	jsonData, err := json.Marshal(StreamMessage{
		Type:      msgType,
		Data:      data,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		h.logger.Errorw("Failed to marshal stream message", "type", msgType, "error", err)
		return err
	}

	select {
	case h.broadcast <- jsonData:
		return nil
	case <-h.ctx.Done():
		return nil
	case <-time.After(1 * time.Second):
		h.logger.Warnw("Stream broadcast timeout", "type", msgType)
		return nil
	}
}

// Relay broadcasts every notification of sub until it closes
func (h *Hub) Relay(sub *notify.Subscription) {
	for n := range sub.C() {
		_ = h.BroadcastMessage(string(n.Type), n)
	}
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Stop closes every client and waits for the event loop to exit
func (h *Hub) Stop() {
	h.stopOnce.Do(h.cancel)
	<-h.done
}

// readPump only detects disconnects; clients do not send commands
func (c *client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.ctx.Done():
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Debugw("Stream client closed unexpectedly", "error", err)
			}
			return
		}
	}
}

// writePump sends one JSON message per frame and pings the peer
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// serveWs upgrades the request and attaches the client to hub
func serveWs(hub *Hub, logger *zap.SugaredLogger, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Errorw("WebSocket upgrade failed", "error", err)
		return
	}

	c := &client{
		hub:  hub,
		conn: conn,
		send: make(chan []byte, sendChannelSize),
	}
	select {
	case hub.register <- c:
	case <-hub.ctx.Done():
		conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}
