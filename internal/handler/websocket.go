package handler

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/vyrodovalexey/todo-api/internal/events"
	"github.com/vyrodovalexey/todo-api/internal/model"
)

// EventsPath is the route of the item event feed.
const EventsPath = "/ws"

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
	closeGrace     = 100 * time.Millisecond
)

// WebSocketHandler streams item events to WebSocket clients.
type WebSocketHandler struct {
	upgrader websocket.Upgrader
	hub      *events.Hub
	logger   *zap.Logger

	mu          sync.Mutex
	subscribers map[*subscriber]struct{}
}

// subscriber is one feed connection and the hub subscription backing it.
type subscriber struct {
	conn        *websocket.Conn
	feed        <-chan model.ItemEvent
	unsubscribe func()
	remote      string

	stopOnce sync.Once
	stop     chan struct{}
}

// NewWebSocketHandler creates a new WebSocketHandler instance.
func NewWebSocketHandler(hub *events.Hub, logger *zap.Logger) *WebSocketHandler {
	return &WebSocketHandler{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(_ *http.Request) bool {
				return true
			},
		},
		hub:         hub,
		logger:      logger,
		subscribers: make(map[*subscriber]struct{}),
	}
}

// RegisterRoutes registers the event feed route with the router.
func (h *WebSocketHandler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc(EventsPath, h.HandleWebSocket).Methods(http.MethodGet)
}

// HandleWebSocket upgrades the connection and subscribes it to item events.
// The hub subscription is taken before the handshake so a client observes
// every event published after its Dial returns.
func (h *WebSocketHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	feed, unsubscribe := h.hub.Subscribe()

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		unsubscribe()
		h.logger.Error("failed to upgrade connection", zap.Error(err))
		return
	}

	sub := &subscriber{
		conn:        conn,
		feed:        feed,
		unsubscribe: unsubscribe,
		remote:      conn.RemoteAddr().String(),
		stop:        make(chan struct{}),
	}

	h.mu.Lock()
	h.subscribers[sub] = struct{}{}
	h.mu.Unlock()

	h.logger.Info("websocket client connected", zap.String("remote_addr", sub.remote))

	go h.forward(sub)
	go h.drain(sub)
}

// forward writes hub events to the client until the feed, the connection,
// or the handler stops it.
func (h *WebSocketHandler) forward(sub *subscriber) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	defer sub.unsubscribe()

	for {
		select {
		case <-sub.stop:
			h.writeClose(sub)
			return
		case event, ok := <-sub.feed:
			if !ok {
				return
			}
			if err := h.write(sub, func(c *websocket.Conn) error { return c.WriteJSON(event) }); err != nil {
				h.logger.Debug("failed to send item event", zap.String("remote_addr", sub.remote), zap.Error(err))
				return
			}
		case <-ticker.C:
			if err := h.write(sub, func(c *websocket.Conn) error {
				return c.WriteMessage(websocket.PingMessage, nil)
			}); err != nil {
				h.logger.Debug("failed to send ping", zap.String("remote_addr", sub.remote), zap.Error(err))
				return
			}
		}
	}
}

// drain reads and discards client frames so pongs and close frames are
// handled. It owns the connection and releases it on exit.
func (h *WebSocketHandler) drain(sub *subscriber) {
	defer h.release(sub)

	sub.conn.SetReadLimit(maxMessageSize)
	if err := sub.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		h.logger.Error("failed to set read deadline", zap.Error(err))
		return
	}
	sub.conn.SetPongHandler(func(string) error {
		return sub.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := sub.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Warn("websocket read error", zap.String("remote_addr", sub.remote), zap.Error(err))
			}
			return
		}
	}
}

func (h *WebSocketHandler) write(sub *subscriber, send func(*websocket.Conn) error) error {
	if err := sub.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return send(sub.conn)
}

func (h *WebSocketHandler) writeClose(sub *subscriber) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "server shutting down")
	if err := h.write(sub, func(c *websocket.Conn) error {
		return c.WriteMessage(websocket.CloseMessage, msg)
	}); err != nil {
		h.logger.Debug("failed to send close message", zap.Error(err))
	}
}

// release stops the subscriber, closes its connection and forgets it.
func (h *WebSocketHandler) release(sub *subscriber) {
	sub.stopOnce.Do(func() { close(sub.stop) })

	h.mu.Lock()
	_, known := h.subscribers[sub]
	delete(h.subscribers, sub)
	h.mu.Unlock()

	if err := sub.conn.Close(); err != nil {
		h.logger.Debug("error closing connection", zap.Error(err))
	}
	if known {
		h.logger.Info("websocket client disconnected", zap.String("remote_addr", sub.remote))
	}
}

// ClientCount returns the number of connected clients.
func (h *WebSocketHandler) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subscribers)
}

// CloseAllConnections sends every client a close frame, then closes and
// forgets all connections.
func (h *WebSocketHandler) CloseAllConnections() {
	h.mu.Lock()
	subs := make([]*subscriber, 0, len(h.subscribers))
	for sub := range h.subscribers {
		subs = append(subs, sub)
	}
	h.mu.Unlock()

	for _, sub := range subs {
		sub.stopOnce.Do(func() { close(sub.stop) })
	}

	if len(subs) > 0 {
		time.Sleep(closeGrace)
	}

	for _, sub := range subs {
		h.release(sub)
	}

	h.logger.Info("all websocket connections closed")
}
