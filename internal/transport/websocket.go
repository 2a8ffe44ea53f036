package transport

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPongWait     = 60 * time.Second
	wsPingPeriod   = wsPongWait * 9 / 10
	wsMaxMessage   = 1 << 20
)

// WebSocketHandler upgrades HTTP requests to WebSocket sessions speaking the hub protocol.
type WebSocketHandler struct {
	handler  SessionHandler
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

// NewWebSocketHandler creates the /ws handler. allowedOrigins empty accepts any origin.
func NewWebSocketHandler(handler SessionHandler, allowedOrigins []string, logger *slog.Logger) *WebSocketHandler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &WebSocketHandler{handler: handler, logger: logger}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			return originAllowed(r.Header.Get("Origin"), allowedOrigins)
		},
	}
	return h
}

func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	clientID := r.URL.Query().Get("client_id")
	if clientID == "" {
		clientID = uuid.NewString()
	}
	role := r.URL.Query().Get("role")
	if role == "" {
		role = defaultRole
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed",
			slog.String("remote_addr", r.RemoteAddr),
			slog.Any("error", err))
		return
	}
	conn.SetReadLimit(wsMaxMessage)

	ch := &wsChannel{conn: conn}
	sess := h.handler.Register(clientID, role, ch)
	h.handler.Open(sess)

	h.logger.Info("websocket session established",
		slog.String("client_id", clientID),
		slog.String("remote_addr", r.RemoteAddr))

	done := make(chan struct{})
	go ch.keepalive(done)
	defer func() {
		close(done)
		h.handler.Close(sess)
	}()

	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Warn("websocket closed unexpectedly", slog.String("client_id", clientID), slog.Any("error", err))
			} else {
				h.logger.Debug("websocket closed", slog.String("client_id", clientID))
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		h.handler.Handle(sess, message)
	}
}

// wsChannel writes hub messages as text frames.
type wsChannel struct {
	conn *websocket.Conn

	mu        sync.Mutex
	closeOnce sync.Once
}

func (c *wsChannel) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsChannel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		err = c.conn.Close()
	})
	return err
}

func (c *wsChannel) keepalive(done <-chan struct{}) {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
				return
			}
		}
	}
}

func originAllowed(origin string, allowed []string) bool {
	if origin == "" || len(allowed) == 0 {
		return true
	}
	for _, candidate := range allowed {
		if candidate == "*" || candidate == origin {
			return true
		}
	}
	return false
}
