package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pulseai/pulsehub/internal/hub"
)

const (
	writeTimeout = 10 * time.Second

	DefaultInterval = 5 * time.Second
	DefaultRole     = "agent"
)

// Config describes how an agent reaches its hub.
type Config struct {
	// HubURL is the hub base URL, e.g. ws://localhost:8080. The /ws path is appended when
	// the URL has no path.
	HubURL   string
	AgentID  string
	Role     string
	Room     string
	Interval time.Duration
	RetryMin time.Duration
	RetryMax time.Duration
	Meta     map[string]any
}

func (c *Config) applyDefaults() {
	if c.Role == "" {
		c.Role = DefaultRole
	}
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.RetryMin <= 0 {
		c.RetryMin = time.Second
	}
	if c.RetryMax < c.RetryMin {
		c.RetryMax = 30 * time.Second
	}
}

// Client streams samples from a Collector to the hub, reconnecting with exponential backoff.
type Client struct {
	cfg       Config
	collector Collector
	dialer    *websocket.Dialer
	logger    *slog.Logger

	mu   sync.Mutex
	sent int
}

// NewClient validates cfg and returns a client.
func NewClient(cfg Config, collector Collector, logger *slog.Logger) (*Client, error) {
	if cfg.HubURL == "" {
		return nil, errors.New("agent: hub url is required")
	}
	if cfg.AgentID == "" {
		return nil, errors.New("agent: agent id is required")
	}
	if collector == nil {
		return nil, errors.New("agent: collector is required")
	}
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:       cfg,
		collector: collector,
		dialer:    websocket.DefaultDialer,
		logger:    logger.With(slog.String("agent_id", cfg.AgentID)),
	}, nil
}

// Sent reports how many metrics messages were written.
func (c *Client) Sent() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sent
}

// Endpoint returns the WebSocket URL the client dials.
func (c *Client) Endpoint() (string, error) {
	u, err := url.Parse(c.cfg.HubURL)
	if err != nil {
		return "", fmt.Errorf("agent: parse hub url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("agent: unsupported hub url scheme %q", u.Scheme)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/ws"
	}
	q := u.Query()
	q.Set("client_id", c.cfg.AgentID)
	q.Set("role", c.cfg.Role)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Run keeps a session open until ctx is cancelled.
func (c *Client) Run(ctx context.Context) error {
	endpoint, err := c.Endpoint()
	if err != nil {
		return err
	}

	backoff := c.cfg.RetryMin
	for {
		started := time.Now()
		err := c.session(ctx, endpoint)
		if ctx.Err() != nil {
			return nil
		}
		if time.Since(started) > c.cfg.RetryMax {
			backoff = c.cfg.RetryMin
		}
		c.logger.Warn("hub session ended, reconnecting", slog.Any("error", err), slog.Duration("backoff", backoff))

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, c.cfg.RetryMax)
	}
}

type helloMessage struct {
	Type hub.MessageType `json:"type"`
	hub.Hello
}

type joinMessage struct {
	Type hub.MessageType `json:"type"`
	hub.Join
}

func (c *Client) session(ctx context.Context, endpoint string) error {
	conn, _, err := c.dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", endpoint, err)
	}
	defer conn.Close()
	c.logger.Info("connected to hub", slog.String("endpoint", endpoint))

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	readErr := make(chan error, 1)
	go func() {
		readErr <- c.readLoop(conn)
		cancel()
	}()

	var meta json.RawMessage
	if len(c.cfg.Meta) > 0 {
		if meta, err = json.Marshal(c.cfg.Meta); err != nil {
			return fmt.Errorf("encode meta: %w", err)
		}
	}
	if err := c.write(conn, helloMessage{Type: hub.TypeHello, Hello: hub.Hello{Role: c.cfg.Role, Meta: meta}}); err != nil {
		return err
	}
	if c.cfg.Room != "" {
		if err := c.write(conn, joinMessage{Type: hub.TypeJoin, Join: hub.Join{Room: c.cfg.Room}}); err != nil {
			return err
		}
	}

	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	for {
		if err := c.report(sessionCtx, conn); err != nil {
			return err
		}
		select {
		case <-sessionCtx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeTimeout))
			select {
			case err := <-readErr:
				return err
			default:
				return ctx.Err()
			}
		case <-ticker.C:
		}
	}
}

func (c *Client) report(ctx context.Context, conn *websocket.Conn) error {
	sample, err := c.collector.Collect(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		c.logger.Warn("sample collection failed", slog.Any("error", err))
		return nil
	}
	msg := hub.MetricsMessage{Type: hub.TypeMetrics, AgentID: c.cfg.AgentID, MetricSample: sample}
	if err := c.write(conn, msg); err != nil {
		return err
	}
	c.mu.Lock()
	c.sent++
	c.mu.Unlock()
	return nil
}

func (c *Client) write(conn *websocket.Conn, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	return nil
}

// readLoop drains hub replies, logging errors and anomalies addressed to this agent's room.
func (c *Client) readLoop(conn *websocket.Conn) error {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var msg struct {
			Type        hub.MessageType `json:"type"`
			Error       string          `json:"error"`
			AgentID     string          `json:"agent_id"`
			HealthScore int             `json:"health_score"`
		}
		if json.Unmarshal(raw, &msg) != nil {
			continue
		}
		switch msg.Type {
		case hub.TypeError:
			c.logger.Warn("hub rejected message", slog.String("error", msg.Error))
		case hub.TypeAnomaly:
			c.logger.Info("anomaly reported", slog.String("source_agent", msg.AgentID), slog.Int("health_score", msg.HealthScore))
		default:
			c.logger.Debug("hub message", slog.String("type", string(msg.Type)))
		}
	}
}
