package hub

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"slices"
	"sync"

	"github.com/pulseai/pulsehub/internal/metrics"
	"github.com/pulseai/pulsehub/internal/models"
)

const (
	// DefaultRoom is the room every session joins on open.
	DefaultRoom = "pulseai"

	ModeLive   = "live"
	ModeSample = "sample"
)

// Ingestor accepts decoded telemetry samples.
type Ingestor interface {
	Ingest(agentID string, sample models.MetricSample)
}

// Config tunes routing behaviour.
type Config struct {
	// DefaultRoom is joined on open; empty disables auto-join.
	DefaultRoom string
	// ViewerRoles receive every anomaly event regardless of room.
	ViewerRoles []string
	// RelayMetrics forwards each ingested sample to the anomaly recipients.
	RelayMetrics bool
	// Mode is "live" or "sample". In sample mode samples from sessions are acknowledged but
	// not ingested.
	Mode string
}

// DefaultConfig returns the hub defaults.
func DefaultConfig() Config {
	return Config{
		DefaultRoom:  DefaultRoom,
		ViewerRoles:  []string{"viewer", "dashboard"},
		RelayMetrics: true,
		Mode:         ModeLive,
	}
}

// Router dispatches inbound messages and fans anomaly events out to sessions.
type Router struct {
	cfg      Config
	registry *Registry
	ingest   Ingestor
	logger   *slog.Logger

	agentsMu sync.RWMutex
	agents   map[string]string
}

// NewRouter creates a router over a fresh registry. ingest may be nil, in which case
// samples are acknowledged and dropped.
func NewRouter(cfg Config, ingest Ingestor, logger *slog.Logger) *Router {
	if cfg.Mode == "" {
		cfg.Mode = ModeLive
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		cfg:      cfg,
		registry: NewRegistry(),
		ingest:   ingest,
		logger:   logger,
		agents:   make(map[string]string),
	}
}

// Registry exposes the session registry.
func (r *Router) Registry() *Registry { return r.registry }

// Mode reports live or sample.
func (r *Router) Mode() string { return r.cfg.Mode }

// Register creates a Connecting session for a new transport connection.
func (r *Router) Register(id, role string, ch Channel) *Session {
	sess, replaced := r.registry.Register(id, role, ch)
	if replaced != nil {
		r.logger.Info("replacing existing connection", slog.String("client_id", id))
		r.Close(replaced)
	}
	r.logger.Debug("session registered", slog.String("client_id", id), slog.String("role", role))
	return sess
}

// Open transitions sess to Open once its channel is usable, greets it and joins the default room.
func (r *Router) Open(sess *Session) {
	if !sess.open() {
		return
	}
	metrics.SessionOpened()
	r.logger.Info("session open",
		slog.String("client_id", sess.ID),
		slog.String("role", sess.Role()),
		slog.Int("sessions", r.registry.Len()))

	r.reply(sess, Welcome{Type: TypeWelcome, ClientID: sess.ID, Mode: r.cfg.Mode})
	if r.cfg.DefaultRoom != "" {
		if _, err := r.registry.Join(sess.ID, r.cfg.DefaultRoom); err != nil {
			r.logger.Debug("default room join failed", slog.String("client_id", sess.ID), slog.Any("error", err))
		}
	}
}

// Close tears sess down after its channel closed.
func (r *Router) Close(sess *Session) {
	removed, wasOpen := r.registry.RemoveSession(sess)
	if wasOpen {
		metrics.SessionClosed()
	}
	if removed {
		r.logger.Info("session closed", slog.String("client_id", sess.ID))
	}
}

// Remove drops the session registered under id.
func (r *Router) Remove(id string) {
	if sess, ok := r.registry.Get(id); ok {
		r.Close(sess)
	}
}

// Route handles one raw message from the session registered under fromID.
func (r *Router) Route(fromID string, raw []byte) {
	sess, ok := r.registry.Get(fromID)
	if !ok {
		r.logger.Debug("message from unknown session dropped", slog.String("client_id", fromID))
		return
	}
	r.Handle(sess, raw)
}

// Handle dispatches one raw message from sess. Messages on a closed session are ignored.
func (r *Router) Handle(sess *Session, raw []byte) {
	if sess.State() == StateClosed {
		return
	}

	msg := Decode(raw)
	metrics.ObserveMessage(string(msg.Kind()))

	switch m := msg.(type) {
	case Hello:
		role := sess.setRole(m.Role, m.Meta)
		r.reply(sess, HelloAck{Type: TypeHelloAck, Role: role})
	case Join:
		r.handleJoin(sess, m)
	case Leave:
		r.handleLeave(sess, m)
	case Send:
		r.handleSend(sess, m)
	case Broadcast:
		r.handleBroadcast(sess, m)
	case Ping:
		r.reply(sess, Pong{Type: TypePong, TS: m.TS})
	case Metrics:
		agentID := m.AgentID
		if agentID == "" {
			agentID = sess.ID
		}
		r.acceptSample(sess, agentID, m.MetricSample)
	case Data:
		r.handleData(sess, m)
	case Unrecognized:
		metrics.ObserveRoutingError("protocol")
		r.logger.Warn("dropping unrecognized message",
			slog.String("client_id", sess.ID),
			slog.String("type", m.Type),
			slog.String("reason", m.Reason))
	}
}

func (r *Router) handleJoin(sess *Session, m Join) {
	if _, err := r.registry.Join(sess.ID, m.Room); err != nil {
		r.routingError(sess, err)
		return
	}
	r.reply(sess, RoomAck{Type: TypeJoinAck, Room: m.Room})
}

func (r *Router) handleLeave(sess *Session, m Leave) {
	if m.Room != "" && sess.Room() != m.Room {
		r.routingError(sess, errors.New("not in room"))
		return
	}
	room, err := r.registry.Leave(sess.ID)
	if err != nil {
		r.routingError(sess, err)
		return
	}
	r.reply(sess, RoomAck{Type: TypeLeaveAck, Room: room})
}

func (r *Router) handleSend(sess *Session, m Send) {
	if m.To == "" {
		r.routingError(sess, errors.New("missing to"))
		return
	}
	target, ok := r.registry.Get(m.To)
	if !ok || target.State() != StateOpen {
		r.routingError(sess, ErrNoSuchClient)
		return
	}
	payload, err := json.Marshal(Relay{Type: TypeRelay, From: sess.ID, Payload: m.Payload})
	if err != nil {
		r.logger.Warn("relay encode failed", slog.Any("error", err))
		return
	}
	if !r.deliver(target, payload) {
		r.routingError(sess, ErrNoSuchClient)
	}
}

func (r *Router) handleBroadcast(sess *Session, m Broadcast) {
	if m.Room == "" {
		r.routingError(sess, ErrMissingRoom)
		return
	}
	payload, err := json.Marshal(Relay{Type: TypeRelay, From: sess.ID, Room: m.Room, Payload: m.Payload})
	if err != nil {
		r.logger.Warn("relay encode failed", slog.Any("error", err))
		return
	}

	delivered := 0
	for _, member := range r.registry.Members(m.Room) {
		if member == sess {
			continue
		}
		if r.deliver(member, payload) {
			delivered++
		}
	}
	r.logger.Debug("broadcast",
		slog.String("from", sess.ID),
		slog.String("room", m.Room),
		slog.Int("recipients", delivered))
}

func (r *Router) handleData(sess *Session, m Data) {
	if len(m.Payload) > 0 && string(m.Payload) != "null" {
		agentID, sample, err := models.DecodeLegacySample(m.Payload)
		if err != nil {
			metrics.ObserveRoutingError("protocol")
			r.logger.Warn("dropping undecodable data payload", slog.String("client_id", sess.ID), slog.Any("error", err))
		} else {
			r.acceptSample(sess, agentID, sample)
		}
	}
	r.reply(sess, DataAck{Type: TypeDataAck, TS: m.TS})
}

func (r *Router) acceptSample(sess *Session, agentID string, sample models.MetricSample) {
	if r.cfg.Mode == ModeSample {
		r.logger.Debug("sample mode: ignoring live sample", slog.String("client_id", sess.ID))
		return
	}

	r.agentsMu.Lock()
	r.agents[agentID] = sess.ID
	r.agentsMu.Unlock()

	if r.ingest != nil {
		r.ingest.Ingest(agentID, sample)
	}
	if r.cfg.RelayMetrics {
		r.PublishMetrics(agentID, sample)
	}
}

// PublishAnomaly sends an anomaly event to every viewer and to the agent's room peers. In
// sample mode replayed agents have no session, so events go to every open session. It never
// fails; delivery problems are handled per session.
func (r *Router) PublishAnomaly(_ context.Context, event models.AnomalyEvent) error {
	payload, err := json.Marshal(AnomalyMessage{Type: TypeAnomaly, AnomalyEvent: event})
	if err != nil {
		return err
	}
	var delivered int
	if r.cfg.Mode == ModeSample {
		delivered = r.broadcastPayload(payload)
	} else {
		delivered = r.fanout(event.AgentID, payload)
	}
	r.logger.Debug("anomaly delivered", slog.String("agent_id", event.AgentID), slog.Int("recipients", delivered))
	return nil
}

// PublishMetrics relays a sample to the same audience as anomaly events.
func (r *Router) PublishMetrics(agentID string, sample models.MetricSample) {
	payload, err := json.Marshal(MetricsMessage{Type: TypeMetrics, AgentID: agentID, MetricSample: sample})
	if err != nil {
		return
	}
	r.fanout(agentID, payload)
}

// BroadcastAll sends v to every open session and returns the number of deliveries.
func (r *Router) BroadcastAll(v any) int {
	payload, err := json.Marshal(v)
	if err != nil {
		r.logger.Warn("broadcast encode failed", slog.Any("error", err))
		return 0
	}
	return r.broadcastPayload(payload)
}

func (r *Router) broadcastPayload(payload []byte) int {
	delivered := 0
	for _, sess := range r.registry.Sessions() {
		if r.deliver(sess, payload) {
			delivered++
		}
	}
	return delivered
}

// AgentSession returns the client id that last reported samples for agentID.
func (r *Router) AgentSession(agentID string) (string, bool) {
	r.agentsMu.RLock()
	defer r.agentsMu.RUnlock()
	id, ok := r.agents[agentID]
	return id, ok
}

// ForgetAgent drops the agent-to-session mapping.
func (r *Router) ForgetAgent(agentID string) {
	r.agentsMu.Lock()
	delete(r.agents, agentID)
	r.agentsMu.Unlock()
}

// fanout delivers payload to viewer sessions and the agent session's room peers, never to the
// agent session itself.
func (r *Router) fanout(agentID string, payload []byte) int {
	origin, ok := r.AgentSession(agentID)
	if !ok {
		origin = agentID
	}

	recipients := make(map[string]*Session)
	var room string
	if sess, ok := r.registry.Get(origin); ok {
		room = sess.Room()
	}
	if room != "" {
		for _, member := range r.registry.Members(room) {
			recipients[member.ID] = member
		}
	}
	for _, sess := range r.registry.Sessions() {
		if slices.Contains(r.cfg.ViewerRoles, sess.Role()) {
			recipients[sess.ID] = sess
		}
	}
	delete(recipients, origin)

	delivered := 0
	for _, sess := range recipients {
		if r.deliver(sess, payload) {
			delivered++
		}
	}
	return delivered
}

// deliver sends payload to sess. A failed write on an open session closes and removes it.
func (r *Router) deliver(sess *Session, payload []byte) bool {
	err := sess.Send(payload)
	if err == nil {
		return true
	}
	if errors.Is(err, ErrNotOpen) || errors.Is(err, ErrSessionClosed) {
		return false
	}

	metrics.ObserveRoutingError("transport")
	r.logger.Warn("send failed, closing session", slog.String("client_id", sess.ID), slog.Any("error", err))
	r.Close(sess)
	return false
}

func (r *Router) reply(sess *Session, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		r.logger.Warn("reply encode failed", slog.String("client_id", sess.ID), slog.Any("error", err))
		return
	}
	r.deliver(sess, payload)
}

func (r *Router) routingError(sess *Session, err error) {
	reason := err.Error()
	metrics.ObserveRoutingError(reason)
	r.reply(sess, ErrorMessage{Type: TypeError, Error: reason})
}
