// Package api exposes the hub over HTTP (signaling, WebSocket, debug and metrics endpoints)
// and gRPC (health).
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/pion/webrtc/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pulseai/pulsehub/internal/buffer"
	"github.com/pulseai/pulsehub/internal/config"
	"github.com/pulseai/pulsehub/internal/hub"
	"github.com/pulseai/pulsehub/internal/metrics"
	"github.com/pulseai/pulsehub/internal/models"
	"github.com/pulseai/pulsehub/internal/utils"
)

const maxOfferBytes = 64 << 10

// Answerer negotiates a data-channel session from an SDP offer.
type Answerer interface {
	Answer(ctx context.Context, clientID, role string, offer webrtc.SessionDescription) (webrtc.SessionDescription, error)
}

// SessionDirectory lists connected sessions and rooms.
type SessionDirectory interface {
	Snapshot() []hub.SessionInfo
	Rooms() map[string][]string
}

// DetectorStatus reports buffered agents and detector latency.
type DetectorStatus interface {
	Buffer() *buffer.Store
	Latency() map[models.Engine]utils.LatencySummary
}

// Deps are the components served over HTTP. Nil members disable their routes.
type Deps struct {
	Mode      string
	Sessions  SessionDirectory
	Detectors DetectorStatus
	Answerer  Answerer
	WebSocket http.Handler
	Gatherer  prometheus.Gatherer
}

// WhoResponse is the /who debug snapshot.
type WhoResponse struct {
	Clients   []hub.SessionInfo                      `json:"clients"`
	Rooms     map[string][]string                    `json:"rooms"`
	Mode      string                                 `json:"mode"`
	Agents    []buffer.AgentInfo                     `json:"agents"`
	Detectors map[models.Engine]utils.LatencySummary `json:"detectors"`
}

// HTTPServer serves signaling and debug endpoints.
type HTTPServer struct {
	cfg      config.ServerConfig
	deps     Deps
	logger   *slog.Logger
	router   *mux.Router
	server   *http.Server
	listener net.Listener
}

// NewHTTPServer builds the router and binds cfg.Address.
func NewHTTPServer(cfg config.ServerConfig, deps Deps, logger *slog.Logger) (*HTTPServer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &HTTPServer{cfg: cfg, deps: deps, logger: logger, router: mux.NewRouter()}
	s.setupRoutes()

	lis, err := net.Listen("tcp", cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", cfg.Address, err)
	}
	s.listener = lis
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s, nil
}

func (s *HTTPServer) setupRoutes() {
	s.router.Use(s.observe)
	if s.deps.Answerer != nil {
		s.router.HandleFunc("/offer", s.offerHandler).Methods(http.MethodPost)
	}
	if s.deps.WebSocket != nil {
		s.router.Handle("/ws", s.deps.WebSocket).Methods(http.MethodGet)
	}
	s.router.HandleFunc("/who", s.whoHandler).Methods(http.MethodGet)
	s.router.HandleFunc("/health", s.healthHandler).Methods(http.MethodGet)

	gatherer := s.deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	s.router.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
}

// Handler returns the full handler chain, CORS included.
func (s *HTTPServer) Handler() http.Handler {
	return cors(s.cfg.AllowedOrigins, s.router)
}

// Start serves until Shutdown is invoked.
func (s *HTTPServer) Start() error {
	if err := s.server.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones until ctx expires.
func (s *HTTPServer) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// Address exposes the bound listener address.
func (s *HTTPServer) Address() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *HTTPServer) offerHandler(w http.ResponseWriter, r *http.Request) {
	clientID := r.URL.Query().Get("client_id")
	if clientID == "" {
		writeError(w, http.StatusBadRequest, "missing client_id")
		return
	}
	role := r.URL.Query().Get("role")

	var offer webrtc.SessionDescription
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxOfferBytes)).Decode(&offer); err != nil {
		writeError(w, http.StatusBadRequest, "invalid offer body")
		return
	}
	if strings.TrimSpace(offer.SDP) == "" {
		writeError(w, http.StatusBadRequest, "missing sdp")
		return
	}

	answer, err := s.deps.Answerer.Answer(r.Context(), clientID, role, offer)
	if err != nil {
		s.logger.Warn("offer negotiation failed", slog.String("client_id", clientID), slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "negotiation failed")
		return
	}
	writeJSON(w, http.StatusOK, answer)
}

func (s *HTTPServer) whoHandler(w http.ResponseWriter, _ *http.Request) {
	resp := WhoResponse{
		Clients:   []hub.SessionInfo{},
		Rooms:     map[string][]string{},
		Mode:      s.deps.Mode,
		Agents:    []buffer.AgentInfo{},
		Detectors: map[models.Engine]utils.LatencySummary{},
	}
	if s.deps.Sessions != nil {
		resp.Clients = s.deps.Sessions.Snapshot()
		resp.Rooms = s.deps.Sessions.Rooms()
	}
	if s.deps.Detectors != nil {
		resp.Agents = s.deps.Detectors.Buffer().Agents()
		resp.Detectors = s.deps.Detectors.Latency()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *HTTPServer) healthHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "mode": s.deps.Mode})
}

// observe records request counts and latency per route template.
func (s *HTTPServer) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := r.URL.Path
		if current := mux.CurrentRoute(r); current != nil {
			if tpl, err := current.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		metrics.ObserveHTTP(route, rec.status, time.Since(start))
	})
}

// cors answers preflight requests and sets allow headers for permitted origins. An empty
// allow-list permits every origin.
func cors(allowed []string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && (len(allowed) == 0 || slices.Contains(allowed, origin)) {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Credentials", "true")
			h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			h.Add("Vary", "Origin")
		}
		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Hijack lets the WebSocket upgrader take over the connection.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return hj.Hijack()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }
