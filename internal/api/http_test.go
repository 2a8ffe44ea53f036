package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/pion/webrtc/v4"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/pulseai/pulsehub/internal/buffer"
	"github.com/pulseai/pulsehub/internal/config"
	"github.com/pulseai/pulsehub/internal/engine"
	"github.com/pulseai/pulsehub/internal/hub"
	"github.com/pulseai/pulsehub/internal/metrics"
	"github.com/pulseai/pulsehub/internal/models"
	"github.com/pulseai/pulsehub/internal/utils"
)

type fakeAnswerer struct {
	err      error
	clientID string
	role     string
}

func (f *fakeAnswerer) Answer(_ context.Context, clientID, role string, offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	f.clientID, f.role = clientID, role
	if f.err != nil {
		return webrtc.SessionDescription{}, f.err
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer-for:" + offer.SDP}, nil
}

type nopChannel struct{}

func (nopChannel) Send([]byte) error { return nil }
func (nopChannel) Close() error      { return nil }

func newTestServer(t *testing.T, deps Deps, origins ...string) *httptest.Server {
	t.Helper()
	cfg := config.ServerConfig{Address: "127.0.0.1:0", AllowedOrigins: origins}
	s, err := NewHTTPServer(cfg, deps, utils.DiscardLogger())
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	t.Cleanup(func() { _ = s.listener.Close() })

	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func decodeBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, Deps{Mode: "sample"})

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	var body map[string]any
	decodeBody(t, resp, &body)
	if resp.StatusCode != http.StatusOK || body["ok"] != true || body["mode"] != "sample" {
		t.Fatalf("unexpected health response %d %v", resp.StatusCode, body)
	}
}

func TestOffer(t *testing.T) {
	answerer := &fakeAnswerer{}
	ts := newTestServer(t, Deps{Answerer: answerer})

	resp, err := http.Post(ts.URL+"/offer?client_id=dash&role=viewer", "application/json",
		strings.NewReader(`{"type":"offer","sdp":"v=0"}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	var answer map[string]string
	decodeBody(t, resp, &answer)
	if resp.StatusCode != http.StatusOK || answer["type"] != "answer" || answer["sdp"] != "answer-for:v=0" {
		t.Fatalf("unexpected answer %d %v", resp.StatusCode, answer)
	}
	if answerer.clientID != "dash" || answerer.role != "viewer" {
		t.Fatalf("query parameters not forwarded: %+v", answerer)
	}
}

func TestOfferRejectsBadRequests(t *testing.T) {
	answerer := &fakeAnswerer{}
	ts := newTestServer(t, Deps{Answerer: answerer})

	cases := []struct {
		name, query, body string
		want              int
	}{
		{"missing client id", "", `{"type":"offer","sdp":"v=0"}`, http.StatusBadRequest},
		{"bad json", "?client_id=a", `{`, http.StatusBadRequest},
		{"missing sdp", "?client_id=a", `{"type":"offer"}`, http.StatusBadRequest},
	}
	for _, tc := range cases {
		resp, err := http.Post(ts.URL+"/offer"+tc.query, "application/json", strings.NewReader(tc.body))
		if err != nil {
			t.Fatalf("%s: post: %v", tc.name, err)
		}
		resp.Body.Close()
		if resp.StatusCode != tc.want {
			t.Fatalf("%s: expected %d, got %d", tc.name, tc.want, resp.StatusCode)
		}
	}
	if answerer.clientID != "" {
		t.Fatalf("answerer must not be reached for rejected offers")
	}

	answerer.err = errors.New("ice failed")
	resp, err := http.Post(ts.URL+"/offer?client_id=a", "application/json", strings.NewReader(`{"type":"offer","sdp":"v=0"}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("expected 500 on negotiation failure, got %d", resp.StatusCode)
	}
}

func TestWho(t *testing.T) {
	router := hub.NewRouter(hub.DefaultConfig(), nil, utils.DiscardLogger())
	sess := router.Register("dash", "viewer", nopChannel{})
	router.Open(sess)

	scheduler := engine.NewScheduler(engine.DefaultSchedulerConfig(), buffer.New(60), nil, nil, nil, utils.DiscardLogger())
	scheduler.Buffer().Append("pos-1", models.MetricSample{CPU: 1})

	ts := newTestServer(t, Deps{Mode: "live", Sessions: router.Registry(), Detectors: scheduler})

	resp, err := http.Get(ts.URL + "/who")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	var who WhoResponse
	decodeBody(t, resp, &who)

	if len(who.Clients) != 1 || who.Clients[0].ClientID != "dash" || !who.Clients[0].Online || who.Clients[0].State != hub.StateOpen {
		t.Fatalf("unexpected clients %+v", who.Clients)
	}
	if ids := who.Rooms[hub.DefaultRoom]; len(ids) != 1 || ids[0] != "dash" {
		t.Fatalf("unexpected rooms %+v", who.Rooms)
	}
	if len(who.Agents) != 1 || who.Agents[0].AgentID != "pos-1" || who.Agents[0].Samples != 1 {
		t.Fatalf("unexpected agents %+v", who.Agents)
	}
	if who.Mode != "live" {
		t.Fatalf("unexpected mode %q", who.Mode)
	}
}

func TestWhoWithoutComponents(t *testing.T) {
	ts := newTestServer(t, Deps{})
	resp, err := http.Get(ts.URL + "/who")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(raw), `"clients":[]`) {
		t.Fatalf("expected empty client list, got %s", raw)
	}
}

func TestCORS(t *testing.T) {
	ts := newTestServer(t, Deps{Answerer: &fakeAnswerer{}}, "https://dash.example")

	req, _ := http.NewRequest(http.MethodOptions, ts.URL+"/offer", nil)
	req.Header.Set("Origin", "https://dash.example")
	req.Header.Set("Access-Control-Request-Method", "POST")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("preflight: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent || resp.Header.Get("Access-Control-Allow-Origin") != "https://dash.example" {
		t.Fatalf("unexpected preflight response %d %v", resp.StatusCode, resp.Header)
	}

	req, _ = http.NewRequest(http.MethodGet, ts.URL+"/health", nil)
	req.Header.Set("Origin", "https://evil.example")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.Header.Get("Access-Control-Allow-Origin") != "" {
		t.Fatalf("disallowed origin must not be echoed")
	}
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	if err := metrics.Register(reg); err != nil {
		t.Fatalf("register: %v", err)
	}
	ts := newTestServer(t, Deps{Gatherer: reg})

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("get health: %v", err)
	}
	resp.Body.Close()

	resp, err = http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("get metrics: %v", err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(raw), `pulsehub_http_requests_total{code="200",route="/health"}`) {
		t.Fatalf("expected http request counter in exposition, got:\n%s", raw)
	}
}
