package hub

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/pulseai/pulsehub/internal/models"
	"github.com/pulseai/pulsehub/internal/utils"
)

type fakeChannel struct {
	mu     sync.Mutex
	msgs   [][]byte
	fail   bool
	closed bool
}

func (f *fakeChannel) Send(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("broken pipe")
	}
	if f.closed {
		return errors.New("channel closed")
	}
	f.msgs = append(f.msgs, append([]byte(nil), data...))
	return nil
}

func (f *fakeChannel) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeChannel) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeChannel) raw() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.msgs...)
}

func (f *fakeChannel) reset() {
	f.mu.Lock()
	f.msgs = nil
	f.mu.Unlock()
}

func (f *fakeChannel) decoded(t *testing.T) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, raw := range f.raw() {
		var m map[string]any
		if err := json.Unmarshal(raw, &m); err != nil {
			t.Fatalf("decode outbound %s: %v", raw, err)
		}
		out = append(out, m)
	}
	return out
}

func (f *fakeChannel) ofType(t *testing.T, msgType string) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, m := range f.decoded(t) {
		if m["type"] == msgType {
			out = append(out, m)
		}
	}
	return out
}

type fakeIngestor struct {
	mu      sync.Mutex
	agents  []string
	samples []models.MetricSample
}

func (f *fakeIngestor) Ingest(agentID string, sample models.MetricSample) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.agents = append(f.agents, agentID)
	f.samples = append(f.samples, sample)
}

func newTestRouter(cfg Config, ingest Ingestor) *Router {
	return NewRouter(cfg, ingest, utils.DiscardLogger())
}

// connect registers and opens a session and clears its welcome message.
func connect(t *testing.T, r *Router, id, role string) (*Session, *fakeChannel) {
	t.Helper()
	ch := &fakeChannel{}
	sess := r.Register(id, role, ch)
	r.Open(sess)
	if got := ch.ofType(t, "welcome"); len(got) != 1 {
		t.Fatalf("expected welcome for %s, got %v", id, ch.decoded(t))
	}
	ch.reset()
	return sess, ch
}

func route(r *Router, from string, msg string) {
	r.Route(from, []byte(msg))
}
