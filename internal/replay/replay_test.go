package replay

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pulseai/pulsehub/internal/hub"
	"github.com/pulseai/pulsehub/internal/models"
	"github.com/pulseai/pulsehub/internal/utils"
)

type recorder struct {
	mu      sync.Mutex
	agents  []string
	samples []models.MetricSample
	relayed []any
}

func (r *recorder) Ingest(agentID string, sample models.MetricSample) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents = append(r.agents, agentID)
	r.samples = append(r.samples, sample)
}

func (r *recorder) BroadcastAll(v any) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.relayed = append(r.relayed, v)
	return 1
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.agents)
}

const sampleLines = `{"AgentId":"POS-1","Timestamp":"2026-01-01T00:00:00Z","CPU":12.5,"Memory":40,"DiskIO":1,"Network":{"Sent":10,"Recv":20}}

not json
{"Timestamp":"2026-01-01T00:00:05Z","CPU":13}
`

func writeSamples(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "data_pos.txt")
	if err := os.WriteFile(path, []byte(sampleLines), 0o644); err != nil {
		t.Fatalf("write samples: %v", err)
	}
	return path
}

func readyTicks(n int) <-chan time.Time {
	ch := make(chan time.Time, n)
	for i := 0; i < n; i++ {
		ch <- time.Time{}
	}
	return ch
}

func TestPlaySkipsBadLines(t *testing.T) {
	rec := &recorder{}
	r, err := New(Config{Path: "unused"}, rec, rec, utils.DiscardLogger())
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	n, err := r.play(context.Background(), strings.NewReader(sampleLines), readyTicks(4))
	if err != nil {
		t.Fatalf("play: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 records, got %d", n)
	}
	if rec.agents[0] != "POS-1" || rec.agents[1] != "unknown" {
		t.Fatalf("unexpected agents %v", rec.agents)
	}
	if rec.samples[0].CPU != 12.5 || rec.samples[0].Network.Recv != 20 {
		t.Fatalf("unexpected sample %+v", rec.samples[0])
	}

	msg, ok := rec.relayed[0].(hub.MetricsMessage)
	if !ok || msg.Type != hub.TypeMetrics || msg.AgentID != "POS-1" || msg.CPU != 12.5 {
		t.Fatalf("unexpected relay %+v", rec.relayed[0])
	}
}

func TestPlayStopsOnCancel(t *testing.T) {
	rec := &recorder{}
	r, _ := New(Config{Path: "unused"}, rec, nil, utils.DiscardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	n, err := r.play(ctx, strings.NewReader(sampleLines), make(chan time.Time))
	if err == nil || n != 0 {
		t.Fatalf("expected cancellation before the first record, got n=%d err=%v", n, err)
	}
}

func TestRunOnce(t *testing.T) {
	rec := &recorder{}
	r, err := New(Config{Path: writeSamples(t), Delay: time.Millisecond}, rec, nil, utils.DiscardLogger())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := r.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if rec.count() != 2 {
		t.Fatalf("expected 2 records, got %d", rec.count())
	}
}

func TestRunLoopsUntilCancelled(t *testing.T) {
	rec := &recorder{}
	r, _ := New(Config{Path: writeSamples(t), Delay: time.Millisecond, Loop: true, LoopPause: time.Millisecond}, rec, nil, utils.DiscardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for rec.count() < 5 {
		if time.Now().After(deadline) {
			t.Fatalf("replay did not loop, got %d records", rec.count())
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("run did not stop after cancel")
	}
}

func TestRunMissingFile(t *testing.T) {
	r, _ := New(Config{Path: filepath.Join(t.TempDir(), "missing.txt")}, &recorder{}, nil, nil)
	if err := r.Run(context.Background()); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestNewValidates(t *testing.T) {
	if _, err := New(Config{}, &recorder{}, nil, nil); err == nil {
		t.Fatalf("expected error without a path")
	}
	if _, err := New(Config{Path: "x"}, nil, nil, nil); err == nil {
		t.Fatalf("expected error without an ingestor")
	}
}
