package events

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"

	"github.com/pulseai/pulsehub/internal/models"
	"github.com/pulseai/pulsehub/internal/utils"
)

type stubPublisher struct {
	name string
	err  error

	mu       sync.Mutex
	payloads [][]byte
	closed   bool
}

func (s *stubPublisher) Name() string { return s.name }

func (s *stubPublisher) Publish(_ context.Context, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.payloads = append(s.payloads, payload)
	return s.err
}

func (s *stubPublisher) Close() error {
	s.closed = true
	return nil
}

func sampleEvent() models.AnomalyEvent {
	return models.AnomalyEvent{
		AgentID:     "pos-1",
		Timestamp:   "2026-01-01T00:00:00Z",
		HealthScore: 80,
		Detections:  []models.Detection{{Engine: models.EngineECOD, Metric: models.MetricCPU, Severity: models.SeverityCritical}},
	}
}

func TestFanoutPublishesEnvelope(t *testing.T) {
	good := &stubPublisher{name: "good"}
	bad := &stubPublisher{name: "bad", err: errors.New("down")}
	fanout := NewFanout("", utils.DiscardLogger(), good, bad)

	err := fanout.PublishAnomaly(context.Background(), sampleEvent())
	if err == nil {
		t.Fatalf("expected the failing publisher to surface an error")
	}
	if len(good.payloads) != 1 || len(bad.payloads) != 1 {
		t.Fatalf("every publisher should be attempted")
	}

	var envelope Envelope
	if err := json.Unmarshal(good.payloads[0], &envelope); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	if envelope.Type != EventType || envelope.Source != DefaultSource || envelope.Subject != "pos-1" {
		t.Fatalf("unexpected envelope %+v", envelope)
	}
	if len(envelope.ID) != 36 || envelope.Data.HealthScore != 80 {
		t.Fatalf("unexpected envelope body %+v", envelope)
	}
	if string(good.payloads[0]) != string(bad.payloads[0]) {
		t.Fatalf("the envelope should be encoded once for all publishers")
	}

	if err := fanout.Close(); err != nil || !good.closed || !bad.closed {
		t.Fatalf("close should reach every publisher: %v", err)
	}
}

func TestFanoutWithoutPublishers(t *testing.T) {
	if err := NewFanout("x", nil).PublishAnomaly(context.Background(), sampleEvent()); err != nil {
		t.Fatalf("empty fanout should be a no-op: %v", err)
	}
}

func runNATSServer(t *testing.T) *server.Server {
	t.Helper()
	srv, err := server.NewServer(&server.Options{Host: "127.0.0.1", Port: -1})
	if err != nil {
		t.Fatalf("new nats server: %v", err)
	}
	go srv.Start()
	if !srv.ReadyForConnections(10 * time.Second) {
		srv.Shutdown()
		t.Fatalf("embedded NATS server not ready for connections")
	}
	t.Cleanup(srv.Shutdown)
	return srv
}

func TestNATSPublisher(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping embedded NATS test in short mode")
	}
	srv := runNATSServer(t)

	sub, err := nats.Connect(srv.ClientURL())
	if err != nil {
		t.Fatalf("connect subscriber: %v", err)
	}
	defer sub.Close()
	msgs := make(chan *nats.Msg, 1)
	if _, err := sub.ChanSubscribe("pulsehub.anomalies", msgs); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := sub.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	pub, err := ConnectNATS(srv.ClientURL(), "pulsehub.anomalies")
	if err != nil {
		t.Fatalf("connect publisher: %v", err)
	}
	fanout := NewFanout("test", utils.DiscardLogger(), pub)
	defer fanout.Close()

	if err := fanout.PublishAnomaly(context.Background(), sampleEvent()); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case msg := <-msgs:
		var envelope Envelope
		if err := json.Unmarshal(msg.Data, &envelope); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if envelope.Source != "test" || envelope.Data.AgentID != "pos-1" {
			t.Fatalf("unexpected envelope %+v", envelope)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("no message received")
	}
}

func TestRedisPublisher(t *testing.T) {
	addr := os.Getenv("PULSEHUB_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("PULSEHUB_TEST_REDIS_ADDR not set")
	}
	ctx := context.Background()

	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()
	sub := client.Subscribe(ctx, "pulsehub:anomalies")
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	pub, err := DialRedisPublisher(ctx, addr, "", 0, "pulsehub:anomalies")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer pub.Close()

	if err := NewFanout("", nil, pub).PublishAnomaly(ctx, sampleEvent()); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case msg := <-sub.Channel():
		var envelope Envelope
		if err := json.Unmarshal([]byte(msg.Payload), &envelope); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if envelope.Data.AgentID != "pos-1" {
			t.Fatalf("unexpected envelope %+v", envelope)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("no message received")
	}
}

func TestDialRedisPublisherRequiresAddr(t *testing.T) {
	if _, err := DialRedisPublisher(context.Background(), "", "", 0, "c"); err == nil {
		t.Fatalf("expected error for empty address")
	}
}
