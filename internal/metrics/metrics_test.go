package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func TestRegisterTwice(t *testing.T) {
	reg := prometheus.NewRegistry()
	if err := Register(reg); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := Register(reg); err != nil {
		t.Fatalf("second register should be tolerated: %v", err)
	}
}

func TestObserversRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	if err := Register(reg); err != nil {
		t.Fatalf("register: %v", err)
	}

	ObserveMessage("ping")
	ObserveMessage("")
	ObserveRoutingError("no_such_client")
	ObserveSample()
	ObserveCycle("ecod", OutcomeOK, 2*time.Millisecond)
	ObserveCycle("ecod", OutcomeSkipped, 0)
	ObserveDetection("ecod", "critical")
	ObserveAnomalyEvent("agent-1", 80)
	ObservePublish("redis", errors.New("boom"))
	ObserveHTTP("/who", 200, time.Millisecond)
	SessionOpened()
	SessionClosed()

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}

	found := make(map[string]bool, len(families))
	for _, mf := range families {
		found[mf.GetName()] = true
	}
	for _, name := range []string{
		"pulsehub_messages_total",
		"pulsehub_routing_errors_total",
		"pulsehub_detector_cycles_total",
		"pulsehub_detections_total",
		"pulsehub_agent_health_score",
		"pulsehub_events_published_total",
		"pulsehub_http_requests_total",
	} {
		if !found[name] {
			t.Fatalf("expected metric family %s", name)
		}
	}

	ForgetAgent("agent-1")
}
