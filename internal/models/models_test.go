package models

import "testing"

func TestDecodeLegacySample(t *testing.T) {
	agent, sample, err := DecodeLegacySample([]byte(`{"AgentId":"pos-7","Timestamp":"2025-01-01T00:00:00Z","CPU":16.1,"Memory":42.3,"DiskIO":3,"Network":{"Sent":176557,"Recv":8932}}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if agent != "pos-7" {
		t.Fatalf("unexpected agent %q", agent)
	}
	if sample.CPU != 16.1 || sample.Network.Sent != 176557 {
		t.Fatalf("unexpected sample %+v", sample)
	}

	agent, _, err = DecodeLegacySample([]byte(`{"CPU":1}`))
	if err != nil || agent != "unknown" {
		t.Fatalf("expected unknown agent, got %q (%v)", agent, err)
	}

	if _, _, err := DecodeLegacySample([]byte(`{`)); err == nil {
		t.Fatalf("expected decode error")
	}
}

func TestSampleValue(t *testing.T) {
	s := MetricSample{CPU: 1, Memory: 2, DiskIO: 3, Network: Network{Sent: 4, Recv: 5}}
	for metric, want := range map[Metric]float64{MetricCPU: 1, MetricMemory: 2, MetricDiskIO: 3, MetricNetworkSent: 4, MetricNetworkRecv: 5} {
		got, ok := s.Value(metric)
		if !ok || got != want {
			t.Fatalf("%s: got %v (%v), want %v", metric, got, ok, want)
		}
	}
	if _, ok := s.Value("bogus"); ok {
		t.Fatalf("expected unknown metric to be rejected")
	}
}

func TestEventWorst(t *testing.T) {
	e := AnomalyEvent{Detections: []Detection{{Severity: SeverityWarning}, {Severity: SeverityCritical}, {Severity: SeverityNormal}}}
	if e.Worst() != SeverityCritical {
		t.Fatalf("expected critical, got %s", e.Worst())
	}
	if (AnomalyEvent{}).Worst() != SeverityNormal {
		t.Fatalf("expected normal for empty event")
	}
}
