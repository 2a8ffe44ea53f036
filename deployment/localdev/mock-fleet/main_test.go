package main

import (
	"bufio"
	"bytes"
	"testing"
	"time"

	"github.com/pulseai/pulsehub/internal/models"
)

func TestWriteFleetProducesReplayableLines(t *testing.T) {
	opts := fleetOptions{agents: 2, samples: 5, cadence: 5 * time.Second, spikeAt: 3, spikeCPU: 97,
		startTime: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}

	var buf bytes.Buffer
	n, err := writeFleet(&buf, opts)
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if n != 10 {
		t.Fatalf("expected 10 samples, got %d", n)
	}

	scanner := bufio.NewScanner(&buf)
	line := 0
	for scanner.Scan() {
		agentID, sample, err := models.DecodeLegacySample(scanner.Bytes())
		if err != nil {
			t.Fatalf("line %d does not decode: %v", line, err)
		}
		if line == 6 && (agentID != "POS-1" || sample.CPU != 97) {
			t.Fatalf("expected POS-1 spike at sample 3, got %s %+v", agentID, sample)
		}
		if line == 1 && sample.Timestamp != "2026-01-01T00:00:00Z" {
			t.Fatalf("terminals should share timestamps per step, got %q", sample.Timestamp)
		}
		line++
	}
}
