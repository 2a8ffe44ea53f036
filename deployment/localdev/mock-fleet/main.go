// mock-fleet writes a synthetic POS telemetry file for `pulsehub serve --mode sample`.
package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"math"
	"os"
	"time"

	"github.com/pulseai/pulsehub/internal/models"
)

type fleetOptions struct {
	agents    int
	samples   int
	cadence   time.Duration
	spikeAt   int
	spikeCPU  float64
	startTime time.Time
}

func main() {
	var (
		out  string
		opts fleetOptions
	)
	flag.StringVar(&out, "out", "-", "Output file (- for stdout)")
	flag.IntVar(&opts.agents, "agents", 3, "Number of simulated terminals")
	flag.IntVar(&opts.samples, "samples", 120, "Samples per terminal")
	flag.DurationVar(&opts.cadence, "cadence", 5*time.Second, "Interval between samples")
	flag.IntVar(&opts.spikeAt, "spike-at", 90, "Sample index where POS-1 spikes (negative disables)")
	flag.Float64Var(&opts.spikeCPU, "spike-cpu", 97, "CPU value during the spike")
	flag.Parse()
	opts.startTime = time.Now().UTC().Truncate(time.Second)

	logger := log.New(os.Stderr, "mock-fleet ", log.LstdFlags)

	var w io.Writer = os.Stdout
	if out != "-" {
		f, err := os.Create(out)
		if err != nil {
			logger.Fatalf("create %s: %v", out, err)
		}
		defer f.Close()
		w = f
	}

	n, err := writeFleet(w, opts)
	if err != nil {
		logger.Fatalf("write samples: %v", err)
	}
	logger.Printf("wrote %d samples for %d terminals", n, opts.agents)
}

// writeFleet interleaves samples from every terminal in time order, one JSON object per line.
func writeFleet(w io.Writer, opts fleetOptions) (int, error) {
	bw := bufio.NewWriter(w)
	enc := json.NewEncoder(bw)

	written := 0
	for i := 0; i < opts.samples; i++ {
		ts := opts.startTime.Add(time.Duration(i) * opts.cadence).Format(time.RFC3339)
		for a := 1; a <= opts.agents; a++ {
			sample := synthesize(a, i, opts)
			sample.Timestamp = ts
			if err := enc.Encode(sample); err != nil {
				return written, err
			}
			written++
		}
	}
	return written, bw.Flush()
}

func synthesize(agent, i int, opts fleetOptions) models.LegacySample {
	phase := float64(agent)
	cpu := 35 + 8*math.Sin(0.3*float64(i)+phase) + float64(i%4)
	mem := 55 + 0.02*float64(i) + 2*math.Cos(0.1*float64(i)+phase)
	disk := 4 + 1.5*math.Sin(0.5*float64(i))
	if agent == 1 && opts.spikeAt >= 0 && i >= opts.spikeAt && i < opts.spikeAt+3 {
		cpu = opts.spikeCPU
	}
	sent := uint64(1_000_000*agent + 12_000*i)
	return models.LegacySample{
		AgentID: fmt.Sprintf("POS-%d", agent),
		CPU:     round2(cpu),
		Memory:  round2(mem),
		DiskIO:  round2(disk),
		Network: models.Network{Sent: sent, Recv: sent * 3},
	}
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }
