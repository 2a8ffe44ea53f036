// Package replay feeds recorded JSON-lines samples into the hub as if agents were connected.
package replay

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/pulseai/pulsehub/internal/hub"
	"github.com/pulseai/pulsehub/internal/models"
)

const (
	DefaultDelay     = 500 * time.Millisecond
	DefaultLoopPause = time.Second

	maxLineBytes = 1 << 20
)

// Ingestor accepts replayed samples; the scheduler implements it.
type Ingestor interface {
	Ingest(agentID string, sample models.MetricSample)
}

// Broadcaster relays a message to every open session; the hub router implements it.
type Broadcaster interface {
	BroadcastAll(v any) int
}

// Config controls replay pacing.
type Config struct {
	Path      string
	Delay     time.Duration
	Loop      bool
	LoopPause time.Duration
}

// Replayer reads a sample file line by line and emits one record per Delay.
type Replayer struct {
	cfg       Config
	ingest    Ingestor
	broadcast Broadcaster
	logger    *slog.Logger
}

// New returns a replayer. broadcast may be nil when no sessions should see the raw samples.
func New(cfg Config, ingest Ingestor, broadcast Broadcaster, logger *slog.Logger) (*Replayer, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("replay: sample file path is required")
	}
	if ingest == nil {
		return nil, fmt.Errorf("replay: ingestor is required")
	}
	if cfg.Delay <= 0 {
		cfg.Delay = DefaultDelay
	}
	if cfg.LoopPause <= 0 {
		cfg.LoopPause = DefaultLoopPause
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Replayer{cfg: cfg, ingest: ingest, broadcast: broadcast, logger: logger}, nil
}

// Run replays the file until it is exhausted (or, when looping, until ctx is cancelled).
// A missing file is an error; bad lines are skipped.
func (r *Replayer) Run(ctx context.Context) error {
	if _, err := os.Stat(r.cfg.Path); err != nil {
		return fmt.Errorf("replay: %w", err)
	}
	r.logger.Info("sample replay starting", slog.String("file", r.cfg.Path), slog.Duration("delay", r.cfg.Delay), slog.Bool("loop", r.cfg.Loop))

	ticker := time.NewTicker(r.cfg.Delay)
	defer ticker.Stop()

	for pass := 1; ; pass++ {
		n, err := r.playOnce(ctx, ticker.C)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		r.logger.Info("sample replay pass finished", slog.Int("pass", pass), slog.Int("records", n))
		if !r.cfg.Loop {
			return nil
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(r.cfg.LoopPause):
		}
	}
}

func (r *Replayer) playOnce(ctx context.Context, tick <-chan time.Time) (int, error) {
	f, err := os.Open(r.cfg.Path)
	if err != nil {
		return 0, fmt.Errorf("replay: %w", err)
	}
	defer f.Close()

	return r.play(ctx, f, tick)
}

func (r *Replayer) play(ctx context.Context, src io.Reader, tick <-chan time.Time) (int, error) {
	scanner := bufio.NewScanner(src)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	count := 0
	line := 0
	for scanner.Scan() {
		line++
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		agentID, sample, err := models.DecodeLegacySample(raw)
		if err != nil {
			r.logger.Warn("skipping invalid sample line", slog.Int("line", line), slog.Any("error", err))
			continue
		}

		select {
		case <-ctx.Done():
			return count, ctx.Err()
		case <-tick:
		}

		r.emit(agentID, sample)
		count++
		if count%100 == 0 {
			r.logger.Info("sample replay progress", slog.Int("records", count))
		}
	}
	if err := scanner.Err(); err != nil {
		return count, fmt.Errorf("replay: read %s: %w", r.cfg.Path, err)
	}
	return count, nil
}

func (r *Replayer) emit(agentID string, sample models.MetricSample) {
	r.ingest.Ingest(agentID, sample)
	if r.broadcast != nil {
		r.broadcast.BroadcastAll(hub.MetricsMessage{Type: hub.TypeMetrics, AgentID: agentID, MetricSample: sample})
	}
}
