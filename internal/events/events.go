// Package events publishes anomaly events to peer processes over Redis Pub/Sub and NATS.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/pulseai/pulsehub/internal/metrics"
	"github.com/pulseai/pulsehub/internal/models"
)

const (
	// EventType identifies anomaly envelopes.
	EventType = "io.pulseai.pulsehub.anomaly"
	// DefaultSource is the envelope source when none is configured.
	DefaultSource = "pulsehub/hub"
)

// Envelope wraps an anomaly event for peer transports.
type Envelope struct {
	SpecVersion     string              `json:"specversion"`
	ID              string              `json:"id"`
	Source          string              `json:"source"`
	Type            string              `json:"type"`
	Subject         string              `json:"subject,omitempty"`
	Time            time.Time           `json:"time"`
	DataContentType string              `json:"datacontenttype"`
	Data            models.AnomalyEvent `json:"data"`
}

// NewEnvelope wraps event with a fresh id.
func NewEnvelope(source string, event models.AnomalyEvent, now time.Time) Envelope {
	return Envelope{
		SpecVersion:     "1.0",
		ID:              uuid.New().String(),
		Source:          source,
		Type:            EventType,
		Subject:         event.AgentID,
		Time:            now.UTC(),
		DataContentType: "application/json",
		Data:            event,
	}
}

// Publisher delivers encoded envelopes to one peer transport.
type Publisher interface {
	Name() string
	Publish(ctx context.Context, payload []byte) error
	Close() error
}

// Fanout encodes each anomaly event once and hands it to every publisher.
type Fanout struct {
	source     string
	publishers []Publisher
	logger     *slog.Logger
	now        func() time.Time
}

// NewFanout creates a fan-out over publishers.
func NewFanout(source string, logger *slog.Logger, publishers ...Publisher) *Fanout {
	if source == "" {
		source = DefaultSource
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Fanout{source: source, publishers: publishers, logger: logger, now: time.Now}
}

// Len returns the number of publishers.
func (f *Fanout) Len() int { return len(f.publishers) }

// PublishAnomaly publishes event to every publisher. Failures are logged and joined; one
// failing transport does not stop the others.
func (f *Fanout) PublishAnomaly(ctx context.Context, event models.AnomalyEvent) error {
	if len(f.publishers) == 0 {
		return nil
	}

	envelope := NewEnvelope(f.source, event, f.now())
	payload, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("failed to marshal anomaly envelope: %w", err)
	}

	var errs []error
	for _, p := range f.publishers {
		err := p.Publish(ctx, payload)
		metrics.ObservePublish(p.Name(), err)
		if err != nil {
			f.logger.Warn("event publish failed",
				slog.String("sink", p.Name()),
				slog.String("event_id", envelope.ID),
				slog.Any("error", err))
			errs = append(errs, fmt.Errorf("%s: %w", p.Name(), err))
			continue
		}
		f.logger.Debug("event published", slog.String("sink", p.Name()), slog.String("event_id", envelope.ID))
	}
	return errors.Join(errs...)
}

// Close closes every publisher.
func (f *Fanout) Close() error {
	var errs []error
	for _, p := range f.publishers {
		if err := p.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", p.Name(), err))
		}
	}
	return errors.Join(errs...)
}
