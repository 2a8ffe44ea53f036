package engine

import (
	"github.com/pulseai/pulsehub/internal/models"
)

// HealthPolicy holds the penalty subtracted from 100 for each detection of a given severity.
type HealthPolicy struct {
	Critical int `yaml:"critical"`
	Warning  int `yaml:"warning"`
	Normal   int `yaml:"normal"`
}

// DefaultHealthPolicy is critical -20, warning -5, normal 0.
func DefaultHealthPolicy() HealthPolicy {
	return HealthPolicy{Critical: 20, Warning: 5, Normal: 0}
}

// Penalty returns the weight for a severity.
func (p HealthPolicy) Penalty(severity models.Severity) int {
	switch severity {
	case models.SeverityCritical:
		return p.Critical
	case models.SeverityWarning:
		return p.Warning
	default:
		return p.Normal
	}
}

// Score starts from 100 and subtracts each detection's penalty, clamping to [0,100] after
// every step. Detections on the same metric each count.
func (p HealthPolicy) Score(detections []models.Detection) int {
	score := 100
	for _, d := range detections {
		score = clamp(score-p.Penalty(d.Severity), 0, 100)
	}
	return score
}

// Aggregator turns one cycle's detections into at most one AnomalyEvent.
type Aggregator struct {
	policy        HealthPolicy
	includeNormal bool
	advisor       *RuleEngine
}

// NewAggregator builds an aggregator. When includeNormal is false, normal detections are
// dropped before scoring. advisor may be nil.
func NewAggregator(policy HealthPolicy, includeNormal bool, advisor *RuleEngine) *Aggregator {
	return &Aggregator{policy: policy, includeNormal: includeNormal, advisor: advisor}
}

// Policy returns the health policy in use.
func (a *Aggregator) Policy() HealthPolicy { return a.policy }

// Aggregate builds the event for one cycle trigger. ok is false when no detection remains.
func (a *Aggregator) Aggregate(agentID, timestamp string, detections []models.Detection, raw map[models.Metric]float64) (models.AnomalyEvent, bool) {
	kept := make([]models.Detection, 0, len(detections))
	for _, d := range detections {
		if !a.includeNormal && d.Severity == models.SeverityNormal {
			continue
		}
		kept = append(kept, d)
	}
	if len(kept) == 0 {
		return models.AnomalyEvent{}, false
	}

	event := models.AnomalyEvent{
		AgentID:     agentID,
		Timestamp:   timestamp,
		HealthScore: a.policy.Score(kept),
		Detections:  kept,
		RawMetrics:  raw,
	}
	event.Advice = a.advisor.Recommend(event)
	return event, true
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
