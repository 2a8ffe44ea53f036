// Package detectors scores a window of metric values and classifies the newest sample.
//
// Two engines live here. ECOD is a stateless empirical-distribution outlier scorer that is
// cheap enough to run every few seconds. Forecaster fits a short autoregressive model, compares
// the newest sample against the model's one-step forecast and keeps a per-agent residual
// history to size its threshold.
package detectors

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/pulseai/pulsehub/internal/models"
)

var (
	// ErrInsufficientData means the window is shorter than the engine's minimum.
	ErrInsufficientData = errors.New("insufficient data")
	// ErrDegenerateSeries means the series cannot be scored or fitted (constant, non-finite,
	// numerically unstable).
	ErrDegenerateSeries = errors.New("degenerate series")
)

// RealtimeSeverity classifies an ECOD verdict. A sample that is not flagged is normal; a
// flagged sample is critical only when its score is strictly above critical.
func RealtimeSeverity(flagged bool, score, critical float64) models.Severity {
	switch {
	case !flagged:
		return models.SeverityNormal
	case score > critical:
		return models.SeverityCritical
	default:
		return models.SeverityWarning
	}
}

// ForecastSeverity classifies a forecast residual. Both boundaries are inclusive on the lower
// severity: residual == threshold is normal, residual == factor*threshold is warning.
func ForecastSeverity(residual, threshold, criticalFactor float64) models.Severity {
	switch {
	case residual <= threshold:
		return models.SeverityNormal
	case residual <= criticalFactor*threshold:
		return models.SeverityWarning
	default:
		return models.SeverityCritical
	}
}

func checkFinite(values []float64) error {
	for i, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: non-finite value at index %d", ErrDegenerateSeries, i)
		}
	}
	return nil
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// variance is the population variance.
func variance(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	mu := mean(values)
	sum := 0.0
	for _, v := range values {
		d := v - mu
		sum += d * d
	}
	return sum / float64(len(values))
}

func stddev(values []float64) float64 {
	return math.Sqrt(variance(values))
}

func median(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	return (sorted[mid-1] + sorted[mid]) / 2
}

// percentile uses linear interpolation between closest ranks, matching numpy's default.
func percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	if p <= 0 {
		return sorted[0]
	}
	if p >= 100 {
		return sorted[len(sorted)-1]
	}
	pos := p / 100 * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	frac := pos - float64(lo)
	return sorted[lo] + frac*(sorted[hi]-sorted[lo])
}
