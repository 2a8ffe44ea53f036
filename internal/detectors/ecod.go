package detectors

import (
	"fmt"
	"math"
	"sort"

	"github.com/pulseai/pulsehub/internal/models"
)

const (
	// tieBreakWeight blends a robust distance-from-median term into the tail score so that
	// two equally rare tails (the window minimum and maximum) rank by how far out they sit.
	tieBreakWeight = 0.1
	// recencyDiscount is the largest discount applied to the oldest sample; among otherwise
	// identical scores the newest sample ranks highest.
	recencyDiscount = 1e-6
	// skewEpsilon treats |skewness| below it as symmetric.
	skewEpsilon = 1e-9
)

// ECODConfig tunes the realtime detector.
type ECODConfig struct {
	MinSamples    int
	Contamination float64
	CriticalScore float64
}

// DefaultECODConfig mirrors the hub defaults: 20 samples, 2% contamination, critical above 0.9.
func DefaultECODConfig() ECODConfig {
	return ECODConfig{MinSamples: 20, Contamination: 0.02, CriticalScore: 0.9}
}

// ECOD is an empirical-cumulative-distribution outlier scorer for a single metric window.
type ECOD struct {
	cfg ECODConfig
}

// NewECOD creates a realtime detector, filling zero fields with defaults.
func NewECOD(cfg ECODConfig) *ECOD {
	def := DefaultECODConfig()
	if cfg.MinSamples <= 1 {
		cfg.MinSamples = def.MinSamples
	}
	if cfg.Contamination <= 0 || cfg.Contamination >= 0.5 {
		cfg.Contamination = def.Contamination
	}
	if cfg.CriticalScore <= 0 {
		cfg.CriticalScore = def.CriticalScore
	}
	return &ECOD{cfg: cfg}
}

// Config returns the effective configuration.
func (e *ECOD) Config() ECODConfig { return e.cfg }

// Scores computes an outlier score in [0,1] for every value in the window.
//
// For each value the left and right tail probabilities are taken from the window's ECDF and
// turned into -log tail scores; the skewness of the window picks which tail counts (both when
// the window is symmetric). The strongest tail score, normalised by log(n), is blended with the
// value's distance from the median relative to the furthest value.
func (e *ECOD) Scores(values []float64) ([]float64, error) {
	n := len(values)
	if n < 2 {
		return nil, fmt.Errorf("%w: need at least 2 values, have %d", ErrInsufficientData, n)
	}
	if err := checkFinite(values); err != nil {
		return nil, err
	}

	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)

	skew := skewness(values)
	logN := math.Log(float64(n))
	med := median(values)

	maxDev := 0.0
	for _, v := range values {
		maxDev = math.Max(maxDev, math.Abs(v-med))
	}

	scores := make([]float64, n)
	for i, v := range values {
		atOrBelow := sort.Search(n, func(k int) bool { return sorted[k] > v })
		atOrAbove := n - sort.SearchFloat64s(sorted, v)

		left := -math.Log(float64(atOrBelow) / float64(n))
		right := -math.Log(float64(atOrAbove) / float64(n))

		var skewed float64
		switch {
		case skew > skewEpsilon:
			skewed = right
		case skew < -skewEpsilon:
			skewed = left
		default:
			skewed = left + right
		}

		tail := math.Min(math.Max(math.Max(left, right), skewed)/logN, 1)

		dist := 0.0
		if maxDev > 0 {
			dist = math.Abs(v-med) / maxDev
		}

		score := (1-tieBreakWeight)*tail + tieBreakWeight*dist
		age := float64(n-1-i) / float64(n-1)
		scores[i] = score * (1 - recencyDiscount*age)
	}
	return scores, nil
}

// Evaluate scores the window and classifies its newest value.
func (e *ECOD) Evaluate(metric models.Metric, values []float64) (models.Detection, error) {
	if len(values) < e.cfg.MinSamples {
		return models.Detection{}, fmt.Errorf("%w: ecod needs %d samples, have %d", ErrInsufficientData, e.cfg.MinSamples, len(values))
	}

	scores, err := e.Scores(values)
	if err != nil {
		return models.Detection{}, err
	}

	threshold := percentile(scores, 100*(1-e.cfg.Contamination))
	latest := scores[len(scores)-1]
	flagged := latest > threshold

	return models.Detection{
		Engine:    models.EngineECOD,
		Metric:    metric,
		Value:     values[len(values)-1],
		Score:     latest,
		Threshold: threshold,
		Severity:  RealtimeSeverity(flagged, latest, e.cfg.CriticalScore),
	}, nil
}

// skewness is the biased sample skewness (third standardised moment). A zero-variance window
// has zero skew.
func skewness(values []float64) float64 {
	mu := mean(values)
	var m2, m3 float64
	for _, v := range values {
		d := v - mu
		m2 += d * d
		m3 += d * d * d
	}
	n := float64(len(values))
	m2 /= n
	m3 /= n
	if m2 == 0 {
		return 0
	}
	return m3 / math.Pow(m2, 1.5)
}
