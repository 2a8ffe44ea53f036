package detectors

import (
	"errors"
	"math"
	"testing"

	"github.com/pulseai/pulsehub/internal/models"
)

func risingWithSpike() []float64 {
	values := make([]float64, 0, 25)
	for i := 0; i < 24; i++ {
		values = append(values, 20+float64(i))
	}
	return append(values, 95)
}

func TestECODFlagsSpike(t *testing.T) {
	det := NewECOD(DefaultECODConfig())

	got, err := det.Evaluate(models.MetricCPU, risingWithSpike())
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if got.Severity != models.SeverityCritical {
		t.Fatalf("expected critical, got %s (score %.4f threshold %.4f)", got.Severity, got.Score, got.Threshold)
	}
	if got.Engine != models.EngineECOD || got.Metric != models.MetricCPU || got.Value != 95 {
		t.Fatalf("unexpected detection %+v", got)
	}
	if got.Score <= got.Threshold {
		t.Fatalf("expected score above threshold, got %.4f <= %.4f", got.Score, got.Threshold)
	}
}

func TestECODRequiresMinimumSamples(t *testing.T) {
	det := NewECOD(DefaultECODConfig())

	_, err := det.Evaluate(models.MetricCPU, risingWithSpike()[:19])
	if !errors.Is(err, ErrInsufficientData) {
		t.Fatalf("expected ErrInsufficientData, got %v", err)
	}

	if _, err := det.Evaluate(models.MetricCPU, risingWithSpike()[5:]); err != nil {
		t.Fatalf("20 samples should be enough: %v", err)
	}
}

func TestECODConstantSeriesIsNormal(t *testing.T) {
	values := make([]float64, 25)
	for i := range values {
		values[i] = 50
	}

	got, err := NewECOD(ECODConfig{}).Evaluate(models.MetricMemory, values)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if got.Severity != models.SeverityNormal || got.Score != 0 {
		t.Fatalf("expected normal zero score, got %+v", got)
	}
}

func TestECODPeriodicSeriesIsNormal(t *testing.T) {
	values := make([]float64, 30)
	for i := range values {
		values[i] = 50 + float64(i%3)
	}
	values[29] = 50

	got, err := NewECOD(DefaultECODConfig()).Evaluate(models.MetricDiskIO, values)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if got.Severity != models.SeverityNormal {
		t.Fatalf("expected normal, got %s (score %.4f threshold %.4f)", got.Severity, got.Score, got.Threshold)
	}
}

func TestECODFlagsLowOutlier(t *testing.T) {
	values := make([]float64, 30)
	for i := range values {
		values[i] = 50 + float64(i%3)
	}
	values[29] = 5

	got, err := NewECOD(DefaultECODConfig()).Evaluate(models.MetricDiskIO, values)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if got.Severity == models.SeverityNormal {
		t.Fatalf("expected a low outlier to be flagged, got %+v", got)
	}
}

func TestECODRejectsNonFinite(t *testing.T) {
	values := risingWithSpike()
	values[3] = math.NaN()

	_, err := NewECOD(DefaultECODConfig()).Evaluate(models.MetricCPU, values)
	if !errors.Is(err, ErrDegenerateSeries) {
		t.Fatalf("expected ErrDegenerateSeries, got %v", err)
	}
}

func TestECODScoresBounded(t *testing.T) {
	scores, err := NewECOD(DefaultECODConfig()).Scores(risingWithSpike())
	if err != nil {
		t.Fatalf("scores: %v", err)
	}
	for i, s := range scores {
		if s < 0 || s > 1 {
			t.Fatalf("score %d out of range: %f", i, s)
		}
	}
}

func TestRealtimeSeverityBoundaries(t *testing.T) {
	cases := []struct {
		flagged bool
		score   float64
		want    models.Severity
	}{
		{false, 0.99, models.SeverityNormal},
		{true, 0.5, models.SeverityWarning},
		{true, 0.9, models.SeverityWarning},
		{true, 0.9000001, models.SeverityCritical},
	}
	for _, tc := range cases {
		if got := RealtimeSeverity(tc.flagged, tc.score, 0.9); got != tc.want {
			t.Fatalf("RealtimeSeverity(%v, %v) = %s, want %s", tc.flagged, tc.score, got, tc.want)
		}
	}
}

func TestPercentileLinear(t *testing.T) {
	values := []float64{4, 1, 3, 2}
	if got := percentile(values, 50); got != 2.5 {
		t.Fatalf("expected 2.5, got %f", got)
	}
	if got := percentile(values, 100); got != 4 {
		t.Fatalf("expected 4, got %f", got)
	}
	if got := percentile(values, 0); got != 1 {
		t.Fatalf("expected 1, got %f", got)
	}
}

func TestECODLinearRampRanksNewestExtremeFirst(t *testing.T) {
	for _, n := range []int{20, 25} {
		values := make([]float64, n)
		for i := range values {
			values[i] = 20 + 75*float64(i)/24
		}

		e := NewECOD(DefaultECODConfig())
		scores, err := e.Scores(values)
		if err != nil {
			t.Fatalf("n=%d: scores: %v", n, err)
		}
		// Both ends of a symmetric ramp are equally rare; only recency separates them.
		if scores[0] >= scores[n-1] {
			t.Fatalf("n=%d: oldest extreme %v must rank below newest %v", n, scores[0], scores[n-1])
		}
		if scores[n-1]-scores[0] > 2e-6 {
			t.Fatalf("n=%d: recency must only break ties, got gap %v", n, scores[n-1]-scores[0])
		}

		det, err := e.Evaluate(models.MetricCPU, values)
		if err != nil {
			t.Fatalf("n=%d: evaluate: %v", n, err)
		}
		if det.Score < 1-1e-9 || det.Score <= det.Threshold {
			t.Fatalf("n=%d: expected score near 1 above threshold, got score %v threshold %v", n, det.Score, det.Threshold)
		}
		if det.Severity != models.SeverityCritical {
			t.Fatalf("n=%d: expected critical, got %s", n, det.Severity)
		}
	}
}
