package detectors

import (
	"context"
	"fmt"
	"math"
	"time"
)

// ARModel is a fitted autoregressive model on a (possibly once-differenced) series.
// It is a plain value so it can be serialised into the model cache.
type ARModel struct {
	Order    int       `json:"order"`
	Diff     int       `json:"diff"`
	Mean     float64   `json:"mean"`
	Coeffs   []float64 `json:"coeffs"`
	Sigma2   float64   `json:"sigma2"`
	AIC      float64   `json:"aic"`
	FittedAt time.Time `json:"fitted_at"`
	Samples  int       `json:"samples"`
}

// FitAR picks the differencing order and AR order (1..maxOrder, by AIC) for series and
// estimates the coefficients with the Yule-Walker equations solved by Levinson-Durbin.
//
// The series is differenced once when that at least halves its variance. A constant series
// cannot be modelled and returns ErrDegenerateSeries; a linear one yields an order-0 drift model.
func FitAR(ctx context.Context, series []float64, maxOrder int) (ARModel, error) {
	if len(series) < 3 {
		return ARModel{}, fmt.Errorf("%w: ar fit needs at least 3 values, have %d", ErrInsufficientData, len(series))
	}
	if err := checkFinite(series); err != nil {
		return ARModel{}, err
	}
	if maxOrder < 1 {
		maxOrder = 1
	}

	levelVar := variance(series)
	if levelVar == 0 {
		return ARModel{}, fmt.Errorf("%w: constant series", ErrDegenerateSeries)
	}

	work := series
	model := ARModel{Samples: len(series)}
	diffs := difference(series)
	diffVar := variance(diffs)
	if diffVar < 0.5*levelVar {
		model.Diff = 1
		work = diffs
	}

	model.Mean = mean(work)
	if model.Diff == 1 && diffVar == 0 {
		// Perfectly linear series: constant drift, no AR terms.
		model.Coeffs = []float64{}
		return model, nil
	}

	m := len(work)
	if maxOrder > m/2 {
		maxOrder = m / 2
	}
	if maxOrder < 1 {
		return ARModel{}, fmt.Errorf("%w: ar fit needs more values than %d", ErrInsufficientData, len(series))
	}

	centered := make([]float64, m)
	for i, v := range work {
		centered[i] = v - model.Mean
	}
	acov := make([]float64, maxOrder+1)
	for k := 0; k <= maxOrder; k++ {
		sum := 0.0
		for t := k; t < m; t++ {
			sum += centered[t] * centered[t-k]
		}
		acov[k] = sum / float64(m)
	}
	if acov[0] <= 0 {
		return ARModel{}, fmt.Errorf("%w: zero autocovariance", ErrDegenerateSeries)
	}

	errVar := acov[0]
	phi := []float64{}
	bestAIC := math.Inf(1)
	bestPhi := []float64{}
	bestVar := errVar

	for p := 1; p <= maxOrder; p++ {
		if err := ctx.Err(); err != nil {
			return ARModel{}, err
		}

		acc := acov[p]
		for j := 1; j < p; j++ {
			acc -= phi[j-1] * acov[p-j]
		}
		lambda := acc / errVar
		if math.Abs(lambda) >= 1 {
			break
		}

		next := make([]float64, p)
		for j := 1; j < p; j++ {
			next[j-1] = phi[j-1] - lambda*phi[p-j-1]
		}
		next[p-1] = lambda
		phi = next

		errVar *= 1 - lambda*lambda
		if errVar <= 0 {
			break
		}

		aic := float64(m)*math.Log(errVar) + 2*float64(p+1)
		if aic < bestAIC {
			bestAIC = aic
			bestPhi = append([]float64(nil), phi...)
			bestVar = errVar
		}
	}

	if math.IsInf(bestAIC, 1) {
		// No stable AR term; fall back to the mean model.
		bestAIC = float64(m)*math.Log(acov[0]) + 2
	}

	model.Order = len(bestPhi)
	model.Coeffs = bestPhi
	model.Sigma2 = bestVar
	model.AIC = bestAIC
	return model, nil
}

// Forecast projects steps values past the end of history using model. history is on the
// original (undifferenced) scale.
func (m ARModel) Forecast(history []float64, steps int) ([]float64, error) {
	if steps <= 0 {
		return nil, nil
	}
	if len(m.Coeffs) != m.Order {
		return nil, fmt.Errorf("%w: model has %d coefficients for order %d", ErrDegenerateSeries, len(m.Coeffs), m.Order)
	}

	work := history
	if m.Diff == 1 {
		work = difference(history)
	}
	if len(work) < m.Order || len(history) == 0 {
		return nil, fmt.Errorf("%w: forecast needs %d values, have %d", ErrInsufficientData, m.Order+m.Diff, len(history))
	}

	centered := make([]float64, 0, m.Order+steps)
	for _, v := range work[len(work)-m.Order:] {
		centered = append(centered, v-m.Mean)
	}

	level := history[len(history)-1]
	out := make([]float64, steps)
	for s := 0; s < steps; s++ {
		next := 0.0
		for j, c := range m.Coeffs {
			next += c * centered[len(centered)-1-j]
		}
		centered = append(centered, next)

		value := next + m.Mean
		if m.Diff == 1 {
			level += value
			value = level
		}
		if math.IsNaN(value) || math.IsInf(value, 0) {
			return nil, fmt.Errorf("%w: forecast diverged at step %d", ErrDegenerateSeries, s+1)
		}
		out[s] = value
	}
	return out, nil
}

// InSampleResiduals returns |series[t] - forecast(series[:t])| for every t the model can
// forecast from.
func (m ARModel) InSampleResiduals(series []float64) []float64 {
	start := m.Order + m.Diff
	if start < 1 {
		start = 1
	}
	var residuals []float64
	for t := start; t < len(series); t++ {
		fc, err := m.Forecast(series[:t], 1)
		if err != nil {
			continue
		}
		residuals = append(residuals, math.Abs(series[t]-fc[0]))
	}
	return residuals
}

func difference(series []float64) []float64 {
	if len(series) < 2 {
		return nil
	}
	out := make([]float64, len(series)-1)
	for i := 1; i < len(series); i++ {
		out[i-1] = series[i] - series[i-1]
	}
	return out
}
