package detectors

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/pulseai/pulsehub/internal/cache"
	"github.com/pulseai/pulsehub/internal/models"
	"github.com/pulseai/pulsehub/internal/utils"
)

// minThresholdFloor bounds the residual threshold from below when classifying, so rounding
// noise on a perfectly predictable series never counts as a deviation.
const minThresholdFloor = 0.01

// ForecastConfig tunes the forecast detector.
type ForecastConfig struct {
	MinSamples     int
	ResidualK      float64
	CriticalFactor float64
	Horizon        int
	MaxOrder       int
	HistorySize    int
	ModelTTL       time.Duration
}

// DefaultForecastConfig returns the hub defaults.
func DefaultForecastConfig() ForecastConfig {
	return ForecastConfig{
		MinSamples:     30,
		ResidualK:      2.5,
		CriticalFactor: 1.5,
		Horizon:        6,
		MaxOrder:       4,
		HistorySize:    60,
		ModelTTL:       5 * time.Minute,
	}
}

// Forecaster is the ARIMA-class detector. Fitted models are cached per agent and metric through
// a cache.Provider; residual histories live in process.
type Forecaster struct {
	cfg    ForecastConfig
	cache  cache.Provider
	logger *slog.Logger
	now    func() time.Time

	mu        sync.Mutex
	residuals map[string][]float64
}

// NewForecaster builds a Forecaster. A nil provider disables model caching.
func NewForecaster(cfg ForecastConfig, provider cache.Provider, logger *slog.Logger) *Forecaster {
	def := DefaultForecastConfig()
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = def.MinSamples
	}
	if cfg.ResidualK <= 0 {
		cfg.ResidualK = def.ResidualK
	}
	if cfg.CriticalFactor <= 1 {
		cfg.CriticalFactor = def.CriticalFactor
	}
	if cfg.Horizon < 0 {
		cfg.Horizon = 0
	}
	if cfg.MaxOrder <= 0 {
		cfg.MaxOrder = def.MaxOrder
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = def.HistorySize
	}
	if provider == nil {
		provider = cache.NoopProvider{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Forecaster{
		cfg:       cfg,
		cache:     provider,
		logger:    logger,
		now:       time.Now,
		residuals: make(map[string][]float64),
	}
}

// Config returns the effective configuration.
func (f *Forecaster) Config() ForecastConfig { return f.cfg }

// Evaluate forecasts the newest value of values from the ones before it and classifies the
// residual against k standard deviations of the agent's residual history.
func (f *Forecaster) Evaluate(ctx context.Context, agentID string, metric models.Metric, values []float64) (models.Detection, error) {
	if len(values) < f.cfg.MinSamples {
		return models.Detection{}, fmt.Errorf("%w: forecast needs %d samples, have %d", ErrInsufficientData, f.cfg.MinSamples, len(values))
	}
	if err := checkFinite(values); err != nil {
		return models.Detection{}, err
	}

	train := values[:len(values)-1]
	actual := values[len(values)-1]

	model, fresh, err := f.model(ctx, agentID, metric, train)
	if err != nil {
		return models.Detection{}, utils.NewAppError("forecast.fit", string(metric), err)
	}

	next, err := model.Forecast(train, 1)
	if err != nil && !fresh {
		f.logger.Debug("cached model unusable, refitting",
			slog.String("agent_id", agentID),
			slog.String("metric", string(metric)),
			slog.Any("error", err))
		if model, err = f.refit(ctx, agentID, metric, train); err == nil {
			next, err = model.Forecast(train, 1)
		}
	}
	if err != nil {
		return models.Detection{}, utils.NewAppError("forecast.predict", string(metric), err)
	}

	predicted := next[0]
	residual := math.Abs(actual - predicted)
	threshold := f.cfg.ResidualK * f.observeResidual(agentID, metric, model, train, residual)
	effective := math.Max(threshold, minThresholdFloor)

	var horizon []float64
	if f.cfg.Horizon > 0 {
		if horizon, err = model.Forecast(values, f.cfg.Horizon); err != nil {
			f.logger.Debug("horizon forecast failed",
				slog.String("agent_id", agentID),
				slog.String("metric", string(metric)),
				slog.Any("error", err))
			horizon = nil
		}
	}

	return models.Detection{
		Engine:    models.EngineARIMA,
		Metric:    metric,
		Value:     actual,
		Score:     residual / effective,
		Threshold: threshold,
		Forecast:  &predicted,
		Residual:  &residual,
		Horizon:   horizon,
		Severity:  ForecastSeverity(residual, effective, f.cfg.CriticalFactor),
	}, nil
}

// Reset drops the residual history and cached models for an agent.
func (f *Forecaster) Reset(ctx context.Context, agentID string, metrics ...models.Metric) {
	f.mu.Lock()
	for _, metric := range metrics {
		delete(f.residuals, historyKey(agentID, metric))
	}
	f.mu.Unlock()

	for _, metric := range metrics {
		if err := f.cache.Del(ctx, ModelCacheKey(agentID, metric)); err != nil {
			f.logger.Debug("model cache delete failed", slog.String("agent_id", agentID), slog.Any("error", err))
		}
	}
}

// ModelCacheKey is the cache key under which an agent's fitted model for metric is stored.
func ModelCacheKey(agentID string, metric models.Metric) string {
	return "pulsehub:model:" + agentID + ":" + string(metric)
}

// model returns a cached model when one is present and fresh, otherwise fits a new one.
// fresh reports whether the model was fitted in this call.
func (f *Forecaster) model(ctx context.Context, agentID string, metric models.Metric, train []float64) (ARModel, bool, error) {
	key := ModelCacheKey(agentID, metric)
	raw, err := f.cache.Get(ctx, key)
	switch {
	case err == nil:
		var cached ARModel
		if decodeErr := json.Unmarshal(raw, &cached); decodeErr != nil {
			f.logger.Debug("discarding undecodable cached model", slog.String("key", key), slog.Any("error", decodeErr))
			break
		}
		if f.cfg.ModelTTL > 0 && f.now().Sub(cached.FittedAt) > f.cfg.ModelTTL {
			break
		}
		return cached, false, nil
	case errors.Is(err, cache.ErrCacheMiss):
	default:
		f.logger.Debug("model cache read failed", slog.String("key", key), slog.Any("error", err))
	}

	model, err := f.refit(ctx, agentID, metric, train)
	return model, true, err
}

func (f *Forecaster) refit(ctx context.Context, agentID string, metric models.Metric, train []float64) (ARModel, error) {
	model, err := FitAR(ctx, train, f.cfg.MaxOrder)
	if err != nil {
		return ARModel{}, err
	}
	model.FittedAt = f.now()

	payload, err := json.Marshal(model)
	if err != nil {
		return model, nil
	}
	if err := f.cache.Set(ctx, ModelCacheKey(agentID, metric), payload, f.cfg.ModelTTL); err != nil {
		f.logger.Debug("model cache write failed",
			slog.String("agent_id", agentID),
			slog.String("metric", string(metric)),
			slog.Any("error", err))
	}
	return model, nil
}

// observeResidual returns the population standard deviation of the residual history before
// residual is added, then appends it. An empty history is seeded with the model's in-sample
// one-step residuals on train, computed outside the lock.
func (f *Forecaster) observeResidual(agentID string, metric models.Metric, model ARModel, train []float64, residual float64) float64 {
	key := historyKey(agentID, metric)

	f.mu.Lock()
	seeded := len(f.residuals[key]) > 0
	f.mu.Unlock()

	var seed []float64
	if !seeded {
		seed = model.InSampleResiduals(train)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	history := f.residuals[key]
	if len(history) == 0 {
		history = seed
	}
	if len(history) > f.cfg.HistorySize {
		history = history[len(history)-f.cfg.HistorySize:]
	}

	sigma := stddev(history)

	history = append(history, residual)
	if len(history) > f.cfg.HistorySize {
		history = append([]float64(nil), history[len(history)-f.cfg.HistorySize:]...)
	}
	f.residuals[key] = history
	return sigma
}

func historyKey(agentID string, metric models.Metric) string {
	return agentID + "|" + string(metric)
}
