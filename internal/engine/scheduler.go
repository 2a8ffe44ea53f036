package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/pulseai/pulsehub/internal/buffer"
	"github.com/pulseai/pulsehub/internal/detectors"
	"github.com/pulseai/pulsehub/internal/metrics"
	"github.com/pulseai/pulsehub/internal/models"
	"github.com/pulseai/pulsehub/internal/utils"
)

// Sink receives anomaly events produced by the scheduler.
type Sink interface {
	PublishAnomaly(ctx context.Context, event models.AnomalyEvent) error
}

// AgentForgetter is implemented by sinks that keep per-agent state. The scheduler calls it
// when an idle agent is evicted.
type AgentForgetter interface {
	ForgetAgent(agentID string)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, event models.AnomalyEvent) error

// PublishAnomaly calls f.
func (f SinkFunc) PublishAnomaly(ctx context.Context, event models.AnomalyEvent) error {
	return f(ctx, event)
}

// SchedulerConfig controls detector cadence per agent.
type SchedulerConfig struct {
	RealtimeInterval time.Duration
	ForecastInterval time.Duration
	RealtimeMetrics  []models.Metric
	ForecastMetrics  []models.Metric
	// TickInterval is how often each agent task checks whether an engine is due.
	TickInterval     time.Duration
	FitTimeout       time.Duration
	AgentIdleTimeout time.Duration
}

// DefaultSchedulerConfig returns the hub cadence: realtime every 10s on CPU, Memory and DiskIO,
// forecast every 60s on CPU and Memory.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		RealtimeInterval: 10 * time.Second,
		ForecastInterval: 60 * time.Second,
		RealtimeMetrics:  []models.Metric{models.MetricCPU, models.MetricMemory, models.MetricDiskIO},
		ForecastMetrics:  []models.Metric{models.MetricCPU, models.MetricMemory},
		TickInterval:     time.Second,
		FitTimeout:       5 * time.Second,
		AgentIdleTimeout: 10 * time.Minute,
	}
}

// Scheduler owns one detection task per agent. Each task wakes on its own ticker, runs
// whichever engines are due and hands the aggregated event to the sinks.
type Scheduler struct {
	cfg        SchedulerConfig
	buffer     *buffer.Store
	realtime   *detectors.ECOD
	forecaster *detectors.Forecaster
	aggregator *Aggregator
	sinks      []Sink
	logger     *slog.Logger
	now        func() time.Time
	latency    map[models.Engine]*utils.LatencyTracker

	mu     sync.Mutex
	agents map[string]*agentTask
	runCtx context.Context
	wg     sync.WaitGroup
}

type agentTask struct {
	mu           sync.Mutex
	lastRealtime time.Time
	lastForecast time.Time
	cancel       context.CancelFunc
}

// NewScheduler wires the detection pipeline.
func NewScheduler(
	cfg SchedulerConfig,
	store *buffer.Store,
	realtime *detectors.ECOD,
	forecaster *detectors.Forecaster,
	aggregator *Aggregator,
	logger *slog.Logger,
	sinks ...Sink,
) *Scheduler {
	def := DefaultSchedulerConfig()
	if cfg.RealtimeInterval <= 0 {
		cfg.RealtimeInterval = def.RealtimeInterval
	}
	if cfg.ForecastInterval <= 0 {
		cfg.ForecastInterval = def.ForecastInterval
	}
	if cfg.RealtimeMetrics == nil {
		cfg.RealtimeMetrics = def.RealtimeMetrics
	}
	if cfg.ForecastMetrics == nil {
		cfg.ForecastMetrics = def.ForecastMetrics
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = def.TickInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	if store == nil {
		store = buffer.New(buffer.DefaultWindowSize)
	}
	if realtime == nil {
		realtime = detectors.NewECOD(detectors.DefaultECODConfig())
	}
	if forecaster == nil {
		forecaster = detectors.NewForecaster(detectors.DefaultForecastConfig(), nil, logger)
	}
	if aggregator == nil {
		aggregator = NewAggregator(DefaultHealthPolicy(), false, nil)
	}

	kept := make([]Sink, 0, len(sinks))
	for _, sink := range sinks {
		if sink != nil {
			kept = append(kept, sink)
		}
	}

	return &Scheduler{
		cfg:        cfg,
		buffer:     store,
		realtime:   realtime,
		forecaster: forecaster,
		aggregator: aggregator,
		sinks:      kept,
		logger:     logger,
		now:        time.Now,
		latency: map[models.Engine]*utils.LatencyTracker{
			models.EngineECOD:  utils.NewLatencyTracker(256),
			models.EngineARIMA: utils.NewLatencyTracker(256),
		},
		agents: make(map[string]*agentTask),
	}
}

// AddSink registers an additional event sink. It must be called before Run.
func (s *Scheduler) AddSink(sink Sink) {
	if sink == nil {
		return
	}
	s.mu.Lock()
	s.sinks = append(s.sinks, sink)
	s.mu.Unlock()
}

// Buffer exposes the metric store backing the scheduler.
func (s *Scheduler) Buffer() *buffer.Store { return s.buffer }

// Ingest appends a sample to the agent's window and makes sure the agent has a task.
func (s *Scheduler) Ingest(agentID string, sample models.MetricSample) {
	if agentID == "" {
		return
	}
	s.buffer.Append(agentID, sample)
	metrics.ObserveSample()
	s.ensureTask(agentID)
}

// Run starts the agent tasks and the idle sweeper and blocks until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	s.runCtx = ctx
	for agentID, task := range s.agents {
		if task.cancel == nil {
			s.startLocked(agentID, task)
		}
	}
	s.mu.Unlock()

	var sweep <-chan time.Time
	if s.cfg.AgentIdleTimeout > 0 {
		interval := s.cfg.AgentIdleTimeout / 4
		if interval < time.Second {
			interval = time.Second
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		sweep = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			s.mu.Lock()
			s.runCtx = nil
			for _, task := range s.agents {
				if task.cancel != nil {
					task.cancel()
					task.cancel = nil
				}
			}
			s.mu.Unlock()
			s.wg.Wait()
			return nil
		case <-sweep:
			s.EvictIdle(ctx)
		}
	}
}

// EvictIdle drops agents that have not reported within the idle timeout, stopping their task
// and forgetting their forecast state.
func (s *Scheduler) EvictIdle(ctx context.Context) []string {
	if s.cfg.AgentIdleTimeout <= 0 {
		return nil
	}
	evicted := s.buffer.EvictIdle(s.cfg.AgentIdleTimeout)
	if len(evicted) == 0 {
		return nil
	}

	s.mu.Lock()
	for _, agentID := range evicted {
		if task, ok := s.agents[agentID]; ok {
			if task.cancel != nil {
				task.cancel()
			}
			delete(s.agents, agentID)
		}
	}
	s.mu.Unlock()

	s.mu.Lock()
	sinks := append([]Sink(nil), s.sinks...)
	s.mu.Unlock()

	for _, agentID := range evicted {
		s.forecaster.Reset(ctx, agentID, s.cfg.ForecastMetrics...)
		metrics.ForgetAgent(agentID)
		for _, sink := range sinks {
			if f, ok := sink.(AgentForgetter); ok {
				f.ForgetAgent(agentID)
			}
		}
		s.logger.Info("evicted idle agent", slog.String("agent_id", agentID))
	}
	return evicted
}

// Latency summarises recent per-metric evaluation latency per engine.
func (s *Scheduler) Latency() map[models.Engine]utils.LatencySummary {
	out := make(map[models.Engine]utils.LatencySummary, len(s.latency))
	for engine, tracker := range s.latency {
		out[engine] = tracker.Summary()
	}
	return out
}

// RunCycle runs every engine that is due for agentID at now and publishes the resulting event.
// It reports the event and whether one was produced.
func (s *Scheduler) RunCycle(ctx context.Context, agentID string, now time.Time) (models.AnomalyEvent, bool) {
	task, ok := s.lookupTask(agentID)
	if !ok {
		return models.AnomalyEvent{}, false
	}
	count := s.buffer.Count(agentID)

	task.mu.Lock()
	runRealtime := s.due(task.lastRealtime, s.cfg.RealtimeInterval, now, count, s.realtime.Config().MinSamples, models.EngineECOD)
	runForecast := s.due(task.lastForecast, s.cfg.ForecastInterval, now, count, s.forecaster.Config().MinSamples, models.EngineARIMA)
	if runRealtime {
		task.lastRealtime = now
	}
	if runForecast {
		task.lastForecast = now
	}
	task.mu.Unlock()

	if !runRealtime && !runForecast {
		return models.AnomalyEvent{}, false
	}

	snapshot := s.buffer.Snapshot(agentID)
	if len(snapshot) == 0 {
		return models.AnomalyEvent{}, false
	}

	var detections []models.Detection
	if runRealtime {
		for _, metric := range s.cfg.RealtimeMetrics {
			start := time.Now()
			det, err := s.realtime.Evaluate(metric, seriesOf(snapshot, metric))
			if s.record(agentID, models.EngineECOD, metric, time.Since(start), det, err) {
				detections = append(detections, det)
			}
		}
	}
	if runForecast {
		fitCtx := ctx
		if s.cfg.FitTimeout > 0 {
			var cancel context.CancelFunc
			fitCtx, cancel = context.WithTimeout(ctx, s.cfg.FitTimeout)
			defer cancel()
		}
		step, hasStep := utils.MedianCadence(timestampsOf(snapshot))
		for _, metric := range s.cfg.ForecastMetrics {
			start := time.Now()
			det, err := s.forecaster.Evaluate(fitCtx, agentID, metric, seriesOf(snapshot, metric))
			if s.record(agentID, models.EngineARIMA, metric, time.Since(start), det, err) {
				if hasStep && len(det.Horizon) > 0 {
					det.HorizonStepSeconds = step.Seconds()
				}
				detections = append(detections, det)
			}
		}
	}

	latest := snapshot[len(snapshot)-1]
	timestamp := latest.Timestamp
	if timestamp == "" {
		timestamp = now.UTC().Format(time.RFC3339)
	}

	event, ok := s.aggregator.Aggregate(agentID, timestamp, detections, latest.Raw())
	if !ok {
		return models.AnomalyEvent{}, false
	}

	metrics.ObserveAnomalyEvent(agentID, event.HealthScore)
	s.logger.Info("anomaly event",
		slog.String("agent_id", agentID),
		slog.Int("health_score", event.HealthScore),
		slog.Int("detections", len(event.Detections)),
		slog.String("worst", string(event.Worst())))

	s.mu.Lock()
	sinks := append([]Sink(nil), s.sinks...)
	s.mu.Unlock()
	for _, sink := range sinks {
		if err := sink.PublishAnomaly(ctx, event); err != nil {
			s.logger.Warn("anomaly publish failed", slog.String("agent_id", agentID), slog.Any("error", err))
		}
	}
	return event, true
}

func (s *Scheduler) due(last time.Time, interval time.Duration, now time.Time, count, minSamples int, engine models.Engine) bool {
	if !last.IsZero() && now.Sub(last) < interval {
		return false
	}
	if count < minSamples {
		metrics.ObserveCycle(string(engine), metrics.OutcomeSkipped, 0)
		return false
	}
	return true
}

// record logs and counts one evaluation. It reports whether det should be kept.
func (s *Scheduler) record(agentID string, engine models.Engine, metric models.Metric, elapsed time.Duration, det models.Detection, err error) bool {
	switch {
	case err == nil:
		s.latency[engine].Observe(elapsed)
		metrics.ObserveCycle(string(engine), metrics.OutcomeOK, elapsed)
		metrics.ObserveDetection(string(engine), string(det.Severity))
		return true
	case errors.Is(err, detectors.ErrInsufficientData):
		metrics.ObserveCycle(string(engine), metrics.OutcomeSkipped, elapsed)
		s.logger.Debug("detector not ready",
			slog.String("agent_id", agentID),
			slog.String("engine", string(engine)),
			slog.String("metric", string(metric)))
	default:
		metrics.ObserveCycle(string(engine), metrics.OutcomeError, elapsed)
		s.logger.Warn("detector cycle skipped",
			slog.String("agent_id", agentID),
			slog.String("engine", string(engine)),
			slog.String("metric", string(metric)),
			slog.String("op", utils.OpOf(err)),
			slog.Any("error", err))
	}
	return false
}

// lookupTask never creates an entry; an evicted agent stays evicted until it reports again.
func (s *Scheduler) lookupTask(agentID string) (*agentTask, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.agents[agentID]
	return task, ok
}

func (s *Scheduler) ensureTask(agentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.agents[agentID]
	if !ok {
		task = &agentTask{}
		s.agents[agentID] = task
	}
	if task.cancel == nil && s.runCtx != nil {
		s.startLocked(agentID, task)
	}
}

func (s *Scheduler) startLocked(agentID string, task *agentTask) {
	ctx, cancel := context.WithCancel(s.runCtx)
	task.cancel = cancel
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runAgent(ctx, agentID)
	}()
}

func (s *Scheduler) runAgent(ctx context.Context, agentID string) {
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	s.logger.Debug("agent task started", slog.String("agent_id", agentID))
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunCycle(ctx, agentID, s.now())
		}
	}
}

func seriesOf(samples []models.MetricSample, metric models.Metric) []float64 {
	out := make([]float64, 0, len(samples))
	for _, sample := range samples {
		if v, ok := sample.Value(metric); ok {
			out = append(out, v)
		}
	}
	return out
}

func timestampsOf(samples []models.MetricSample) []string {
	out := make([]string, len(samples))
	for i, sample := range samples {
		out[i] = sample.Timestamp
	}
	return out
}
