package metrics

import (
	"errors"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	// OutcomeOK labels a detector cycle that produced a detection.
	OutcomeOK = "ok"
	// OutcomeSkipped labels a cycle skipped because the window was not ready.
	OutcomeSkipped = "skipped"
	// OutcomeError labels a cycle that failed (degenerate series, fit timeout).
	OutcomeError = "error"
)

const namespace = "pulsehub"

var (
	sessionsOpen = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_open",
			Help:      "Number of sessions currently open on the hub.",
		},
	)

	messagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "Inbound data-channel messages, partitioned by message type.",
		},
		[]string{"type"},
	)

	routingErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "routing_errors_total",
			Help:      "Routing and transport failures, partitioned by reason.",
		},
		[]string{"reason"},
	)

	samplesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "samples_ingested_total",
			Help:      "Metric samples appended to agent windows.",
		},
	)

	detectorCyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "detector_cycles_total",
			Help:      "Per-metric detector evaluations, partitioned by engine and outcome.",
		},
		[]string{"engine", "outcome"},
	)

	detectorDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "detector_seconds",
			Help:      "Detector evaluation latency in seconds.",
			Buckets:   []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		},
		[]string{"engine"},
	)

	detectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "detections_total",
			Help:      "Detections produced, partitioned by engine and severity.",
		},
		[]string{"engine", "severity"},
	)

	anomalyEventsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "anomaly_events_total",
			Help:      "Anomaly events emitted by the aggregator.",
		},
	)

	agentHealth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "agent_health_score",
			Help:      "Health score of the most recent anomaly event per agent.",
		},
		[]string{"agent_id"},
	)

	eventsPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_published_total",
			Help:      "Anomaly events published to peer transports, partitioned by sink and outcome.",
		},
		[]string{"sink", "outcome"},
	)

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests served, partitioned by route and status code.",
		},
		[]string{"route", "code"},
	)

	httpDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_seconds",
			Help:      "HTTP request latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"route"},
	)
)

// Register attaches pulsehub collectors to the supplied Prometheus registerer.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		sessionsOpen,
		messagesTotal,
		routingErrorsTotal,
		samplesTotal,
		detectorCyclesTotal,
		detectorDurationSeconds,
		detectionsTotal,
		anomalyEventsTotal,
		agentHealth,
		eventsPublishedTotal,
		httpRequestsTotal,
		httpDurationSeconds,
	}

	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			var already prometheus.AlreadyRegisteredError
			if errors.As(err, &already) {
				continue
			}
			return err
		}
	}
	return nil
}

// SessionOpened increments the open-session gauge.
func SessionOpened() { sessionsOpen.Inc() }

// SessionClosed decrements the open-session gauge.
func SessionClosed() { sessionsOpen.Dec() }

// ObserveMessage counts an inbound message by type.
func ObserveMessage(msgType string) {
	if msgType == "" {
		msgType = "unknown"
	}
	messagesTotal.WithLabelValues(msgType).Inc()
}

// ObserveRoutingError counts a routing or transport failure.
func ObserveRoutingError(reason string) {
	routingErrorsTotal.WithLabelValues(reason).Inc()
}

// ObserveSample counts an ingested sample.
func ObserveSample() { samplesTotal.Inc() }

// ObserveCycle records one detector evaluation.
func ObserveCycle(engine, outcome string, duration time.Duration) {
	detectorCyclesTotal.WithLabelValues(engine, outcome).Inc()
	if outcome == OutcomeSkipped {
		return
	}
	if duration < 0 {
		duration = 0
	}
	detectorDurationSeconds.WithLabelValues(engine).Observe(duration.Seconds())
}

// ObserveDetection counts a detection by engine and severity.
func ObserveDetection(engine, severity string) {
	detectionsTotal.WithLabelValues(engine, severity).Inc()
}

// ObserveAnomalyEvent counts an emitted event and records the agent's health score.
func ObserveAnomalyEvent(agentID string, healthScore int) {
	anomalyEventsTotal.Inc()
	agentHealth.WithLabelValues(agentID).Set(float64(healthScore))
}

// ForgetAgent drops per-agent series once an agent has been evicted.
func ForgetAgent(agentID string) {
	agentHealth.DeleteLabelValues(agentID)
}

// ObservePublish counts a peer publish attempt.
func ObservePublish(sink string, err error) {
	outcome := OutcomeOK
	if err != nil {
		outcome = OutcomeError
	}
	eventsPublishedTotal.WithLabelValues(sink, outcome).Inc()
}

// ObserveHTTP records an HTTP request.
func ObserveHTTP(route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(route, strconv.Itoa(code)).Inc()
	if duration < 0 {
		duration = 0
	}
	httpDurationSeconds.WithLabelValues(route).Observe(duration.Seconds())
}
