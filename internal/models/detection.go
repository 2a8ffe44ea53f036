package models

// Engine identifies which detector produced a Detection.
type Engine string

const (
	EngineECOD  Engine = "ecod"
	EngineARIMA Engine = "arima"
)

// Severity captures impact levels, ordered normal < warning < critical.
type Severity string

const (
	SeverityNormal   Severity = "normal"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Rank orders severities for comparisons; unknown values rank below normal.
func (s Severity) Rank() int {
	switch s {
	case SeverityNormal:
		return 0
	case SeverityWarning:
		return 1
	case SeverityCritical:
		return 2
	default:
		return -1
	}
}

// Detection is one engine's verdict for one metric in one cycle.
type Detection struct {
	Engine             Engine    `json:"engine"`
	Metric             Metric    `json:"metric"`
	Value              float64   `json:"value"`
	Score              float64   `json:"score"`
	Threshold          float64   `json:"threshold"`
	Forecast           *float64  `json:"forecast,omitempty"`
	Residual           *float64  `json:"residual,omitempty"`
	Horizon            []float64 `json:"horizon,omitempty"`
	// HorizonStepSeconds is the estimated sampling interval separating horizon points.
	HorizonStepSeconds float64   `json:"horizon_step_seconds,omitempty"`
	Severity           Severity  `json:"severity"`
}

// AnomalyEvent is the aggregated outcome of one detector cycle for one agent.
type AnomalyEvent struct {
	AgentID     string             `json:"agent_id"`
	Timestamp   string             `json:"timestamp"`
	HealthScore int                `json:"health_score"`
	Detections  []Detection        `json:"detections"`
	Advice      []string           `json:"advice,omitempty"`
	RawMetrics  map[Metric]float64 `json:"raw_metrics,omitempty"`
}

// Worst returns the highest severity among the event's detections.
func (e AnomalyEvent) Worst() Severity {
	worst := SeverityNormal
	for _, d := range e.Detections {
		if d.Severity.Rank() > worst.Rank() {
			worst = d.Severity
		}
	}
	return worst
}
