package models

import (
	"encoding/json"
	"fmt"
)

// Metric names a scalar series carried by a MetricSample.
type Metric string

const (
	MetricCPU         Metric = "CPU"
	MetricMemory      Metric = "Memory"
	MetricDiskIO      Metric = "DiskIO"
	MetricNetworkSent Metric = "NetworkSent"
	MetricNetworkRecv Metric = "NetworkRecv"
)

// Network holds cumulative byte counters reported by an agent.
type Network struct {
	Sent uint64 `json:"Sent"`
	Recv uint64 `json:"Recv"`
}

// MetricSample is one reading from an agent. Samples are values; once appended to a buffer
// they are never mutated.
type MetricSample struct {
	Timestamp string  `json:"timestamp"`
	CPU       float64 `json:"cpu"`
	Memory    float64 `json:"memory"`
	DiskIO    float64 `json:"disk_io"`
	Network   Network `json:"network"`
}

// Value extracts a single metric from the sample.
func (s MetricSample) Value(metric Metric) (float64, bool) {
	switch metric {
	case MetricCPU:
		return s.CPU, true
	case MetricMemory:
		return s.Memory, true
	case MetricDiskIO:
		return s.DiskIO, true
	case MetricNetworkSent:
		return float64(s.Network.Sent), true
	case MetricNetworkRecv:
		return float64(s.Network.Recv), true
	default:
		return 0, false
	}
}

// Raw flattens the sample into the metric->value map carried on anomaly events.
func (s MetricSample) Raw() map[Metric]float64 {
	return map[Metric]float64{
		MetricCPU:         s.CPU,
		MetricMemory:      s.Memory,
		MetricDiskIO:      s.DiskIO,
		MetricNetworkSent: float64(s.Network.Sent),
		MetricNetworkRecv: float64(s.Network.Recv),
	}
}

// LegacySample is the capitalised record shape used by sample files and the "data" message.
type LegacySample struct {
	AgentID   string  `json:"AgentId"`
	Timestamp string  `json:"Timestamp"`
	CPU       float64 `json:"CPU"`
	Memory    float64 `json:"Memory"`
	DiskIO    float64 `json:"DiskIO"`
	Network   Network `json:"Network"`
}

// Sample converts the legacy record into a MetricSample.
func (l LegacySample) Sample() MetricSample {
	return MetricSample{
		Timestamp: l.Timestamp,
		CPU:       l.CPU,
		Memory:    l.Memory,
		DiskIO:    l.DiskIO,
		Network:   l.Network,
	}
}

// DecodeLegacySample parses one legacy JSON record. A missing AgentId becomes "unknown".
func DecodeLegacySample(data []byte) (string, MetricSample, error) {
	var legacy LegacySample
	if err := json.Unmarshal(data, &legacy); err != nil {
		return "", MetricSample{}, fmt.Errorf("decode legacy sample: %w", err)
	}
	agentID := legacy.AgentID
	if agentID == "" {
		agentID = "unknown"
	}
	return agentID, legacy.Sample(), nil
}
