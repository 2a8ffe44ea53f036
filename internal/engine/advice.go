package engine

import (
	"errors"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/pulseai/pulsehub/internal/models"
)

// RuleEngine attaches operator advice to anomaly events from a YAML rule pack.
type RuleEngine struct {
	rules  []Rule
	logger *slog.Logger
}

// Rule represents a single advice rule.
type Rule struct {
	ID              string    `yaml:"id"`
	Match           RuleMatch `yaml:"match"`
	Recommendations []string  `yaml:"recommendations"`
}

// RuleMatch defines optional attributes for rule matching. A rule matches when one detection
// satisfies every non-empty field.
type RuleMatch struct {
	Metric      string `yaml:"metric"`
	Engine      string `yaml:"engine"`
	MinSeverity string `yaml:"min_severity"`
	MaxHealth   int    `yaml:"max_health"`
}

// RuleConfigFile is the YAML root structure.
type RuleConfigFile struct {
	Rules []Rule `yaml:"rules"`
}

// NewRuleEngine loads rules from the provided path. If path is empty or missing, returns nil engine.
func NewRuleEngine(path string, logger *slog.Logger) (*RuleEngine, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	return ParseRules(data, logger)
}

// ParseRules builds a RuleEngine from YAML bytes.
func ParseRules(data []byte, logger *slog.Logger) (*RuleEngine, error) {
	var cfg RuleConfigFile
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RuleEngine{rules: cfg.Rules, logger: logger}, nil
}

// Recommend returns the de-duplicated recommendations of every rule matching the event.
func (e *RuleEngine) Recommend(event models.AnomalyEvent) []string {
	if e == nil {
		return nil
	}

	var matched []string
	for _, rule := range e.rules {
		if rule.Match.MaxHealth > 0 && event.HealthScore > rule.Match.MaxHealth {
			continue
		}
		if !anyDetectionMatches(rule.Match, event.Detections) {
			continue
		}
		e.logger.Debug("advice rule matched", slog.String("rule", rule.ID), slog.String("agent_id", event.AgentID))
		matched = appendUnique(matched, rule.Recommendations...)
	}
	return matched
}

func anyDetectionMatches(match RuleMatch, detections []models.Detection) bool {
	if match.Metric == "" && match.Engine == "" && match.MinSeverity == "" {
		return len(detections) > 0
	}
	for _, d := range detections {
		if match.Metric != "" && !strings.EqualFold(match.Metric, string(d.Metric)) {
			continue
		}
		if match.Engine != "" && !strings.EqualFold(match.Engine, string(d.Engine)) {
			continue
		}
		if match.MinSeverity != "" && d.Severity.Rank() < models.Severity(strings.ToLower(match.MinSeverity)).Rank() {
			continue
		}
		return true
	}
	return false
}

func appendUnique(existing []string, additions ...string) []string {
	seen := make(map[string]struct{}, len(existing))
	for _, rec := range existing {
		seen[rec] = struct{}{}
	}
	for _, item := range additions {
		if item == "" {
			continue
		}
		if _, ok := seen[item]; ok {
			continue
		}
		existing = append(existing, item)
		seen[item] = struct{}{}
	}
	return existing
}
