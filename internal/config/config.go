package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	ModeLive   = "live"
	ModeSample = "sample"
)

// Config captures every setting needed to boot the hub or an edge agent.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Hub       HubConfig       `yaml:"hub"`
	Detection DetectionConfig `yaml:"detection"`
	Cache     CacheConfig     `yaml:"cache"`
	Events    EventsConfig    `yaml:"events"`
	Logging   LoggingConfig   `yaml:"logging"`
	Rules     RulesConfig     `yaml:"rules"`
	Agent     AgentConfig     `yaml:"agent"`
}

// ServerConfig controls the HTTP signaling listener, the gRPC health listener and ICE.
type ServerConfig struct {
	Address         string        `yaml:"address"`
	GRPCAddress     string        `yaml:"grpcAddress"`
	MetricsAddress  string        `yaml:"metricsAddress"`
	GracefulTimeout time.Duration `yaml:"gracefulTimeout"`
	AllowedOrigins  []string      `yaml:"allowedOrigins"`
	ICEServers      []string      `yaml:"iceServers"`
	TURNUsername    string        `yaml:"turnUsername"`
	TURNCredential  string        `yaml:"turnCredential"`
}

// HubConfig controls routing and the run mode.
type HubConfig struct {
	Mode         string        `yaml:"mode"`
	SampleFile   string        `yaml:"sampleFile"`
	SampleDelay  time.Duration `yaml:"sampleDelay"`
	SampleLoop   bool          `yaml:"sampleLoop"`
	DefaultRoom  string        `yaml:"defaultRoom"`
	ViewerRoles  []string      `yaml:"viewerRoles"`
	RelayMetrics bool          `yaml:"relayMetrics"`
}

// DetectionConfig tunes the buffer, both detectors, their cadence and the health policy.
type DetectionConfig struct {
	WindowSize       int            `yaml:"windowSize"`
	RealtimeInterval time.Duration  `yaml:"realtimeInterval"`
	ForecastInterval time.Duration  `yaml:"forecastInterval"`
	RealtimeMetrics  []string       `yaml:"realtimeMetrics"`
	ForecastMetrics  []string       `yaml:"forecastMetrics"`
	TickInterval     time.Duration  `yaml:"tickInterval"`
	FitTimeout       time.Duration  `yaml:"fitTimeout"`
	AgentIdleTimeout time.Duration  `yaml:"agentIdleTimeout"`
	IncludeNormal    bool           `yaml:"includeNormal"`
	ECOD             ECODConfig     `yaml:"ecod"`
	Forecast         ForecastConfig `yaml:"forecast"`
	Health           HealthConfig   `yaml:"health"`
}

type ECODConfig struct {
	MinSamples    int     `yaml:"minSamples"`
	Contamination float64 `yaml:"contamination"`
	CriticalScore float64 `yaml:"criticalScore"`
}

type ForecastConfig struct {
	MinSamples     int           `yaml:"minSamples"`
	ResidualK      float64       `yaml:"residualK"`
	CriticalFactor float64       `yaml:"criticalFactor"`
	Horizon        int           `yaml:"horizon"`
	MaxOrder       int           `yaml:"maxOrder"`
	HistorySize    int           `yaml:"historySize"`
	ModelTTL       time.Duration `yaml:"modelTTL"`
}

// HealthConfig holds the per-severity penalties subtracted from 100.
type HealthConfig struct {
	Critical int `yaml:"critical"`
	Warning  int `yaml:"warning"`
	Normal   int `yaml:"normal"`
}

// CacheConfig controls the Redis-backed model cache. When disabled an in-process cache is used.
type CacheConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Addr         string        `yaml:"addr"`
	Username     string        `yaml:"username"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	DialTimeout  time.Duration `yaml:"dialTimeout"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	MaxRetries   int           `yaml:"maxRetries"`
	TLS          bool          `yaml:"tls"`
}

// EventsConfig controls publication of anomaly events to peer processes.
type EventsConfig struct {
	Source string            `yaml:"source"`
	Redis  RedisEventsConfig `yaml:"redis"`
	NATS   NATSEventsConfig  `yaml:"nats"`
}

type RedisEventsConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Channel  string `yaml:"channel"`
}

type NATSEventsConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
	Subject string `yaml:"subject"`
	Name    string `yaml:"name"`
}

// LoggingConfig controls structured logging.
type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// RulesConfig points at the advice rule pack.
type RulesConfig struct {
	Path string `yaml:"path"`
}

// AgentConfig configures the `agent` subcommand.
type AgentConfig struct {
	HubURL   string        `yaml:"hubURL"`
	AgentID  string        `yaml:"agentID"`
	Room     string        `yaml:"room"`
	Interval time.Duration `yaml:"interval"`
}

// Load initialises Config from a YAML file and optional environment overrides.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("PULSEHUB_CONFIG")
	}

	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("config file %s not found: %w", path, err)
			}
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	return &cfg, nil
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Address:         ":8080",
			GRPCAddress:     ":50051",
			GracefulTimeout: 10 * time.Second,
			ICEServers:      []string{"stun:stun.l.google.com:19302", "stun:stun1.l.google.com:19302"},
		},
		Hub: HubConfig{
			Mode:         ModeLive,
			SampleDelay:  500 * time.Millisecond,
			SampleLoop:   true,
			DefaultRoom:  "pulseai",
			ViewerRoles:  []string{"viewer", "dashboard"},
			RelayMetrics: true,
		},
		Detection: DetectionConfig{
			WindowSize:       60,
			RealtimeInterval: 10 * time.Second,
			ForecastInterval: 60 * time.Second,
			RealtimeMetrics:  []string{"CPU", "Memory", "DiskIO"},
			ForecastMetrics:  []string{"CPU", "Memory"},
			TickInterval:     time.Second,
			FitTimeout:       5 * time.Second,
			AgentIdleTimeout: 10 * time.Minute,
			ECOD:             ECODConfig{MinSamples: 20, Contamination: 0.02, CriticalScore: 0.9},
			Forecast: ForecastConfig{
				MinSamples:     30,
				ResidualK:      2.5,
				CriticalFactor: 1.5,
				Horizon:        6,
				MaxOrder:       4,
				HistorySize:    60,
				ModelTTL:       5 * time.Minute,
			},
			Health: HealthConfig{Critical: 20, Warning: 5, Normal: 0},
		},
		Cache: CacheConfig{
			DialTimeout:  2 * time.Second,
			ReadTimeout:  500 * time.Millisecond,
			WriteTimeout: 500 * time.Millisecond,
			MaxRetries:   2,
		},
		Events: EventsConfig{
			Source: "pulsehub/hub",
			Redis:  RedisEventsConfig{Channel: "pulsehub:anomalies"},
			NATS:   NATSEventsConfig{URL: "nats://127.0.0.1:4222", Subject: "pulsehub.anomalies", Name: "pulsehub"},
		},
		Logging: LoggingConfig{Level: "info"},
		Rules:   RulesConfig{Path: "configs/rules/default.yaml"},
		Agent:   AgentConfig{HubURL: "ws://localhost:8080", Interval: 5 * time.Second},
	}
}

// Validate rejects settings the hub cannot run with.
func (c *Config) Validate() error {
	var errs []error
	switch c.Hub.Mode {
	case ModeLive:
	case ModeSample:
		if c.Hub.SampleFile == "" {
			errs = append(errs, errors.New("hub.sampleFile is required in sample mode"))
		}
	default:
		errs = append(errs, fmt.Errorf("hub.mode must be %q or %q, got %q", ModeLive, ModeSample, c.Hub.Mode))
	}
	if c.Detection.WindowSize <= 0 {
		errs = append(errs, errors.New("detection.windowSize must be positive"))
	}
	if c.Detection.WindowSize < c.Detection.ECOD.MinSamples || c.Detection.WindowSize < c.Detection.Forecast.MinSamples {
		errs = append(errs, fmt.Errorf("detection.windowSize %d is smaller than a detector's minimum samples", c.Detection.WindowSize))
	}
	if cont := c.Detection.ECOD.Contamination; cont <= 0 || cont >= 0.5 {
		errs = append(errs, fmt.Errorf("detection.ecod.contamination must be in (0, 0.5), got %v", cont))
	}
	if c.Detection.Forecast.ResidualK <= 0 || c.Detection.Forecast.CriticalFactor < 1 {
		errs = append(errs, errors.New("detection.forecast residualK must be positive and criticalFactor at least 1"))
	}
	if c.Cache.Enabled && c.Cache.Addr == "" {
		errs = append(errs, errors.New("cache.addr is required when the cache is enabled"))
	}
	if c.Events.Redis.Enabled && c.Events.Redis.Addr == "" {
		errs = append(errs, errors.New("events.redis.addr is required when redis events are enabled"))
	}
	if c.Events.NATS.Enabled && c.Events.NATS.URL == "" {
		errs = append(errs, errors.New("events.nats.url is required when nats events are enabled"))
	}
	return errors.Join(errs...)
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("PULSEHUB_SERVER_ADDRESS"); v != "" {
		cfg.Server.Address = v
	}
	if v := os.Getenv("PULSEHUB_GRPC_ADDRESS"); v != "" {
		cfg.Server.GRPCAddress = v
	}
	if v := os.Getenv("PULSEHUB_METRICS_ADDRESS"); v != "" {
		cfg.Server.MetricsAddress = v
	}
	if v := os.Getenv("PULSEHUB_ALLOWED_ORIGINS"); v != "" {
		cfg.Server.AllowedOrigins = splitList(v)
	}
	if v := os.Getenv("PULSEHUB_ICE_SERVERS"); v != "" {
		cfg.Server.ICEServers = splitList(v)
	}
	if v := os.Getenv("PULSEHUB_TURN_USERNAME"); v != "" {
		cfg.Server.TURNUsername = v
	}
	if v := os.Getenv("PULSEHUB_TURN_CREDENTIAL"); v != "" {
		cfg.Server.TURNCredential = v
	}
	if v := os.Getenv("PULSEHUB_MODE"); v != "" {
		cfg.Hub.Mode = v
	}
	if v := os.Getenv("PULSEHUB_SAMPLE_FILE"); v != "" {
		cfg.Hub.SampleFile = v
	}
	if v := os.Getenv("PULSEHUB_SAMPLE_DELAY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Hub.SampleDelay = d
		}
	}
	if v := os.Getenv("PULSEHUB_DEFAULT_ROOM"); v != "" {
		cfg.Hub.DefaultRoom = v
	}
	if v := os.Getenv("PULSEHUB_WINDOW_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Detection.WindowSize = n
		}
	}
	if v := os.Getenv("PULSEHUB_INCLUDE_NORMAL"); v != "" {
		cfg.Detection.IncludeNormal = isTrue(v)
	}
	if v := os.Getenv("PULSEHUB_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("PULSEHUB_LOG_FORMAT"); v == "json" {
		cfg.Logging.JSON = true
	}
	if v := os.Getenv("PULSEHUB_RULES_PATH"); v != "" {
		cfg.Rules.Path = v
	}
	if v := os.Getenv("PULSEHUB_CACHE_ENABLED"); v != "" {
		cfg.Cache.Enabled = isTrue(v)
	}
	if v := os.Getenv("PULSEHUB_CACHE_ADDR"); v != "" {
		cfg.Cache.Addr = v
	}
	if v := os.Getenv("PULSEHUB_CACHE_USERNAME"); v != "" {
		cfg.Cache.Username = v
	}
	if v := os.Getenv("PULSEHUB_CACHE_PASSWORD"); v != "" {
		cfg.Cache.Password = v
	}
	if v := os.Getenv("PULSEHUB_CACHE_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			cfg.Cache.DB = db
		}
	}
	if v := os.Getenv("PULSEHUB_CACHE_TLS"); isTrue(v) {
		cfg.Cache.TLS = true
	}
	if v := os.Getenv("PULSEHUB_EVENTS_REDIS_ADDR"); v != "" {
		cfg.Events.Redis.Addr = v
		cfg.Events.Redis.Enabled = true
	}
	if v := os.Getenv("PULSEHUB_EVENTS_NATS_URL"); v != "" {
		cfg.Events.NATS.URL = v
		cfg.Events.NATS.Enabled = true
	}
	if v := os.Getenv("PULSEHUB_AGENT_HUB_URL"); v != "" {
		cfg.Agent.HubURL = v
	}
	if v := os.Getenv("PULSEHUB_AGENT_ID"); v != "" {
		cfg.Agent.AgentID = v
	}
	if v := os.Getenv("PULSEHUB_AGENT_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Agent.Interval = d
		}
	}
}

func isTrue(v string) bool {
	return strings.EqualFold(v, "true") || v == "1"
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
