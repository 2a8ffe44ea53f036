package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nats-io/nats.go"

	"github.com/pulseai/pulsehub/internal/cache"
	"github.com/pulseai/pulsehub/internal/config"
	"github.com/pulseai/pulsehub/internal/detectors"
	"github.com/pulseai/pulsehub/internal/engine"
	"github.com/pulseai/pulsehub/internal/events"
	"github.com/pulseai/pulsehub/internal/hub"
	"github.com/pulseai/pulsehub/internal/models"
	"github.com/pulseai/pulsehub/internal/transport"
)

var knownMetrics = map[string]models.Metric{
	"cpu":         models.MetricCPU,
	"memory":      models.MetricMemory,
	"diskio":      models.MetricDiskIO,
	"disk_io":     models.MetricDiskIO,
	"networksent": models.MetricNetworkSent,
	"networkrecv": models.MetricNetworkRecv,
}

func parseMetrics(names []string) ([]models.Metric, error) {
	out := make([]models.Metric, 0, len(names))
	for _, name := range names {
		metric, ok := knownMetrics[strings.ToLower(strings.TrimSpace(name))]
		if !ok {
			return nil, fmt.Errorf("unknown metric %q", name)
		}
		out = append(out, metric)
	}
	return out, nil
}

func schedulerConfig(cfg config.DetectionConfig) (engine.SchedulerConfig, error) {
	realtime, err := parseMetrics(cfg.RealtimeMetrics)
	if err != nil {
		return engine.SchedulerConfig{}, fmt.Errorf("detection.realtimeMetrics: %w", err)
	}
	forecast, err := parseMetrics(cfg.ForecastMetrics)
	if err != nil {
		return engine.SchedulerConfig{}, fmt.Errorf("detection.forecastMetrics: %w", err)
	}
	return engine.SchedulerConfig{
		RealtimeInterval: cfg.RealtimeInterval,
		ForecastInterval: cfg.ForecastInterval,
		RealtimeMetrics:  realtime,
		ForecastMetrics:  forecast,
		TickInterval:     cfg.TickInterval,
		FitTimeout:       cfg.FitTimeout,
		AgentIdleTimeout: cfg.AgentIdleTimeout,
	}, nil
}

func ecodConfig(cfg config.ECODConfig) detectors.ECODConfig {
	return detectors.ECODConfig{
		MinSamples:    cfg.MinSamples,
		Contamination: cfg.Contamination,
		CriticalScore: cfg.CriticalScore,
	}
}

func forecastConfig(cfg config.ForecastConfig) detectors.ForecastConfig {
	return detectors.ForecastConfig{
		MinSamples:     cfg.MinSamples,
		ResidualK:      cfg.ResidualK,
		CriticalFactor: cfg.CriticalFactor,
		Horizon:        cfg.Horizon,
		MaxOrder:       cfg.MaxOrder,
		HistorySize:    cfg.HistorySize,
		ModelTTL:       cfg.ModelTTL,
	}
}

func healthPolicy(cfg config.HealthConfig) engine.HealthPolicy {
	return engine.HealthPolicy{Critical: cfg.Critical, Warning: cfg.Warning, Normal: cfg.Normal}
}

func hubConfig(cfg config.HubConfig) hub.Config {
	return hub.Config{
		DefaultRoom:  cfg.DefaultRoom,
		ViewerRoles:  cfg.ViewerRoles,
		RelayMetrics: cfg.RelayMetrics,
		Mode:         cfg.Mode,
	}
}

func iceConfig(cfg config.ServerConfig) transport.ICEConfig {
	return transport.ICEConfigFromURLs(cfg.ICEServers, cfg.TURNUsername, cfg.TURNCredential)
}

// buildCache returns the model cache. An unreachable Redis degrades to the in-process cache.
func buildCache(cfg config.CacheConfig, logger *slog.Logger) cache.Provider {
	if !cfg.Enabled || cfg.Addr == "" {
		return cache.NewMemoryProvider()
	}
	provider, err := cache.NewRedisProvider(cache.RedisConfig{
		Addr:         cfg.Addr,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		MaxRetries:   cfg.MaxRetries,
		TLS:          cfg.TLS,
	})
	if err != nil {
		logger.Warn("redis model cache unavailable, using in-process cache", slog.Any("error", err))
		return cache.NewMemoryProvider()
	}
	logger.Info("redis model cache enabled", slog.String("addr", cfg.Addr))
	return provider
}

// buildPublishers connects the configured peer transports. Failures are logged and the
// transport is skipped so the hub still serves local sessions.
func buildPublishers(ctx context.Context, cfg config.EventsConfig, logger *slog.Logger) []events.Publisher {
	var publishers []events.Publisher
	if cfg.Redis.Enabled {
		pub, err := events.DialRedisPublisher(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.Channel)
		if err != nil {
			logger.Warn("redis event publisher disabled", slog.Any("error", err))
		} else {
			publishers = append(publishers, pub)
		}
	}
	if cfg.NATS.Enabled {
		pub, err := events.ConnectNATS(cfg.NATS.URL, cfg.NATS.Subject,
			nats.Name(cfg.NATS.Name),
			nats.MaxReconnects(-1),
			nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
				if err != nil {
					logger.Warn("nats disconnected", slog.Any("error", err))
				}
			}),
			nats.ReconnectHandler(func(nc *nats.Conn) {
				logger.Info("nats reconnected", slog.String("url", nc.ConnectedUrl()))
			}),
		)
		if err != nil {
			logger.Warn("nats event publisher disabled", slog.Any("error", err))
		} else {
			publishers = append(publishers, pub)
		}
	}
	return publishers
}
