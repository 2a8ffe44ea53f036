package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/pulseai/pulsehub/internal/api"
	"github.com/pulseai/pulsehub/internal/buffer"
	"github.com/pulseai/pulsehub/internal/config"
	"github.com/pulseai/pulsehub/internal/detectors"
	"github.com/pulseai/pulsehub/internal/engine"
	"github.com/pulseai/pulsehub/internal/events"
	"github.com/pulseai/pulsehub/internal/hub"
	"github.com/pulseai/pulsehub/internal/metrics"
	"github.com/pulseai/pulsehub/internal/replay"
	"github.com/pulseai/pulsehub/internal/transport"
	"github.com/pulseai/pulsehub/internal/utils"
)

type serveOptions struct {
	configPath string
	mode       string
	sampleFile string
	addr       string
}

func newServeCmd() *cobra.Command {
	var opts serveOptions
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the hub",
		Long:  "Accept agent and viewer sessions, run anomaly detection and fan out health events.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadServeConfig(opts)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg)
		},
	}
	cmd.Flags().StringVarP(&opts.configPath, "config", "c", "", "Path to configuration file (or PULSEHUB_CONFIG)")
	cmd.Flags().StringVar(&opts.mode, "mode", "", "Run mode: live or sample")
	cmd.Flags().StringVar(&opts.sampleFile, "file", "", "Sample file to replay in sample mode")
	cmd.Flags().StringVar(&opts.addr, "addr", "", "HTTP listen address, e.g. :8080")
	return cmd
}

// loadServeConfig applies flag overrides on top of the loaded configuration.
func loadServeConfig(opts serveOptions) (*config.Config, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, err
	}
	if opts.mode != "" {
		cfg.Hub.Mode = opts.mode
	}
	if opts.sampleFile != "" {
		cfg.Hub.SampleFile = opts.sampleFile
	}
	if opts.addr != "" {
		cfg.Server.Address = opts.addr
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func runServe(ctx context.Context, cfg *config.Config) error {
	logger := utils.NewLogger(cfg.Logging.Level, cfg.Logging.JSON)
	logger.Info("starting pulsehub",
		slog.String("version", version),
		slog.String("mode", cfg.Hub.Mode),
		slog.String("address", cfg.Server.Address))

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	schedCfg, err := schedulerConfig(cfg.Detection)
	if err != nil {
		return err
	}

	modelCache := buildCache(cfg.Cache, logger)
	defer modelCache.Close()

	rules, err := engine.NewRuleEngine(cfg.Rules.Path, logger)
	if err != nil {
		return fmt.Errorf("load rule pack: %w", err)
	}

	scheduler := engine.NewScheduler(
		schedCfg,
		buffer.New(cfg.Detection.WindowSize),
		detectors.NewECOD(ecodConfig(cfg.Detection.ECOD)),
		detectors.NewForecaster(forecastConfig(cfg.Detection.Forecast), modelCache, logger),
		engine.NewAggregator(healthPolicy(cfg.Detection.Health), cfg.Detection.IncludeNormal, rules),
		logger,
	)

	router := hub.NewRouter(hubConfig(cfg.Hub), scheduler, logger)
	scheduler.AddSink(router)

	fanout := events.NewFanout(cfg.Events.Source, logger, buildPublishers(ctx, cfg.Events, logger)...)
	defer fanout.Close()
	if fanout.Len() > 0 {
		scheduler.AddSink(fanout)
	}

	var replayer *replay.Replayer
	if cfg.Hub.Mode == config.ModeSample {
		replayer, err = replay.New(replay.Config{
			Path:  cfg.Hub.SampleFile,
			Delay: cfg.Hub.SampleDelay,
			Loop:  cfg.Hub.SampleLoop,
		}, scheduler, router, logger)
		if err != nil {
			return err
		}
	}

	httpServer, err := api.NewHTTPServer(cfg.Server, api.Deps{
		Mode:      cfg.Hub.Mode,
		Sessions:  router.Registry(),
		Detectors: scheduler,
		Answerer:  transport.NewWebRTCAnswerer(router, iceConfig(cfg.Server), logger),
		WebSocket: transport.NewWebSocketHandler(router, cfg.Server.AllowedOrigins, logger),
	}, logger)
	if err != nil {
		return fmt.Errorf("create http server: %w", err)
	}

	var grpcServer *api.GRPCServer
	if cfg.Server.GRPCAddress != "" {
		if grpcServer, err = api.NewGRPCServer(cfg.Server); err != nil {
			_ = httpServer.Shutdown(context.Background())
			return fmt.Errorf("create gRPC server: %w", err)
		}
	}

	ctx, stop := context.WithCancel(ctx)
	defer stop()

	var wg sync.WaitGroup
	goRun := func(name string, fn func() error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(); err != nil {
				logger.Error(name+" exited", slog.Any("error", err))
				stop()
			}
		}()
	}

	goRun("scheduler", func() error { return scheduler.Run(ctx) })
	goRun("http server", func() error {
		logger.Info("http server listening", slog.String("address", httpServer.Address()))
		return httpServer.Start()
	})
	if grpcServer != nil {
		goRun("gRPC server", func() error {
			logger.Info("gRPC health server listening", slog.String("address", grpcServer.Address()))
			return grpcServer.Start()
		})
	}

	var metricsServer *http.Server
	if cfg.Server.MetricsAddress != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{
			Addr:         cfg.Server.MetricsAddress,
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 15 * time.Second,
		}
		goRun("metrics server", func() error {
			logger.Info("metrics server listening", slog.String("address", cfg.Server.MetricsAddress))
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}

	if replayer != nil {
		goRun("sample replay", func() error { return replayer.Run(ctx) })
	}

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server shutdown", slog.Any("error", err))
	}
	for _, sess := range router.Registry().Sessions() {
		router.Close(sess)
	}
	if grpcServer != nil {
		grpcServer.Shutdown(shutdownCtx)
	}
	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server shutdown", slog.Any("error", err))
		}
	}

	wg.Wait()
	logger.Info("pulsehub stopped")
	return nil
}
