package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/pulseai/pulsehub/internal/agent"
	"github.com/pulseai/pulsehub/internal/config"
	"github.com/pulseai/pulsehub/internal/utils"
)

type agentOptions struct {
	configPath string
	hubURL     string
	agentID    string
	room       string
	interval   time.Duration
}

func newAgentCmd() *cobra.Command {
	var opts agentOptions
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Stream local host metrics to a hub",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			clientCfg, err := agentConfig(cfg.Agent, opts)
			if err != nil {
				return err
			}

			logger := utils.NewLogger(cfg.Logging.Level, cfg.Logging.JSON)
			client, err := agent.NewClient(clientCfg, agent.NewHostCollector(), logger)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			logger.Info("starting agent",
				slog.String("agent_id", clientCfg.AgentID),
				slog.String("hub", clientCfg.HubURL),
				slog.Duration("interval", clientCfg.Interval))
			return client.Run(ctx)
		},
	}
	cmd.Flags().StringVarP(&opts.configPath, "config", "c", "", "Path to configuration file (or PULSEHUB_CONFIG)")
	cmd.Flags().StringVar(&opts.hubURL, "hub", "", "Hub URL, e.g. ws://hub:8080")
	cmd.Flags().StringVar(&opts.agentID, "agent-id", "", "Agent identifier (defaults to the hostname)")
	cmd.Flags().StringVar(&opts.room, "room", "", "Room to join after connecting")
	cmd.Flags().DurationVar(&opts.interval, "interval", 0, "Sampling interval")
	return cmd
}

// agentConfig merges flags over the agent section of the configuration.
func agentConfig(cfg config.AgentConfig, opts agentOptions) (agent.Config, error) {
	out := agent.Config{
		HubURL:   cfg.HubURL,
		AgentID:  cfg.AgentID,
		Room:     cfg.Room,
		Interval: cfg.Interval,
	}
	if opts.hubURL != "" {
		out.HubURL = opts.hubURL
	}
	if opts.agentID != "" {
		out.AgentID = opts.agentID
	}
	if opts.room != "" {
		out.Room = opts.room
	}
	if opts.interval > 0 {
		out.Interval = opts.interval
	}

	hostname, _ := os.Hostname()
	if out.AgentID == "" {
		if hostname == "" {
			return agent.Config{}, fmt.Errorf("agent id is required (--agent-id)")
		}
		out.AgentID = hostname
	}
	if hostname != "" {
		out.Meta = map[string]any{"hostname": hostname, "version": version}
	}
	return out, nil
}
