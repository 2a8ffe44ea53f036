// pulsehub is a real-time telemetry hub: agents stream host metrics over WebRTC data channels
// or WebSockets, two anomaly detectors score each agent, and health events are fanned out to
// dashboards and peer processes.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "0.1.0"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "pulsehub",
		Short:         "Real-time telemetry hub with streaming anomaly detection",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.AddCommand(newServeCmd(), newAgentCmd())
	return rootCmd
}
