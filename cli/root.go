// Package cli wires the pulse binary: one cobra root with a serve
// command for the API process and a worker command for the background
// process, both sharing configuration loading, logging setup, and
// graceful shutdown handling.
package cli

import (
	"github.com/spf13/cobra"

	"github.com/pulselabs/pulse/common"
	"github.com/pulselabs/pulse/config"
)

var cfgFile string

// RootCmd is the pulse entry point.
var RootCmd = &cobra.Command{
	Use:   "pulse",
	Short: "request observability platform",
	Long: `Pulse captures every request flowing through the API surface,
aggregates latency and error metrics into fixed time windows, persists
structured logs and replayable request snapshots, and runs the
background job fabric that keeps all of it maintained.

Run the API process with "pulse serve" and the background worker with
"pulse worker". Configuration comes from environment variables, an
optional config.yaml, and an optional .env file.`,
}

func init() {
	RootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./config.yaml)")
	RootCmd.AddCommand(serveCmd)
	RootCmd.AddCommand(workerCmd)
}

// loadConfig reads configuration and applies the logging setup.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	common.ConfigureLogger(cfg.LogLevel, cfg.Environment)
	return cfg, nil
}
