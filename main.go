// Package main is the entry point for the pulse binary. One binary runs
// either the public API server (`pulse serve`) or the background worker
// (`pulse worker`); role selection happens through cobra subcommands so
// both processes share configuration and service wiring.
package main

import (
	"os"

	"github.com/pulselabs/pulse/cli"
	"github.com/pulselabs/pulse/common"
)

func main() {
	if err := cli.RootCmd.Execute(); err != nil {
		common.Logger.Error(err)
		os.Exit(1)
	}
}
