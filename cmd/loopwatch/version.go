package main

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

// Set at build time:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.gitCommit=$(git rev-parse --short HEAD)"
var (
	version   = "development"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "loopwatch %s (commit %s, built %s, %s)\n",
				version, gitCommit, buildDate, runtime.Version())
		},
	}
}
