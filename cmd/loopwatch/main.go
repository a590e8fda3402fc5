// Command loopwatch runs the loop detector against a simulated memory
// backend and serves its statistics over HTTP.
//
//	loopwatch simulate --max-depth 5 --max-repeats 3
//	loopwatch serve --config loopwatch.yaml
package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/itsneelabh/loopwatch/core"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// rootOptions are the persistent flags shared by every subcommand.
type rootOptions struct {
	configFile string
	logLevel   string
	logFormat  string
	dev        bool
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "loopwatch",
		Short:         "Detect and break runaway loops in memory and search operations",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	f := cmd.PersistentFlags()
	f.StringVarP(&opts.configFile, "config", "c", "", "Path to a JSON or YAML config file")
	f.StringVar(&opts.logLevel, "log-level", "", "Log level: debug|info|warn|error")
	f.StringVar(&opts.logFormat, "log-format", "", "Log format: json|text")
	f.BoolVar(&opts.dev, "dev", false, "Development mode (text logs at debug level)")

	cmd.AddCommand(newSimulateCmd(opts))
	cmd.AddCommand(newServeCmd(opts))
	cmd.AddCommand(newVersionCmd())
	return cmd
}

// config builds the configuration from defaults, environment, the config
// file and the flags, in that order. extra options are applied last.
func (o *rootOptions) config(extra ...core.Option) (*core.Config, error) {
	var opts []core.Option
	if o.configFile != "" {
		opts = append(opts, core.WithConfigFile(o.configFile))
	}
	if o.dev {
		opts = append(opts, core.WithDevelopmentMode(true))
	}
	if o.logLevel != "" {
		opts = append(opts, core.WithLogLevel(o.logLevel))
	}
	if o.logFormat != "" {
		opts = append(opts, core.WithLogFormat(o.logFormat))
	}
	opts = append(opts, extra...)
	return core.NewConfig(opts...)
}
