package main

import (
	"context"
	"fmt"
	"os/signal"
	"strings"
	"syscall"

	"github.com/danmuck/inspectctl/internal/config"
	"github.com/danmuck/inspectctl/internal/logging"
	"github.com/spf13/cobra"
)

// rootOptions carries the global flags and the config they resolve to.
type rootOptions struct {
	configPath string
	url        string
	logLevel   string

	cfg config.Config
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:   "inspectctl",
		Short: "Drive the widget inspector of a running Flutter app",
		Long: `inspectctl connects to a Dart VM service, tracks the inspector selection
and reads the widget and render trees of the running application.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return opts.resolve()
		},
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&opts.configPath, "config", "c", "", "config file (TOML)")
	flags.StringVar(&opts.url, "url", "", "VM service websocket url, overrides config")
	flags.StringVar(&opts.logLevel, "log-level", "", "log level: trace|debug|info|warn|error|off")

	root.AddCommand(
		newWatchCommand(opts),
		newTreeCommand(opts),
		newSelectCommand(opts),
		newServeCommand(opts),
		newConfigCommand(opts),
	)
	return root
}

func (o *rootOptions) configureLogging() error {
	logging.ConfigureRuntime()
	if o.logLevel != "" && !logging.SetLevel(o.logLevel) {
		return fmt.Errorf("unknown log level %q", o.logLevel)
	}
	return nil
}

func (o *rootOptions) resolve() error {
	if err := o.configureLogging(); err != nil {
		return err
	}
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return err
	}
	if u := strings.TrimSpace(o.url); u != "" {
		cfg.URL = u
		if err := cfg.Validate(); err != nil {
			return err
		}
	}
	o.cfg = cfg
	return nil
}

// signalContext ends on SIGINT/SIGTERM or when the command context ends.
func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}
