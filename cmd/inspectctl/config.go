package main

import (
	"fmt"

	"github.com/danmuck/inspectctl/internal/config"
	"github.com/spf13/cobra"
)

const defaultConfigPath = "inspectctl.toml"

func newConfigCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Write or check an inspectctl config file",
		// Skip the root config load so a broken file can still be checked.
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return opts.configureLogging()
		},
	}

	var force bool
	initCmd := &cobra.Command{
		Use:   "init [path]",
		Short: "Write a config template carrying the defaults",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := configArg(args, defaultConfigPath)
			if err := config.WriteTemplate(path, force); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote config template to %s\n", path)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")

	validateCmd := &cobra.Command{
		Use:   "validate [path]",
		Short: "Load a config file with environment overrides and check it",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := configArg(args, opts.configPath)
			if path == "" {
				path = defaultConfigPath
			}
			cfg, err := config.Load(path)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "config ok: %s url=%s admin=%s tree=%s\n", path, cfg.URL, cfg.AdminAddr, cfg.TreeKind)
			return nil
		},
	}

	cmd.AddCommand(initCmd, validateCmd)
	return cmd
}

func configArg(args []string, fallback string) string {
	if len(args) > 0 && args[0] != "" {
		return args[0]
	}
	return fallback
}
