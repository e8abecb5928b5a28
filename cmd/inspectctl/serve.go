package main

import (
	"github.com/danmuck/inspectctl/internal/server"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newServeCommand(opts *rootOptions) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Watch the selection and expose it over the admin HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Flags().Changed("admin-addr") {
				opts.cfg.AdminAddr = addr
				if err := opts.cfg.Validate(); err != nil {
					return err
				}
			}
			ctx, stop := signalContext(cmd)
			defer stop()

			rt, err := connect(ctx, opts.cfg)
			if err != nil {
				return err
			}
			defer rt.Close()

			printer := newSelectionPrinter(cmd.OutOrStdout(), rt.session, false)
			defer rt.session.AddListener(printer)()

			admin := server.NewAdmin(rt.session, rt.registry, server.Options{
				Addr:        opts.cfg.AdminAddr,
				CORSOrigins: opts.cfg.CORSOrigins,
			})

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				return admin.Run(gctx)
			})
			g.Go(func() error {
				rt.setupRoots(gctx, opts.cfg.RootDirectories)
				if err := rt.wait(gctx); err != nil {
					return err
				}
				// Stop the admin server when the connection ends cleanly too.
				stop()
				return nil
			})
			return g.Wait()
		},
	}
	cmd.Flags().StringVar(&addr, "admin-addr", "", "admin listen address, overrides config")
	return cmd
}
