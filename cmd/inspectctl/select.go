package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/danmuck/inspectctl/internal/inspector"
	"github.com/spf13/cobra"
)

func newSelectCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "select <id>",
		Short: "Select a node on the device by its inspector id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := strings.TrimSpace(args[0])
			if id == "" {
				return fmt.Errorf("select: empty id")
			}
			ctx, stop := signalContext(cmd)
			defer stop()

			rt, err := connect(ctx, opts.cfg)
			if err != nil {
				return err
			}
			defer rt.Close()

			group := rt.session.NewGroup("select")
			defer func() { _ = group.Dispose(context.WithoutCancel(ctx)) }()

			changed, err := group.SetSelection(ctx, inspector.Handle{ID: id}, false)
			if err != nil {
				return err
			}
			if !changed {
				fmt.Fprintf(cmd.OutOrStdout(), "selection unchanged: %s\n", id)
				return nil
			}
			printer := newSelectionPrinter(cmd.OutOrStdout(), rt.session, false)
			printer.OnSelectionChanged()
			return nil
		},
	}
}
