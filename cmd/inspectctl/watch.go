package main

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/danmuck/inspectctl/internal/inspector"
	"github.com/spf13/cobra"
)

func newWatchCommand(opts *rootOptions) *cobra.Command {
	var frames bool
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Print selection changes until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signalContext(cmd)
			defer stop()

			rt, err := connect(ctx, opts.cfg)
			if err != nil {
				return err
			}
			defer rt.Close()

			printer := newSelectionPrinter(cmd.OutOrStdout(), rt.session, frames)
			defer rt.session.AddListener(printer)()

			rt.setupRoots(ctx, opts.cfg.RootDirectories)
			return rt.wait(ctx)
		},
	}
	cmd.Flags().BoolVar(&frames, "frames", false, "also print a line per rendered frame")
	return cmd
}

// selectionSource is the part of the session the printer reads.
type selectionSource interface {
	CurrentSelection() *inspector.Node
	IsLocalURI(uri string) bool
}

// selectionPrinter writes one line per selection change.
type selectionPrinter struct {
	mu     sync.Mutex
	out    io.Writer
	source selectionSource
	frames bool
}

func newSelectionPrinter(out io.Writer, source selectionSource, frames bool) *selectionPrinter {
	return &selectionPrinter{out: out, source: source, frames: frames}
}

func (p *selectionPrinter) OnSelectionChanged() {
	p.print("selection")
}

func (p *selectionPrinter) OnFrameRendered() {
	if !p.frames {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintln(p.out, "frame")
}

func (p *selectionPrinter) OnForceRefresh(context.Context) error {
	p.print("refresh")
	return nil
}

func (p *selectionPrinter) print(label string) {
	node := p.source.CurrentSelection()
	p.mu.Lock()
	defer p.mu.Unlock()
	if node == nil {
		fmt.Fprintf(p.out, "%s: none\n", label)
		return
	}
	file := node.CreationFile()
	scope := "external"
	if file == "" {
		scope = "unknown"
	} else if p.source.IsLocalURI(file) {
		scope = "local"
	}
	fmt.Fprintf(p.out, "%s: %s %q %s", label, node.ValueRef.ID, node.Description, scope)
	if file != "" {
		fmt.Fprintf(p.out, " %s", file)
	}
	fmt.Fprintln(p.out)
}
