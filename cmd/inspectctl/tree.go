package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/danmuck/inspectctl/internal/inspector"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// Tree views.
const (
	viewSummary = "summary"
	viewFull    = "full"
	viewDetails = "details"
	viewLayout  = "layout"
)

// Output formats.
const (
	formatYAML = "yaml"
	formatJSON = "json"
)

var (
	errUnknownView   = errors.New("unknown tree view")
	errUnknownFormat = errors.New("unknown output format")
)

type treeOptions struct {
	kind   string
	view   string
	format string
	depth  int
}

func (o treeOptions) validate() error {
	switch o.view {
	case viewSummary, viewFull, viewDetails, viewLayout:
	default:
		return fmt.Errorf("%w: %q", errUnknownView, o.view)
	}
	switch o.format {
	case formatYAML, formatJSON:
	default:
		return fmt.Errorf("%w: %q", errUnknownFormat, o.format)
	}
	if _, err := inspector.ParseTreeKind(o.kind); err != nil {
		return err
	}
	return nil
}

func newTreeCommand(opts *rootOptions) *cobra.Command {
	var tOpts treeOptions
	cmd := &cobra.Command{
		Use:   "tree",
		Short: "Print the root of the widget or render tree",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !cmd.Flags().Changed("kind") {
				tOpts.kind = opts.cfg.TreeKind
			}
			if err := tOpts.validate(); err != nil {
				return err
			}
			ctx, stop := signalContext(cmd)
			defer stop()

			rt, err := connect(ctx, opts.cfg)
			if err != nil {
				return err
			}
			defer rt.Close()

			node, err := fetchTree(ctx, rt.session, tOpts)
			if err != nil {
				return err
			}
			return writeNode(cmd.OutOrStdout(), node, tOpts.format)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&tOpts.kind, "kind", "widget", "tree kind: widget|render")
	flags.StringVar(&tOpts.view, "view", viewSummary, "summary|full|details|layout")
	flags.StringVar(&tOpts.format, "format", formatYAML, "output format: yaml|json")
	flags.IntVar(&tOpts.depth, "depth", 2, "subtree depth for the details and layout views")
	return cmd
}

// fetchTree reads the requested view under a temporary object group that is
// released before returning.
func fetchTree(ctx context.Context, session *inspector.Session, o treeOptions) (*inspector.Node, error) {
	kind, err := inspector.ParseTreeKind(o.kind)
	if err != nil {
		return nil, err
	}
	group := session.NewGroup("tree")
	defer func() { _ = group.Dispose(context.WithoutCancel(ctx)) }()

	if o.view == viewFull {
		return group.GetRootFullTree(ctx)
	}
	root, err := group.GetRoot(ctx, kind)
	if err != nil || root == nil {
		return root, err
	}
	switch o.view {
	case viewDetails:
		return group.GetDetailsSubtree(ctx, root, o.depth)
	case viewLayout:
		return group.GetLayoutExplorerNode(ctx, root, o.depth)
	default:
		return root, nil
	}
}

func writeNode(out io.Writer, node *inspector.Node, format string) error {
	var raw json.RawMessage = []byte("null")
	if node != nil && len(node.Raw) > 0 {
		raw = node.Raw
	}
	switch format {
	case formatJSON:
		var buf bytes.Buffer
		if err := json.Indent(&buf, raw, "", "  "); err != nil {
			return err
		}
		buf.WriteByte('\n')
		_, err := buf.WriteTo(out)
		return err
	case formatYAML:
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			return err
		}
		enc := yaml.NewEncoder(out)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	default:
		return fmt.Errorf("%w: %q", errUnknownFormat, format)
	}
}
