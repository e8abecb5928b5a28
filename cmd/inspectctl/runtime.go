package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/danmuck/inspectctl/internal/config"
	"github.com/danmuck/inspectctl/internal/extensions"
	"github.com/danmuck/inspectctl/internal/inspector"
	"github.com/danmuck/inspectctl/internal/protocol/rpc"
	"github.com/rs/zerolog/log"
)

// inspectRuntime is one live connection with its capability registry and
// inspector session wired to the client's event stream.
type inspectRuntime struct {
	client   *rpc.Client
	registry *extensions.Registry
	session  *inspector.Session
	detach   func()
}

func connect(ctx context.Context, cfg config.Config) (*inspectRuntime, error) {
	kind, err := cfg.Kind()
	if err != nil {
		return nil, err
	}
	client, err := rpc.Dial(ctx, cfg.TransportConfig())
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", cfg.URL, err)
	}

	registry := extensions.NewRegistry(cfg.ExtensionWait)
	detach := registry.Attach(client)
	// Extensions registered before the subscription only show up in the
	// isolate snapshot.
	registry.Add(client.ExtensionRPCs()...)

	session := inspector.NewSession(client, registry,
		inspector.WithDisposeTimeout(cfg.DisposeTimeout),
		inspector.WithTreeKind(kind),
	)
	session.Attach(client)

	log.Info().
		Str("session", session.ID().String()).
		Str("isolate", client.IsolateID()).
		Int("extensions", len(registry.List())).
		Msg("inspectctl session ready")
	return &inspectRuntime{client: client, registry: registry, session: session, detach: detach}, nil
}

// setupRoots pushes the configured root directories, or infers them from the
// target when none are configured. Inference failures are not fatal.
func (rt *inspectRuntime) setupRoots(ctx context.Context, dirs []string) {
	if len(dirs) > 0 {
		if err := rt.session.SetRootDirectories(ctx, dirs); err != nil {
			log.Warn().Err(err).Strs("dirs", dirs).Msg("inspectctl set root directories failed")
		}
		return
	}
	inferred, err := rt.session.InferRootDirectories(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("inspectctl root directory inference failed")
		return
	}
	log.Info().Strs("dirs", inferred).Msg("inspectctl root directories")
}

// wait blocks until ctx ends or the connection drops.
func (rt *inspectRuntime) wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return nil
	case <-rt.client.Done():
		err := rt.client.Err()
		if err == nil || errors.Is(err, rpc.ErrClosed) {
			return nil
		}
		return fmt.Errorf("connection lost: %w", err)
	}
}

func (rt *inspectRuntime) Close() error {
	sessionErr := rt.session.Close()
	rt.detach()
	return errors.Join(sessionErr, rt.client.Close())
}
