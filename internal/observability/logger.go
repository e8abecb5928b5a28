package observability

import (
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Component returns the global logger tagged with a component name, so
// packages share the sink configured by internal/logging.
func Component(name string) zerolog.Logger {
	return log.Logger.With().Str("component", name).Logger()
}
