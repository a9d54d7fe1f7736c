// Package core is the orchestration layer.  It composes a connection
// Core, sessions and capabilities into complete operational modes and
// provides a builder that selects the right mode from a Config.
//
// Architecture layers (bottom → top):
//
//	eventsource/transport  →  connections  →  session  →  capability  →  core  →  cmd (CLI)
//
// The builder in this package is the single dispatch point between
// the parsed configuration and a runnable mode.
package core

import (
	"context"

	"github.com/bagel897/nearby/connections"
	"github.com/bagel897/nearby/util"
)

// Mode represents a complete operational mode of nearby (connect or
// probe).  Each mode owns its Core from creation to shutdown.
type Mode interface {
	Run(ctx context.Context) error
}

// shutdown releases core, logging anything that went wrong on the way.
func shutdown(core *connections.Core, logger *util.Logger) {
	if err := core.Shutdown(); err != nil {
		logger.Warn("shutdown: %v", err)
	}
}
