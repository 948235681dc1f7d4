package cmd

import (
	"context"
	"fmt"

	"github.com/kozaktomas/photo-index/internal/config"
	"github.com/kozaktomas/photo-index/internal/database"
	"github.com/kozaktomas/photo-index/internal/engine"
	"go.uber.org/zap"

	// Storage backends register themselves with the database package.
	_ "github.com/kozaktomas/photo-index/internal/database/bolt"
	_ "github.com/kozaktomas/photo-index/internal/database/postgres"
	_ "github.com/kozaktomas/photo-index/internal/database/snapshot"
)

// newLogger returns the production zap logger, or a no-op logger for quiet CLI runs.
func newLogger(enabled bool) (*zap.Logger, error) {
	if !enabled {
		return zap.NewNop(), nil
	}
	log, err := zap.NewProduction()
	if err != nil {
		return nil, fmt.Errorf("creating logger: %w", err)
	}
	return log, nil
}

// openEngine opens the configured backend and loads the engine state from it.
func openEngine(ctx context.Context, cfg *config.Config, log *zap.Logger) (*engine.Engine, error) {
	opts, err := engine.OptionsFromConfig(cfg)
	if err != nil {
		return nil, err
	}

	if verbose {
		fmt.Printf("Opening %s backend...\n", cfg.Store.Backend)
	}
	backend, err := database.Open(ctx, cfg)
	if err != nil {
		return nil, err
	}

	e, err := engine.Open(ctx, backend, opts, log)
	if err != nil {
		backend.Close()
		return nil, fmt.Errorf("loading engine: %w", err)
	}
	return e, nil
}

// closeEngine checkpoints and closes the engine, reporting but not returning failures
// when the command already failed.
func closeEngine(e *engine.Engine, cmdErr *error) {
	if err := e.Close(context.Background()); err != nil {
		if *cmdErr == nil {
			*cmdErr = fmt.Errorf("closing engine: %w", err)
			return
		}
		fmt.Printf("Warning: failed to close engine: %v\n", err)
	}
}
