// Package logctx carries a zerolog logger through context.Context.
package logctx

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type logKey struct{}

// Log returns the logger attached to ctx or the global logger if there is none.
func Log(ctx context.Context) *zerolog.Logger {
	logger := ctx.Value(logKey{})
	if logger == nil {
		return &log.Logger
	}

	return logger.(*zerolog.Logger)
}

// WithLogger attaches the given logger to the context
func WithLogger(ctx context.Context, logger *zerolog.Logger) context.Context {
	return context.WithValue(ctx, logKey{}, logger)
}

// WithRecipe returns a context whose logger tags every event with the recipe name.
func WithRecipe(ctx context.Context, name string) context.Context {
	logger := Log(ctx).With().Str("recipe", name).Logger()
	return WithLogger(ctx, &logger)
}
