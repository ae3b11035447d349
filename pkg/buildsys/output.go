package buildsys

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type logKey struct{}

// Log returns the logger attached to ctx or the global logger if there is none
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

// OuterLog returns the logger of ctx without the invocation field Engine.Run adds. Loggers that
// were replaced after the invocation started are returned unchanged.
func OuterLog(ctx context.Context) *zerolog.Logger {
	logger := Log(ctx)
	if rctx, ok := ctx.Value(runtimeCtxKey{}).(*runtimeCtx); ok && logger == rctx.logger {
		return rctx.baseLogger
	}
	return logger
}
