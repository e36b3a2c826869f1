// Package command runs a named unit of work with a correlation id and
// start/finish logging.
package command

import (
	"context"
	"time"

	"github.com/illmade-knight/go-messagebroker/pkg/requestctx"
	"github.com/rs/zerolog"
)

// Func is the body of a command. ctx always carries a request id.
type Func func(ctx context.Context) error

// Run executes fn under name. The request id already in ctx is reused, otherwise
// a new one is generated, so anything fn publishes is correlated with the
// command's log lines. The error from fn is logged and returned unchanged.
func Run(ctx context.Context, name string, logger zerolog.Logger, fn Func) error {
	ctx, requestID := requestctx.Ensure(ctx)
	logger = logger.With().Str("command_name", name).Str("request_id", requestID).Logger()

	logger.Info().Msg("Started command")
	start := time.Now()

	if err := fn(ctx); err != nil {
		logger.Error().Err(err).Dur("duration", time.Since(start)).Msg("Command failed")
		return err
	}

	logger.Info().Dur("duration", time.Since(start)).Msg("Finished command")
	return nil
}
