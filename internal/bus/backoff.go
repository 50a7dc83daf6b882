package bus

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
)

const (
	initialBackoff = 500 * time.Millisecond
	maxBackoff     = 30 * time.Second
)

// RunWithBackoff runs fn in a loop, restarting with exponential backoff (starting at 500ms, capped at 30s) whenever
// fn returns a non-nil, non-cancelled error. A run that stays up longer than maxBackoff counts as a success and
// resets the delay, so a subscription that drops after hours of healthy operation doesn't inherit a stale long
// delay from an earlier, unrelated failure streak. fn returning nil or context.Canceled ends the loop.
func RunWithBackoff(ctx context.Context, log zerolog.Logger, name string, fn func(context.Context) error) {
	delay := initialBackoff
	for {
		start := time.Now()
		err := fn(ctx)
		if err == nil {
			return
		}
		if errors.Is(err, context.Canceled) {
			return
		}

		if time.Since(start) >= maxBackoff {
			delay = initialBackoff
		}

		log.Error().Err(err).Str("service", name).Dur("retry_in", delay).
			Msg("bus subscription stopped, restarting after delay")

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		delay = min(delay*2, maxBackoff)
	}
}
