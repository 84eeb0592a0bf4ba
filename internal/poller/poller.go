package poller

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
)

// ErrTimeout indicates the wait window elapsed before the probe reached a
// terminal answer. The underlying operation's fate is unknown; callers
// must treat it as pending, never as failed.
var ErrTimeout = errors.New("poller: timed out before terminal state")

// Options tune a polling wait.
type Options struct {
	Interval time.Duration
	Timeout  time.Duration
}

// Probe inspects the awaited operation once. done reports a terminal
// answer; transient conditions (e.g. transaction not yet found) return
// done=false with no error and are retried until the timeout.
type Probe[T any] func(ctx context.Context) (result T, done bool, err error)

// Await polls probe at a fixed interval until it reports terminal, the
// timeout elapses (ErrTimeout), or ctx is cancelled. Cancellation stops
// polling without affecting the awaited operation.
func Await[T any](ctx context.Context, opts Options, logger zerolog.Logger, probe Probe[T]) (T, error) {
	var zero T

	interval := opts.Interval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	if opts.Timeout <= 0 {
		return zero, errors.New("poller: timeout must be positive")
	}

	deadline := time.Now().Add(opts.Timeout)

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		result, done, err := probe(ctx)
		if err != nil {
			return zero, err
		}
		if done {
			return result, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			logger.Debug().Int("attempts", attempt).Msg("poll window exhausted")
			return zero, ErrTimeout
		}

		wait := interval
		if wait > remaining {
			wait = remaining
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, ctx.Err()
		case <-timer.C:
		}
	}
}
