// Package poll runs a status check at a fixed interval until it reports
// done, fails permanently, runs out of attempts or its context ends. One
// Poller drives one polled resource; cancelling the context stops it with
// no timer left behind.
package poll

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"coursechat/internal/api"

	"github.com/cenkalti/backoff/v5"
)

var (
	// ErrNotReady is what a check reports while the resource is still
	// being produced.
	ErrNotReady = errors.New("not ready yet")
	// ErrGaveUp is returned once MaxAttempts checks have come back not ready.
	ErrGaveUp = errors.New("gave up waiting")
)

// Check inspects the resource once. done=false means poll again.
type Check[T any] func(ctx context.Context) (value T, done bool, err error)

type Poller struct {
	Interval    time.Duration
	MaxAttempts int
	Logger      *slog.Logger
	// OnAttempt, if set, is called after every check that did not finish
	// the poll.
	OnAttempt func(attempt int, err error)
}

func New(interval time.Duration, maxAttempts int, logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Poller{Interval: interval, MaxAttempts: maxAttempts, Logger: logger}
}

// Until runs check until it is done. Errors the server will keep
// returning (4xx other than 408 and 429) stop the poll at once; anything
// else is retried like a not-ready result.
func Until[T any](ctx context.Context, p *Poller, name string, check Check[T]) (T, error) {
	logger := p.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	attempt := 0
	op := func() (T, error) {
		attempt++
		v, done, err := check(ctx)
		switch {
		case err != nil && permanent(err):
			return v, backoff.Permanent(err)
		case err != nil:
			return v, err
		case !done:
			return v, ErrNotReady
		}
		return v, nil
	}

	opts := []backoff.RetryOption{
		backoff.WithBackOff(backoff.NewConstantBackOff(p.Interval)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			logger.Debug("poll not finished",
				slog.String("resource", name),
				slog.Int("attempt", attempt),
				slog.Duration("next", next),
				slog.Any("error", err))
			if p.OnAttempt != nil {
				p.OnAttempt(attempt, err)
			}
		}),
	}
	if p.MaxAttempts > 0 {
		opts = append(opts, backoff.WithMaxTries(uint(p.MaxAttempts)))
	}

	v, err := backoff.Retry(ctx, op, opts...)
	switch {
	case err == nil:
		logger.Info("poll finished", slog.String("resource", name), slog.Int("attempts", attempt))
		return v, nil
	case ctx.Err() != nil:
		return v, ctx.Err()
	case errors.Is(err, ErrNotReady):
		return v, fmt.Errorf("%w: %s still not ready after %d attempts", ErrGaveUp, name, attempt)
	default:
		return v, err
	}
}

func permanent(err error) bool {
	code := api.StatusCode(err)
	if code < 400 || code >= 500 {
		return false
	}
	return code != http.StatusRequestTimeout && code != http.StatusTooManyRequests
}
