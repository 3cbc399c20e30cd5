// Package retry runs metadata operations that can lose a write conflict.
// Only core.ErrTransactionAborted is retried; every other error stops the
// loop and is returned as is.
package retry

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/INLOpen/nexusrepl/config"
	"github.com/INLOpen/nexusrepl/core"
	"github.com/cenkalti/backoff/v5"
)

// Policy bounds a retry loop.
type Policy struct {
	MaxTries        uint
	InitialInterval time.Duration
	MaxInterval     time.Duration
	// Notify, when set, observes every retried failure.
	Notify func(err error, next time.Duration)
}

// DefaultPolicy is used when a component is constructed without one.
func DefaultPolicy() Policy {
	return Policy{
		MaxTries:        10,
		InitialInterval: 50 * time.Millisecond,
		MaxInterval:     2 * time.Second,
	}
}

// FromConfig builds a Policy from configuration; unset fields take the
// DefaultPolicy values.
func FromConfig(cfg config.RetryConfig, logger *slog.Logger) Policy {
	def := DefaultPolicy()
	p := Policy{
		MaxTries:        cfg.MaxTries,
		InitialInterval: config.ParseDuration(cfg.InitialInterval, def.InitialInterval, logger),
		MaxInterval:     config.ParseDuration(cfg.MaxInterval, def.MaxInterval, logger),
	}
	if p.MaxTries == 0 {
		p.MaxTries = def.MaxTries
	}
	return p
}

func (p Policy) backOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		b.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		b.MaxInterval = p.MaxInterval
	}
	return b
}

// DoValue runs op until it succeeds, fails with a non-retryable error, the
// policy is exhausted, or ctx is done. Exhaustion returns the last error.
func DoValue[T any](ctx context.Context, p Policy, op func() (T, error)) (T, error) {
	tries := p.MaxTries
	if tries == 0 {
		tries = DefaultPolicy().MaxTries
	}
	opts := []backoff.RetryOption{
		backoff.WithBackOff(p.backOff()),
		backoff.WithMaxTries(tries),
		backoff.WithMaxElapsedTime(0),
	}
	if p.Notify != nil {
		opts = append(opts, backoff.WithNotify(p.Notify))
	}
	return backoff.Retry(ctx, func() (T, error) {
		v, err := op()
		if err != nil && !errors.Is(err, core.ErrTransactionAborted) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}, opts...)
}

// Do is DoValue for operations without a result.
func Do(ctx context.Context, p Policy, op func() error) error {
	_, err := DoValue(ctx, p, func() (struct{}, error) {
		return struct{}{}, op()
	})
	return err
}
