// Package retry wraps backoff policies for dependencies that may not be up
// yet when the daemon starts, the broker connection first among them.
package retry

import (
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ExponentialConfig bounds an exponential backoff run. InitialInterval is
// required; a zero MaxElapsedTime keeps retrying until fn succeeds.
type ExponentialConfig struct {
	InitialInterval time.Duration
	MaxElapsedTime  time.Duration
	// OnRetry observes each failed attempt together with the wait before
	// the next one.
	OnRetry func(err error, next time.Duration)
}

// Exponential runs fn until it succeeds or cfg.MaxElapsedTime is spent.
func Exponential(fn func() error, cfg ExponentialConfig) error {
	if cfg.InitialInterval <= 0 {
		return errors.New("retry: initial interval must be positive")
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = cfg.InitialInterval
	policy.MaxElapsedTime = cfg.MaxElapsedTime

	notify := func(err error, next time.Duration) {
		if cfg.OnRetry != nil {
			cfg.OnRetry(err, next)
		}
	}
	return backoff.RetryNotify(fn, policy, notify)
}

// Constant runs fn up to attempts times with a fixed interval between
// failures. attempts below one is treated as one.
func Constant(fn func() error, interval time.Duration, attempts int) error {
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := 1; ; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if attempt == attempts {
			return fmt.Errorf("retry: gave up after %d attempts: %w", attempts, err)
		}
		time.Sleep(interval)
	}
}
