// Package retry polls an operation at a fixed interval until it succeeds,
// fails with an error that is not classified as transient, or runs out of
// attempts.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	DefaultMaxTries  = 10
	DefaultSleepTime = time.Second
)

// ErrNotReady marks an operation result as "not yet successful". Only errors
// matching it (or the configured Retryable predicate) are retried.
var ErrNotReady = errors.New("not ready")

// ErrTimeout is matched by the error returned when attempts are exhausted.
var ErrTimeout = errors.New("retries exhausted")

// NotReady returns an error wrapping ErrNotReady.
func NotReady(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrNotReady, fmt.Sprintf(format, args...))
}

// TimeoutError is returned after MaxTries attempts all failed with a
// retryable error. It does not unwrap to the last failure, so callers can
// tell "gave up waiting" apart from the transient condition itself.
type TimeoutError struct {
	Attempts int
	WaitMsg  string
	Last     error
}

func (e *TimeoutError) Error() string {
	msg := e.WaitMsg
	if msg == "" {
		msg = "waiting"
	}
	return fmt.Sprintf("%s: gave up after %d attempts: %v", msg, e.Attempts, e.Last)
}

func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}

// Config controls one retry loop. The zero value is usable.
type Config struct {
	MaxTries  int
	SleepTime time.Duration
	// WaitMsg is logged before every retry.
	WaitMsg string
	// Retryable classifies errors. Nil means errors.Is(err, ErrNotReady).
	Retryable func(error) bool
	Logger    *slog.Logger
}

// WithMsg returns a copy of c with WaitMsg set.
func (c Config) WithMsg(format string, args ...any) Config {
	c.WaitMsg = fmt.Sprintf(format, args...)
	return c
}

func (c Config) withDefaults() Config {
	if c.MaxTries <= 0 {
		c.MaxTries = DefaultMaxTries
	}
	if c.SleepTime <= 0 {
		c.SleepTime = DefaultSleepTime
	}
	if c.Retryable == nil {
		c.Retryable = IsNotReady
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// IsNotReady reports whether err is the default retryable marker.
func IsNotReady(err error) bool {
	return errors.Is(err, ErrNotReady)
}

// Do calls op until it returns a nil error. A retryable error sleeps
// SleepTime and tries again; any other error is returned immediately.
func Do[T any](ctx context.Context, cfg Config, op func() (T, error)) (T, error) {
	cfg = cfg.withDefaults()

	var (
		attempts int
		aborted  bool
	)
	wrapped := func() (T, error) {
		attempts++
		v, err := op()
		if err == nil {
			return v, nil
		}
		if !cfg.Retryable(err) {
			aborted = true
			return v, backoff.Permanent(err)
		}
		return v, err
	}

	notify := func(err error, next time.Duration) {
		if cfg.WaitMsg == "" {
			cfg.Logger.Debug("retrying", "attempt", attempts, "max_tries", cfg.MaxTries, "sleep", next, "error", err)
			return
		}
		cfg.Logger.Info(cfg.WaitMsg, "attempt", attempts, "max_tries", cfg.MaxTries, "error", err)
	}

	policy := backoff.WithMaxRetries(
		backoff.WithContext(backoff.NewConstantBackOff(cfg.SleepTime), ctx),
		uint64(cfg.MaxTries-1),
	)

	v, err := backoff.RetryNotifyWithData(wrapped, policy, notify)
	switch {
	case err == nil:
		return v, nil
	case aborted:
		return v, err
	case ctx.Err() != nil:
		return v, ctx.Err()
	}
	return v, &TimeoutError{Attempts: attempts, WaitMsg: cfg.WaitMsg, Last: err}
}

// Wait is Do for operations without a result.
func Wait(ctx context.Context, cfg Config, op func() error) error {
	_, err := Do(ctx, cfg, func() (struct{}, error) {
		return struct{}{}, op()
	})
	return err
}

// Until retries cond until it reports true. A false result counts as a
// retryable failure; an error from cond aborts unless it is retryable.
func Until(ctx context.Context, cfg Config, cond func() (bool, error)) error {
	if orig := cfg.Retryable; orig != nil {
		cfg.Retryable = func(err error) bool { return IsNotReady(err) || orig(err) }
	}
	return Wait(ctx, cfg, func() error {
		ok, err := cond()
		if err != nil {
			return err
		}
		if !ok {
			return ErrNotReady
		}
		return nil
	})
}
