package upstream

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/animus-labs/adpipe/internal/domain"
	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy bounds exponential backoff for transient failures.
type RetryPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     4,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     10 * time.Second,
		Multiplier:      2,
	}
}

func (p RetryPolicy) Validate() error {
	if p.MaxAttempts < 1 {
		return errors.New("retry max attempts must be >= 1")
	}
	if p.InitialInterval <= 0 {
		return errors.New("retry initial interval must be positive")
	}
	if p.MaxInterval < p.InitialInterval {
		return errors.New("retry max interval must be >= initial interval")
	}
	if p.Multiplier < 1 {
		return errors.New("retry multiplier must be >= 1")
	}
	return nil
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval
	b.Multiplier = p.Multiplier
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(p.MaxAttempts-1)), ctx)
}

// Retry calls fn until it succeeds, returns a non-transient error, or the
// attempt budget runs out. Errors are classified before the retry decision.
// onRetry, when set, observes each failed attempt that will be retried.
func Retry(ctx context.Context, policy RetryPolicy, fn func(ctx context.Context) error, onRetry func(err error, wait time.Duration)) error {
	if err := policy.Validate(); err != nil {
		return err
	}
	attempts := 0
	op := func() error {
		attempts++
		err := Classify(fn(ctx))
		if err == nil {
			return nil
		}
		if !domain.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	var notify backoff.Notify
	if onRetry != nil {
		notify = func(err error, wait time.Duration) { onRetry(err, wait) }
	}
	err := backoff.RetryNotify(op, policy.backOff(ctx), notify)
	if err == nil {
		return nil
	}
	if domain.IsRetryable(err) {
		var de *domain.Error
		if errors.As(err, &de) {
			cp := *de
			cp.Hint = fmt.Sprintf("gave up after %d attempts; %s", attempts, Hint(domain.KindTransientNetwork))
			return &cp
		}
	}
	return err
}
