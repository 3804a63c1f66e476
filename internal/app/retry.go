package app

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"tournament-engine/internal/domain"
)

// RetryPolicy bounds attempts against an external call.
type RetryPolicy struct {
	Attempts    int
	Backoff     time.Duration
	CallTimeout time.Duration
	// MaxWait caps a provider-requested retry delay. Longer requests end the retries.
	MaxWait time.Duration
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.Attempts <= 0 {
		p.Attempts = 3
	}
	if p.Backoff < 0 {
		p.Backoff = 0
	}
	if p.CallTimeout <= 0 {
		p.CallTimeout = 10 * time.Second
	}
	if p.MaxWait <= 0 {
		p.MaxWait = 30 * time.Second
	}
	return p
}

// permanent errors are not worth another attempt.
func permanent(err error) bool {
	return errors.Is(err, domain.ErrUnsendable) ||
		errors.Is(err, domain.ErrRecipientUnavailable) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, domain.ErrEventCancelled)
}

// throttledBackOff stretches the next delay to what the provider asked for.
type throttledBackOff struct {
	backoff.BackOff
	wait *time.Duration
}

func (b throttledBackOff) NextBackOff() time.Duration {
	next := b.BackOff.NextBackOff()
	if next == backoff.Stop {
		return next
	}
	if *b.wait > next {
		next = *b.wait
	}
	*b.wait = 0
	return next
}

func (p RetryPolicy) backOff(ctx context.Context, wait *time.Duration) backoff.BackOff {
	var base backoff.BackOff = &backoff.ZeroBackOff{}
	if p.Backoff > 0 {
		exp := backoff.NewExponentialBackOff()
		exp.InitialInterval = p.Backoff
		exp.Multiplier = 2
		exp.RandomizationFactor = 0
		exp.MaxInterval = p.Backoff << uint(p.Attempts)
		exp.MaxElapsedTime = 0
		base = exp
	}
	base = backoff.WithMaxRetries(base, uint64(p.Attempts-1))
	return backoff.WithContext(throttledBackOff{BackOff: base, wait: wait}, ctx)
}

// do runs fn at most p.Attempts times, each under its own timeout, with exponential
// backoff between attempts. A throttled error delays the next attempt by its Wait.
// The last error is returned.
func (p RetryPolicy) do(ctx context.Context, fn func(ctx context.Context) error) error {
	p = p.withDefaults()
	var wait time.Duration
	op := func() error {
		callCtx, cancel := context.WithTimeout(ctx, p.CallTimeout)
		err := fn(callCtx)
		cancel()
		if err == nil {
			return nil
		}
		if permanent(err) {
			return backoff.Permanent(err)
		}
		var throttled *domain.ThrottledError
		if errors.As(err, &throttled) {
			if throttled.Wait > p.MaxWait {
				return backoff.Permanent(err)
			}
			wait = throttled.Wait
		}
		return err
	}
	return backoff.Retry(op, p.backOff(ctx, &wait))
}
