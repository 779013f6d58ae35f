// Package retry retries transient failures with exponential backoff and
// jitter. Semantic failures (conflicts, auth, quota) are returned at once.
package retry

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/tripchat/realtime/internal/domain"
	"github.com/tripchat/realtime/internal/observability"
	"go.uber.org/zap"
)

type Policy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Jitter     time.Duration
	// Retryable classifies errors; nil means domain.IsRetryable.
	Retryable func(error) bool
}

func DefaultPolicy() Policy {
	return Policy{
		MaxRetries: 3,
		BaseDelay:  200 * time.Millisecond,
		MaxDelay:   5 * time.Second,
		Jitter:     100 * time.Millisecond,
	}
}

// Delay is the wait before retry attempt (0-based) without jitter:
// BaseDelay * 2^attempt, capped at MaxDelay when set.
func (p Policy) Delay(attempt int) time.Duration {
	d := p.BaseDelay
	for i := 0; i < attempt; i++ {
		d *= 2
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			return p.MaxDelay
		}
		if d <= 0 {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// jittered implements backoff.BackOff on top of Policy.Delay.
type jittered struct {
	policy  Policy
	attempt int
}

func (j *jittered) NextBackOff() time.Duration {
	d := j.policy.Delay(j.attempt)
	j.attempt++
	if j.policy.Jitter > 0 {
		d += rand.N(j.policy.Jitter)
	}
	return d
}

func (j *jittered) Reset() { j.attempt = 0 }

// Do runs op, retrying retryable failures up to p.MaxRetries times.
func Do[T any](ctx context.Context, p Policy, op func(ctx context.Context) (T, error)) (T, error) {
	classify := p.Retryable
	if classify == nil {
		classify = domain.IsRetryable
	}
	log := observability.GetLogger(ctx)

	return backoff.Retry(ctx,
		func() (T, error) {
			v, err := op(ctx)
			if err != nil && !classify(err) {
				return v, backoff.Permanent(err)
			}
			return v, err
		},
		backoff.WithBackOff(&jittered{policy: p}),
		backoff.WithMaxTries(uint(p.MaxRetries+1)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, wait time.Duration) {
			log.Debug("retry: transient failure", zap.Duration("wait", wait), zap.Error(err))
		}),
	)
}

// Run is Do for operations without a result.
func Run(ctx context.Context, p Policy, op func(ctx context.Context) error) error {
	_, err := Do(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}
