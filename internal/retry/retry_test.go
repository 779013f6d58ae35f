package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tripchat/realtime/internal/domain"
)

func fastPolicy(retries int) Policy {
	return Policy{MaxRetries: retries, BaseDelay: time.Millisecond, MaxDelay: 4 * time.Millisecond}
}

func TestPolicyDelay(t *testing.T) {
	p := Policy{BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second}

	assert.Equal(t, 100*time.Millisecond, p.Delay(0))
	assert.Equal(t, 200*time.Millisecond, p.Delay(1))
	assert.Equal(t, 400*time.Millisecond, p.Delay(2))
	assert.Equal(t, 800*time.Millisecond, p.Delay(3))
	assert.Equal(t, time.Second, p.Delay(4))
	assert.Equal(t, time.Second, p.Delay(200))
}

func TestJitterStaysInRange(t *testing.T) {
	b := &jittered{policy: Policy{BaseDelay: 10 * time.Millisecond, MaxDelay: time.Second, Jitter: 5 * time.Millisecond}}

	for attempt := 0; attempt < 4; attempt++ {
		base := b.policy.Delay(attempt)
		d := b.NextBackOff()
		assert.GreaterOrEqual(t, d, base)
		assert.Less(t, d, base+5*time.Millisecond)
	}
	b.Reset()
	assert.Less(t, b.NextBackOff(), 15*time.Millisecond)
}

func TestDo(t *testing.T) {
	transient := domain.NewTransportFault("send", errors.New("connection reset"))

	tests := []struct {
		name      string
		failures  []error
		retries   int
		wantCalls int
		wantErr   error
	}{
		{name: "succeeds first time", retries: 3, wantCalls: 1},
		{name: "recovers after transient failures", failures: []error{transient, transient}, retries: 3, wantCalls: 3},
		{name: "gives up after max retries", failures: []error{transient, transient, transient, transient, transient}, retries: 3, wantCalls: 4, wantErr: domain.ErrTransportFault},
		{name: "conflict is not retried", failures: []error{domain.ErrOptimisticLockConflict}, retries: 3, wantCalls: 1, wantErr: domain.ErrOptimisticLockConflict},
		{name: "auth is not retried", failures: []error{domain.ErrAuthentication}, retries: 3, wantCalls: 1, wantErr: domain.ErrAuthentication},
		{name: "quota is not retried", failures: []error{domain.ErrQuotaExceeded}, retries: 3, wantCalls: 1, wantErr: domain.ErrQuotaExceeded},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			got, err := Do(context.Background(), fastPolicy(tt.retries), func(ctx context.Context) (string, error) {
				calls++
				if calls <= len(tt.failures) {
					return "", tt.failures[calls-1]
				}
				return "ok", nil
			})

			assert.Equal(t, tt.wantCalls, calls)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "ok", got)
		})
	}
}

func TestRunStopsOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0

	err := Run(ctx, Policy{MaxRetries: 10, BaseDelay: 50 * time.Millisecond, MaxDelay: time.Second}, func(ctx context.Context) error {
		calls++
		cancel()
		return domain.NewTransportFault("send", errors.New("timeout"))
	})

	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestCustomClassifier(t *testing.T) {
	flaky := errors.New("flaky")
	calls := 0

	err := Run(context.Background(), Policy{
		MaxRetries: 2,
		BaseDelay:  time.Millisecond,
		Retryable:  func(err error) bool { return errors.Is(err, flaky) },
	}, func(ctx context.Context) error {
		calls++
		return flaky
	})

	assert.ErrorIs(t, err, flaky)
	assert.Equal(t, 3, calls)
}
