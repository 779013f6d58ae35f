package offline

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/tripchat/realtime/internal/clock"
	"github.com/tripchat/realtime/internal/domain"
	"github.com/tripchat/realtime/internal/netstatus"
	"github.com/tripchat/realtime/internal/observability"
	"github.com/tripchat/realtime/internal/transport"
	"go.uber.org/zap"
)

const DefaultMaxAttempts = 3

// Executor applies one operation to the backend.
type Executor func(ctx context.Context, op Operation) error

// Failure is reported when an operation is given up on.
type Failure struct {
	Op  Operation
	Err error
}

type Queue struct {
	journal     Journal
	exec        Executor
	maxAttempts int
	network     netstatus.Signal
	clock       clock.Clock

	draining atomic.Bool
	// again marks a drain requested while another was running
	again   atomic.Bool
	failed  transport.Observers[Failure]
	applied transport.Observers[Operation]

	ctx    context.Context
	cancel context.CancelFunc

	watchMu sync.Mutex
	unwatch func()
	timer   clock.Timer
	closed  bool
	wg      sync.WaitGroup
}

type Option func(*Queue)

func WithMaxAttempts(n int) Option { return func(q *Queue) { q.maxAttempts = n } }

// WithNetwork stops a drain as soon as the signal reports offline.
func WithNetwork(s netstatus.Signal) Option { return func(q *Queue) { q.network = s } }

func WithClock(c clock.Clock) Option { return func(q *Queue) { q.clock = c } }

func New(j Journal, exec Executor, opts ...Option) *Queue {
	q := &Queue{journal: j, exec: exec, maxAttempts: DefaultMaxAttempts}
	for _, o := range opts {
		o(q)
	}
	if q.maxAttempts < 1 {
		q.maxAttempts = 1
	}
	q.clock = clock.OrReal(q.clock)
	q.ctx, q.cancel = context.WithCancel(context.Background())
	observability.OfflineQueueDepth.Set(float64(j.Len()))
	return q
}

// Enqueue appends op behind everything already queued.
func (q *Queue) Enqueue(ctx context.Context, op Operation) (Operation, error) {
	if op.ID == "" {
		op.ID = uuid.NewString()
	}
	op.RetryCount = 0
	op.EnqueuedAt = q.clock.Now()

	op, err := q.journal.Append(op)
	if err != nil {
		return Operation{}, err
	}
	observability.OfflineQueueDepth.Set(float64(q.journal.Len()))
	observability.OfflineOpsTotal.WithLabelValues(string(op.Kind), "queued").Inc()
	observability.GetLogger(ctx).Info("offline: operation queued",
		zap.String("op_id", op.ID), zap.String("kind", string(op.Kind)),
		zap.String("conversation_id", op.ConversationID))
	return op, nil
}

func (q *Queue) Len() int { return q.journal.Len() }

func (q *Queue) Pending() ([]Operation, error) { return q.journal.All() }

// OnFailed registers a callback for operations that were given up on.
func (q *Queue) OnFailed(fn func(Failure)) func() { return q.failed.Add(fn) }

// OnApplied registers a callback for operations replayed successfully.
func (q *Queue) OnApplied(fn func(Operation)) func() { return q.applied.Add(fn) }

// Drain replays queued operations one at a time, front first. A failing
// operation stays at the front and is retried until it has been attempted
// maxAttempts times; non-retryable failures are given up on at once. Only
// one drain runs at a time; a concurrent call returns immediately and the
// running drain makes another pass once it is done.
func (q *Queue) Drain(ctx context.Context) (int, error) {
	q.again.Store(true)
	applied := 0
	for q.draining.CompareAndSwap(false, true) {
		q.again.Store(false)
		n, err := q.drain(ctx)
		applied += n
		q.draining.Store(false)
		if err != nil || !q.again.Load() {
			return applied, err
		}
	}
	return applied, nil
}

func (q *Queue) drain(ctx context.Context) (int, error) {
	log := observability.GetLogger(ctx)
	applied := 0
	for {
		if err := ctx.Err(); err != nil {
			return applied, err
		}
		if q.network != nil && !q.network.Online() {
			log.Info("offline: drain paused, network offline", zap.Int("remaining", q.journal.Len()))
			return applied, nil
		}

		op, ok, err := q.journal.Front()
		if err != nil {
			return applied, err
		}
		if !ok {
			return applied, nil
		}

		err = q.exec(ctx, op)
		if err == nil {
			if err := q.journal.Remove(op.ID); err != nil {
				return applied, err
			}
			applied++
			q.record(op, "applied")
			q.applied.Emit(op)
			continue
		}

		op.RetryCount++
		if domain.IsRetryable(err) && op.RetryCount < q.maxAttempts {
			log.Warn("offline: replay failed, retrying",
				zap.String("op_id", op.ID), zap.Int("attempt", op.RetryCount), zap.Error(err))
			if err := q.journal.Put(op); err != nil {
				return applied, err
			}
			q.record(op, "retried")
			continue
		}

		log.Error("offline: giving up on operation",
			zap.String("op_id", op.ID), zap.String("kind", string(op.Kind)),
			zap.String("conversation_id", op.ConversationID),
			zap.Int("attempts", op.RetryCount), zap.Error(err))
		if err := q.journal.Remove(op.ID); err != nil {
			return applied, err
		}
		q.record(op, "failed")
		q.failed.Emit(Failure{Op: op, Err: err})
	}
}

func (q *Queue) record(op Operation, outcome string) {
	observability.OfflineQueueDepth.Set(float64(q.journal.Len()))
	observability.OfflineOpsTotal.WithLabelValues(string(op.Kind), outcome).Inc()
}

// Watch drains in the background every time s turns online, and once
// immediately if it already is.
func (q *Queue) Watch(s netstatus.Signal) {
	q.watchMu.Lock()
	defer q.watchMu.Unlock()
	if q.unwatch != nil || q.closed {
		return
	}
	q.unwatch = s.Subscribe(func(online bool) {
		if online {
			q.drainAsync(q.ctx)
		}
	})
	if s.Online() {
		q.drainAsync(q.ctx)
	}
}

// Schedule drains in the background after delay; zero drains now. While a
// delayed drain is pending further delayed requests are folded into it.
func (q *Queue) Schedule(delay time.Duration) {
	q.watchMu.Lock()
	defer q.watchMu.Unlock()
	if q.closed {
		return
	}
	if delay <= 0 {
		q.drainAsync(q.ctx)
		return
	}
	if q.timer != nil {
		return
	}
	q.timer = q.clock.AfterFunc(delay, func() {
		q.watchMu.Lock()
		q.timer = nil
		closed := q.closed
		if !closed {
			q.drainAsync(q.ctx)
		}
		q.watchMu.Unlock()
	})
}

func (q *Queue) drainAsync(ctx context.Context) {
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		if _, err := q.Drain(ctx); err != nil && ctx.Err() == nil {
			observability.GetLogger(ctx).Error("offline: drain failed", zap.Error(err))
		}
	}()
}

// Close stops watching, waits up to timeout for a running drain and
// closes the journal.
func (q *Queue) Close(timeout time.Duration) error {
	q.watchMu.Lock()
	q.closed = true
	if q.unwatch != nil {
		q.unwatch()
		q.unwatch = nil
	}
	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
	}
	q.cancel()
	q.watchMu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
	}
	return q.journal.Close()
}
