package netstatus

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/tripchat/realtime/internal/observability"
	"go.uber.org/zap"
)

// Prober drives a Monitor from periodic health checks against url.
type Prober struct {
	monitor   *Monitor
	client    *http.Client
	url       string
	interval  time.Duration
	threshold int

	mu       sync.Mutex
	failures int
}

func NewProber(m *Monitor, url string, interval time.Duration, threshold int) *Prober {
	if threshold < 1 {
		threshold = 1
	}
	return &Prober{
		monitor:   m,
		client:    &http.Client{Timeout: interval},
		url:       url,
		interval:  interval,
		threshold: threshold,
	}
}

func (p *Prober) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		p.Probe(ctx)
		for {
			select {
			case <-ticker.C:
				p.Probe(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Probe runs one check. The monitor flips offline only after threshold
// consecutive failures and back online on the first success. Safe for
// concurrent use.
func (p *Prober) Probe(ctx context.Context) {
	err := p.check(ctx)

	p.mu.Lock()
	defer p.mu.Unlock()
	if err == nil {
		p.failures = 0
		p.monitor.Set(true)
		return
	}

	p.failures++
	observability.GetLogger(ctx).Debug("netstatus: probe failed",
		zap.String("url", p.url), zap.Int("failures", p.failures), zap.Error(err))
	if p.failures >= p.threshold {
		p.monitor.Set(false)
	}
}

func (p *Prober) check(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("probe: unhealthy status %d", resp.StatusCode)
	}
	return nil
}
