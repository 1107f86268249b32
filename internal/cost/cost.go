// Package cost implements the Cost Collector and the cost-score formula
// the Router uses to prefer cheap, healthy nodes over loaded or
// battery-constrained ones (spec §4.3).
package cost

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/atmosphere-mesh/atmosphere/internal/meshmodel"
)

// Sampler reads the current platform signals. Implementations live in the
// platform-specific sampler_*.go files; any signal they cannot read with
// confidence is left nil (CostFactors's pointer fields) rather than
// fabricated, per the cost-formula invariant that "unknown" multiplies by
// a neutral 1.0.
type Sampler interface {
	Sample(ctx context.Context) meshmodel.CostFactors
}

// Collector periodically samples local cost factors and exposes the most
// recent reading plus a queue-depth counter the executor maintains
// directly (it is not a platform signal).
type Collector struct {
	mu         sync.RWMutex
	sampler    Sampler
	interval   time.Duration
	current    meshmodel.CostFactors
	queueDepth int

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewCollector creates a Collector around the given platform Sampler.
// interval defaults to 30s per spec §3 if zero is passed.
func NewCollector(sampler Sampler, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = meshmodel.DefaultSweepIntervalSeconds * time.Second
	}
	return &Collector{
		sampler:  sampler,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the periodic sampling loop. It returns immediately; call
// Stop (or cancel ctx) to end it.
func (c *Collector) Start(ctx context.Context) {
	c.sampleOnce(ctx)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stopCh:
				return
			case <-ticker.C:
				c.sampleOnce(ctx)
			}
		}
	}()
}

// Stop ends the sampling loop and waits for it to exit.
func (c *Collector) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

func (c *Collector) sampleOnce(ctx context.Context) {
	factors := c.sampler.Sample(ctx)
	factors.Timestamp = time.Now()

	c.mu.Lock()
	factors.QueueDepth = c.queueDepth
	c.current = factors
	c.mu.Unlock()

	if len(factors.LowConfidence) > 0 {
		slog.Debug("cost: some signals unavailable, treated as neutral", "factors", factors.LowConfidence)
	}
}

// SetQueueDepth records the executor's current outstanding-request count,
// folded into the next sample (and immediately into the cached reading so
// callers needn't wait for the next tick).
func (c *Collector) SetQueueDepth(depth int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queueDepth = depth
	c.current.QueueDepth = depth
}

// Current returns the most recent CostFactors reading.
func (c *Collector) Current() meshmodel.CostFactors {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current
}

// IsStale reports whether the most recent reading is older than the given
// threshold (spec default: 60s, or 30s when on_battery).
func (c *Collector) IsStale(now time.Time) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	threshold := meshmodel.DefaultCostStaleSeconds * time.Second
	if c.current.OnBattery != nil && *c.current.OnBattery {
		threshold = meshmodel.DefaultCostStaleSecondsPower * time.Second
	}
	return now.Sub(c.current.Timestamp) > threshold
}
