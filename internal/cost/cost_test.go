package cost

import (
	"context"
	"testing"
	"time"

	"github.com/atmosphere-mesh/atmosphere/internal/meshmodel"
)

type fakeSampler struct {
	factors meshmodel.CostFactors
}

func (f *fakeSampler) Sample(ctx context.Context) meshmodel.CostFactors {
	return f.factors
}

func TestCollectorSampleOnStart(t *testing.T) {
	onBattery := true
	s := &fakeSampler{factors: meshmodel.CostFactors{OnBattery: &onBattery}}
	c := NewCollector(s, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Start(ctx)
	defer c.Stop()

	current := c.Current()
	if current.OnBattery == nil || !*current.OnBattery {
		t.Fatal("expected immediate sample on Start")
	}
}

func TestCollectorSetQueueDepth(t *testing.T) {
	s := &fakeSampler{}
	c := NewCollector(s, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Start(ctx)
	defer c.Stop()

	c.SetQueueDepth(42)
	if c.Current().QueueDepth != 42 {
		t.Fatalf("queue depth = %d, want 42", c.Current().QueueDepth)
	}
}

func TestCollectorIsStale(t *testing.T) {
	s := &fakeSampler{}
	c := NewCollector(s, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Start(ctx)
	defer c.Stop()

	if c.IsStale(time.Now()) {
		t.Fatal("freshly sampled reading should not be stale")
	}
	if !c.IsStale(time.Now().Add(2 * time.Minute)) {
		t.Fatal("reading from 2 minutes ago should be stale")
	}
}

func TestCollectorStopIsIdempotent(t *testing.T) {
	s := &fakeSampler{}
	c := NewCollector(s, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Start(ctx)
	c.Stop()
	c.Stop() // must not panic or deadlock
}
