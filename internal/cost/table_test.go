package cost

import (
	"context"
	"testing"
	"time"

	"github.com/atmosphere-mesh/atmosphere/internal/meshmodel"
)

func TestTableCostForLocal(t *testing.T) {
	onBattery := true
	s := &fakeSampler{factors: meshmodel.CostFactors{OnBattery: &onBattery}}
	c := NewCollector(s, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Start(ctx)
	defer c.Stop()

	table := NewTable("node-a", c)
	factors, ok := table.CostFor("node-a")
	if !ok {
		t.Fatal("expected local node to have a reading")
	}
	if factors.OnBattery == nil || !*factors.OnBattery {
		t.Fatal("expected local reading to reflect the collector's current sample")
	}
}

func TestTableCostForRemoteUnknown(t *testing.T) {
	table := NewTable("node-a", nil)
	if _, ok := table.CostFor("node-b"); ok {
		t.Fatal("expected no reading for a node that was never updated")
	}
}

func TestTableUpdateThenCostFor(t *testing.T) {
	table := NewTable("node-a", nil)
	metered := true
	table.Update("node-b", meshmodel.CostFactors{IsMetered: &metered})

	factors, ok := table.CostFor("node-b")
	if !ok {
		t.Fatal("expected a reading after Update")
	}
	if factors.IsMetered == nil || !*factors.IsMetered {
		t.Fatal("expected the updated factors to be returned")
	}
}

func TestTableUpdateIgnoresLocalNode(t *testing.T) {
	table := NewTable("node-a", nil)
	metered := true
	table.Update("node-a", meshmodel.CostFactors{IsMetered: &metered})
	if _, ok := table.CostFor("node-a"); ok {
		t.Fatal("Update for the local node_id must be a no-op; local readings come from the Collector")
	}
}

func TestTableUpdateDropsStaleReading(t *testing.T) {
	table := NewTable("node-a", nil)
	now := time.Now()

	fresh := true
	table.Update("node-b", meshmodel.CostFactors{IsMetered: &fresh, Timestamp: now})

	stale := false
	table.Update("node-b", meshmodel.CostFactors{IsMetered: &stale, Timestamp: now.Add(-time.Minute)})

	factors, ok := table.CostFor("node-b")
	if !ok {
		t.Fatal("expected a reading after Update")
	}
	if factors.IsMetered == nil || !*factors.IsMetered {
		t.Fatal("a cost_update older than the stored reading must be dropped, not applied")
	}
}

func TestTableUpdateAppliesNewerReading(t *testing.T) {
	table := NewTable("node-a", nil)
	now := time.Now()

	first := false
	table.Update("node-b", meshmodel.CostFactors{IsMetered: &first, Timestamp: now})

	second := true
	table.Update("node-b", meshmodel.CostFactors{IsMetered: &second, Timestamp: now.Add(time.Minute)})

	factors, ok := table.CostFor("node-b")
	if !ok {
		t.Fatal("expected a reading after Update")
	}
	if factors.IsMetered == nil || !*factors.IsMetered {
		t.Fatal("a cost_update newer than the stored reading must replace it")
	}
}

func TestTablePrune(t *testing.T) {
	table := NewTable("node-a", nil)
	table.Update("node-b", meshmodel.CostFactors{})

	removed := table.Prune(time.Now().Add(time.Hour), time.Minute)
	if removed != 1 {
		t.Fatalf("Prune removed %d entries, want 1", removed)
	}
	if _, ok := table.CostFor("node-b"); ok {
		t.Fatal("pruned entry should no longer be present")
	}
}
