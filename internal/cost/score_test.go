package cost

import (
	"math"
	"testing"

	"github.com/atmosphere-mesh/atmosphere/internal/meshmodel"
)

func ptr[T any](v T) *T { return &v }

func TestScoreAllUnknownIsNeutral(t *testing.T) {
	got := Score(meshmodel.CostFactors{}, NotInference)
	if got != 1.0 {
		t.Fatalf("Score with all-unknown factors = %v, want 1.0", got)
	}
}

func TestScoreOnBatteryLowCharge(t *testing.T) {
	f := meshmodel.CostFactors{
		OnBattery:      ptr(true),
		BatteryPercent: ptr(15.0),
	}
	got := Score(f, NotInference)
	want := 1.0 * 1.5 * 2
	if math.Abs(got-want) > 1e-9 {
		t.Fatalf("Score = %v, want %v", got, want)
	}
}

func TestScoreOnBatteryHighCharge(t *testing.T) {
	f := meshmodel.CostFactors{
		OnBattery:      ptr(true),
		BatteryPercent: ptr(80.0),
	}
	got := Score(f, NotInference)
	want := 1.5
	if math.Abs(got-want) > 1e-9 {
		t.Fatalf("Score = %v, want %v", got, want)
	}
}

func TestScoreGPULoadDoubledForInference(t *testing.T) {
	f := meshmodel.CostFactors{GPULoad: ptr(0.5)}
	normal := Score(f, NotInference)
	inference := Score(f, Inference)
	if math.Abs(normal-1.5) > 1e-9 {
		t.Fatalf("normal GPU score = %v, want 1.5", normal)
	}
	if math.Abs(inference-2.0) > 1e-9 {
		t.Fatalf("inference GPU score = %v, want 2.0", inference)
	}
}

func TestScoreMeteredNetwork(t *testing.T) {
	f := meshmodel.CostFactors{IsMetered: ptr(true)}
	got := Score(f, NotInference)
	if math.Abs(got-3.0) > 1e-9 {
		t.Fatalf("Score = %v, want 3.0", got)
	}
}

func TestScoreQueueDepthSteps(t *testing.T) {
	tests := []struct {
		depth int
		want  float64
	}{
		{0, 1.0},
		{10, 1.0},
		{11, 1.2},
		{20, 1.2},
		{21, 1.2 * 1.2},
	}
	for _, tt := range tests {
		got := Score(meshmodel.CostFactors{QueueDepth: tt.depth}, NotInference)
		if math.Abs(got-tt.want) > 1e-9 {
			t.Errorf("Score(queue_depth=%d) = %v, want %v", tt.depth, got, tt.want)
		}
	}
}

func TestScoreBoundedAtCeiling(t *testing.T) {
	f := meshmodel.CostFactors{
		OnBattery:        ptr(true),
		BatteryPercent:   ptr(5.0),
		CPULoad:          ptr(10.0),
		GPULoad:          ptr(10.0),
		MemoryPressure:   ptr(10.0),
		ThermalThrottled: ptr(true),
		IsMetered:        ptr(true),
		QueueDepth:       1000,
	}
	got := Score(f, Inference)
	if got > 100.0 {
		t.Fatalf("Score = %v, must be bounded at 100.0", got)
	}
}

func TestScoreFloorAtOne(t *testing.T) {
	got := Score(meshmodel.CostFactors{CPULoad: ptr(0.0)}, NotInference)
	if got < 1.0 {
		t.Fatalf("Score = %v, must be bounded at floor 1.0", got)
	}
}
