package cost

import (
	"github.com/atmosphere-mesh/atmosphere/internal/meshmodel"
)

// InferenceLoad marks whether the candidate capability is GPU-bound
// inference work, which doubles the weight of GPU load in the score.
type InferenceLoad bool

const (
	NotInference InferenceLoad = false
	Inference    InferenceLoad = true
)

// Score computes the multiplicative cost score for a node from its most
// recent CostFactors reading (spec §4.3). The result is bounded to
// [1.0, 100.0]. Every factor left nil (unknown) contributes a neutral 1.0
// multiplier rather than being guessed at.
func Score(f meshmodel.CostFactors, inference InferenceLoad) float64 {
	score := 1.0

	if f.OnBattery != nil && *f.OnBattery {
		score *= 1.5
		if f.BatteryPercent != nil && *f.BatteryPercent < 20 {
			score *= 2
		}
	}

	if f.CPULoad != nil {
		score *= 1 + *f.CPULoad
	}

	if f.GPULoad != nil {
		if inference {
			score *= 1 + 2*(*f.GPULoad)
		} else {
			// GPU load still costs non-inference work a single weight (vs.
			// double for inference): a busy GPU slows everything sharing the
			// node's memory bus and scheduler, not just GPU-bound work.
			score *= 1 + *f.GPULoad
		}
	}

	if f.MemoryPressure != nil {
		score *= 1 + *f.MemoryPressure
	}

	if f.ThermalThrottled != nil && *f.ThermalThrottled {
		score *= 1.5
	}

	if f.IsMetered != nil && *f.IsMetered {
		score *= 3
	}

	if f.QueueDepth > 10 {
		// One 1.2x step per additional 10 items past the first 10 queued,
		// rounding up so crossing a multiple of 10 by even one item counts.
		steps := (f.QueueDepth - 10 + 9) / 10
		for i := 0; i < steps; i++ {
			score *= 1.2
		}
	}

	if score < 1.0 {
		score = 1.0
	}
	if score > 100.0 {
		score = 100.0
	}
	return score
}
