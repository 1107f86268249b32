//go:build !linux && !darwin

package cost

import (
	"context"

	"github.com/atmosphere-mesh/atmosphere/internal/meshmodel"
)

// OtherSampler is used on platforms without a platform-specific reader
// (e.g. Windows, BSDs not yet wired up). Every factor is reported
// unknown; the cost formula treats that as neutral rather than penalizing
// or favoring these nodes incorrectly.
type OtherSampler struct{}

func NewOtherSampler() *OtherSampler { return &OtherSampler{} }

func (s *OtherSampler) Sample(ctx context.Context) meshmodel.CostFactors {
	return meshmodel.CostFactors{
		LowConfidence: []string{
			"on_battery", "battery_percent", "cpu_load", "gpu_load",
			"memory_pressure", "thermal_throttled", "bandwidth_mbps", "is_metered",
		},
	}
}
