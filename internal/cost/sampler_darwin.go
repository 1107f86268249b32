//go:build darwin

package cost

import (
	"context"
	"os/exec"
	"runtime"
	"strconv"
	"strings"

	"github.com/atmosphere-mesh/atmosphere/internal/meshmodel"
)

// DarwinSampler shells out to pmset and sysctl, the same tools Activity
// Monitor and macOS's own power daemon read from; there is no stable
// public syscall surface for these signals on macOS.
type DarwinSampler struct{}

func NewDarwinSampler() *DarwinSampler { return &DarwinSampler{} }

func (s *DarwinSampler) Sample(ctx context.Context) meshmodel.CostFactors {
	var f meshmodel.CostFactors
	var unknown []string

	if onBattery, percent, ok := readPmsetBattery(ctx); ok {
		f.OnBattery = &onBattery
		f.BatteryPercent = &percent
	} else {
		unknown = append(unknown, "on_battery", "battery_percent")
	}

	if load, ok := readSysctlLoadAvg(ctx); ok {
		normalized := load / float64(runtime.NumCPU())
		f.CPULoad = &normalized
	} else {
		unknown = append(unknown, "cpu_load")
	}

	unknown = append(unknown, "gpu_load", "memory_pressure", "thermal_throttled", "bandwidth_mbps", "is_metered")
	f.LowConfidence = unknown
	return f
}

func readPmsetBattery(ctx context.Context) (onBattery bool, percent float64, ok bool) {
	out, err := exec.CommandContext(ctx, "pmset", "-g", "batt").Output()
	if err != nil {
		return false, 0, false
	}
	text := string(out)
	onBattery = strings.Contains(text, "Battery Power")
	idx := strings.Index(text, "%")
	if idx <= 0 {
		return onBattery, 0, strings.Contains(text, "InternalBattery")
	}
	start := idx
	for start > 0 && text[start-1] >= '0' && text[start-1] <= '9' {
		start--
	}
	val, perr := strconv.Atoi(text[start:idx])
	if perr != nil {
		return onBattery, 0, strings.Contains(text, "InternalBattery")
	}
	return onBattery, float64(val), true
}

func readSysctlLoadAvg(ctx context.Context) (float64, bool) {
	out, err := exec.CommandContext(ctx, "sysctl", "-n", "vm.loadavg").Output()
	if err != nil {
		return 0, false
	}
	fields := strings.Fields(strings.Trim(strings.TrimSpace(string(out)), "{}"))
	if len(fields) < 1 {
		return 0, false
	}
	load, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0, false
	}
	return load, true
}
