//go:build linux

package cost

import (
	"bufio"
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/atmosphere-mesh/atmosphere/internal/meshmodel"
)

const powerSupplyDir = "/sys/class/power_supply"

// LinuxSampler reads cost factors from /proc and /sys, the same sources
// Linux tooling (upower, lm-sensors) ultimately reads from.
type LinuxSampler struct {
	nproc int
}

// NewLinuxSampler creates a sampler that normalizes load average by the
// number of CPUs visible to this process.
func NewLinuxSampler(nproc int) *LinuxSampler {
	if nproc <= 0 {
		nproc = 1
	}
	return &LinuxSampler{nproc: nproc}
}

func (s *LinuxSampler) Sample(ctx context.Context) meshmodel.CostFactors {
	var f meshmodel.CostFactors
	var unknown []string

	if onBattery, percent, ok := readBattery(); ok {
		f.OnBattery = &onBattery
		f.BatteryPercent = &percent
	} else {
		unknown = append(unknown, "on_battery", "battery_percent")
	}

	if load, ok := readLoadAvg(); ok {
		normalized := load / float64(s.nproc)
		f.CPULoad = &normalized
	} else {
		unknown = append(unknown, "cpu_load")
	}

	if throttled, ok := readThermalThrottled(); ok {
		f.ThermalThrottled = &throttled
	} else {
		unknown = append(unknown, "thermal_throttled")
	}

	// GPU load, memory pressure proper (PSI), metered-network detection,
	// and bandwidth estimation require either vendor tooling (nvidia-smi)
	// or netlink/PSI parsing this sampler does not attempt; they are left
	// unknown rather than guessed.
	unknown = append(unknown, "gpu_load", "memory_pressure", "bandwidth_mbps", "is_metered")
	f.LowConfidence = unknown
	return f
}

func readBattery() (onBattery bool, percent float64, ok bool) {
	entries, err := os.ReadDir(powerSupplyDir)
	if err != nil {
		return false, 0, false
	}
	foundBattery := false
	acOnline := true
	for _, e := range entries {
		typ := readSysfsString(filepath.Join(powerSupplyDir, e.Name(), "type"))
		switch typ {
		case "Battery":
			foundBattery = true
			if cap, ok := readSysfsInt(filepath.Join(powerSupplyDir, e.Name(), "capacity")); ok {
				percent = float64(cap)
			}
		case "Mains", "USB":
			if online, ok := readSysfsInt(filepath.Join(powerSupplyDir, e.Name(), "online")); ok {
				acOnline = online != 0
			}
		}
	}
	if !foundBattery {
		return false, 0, false
	}
	return !acOnline, percent, true
}

func readSysfsString(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func readSysfsInt(path string) (int, bool) {
	s := readSysfsString(path)
	if s == "" {
		return 0, false
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, false
	}
	return n, true
}

func readLoadAvg() (float64, bool) {
	f, err := os.Open("/proc/loadavg")
	if err != nil {
		return 0, false
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		return 0, false
	}
	fields := strings.Fields(scanner.Text())
	if len(fields) < 1 {
		return 0, false
	}
	load, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0, false
	}
	return load, true
}

func readThermalThrottled() (bool, bool) {
	entries, err := os.ReadDir("/sys/class/thermal")
	if err != nil {
		return false, false
	}
	for _, e := range entries {
		if !strings.HasPrefix(e.Name(), "thermal_zone") {
			continue
		}
		mode := readSysfsString(filepath.Join("/sys/class/thermal", e.Name(), "mode"))
		if mode == "" {
			continue
		}
		temp, ok := readSysfsInt(filepath.Join("/sys/class/thermal", e.Name(), "temp"))
		trip, tripOK := readSysfsInt(filepath.Join("/sys/class/thermal", e.Name(), "trip_point_0_temp"))
		if ok && tripOK && trip > 0 && temp >= trip {
			return true, true
		}
	}
	return false, true
}
