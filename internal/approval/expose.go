package approval

import (
	"path"
	"strings"

	"github.com/atmosphere-mesh/atmosphere/internal/meshmodel"
	"github.com/atmosphere-mesh/atmosphere/internal/router"
)

// CanExpose decides whether a local capability may be announced to the
// mesh at all (spec §4.8: "only capabilities the owner has explicitly
// exposed ... are advertised"). mesh.Node.RegisterCapability calls it
// before emitting capability_available, and Allowed calls it for every
// routing candidate.
func (g *Gate) CanExpose(cap *meshmodel.Capability) bool {
	g.mu.RLock()
	cfg := g.cfg
	g.mu.RUnlock()

	switch {
	case strings.HasPrefix(string(cap.Type), "sensor/"):
		allowed := sensorAllowed(cfg.Sensors, cap.Type)
		g.notify(cap.NodeID, "expose_sensor", verdictString(allowed))
		return allowed

	case strings.HasPrefix(string(cap.Type), "llm/"):
		allowed := anyModelFamilyMatch(cfg.ModelFamilies, cap.Metadata.Models)
		g.notify(cap.NodeID, "expose_model_family", verdictString(allowed))
		return allowed

	case isHardwareBound(cap.Type):
		allowed := cfg.Hardware.GPUEnabled || cfg.Hardware.CPUEnabled
		g.notify(cap.NodeID, "expose_hardware", verdictString(allowed))
		return allowed

	default:
		return true
	}
}

func verdictString(allowed bool) string {
	if allowed {
		return "allow"
	}
	return "deny"
}

func sensorAllowed(s SensorExposure, t meshmodel.CapabilityType) bool {
	switch t {
	case meshmodel.TypeSensorCamera:
		return s.Camera
	case meshmodel.TypeSensorMic:
		return s.Microphone
	default:
		// Unknown sensor subtype (e.g. a future screen-capture type):
		// closed by default, same as every other sensor.
		return false
	}
}

func isHardwareBound(t meshmodel.CapabilityType) bool {
	switch t {
	case meshmodel.TypeVisionClassify, meshmodel.TypeVisionDetect, meshmodel.TypeMLAnomaly, meshmodel.TypeMLClassify:
		return true
	default:
		return false
	}
}

// anyModelFamilyMatch reports whether any of a capability's declared
// models matches any configured glob. An empty ModelFamilies list (the
// default) matches nothing, matching the spec's "nothing until approved"
// stance for llm/* capabilities.
func anyModelFamilyMatch(globs []string, models []string) bool {
	if len(globs) == 0 {
		return false
	}
	for _, model := range models {
		for _, g := range globs {
			if ok, err := path.Match(g, model); err == nil && ok {
				return true
			}
		}
	}
	return false
}

// MaxConcurrentJobs returns the owner's configured concurrency ceiling
// for hardware-bound capabilities, falling back to DefaultMaxConcurrentJobs.
func (g *Gate) MaxConcurrentJobs() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.cfg.Hardware.MaxConcurrent > 0 {
		return g.cfg.Hardware.MaxConcurrent
	}
	return DefaultMaxConcurrentJobs
}

// Allowed implements router.ApprovalChecker: a candidate capability is
// considered for routing only if its owner's policy still exposes it
// and, for remote candidates, the owning mesh peer hasn't been revoked.
func (g *Gate) Allowed(cap *meshmodel.Capability, intent router.Intent) bool {
	if !g.CanExpose(cap) {
		return false
	}
	g.mu.RLock()
	denied := g.deny[cap.NodeID]
	g.mu.RUnlock()
	return !denied
}

var _ router.ApprovalChecker = (*Gate)(nil)
