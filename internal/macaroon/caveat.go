package macaroon

import (
	"fmt"
	"path"
	"strconv"
	"strings"
	"time"
)

// pathMatch reports whether hint matches the glob pattern, using the same
// path.Match semantics the capability registry uses for route hint lookup.
func pathMatch(pattern, hint string) (bool, error) {
	return path.Match(pattern, hint)
}

// Known caveat keys for the capabilities_granted scope of an Atmosphere
// token.
const (
	CaveatCapType    = "cap_type"    // comma-separated allowed CapabilityType values
	CaveatMeshID     = "mesh_id"     // mesh this grant is valid within
	CaveatAction     = "action"      // comma-separated: route, execute, admin
	CaveatMaxInvokes = "max_invokes" // max remote invocations this token can authorize
	CaveatDelegate   = "delegate"    // "true" or "false"
	CaveatExpires    = "expires"     // RFC3339 timestamp
	CaveatRouteHint  = "route_hint"  // glob restricting which route hints this grant covers
)

// ParseCaveat splits a "key=value" caveat string into its components.
func ParseCaveat(s string) (key, value string, err error) {
	k, v, ok := strings.Cut(s, "=")
	if !ok {
		return "", "", fmt.Errorf("invalid caveat format (expected key=value): %q", s)
	}
	key = strings.TrimSpace(k)
	value = strings.TrimSpace(v)
	if key == "" {
		return "", "", fmt.Errorf("empty caveat key in: %q", s)
	}
	return key, value, nil
}

// DefaultVerifier builds a CaveatVerifier that checks all known caveat types
// against the provided context. Unknown caveats are rejected (fail-closed).
func DefaultVerifier(ctx VerifyContext) CaveatVerifier {
	return func(caveat string) error {
		key, value, err := ParseCaveat(caveat)
		if err != nil {
			return err
		}

		switch key {
		case CaveatCapType:
			if ctx.CapType == "" {
				return nil // no capability context, skip check
			}
			allowed := strings.Split(value, ",")
			for _, c := range allowed {
				if strings.TrimSpace(c) == ctx.CapType {
					return nil
				}
			}
			return fmt.Errorf("capability type %q not in allowed list %q", ctx.CapType, value)

		case CaveatMeshID:
			if ctx.MeshID == "" {
				return nil
			}
			if value != ctx.MeshID {
				return fmt.Errorf("mesh %q does not match required %q", ctx.MeshID, value)
			}
			return nil

		case CaveatAction:
			if ctx.Action == "" {
				return nil
			}
			allowed := strings.Split(value, ",")
			for _, a := range allowed {
				if strings.TrimSpace(a) == ctx.Action {
					return nil
				}
			}
			return fmt.Errorf("action %q not in allowed list %q", ctx.Action, value)

		case CaveatMaxInvokes:
			max, err := strconv.Atoi(value)
			if err != nil {
				return fmt.Errorf("invalid max_invokes value: %q", value)
			}
			if ctx.InvokesUsed >= max {
				return fmt.Errorf("max_invokes %d reached (used: %d)", max, ctx.InvokesUsed)
			}
			return nil

		case CaveatDelegate:
			if value == "false" && ctx.IsDelegation {
				return fmt.Errorf("delegation not allowed")
			}
			return nil

		case CaveatExpires:
			t, err := time.Parse(time.RFC3339, value)
			if err != nil {
				return fmt.Errorf("invalid expires timestamp: %q", value)
			}
			if ctx.Now.After(t) {
				return fmt.Errorf("token expired at %s", value)
			}
			return nil

		case CaveatRouteHint:
			if ctx.RouteHint == "" {
				return nil
			}
			ok, err := pathMatch(value, ctx.RouteHint)
			if err != nil {
				return fmt.Errorf("invalid route_hint pattern %q: %w", value, err)
			}
			if !ok {
				return fmt.Errorf("route hint %q does not match pattern %q", ctx.RouteHint, value)
			}
			return nil

		default:
			return fmt.Errorf("unknown caveat key: %q", key)
		}
	}
}

// VerifyContext provides the runtime context for caveat verification.
type VerifyContext struct {
	CapType      string    // capability type being invoked
	MeshID       string    // current mesh
	Action       string    // current action being performed
	InvokesUsed  int       // number of remote invocations already authorized by this token
	IsDelegation bool       // true if this verification is for a delegation attempt
	Now          time.Time // current time (for expiry checks)
	RouteHint    string    // route hint of the capability being invoked
}
