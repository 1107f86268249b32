// Package audit writes structured audit events for security-relevant
// decisions, appended as JSON lines to audit.log when
// telemetry.audit.enabled is set (spec §6). Adapted from the teacher's
// pkg/p2pnet/audit.go: its peer-auth/service-ACL event set is
// generalized to the mesh's own decision points (join, capability
// exposure, rate limiting, owner policy changes), keeping the
// nil-receiver-is-a-no-op discipline so callers never need a nil check.
package audit

import (
	"fmt"
	"io"
	"log/slog"
	"os"
)

// Logger writes audit events under the "audit" slog group. A nil
// *Logger is a valid, silent receiver, so a node with audit logging
// disabled can pass one around without special-casing every call site.
type Logger struct {
	logger *slog.Logger
}

// New wraps handler in a Logger. Exported mainly for tests; production
// code should use Open.
func New(handler slog.Handler) *Logger {
	return &Logger{logger: slog.New(handler).WithGroup("audit")}
}

// Open appends JSON-line audit events to path (created at 0600 if
// absent). The returned io.Closer must be closed on shutdown; it is
// safe to ignore when path could not be opened and err is non-nil.
func Open(path string) (*Logger, io.Closer, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, nil, fmt.Errorf("audit: open %s: %w", path, err)
	}
	return New(slog.NewJSONHandler(f, nil)), f, nil
}

// Decision logs a Gate decision and matches approval.DecisionFunc's
// signature exactly, so a *Logger can be passed straight to
// Gate.SetDecisionCallback.
func (a *Logger) Decision(nodeID, check, verdict string) {
	if a == nil {
		return
	}
	a.logger.Info("approval_decision",
		"node_id", nodeID,
		"check", check,
		"verdict", verdict,
	)
}

// JoinAttempt logs a transport-level join handshake outcome, ahead of
// and independent from any Approval Gate check (e.g. a bad token
// signature never reaches Gate.AllowJoin at all).
func (a *Logger) JoinAttempt(nodeID, meshID, result string) {
	if a == nil {
		return
	}
	a.logger.Info("join_attempt",
		"node_id", nodeID,
		"mesh_id", meshID,
		"result", result,
	)
}

// PolicyChange logs an owner-driven change to mesh membership or
// capability policy (`atmosphere approval update`, `atmosphere mesh revoke`, ...).
func (a *Logger) PolicyChange(action, nodeID string) {
	if a == nil {
		return
	}
	a.logger.Info("policy_change",
		"action", action,
		"node_id", nodeID,
	)
}

// RouteDecision logs which peer (if any) a Route call selected for an
// intent, for after-the-fact audit of where capability invocations were
// sent.
func (a *Logger) RouteDecision(intent, capID, chosenNodeID string) {
	if a == nil {
		return
	}
	a.logger.Info("route_decision",
		"intent", intent,
		"cap_id", capID,
		"node_id", chosenNodeID,
	)
}

// DaemonAPIAccess logs an API request to the local daemon, carried over
// from the teacher's audit event of the same name.
func (a *Logger) DaemonAPIAccess(method, path string, status int) {
	if a == nil {
		return
	}
	a.logger.Info("daemon_api_access",
		"method", method,
		"path", path,
		"status", status,
	)
}
