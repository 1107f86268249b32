package daemon

import (
	"encoding/json"

	"github.com/atmosphere-mesh/atmosphere/internal/approval"
	"github.com/atmosphere-mesh/atmosphere/internal/meshmodel"
	"github.com/atmosphere-mesh/atmosphere/internal/router"
)

// HealthResponse is returned by GET /api/health.
type HealthResponse struct {
	OK      bool   `json:"ok"`
	Version string `json:"version"`
	Uptime  int    `json:"uptime_seconds"`
}

// MeshStatusResponse is returned by GET /api/mesh/status.
type MeshStatusResponse struct {
	NodeID         string           `json:"node_id"`
	MeshID         string           `json:"mesh_id"`
	MeshName       string           `json:"mesh_name"`
	Role           meshmodel.Role   `json:"role"`
	Endpoints      meshmodel.Endpoint `json:"endpoints"`
	PeerCount      int              `json:"peer_count"`
	CapabilityCount int             `json:"capability_count"`
	UptimeSeconds  int              `json:"uptime_seconds"`
}

// MeshTokenRequest is the body for POST /api/mesh/token.
type MeshTokenRequest struct {
	TTLSeconds  int      `json:"ttl_seconds,omitempty"` // default 24h
	Grants      []string `json:"grants,omitempty"`      // route_hint globs; empty = unrestricted
	EnrollOnly  bool     `json:"enroll_only,omitempty"`
}

// MeshTokenResponse is returned by POST /api/mesh/token. It carries the
// wire shape of a join token (spec §6) plus a QR-encodable URI.
type MeshTokenResponse struct {
	TokenID      string             `json:"token_id"`
	MeshID       string             `json:"mesh_id"`
	MeshName     string             `json:"mesh_name"`
	IssuerNodeID string             `json:"issuer_node_id"`
	Grants       []string           `json:"grants,omitempty"`
	IssuedAt     int64              `json:"issued_at"`
	ExpiresAt    int64              `json:"expires_at"`
	Endpoints    meshmodel.Endpoint `json:"endpoints"`
	SignatureB64 string             `json:"signature_b64"`
	QRURI        string             `json:"qr_uri"`
}

// MeshJoinRequest is the body for POST /api/mesh/join.
type MeshJoinRequest struct {
	TokenB64     string   `json:"token_b64"`
	ProposedCaps []string `json:"proposed_caps,omitempty"`
}

// MeshJoinResponse is returned by POST /api/mesh/join.
type MeshJoinResponse struct {
	MeshID       string `json:"mesh_id"`
	PeerNodeID   string `json:"peer_node_id"`
	SessionID    string `json:"session_id"`
	AcceptedCaps []string `json:"accepted_caps,omitempty"`
}

// TokenRevokeRequest is the body for POST /api/mesh/revoke.
type TokenRevokeRequest struct {
	Fingerprint string `json:"fingerprint"`
	Reason      string `json:"reason,omitempty"`
}

// PeerSummary is one entry in GET /api/mesh/peers.
type PeerSummary struct {
	NodeID    string `json:"node_id"`
	PathType  string `json:"path_type"`
	RemoteAddr string `json:"remote_addr,omitempty"`
	SessionID string `json:"session_id"`
}

// PeerListResponse is returned by GET /api/mesh/peers.
type PeerListResponse struct {
	Peers []PeerSummary `json:"peers"`
}

// TopologyNode is one node in GET /api/mesh/topology.
type TopologyNode struct {
	NodeID          string `json:"node_id"`
	CapabilityCount int    `json:"capability_count"`
}

// TopologyLink is one observed connection in GET /api/mesh/topology.
type TopologyLink struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// TopologyResponse is returned by GET /api/mesh/topology.
type TopologyResponse struct {
	Nodes []TopologyNode `json:"nodes"`
	Links []TopologyLink `json:"links"`
}

// CapabilityListResponse is returned by GET /api/capabilities.
type CapabilityListResponse struct {
	Capabilities []*meshmodel.Capability `json:"capabilities"`
}

// RouteRequest is the body for POST /api/route.
type RouteRequest struct {
	ExplicitPath string                   `json:"explicit_path,omitempty"`
	Type         meshmodel.CapabilityType `json:"type,omitempty"`
	Text         string                   `json:"text,omitempty"`
	Inference    bool                     `json:"inference,omitempty"`
}

// RouteResponse is returned by POST /api/route.
type RouteResponse struct {
	ChosenCapID  string               `json:"chosen_cap_id"`
	Score        float64              `json:"score"`
	Reasoning    string               `json:"reasoning"`
	Alternatives []router.Alternative `json:"alternatives,omitempty"`
}

// ExecuteRequest is the body for POST /api/execute.
type ExecuteRequest struct {
	CapID        string          `json:"cap_id"`
	Tool         string          `json:"tool"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	DeadlineMs   int             `json:"deadline_ms,omitempty"`
}

// ExecuteResponse is returned by POST /api/execute.
type ExecuteResponse struct {
	RequestID string          `json:"request_id"`
	Output    json.RawMessage `json:"output,omitempty"`
	Failure   string          `json:"failure,omitempty"`
	ErrMsg    string          `json:"error,omitempty"`
}

// CostResponse is returned by GET /api/cost/current.
type CostResponse struct {
	meshmodel.CostFactors
	Score float64 `json:"score"`
}

// ApprovalConfigResponse is returned by GET /api/approval/config.
type ApprovalConfigResponse struct {
	Config approval.Config `json:"config"`
}

// ApprovalConfigUpdateRequest is the body for POST /api/approval/config.
type ApprovalConfigUpdateRequest struct {
	Config approval.Config `json:"config"`
}

// MLAnomalyRequest is the body for POST /v1/ml/anomaly.
type MLAnomalyRequest struct {
	Series []float64 `json:"series"`
}

// MLAnomalyResponse is returned by POST /v1/ml/anomaly.
type MLAnomalyResponse struct {
	Anomalies []int   `json:"anomalies"` // indices
	Score     float64 `json:"score"`
	NodeID    string  `json:"node_id"`
}

// MLClassifyRequest is the body for POST /v1/ml/classify.
type MLClassifyRequest struct {
	Input json.RawMessage `json:"input"`
}

// MLClassifyResponse is returned by POST /v1/ml/classify.
type MLClassifyResponse struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
	NodeID     string  `json:"node_id"`
}

// ErrorResponse is returned on failure, wrapping meshmodel's error
// taxonomy kind alongside a human-readable message.
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

// DataResponse wraps a successful response body.
type DataResponse struct {
	Data any `json:"data"`
}
