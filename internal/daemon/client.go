package daemon

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/atmosphere-mesh/atmosphere/internal/meshmodel"
)

// Client talks to a running node's local API over plain TCP, the
// counterpart of the teacher's Unix-socket Client: DaemonConfig only
// carries a ListenAddress and a bearer token file, so there is no
// cookie-next-to-socket convention to mirror here.
type Client struct {
	httpClient *http.Client
	baseURL    string
	authToken  string
}

// NewClient builds a client bound to a daemon listening on address
// (host:port), authenticating with token (normally loaded via
// LoadBearerToken against the same bearer-token-file path the daemon
// itself reads).
func NewClient(address, token string) *Client {
	return &Client{
		baseURL:   "http://" + address,
		authToken: strings.TrimSpace(token),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

func (c *Client) do(ctx context.Context, method, path string, body any) ([]byte, int, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, 0, fmt.Errorf("daemon client: encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, 0, err
	}
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("daemon client: connect: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, err
	}
	return data, resp.StatusCode, nil
}

// doJSON sends a request and decodes the {"data": ...} envelope into
// target. Callers that hit an OpenAI-compatible endpoint should use do
// directly instead, since those responses aren't wrapped.
func (c *Client) doJSON(ctx context.Context, method, path string, body, target any) error {
	data, status, err := c.do(ctx, method, path, body)
	if err != nil {
		return err
	}

	if status >= 400 {
		var errResp ErrorResponse
		if json.Unmarshal(data, &errResp) == nil && errResp.Error != "" {
			return fmt.Errorf("daemon: %s", errResp.Error)
		}
		return fmt.Errorf("daemon: returned HTTP %d", status)
	}

	if target == nil {
		return nil
	}
	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return fmt.Errorf("daemon client: decode response: %w", err)
	}
	if err := json.Unmarshal(envelope.Data, target); err != nil {
		return fmt.Errorf("daemon client: decode response data: %w", err)
	}
	return nil
}

// Health checks daemon liveness.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	var resp HealthResponse
	if err := c.doJSON(ctx, http.MethodGet, "/api/health", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// MeshStatus reports this node's identity, role, and mesh membership.
func (c *Client) MeshStatus(ctx context.Context) (*MeshStatusResponse, error) {
	var resp MeshStatusResponse
	if err := c.doJSON(ctx, http.MethodGet, "/api/mesh/status", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// IssueToken mints a join token for a new peer, for `atmosphere mesh invite`.
func (c *Client) IssueToken(ctx context.Context, req MeshTokenRequest) (*MeshTokenResponse, error) {
	var resp MeshTokenResponse
	if err := c.doJSON(ctx, http.MethodPost, "/api/mesh/token", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Join drives this node into a mesh using a token obtained out of band,
// for `atmosphere mesh join`.
func (c *Client) Join(ctx context.Context, req MeshJoinRequest) (*MeshJoinResponse, error) {
	var resp MeshJoinResponse
	if err := c.doJSON(ctx, http.MethodPost, "/api/mesh/join", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Peers lists directly connected sessions, for `atmosphere mesh peers`.
func (c *Client) Peers(ctx context.Context) (*PeerListResponse, error) {
	var resp PeerListResponse
	if err := c.doJSON(ctx, http.MethodGet, "/api/mesh/peers", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Topology reports every node and link this node currently knows about,
// for `atmosphere mesh topology`.
func (c *Client) Topology(ctx context.Context) (*TopologyResponse, error) {
	var resp TopologyResponse
	if err := c.doJSON(ctx, http.MethodGet, "/api/mesh/topology", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Capabilities lists every capability visible in the local registry.
func (c *Client) Capabilities(ctx context.Context) (*CapabilityListResponse, error) {
	var resp CapabilityListResponse
	if err := c.doJSON(ctx, http.MethodGet, "/api/capabilities", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// RegisterCapability exposes a locally-hosted capability to the mesh, for
// `atmosphere capability register`.
func (c *Client) RegisterCapability(ctx context.Context, cap *meshmodel.Capability) error {
	return c.doJSON(ctx, http.MethodPost, "/api/capabilities", cap, nil)
}

// DeregisterCapability withdraws a locally-hosted capability, for
// `atmosphere capability remove`.
func (c *Client) DeregisterCapability(ctx context.Context, capID string) error {
	return c.doJSON(ctx, http.MethodDelete, "/api/capabilities/"+capID, nil, nil)
}

// RevokeToken revokes a previously issued join token by fingerprint, for
// `atmosphere mesh revoke`.
func (c *Client) RevokeToken(ctx context.Context, req TokenRevokeRequest) error {
	return c.doJSON(ctx, http.MethodPost, "/api/mesh/revoke", req, nil)
}

// Route previews the router's choice for an intent without executing it,
// for `atmosphere route`.
func (c *Client) Route(ctx context.Context, req RouteRequest) (*RouteResponse, error) {
	var resp RouteResponse
	if err := c.doJSON(ctx, http.MethodPost, "/api/route", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Execute invokes a specific capability directly, bypassing routing.
func (c *Client) Execute(ctx context.Context, req ExecuteRequest) (*ExecuteResponse, error) {
	var resp ExecuteResponse
	if err := c.doJSON(ctx, http.MethodPost, "/api/execute", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// CostCurrent reports this node's own current cost factors, for
// `atmosphere cost`.
func (c *Client) CostCurrent(ctx context.Context) (*CostResponse, error) {
	var resp CostResponse
	if err := c.doJSON(ctx, http.MethodGet, "/api/cost/current", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ApprovalConfig fetches the policy currently in effect, for
// `atmosphere approval show`.
func (c *Client) ApprovalConfig(ctx context.Context) (*ApprovalConfigResponse, error) {
	var resp ApprovalConfigResponse
	if err := c.doJSON(ctx, http.MethodGet, "/api/approval/config", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// UpdateApprovalConfig replaces the policy in effect.
func (c *Client) UpdateApprovalConfig(ctx context.Context, req ApprovalConfigUpdateRequest) error {
	return c.doJSON(ctx, http.MethodPost, "/api/approval/config", req, nil)
}
