package daemon

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/atmosphere-mesh/atmosphere/internal/approval"
	"github.com/atmosphere-mesh/atmosphere/internal/audit"
	"github.com/atmosphere-mesh/atmosphere/internal/cost"
	"github.com/atmosphere-mesh/atmosphere/internal/executor"
	"github.com/atmosphere-mesh/atmosphere/internal/gossip"
	"github.com/atmosphere-mesh/atmosphere/internal/meshmodel"
	"github.com/atmosphere-mesh/atmosphere/internal/registry"
	"github.com/atmosphere-mesh/atmosphere/internal/reputation"
	"github.com/atmosphere-mesh/atmosphere/internal/router"
	"github.com/atmosphere-mesh/atmosphere/internal/semantic"
	"github.com/atmosphere-mesh/atmosphere/internal/telemetry"
	"github.com/atmosphere-mesh/atmosphere/internal/token"
	"github.com/atmosphere-mesh/atmosphere/internal/transport"
)

// --- Mock runtime ---

type mockRuntime struct {
	nodeID    string
	meshID    string
	meshName  string
	role      meshmodel.Role
	endpoints meshmodel.Endpoint
	startedAt time.Time
}

func newMockRuntime() *mockRuntime {
	return &mockRuntime{
		nodeID:    "node-a",
		meshID:    "mesh-1",
		meshName:  "home",
		role:      meshmodel.RoleMember,
		endpoints: meshmodel.Endpoint{Local: "192.168.1.10:7777"},
		startedAt: time.Now().Add(-90 * time.Second),
	}
}

func (m *mockRuntime) NodeID() string                { return m.nodeID }
func (m *mockRuntime) MeshID() string                { return m.meshID }
func (m *mockRuntime) MeshName() string              { return m.meshName }
func (m *mockRuntime) Role() meshmodel.Role          { return m.role }
func (m *mockRuntime) Endpoints() meshmodel.Endpoint { return m.endpoints }
func (m *mockRuntime) StartedAt() time.Time          { return m.startedAt }

func (m *mockRuntime) IssueJoinToken(ctx context.Context, ttl time.Duration, grants []string) (*token.Token, error) {
	return nil, meshmodel.ErrNotAuthorized
}

func (m *mockRuntime) Join(ctx context.Context, tok *token.Token, proposedCaps []string) (*transport.JoinResult, error) {
	return nil, meshmodel.ErrNotAuthorized
}

func (m *mockRuntime) Topology() ([]TopologyNode, []TopologyLink) {
	return []TopologyNode{{NodeID: m.nodeID, CapabilityCount: 0}}, nil
}

// --- Helper to build real (not mocked) daemon dependencies ---

func newTestDeps(t *testing.T) Deps {
	t.Helper()
	dir := t.TempDir()

	reg := registry.New()
	idx := semantic.NewIndex(nil)
	rep := reputation.NewHistory(filepath.Join(dir, "reputation.json"))
	coll := cost.NewCollector(noopSampler{}, time.Minute)
	costTable := cost.NewTable("node-a", coll)
	rtr := router.New("node-a", reg, idx, costTable, rep)

	pool := transport.NewPool()
	handlers := executor.NewHandlerSet()
	exec := executor.New("node-a", reg, handlers, pool)

	sender := &noopSender{}
	gossipEngine, err := gossip.New("node-a", sender)
	if err != nil {
		t.Fatalf("gossip.New: %v", err)
	}

	gate := approval.New(approval.Config{MeshAccessMode: approval.ModeAll})
	revoked := token.NewRevocationStore(filepath.Join(dir, "revoked.json"))
	auditLog := audit.New(slog.NewTextHandler(io.Discard, nil))
	metrics := telemetry.New("test", "go-test")

	return Deps{
		Registry:  reg,
		Router:    rtr,
		Executor:  exec,
		Gossip:    gossipEngine,
		CostTable: costTable,
		Pool:      pool,
		Gate:      gate,
		Revoked:   revoked,
		Audit:     auditLog,
		Metrics:   metrics,
	}
}

// noopSampler avoids pulling in a platform-specific cost.Sampler just to
// build a Collector for tests.
type noopSampler struct{}

func (noopSampler) Sample(ctx context.Context) meshmodel.CostFactors { return meshmodel.CostFactors{} }

type noopSender struct{}

func (noopSender) Peers() []string { return nil }
func (noopSender) Send(ctx context.Context, nodeID string, data []byte) error {
	return nil
}

func newTestServer(t *testing.T) (*Server, string) {
	t.Helper()
	deps := newTestDeps(t)
	srv := NewServer(newMockRuntime(), deps, "127.0.0.1:0", "test-bearer-token", "test-0.1.0")
	return srv, "test-bearer-token"
}

// --- Tests ---

func TestServerStartStop(t *testing.T) {
	srv, _ := newTestServer(t)
	if err := srv.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if srv.Addr() == "" {
		t.Error("expected non-empty bound address after Start")
	}
	srv.Stop()
}

func TestServerDaemonAlreadyRunning(t *testing.T) {
	deps := newTestDeps(t)
	srv1 := NewServer(newMockRuntime(), deps, "127.0.0.1:0", "tok", "test")
	if err := srv1.Start(); err != nil {
		t.Fatalf("first Start: %v", err)
	}
	defer srv1.Stop()

	deps2 := newTestDeps(t)
	srv2 := NewServer(newMockRuntime(), deps2, srv1.Addr(), "tok", "test")
	err := srv2.Start()
	if err == nil {
		srv2.Stop()
		t.Fatal("second Start on the same address should fail")
	}
	if !strings.Contains(err.Error(), "already in use") {
		t.Errorf("expected 'already in use' error, got: %v", err)
	}
}

func TestLoadBearerToken_GeneratesAndPersists(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "token")

	tok1, err := LoadBearerToken(path)
	if err != nil {
		t.Fatalf("LoadBearerToken: %v", err)
	}
	if len(tok1) != 64 {
		t.Errorf("expected 64-char hex token, got %d chars", len(tok1))
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat token file: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("expected 0600 permissions, got %v", info.Mode().Perm())
	}

	tok2, err := LoadBearerToken(path)
	if err != nil {
		t.Fatalf("second LoadBearerToken: %v", err)
	}
	if tok1 != tok2 {
		t.Error("LoadBearerToken should return the same token on subsequent calls")
	}
}

func TestClientIntegration_Health(t *testing.T) {
	srv, bearer := newTestServer(t)
	if err := srv.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer srv.Stop()

	client := NewClient(srv.Addr(), bearer)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	resp, err := client.Health(ctx)
	if err != nil {
		t.Fatalf("Health: %v", err)
	}
	if !resp.OK {
		t.Error("expected OK=true")
	}
	if resp.Version != "test-0.1.0" {
		t.Errorf("Version = %q", resp.Version)
	}
}

func TestClientIntegration_MeshStatus(t *testing.T) {
	srv, bearer := newTestServer(t)
	if err := srv.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer srv.Stop()

	client := NewClient(srv.Addr(), bearer)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	resp, err := client.MeshStatus(ctx)
	if err != nil {
		t.Fatalf("MeshStatus: %v", err)
	}
	if resp.NodeID != "node-a" {
		t.Errorf("NodeID = %q", resp.NodeID)
	}
	if resp.MeshID != "mesh-1" {
		t.Errorf("MeshID = %q", resp.MeshID)
	}
	if resp.UptimeSeconds < 89 {
		t.Errorf("UptimeSeconds = %d, want >= 89", resp.UptimeSeconds)
	}
}

func TestClientIntegration_Capabilities_Empty(t *testing.T) {
	srv, bearer := newTestServer(t)
	if err := srv.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer srv.Stop()

	client := NewClient(srv.Addr(), bearer)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	resp, err := client.Capabilities(ctx)
	if err != nil {
		t.Fatalf("Capabilities: %v", err)
	}
	if len(resp.Capabilities) != 0 {
		t.Errorf("expected 0 capabilities, got %d", len(resp.Capabilities))
	}
}

func TestClientIntegration_WrongBearerToken(t *testing.T) {
	srv, _ := newTestServer(t)
	if err := srv.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer srv.Stop()

	client := NewClient(srv.Addr(), "wrong-token")
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := client.Health(ctx)
	if err == nil {
		t.Fatal("expected error for wrong bearer token")
	}
}

func TestClientIntegration_ApprovalConfigRoundtrip(t *testing.T) {
	srv, bearer := newTestServer(t)
	if err := srv.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer srv.Stop()

	client := NewClient(srv.Addr(), bearer)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	got, err := client.ApprovalConfig(ctx)
	if err != nil {
		t.Fatalf("ApprovalConfig: %v", err)
	}
	if got.Config.MeshAccessMode != approval.ModeAll {
		t.Errorf("MeshAccessMode = %q, want %q", got.Config.MeshAccessMode, approval.ModeAll)
	}

	update := ApprovalConfigUpdateRequest{Config: approval.Config{
		MeshAccessMode: approval.ModeAllowlist,
		AllowList:      []string{"node-b"},
	}}
	if err := client.UpdateApprovalConfig(ctx, update); err != nil {
		t.Fatalf("UpdateApprovalConfig: %v", err)
	}

	got2, err := client.ApprovalConfig(ctx)
	if err != nil {
		t.Fatalf("ApprovalConfig after update: %v", err)
	}
	if got2.Config.MeshAccessMode != approval.ModeAllowlist {
		t.Errorf("MeshAccessMode after update = %q", got2.Config.MeshAccessMode)
	}
}

func TestHandleHealth_DirectCall(t *testing.T) {
	srv, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	rec := httptest.NewRecorder()
	srv.handleHealth(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}
