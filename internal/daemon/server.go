package daemon

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/atmosphere-mesh/atmosphere/internal/approval"
	"github.com/atmosphere-mesh/atmosphere/internal/audit"
	"github.com/atmosphere-mesh/atmosphere/internal/cost"
	"github.com/atmosphere-mesh/atmosphere/internal/executor"
	"github.com/atmosphere-mesh/atmosphere/internal/gossip"
	"github.com/atmosphere-mesh/atmosphere/internal/meshmodel"
	"github.com/atmosphere-mesh/atmosphere/internal/registry"
	"github.com/atmosphere-mesh/atmosphere/internal/router"
	"github.com/atmosphere-mesh/atmosphere/internal/telemetry"
	"github.com/atmosphere-mesh/atmosphere/internal/token"
	"github.com/atmosphere-mesh/atmosphere/internal/transport"
)

// Runtime is the mesh-lifecycle surface the daemon needs but does not own:
// node identity, topology, and join/token issuance. This decouples
// internal/daemon from internal/mesh the same way the teacher's
// RuntimeInfo decouples it from cmd/peerup's runtime struct.
type Runtime interface {
	NodeID() string
	MeshID() string
	MeshName() string
	Role() meshmodel.Role
	Endpoints() meshmodel.Endpoint
	StartedAt() time.Time

	// IssueJoinToken mints a new join token scoped to grants, good for
	// ttl, carrying this node's current dialable endpoints.
	IssueJoinToken(ctx context.Context, ttl time.Duration, grants []string) (*token.Token, error)

	// Join drives the client side of the join handshake against tok and
	// wires the resulting session into the running node.
	Join(ctx context.Context, tok *token.Token, proposedCaps []string) (*transport.JoinResult, error)

	// Topology reports every node this node currently knows about
	// (itself, connected peers, and peers learned only through gossip)
	// and the directed links observed between them.
	Topology() ([]TopologyNode, []TopologyLink)

	// RegisterCapability and DeregisterCapability add/remove a
	// locally-hosted capability and announce the change to the mesh.
	RegisterCapability(ctx context.Context, cap *meshmodel.Capability) error
	DeregisterCapability(ctx context.Context, capID string) error

	// RevokeToken marks a join token revoked by fingerprint and
	// announces the revocation mesh-wide.
	RevokeToken(ctx context.Context, fingerprint, reason string) error
}

// Server is the node's local HTTP/WS API (spec §6), bound to a TCP
// loopback address by default and guarded by a bearer token rather than
// the teacher's Unix-socket-plus-cookie scheme, since DaemonConfig
// carries a plain ListenAddress.
type Server struct {
	runtime Runtime

	registry  *registry.Registry
	router    *router.Router
	executor  *executor.Executor
	gossip    *gossip.Engine
	costTable *cost.Table
	pool      *transport.Pool
	gate      *approval.Gate
	revoked   *token.RevocationStore

	audit   *audit.Logger
	metrics *telemetry.Metrics

	bearerToken string
	version     string

	wsHub *wsHub

	listenAddr string
	listener   net.Listener
	httpServer *http.Server
}

// Deps bundles every subsystem the daemon wires into handlers, so
// NewServer's signature doesn't grow one parameter per package.
type Deps struct {
	Registry  *registry.Registry
	Router    *router.Router
	Executor  *executor.Executor
	Gossip    *gossip.Engine
	CostTable *cost.Table
	Pool      *transport.Pool
	Gate      *approval.Gate
	Revoked   *token.RevocationStore
	Audit     *audit.Logger
	Metrics   *telemetry.Metrics
}

// NewServer builds a daemon API server. bearerToken, if non-empty, is
// required on every request via Authorization: Bearer <token>.
func NewServer(runtime Runtime, deps Deps, listenAddr, bearerToken, version string) *Server {
	s := &Server{
		runtime:     runtime,
		registry:    deps.Registry,
		router:      deps.Router,
		executor:    deps.Executor,
		gossip:      deps.Gossip,
		costTable:   deps.CostTable,
		pool:        deps.Pool,
		gate:        deps.Gate,
		revoked:     deps.Revoked,
		audit:       deps.Audit,
		metrics:     deps.Metrics,
		bearerToken: bearerToken,
		version:     version,
		wsHub:       newWSHub(),
		listenAddr:  listenAddr,
	}
	s.watchGossip()
	return s
}

// Start binds the listen address and begins serving in a background
// goroutine. It returns once the listener is bound, not once serving
// stops.
func (s *Server) Start() error {
	if err := s.checkAddrFree(); err != nil {
		return err
	}

	listener, err := net.Listen("tcp", s.listenAddr)
	if err != nil {
		return fmt.Errorf("daemon: listen on %s: %w", s.listenAddr, err)
	}
	s.listener = listener

	mux := http.NewServeMux()
	s.registerRoutes(mux)

	handler := authMiddleware(s.bearerToken)(mux)
	handler = InstrumentHandler(handler, s.metrics, s.audit)

	s.httpServer = &http.Server{
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second, // longer for streaming WS responses
	}

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			slog.Error("daemon server error", "error", err)
		}
	}()

	slog.Info("daemon API listening", "address", listener.Addr().String())
	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop() {
	if s.httpServer == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		slog.Warn("daemon shutdown", "error", err)
	}
}

// Addr returns the bound listener address. Only valid after Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// checkAddrFree rejects startup if another process already has the
// configured address bound, rather than letting net.Listen's generic
// "address already in use" surface without the daemon-specific error.
func (s *Server) checkAddrFree() error {
	conn, err := net.DialTimeout("tcp", s.listenAddr, 500*time.Millisecond)
	if err != nil {
		return nil // nothing listening, good to go
	}
	conn.Close()
	return fmt.Errorf("%w: %s is already in use", ErrDaemonAlreadyRunning, s.listenAddr)
}

// LoadBearerToken reads the bearer token file, creating one with a fresh
// random token at 0600 if it does not yet exist.
func LoadBearerToken(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		return strings.TrimSpace(string(data)), nil
	}
	if !os.IsNotExist(err) {
		return "", fmt.Errorf("daemon: read bearer token: %w", err)
	}
	tok, genErr := generateToken()
	if genErr != nil {
		return "", genErr
	}
	if writeErr := os.WriteFile(path, []byte(tok), 0600); writeErr != nil {
		return "", fmt.Errorf("daemon: write bearer token: %w", writeErr)
	}
	return tok, nil
}

// generateToken creates a 32-byte random hex bearer token, the same
// construction the teacher uses for its daemon-socket cookie.
func generateToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
