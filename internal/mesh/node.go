package mesh

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net"
	"path/filepath"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/atmosphere-mesh/atmosphere/internal/approval"
	"github.com/atmosphere-mesh/atmosphere/internal/audit"
	"github.com/atmosphere-mesh/atmosphere/internal/config"
	"github.com/atmosphere-mesh/atmosphere/internal/cost"
	"github.com/atmosphere-mesh/atmosphere/internal/executor"
	"github.com/atmosphere-mesh/atmosphere/internal/gossip"
	"github.com/atmosphere-mesh/atmosphere/internal/identity"
	"github.com/atmosphere-mesh/atmosphere/internal/meshmodel"
	"github.com/atmosphere-mesh/atmosphere/internal/registry"
	"github.com/atmosphere-mesh/atmosphere/internal/reputation"
	"github.com/atmosphere-mesh/atmosphere/internal/router"
	"github.com/atmosphere-mesh/atmosphere/internal/semantic"
	"github.com/atmosphere-mesh/atmosphere/internal/telemetry"
	"github.com/atmosphere-mesh/atmosphere/internal/token"
	"github.com/atmosphere-mesh/atmosphere/internal/transport"
)

// DefaultJoinTokenTTL is how long a freshly minted join token stays valid
// if the caller doesn't ask for something else (spec §4.7).
const DefaultJoinTokenTTL = 24 * time.Hour

// Node is one running Atmosphere process: an identity, the mesh it belongs
// to, and every subsystem wired together. It implements
// internal/daemon.Runtime and internal/transport.Verifier so those
// packages never need to import this one.
type Node struct {
	id   *identity.Identity
	mesh meshmodel.Mesh
	role meshmodel.Role
	cfg  config.Config

	dataDir      string
	grantRootKey []byte

	endpointsMu sync.RWMutex
	endpoints   meshmodel.Endpoint

	startedAt time.Time

	Registry      *registry.Registry
	Index         *semantic.Index
	embedCache    *semantic.Cache
	Reputation    *reputation.History
	CostCollector *cost.Collector
	CostTable     *cost.Table
	Router        *router.Router
	Pool          *transport.Pool
	Executor      *executor.Executor
	Gossip        *gossip.Engine
	Gate          *approval.Gate
	Revoked       *token.RevocationStore
	Audit         *audit.Logger
	Metrics       *telemetry.Metrics

	auditCloser interface{ Close() error }

	listener *transport.Listener
	relayMux *transport.RelayMux
	udpConn  *net.UDPConn
	mdns     *mdnsDiscovery

	topo *topology

	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a Node around an already-loaded identity and mesh record, but
// does no networking yet — call Start to bind listeners and begin
// background work. dataDir holds this node's mutable runtime state
// (reputation history, revocation list, embedding cache, audit log),
// separate from cfg's identity/config files.
func New(cfg config.Config, id *identity.Identity, mesh meshmodel.Mesh, handlers *executor.HandlerSet, dataDir string) (*Node, error) {
	role := meshmodel.RoleMember
	if bytes.Equal(id.PublicKey, mesh.FounderPubKey) {
		role = meshmodel.RoleFounder
	}

	reg := registry.New()
	index := semantic.NewIndex(semantic.NewHashEmbedder())
	embedCache, err := semantic.OpenCache(filepath.Join(dataDir, "embeddings.cache"))
	if err != nil {
		return nil, fmt.Errorf("mesh: open embedding cache: %w", err)
	}

	rep := reputation.NewHistory(filepath.Join(dataDir, "reputation.json"))
	collector := cost.NewCollector(cost.NewDefaultSampler(), 0)
	costTable := cost.NewTable(id.NodeID, collector)

	gate := approval.New(cfg.Approval)

	var auditLogger *audit.Logger
	var auditCloser interface{ Close() error }
	if cfg.Telemetry.Audit.Enabled {
		l, closer, err := audit.Open(filepath.Join(dataDir, "audit.log"))
		if err != nil {
			return nil, fmt.Errorf("mesh: open audit log: %w", err)
		}
		auditLogger, auditCloser = l, closer
	}
	gate.SetDecisionCallback(auditLogger.Decision)

	var metrics *telemetry.Metrics
	if cfg.Telemetry.Metrics.Enabled {
		metrics = telemetry.New("dev", "go")
	}

	rt := router.New(id.NodeID, reg, index, costTable, rep, router.WithApprovalChecker(gate))

	pool := transport.NewPool()
	if handlers == nil {
		handlers = executor.NewHandlerSet()
	}
	exec := executor.New(id.NodeID, reg, handlers, &reputationDialer{pool: pool, rep: rep})

	n := &Node{
		id:            id,
		mesh:          mesh,
		role:          role,
		cfg:           cfg,
		dataDir:       dataDir,
		grantRootKey:  token.DeriveGrantRootKey(id.PrivateKey, mesh.MeshID, id.NodeID),
		Registry:      reg,
		Index:         index,
		embedCache:    embedCache,
		Reputation:    rep,
		CostCollector: collector,
		CostTable:     costTable,
		Router:        rt,
		Pool:          pool,
		Executor:      exec,
		Gate:          gate,
		Revoked:       token.NewRevocationStore(filepath.Join(dataDir, "revoked.json")),
		Audit:         auditLogger,
		Metrics:       metrics,
		auditCloser:   auditCloser,
		startedAt:     time.Now(),
		logger:        slog.With("node_id", id.NodeID, "mesh_id", mesh.MeshID),
	}
	n.topo = newTopology(id.NodeID)

	gengine, err := gossip.New(id.NodeID, pool, gossip.WithHeartbeat(0, n.buildHeartbeat))
	if err != nil {
		return nil, fmt.Errorf("mesh: create gossip engine: %w", err)
	}
	n.Gossip = gengine

	n.wireGossipHandlers()
	return n, nil
}

// --- internal/daemon.Runtime ---

func (n *Node) NodeID() string           { return n.id.NodeID }
func (n *Node) MeshID() string           { return n.mesh.MeshID }
func (n *Node) MeshName() string         { return n.mesh.Name }
func (n *Node) Role() meshmodel.Role     { return n.role }
func (n *Node) StartedAt() time.Time     { return n.startedAt }

func (n *Node) Endpoints() meshmodel.Endpoint {
	n.endpointsMu.RLock()
	defer n.endpointsMu.RUnlock()
	return n.endpoints
}

func (n *Node) setEndpoints(ep meshmodel.Endpoint) {
	n.endpointsMu.Lock()
	n.endpoints = ep
	n.endpointsMu.Unlock()
}

// --- lifecycle ---

// Start binds the local/public listeners, connects to configured relays,
// begins gossip heartbeats and cost sampling, and (if enabled) LAN
// discovery. It returns once the node is accepting connections; background
// loops keep running until Shutdown.
func (n *Node) Start(ctx context.Context) error {
	n.ctx, n.cancel = context.WithCancel(ctx)

	n.CostCollector.Start(n.ctx)
	n.Gossip.Start(n.ctx)

	listenAddr := "0.0.0.0:0"
	if len(n.cfg.Network.ListenAddresses) > 0 {
		listenAddr = n.cfg.Network.ListenAddresses[0]
	}
	ln, err := transport.Listen(listenAddr, transport.PathLocal, n.id.NodeID, n, n.onAccept)
	if err != nil {
		return fmt.Errorf("mesh: listen: %w", err)
	}
	n.listener = ln
	n.listener.Serve(n.ctx)

	ep := meshmodel.Endpoint{Local: n.listener.Addr()}

	if len(n.cfg.Relay.Addresses) > 0 {
		mux, err := transport.DialRelayMux(n.ctx, n.cfg.Relay.Addresses[0], n.mesh.MeshID, n.id.NodeID, &websocket.Dialer{})
		if err != nil {
			n.logger.Warn("mesh: relay connect failed, continuing without it", "error", err)
		} else {
			n.relayMux = mux
			ep.Relay = n.cfg.Relay.Addresses[0]
			transport.ServeRelay(n.ctx, mux, n.id.NodeID, n, n.onAccept)
		}
	}

	if conn, err := net.ListenUDP("udp", &net.UDPAddr{}); err == nil {
		n.udpConn = conn
		n.wg.Add(1)
		go n.probeNAT(&ep)
	}

	n.setEndpoints(ep)

	if n.cfg.Discovery.IsMDNSEnabled() {
		md, err := newMDNSDiscovery(n)
		if err != nil {
			n.logger.Warn("mesh: mDNS discovery unavailable", "error", err)
		} else {
			n.mdns = md
			if err := n.mdns.Start(n.ctx); err != nil {
				n.logger.Warn("mesh: mDNS start failed", "error", err)
			}
		}
	}

	n.wg.Add(1)
	go n.probationSweepLoop()

	if err := n.publishNodeJoin(n.ctx); err != nil {
		n.logger.Debug("mesh: node_join announcement failed", "error", err)
	}

	n.logger.Info("mesh: node started", "role", n.role, "local_addr", ep.Local)
	return nil
}

// probeNAT runs a one-shot STUN probe to discover this node's public
// mapping, folding the result into its advertised endpoints. Best-effort:
// a failed probe just leaves the public endpoint empty, falling back to
// relay for peers that can't reach the local/direct addresses.
func (n *Node) probeNAT(ep *meshmodel.Endpoint) {
	defer n.wg.Done()
	ctx, cancel := context.WithTimeout(n.ctx, 10*time.Second)
	defer cancel()
	result, err := transport.ProbeNAT(ctx, n.udpConn, n.cfg.Network.STUNServers)
	if err != nil {
		n.logger.Debug("mesh: STUN probe failed", "error", err)
		return
	}
	if len(result.ExternalAddrs) == 0 {
		return
	}
	n.endpointsMu.Lock()
	n.endpoints.Public = result.ExternalAddrs[0]
	n.endpointsMu.Unlock()
	n.logger.Info("mesh: NAT probed", "nat_type", result.NATType, "public_addr", result.ExternalAddrs[0])
}

func (n *Node) probationSweepLoop() {
	defer n.wg.Done()
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			n.Gate.CleanupProbation(func(nodeID string) {
				if sess, ok := n.Pool.Get(nodeID); ok {
					sess.Close()
					n.Pool.Remove(nodeID)
				}
			})
			degraded, evicted := n.Registry.SweepStale(time.Now())
			if evicted > 0 || degraded > 0 {
				n.logger.Debug("mesh: registry swept", "evicted", evicted, "degraded", degraded)
			}
		}
	}
}

// Shutdown tears the node down: stop accepting new connections, stop
// background loops, persist mutable state, and close every owned
// resource. Safe to call once; calling it twice is not.
func (n *Node) Shutdown() {
	n.logger.Info("mesh: shutting down")
	if n.ctx != nil && n.ctx.Err() == nil {
		if err := n.publishNodeLeave(n.ctx); err != nil {
			n.logger.Debug("mesh: node_leave announcement failed", "error", err)
		}
	}
	if n.mdns != nil {
		n.mdns.Close()
	}
	if n.listener != nil {
		n.listener.Close()
	}
	if n.relayMux != nil {
		n.relayMux.Close()
	}
	if n.udpConn != nil {
		n.udpConn.Close()
	}
	n.Gossip.Stop()
	n.CostCollector.Stop()
	if n.cancel != nil {
		n.cancel()
	}
	n.wg.Wait()

	if err := n.Reputation.Save(); err != nil {
		n.logger.Warn("mesh: save reputation failed", "error", err)
	}
	if err := n.Revoked.Save(); err != nil {
		n.logger.Warn("mesh: save revocation store failed", "error", err)
	}
	if err := n.embedCache.Save(); err != nil {
		n.logger.Warn("mesh: save embedding cache failed", "error", err)
	}
	if n.auditCloser != nil {
		_ = n.auditCloser.Close()
	}
}
