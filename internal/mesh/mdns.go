package mesh

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/libp2p/zeroconf/v2"
)

// mdnsServiceName is the DNS-SD service type every Atmosphere node
// advertises under and browses for. Fixed across the mesh; nodes from a
// different mesh_id are filtered out of discovery results after parsing,
// not by service name, so a single LAN can host more than one mesh.
const mdnsServiceName = "_atmosphere._udp"

const (
	mdnsBrowseInterval = 30 * time.Second
	mdnsBrowseTimeout  = 10 * time.Second
	mdnsInitialDelay   = 2 * time.Second
	// mdnsAdvertisedPort is a placeholder DNS-SD requires; the real
	// dial address travels in the addr= TXT record, since a node's actual
	// listen port is only known after Start binds it.
	mdnsAdvertisedPort = 4001
)

// mdnsDiscovery advertises this node's presence on the LAN and, when it
// hears another Atmosphere node on the same mesh, marks that peer (if
// already connected) as same-LAN in reputation history. It never drives a
// reconnect by itself: a peer with no live session is left alone until it
// presents a fresh join token, same as any other reconnect (spec §4.7 —
// a token's endpoints are part of its signed claims and can't be
// refreshed out of band).
type mdnsDiscovery struct {
	node   *Node
	server *zeroconf.Server

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	lastSeen map[string]time.Time
}

func newMDNSDiscovery(n *Node) (*mdnsDiscovery, error) {
	return &mdnsDiscovery{node: n, lastSeen: make(map[string]time.Time)}, nil
}

// Start registers this node's mDNS advertisement and begins the periodic
// browse loop.
func (md *mdnsDiscovery) Start(ctx context.Context) error {
	md.ctx, md.cancel = context.WithCancel(ctx)
	if err := md.startServer(); err != nil {
		return err
	}
	md.wg.Add(1)
	go md.browseLoop()
	return nil
}

// Close stops advertising and waits for the browse loop to exit.
func (md *mdnsDiscovery) Close() error {
	if md.cancel != nil {
		md.cancel()
	}
	if md.server != nil {
		md.server.Shutdown()
	}
	md.wg.Wait()
	return nil
}

func (md *mdnsDiscovery) startServer() error {
	ep := md.node.Endpoints()
	txts := []string{
		"node_id=" + md.node.id.NodeID,
		"mesh_id=" + md.node.mesh.MeshID,
	}
	if ep.Local != "" {
		txts = append(txts, "addr="+ep.Local)
	}

	server, err := zeroconf.Register(md.node.id.NodeID, mdnsServiceName, "local.", mdnsAdvertisedPort, txts, nil)
	if err != nil {
		return err
	}
	md.server = server
	return nil
}

func (md *mdnsDiscovery) browseLoop() {
	defer md.wg.Done()

	select {
	case <-time.After(mdnsInitialDelay):
	case <-md.ctx.Done():
		return
	}

	md.runBrowse()

	ticker := time.NewTicker(mdnsBrowseInterval)
	defer ticker.Stop()
	for {
		select {
		case <-md.ctx.Done():
			return
		case <-ticker.C:
			md.runBrowse()
		}
	}
}

func (md *mdnsDiscovery) runBrowse() {
	browseCtx, cancel := context.WithTimeout(md.ctx, mdnsBrowseTimeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 32)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for entry := range entries {
			md.handleEntry(entry.Text)
		}
	}()

	if err := zeroconf.Browse(browseCtx, mdnsServiceName, "local.", entries); err != nil && md.ctx.Err() == nil {
		slog.Debug("mesh: mDNS browse round error", "error", err)
	}
	wg.Wait()
}

func (md *mdnsDiscovery) handleEntry(txts []string) {
	var nodeID, meshID string
	for _, txt := range txts {
		switch {
		case strings.HasPrefix(txt, "node_id="):
			nodeID = strings.TrimPrefix(txt, "node_id=")
		case strings.HasPrefix(txt, "mesh_id="):
			meshID = strings.TrimPrefix(txt, "mesh_id=")
		}
	}
	if nodeID == "" || nodeID == md.node.id.NodeID || meshID != md.node.mesh.MeshID {
		return
	}

	md.mu.Lock()
	last, seen := md.lastSeen[nodeID]
	if seen && time.Since(last) < mdnsBrowseInterval {
		md.mu.Unlock()
		return
	}
	md.lastSeen[nodeID] = time.Now()
	md.mu.Unlock()

	if _, ok := md.node.Pool.Get(nodeID); ok {
		md.node.Reputation.MarkSameLAN(nodeID)
	}
}
