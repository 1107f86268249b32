// Package gossip implements the Gossip Engine: direct-push of local
// announcements to every connected peer, plus TTL-bounded flood-forwarding
// of announcements received from elsewhere (spec §4.4). It generalizes the
// single-purpose presence protocol of pkg/p2pnet/netintel.go from one fixed
// announcement shape to the full multi-kind Announcement envelope, and
// swaps netintel's random-fanout forwarding for forward-to-all-peers-except-
// sender while ttl remains above 1, per the spec's flood model. There are
// no retries: gossip itself, repeated on every heartbeat tick, is the retry.
package gossip

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"github.com/atmosphere-mesh/atmosphere/internal/meshmodel"
)

// maxDedupEntries bounds the nonce cache so a long-running node's memory
// use doesn't grow without limit (spec default: 10,000 entries).
const maxDedupEntries = 10000

// PeerSender is the transport-agnostic send side the engine needs: who is
// currently reachable, and how to hand them raw bytes. internal/transport
// implements this over sessions; tests implement it over channels.
type PeerSender interface {
	// Peers returns the node_ids of every currently connected peer.
	Peers() []string
	// Send delivers data to nodeID's gossip stream. Errors are logged and
	// otherwise swallowed: a failed send is not retried out-of-band,
	// because the next heartbeat tick will carry the same information
	// again.
	Send(ctx context.Context, nodeID string, data []byte) error
}

// Handler processes a newly-seen (non-duplicate, non-stale) announcement.
// Returning an error only logs; it never stops propagation, since a local
// processing failure is not a reason to stop relaying the bits to others.
type Handler func(a *meshmodel.Announcement) error

// Engine is the Gossip Engine for one local node.
type Engine struct {
	nodeID string
	sender PeerSender
	codec  Codec
	handlers map[meshmodel.AnnouncementKind][]Handler

	dedup *lru.Cache // key: fromNode+"/"+kind+"/"+nonce -> struct{}

	skewTolerance time.Duration

	mu      sync.Mutex
	handlersMu sync.RWMutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	heartbeatInterval time.Duration
	heartbeatFn       func() []*meshmodel.Announcement
}

// Option configures an Engine at construction time.
type Option func(*Engine)

// WithCodec selects the on-wire codec (default CBOR).
func WithCodec(c Codec) Option { return func(e *Engine) { e.codec = c } }

// WithSkewTolerance overrides the default 5-minute clock-skew tolerance
// used when rejecting announcements whose timestamp looks stale.
func WithSkewTolerance(d time.Duration) Option {
	return func(e *Engine) { e.skewTolerance = d }
}

// WithHeartbeat registers a periodic producer of local announcements
// (capability heartbeats, cost updates) direct-pushed to every peer on
// each tick. interval defaults to 30s per spec §4.4 if zero.
func WithHeartbeat(interval time.Duration, fn func() []*meshmodel.Announcement) Option {
	return func(e *Engine) {
		if interval <= 0 {
			interval = meshmodel.DefaultSweepIntervalSeconds * time.Second
		}
		e.heartbeatInterval = interval
		e.heartbeatFn = fn
	}
}

// New creates a Gossip Engine for nodeID, pushing through sender.
func New(nodeID string, sender PeerSender, opts ...Option) (*Engine, error) {
	cache, err := lru.New(maxDedupEntries)
	if err != nil {
		return nil, fmt.Errorf("gossip: create dedup cache: %w", err)
	}
	e := &Engine{
		nodeID:        nodeID,
		sender:        sender,
		codec:         CodecCBOR,
		handlers:      make(map[meshmodel.AnnouncementKind][]Handler),
		dedup:         cache,
		skewTolerance: meshmodel.DefaultClockSkewTolerance,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// OnKind registers a handler invoked for every newly-accepted announcement
// of the given kind. Multiple handlers per kind may be registered.
func (e *Engine) OnKind(kind meshmodel.AnnouncementKind, h Handler) {
	e.handlersMu.Lock()
	defer e.handlersMu.Unlock()
	e.handlers[kind] = append(e.handlers[kind], h)
}

// Start begins the periodic heartbeat loop, if one was configured.
func (e *Engine) Start(ctx context.Context) {
	e.ctx, e.cancel = context.WithCancel(ctx)
	if e.heartbeatFn == nil {
		return
	}
	e.wg.Add(1)
	go e.heartbeatLoop()
}

// Stop ends the heartbeat loop and waits for it to exit.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
}

func (e *Engine) heartbeatLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			for _, a := range e.heartbeatFn() {
				if err := e.Publish(e.ctx, a); err != nil {
					slog.Warn("gossip: heartbeat publish failed", "kind", a.Kind, "error", err)
				}
			}
		}
	}
}

// Publish sends a new announcement (TTL and nonce are filled in here) to
// every currently connected peer. Use this for locally-originated
// announcements; incoming announcements are relayed by handleAndForward,
// not re-published through this path.
func (e *Engine) Publish(ctx context.Context, a *meshmodel.Announcement) error {
	a.FromNode = e.nodeID
	if a.TTL == 0 {
		a.TTL = meshmodel.MaxTTL
	}
	if a.Timestamp == 0 {
		a.Timestamp = float64(time.Now().Unix())
	}
	nonce, err := randomNonce()
	if err != nil {
		return fmt.Errorf("gossip: generate nonce: %w", err)
	}
	a.Nonce = nonce

	e.markSeen(a)
	return e.fanOut(ctx, a, "" /* no sender to exclude */)
}

// HandleIncoming processes a wire-encoded announcement received from
// peerNodeID: dedupes by (from_node, kind, nonce), rejects announcements
// outside the clock-skew tolerance, dispatches registered handlers for new
// announcements, and, when the announcement arrived with ttl above 1,
// forwards it with ttl decremented to every other connected peer.
func (e *Engine) HandleIncoming(ctx context.Context, peerNodeID string, data []byte) error {
	a, err := Decode(data)
	if err != nil {
		return err
	}

	if a.FromNode == e.nodeID {
		return nil // our own announcement, looped back by a peer
	}

	now := time.Now()
	ts := time.Unix(int64(a.Timestamp), 0)
	if now.Sub(ts) > e.skewTolerance || ts.Sub(now) > e.skewTolerance {
		return fmt.Errorf("%w: announcement timestamp outside skew tolerance", meshmodel.ErrStale)
	}

	if e.isDuplicate(a) {
		return nil
	}
	e.markSeen(a)

	e.handlersMu.RLock()
	handlers := append([]Handler(nil), e.handlers[a.Kind]...)
	e.handlersMu.RUnlock()
	for _, h := range handlers {
		if err := h(a); err != nil {
			slog.Warn("gossip: handler error", "kind", a.Kind, "from", a.FromNode, "error", err)
		}
	}

	if a.TTL <= 1 {
		return nil
	}
	a.TTL--
	return e.fanOut(ctx, a, peerNodeID)
}

// fanOut sends the announcement to every connected peer except excludeNode
// (the peer we just received it from, if any).
func (e *Engine) fanOut(ctx context.Context, a *meshmodel.Announcement, excludeNode string) error {
	data, err := Encode(a, e.codec)
	if err != nil {
		return fmt.Errorf("gossip: encode announcement: %w", err)
	}
	for _, peer := range e.sender.Peers() {
		if peer == excludeNode || peer == e.nodeID {
			continue
		}
		go func(nodeID string) {
			if err := e.sender.Send(ctx, nodeID, data); err != nil {
				slog.Debug("gossip: send failed", "to", nodeID, "kind", a.Kind, "error", err)
			}
		}(peer)
	}
	return nil
}

func dedupKey(a *meshmodel.Announcement) string {
	return a.FromNode + "/" + string(a.Kind) + "/" + a.Nonce
}

func (e *Engine) isDuplicate(a *meshmodel.Announcement) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.dedup.Get(dedupKey(a))
	return ok
}

func (e *Engine) markSeen(a *meshmodel.Announcement) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.dedup.Add(dedupKey(a), struct{}{})
}

func randomNonce() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
