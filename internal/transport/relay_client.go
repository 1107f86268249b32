package transport

import (
	"context"
	"fmt"
	"net/url"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"github.com/gorilla/websocket"
)

// RelayEnvelope is the only structure cmd/atmosphere-relay's hub ever reads:
// routing addresses, never the body. Spec §4.7: "it never inspects
// payloads and provides no ordering or durability guarantees."
type RelayEnvelope struct {
	To   string `cbor:"1,keyasint"`
	From string `cbor:"2,keyasint"`
	Body []byte `cbor:"3,keyasint"`
}

// RelayMux owns the single WebSocket connection a node keeps open to a
// relay for one mesh, demultiplexing it into one frameConn per peer. This
// is what lets the rest of the package treat a relayed session exactly
// like a direct TCP one, even though many relayed sessions share one
// physical socket.
type RelayMux struct {
	conn   *websocket.Conn
	meshID string
	nodeID string

	writeMu sync.Mutex

	mu    sync.Mutex
	peers map[string]*relayPeerConn

	// onNewPeer is invoked (from the read loop) the first time a frame
	// arrives from a peer this mux hasn't seen before — the relay-side
	// equivalent of accepting an inbound TCP connection, since the relay
	// itself never initiates anything.
	onNewPeer func(*relayPeerConn)
}

// DialRelayMux opens a relay connection for (meshID, nodeID) at relayURL.
func DialRelayMux(ctx context.Context, relayURL, meshID, nodeID string, d *websocket.Dialer) (*RelayMux, error) {
	if d == nil {
		d = websocket.DefaultDialer
	}
	u, err := url.Parse(relayURL)
	if err != nil {
		return nil, fmt.Errorf("transport: parse relay URL: %w", err)
	}
	q := u.Query()
	q.Set("mesh_id", meshID)
	q.Set("node_id", nodeID)
	u.RawQuery = q.Encode()

	conn, _, err := d.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("transport: dial relay %s: %w", relayURL, err)
	}

	m := &RelayMux{conn: conn, meshID: meshID, nodeID: nodeID, peers: make(map[string]*relayPeerConn)}
	go m.readLoop()
	return m, nil
}

// SetOnNewPeer registers the callback fired for unsolicited inbound peers
// (i.e. this node is acting as a founder accepting relay joins).
func (m *RelayMux) SetOnNewPeer(f func(*relayPeerConn)) {
	m.mu.Lock()
	m.onNewPeer = f
	m.mu.Unlock()
}

// PeerConn returns the frameConn for peerNodeID, creating it if this is the
// first message exchanged with that peer (the outbound-dial case: this node
// is the one initiating contact via relay).
func (m *RelayMux) PeerConn(peerNodeID string) *relayPeerConn {
	m.mu.Lock()
	defer m.mu.Unlock()
	if pc, ok := m.peers[peerNodeID]; ok {
		return pc
	}
	pc := newRelayPeerConn(m, peerNodeID)
	m.peers[peerNodeID] = pc
	return pc
}

func (m *RelayMux) readLoop() {
	for {
		_, data, err := m.conn.ReadMessage()
		if err != nil {
			m.closeAll()
			return
		}
		var env RelayEnvelope
		if err := cbor.Unmarshal(data, &env); err != nil {
			continue
		}

		m.mu.Lock()
		pc, known := m.peers[env.From]
		if !known {
			pc = newRelayPeerConn(m, env.From)
			m.peers[env.From] = pc
		}
		onNewPeer := m.onNewPeer
		m.mu.Unlock()

		if !known && onNewPeer != nil {
			go onNewPeer(pc)
		}
		pc.deliver(env.Body)
	}
}

func (m *RelayMux) writeEnvelope(to string, body []byte) error {
	data, err := cborMode.Marshal(RelayEnvelope{To: to, From: m.nodeID, Body: body})
	if err != nil {
		return err
	}
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	return m.conn.WriteMessage(websocket.BinaryMessage, data)
}

func (m *RelayMux) closeAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, pc := range m.peers {
		pc.closeLocally()
	}
}

func (m *RelayMux) Close() error {
	m.closeAll()
	return m.conn.Close()
}

// relayPeerConn is one peer's virtual frameConn multiplexed over a RelayMux.
type relayPeerConn struct {
	mux    *RelayMux
	peerID string
	inbox  chan []byte
	closed chan struct{}
}

func newRelayPeerConn(mux *RelayMux, peerID string) *relayPeerConn {
	return &relayPeerConn{mux: mux, peerID: peerID, inbox: make(chan []byte, outboundQueueSize), closed: make(chan struct{})}
}

func (c *relayPeerConn) deliver(data []byte) {
	select {
	case c.inbox <- data:
	case <-c.closed:
	}
}

func (c *relayPeerConn) WriteFrame(data []byte) error {
	select {
	case <-c.closed:
		return fmt.Errorf("transport: relay peer conn to %s is closed", c.peerID)
	default:
	}
	return c.mux.writeEnvelope(c.peerID, data)
}

func (c *relayPeerConn) ReadFrame() ([]byte, error) {
	select {
	case data := <-c.inbox:
		return data, nil
	case <-c.closed:
		return nil, fmt.Errorf("transport: relay peer conn to %s closed", c.peerID)
	}
}

func (c *relayPeerConn) closeLocally() {
	select {
	case <-c.closed:
	default:
		close(c.closed)
	}
}

func (c *relayPeerConn) Close() error {
	c.mux.mu.Lock()
	delete(c.mux.peers, c.peerID)
	c.mux.mu.Unlock()
	c.closeLocally()
	return nil
}

func (c *relayPeerConn) PathType() PathType { return PathRelay }
func (c *relayPeerConn) RemoteAddr() string { return "relay:" + c.peerID }
