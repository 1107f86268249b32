// Package transport implements the Session state machine and multi-path
// Join of spec §4.7: preference-ordered dialing across a node's local, public
// and relay endpoints, a three-message handshake, heartbeat-based liveness,
// and hole-punch-then-relay-fallback NAT traversal. It generalizes
// pkg/p2pnet's libp2p host (stunprober.go's NAT classification,
// pathdialer.go's parallel path racing, pathtracker.go's per-peer path
// bookkeeping) into a transport that doesn't depend on libp2p, and replaces
// libp2p circuit-relay with a dumb gorilla/websocket hub (cmd/atmosphere-relay)
// reached the way internal/relay's pairing protocol reaches its relay: a
// token-gated handshake over a byte stream.
package transport

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// MessageKind is the closed set of envelope kinds a Session exchanges with
// its peer, independent of which endpoint kind carries them.
type MessageKind string

const (
	MsgHello              MessageKind = "hello"
	MsgWelcome            MessageKind = "welcome"
	MsgReject             MessageKind = "reject"
	MsgSessionEstablished MessageKind = "session_established"
	MsgHeartbeat          MessageKind = "heartbeat"
	MsgGossip             MessageKind = "gossip"
	MsgInvoke             MessageKind = "invoke"
	MsgResult             MessageKind = "result"
)

// Envelope is the one frame shape every message on a session takes;
// Payload is the CBOR encoding of the kind-specific struct below.
type Envelope struct {
	Kind    MessageKind `cbor:"1,keyasint"`
	Payload []byte      `cbor:"2,keyasint"`
}

var cborMode = mustCBORMode()

func mustCBORMode() cbor.EncMode {
	opts := cbor.CanonicalEncOptions()
	mode, err := opts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("transport: invalid cbor encoding options: %v", err))
	}
	return mode
}

func encodeEnvelope(kind MessageKind, v any) ([]byte, error) {
	payload, err := cborMode.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("transport: encode %s payload: %w", kind, err)
	}
	return cborMode.Marshal(Envelope{Kind: kind, Payload: payload})
}

func decodeEnvelope(data []byte) (*Envelope, error) {
	var e Envelope
	if err := cbor.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("transport: decode envelope: %w", err)
	}
	return &e, nil
}

// HelloMsg is the first handshake message: the peer proves it holds a valid
// join token and declares what it would like to expose.
type HelloMsg struct {
	Token        []byte   `cbor:"1,keyasint"` // encoded token.Token JSON
	ProposedCaps []string `cbor:"2,keyasint"`
}

// WelcomeMsg is the founder's affirmative handshake response.
type WelcomeMsg struct {
	MeshID    string `cbor:"1,keyasint"`
	MeshName  string `cbor:"2,keyasint"`
	SessionID string `cbor:"3,keyasint"`
}

// RejectMsg is the founder's negative handshake response.
type RejectMsg struct {
	Reason string `cbor:"1,keyasint"`
}

// SessionEstablishedMsg is the peer's final handshake message, confirming
// its node_id now that it has accepted the welcome.
type SessionEstablishedMsg struct {
	NodeID string `cbor:"1,keyasint"`
}

// HeartbeatMsg carries no data; its arrival alone resets the missed-beat
// counter (spec §4.7).
type HeartbeatMsg struct{}

// GossipMsg wraps one already-encoded gossip Announcement (internal/gossip's
// own Encode/Decode own the envelope's internal shape; transport only moves
// the bytes).
type GossipMsg struct {
	Data []byte `cbor:"1,keyasint"`
}

// InvokeMsg is the capability_invoke wire payload (spec §4.6), carried over
// an established session to the capability's owning node. Payload may be
// FEC-striped by fec.go when it exceeds stripeThreshold.
type InvokeMsg struct {
	RequestID      string          `cbor:"1,keyasint"`
	CapID          string          `cbor:"2,keyasint"`
	Tool           string          `cbor:"3,keyasint"`
	Payload        []byte          `cbor:"4,keyasint"`
	DeadlineUnixMS int64           `cbor:"5,keyasint"`
	Shards         *ShardedPayload `cbor:"6,keyasint,omitempty"`
}

// ResultMsg is the capability_result wire payload.
type ResultMsg struct {
	RequestID string          `cbor:"1,keyasint"`
	Output    []byte          `cbor:"2,keyasint"`
	Failure   string          `cbor:"3,keyasint"`
	ErrMsg    string          `cbor:"4,keyasint"`
	Shards    *ShardedPayload `cbor:"5,keyasint,omitempty"`
}
