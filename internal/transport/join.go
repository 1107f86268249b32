package transport

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/atmosphere-mesh/atmosphere/internal/meshmodel"
	"github.com/atmosphere-mesh/atmosphere/internal/token"
)

// EndpointTimeout is the per-endpoint connect timeout of spec §4.7.
const EndpointTimeout = 3 * time.Second

// handshakeTimeout bounds the three-message exchange once a transport-level
// connection is up; generous relative to EndpointTimeout since it includes
// a round trip to the founder and back, not just a TCP/WS handshake.
const handshakeTimeout = 5 * time.Second

// JoinResult is the outcome of a successful Join.
type JoinResult struct {
	Session      *Session
	ConnectedVia PathType
	MeshID       string
	MeshName     string
}

// Dialer holds the optional extras Join needs: a UDP socket for the public
// endpoint's hole-punch attempt (nil disables it, still succeeding against
// full-cone/no NAT via a direct TCP dial), and an already-connected
// RelayMux for this mesh (nil makes relay endpoints fail, since dialing one
// relay WebSocket per join attempt would defeat the mux's point of sharing
// one physical connection across every peer on the mesh).
type Dialer struct {
	LocalUDPConn *net.UDPConn
	RelayMux     *RelayMux
}

// Join attempts tok's endpoints in preference order (local, public, relay)
// per spec §4.7, completing the three-message handshake on the first one
// that connects within EndpointTimeout.
func Join(ctx context.Context, localNodeID string, tok *token.Token, proposedCaps []string, d Dialer) (*JoinResult, error) {
	ordered := preferenceOrder(tok.Endpoints())
	if len(ordered) == 0 {
		return nil, fmt.Errorf("%w: join token carries no endpoints", meshmodel.ErrValidation)
	}

	var lastErr error
	for _, ep := range ordered {
		endpointCtx, cancel := context.WithTimeout(ctx, EndpointTimeout)
		conn, err := d.dialEndpoint(endpointCtx, ep, tok.IssuerNodeID())
		cancel()
		if err != nil {
			lastErr = err
			continue
		}

		handshakeCtx, hcancel := context.WithTimeout(ctx, handshakeTimeout)
		sess, meshID, meshName, err := clientHandshake(handshakeCtx, conn, localNodeID, tok, proposedCaps)
		hcancel()
		if err != nil {
			conn.Close()
			lastErr = err
			continue
		}

		return &JoinResult{Session: sess, ConnectedVia: conn.PathType(), MeshID: meshID, MeshName: meshName}, nil
	}

	return nil, fmt.Errorf("%w: all endpoints failed, last error: %v", meshmodel.ErrTransportFailure, lastErr)
}

// preferenceOrder sorts a token's declared endpoints into the spec's fixed
// local -> public -> relay preference, independent of the order they were
// listed in the token payload.
func preferenceOrder(endpoints []token.JoinEndpoint) []token.JoinEndpoint {
	rank := map[token.EndpointKind]int{token.EndpointLocal: 0, token.EndpointPublic: 1, token.EndpointRelay: 2}
	ordered := make([]token.JoinEndpoint, 0, len(endpoints))
	for k := 0; k < 3; k++ {
		for _, ep := range endpoints {
			if rank[ep.Kind] == k {
				ordered = append(ordered, ep)
			}
		}
	}
	return ordered
}

func (d Dialer) dialEndpoint(ctx context.Context, ep token.JoinEndpoint, peerNodeID string) (frameConn, error) {
	switch ep.Kind {
	case token.EndpointLocal:
		return dialTCP(ctx, ep.Address, PathLocal)
	case token.EndpointPublic:
		if d.LocalUDPConn != nil {
			if remote, err := net.ResolveUDPAddr("udp4", ep.Address); err == nil {
				HolePunch(ctx, d.LocalUDPConn, remote)
			}
		}
		return dialTCP(ctx, ep.Address, PathPublic)
	case token.EndpointRelay:
		if d.RelayMux == nil {
			return nil, fmt.Errorf("%w: no relay connection configured for this mesh", meshmodel.ErrTransportFailure)
		}
		return d.RelayMux.PeerConn(peerNodeID), nil
	default:
		return nil, fmt.Errorf("%w: unknown endpoint kind %q", meshmodel.ErrValidation, ep.Kind)
	}
}

func dialTCP(ctx context.Context, addr string, path PathType) (frameConn, error) {
	var dlr net.Dialer
	conn, err := dlr.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", meshmodel.ErrTransportFailure, addr, err)
	}
	return newTCPFrameConn(conn, path), nil
}

// clientHandshake runs the initiator's half of the three-message exchange
// (spec §4.7): send hello, await welcome/reject, send session_established.
func clientHandshake(ctx context.Context, conn frameConn, localNodeID string, tok *token.Token, proposedCaps []string) (*Session, string, string, error) {
	tokenBytes, err := tok.Encode()
	if err != nil {
		return nil, "", "", fmt.Errorf("%w: encode token: %v", meshmodel.ErrValidation, err)
	}

	hello, err := encodeEnvelope(MsgHello, HelloMsg{Token: tokenBytes, ProposedCaps: proposedCaps})
	if err != nil {
		return nil, "", "", err
	}
	if err := conn.WriteFrame(hello); err != nil {
		return nil, "", "", fmt.Errorf("%w: send hello: %v", meshmodel.ErrTransportFailure, err)
	}

	raw, err := readFrameWithDeadline(ctx, conn)
	if err != nil {
		return nil, "", "", fmt.Errorf("%w: await welcome: %v", meshmodel.ErrTransportFailure, err)
	}
	env, err := decodeEnvelope(raw)
	if err != nil {
		return nil, "", "", fmt.Errorf("%w: %v", meshmodel.ErrValidation, err)
	}

	switch env.Kind {
	case MsgReject:
		var r RejectMsg
		cborMode.Unmarshal(env.Payload, &r)
		return nil, "", "", fmt.Errorf("%w: %s", meshmodel.ErrNotAuthorized, r.Reason)

	case MsgWelcome:
		var w WelcomeMsg
		if err := cborMode.Unmarshal(env.Payload, &w); err != nil {
			return nil, "", "", fmt.Errorf("%w: decode welcome: %v", meshmodel.ErrValidation, err)
		}

		established, err := encodeEnvelope(MsgSessionEstablished, SessionEstablishedMsg{NodeID: localNodeID})
		if err != nil {
			return nil, "", "", err
		}
		if err := conn.WriteFrame(established); err != nil {
			return nil, "", "", fmt.Errorf("%w: send session_established: %v", meshmodel.ErrTransportFailure, err)
		}

		sess := newSession(conn, localNodeID, tok.IssuerNodeID(), w.SessionID)
		return sess, w.MeshID, w.MeshName, nil

	default:
		return nil, "", "", fmt.Errorf("%w: unexpected handshake message %q", meshmodel.ErrValidation, env.Kind)
	}
}

// readFrameWithDeadline races conn.ReadFrame against ctx, since frameConn
// doesn't expose a uniform deadline knob across its TCP and WebSocket
// implementations.
func readFrameWithDeadline(ctx context.Context, conn frameConn) ([]byte, error) {
	type result struct {
		data []byte
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		data, err := conn.ReadFrame()
		ch <- result{data, err}
	}()

	select {
	case r := <-ch:
		return r.data, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
