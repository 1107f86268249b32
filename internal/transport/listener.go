package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net"

	"github.com/google/uuid"

	"github.com/atmosphere-mesh/atmosphere/internal/meshmodel"
	"github.com/atmosphere-mesh/atmosphere/internal/token"
)

// Verifier checks an incoming join token end to end (signature, time bounds,
// mesh allowlist/denylist per spec §4.8) and returns the mesh identity to
// report back in the welcome message. Implemented by internal/mesh, wiring
// internal/token.Token.Verify and the Approval Gate's mesh access mode.
type Verifier interface {
	VerifyJoinToken(tok *token.Token) (meshID, meshName string, err error)
}

// VerifierFunc adapts a function to Verifier.
type VerifierFunc func(tok *token.Token) (string, string, error)

func (f VerifierFunc) VerifyJoinToken(tok *token.Token) (string, string, error) { return f(tok) }

// AcceptHandler is invoked once per newly established inbound session,
// carrying the peer's proposed capabilities for the caller (internal/mesh)
// to register.
type AcceptHandler func(sess *Session, proposedCaps []string)

// Listener accepts inbound local/public-endpoint TCP connections and runs
// the founder's side of the handshake on each.
type Listener struct {
	ln          net.Listener
	path        PathType
	localNodeID string
	verifier    Verifier
	onAccept    AcceptHandler
}

// Listen binds addr and returns a Listener for endpoint kind path (local or
// public — both speak the identical TCP protocol; only the bound address
// differs).
func Listen(addr string, path PathType, localNodeID string, verifier Verifier, onAccept AcceptHandler) (*Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: listen %s: %v", meshmodel.ErrTransportFailure, addr, err)
	}
	return &Listener{ln: ln, path: path, localNodeID: localNodeID, verifier: verifier, onAccept: onAccept}, nil
}

// Addr returns the bound address (useful when addr was ":0").
func (l *Listener) Addr() string { return l.ln.Addr().String() }

// Serve accepts connections until ctx is cancelled or the listener is closed.
func (l *Listener) Serve(ctx context.Context) {
	go func() {
		<-ctx.Done()
		l.ln.Close()
	}()

	for {
		conn, err := l.ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				slog.Warn("transport: accept failed", "err", err)
				return
			}
		}
		fc := newTCPFrameConn(conn, l.path)
		go l.accept(ctx, fc)
	}
}

func (l *Listener) accept(ctx context.Context, conn frameConn) {
	sess, proposedCaps, err := serverHandshake(ctx, conn, l.localNodeID, l.verifier)
	if err != nil {
		slog.Warn("transport: handshake failed", "remote", conn.RemoteAddr(), "err", err)
		conn.Close()
		return
	}
	if l.onAccept != nil {
		l.onAccept(sess, proposedCaps)
	}
}

// Close stops accepting new connections.
func (l *Listener) Close() error { return l.ln.Close() }

// ServeRelay wires mux's onNewPeer hook to run the founder's handshake over
// each inbound relay-multiplexed peer conn, the relay-endpoint equivalent
// of Listener.Serve.
func ServeRelay(ctx context.Context, mux *RelayMux, localNodeID string, verifier Verifier, onAccept AcceptHandler) {
	mux.SetOnNewPeer(func(pc *relayPeerConn) {
		sess, proposedCaps, err := serverHandshake(ctx, pc, localNodeID, verifier)
		if err != nil {
			slog.Warn("transport: relay handshake failed", "peer", pc.peerID, "err", err)
			pc.Close()
			return
		}
		if onAccept != nil {
			onAccept(sess, proposedCaps)
		}
	})
}

// serverHandshake runs the founder's half of the three-message exchange
// (spec §4.7): await hello, verify the token, respond welcome/reject,
// await session_established.
func serverHandshake(ctx context.Context, conn frameConn, localNodeID string, verifier Verifier) (*Session, []string, error) {
	raw, err := readFrameWithDeadline(ctx, conn)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: await hello: %v", meshmodel.ErrTransportFailure, err)
	}
	env, err := decodeEnvelope(raw)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", meshmodel.ErrValidation, err)
	}
	if env.Kind != MsgHello {
		return nil, nil, fmt.Errorf("%w: expected hello, got %q", meshmodel.ErrValidation, env.Kind)
	}

	var hello HelloMsg
	if err := cborMode.Unmarshal(env.Payload, &hello); err != nil {
		return nil, nil, fmt.Errorf("%w: decode hello: %v", meshmodel.ErrValidation, err)
	}

	tok, err := token.Decode(hello.Token)
	if err != nil {
		writeReject(conn, "malformed token")
		return nil, nil, err
	}

	meshID, meshName, err := verifier.VerifyJoinToken(tok)
	if err != nil {
		writeReject(conn, err.Error())
		return nil, nil, fmt.Errorf("%w: %v", meshmodel.ErrNotAuthorized, err)
	}

	sessionID := uuid.NewString()
	welcome, err := encodeEnvelope(MsgWelcome, WelcomeMsg{MeshID: meshID, MeshName: meshName, SessionID: sessionID})
	if err != nil {
		return nil, nil, err
	}
	if err := conn.WriteFrame(welcome); err != nil {
		return nil, nil, fmt.Errorf("%w: send welcome: %v", meshmodel.ErrTransportFailure, err)
	}

	raw, err = readFrameWithDeadline(ctx, conn)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: await session_established: %v", meshmodel.ErrTransportFailure, err)
	}
	env, err = decodeEnvelope(raw)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", meshmodel.ErrValidation, err)
	}
	if env.Kind != MsgSessionEstablished {
		return nil, nil, fmt.Errorf("%w: expected session_established, got %q", meshmodel.ErrValidation, env.Kind)
	}

	var se SessionEstablishedMsg
	if err := cborMode.Unmarshal(env.Payload, &se); err != nil {
		return nil, nil, fmt.Errorf("%w: decode session_established: %v", meshmodel.ErrValidation, err)
	}

	sess := newSession(conn, localNodeID, se.NodeID, sessionID)
	return sess, hello.ProposedCaps, nil
}

func writeReject(conn frameConn, reason string) {
	data, err := encodeEnvelope(MsgReject, RejectMsg{Reason: reason})
	if err != nil {
		return
	}
	conn.WriteFrame(data)
}
