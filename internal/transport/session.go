package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/atmosphere-mesh/atmosphere/internal/executor"
	"github.com/atmosphere-mesh/atmosphere/internal/meshmodel"
)

// SessionState is the Session state machine of spec §4.7/§"State machines":
// dialing -> handshaking -> established -> dead.
type SessionState string

const (
	StateDialing     SessionState = "dialing"
	StateHandshaking SessionState = "handshaking"
	StateEstablished SessionState = "established"
	StateDead        SessionState = "dead"
)

// HeartbeatInterval and DeadAfter implement spec §4.7's liveness rule:
// heartbeat every 10s, dead after missing three in a row (30s).
const (
	HeartbeatInterval = 10 * time.Second
	DeadAfter         = 3 * HeartbeatInterval
)

// outboundQueueSize bounds both the application and gossip outbound
// queues (spec §5: "bounded outbound channel").
const outboundQueueSize = 256

// GossipHandler receives raw gossip envelope bytes arriving on this
// session, for internal/gossip.Engine.HandleIncoming to process.
type GossipHandler func(data []byte)

// InvokeHandler serves an incoming capability_invoke for a capability this
// node owns, returning the capability_result to send back. Implemented by
// wiring internal/executor.Executor.Execute.
type InvokeHandler func(ctx context.Context, req *InvokeMsg) *ResultMsg

// Session is one established (or establishing) connection to a peer node,
// multiplexing gossip, heartbeats and capability invocations over whatever
// frameConn backs it (spec §5: "one owning task per session; other tasks
// send by enqueueing on a bounded outbound channel").
type Session struct {
	conn        frameConn
	localNodeID string
	peerNodeID  string
	sessionID   string

	gossipHandler GossipHandler
	invokeHandler InvokeHandler
	onDead        func(*Session)

	appCh    chan []byte
	gossipCh chan []byte

	mu    sync.Mutex
	state SessionState

	pendingMu sync.Mutex
	pending   map[string]chan *ResultMsg

	lastHeartbeatMu sync.Mutex
	lastHeartbeat   time.Time

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// newSession constructs a Session around an already-handshaken conn.
func newSession(conn frameConn, localNodeID, peerNodeID, sessionID string) *Session {
	return &Session{
		conn:          conn,
		localNodeID:   localNodeID,
		peerNodeID:    peerNodeID,
		sessionID:     sessionID,
		state:         StateEstablished,
		appCh:         make(chan []byte, outboundQueueSize),
		gossipCh:      make(chan []byte, outboundQueueSize),
		pending:       make(map[string]chan *ResultMsg),
		lastHeartbeat: time.Now(),
		done:          make(chan struct{}),
	}
}

// PeerNodeID, SessionID, PathType, State expose read-only session metadata
// (used by /api/mesh/peers and /api/mesh/status).
func (s *Session) PeerNodeID() string { return s.peerNodeID }
func (s *Session) SessionID() string  { return s.sessionID }
func (s *Session) PathType() PathType { return s.conn.PathType() }
func (s *Session) RemoteAddr() string { return s.conn.RemoteAddr() }

func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st SessionState) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// OnGossip, OnInvoke, OnDead wire the session's behavior after construction,
// since the gossip engine and executor are themselves constructed after
// identity and registry, but before any session exists.
func (s *Session) OnGossip(h GossipHandler) { s.gossipHandler = h }
func (s *Session) OnInvoke(h InvokeHandler) { s.invokeHandler = h }
func (s *Session) OnDead(f func(*Session))  { s.onDead = f }

// Start launches the writer, reader and heartbeat loops. The caller's ctx
// governs the session's lifetime: cancelling it tears the session down.
func (s *Session) Start(ctx context.Context) {
	s.wg.Add(3)
	go s.writerLoop()
	go s.readerLoop()
	go s.heartbeatLoop(ctx)
}

// Wait blocks until the session has fully torn down (all loops exited).
func (s *Session) Wait() { s.wg.Wait() }

// Close marks the session dead and releases its transport.
func (s *Session) Close() error {
	s.markDead()
	return s.conn.Close()
}

func (s *Session) markDead() {
	s.closeOnce.Do(func() {
		s.setState(StateDead)
		close(s.done)
		s.failPending()
		if s.onDead != nil {
			s.onDead(s)
		}
	})
}

func (s *Session) failPending() {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	for id, ch := range s.pending {
		close(ch)
		delete(s.pending, id)
	}
}

// --- writer ---

func (s *Session) writerLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.done:
			return
		case data := <-s.appCh:
			s.writeFrame(data)
			continue
		default:
		}

		select {
		case <-s.done:
			return
		case data := <-s.appCh:
			s.writeFrame(data)
		case data := <-s.gossipCh:
			s.writeFrame(data)
		}
	}
}

func (s *Session) writeFrame(data []byte) {
	if err := s.conn.WriteFrame(data); err != nil {
		slog.Warn("transport: write failed, marking session dead", "peer", s.peerNodeID, "err", err)
		s.markDead()
	}
}

// enqueueApp blocks until there's room (application traffic is never
// dropped, per spec §5), the session dies, or ctx is cancelled.
func (s *Session) enqueueApp(ctx context.Context, data []byte) error {
	select {
	case s.appCh <- data:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return fmt.Errorf("%w: session to %s is dead", meshmodel.ErrTransportFailure, s.peerNodeID)
	}
}

// enqueueGossip drops the oldest queued gossip frame on a full queue rather
// than blocking, per spec §5's backpressure policy.
func (s *Session) enqueueGossip(data []byte) {
	select {
	case s.gossipCh <- data:
		return
	default:
	}
	select {
	case <-s.gossipCh:
	default:
	}
	select {
	case s.gossipCh <- data:
	default:
	}
}

// --- reader ---

func (s *Session) readerLoop() {
	defer s.wg.Done()
	for {
		raw, err := s.conn.ReadFrame()
		if err != nil {
			if s.State() != StateDead {
				slog.Info("transport: session read ended", "peer", s.peerNodeID, "err", err)
			}
			s.markDead()
			return
		}
		env, err := decodeEnvelope(raw)
		if err != nil {
			slog.Warn("transport: dropping malformed frame", "peer", s.peerNodeID, "err", err)
			continue
		}
		s.dispatch(env)
	}
}

func (s *Session) dispatch(env *Envelope) {
	switch env.Kind {
	case MsgHeartbeat:
		s.lastHeartbeatMu.Lock()
		s.lastHeartbeat = time.Now()
		s.lastHeartbeatMu.Unlock()

	case MsgGossip:
		var m GossipMsg
		if err := cborMode.Unmarshal(env.Payload, &m); err != nil {
			return
		}
		if s.gossipHandler != nil {
			s.gossipHandler(m.Data)
		}

	case MsgInvoke:
		var m InvokeMsg
		if err := cborMode.Unmarshal(env.Payload, &m); err != nil {
			return
		}
		go s.handleInvoke(&m)

	case MsgResult:
		var m ResultMsg
		if err := cborMode.Unmarshal(env.Payload, &m); err != nil {
			return
		}
		s.deliverResult(&m)

	default:
		slog.Warn("transport: unexpected message kind on established session", "kind", env.Kind, "peer", s.peerNodeID)
	}
}

func (s *Session) handleInvoke(m *InvokeMsg) {
	if m.Shards != nil {
		payload, err := reconstructPayload(m.Shards)
		if err != nil {
			s.sendResult(&ResultMsg{RequestID: m.RequestID, Failure: string(executor.FailureTransportFailure), ErrMsg: err.Error()})
			return
		}
		m.Payload = payload
	}

	if s.invokeHandler == nil {
		s.sendResult(&ResultMsg{RequestID: m.RequestID, Failure: string(executor.FailureUnavailable), ErrMsg: "no invoke handler registered"})
		return
	}

	// The handler (ExecutorInvokeHandler) derives its own deadline context
	// from m.DeadlineUnixMS via Executor.Execute, so this just hands off.
	result := s.invokeHandler(context.Background(), m)
	s.sendResult(result)
}

func (s *Session) sendResult(m *ResultMsg) {
	if sp, striped, err := shardPayload(m.Output); err == nil && striped {
		m.Shards = sp
		m.Output = nil
	}
	data, err := encodeEnvelope(MsgResult, m)
	if err != nil {
		return
	}
	s.enqueueApp(context.Background(), data)
}

func (s *Session) deliverResult(m *ResultMsg) {
	s.pendingMu.Lock()
	ch, ok := s.pending[m.RequestID]
	if ok {
		delete(s.pending, m.RequestID)
	}
	s.pendingMu.Unlock()
	if !ok {
		return // late/unmatched reply; nothing is waiting, drop it
	}
	ch <- m
}

// --- heartbeat ---

func (s *Session) heartbeatLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.markDead()
			return
		case <-s.done:
			return
		case <-ticker.C:
			data, err := encodeEnvelope(MsgHeartbeat, HeartbeatMsg{})
			if err == nil {
				s.enqueueApp(ctx, data)
			}

			s.lastHeartbeatMu.Lock()
			since := time.Since(s.lastHeartbeat)
			s.lastHeartbeatMu.Unlock()
			if since > DeadAfter {
				slog.Warn("transport: session missed heartbeats, marking dead", "peer", s.peerNodeID, "since", since)
				s.markDead()
				return
			}
		}
	}
}

// --- executor.Session ---

// Invoke implements internal/executor.Session: send a framed capability_invoke
// and wait for the matching capability_result, dropping (as a timeout) any
// reply whose request_id doesn't match spec's §4.6 late-response rule
// already enforced one layer up by Executor; this method only ever returns
// the response actually addressed to req.RequestID since deliverResult keys
// strictly on that ID.
func (s *Session) Invoke(ctx context.Context, req *executor.InvokeRequest) (*executor.InvokeResponse, error) {
	if s.State() != StateEstablished {
		return nil, fmt.Errorf("%w: session to %s is %s", meshmodel.ErrTransportFailure, s.peerNodeID, s.State())
	}

	msg := &InvokeMsg{
		RequestID: req.RequestID,
		CapID:     req.CapID,
		Tool:      req.Tool,
		Payload:   req.Payload,
	}
	if !req.Deadline.IsZero() {
		msg.DeadlineUnixMS = req.Deadline.UnixMilli()
	}
	if sp, striped, err := shardPayload(msg.Payload); err == nil && striped {
		msg.Shards = sp
		msg.Payload = nil
	}

	data, err := encodeEnvelope(MsgInvoke, msg)
	if err != nil {
		return nil, fmt.Errorf("%w: encode invoke: %v", meshmodel.ErrTransportFailure, err)
	}

	ch := make(chan *ResultMsg, 1)
	s.pendingMu.Lock()
	s.pending[req.RequestID] = ch
	s.pendingMu.Unlock()

	if err := s.enqueueApp(ctx, data); err != nil {
		s.pendingMu.Lock()
		delete(s.pending, req.RequestID)
		s.pendingMu.Unlock()
		return nil, err
	}

	select {
	case result, ok := <-ch:
		if !ok {
			return nil, fmt.Errorf("%w: session to %s died while awaiting response", meshmodel.ErrTransportFailure, s.peerNodeID)
		}
		output := result.Output
		if result.Shards != nil {
			payload, err := reconstructPayload(result.Shards)
			if err != nil {
				return nil, fmt.Errorf("%w: reconstruct sharded result: %v", meshmodel.ErrTransportFailure, err)
			}
			output = payload
		}
		return &executor.InvokeResponse{
			RequestID: result.RequestID,
			Output:    output,
			Failure:   executor.FailureClass(result.Failure),
			ErrMsg:    result.ErrMsg,
		}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// SendGossip implements the per-session half of internal/gossip.PeerSender;
// the Pool in pool.go fans Peers()/Send(nodeID, ...) out across
// whichever sessions are currently established.
func (s *Session) SendGossip(data []byte) error {
	if s.State() != StateEstablished {
		return fmt.Errorf("%w: session to %s is %s", meshmodel.ErrTransportFailure, s.peerNodeID, s.State())
	}
	env, err := encodeEnvelope(MsgGossip, GossipMsg{Data: data})
	if err != nil {
		return err
	}
	s.enqueueGossip(env)
	return nil
}
