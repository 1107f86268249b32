package transport

import (
	"context"
	"time"

	"github.com/atmosphere-mesh/atmosphere/internal/executor"
	"github.com/atmosphere-mesh/atmosphere/internal/gossip"
)

// ExecutorInvokeHandler adapts an Executor to the InvokeHandler a Session
// needs to serve incoming capability_invoke messages for capabilities this
// node owns.
func ExecutorInvokeHandler(exec *executor.Executor) InvokeHandler {
	return func(ctx context.Context, req *InvokeMsg) *ResultMsg {
		var deadline time.Time
		if req.DeadlineUnixMS > 0 {
			deadline = time.UnixMilli(req.DeadlineUnixMS)
		}
		result := exec.Execute(ctx, req.CapID, req.Tool, req.Payload, deadline)
		// Execute mints its own request_id for local tracking; the caller
		// on the other end of this session is waiting on the one it sent,
		// so that's the one that goes back on the wire.
		return &ResultMsg{
			RequestID: req.RequestID,
			Output:    result.Output,
			Failure:   string(result.Failure),
			ErrMsg:    errString(result.Err),
		}
	}
}

// GossipForwarder adapts a gossip Engine, bound to the peer a given
// Session talks to, into the GossipHandler that Session invokes on every
// incoming MsgGossip frame.
func GossipForwarder(engine *gossip.Engine, peerNodeID string) GossipHandler {
	return func(data []byte) {
		_ = engine.HandleIncoming(context.Background(), peerNodeID, data)
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
