package transport

import (
	"context"
	"testing"
	"time"

	"github.com/atmosphere-mesh/atmosphere/internal/executor"
	"github.com/atmosphere-mesh/atmosphere/internal/gossip"
	"github.com/atmosphere-mesh/atmosphere/internal/meshmodel"
	"github.com/atmosphere-mesh/atmosphere/internal/registry"
)

func TestExecutorInvokeHandlerPreservesCallerRequestID(t *testing.T) {
	reg := registry.New()
	if err := reg.Register(&meshmodel.Capability{
		CapID: "node-b:llm", NodeID: "node-b", Type: "llm/chat", Status: meshmodel.StatusOnline,
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	hs := executor.NewHandlerSet()
	hs.RegisterChat("llm/chat", echoChat{})

	exec := executor.New("node-b", reg, hs, nil)
	handler := ExecutorInvokeHandler(exec)

	result := handler(context.Background(), &InvokeMsg{
		RequestID: "caller-chosen-id",
		CapID:     "node-b:llm",
		Payload:   []byte("ping"),
	})

	if result.RequestID != "caller-chosen-id" {
		t.Fatalf("RequestID = %q, want the caller's own id", result.RequestID)
	}
	if string(result.Output) != "ping" {
		t.Fatalf("Output = %q", result.Output)
	}
	if result.Failure != "" {
		t.Fatalf("Failure = %q", result.Failure)
	}
}

type echoChat struct{}

func (echoChat) Chat(ctx context.Context, in executor.InvokeInput) ([]byte, error) {
	return in.Payload, nil
}

func TestGossipForwarderDeliversToEngine(t *testing.T) {
	sender := &noopSender{}
	engine, err := gossip.New("node-a", sender)
	if err != nil {
		t.Fatalf("gossip.New: %v", err)
	}

	var handled *meshmodel.Announcement
	done := make(chan struct{})
	engine.OnKind(meshmodel.KindCapabilityAvailable, func(a *meshmodel.Announcement) error {
		handled = a
		close(done)
		return nil
	})

	ann := &meshmodel.Announcement{
		Kind:      meshmodel.KindCapabilityAvailable,
		Payload:   []byte(`{"cap_id":"node-b:llm"}`),
		Timestamp: float64(time.Now().Unix()),
		TTL:       meshmodel.MaxTTL,
	}
	data, err := gossip.Encode(ann, gossip.CodecCBOR)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	forward := GossipForwarder(engine, "node-b")
	forward(data)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("GossipForwarder never reached the engine's handler")
	}
	if handled == nil || handled.Kind != meshmodel.KindCapabilityAvailable {
		t.Fatalf("handled announcement = %+v", handled)
	}
}

type noopSender struct{}

func (noopSender) Peers() []string                                            { return nil }
func (noopSender) Send(ctx context.Context, nodeID string, data []byte) error { return nil }
