package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/gorilla/websocket"
)

// echoHubServer is a minimal stand-in for cmd/atmosphere-relay's forwarding
// hub: it keeps every connected node_id's socket in one room per mesh_id
// and relays each envelope's raw bytes to its addressed recipient,
// exercising RelayMux/relayPeerConn against a real (if tiny) WebSocket
// server instead of mocking the wire.
type relayEnvelopeHeader struct {
	To   string `cbor:"1,keyasint"`
	From string `cbor:"2,keyasint"`
}

func echoHubServer(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

	type conn struct {
		ws *websocket.Conn
	}
	var mu sync.Mutex
	rooms := map[string]map[string]*conn{}

	mux := http.NewServeMux()
	mux.HandleFunc("/relay", func(w http.ResponseWriter, r *http.Request) {
		meshID := r.URL.Query().Get("mesh_id")
		nodeID := r.URL.Query().Get("node_id")
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		c := &conn{ws: ws}
		mu.Lock()
		if rooms[meshID] == nil {
			rooms[meshID] = map[string]*conn{}
		}
		rooms[meshID][nodeID] = c
		mu.Unlock()

		for {
			_, raw, err := ws.ReadMessage()
			if err != nil {
				return
			}
			var hdr relayEnvelopeHeader
			if err := cbor.Unmarshal(raw, &hdr); err != nil {
				continue
			}
			mu.Lock()
			target, ok := rooms[meshID][hdr.To]
			mu.Unlock()
			if ok {
				target.ws.WriteMessage(websocket.BinaryMessage, raw)
			}
		}
	})
	return httptest.NewServer(mux)
}

func TestRelayMuxRoundTrip(t *testing.T) {
	srv := echoHubServer(t)
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/relay"

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	muxA, err := DialRelayMux(ctx, wsURL, "mesh-1", "node-a", nil)
	if err != nil {
		t.Fatalf("DialRelayMux A: %v", err)
	}
	defer muxA.Close()

	muxB, err := DialRelayMux(ctx, wsURL, "mesh-1", "node-b", nil)
	if err != nil {
		t.Fatalf("DialRelayMux B: %v", err)
	}
	defer muxB.Close()

	accepted := make(chan *relayPeerConn, 1)
	muxB.SetOnNewPeer(func(pc *relayPeerConn) { accepted <- pc })

	peerConnA := muxA.PeerConn("node-b")
	if err := peerConnA.WriteFrame([]byte("hello-from-a")); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	var peerConnB *relayPeerConn
	select {
	case peerConnB = <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("node-b never saw the inbound peer")
	}

	data, err := peerConnB.ReadFrame()
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if string(data) != "hello-from-a" {
		t.Fatalf("got %q", data)
	}

	if err := peerConnB.WriteFrame([]byte("hi-back")); err != nil {
		t.Fatalf("WriteFrame reply: %v", err)
	}
	reply, err := peerConnA.ReadFrame()
	if err != nil {
		t.Fatalf("ReadFrame reply: %v", err)
	}
	if string(reply) != "hi-back" {
		t.Fatalf("got %q", reply)
	}
}
