// Command atmosphere-relay is the dumb message-forwarding hub of spec
// §4.7: a gorilla/websocket server that keeps one room per mesh_id and
// forwards each envelope to the node_id it names, without ever looking at
// the envelope's body. It carries none of the identity, capability or
// routing logic that lives in the mesh itself — any node on the mesh,
// founder or not, is free to run one.
//
// Adapted from the teacher's libp2p circuit relay server
// (relay-server/main.go, cmd/peerup/cmd_relay_serve.go): same status
// output and signal-driven graceful shutdown, but circuitv2.New's relay
// reservation machinery has no equivalent here — there's nothing to
// reserve, just a socket to keep open and a map to route through.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/gorilla/websocket"
)

var (
	version = "dev"
)

// envelopeHeader decodes just the routing fields of transport.RelayEnvelope.
// Body is left unread and forwarded byte-for-byte: this hub never knows or
// cares what it carries.
type envelopeHeader struct {
	To   string `cbor:"1,keyasint"`
	From string `cbor:"2,keyasint"`
}

type conn struct {
	ws     *websocket.Conn
	nodeID string
	mu     sync.Mutex // serializes writes; gorilla connections aren't write-concurrent-safe
}

func (c *conn) send(raw []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteMessage(websocket.BinaryMessage, raw)
}

// hub is every mesh's room of currently-connected node sockets.
type hub struct {
	mu    sync.RWMutex
	rooms map[string]map[string]*conn
}

func newHub() *hub {
	return &hub{rooms: make(map[string]map[string]*conn)}
}

func (h *hub) join(meshID string, c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	room, ok := h.rooms[meshID]
	if !ok {
		room = make(map[string]*conn)
		h.rooms[meshID] = room
	}
	room[c.nodeID] = c
}

func (h *hub) leave(meshID, nodeID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	room, ok := h.rooms[meshID]
	if !ok {
		return
	}
	delete(room, nodeID)
	if len(room) == 0 {
		delete(h.rooms, meshID)
	}
}

func (h *hub) lookup(meshID, nodeID string) (*conn, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	room, ok := h.rooms[meshID]
	if !ok {
		return nil, false
	}
	c, ok := room[nodeID]
	return c, ok
}

func (h *hub) peerCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, room := range h.rooms {
		n += len(room)
	}
	return n
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  16 << 10,
	WriteBufferSize: 16 << 10,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func (h *hub) serveWS(w http.ResponseWriter, r *http.Request) {
	meshID := r.URL.Query().Get("mesh_id")
	nodeID := r.URL.Query().Get("node_id")
	if meshID == "" || nodeID == "" {
		http.Error(w, "mesh_id and node_id query params required", http.StatusBadRequest)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("relay: upgrade failed", "err", err)
		return
	}
	c := &conn{ws: ws, nodeID: nodeID}
	h.join(meshID, c)
	slog.Info("relay: node joined", "mesh_id", meshID, "node_id", nodeID)

	defer func() {
		h.leave(meshID, nodeID)
		ws.Close()
		slog.Info("relay: node left", "mesh_id", meshID, "node_id", nodeID)
	}()

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			return
		}
		var hdr envelopeHeader
		if err := cbor.Unmarshal(raw, &hdr); err != nil {
			slog.Warn("relay: malformed envelope, dropped", "mesh_id", meshID, "from", nodeID)
			continue
		}
		target, ok := h.lookup(meshID, hdr.To)
		if !ok {
			// No durability guarantee: an offline peer simply never sees it.
			continue
		}
		if err := target.send(raw); err != nil {
			slog.Warn("relay: forward failed", "mesh_id", meshID, "to", hdr.To, "err", err)
		}
	}
}

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})))

	addr := flag.String("addr", ":8765", "address to listen on")
	healthAddr := flag.String("health-addr", "127.0.0.1:8766", "address for the /healthz endpoint")
	flag.Parse()

	fmt.Printf("=== Atmosphere Relay (%s) ===\n", version)
	fmt.Println()

	h := newHub()
	startTime := time.Now()

	wsMux := http.NewServeMux()
	wsMux.HandleFunc("/relay", h.serveWS)
	wsServer := &http.Server{Addr: *addr, Handler: wsMux}

	healthMux := http.NewServeMux()
	healthMux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		host, _, _ := net.SplitHostPort(r.RemoteAddr)
		if ip := net.ParseIP(host); ip != nil && !ip.IsLoopback() {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"status":          "ok",
			"uptime_seconds":  int(time.Since(startTime).Seconds()),
			"connected_peers": h.peerCount(),
		})
	})
	healthServer := &http.Server{Addr: *healthAddr, Handler: healthMux, ReadTimeout: 5 * time.Second, WriteTimeout: 5 * time.Second}

	go func() {
		slog.Info("relay: listening", "addr", *addr)
		if err := wsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("relay: server error", "err", err)
		}
	}()
	go func() {
		slog.Info("relay: health endpoint", "addr", *healthAddr)
		if err := healthServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("relay: health endpoint error", "err", err)
		}
	}()

	fmt.Println("Press Ctrl+C to stop.")

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	<-ch
	fmt.Println("\nShutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	wsServer.Shutdown(shutdownCtx)
	healthServer.Shutdown(shutdownCtx)
}
