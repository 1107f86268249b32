package daemon

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/atmosphere-mesh/atmosphere/internal/meshmodel"
)

// wsFrame is one JSON message pushed over /api/ws: a gossip preview, a
// cost update, or a routing event (spec §6).
type wsFrame struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// wsHub fans gossip-preview and routing-event frames out to every
// connected WebSocket client. Cost updates are pushed on a per-connection
// ticker instead, since they don't need a shared broadcast.
type wsHub struct {
	mu      sync.Mutex
	clients map[chan wsFrame]struct{}
}

func newWSHub() *wsHub {
	return &wsHub{clients: make(map[chan wsFrame]struct{})}
}

func (h *wsHub) register() chan wsFrame {
	ch := make(chan wsFrame, 16)
	h.mu.Lock()
	h.clients[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *wsHub) unregister(ch chan wsFrame) {
	h.mu.Lock()
	delete(h.clients, ch)
	h.mu.Unlock()
	close(ch)
}

func (h *wsHub) broadcast(f wsFrame) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.clients {
		select {
		case ch <- f:
		default: // slow client, drop the frame rather than block the gossip path
		}
	}
}

// watchGossip subscribes the hub to every announcement kind the gossip
// engine accepts, previewing them to WS clients as they arrive. It must
// be called once, after the Engine is constructed and before Start.
func (s *Server) watchGossip() {
	if s.gossip == nil {
		return
	}
	kinds := []meshmodel.AnnouncementKind{
		meshmodel.KindCapabilityAvailable,
		meshmodel.KindCapabilityHeartbeat,
		meshmodel.KindCapabilityRemoved,
		meshmodel.KindCostUpdate,
		meshmodel.KindTokenRevoked,
		meshmodel.KindNodeJoin,
		meshmodel.KindNodeLeave,
	}
	for _, kind := range kinds {
		s.gossip.OnKind(kind, func(a *meshmodel.Announcement) error {
			s.wsHub.broadcast(wsFrame{Type: "gossip", Data: a})
			return nil
		})
	}
}

// publishRouteEvent previews a routing decision to WS clients. Called by
// handleRoute after Router.Route returns.
func (s *Server) publishRouteEvent(intentText, chosenCapID string) {
	s.wsHub.broadcast(wsFrame{
		Type: "route",
		Data: map[string]string{
			"intent":        intentText,
			"chosen_cap_id": chosenCapID,
		},
	})
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true }, // local daemon API, not browser-facing
}

// handleWS upgrades to a WebSocket and streams gossip previews, cost
// updates (every 30s), and routing events as JSON frames until the
// client disconnects.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("daemon ws upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ch := s.wsHub.register()
	defer s.wsHub.unregister(ch)

	costTicker := time.NewTicker(30 * time.Second)
	defer costTicker.Stop()

	// Drain client-initiated pings/closes in a separate goroutine so a
	// read error (including normal close) tears down the write side too.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			return
		case f, ok := <-ch:
			if !ok {
				return
			}
			if err := conn.WriteJSON(f); err != nil {
				return
			}
		case <-costTicker.C:
			factors, _ := s.costTable.CostFor(s.runtime.NodeID())
			if err := conn.WriteJSON(wsFrame{Type: "cost", Data: factors}); err != nil {
				return
			}
		}
	}
}
