package daemon

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/atmosphere-mesh/atmosphere/internal/meshmodel"
	"github.com/atmosphere-mesh/atmosphere/internal/router"
	"github.com/atmosphere-mesh/atmosphere/internal/token"
)

// maxRequestBodySize bounds JSON request bodies against unbounded or
// malicious payloads.
const maxRequestBodySize = 1 << 20 // 1 MB

// defaultTokenTTL is used when MeshTokenRequest.TTLSeconds is unset.
const defaultTokenTTL = 24 * time.Hour

func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/mesh/status", s.handleMeshStatus)
	mux.HandleFunc("POST /api/mesh/token", s.handleMeshToken)
	mux.HandleFunc("POST /api/mesh/join", s.handleMeshJoin)
	mux.HandleFunc("GET /api/mesh/peers", s.handleMeshPeers)
	mux.HandleFunc("GET /api/mesh/topology", s.handleMeshTopology)
	mux.HandleFunc("GET /api/capabilities", s.handleCapabilities)
	mux.HandleFunc("POST /api/capabilities", s.handleCapabilityRegister)
	mux.HandleFunc("DELETE /api/capabilities/{id}", s.handleCapabilityDeregister)
	mux.HandleFunc("POST /api/mesh/revoke", s.handleMeshRevoke)
	mux.HandleFunc("POST /api/route", s.handleRoute)
	mux.HandleFunc("POST /api/execute", s.handleExecute)
	mux.HandleFunc("GET /api/cost/current", s.handleCostCurrent)
	mux.HandleFunc("GET /api/approval/config", s.handleApprovalConfigGet)
	mux.HandleFunc("POST /api/approval/config", s.handleApprovalConfigPost)
	mux.HandleFunc("GET /api/ws", s.handleWS)

	mux.HandleFunc("POST /v1/chat/completions", s.handleChatCompletions)
	mux.HandleFunc("POST /v1/embeddings", s.handleEmbeddings)
	mux.HandleFunc("POST /v1/ml/anomaly", s.handleMLAnomaly)
	mux.HandleFunc("POST /v1/ml/classify", s.handleMLClassify)
}

// --- response helpers ---

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(DataResponse{Data: data})
}

// respondError writes a JSON error response. kind, when non-empty, names
// the meshmodel error-taxonomy kind the caller can match on.
func respondError(w http.ResponseWriter, status int, msg, kind string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{Error: msg, Kind: kind})
}

// respondTaxonomyErr maps err through meshmodel.StatusCode and writes it,
// the one place the daemon's error-to-HTTP mapping happens (spec §7).
func respondTaxonomyErr(w http.ResponseWriter, err error) {
	respondError(w, meshmodel.StatusCode(err), err.Error(), taxonomyKind(err))
}

func taxonomyKind(err error) string {
	for _, kind := range []error{
		meshmodel.ErrValidation, meshmodel.ErrNotAuthorized, meshmodel.ErrNoCapability,
		meshmodel.ErrNotFound, meshmodel.ErrTimeout, meshmodel.ErrOwnerConflict,
		meshmodel.ErrTransportFailure, meshmodel.ErrStale, meshmodel.ErrHandlerError,
	} {
		if errors.Is(err, kind) {
			return kind.Error()
		}
	}
	return ""
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		respondError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err), meshmodel.ErrValidation.Error())
		return false
	}
	return true
}

// --- handlers ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, HealthResponse{
		OK:      true,
		Version: s.version,
		Uptime:  int(time.Since(s.runtime.StartedAt()).Seconds()),
	})
}

func (s *Server) handleMeshStatus(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, MeshStatusResponse{
		NodeID:          s.runtime.NodeID(),
		MeshID:          s.runtime.MeshID(),
		MeshName:        s.runtime.MeshName(),
		Role:            s.runtime.Role(),
		Endpoints:       s.runtime.Endpoints(),
		PeerCount:       len(s.pool.Peers()),
		CapabilityCount: s.registry.Count(),
		UptimeSeconds:   int(time.Since(s.runtime.StartedAt()).Seconds()),
	})
}

func (s *Server) handleMeshToken(w http.ResponseWriter, r *http.Request) {
	var req MeshTokenRequest
	if r.ContentLength != 0 && !decodeJSON(w, r, &req) {
		return
	}
	ttl := defaultTokenTTL
	if req.TTLSeconds > 0 {
		ttl = time.Duration(req.TTLSeconds) * time.Second
	}

	tok, err := s.runtime.IssueJoinToken(r.Context(), ttl, req.Grants)
	if err != nil {
		respondTaxonomyErr(w, err)
		return
	}

	sigB64, err := tok.EncodeBase64()
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error(), meshmodel.ErrHandlerError.Error())
		return
	}

	endpoints := s.runtime.Endpoints()
	resp := MeshTokenResponse{
		TokenID:      fmt.Sprintf("%s/%d", tok.IssuerNodeID(), tok.ExpiresAt().Unix()),
		MeshID:       tok.MeshID(),
		MeshName:     s.runtime.MeshName(),
		IssuerNodeID: tok.IssuerNodeID(),
		Grants:       req.Grants,
		IssuedAt:     tok.ExpiresAt().Add(-ttl).Unix(),
		ExpiresAt:    tok.ExpiresAt().Unix(),
		Endpoints:    endpoints,
		SignatureB64: sigB64,
	}
	resp.QRURI = buildJoinURI(resp)
	respondJSON(w, http.StatusOK, resp)
}

// buildJoinURI builds the atmosphere://join QR payload (spec §6): the
// new multi-endpoint form, plus a legacy &endpoint= for single-endpoint
// scanners.
func buildJoinURI(resp MeshTokenResponse) string {
	endpointsJSON, _ := json.Marshal(resp.Endpoints)
	v := url.Values{}
	v.Set("token", resp.SignatureB64)
	v.Set("mesh", resp.MeshID)
	v.Set("endpoints", string(endpointsJSON))
	legacy := resp.Endpoints.Public
	if legacy == "" {
		legacy = resp.Endpoints.Local
	}
	if legacy != "" {
		v.Set("endpoint", legacy)
	}
	return "atmosphere://join?" + v.Encode()
}

func (s *Server) handleMeshJoin(w http.ResponseWriter, r *http.Request) {
	var req MeshJoinRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	tok, err := token.DecodeBase64(req.TokenB64)
	if err != nil {
		respondError(w, http.StatusBadRequest, fmt.Sprintf("invalid token: %v", err), meshmodel.ErrValidation.Error())
		return
	}

	result, err := s.runtime.Join(r.Context(), tok, req.ProposedCaps)
	if err != nil {
		respondTaxonomyErr(w, err)
		return
	}

	respondJSON(w, http.StatusOK, MeshJoinResponse{
		MeshID:       result.MeshID,
		PeerNodeID:   result.Session.PeerNodeID(),
		SessionID:    result.Session.SessionID(),
		AcceptedCaps: req.ProposedCaps,
	})
}

func (s *Server) handleMeshPeers(w http.ResponseWriter, r *http.Request) {
	ids := s.pool.Peers()
	peers := make([]PeerSummary, 0, len(ids))
	for _, id := range ids {
		sess, ok := s.pool.Get(id)
		if !ok {
			continue
		}
		peers = append(peers, PeerSummary{
			NodeID:     sess.PeerNodeID(),
			PathType:   string(sess.PathType()),
			RemoteAddr: sess.RemoteAddr(),
			SessionID:  sess.SessionID(),
		})
	}
	respondJSON(w, http.StatusOK, PeerListResponse{Peers: peers})
}

func (s *Server) handleMeshTopology(w http.ResponseWriter, r *http.Request) {
	nodes, links := s.runtime.Topology()
	respondJSON(w, http.StatusOK, TopologyResponse{Nodes: nodes, Links: links})
}

func (s *Server) handleCapabilities(w http.ResponseWriter, r *http.Request) {
	if t := r.URL.Query().Get("type"); t != "" {
		respondJSON(w, http.StatusOK, CapabilityListResponse{
			Capabilities: s.registry.FindByType(meshmodel.CapabilityType(t)),
		})
		return
	}
	respondJSON(w, http.StatusOK, CapabilityListResponse{Capabilities: s.registry.All()})
}

func (s *Server) handleCapabilityRegister(w http.ResponseWriter, r *http.Request) {
	var cap meshmodel.Capability
	if !decodeJSON(w, r, &cap) {
		return
	}
	if err := s.runtime.RegisterCapability(r.Context(), &cap); err != nil {
		respondTaxonomyErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, cap)
}

func (s *Server) handleCapabilityDeregister(w http.ResponseWriter, r *http.Request) {
	capID := r.PathValue("id")
	if err := s.runtime.DeregisterCapability(r.Context(), capID); err != nil {
		respondTaxonomyErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"cap_id": capID})
}

func (s *Server) handleMeshRevoke(w http.ResponseWriter, r *http.Request) {
	var req TokenRevokeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Fingerprint == "" {
		respondError(w, http.StatusBadRequest, "fingerprint is required", meshmodel.ErrValidation.Error())
		return
	}
	if err := s.runtime.RevokeToken(r.Context(), req.Fingerprint, req.Reason); err != nil {
		respondTaxonomyErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"fingerprint": req.Fingerprint})
}

func (s *Server) handleRoute(w http.ResponseWriter, r *http.Request) {
	var req RouteRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	intent := router.Intent{
		ExplicitPath: req.ExplicitPath,
		Type:         req.Type,
		Text:         req.Text,
	}
	if req.Inference {
		intent.Inference = true
	}

	result, err := s.router.Route(r.Context(), intent)
	if err != nil {
		if s.metrics != nil {
			s.metrics.RouteDecisionsTotal.WithLabelValues("no_capability").Inc()
		}
		respondTaxonomyErr(w, err)
		return
	}
	if s.metrics != nil {
		s.metrics.RouteDecisionsTotal.WithLabelValues("chosen").Inc()
	}
	s.audit.RouteDecision(req.Text, result.ChosenCapID, result.ChosenCapID)
	s.publishRouteEvent(req.Text, result.ChosenCapID)

	respondJSON(w, http.StatusOK, RouteResponse{
		ChosenCapID:  result.ChosenCapID,
		Score:        result.Score,
		Reasoning:    result.Reasoning,
		Alternatives: result.Alternatives,
	})
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req ExecuteRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	deadline := time.Now().Add(30 * time.Second)
	if req.DeadlineMs > 0 {
		deadline = time.Now().Add(time.Duration(req.DeadlineMs) * time.Millisecond)
	}

	start := time.Now()
	result := s.executor.Execute(r.Context(), req.CapID, req.Tool, req.Payload, deadline)
	if s.metrics != nil {
		s.metrics.ExecutorDurationSeconds.WithLabelValues(req.Tool, string(result.Failure)).Observe(time.Since(start).Seconds())
		if !result.Succeeded() {
			s.metrics.ExecutorFailuresTotal.WithLabelValues(string(result.Failure)).Inc()
		}
	}

	resp := ExecuteResponse{
		RequestID: result.RequestID,
		Output:    result.Output,
		Failure:   string(result.Failure),
	}
	if result.Err != nil {
		resp.ErrMsg = result.Err.Error()
	}
	if !result.Succeeded() {
		respondJSON(w, http.StatusOK, resp) // executor failures are reported in-band, not as HTTP errors
		return
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCostCurrent(w http.ResponseWriter, r *http.Request) {
	factors, _ := s.costTable.CostFor(s.runtime.NodeID())
	respondJSON(w, http.StatusOK, CostResponse{CostFactors: factors})
}

func (s *Server) handleApprovalConfigGet(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, ApprovalConfigResponse{Config: s.gate.Config()})
}

func (s *Server) handleApprovalConfigPost(w http.ResponseWriter, r *http.Request) {
	var req ApprovalConfigUpdateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := req.Config.Validate(); err != nil {
		respondError(w, http.StatusBadRequest, err.Error(), meshmodel.ErrValidation.Error())
		return
	}
	s.gate.UpdateConfig(req.Config)
	s.audit.PolicyChange("approval_config_update", s.runtime.NodeID())
	respondJSON(w, http.StatusOK, ApprovalConfigResponse{Config: req.Config})
}
