package daemon

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/atmosphere-mesh/atmosphere/internal/executor"
	"github.com/atmosphere-mesh/atmosphere/internal/meshmodel"
	"github.com/atmosphere-mesh/atmosphere/internal/router"
	"github.com/atmosphere-mesh/atmosphere/pkg/openai"
)

// writeOpenAIJSON writes v at the wire's top level, unlike respondJSON,
// which wraps every other endpoint's payload in DataResponse: an
// OpenAI-compatible client expects "choices"/"data" at the root, not
// nested under a mesh-specific envelope.
func writeOpenAIJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// routeAndExecute runs the two-step route-then-execute path shared by
// every OpenAI-compatible and ml/* endpoint: find the best capability of
// capType for text, then invoke tool on it with payload, within deadline.
// Unlike handleExecute, a failed invocation here is reported as an HTTP
// error: these endpoints speak an external client's wire format, which
// has no in-band failure field to carry it.
func (s *Server) routeAndExecute(w http.ResponseWriter, r *http.Request, capType meshmodel.CapabilityType, text, tool string, payload []byte, deadline time.Duration) (string, []byte, bool) {
	result, err := s.router.Route(r.Context(), router.Intent{Type: capType, Text: text})
	if err != nil {
		respondTaxonomyErr(w, err)
		return "", nil, false
	}

	exec := s.executor.Execute(r.Context(), result.ChosenCapID, tool, payload, time.Now().Add(deadline))
	if s.metrics != nil {
		s.metrics.ExecutorDurationSeconds.WithLabelValues(tool, string(exec.Failure)).Observe(exec.Duration.Seconds())
		if !exec.Succeeded() {
			s.metrics.ExecutorFailuresTotal.WithLabelValues(string(exec.Failure)).Inc()
		}
	}
	if !exec.Succeeded() {
		msg := string(exec.Failure)
		if exec.Err != nil {
			msg = exec.Err.Error()
		}
		status := http.StatusBadGateway
		if exec.Failure == executor.FailureValidationError {
			status = http.StatusBadRequest
		}
		writeOpenAIJSON(w, status, ErrorResponse{Error: msg, Kind: string(exec.Failure)})
		return "", nil, false
	}
	return result.ChosenCapID, exec.Output, true
}

// handleChatCompletions serves POST /v1/chat/completions, routing to the
// best llm/chat capability and adapting its raw handler output into an
// OpenAI-shaped response.
func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	var req openai.ChatCompletionRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	var sb strings.Builder
	for _, m := range req.Messages {
		sb.WriteString(m.Role)
		sb.WriteString(": ")
		sb.WriteString(m.Content)
		sb.WriteString("\n")
	}

	payload, err := json.Marshal(req)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error(), meshmodel.ErrValidation.Error())
		return
	}

	capID, output, ok := s.routeAndExecute(w, r, meshmodel.TypeLLMChat, sb.String(), "chat", payload, 30*time.Second)
	if !ok {
		return
	}

	var out struct {
		Content string       `json:"content"`
		Usage   openai.Usage `json:"usage"`
	}
	if err := json.Unmarshal(output, &out); err != nil {
		out.Content = string(output)
	}

	writeOpenAIJSON(w, http.StatusOK, openai.ChatCompletionResponse{
		ID:      capID,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   req.Model,
		NodeID:  nodeIDFromCapID(capID),
		Usage:   out.Usage,
		Choices: []openai.ChatCompletionChoice{{
			Index:        0,
			Message:      openai.ChatMessage{Role: "assistant", Content: out.Content},
			FinishReason: "stop",
		}},
	})
}

// handleEmbeddings serves POST /v1/embeddings, routing to the best
// llm/embed capability.
func (s *Server) handleEmbeddings(w http.ResponseWriter, r *http.Request) {
	var req openai.EmbeddingRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	payload, err := json.Marshal(req)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error(), meshmodel.ErrValidation.Error())
		return
	}

	capID, output, ok := s.routeAndExecute(w, r, meshmodel.TypeLLMEmbed, string(req.Input), "embed", payload, 10*time.Second)
	if !ok {
		return
	}

	var out struct {
		Vectors [][]float64  `json:"vectors"`
		Usage   openai.Usage `json:"usage"`
	}

	if err := json.Unmarshal(output, &out); err != nil {
		respondError(w, http.StatusBadGateway, fmt.Sprintf("malformed embed handler output: %v", err), meshmodel.ErrHandlerError.Error())
		return
	}

	data := make([]openai.EmbeddingData, len(out.Vectors))
	for i, v := range out.Vectors {
		data[i] = openai.EmbeddingData{Object: "embedding", Index: i, Embedding: v}
	}

	writeOpenAIJSON(w, http.StatusOK, openai.EmbeddingResponse{
		Object: "list",
		Model:  req.Model,
		Data:   data,
		Usage:  out.Usage,
		NodeID: nodeIDFromCapID(capID),
	})
}

// handleMLAnomaly serves POST /v1/ml/anomaly, routing to the best
// ml/anomaly capability.
func (s *Server) handleMLAnomaly(w http.ResponseWriter, r *http.Request) {
	var req MLAnomalyRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	payload, _ := json.Marshal(req)

	capID, output, ok := s.routeAndExecute(w, r, meshmodel.TypeMLAnomaly, "anomaly detection", "detect", payload, 10*time.Second)
	if !ok {
		return
	}

	var resp MLAnomalyResponse
	if err := json.Unmarshal(output, &resp); err != nil {
		respondError(w, http.StatusBadGateway, fmt.Sprintf("malformed anomaly handler output: %v", err), meshmodel.ErrHandlerError.Error())
		return
	}
	resp.NodeID = nodeIDFromCapID(capID)
	respondJSON(w, http.StatusOK, resp)
}

// handleMLClassify serves POST /v1/ml/classify, routing to the best
// ml/classify capability. Unlike the OpenAI-compatible endpoints, this is
// atmosphere-native and stays on respondJSON's DataResponse envelope.
func (s *Server) handleMLClassify(w http.ResponseWriter, r *http.Request) {
	var req MLClassifyRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	payload, _ := json.Marshal(req)

	capID, output, ok := s.routeAndExecute(w, r, meshmodel.TypeMLClassify, "classification", "classify", payload, 10*time.Second)
	if !ok {
		return
	}

	var resp MLClassifyResponse
	if err := json.Unmarshal(output, &resp); err != nil {
		respondError(w, http.StatusBadGateway, fmt.Sprintf("malformed classify handler output: %v", err), meshmodel.ErrHandlerError.Error())
		return
	}
	resp.NodeID = nodeIDFromCapID(capID)
	respondJSON(w, http.StatusOK, resp)
}

// nodeIDFromCapID extracts the owning node_id prefix from a cap_id of the
// conventional "node_id/label" shape used across the registry; falls back
// to the full cap_id when no separator is present.
func nodeIDFromCapID(capID string) string {
	if i := strings.IndexByte(capID, '/'); i >= 0 {
		return capID[:i]
	}
	return capID
}
