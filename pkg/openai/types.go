// Package openai defines the request/response shapes the daemon's
// /v1/chat/completions and /v1/embeddings endpoints accept, so any
// existing OpenAI client library can point at a node's daemon address
// and route through the mesh instead of a cloud API.
package openai

import "encoding/json"

// ChatMessage is one turn of a chat completion request.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatCompletionRequest mirrors the OpenAI chat completions request body,
// trimmed to the fields the mesh's router and executor act on. Model
// selects a route_hint or model-family glob rather than a literal
// provider model name.
type ChatCompletionRequest struct {
	Model       string        `json:"model,omitempty"`
	Messages    []ChatMessage `json:"messages"`
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
}

// ChatCompletionChoice is one completion alternative. The mesh never
// returns more than one.
type ChatCompletionChoice struct {
	Index        int         `json:"index"`
	Message      ChatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

// Usage reports token accounting, filled in when the chosen capability
// reports it; zero otherwise.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ChatCompletionResponse mirrors the OpenAI chat completions response
// body.
type ChatCompletionResponse struct {
	ID      string                  `json:"id"`
	Object  string                  `json:"object"`
	Created int64                   `json:"created"`
	Model   string                  `json:"model"`
	Choices []ChatCompletionChoice  `json:"choices"`
	Usage   Usage                   `json:"usage"`
	NodeID  string                  `json:"node_id"` // mesh extension: which peer served this
}

// EmbeddingRequest mirrors the OpenAI embeddings request body. Input may
// be a single string or a batch; the daemon accepts either by decoding
// Input as json.RawMessage and normalizing before routing.
type EmbeddingRequest struct {
	Model string          `json:"model,omitempty"`
	Input json.RawMessage `json:"input"`
}

// EmbeddingData is one vector in an EmbeddingResponse.
type EmbeddingData struct {
	Object    string    `json:"object"`
	Index     int       `json:"index"`
	Embedding []float64 `json:"embedding"`
}

// EmbeddingResponse mirrors the OpenAI embeddings response body.
type EmbeddingResponse struct {
	Object string          `json:"object"`
	Model  string          `json:"model"`
	Data   []EmbeddingData `json:"data"`
	Usage  Usage           `json:"usage"`
	NodeID string          `json:"node_id"`
}
