// Package provider defines the opaque LLM client used by the engine and an
// OpenAI-compatible HTTP implementation of it. The engine never talks to a
// network itself; everything it knows about a provider goes through Client.
package provider

import (
	"context"
	"time"
)

// Usage is token accounting reported by a provider for one generation.
type Usage struct {
	PromptTokens     int  `json:"prompt_tokens,omitempty"`
	CompletionTokens int  `json:"completion_tokens,omitempty"`
	TotalTokens      int  `json:"total_tokens,omitempty"`
	Estimated        bool `json:"estimated,omitempty"`
}

// Request is a single generation request.
type Request struct {
	Model       string  `json:"model"`
	System      string  `json:"system,omitempty"`
	Prompt      string  `json:"prompt"`
	Temperature float32 `json:"temperature,omitempty"`
	TopP        float32 `json:"top_p,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
}

// Response is a complete (non-streaming) generation result.
type Response struct {
	Text     string `json:"text"`
	Model    string `json:"model"`
	Provider string `json:"provider,omitempty"`
	Usage    Usage  `json:"usage"`
}

// Chunk is one element of a streaming generation. The final chunk has Done
// set and may carry usage; a failed stream ends with Err set instead.
type Chunk struct {
	Delta string `json:"delta,omitempty"`
	Done  bool   `json:"done,omitempty"`
	Usage *Usage `json:"usage,omitempty"`
	Err   error  `json:"-"`
}

// TimeoutBudget holds the per-operation-kind timeout budgets. These are
// configuration inputs; zero values disable the corresponding budget.
type TimeoutBudget struct {
	// Request bounds a whole non-streaming completion call.
	Request time.Duration `yaml:"request" json:"request"`

	// Connect bounds connection establishment.
	Connect time.Duration `yaml:"connect" json:"connect"`

	// FirstToken bounds the wait for the first streamed token.
	FirstToken time.Duration `yaml:"first_token" json:"first_token"`

	// StreamIdle bounds the gap between consecutive streamed tokens.
	StreamIdle time.Duration `yaml:"stream_idle" json:"stream_idle"`
}

// DefaultTimeoutBudget returns sensible defaults.
func DefaultTimeoutBudget() TimeoutBudget {
	return TimeoutBudget{
		Request:    120 * time.Second,
		Connect:    15 * time.Second,
		FirstToken: 45 * time.Second,
		StreamIdle: 30 * time.Second,
	}
}

// Client is the provider abstraction the engine executes against.
type Client interface {
	// Complete performs a blocking generation.
	Complete(ctx context.Context, req *Request) (*Response, error)

	// Stream performs a streaming generation. The returned channel is
	// closed after the final or error chunk.
	Stream(ctx context.Context, req *Request) (<-chan Chunk, error)

	// Name returns the provider's identifier.
	Name() string
}
