// Package llm defines the text-generation capability the engine consumes.
// Provider clients live outside the core; the orchestrator and agents only
// see the Generator interface, its typed errors, and token usage.
package llm

import (
	"context"

	"forge/internal/token"
)

// Options enumerate the generation parameters the core recognizes.
type Options struct {
	MaxTokens   int     `json:"max_tokens,omitempty" mapstructure:"max_tokens"`
	Temperature float64 `json:"temperature,omitempty" mapstructure:"temperature"`
	TopP        float64 `json:"top_p,omitempty" mapstructure:"top_p"`
}

// Request is a single generation call.
type Request struct {
	Prompt       string
	SystemPrompt string
	Options      Options

	// Metadata carries routing and accounting hints (role, stage,
	// capability). Providers may ignore it; scripted generators key on it.
	Metadata map[string]string
}

// Result is the outcome of a generation call with token accounting.
type Result struct {
	Content          string `json:"content"`
	PromptTokens     int    `json:"prompt_tokens"`
	CompletionTokens int    `json:"completion_tokens"`
	TotalTokens      int    `json:"total_tokens"`
}

// Chunk is one element of a streamed generation. The sequence is finite and
// non-restartable; Done marks the final chunk.
type Chunk struct {
	Content string
	Done    bool
}

// Generator is the narrow text-generation interface the core consumes.
type Generator interface {
	Generate(ctx context.Context, req Request) (*Result, error)
	GenerateStream(ctx context.Context, req Request) (<-chan Chunk, error)
	Provider() string
	Model() string
}

// EnsureUsage fills in token counts estimated from the request and content
// when the provider reported none.
func EnsureUsage(req Request, res *Result) {
	if res == nil {
		return
	}
	if res.PromptTokens == 0 {
		res.PromptTokens = token.Count(req.SystemPrompt) + token.Count(req.Prompt)
	}
	if res.CompletionTokens == 0 {
		res.CompletionTokens = token.Count(res.Content)
	}
	if res.TotalTokens == 0 {
		res.TotalTokens = res.PromptTokens + res.CompletionTokens
	}
}
