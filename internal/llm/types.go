package llm

import (
	"context"
)

// Request is a single tensor-cell call: one prompt against one model.
// The credential is handed in by the caller; adapters hold no key state.
type Request struct {
	Domain    string
	PromptID  string
	Prompt    string
	Model     string
	Key       string
	KeyIndex  int
	MaxTokens int
}

// Result is a normalized provider response. Content is guaranteed non-empty;
// an empty content field is surfaced as a malformed-kind error instead.
type Result struct {
	Content   string
	TokensIn  int
	TokensOut int
	Raw       []byte
}

// Client is implemented by each provider adapter. Adapters are pure: no
// sleeps, no retries, no shared mutable state. Pacing and retry belong to
// the governor and the worker.
type Client interface {
	Name() string
	Do(ctx context.Context, req Request) (Result, error)
	// Probe issues a minimal call to validate that a model identifier is
	// still served. Used once at startup.
	Probe(ctx context.Context, model, key string) error
}
