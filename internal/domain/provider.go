package domain

import "context"

// LLMProvider is the interface for any LLM backend.
type LLMProvider interface {
	// Chat sends a request and returns a complete response.
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
	// Name returns the provider's identifier (e.g., "openai", "groq").
	Name() string
}

// ModelGateway drives one model call for the executor. Errors wrap
// ErrProviderUnavailable, ErrProviderRejected or ErrQuotaExceeded.
type ModelGateway interface {
	Converse(ctx context.Context, conversation []Message, tools []ToolDescriptor, mc ModelConfig) (ModelTurn, error)
}
