package llm

import "context"

// Message roles understood by every provider
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one prior turn of the conversation
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is a single generation call: a system directive, prior turns in
// chronological order and the new visitor message.
type Request struct {
	SystemPrompt string
	History      []Message
	Content      string
}

// Generation is the provider's reply
type Generation struct {
	Content string
	Model   string
}

// Provider defines the interface for generation providers (OpenRouter, OpenAI, Anthropic)
type Provider interface {
	// Generate returns the reply text. Implementations honour ctx cancellation.
	Generate(ctx context.Context, req Request) (*Generation, error)

	// DefaultModel returns the model tag used for replies from this provider
	DefaultModel() string
}
