package llm

import "context"

// Message is a single turn in a chat-style completion request.
type Message struct {
	Role    string // "system" | "user" | "assistant"
	Content string
}

// Usage reports token accounting for a completion, used by the ranker and
// explanation engine to attribute spend per model.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// StreamHandler receives incremental output from ChatStream.
type StreamHandler interface {
	OnDelta(content string)
}

// Provider is the narrow interface every model-cascade tier implements
// (Anthropic, OpenAI, Gemini). Model selection happens one layer up, in the
// cascade wrapper; a Provider only knows how to talk to one vendor API.
type Provider interface {
	Name() string
	Chat(ctx context.Context, msgs []Message, model string, temperature float64) (Message, Usage, error)
	ChatStream(ctx context.Context, msgs []Message, model string, temperature float64, h StreamHandler) (Usage, error)
}
