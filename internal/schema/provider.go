package schema

import "context"

// ChatOptions configures a single LLM completion request.
// TopP is fixed at the gateway level and never varies per call site.
type ChatOptions struct {
	Model       string
	MaxTokens   int
	Temperature float64
	TopP        float64
}

// Usage reports token consumption for one completion.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Completion is the normalised response from any LLM provider.
type Completion struct {
	Content      string
	FinishReason string
	Usage        Usage
}

// Provider is the interface every LLM backend must satisfy.
// Implementations return *provider.Error so callers can distinguish
// overflow from transport failures.
type Provider interface {
	Chat(ctx context.Context, messages Messages, opts ChatOptions) (Completion, error)
	DefaultModel() string
}

func NewChatOptions(model string, maxTokens int, temperature, topP float64) ChatOptions {
	return ChatOptions{
		Model:       model,
		MaxTokens:   maxTokens,
		Temperature: temperature,
		TopP:        topP,
	}
}

// Snippet is one ranked context fragment returned by a retrieval backend.
type Snippet struct {
	Text  string
	Score float64
}

// Retriever is the semantic-search collaborator consulted during context
// assembly. Internals are external to this module; the assembler only
// defines where results are spliced into the prompt.
type Retriever interface {
	Retrieve(ctx context.Context, query string, limit int) ([]Snippet, error)
}
