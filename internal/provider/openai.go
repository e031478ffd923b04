package provider

import (
	"context"
	"errors"
	"net/http"
	"time"

	openaigo "github.com/sashabaranov/go-openai"

	"github.com/fabulist/fabulist/internal/schema"
)

// OpenAI backs gateway calls with any OpenAI-compatible chat-completion
// endpoint through the go-openai SDK. Swapping endpoints is configuration
// (APIBase), never a call-site change.
type OpenAI struct {
	client       *openaigo.Client
	defaultModel string
}

// NewOpenAI constructs an SDK client. apiBase may be empty for the default
// OpenAI endpoint. The HTTP timeout is a hard upper bound; per-call contexts
// may cancel earlier.
func NewOpenAI(apiKey, apiBase, defaultModel string, timeout time.Duration) *OpenAI {
	cfg := openaigo.DefaultConfig(apiKey)
	if apiBase != "" {
		cfg.BaseURL = apiBase
	}
	cfg.HTTPClient = &http.Client{Timeout: timeout}

	return &OpenAI{
		client:       openaigo.NewClientWithConfig(cfg),
		defaultModel: defaultModel,
	}
}

func (p *OpenAI) DefaultModel() string { return p.defaultModel }

// Chat implements schema.Provider.
func (p *OpenAI) Chat(ctx context.Context, messages schema.Messages, opts schema.ChatOptions) (schema.Completion, error) {
	model := opts.Model
	if model == "" {
		model = p.defaultModel
	}

	req := openaigo.ChatCompletionRequest{
		Model:       model,
		Messages:    toWire(messages),
		MaxTokens:   opts.MaxTokens,
		Temperature: float32(opts.Temperature),
		TopP:        float32(opts.TopP),
	}

	resp, err := p.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return schema.Completion{}, classifyOpenAIErr(model, err)
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return schema.Completion{}, &Error{Kind: KindOther, Model: model, Err: errors.New("empty completion")}
	}

	return schema.Completion{
		Content:      resp.Choices[0].Message.Content,
		FinishReason: string(resp.Choices[0].FinishReason),
		Usage: schema.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}, nil
}

// toWire converts typed messages to the SDK request format. Scene and
// visibility are orchestrator concerns and never reach the wire.
func toWire(messages schema.Messages) []openaigo.ChatCompletionMessage {
	out := make([]openaigo.ChatCompletionMessage, 0, len(messages.Messages))
	for _, m := range messages.Messages {
		out = append(out, openaigo.ChatCompletionMessage{
			Role:    string(m.Role),
			Content: m.Content,
		})
	}
	return out
}

// classifyOpenAIErr maps SDK errors onto the gateway taxonomy.
func classifyOpenAIErr(model string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &Error{Kind: KindTimeout, Model: model, Err: err}
	}

	var apiErr *openaigo.APIError
	if errors.As(err, &apiErr) {
		switch {
		case looksLikeOverflow(apiErr.Message):
			return &Error{Kind: KindOverflow, Model: model, Err: err}
		case apiErr.HTTPStatusCode == http.StatusUnauthorized,
			apiErr.HTTPStatusCode == http.StatusForbidden:
			return &Error{Kind: KindAuth, Model: model, Err: err}
		case apiErr.HTTPStatusCode == http.StatusTooManyRequests:
			return &Error{Kind: KindRateLimit, Model: model, Err: err}
		}
		return &Error{Kind: KindOther, Model: model, Err: err}
	}

	var reqErr *openaigo.RequestError
	if errors.As(err, &reqErr) {
		switch reqErr.HTTPStatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			return &Error{Kind: KindAuth, Model: model, Err: err}
		case http.StatusTooManyRequests:
			return &Error{Kind: KindRateLimit, Model: model, Err: err}
		}
	}

	if looksLikeOverflow(err.Error()) {
		return &Error{Kind: KindOverflow, Model: model, Err: err}
	}
	return &Error{Kind: KindOther, Model: model, Err: err}
}
