package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ollama/ollama/api"

	"github.com/fabulist/fabulist/internal/schema"
	"github.com/fabulist/fabulist/internal/shared/llmutils"
)

// Ollama backs gateway calls with a local Ollama daemon. It is the natural
// stable-baseline tier: always reachable, no rate limits, no auth.
type Ollama struct {
	client       *api.Client
	defaultModel string
}

// NewOllama constructs a client for the daemon at host
// (e.g. http://localhost:11434).
func NewOllama(host, defaultModel string, timeout time.Duration) (*Ollama, error) {
	base := strings.TrimSuffix(strings.TrimSuffix(host, "/"), "/v1")
	parsed, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("parse ollama host %q: %w", host, err)
	}

	return &Ollama{
		client:       api.NewClient(parsed, &http.Client{Timeout: timeout}),
		defaultModel: defaultModel,
	}, nil
}

func (p *Ollama) DefaultModel() string { return p.defaultModel }

// Chat implements schema.Provider using the native Ollama chat API.
func (p *Ollama) Chat(ctx context.Context, messages schema.Messages, opts schema.ChatOptions) (schema.Completion, error) {
	model := opts.Model
	if model == "" {
		model = p.defaultModel
	}

	msgs := make([]api.Message, 0, len(messages.Messages))
	for _, m := range messages.Messages {
		msgs = append(msgs, api.Message{Role: string(m.Role), Content: m.Content})
	}

	stream := false
	req := &api.ChatRequest{
		Model:    model,
		Messages: msgs,
		Stream:   &stream,
		Options: map[string]any{
			"temperature": opts.Temperature,
			"top_p":       opts.TopP,
			"num_predict": opts.MaxTokens,
		},
	}

	var resp api.ChatResponse
	err := p.client.Chat(ctx, req, func(r api.ChatResponse) error {
		resp = r
		return nil
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return schema.Completion{}, &Error{Kind: KindTimeout, Model: model, Err: err}
		}
		if looksLikeOverflow(err.Error()) {
			return schema.Completion{}, &Error{Kind: KindOverflow, Model: model, Err: err}
		}
		return schema.Completion{}, &Error{Kind: KindOther, Model: model, Err: err}
	}
	// Reasoning models leak <think> blocks into content; narration never
	// wants them.
	content := strings.TrimSpace(llmutils.StripThink(resp.Message.Content))
	if content == "" {
		return schema.Completion{}, &Error{Kind: KindOther, Model: model, Err: errors.New("empty completion")}
	}

	return schema.Completion{
		Content:      content,
		FinishReason: resp.DoneReason,
		Usage: schema.Usage{
			PromptTokens:     resp.PromptEvalCount,
			CompletionTokens: resp.EvalCount,
			TotalTokens:      resp.PromptEvalCount + resp.EvalCount,
		},
	}, nil
}
