// Package provider implements the inference gateway: one call signature in
// front of every configured text-generation backend. Callers never branch
// on provider; swapping backends is configuration only.
package provider

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/fabulist/fabulist/internal/schema"
)

// Completer is the call signature the rest of the orchestrator depends on.
// Gateway implements it; tests substitute scripted fakes.
type Completer interface {
	Complete(ctx context.Context, messages schema.Messages, modelID string, maxTokens int, temperature float64) (string, schema.Usage, error)
}

// ModelSpec binds a model identifier to the provider that serves it.
type ModelSpec struct {
	Provider      string
	ContextWindow int
}

// Gateway dispatches completion requests to whichever configured provider
// backs the requested model. It is stateless apart from its routing tables;
// fixed sampling parameters (TopP) and the hard request timeout live here,
// not at call sites.
type Gateway struct {
	providers map[string]schema.Provider
	models    map[string]ModelSpec
	topP      float64
	timeout   time.Duration
	log       *slog.Logger
}

// NewGateway creates an empty gateway. Register providers and models before
// calling Complete.
func NewGateway(topP float64, timeout time.Duration) *Gateway {
	return &Gateway{
		providers: make(map[string]schema.Provider),
		models:    make(map[string]ModelSpec),
		topP:      topP,
		timeout:   timeout,
		log:       slog.With("component", "gateway"),
	}
}

// RegisterProvider adds a named backend.
func (g *Gateway) RegisterProvider(name string, p schema.Provider) {
	g.providers[name] = p
}

// RegisterModel routes a model identifier to a registered provider.
func (g *Gateway) RegisterModel(id string, spec ModelSpec) {
	g.models[id] = spec
}

// ContextWindow returns the configured input limit for a model, or 0 when
// unknown.
func (g *Gateway) ContextWindow(modelID string) int {
	return g.models[modelID].ContextWindow
}

// Complete performs one blocking completion call with a hard timeout.
// Errors are always *Error; the overflow kind is what routes a turn into
// summarization.
func (g *Gateway) Complete(ctx context.Context, messages schema.Messages, modelID string, maxTokens int, temperature float64) (string, schema.Usage, error) {
	spec, ok := g.models[modelID]
	if !ok {
		err := &Error{Kind: KindOther, Model: modelID, Err: errUnknownModel}
		observe(modelID, "error", 0, promUsage{})
		return "", schema.Usage{}, err
	}
	p, ok := g.providers[spec.Provider]
	if !ok {
		err := &Error{Kind: KindOther, Model: modelID, Err: errUnknownProvider}
		observe(modelID, "error", 0, promUsage{})
		return "", schema.Usage{}, err
	}

	reqCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	start := time.Now()
	comp, err := p.Chat(reqCtx, messages, schema.NewChatOptions(modelID, maxTokens, temperature, g.topP))
	elapsed := time.Since(start)

	if err != nil {
		err = normalize(modelID, err)
		kind := KindOf(err)
		g.log.Warn("completion failed",
			"model", modelID, "kind", kind.String(), "elapsed", elapsed, "err", err)
		observe(modelID, "error_"+kind.String(), elapsed.Seconds(), promUsage{})
		return "", schema.Usage{}, err
	}

	g.log.Debug("completion ok",
		"model", modelID, "elapsed", elapsed, "tokens", comp.Usage.TotalTokens)
	observe(modelID, "success", elapsed.Seconds(),
		promUsage{prompt: comp.Usage.PromptTokens, completion: comp.Usage.CompletionTokens})

	return comp.Content, comp.Usage, nil
}

var (
	errUnknownModel    = errors.New("no provider registered for model")
	errUnknownProvider = errors.New("model routed to unregistered provider")
)

// normalize guarantees every gateway error is a *Error.
func normalize(model string, err error) error {
	var pe *Error
	if errors.As(err, &pe) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindTimeout, Model: model, Err: err}
	}
	return &Error{Kind: KindOther, Model: model, Err: err}
}
