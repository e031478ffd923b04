// Package fallback runs the tiered retry chain over the inference gateway:
// primary model first, then each configured fallback, with semantic quality
// gates between attempts.
package fallback

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/fabulist/fabulist/internal/provider"
	"github.com/fabulist/fabulist/internal/schema"
	"github.com/fabulist/fabulist/internal/shared/llmutils"
)

// NeutralErrorText is shown in place of narration when every tier fails.
// It stays in-fiction and leaks no provider detail.
const NeutralErrorText = "(The story falters for a moment. Take a breath and try again.)"

// antiDupInstruction is appended for the single same-tier retry after an
// exact duplicate response.
const antiDupInstruction = "Your previous reply repeated an earlier response verbatim. Continue the scene with new narration; do not repeat yourself."

// ErrExhausted reports that the primary and every fallback tier failed.
// The caller must not commit NeutralErrorText to the conversation.
var ErrExhausted = errors.New("all model tiers exhausted")

// refusalPrefixes mark out-of-fiction refusals and formatting breaks. The
// comparison is prefix-only, after whitespace trimming, so legitimate
// narration that merely mentions these phrases mid-text is not rejected.
var refusalPrefixes = []string{
	"I'm sorry",
	"I am sorry",
	"I cannot",
	"I can't",
	"I apologize",
	"As an AI",
	"As a language model",
	"```",
	"[OOC",
}

// Request is one narration attempt.
type Request struct {
	Messages     schema.Messages
	PrimaryModel string // "" selects the configured primary
	MaxTokens    int
	Temperature  float64

	// PriorOutput is the speaking entity's previous narration; an exact
	// repeat of it counts as a semantic failure.
	PriorOutput string
}

// Result is the accepted completion plus where in the chain it came from.
type Result struct {
	Text     string
	Model    string
	Tier     int // 0 = primary
	Usage    schema.Usage
	Degraded bool // true when a fallback tier produced the text
}

// Orchestrator walks the model chain for each request. It is stateless
// between requests; the chain is fixed at construction from configuration.
type Orchestrator struct {
	completer provider.Completer
	primary   string
	fallbacks []string
	log       *slog.Logger
}

// New creates an orchestrator over a primary model and its ordered
// fallbacks.
func New(completer provider.Completer, primary string, fallbacks []string) *Orchestrator {
	return &Orchestrator{
		completer: completer,
		primary:   primary,
		fallbacks: fallbacks,
		log:       slog.With("component", "fallback"),
	}
}

// Complete tries each tier in order until one produces acceptable
// narration.
//
// Transport failures (timeout, rate limit, auth, unknown) escalate to the
// next tier. Semantic failures (refusal prefix, exact duplicate) also
// escalate, except that a duplicate first earns exactly one same-tier retry
// with an anti-repetition instruction. Context overflow never escalates:
// a larger model does not shrink the prompt, so the error surfaces
// immediately for the caller to compress history and re-enter.
//
// When every tier fails the result carries NeutralErrorText alongside
// ErrExhausted.
func (o *Orchestrator) Complete(ctx context.Context, req Request) (Result, error) {
	chain := o.chain(req.PrimaryModel)

	for tier, model := range chain {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}

		res, err := o.attempt(ctx, req, tier, model, req.Messages)
		if err == nil {
			res.Degraded = tier > 0
			if res.Degraded {
				o.log.Info("fallback tier answered", "model", model, "tier", tier)
			}
			return res, nil
		}
		if provider.IsOverflow(err) {
			o.log.Warn("context overflow, surfacing without escalation", "model", model)
			return Result{}, err
		}
		if errors.Is(err, context.Canceled) {
			return Result{}, err
		}

		var sf *semanticFailure
		if errors.As(err, &sf) && sf.duplicate {
			// One same-tier retry with the anti-repetition instruction,
			// then escalate if it repeats again.
			retryMsgs := req.Messages.Clone()
			retryMsgs.AddSystem(antiDupInstruction)
			res, rerr := o.attempt(ctx, req, tier, model, retryMsgs)
			if rerr == nil {
				res.Degraded = tier > 0
				return res, nil
			}
			if provider.IsOverflow(rerr) {
				return Result{}, rerr
			}
			if errors.Is(rerr, context.Canceled) {
				return Result{}, rerr
			}
			o.log.Warn("anti-duplication retry failed, escalating",
				"model", model, "tier", tier, "err", rerr)
			continue
		}

		if errors.As(err, &sf) {
			o.log.Warn("semantic rejection, escalating",
				"model", model, "tier", tier, "reason", sf.reason)
		} else {
			o.log.Warn("transport failure, escalating",
				"model", model, "tier", tier, "kind", provider.KindOf(err).String(), "err", err)
		}
	}

	o.log.Error("every model tier failed", "tiers", len(chain))
	return Result{Text: NeutralErrorText, Degraded: true}, ErrExhausted
}

func (o *Orchestrator) chain(primary string) []string {
	if primary == "" {
		primary = o.primary
	}
	chain := make([]string, 0, 1+len(o.fallbacks))
	chain = append(chain, primary)
	for _, m := range o.fallbacks {
		if m != primary {
			chain = append(chain, m)
		}
	}
	return chain
}

// attempt performs one gateway call and applies the semantic gates.
func (o *Orchestrator) attempt(ctx context.Context, req Request, tier int, model string, messages schema.Messages) (Result, error) {
	text, usage, err := o.completer.Complete(ctx, messages, model, req.MaxTokens, req.Temperature)
	if err != nil {
		return Result{}, err
	}

	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return Result{}, &semanticFailure{reason: "empty response"}
	}
	for _, prefix := range refusalPrefixes {
		if strings.HasPrefix(trimmed, prefix) {
			o.log.Debug("refusal detected",
				"model", model, "sample", llmutils.Truncate(trimmed, 120))
			return Result{}, &semanticFailure{reason: "refusal prefix: " + prefix}
		}
	}
	if req.PriorOutput != "" && trimmed == strings.TrimSpace(req.PriorOutput) {
		return Result{}, &semanticFailure{reason: "exact duplicate", duplicate: true}
	}

	return Result{Text: trimmed, Model: model, Tier: tier, Usage: usage}, nil
}

// semanticFailure is a quality rejection of an otherwise successful call.
type semanticFailure struct {
	reason    string
	duplicate bool
}

func (f *semanticFailure) Error() string { return "rejected response: " + f.reason }
