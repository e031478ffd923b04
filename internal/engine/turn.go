// Package engine drives one narration turn end to end: pre-phase rules,
// prompt assembly, the fallback chain, overflow compression, post-phase
// rules, and the final history append.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/fabulist/fabulist/internal/assemble"
	"github.com/fabulist/fabulist/internal/fallback"
	"github.com/fabulist/fabulist/internal/memory"
	"github.com/fabulist/fabulist/internal/provider"
	"github.com/fabulist/fabulist/internal/rules"
	"github.com/fabulist/fabulist/internal/schema"
	"github.com/fabulist/fabulist/internal/state"
	"github.com/fabulist/fabulist/internal/summary"
)

// ErrTurnActive is returned when a turn arrives while another is running.
// One active turn per playthrough; callers retry after the current turn
// completes.
var ErrTurnActive = errors.New("a turn is already in progress")

// Turn is the outcome of one completed narration turn.
type Turn struct {
	ID       string
	Entity   string
	Text     string
	Model    string
	Degraded bool
	Effects  []schema.FireEffectPayload
}

// Pipeline wires the per-turn component chain. All cross-component
// sequencing lives here; the components themselves stay ignorant of each
// other.
type Pipeline struct {
	state        *state.Manager
	rules        *rules.Engine
	assembler    *assemble.Assembler
	orchestrator *fallback.Orchestrator
	compressor   *summary.Compressor
	recorder     *memory.Recorder

	maxTokens   int
	temperature float64
	excerptLen  int

	turnMu sync.Mutex
	log    *slog.Logger
}

// New creates a pipeline. recorder may be nil to disable background notes.
func New(st *state.Manager, re *rules.Engine, as *assemble.Assembler,
	orch *fallback.Orchestrator, comp *summary.Compressor, rec *memory.Recorder,
	maxTokens int, temperature float64) *Pipeline {
	return &Pipeline{
		state:        st,
		rules:        re,
		assembler:    as,
		orchestrator: orch,
		compressor:   comp,
		recorder:     rec,
		maxTokens:    maxTokens,
		temperature:  temperature,
		excerptLen:   6,
		log:          slog.With("component", "engine"),
	}
}

// Run executes one turn for the acting entity. Cancellation discards the
// in-flight chain; pre-phase mutations are not rolled back, but no partial
// assistant message is ever appended. On terminal fallback failure the
// returned Turn carries the neutral error text alongside
// fallback.ErrExhausted, and nothing is appended either.
func (p *Pipeline) Run(ctx context.Context, entity, userInput string) (Turn, error) {
	if !p.turnMu.TryLock() {
		// Input is not lost: it queues in the session's pending buffer and
		// joins the next turn.
		if userInput != "" {
			if err := p.state.BufferInput(userInput); err != nil {
				p.log.Warn("could not buffer input", "err", err)
			}
		}
		return Turn{}, ErrTurnActive
	}
	defer p.turnMu.Unlock()

	turnID := uuid.NewString()
	log := p.log.With("turn", turnID, "entity", entity)

	for _, text := range append(p.state.DrainInput(), userInput) {
		if text == "" {
			continue
		}
		if err := p.state.AppendMessage(schema.NewUserMessage(text, 0)); err != nil {
			return Turn{}, fmt.Errorf("append user message: %w", err)
		}
	}

	// Pre-phase mutations land in playthrough state before the prompt is
	// assembled, so the prompt reflects them.
	pre := p.rules.Evaluate(entity)
	inj := assemble.Injections{Prepend: pre.Prepend, Append: pre.Append}

	msgs, err := p.assembler.Build(ctx, entity, inj)
	if err != nil {
		return Turn{}, err
	}

	req := fallback.Request{
		Messages:     msgs,
		PrimaryModel: pre.ModelOverride,
		MaxTokens:    p.maxTokens,
		Temperature:  p.temperature,
		PriorOutput:  p.state.LastAssistantBy(entity),
	}

	res, err := p.orchestrator.Complete(ctx, req)
	if provider.IsOverflow(err) {
		res, err = p.compressAndRetry(ctx, entity, inj, req, err, log)
	}
	if err != nil {
		if errors.Is(err, fallback.ErrExhausted) {
			return Turn{ID: turnID, Entity: entity, Text: res.Text, Degraded: true}, err
		}
		return Turn{}, err
	}

	post := p.rules.EvaluatePost(entity, res.Text)
	if len(post.Prepend) > 0 || len(post.Append) > 0 || post.ModelOverride != "" {
		p.rules.Defer(rules.Effects{
			Prepend:       post.Prepend,
			Append:        post.Append,
			ModelOverride: post.ModelOverride,
		})
	}

	if err := p.state.AppendMessage(schema.NewAssistantMessage(res.Text, entity, 0)); err != nil {
		return Turn{}, fmt.Errorf("append assistant message: %w", err)
	}

	p.enqueueNotes(entity)

	fired := append(pre.Fired, post.Fired...)
	p.applyItemEffects(fired, log)

	log.Info("turn complete", "model", res.Model, "tier", res.Tier,
		"chars", len(res.Text), "effects", len(fired))

	return Turn{
		ID:       turnID,
		Entity:   entity,
		Text:     res.Text,
		Model:    res.Model,
		Degraded: res.Degraded,
		Effects:  fired,
	}, nil
}

// applyItemEffects interprets the two effect names the engine handles
// itself: gain-item and lose-item mutate the playthrough inventory. All
// other effects pass through to the caller untouched.
func (p *Pipeline) applyItemEffects(fired []schema.FireEffectPayload, log *slog.Logger) {
	for _, eff := range fired {
		item := eff.Payload["item"]
		if item == "" {
			continue
		}
		var err error
		switch eff.Name {
		case "gain-item":
			err = p.state.AddItem(item)
		case "lose-item":
			err = p.state.RemoveItem(item)
		default:
			continue
		}
		if err != nil {
			log.Warn("item effect failed", "effect", eff.Name, "item", item, "err", err)
		}
	}
}

// compressAndRetry handles a context overflow: compress the older half of
// history into one summary message, rebuild the prompt, and re-enter the
// fallback chain exactly once. A second overflow, or a compression failure,
// surfaces the original overflow error.
func (p *Pipeline) compressAndRetry(ctx context.Context, entity string, inj assemble.Injections, req fallback.Request, overflowErr error, log *slog.Logger) (fallback.Result, error) {
	hist := p.state.History()
	count := len(hist) / 2
	if count < 2 {
		log.Warn("history too short to compress, surfacing overflow")
		return fallback.Result{}, overflowErr
	}

	log.Info("overflow, compressing history", "messages", count)
	summaryMsg, err := p.compressor.Compress(ctx, hist[:count])
	if err != nil {
		log.Warn("compression failed, surfacing overflow", "err", err)
		return fallback.Result{}, overflowErr
	}
	if err := p.state.ReplaceHistoryPrefix(count, summaryMsg); err != nil {
		return fallback.Result{}, err
	}

	msgs, err := p.assembler.Build(ctx, entity, inj)
	if err != nil {
		return fallback.Result{}, err
	}
	req.Messages = msgs

	res, err := p.orchestrator.Complete(ctx, req)
	if provider.IsOverflow(err) {
		log.Error("overflow persists after compression")
		return fallback.Result{}, err
	}
	return res, err
}

// enqueueNotes schedules background memory notes for every entity that
// follows the one that just spoke.
func (p *Pipeline) enqueueNotes(speaker string) {
	if p.recorder == nil {
		return
	}
	gen := p.state.Generation()
	scene := p.state.Scene()

	for name, def := range p.state.World().Entities {
		if name == speaker || !def.Follows(speaker) {
			continue
		}
		seen := p.state.VisibleHistory(name, scene)
		if len(seen) > p.excerptLen {
			seen = seen[len(seen)-p.excerptLen:]
		}
		if len(seen) == 0 {
			continue
		}
		p.recorder.Enqueue(memory.Job{
			Author:     name,
			About:      speaker,
			Scene:      scene,
			Generation: gen,
			Excerpt:    seen,
		})
	}
}
