package engine

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fabulist/fabulist/internal/assemble"
	"github.com/fabulist/fabulist/internal/fallback"
	"github.com/fabulist/fabulist/internal/provider"
	"github.com/fabulist/fabulist/internal/rules"
	"github.com/fabulist/fabulist/internal/schema"
	"github.com/fabulist/fabulist/internal/state"
	"github.com/fabulist/fabulist/internal/summary"
)

type outcome struct {
	text string
	err  error
}

type call struct {
	model    string
	messages schema.Messages
}

// routedCompleter replays per-model scripts and records every call.
type routedCompleter struct {
	scripts map[string][]outcome
	calls   []call
}

func (r *routedCompleter) Complete(_ context.Context, messages schema.Messages, modelID string, _ int, _ float64) (string, schema.Usage, error) {
	r.calls = append(r.calls, call{model: modelID, messages: messages})
	script := r.scripts[modelID]
	if len(script) == 0 {
		return "", schema.Usage{}, errors.New("script exhausted for " + modelID)
	}
	next := script[0]
	r.scripts[modelID] = script[1:]
	return next.text, schema.Usage{}, next.err
}

func (r *routedCompleter) callsFor(model string) []call {
	var out []call
	for _, c := range r.calls {
		if c.model == model {
			out = append(out, c)
		}
	}
	return out
}

func overflowErr() error {
	return &provider.Error{Kind: provider.KindOverflow, Model: "main", Err: errors.New("context length exceeded")}
}

type harness struct {
	state     *state.Manager
	completer *routedCompleter
	pipeline  *Pipeline
}

func newHarness(t *testing.T, ruleSet []schema.Rule, scripts map[string][]outcome) *harness {
	t.Helper()
	world := &state.World{
		Title:    "Testhaven",
		Start:    "plaza",
		Entities: map[string]*state.Entity{"aria": {Name: "aria", Description: "A bard."}},
		Places:   map[string]*state.Location{"plaza": {Name: "plaza"}},
	}
	dir := t.TempDir()
	st, err := state.NewManager(dir, world, state.NewCache(filepath.Join(dir, "entities")), time.Minute, 10)
	if err != nil {
		t.Fatal(err)
	}
	if err := st.Begin(nil); err != nil {
		t.Fatal(err)
	}

	completer := &routedCompleter{scripts: scripts}
	re := rules.New(st, ruleSet)
	budget := assemble.NewBudget(1<<20, 32, func(s string) int { return len(s) })
	as := assemble.New(st, budget, 2)
	orch := fallback.New(completer, "main", nil)
	comp := summary.New(completer, "sum", 256)
	p := New(st, re, as, orch, comp, nil, 256, 0.8)

	return &harness{state: st, completer: completer, pipeline: p}
}

func TestTurnAppendsUserAndAssistant(t *testing.T) {
	h := newHarness(t, nil, map[string][]outcome{
		"main": {{text: "The bard strums a chord."}},
	})

	turn, err := h.pipeline.Run(context.Background(), "aria", "play something")
	if err != nil {
		t.Fatal(err)
	}
	if turn.Text != "The bard strums a chord." || turn.Model != "main" {
		t.Errorf("unexpected turn %+v", turn)
	}

	hist := h.state.History()
	if len(hist) != 2 {
		t.Fatalf("expected user+assistant in history, got %d messages", len(hist))
	}
	if hist[0].Role != schema.RoleUser || hist[1].Role != schema.RoleAssistant {
		t.Errorf("history roles wrong: %+v", hist)
	}
	if hist[1].Speaker != "aria" {
		t.Errorf("assistant speaker = %q, want aria", hist[1].Speaker)
	}
}

func TestCancelledTurnAppendsNoAssistant(t *testing.T) {
	h := newHarness(t, nil, map[string][]outcome{
		"main": {{text: "never used"}},
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.pipeline.Run(ctx, "aria", "do something")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	for _, m := range h.state.History() {
		if m.Role == schema.RoleAssistant {
			t.Fatal("cancelled turn must not append an assistant message")
		}
	}
}

func TestExhaustedTurnAppendsNoAssistant(t *testing.T) {
	h := newHarness(t, nil, map[string][]outcome{
		"main": {{err: &provider.Error{Kind: provider.KindTimeout, Model: "main", Err: errors.New("slow")}}},
	})

	turn, err := h.pipeline.Run(context.Background(), "aria", "hello?")
	if !errors.Is(err, fallback.ErrExhausted) {
		t.Fatalf("expected ErrExhausted, got %v", err)
	}
	if turn.Text != fallback.NeutralErrorText {
		t.Errorf("expected neutral error text, got %q", turn.Text)
	}
	for _, m := range h.state.History() {
		if m.Role == schema.RoleAssistant {
			t.Fatal("failed turn must not append an assistant message")
		}
	}
}

func TestOverflowCompressesAndRetries(t *testing.T) {
	h := newHarness(t, nil, map[string][]outcome{
		"main": {{err: overflowErr()}, {text: "The story continues."}},
		"sum":  {{text: "Earlier, things happened."}, {text: "Earlier, things happened and escalated."}},
	})

	for _, text := range []string{"one", "two", "three", "four"} {
		if err := h.state.AppendMessage(schema.NewUserMessage(text, 0)); err != nil {
			t.Fatal(err)
		}
	}

	turn, err := h.pipeline.Run(context.Background(), "aria", "and then?")
	if err != nil {
		t.Fatal(err)
	}
	if turn.Text != "The story continues." {
		t.Errorf("unexpected turn text %q", turn.Text)
	}

	if got := len(h.completer.callsFor("sum")); got != 2 {
		t.Errorf("expected 2 summarization calls, got %d", got)
	}
	if got := len(h.completer.callsFor("main")); got != 2 {
		t.Errorf("expected overflow then retry on main, got %d calls", got)
	}

	hist := h.state.History()
	if hist[0].Role != schema.RoleSystem || !strings.Contains(hist[0].Content, "Story so far") {
		t.Errorf("history prefix not compressed: %+v", hist[0])
	}
}

func TestSecondOverflowIsTerminal(t *testing.T) {
	h := newHarness(t, nil, map[string][]outcome{
		"main": {{err: overflowErr()}, {err: overflowErr()}},
		"sum":  {{text: "recap"}, {text: "longer recap"}},
	})
	for _, text := range []string{"one", "two", "three", "four"} {
		if err := h.state.AppendMessage(schema.NewUserMessage(text, 0)); err != nil {
			t.Fatal(err)
		}
	}

	_, err := h.pipeline.Run(context.Background(), "aria", "and then?")
	if !provider.IsOverflow(err) {
		t.Fatalf("expected overflow to surface, got %v", err)
	}
	for _, m := range h.state.History() {
		if m.Role == schema.RoleAssistant {
			t.Fatal("terminal overflow must not append an assistant message")
		}
	}
}

func TestPrePhaseModelOverride(t *testing.T) {
	ruleSet := []schema.Rule{{
		ID: "dramatic", Trigger: schema.TriggerOnMessage,
		Conditions: []schema.Condition{
			{Kind: schema.CondText, TextScope: schema.TextLastUser, Op: schema.OpContains, Operand: "duel"},
		},
		Actions: []schema.Action{
			{Kind: schema.ActionSwitchModel, Switch: &schema.SwitchModelPayload{Model: "big"}},
		},
	}}
	h := newHarness(t, ruleSet, map[string][]outcome{
		"big":  {{text: "Steel rings against steel."}},
		"main": {{text: "A quiet day."}},
	})

	turn, err := h.pipeline.Run(context.Background(), "aria", "I challenge him to a duel")
	if err != nil {
		t.Fatal(err)
	}
	if turn.Model != "big" {
		t.Errorf("switch-model should route this call to %q, got %q", "big", turn.Model)
	}

	// The override applies to that call only.
	turn, err = h.pipeline.Run(context.Background(), "aria", "we rest afterwards")
	if err != nil {
		t.Fatal(err)
	}
	if turn.Model != "main" {
		t.Errorf("override must not persist, got %q", turn.Model)
	}
}

func TestBufferedInputJoinsNextTurn(t *testing.T) {
	h := newHarness(t, nil, map[string][]outcome{
		"main": {{text: "The door creaks open."}},
	})

	// Input arriving while a turn holds the lock queues instead of failing.
	h.pipeline.turnMu.Lock()
	_, err := h.pipeline.Run(context.Background(), "aria", "try the handle")
	if !errors.Is(err, ErrTurnActive) {
		t.Fatalf("expected ErrTurnActive, got %v", err)
	}
	h.pipeline.turnMu.Unlock()

	if _, err := h.pipeline.Run(context.Background(), "aria", "push the door"); err != nil {
		t.Fatal(err)
	}

	hist := h.state.History()
	if len(hist) != 3 {
		t.Fatalf("expected queued + fresh user messages and the reply, got %d", len(hist))
	}
	if hist[0].Content != "try the handle" || hist[1].Content != "push the door" {
		t.Errorf("queued input must precede the fresh input: %+v", hist[:2])
	}

	prompt := h.completer.calls[0].messages
	for _, want := range []string{"try the handle", "push the door"} {
		found := false
		for _, m := range prompt.Messages {
			if strings.Contains(m.Content, want) {
				found = true
			}
		}
		if !found {
			t.Errorf("prompt missing %q", want)
		}
	}
}

func TestItemEffectsUpdateInventory(t *testing.T) {
	ruleSet := []schema.Rule{{
		ID: "take-lantern", Trigger: schema.TriggerOnMessage,
		Conditions: []schema.Condition{
			{Kind: schema.CondText, TextScope: schema.TextLastUser, Op: schema.OpContains, Operand: "lantern"},
		},
		Actions: []schema.Action{
			{Kind: schema.ActionFireEffect,
				Effect: &schema.FireEffectPayload{Name: "gain-item", Payload: map[string]string{"item": "lantern"}}},
		},
	}}
	h := newHarness(t, ruleSet, map[string][]outcome{
		"main": {{text: "You lift the lantern from its hook."}},
	})

	turn, err := h.pipeline.Run(context.Background(), "aria", "I take the lantern")
	if err != nil {
		t.Fatal(err)
	}
	if len(turn.Effects) != 1 || turn.Effects[0].Name != "gain-item" {
		t.Fatalf("effects = %+v, want the gain-item effect surfaced", turn.Effects)
	}
	if inv := h.state.Inventory(); len(inv) != 1 || inv[0] != "lantern" {
		t.Errorf("inventory = %v, want [lantern]", inv)
	}
}

func TestPostPhaseInjectionDefersToNextTurn(t *testing.T) {
	ruleSet := []schema.Rule{{
		ID: "dragon-aftermath", Trigger: schema.TriggerOnMessage,
		Conditions: []schema.Condition{
			{Kind: schema.CondText, TextScope: schema.TextLastAssistant, Op: schema.OpContains, Operand: "dragon"},
		},
		Actions: []schema.Action{
			{Kind: schema.ActionInjectPrompt,
				Inject: &schema.InjectPromptPayload{Text: "SMOKE-LINGERS", Placement: schema.PlacePrepend}},
		},
	}}
	h := newHarness(t, ruleSet, map[string][]outcome{
		"main": {{text: "A dragon lands on the plaza."}, {text: "The crowd scatters."}},
	})

	if _, err := h.pipeline.Run(context.Background(), "aria", "look up"); err != nil {
		t.Fatal(err)
	}
	firstPrompt := h.completer.calls[0].messages
	for _, m := range firstPrompt.Messages {
		if strings.Contains(m.Content, "SMOKE-LINGERS") {
			t.Fatal("post-phase injection leaked into the same turn")
		}
	}

	if _, err := h.pipeline.Run(context.Background(), "aria", "run"); err != nil {
		t.Fatal(err)
	}
	secondPrompt := h.completer.calls[1].messages
	count := 0
	for _, m := range secondPrompt.Messages {
		count += strings.Count(m.Content, "SMOKE-LINGERS")
	}
	if count != 1 {
		t.Errorf("injection appears %d times in the following turn's prompt, want exactly 1", count)
	}
}
