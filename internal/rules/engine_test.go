package rules

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/fabulist/fabulist/internal/schema"
	"github.com/fabulist/fabulist/internal/state"
)

func newTestState(t *testing.T) *state.Manager {
	t.Helper()
	dir := t.TempDir()
	world := &state.World{
		Title:    "Testhaven",
		Start:    "plaza",
		Entities: map[string]*state.Entity{"aria": {Name: "aria"}},
		Places:   map[string]*state.Location{"plaza": {Name: "plaza"}},
	}
	m, err := state.NewManager(dir, world, state.NewCache(filepath.Join(dir, "entities")), time.Minute, 10)
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Begin(nil); err != nil {
		t.Fatal(err)
	}
	return m
}

func sayUser(t *testing.T, m *state.Manager, text string) {
	t.Helper()
	if err := m.AppendMessage(schema.NewUserMessage(text, 0)); err != nil {
		t.Fatal(err)
	}
}

func injectAction(text string, place schema.Placement) schema.Action {
	return schema.Action{
		Kind:   schema.ActionInjectPrompt,
		Inject: &schema.InjectPromptPayload{Text: text, Placement: place},
	}
}

func mutateAction(scope schema.VarScope, name string, op schema.MutateOp, value string) schema.Action {
	return schema.Action{
		Kind:   schema.ActionMutateVar,
		Mutate: &schema.MutateVarPayload{VarScope: scope, Var: name, Op: op, Value: value},
	}
}

// ─── Matching and actions ───

func TestMidnightBellScenario(t *testing.T) {
	m := newTestState(t)
	if err := m.SetVar(schema.VarGlobal, "", "hour", "24"); err != nil {
		t.Fatal(err)
	}
	sayUser(t, m, "I wait in the bell tower")

	e := New(m, []schema.Rule{{
		ID:      "midnight-bell",
		Trigger: schema.TriggerOnMessage,
		Conditions: []schema.Condition{
			{Kind: schema.CondVar, VarScope: schema.VarGlobal, Var: "hour", Op: schema.OpGte, Operand: "24"},
			{Kind: schema.CondText, TextScope: schema.TextLastUser, Op: schema.OpContains, Operand: "bell"},
		},
		Actions: []schema.Action{
			injectAction("The midnight bell tolls.", schema.PlacePrepend),
			mutateAction(schema.VarGlobal, "bell_rung", schema.MutateSet, "true"),
		},
	}})

	eff := e.Evaluate("aria")
	if len(eff.Prepend) != 1 || eff.Prepend[0] != "The midnight bell tolls." {
		t.Errorf("expected bell injection, got %+v", eff.Prepend)
	}
	if v, _ := m.Var(schema.VarGlobal, "", "bell_rung"); v != "true" {
		t.Error("mutation did not land in playthrough state")
	}
	if len(eff.Results) != 2 {
		t.Errorf("expected 2 action results, got %d", len(eff.Results))
	}
}

func TestAllMatchingRulesFire(t *testing.T) {
	m := newTestState(t)
	sayUser(t, m, "hello")

	e := New(m, []schema.Rule{
		{ID: "a", Trigger: schema.TriggerOnMessage,
			Actions: []schema.Action{injectAction("first", schema.PlacePrepend)}},
		{ID: "b", Trigger: schema.TriggerOnMessage,
			Actions: []schema.Action{injectAction("second", schema.PlacePrepend)}},
	})

	eff := e.Evaluate("aria")
	if len(eff.Prepend) != 2 {
		t.Fatalf("both rules must fire, got %+v", eff.Prepend)
	}
}

func TestPriorityAndDeclarationOrder(t *testing.T) {
	m := newTestState(t)
	sayUser(t, m, "x")

	e := New(m, []schema.Rule{
		{ID: "late", Priority: 10, Trigger: schema.TriggerOnMessage,
			Actions: []schema.Action{injectAction("late", schema.PlacePrepend)}},
		{ID: "early-a", Priority: 1, Trigger: schema.TriggerOnMessage,
			Actions: []schema.Action{injectAction("early-a", schema.PlacePrepend)}},
		{ID: "early-b", Priority: 1, Trigger: schema.TriggerOnMessage,
			Actions: []schema.Action{injectAction("early-b", schema.PlacePrepend)}},
	})

	eff := e.Evaluate("aria")
	want := []string{"early-a", "early-b", "late"}
	for i, text := range want {
		if eff.Prepend[i] != text {
			t.Fatalf("order = %v, want %v", eff.Prepend, want)
		}
	}
}

func TestOrGroups(t *testing.T) {
	m := newTestState(t)
	if err := m.SetVar(schema.VarGlobal, "", "mood", "angry"); err != nil {
		t.Fatal(err)
	}

	rule := schema.Rule{
		ID: "or-group", Trigger: schema.TriggerOnMessage,
		Conditions: []schema.Condition{
			{Kind: schema.CondVar, VarScope: schema.VarGlobal, Var: "mood", Op: schema.OpEq, Operand: "sad", Group: 1},
			{Kind: schema.CondVar, VarScope: schema.VarGlobal, Var: "mood", Op: schema.OpEq, Operand: "angry", Group: 1},
		},
		Actions: []schema.Action{injectAction("strong feelings", schema.PlacePrepend)},
	}

	e := New(m, []schema.Rule{rule})
	if eff := e.Evaluate("aria"); len(eff.Prepend) != 1 {
		t.Error("one true member should satisfy the OR group")
	}

	if err := m.SetVar(schema.VarGlobal, "", "mood", "calm"); err != nil {
		t.Fatal(err)
	}
	if eff := e.Evaluate("aria"); len(eff.Prepend) != 0 {
		t.Error("no true member should fail the OR group")
	}
}

func TestMalformedConditionSkipsRule(t *testing.T) {
	m := newTestState(t)
	if err := m.SetVar(schema.VarGlobal, "", "gold", "plenty"); err != nil {
		t.Fatal(err)
	}

	e := New(m, []schema.Rule{
		{ID: "bad", Trigger: schema.TriggerOnMessage,
			Conditions: []schema.Condition{
				{Kind: schema.CondVar, VarScope: schema.VarGlobal, Var: "gold", Op: schema.OpGt, Operand: "10"},
			},
			Actions: []schema.Action{injectAction("never", schema.PlacePrepend)}},
		{ID: "good", Trigger: schema.TriggerOnMessage,
			Actions: []schema.Action{injectAction("still fires", schema.PlacePrepend)}},
	})

	eff := e.Evaluate("aria")
	if len(eff.Prepend) != 1 || eff.Prepend[0] != "still fires" {
		t.Errorf("bad rule must be skipped without aborting the pass, got %+v", eff.Prepend)
	}
}

func TestSwitchModelAndMutateAdd(t *testing.T) {
	m := newTestState(t)
	if err := m.SetVar(schema.VarGlobal, "", "gold", "5"); err != nil {
		t.Fatal(err)
	}

	e := New(m, []schema.Rule{{
		ID: "reward", Trigger: schema.TriggerOnMessage,
		Actions: []schema.Action{
			mutateAction(schema.VarGlobal, "gold", schema.MutateAdd, "3"),
			{Kind: schema.ActionSwitchModel, Switch: &schema.SwitchModelPayload{Model: "gpt-4-turbo"}},
		},
	}})

	eff := e.Evaluate("aria")
	if v, _ := m.Var(schema.VarGlobal, "", "gold"); v != "8" {
		t.Errorf("gold = %q, want 8", v)
	}
	if eff.ModelOverride != "gpt-4-turbo" {
		t.Errorf("model override = %q", eff.ModelOverride)
	}
}

// ─── Deferred effects ───

func TestPostPhaseSeesReply(t *testing.T) {
	m := newTestState(t)
	sayUser(t, m, "what do you see?")

	e := New(m, []schema.Rule{{
		ID: "on-dragon", Trigger: schema.TriggerOnMessage,
		Conditions: []schema.Condition{
			{Kind: schema.CondText, TextScope: schema.TextLastAssistant, Op: schema.OpContains, Operand: "dragon"},
		},
		Actions: []schema.Action{
			{Kind: schema.ActionFireEffect, Effect: &schema.FireEffectPayload{Name: "dragon-music"}},
		},
	}})

	if eff := e.Evaluate("aria"); len(eff.Fired) != 0 {
		t.Fatal("pre-phase must not match, reply not produced yet")
	}
	eff := e.EvaluatePost("aria", "A dragon circles overhead.")
	if len(eff.Fired) != 1 || eff.Fired[0].Name != "dragon-music" {
		t.Errorf("post-phase should fire the effect, got %+v", eff.Fired)
	}
}

func TestReplyReadingRuleFiresOncePerReply(t *testing.T) {
	m := newTestState(t)
	sayUser(t, m, "what do you see?")

	e := New(m, []schema.Rule{{
		ID: "dragon-smoke", Trigger: schema.TriggerOnMessage,
		Conditions: []schema.Condition{
			{Kind: schema.CondText, TextScope: schema.TextLastAssistant, Op: schema.OpContains, Operand: "dragon"},
		},
		Actions: []schema.Action{
			injectAction("smoke lingers", schema.PlacePrepend),
			mutateAction(schema.VarGlobal, "sightings", schema.MutateAdd, "1"),
		},
	}})

	reply := "A dragon circles overhead."
	eff := e.EvaluatePost("aria", reply)
	if len(eff.Prepend) != 1 {
		t.Fatalf("post-phase should fire once, got %+v", eff.Prepend)
	}

	// The reply enters history; the next turn's pre-phase must not match
	// it a second time.
	if err := m.AppendMessage(schema.NewAssistantMessage(reply, "aria", 0)); err != nil {
		t.Fatal(err)
	}
	if eff := e.Evaluate("aria"); len(eff.Prepend) != 0 {
		t.Errorf("pre-phase re-fired on an already-handled reply: %+v", eff.Prepend)
	}
	if v, _ := m.Var(schema.VarGlobal, "", "sightings"); v != "1" {
		t.Errorf("sightings = %q, want exactly one increment", v)
	}
}

func TestTimerEffectsQueueForNextTurn(t *testing.T) {
	m := newTestState(t)
	e := New(m, nil)

	e.FireTimer(schema.Rule{
		ID: "tick", Trigger: schema.TriggerOnTimer, TimerSpec: "every 1m",
		Actions: []schema.Action{injectAction("the clock ticks", schema.PlacePrepend)},
	})

	eff := e.Evaluate("aria")
	if len(eff.Prepend) != 1 || eff.Prepend[0] != "the clock ticks" {
		t.Errorf("queued timer injection not delivered, got %+v", eff.Prepend)
	}
	if eff := e.Evaluate("aria"); len(eff.Prepend) != 0 {
		t.Error("queued effects must be consumed exactly once")
	}
}

func TestVariableChangeTrigger(t *testing.T) {
	m := newTestState(t)
	e := New(m, []schema.Rule{{
		ID: "hp-watch", Trigger: schema.TriggerOnVariableChange,
		Conditions: []schema.Condition{
			{Kind: schema.CondVar, VarScope: schema.VarPlayer, Var: "hp", Op: schema.OpLte, Operand: "0"},
		},
		Actions: []schema.Action{injectAction("the world goes dark", schema.PlacePrepend)},
	}})

	if err := m.SetVar(schema.VarPlayer, "", "hp", "10"); err != nil {
		t.Fatal(err)
	}
	if eff := e.Evaluate("aria"); len(eff.Prepend) != 0 {
		t.Fatal("healthy hp must not fire the rule")
	}

	if err := m.SetVar(schema.VarPlayer, "", "hp", "0"); err != nil {
		t.Fatal(err)
	}
	eff := e.Evaluate("aria")
	if len(eff.Prepend) != 1 {
		t.Errorf("expected queued injection after hp hit zero, got %+v", eff.Prepend)
	}
}

func TestParseEvery(t *testing.T) {
	cases := []struct {
		in   string
		want time.Duration
		ok   bool
	}{
		{"every 10m", 10 * time.Minute, true},
		{"every 90s", 90 * time.Second, true},
		{"every 5", 5 * time.Minute, true},
		{"*/5 * * * *", 0, false},
		{"every", 0, false},
	}
	for _, c := range cases {
		got, ok := parseEvery(c.in)
		if ok != c.ok || got != c.want {
			t.Errorf("parseEvery(%q) = (%v, %v), want (%v, %v)", c.in, got, ok, c.want, c.ok)
		}
	}
}
