// Package rules evaluates declarative trigger/condition/action records
// against live playthrough state. Rules never execute arbitrary code; the
// action set is closed and dispatched by exhaustive switch.
package rules

import (
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/fabulist/fabulist/internal/schema"
	"github.com/fabulist/fabulist/internal/state"
)

// ActionResult records one executed action for logging and effect dispatch.
type ActionResult struct {
	RuleID string
	Kind   schema.ActionKind
	Detail string
}

// Effects is everything an evaluation pass hands back to the turn driver.
// Variable mutations are applied during evaluation; injections, the model
// override, and fired effects are returned for the caller to route.
type Effects struct {
	Prepend       []string
	Append        []string
	ModelOverride string // next gateway call only
	Fired         []schema.FireEffectPayload
	Results       []ActionResult
}

func (e *Effects) merge(other Effects) {
	e.Prepend = append(e.Prepend, other.Prepend...)
	e.Append = append(e.Append, other.Append...)
	if other.ModelOverride != "" {
		e.ModelOverride = other.ModelOverride
	}
	e.Fired = append(e.Fired, other.Fired...)
	e.Results = append(e.Results, other.Results...)
}

// Engine evaluates rules in priority order (lower first, declaration order
// breaking ties) and fires every matching rule, not just the first. Effects
// produced outside a turn (timers, variable-change cascades) queue until
// the next turn collects them.
type Engine struct {
	state *state.Manager
	rules []schema.Rule
	log   *slog.Logger

	mu        sync.Mutex
	pending   Effects
	cascading bool
}

// New creates an engine over a fixed rule set. The slice is re-sorted by
// priority with a stable sort so declaration order survives as tie-break.
func New(st *state.Manager, ruleSet []schema.Rule) *Engine {
	ordered := make([]schema.Rule, len(ruleSet))
	copy(ordered, ruleSet)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Priority < ordered[j].Priority
	})
	e := &Engine{
		state: st,
		rules: ordered,
		log:   slog.With("component", "rules"),
	}
	st.OnVarChange(e.fireVarChange)
	return e
}

// Evaluate runs the pre-phase on-message rules against the current state
// and the entity's conversation view, plus whatever queued effects timers
// and variable-change rules produced since the previous turn. Rules with a
// condition reading the assistant reply belong to the post-phase and are
// skipped here; each on-message rule gets exactly one evaluation per turn.
func (e *Engine) Evaluate(entity string) Effects {
	out := e.takePending()
	text := e.textView(entity)

	for _, rule := range e.rules {
		if rule.Trigger != schema.TriggerOnMessage || readsReply(rule) {
			continue
		}
		e.evalRule(rule, text, &out)
	}
	return out
}

// EvaluatePost runs the reply-dependent on-message rules after a reply is
// accepted but before it is appended to history. The reply is overlaid onto
// the conversation view so text conditions can read it. The phases
// partition the on-message rules: reply readers run here and only here,
// everything else ran in Evaluate.
func (e *Engine) EvaluatePost(entity, reply string) Effects {
	var out Effects
	text := e.textView(entity)
	if reply != "" {
		text.LastAssistant = reply
		text.Exchange = strings.TrimSpace(text.LastUser + "\n" + reply)
		text.Transcript += "assistant: " + reply + "\n"
		text.Scene += "assistant: " + reply + "\n"
	}
	for _, rule := range e.rules {
		if rule.Trigger != schema.TriggerOnMessage || !readsReply(rule) {
			continue
		}
		e.evalRule(rule, text, &out)
	}
	return out
}

// readsReply reports whether any condition of the rule reads a conversation
// scope that includes the assistant's reply.
func readsReply(rule schema.Rule) bool {
	for _, c := range rule.Conditions {
		if c.Kind != schema.CondText {
			continue
		}
		switch c.TextScope {
		case schema.TextLastAssistant, schema.TextExchange, schema.TextScene, schema.TextTranscript:
			return true
		}
	}
	return false
}

// FireTimer evaluates one on-timer rule. Its effects queue for the next
// turn rather than interrupting an active one.
func (e *Engine) FireTimer(rule schema.Rule) {
	var out Effects
	e.evalRule(rule, TextView{}, &out)
	e.queue(out)
}

// fireVarChange evaluates on-variable-change rules after a mutation. A
// mutation performed by one of these rules does not cascade into a second
// pass; one level is enough for the supported authoring patterns and
// anything deeper risks an author-written loop.
func (e *Engine) fireVarChange(scope schema.VarScope, name string) {
	e.mu.Lock()
	if e.cascading {
		e.mu.Unlock()
		return
	}
	e.cascading = true
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.cascading = false
		e.mu.Unlock()
	}()

	var out Effects
	for _, rule := range e.rules {
		if rule.Trigger != schema.TriggerOnVariableChange {
			continue
		}
		if !ruleWatches(rule, scope, name) {
			continue
		}
		e.evalRule(rule, TextView{}, &out)
	}
	e.queue(out)
}

// ruleWatches reports whether any condition of the rule reads the mutated
// variable. A rule with no variable conditions fires on every change.
func ruleWatches(rule schema.Rule, scope schema.VarScope, name string) bool {
	hasVarCond := false
	for _, c := range rule.Conditions {
		if c.Kind != schema.CondVar {
			continue
		}
		hasVarCond = true
		if c.VarScope == scope && c.Var == name {
			return true
		}
	}
	return !hasVarCond
}

// evalRule applies one rule: condition check, then actions in declaration
// order. A condition error skips the rule and logs it, never aborting the
// pass.
func (e *Engine) evalRule(rule schema.Rule, text TextView, out *Effects) {
	ok, err := evalConditions(rule.Conditions, e.state, text)
	if err != nil {
		e.log.Warn("rule skipped", "rule", rule.ID, "err", err)
		return
	}
	if !ok {
		return
	}

	for _, action := range rule.Actions {
		if err := e.execute(rule.ID, action, out); err != nil {
			e.log.Warn("action failed", "rule", rule.ID, "kind", action.Kind, "err", err)
		}
	}
}

func (e *Engine) execute(ruleID string, action schema.Action, out *Effects) error {
	switch action.Kind {
	case schema.ActionMutateVar:
		p := action.Mutate
		if p == nil {
			return fmt.Errorf("mutate-variable action missing payload")
		}
		value := p.Value
		if p.Op == schema.MutateAdd {
			cur, _ := e.state.Var(p.VarScope, p.Character, p.Var)
			sum, err := addValues(cur, p.Value)
			if err != nil {
				return err
			}
			value = sum
		}
		if err := e.state.SetVar(p.VarScope, p.Character, p.Var, value); err != nil {
			return err
		}
		out.Results = append(out.Results, ActionResult{ruleID, action.Kind, p.Var + "=" + value})

	case schema.ActionInjectPrompt:
		p := action.Inject
		if p == nil {
			return fmt.Errorf("inject-prompt action missing payload")
		}
		if p.Placement == schema.PlaceAppend {
			out.Append = append(out.Append, p.Text)
		} else {
			out.Prepend = append(out.Prepend, p.Text)
		}
		out.Results = append(out.Results, ActionResult{ruleID, action.Kind, string(p.Placement)})

	case schema.ActionSwitchModel:
		p := action.Switch
		if p == nil {
			return fmt.Errorf("switch-model action missing payload")
		}
		out.ModelOverride = p.Model
		out.Results = append(out.Results, ActionResult{ruleID, action.Kind, p.Model})

	case schema.ActionFireEffect:
		p := action.Effect
		if p == nil {
			return fmt.Errorf("fire-effect action missing payload")
		}
		out.Fired = append(out.Fired, *p)
		out.Results = append(out.Results, ActionResult{ruleID, action.Kind, p.Name})

	default:
		return fmt.Errorf("unknown action kind %q", action.Kind)
	}
	return nil
}

func addValues(current, delta string) (string, error) {
	if current == "" {
		current = "0"
	}
	a, err := strconv.ParseFloat(strings.TrimSpace(current), 64)
	if err != nil {
		return "", fmt.Errorf("current value %q not numeric: %w", current, err)
	}
	b, err := strconv.ParseFloat(strings.TrimSpace(delta), 64)
	if err != nil {
		return "", fmt.Errorf("delta %q not numeric: %w", delta, err)
	}
	return strconv.FormatFloat(a+b, 'f', -1, 64), nil
}

// Defer queues effects for the next turn's pre-phase. The turn driver uses
// it for post-phase injections and model overrides, which by contract apply
// to the following generation call, not the one that just completed.
func (e *Engine) Defer(eff Effects) { e.queue(eff) }

func (e *Engine) queue(eff Effects) {
	if len(eff.Prepend) == 0 && len(eff.Append) == 0 && eff.ModelOverride == "" &&
		len(eff.Fired) == 0 && len(eff.Results) == 0 {
		return
	}
	e.mu.Lock()
	e.pending.merge(eff)
	e.mu.Unlock()
}

func (e *Engine) takePending() Effects {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := e.pending
	e.pending = Effects{}
	return out
}

// textView snapshots the conversation slices text conditions read.
func (e *Engine) textView(entity string) TextView {
	hist := e.state.History()

	var v TextView
	var full strings.Builder
	for _, m := range hist {
		fmt.Fprintf(&full, "%s: %s\n", m.Role, m.Content)
		switch m.Role {
		case schema.RoleUser:
			v.LastUser = m.Content
		case schema.RoleAssistant:
			v.LastAssistant = m.Content
		}
	}
	v.Transcript = full.String()
	v.Exchange = strings.TrimSpace(v.LastUser + "\n" + v.LastAssistant)

	var scene strings.Builder
	cur := e.state.Scene()
	for _, m := range hist {
		if m.Scene == cur && m.VisibleTo(entity) {
			fmt.Fprintf(&scene, "%s: %s\n", m.Role, m.Content)
		}
	}
	v.Scene = scene.String()
	return v
}
