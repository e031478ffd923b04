package assemble

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fabulist/fabulist/internal/schema"
	"github.com/fabulist/fabulist/internal/state"
)

type fakeRetriever struct {
	snippets []schema.Snippet
	queries  []string
}

func (f *fakeRetriever) Retrieve(_ context.Context, query string, _ int) ([]schema.Snippet, error) {
	f.queries = append(f.queries, query)
	return f.snippets, nil
}

func newTestState(t *testing.T, retr schema.Retriever) *state.Manager {
	t.Helper()
	world := &state.World{
		Title: "Testhaven",
		Start: "plaza",
		Entities: map[string]*state.Entity{
			"aria": {
				Name:        "aria",
				Description: "A wandering bard.",
				Sheet: map[string]string{
					"personality": "curious",
					"secret_plan": "betray the guild",
				},
				Relationships: map[string]string{"player": state.RelationFollowing},
			},
			"bors": {Name: "bors", Description: "A stoic guard."},
		},
		Places: map[string]*state.Location{
			"plaza": {Name: "plaza", Description: "A busy square.", Adjacent: []string{"docks", "tavern"}},
		},
	}
	dir := t.TempDir()
	m, err := state.NewManager(dir, world, state.NewCache(filepath.Join(dir, "entities")), time.Minute, 10)
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Begin(retr); err != nil {
		t.Fatal(err)
	}
	return m
}

// charCounter makes token math deterministic in tests.
func charCounter(s string) int { return len(s) }

func bigBudget() *Budget { return NewBudget(1 << 20, 32, charCounter) }

func indexOf(t *testing.T, msgs schema.Messages, substr string) int {
	t.Helper()
	for i, m := range msgs.Messages {
		if strings.Contains(m.Content, substr) {
			return i
		}
	}
	return -1
}

func TestBuildSectionOrder(t *testing.T) {
	m := newTestState(t, nil)
	if err := m.AppendMessage(schema.NewUserMessage("I greet the crowd", 0)); err != nil {
		t.Fatal(err)
	}

	a := New(m, bigBudget(), 2)
	msgs, err := a.Build(context.Background(), "aria", Injections{
		Prepend: []string{"PREPENDED-NOTE"},
		Append:  []string{"APPENDED-NOTE"},
	})
	if err != nil {
		t.Fatal(err)
	}

	first := msgs.Messages[0]
	if first.Content != baseDirective {
		t.Error("directive must be the first message")
	}
	last := msgs.Messages[msgs.Len()-1]
	if !strings.Contains(last.Content, "as aria") {
		t.Errorf("instruction must close the prompt naming the entity, got %q", last.Content)
	}

	order := []string{
		baseDirective,
		"PREPENDED-NOTE",
		"wandering bard",
		"Current location: plaza",
		"I greet the crowd",
		"APPENDED-NOTE",
		"as aria",
	}
	prev := -1
	for _, substr := range order {
		idx := indexOf(t, msgs, substr)
		if idx < 0 {
			t.Fatalf("section %q missing from prompt", substr)
		}
		if idx <= prev {
			t.Fatalf("section %q out of order (index %d after %d)", substr, idx, prev)
		}
		prev = idx
	}
}

func TestPersonaAllowList(t *testing.T) {
	m := newTestState(t, nil)
	a := New(m, bigBudget(), 2)

	msgs, err := a.Build(context.Background(), "aria", Injections{})
	if err != nil {
		t.Fatal(err)
	}
	if indexOf(t, msgs, "curious") < 0 {
		t.Error("allow-listed sheet field missing")
	}
	if indexOf(t, msgs, "betray the guild") >= 0 {
		t.Error("non-allow-listed field leaked into the prompt")
	}
}

func TestRecallGatedByFollowing(t *testing.T) {
	m := newTestState(t, nil)
	if err := m.AppendMessage(schema.NewUserMessage("the journey begins", 0)); err != nil {
		t.Fatal(err)
	}
	a := New(m, bigBudget(), 2)

	// aria follows the player and gets the recall section.
	msgs, err := a.Build(context.Background(), "aria", Injections{})
	if err != nil {
		t.Fatal(err)
	}
	if indexOf(t, msgs, "What you remember") < 0 {
		t.Error("follower should receive recall memory")
	}

	// bors follows no one and gets none.
	msgs, err = a.Build(context.Background(), "bors", Injections{})
	if err != nil {
		t.Fatal(err)
	}
	if indexOf(t, msgs, "What you remember") >= 0 {
		t.Error("non-follower must not receive recall memory")
	}
}

func TestRecallWindowBoundsScenes(t *testing.T) {
	m := newTestState(t, nil)
	if err := m.AppendMessage(schema.NewUserMessage("FORGOTTEN early event", 0)); err != nil {
		t.Fatal(err)
	}
	if err := m.AdvanceScene(); err != nil {
		t.Fatal(err)
	}
	if err := m.AppendMessage(schema.NewUserMessage("REMEMBERED middle event", 0)); err != nil {
		t.Fatal(err)
	}
	if err := m.AdvanceScene(); err != nil {
		t.Fatal(err)
	}
	if err := m.AppendMessage(schema.NewUserMessage("REMEMBERED recent event", 0)); err != nil {
		t.Fatal(err)
	}

	// Two-scene window in scene 3: scenes 2 and 3 only.
	a := New(m, bigBudget(), 2)
	msgs, err := a.Build(context.Background(), "aria", Injections{})
	if err != nil {
		t.Fatal(err)
	}

	recallIdx := indexOf(t, msgs, "What you remember")
	if recallIdx < 0 {
		t.Fatal("recall section missing from prompt")
	}
	recallText := msgs.Messages[recallIdx].Content
	if !strings.Contains(recallText, "REMEMBERED middle event") {
		t.Error("scene inside the window missing from recall")
	}
	if strings.Contains(recallText, "FORGOTTEN early event") {
		t.Error("scene outside the two-scene window leaked into recall")
	}
}

func TestRetrieverSplice(t *testing.T) {
	retr := &fakeRetriever{snippets: []schema.Snippet{{Text: "The guild hall burned down last winter.", Score: 0.9}}}
	m := newTestState(t, retr)
	if err := m.AppendMessage(schema.NewUserMessage("what happened to the guild hall?", 0)); err != nil {
		t.Fatal(err)
	}

	a := New(m, bigBudget(), 2)
	msgs, err := a.Build(context.Background(), "aria", Injections{})
	if err != nil {
		t.Fatal(err)
	}

	snip := indexOf(t, msgs, "burned down last winter")
	if snip < 0 {
		t.Fatal("retrieved snippet missing from prompt")
	}
	loc := indexOf(t, msgs, "Current location")
	hist := indexOf(t, msgs, "what happened to the guild hall?")
	if !(loc < snip && snip < hist) {
		t.Errorf("snippet must sit between location (%d) and history (%d), got %d", loc, hist, snip)
	}
	if len(retr.queries) != 1 || retr.queries[0] != "what happened to the guild hall?" {
		t.Errorf("retriever should be queried with the latest user message, got %v", retr.queries)
	}
}

func TestBudgetTruncation(t *testing.T) {
	m := newTestState(t, nil)
	for i := 0; i < 20; i++ {
		if err := m.AppendMessage(schema.NewUserMessage("a fairly long line of story text to spend tokens on", 0)); err != nil {
			t.Fatal(err)
		}
	}

	// Tight budget: enough for the protected sections and a little history.
	budget := NewBudget(1200, 32, charCounter)
	a := New(m, budget, 2)

	msgs, err := a.Build(context.Background(), "bors", Injections{})
	if err != nil {
		t.Fatal(err)
	}

	if msgs.Messages[0].Content != baseDirective {
		t.Error("directive must survive truncation")
	}
	if indexOf(t, msgs, "stoic guard") < 0 {
		t.Error("persona must survive truncation")
	}
	if indexOf(t, msgs, "as bors") < 0 {
		t.Error("instruction must survive truncation")
	}

	total := 0
	for _, msg := range msgs.Messages {
		total += budget.CountMessage(msg)
	}
	if total > budget.Limit() {
		t.Errorf("prompt still over budget: %d > %d", total, budget.Limit())
	}
}

func TestSevereBudgetKeepsOnlyProtectedSections(t *testing.T) {
	m := newTestState(t, nil)
	for i := 0; i < 5; i++ {
		if err := m.AppendMessage(schema.NewUserMessage("some story text that will not fit", 0)); err != nil {
			t.Fatal(err)
		}
	}

	budget := NewBudget(400, 32, charCounter)
	a := New(m, budget, 2)
	msgs, err := a.Build(context.Background(), "bors", Injections{})
	if err != nil {
		t.Fatal(err)
	}

	if msgs.Messages[0].Content != baseDirective {
		t.Error("directive must survive severe truncation")
	}
	if indexOf(t, msgs, "stoic guard") < 0 {
		t.Error("persona must survive severe truncation")
	}
	if indexOf(t, msgs, "as bors") < 0 {
		t.Error("instruction must survive severe truncation")
	}
	if indexOf(t, msgs, "Current location") >= 0 {
		t.Error("location section should be dropped under a severe budget")
	}
	if indexOf(t, msgs, "story text") >= 0 {
		t.Error("history should be fully trimmed under a severe budget")
	}
}

func TestHistoryTruncatesOldestFirst(t *testing.T) {
	m := newTestState(t, nil)
	if err := m.AppendMessage(schema.NewUserMessage("OLDEST line with plenty of characters to count against the budget", 0)); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 10; i++ {
		if err := m.AppendMessage(schema.NewUserMessage("middle line with plenty of characters to count against the budget", 0)); err != nil {
			t.Fatal(err)
		}
	}
	if err := m.AppendMessage(schema.NewUserMessage("NEWEST line", 0)); err != nil {
		t.Fatal(err)
	}

	budget := NewBudget(1200, 32, charCounter)
	a := New(m, budget, 2)
	msgs, err := a.Build(context.Background(), "bors", Injections{})
	if err != nil {
		t.Fatal(err)
	}

	if indexOf(t, msgs, "NEWEST line") < 0 {
		t.Error("newest history must be kept")
	}
	if indexOf(t, msgs, "OLDEST line") >= 0 {
		t.Error("oldest history should be trimmed first")
	}
}
