package rules

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"time"

	robfigcron "github.com/robfig/cron/v3"

	"github.com/fabulist/fabulist/internal/schema"
)

// Timers arms one scheduler entry per on-timer rule. Fired rules evaluate
// against live state and queue their effects on the engine for the next
// turn; a timer never interrupts an in-flight generation.
//
// timer_spec accepts a standard five-field cron expression or the shorthand
// "every <duration>" (e.g. "every 10m").
type Timers struct {
	engine *Engine
	cron   *robfigcron.Cron
	log    *slog.Logger
}

// NewTimers creates the scheduler over the engine's on-timer rules. Rules
// with unparseable specs are logged and skipped; authoring mistakes in one
// rule must not take down the rest.
func NewTimers(engine *Engine) *Timers {
	t := &Timers{
		engine: engine,
		cron:   robfigcron.New(),
		log:    slog.With("component", "timers"),
	}
	for _, rule := range engine.rules {
		if rule.Trigger != schema.TriggerOnTimer {
			continue
		}
		t.arm(rule)
	}
	return t
}

func (t *Timers) arm(rule schema.Rule) {
	fire := func() {
		t.log.Debug("timer fired", "rule", rule.ID)
		t.engine.FireTimer(rule)
	}

	if d, ok := parseEvery(rule.TimerSpec); ok {
		t.cron.Schedule(robfigcron.Every(d), robfigcron.FuncJob(fire))
		return
	}
	if _, err := t.cron.AddFunc(rule.TimerSpec, fire); err != nil {
		t.log.Warn("invalid timer spec, rule disarmed",
			"rule", rule.ID, "spec", rule.TimerSpec, "err", err)
	}
}

// Start runs the scheduler until ctx is cancelled.
func (t *Timers) Start(ctx context.Context) {
	t.cron.Start()
	t.log.Info("timers started", "entries", len(t.cron.Entries()))
	go func() {
		<-ctx.Done()
		<-t.cron.Stop().Done()
	}()
}

// Stop halts the scheduler and waits for a running entry to finish.
func (t *Timers) Stop() {
	<-t.cron.Stop().Done()
}

// parseEvery handles the "every <duration>" shorthand. Bare numbers are
// read as minutes.
func parseEvery(spec string) (time.Duration, bool) {
	rest, ok := strings.CutPrefix(strings.TrimSpace(spec), "every ")
	if !ok {
		return 0, false
	}
	rest = strings.TrimSpace(rest)
	if n, err := strconv.Atoi(rest); err == nil {
		return time.Duration(n) * time.Minute, true
	}
	d, err := time.ParseDuration(rest)
	if err != nil || d <= 0 {
		return 0, false
	}
	return d, true
}
