// Package memory generates first-person memory notes in the background so
// narration turns never wait on note-taking.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/fabulist/fabulist/internal/provider"
	"github.com/fabulist/fabulist/internal/schema"
	"github.com/fabulist/fabulist/internal/state"
)

const notePrompt = "You write one short first-person memory note for a story character. Given a transcript excerpt, write one or two sentences in %s's voice recording what they observed about %s. Factual, no invention, no quotation marks."

const noteMaxTokens = 120

// Job is one note-taking request. Generation is captured at enqueue time;
// the note is discarded if the session has been saved or loaded since.
type Job struct {
	Author     string
	About      string
	Scene      int
	Generation string
	Excerpt    []schema.Message
}

// Recorder runs a single worker over a bounded job queue. Enqueueing never
// blocks a turn: when the queue is full the job is dropped and logged, a
// missing note being preferable to a stalled narration.
type Recorder struct {
	completer provider.Completer
	model     string
	state     *state.Manager
	jobs      chan Job
	group     *errgroup.Group
	cancel    context.CancelFunc
	log       *slog.Logger
}

// New creates a recorder with a queue of the given depth.
func New(completer provider.Completer, model string, st *state.Manager, depth int) *Recorder {
	if depth <= 0 {
		depth = 16
	}
	return &Recorder{
		completer: completer,
		model:     model,
		state:     st,
		jobs:      make(chan Job, depth),
		log:       slog.With("component", "memory"),
	}
}

// Start launches the worker. Call Close to drain and stop.
func (r *Recorder) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	r.group, ctx = errgroup.WithContext(ctx)
	r.group.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case job, ok := <-r.jobs:
				if !ok {
					return nil
				}
				r.run(ctx, job)
			}
		}
	})
}

// Enqueue submits a job without blocking.
func (r *Recorder) Enqueue(job Job) {
	select {
	case r.jobs <- job:
	default:
		r.log.Warn("note queue full, dropping job",
			"author", job.Author, "about", job.About)
	}
}

// Close stops the worker and waits for the in-flight job.
func (r *Recorder) Close() {
	if r.cancel != nil {
		r.cancel()
	}
	if r.group != nil {
		_ = r.group.Wait()
	}
}

func (r *Recorder) run(ctx context.Context, job Job) {
	req := schema.NewMessages()
	req.AddSystem(fmt.Sprintf(notePrompt, job.Author, job.About))

	var b strings.Builder
	for _, m := range job.Excerpt {
		speaker := string(m.Role)
		if m.Speaker != "" {
			speaker = m.Speaker
		}
		fmt.Fprintf(&b, "%s: %s\n", speaker, m.Content)
	}
	req.AddUser(b.String())

	text, _, err := r.completer.Complete(ctx, req, r.model, noteMaxTokens, 0.3)
	if err != nil {
		r.log.Warn("note generation failed",
			"author", job.Author, "about", job.About, "err", err)
		return
	}

	note := schema.MemoryNote{
		Author: job.Author,
		About:  job.About,
		Text:   strings.TrimSpace(text),
		Scene:  job.Scene,
	}
	if err := r.state.AppendNote(note, job.Generation); err != nil {
		r.log.Debug("note not applied", "author", job.Author, "err", err)
		return
	}
	r.log.Debug("note recorded", "author", job.Author, "about", job.About)
}
