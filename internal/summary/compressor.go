// Package summary compresses older conversation history into a single
// summary message when a prompt overflows the model's context window.
package summary

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/fabulist/fabulist/internal/provider"
	"github.com/fabulist/fabulist/internal/schema"
)

// summaryTemperature keeps compression factual rather than creative.
const summaryTemperature = 0.2

const firstHalfPrompt = "You compress role-play transcripts. Summarize the following transcript excerpt into a compact, factual recap. Preserve named characters, locations, promises, injuries, acquired items, and unresolved threads. Write plain prose, no lists, no commentary."

const secondHalfPrompt = "You compress role-play transcripts. Below is a recap of the earlier part of a story, followed by the transcript that continues it. Extend the recap so it covers the full transcript. Preserve named characters, locations, promises, injuries, acquired items, and unresolved threads. Write plain prose, no lists, no commentary."

// Compressor produces replacement summaries through a dedicated summary
// model. Compression is strictly depth one: a summary is never summarized
// again within the same turn, and any failure aborts the attempt.
type Compressor struct {
	completer provider.Completer
	model     string
	maxTokens int
	log       *slog.Logger
}

// New creates a compressor bound to the configured summary model.
func New(completer provider.Completer, model string, maxTokens int) *Compressor {
	return &Compressor{
		completer: completer,
		model:     model,
		maxTokens: maxTokens,
		log:       slog.With("component", "summary"),
	}
}

// Compress reduces prefix to one system message in two passes: the first
// half of the excerpt is summarized on its own, then the second half is
// summarized conditioned on that recap so cross-half references resolve.
// The two-pass shape halves the per-call prompt size, which matters because
// compression runs precisely when the context is already too large.
func (c *Compressor) Compress(ctx context.Context, prefix []schema.Message) (schema.Message, error) {
	if len(prefix) == 0 {
		return schema.Message{}, fmt.Errorf("nothing to compress")
	}

	mid := len(prefix) / 2
	if mid == 0 {
		mid = len(prefix)
	}

	first, err := c.summarize(ctx, firstHalfPrompt, "", prefix[:mid])
	if err != nil {
		return schema.Message{}, fmt.Errorf("summarize first half: %w", err)
	}

	combined := first
	if mid < len(prefix) {
		combined, err = c.summarize(ctx, secondHalfPrompt, first, prefix[mid:])
		if err != nil {
			return schema.Message{}, fmt.Errorf("summarize second half: %w", err)
		}
	}

	c.log.Info("history compressed",
		"messages", len(prefix), "summary_chars", len(combined))

	msg := schema.NewSystemMessage("[Story so far] " + combined)
	return msg, nil
}

func (c *Compressor) summarize(ctx context.Context, system, recap string, msgs []schema.Message) (string, error) {
	req := schema.NewMessages()
	req.AddSystem(system)

	var b strings.Builder
	if recap != "" {
		b.WriteString("Recap of the story so far:\n")
		b.WriteString(recap)
		b.WriteString("\n\nTranscript continues:\n")
	}
	for _, m := range msgs {
		speaker := string(m.Role)
		if m.Speaker != "" {
			speaker = m.Speaker
		}
		fmt.Fprintf(&b, "%s: %s\n", speaker, m.Content)
	}
	req.AddUser(b.String())

	text, _, err := c.completer.Complete(ctx, req, c.model, c.maxTokens, summaryTemperature)
	if err != nil {
		return "", err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", fmt.Errorf("summary model returned empty text")
	}
	return text, nil
}
