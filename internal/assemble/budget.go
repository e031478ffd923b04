package assemble

import (
	"log/slog"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/fabulist/fabulist/internal/schema"
)

// CounterFunc estimates the token count of a text fragment.
type CounterFunc func(text string) int

// perMessageOverhead covers the role framing tokens each chat message adds
// beyond its content.
const perMessageOverhead = 4

// Budget converts a model context limit into a usable prompt allowance.
// A slice of the limit is reserved as padding so estimation drift never
// pushes a prompt over the real window.
type Budget struct {
	maxTokens int
	divisor   int
	counter   CounterFunc
}

// NewBudget creates a budget with maxTokens total and maxTokens/divisor
// held back as padding. A nil counter selects the tiktoken-based default.
func NewBudget(maxTokens, divisor int, counter CounterFunc) *Budget {
	if divisor <= 0 {
		divisor = 32
	}
	if counter == nil {
		counter = defaultCounter()
	}
	return &Budget{maxTokens: maxTokens, divisor: divisor, counter: counter}
}

// Limit returns the usable token allowance after padding.
func (b *Budget) Limit() int {
	return b.maxTokens - b.maxTokens/b.divisor
}

// CountText estimates tokens in a bare text fragment.
func (b *Budget) CountText(text string) int {
	return b.counter(text)
}

// CountMessage estimates tokens for one chat message including framing.
func (b *Budget) CountMessage(msg schema.Message) int {
	return b.counter(msg.Content) + perMessageOverhead
}

// CountMessages estimates tokens for a message list.
func (b *Budget) CountMessages(msgs []schema.Message) int {
	total := 0
	for _, m := range msgs {
		total += b.CountMessage(m)
	}
	return total
}

var (
	encOnce sync.Once
	enc     *tiktoken.Tiktoken
)

// defaultCounter counts with the cl100k_base encoding. Loading the encoding
// can fail (it may fetch its ranks file on first use), in which case the
// counter degrades to the bytes/4 heuristic.
func defaultCounter() CounterFunc {
	return func(text string) int {
		encOnce.Do(func() {
			e, err := tiktoken.GetEncoding("cl100k_base")
			if err != nil {
				slog.Warn("tiktoken unavailable, using byte heuristic", "err", err)
				return
			}
			enc = e
		})
		if enc == nil {
			return len(text)/4 + 1
		}
		return len(enc.Encode(text, nil, nil))
	}
}
