package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a gateway failure. The overflow/other split drives
// summarization dispatch; the rest exists for retry policy and diagnosis.
type Kind int

const (
	KindOther Kind = iota
	KindOverflow
	KindAuth
	KindRateLimit
	KindTimeout
)

func (k Kind) String() string {
	switch k {
	case KindOverflow:
		return "overflow"
	case KindAuth:
		return "auth"
	case KindRateLimit:
		return "rate-limit"
	case KindTimeout:
		return "timeout"
	default:
		return "other"
	}
}

// Error is the typed error returned by every gateway call.
type Error struct {
	Kind  Kind
	Model string
	Err   error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s error", e.Model, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Model, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf extracts the failure kind from err, or KindOther for foreign errors.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindOther
}

// IsOverflow reports whether err is a context-length-exceeded failure.
func IsOverflow(err error) bool { return KindOf(err) == KindOverflow }

// overflowMarkers are substrings providers use to report that the supplied
// context exceeds the model's input limit.
var overflowMarkers = []string{
	"context length",
	"context_length_exceeded",
	"maximum context",
	"too many tokens",
	"input is too long",
	"prompt is too long",
}

// looksLikeOverflow reports whether a provider error message describes a
// context-length overflow.
func looksLikeOverflow(msg string) bool {
	lower := strings.ToLower(msg)
	for _, m := range overflowMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}
