package rules

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/fabulist/fabulist/internal/schema"
)

// VarReader is the read view the condition evaluator takes on playthrough
// variables. *state.Manager satisfies it.
type VarReader interface {
	Var(scope schema.VarScope, character, name string) (string, bool)
}

// TextView is the conversation material text conditions read from,
// precomputed once per evaluation pass.
type TextView struct {
	LastUser      string
	LastAssistant string
	Exchange      string // last (user, assistant) pair
	Scene         string // current-scene transcript, visibility filtered
	Transcript    string // full transcript with the latest reply last
}

func (v TextView) forScope(scope schema.TextScope) (string, error) {
	switch scope {
	case schema.TextLastUser:
		return v.LastUser, nil
	case schema.TextLastAssistant:
		return v.LastAssistant, nil
	case schema.TextExchange:
		return v.Exchange, nil
	case schema.TextScene:
		return v.Scene, nil
	case schema.TextTranscript:
		return v.Transcript, nil
	default:
		return "", fmt.Errorf("unknown text scope %q", scope)
	}
}

// evalConditions reports whether a rule's condition list holds. Conditions
// are AND-combined, except that conditions sharing a non-zero Group form an
// OR group counting as one AND term. Any evaluator error fails the whole
// rule so the caller can skip and log it.
func evalConditions(conds []schema.Condition, vars VarReader, text TextView) (bool, error) {
	groups := map[int]bool{}
	groupSeen := map[int]bool{}

	for i, c := range conds {
		ok, err := evalCondition(c, vars, text)
		if err != nil {
			return false, fmt.Errorf("condition %d: %w", i, err)
		}
		if c.Group == 0 {
			if !ok {
				return false, nil
			}
			continue
		}
		groupSeen[c.Group] = true
		if ok {
			groups[c.Group] = true
		}
	}

	for g := range groupSeen {
		if !groups[g] {
			return false, nil
		}
	}
	return true, nil
}

func evalCondition(c schema.Condition, vars VarReader, text TextView) (bool, error) {
	switch c.Kind {
	case schema.CondVar:
		subject, _ := vars.Var(c.VarScope, c.Character, c.Var)
		return compare(subject, c.Op, c.Operand)
	case schema.CondText:
		subject, err := text.forScope(c.TextScope)
		if err != nil {
			return false, err
		}
		return compare(subject, c.Op, c.Operand)
	default:
		return false, fmt.Errorf("unknown condition kind %q", c.Kind)
	}
}

func compare(subject string, op schema.Operator, operand string) (bool, error) {
	switch op {
	case schema.OpEq:
		return subject == operand, nil
	case schema.OpNeq:
		return subject != operand, nil
	case schema.OpGt, schema.OpLt, schema.OpGte, schema.OpLte:
		a, err := strconv.ParseFloat(strings.TrimSpace(subject), 64)
		if err != nil {
			return false, fmt.Errorf("numeric subject %q: %w", subject, err)
		}
		b, err := strconv.ParseFloat(strings.TrimSpace(operand), 64)
		if err != nil {
			return false, fmt.Errorf("numeric operand %q: %w", operand, err)
		}
		switch op {
		case schema.OpGt:
			return a > b, nil
		case schema.OpLt:
			return a < b, nil
		case schema.OpGte:
			return a >= b, nil
		default:
			return a <= b, nil
		}
	case schema.OpContains:
		return strings.Contains(strings.ToLower(subject), strings.ToLower(operand)), nil
	case schema.OpMatches:
		re, err := regexp.Compile(operand)
		if err != nil {
			return false, fmt.Errorf("pattern %q: %w", operand, err)
		}
		return re.MatchString(subject), nil
	default:
		return false, fmt.Errorf("unknown operator %q", op)
	}
}
