package rules

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/fabulist/fabulist/internal/schema"
)

// ruleFile is the on-disk shape: one document holding a rule list.
type ruleFile struct {
	Rules []schema.Rule `json:"rules" yaml:"rules"`
}

// LoadDir reads every rule file under dir. YAML and JSON are both
// accepted; files sort lexically so declaration order is reproducible
// across machines. A missing directory is an empty rule set, not an error.
func LoadDir(dir string) ([]schema.Rule, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read rules dir: %w", err)
	}

	var out []schema.Rule
	for _, de := range entries {
		if de.IsDir() {
			continue
		}
		name := de.Name()
		ext := strings.ToLower(filepath.Ext(name))
		if ext != ".yaml" && ext != ".yml" && ext != ".json" {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("read rule file %s: %w", name, err)
		}

		var rf ruleFile
		if ext == ".json" {
			err = json.Unmarshal(raw, &rf)
		} else {
			err = yaml.Unmarshal(raw, &rf)
		}
		if err != nil {
			return nil, fmt.Errorf("parse rule file %s: %w", name, err)
		}

		for i, rule := range rf.Rules {
			if err := validate(rule); err != nil {
				return nil, fmt.Errorf("rule file %s, rule %d (%s): %w", name, i, rule.ID, err)
			}
		}
		out = append(out, rf.Rules...)
	}
	return out, nil
}

// validate rejects malformed rules at load time so runtime evaluation only
// has to handle data-dependent failures.
func validate(rule schema.Rule) error {
	if rule.ID == "" {
		return fmt.Errorf("missing id")
	}
	switch rule.Trigger {
	case schema.TriggerOnMessage, schema.TriggerOnVariableChange:
	case schema.TriggerOnTimer:
		if rule.TimerSpec == "" {
			return fmt.Errorf("on-timer rule needs timer_spec")
		}
	default:
		return fmt.Errorf("unknown trigger %q", rule.Trigger)
	}

	for i, c := range rule.Conditions {
		switch c.Kind {
		case schema.CondVar:
			if c.Var == "" {
				return fmt.Errorf("condition %d: var condition needs var", i)
			}
		case schema.CondText:
			if c.TextScope == "" {
				return fmt.Errorf("condition %d: text condition needs text_scope", i)
			}
		default:
			return fmt.Errorf("condition %d: unknown kind %q", i, c.Kind)
		}
	}

	if len(rule.Actions) == 0 {
		return fmt.Errorf("no actions")
	}
	for i, a := range rule.Actions {
		var payload bool
		switch a.Kind {
		case schema.ActionMutateVar:
			payload = a.Mutate != nil
		case schema.ActionInjectPrompt:
			payload = a.Inject != nil
		case schema.ActionSwitchModel:
			payload = a.Switch != nil
		case schema.ActionFireEffect:
			payload = a.Effect != nil
		default:
			return fmt.Errorf("action %d: unknown kind %q", i, a.Kind)
		}
		if !payload {
			return fmt.Errorf("action %d: %s payload missing", i, a.Kind)
		}
	}
	return nil
}
