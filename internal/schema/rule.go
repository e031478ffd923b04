package schema

// Trigger says when a rule is considered for evaluation.
type Trigger string

const (
	TriggerOnMessage        Trigger = "on-message"
	TriggerOnTimer          Trigger = "on-timer"
	TriggerOnVariableChange Trigger = "on-variable-change"
)

// VarScope locates a variable in the playthrough state.
type VarScope string

const (
	VarGlobal    VarScope = "global"
	VarPlayer    VarScope = "player"
	VarCharacter VarScope = "character"
	VarScene     VarScope = "scene"
)

// TextScope selects the conversation slice a text condition reads.
type TextScope string

const (
	TextLastUser      TextScope = "last-user"
	TextLastAssistant TextScope = "last-assistant"
	TextExchange      TextScope = "exchange"
	TextScene         TextScope = "scene"
	TextTranscript    TextScope = "transcript"
)

// Operator compares a condition's subject against its operand.
type Operator string

const (
	OpEq       Operator = "eq"
	OpNeq      Operator = "neq"
	OpGt       Operator = "gt"
	OpLt       Operator = "lt"
	OpGte      Operator = "gte"
	OpLte      Operator = "lte"
	OpContains Operator = "contains"
	OpMatches  Operator = "matches"
)

// ConditionKind distinguishes variable conditions from text conditions.
type ConditionKind string

const (
	CondVar  ConditionKind = "var"
	CondText ConditionKind = "text"
)

// Condition is one typed comparison inside a rule. Conditions within a rule
// are AND-combined; conditions sharing the same non-zero Group form an OR
// group that counts as a single AND term.
type Condition struct {
	Kind ConditionKind `json:"kind" yaml:"kind"`

	// Variable conditions.
	VarScope  VarScope `json:"var_scope,omitempty" yaml:"var_scope,omitempty"`
	Var       string   `json:"var,omitempty" yaml:"var,omitempty"`
	Character string   `json:"character,omitempty" yaml:"character,omitempty"`

	// Text conditions.
	TextScope TextScope `json:"text_scope,omitempty" yaml:"text_scope,omitempty"`

	Op      Operator `json:"op" yaml:"op"`
	Operand string   `json:"operand" yaml:"operand"`
	Group   int      `json:"group,omitempty" yaml:"group,omitempty"`
}

// ActionKind enumerates the closed set of rule action kinds.
type ActionKind string

const (
	ActionMutateVar    ActionKind = "mutate-variable"
	ActionInjectPrompt ActionKind = "inject-prompt"
	ActionSwitchModel  ActionKind = "switch-model"
	ActionFireEffect   ActionKind = "fire-effect"
)

// Placement says where an injected prompt lands in the assembled context.
type Placement string

const (
	PlacePrepend Placement = "prepend"
	PlaceAppend  Placement = "append"
)

// MutateOp is the mutation applied by a mutate-variable action.
type MutateOp string

const (
	MutateSet MutateOp = "set"
	MutateAdd MutateOp = "add"
)

// MutateVarPayload mutates one playthrough variable.
type MutateVarPayload struct {
	VarScope  VarScope `json:"var_scope" yaml:"var_scope"`
	Var       string   `json:"var" yaml:"var"`
	Character string   `json:"character,omitempty" yaml:"character,omitempty"`
	Op        MutateOp `json:"op" yaml:"op"`
	Value     string   `json:"value" yaml:"value"`
}

// InjectPromptPayload adds a system message to the next assembled context.
type InjectPromptPayload struct {
	Text      string    `json:"text" yaml:"text"`
	Placement Placement `json:"placement" yaml:"placement"`
}

// SwitchModelPayload overrides the model for the next gateway call only.
type SwitchModelPayload struct {
	Model string `json:"model" yaml:"model"`
}

// FireEffectPayload emits a named effect for an external listener.
type FireEffectPayload struct {
	Name    string            `json:"name" yaml:"name"`
	Payload map[string]string `json:"payload,omitempty" yaml:"payload,omitempty"`
}

// Action is a tagged variant: exactly one payload pointer matches Kind.
// Dispatch is an exhaustive switch on Kind, never string comparison against
// an open set.
type Action struct {
	Kind   ActionKind           `json:"kind" yaml:"kind"`
	Mutate *MutateVarPayload    `json:"mutate,omitempty" yaml:"mutate,omitempty"`
	Inject *InjectPromptPayload `json:"inject,omitempty" yaml:"inject,omitempty"`
	Switch *SwitchModelPayload  `json:"switch,omitempty" yaml:"switch,omitempty"`
	Effect *FireEffectPayload   `json:"effect,omitempty" yaml:"effect,omitempty"`
}

// Rule is one declarative trigger/condition/action record. Rules never
// execute arbitrary code. Priority orders evaluation (lower first); ties
// are broken by declaration order.
type Rule struct {
	ID         string      `json:"id" yaml:"id"`
	Trigger    Trigger     `json:"trigger" yaml:"trigger"`
	TimerSpec  string      `json:"timer_spec,omitempty" yaml:"timer_spec,omitempty"`
	Priority   int         `json:"priority" yaml:"priority"`
	Conditions []Condition `json:"conditions" yaml:"conditions"`
	Actions    []Action    `json:"actions" yaml:"actions"`
}
