package schema

// Messages is the ordered list of messages sent to the LLM.
// It owns typed append methods so callers never build raw slices.
type Messages struct {
	Messages []Message
}

// NewMessages returns a Messages initialised with the given messages.
// Called with no arguments it returns an empty Messages ready for use.
func NewMessages(msgs ...Message) Messages {
	if len(msgs) == 0 {
		return Messages{Messages: make([]Message, 0)}
	}
	out := make([]Message, len(msgs))
	copy(out, msgs)
	return Messages{Messages: out}
}

// AddSystem appends a system message.
func (mh *Messages) AddSystem(content string) {
	mh.Messages = append(mh.Messages, Message{Role: RoleSystem, Content: content})
}

// AddUser appends a user message.
func (mh *Messages) AddUser(content string) {
	mh.Messages = append(mh.Messages, Message{Role: RoleUser, Content: content})
}

// AddAssistant appends an assistant message.
func (mh *Messages) AddAssistant(content string) {
	mh.Messages = append(mh.Messages, Message{Role: RoleAssistant, Content: content})
}

// Add appends an arbitrary message.
func (mh *Messages) Add(msg Message) {
	mh.Messages = append(mh.Messages, msg)
}

// Append copies all messages from other into mh.
func (mh *Messages) Append(other Messages) {
	mh.Messages = append(mh.Messages, other.Messages...)
}

// Len returns the number of messages.
func (mh *Messages) Len() int { return len(mh.Messages) }

// Clone returns a deep copy of mh with an independent backing slice.
func (mh *Messages) Clone() Messages {
	cloned := make([]Message, len(mh.Messages))
	copy(cloned, mh.Messages)
	return Messages{Messages: cloned}
}
