package schema

import "time"

// Role identifies who authored a conversation message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one entry in the playthrough conversation.
//
// Scene is the boundary tag the message was appended under; scene numbers
// are non-decreasing within a playthrough. Visibility lists the entities
// whose context views include this message; an empty list means the message
// is visible to everyone. Speaker is set on assistant messages to the
// entity whose narration the message carries.
type Message struct {
	Role       Role      `json:"role"`
	Content    string    `json:"content"`
	Scene      int       `json:"scene"`
	Speaker    string    `json:"speaker,omitempty"`
	Visibility []string  `json:"visibility,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// VisibleTo reports whether the message belongs to entity's context view.
func (m Message) VisibleTo(entity string) bool {
	if len(m.Visibility) == 0 {
		return true
	}
	for _, v := range m.Visibility {
		if v == entity {
			return true
		}
	}
	return false
}

func NewSystemMessage(content string) Message {
	return Message{Role: RoleSystem, Content: content, Timestamp: time.Now()}
}

func NewUserMessage(content string, scene int) Message {
	return Message{Role: RoleUser, Content: content, Scene: scene, Timestamp: time.Now()}
}

func NewAssistantMessage(content, speaker string, scene int) Message {
	return Message{Role: RoleAssistant, Content: content, Speaker: speaker, Scene: scene, Timestamp: time.Now()}
}
