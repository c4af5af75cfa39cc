package chat

import (
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a chat record.
type Status string

const (
	StatusPending   Status = "pending"
	StatusAssigned  Status = "assigned"
	StatusAbandoned Status = "abandoned"
)

// CustomerProfile is the public identity projected into outbound messages.
// Account details like username and tags stay in the transport layer.
type CustomerProfile struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	AvatarURL   string `json:"avatarURL"`
}

// Chat identifies one customer's conversation.
type Chat struct {
	ID       string          `json:"id"`
	Customer CustomerProfile `json:"customer"`
}

// OperatorRef names an operator plus the opaque handle the transport
// layer uses to address their connection.
type OperatorRef struct {
	ID         string `json:"id"`
	Connection string `json:"connection,omitempty"`
}

// AuthorType is the closed set of message author kinds.
type AuthorType string

const (
	AuthorCustomer AuthorType = "customer"
	AuthorOperator AuthorType = "operator"
	AuthorAgent    AuthorType = "agent"
	AuthorEvent    AuthorType = "event"
)

type Author struct {
	Type AuthorType `json:"type"`
	ID   string     `json:"id,omitempty"`
}

// Message is the internal representation of a chat message. IDs are
// caller-supplied and opaque; consumers treat them as unique per chat.
// Timestamp is unix seconds, stamped by the receiving component.
type Message struct {
	ID        string            `json:"id"`
	Text      string            `json:"text"`
	Timestamp int64             `json:"timestamp"`
	Author    Author            `json:"author"`
	Meta      map[string]string `json:"meta,omitempty"`
	Context   string            `json:"context"`
}

// Record tracks one chat's dispatch state. Invariants: assigned requires
// a non-nil Operator, pending a nil one; abandoned keeps the last
// assigned operator so recovery can match on reconnect.
type Record struct {
	Status   Status       `json:"status"`
	Chat     Chat         `json:"chat"`
	Operator *OperatorRef `json:"operator,omitempty"`
}

// Timestamp returns the current time in unix seconds.
func Timestamp() int64 {
	return time.Now().Unix()
}

// NewEventMessage builds a synthetic event-type message for the chat log
// (operator joined/left, chat transferred, chat closed).
func NewEventMessage(chatID, text string, meta map[string]string) Message {
	return Message{
		ID:        uuid.NewString(),
		Text:      text,
		Timestamp: Timestamp(),
		Author:    Author{Type: AuthorEvent},
		Meta:      meta,
		Context:   chatID,
	}
}

// AgentMessage is the restricted projection exposed to the agent channel.
// Internal meta and the full author object are not included.
type AgentMessage struct {
	ID         string     `json:"id"`
	Timestamp  int64      `json:"timestamp"`
	Text       string     `json:"text"`
	Context    string     `json:"context"`
	AuthorID   string     `json:"author_id"`
	AuthorType AuthorType `json:"author_type"`
}

// FormatAgentMessage derives the agent-channel projection of a message.
func FormatAgentMessage(authorType AuthorType, authorID, context string, m Message) AgentMessage {
	return AgentMessage{
		ID:         m.ID,
		Timestamp:  m.Timestamp,
		Text:       m.Text,
		Context:    context,
		AuthorID:   authorID,
		AuthorType: authorType,
	}
}
