package chat

import (
	"encoding/json"
	"time"
)

// Role identifies who authored a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Status tracks the lifecycle of a message.
type Status string

const (
	StatusPending   Status = "pending"
	StatusStreaming Status = "streaming"
	StatusComplete  Status = "complete"
	StatusFailed    Status = "failed"
)

// Open reports whether the message may still change.
func (s Status) Open() bool {
	return s == StatusPending || s == StatusStreaming
}

// Message is one entry of the conversation. Content grows by appended deltas
// while streaming and is frozen once the status is complete or failed.
type Message struct {
	ID        string          `json:"id"`
	Role      Role            `json:"role"`
	Content   string          `json:"content"`
	Result    json.RawMessage `json:"result,omitempty"`
	Status    Status          `json:"status"`
	Cause     string          `json:"cause,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}

// Clone returns a copy that shares no memory with m.
func (m Message) Clone() Message {
	if m.Result != nil {
		m.Result = append(json.RawMessage(nil), m.Result...)
	}
	return m
}
