package models

import (
	"time"
)

// Message represents one turn in an assistant conversation. Assistant messages grow while a response is
// streaming, user messages are fixed once added.
type Message struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// PartialUpdate is a single content delta received from a chat backend, along with a snapshot of the
// assistant message after the delta has been applied to the transcript.
type PartialUpdate struct {
	Delta   string
	Message Message
}

// Role represents the role of a message participant.
type Role string

const (
	// RoleUser represents a message typed by the visitor.
	RoleUser Role = "user"
	// RoleAssistant represents a message produced by the chat backend.
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}
