// Package domain defines the core domain models for the web chat client.
package domain

// Role is the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Conversation is a persisted chat transcript.
type Conversation struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Messages  []Message `json:"messages"`
	CreatedAt int64     `json:"created_at,omitempty"` // Unix milliseconds
	UpdatedAt int64     `json:"updated_at,omitempty"` // Unix milliseconds
}

// Message represents a single message in a conversation.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
	Ts      int64  `json:"ts,omitempty"` // Unix milliseconds
}
