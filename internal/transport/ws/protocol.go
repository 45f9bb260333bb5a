package ws

import "github.com/xiaot623/gogo/webchat/internal/domain"

// Message types from client to server
const (
	TypeSend   = "send"
	TypeCancel = "cancel"
	TypeSelect = "select"
	TypeList   = "list"
	TypeDelete = "delete"
	TypeClear  = "clear"
	TypeNew    = "new"
)

// Message types from server to client
const (
	TypeUserMessage   = "user_message"
	TypePlaceholder   = "placeholder"
	TypeDelta         = "delta"
	TypeDone          = "done"
	TypeAborted       = "aborted"
	TypeError         = "error"
	TypeConversations = "conversations"
	TypeConversation  = "conversation"
	TypeCleared       = "cleared"
)

// Error codes
const (
	ErrorCodeInvalidMessage = "invalid_message"
	ErrorCodeServerError    = "server_error"
	ErrorCodeInternalError  = "internal_error"
)

// ClientMessage is any message sent by the browser.
type ClientMessage struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id,omitempty"`
	Content        string `json:"content,omitempty"`
	Model          string `json:"model,omitempty"`
}

// BaseMessage contains common fields for all server messages.
type BaseMessage struct {
	Type           string `json:"type"`
	Ts             int64  `json:"ts"`
	ConversationID string `json:"conversation_id,omitempty"`
}

// TextMessage carries the text of one rendered message. It is used for
// user_message, placeholder, delta, done and aborted.
type TextMessage struct {
	BaseMessage
	Token string `json:"token"`
	Text  string `json:"text"`
}

// ErrorMessage reports a failure.
type ErrorMessage struct {
	BaseMessage
	Token   string `json:"token,omitempty"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ConversationSummary is one entry of a conversations message.
type ConversationSummary struct {
	ID           string `json:"id"`
	Title        string `json:"title"`
	UpdatedAt    int64  `json:"updated_at"`
	MessageCount int    `json:"message_count"`
}

// ConversationsMessage lists the stored conversations.
type ConversationsMessage struct {
	BaseMessage
	Conversations []ConversationSummary `json:"conversations"`
}

// ConversationMessage carries one full conversation.
type ConversationMessage struct {
	BaseMessage
	Conversation *domain.Conversation `json:"conversation"`
}

func summarize(convs []domain.Conversation) []ConversationSummary {
	out := make([]ConversationSummary, 0, len(convs))
	for _, c := range convs {
		out = append(out, ConversationSummary{
			ID:           c.ID,
			Title:        c.Title,
			UpdatedAt:    c.UpdatedAt,
			MessageCount: len(c.Messages),
		})
	}
	return out
}
