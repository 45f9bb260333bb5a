package domain

// ActionAsk is the only action the conversation endpoint serves.
const ActionAsk = "_ask"

// ContentTypeText marks a plain text prompt.
const ContentTypeText = "text"

// StreamRequest is the body POSTed to the conversation endpoint.
type StreamRequest struct {
	ConversationID string      `json:"conversation_id"`
	Action         string      `json:"action"`
	Model          string      `json:"model"`
	Jailbreak      string      `json:"jailbreak"`
	Meta           RequestMeta `json:"meta"`
}

// RequestMeta carries the message being sent.
type RequestMeta struct {
	ID      string         `json:"id"`
	Content RequestContent `json:"content"`
}

// RequestContent holds the history and the new prompt parts.
type RequestContent struct {
	Conversation   []Message `json:"conversation"`
	InternetAccess bool      `json:"internet_access"`
	ContentType    string    `json:"content_type"`
	Parts          []Part    `json:"parts"`
}

// Part is one piece of the prompt.
type Part struct {
	Content string `json:"content"`
	Role    Role   `json:"role"`
}

// Prompt returns the first prompt part, if any.
func (r *StreamRequest) Prompt() (Part, bool) {
	if len(r.Meta.Content.Parts) == 0 {
		return Part{}, false
	}
	return r.Meta.Content.Parts[0], true
}

// TextChunk is the JSON payload of one event on the conversation stream.
type TextChunk struct {
	Text string `json:"text"`
}

// ErrorResponse is returned by the conversation endpoint when no stream is
// produced.
type ErrorResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}
