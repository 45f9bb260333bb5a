package chat

// View renders a session's transcript. Calls for one send arrive in order:
// the user message and placeholder from Begin, the rest from Stream.
type View interface {
	RenderUserMessage(token, text string)
	CreateAssistantPlaceholder(token string)
	// RenderAssistant replaces the assistant message's content with text.
	RenderAssistant(token, text string)
	// ShowError reports that the answer of token failed.
	ShowError(token, message string)
	ClearMessages()
}

// NopView discards everything.
type NopView struct{}

func (NopView) RenderUserMessage(token, text string)    {}
func (NopView) CreateAssistantPlaceholder(token string) {}
func (NopView) RenderAssistant(token, text string)      {}
func (NopView) ShowError(token, message string)         {}
func (NopView) ClearMessages()                          {}
