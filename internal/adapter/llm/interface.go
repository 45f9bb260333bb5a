// Package llm talks to the upstream OpenAI-compatible completion API that the
// conversation backend answers from.
package llm

import "context"

// StreamCallback is called for each chunk of a streamed completion.
type StreamCallback func(chunk *StreamChunk) error

// LLMClient defines the upstream operations the backend needs.
type LLMClient interface {
	// CreateChatCompletionStream sends a streaming chat completion request.
	// The callback is called for each chunk received.
	CreateChatCompletionStream(ctx context.Context, req *ChatCompletionRequest, callback StreamCallback) (*Usage, error)

	// ListModels retrieves the list of available models.
	ListModels(ctx context.Context) ([]Model, error)
}

var (
	_ LLMClient = (*Client)(nil)
	_ LLMClient = (*MockClient)(nil)
)
