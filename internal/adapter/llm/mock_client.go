package llm

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// MockClient answers without an upstream. Used when GOGO_MODE=MOCK.
type MockClient struct {
	// ChunkSize is the number of runes per streamed chunk.
	ChunkSize int
}

// NewMockClient creates a new mock LLM client.
func NewMockClient() *MockClient {
	return &MockClient{ChunkSize: 10}
}

// CreateChatCompletionStream streams a canned answer built from the last
// user message.
func (m *MockClient) CreateChatCompletionStream(ctx context.Context, req *ChatCompletionRequest, callback StreamCallback) (*Usage, error) {
	content := m.generateMockResponse(req)
	id := fmt.Sprintf("mock-chatcmpl-%d", time.Now().UnixNano())
	created := time.Now().Unix()

	chunks := splitIntoChunks(content, m.ChunkSize)
	for i, chunk := range chunks {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		finishReason := ""
		if i == len(chunks)-1 {
			finishReason = "stop"
		}
		streamChunk := &StreamChunk{
			ID:      id,
			Object:  "chat.completion.chunk",
			Created: created,
			Model:   req.Model,
			Choices: []Choice{{
				Delta:        &ChatMessage{Role: "assistant", Content: chunk},
				FinishReason: finishReason,
			}},
		}
		if err := callback(streamChunk); err != nil {
			return nil, err
		}
	}

	prompt := estimateTokens(req)
	completion := len(content) / 4
	return &Usage{PromptTokens: prompt, CompletionTokens: completion, TotalTokens: prompt + completion}, nil
}

// ListModels returns the mock model list.
func (m *MockClient) ListModels(ctx context.Context) ([]Model, error) {
	now := time.Now().Unix()
	return []Model{
		{ID: "mock-gemini-2.5-flash", Object: "model", Created: now, OwnedBy: "mock"},
		{ID: "mock-gpt-4o", Object: "model", Created: now, OwnedBy: "mock"},
	}, nil
}

func (m *MockClient) generateMockResponse(req *ChatCompletionRequest) string {
	var lastUserMessage string
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == "user" {
			lastUserMessage = req.Messages[i].Content
			break
		}
	}
	if lastUserMessage == "" {
		return "[MOCK] This is a mock response from the LLM client."
	}
	return fmt.Sprintf("[MOCK] Received your message: %q. This is a mock response.", truncate(lastUserMessage, 100))
}

func estimateTokens(req *ChatCompletionRequest) int {
	total := 0
	for _, msg := range req.Messages {
		total += len(msg.Content) / 4
	}
	return total
}

// splitIntoChunks splits s into chunks of at most size runes.
func splitIntoChunks(s string, size int) []string {
	if size <= 0 {
		size = 10
	}
	runes := []rune(s)
	if len(runes) == 0 {
		return []string{""}
	}
	var chunks []string
	for i := 0; i < len(runes); i += size {
		chunks = append(chunks, string(runes[i:min(i+size, len(runes))]))
	}
	return chunks
}

func truncate(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return strings.TrimSpace(string(runes[:maxLen])) + "..."
}
