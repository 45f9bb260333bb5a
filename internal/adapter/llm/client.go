package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xiaot623/gogo/webchat/internal/logging"
)

const (
	doneMarker = "[DONE]"

	// maxErrorBody caps how much of a failed response is kept for the error.
	maxErrorBody = 64 << 10
)

// Client talks to an OpenAI-compatible API such as LiteLLM.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *zap.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithClientLogger sets the logger used for skipped stream lines.
func WithClientLogger(logger *zap.Logger) ClientOption {
	return func(c *Client) { c.logger = logging.OrNop(logger) }
}

// WithHTTPClient replaces the underlying http.Client. The timeout passed to
// NewClient is not applied to it.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

// NewClient creates a client for baseURL. apiKey may be empty.
func NewClient(baseURL, apiKey string, timeout time.Duration, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CreateChatCompletionStream posts req with streaming enabled and hands every
// decoded chunk to callback. Lines that are not JSON chunks are skipped; the
// stream ends at EOF or "[DONE]". The last usage block seen is returned.
func (c *Client) CreateChatCompletionStream(ctx context.Context, req *ChatCompletionRequest, callback StreamCallback) (*Usage, error) {
	req.Stream = true
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	resp, err := c.do(ctx, http.MethodPost, "/v1/chat/completions", bytes.NewReader(payload), "text/event-stream")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	return c.readStream(ctx, bufio.NewReader(resp.Body), callback)
}

func (c *Client) readStream(ctx context.Context, r *bufio.Reader, callback StreamCallback) (*Usage, error) {
	var usage *Usage
	for {
		if err := ctx.Err(); err != nil {
			return usage, err
		}

		line, readErr := r.ReadString('\n')
		if readErr != nil && readErr != io.EOF {
			return usage, fmt.Errorf("failed to read stream: %w", readErr)
		}

		data, isData := strings.CutPrefix(strings.TrimSpace(line), "data:")
		data = strings.TrimSpace(data)
		switch {
		case !isData || data == "":
		case data == doneMarker:
			return usage, nil
		default:
			var chunk StreamChunk
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				c.logger.Debug("skipping malformed stream chunk", zap.String("data", data), zap.Error(err))
				break
			}
			if chunk.Usage != nil {
				usage = chunk.Usage
			}
			if err := callback(&chunk); err != nil {
				return usage, err
			}
		}

		if readErr == io.EOF {
			return usage, nil
		}
	}
}

// ListModels returns the models the upstream serves.
func (c *Client) ListModels(ctx context.Context) ([]Model, error) {
	resp, err := c.do(ctx, http.MethodGet, "/v1/models", nil, "application/json")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var result ModelsResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode models: %w", err)
	}
	return result.Data, nil
}

// do sends the request and turns any non-200 answer into a *StatusError,
// closing the body in that case.
func (c *Client) do(ctx context.Context, method, path string, body io.Reader, accept string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", accept)
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, newStatusError(resp.StatusCode, errBody)
	}
	return resp, nil
}
