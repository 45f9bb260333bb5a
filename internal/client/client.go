// Package client implements the streaming conversation client: it posts one
// request to the conversation backend and decodes the event stream it returns
// into text fragments delivered to a sink.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/xiaot623/gogo/webchat/internal/domain"
	"github.com/xiaot623/gogo/webchat/internal/logging"
	"github.com/xiaot623/gogo/webchat/internal/sse"
)

// ConversationPath is the backend endpoint that serves streamed answers.
const ConversationPath = "/backend-api/v2/conversation"

const readBufferSize = 32 << 10

// Client issues streaming conversation requests.
// It holds no per-stream state, so concurrent Run calls are independent.
type Client struct {
	endpoint  string
	transport Transport
	logger    *zap.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithTransport replaces the default net/http transport.
func WithTransport(t Transport) Option {
	return func(c *Client) {
		c.transport = t
	}
}

// WithLogger sets the logger used for sink failures and stream diagnostics.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) {
		c.logger = l
	}
}

// NewClient creates a client for the backend at baseURL.
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		endpoint: strings.TrimSuffix(baseURL, "/") + ConversationPath,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.transport == nil {
		c.transport = NewHTTPTransport(nil)
	}
	c.logger = logging.OrNop(c.logger)
	return c
}

// Endpoint returns the URL requests are posted to.
func (c *Client) Endpoint() string {
	return c.endpoint
}

// Run sends req and streams the answer into sink. It returns the concatenation
// of every fragment delivered to sink.
//
// A done ctx, before or during the stream, yields ErrCancelled together with
// whatever text was delivered so far. Errors returned or panics raised by sink
// are logged and never stop the stream.
func (c *Client) Run(ctx context.Context, req *domain.StreamRequest, sink ChunkSink) (string, error) {
	if ctx.Err() != nil {
		return "", ErrCancelled
	}

	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	header := make(http.Header)
	header.Set("Content-Type", "application/json")
	header.Set("Accept", "text/event-stream")

	resp, err := c.transport.Post(ctx, c.endpoint, header, body)
	if err != nil {
		if ctx.Err() != nil {
			return "", ErrCancelled
		}
		return "", fmt.Errorf("failed to send request: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", requestFailed(resp)
	}
	if resp.Body == nil || resp.Body == http.NoBody {
		if resp.Body != nil {
			resp.Body.Close()
		}
		return "", ErrNoBody
	}

	return c.consume(ctx, resp.Body, sink)
}

// consume reads body until EOF, checking ctx before every read. body is
// closed exactly once, on every return path.
func (c *Client) consume(ctx context.Context, body io.ReadCloser, sink ChunkSink) (string, error) {
	defer body.Close()

	decoder := sse.NewDecoder()
	var acc strings.Builder
	deliver := func(events []sse.Event) {
		for _, ev := range events {
			acc.WriteString(ev.Text)
			c.emit(sink, ev)
		}
	}

	buf := make([]byte, readBufferSize)
	for {
		if ctx.Err() != nil {
			return acc.String(), ErrCancelled
		}

		n, err := body.Read(buf)
		if n > 0 {
			deliver(decoder.Feed(buf[:n]))
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				return acc.String(), ErrCancelled
			}
			return acc.String(), err
		}
	}

	deliver(decoder.Flush())
	return acc.String(), nil
}

func (c *Client) emit(sink ChunkSink, ev sse.Event) {
	if ev.Kind == sse.KindChallenge {
		c.logger.Warn("stream replaced by an HTML challenge page", zap.String("endpoint", c.endpoint))
	}
	if sink == nil {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			c.logger.Warn("chunk sink panicked", zap.Any("panic", r))
		}
	}()
	if err := sink.OnChunk(ev.Text); err != nil {
		c.logger.Warn("chunk sink failed", zap.Error(err), zap.Stringer("kind", ev.Kind))
	}
}
