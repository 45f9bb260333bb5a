package chat

import (
	"context"
	"strings"
	"time"

	"github.com/xiaot623/gogo/webchat/internal/client"
	"github.com/xiaot623/gogo/webchat/internal/domain"
)

const (
	echoChunkRunes = 20
	echoInterval   = 120 * time.Millisecond
)

// EchoStreamer answers locally by echoing the prompt back in small timed
// chunks. It stands in for the backend in mock mode.
type EchoStreamer struct {
	Interval time.Duration
}

// NewEchoStreamer creates an echo streamer with the default pacing.
func NewEchoStreamer() *EchoStreamer {
	return &EchoStreamer{Interval: echoInterval}
}

// EchoReply returns the full simulated answer to text.
func EchoReply(text string) string {
	return "Echo: " + text + "\n\n(This is a local UI-only simulated response.)"
}

// Run streams EchoReply of the request's prompt into sink.
func (e *EchoStreamer) Run(ctx context.Context, req *domain.StreamRequest, sink client.ChunkSink) (string, error) {
	var prompt string
	if part, ok := req.Prompt(); ok {
		prompt = part.Content
	}

	var acc strings.Builder
	for _, chunk := range splitRunes(EchoReply(prompt), echoChunkRunes) {
		if ctx.Err() != nil {
			return acc.String(), client.ErrCancelled
		}

		timer := time.NewTimer(e.Interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return acc.String(), client.ErrCancelled
		case <-timer.C:
		}

		acc.WriteString(chunk)
		if sink != nil {
			_ = sink.OnChunk(chunk)
		}
	}
	return acc.String(), nil
}

func splitRunes(s string, n int) []string {
	runes := []rune(s)
	chunks := make([]string, 0, len(runes)/n+1)
	for i := 0; i < len(runes); i += n {
		chunks = append(chunks, string(runes[i:min(i+n, len(runes))]))
	}
	return chunks
}
