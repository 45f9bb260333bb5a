package chat

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/gogo/webchat/internal/client"
	"github.com/xiaot623/gogo/webchat/internal/domain"
	"github.com/xiaot623/gogo/webchat/internal/store"
)

type viewCall struct {
	op    string
	token string
	text  string
}

type recordingView struct {
	mu    sync.Mutex
	calls []viewCall
}

func (v *recordingView) add(c viewCall) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.calls = append(v.calls, c)
}

func (v *recordingView) RenderUserMessage(token, text string) {
	v.add(viewCall{"user", token, text})
}

func (v *recordingView) CreateAssistantPlaceholder(token string) {
	v.add(viewCall{"placeholder", token, ""})
}

func (v *recordingView) RenderAssistant(token, text string) {
	v.add(viewCall{"assistant", token, text})
}

func (v *recordingView) ShowError(token, message string) {
	v.add(viewCall{"error", token, message})
}

func (v *recordingView) ClearMessages() {
	v.add(viewCall{"clear", "", ""})
}

func (v *recordingView) ops() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]string, 0, len(v.calls))
	for _, c := range v.calls {
		out = append(out, c.op)
	}
	return out
}

func (v *recordingView) last() viewCall {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.calls[len(v.calls)-1]
}

// streamFunc adapts a function to Streamer.
type streamFunc func(ctx context.Context, req *domain.StreamRequest, sink client.ChunkSink) (string, error)

func (f streamFunc) Run(ctx context.Context, req *domain.StreamRequest, sink client.ChunkSink) (string, error) {
	return f(ctx, req, sink)
}

func fragments(parts ...string) streamFunc {
	return func(ctx context.Context, req *domain.StreamRequest, sink client.ChunkSink) (string, error) {
		for _, p := range parts {
			_ = sink.OnChunk(p)
		}
		return strings.Join(parts, ""), nil
	}
}

func newTestSession(t *testing.T, streamer Streamer) (*Session, *recordingView, *store.Store) {
	t.Helper()
	st := store.New(store.NewMemoryKV())
	view := &recordingView{}
	return NewSession(st, streamer, view, WithOptions(Options{Model: "gemini-2.5-flash", Jailbreak: "false"})), view, st
}

func TestSendRejectsBlankInput(t *testing.T) {
	s, view, _ := newTestSession(t, fragments("x"))
	_, err := s.Send(context.Background(), "  \n\t ")
	assert.ErrorIs(t, err, ErrEmptyMessage)
	assert.Empty(t, view.ops())
	assert.Empty(t, s.ConversationID())
}

func TestSendStreamsAndPersists(t *testing.T) {
	var requests []*domain.StreamRequest
	streamer := streamFunc(func(ctx context.Context, req *domain.StreamRequest, sink client.ChunkSink) (string, error) {
		requests = append(requests, req)
		return fragments("Hel", "lo")(ctx, req, sink)
	})
	s, view, st := newTestSession(t, streamer)
	ctx := context.Background()

	reply, err := s.Send(ctx, "  hi there  ")
	require.NoError(t, err)
	assert.Equal(t, StatusDone, reply.Status)
	assert.Equal(t, "Hello", reply.Text)
	assert.NotEmpty(t, reply.ConversationID)
	assert.Equal(t, reply.ConversationID, s.ConversationID())
	assert.Equal(t, []string{"user", "placeholder", "assistant", "assistant"}, view.ops())
	assert.Equal(t, viewCall{"assistant", reply.Token, "Hello"}, view.last())

	require.Len(t, requests, 1)
	req := requests[0]
	assert.Equal(t, reply.ConversationID, req.ConversationID)
	assert.Equal(t, domain.ActionAsk, req.Action)
	assert.Equal(t, "gemini-2.5-flash", req.Model)
	assert.Equal(t, domain.ContentTypeText, req.Meta.Content.ContentType)
	assert.Empty(t, req.Meta.Content.Conversation)
	assert.Equal(t, []domain.Part{{Content: "hi there", Role: domain.RoleUser}}, req.Meta.Content.Parts)
	assert.True(t, strings.HasPrefix(req.Meta.ID, "m_"))

	conv, err := st.Get(ctx, reply.ConversationID)
	require.NoError(t, err)
	require.Len(t, conv.Messages, 2)
	assert.Equal(t, domain.RoleUser, conv.Messages[0].Role)
	assert.Equal(t, "hi there", conv.Messages[0].Content)
	assert.Equal(t, domain.RoleAssistant, conv.Messages[1].Role)
	assert.Equal(t, "Hello", conv.Messages[1].Content)

	_, err = s.Send(ctx, "again")
	require.NoError(t, err)
	require.Len(t, requests, 2)
	assert.Equal(t, reply.ConversationID, requests[1].ConversationID)
	assert.Len(t, requests[1].Meta.Content.Conversation, 2, "history is the transcript before this turn")
	assert.False(t, s.Streaming())
}

func TestSendAborted(t *testing.T) {
	started := make(chan struct{})
	streamer := streamFunc(func(ctx context.Context, req *domain.StreamRequest, sink client.ChunkSink) (string, error) {
		_ = sink.OnChunk("partial")
		close(started)
		<-ctx.Done()
		return "partial", client.ErrCancelled
	})
	s, view, st := newTestSession(t, streamer)

	go func() {
		<-started
		s.Cancel()
	}()

	reply, err := s.Send(context.Background(), "question")
	require.NoError(t, err)
	assert.Equal(t, StatusAborted, reply.Status)
	assert.Equal(t, "partial [aborted]", reply.Text)
	assert.Equal(t, viewCall{"assistant", reply.Token, "partial [aborted]"}, view.last())
	assert.NotContains(t, view.ops(), "error")

	conv, err := st.Get(context.Background(), reply.ConversationID)
	require.NoError(t, err)
	require.Len(t, conv.Messages, 1, "aborted answers are not persisted")
	assert.False(t, s.Streaming())
}

func TestSendError(t *testing.T) {
	streamer := streamFunc(func(ctx context.Context, req *domain.StreamRequest, sink client.ChunkSink) (string, error) {
		_ = sink.OnChunk("so far")
		return "so far", &client.RequestFailedError{StatusCode: 500}
	})
	s, view, st := newTestSession(t, streamer)

	reply, err := s.Send(context.Background(), "question")
	require.NoError(t, err)
	assert.Equal(t, StatusError, reply.Status)
	assert.Equal(t, "so far [error]", reply.Text)

	var reqErr *client.RequestFailedError
	assert.True(t, errors.As(reply.Err, &reqErr))
	assert.Contains(t, view.ops(), "error")
	assert.Equal(t, viewCall{"assistant", reply.Token, "so far [error]"}, view.last())

	conv, err := st.Get(context.Background(), reply.ConversationID)
	require.NoError(t, err)
	assert.Len(t, conv.Messages, 1)
}

func TestSendErrorShowsServerMessage(t *testing.T) {
	streamer := streamFunc(func(ctx context.Context, req *domain.StreamRequest, sink client.ChunkSink) (string, error) {
		return "", client.ErrNoBody
	})
	s, view, _ := newTestSession(t, streamer)

	_, err := s.Send(context.Background(), "question")
	require.NoError(t, err)

	var shown []string
	view.mu.Lock()
	for _, c := range view.calls {
		if c.op == "error" {
			shown = append(shown, c.text)
		}
	}
	view.mu.Unlock()
	assert.Equal(t, []string{ServerErrorMessage}, shown)
}

func TestSendCancelsPreviousSend(t *testing.T) {
	firstStarted := make(chan struct{})
	var calls int
	var mu sync.Mutex
	streamer := streamFunc(func(ctx context.Context, req *domain.StreamRequest, sink client.ChunkSink) (string, error) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n == 1 {
			close(firstStarted)
			select {
			case <-ctx.Done():
				return "", client.ErrCancelled
			case <-time.After(5 * time.Second):
				return "", errors.New("first send was never cancelled")
			}
		}
		_ = sink.OnChunk("second answer")
		return "second answer", nil
	})
	s, _, _ := newTestSession(t, streamer)

	firstDone := make(chan *Reply, 1)
	go func() {
		reply, err := s.Send(context.Background(), "first")
		if err != nil {
			t.Errorf("first Send failed: %v", err)
		}
		firstDone <- reply
	}()
	<-firstStarted

	second, err := s.Send(context.Background(), "second")
	require.NoError(t, err)
	assert.Equal(t, StatusDone, second.Status)

	first := <-firstDone
	require.NotNil(t, first)
	assert.Equal(t, StatusAborted, first.Status)
	assert.False(t, s.Streaming(), "the finished first send must not clear or keep a stale handle")
}

func TestCancelWithoutSendIsNoop(t *testing.T) {
	s, _, _ := newTestSession(t, fragments())
	s.Cancel()
	assert.False(t, s.Streaming())
}

func TestNewConversation(t *testing.T) {
	s, view, st := newTestSession(t, fragments())
	ctx := context.Background()

	conv, err := s.NewConversation(ctx)
	require.NoError(t, err)
	assert.Equal(t, conv.ID, s.ConversationID())
	assert.Equal(t, conv.ID, conv.Title)
	assert.Equal(t, []string{"clear"}, view.ops())

	convs, err := st.List(ctx)
	require.NoError(t, err)
	require.Len(t, convs, 1)
	assert.Equal(t, conv.ID, convs[0].ID)
}

func TestSelectReplaysTranscript(t *testing.T) {
	s, view, st := newTestSession(t, fragments())
	ctx := context.Background()

	_, err := st.AddMessage(ctx, "c1", domain.RoleUser, "question")
	require.NoError(t, err)
	_, err = st.AddMessage(ctx, "c1", domain.RoleAssistant, "answer")
	require.NoError(t, err)

	conv, err := s.Select(ctx, "c1")
	require.NoError(t, err)
	assert.Len(t, conv.Messages, 2)
	assert.Equal(t, "c1", s.ConversationID())
	assert.Equal(t, []string{"clear", "user", "placeholder", "assistant"}, view.ops())
	assert.Equal(t, "answer", view.last().text)
}

func TestDeleteAndClear(t *testing.T) {
	s, view, _ := newTestSession(t, fragments("ok"))
	ctx := context.Background()

	first, err := s.Send(ctx, "one")
	require.NoError(t, err)
	_, err = s.NewConversation(ctx)
	require.NoError(t, err)
	second, err := s.Send(ctx, "two")
	require.NoError(t, err)

	require.NoError(t, s.Delete(ctx, first.ConversationID))
	assert.Equal(t, second.ConversationID, s.ConversationID(), "deleting another conversation keeps the selection")

	convs, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, convs, 1)

	require.NoError(t, s.Delete(ctx, second.ConversationID))
	assert.Empty(t, s.ConversationID())
	assert.Equal(t, "clear", view.last().op)

	_, err = s.Send(ctx, "three")
	require.NoError(t, err)
	require.NoError(t, s.Clear(ctx))
	assert.Empty(t, s.ConversationID())
	convs, err = s.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, convs)
}

func TestSetModel(t *testing.T) {
	var got string
	streamer := streamFunc(func(ctx context.Context, req *domain.StreamRequest, sink client.ChunkSink) (string, error) {
		got = req.Model
		return "", nil
	})
	s, _, _ := newTestSession(t, streamer)
	s.SetModel("")
	s.SetModel("gpt-4o")

	_, err := s.Send(context.Background(), "hi")
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o", got)
	assert.Equal(t, "gpt-4o", s.Options().Model)
}

func TestBeginOrdersSends(t *testing.T) {
	streamer := streamFunc(func(ctx context.Context, req *domain.StreamRequest, sink client.ChunkSink) (string, error) {
		if err := ctx.Err(); err != nil {
			return "", client.ErrCancelled
		}
		_ = sink.OnChunk("re: " + req.Meta.Content.Parts[0].Content)
		return "", nil
	})
	s, view, st := newTestSession(t, streamer)
	ctx := context.Background()

	first, err := s.Begin(ctx, "first")
	require.NoError(t, err)
	second, err := s.Begin(ctx, "second")
	require.NoError(t, err)
	assert.NotEqual(t, first.Token(), second.Token())

	// The newer turn streams first; the older one was already cancelled.
	done := second.Stream()
	aborted := first.Stream()
	assert.Equal(t, StatusDone, done.Status)
	assert.Equal(t, "re: second", done.Text)
	assert.Equal(t, StatusAborted, aborted.Status)
	assert.False(t, s.Streaming())

	conv, err := st.Get(ctx, done.ConversationID)
	require.NoError(t, err)
	require.Len(t, conv.Messages, 3)
	assert.Equal(t, "first", conv.Messages[0].Content)
	assert.Equal(t, "second", conv.Messages[1].Content)
	assert.Equal(t, "re: second", conv.Messages[2].Content)
	assert.Equal(t, []string{"user", "placeholder", "user", "placeholder"}, view.ops()[:4])
}

func TestSendErrorTagsItsOwnToken(t *testing.T) {
	streamer := streamFunc(func(ctx context.Context, req *domain.StreamRequest, sink client.ChunkSink) (string, error) {
		return "", client.ErrNoBody
	})
	s, view, _ := newTestSession(t, streamer)

	reply, err := s.Send(context.Background(), "question")
	require.NoError(t, err)

	view.mu.Lock()
	defer view.mu.Unlock()
	for _, c := range view.calls {
		if c.op == "error" {
			assert.Equal(t, reply.Token, c.token)
		}
	}
}
