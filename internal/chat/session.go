// Package chat sequences user sends: it persists the transcript, renders it
// through a View and streams the assistant's answer, keeping at most one
// answer in flight per session.
package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/xiaot623/gogo/webchat/internal/client"
	"github.com/xiaot623/gogo/webchat/internal/domain"
	"github.com/xiaot623/gogo/webchat/internal/logging"
	"github.com/xiaot623/gogo/webchat/internal/store"
)

// ErrEmptyMessage is returned by Send for blank input.
var ErrEmptyMessage = errors.New("message is empty")

// ServerErrorMessage is shown when a stream fails for any reason other than
// cancellation.
const ServerErrorMessage = "Failed to get response from server"

const (
	abortedSuffix = " [aborted]"
	errorSuffix   = " [error]"
)

// Streamer produces the assistant's answer for one request.
// *client.Client and *EchoStreamer implement it.
type Streamer interface {
	Run(ctx context.Context, req *domain.StreamRequest, sink client.ChunkSink) (string, error)
}

// Status is the outcome of one send.
type Status string

const (
	StatusDone    Status = "done"
	StatusAborted Status = "aborted"
	StatusError   Status = "error"
)

// Reply describes a finished send.
type Reply struct {
	ConversationID string
	Token          string // id of the rendered message pair
	Text           string // assistant text as last rendered
	Status         Status
	Err            error // stream error when Status is StatusError
}

// Options are the request settings a session sends with every message.
type Options struct {
	Model          string
	Jailbreak      string
	InternetAccess bool
}

// handle is the cancellation handle of one in-flight send.
type handle struct {
	cancel context.CancelFunc
}

// Session is the state of one chat front-end.
type Session struct {
	store    store.ConversationStore
	streamer Streamer
	view     View
	logger   *zap.Logger

	mu             sync.Mutex
	opts           Options
	conversationID string
	current        *handle
}

// SessionOption configures a Session.
type SessionOption func(*Session)

// WithLogger sets the session logger.
func WithLogger(l *zap.Logger) SessionOption {
	return func(s *Session) {
		s.logger = l
	}
}

// WithOptions sets the request options.
func WithOptions(opts Options) SessionOption {
	return func(s *Session) {
		s.opts = opts
	}
}

// NewSession creates a session. A nil view discards rendering.
func NewSession(st store.ConversationStore, streamer Streamer, view View, opts ...SessionOption) *Session {
	s := &Session{
		store:    st,
		streamer: streamer,
		view:     view,
		opts:     Options{Model: "default", Jailbreak: "false"},
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.view == nil {
		s.view = NopView{}
	}
	s.logger = logging.OrNop(s.logger)
	return s
}

// ConversationID returns the selected conversation, or "" if none.
func (s *Session) ConversationID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conversationID
}

// SetModel changes the model used by later sends.
func (s *Session) SetModel(model string) {
	if model == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opts.Model = model
}

// Options returns the current request options.
func (s *Session) Options() Options {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opts
}

// Send posts text to the selected conversation (a new one if none is
// selected) and streams the answer into the view. Any send still in flight is
// cancelled first.
//
// The returned error covers input and storage failures only; the stream's own
// outcome is reported in the Reply.
func (s *Session) Send(ctx context.Context, text string) (*Reply, error) {
	turn, err := s.Begin(ctx, text)
	if err != nil {
		return nil, err
	}
	return turn.Stream(), nil
}

// Turn is a send whose user message has been stored and rendered and whose
// answer has not been streamed yet.
type Turn struct {
	session *Session
	ctx     context.Context // parent of runCtx, used for storage
	runCtx  context.Context
	handle  *handle
	req     *domain.StreamRequest
	token   string
}

// Begin is the ordered half of Send: it cancels the send in flight, stores
// and renders the user message and returns the turn to stream. Callers that
// stream off their own goroutine call Begin in arrival order so that a newer
// send always cancels an older one. Stream must be called on the result.
func (s *Session) Begin(ctx context.Context, text string) (*Turn, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmptyMessage
	}

	runCtx, h := s.begin(ctx)

	s.mu.Lock()
	convID := s.conversationID
	if convID == "" {
		convID = NewConversationID()
		s.conversationID = convID
	}
	opts := s.opts
	s.mu.Unlock()

	history, err := s.storeUserMessage(ctx, convID, text)
	if err != nil {
		s.end(h)
		return nil, err
	}

	token := NewMessageID()
	s.view.RenderUserMessage(token, text)
	s.view.CreateAssistantPlaceholder(token)

	return &Turn{
		session: s,
		ctx:     ctx,
		runCtx:  runCtx,
		handle:  h,
		token:   token,
		req: &domain.StreamRequest{
			ConversationID: convID,
			Action:         domain.ActionAsk,
			Model:          opts.Model,
			Jailbreak:      opts.Jailbreak,
			Meta: domain.RequestMeta{
				ID: NewMessageID(),
				Content: domain.RequestContent{
					Conversation:   history,
					InternetAccess: opts.InternetAccess,
					ContentType:    domain.ContentTypeText,
					Parts:          []domain.Part{{Content: text, Role: domain.RoleUser}},
				},
			},
		},
	}, nil
}

// storeUserMessage appends text to the conversation and returns the messages
// that preceded it.
func (s *Session) storeUserMessage(ctx context.Context, convID, text string) ([]domain.Message, error) {
	if _, err := s.store.AddConversation(ctx, convID, convID); err != nil {
		return nil, fmt.Errorf("failed to create conversation: %w", err)
	}
	conv, err := s.store.Get(ctx, convID)
	if err != nil {
		return nil, fmt.Errorf("failed to load conversation: %w", err)
	}
	if _, err := s.store.AddMessage(ctx, convID, domain.RoleUser, text); err != nil {
		return nil, fmt.Errorf("failed to save message: %w", err)
	}
	return conv.Messages, nil
}

// Token is the id of the rendered message pair.
func (t *Turn) Token() string {
	return t.token
}

// Stream runs the answer into the view and reports how it ended.
func (t *Turn) Stream() *Reply {
	s := t.session
	defer s.end(t.handle)

	var acc strings.Builder
	sink := client.SinkFunc(func(fragment string) error {
		acc.WriteString(fragment)
		s.view.RenderAssistant(t.token, acc.String())
		return nil
	})

	convID := t.req.ConversationID
	reply := &Reply{ConversationID: convID, Token: t.token}
	_, err := s.streamer.Run(t.runCtx, t.req, sink)
	switch {
	case err == nil:
		reply.Text = acc.String()
		reply.Status = StatusDone
		if _, err := s.store.AddMessage(t.ctx, convID, domain.RoleAssistant, reply.Text); err != nil {
			s.logger.Error("failed to save assistant message", zap.String("conversation_id", convID), zap.Error(err))
		}
	case errors.Is(err, client.ErrCancelled):
		reply.Text = acc.String() + abortedSuffix
		reply.Status = StatusAborted
		s.view.RenderAssistant(t.token, reply.Text)
	default:
		s.logger.Warn("stream failed", zap.String("conversation_id", convID), zap.Error(err))
		s.view.ShowError(t.token, ServerErrorMessage)
		reply.Text = acc.String() + errorSuffix
		reply.Status = StatusError
		reply.Err = err
		s.view.RenderAssistant(t.token, reply.Text)
	}
	return reply
}

// begin installs a fresh cancellation handle, cancelling the previous one.
func (s *Session) begin(ctx context.Context) (context.Context, *handle) {
	runCtx, cancel := context.WithCancel(ctx)
	h := &handle{cancel: cancel}

	s.mu.Lock()
	prev := s.current
	s.current = h
	s.mu.Unlock()

	if prev != nil {
		prev.cancel()
	}
	return runCtx, h
}

// end releases h, clearing the session's handle only if h is still current.
func (s *Session) end(h *handle) {
	h.cancel()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == h {
		s.current = nil
	}
}

// Cancel aborts the send in flight, if any.
func (s *Session) Cancel() {
	s.mu.Lock()
	h := s.current
	s.mu.Unlock()
	if h != nil {
		h.cancel()
	}
}

// Streaming reports whether a send is in flight.
func (s *Session) Streaming() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current != nil
}

// NewConversation creates and selects an empty conversation.
func (s *Session) NewConversation(ctx context.Context) (*domain.Conversation, error) {
	id := NewConversationID()
	conv, err := s.store.AddConversation(ctx, id, id)
	if err != nil {
		return nil, fmt.Errorf("failed to create conversation: %w", err)
	}

	s.mu.Lock()
	s.conversationID = id
	s.mu.Unlock()

	s.view.ClearMessages()
	return conv, nil
}

// Select makes id the current conversation and replays its transcript.
func (s *Session) Select(ctx context.Context, id string) (*domain.Conversation, error) {
	conv, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load conversation: %w", err)
	}

	s.mu.Lock()
	s.conversationID = id
	s.mu.Unlock()

	s.view.ClearMessages()
	for _, m := range conv.Messages {
		token := NewMessageID()
		if m.Role == domain.RoleUser {
			s.view.RenderUserMessage(token, m.Content)
			continue
		}
		s.view.CreateAssistantPlaceholder(token)
		s.view.RenderAssistant(token, m.Content)
	}
	return conv, nil
}

// List returns the stored conversations, most recent first.
func (s *Session) List(ctx context.Context) ([]domain.Conversation, error) {
	return s.store.List(ctx)
}

// Delete removes a conversation. Deleting the selected conversation
// deselects it.
func (s *Session) Delete(ctx context.Context, id string) error {
	if err := s.store.Delete(ctx, id); err != nil {
		return err
	}

	s.mu.Lock()
	selected := s.conversationID == id
	if selected {
		s.conversationID = ""
	}
	s.mu.Unlock()

	if selected {
		s.view.ClearMessages()
	}
	return nil
}

// Clear removes every conversation and deselects the current one.
func (s *Session) Clear(ctx context.Context) error {
	if err := s.store.Clear(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	s.conversationID = ""
	s.mu.Unlock()

	s.view.ClearMessages()
	return nil
}
