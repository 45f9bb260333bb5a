// Package backend answers conversation requests by streaming a completion
// from the upstream LLM.
package backend

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xiaot623/gogo/webchat/internal/adapter/llm"
	"github.com/xiaot623/gogo/webchat/internal/domain"
	"github.com/xiaot623/gogo/webchat/internal/logging"
	"github.com/xiaot623/gogo/webchat/internal/policy"
)

// DefaultModel is used when a request names no model.
const DefaultModel = "gemini-2.5-flash"

// ErrInvalidRequest is returned for a request without a prompt.
var ErrInvalidRequest = errors.New("invalid request")

// BlockedError is returned when the admission policy rejects a request.
type BlockedError struct {
	Reason string
}

func (e *BlockedError) Error() string {
	if e.Reason == "" {
		return "request blocked by policy"
	}
	return "request blocked by policy: " + e.Reason
}

// Service builds upstream prompts and streams the answers.
type Service struct {
	llm           llm.LLMClient
	policy        *policy.Engine
	logger        *zap.Logger
	defaultModel  string
	fallbackModel string
	instructions  map[string][]llm.ChatMessage
	searcher      Searcher
	now           func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Service) {
		s.logger = l
	}
}

// WithModels sets the default model and the model retried when the
// requested one does not exist upstream.
func WithModels(defaultModel, fallbackModel string) Option {
	return func(s *Service) {
		if defaultModel != "" {
			s.defaultModel = defaultModel
		}
		if fallbackModel != "" {
			s.fallbackModel = fallbackModel
		}
	}
}

// WithInstructions sets the extra messages injected per jailbreak id.
func WithInstructions(instructions map[string][]llm.ChatMessage) Option {
	return func(s *Service) {
		s.instructions = instructions
	}
}

// WithSearcher sets the web search used for requests with internet access.
func WithSearcher(searcher Searcher) Option {
	return func(s *Service) {
		if searcher != nil {
			s.searcher = searcher
		}
	}
}

// WithClock overrides the clock used for the system message date.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// NewService creates a service. A nil engine admits every request.
func NewService(client llm.LLMClient, engine *policy.Engine, opts ...Option) *Service {
	s := &Service{
		llm:           client,
		policy:        engine,
		defaultModel:  DefaultModel,
		fallbackModel: DefaultModel,
		instructions:  map[string][]llm.ChatMessage{"false": nil},
		searcher:      NopSearcher{},
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logging.OrNop(s.logger)
	return s
}

// SystemMessage returns the system prompt for the given day.
func SystemMessage(now time.Time) string {
	return "You are ChatGPT also known as ChatGPT, a large language model trained by OpenAI. " +
		"Strictly follow the users instructions. Knowledge cutoff: 2021-09-01 Current date: " +
		now.Format("2006-01-02")
}

// Model returns the model a request is served with.
func (s *Service) Model(req *domain.StreamRequest) string {
	if m := strings.TrimSpace(req.Model); m != "" {
		return m
	}
	return s.defaultModel
}

// Admit validates req and evaluates the admission policy.
func (s *Service) Admit(ctx context.Context, req *domain.StreamRequest) error {
	prompt, ok := req.Prompt()
	if !ok {
		return fmt.Errorf("%w: no prompt parts", ErrInvalidRequest)
	}
	if s.policy == nil {
		return nil
	}

	res, err := s.policy.Evaluate(ctx, policy.Input{
		Model:              s.Model(req),
		Action:             req.Action,
		PromptLength:       len([]rune(prompt.Content)),
		ConversationLength: len(req.Meta.Content.Conversation),
		InternetAccess:     req.Meta.Content.InternetAccess,
	})
	if err != nil {
		return err
	}
	if !res.Allowed() {
		return &BlockedError{Reason: res.Reason}
	}
	return nil
}

// Messages builds the upstream prompt: the system message, the special
// instructions for the request's jailbreak id, the history and the prompt.
func (s *Service) Messages(req *domain.StreamRequest) []llm.ChatMessage {
	return s.messages(req, nil)
}

// messages is Messages with the web search results, if any, placed right
// after the system message.
func (s *Service) messages(req *domain.StreamRequest, search []llm.ChatMessage) []llm.ChatMessage {
	messages := []llm.ChatMessage{{Role: string(domain.RoleSystem), Content: SystemMessage(s.now())}}
	messages = append(messages, search...)
	messages = append(messages, s.instructions[req.Jailbreak]...)
	for _, m := range req.Meta.Content.Conversation {
		role := m.Role
		if role == "" {
			role = domain.RoleUser
		}
		messages = append(messages, llm.ChatMessage{Role: string(role), Content: m.Content})
	}
	if prompt, ok := req.Prompt(); ok {
		role := prompt.Role
		if role == "" {
			role = domain.RoleUser
		}
		messages = append(messages, llm.ChatMessage{Role: string(role), Content: prompt.Content})
	}
	return messages
}

// Stream admits req and streams the answer text into emit. A model unknown
// upstream is retried once with the fallback model. An emit error aborts the
// stream and is returned.
func (s *Service) Stream(ctx context.Context, req *domain.StreamRequest, emit func(text string) error) error {
	if err := s.Admit(ctx, req); err != nil {
		return err
	}

	messages := s.messages(req, s.searchContext(ctx, req))
	model := s.Model(req)

	err := s.stream(ctx, model, messages, emit)
	if errors.Is(err, llm.ErrModelNotFound) && model != s.fallbackModel {
		s.logger.Warn("model not found upstream, retrying with fallback",
			zap.String("model", model),
			zap.String("fallback", s.fallbackModel),
			zap.Error(err))
		err = s.stream(ctx, s.fallbackModel, messages, emit)
	}
	return err
}

func (s *Service) stream(ctx context.Context, model string, messages []llm.ChatMessage, emit func(string) error) error {
	start := time.Now()
	usage, err := s.llm.CreateChatCompletionStream(ctx, &llm.ChatCompletionRequest{
		Model:    model,
		Messages: messages,
	}, func(chunk *llm.StreamChunk) error {
		if text := chunk.Content(); text != "" {
			return emit(text)
		}
		return nil
	})

	fields := []zap.Field{zap.String("model", model), zap.Duration("latency", time.Since(start))}
	if usage != nil {
		fields = append(fields, zap.Int("total_tokens", usage.TotalTokens))
	}
	if err != nil {
		s.logger.Debug("upstream completion failed", append(fields, zap.Error(err))...)
		return err
	}
	s.logger.Debug("upstream completion done", fields...)
	return nil
}

// ListModels returns the models the upstream serves.
func (s *Service) ListModels(ctx context.Context) ([]llm.Model, error) {
	return s.llm.ListModels(ctx)
}
