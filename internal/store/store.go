// Package store persists conversations as JSON documents under "conv:<id>"
// keys in a key-value space backed by SQLite or process memory.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xiaot623/gogo/webchat/internal/domain"
	"github.com/xiaot623/gogo/webchat/internal/logging"
)

// KeyPrefix namespaces conversation entries in the key-value space.
const KeyPrefix = "conv:"

// ErrMissingID is returned when a conversation without an id is written.
var ErrMissingID = errors.New("conversation must have an id")

// ConversationStore defines the conversation persistence operations.
type ConversationStore interface {
	Get(ctx context.Context, id string) (*domain.Conversation, error)
	Save(ctx context.Context, conv *domain.Conversation) error
	AddConversation(ctx context.Context, id, title string) (*domain.Conversation, error)
	AddMessage(ctx context.Context, id string, role domain.Role, content string) (*domain.Message, error)
	List(ctx context.Context) ([]domain.Conversation, error)
	Delete(ctx context.Context, id string) error
	Clear(ctx context.Context) error
	Close() error
}

// Store implements ConversationStore over a KV.
type Store struct {
	kv     KV
	logger *zap.Logger
	now    func() time.Time

	// mu serializes read-modify-write sequences such as AddMessage.
	mu sync.Mutex
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Store) {
		s.logger = l
	}
}

// New creates a store over kv.
func New(kv KV, opts ...Option) *Store {
	s := &Store{kv: kv, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logging.OrNop(s.logger)
	return s
}

// Key returns the storage key of conversation id.
func Key(id string) string {
	return KeyPrefix + id
}

// Get returns the conversation with the given id. A missing or unreadable
// entry yields an empty conversation titled with its id; an empty id yields
// an empty conversation with no id.
func (s *Store) Get(ctx context.Context, id string) (*domain.Conversation, error) {
	if id == "" {
		return &domain.Conversation{Messages: []domain.Message{}}, nil
	}

	raw, ok, err := s.kv.Get(ctx, Key(id))
	if err != nil {
		return nil, fmt.Errorf("failed to read conversation: %w", err)
	}
	if !ok {
		return skeleton(id), nil
	}

	conv, err := decode(raw)
	if err != nil {
		s.logger.Warn("ignoring unreadable conversation", zap.String("id", id), zap.Error(err))
		return skeleton(id), nil
	}
	if conv.ID == "" {
		conv.ID = id
	}
	if conv.Title == "" {
		conv.Title = id
	}
	return conv, nil
}

// Save writes conv in full. The title defaults to the id, created_at is kept
// when set and updated_at is always stamped with the current time. conv is
// updated in place with the stored values.
func (s *Store) Save(ctx context.Context, conv *domain.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.save(ctx, conv)
}

func (s *Store) save(ctx context.Context, conv *domain.Conversation) error {
	if conv == nil || conv.ID == "" {
		return ErrMissingID
	}

	now := s.now().UnixMilli()
	if conv.Title == "" {
		conv.Title = conv.ID
	}
	if conv.Messages == nil {
		conv.Messages = []domain.Message{}
	}
	if conv.CreatedAt == 0 {
		conv.CreatedAt = now
	}
	conv.UpdatedAt = now

	data, err := json.Marshal(conv)
	if err != nil {
		return fmt.Errorf("failed to marshal conversation: %w", err)
	}
	if err := s.kv.Set(ctx, Key(conv.ID), string(data)); err != nil {
		return fmt.Errorf("failed to write conversation: %w", err)
	}
	return nil
}

// AddConversation creates the conversation unless one with messages already
// exists, in which case the existing one is returned untouched.
func (s *Store) AddConversation(ctx context.Context, id, title string) (*domain.Conversation, error) {
	if id == "" {
		return nil, ErrMissingID
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(existing.Messages) > 0 {
		return existing, nil
	}

	conv := &domain.Conversation{ID: id, Title: title, Messages: []domain.Message{}}
	if err := s.save(ctx, conv); err != nil {
		return nil, err
	}
	return conv, nil
}

// AddMessage appends a message to the conversation, creating it if needed.
// The role defaults to user.
func (s *Store) AddMessage(ctx context.Context, id string, role domain.Role, content string) (*domain.Message, error) {
	if id == "" {
		return nil, ErrMissingID
	}
	if role == "" {
		role = domain.RoleUser
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	conv, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	msg := domain.Message{Role: role, Content: content, Ts: s.now().UnixMilli()}
	conv.Messages = append(conv.Messages, msg)
	if err := s.save(ctx, conv); err != nil {
		return nil, err
	}
	return &msg, nil
}

// List returns every stored conversation, most recently updated first.
// Unreadable entries and entries without an id are skipped.
func (s *Store) List(ctx context.Context) ([]domain.Conversation, error) {
	keys, err := s.kv.Keys(ctx, KeyPrefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}

	convs := make([]domain.Conversation, 0, len(keys))
	for _, k := range keys {
		raw, ok, err := s.kv.Get(ctx, k)
		if err != nil {
			return nil, fmt.Errorf("failed to read conversation: %w", err)
		}
		if !ok {
			continue
		}
		conv, err := decode(raw)
		if err != nil || conv.ID == "" {
			s.logger.Debug("skipping unreadable conversation", zap.String("key", k))
			continue
		}
		convs = append(convs, *conv)
	}

	sort.SliceStable(convs, func(i, j int) bool {
		if convs[i].UpdatedAt != convs[j].UpdatedAt {
			return convs[i].UpdatedAt > convs[j].UpdatedAt
		}
		return convs[i].ID < convs[j].ID
	})
	return convs, nil
}

// Delete removes one conversation. An empty id is a no-op.
func (s *Store) Delete(ctx context.Context, id string) error {
	if id == "" {
		return nil
	}
	if err := s.kv.Delete(ctx, Key(id)); err != nil {
		return fmt.Errorf("failed to delete conversation: %w", err)
	}
	return nil
}

// Clear removes every conversation. Keys outside the conversation prefix are
// left alone.
func (s *Store) Clear(ctx context.Context) error {
	if err := s.kv.DeletePrefix(ctx, KeyPrefix); err != nil {
		return fmt.Errorf("failed to clear conversations: %w", err)
	}
	return nil
}

// Close releases the underlying key-value space.
func (s *Store) Close() error {
	return s.kv.Close()
}

func skeleton(id string) *domain.Conversation {
	return &domain.Conversation{ID: id, Title: id, Messages: []domain.Message{}}
}

func decode(raw string) (*domain.Conversation, error) {
	var conv domain.Conversation
	if err := json.Unmarshal([]byte(raw), &conv); err != nil {
		return nil, err
	}
	if conv.Messages == nil {
		conv.Messages = []domain.Message{}
	}
	return &conv, nil
}

// Open selects the backend once: SQLite at dsn, or memory when dsn is empty,
// "memory", or cannot be opened.
func Open(dsn string, logger *zap.Logger) *Store {
	logger = logging.OrNop(logger)
	if dsn == "" || strings.EqualFold(dsn, "memory") {
		logger.Info("using in-memory conversation store")
		return New(NewMemoryKV(), WithLogger(logger))
	}

	kv, err := NewSQLiteKV(dsn)
	if err != nil {
		logger.Warn("sqlite unavailable, falling back to in-memory conversation store", zap.Error(err))
		return New(NewMemoryKV(), WithLogger(logger))
	}
	logger.Info("using sqlite conversation store", zap.String("dsn", dsn))
	return New(kv, WithLogger(logger))
}
