// Package ws relays a browser chat page over a WebSocket. Each connection
// owns one chat session; the page sends commands and receives the rendered
// transcript as JSON messages.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/xiaot623/gogo/webchat/internal/chat"
	"github.com/xiaot623/gogo/webchat/internal/config"
	"github.com/xiaot623/gogo/webchat/internal/logging"
	"github.com/xiaot623/gogo/webchat/internal/metrics"
)

// SessionFactory creates the chat session of a new connection.
type SessionFactory func(view chat.View) *chat.Session

// Server handles WebSocket connections.
type Server struct {
	cfg        *config.Config
	hub        *Hub
	newSession SessionFactory
	upgrader   websocket.Upgrader
	logger     *zap.Logger
	metrics    *metrics.Metrics
	wg         sync.WaitGroup
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithMetrics records connection metrics into m.
func WithMetrics(m *metrics.Metrics) ServerOption {
	return func(s *Server) {
		s.metrics = m
	}
}

// NewServer creates a new WebSocket server.
func NewServer(cfg *config.Config, h *Hub, newSession SessionFactory, logger *zap.Logger, opts ...ServerOption) *Server {
	s := &Server{
		cfg:        cfg,
		hub:        h,
		newSession: newSession,
		logger:     logging.OrNop(logger),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Hub returns the connection hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Wait blocks until every connection handled so far has finished.
func (s *Server) Wait() {
	s.wg.Wait()
}

// HandleWebSocket handles WebSocket upgrade and connection lifecycle.
func (s *Server) HandleWebSocket(c echo.Context) error {
	ws, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		s.logger.Warn("failed to upgrade websocket", zap.Error(err))
		return err
	}

	conn := s.hub.NewConnection(ws)
	s.hub.Register(conn)
	s.metrics.ConnectionOpened()
	ws.SetReadLimit(s.cfg.MaxMessageSize)

	sess := s.newSession(&connView{conn: conn})

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.writePump(conn)
	}()
	go func() {
		defer s.wg.Done()
		s.readPump(conn, sess)
	}()
	return nil
}

// readPump reads messages from the WebSocket connection. When it returns, the
// session's in-flight send is cancelled and awaited before the writer stops.
func (s *Server) readPump(conn *Connection, sess *chat.Session) {
	ctx, cancel := context.WithCancel(context.Background())
	var sends sync.WaitGroup
	defer func() {
		cancel()
		sends.Wait()
		s.hub.Unregister(conn)
		s.metrics.ConnectionClosed()
		conn.Close()
	}()

	conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	conn.Conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		return nil
	})

	for {
		_, message, err := conn.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.logger.Warn("websocket error", zap.String("connection_id", conn.ID), zap.Error(err))
			}
			return
		}

		s.handleMessage(ctx, conn, sess, &sends, message)
	}
}

// writePump writes queued messages and keeps the connection alive with pings.
func (s *Server) writePump(conn *Connection) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		conn.shutdown()
		conn.Close()
	}()

	for {
		select {
		case message := <-conn.Send:
			conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				s.logger.Debug("failed to write message", zap.String("connection_id", conn.ID), zap.Error(err))
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-conn.Done():
			conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// handleMessage dispatches incoming messages to appropriate handlers.
func (s *Server) handleMessage(ctx context.Context, conn *Connection, sess *chat.Session, sends *sync.WaitGroup, data []byte) {
	var msg ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.sendError(conn, "", ErrorCodeInvalidMessage, "invalid JSON message")
		return
	}

	switch msg.Type {
	case TypeSend:
		if msg.ConversationID != "" && msg.ConversationID != sess.ConversationID() {
			// The previous answer stops before another conversation is replayed.
			sess.Cancel()
			if _, err := sess.Select(ctx, msg.ConversationID); err != nil {
				s.sendError(conn, "", ErrorCodeInternalError, err.Error())
				return
			}
		}
		sess.SetModel(msg.Model)

		// Begin runs on the read loop so sends take effect in arrival order;
		// only the stream runs off it, so that cancel messages keep flowing.
		turn, err := sess.Begin(ctx, msg.Content)
		if err != nil {
			code := ErrorCodeInternalError
			if errors.Is(err, chat.ErrEmptyMessage) {
				code = ErrorCodeInvalidMessage
			}
			s.sendError(conn, "", code, err.Error())
			return
		}
		sends.Add(1)
		go func() {
			defer sends.Done()
			s.stream(conn, turn)
		}()

	case TypeCancel:
		sess.Cancel()

	case TypeSelect:
		conv, err := sess.Select(ctx, msg.ConversationID)
		if err != nil {
			s.sendError(conn, "", ErrorCodeInternalError, err.Error())
			return
		}
		conn.EnqueueJSON(ConversationMessage{BaseMessage: base(TypeConversation, conv.ID), Conversation: conv})

	case TypeList:
		s.sendConversations(ctx, conn, sess)

	case TypeDelete:
		if err := sess.Delete(ctx, msg.ConversationID); err != nil {
			s.sendError(conn, "", ErrorCodeInternalError, err.Error())
			return
		}
		s.sendConversations(ctx, conn, sess)

	case TypeClear:
		if err := sess.Clear(ctx); err != nil {
			s.sendError(conn, "", ErrorCodeInternalError, err.Error())
			return
		}
		s.sendConversations(ctx, conn, sess)

	case TypeNew:
		conv, err := sess.NewConversation(ctx)
		if err != nil {
			s.sendError(conn, "", ErrorCodeInternalError, err.Error())
			return
		}
		conn.EnqueueJSON(ConversationMessage{BaseMessage: base(TypeConversation, conv.ID), Conversation: conv})
		s.sendConversations(ctx, conn, sess)

	default:
		s.sendError(conn, "", ErrorCodeInvalidMessage, "unknown message type: "+msg.Type)
	}
}

func (s *Server) stream(conn *Connection, turn *chat.Turn) {
	reply := turn.Stream()
	switch reply.Status {
	case chat.StatusDone:
		conn.EnqueueJSON(TextMessage{BaseMessage: base(TypeDone, reply.ConversationID), Token: reply.Token, Text: reply.Text})
	case chat.StatusAborted:
		conn.EnqueueJSON(TextMessage{BaseMessage: base(TypeAborted, reply.ConversationID), Token: reply.Token, Text: reply.Text})
	case chat.StatusError:
		// The view already reported the failure.
		s.logger.Debug("send failed", zap.String("conversation_id", reply.ConversationID), zap.Error(reply.Err))
	}
}

func (s *Server) sendConversations(ctx context.Context, conn *Connection, sess *chat.Session) {
	convs, err := sess.List(ctx)
	if err != nil {
		s.sendError(conn, "", ErrorCodeInternalError, err.Error())
		return
	}
	conn.EnqueueJSON(ConversationsMessage{
		BaseMessage:   base(TypeConversations, sess.ConversationID()),
		Conversations: summarize(convs),
	})
}

// sendError sends an error message to a connection.
func (s *Server) sendError(conn *Connection, token, code, message string) {
	conn.EnqueueJSON(ErrorMessage{
		BaseMessage: base(TypeError, ""),
		Token:       token,
		Code:        code,
		Message:     message,
	})
}

func base(typ, conversationID string) BaseMessage {
	return BaseMessage{Type: typ, Ts: time.Now().UnixMilli(), ConversationID: conversationID}
}

// connView renders a session onto a connection.
type connView struct {
	conn *Connection
}

func (v *connView) RenderUserMessage(token, text string) {
	v.conn.EnqueueJSON(TextMessage{BaseMessage: base(TypeUserMessage, ""), Token: token, Text: text})
}

func (v *connView) CreateAssistantPlaceholder(token string) {
	v.conn.EnqueueJSON(TextMessage{BaseMessage: base(TypePlaceholder, ""), Token: token})
}

func (v *connView) RenderAssistant(token, text string) {
	v.conn.EnqueueJSON(TextMessage{BaseMessage: base(TypeDelta, ""), Token: token, Text: text})
}

func (v *connView) ShowError(token, message string) {
	v.conn.EnqueueJSON(ErrorMessage{
		BaseMessage: base(TypeError, ""),
		Token:       token,
		Code:        ErrorCodeServerError,
		Message:     message,
	})
}

func (v *connView) ClearMessages() {
	v.conn.EnqueueJSON(BaseMessage{Type: TypeCleared, Ts: time.Now().UnixMilli()})
}
