package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/xiaot623/gogo/webchat/internal/adapter/llm"
	"github.com/xiaot623/gogo/webchat/internal/backend"
	"github.com/xiaot623/gogo/webchat/internal/domain"
	"github.com/xiaot623/gogo/webchat/internal/metrics"
)

// HandleConversation streams the answer to a conversation request.
// POST /backend-api/v2/conversation
//
// Every delta is written as one event, data: {"text": "<delta>"}, and
// flushed. Failures before the first delta are answered with a JSON
// ErrorResponse; once streaming has started the status can no longer change
// and the stream simply ends.
func (s *Server) HandleConversation(c echo.Context) error {
	ctx := c.Request().Context()
	start := time.Now()

	var req domain.StreamRequest
	if err := c.Bind(&req); err != nil {
		s.metrics.RecordConversation(metrics.OutcomeInvalid, time.Since(start))
		return c.JSON(http.StatusBadRequest, domain.ErrorResponse{Message: "invalid request body"})
	}

	res := c.Response()
	started := false
	err := s.backend.Stream(ctx, &req, func(text string) error {
		if !started {
			startStream(res)
			started = true
		}
		data, err := json.Marshal(domain.TextChunk{Text: text})
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(res, "data: %s\n\n", data); err != nil {
			return err
		}
		res.Flush()
		s.metrics.RecordFragment()
		return nil
	})
	s.metrics.RecordConversation(outcomeOf(err), time.Since(start))

	if started {
		if err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Warn("conversation stream failed",
				zap.String("conversation_id", req.ConversationID),
				zap.Error(err))
		}
		return nil
	}

	if err == nil {
		// Nothing to say; answer with an empty stream.
		startStream(res)
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}

	status := statusFor(err)
	s.logger.Warn("conversation request failed",
		zap.String("conversation_id", req.ConversationID),
		zap.Int("status", status),
		zap.Error(err))
	return c.JSON(status, domain.ErrorResponse{Message: err.Error()})
}

func startStream(res *echo.Response) {
	res.Header().Set(echo.HeaderContentType, "text/event-stream")
	res.Header().Set("Cache-Control", "no-cache")
	res.Header().Set("Connection", "keep-alive")
	res.WriteHeader(http.StatusOK)
	res.Flush()
}

// statusFor maps a failure that happened before streaming to a status code.
func statusFor(err error) int {
	var blocked *backend.BlockedError
	var upstream *llm.StatusError
	switch {
	case errors.Is(err, backend.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.As(err, &blocked):
		return http.StatusForbidden
	case errors.As(err, &upstream) && upstream.StatusCode >= 400:
		return upstream.StatusCode
	default:
		return http.StatusBadGateway
	}
}

func outcomeOf(err error) string {
	var blocked *backend.BlockedError
	switch {
	case err == nil:
		return metrics.OutcomeOK
	case errors.Is(err, context.Canceled):
		return metrics.OutcomeCancelled
	case errors.Is(err, backend.ErrInvalidRequest):
		return metrics.OutcomeInvalid
	case errors.As(err, &blocked):
		return metrics.OutcomeBlocked
	default:
		return metrics.OutcomeUpstream
	}
}

// HandleModels lists the upstream models.
// GET /backend-api/v2/models
func (s *Server) HandleModels(c echo.Context) error {
	models, err := s.backend.ListModels(c.Request().Context())
	if err != nil {
		return c.JSON(statusFor(err), domain.ErrorResponse{Message: err.Error()})
	}
	if models == nil {
		models = []llm.Model{}
	}
	return c.JSON(http.StatusOK, llm.ModelsResponse{Object: "list", Data: models})
}
