package llm

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrModelNotFound matches a StatusError for an unknown model (HTTP 404).
var ErrModelNotFound = errors.New("model not found")

// StatusError is returned when the upstream answers with a non-200 status.
type StatusError struct {
	StatusCode int
	Message    string
	Type       string
}

func (e *StatusError) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("LLM API error [%d]: %s (type: %s)", e.StatusCode, e.Message, e.Type)
	}
	return fmt.Sprintf("LLM API error [%d]: %s", e.StatusCode, e.Message)
}

// Is reports ErrModelNotFound for 404 responses.
func (e *StatusError) Is(target error) bool {
	return target == ErrModelNotFound && e.StatusCode == http.StatusNotFound
}

func newStatusError(status int, body []byte) *StatusError {
	var errResp ErrorResponse
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error != nil {
		return &StatusError{StatusCode: status, Message: errResp.Error.Message, Type: errResp.Error.Type}
	}
	return &StatusError{StatusCode: status, Message: strings.TrimSpace(string(body))}
}
