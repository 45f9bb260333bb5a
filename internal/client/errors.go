package client

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

var (
	// ErrCancelled is returned when the caller's context ends before or during
	// the stream. Callers render it as "aborted" rather than as a failure.
	ErrCancelled = errors.New("stream cancelled")

	// ErrNoBody is returned when the backend accepted the request but sent no
	// readable stream.
	ErrNoBody = errors.New("response has no body stream")
)

// maxErrorBody caps how much of a failed response is kept for diagnostics.
const maxErrorBody = 64 << 10

// RequestFailedError is returned for a non-success response status.
type RequestFailedError struct {
	StatusCode int
	Status     string
	Body       string
}

func (e *RequestFailedError) Error() string {
	status := e.Status
	if status == "" {
		status = strings.TrimSpace(fmt.Sprintf("%d %s", e.StatusCode, http.StatusText(e.StatusCode)))
	}
	if e.Body == "" {
		return "request failed: " + status
	}
	return fmt.Sprintf("request failed: %s - %s", status, e.Body)
}

// requestFailed drains what it can of the response body for the error and
// closes it.
func requestFailed(resp *Response) *RequestFailedError {
	reqErr := &RequestFailedError{
		StatusCode: resp.StatusCode,
		Status:     resp.Status,
	}
	if resp.Body != nil {
		defer resp.Body.Close()
		if body, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody)); err == nil {
			reqErr.Body = strings.TrimSpace(string(body))
		}
	}
	return reqErr
}
