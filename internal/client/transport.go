package client

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"time"
)

// Streams can run for as long as the answer takes, so the default client
// bounds connecting and waiting for headers only. Cancellation comes from ctx.
const (
	DefaultDialTimeout           = 30 * time.Second
	DefaultResponseHeaderTimeout = 2 * time.Minute
)

// Response is what a Transport yields for one request.
type Response struct {
	StatusCode int
	Status     string
	Body       io.ReadCloser
}

// Transport performs the POST that opens a stream.
type Transport interface {
	Post(ctx context.Context, url string, header http.Header, body []byte) (*Response, error)
}

// HTTPTransport is a Transport backed by net/http.
type HTTPTransport struct {
	httpClient *http.Client
}

// NewHTTPTransport creates a transport. A nil client gets a default without
// an overall timeout; see DefaultResponseHeaderTimeout.
func NewHTTPTransport(httpClient *http.Client) *HTTPTransport {
	if httpClient == nil {
		httpClient = defaultHTTPClient()
	}
	return &HTTPTransport{httpClient: httpClient}
}

func defaultHTTPClient() *http.Client {
	rt := http.DefaultTransport.(*http.Transport).Clone()
	rt.DialContext = (&net.Dialer{
		Timeout:   DefaultDialTimeout,
		KeepAlive: 30 * time.Second,
	}).DialContext
	rt.ResponseHeaderTimeout = DefaultResponseHeaderTimeout
	return &http.Client{Transport: rt}
}

// Post sends body to url. The response body is bound to ctx, so reads
// return early once ctx is done.
func (t *HTTPTransport) Post(ctx context.Context, url string, header http.Header, body []byte) (*Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	for key, values := range header {
		for _, v := range values {
			httpReq.Header.Add(key, v)
		}
	}

	resp, err := t.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	return &Response{
		StatusCode: resp.StatusCode,
		Status:     resp.Status,
		Body:       resp.Body,
	}, nil
}
