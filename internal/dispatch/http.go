package dispatch

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/roach88/mutq/internal/request"
)

// Header names set on every outbound request.
const (
	HeaderIdempotencyKey = "Idempotency-Key"
	HeaderRequestID      = "X-Request-ID"
)

// HTTPSender POSTs each request's Data to <endpoint>/<command>.
//
// 2xx is success. 408, 429 and 5xx are transient. Other statuses are
// permanent.
type HTTPSender struct {
	endpoint string
	client   *http.Client
	headers  http.Header
}

// HTTPOption configures an HTTPSender.
type HTTPOption func(*HTTPSender)

// WithHTTPClient replaces the default client (10s timeout).
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(s *HTTPSender) {
		if c != nil {
			s.client = c
		}
	}
}

// WithHeader adds a header to every request.
func WithHeader(key, value string) HTTPOption {
	return func(s *HTTPSender) {
		s.headers.Add(key, value)
	}
}

// NewHTTPSender validates endpoint and returns a sender.
func NewHTTPSender(endpoint string, opts ...HTTPOption) (*HTTPSender, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("endpoint %q: scheme must be http or https", endpoint)
	}

	s := &HTTPSender{
		endpoint: strings.TrimRight(endpoint, "/"),
		client:   &http.Client{Timeout: 10 * time.Second},
		headers:  make(http.Header),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Send implements Sender.
func (s *HTTPSender) Send(ctx context.Context, r request.Request) error {
	key, err := request.IdempotencyKey(r)
	if err != nil {
		return Permanent(fmt.Errorf("idempotency key: %w", err))
	}

	target := s.endpoint + "/" + url.PathEscape(r.Command)
	body := []byte(r.Data)
	if len(body) == 0 {
		body = []byte("null")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return Permanent(fmt.Errorf("build request: %w", err))
	}
	for k, vs := range s.headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderIdempotencyKey, key)
	req.Header.Set(HeaderRequestID, strconv.FormatInt(r.RequestID, 10))

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", r.Command, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	statusErr := &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	if retryable(resp.StatusCode) {
		return statusErr
	}
	return Permanent(statusErr)
}

func retryable(code int) bool {
	return code == http.StatusRequestTimeout ||
		code == http.StatusTooManyRequests ||
		code >= 500
}
