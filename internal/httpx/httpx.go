// Package httpx wires retryablehttp clients for the collaborator services.
// Each service client owns its retry policy; this package supplies the
// shared pieces: client construction, zap-backed retry logging, JSON
// round-trips and status error mapping.
package httpx

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
)

// StatusError is returned for any non-2xx response that survives the retry
// policy. Body holds at most errBodyLimit bytes of the response for logs.
type StatusError struct {
	Code int
	Body string
}

const errBodyLimit = 512

func (e *StatusError) Error() string {
	return fmt.Sprintf("httpx: unexpected status %d: %s", e.Code, e.Body)
}

// IsStatus reports whether err is a StatusError with the given code.
func IsStatus(err error, code int) bool {
	se, ok := err.(*StatusError)
	if !ok {
		return false
	}
	return se.Code == code
}

// NewClient builds a retryablehttp client with the given retry policy.
// A nil check keeps retryablehttp's default policy (connection errors and
// 5xx are retried).
func NewClient(logger *zap.Logger, retries int, check retryablehttp.CheckRetry) *retryablehttp.Client {
	c := retryablehttp.NewClient()
	c.RetryMax = retries
	c.RetryWaitMin = 100 * time.Millisecond
	c.RetryWaitMax = 2 * time.Second
	c.Backoff = retryablehttp.LinearJitterBackoff
	c.Logger = leveled{logger.Sugar()}
	if check != nil {
		c.CheckRetry = check
	}
	return c
}

// TransientOnly retries connection errors and 5xx responses, never 4xx.
// Catalog and scene service calls are idempotent, so replaying them on a
// transient failure is safe.
func TransientOnly(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if err != nil {
		return true, nil
	}
	if resp != nil && resp.StatusCode >= 500 {
		return true, nil
	}
	return false, nil
}

// DoJSON executes one request and decodes a 2xx response body into out
// (skipped when out is nil). Non-2xx responses become a StatusError.
func DoJSON(c *retryablehttp.Client, req *retryablehttp.Request, out any) error {
	resp, err := c.Do(req)
	if err != nil {
		return fmt.Errorf("httpx: %s %s: %w", req.Method, req.URL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, errBodyLimit))
		return &StatusError{Code: resp.StatusCode, Body: string(body)}
	}
	if out == nil {
		// Drain so the connection can be reused.
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("httpx: decode %s %s response: %w", req.Method, req.URL, err)
	}
	return nil
}

// JSONRequest builds a request with a JSON-encoded body (nil body allowed).
func JSONRequest(ctx context.Context, method, url string, body any) (*retryablehttp.Request, error) {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("httpx: encode %s %s body: %w", method, url, err)
		}
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, method, url, payload)
	if err != nil {
		return nil, fmt.Errorf("httpx: build %s %s: %w", method, url, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// leveled adapts zap to retryablehttp's LeveledLogger so retry attempts show
// up in the service logs with structured fields.
type leveled struct {
	s *zap.SugaredLogger
}

func (l leveled) Error(msg string, kv ...interface{}) { l.s.Errorw(msg, kv...) }
func (l leveled) Warn(msg string, kv ...interface{})  { l.s.Warnw(msg, kv...) }
func (l leveled) Info(msg string, kv ...interface{})  { l.s.Debugw(msg, kv...) }
func (l leveled) Debug(msg string, kv ...interface{}) { l.s.Debugw(msg, kv...) }
