// Package engine is the HTTP client for the rendering engine (a
// ComfyUI-compatible server). One Client is created per process and shared
// by every invocation; its connection pool and retry policy are read-only
// after construction.
package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-retryablehttp"

	"comfyworker/internal/pkg/errors"
	"comfyworker/internal/pkg/logger"
)

// Options configures a Client.
type Options struct {
	BaseURL string
	// Timeout bounds a single HTTP attempt.
	Timeout      time.Duration
	RetryMax     int
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration
	Logger       *logger.Logger
}

type Client struct {
	baseURL  string
	http     *retryablehttp.Client
	clientID string
	log      *logger.Logger
}

// NewClient builds a client that retries connection failures and
// 502/503/504 responses with exponential backoff. After the last retry the
// final response is returned as is.
func NewClient(opts Options) *Client {
	log := opts.Logger
	if log == nil {
		log = logger.NewDefault()
	}
	log = log.WithComponent("engine")

	rc := retryablehttp.NewClient()
	rc.RetryMax = opts.RetryMax
	if opts.RetryWaitMin > 0 {
		rc.RetryWaitMin = opts.RetryWaitMin
	}
	if opts.RetryWaitMax > 0 {
		rc.RetryWaitMax = opts.RetryWaitMax
	}
	if opts.Timeout > 0 {
		rc.HTTPClient.Timeout = opts.Timeout
	}
	rc.Logger = nil
	rc.CheckRetry = retryGatewayErrors
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler
	rc.RequestLogHook = func(_ retryablehttp.Logger, req *http.Request, attempt int) {
		if attempt > 0 {
			log.Warn("retrying engine request", "method", req.Method, "path", req.URL.Path, "attempt", attempt)
		}
	}

	return &Client{
		baseURL:  strings.TrimRight(opts.BaseURL, "/"),
		http:     rc,
		clientID: uuid.NewString(),
		log:      log,
	}
}

func retryGatewayErrors(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if err != nil {
		return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
	}
	switch resp.StatusCode {
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true, nil
	}
	return false, nil
}

// HTTPError is a non-2xx answer to a submission. Body holds the decoded
// JSON when the engine sent JSON, otherwise the raw text.
type HTTPError struct {
	StatusCode int
	Body       any
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP status code: %d", e.StatusCode)
}

type submitRequest struct {
	Prompt   any    `json:"prompt"`
	ClientID string `json:"client_id,omitempty"`
}

type submitResponse struct {
	PromptID   string          `json:"prompt_id"`
	Number     int             `json:"number"`
	NodeErrors json.RawMessage `json:"node_errors,omitempty"`
}

// Submit enqueues prompt and returns the engine-assigned prompt id.
// A non-2xx answer is returned as *HTTPError; connection failures after
// retries carry CodeTransport.
func (c *Client) Submit(ctx context.Context, prompt any) (string, error) {
	body, err := json.Marshal(submitRequest{Prompt: prompt, ClientID: c.clientID})
	if err != nil {
		return "", errors.Wrap(err, "engine.submit", "failed to encode prompt")
	}

	resp, err := c.do(ctx, http.MethodPost, "/prompt", body)
	if err != nil {
		return "", errors.WrapWithCode(err, errors.CodeTransport, "engine.submit", "failed to reach engine")
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", errors.WrapWithCode(err, errors.CodeTransport, "engine.submit", "failed to read response")
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &HTTPError{StatusCode: resp.StatusCode, Body: decodeBody(raw)}
	}

	var out submitResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", errors.WrapWithCode(err, errors.CodeTransport, "engine.submit", "invalid submit response")
	}
	if out.PromptID == "" {
		return "", errors.New(errors.CodeTransport, "engine returned no prompt_id")
	}
	return out.PromptID, nil
}

// History fetches the record for promptID. found is false while the
// engine has nothing for the id yet, including non-2xx answers.
func (c *Client) History(ctx context.Context, promptID string) (entry *HistoryEntry, found bool, err error) {
	resp, err := c.do(ctx, http.MethodGet, "/history/"+url.PathEscape(promptID), nil)
	if err != nil {
		return nil, false, errors.WrapWithCode(err, errors.CodeTransport, "engine.history", "failed to reach engine")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		c.log.FromContext(ctx).Debug("history not available", "prompt_id", promptID, "status", resp.StatusCode)
		return nil, false, nil
	}

	var records map[string]json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&records); err != nil {
		return nil, false, errors.WrapWithCode(err, errors.CodeTransport, "engine.history", "invalid history response")
	}
	raw, ok := records[promptID]
	if !ok || len(raw) == 0 || string(raw) == "null" {
		return nil, false, nil
	}

	var e HistoryEntry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, false, errors.WrapWithCode(err, errors.CodeTransport, "engine.history", "invalid history record").
			WithField("prompt_id", promptID)
	}
	e.Raw = raw
	return &e, true, nil
}

// Ready performs a single readiness probe against /system_stats. Any HTTP
// answer counts as ready.
func (c *Client) Ready(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/system_stats", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.HTTPClient.Do(req)
	if err != nil {
		return errors.WrapWithCode(err, errors.CodeUnavailable, "engine.ready", "engine not reachable")
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	return nil
}

// WaitReady probes the engine every interval until it answers or ctx ends.
func (c *Client) WaitReady(ctx context.Context, interval time.Duration) error {
	log := c.log.FromContext(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for retries := 0; ; retries++ {
		if err := c.Ready(ctx); err == nil {
			log.Info("engine is ready", "retries", retries)
			return nil
		}
		if retries > 0 && retries%30 == 0 {
			log.Info("engine not ready yet, retrying", "retries", retries)
		}

		select {
		case <-ctx.Done():
			return errors.WrapWithCode(ctx.Err(), errors.CodeUnavailable, "engine.wait_ready", "engine never became ready")
		case <-ticker.C:
		}
	}
}

func (c *Client) do(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.http.Do(req)
}

func decodeBody(raw []byte) any {
	var v any
	if err := json.Unmarshal(raw, &v); err == nil {
		return v
	}
	return string(raw)
}
