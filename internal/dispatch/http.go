package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	defaultMaxResponseBody = 10 * 1024 * 1024 // 10MB
	defaultHTTPTimeout     = 30 * time.Second
)

// HTTPConfig configures the HTTP dispatcher.
type HTTPConfig struct {
	// BaseURL is the agent endpoint; the dispatcher POSTs to
	// BaseURL/<service>/<action>.
	BaseURL string
	// Headers are added to every request, e.g. authorization.
	Headers map[string]string
	// Timeout bounds a single dispatch attempt.
	Timeout time.Duration
	// MaxResponseBody caps the bytes read from the agent response.
	MaxResponseBody int64
}

// HTTPDispatcher delivers step actions to an agent over HTTP. The request
// body is the JSON-encoded Request; the agent answers with a JSON object that
// becomes the dispatch result. 5xx and transport failures are retryable, 4xx
// rejections are permanent.
type HTTPDispatcher struct {
	config HTTPConfig
	client *http.Client
}

// NewHTTPDispatcher creates an HTTP dispatcher for one agent endpoint.
func NewHTTPDispatcher(cfg HTTPConfig) *HTTPDispatcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultHTTPTimeout
	}
	if cfg.MaxResponseBody <= 0 {
		cfg.MaxResponseBody = defaultMaxResponseBody
	}
	return &HTTPDispatcher{
		config: cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

// Name returns the dispatcher identifier.
func (d *HTTPDispatcher) Name() string { return "http" }

// Dispatch POSTs the action to the agent and decodes the JSON result.
func (d *HTTPDispatcher) Dispatch(ctx context.Context, req Request) (map[string]any, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, PermanentError(req, fmt.Sprintf("encode dispatch request: %v", err), err)
	}

	endpoint := strings.TrimSuffix(d.config.BaseURL, "/") + "/" + req.Service + "/" + req.Action

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, PermanentError(req, fmt.Sprintf("build dispatch request: %v", err), err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range d.config.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := d.client.Do(httpReq)
	if err != nil {
		return nil, RetryableError(req, fmt.Sprintf("agent unreachable: %v", err), err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, d.config.MaxResponseBody))
	if err != nil {
		return nil, RetryableError(req, fmt.Sprintf("read agent response: %v", err), err)
	}

	switch {
	case resp.StatusCode >= 500:
		return nil, RetryableError(req,
			fmt.Sprintf("agent returned %d: %s", resp.StatusCode, truncate(respBody, 256)), nil)
	case resp.StatusCode >= 400:
		return nil, PermanentError(req,
			fmt.Sprintf("agent rejected action with %d: %s", resp.StatusCode, truncate(respBody, 256)), nil)
	}

	if len(respBody) == 0 {
		return map[string]any{}, nil
	}

	var result map[string]any
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, PermanentError(req,
			fmt.Sprintf("agent response is not a JSON object: %v", err), err)
	}
	return result, nil
}

func truncate(b []byte, n int) string {
	s := string(b)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

var _ Dispatcher = (*HTTPDispatcher)(nil)
