// Package upstream is the HTTP client used to reach LLM providers.
package upstream

import (
	"bytes"
	"context"
	"net/http"
	"time"

	. "github.com/ki2pixel/kimiproxy/internal/logging"
)

// Per-provider total timeouts in seconds. Slow reasoning providers get
// more headroom than the fast inference clouds.
var ProviderTimeouts = map[string]float64{
	"gemini":      120,
	"kimi":        180,
	"nvidia":      180,
	"mistral":     120,
	"openrouter":  180,
	"siliconflow": 120,
	"groq":        60,
	"cerebras":    60,
	"openai":      120,
	"default":     120,
}

// TimeoutFor returns the total timeout for a provider type.
func TimeoutFor(providerType string) time.Duration {
	secs, ok := ProviderTimeouts[providerType]
	if !ok {
		secs = ProviderTimeouts["default"]
	}
	return time.Duration(secs * float64(time.Second))
}

// Client wraps http.Client with bounded pre-first-byte retries.
//
// The retry invariant is structural: Do only retries while the
// response has not yet been returned to the caller, so nothing read
// from the returned body is ever replayed.
type Client struct {
	Timeout    time.Duration
	MaxRetries int
	RetryDelay time.Duration

	httpClient *http.Client
}

// New creates a client with the given total timeout.
func New(timeout time.Duration, maxRetries int, retryDelay time.Duration) *Client {
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &Client{
		Timeout:    timeout,
		MaxRetries: maxRetries,
		RetryDelay: retryDelay,
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
				DisableCompression:  true, // pass provider bytes through untouched
			},
		},
	}
}

// BuildRequest constructs an outgoing request with the given headers.
func (c *Client) BuildRequest(ctx context.Context, method, url string, headers map[string]string, body []byte) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return req, nil
}

// Do sends the request, retrying transport-level failures up to
// MaxRetries times with a fixed delay. The response body is returned
// unread; callers stream it. Once Do returns, no retry ever happens
// again for this exchange.
func (c *Client) Do(req *http.Request, body []byte) (*http.Response, error) {
	var lastErr error

	for attempt := 0; attempt <= c.MaxRetries; attempt++ {
		if attempt > 0 {
			L_debug("upstream: retrying request", "attempt", attempt, "url", req.URL.String(), "error", lastErr)
			select {
			case <-req.Context().Done():
				return nil, req.Context().Err()
			case <-time.After(c.RetryDelay):
			}
			// The body reader was consumed by the previous attempt.
			req.Body = nopCloser(body)
		}

		resp, err := c.httpClient.Do(req)
		if err == nil {
			return resp, nil
		}

		lastErr = err
		if !IsRetryable(err) {
			break
		}
		if req.Context().Err() != nil {
			break
		}
	}

	return nil, lastErr
}

func nopCloser(body []byte) *readCloser {
	return &readCloser{Reader: bytes.NewReader(body)}
}

type readCloser struct {
	*bytes.Reader
}

func (r *readCloser) Close() error { return nil }
