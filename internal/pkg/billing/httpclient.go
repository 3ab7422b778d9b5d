package billing

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

const defaultMaxAttempts = 4

// RetryingClient wraps outbound provider calls with bounded retry and
// exponential backoff. Retries happen only on transport failures and 5xx
// responses; a 4xx answer is a terminal client-side problem and is surfaced
// immediately. Both terminal outcomes are reported as a ProviderError.
type RetryingClient struct {
	Provider    string
	HTTPClient  *http.Client
	MaxAttempts int

	// Sleep is the backoff wait, context-aware so in-flight retries stop
	// when the caller gives up. Tests swap it to record delays.
	Sleep func(ctx context.Context, d time.Duration) error
}

// NewRetryingClient creates a retrying client for one provider.
func NewRetryingClient(provider string, maxAttempts int) *RetryingClient {
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	return &RetryingClient{
		Provider:    provider,
		MaxAttempts: maxAttempts,
		HTTPClient: &http.Client{
			Timeout: 15 * time.Second,
		},
		Sleep: sleepContext,
	}
}

// backoffDelay returns the wait before attempt k: 2s, 4s, 8s, ...
func backoffDelay(attempt int) time.Duration {
	return time.Duration(1<<(attempt-1)) * time.Second
}

// Do executes the request with retries. On success it returns a 2xx/3xx
// response whose body the caller owns. Requests built with a bytes reader get
// their body replayed via GetBody on each attempt.
func (c *RetryingClient) Do(req *http.Request) (*http.Response, error) {
	var lastErr error

	for attempt := 1; attempt <= c.MaxAttempts; attempt++ {
		if attempt > 1 {
			if err := c.Sleep(req.Context(), backoffDelay(attempt)); err != nil {
				return nil, err
			}
		}

		r := req
		if attempt > 1 {
			r = req.Clone(req.Context())
			if req.GetBody != nil {
				body, err := req.GetBody()
				if err != nil {
					return nil, fmt.Errorf("replaying request body: %w", err)
				}
				r.Body = body
			}
		}

		resp, err := c.HTTPClient.Do(r)
		if err != nil {
			lastErr = err
			continue
		}

		if resp.StatusCode >= 500 {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
			resp.Body.Close()
			lastErr = fmt.Errorf("server error: status=%d body=%s", resp.StatusCode, string(body))
			continue
		}

		if resp.StatusCode >= 400 {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
			resp.Body.Close()
			return nil, &ProviderError{Provider: c.Provider, Status: resp.StatusCode, Body: string(body)}
		}

		return resp, nil
	}

	return nil, &ProviderError{
		Provider: c.Provider,
		Err:      fmt.Errorf("request failed after %d attempts: %w", c.MaxAttempts, lastErr),
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
