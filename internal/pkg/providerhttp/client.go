// Package providerhttp is the JSON-over-HTTP transport shared by the payment
// network clients.
package providerhttp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/agentpay/agentpay-api/internal/pkg/apperr"
)

var (
	// ErrRejected is returned for 4xx answers: resending the request will not help.
	ErrRejected = apperr.New(apperr.Permanent, "provider rejected request")
	// ErrUnavailable is returned for 5xx answers and transport failures.
	ErrUnavailable = apperr.New(apperr.Retryable, "provider unavailable")
)

// StatusError describes a non-2xx provider answer.
type StatusError struct {
	Provider string
	Status   int
	Body     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s api returned status %d: %s", e.Provider, e.Status, e.Body)
}

func (e *StatusError) Unwrap() error {
	if e.Status >= 400 && e.Status < 500 && e.Status != http.StatusTooManyRequests && e.Status != http.StatusRequestTimeout {
		return ErrRejected
	}
	return ErrUnavailable
}

// Client posts JSON to one provider.
type Client struct {
	provider   string
	baseURL    string
	httpClient *http.Client
}

// New creates a client for provider rooted at baseURL.
func New(provider, baseURL string, timeout time.Duration) *Client {
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		provider:   provider,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// PostJSON sends in as JSON to path and decodes a 2xx body into out.
// out may be nil when the provider answers without a body.
func (c *Client) PostJSON(ctx context.Context, path string, headers map[string]string, in, out interface{}) (int, error) {
	if c.baseURL == "" {
		return 0, fmt.Errorf("%w: %s base url is empty", ErrRejected, c.provider)
	}

	payload, err := json.Marshal(in)
	if err != nil {
		return 0, fmt.Errorf("failed to encode %s request: %w", c.provider, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return 0, fmt.Errorf("%s api call failed: %w", c.provider, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%w: %s api call failed: %v", ErrUnavailable, c.provider, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return resp.StatusCode, fmt.Errorf("%w: %s read body: %v", ErrUnavailable, c.provider, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, &StatusError{Provider: c.provider, Status: resp.StatusCode, Body: string(body)}
	}

	if out == nil || len(bytes.TrimSpace(body)) == 0 {
		return resp.StatusCode, nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return resp.StatusCode, fmt.Errorf("failed to parse %s response: %w", c.provider, err)
	}
	return resp.StatusCode, nil
}
