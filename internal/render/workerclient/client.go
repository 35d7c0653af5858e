// Package workerclient is a plain HTTP client for render-worker
// infrastructure (single-backend, worker-pool chunk, or cloud-function
// targets), grounded on internal/inference/client's Options/doJSON/
// HTTPError retry pattern.
package workerclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

type Options struct {
	BaseURL    string
	APIKey     string
	Timeout    time.Duration
	MaxRetries int
	HTTPClient *http.Client
}

type Client struct {
	baseURL    string
	apiKey     string
	timeout    time.Duration
	maxRetries int
	httpClient *http.Client
}

func New(opts Options) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		return nil, errors.New("workerclient: baseURL required")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 600 * time.Second
	}
	maxRetries := opts.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}
	return &Client{
		baseURL:    baseURL,
		apiKey:     strings.TrimSpace(opts.APIKey),
		timeout:    timeout,
		maxRetries: maxRetries,
		httpClient: hc,
	}, nil
}

func (c *Client) BaseURL() string { return c.baseURL }

// SubmitResult is the worker's immediate response to a render submission:
// either the final output (sync mode) or an acknowledgement that the job
// was accepted and will be finalized via webhook (async mode).
type SubmitResult struct {
	Status    string `json:"status"`
	JobID     string `json:"job_id"`
	OutputURL string `json:"output_url,omitempty"`
}

// Submit posts a render payload to path and waits up to c.timeout for a
// response body. Used for both the sync single-backend path (worker
// renders in-request) and the async ack path (worker returns quickly).
func (c *Client) Submit(ctx context.Context, path string, payload any) (SubmitResult, error) {
	var out SubmitResult
	err := c.doJSON(ctx, c.timeout, http.MethodPost, path, payload, &out)
	return out, err
}

// Status is the worker-pool chunk polling response (spec.md §4.6.2).
type Status struct {
	Status    string `json:"status"`
	OutputURL string `json:"output_url,omitempty"`
	Error     string `json:"error,omitempty"`
}

// GetStatus polls a chunk/job status endpoint with a short per-call timeout
// distinct from the long Submit timeout, since polling happens repeatedly.
func (c *Client) GetStatus(ctx context.Context, path string) (Status, error) {
	var out Status
	err := c.doJSON(ctx, 15*time.Second, http.MethodGet, path, nil, &out)
	return out, err
}

// HealthCheck pings a worker's health endpoint before dispatch.
func (c *Client) HealthCheck(ctx context.Context, path string) error {
	return c.doJSON(ctx, 10*time.Second, http.MethodGet, path, nil, nil)
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}

func (c *Client) doJSON(ctx context.Context, timeout time.Duration, method string, path string, body any, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}

	ctx2 := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		ctx2, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var lastErr error
	backoff := 250 * time.Millisecond
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if ctx2.Err() != nil {
			return ctx2.Err()
		}

		req, err := http.NewRequestWithContext(ctx2, method, c.baseURL+path, bytes.NewReader(buf.Bytes()))
		if err != nil {
			return err
		}
		c.setHeaders(req)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
		} else {
			raw, readErr := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
			_ = resp.Body.Close()
			if readErr != nil {
				return readErr
			}
			if resp.StatusCode < 200 || resp.StatusCode >= 300 {
				lastErr = &HTTPError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
			} else {
				if out == nil || len(raw) == 0 {
					return nil
				}
				if err := json.Unmarshal(raw, out); err != nil {
					return err
				}
				return nil
			}
		}

		if attempt < c.maxRetries {
			select {
			case <-ctx2.Done():
				return ctx2.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
			continue
		}
	}

	if lastErr == nil {
		lastErr = errors.New("workerclient: request failed")
	}
	return lastErr
}

// HTTPError carries the worker's response status, distinguishing 404
// (chunk not yet registered) from 5xx (transient worker failure) for the
// worker-pool polling state machine.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("workerclient: http error status=%d body=%s", e.StatusCode, e.Body)
}

// IsNotFound reports whether err is an HTTPError with status 404.
func IsNotFound(err error) bool {
	var herr *HTTPError
	if errors.As(err, &herr) {
		return herr.StatusCode == http.StatusNotFound
	}
	return false
}

// IsServerError reports whether err is an HTTPError with a 5xx status.
func IsServerError(err error) bool {
	var herr *HTTPError
	if errors.As(err, &herr) {
		return herr.StatusCode >= 500
	}
	return false
}
