// Package frontend is the backend's client for the build-system frontend,
// the coordination service that owns build state.
package frontend

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const reschedulePath = "/backend/reschedule_all_running/"

// Kind classifies a frontend failure.
type Kind string

const (
	// KindRequest means the request never got a response (network, timeout).
	KindRequest Kind = "request"
	// KindStatus means the frontend answered with a non-2xx status.
	KindStatus Kind = "status"
)

// Error is returned by every Client call.
type Error struct {
	Op         string
	Kind       Kind
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	if e.Kind == KindStatus {
		return fmt.Sprintf("frontend %s: unexpected status %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("frontend %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Client talks to the frontend over HTTP.
type Client struct {
	baseURL  string
	user     string
	password string
	http     *http.Client
}

// NewClient returns a client for baseURL, authenticating with basic auth.
// timeout bounds each request.
func NewClient(baseURL, user, password string, timeout time.Duration) *Client {
	return &Client{
		baseURL:  strings.TrimSuffix(baseURL, "/"),
		user:     user,
		password: password,
		http:     &http.Client{Timeout: timeout},
	}
}

// BaseURL returns the frontend base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// RescheduleAllRunning asks the frontend to mark every running build as
// needing re-dispatch. It is idempotent on the frontend side and is not
// retried here.
func (c *Client) RescheduleAllRunning(ctx context.Context) error {
	return c.post(ctx, "reschedule_all_running", reschedulePath)
}

func (c *Client) post(ctx context.Context, op, path string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader([]byte("{}")))
	if err != nil {
		return &Error{Op: op, Kind: KindRequest, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	if c.password != "" {
		req.SetBasicAuth(c.user, c.password)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &Error{Op: op, Kind: KindRequest, Err: err}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &Error{Op: op, Kind: KindStatus, StatusCode: resp.StatusCode}
	}
	return nil
}
