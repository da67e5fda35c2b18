// Package client talks to a kiln server over its JSON API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/seantiz/kiln/internal/block"
	"github.com/seantiz/kiln/internal/engine"
	"github.com/seantiz/kiln/internal/model"
	"github.com/seantiz/kiln/internal/queue"
)

// APIError is a non-2xx answer from the server.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("status %d: %s", e.StatusCode, e.Message)
}

// IsStatus reports whether err is an APIError with the given status code.
func IsStatus(err error, code int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == code
}

// Unit is one device unit as reported by GET /v1/resources.
type Unit struct {
	Name     string `json:"name"`
	Occupied bool   `json:"occupied"`
}

// Resources is the allocator view reported by GET /v1/resources.
type Resources struct {
	Units []Unit `json:"units"`
	Size  int    `json:"size"`
	Free  int    `json:"free"`
}

// Client calls a single kiln server.
type Client struct {
	base   *url.URL
	client *http.Client
}

// New creates a client for serverURL, which must have a scheme and host and
// no path, e.g. http://localhost:8080.
func New(serverURL string) (*Client, error) {
	parsed, err := url.Parse(serverURL)
	if err != nil {
		return nil, err
	}
	parsed.Path = strings.TrimRight(parsed.Path, "/")
	if parsed.Scheme == "" || parsed.Host == "" || parsed.Path != "" {
		return nil, errors.New("server url needs a scheme and no path, e.g. `http://localhost:8080`")
	}
	return &Client{base: parsed, client: &http.Client{}}, nil
}

// Submit enqueues a job and returns its token.
func (c *Client) Submit(ctx context.Context, config model.Values) (string, error) {
	var resp struct {
		Token string `json:"token"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/jobs", map[string]any{"config": config}, &resp); err != nil {
		return "", err
	}
	return resp.Token, nil
}

// Fetch returns the current view of token. Unknown tokens come back with
// status "invalid token" and no error.
func (c *Client) Fetch(ctx context.Context, token string) (engine.FetchResponse, error) {
	var resp engine.FetchResponse
	err := c.do(ctx, http.MethodGet, "/v1/jobs/"+url.PathEscape(token), nil, &resp)
	return resp, err
}

// Update replaces the config of a queued or running job.
func (c *Client) Update(ctx context.Context, token string, config model.Values) error {
	return c.do(ctx, http.MethodPut, "/v1/jobs/"+url.PathEscape(token)+"/config",
		map[string]any{"config": config}, nil)
}

// Delete removes a finished job.
func (c *Client) Delete(ctx context.Context, token string) error {
	return c.do(ctx, http.MethodDelete, "/v1/jobs/"+url.PathEscape(token), nil, nil)
}

// Queue returns the queue snapshot.
func (c *Client) Queue(ctx context.Context) (queue.Snapshot, error) {
	var snap queue.Snapshot
	err := c.do(ctx, http.MethodGet, "/v1/queue", nil, &snap)
	return snap, err
}

// Resources returns device unit occupancy.
func (c *Client) Resources(ctx context.Context) (Resources, error) {
	var res Resources
	err := c.do(ctx, http.MethodGet, "/v1/resources", nil, &res)
	return res, err
}

// Block describes the block the server runs.
func (c *Client) Block(ctx context.Context) (block.Info, error) {
	var info block.Info
	err := c.do(ctx, http.MethodGet, "/v1/block", nil, &info)
	return info, err
}

// Stop asks the server to shut down, waiting up to grace for running jobs.
func (c *Client) Stop(ctx context.Context, grace time.Duration) error {
	body := map[string]int{"grace_seconds": int(grace / time.Second)}
	return c.do(ctx, http.MethodPost, "/v1/stop", body, nil)
}

// Wait polls token every interval until it is complete, failed or unknown.
func (c *Client) Wait(ctx context.Context, token string, interval time.Duration) (engine.FetchResponse, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		resp, err := c.Fetch(ctx, token)
		if err != nil {
			return resp, err
		}
		switch resp.Status.Status {
		case model.StatusComplete, model.StatusFailed, model.StatusInvalidToken:
			return resp, nil
		}
		select {
		case <-ctx.Done():
			return resp, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rdr io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		rdr = bytes.NewReader(raw)
	}

	u := *c.base
	u.Path = path
	req, err := http.NewRequestWithContext(ctx, method, u.String(), rdr)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	return decodeResponse(resp, out)
}

func decodeResponse(resp *http.Response, out any) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil || resp.StatusCode == http.StatusNoContent {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decoding json response failed: %w", err)
		}
		return nil
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	apiErr := &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(raw))}
	if ct, _, err := mime.ParseMediaType(resp.Header.Get("Content-Type")); err == nil && ct == "application/json" {
		var problem struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(raw, &problem) == nil && problem.Error != "" {
			apiErr.Message = problem.Error
		}
	}
	return apiErr
}
