// Package client provides the HTTP client the CLI uses to talk to a running
// daemon. Live status updates prefer the event stream and degrade to polling
// when streaming is unavailable.
package client

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"framewise/internal/api"
	"framewise/internal/config"
	"framewise/internal/jobs"
)

const defaultPollInterval = 2 * time.Second

// Client talks to the daemon's HTTP API.
type Client struct {
	baseURL      string
	http         *http.Client
	stream       *http.Client
	pollInterval time.Duration
}

// New builds a client from the daemon bind address in cfg.
func New(cfg *config.Config) *Client {
	timeout := time.Duration(cfg.Client.RequestTimeout) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	poll := time.Duration(cfg.Client.PollIntervalSeconds) * time.Second
	if poll <= 0 {
		poll = defaultPollInterval
	}
	return &Client{
		baseURL: "http://" + cfg.Paths.APIBind,
		http:    &http.Client{Timeout: timeout},
		// The event stream stays open for the life of a job; request
		// timeouts would sever it mid-watch.
		stream:       &http.Client{},
		pollInterval: poll,
	}
}

// NewForURL builds a client against an explicit base URL. Used by tests and
// by callers that already know where the daemon listens.
func NewForURL(baseURL string) *Client {
	return &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		http:         &http.Client{Timeout: 30 * time.Second},
		stream:       &http.Client{},
		pollInterval: defaultPollInterval,
	}
}

// Submit uploads the video at path and returns the accepted task.
func (c *Client) Submit(ctx context.Context, path string) (api.SubmitResponse, error) {
	var out api.SubmitResponse

	file, err := os.Open(path)
	if err != nil {
		return out, fmt.Errorf("open input: %w", err)
	}
	defer file.Close()

	pr, pw := io.Pipe()
	writer := multipart.NewWriter(pw)
	go func() {
		part, err := writer.CreateFormFile("video", filepath.Base(path))
		if err != nil {
			pw.CloseWithError(err)
			return
		}
		if _, err := io.Copy(part, file); err != nil {
			pw.CloseWithError(err)
			return
		}
		pw.CloseWithError(writer.Close())
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/jobs", pr)
	if err != nil {
		return out, err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.stream.Do(req)
	if err != nil {
		return out, fmt.Errorf("submit: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		return out, responseError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return out, fmt.Errorf("decode submit response: %w", err)
	}
	return out, nil
}

// Status fetches the current envelope for one task.
func (c *Client) Status(ctx context.Context, id string) (api.StatusEnvelope, error) {
	var out api.StatusEnvelope
	err := c.getJSON(ctx, "/api/v1/jobs/"+id+"/status", &out)
	return out, err
}

// List fetches job summaries, optionally filtered to one lifecycle state.
func (c *Client) List(ctx context.Context, state string) ([]api.JobSummary, error) {
	path := "/api/v1/jobs"
	if state != "" {
		path += "?state=" + state
	}
	var out []api.JobSummary
	err := c.getJSON(ctx, path, &out)
	return out, err
}

// Stats fetches queue occupancy counters.
func (c *Client) Stats(ctx context.Context) (api.StatsResponse, error) {
	var out api.StatsResponse
	err := c.getJSON(ctx, "/api/v1/stats", &out)
	return out, err
}

// Health fetches daemon readiness.
func (c *Client) Health(ctx context.Context) (api.HealthResponse, error) {
	var out api.HealthResponse
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthz", nil)
	if err != nil {
		return out, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return out, err
	}
	defer resp.Body.Close()
	// 503 still carries the readiness body.
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return out, fmt.Errorf("decode health response: %w", err)
	}
	return out, nil
}

// RetryFailed asks the daemon to resubmit failed jobs under fresh ids.
func (c *Client) RetryFailed(ctx context.Context) (int, error) {
	return c.postCount(ctx, "/api/v1/jobs/retry-failed", "retried")
}

// ClearCompleted removes successful jobs from the store.
func (c *Client) ClearCompleted(ctx context.Context) (int, error) {
	return c.postCount(ctx, "/api/v1/jobs/clear-completed", "removed")
}

// ClearFailed removes failed jobs from the store.
func (c *Client) ClearFailed(ctx context.Context) (int, error) {
	return c.postCount(ctx, "/api/v1/jobs/clear-failed", "removed")
}

// Download saves the enhanced output of a successful task to dst.
func (c *Client) Download(ctx context.Context, id, dst string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/v1/video/"+id, nil)
	if err != nil {
		return err
	}
	resp, err := c.stream.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return responseError(resp)
	}
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, resp.Body); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	return out.Close()
}

// Watch follows one task until it reaches a terminal state, invoking fn for
// every envelope observed. It prefers the server event stream; if the stream
// cannot be opened or drops mid-job, it falls back to polling the status
// endpoint. fn returning an error stops the watch.
func (c *Client) Watch(ctx context.Context, id string, fn func(api.StatusEnvelope) error) error {
	done, err := c.watchStream(ctx, id, fn)
	if done || ctx.Err() != nil {
		return err
	}
	return c.watchPoll(ctx, id, fn)
}

// watchStream reports done=true when the job reached a terminal state or the
// callback aborted; done=false means the caller should fall back to polling.
func (c *Client) watchStream(ctx context.Context, id string, fn func(api.StatusEnvelope) error) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/v1/jobs/"+id+"/events", nil)
	if err != nil {
		return true, err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.stream.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return true, responseError(resp)
	}
	if resp.StatusCode != http.StatusOK {
		return false, responseError(resp)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var envelope api.StatusEnvelope
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &envelope); err != nil {
			continue
		}
		if err := fn(envelope); err != nil {
			return true, err
		}
		if terminalState(envelope.Status.State) {
			return true, nil
		}
	}
	return false, scanner.Err()
}

func (c *Client) watchPoll(ctx context.Context, id string, fn func(api.StatusEnvelope) error) error {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()
	for {
		envelope, err := c.Status(ctx, id)
		if err != nil {
			return err
		}
		if err := fn(envelope); err != nil {
			return err
		}
		if terminalState(envelope.Status.State) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func terminalState(state string) bool {
	return jobs.Status(state).Terminal()
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return responseError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) postCount(ctx context.Context, path, key string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, nil)
	if err != nil {
		return 0, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, responseError(resp)
	}
	var counts map[string]int
	if err := json.NewDecoder(resp.Body).Decode(&counts); err != nil {
		return 0, fmt.Errorf("decode response: %w", err)
	}
	return counts[key], nil
}

func responseError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.Error != "" {
		return fmt.Errorf("daemon: %s (HTTP %d)", payload.Error, resp.StatusCode)
	}
	return fmt.Errorf("daemon returned HTTP %d", resp.StatusCode)
}
