package notify

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"framewise/internal/config"
)

const userAgent = "Framewise/0.1.0"

// Service defines the push notification surface exposed to the pipeline.
type Service interface {
	NotifyJobAccepted(ctx context.Context, jobID, sourceName string) error
	NotifyJobCompleted(ctx context.Context, jobID, outputRef string) error
	NotifyJobFailed(ctx context.Context, jobID, reason, message string) error
	TestNotification(ctx context.Context) error
}

// NewService builds a push notification service backed by ntfy when
// configured. When no ntfy topic is configured, a noop implementation is
// returned.
func NewService(cfg *config.Config) Service {
	topic := strings.TrimSpace(cfg.Notifications.NtfyTopic)
	if topic == "" {
		return noopService{}
	}

	timeout := time.Duration(cfg.Notifications.RequestTimeout) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &ntfyService{
		endpoint:   topic,
		client:     &http.Client{Timeout: timeout},
		completion: cfg.Notifications.Completion,
		errors:     cfg.Notifications.Errors,
	}
}

// NewNoop returns a service that drops every notification.
func NewNoop() Service {
	return noopService{}
}

type payload struct {
	title    string
	message  string
	tags     []string
	priority string
}

type ntfyService struct {
	endpoint   string
	client     *http.Client
	completion bool
	errors     bool
}

func (n *ntfyService) NotifyJobAccepted(ctx context.Context, jobID, sourceName string) error {
	sourceName = strings.TrimSpace(sourceName)
	if sourceName == "" {
		sourceName = jobID
	}
	data := payload{
		title:   "Framewise - Job Accepted",
		message: fmt.Sprintf("Queued for enhancement: %s", sourceName),
		tags:    []string{"framewise", "job", "accepted"},
	}
	return n.send(ctx, data)
}

func (n *ntfyService) NotifyJobCompleted(ctx context.Context, jobID, outputRef string) error {
	if !n.completion {
		return nil
	}
	message := fmt.Sprintf("Enhancement complete: %s", jobID)
	if outputRef = strings.TrimSpace(outputRef); outputRef != "" {
		message = fmt.Sprintf("%s\nOutput: %s", message, outputRef)
	}
	data := payload{
		title:    "Framewise - Complete",
		message:  message,
		tags:     []string{"framewise", "job", "completed"},
		priority: "high",
	}
	return n.send(ctx, data)
}

func (n *ntfyService) NotifyJobFailed(ctx context.Context, jobID, reason, message string) error {
	if !n.errors {
		return nil
	}
	var builder strings.Builder
	builder.WriteString(fmt.Sprintf("Enhancement failed: %s", jobID))
	if reason = strings.TrimSpace(reason); reason != "" {
		builder.WriteString(fmt.Sprintf(" (%s)", reason))
	}
	if message = strings.TrimSpace(message); message != "" {
		builder.WriteString("\n")
		builder.WriteString(message)
	}
	data := payload{
		title:    "Framewise - Error",
		message:  builder.String(),
		tags:     []string{"framewise", "error", "alert"},
		priority: "high",
	}
	return n.send(ctx, data)
}

func (n *ntfyService) TestNotification(ctx context.Context) error {
	data := payload{
		title:    "Framewise - Test",
		message:  "Notification system test",
		tags:     []string{"framewise", "test"},
		priority: "low",
	}
	return n.send(ctx, data)
}

func (n *ntfyService) send(ctx context.Context, data payload) error {
	if n == nil || n.client == nil {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, strings.NewReader(data.message))
	if err != nil {
		return fmt.Errorf("build ntfy request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	if data.title != "" {
		req.Header.Set("Title", data.title)
	}
	if len(data.tags) > 0 {
		req.Header.Set("Tags", strings.Join(data.tags, ","))
	}
	if data.priority != "" && data.priority != "default" {
		req.Header.Set("Priority", data.priority)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send ntfy notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("ntfy returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

type noopService struct{}

func (noopService) NotifyJobAccepted(context.Context, string, string) error      { return nil }
func (noopService) NotifyJobCompleted(context.Context, string, string) error     { return nil }
func (noopService) NotifyJobFailed(context.Context, string, string, string) error { return nil }
func (noopService) TestNotification(context.Context) error                       { return nil }
