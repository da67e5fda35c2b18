// Package webhook posts job lifecycle events to an external URL.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// DeliveryHeader carries a unique id per delivery attempt.
const DeliveryHeader = "X-Kiln-Delivery"

const defaultTimeout = 5 * time.Second

// Event is the JSON body of a notification.
type Event struct {
	Token    string    `json:"token"`
	Status   string    `json:"status"`
	Progress *float64  `json:"progress,omitempty"`
	Error    string    `json:"error,omitempty"`
	Time     time.Time `json:"time"`
}

// Notifier delivers events to one URL. A nil *Notifier drops every event.
type Notifier struct {
	url        string
	httpClient *http.Client
	logger     *slog.Logger
}

// New returns a notifier for url, or nil when url is empty.
func New(url string, logger *slog.Logger) *Notifier {
	if url == "" {
		return nil
	}
	return &Notifier{
		url:        url,
		httpClient: &http.Client{Timeout: defaultTimeout},
		logger:     logger,
	}
}

// Notify posts ev. Failures are logged and returned; they never affect the job.
func (n *Notifier) Notify(ctx context.Context, ev Event) error {
	if n == nil {
		return nil
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	if err := n.send(ctx, ev); err != nil {
		n.logger.WarnContext(ctx, "webhook delivery failed", "url", n.url, "status", ev.Status, "error", err)
		return err
	}
	return nil
}

func (n *Notifier) send(ctx context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(DeliveryHeader, uuid.NewString())

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned %s", resp.Status)
	}
	return nil
}
