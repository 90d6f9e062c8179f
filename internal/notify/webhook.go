// Package notify posts sync session summaries to a Slack-compatible
// webhook.
package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/pipestream-io/pipestream/internal/logging"
)

// WebhookConfig configures the notifier. A disabled or URL-less config
// turns every send into a no-op.
type WebhookConfig struct {
	Enabled    bool   `yaml:"enabled"`
	WebhookURL string `yaml:"webhook_url"`
	Channel    string `yaml:"channel"`
	Username   string `yaml:"username"`
}

// Message is the webhook payload.
type Message struct {
	Channel     string       `json:"channel,omitempty"`
	Username    string       `json:"username,omitempty"`
	Text        string       `json:"text,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// Attachment is one colored block of fields.
type Attachment struct {
	Color  string  `json:"color"`
	Title  string  `json:"title"`
	Fields []Field `json:"fields,omitempty"`
	Footer string  `json:"footer,omitempty"`
}

// Field is a labeled value inside an attachment.
type Field struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

// Notifier sends session summaries. The zero-value-ish disabled
// notifier is safe to call.
type Notifier struct {
	config *WebhookConfig
	client *http.Client
}

// New creates a notifier. A nil config disables it.
func New(cfg *WebhookConfig) *Notifier {
	return &Notifier{
		config: cfg,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// IsEnabled reports whether sends will reach a webhook.
func (n *Notifier) IsEnabled() bool {
	return n.config != nil && n.config.Enabled && n.config.WebhookURL != ""
}

// SyncCompleted reports a finished session for one pipe.
func (n *Notifier) SyncCompleted(pipeName string, fetched, inserted int, elapsed time.Duration) error {
	return n.send(Message{
		Attachments: []Attachment{{
			Color: "good",
			Title: "Sync completed: " + pipeName,
			Fields: []Field{
				{Title: "Fetched", Value: fmt.Sprintf("%d rows", fetched), Short: true},
				{Title: "Inserted", Value: fmt.Sprintf("%d rows", inserted), Short: true},
				{Title: "Duration", Value: elapsed.Round(time.Second).String(), Short: true},
			},
		}},
	})
}

// SyncFailed reports a failed session with the backend's message.
func (n *Notifier) SyncFailed(pipeName, reason string) error {
	return n.send(Message{
		Attachments: []Attachment{{
			Color: "danger",
			Title: "Sync failed: " + pipeName,
			Fields: []Field{
				{Title: "Reason", Value: reason},
			},
		}},
	})
}

// FleetCompleted reports a multi-pipe run.
func (n *Notifier) FleetCompleted(pipes int, failures, inserted int64, elapsed time.Duration) error {
	color := "good"
	if failures > 0 {
		color = "warning"
	}
	return n.send(Message{
		Attachments: []Attachment{{
			Color: color,
			Title: fmt.Sprintf("Synced %d pipes", pipes),
			Fields: []Field{
				{Title: "Inserted", Value: fmt.Sprintf("%d rows", inserted), Short: true},
				{Title: "Failures", Value: fmt.Sprintf("%d", failures), Short: true},
				{Title: "Duration", Value: elapsed.Round(time.Second).String(), Short: true},
			},
		}},
	})
}

func (n *Notifier) send(msg Message) error {
	if !n.IsEnabled() {
		return nil
	}
	msg.Channel = n.config.Channel
	msg.Username = n.config.Username

	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding notification: %w", err)
	}
	resp, err := n.client.Post(n.config.WebhookURL, "application/json", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("posting notification: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	}
	logging.Debug("posted notification to %s", n.config.WebhookURL)
	return nil
}
