package notify

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestNew(t *testing.T) {
	t.Run("nil config", func(t *testing.T) {
		n := New(nil)
		if n == nil {
			t.Fatal("expected notifier, got nil")
		}
		if n.IsEnabled() {
			t.Error("expected notifier to be disabled with nil config")
		}
	})

	t.Run("valid config", func(t *testing.T) {
		n := New(&WebhookConfig{
			Enabled:    true,
			WebhookURL: "https://hooks.example.com/test",
			Channel:    "#pipes",
			Username:   "pipestream",
		})
		if !n.IsEnabled() {
			t.Error("expected notifier to be enabled")
		}
	})
}

func TestIsEnabled(t *testing.T) {
	tests := []struct {
		name     string
		config   *WebhookConfig
		expected bool
	}{
		{
			name:     "nil config",
			config:   nil,
			expected: false,
		},
		{
			name:     "disabled explicitly",
			config:   &WebhookConfig{Enabled: false, WebhookURL: "https://test"},
			expected: false,
		},
		{
			name:     "enabled but no webhook",
			config:   &WebhookConfig{Enabled: true, WebhookURL: ""},
			expected: false,
		},
		{
			name:     "enabled with webhook",
			config:   &WebhookConfig{Enabled: true, WebhookURL: "https://test"},
			expected: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := New(tt.config).IsEnabled(); got != tt.expected {
				t.Errorf("IsEnabled() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestSyncCompleted(t *testing.T) {
	t.Run("disabled notifier returns nil", func(t *testing.T) {
		if err := New(nil).SyncCompleted("csv_energy", 10, 5, time.Second); err != nil {
			t.Errorf("expected nil error, got %v", err)
		}
	})

	t.Run("sends correct payload", func(t *testing.T) {
		var received Message
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			body, _ := io.ReadAll(r.Body)
			json.Unmarshal(body, &received)
			w.WriteHeader(http.StatusOK)
		}))
		defer server.Close()

		n := New(&WebhookConfig{
			Enabled:    true,
			WebhookURL: server.URL,
			Channel:    "#pipes",
			Username:   "pipestream",
		})
		if err := n.SyncCompleted("csv_energy", 100, 40, 3*time.Second); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		if received.Channel != "#pipes" {
			t.Errorf("channel = %q, want %q", received.Channel, "#pipes")
		}
		if received.Username != "pipestream" {
			t.Errorf("username = %q, want %q", received.Username, "pipestream")
		}
		if len(received.Attachments) != 1 {
			t.Fatalf("expected 1 attachment, got %d", len(received.Attachments))
		}
		att := received.Attachments[0]
		if att.Color != "good" {
			t.Errorf("color = %q, want good", att.Color)
		}
		if att.Title != "Sync completed: csv_energy" {
			t.Errorf("title = %q", att.Title)
		}
		if len(att.Fields) != 3 || att.Fields[1].Value != "40 rows" {
			t.Errorf("fields = %+v", att.Fields)
		}
	})
}

func TestSyncFailed(t *testing.T) {
	var received Message
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &received)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	n := New(&WebhookConfig{Enabled: true, WebhookURL: server.URL})
	if err := n.SyncFailed("csv_energy", "disk is full"); err != nil {
		t.Fatal(err)
	}
	if received.Attachments[0].Color != "danger" {
		t.Errorf("color = %q, want danger", received.Attachments[0].Color)
	}
	if received.Attachments[0].Fields[0].Value != "disk is full" {
		t.Errorf("reason = %q", received.Attachments[0].Fields[0].Value)
	}
}

func TestFleetCompletedColor(t *testing.T) {
	var received Message
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &received)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	n := New(&WebhookConfig{Enabled: true, WebhookURL: server.URL})
	if err := n.FleetCompleted(5, 2, 900, time.Minute); err != nil {
		t.Fatal(err)
	}
	if received.Attachments[0].Color != "warning" {
		t.Errorf("color with failures = %q, want warning", received.Attachments[0].Color)
	}
}

func TestWebhookErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no such channel", http.StatusNotFound)
	}))
	defer server.Close()

	n := New(&WebhookConfig{Enabled: true, WebhookURL: server.URL})
	if err := n.SyncFailed("csv_energy", "whatever"); err == nil {
		t.Error("a non-2xx webhook response should be an error")
	}
}
