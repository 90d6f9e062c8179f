package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

// capture redirects log output into a buffer for the duration of the
// test and restores the defaults afterwards.
func capture(t *testing.T, level Level, format string) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	SetOutput(&buf)
	SetLevel(level)
	SetFormat(format)
	t.Cleanup(func() {
		SetFormat("text")
		SetLevel(LevelInfo)
		SetSimpleMode(false)
		SetOutput(nil)
	})
	return &buf
}

func TestTextFormat(t *testing.T) {
	buf := capture(t, LevelInfo, "text")

	Info("synced csv_energy: %d fetched, %d inserted", 900, 3)

	out := buf.String()
	if !strings.Contains(out, "[INFO]") {
		t.Errorf("missing level tag: %s", out)
	}
	if !strings.Contains(out, "synced csv_energy: 900 fetched, 3 inserted") {
		t.Errorf("missing message: %s", out)
	}
}

func TestJSONFormat(t *testing.T) {
	buf := capture(t, LevelInfo, "json")

	Warn("could not index csv_energy")

	var entry map[string]interface{}
	if err := json.Unmarshal([]byte(strings.TrimSpace(buf.String())), &entry); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, buf.String())
	}
	if entry["level"] != "warn" {
		t.Errorf("level = %v", entry["level"])
	}
	if entry["msg"] != "could not index csv_energy" {
		t.Errorf("msg = %v", entry["msg"])
	}
	if _, ok := entry["ts"]; !ok {
		t.Error("missing ts field")
	}
}

func TestJSONLevelNames(t *testing.T) {
	tests := []struct {
		logFunc func(string, ...interface{})
		want    string
	}{
		{Debug, "debug"},
		{Info, "info"},
		{Warn, "warn"},
		{Error, "error"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			buf := capture(t, LevelDebug, "json")
			tt.logFunc("chunk written")
			var entry map[string]interface{}
			if err := json.Unmarshal([]byte(strings.TrimSpace(buf.String())), &entry); err != nil {
				t.Fatal(err)
			}
			if entry["level"] != tt.want {
				t.Errorf("level = %v, want %s", entry["level"], tt.want)
			}
		})
	}
}

func TestLevelFiltering(t *testing.T) {
	buf := capture(t, LevelWarn, "text")

	Debug("sync session %s", "abc")
	Info("registered pipe")
	Warn("retrying connect")

	out := buf.String()
	if strings.Contains(out, "sync session") || strings.Contains(out, "registered pipe") {
		t.Errorf("suppressed levels leaked: %s", out)
	}
	if !strings.Contains(out, "retrying connect") {
		t.Errorf("warn should pass at warn level: %s", out)
	}
}

func TestSimpleModeStripsTimestamp(t *testing.T) {
	buf := capture(t, LevelInfo, "text")
	SetSimpleMode(true)

	Info("wrote 42 rows")

	out := strings.TrimSpace(buf.String())
	if !strings.HasPrefix(out, "[INFO] wrote 42 rows") {
		t.Errorf("simple mode output = %q", out)
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input   string
		want    Level
		wantErr bool
	}{
		{"debug", LevelDebug, false},
		{"DEBUG", LevelDebug, false},
		{"info", LevelInfo, false},
		{"Info", LevelInfo, false},
		{"warn", LevelWarn, false},
		{"warning", LevelWarn, false},
		{"WARNING", LevelWarn, false},
		{"error", LevelError, false},
		{"ERROR", LevelError, false},
		{"", LevelInfo, true},
		{"verbose", LevelInfo, true},
		{"info ", LevelInfo, true},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseLevel(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Errorf("ParseLevel(%q) should fail", tt.input)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseLevel(%q): %v", tt.input, err)
			}
			if got != tt.want {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestLevelString(t *testing.T) {
	for lvl, want := range map[Level]string{
		LevelDebug: "DEBUG",
		LevelInfo:  "INFO",
		LevelWarn:  "WARN",
		LevelError: "ERROR",
		Level(42):  "UNKNOWN",
	} {
		if got := lvl.String(); got != want {
			t.Errorf("Level(%d).String() = %q, want %q", lvl, got, want)
		}
	}
}

func TestSetGetLevel(t *testing.T) {
	original := GetLevel()
	defer SetLevel(original)

	for _, lvl := range []Level{LevelError, LevelDebug, LevelWarn, LevelInfo} {
		SetLevel(lvl)
		if got := GetLevel(); got != lvl {
			t.Errorf("GetLevel() = %v after SetLevel(%v)", got, lvl)
		}
	}
	SetLevel(LevelDebug)
	if !IsDebug() {
		t.Error("IsDebug should be true at debug level")
	}
	SetLevel(LevelInfo)
	if IsDebug() {
		t.Error("IsDebug should be false at info level")
	}
}
