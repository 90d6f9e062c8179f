package secrets

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/pipestream-io/pipestream/internal/config"
)

func writeCredentials(t *testing.T, doc string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "credentials.yaml")
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadMissingFile(t *testing.T) {
	creds, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("a missing credentials file should not be an error: %v", err)
	}
	if len(creds.Connectors) != 0 {
		t.Errorf("connectors = %v, want empty", creds.Connectors)
	}
}

func TestLoadAndOverlay(t *testing.T) {
	path := writeCredentials(t, `
connectors:
  sql:main:
    password: s3cret
  api:remote:
    username: probe
    password: hunter2
`)
	creds, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	cfg := config.Default()
	cfg.Connectors["sql:main"]["username"] = "pipes"

	creds.Overlay(cfg)

	main := cfg.Connectors["sql:main"]
	if main["password"] != "s3cret" {
		t.Errorf("password = %v, want the secret value", main["password"])
	}
	if main["username"] != "pipes" {
		t.Errorf("username = %v, non-secret attributes should survive", main["username"])
	}
	if main["flavor"] != "sqlite" {
		t.Errorf("flavor = %v, configured attributes should survive", main["flavor"])
	}

	remote, ok := cfg.Connectors["api:remote"]
	if !ok {
		t.Fatal("connectors only in the credentials file should be added")
	}
	if remote["password"] != "hunter2" {
		t.Errorf("remote password = %v", remote["password"])
	}
}

func TestOverlayWinsOverConfig(t *testing.T) {
	path := writeCredentials(t, `
connectors:
  sql:main:
    database: /secure/pipes.db
`)
	creds, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	cfg := config.Default()
	creds.Overlay(cfg)
	if cfg.Connectors["sql:main"]["database"] != "/secure/pipes.db" {
		t.Errorf("database = %v, secret values should win", cfg.Connectors["sql:main"]["database"])
	}
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := writeCredentials(t, "connectors: [not, a, map]")
	if _, err := Load(path); err == nil {
		t.Error("malformed credentials should fail to load")
	}
}

func TestFilePathEnvOverride(t *testing.T) {
	t.Setenv(FileEnvVar, "/tmp/alt-credentials.yaml")
	if got := FilePath(); got != "/tmp/alt-credentials.yaml" {
		t.Errorf("FilePath() = %q, want the env override", got)
	}
}
