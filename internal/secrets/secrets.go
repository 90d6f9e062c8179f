// Package secrets loads connector credentials kept outside the main
// configuration file, so passwords and API tokens never have to live
// next to settings that get committed or shared.
package secrets

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/pipestream-io/pipestream/internal/config"
	"github.com/pipestream-io/pipestream/internal/logging"
)

const (
	// DefaultFileName is the credentials file under ~/.pipestream.
	DefaultFileName = "credentials.yaml"
	// FileEnvVar overrides the credentials file location.
	FileEnvVar = "PIPESTREAM_CREDENTIALS_FILE"
	// SecureFileMode is the expected permission mode for the file.
	SecureFileMode = 0o600
)

// Credentials maps "type:label" to the secret attributes of that
// connector, merged over the attributes from the main configuration.
type Credentials struct {
	Connectors map[string]map[string]interface{} `yaml:"connectors"`
}

// FilePath resolves the credentials file location.
func FilePath() string {
	if path := os.Getenv(FileEnvVar); path != "" {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return DefaultFileName
	}
	return filepath.Join(home, ".pipestream", DefaultFileName)
}

// Load reads the credentials file. A missing file yields empty
// credentials, not an error.
func Load(path string) (*Credentials, error) {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return &Credentials{Connectors: map[string]map[string]interface{}{}}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading credentials: %w", err)
	}
	if mode := info.Mode().Perm(); mode&0o077 != 0 {
		logging.Warn("credentials file %s is readable by other users (mode %o, want %o)",
			path, mode, SecureFileMode)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading credentials: %w", err)
	}
	var creds Credentials
	if err := yaml.Unmarshal(data, &creds); err != nil {
		return nil, fmt.Errorf("parsing credentials %s: %w", path, err)
	}
	if creds.Connectors == nil {
		creds.Connectors = map[string]map[string]interface{}{}
	}
	return &creds, nil
}

// Overlay merges the credentials into the configuration's connector
// attributes. Secret values win over configured ones; connectors only
// present in the credentials file are added whole.
func (c *Credentials) Overlay(cfg *config.Config) {
	for keys, secretAttrs := range c.Connectors {
		attrs, ok := cfg.Connectors[keys]
		if !ok {
			attrs = map[string]interface{}{}
			cfg.Connectors[keys] = attrs
		}
		for name, value := range secretAttrs {
			attrs[name] = value
		}
	}
}
