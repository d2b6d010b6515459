package config

import (
	"fmt"
	"time"

	"github.com/harun/vocera/pkg/params"
	"github.com/harun/vocera/pkg/toolcatalog"
)

// Config is the main Vocera configuration
type Config struct {
	// Agent behavior
	SystemPrompt     string                   `json:"system_prompt" mapstructure:"system_prompt"`
	GlobalParameters []params.Parameter       `json:"global_parameters" mapstructure:"global_parameters"`
	Tools            []toolcatalog.Definition `json:"tools" mapstructure:"tools"`

	// Capabilities the coordinator waits for before running init tools
	ExpectedCapabilities []string `json:"expected_capabilities" mapstructure:"expected_capabilities"`

	// Remote streaming service
	Remote RemoteConfig `json:"remote" mapstructure:"remote"`

	// Stored identity material
	Credentials CredentialsConfig `json:"credentials" mapstructure:"credentials"`

	// Logging
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`

	// Address the metrics endpoint listens on
	MetricsAddr string `json:"metrics_addr" mapstructure:"metrics_addr"`

	// Data directory
	DataDir string `json:"data_dir" mapstructure:"data_dir"`
}

// RemoteConfig holds the streaming-service endpoint
type RemoteConfig struct {
	URL string `json:"url" mapstructure:"url"`
}

// CredentialsConfig is the persisted identity session
type CredentialsConfig struct {
	AccessKeyID     string    `json:"access_key_id" mapstructure:"access_key_id"`
	SecretAccessKey string    `json:"secret_access_key" mapstructure:"secret_access_key"`
	SessionToken    string    `json:"session_token" mapstructure:"session_token"`
	Expiration      time.Time `json:"expiration" mapstructure:"expiration"`
}

// Valid reports whether the credential set is present and unexpired
func (c CredentialsConfig) Valid() bool {
	if c.AccessKeyID == "" || c.SecretAccessKey == "" {
		return false
	}
	if c.Expiration.IsZero() {
		return false
	}
	return time.Now().Before(c.Expiration)
}

// LoggingConfig holds logger configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	Console   bool   `json:"console" mapstructure:"console"`
	Pretty    bool   `json:"pretty" mapstructure:"pretty"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
}

// DefaultConfig returns the configuration defaults
func DefaultConfig() *Config {
	return &Config{
		ExpectedCapabilities: []string{"app", "chat", "ui", "auth"},
		MetricsAddr:          "127.0.0.1:9464",
		Logging: LoggingConfig{
			Level:     "info",
			Console:   true,
			Pretty:    true,
			Redaction: true,
		},
	}
}

// Validate checks configuration invariants: unique tool names, unique
// global parameter keys, a remote endpoint when tools exist.
func (c *Config) Validate() error {
	if err := params.Validate(c.GlobalParameters); err != nil {
		return err
	}

	seen := make(map[string]bool, len(c.Tools))
	for _, tool := range c.Tools {
		if tool.Name == "" {
			return fmt.Errorf("tool with empty name in catalog")
		}
		if seen[tool.Name] {
			return fmt.Errorf("duplicate tool name %q in catalog", tool.Name)
		}
		seen[tool.Name] = true
	}

	return nil
}
