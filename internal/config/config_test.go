package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/harun/vocera/pkg/params"
	"github.com/harun/vocera/pkg/toolcatalog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCredentialsConfig_Valid(t *testing.T) {
	tests := []struct {
		name  string
		creds CredentialsConfig
		want  bool
	}{
		{
			name: "valid unexpired",
			creds: CredentialsConfig{
				AccessKeyID:     "AKID",
				SecretAccessKey: "secret",
				Expiration:      time.Now().Add(time.Hour),
			},
			want: true,
		},
		{
			name: "expired",
			creds: CredentialsConfig{
				AccessKeyID:     "AKID",
				SecretAccessKey: "secret",
				Expiration:      time.Now().Add(-time.Minute),
			},
			want: false,
		},
		{
			name:  "missing keys",
			creds: CredentialsConfig{Expiration: time.Now().Add(time.Hour)},
			want:  false,
		},
		{
			name:  "zero expiration",
			creds: CredentialsConfig{AccessKeyID: "AKID", SecretAccessKey: "secret"},
			want:  false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.creds.Valid())
		})
	}
}

func TestConfig_Validate_DuplicateToolNames(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Tools = []toolcatalog.Definition{
		{Name: "dup"},
		{Name: "dup"},
	}
	assert.Error(t, cfg.Validate())
}

func TestConfig_Validate_DuplicateGlobalKeys(t *testing.T) {
	cfg := DefaultConfig()
	cfg.GlobalParameters = []params.Parameter{
		{Key: "Tax"},
		{Key: "tax"},
	}
	assert.Error(t, cfg.Validate())
}

func TestLoader_MissingFileReturnsDefaults(t *testing.T) {
	loader := NewLoader(filepath.Join(t.TempDir(), "absent.json"))

	cfg, err := loader.Load()
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().ExpectedCapabilities, cfg.ExpectedCapabilities)
}

func TestLoader_LoadAndDensify(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vocera.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"system_prompt": "You are a barista.",
		"global_parameters": [{"key": "storeName", "value": "Demo Cafe"}],
		"tools": [
			{"name": "b", "script": "x", "order": 7},
			{"name": "a", "script": "y", "order": 2, "run_after_init": true}
		],
		"remote": {"url": "wss://example.test/stream"}
	}`), 0600))

	cfg, err := NewLoader(path).Load()
	require.NoError(t, err)

	assert.Equal(t, "You are a barista.", cfg.SystemPrompt)
	assert.Equal(t, "wss://example.test/stream", cfg.Remote.URL)

	require.Len(t, cfg.Tools, 2)
	assert.Equal(t, "a", cfg.Tools[0].Name)
	assert.Equal(t, 1, cfg.Tools[0].Order)
	assert.Equal(t, 2, cfg.Tools[1].Order)
	assert.True(t, cfg.Tools[0].RunAfterInit)
}

func TestLoader_SaveRoundTrip(t *testing.T) {
	loader := NewLoader(filepath.Join(t.TempDir(), "vocera.json"))

	cfg := DefaultConfig()
	cfg.SystemPrompt = "saved"
	cfg.Credentials = CredentialsConfig{
		AccessKeyID:     "AKID",
		SecretAccessKey: "secret",
		Expiration:      time.Now().Add(time.Hour).UTC(),
	}
	require.NoError(t, loader.Save(cfg))

	got, err := loader.Load()
	require.NoError(t, err)
	assert.Equal(t, "saved", got.SystemPrompt)
	assert.True(t, got.Credentials.Valid())
}

func TestFileStore_ReplaceAndRead(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SystemPrompt = "v1"
	store := NewFileStore(cfg)

	assert.Equal(t, "v1", store.AgentConfig().SystemPrompt)
	assert.False(t, store.IsSessionValid())

	next := DefaultConfig()
	next.SystemPrompt = "v2"
	next.Credentials = CredentialsConfig{
		AccessKeyID:     "AKID",
		SecretAccessKey: "secret",
		Expiration:      time.Now().Add(time.Hour),
	}
	store.Replace(next)

	assert.Equal(t, "v2", store.AgentConfig().SystemPrompt)
	assert.True(t, store.IsSessionValid())
}

func TestWatcher_ReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vocera.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"system_prompt": "before"}`), 0600))

	loader := NewLoader(path)
	reloaded := make(chan *Config, 1)

	w, err := NewWatcher(loader, func(cfg *Config) { reloaded <- cfg })
	require.NoError(t, err)
	require.NoError(t, w.Start())
	defer w.Stop()

	require.NoError(t, os.WriteFile(path, []byte(`{"system_prompt": "after"}`), 0600))

	select {
	case cfg := <-reloaded:
		assert.Equal(t, "after", cfg.SystemPrompt)
	case <-time.After(3 * time.Second):
		t.Fatal("config reload callback not invoked")
	}
}
