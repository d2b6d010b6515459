package config

import (
	"sync"

	"github.com/harun/vocera/pkg/params"
	"github.com/harun/vocera/pkg/toolcatalog"
)

// AgentConfig is the slice of configuration the lifecycle coordinator
// consumes: prompt text, global parameters, and the tool catalog.
type AgentConfig struct {
	SystemPrompt     string
	GlobalParameters []params.Parameter
	Tools            []toolcatalog.Definition
}

// Store is the configuration surface the coordinator reads through.
// Implementations must be safe for concurrent use.
type Store interface {
	AgentConfig() AgentConfig
	Credentials() CredentialsConfig
	IsSessionValid() bool
}

// FileStore serves a loaded Config and accepts hot reloads
type FileStore struct {
	cfg *Config
	mu  sync.RWMutex
}

// NewFileStore wraps a loaded configuration
func NewFileStore(cfg *Config) *FileStore {
	return &FileStore{cfg: cfg}
}

// Replace swaps in a freshly loaded configuration
func (s *FileStore) Replace(cfg *Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg
}

func (s *FileStore) AgentConfig() AgentConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return AgentConfig{
		SystemPrompt:     s.cfg.SystemPrompt,
		GlobalParameters: append([]params.Parameter{}, s.cfg.GlobalParameters...),
		Tools:            append([]toolcatalog.Definition{}, s.cfg.Tools...),
	}
}

func (s *FileStore) Credentials() CredentialsConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.Credentials
}

func (s *FileStore) IsSessionValid() bool {
	return s.Credentials().Valid()
}
