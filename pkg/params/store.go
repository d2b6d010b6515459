// Package params holds named configuration values exposed to every
// tool script without explicit passing.
package params

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Parameter is a single named configuration value
type Parameter struct {
	ID          string `json:"id"`
	Key         string `json:"key"`
	Value       string `json:"value"`
	Description string `json:"description,omitempty"`
	Order       int    `json:"order"`
}

// Store keeps global parameters keyed case-insensitively
type Store struct {
	parameters []Parameter
	mu         sync.RWMutex
}

// NewStore creates a store seeded with the given parameters. Later
// entries replace earlier ones with the same case-insensitive key.
func NewStore(seed []Parameter) *Store {
	s := &Store{}
	for _, p := range seed {
		s.Set(p)
	}
	return s
}

// Set upserts a parameter. Keys are unique case-insensitively; the
// order field is re-densified to 1..N after every mutation.
func (s *Store) Set(p Parameter) {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	replaced := false
	for i, existing := range s.parameters {
		if strings.EqualFold(existing.Key, p.Key) {
			s.parameters[i] = p
			replaced = true
			break
		}
	}
	if !replaced {
		s.parameters = append(s.parameters, p)
	}
	s.densify()

	log.Debug().Str("key", p.Key).Bool("replaced", replaced).Msg("Global parameter set")
}

// Delete removes a parameter by key (case-insensitive); absent keys
// are a no-op.
func (s *Store) Delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, existing := range s.parameters {
		if strings.EqualFold(existing.Key, key) {
			s.parameters = append(s.parameters[:i], s.parameters[i+1:]...)
			s.densify()
			return
		}
	}
}

// Get returns the parameter for key, if present
func (s *Store) Get(key string) (Parameter, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, p := range s.parameters {
		if strings.EqualFold(p.Key, key) {
			return p, true
		}
	}
	return Parameter{}, false
}

// List returns a snapshot ordered by the Order field
func (s *Store) List() []Parameter {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Parameter, len(s.parameters))
	copy(out, s.parameters)
	return out
}

// ResolveAll flattens the store into a key→value map for binding into
// tool scripts as "globals".
func (s *Store) ResolveAll() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	resolved := make(map[string]string, len(s.parameters))
	for _, p := range s.parameters {
		resolved[p.Key] = p.Value
	}
	return resolved
}

// densify re-assigns Order 1..N preserving relative order.
// Caller holds the write lock.
func (s *Store) densify() {
	sort.SliceStable(s.parameters, func(i, j int) bool {
		return s.parameters[i].Order < s.parameters[j].Order
	})
	for i := range s.parameters {
		s.parameters[i].Order = i + 1
	}
}

// Validate checks a parameter list for case-insensitive key collisions
func Validate(parameters []Parameter) error {
	seen := make(map[string]string, len(parameters))
	for _, p := range parameters {
		lower := strings.ToLower(p.Key)
		if prev, ok := seen[lower]; ok {
			return fmt.Errorf("duplicate global parameter key %q (conflicts with %q)", p.Key, prev)
		}
		seen[lower] = p.Key
	}
	return nil
}
