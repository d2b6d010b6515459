package lifecycle

import (
	"fmt"
	"sync"

	"github.com/harun/vocera/pkg/stream"
)

// State is a session's position in its lifecycle
type State string

const (
	StateUninitialized    State = "uninitialized"
	StateCreated          State = "created"
	StateToolsRegistered  State = "tools-registered"
	StatePromptConfigured State = "prompt-configured"
	StateAudioReady       State = "audio-ready"
	StateStreaming        State = "streaming"
	StateClosing          State = "closing"
	StateClosed           State = "closed"

	// StateError is reachable from any state
	StateError State = "error"
)

// validTransitions encodes the forward-only state machine. StateError
// is reachable from anywhere and so is not listed.
var validTransitions = map[State][]State{
	StateUninitialized:    {StateCreated},
	StateCreated:          {StateToolsRegistered, StateClosing},
	StateToolsRegistered:  {StatePromptConfigured, StateClosing},
	StatePromptConfigured: {StateAudioReady, StateClosing},
	StateAudioReady:       {StateStreaming, StateClosing},
	StateStreaming:        {StateClosing},
	StateClosing:          {StateClosed},
	StateError:            {StateClosing, StateClosed},
}

// SessionHandle is the explicit per-session state owned by the
// coordinator and passed by reference to handlers. It is created on
// session creation and cleared on close; a new session can only begin
// after the previous handle is cleared.
type SessionHandle struct {
	id              string
	state           State
	registeredTools []string
	session         stream.Session
	mu              sync.RWMutex
}

func newSessionHandle(id string, session stream.Session) *SessionHandle {
	return &SessionHandle{
		id:      id,
		state:   StateCreated,
		session: session,
	}
}

// ID returns the remote session id
func (h *SessionHandle) ID() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.id
}

// State returns the current lifecycle state
func (h *SessionHandle) State() State {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.state
}

// RegisteredTools returns the tools registered with the remote service
func (h *SessionHandle) RegisteredTools() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]string{}, h.registeredTools...)
}

// transition moves the handle to next, enforcing the forward-only
// machine. Transitions to StateError are always permitted.
func (h *SessionHandle) transition(next State) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if next == StateError {
		h.state = StateError
		return nil
	}
	for _, allowed := range validTransitions[h.state] {
		if allowed == next {
			h.state = next
			return nil
		}
	}
	return fmt.Errorf("invalid session state transition %s -> %s", h.state, next)
}

func (h *SessionHandle) setRegisteredTools(names []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.registeredTools = append([]string{}, names...)
}
