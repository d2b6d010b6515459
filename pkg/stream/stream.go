// Package stream wraps the remote bidirectional audio-streaming
// conversation service: session creation, the ordered handshake
// steps, audio transport, and remote tool invocation.
package stream

import "context"

// ToolAction is the callable the remote service invokes for a named
// tool. Implementations always return a protocol response string.
type ToolAction func(ctx context.Context, sessionID, rawInput string, triggeredByAgent bool) string

// ToolSpec is a tool definition in the form the remote protocol wants
type ToolSpec struct {
	Name               string `json:"name"`
	Description        string `json:"description"`
	ProtocolDefinition string `json:"inputSchema"`
}

// EventHandler receives the raw payload of a remote event
type EventHandler func(payload []byte)

// Remote wire event names
const (
	EventSessionCreated   = "sessionCreated"
	EventSessionInitiated = "sessionInitiated"
	EventPromptStarted    = "promptStarted"
	EventPromptConfigured = "promptConfigured"
	EventAudioReady       = "audioReady"
	EventToolUse          = "toolUse"
	EventToolResult       = "toolResult"
	EventContentStart     = "contentStart"
	EventTextOutput       = "textOutput"
	EventAudioOutput      = "audioOutput"
	EventContentEnd       = "contentEnd"
	EventStreamComplete   = "streamComplete"
	EventError            = "error"
)

// Service creates sessions and owns the tool table shared by them
type Service interface {
	// CreateSession opens a new remote session and starts its event
	// dispatch loop.
	CreateSession(ctx context.Context) (Session, error)

	// SetTool registers a named tool callable. Registering the same
	// name again replaces the previous entry.
	SetTool(name, protocolDefinition string, action ToolAction)
}

// Session is one end-to-end streaming conversation instance. The four
// setup calls (Initiate, SetupPromptStart, SetupSystemPrompt,
// SetupStartAudio) must run in that order; each blocks until the
// remote service acknowledges its step.
type Session interface {
	ID() string

	// OnEvent subscribes to a named remote event
	OnEvent(name string, h EventHandler)

	// Initiate registers the given tool specs with the remote service
	// and completes the initiate step
	Initiate(ctx context.Context, tools []ToolSpec) error

	SetupPromptStart(ctx context.Context) error
	SetupSystemPrompt(ctx context.Context, text string) error
	SetupStartAudio(ctx context.Context) error

	// StreamAudio forwards one chunk of captured audio
	StreamAudio(ctx context.Context, audio []byte) error

	EndAudioContent(ctx context.Context) error
	EndPrompt(ctx context.Context) error
	Close() error
}
