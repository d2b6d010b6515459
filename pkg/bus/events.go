// Package bus is the in-process dispatch point sequencing session
// creation, tool registration, prompt setup, audio flow, and error
// propagation between the UI surfaces and the lifecycle coordinator.
package bus

// EventType tags every event with a member of a closed set
type EventType string

const (
	TypeCreateSession    EventType = "createSession"
	TypeSessionCreated   EventType = "sessionCreated"
	TypeInitiateSession  EventType = "initiateSession"
	TypeSessionInitiated EventType = "sessionInitiated"
	TypePromptStart      EventType = "promptStart"
	TypeSystemPrompt     EventType = "systemPrompt"
	TypeAudioStart       EventType = "audioStart"
	TypeAudioInput       EventType = "audioInput"
	TypeStopAudio        EventType = "stopAudio"
	TypeDisconnect       EventType = "disconnect"
	TypeError            EventType = "error"
	TypeToolUse          EventType = "toolUse"
	TypeToolResult       EventType = "toolResult"
	TypeContentStart     EventType = "contentStart"
	TypeTextOutput       EventType = "textOutput"
	TypeAudioOutput      EventType = "audioOutput"
	TypeContentEnd       EventType = "contentEnd"
	TypeStreamComplete   EventType = "streamComplete"
)

// Event is a tagged payload dispatched over the bus
type Event interface {
	Type() EventType
}

// CreateSession asks the coordinator to open a new remote session
type CreateSession struct{}

func (CreateSession) Type() EventType { return TypeCreateSession }

// SessionCreated announces the remote session id
type SessionCreated struct {
	SessionID string
}

func (SessionCreated) Type() EventType { return TypeSessionCreated }

// InitiateSession asks the coordinator to register tools and initiate
type InitiateSession struct {
	SessionID string
	Tools     []string
}

func (InitiateSession) Type() EventType { return TypeInitiateSession }

// SessionInitiated confirms the remote handshake step
type SessionInitiated struct {
	SessionID string
}

func (SessionInitiated) Type() EventType { return TypeSessionInitiated }

// PromptStart opens the prompt phase
type PromptStart struct {
	SessionID string
}

func (PromptStart) Type() EventType { return TypePromptStart }

// SystemPrompt carries the instruction text sent after initiation and
// before audio opens
type SystemPrompt struct {
	SessionID string
	Text      string
}

func (SystemPrompt) Type() EventType { return TypeSystemPrompt }

// AudioStart opens the audio channel
type AudioStart struct {
	SessionID string
}

func (AudioStart) Type() EventType { return TypeAudioStart }

// AudioInput carries one chunk of captured audio
type AudioInput struct {
	SessionID string
	Base64PCM string
}

func (AudioInput) Type() EventType { return TypeAudioInput }

// StopAudio requests forward-only stream teardown
type StopAudio struct {
	SessionID string
}

func (StopAudio) Type() EventType { return TypeStopAudio }

// Disconnect requests full session teardown
type Disconnect struct {
	SessionID string
}

func (Disconnect) Type() EventType { return TypeDisconnect }

// Error surfaces a failure for UI display; it never unwinds completed
// handshake steps
type Error struct {
	SessionID string
	Message   string
	Details   string
}

func (Error) Type() EventType { return TypeError }

// ToolUse announces a remote tool invocation in progress
type ToolUse struct {
	SessionID string
	ToolName  string
	ToolUseID string
	Input     string
}

func (ToolUse) Type() EventType { return TypeToolUse }

// ToolResult carries the response returned for a tool invocation
type ToolResult struct {
	SessionID string
	ToolName  string
	ToolUseID string
	Result    string
}

func (ToolResult) Type() EventType { return TypeToolResult }

// ContentStart opens a remote content block
type ContentStart struct {
	SessionID   string
	Role        string
	ContentType string
}

func (ContentStart) Type() EventType { return TypeContentStart }

// TextOutput carries remote transcript text
type TextOutput struct {
	SessionID string
	Role      string
	Content   string
}

func (TextOutput) Type() EventType { return TypeTextOutput }

// AudioOutput carries remote synthesized audio
type AudioOutput struct {
	SessionID string
	Content   string
}

func (AudioOutput) Type() EventType { return TypeAudioOutput }

// ContentEnd closes a remote content block
type ContentEnd struct {
	SessionID   string
	Role        string
	ContentType string
	StopReason  string
}

func (ContentEnd) Type() EventType { return TypeContentEnd }

// StreamComplete announces the end of the remote stream
type StreamComplete struct {
	SessionID string
}

func (StreamComplete) Type() EventType { return TypeStreamComplete }
