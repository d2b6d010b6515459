// Package lifecycle orchestrates session setup and teardown against
// capability readiness and credential validity: it decides when
// initialization tools run and when the remote session opens.
package lifecycle

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/harun/vocera/internal/config"
	"github.com/harun/vocera/internal/observability"
	"github.com/harun/vocera/pkg/bus"
	"github.com/harun/vocera/pkg/capability"
	"github.com/harun/vocera/pkg/execctx"
	"github.com/harun/vocera/pkg/params"
	"github.com/harun/vocera/pkg/sandbox"
	"github.com/harun/vocera/pkg/stream"
	"github.com/harun/vocera/pkg/toolcatalog"
	"github.com/rs/zerolog/log"
)

// DefaultCleanupTimeout bounds the ordered disconnect sequence before
// the session is force-closed.
const DefaultCleanupTimeout = 3 * time.Second

// credentialsExpiredReason is recorded when the credential gate skips
// init tools; the skip is retryable once authentication completes.
const credentialsExpiredReason = "Stored credentials have expired"

// Options configures a Coordinator
type Options struct {
	Bus      *bus.Bus
	Registry *capability.Registry
	Store    config.Store
	Service  stream.Service

	// ExpectedCapabilities gates init-tool execution; empty means no
	// readiness wait.
	ExpectedCapabilities []string

	// Runtime is the opaque host handle advanced scripts receive
	Runtime interface{}

	WaitOptions    capability.WaitOptions
	CleanupTimeout time.Duration
}

// Coordinator sequences session creation, tool registration, prompt
// setup, audio flow, and teardown. One coordinator serves one session
// at a time; a new session can only be created after the previous
// handle is cleared.
type Coordinator struct {
	bus      *bus.Bus
	registry *capability.Registry
	store    config.Store
	service  stream.Service

	parameters *params.Store
	storage    *execctx.ScopedStore
	builder    *execctx.Builder
	loader     *toolcatalog.Loader

	expected       []string
	waitOpts       capability.WaitOptions
	cleanupTimeout time.Duration

	tools           []*toolcatalog.ProcessedTool
	handle          *SessionHandle
	initSkipReason  string
	readinessWaited bool
	mu              sync.Mutex
}

// NewCoordinator wires the coordinator and subscribes it to the bus
func NewCoordinator(opts Options) *Coordinator {
	if opts.CleanupTimeout <= 0 {
		opts.CleanupTimeout = DefaultCleanupTimeout
	}

	agentCfg := opts.Store.AgentConfig()
	parameters := params.NewStore(agentCfg.GlobalParameters)
	storage := execctx.NewScopedStore()
	if err := storage.StartJanitor("@every 1m"); err != nil {
		log.Warn().Err(err).Msg("Scratch storage janitor failed to start")
	}
	builder := execctx.NewBuilder(opts.Registry, parameters, storage, opts.Runtime)
	loader := toolcatalog.NewLoader(sandbox.NewInterpreter(), builder.Provider())

	c := &Coordinator{
		bus:            opts.Bus,
		registry:       opts.Registry,
		store:          opts.Store,
		service:        opts.Service,
		parameters:     parameters,
		storage:        storage,
		builder:        builder,
		loader:         loader,
		expected:       opts.ExpectedCapabilities,
		waitOpts:       opts.WaitOptions,
		cleanupTimeout: opts.CleanupTimeout,
	}

	c.reloadTools(agentCfg)
	c.subscribe()

	c.registry.OnChange(func() {
		observability.SetCapabilityCount(len(c.registry.Names()))
		observability.RecordContextRebuild()

		// A skipped init batch retries once the auth surface mounts;
		// the credential gate is re-checked inside the retry.
		if _, ok := c.registry.Get(execctx.AuthCapabilityName); ok && c.InitSkipReason() != "" {
			go c.RetryInitTools(context.Background())
		}
	})

	return c
}

// subscribe wires bus commands to coordinator operations. The
// four-step setup runs inside Start, so its order is enforced by the
// coordinator rather than by caller discipline; each completed step
// is announced back on the bus.
func (c *Coordinator) subscribe() {
	c.bus.Subscribe(bus.TypeCreateSession, func(e bus.Event) {
		if err := c.Start(context.Background()); err != nil {
			c.publishError("", "session startup failed", err)
		}
	})
	c.bus.Subscribe(bus.TypeAudioInput, func(e bus.Event) {
		in := e.(bus.AudioInput)
		if err := c.StreamAudio(context.Background(), in.Base64PCM); err != nil {
			c.publishError(in.SessionID, "audio streaming failed", err)
		}
	})
	c.bus.Subscribe(bus.TypeStopAudio, func(e bus.Event) {
		c.StopAudio(context.Background())
	})
	c.bus.Subscribe(bus.TypeDisconnect, func(e bus.Event) {
		c.Disconnect(context.Background())
	})
}

// ReloadConfig applies a freshly loaded configuration: parameters and
// the tool catalog rebuild immediately; a live session keeps the tools
// it registered and picks up the new catalog on its next handshake.
func (c *Coordinator) ReloadConfig() {
	agentCfg := c.store.AgentConfig()

	for _, p := range agentCfg.GlobalParameters {
		c.parameters.Set(p)
	}
	c.reloadTools(agentCfg)
}

func (c *Coordinator) reloadTools(agentCfg config.AgentConfig) {
	tools := c.loader.Load(agentCfg.Tools)

	c.mu.Lock()
	c.tools = tools
	c.mu.Unlock()

	// Tool callables register with the service eagerly so the remote
	// side can resolve them as soon as a session initiates
	for _, tool := range tools {
		c.service.SetTool(tool.Name, tool.ProtocolDefinition, stream.ToolAction(tool.Action))
	}
}

// Tools returns the current processed catalog
func (c *Coordinator) Tools() []*toolcatalog.ProcessedTool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*toolcatalog.ProcessedTool{}, c.tools...)
}

// Handle returns the active session handle, if any
func (c *Coordinator) Handle() *SessionHandle {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handle
}

// Start runs the full startup sequence: readiness wait, session
// creation, the ordered handshake, then initialization tools.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.handle != nil {
		c.mu.Unlock()
		return fmt.Errorf("a session is already active; disconnect before creating a new one")
	}
	c.mu.Unlock()

	c.waitForCapabilities(ctx)

	handle, err := c.createSession(ctx)
	if err != nil {
		return err
	}

	if err := c.handshake(ctx, handle); err != nil {
		// Completed steps stay completed; the failure has already
		// been surfaced as an error event
		return err
	}

	c.runInitTools(ctx, handle)
	return nil
}

// waitForCapabilities blocks for the expected set, degrading to
// proceed-anyway when the attempt budget runs out.
func (c *Coordinator) waitForCapabilities(ctx context.Context) {
	if len(c.expected) == 0 {
		c.mu.Lock()
		c.readinessWaited = true
		c.mu.Unlock()
		return
	}

	missing, err := c.registry.WaitReady(ctx, c.expected, c.waitOpts)
	if err != nil {
		log.Warn().Err(err).Msg("Capability readiness wait interrupted")
	}
	if len(missing) > 0 {
		observability.RecordReadinessDegraded()
	}

	c.mu.Lock()
	c.readinessWaited = true
	c.mu.Unlock()
}

// createSession opens the remote session and publishes sessionCreated
func (c *Coordinator) createSession(ctx context.Context) (*SessionHandle, error) {
	session, err := c.service.CreateSession(ctx)
	if err != nil {
		c.publishError("", "failed to create stream session", err)
		return nil, err
	}

	handle := newSessionHandle(session.ID(), session)

	c.mu.Lock()
	c.handle = handle
	c.mu.Unlock()

	c.bindRemoteEvents(session)

	observability.RecordSessionCreated()
	observability.SetActiveSessions(1)

	log.Info().Str("session", session.ID()).Msg("Session created")
	c.bus.Publish(bus.SessionCreated{SessionID: session.ID()})

	return handle, nil
}

// handshake drives the strictly sequential setup: tools register with
// the remote service before initiation, the system prompt goes out
// after initiation and before audio opens.
func (c *Coordinator) handshake(ctx context.Context, handle *SessionHandle) error {
	start := time.Now()
	session := handle.session
	agentCfg := c.store.AgentConfig()

	tools := c.Tools()
	specs := make([]stream.ToolSpec, 0, len(tools))
	names := make([]string, 0, len(tools))
	for _, tool := range tools {
		specs = append(specs, stream.ToolSpec{
			Name:               tool.Name,
			Description:        tool.Description,
			ProtocolDefinition: tool.ProtocolDefinition,
		})
		names = append(names, tool.Name)
	}

	c.bus.Publish(bus.InitiateSession{SessionID: handle.ID(), Tools: names})
	if err := session.Initiate(ctx, specs); err != nil {
		return c.handshakeFailed(handle, "initiate", err)
	}
	handle.setRegisteredTools(names)
	c.setState(handle, StateToolsRegistered)
	c.bus.Publish(bus.SessionInitiated{SessionID: handle.ID()})

	if err := session.SetupPromptStart(ctx); err != nil {
		return c.handshakeFailed(handle, "promptStart", err)
	}
	c.bus.Publish(bus.PromptStart{SessionID: handle.ID()})
	if err := session.SetupSystemPrompt(ctx, agentCfg.SystemPrompt); err != nil {
		return c.handshakeFailed(handle, "systemPrompt", err)
	}
	c.setState(handle, StatePromptConfigured)
	c.bus.Publish(bus.SystemPrompt{SessionID: handle.ID(), Text: agentCfg.SystemPrompt})

	if err := session.SetupStartAudio(ctx); err != nil {
		return c.handshakeFailed(handle, "audioStart", err)
	}
	c.setState(handle, StateAudioReady)
	c.bus.Publish(bus.AudioStart{SessionID: handle.ID()})

	observability.RecordHandshakeDuration(time.Since(start))
	log.Info().
		Str("session", handle.ID()).
		Int("tools", len(names)).
		Msg("Session handshake complete")

	return nil
}

func (c *Coordinator) handshakeFailed(handle *SessionHandle, step string, err error) error {
	observability.RecordHandshakeFailure(step)
	c.setState(handle, StateError)
	c.publishError(handle.ID(), fmt.Sprintf("handshake step %s failed", step), err)
	return fmt.Errorf("handshake step %s: %w", step, err)
}

// setState applies a lifecycle transition. A rejected move means a
// concurrent teardown already advanced the handle; the session keeps
// its current state, and the rejection is logged rather than dropped.
func (c *Coordinator) setState(handle *SessionHandle, next State) {
	if err := handle.transition(next); err != nil {
		log.Debug().
			Err(err).
			Str("session", handle.ID()).
			Str("target", string(next)).
			Msg("Session state transition rejected")
	}
}

// runInitTools executes the run-after-init subset in catalog order.
// Two independent gates must hold: capability readiness has been
// attempted, and the stored credential session is valid. A failed
// credential gate skips the batch with a recorded reason; it is not a
// failure, and RetryInitTools reruns it once authentication completes.
func (c *Coordinator) runInitTools(ctx context.Context, handle *SessionHandle) {
	initTools := toolcatalog.FilterInitTools(c.Tools())
	if len(initTools) == 0 {
		return
	}

	c.mu.Lock()
	waited := c.readinessWaited
	c.mu.Unlock()
	if !waited {
		c.mu.Lock()
		c.initSkipReason = "capability readiness not yet attempted"
		c.mu.Unlock()
		observability.RecordInitToolsSkipped("readiness")
		return
	}

	if !c.store.IsSessionValid() {
		c.mu.Lock()
		c.initSkipReason = credentialsExpiredReason
		c.mu.Unlock()
		observability.RecordInitToolsSkipped("credentials")
		log.Warn().
			Str("session", handle.ID()).
			Str("reason", credentialsExpiredReason).
			Msg("Skipping initialization tools")
		return
	}

	c.mu.Lock()
	c.initSkipReason = ""
	c.mu.Unlock()

	for _, tool := range initTools {
		log.Info().Str("tool", tool.Name).Msg("Running initialization tool")
		result := tool.Action(ctx, handle.ID(), "{}", false)
		c.bus.Publish(bus.ToolResult{
			SessionID: handle.ID(),
			ToolName:  tool.Name,
			Result:    result,
		})
	}
}

// InitSkipReason reports why the last init-tool batch was skipped, if
// it was.
func (c *Coordinator) InitSkipReason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.initSkipReason
}

// RetryInitTools reruns the init batch if it was previously skipped.
// Call it after authentication completes.
func (c *Coordinator) RetryInitTools(ctx context.Context) {
	c.mu.Lock()
	reason := c.initSkipReason
	handle := c.handle
	c.mu.Unlock()

	if reason == "" || handle == nil {
		return
	}
	log.Info().Str("previous_reason", reason).Msg("Retrying initialization tools")
	c.runInitTools(ctx, handle)
}

// StreamAudio forwards one base64 PCM chunk to the remote session
func (c *Coordinator) StreamAudio(ctx context.Context, base64PCM string) error {
	handle := c.Handle()
	if handle == nil {
		return fmt.Errorf("no active session")
	}

	switch handle.State() {
	case StateAudioReady:
		c.setState(handle, StateStreaming)
	case StateStreaming:
	default:
		return fmt.Errorf("session %s is not ready for audio (state %s)", handle.ID(), handle.State())
	}

	audio, err := base64.StdEncoding.DecodeString(base64PCM)
	if err != nil {
		return fmt.Errorf("invalid audio payload: %w", err)
	}
	return handle.session.StreamAudio(ctx, audio)
}

// StopAudio performs forward-only stream teardown: the audio content
// and prompt end, but the session stays open for a later disconnect.
func (c *Coordinator) StopAudio(ctx context.Context) {
	handle := c.Handle()
	if handle == nil {
		return
	}

	if err := handle.session.EndAudioContent(ctx); err != nil {
		log.Warn().Err(err).Str("session", handle.ID()).Msg("endAudioContent failed")
	}
	if err := handle.session.EndPrompt(ctx); err != nil {
		log.Warn().Err(err).Str("session", handle.ID()).Msg("endPrompt failed")
	}

	log.Info().Str("session", handle.ID()).Msg("Audio stream stopped")
}

// Disconnect races the ordered cleanup sequence (end audio, end
// prompt, close) against the cleanup timeout. On timeout the session
// is force-closed rather than left half-open. The handle is cleared
// either way; only then can a new session be created.
func (c *Coordinator) Disconnect(ctx context.Context) {
	c.mu.Lock()
	handle := c.handle
	c.mu.Unlock()
	if handle == nil {
		return
	}

	c.setState(handle, StateClosing)

	done := make(chan struct{})
	go func() {
		defer close(done)
		session := handle.session
		if err := session.EndAudioContent(ctx); err != nil {
			log.Warn().Err(err).Msg("Cleanup endAudioContent failed")
		}
		if err := session.EndPrompt(ctx); err != nil {
			log.Warn().Err(err).Msg("Cleanup endPrompt failed")
		}
		if err := session.Close(); err != nil {
			log.Warn().Err(err).Msg("Cleanup close failed")
		}
	}()

	select {
	case <-done:
		log.Info().Str("session", handle.ID()).Msg("Session closed cleanly")
	case <-time.After(c.cleanupTimeout):
		log.Warn().
			Str("session", handle.ID()).
			Dur("timeout", c.cleanupTimeout).
			Msg("Cleanup timed out, force-closing session")
		if err := handle.session.Close(); err != nil {
			log.Warn().Err(err).Msg("Force close failed")
		}
	}

	c.setState(handle, StateClosed)
	c.clearSession(handle)
}

// clearSession drops per-session state so a new session can begin
func (c *Coordinator) clearSession(handle *SessionHandle) {
	c.storage.DropScope(handle.ID())

	c.mu.Lock()
	if c.handle == handle {
		c.handle = nil
	}
	c.mu.Unlock()

	observability.SetActiveSessions(0)
	c.bus.Publish(bus.StreamComplete{SessionID: handle.ID()})
}

// bindRemoteEvents republishes remote wire events as typed bus events
func (c *Coordinator) bindRemoteEvents(session stream.Session) {
	sessionID := session.ID()

	session.OnEvent(stream.EventToolUse, func(payload []byte) {
		var body struct {
			ToolUseID string `json:"toolUseId"`
			ToolName  string `json:"toolName"`
			Input     string `json:"input"`
		}
		json.Unmarshal(payload, &body)
		c.bus.Publish(bus.ToolUse{
			SessionID: sessionID,
			ToolName:  body.ToolName,
			ToolUseID: body.ToolUseID,
			Input:     body.Input,
		})
	})
	session.OnEvent(stream.EventToolResult, func(payload []byte) {
		var body struct {
			ToolUseID string `json:"toolUseId"`
			ToolName  string `json:"toolName"`
			Result    string `json:"result"`
		}
		json.Unmarshal(payload, &body)
		c.bus.Publish(bus.ToolResult{
			SessionID: sessionID,
			ToolName:  body.ToolName,
			ToolUseID: body.ToolUseID,
			Result:    body.Result,
		})
	})
	session.OnEvent(stream.EventContentStart, func(payload []byte) {
		var body struct {
			Role string `json:"role"`
			Type string `json:"type"`
		}
		json.Unmarshal(payload, &body)
		c.bus.Publish(bus.ContentStart{SessionID: sessionID, Role: body.Role, ContentType: body.Type})
	})
	session.OnEvent(stream.EventTextOutput, func(payload []byte) {
		var body struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		}
		json.Unmarshal(payload, &body)
		c.bus.Publish(bus.TextOutput{SessionID: sessionID, Role: body.Role, Content: body.Content})
	})
	session.OnEvent(stream.EventAudioOutput, func(payload []byte) {
		var body struct {
			Content string `json:"content"`
		}
		json.Unmarshal(payload, &body)
		c.bus.Publish(bus.AudioOutput{SessionID: sessionID, Content: body.Content})
	})
	session.OnEvent(stream.EventContentEnd, func(payload []byte) {
		var body struct {
			Role       string `json:"role"`
			Type       string `json:"type"`
			StopReason string `json:"stopReason"`
		}
		json.Unmarshal(payload, &body)
		c.bus.Publish(bus.ContentEnd{
			SessionID:   sessionID,
			Role:        body.Role,
			ContentType: body.Type,
			StopReason:  body.StopReason,
		})
	})
	session.OnEvent(stream.EventStreamComplete, func(payload []byte) {
		c.bus.Publish(bus.StreamComplete{SessionID: sessionID})
	})
	session.OnEvent(stream.EventError, func(payload []byte) {
		var body struct {
			Message string `json:"message"`
			Details string `json:"details"`
		}
		json.Unmarshal(payload, &body)
		// Remote protocol errors surface to the UI; there is no
		// automatic retry
		c.bus.Publish(bus.Error{SessionID: sessionID, Message: body.Message, Details: body.Details})
	})
}

func (c *Coordinator) publishError(sessionID, message string, err error) {
	log.Error().Err(err).Str("session", sessionID).Msg(message)
	c.bus.Publish(bus.Error{
		SessionID: sessionID,
		Message:   message,
		Details:   err.Error(),
	})
}
