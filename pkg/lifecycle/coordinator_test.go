package lifecycle

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/harun/vocera/internal/config"
	"github.com/harun/vocera/pkg/bus"
	"github.com/harun/vocera/pkg/capability"
	"github.com/harun/vocera/pkg/params"
	"github.com/harun/vocera/pkg/stream"
	"github.com/harun/vocera/pkg/toolcatalog"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeService is an in-memory stream.Service recording every call
type fakeService struct {
	tools    map[string]int // registration count per tool
	sessions []*fakeSession
	mu       sync.Mutex
}

func newFakeService() *fakeService {
	return &fakeService{tools: make(map[string]int)}
}

func (f *fakeService) SetTool(name, protocolDefinition string, action stream.ToolAction) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tools[name]++
}

func (f *fakeService) CreateSession(ctx context.Context) (stream.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sess := &fakeSession{
		id:       "fake-session",
		handlers: make(map[string][]stream.EventHandler),
	}
	f.sessions = append(f.sessions, sess)
	return sess, nil
}

// fakeSession records the handshake call sequence and supports
// injected step failures and slow teardown.
type fakeSession struct {
	id        string
	calls     []string
	initiated []stream.ToolSpec
	prompt    string
	audio     [][]byte
	handlers  map[string][]stream.EventHandler

	failStep   string
	slowClose  time.Duration
	closeCalls int
	mu         sync.Mutex
}

func (s *fakeSession) record(call string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, call)
	if s.failStep == call {
		return assert.AnError
	}
	return nil
}

func (s *fakeSession) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string{}, s.calls...)
}

func (s *fakeSession) ID() string { return s.id }

func (s *fakeSession) OnEvent(name string, h stream.EventHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[name] = append(s.handlers[name], h)
}

func (s *fakeSession) emit(name string, payload interface{}) {
	raw, _ := json.Marshal(payload)
	s.mu.Lock()
	handlers := append([]stream.EventHandler{}, s.handlers[name]...)
	s.mu.Unlock()
	for _, h := range handlers {
		h(raw)
	}
}

func (s *fakeSession) Initiate(ctx context.Context, tools []stream.ToolSpec) error {
	s.mu.Lock()
	s.initiated = append([]stream.ToolSpec{}, tools...)
	s.mu.Unlock()
	return s.record("initiate")
}

func (s *fakeSession) SetupPromptStart(ctx context.Context) error {
	return s.record("promptStart")
}

func (s *fakeSession) SetupSystemPrompt(ctx context.Context, text string) error {
	s.mu.Lock()
	s.prompt = text
	s.mu.Unlock()
	return s.record("systemPrompt")
}

func (s *fakeSession) SetupStartAudio(ctx context.Context) error {
	return s.record("audioStart")
}

func (s *fakeSession) StreamAudio(ctx context.Context, audio []byte) error {
	s.mu.Lock()
	s.audio = append(s.audio, audio)
	s.mu.Unlock()
	return s.record("streamAudio")
}

func (s *fakeSession) EndAudioContent(ctx context.Context) error {
	return s.record("endAudioContent")
}

func (s *fakeSession) EndPrompt(ctx context.Context) error {
	return s.record("endPrompt")
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	s.closeCalls++
	first := s.closeCalls == 1
	s.mu.Unlock()
	// Only the first close is slow; a force-close returns immediately
	if first && s.slowClose > 0 {
		time.Sleep(s.slowClose)
	}
	return s.record("close")
}

// fakeStore is an in-memory config.Store
type fakeStore struct {
	cfg   config.AgentConfig
	creds config.CredentialsConfig
	mu    sync.Mutex
}

func (f *fakeStore) AgentConfig() config.AgentConfig {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cfg
}

func (f *fakeStore) Credentials() config.CredentialsConfig {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.creds
}

func (f *fakeStore) IsSessionValid() bool {
	return f.Credentials().Valid()
}

func (f *fakeStore) setCredentials(creds config.CredentialsConfig) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creds = creds
}

func validCreds() config.CredentialsConfig {
	return config.CredentialsConfig{
		AccessKeyID:     "AKID",
		SecretAccessKey: "secret",
		Expiration:      time.Now().Add(time.Hour),
	}
}

func expiredCreds() config.CredentialsConfig {
	return config.CredentialsConfig{
		AccessKeyID:     "AKID",
		SecretAccessKey: "secret",
		Expiration:      time.Now().Add(-time.Minute),
	}
}

const markerScript = `
func Execute(p map[string]interface{}) (interface{}, error) {
	utils := p["utils"].(map[string]interface{})
	put := utils["storagePut"].(func(string, interface{}, int))
	name, _ := p["toolName"].(string)
	put("ran:"+name, true, 0)
	return "ok:" + name, nil
}
`

func fastWait() capability.WaitOptions {
	return capability.WaitOptions{PollInterval: 5 * time.Millisecond, MaxAttempts: 10}
}

func registerBasics(t *testing.T, registry *capability.Registry, names ...string) {
	t.Helper()
	for _, name := range names {
		require.NoError(t, registry.Register(capability.Registration{
			Name:    name,
			Methods: map[string]capability.Method{},
		}))
	}
}

func TestCoordinator_HandshakeSequence(t *testing.T) {
	b := bus.New()
	registry := capability.NewRegistry()
	service := newFakeService()
	store := &fakeStore{
		cfg: config.AgentConfig{
			SystemPrompt: "You are a barista.",
			Tools: []toolcatalog.Definition{
				{Name: "t1", Script: markerScript, Order: 1},
				{Name: "t2", Script: markerScript, Order: 2},
			},
		},
		creds: validCreds(),
	}

	c := NewCoordinator(Options{
		Bus:         b,
		Registry:    registry,
		Store:       store,
		Service:     service,
		WaitOptions: fastWait(),
	})

	var created []string
	b.Subscribe(bus.TypeSessionCreated, func(e bus.Event) {
		created = append(created, e.(bus.SessionCreated).SessionID)
	})

	require.NoError(t, c.Start(context.Background()))

	handle := c.Handle()
	require.NotNil(t, handle)
	assert.Equal(t, StateAudioReady, handle.State())
	assert.Equal(t, []string{"t1", "t2"}, handle.RegisteredTools())
	assert.Equal(t, []string{"fake-session"}, created)

	// Each tool registered with the remote wrapper exactly once
	assert.Equal(t, 1, service.tools["t1"])
	assert.Equal(t, 1, service.tools["t2"])

	sess := service.sessions[0]
	assert.Equal(t, []string{"initiate", "promptStart", "systemPrompt", "audioStart"}, sess.Calls())
	assert.Equal(t, "You are a barista.", sess.prompt)

	// Tool definitions reached the remote before initiation completed
	require.Len(t, sess.initiated, 2)
	assert.Equal(t, "t1", sess.initiated[0].Name)
}

func TestCoordinator_InitToolsRunInOrder(t *testing.T) {
	b := bus.New()
	registry := capability.NewRegistry()
	service := newFakeService()
	store := &fakeStore{
		cfg: config.AgentConfig{
			Tools: []toolcatalog.Definition{
				{Name: "second", Script: markerScript, Order: 2, RunAfterInit: true},
				{Name: "first", Script: markerScript, Order: 1, RunAfterInit: true},
			},
		},
		creds: validCreds(),
	}

	c := NewCoordinator(Options{
		Bus:         b,
		Registry:    registry,
		Store:       store,
		Service:     service,
		WaitOptions: fastWait(),
	})

	var results []string
	b.Subscribe(bus.TypeToolResult, func(e bus.Event) {
		results = append(results, e.(bus.ToolResult).ToolName)
	})

	require.NoError(t, c.Start(context.Background()))

	// order=1 strictly before order=2
	assert.Equal(t, []string{"first", "second"}, results)
	assert.Empty(t, c.InitSkipReason())
}

func TestCoordinator_DegradedCapabilitySetStillRunsInitTools(t *testing.T) {
	b := bus.New()
	registry := capability.NewRegistry()
	registerBasics(t, registry, "app", "chat", "ui", "auth")

	service := newFakeService()
	store := &fakeStore{
		cfg: config.AgentConfig{
			Tools: []toolcatalog.Definition{
				{Name: "boot", Script: markerScript, Order: 1, RunAfterInit: true},
			},
		},
		creds: validCreds(),
	}

	c := NewCoordinator(Options{
		Bus:      b,
		Registry: registry,
		Store:    store,
		Service:  service,
		// menu and cart never mount; the wait degrades to proceed
		ExpectedCapabilities: []string{"app", "chat", "ui", "auth", "menu", "cart"},
		WaitOptions:          fastWait(),
	})

	var results []bus.ToolResult
	b.Subscribe(bus.TypeToolResult, func(e bus.Event) {
		results = append(results, e.(bus.ToolResult))
	})

	start := time.Now()
	require.NoError(t, c.Start(context.Background()))
	assert.Less(t, time.Since(start), 2*time.Second)

	require.Len(t, results, 1)
	assert.Equal(t, "ok:boot", results[0].Result)
}

func TestCoordinator_ExpiredCredentialsSkipInitTools(t *testing.T) {
	b := bus.New()
	registry := capability.NewRegistry()
	service := newFakeService()
	store := &fakeStore{
		cfg: config.AgentConfig{
			Tools: []toolcatalog.Definition{
				{Name: "boot", Script: markerScript, Order: 1, RunAfterInit: true},
			},
		},
		creds: expiredCreds(),
	}

	c := NewCoordinator(Options{
		Bus:         b,
		Registry:    registry,
		Store:       store,
		Service:     service,
		WaitOptions: fastWait(),
	})

	ran := false
	b.Subscribe(bus.TypeToolResult, func(e bus.Event) { ran = true })

	require.NoError(t, c.Start(context.Background()))

	// Skipped, not failed: session is up, init batch recorded a reason
	assert.False(t, ran)
	assert.Equal(t, "Stored credentials have expired", c.InitSkipReason())
	assert.Equal(t, StateAudioReady, c.Handle().State())
}

func TestCoordinator_RetryInitToolsAfterAuth(t *testing.T) {
	b := bus.New()
	registry := capability.NewRegistry()
	service := newFakeService()
	store := &fakeStore{
		cfg: config.AgentConfig{
			Tools: []toolcatalog.Definition{
				{Name: "boot", Script: markerScript, Order: 1, RunAfterInit: true},
			},
		},
		creds: expiredCreds(),
	}

	c := NewCoordinator(Options{
		Bus:         b,
		Registry:    registry,
		Store:       store,
		Service:     service,
		WaitOptions: fastWait(),
	})

	var results []string
	var mu sync.Mutex
	b.Subscribe(bus.TypeToolResult, func(e bus.Event) {
		mu.Lock()
		results = append(results, e.(bus.ToolResult).ToolName)
		mu.Unlock()
	})

	require.NoError(t, c.Start(context.Background()))
	require.Equal(t, "Stored credentials have expired", c.InitSkipReason())

	// Authentication completes: credentials refresh and the auth
	// capability mounts
	store.setCredentials(validCreds())
	require.NoError(t, registry.Register(capability.Registration{
		Name:    "auth",
		Methods: map[string]capability.Method{},
	}))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(results) == 1
	}, 2*time.Second, 10*time.Millisecond)

	assert.Empty(t, c.InitSkipReason())
}

func TestCoordinator_SystemPromptFailureSurfacesError(t *testing.T) {
	b := bus.New()
	registry := capability.NewRegistry()
	store := &fakeStore{cfg: config.AgentConfig{}, creds: validCreds()}

	service := newFakeService()
	failing := &failingService{inner: service, failStep: "systemPrompt"}

	c := NewCoordinator(Options{
		Bus:         b,
		Registry:    registry,
		Store:       store,
		Service:     failing,
		WaitOptions: fastWait(),
	})

	var errs []bus.Error
	b.Subscribe(bus.TypeError, func(e bus.Event) { errs = append(errs, e.(bus.Error)) })

	err := c.Start(context.Background())
	require.Error(t, err)

	// Completed steps stayed completed; the failure surfaced as an
	// error event and the handle reflects the error state
	sess := service.sessions[0]
	assert.Equal(t, []string{"initiate", "promptStart", "systemPrompt"}, sess.Calls())
	require.NotEmpty(t, errs)
	assert.Contains(t, errs[0].Message, "systemPrompt")
	assert.Equal(t, StateError, c.Handle().State())
}

// failingService wraps fakeService to inject a step failure into each
// created session
type failingService struct {
	inner    *fakeService
	failStep string
}

func (f *failingService) SetTool(name, def string, action stream.ToolAction) {
	f.inner.SetTool(name, def, action)
}

func (f *failingService) CreateSession(ctx context.Context) (stream.Session, error) {
	sess, err := f.inner.CreateSession(ctx)
	if err != nil {
		return nil, err
	}
	sess.(*fakeSession).failStep = f.failStep
	return sess, nil
}

func TestCoordinator_StreamAudio(t *testing.T) {
	b := bus.New()
	registry := capability.NewRegistry()
	service := newFakeService()
	store := &fakeStore{cfg: config.AgentConfig{}, creds: validCreds()}

	c := NewCoordinator(Options{
		Bus:         b,
		Registry:    registry,
		Store:       store,
		Service:     service,
		WaitOptions: fastWait(),
	})
	require.NoError(t, c.Start(context.Background()))

	chunk := base64.StdEncoding.EncodeToString([]byte{1, 2, 3, 4})
	require.NoError(t, c.StreamAudio(context.Background(), chunk))

	assert.Equal(t, StateStreaming, c.Handle().State())
	sess := service.sessions[0]
	require.Len(t, sess.audio, 1)
	assert.Equal(t, []byte{1, 2, 3, 4}, sess.audio[0])

	// Invalid base64 is rejected without touching the session
	assert.Error(t, c.StreamAudio(context.Background(), "!!not base64!!"))
}

func TestCoordinator_Disconnect_OrderedCleanup(t *testing.T) {
	b := bus.New()
	registry := capability.NewRegistry()
	service := newFakeService()
	store := &fakeStore{cfg: config.AgentConfig{}, creds: validCreds()}

	c := NewCoordinator(Options{
		Bus:         b,
		Registry:    registry,
		Store:       store,
		Service:     service,
		WaitOptions: fastWait(),
	})
	require.NoError(t, c.Start(context.Background()))

	c.Disconnect(context.Background())

	sess := service.sessions[0]
	calls := sess.Calls()
	assert.Equal(t, []string{"initiate", "promptStart", "systemPrompt", "audioStart",
		"endAudioContent", "endPrompt", "close"}, calls)

	// Handle cleared: a new session can now be created
	assert.Nil(t, c.Handle())
	require.NoError(t, c.Start(context.Background()))
	assert.Len(t, service.sessions, 2)
}

func TestCoordinator_Disconnect_TimeoutForcesClose(t *testing.T) {
	b := bus.New()
	registry := capability.NewRegistry()
	service := newFakeService()
	store := &fakeStore{cfg: config.AgentConfig{}, creds: validCreds()}

	c := NewCoordinator(Options{
		Bus:            b,
		Registry:       registry,
		Store:          store,
		Service:        service,
		WaitOptions:    fastWait(),
		CleanupTimeout: 50 * time.Millisecond,
	})
	require.NoError(t, c.Start(context.Background()))

	sess := service.sessions[0]
	sess.slowClose = time.Second

	start := time.Now()
	c.Disconnect(context.Background())

	// Force-closed well before the slow teardown would finish
	assert.Less(t, time.Since(start), time.Second)
	assert.Nil(t, c.Handle())
}

func TestCoordinator_SecondStartWithoutDisconnectFails(t *testing.T) {
	b := bus.New()
	registry := capability.NewRegistry()
	service := newFakeService()
	store := &fakeStore{cfg: config.AgentConfig{}, creds: validCreds()}

	c := NewCoordinator(Options{
		Bus:         b,
		Registry:    registry,
		Store:       store,
		Service:     service,
		WaitOptions: fastWait(),
	})
	require.NoError(t, c.Start(context.Background()))
	assert.Error(t, c.Start(context.Background()))
}

func TestCoordinator_RemoteEventsRepublishOnBus(t *testing.T) {
	b := bus.New()
	registry := capability.NewRegistry()
	service := newFakeService()
	store := &fakeStore{cfg: config.AgentConfig{}, creds: validCreds()}

	c := NewCoordinator(Options{
		Bus:         b,
		Registry:    registry,
		Store:       store,
		Service:     service,
		WaitOptions: fastWait(),
	})

	var texts []bus.TextOutput
	var errs []bus.Error
	b.Subscribe(bus.TypeTextOutput, func(e bus.Event) { texts = append(texts, e.(bus.TextOutput)) })
	b.Subscribe(bus.TypeError, func(e bus.Event) { errs = append(errs, e.(bus.Error)) })

	require.NoError(t, c.Start(context.Background()))
	sess := service.sessions[0]

	sess.emit(stream.EventTextOutput, map[string]string{"role": "assistant", "content": "hi"})
	require.Len(t, texts, 1)
	assert.Equal(t, "assistant", texts[0].Role)
	assert.Equal(t, "hi", texts[0].Content)

	sess.emit(stream.EventError, map[string]string{"message": "remote fault", "details": "code 500"})
	require.Len(t, errs, 1)
	assert.Equal(t, "remote fault", errs[0].Message)
}

func TestCoordinator_HandshakeStepsPublishOnBus(t *testing.T) {
	b := bus.New()
	registry := capability.NewRegistry()
	service := newFakeService()
	store := &fakeStore{
		cfg: config.AgentConfig{
			SystemPrompt: "You are a barista.",
			Tools: []toolcatalog.Definition{
				{Name: "t1", Script: markerScript, Order: 1},
			},
		},
		creds: validCreds(),
	}

	c := NewCoordinator(Options{
		Bus:         b,
		Registry:    registry,
		Store:       store,
		Service:     service,
		WaitOptions: fastWait(),
	})

	var steps []string
	b.Subscribe(bus.TypeInitiateSession, func(e bus.Event) {
		ev := e.(bus.InitiateSession)
		assert.Equal(t, []string{"t1"}, ev.Tools)
		steps = append(steps, "initiateSession")
	})
	b.Subscribe(bus.TypeSessionInitiated, func(e bus.Event) {
		steps = append(steps, "sessionInitiated")
	})
	b.Subscribe(bus.TypePromptStart, func(e bus.Event) {
		steps = append(steps, "promptStart")
	})
	b.Subscribe(bus.TypeSystemPrompt, func(e bus.Event) {
		ev := e.(bus.SystemPrompt)
		assert.Equal(t, "You are a barista.", ev.Text)
		steps = append(steps, "systemPrompt")
	})
	b.Subscribe(bus.TypeAudioStart, func(e bus.Event) {
		ev := e.(bus.AudioStart)
		assert.Equal(t, "fake-session", ev.SessionID)
		steps = append(steps, "audioStart")
	})

	require.NoError(t, c.Start(context.Background()))

	// Every handshake step announces itself, in handshake order
	assert.Equal(t, []string{"initiateSession", "sessionInitiated",
		"promptStart", "systemPrompt", "audioStart"}, steps)
}

func TestCoordinator_RemoteToolInvocationsRepublishOnBus(t *testing.T) {
	b := bus.New()
	registry := capability.NewRegistry()
	service := newFakeService()
	store := &fakeStore{cfg: config.AgentConfig{}, creds: validCreds()}

	c := NewCoordinator(Options{
		Bus:         b,
		Registry:    registry,
		Store:       store,
		Service:     service,
		WaitOptions: fastWait(),
	})

	var uses []bus.ToolUse
	var results []bus.ToolResult
	b.Subscribe(bus.TypeToolUse, func(e bus.Event) { uses = append(uses, e.(bus.ToolUse)) })
	b.Subscribe(bus.TypeToolResult, func(e bus.Event) { results = append(results, e.(bus.ToolResult)) })

	require.NoError(t, c.Start(context.Background()))
	sess := service.sessions[0]

	sess.emit(stream.EventToolUse, map[string]string{
		"toolUseId": "use-9",
		"toolName":  "lookup",
		"input":     `{"q":"latte"}`,
	})
	require.Len(t, uses, 1)
	assert.Equal(t, "fake-session", uses[0].SessionID)
	assert.Equal(t, "lookup", uses[0].ToolName)
	assert.Equal(t, "use-9", uses[0].ToolUseID)
	assert.Equal(t, `{"q":"latte"}`, uses[0].Input)

	sess.emit(stream.EventToolResult, map[string]string{
		"toolUseId": "use-9",
		"toolName":  "lookup",
		"result":    `{"found":true}`,
	})
	require.Len(t, results, 1)
	assert.Equal(t, "lookup", results[0].ToolName)
	assert.Equal(t, "use-9", results[0].ToolUseID)
	assert.Equal(t, `{"found":true}`, results[0].Result)
}

func TestCoordinator_RejectedTransitionIsLogged(t *testing.T) {
	b := bus.New()
	registry := capability.NewRegistry()
	service := newFakeService()
	store := &fakeStore{cfg: config.AgentConfig{}, creds: validCreds()}

	c := NewCoordinator(Options{
		Bus:         b,
		Registry:    registry,
		Store:       store,
		Service:     service,
		WaitOptions: fastWait(),
	})

	var buf bytes.Buffer
	prev := log.Logger
	log.Logger = zerolog.New(&buf)
	defer func() { log.Logger = prev }()

	// created -> streaming skips the handshake states and is rejected;
	// the handle keeps its state and the rejection is logged
	handle := newSessionHandle("s1", nil)
	c.setState(handle, StateStreaming)

	assert.Equal(t, StateCreated, handle.State())
	assert.Contains(t, buf.String(), "transition rejected")
	assert.Contains(t, buf.String(), "s1")
}

func TestCoordinator_BusDrivenLifecycle(t *testing.T) {
	b := bus.New()
	registry := capability.NewRegistry()
	service := newFakeService()
	store := &fakeStore{cfg: config.AgentConfig{}, creds: validCreds()}

	NewCoordinator(Options{
		Bus:         b,
		Registry:    registry,
		Store:       store,
		Service:     service,
		WaitOptions: fastWait(),
	})

	b.Publish(bus.CreateSession{})
	require.Len(t, service.sessions, 1)
	sess := service.sessions[0]
	assert.Equal(t, []string{"initiate", "promptStart", "systemPrompt", "audioStart"}, sess.Calls())

	b.Publish(bus.AudioInput{
		SessionID: "fake-session",
		Base64PCM: base64.StdEncoding.EncodeToString([]byte{9}),
	})
	require.Len(t, sess.audio, 1)

	b.Publish(bus.Disconnect{SessionID: "fake-session"})
	calls := sess.Calls()
	assert.Equal(t, "close", calls[len(calls)-1])
}

func TestCoordinator_GlobalParametersReachScripts(t *testing.T) {
	b := bus.New()
	registry := capability.NewRegistry()
	service := newFakeService()
	store := &fakeStore{
		cfg: config.AgentConfig{
			GlobalParameters: []params.Parameter{{Key: "storeName", Value: "Demo Cafe"}},
			Tools: []toolcatalog.Definition{{
				Name:  "greeter",
				Order: 1,
				Script: `
func Execute(p map[string]interface{}) (interface{}, error) {
	globals := p["globals"].(map[string]string)
	return "welcome to " + globals["storeName"], nil
}
`,
				RunAfterInit: true,
			}},
		},
		creds: validCreds(),
	}

	c := NewCoordinator(Options{
		Bus:         b,
		Registry:    registry,
		Store:       store,
		Service:     service,
		WaitOptions: fastWait(),
	})

	var results []string
	b.Subscribe(bus.TypeToolResult, func(e bus.Event) {
		results = append(results, e.(bus.ToolResult).Result)
	})

	require.NoError(t, c.Start(context.Background()))
	require.Len(t, results, 1)
	assert.Equal(t, "welcome to Demo Cafe", results[0])
}
