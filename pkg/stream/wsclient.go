package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	// stepTimeout bounds each handshake step's wait for its paired
	// completion event
	stepTimeout = 10 * time.Second

	// toolTimeout bounds a single remote-initiated tool invocation
	toolTimeout = 30 * time.Second

	writeTimeout = 10 * time.Second
	pongTimeout  = 90 * time.Second
	pingInterval = 30 * time.Second
)

// frame is the wire envelope for both directions
type frame struct {
	Event     string          `json:"event"`
	SessionID string          `json:"sessionId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

type toolEntry struct {
	spec   ToolSpec
	action ToolAction
}

// WSService is the websocket-backed implementation of Service. Each
// session gets its own connection; the tool table is shared.
type WSService struct {
	url    string
	header http.Header
	dialer *websocket.Dialer
	logger zerolog.Logger

	tools map[string]toolEntry
	mu    sync.RWMutex
}

// NewWSService creates a service wrapper dialing the given URL
func NewWSService(url string, header http.Header) *WSService {
	return &WSService{
		url:    url,
		header: header,
		dialer: websocket.DefaultDialer,
		logger: log.With().Str("component", "stream").Logger(),
		tools:  make(map[string]toolEntry),
	}
}

// SetTool registers a tool callable; last writer wins on a name
func (s *WSService) SetTool(name, protocolDefinition string, action ToolAction) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tools[name] = toolEntry{
		spec:   ToolSpec{Name: name, ProtocolDefinition: protocolDefinition},
		action: action,
	}
	s.logger.Debug().Str("tool", name).Msg("Tool registered with stream service")
}

// SetToolSpec registers a full spec with its callable
func (s *WSService) SetToolSpec(spec ToolSpec, action ToolAction) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tools[spec.Name] = toolEntry{spec: spec, action: action}
}

func (s *WSService) tool(name string) (toolEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.tools[name]
	return entry, ok
}

// CreateSession dials the remote service, starts the read loop, and
// completes the create exchange.
func (s *WSService) CreateSession(ctx context.Context) (Session, error) {
	conn, _, err := s.dialer.DialContext(ctx, s.url, s.header)
	if err != nil {
		return nil, fmt.Errorf("failed to dial stream service: %w", err)
	}

	sess := &wsSession{
		service:  s,
		conn:     conn,
		handlers: make(map[string][]EventHandler),
		logger:   s.logger,
		done:     make(chan struct{}),
	}

	conn.SetReadDeadline(time.Now().Add(pongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongTimeout))
	})

	go sess.readPump()
	go sess.pingLoop()

	created := sess.await(EventSessionCreated)
	if err := sess.send("createSession", nil); err != nil {
		sess.Close()
		return nil, err
	}

	payload, err := sess.waitFor(ctx, created, EventSessionCreated)
	if err != nil {
		sess.Close()
		return nil, err
	}

	var body struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.Unmarshal(payload, &body); err != nil || body.SessionID == "" {
		sess.Close()
		return nil, fmt.Errorf("malformed sessionCreated payload")
	}
	sess.id = body.SessionID

	s.logger.Info().Str("session", sess.id).Msg("Stream session created")
	return sess, nil
}

// wsSession is one live websocket conversation
type wsSession struct {
	service *WSService
	conn    *websocket.Conn
	logger  zerolog.Logger
	id      string

	handlers map[string][]EventHandler
	mu       sync.RWMutex

	writeMu   sync.Mutex
	done      chan struct{}
	closeOnce sync.Once
}

func (w *wsSession) ID() string { return w.id }

// OnEvent subscribes to a named remote event
func (w *wsSession) OnEvent(name string, h EventHandler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers[name] = append(w.handlers[name], h)
}

// await registers a one-shot channel for the next occurrence of event
func (w *wsSession) await(event string) <-chan json.RawMessage {
	ch := make(chan json.RawMessage, 1)
	var once sync.Once
	w.OnEvent(event, func(payload []byte) {
		once.Do(func() { ch <- json.RawMessage(payload) })
	})
	return ch
}

// waitFor blocks until the channel fires, the step times out, or the
// session dies.
func (w *wsSession) waitFor(ctx context.Context, ch <-chan json.RawMessage, step string) (json.RawMessage, error) {
	timer := time.NewTimer(stepTimeout)
	defer timer.Stop()

	select {
	case payload := <-ch:
		return payload, nil
	case <-timer.C:
		return nil, fmt.Errorf("timed out waiting for %s", step)
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-w.done:
		return nil, fmt.Errorf("session closed while waiting for %s", step)
	}
}

func (w *wsSession) send(event string, payload interface{}) error {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal %s payload: %w", event, err)
		}
		raw = b
	}

	data, err := json.Marshal(frame{Event: event, SessionID: w.id, Payload: raw})
	if err != nil {
		return err
	}

	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	w.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return w.conn.WriteMessage(websocket.TextMessage, data)
}

// sendAndAwait performs one ordered handshake step: emit the request,
// block until its paired completion event arrives.
func (w *wsSession) sendAndAwait(ctx context.Context, event string, payload interface{}, completion string) error {
	ch := w.await(completion)
	if err := w.send(event, payload); err != nil {
		return err
	}
	_, err := w.waitFor(ctx, ch, completion)
	return err
}

// Initiate registers tool specs with the remote service and completes
// the initiate step. Tool definitions reach the remote service before
// initiation finishes, so the agent can invoke them as soon as the
// conversation starts.
func (w *wsSession) Initiate(ctx context.Context, tools []ToolSpec) error {
	return w.sendAndAwait(ctx, "initiateSession", map[string]interface{}{
		"tools": tools,
	}, EventSessionInitiated)
}

func (w *wsSession) SetupPromptStart(ctx context.Context) error {
	return w.sendAndAwait(ctx, "promptStart", nil, EventPromptStarted)
}

func (w *wsSession) SetupSystemPrompt(ctx context.Context, text string) error {
	return w.sendAndAwait(ctx, "systemPrompt", map[string]string{"text": text}, EventPromptConfigured)
}

func (w *wsSession) SetupStartAudio(ctx context.Context) error {
	return w.sendAndAwait(ctx, "audioStart", nil, EventAudioReady)
}

func (w *wsSession) StreamAudio(ctx context.Context, audio []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	w.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return w.conn.WriteMessage(websocket.BinaryMessage, audio)
}

func (w *wsSession) EndAudioContent(ctx context.Context) error {
	return w.send("endAudioContent", nil)
}

func (w *wsSession) EndPrompt(ctx context.Context) error {
	return w.send("endPrompt", nil)
}

func (w *wsSession) Close() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.done)
		w.writeMu.Lock()
		w.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		w.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		w.writeMu.Unlock()
		err = w.conn.Close()
	})
	return err
}

// readPump decodes incoming frames and dispatches them to handlers.
// Tool invocations are handled here: the remote service names a tool,
// the registered action runs, and the result goes back as a toolResult
// frame.
func (w *wsSession) readPump() {
	defer w.Close()

	for {
		_, data, err := w.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				w.logger.Warn().Err(err).Str("session", w.id).Msg("Stream connection closed unexpectedly")
			}
			return
		}

		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			w.logger.Warn().Err(err).Msg("Dropping malformed stream frame")
			continue
		}

		if f.Event == EventToolUse {
			go w.handleToolUse(f.Payload)
		}

		w.dispatch(f.Event, f.Payload)
	}
}

// dispatch fans a named event out to every registered handler
func (w *wsSession) dispatch(event string, payload []byte) {
	w.mu.RLock()
	handlers := append([]EventHandler{}, w.handlers[event]...)
	w.mu.RUnlock()

	for _, h := range handlers {
		h(payload)
	}
}

// handleToolUse runs a registered tool action and returns its result
// over the wire. An unknown tool yields an error payload rather than
// silence so the remote protocol never stalls on a missing response.
func (w *wsSession) handleToolUse(payload json.RawMessage) {
	var req struct {
		ToolUseID        string `json:"toolUseId"`
		ToolName         string `json:"toolName"`
		Input            string `json:"input"`
		TriggeredByAgent bool   `json:"triggeredByAgent"`
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		w.logger.Warn().Err(err).Msg("Malformed toolUse payload")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), toolTimeout)
	defer cancel()

	var result string
	if entry, ok := w.service.tool(req.ToolName); ok {
		result = entry.action(ctx, w.id, req.Input, req.TriggeredByAgent)
	} else {
		result = fmt.Sprintf(`{"error":true,"message":"unknown tool: %s","toolName":%q,"sessionId":%q}`,
			req.ToolName, req.ToolName, w.id)
		w.logger.Warn().Str("tool", req.ToolName).Msg("Remote invoked unregistered tool")
	}

	res := map[string]string{
		"toolUseId": req.ToolUseID,
		"toolName":  req.ToolName,
		"result":    result,
	}
	if err := w.send(EventToolResult, res); err != nil {
		w.logger.Error().Err(err).Str("tool", req.ToolName).Msg("Failed to send tool result")
	}

	// Local observers see the same result that went over the wire
	if resPayload, err := json.Marshal(res); err == nil {
		w.dispatch(EventToolResult, resPayload)
	}
}

func (w *wsSession) pingLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			w.writeMu.Lock()
			w.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			err := w.conn.WriteMessage(websocket.PingMessage, nil)
			w.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}
