package stream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRemote is a minimal in-process stand-in for the streaming
// service: it answers each client frame according to the protocol.
type fakeRemote struct {
	upgrader websocket.Upgrader
	received chan frame
	conn     chan *websocket.Conn
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		received: make(chan frame, 32),
		conn:     make(chan *websocket.Conn, 1),
	}
}

func (f *fakeRemote) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := f.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		f.conn <- conn

		for {
			var in frame
			if err := conn.ReadJSON(&in); err != nil {
				return
			}
			f.received <- in

			switch in.Event {
			case "createSession":
				f.reply(conn, EventSessionCreated, map[string]string{"sessionId": "remote-1"})
			case "initiateSession":
				f.reply(conn, EventSessionInitiated, nil)
			case "promptStart":
				f.reply(conn, EventPromptStarted, nil)
			case "systemPrompt":
				f.reply(conn, EventPromptConfigured, nil)
			case "audioStart":
				f.reply(conn, EventAudioReady, nil)
			}
		}
	}
}

func (f *fakeRemote) reply(conn *websocket.Conn, event string, payload interface{}) {
	var raw json.RawMessage
	if payload != nil {
		raw, _ = json.Marshal(payload)
	}
	conn.WriteJSON(frame{Event: event, Payload: raw})
}

func (f *fakeRemote) sendToClient(t *testing.T, event string, payload interface{}) {
	t.Helper()
	select {
	case conn := <-f.conn:
		f.conn <- conn
		raw, _ := json.Marshal(payload)
		require.NoError(t, conn.WriteJSON(frame{Event: event, Payload: raw}))
	case <-time.After(time.Second):
		t.Fatal("no client connection established")
	}
}

func (f *fakeRemote) nextFrame(t *testing.T) frame {
	t.Helper()
	select {
	case in := <-f.received:
		return in
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for client frame")
		return frame{}
	}
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func TestWSService_CreateSession(t *testing.T) {
	remote := newFakeRemote()
	server := httptest.NewServer(remote.handler())
	defer server.Close()

	svc := NewWSService(wsURL(server), nil)
	sess, err := svc.CreateSession(context.Background())
	require.NoError(t, err)
	defer sess.Close()

	assert.Equal(t, "remote-1", sess.ID())
	assert.Equal(t, "createSession", remote.nextFrame(t).Event)
}

func TestWSSession_HandshakeSequence(t *testing.T) {
	remote := newFakeRemote()
	server := httptest.NewServer(remote.handler())
	defer server.Close()

	svc := NewWSService(wsURL(server), nil)
	sess, err := svc.CreateSession(context.Background())
	require.NoError(t, err)
	defer sess.Close()
	remote.nextFrame(t) // createSession

	ctx := context.Background()
	require.NoError(t, sess.Initiate(ctx, []ToolSpec{
		{Name: "t1", ProtocolDefinition: `{"type":"object"}`},
		{Name: "t2", ProtocolDefinition: `{"type":"object"}`},
	}))

	initiate := remote.nextFrame(t)
	assert.Equal(t, "initiateSession", initiate.Event)
	var body struct {
		Tools []ToolSpec `json:"tools"`
	}
	require.NoError(t, json.Unmarshal(initiate.Payload, &body))
	require.Len(t, body.Tools, 2)
	assert.Equal(t, "t1", body.Tools[0].Name)

	require.NoError(t, sess.SetupPromptStart(ctx))
	assert.Equal(t, "promptStart", remote.nextFrame(t).Event)

	require.NoError(t, sess.SetupSystemPrompt(ctx, "You are a barista."))
	prompt := remote.nextFrame(t)
	assert.Equal(t, "systemPrompt", prompt.Event)
	assert.Contains(t, string(prompt.Payload), "barista")

	require.NoError(t, sess.SetupStartAudio(ctx))
	assert.Equal(t, "audioStart", remote.nextFrame(t).Event)
}

func TestWSSession_ToolUseRoundTrip(t *testing.T) {
	remote := newFakeRemote()
	server := httptest.NewServer(remote.handler())
	defer server.Close()

	svc := NewWSService(wsURL(server), nil)
	svc.SetTool("lookup", `{"type":"object"}`, func(ctx context.Context, sessionID, rawInput string, triggeredByAgent bool) string {
		return `{"found":true}`
	})

	sess, err := svc.CreateSession(context.Background())
	require.NoError(t, err)
	defer sess.Close()
	remote.nextFrame(t) // createSession

	remote.sendToClient(t, EventToolUse, map[string]interface{}{
		"toolUseId": "use-1",
		"toolName":  "lookup",
		"input":     `{"q":"espresso"}`,
	})

	result := remote.nextFrame(t)
	assert.Equal(t, "toolResult", result.Event)
	var res map[string]string
	require.NoError(t, json.Unmarshal(result.Payload, &res))
	assert.Equal(t, "use-1", res["toolUseId"])
	assert.JSONEq(t, `{"found":true}`, res["result"])
}

func TestWSSession_ToolResultVisibleToLocalObservers(t *testing.T) {
	remote := newFakeRemote()
	server := httptest.NewServer(remote.handler())
	defer server.Close()

	svc := NewWSService(wsURL(server), nil)
	svc.SetTool("lookup", `{"type":"object"}`, func(ctx context.Context, sessionID, rawInput string, triggeredByAgent bool) string {
		return `{"found":true}`
	})

	sess, err := svc.CreateSession(context.Background())
	require.NoError(t, err)
	defer sess.Close()
	remote.nextFrame(t) // createSession

	observed := make(chan []byte, 1)
	sess.OnEvent(EventToolResult, func(payload []byte) { observed <- payload })

	remote.sendToClient(t, EventToolUse, map[string]interface{}{
		"toolUseId": "use-3",
		"toolName":  "lookup",
		"input":     `{}`,
	})

	// The wire frame and the local notification carry the same result
	wire := remote.nextFrame(t)
	assert.Equal(t, EventToolResult, wire.Event)

	select {
	case payload := <-observed:
		var res map[string]string
		require.NoError(t, json.Unmarshal(payload, &res))
		assert.Equal(t, "use-3", res["toolUseId"])
		assert.Equal(t, "lookup", res["toolName"])
		assert.JSONEq(t, `{"found":true}`, res["result"])
	case <-time.After(time.Second):
		t.Fatal("toolResult observer not invoked")
	}
}

func TestWSSession_UnknownToolYieldsErrorResult(t *testing.T) {
	remote := newFakeRemote()
	server := httptest.NewServer(remote.handler())
	defer server.Close()

	svc := NewWSService(wsURL(server), nil)
	sess, err := svc.CreateSession(context.Background())
	require.NoError(t, err)
	defer sess.Close()
	remote.nextFrame(t) // createSession

	remote.sendToClient(t, EventToolUse, map[string]interface{}{
		"toolUseId": "use-2",
		"toolName":  "ghost",
	})

	result := remote.nextFrame(t)
	assert.Equal(t, "toolResult", result.Event)
	var res map[string]string
	require.NoError(t, json.Unmarshal(result.Payload, &res))
	assert.Contains(t, res["result"], `"error":true`)
	assert.Contains(t, res["result"], "unknown tool")
}

func TestWSSession_OnEventDispatch(t *testing.T) {
	remote := newFakeRemote()
	server := httptest.NewServer(remote.handler())
	defer server.Close()

	svc := NewWSService(wsURL(server), nil)
	sess, err := svc.CreateSession(context.Background())
	require.NoError(t, err)
	defer sess.Close()

	got := make(chan []byte, 1)
	sess.OnEvent(EventTextOutput, func(payload []byte) { got <- payload })

	remote.sendToClient(t, EventTextOutput, map[string]string{"content": "hello"})

	select {
	case payload := <-got:
		assert.Contains(t, string(payload), "hello")
	case <-time.After(time.Second):
		t.Fatal("textOutput handler not invoked")
	}
}
