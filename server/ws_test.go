package server_test

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testFrame struct {
	Type      string         `json:"type"`
	SessionID string         `json:"sessionId,omitempty"`
	Seq       int64          `json:"seq,omitempty"`
	Timestamp time.Time      `json:"timestamp,omitzero"`
	Data      map[string]any `json:"data,omitempty"`
}

func dialWS(t *testing.T, tsURL, sessionID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(tsURL, "http") + "/ws?session_id=" + sessionID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) testFrame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var frame testFrame
	require.NoError(t, conn.ReadJSON(&frame))
	return frame
}

// readUntil drains frames until one of the given type arrives.
func readUntil(t *testing.T, conn *websocket.Conn, kind string) testFrame {
	t.Helper()
	for i := 0; i < 50; i++ {
		frame := readFrame(t, conn)
		if frame.Type == kind {
			return frame
		}
	}
	t.Fatalf("never received a %s frame", kind)
	return testFrame{}
}

func TestWSRequiresKnownSession(t *testing.T) {
	ts := newTestServer(t)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	_, resp, err = websocket.DefaultDialer.Dial(url+"?session_id=nope", nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestWSStreamsSessionEvents(t *testing.T) {
	ts := newTestServer(t)
	id := createDemoSession(t, ts)
	conn := dialWS(t, ts.URL, id)

	started := readFrame(t, conn)
	assert.Equal(t, "session.started", started.Type)
	assert.Equal(t, id, started.SessionID)
	assert.Equal(t, id, started.Data["session_id"])
	assert.False(t, started.Timestamp.IsZero())

	require.NoError(t, conn.WriteJSON(testFrame{
		Type: "user.text",
		Data: map[string]any{"text": "i would like to make a reservation"},
	}))

	transition := readUntil(t, conn, "fsm.transition")
	assert.Equal(t, "InitialGreeting", transition.Data["from"])
	assert.Equal(t, "CollectPartySize", transition.Data["to"])
	assert.Equal(t, id, transition.SessionID)

	ask := readUntil(t, conn, "ask")
	assert.Equal(t, "How many people will be joining us?", ask.Data["text"])
	assert.Positive(t, ask.Seq)
	assert.Equal(t, id, ask.SessionID)
	assert.False(t, ask.Timestamp.IsZero())
}

func TestWSDTMFTreatedAsText(t *testing.T) {
	ts := newTestServer(t)
	id := createDemoSession(t, ts)
	conn := dialWS(t, ts.URL, id)
	readFrame(t, conn) // session.started

	require.NoError(t, conn.WriteJSON(testFrame{
		Type: "user.text",
		Data: map[string]any{"text": "i would like to make a reservation"},
	}))
	readUntil(t, conn, "ask")

	require.NoError(t, conn.WriteJSON(testFrame{
		Type: "user.dtmf",
		Data: map[string]any{"digits": "party of 4"},
	}))
	transition := readUntil(t, conn, "fsm.transition")
	assert.Equal(t, "CollectReservationDateTime", transition.Data["to"])
}

func TestWSUnknownFrameGetsError(t *testing.T) {
	ts := newTestServer(t)
	id := createDemoSession(t, ts)
	conn := dialWS(t, ts.URL, id)
	readFrame(t, conn) // session.started

	require.NoError(t, conn.WriteJSON(testFrame{Type: "bogus"}))
	frame := readUntil(t, conn, "error")
	assert.Contains(t, frame.Data["message"], "unknown frame type")
	assert.Equal(t, id, frame.SessionID)
}

func TestWSEmptyTextRejected(t *testing.T) {
	ts := newTestServer(t)
	id := createDemoSession(t, ts)
	conn := dialWS(t, ts.URL, id)
	readFrame(t, conn) // session.started

	require.NoError(t, conn.WriteJSON(testFrame{Type: "user.text", Data: map[string]any{}}))
	frame := readUntil(t, conn, "error")
	assert.Equal(t, "text is required", frame.Data["message"])
}

// The observer endpoint is also servable from its own listener.
func TestWSDedicatedEndpoint(t *testing.T) {
	srv, api := newTestStack(t)
	id := createDemoSession(t, api)

	wsTS := httptest.NewServer(srv.WSHandler())
	defer wsTS.Close()
	conn := dialWS(t, wsTS.URL, id)

	started := readFrame(t, conn)
	assert.Equal(t, "session.started", started.Type)
	assert.Equal(t, id, started.SessionID)
}

func TestWSClosesWhenSessionDeleted(t *testing.T) {
	ts := newTestServer(t)
	id := createDemoSession(t, ts)
	conn := dialWS(t, ts.URL, id)
	readFrame(t, conn) // session.started

	status, _ := doJSON(t, http.MethodDelete, ts.URL+"/sessions/"+id, nil)
	require.Equal(t, http.StatusNoContent, status)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		var frame testFrame
		if err := conn.ReadJSON(&frame); err != nil {
			assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure),
				"expected a normal close, got %v", err)
			return
		}
	}
}
