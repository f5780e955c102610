package server

import (
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	fastws "github.com/fasthttp/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MrCodeEU/livecheck/pkg/camera"
	"github.com/MrCodeEU/livecheck/pkg/liveness"
)

// MockController is a SessionController driven by Func fields.
type MockController struct {
	mu          sync.Mutex
	StartFunc   func() error
	snapshot    liveness.Snapshot
	viewport    camera.Size
	stops       int
	snapFns     []func(liveness.Snapshot)
	eventFns    []func(liveness.Event)
	unsubscribe int
}

func (m *MockController) Start() error {
	if m.StartFunc != nil {
		return m.StartFunc()
	}
	m.mu.Lock()
	m.snapshot.State = liveness.StateAwaitingStart
	m.mu.Unlock()
	return nil
}

func (m *MockController) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stops++
	m.snapshot.State = liveness.StateIdle
}

func (m *MockController) Snapshot() liveness.Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshot
}

func (m *MockController) SetViewport(size camera.Size) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.viewport = size
}

func (m *MockController) OnSnapshot(fn func(liveness.Snapshot)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapFns = append(m.snapFns, fn)
	return m.unsub
}

func (m *MockController) OnEvent(fn func(liveness.Event)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.eventFns = append(m.eventFns, fn)
	return m.unsub
}

func (m *MockController) unsub() {
	m.mu.Lock()
	m.unsubscribe++
	m.mu.Unlock()
}

func (m *MockController) publish(s liveness.Snapshot) {
	m.mu.Lock()
	fns := append(([]func(liveness.Snapshot))(nil), m.snapFns...)
	m.mu.Unlock()
	for _, fn := range fns {
		fn(s)
	}
}

func (m *MockController) emit(e liveness.Event) {
	m.mu.Lock()
	fns := append(([]func(liveness.Event))(nil), m.eventFns...)
	m.mu.Unlock()
	for _, fn := range fns {
		fn(e)
	}
}

func newTestServer(t *testing.T, ctrl *MockController, focus *liveness.FocusBroker) *Server {
	t.Helper()
	s := New(ctrl, focus, Options{Version: "test"})
	t.Cleanup(func() { _ = s.Shutdown() })
	return s
}

func doRequest(t *testing.T, s *Server, method, path, body string) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := s.App().Test(req)
	require.NoError(t, err)
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func TestServer_Health(t *testing.T) {
	s := newTestServer(t, &MockController{}, nil)

	resp, body := doRequest(t, s, "GET", "/healthz", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var result HealthResponse
	require.NoError(t, json.Unmarshal(body, &result))
	assert.Equal(t, "ok", result.Status)
	assert.Equal(t, "test", result.Version)
	assert.Zero(t, result.Clients)
}

func TestServer_GetSession(t *testing.T) {
	ctrl := &MockController{snapshot: liveness.Snapshot{
		State:    liveness.StateDetecting,
		Mode:     liveness.ModeMask,
		Caption:  "Hold still",
		MaskMode: liveness.MaskMatch,
	}}
	s := newTestServer(t, ctrl, nil)

	resp, body := doRequest(t, s, "GET", "/api/session", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var snap liveness.Snapshot
	require.NoError(t, json.Unmarshal(body, &snap))
	assert.Equal(t, ctrl.snapshot, snap)
}

func TestServer_StartSession(t *testing.T) {
	tests := []struct {
		name       string
		startErr   error
		wantStatus int
		wantCode   string
	}{
		{"started", nil, http.StatusAccepted, ""},
		{"already active", liveness.ErrSessionActive, http.StatusConflict, "SESSION_ACTIVE"},
		{"closed", liveness.ErrClosed, http.StatusServiceUnavailable, "CONTROLLER_CLOSED"},
		{"unexpected", assert.AnError, http.StatusInternalServerError, "INTERNAL_ERROR"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctrl := &MockController{}
			if tt.startErr != nil {
				err := tt.startErr
				ctrl.StartFunc = func() error { return err }
			}
			s := newTestServer(t, ctrl, nil)

			resp, body := doRequest(t, s, "POST", "/api/session/start", "")
			assert.Equal(t, tt.wantStatus, resp.StatusCode)

			if tt.wantCode == "" {
				var snap liveness.Snapshot
				require.NoError(t, json.Unmarshal(body, &snap))
				assert.Equal(t, liveness.StateAwaitingStart, snap.State)
				return
			}
			var eb errorBody
			require.NoError(t, json.Unmarshal(body, &eb))
			assert.Equal(t, tt.wantCode, eb.Error.Code)
		})
	}
}

func TestServer_StopSession(t *testing.T) {
	ctrl := &MockController{snapshot: liveness.Snapshot{State: liveness.StateDetecting}}
	s := newTestServer(t, ctrl, nil)

	resp, body := doRequest(t, s, "POST", "/api/session/stop", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1, ctrl.stops)

	var snap liveness.Snapshot
	require.NoError(t, json.Unmarshal(body, &snap))
	assert.Equal(t, liveness.StateIdle, snap.State)
}

func TestServer_SetViewport(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		wantStatus int
	}{
		{"valid", `{"width":640,"height":480}`, http.StatusNoContent},
		{"zero width", `{"width":0,"height":480}`, http.StatusBadRequest},
		{"negative height", `{"width":640,"height":-1}`, http.StatusBadRequest},
		{"malformed", `{"width":`, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctrl := &MockController{}
			s := newTestServer(t, ctrl, nil)

			resp, _ := doRequest(t, s, "PUT", "/api/viewport", tt.body)
			assert.Equal(t, tt.wantStatus, resp.StatusCode)
			if tt.wantStatus == http.StatusNoContent {
				assert.Equal(t, camera.Size{Width: 640, Height: 480}, ctrl.viewport)
			} else {
				assert.Equal(t, camera.Size{}, ctrl.viewport)
			}
		})
	}
}

func TestServer_ReportFocus(t *testing.T) {
	focus := liveness.NewFocusBroker()
	var got []liveness.FocusEvent
	cancel := focus.Subscribe(func(e liveness.FocusEvent) { got = append(got, e) })
	defer cancel()

	s := newTestServer(t, &MockController{}, focus)

	resp, _ := doRequest(t, s, "POST", "/api/focus", `{"event":"blur"}`)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, _ = doRequest(t, s, "POST", "/api/focus", `{"event":"focusin"}`)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, body := doRequest(t, s, "POST", "/api/focus", `{"event":"scroll"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	var eb errorBody
	require.NoError(t, json.Unmarshal(body, &eb))
	assert.Equal(t, "HTTP_ERROR", eb.Error.Code)
	assert.Contains(t, eb.Error.Message, "scroll")

	assert.Equal(t, []liveness.FocusEvent{liveness.Blur, liveness.FocusIn}, got)
}

func TestServer_ReportFocusWithoutBroker(t *testing.T) {
	s := newTestServer(t, &MockController{}, nil)
	resp, _ := doRequest(t, s, "POST", "/api/focus", `{"event":"blur"}`)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestServer_WebsocketRequiresUpgrade(t *testing.T) {
	s := newTestServer(t, &MockController{}, nil)
	resp, _ := doRequest(t, s, "GET", "/ws", "")
	assert.Equal(t, http.StatusUpgradeRequired, resp.StatusCode)
}

func TestServer_RelaysToHub(t *testing.T) {
	ctrl := &MockController{}
	s := newTestServer(t, ctrl, nil)

	client := &Client{hub: s.hub, send: make(chan []byte, 10)}
	require.True(t, s.hub.join(client))
	require.Eventually(t, func() bool { return s.hub.Clients() == 1 }, time.Second, 5*time.Millisecond)

	ctrl.publish(liveness.Snapshot{State: liveness.StateDetecting})
	ctrl.emit(liveness.Event{Type: liveness.EventSessionStarted, SessionID: "abc"})

	var msgs []map[string]json.RawMessage
	for len(msgs) < 2 {
		select {
		case raw := <-client.send:
			var m map[string]json.RawMessage
			require.NoError(t, json.Unmarshal(raw, &m))
			msgs = append(msgs, m)
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for relayed messages")
		}
	}

	assert.JSONEq(t, `"snapshot"`, string(msgs[0]["type"]))
	var snap liveness.Snapshot
	require.NoError(t, json.Unmarshal(msgs[0]["data"], &snap))
	assert.Equal(t, liveness.StateDetecting, snap.State)

	assert.JSONEq(t, `"event"`, string(msgs[1]["type"]))
	var ev liveness.Event
	require.NoError(t, json.Unmarshal(msgs[1]["data"], &ev))
	assert.Equal(t, liveness.EventSessionStarted, ev.Type)
	assert.Equal(t, "abc", ev.SessionID)
}

func TestServer_ShutdownUnsubscribes(t *testing.T) {
	ctrl := &MockController{}
	s := New(ctrl, nil, Options{})
	_ = s.Shutdown()
	assert.Equal(t, 2, ctrl.unsubscribe)
}

func dialWS(t *testing.T, url string) *fastws.Conn {
	t.Helper()
	conn, resp, err := fastws.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readWS(t *testing.T, conn *fastws.Conn) Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	var msg Message
	require.NoError(t, json.Unmarshal(raw, &msg))
	return msg
}

func TestServer_WebsocketGreetsOnlyNewClient(t *testing.T) {
	ctrl := &MockController{snapshot: liveness.Snapshot{State: liveness.StateDetecting}}
	s := newTestServer(t, ctrl, nil)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = s.App().Listener(ln) }()
	url := "ws://" + ln.Addr().String() + "/ws"

	first := dialWS(t, url)
	assert.Equal(t, MessageSnapshot, readWS(t, first).Type)

	second := dialWS(t, url)
	assert.Equal(t, MessageSnapshot, readWS(t, second).Type)
	require.Eventually(t, func() bool { return s.hub.Clients() == 2 }, time.Second, 5*time.Millisecond)

	// A new snapshot reaches both; the second greeting never reached the first
	ctrl.publish(liveness.Snapshot{State: liveness.StateCapturing})

	msg := readWS(t, first)
	assert.Equal(t, MessageSnapshot, msg.Type)
	var snap liveness.Snapshot
	raw, err := json.Marshal(msg.Data)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, &snap))
	assert.Equal(t, liveness.StateCapturing, snap.State)

	assert.Equal(t, MessageSnapshot, readWS(t, second).Type)
}
