package main

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"cjtronics/relay/internal/backend"
	"cjtronics/relay/internal/config"
)

type statusCall struct {
	DeviceID string
	Online   bool
}

type logCall struct {
	DeviceID string
	Payload  []byte
}

// backendStub emulates the advert backend's two endpoints.
type backendStub struct {
	server *httptest.Server

	mu       sync.Mutex
	roster   string
	failLogs bool

	statusCh chan statusCall
	logCh    chan logCall
}

func newBackendStub(t *testing.T) *backendStub {
	t.Helper()
	stub := &backendStub{
		roster:   `[{"id":"D1","online":true}]`,
		statusCh: make(chan statusCall, 16),
		logCh:    make(chan logCall, 16),
	}
	stub.server = httptest.NewServer(http.HandlerFunc(stub.handle))
	t.Cleanup(stub.server.Close)
	return stub
}

func (s *backendStub) handle(w http.ResponseWriter, r *http.Request) {
	switch {
	case strings.HasPrefix(r.URL.Path, "/v1/public-advert/device-status/"):
		deviceID := strings.TrimPrefix(r.URL.Path, "/v1/public-advert/device-status/")
		var body struct {
			Status bool `json:"status"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		s.statusCh <- statusCall{DeviceID: deviceID, Online: body.Status}
		s.mu.Lock()
		roster := s.roster
		s.mu.Unlock()
		_, _ = w.Write([]byte(`{"data":` + roster + `}`))
	case strings.HasPrefix(r.URL.Path, "/v1/public-advert/device-log/"):
		s.mu.Lock()
		fail := s.failLogs
		s.mu.Unlock()
		if fail {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		deviceID := strings.TrimPrefix(r.URL.Path, "/v1/public-advert/device-log/")
		payload, _ := io.ReadAll(r.Body)
		s.logCh <- logCall{DeviceID: deviceID, Payload: payload}
		w.WriteHeader(http.StatusOK)
	default:
		http.NotFound(w, r)
	}
}

func (s *backendStub) setFailLogs(fail bool) {
	s.mu.Lock()
	s.failLogs = fail
	s.mu.Unlock()
}

func (s *backendStub) expectStatus(t *testing.T, want statusCall) {
	t.Helper()
	select {
	case got := <-s.statusCh:
		require.Equal(t, want, got)
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for status call %+v", want)
	}
}

func newTestRelay(t *testing.T, stub *backendStub) *httptest.Server {
	t.Helper()
	cfg := &config.Config{
		Address:         ":0",
		BackendBaseURL:  stub.server.URL,
		BackendTimeout:  2 * time.Second,
		PingInterval:    20 * time.Millisecond,
		PingTimeout:     80 * time.Millisecond,
		MaxPayloadBytes: config.DefaultMaxPayloadBytes,
	}
	client := backend.NewClient(cfg.BackendBaseURL, cfg.BackendTimeout, zerolog.Nop())
	relay := NewRelay(cfg, zerolog.Nop(), client, nil)
	server := httptest.NewServer(http.HandlerFunc(relay.ServeWS))
	t.Cleanup(server.Close)
	return server
}

// wsPeer wraps a test-side WebSocket connection. Reads run on a dedicated
// goroutine; writes are mutex-guarded so the auto-pong responder and the test
// body never interleave frames.
type wsPeer struct {
	conn   *websocket.Conn
	frames chan []byte

	writeMu sync.Mutex
}

func dialPeer(t *testing.T, server *httptest.Server, query string, autoPong bool) *wsPeer {
	t.Helper()
	target := "ws" + strings.TrimPrefix(server.URL, "http") + "/"
	if query != "" {
		target += "?" + query
	}
	conn, _, err := websocket.DefaultDialer.Dial(target, nil)
	require.NoError(t, err)
	peer := &wsPeer{conn: conn, frames: make(chan []byte, 32)}
	t.Cleanup(func() { _ = conn.Close() })

	go func() {
		defer close(peer.frames)
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var envelope struct {
				Event string `json:"event"`
			}
			_ = json.Unmarshal(msg, &envelope)
			if autoPong && envelope.Event == "ping" {
				peer.send(`{"event":"pong"}`)
				continue
			}
			peer.frames <- msg
		}
	}()
	return peer
}

func (p *wsPeer) send(frame string) {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	_ = p.conn.WriteMessage(websocket.TextMessage, []byte(frame))
}

// expectEvent waits for the next frame carrying the wanted event, skipping
// unrelated traffic such as pings.
func (p *wsPeer) expectEvent(t *testing.T, event string, timeout time.Duration) []byte {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case msg, ok := <-p.frames:
			if !ok {
				t.Fatalf("connection closed while waiting for %q", event)
			}
			var envelope struct {
				Event string `json:"event"`
			}
			_ = json.Unmarshal(msg, &envelope)
			if envelope.Event == event {
				return msg
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %q", event)
		}
	}
}

// expectSilence asserts that no frame at all arrives within the window.
func (p *wsPeer) expectSilence(t *testing.T, window time.Duration) {
	t.Helper()
	select {
	case msg, ok := <-p.frames:
		if ok {
			t.Fatalf("expected silence, got %s", msg)
		}
	case <-time.After(window):
	}
}

// expectClosed waits for the server to drop the connection.
func (p *wsPeer) expectClosed(t *testing.T, timeout time.Duration) {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case _, ok := <-p.frames:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("expected the server to close the connection")
		}
	}
}

func TestDeviceConnectReportsOnlineAndBroadcastsRoster(t *testing.T) {
	stub := newBackendStub(t)
	server := newTestRelay(t, stub)

	controller := dialPeer(t, server, "", false)
	device := dialPeer(t, server, "type=device&id=D1", true)

	stub.expectStatus(t, statusCall{DeviceID: "D1", Online: true})

	// Every open connection receives the roster, devices included.
	frame := controller.expectEvent(t, "device-connection", 2*time.Second)
	require.JSONEq(t, `{"event":"device-connection","screens":[{"id":"D1","online":true}]}`, string(frame))
	device.expectEvent(t, "device-connection", 2*time.Second)
}

func TestControllerForwardsVerbatimFrameToDevice(t *testing.T) {
	stub := newBackendStub(t)
	server := newTestRelay(t, stub)

	device := dialPeer(t, server, "type=device&id=D1", true)
	stub.expectStatus(t, statusCall{DeviceID: "D1", Online: true})
	device.expectEvent(t, "device-connection", 2*time.Second)

	controller := dialPeer(t, server, "", false)
	original := `{"event":"send-to-device","deviceId":"D1","payload":"X","nested":{"keep":true}}`
	controller.send(original)

	frame := device.expectEvent(t, "send-to-device", 2*time.Second)
	require.JSONEq(t, original, string(frame))
}

func TestForwardToUnknownDeviceIsSilentlyDropped(t *testing.T) {
	stub := newBackendStub(t)
	server := newTestRelay(t, stub)

	controller := dialPeer(t, server, "", false)
	bystander := dialPeer(t, server, "", false)

	controller.send(`{"event":"send-to-device","deviceId":"D404","payload":"X"}`)
	controller.expectSilence(t, 150*time.Millisecond)
	bystander.expectSilence(t, 50*time.Millisecond)

	// The relay keeps serving: a real device can still be reached afterwards.
	device := dialPeer(t, server, "type=device&id=D1", true)
	stub.expectStatus(t, statusCall{DeviceID: "D1", Online: true})
	device.expectEvent(t, "device-connection", 2*time.Second)
	controller.expectEvent(t, "device-connection", 2*time.Second)

	controller.send(`{"event":"send-to-device","deviceId":"D1","payload":"Y"}`)
	device.expectEvent(t, "send-to-device", 2*time.Second)
}

func TestDeviceLogIsForwardedToBackend(t *testing.T) {
	stub := newBackendStub(t)
	server := newTestRelay(t, stub)

	device := dialPeer(t, server, "type=device&id=D1", true)
	stub.expectStatus(t, statusCall{DeviceID: "D1", Online: true})
	device.expectEvent(t, "device-connection", 2*time.Second)

	device.send(`{"event":"device-log","logs":{"level":"warn","lines":["low storage"]}}`)

	select {
	case call := <-stub.logCh:
		require.Equal(t, "D1", call.DeviceID)
		require.JSONEq(t, `{"level":"warn","lines":["low storage"]}`, string(call.Payload))
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for log forward")
	}
	device.expectSilence(t, 100*time.Millisecond)
}

func TestDeviceLogBackendFailureIsSwallowed(t *testing.T) {
	stub := newBackendStub(t)
	server := newTestRelay(t, stub)

	device := dialPeer(t, server, "type=device&id=D1", true)
	stub.expectStatus(t, statusCall{DeviceID: "D1", Online: true})
	device.expectEvent(t, "device-connection", 2*time.Second)

	stub.setFailLogs(true)
	device.send(`{"event":"device-log","logs":{"level":"error"}}`)

	// No error frame, no retry; the connection stays healthy.
	device.expectSilence(t, 150*time.Millisecond)
	device.send(`{"event":"device-log","logs":{"level":"error"}}`)
	device.expectSilence(t, 150*time.Millisecond)
}

func TestDeviceDisconnectReportsOffline(t *testing.T) {
	stub := newBackendStub(t)
	server := newTestRelay(t, stub)

	device := dialPeer(t, server, "type=device&id=D1", true)
	stub.expectStatus(t, statusCall{DeviceID: "D1", Online: true})

	_ = device.conn.Close()
	stub.expectStatus(t, statusCall{DeviceID: "D1", Online: false})
}

func TestSilentDeviceIsTerminatedAndReportedOffline(t *testing.T) {
	stub := newBackendStub(t)
	server := newTestRelay(t, stub)

	// autoPong disabled: the device never answers the probe.
	device := dialPeer(t, server, "type=device&id=D1", false)
	stub.expectStatus(t, statusCall{DeviceID: "D1", Online: true})

	device.expectEvent(t, "ping", 2*time.Second)
	device.expectClosed(t, 2*time.Second)
	stub.expectStatus(t, statusCall{DeviceID: "D1", Online: false})
}

func TestMalformedAndUnknownMessagesAreIgnored(t *testing.T) {
	stub := newBackendStub(t)
	server := newTestRelay(t, stub)

	device := dialPeer(t, server, "type=device&id=D1", true)
	stub.expectStatus(t, statusCall{DeviceID: "D1", Online: true})
	device.expectEvent(t, "device-connection", 2*time.Second)

	controller := dialPeer(t, server, "", false)
	controller.send(`this is not json`)
	controller.send(`{"event":"mystery","deviceId":"D1"}`)
	device.send(`{"event":"send-to-device","deviceId":"D1"}`) // devices may not relay

	device.expectSilence(t, 150*time.Millisecond)

	// Routing still works afterwards.
	controller.send(`{"event":"send-to-device","deviceId":"D1","payload":"Z"}`)
	device.expectEvent(t, "send-to-device", 2*time.Second)
}

func TestDeviceWithoutIDIsTreatedAsController(t *testing.T) {
	stub := newBackendStub(t)
	server := newTestRelay(t, stub)

	// type=device with a missing id never registers and never reports online.
	peer := dialPeer(t, server, "type=device", false)
	select {
	case call := <-stub.statusCh:
		t.Fatalf("unexpected status call %+v", call)
	case <-time.After(150 * time.Millisecond):
	}
	peer.expectSilence(t, 50*time.Millisecond)
}

func TestClassifyRequest(t *testing.T) {
	cases := []struct {
		name     string
		url      string
		wantRole role
		wantID   string
	}{
		{"device with id", "/?type=device&id=D1", roleDevice, "D1"},
		{"device missing id", "/?type=device", roleController, ""},
		{"device blank id", "/?type=device&id=++", roleController, ""},
		{"controller", "/", roleController, ""},
		{"other type", "/?type=operator&id=D1", roleController, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tc.url, nil)
			gotRole, gotID := classifyRequest(req)
			require.Equal(t, tc.wantRole, gotRole)
			require.Equal(t, tc.wantID, gotID)
		})
	}
}
