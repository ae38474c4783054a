package relay

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/bolivian-peru/peer-sdk/internal/proto"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildRelayURL(t *testing.T) {
	cases := []struct {
		name     string
		endpoint string
		want     string
		wantErr  bool
	}{
		{name: "wss passthrough", endpoint: "wss://relay.example.com/agent", want: "wss://relay.example.com/agent?token=tok"},
		{name: "https becomes wss", endpoint: "https://relay.example.com/agent", want: "wss://relay.example.com/agent?token=tok"},
		{name: "http becomes ws", endpoint: "http://127.0.0.1:18080/relay", want: "ws://127.0.0.1:18080/relay?token=tok"},
		{name: "existing query preserved", endpoint: "ws://relay.example.com/agent?v=2", want: "ws://relay.example.com/agent?token=tok&v=2"},
		{name: "reject bad scheme", endpoint: "ftp://relay.example.com", wantErr: true},
		{name: "reject missing host", endpoint: "wss://", wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := BuildRelayURL(tc.endpoint, "tok")
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestReconnectDelaySchedule(t *testing.T) {
	want := []time.Duration{
		5 * time.Second, 10 * time.Second, 15 * time.Second,
		20 * time.Second, 25 * time.Second, 30 * time.Second,
		30 * time.Second, 30 * time.Second,
	}
	for attempt := 1; attempt <= len(want); attempt++ {
		assert.Equal(t, want[attempt-1], reconnectDelay(attempt), "attempt %d", attempt)
	}
	// Guard against nonsense input.
	assert.Equal(t, 5*time.Second, reconnectDelay(0))
}

// fakeRelay is an in-process relay server for one or more agent
// connections.
type fakeRelay struct {
	t        *testing.T
	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns []*relayConn
	seen  chan *relayConn
}

type relayConn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
	inbox   chan proto.Envelope
}

func newFakeRelay(t *testing.T) *fakeRelay {
	t.Helper()
	f := &fakeRelay{t: t, seen: make(chan *relayConn, 8)}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("token") != "tok" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		ws, err := f.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		rc := &relayConn{ws: ws, inbox: make(chan proto.Envelope, 64)}
		f.mu.Lock()
		f.conns = append(f.conns, rc)
		f.mu.Unlock()
		f.seen <- rc
		for {
			_, msg, err := ws.ReadMessage()
			if err != nil {
				close(rc.inbox)
				return
			}
			env, err := proto.DecodeEnvelope(msg)
			if err != nil {
				continue
			}
			rc.inbox <- env
		}
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeRelay) url() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/relay"
}

func (f *fakeRelay) accept(t *testing.T) *relayConn {
	t.Helper()
	select {
	case rc := <-f.seen:
		return rc
	case <-time.After(5 * time.Second):
		t.Fatal("agent never connected")
		return nil
	}
}

func (rc *relayConn) expect(t *testing.T, envType string) proto.Envelope {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case env, ok := <-rc.inbox:
			if !ok {
				t.Fatalf("connection closed while waiting for %s", envType)
			}
			if env.Type == envType {
				return env
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", envType)
		}
	}
}

func (rc *relayConn) send(t *testing.T, env proto.Envelope) {
	t.Helper()
	b, err := env.Encode()
	require.NoError(t, err)
	rc.writeMu.Lock()
	defer rc.writeMu.Unlock()
	require.NoError(t, rc.ws.WriteMessage(websocket.TextMessage, b))
}

type eventRecorder struct {
	connected    chan string
	disconnected chan struct{}
}

func newEventRecorder() *eventRecorder {
	return &eventRecorder{
		connected:    make(chan string, 8),
		disconnected: make(chan struct{}, 8),
	}
}

func (e *eventRecorder) Connected(deviceID string) { e.connected <- deviceID }
func (e *eventRecorder) Disconnected() {
	select {
	case e.disconnected <- struct{}{}:
	default:
	}
}

type staticInfo struct{}

func (staticInfo) DeviceInfo() DeviceInfo {
	return DeviceInfo{Country: "BO", Carrier: "tigo", Model: "pixel", OSVersion: "14"}
}

func startTestClient(t *testing.T, f *fakeRelay, opts ...Option) (*Client, *eventRecorder) {
	t.Helper()
	events := newEventRecorder()
	c := newTestClient(t, append(opts, WithEvents(events))...)
	c.cfg.Device = staticInfo{}
	var err error
	c.dialURL, err = BuildRelayURL(f.url(), "tok")
	require.NoError(t, err)
	require.NoError(t, c.Start())
	t.Cleanup(c.Stop)
	return c, events
}

func TestHandshakeAndConnectedEvent(t *testing.T) {
	f := newFakeRelay(t)
	_, events := startTestClient(t, f)
	rc := f.accept(t)

	env := rc.expect(t, proto.TypeDeviceInfo)
	var di proto.DeviceInfo
	require.NoError(t, env.DecodePayload(&di))
	assert.Equal(t, "BO", di.Country)
	assert.Equal(t, "tigo", di.Carrier)
	assert.Equal(t, "pixel", di.Model)
	assert.Equal(t, "14", di.OSVersion)

	rc.send(t, proto.MustEnvelope(proto.TypeConnected, proto.Connected{DeviceID: "dev-42"}))
	select {
	case id := <-events.connected:
		assert.Equal(t, "dev-42", id)
	case <-time.After(5 * time.Second):
		t.Fatal("connected event never fired")
	}
}

func TestConnectedWithoutDeviceIDIsIgnored(t *testing.T) {
	f := newFakeRelay(t)
	_, events := startTestClient(t, f)
	rc := f.accept(t)
	rc.expect(t, proto.TypeDeviceInfo)

	rc.send(t, proto.MustEnvelope(proto.TypeConnected, proto.Connected{}))
	select {
	case id := <-events.connected:
		t.Fatalf("unexpected connected event %q", id)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestSendHTTPRequestRoundTrip(t *testing.T) {
	f := newFakeRelay(t)
	c, _ := startTestClient(t, f)
	rc := f.accept(t)
	rc.expect(t, proto.TypeDeviceInfo)

	done := make(chan proto.ProxyResponse, 1)
	go func() {
		resp, err := c.SendHTTPRequest(context.Background(), http.MethodGet, "https://example.com/a", map[string]string{"accept": "text/html"}, nil)
		require.NoError(t, err)
		done <- resp
	}()

	env := rc.expect(t, proto.TypeHTTPRequest)
	var req proto.ProxyRequest
	require.NoError(t, env.DecodePayload(&req))
	assert.NotEmpty(t, req.RequestID)
	assert.Equal(t, "https://example.com/a", req.URL)
	assert.Equal(t, "text/html", req.Headers["accept"])

	rc.send(t, proto.MustEnvelope(proto.TypeHTTPResponse, proto.ProxyResponse{
		RequestID:  req.RequestID,
		StatusCode: 200,
		Body:       []byte("hello"),
	}))

	select {
	case resp := <-done:
		assert.Equal(t, 200, resp.StatusCode)
		assert.Equal(t, []byte("hello"), resp.Body)
	case <-time.After(5 * time.Second):
		t.Fatal("request never resolved")
	}

	// A late duplicate for the same id must be ignored without side
	// effects.
	rc.send(t, proto.MustEnvelope(proto.TypeHTTPResponse, proto.ProxyResponse{
		RequestID:  req.RequestID,
		StatusCode: 500,
	}))
	time.Sleep(100 * time.Millisecond)
}

func TestConcurrentRequestsResolveIndependently(t *testing.T) {
	f := newFakeRelay(t)
	c, _ := startTestClient(t, f)
	rc := f.accept(t)
	rc.expect(t, proto.TypeDeviceInfo)

	type result struct {
		url  string
		resp proto.ProxyResponse
		err  error
	}
	results := make(chan result, 2)
	for _, u := range []string{"https://x/1", "https://x/2"} {
		go func(u string) {
			resp, err := c.SendHTTPRequest(context.Background(), http.MethodGet, u, nil, nil)
			results <- result{url: u, resp: resp, err: err}
		}(u)
	}

	byURL := map[string]string{}
	var ids []string
	for i := 0; i < 2; i++ {
		env := rc.expect(t, proto.TypeHTTPRequest)
		var req proto.ProxyRequest
		require.NoError(t, env.DecodePayload(&req))
		byURL[req.URL] = req.RequestID
		ids = append(ids, req.RequestID)
	}
	require.Len(t, byURL, 2)
	assert.NotEqual(t, ids[0], ids[1])

	// Answer in reverse order; each must land on its own caller.
	rc.send(t, proto.MustEnvelope(proto.TypeHTTPResponse, proto.ProxyResponse{
		RequestID: byURL["https://x/2"], StatusCode: 202, Body: []byte("two"),
	}))
	rc.send(t, proto.MustEnvelope(proto.TypeHTTPResponse, proto.ProxyResponse{
		RequestID: byURL["https://x/1"], StatusCode: 201, Body: []byte("one"),
	}))

	for i := 0; i < 2; i++ {
		select {
		case r := <-results:
			require.NoError(t, r.err)
			switch r.url {
			case "https://x/1":
				assert.Equal(t, 201, r.resp.StatusCode)
				assert.Equal(t, []byte("one"), r.resp.Body)
			case "https://x/2":
				assert.Equal(t, 202, r.resp.StatusCode)
				assert.Equal(t, []byte("two"), r.resp.Body)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("request never resolved")
		}
	}
}

func TestSendHTTPRequestTimeout(t *testing.T) {
	f := newFakeRelay(t)
	c, _ := startTestClient(t, f, WithRequestTimeout(100*time.Millisecond))
	rc := f.accept(t)
	rc.expect(t, proto.TypeDeviceInfo)

	_, err := c.SendHTTPRequest(context.Background(), http.MethodGet, "https://x/slow", nil, nil)
	require.ErrorIs(t, err, ErrRequestTimeout)

	// Entry was removed before the error surfaced.
	cn := c.currentConn()
	require.NotNil(t, cn)
	assert.Zero(t, cn.pending.size())
}

func TestSendHTTPRequestWhileDisconnected(t *testing.T) {
	c := newTestClient(t)
	_, err := c.SendHTTPRequest(context.Background(), http.MethodGet, "https://x/", nil, nil)
	require.ErrorIs(t, err, ErrNotConnected)
}

func TestHeartbeatUsesInjectedClock(t *testing.T) {
	f := newFakeRelay(t)
	mock := clock.NewMock()
	_, _ = startTestClient(t, f, WithClock(mock))
	rc := f.accept(t)
	rc.expect(t, proto.TypeDeviceInfo)

	// Nudge the mock clock until the heartbeat ticker fires; small sleeps
	// let the ticker goroutine register with the mock first.
	got := make(chan struct{})
	go func() {
		rc.expect(t, proto.TypeHeartbeat)
		close(got)
	}()
	for i := 0; i < 100; i++ {
		select {
		case <-got:
			return
		default:
		}
		mock.Add(time.Second)
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("no heartbeat observed")
}

func TestStopTearsDownEverything(t *testing.T) {
	f := newFakeRelay(t)
	c, events := startTestClient(t, f)
	rc := f.accept(t)
	rc.expect(t, proto.TypeDeviceInfo)

	cn := c.currentConn()
	require.NotNil(t, cn)

	// Leave an unanswered request in flight.
	go func() {
		_, _ = c.SendHTTPRequest(context.Background(), http.MethodGet, "https://x/", nil, nil)
	}()
	rc.expect(t, proto.TypeHTTPRequest)

	c.Stop()

	assert.Equal(t, StateDisconnected, c.State())
	assert.Nil(t, c.currentConn())
	assert.Zero(t, cn.pending.size())
	assert.Zero(t, cn.tunnels.size())

	select {
	case <-events.disconnected:
	case <-time.After(time.Second):
		t.Fatal("disconnected event never fired")
	}

	// Absorbing state: Start after Stop is refused.
	require.ErrorIs(t, c.Start(), ErrClosed)
}

func TestReconnectAfterServerDrop(t *testing.T) {
	f := newFakeRelay(t)
	mock := clock.NewMock()
	_, events := startTestClient(t, f, WithClock(mock))
	rc := f.accept(t)
	rc.expect(t, proto.TypeDeviceInfo)

	// Server kills the connection; the client must back off and redial.
	_ = rc.ws.Close()
	select {
	case <-events.disconnected:
	case <-time.After(5 * time.Second):
		t.Fatal("disconnected event never fired")
	}

	redialed := make(chan *relayConn, 1)
	go func() { redialed <- f.accept(t) }()
	for i := 0; i < 100; i++ {
		select {
		case rc2 := <-redialed:
			rc2.expect(t, proto.TypeDeviceInfo)
			return
		default:
		}
		mock.Add(time.Second)
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("client never reconnected")
}
