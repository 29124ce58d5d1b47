package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/deemix-relay/backend/internal/account"
	"github.com/deemix-relay/backend/internal/engine"
	"github.com/deemix-relay/backend/internal/health"
	"github.com/deemix-relay/backend/internal/hub"
	"github.com/deemix-relay/backend/internal/provider"
	"github.com/deemix-relay/backend/internal/queue"
	"github.com/deemix-relay/backend/internal/settings"
	"github.com/deemix-relay/backend/internal/version"
	"github.com/gorilla/websocket"
)

func testEvent(name string) hub.Event {
	return hub.Event{Name: name}
}

func TestSecurityHeaders(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	securityHeaders(inner).ServeHTTP(rec, req)

	want := map[string]string{
		"X-Content-Type-Options":  "nosniff",
		"X-Frame-Options":         "DENY",
		"X-XSS-Protection":        "1; mode=block",
		"Content-Security-Policy": "default-src 'self'",
	}

	for header, expected := range want {
		if got := rec.Header().Get(header); got != expected {
			t.Errorf("header %s = %q, want %q", header, got, expected)
		}
	}
}

func TestAuthorize(t *testing.T) {
	s := NewServer(Options{AuthToken: "s3cret"})

	tests := []struct {
		name   string
		target string
		header map[string]string
		want   bool
	}{
		{"none", "/api/queue", nil, false},
		{"query", "/api/queue?token=s3cret", nil, true},
		{"wrong query", "/api/queue?token=nope", nil, false},
		{"header", "/api/queue", map[string]string{"X-Relay-Token": "s3cret"}, true},
		{"bearer", "/api/queue", map[string]string{"Authorization": "Bearer s3cret"}, true},
		{"basic", "/api/queue", map[string]string{"Authorization": "Basic s3cret"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.target, nil)
			for k, v := range tt.header {
				req.Header.Set(k, v)
			}
			if got := s.authorize(req); got != tt.want {
				t.Errorf("authorize() = %v, want %v", got, tt.want)
			}
		})
	}

	open := NewServer(Options{})
	if !open.authorize(httptest.NewRequest(http.MethodGet, "/", nil)) {
		t.Error("server without token rejected a request")
	}
}

func TestCheckOrigin(t *testing.T) {
	tests := []struct {
		name    string
		allowed []string
		origin  string
		host    string
		want    bool
	}{
		{"no origin", nil, "", "relay:6595", true},
		{"same host", nil, "http://relay:6595", "relay:6595", true},
		{"localhost", nil, "http://localhost:3000", "relay:6595", true},
		{"loopback v6", nil, "http://[::1]:3000", "relay:6595", true},
		{"foreign", nil, "https://evil.example", "relay:6595", false},
		{"allow list hit", []string{"https://ui.example"}, "https://ui.example", "relay:6595", true},
		{"allow list miss", []string{"https://ui.example"}, "http://localhost:3000", "relay:6595", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewServer(Options{AllowedOrigins: tt.allowed})
			req := httptest.NewRequest(http.MethodGet, "/ws", nil)
			req.Host = tt.host
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			if got := s.checkOrigin(req); got != tt.want {
				t.Errorf("checkOrigin(%q) = %v, want %v", tt.origin, got, tt.want)
			}
		})
	}
}

// stubClient answers the handshake calls. Other provider calls are not
// made by these tests.
type stubClient struct {
	provider.Client
}

func (stubClient) Authenticate(_ context.Context, token string, _ int) (*provider.Account, error) {
	if token != "good" {
		return nil, provider.ErrAuthFailed
	}
	me := provider.Identity{ID: "1", Name: "listener"}
	return &provider.Account{Active: me, Children: []provider.Identity{me}}, nil
}

func (stubClient) Home(context.Context) (json.RawMessage, error) {
	return json.RawMessage(`{"page":"home"}`), nil
}

func (stubClient) Charts(context.Context) (json.RawMessage, error) {
	return json.RawMessage(`{"page":"charts"}`), nil
}

func (stubClient) Favorites(context.Context, provider.Identity) (json.RawMessage, error) {
	return json.RawMessage(`[]`), nil
}

type idleEngine struct{ ch chan engine.Progress }

func (idleEngine) Submit(engine.Job)                  {}
func (idleEngine) RequestCancel(string)               {}
func (e idleEngine) Progress() <-chan engine.Progress { return e.ch }

type testServer struct {
	*httptest.Server
	broadcaster *Broadcaster
	queue       *queue.Controller
}

func newTestServer(t *testing.T, maxConns int, token string) *testServer {
	t.Helper()

	ctrl, err := queue.NewController(queue.Options{Engine: idleEngine{ch: make(chan engine.Progress)}})
	if err != nil {
		t.Fatal(err)
	}
	st, err := settings.NewStore(filepath.Join(t.TempDir(), "settings.toml"))
	if err != nil {
		t.Fatal(err)
	}
	tracker := health.NewTracker(3)
	h := hub.New(hub.Options{
		Queue:     ctrl,
		Factory:   func() provider.Client { return stubClient{} },
		Settings:  st,
		Version:   version.NewInfo("2024.01.01-a", "", "test"),
		Available: true,
		Health:    tracker,
	})
	b := NewBroadcaster(maxConns, 64, nil)
	h.SetTransport(b)

	s := NewServer(Options{
		Hub:               h,
		Broadcaster:       b,
		Queue:             ctrl,
		Health:            tracker,
		AuthToken:         token,
		MessagesPerSecond: 100,
		Burst:             100,
	})
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		b.Close()
		srv.Close()
	})
	return &testServer{Server: srv, broadcaster: b, queue: ctrl}
}

func (ts *testServer) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

type frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// readUntil collects frames until one named stop arrives.
func readUntil(t *testing.T, conn *websocket.Conn, stop string) []frame {
	t.Helper()
	var frames []frame
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			t.Fatalf("reading until %s: %v (got %v)", stop, err, types(frames))
		}
		frames = append(frames, f)
		if f.Type == stop {
			return frames
		}
	}
}

func types(frames []frame) []string {
	out := make([]string, len(frames))
	for i, f := range frames {
		out[i] = f.Type
	}
	return out
}

func send(t *testing.T, conn *websocket.Conn, msgType string, payload any) {
	t.Helper()
	if err := conn.WriteJSON(map[string]any{"type": msgType, "payload": payload}); err != nil {
		t.Fatalf("write %s: %v", msgType, err)
	}
}

func TestWebSocketEndToEnd(t *testing.T) {
	ts := newTestServer(t, 0, "")

	first := ts.dial(t)
	got := types(readUntil(t, first, "charts-data"))
	want := []string{"initial-settings", "version-info", "login-prompt", "home-data", "charts-data"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("handshake = %v, want %v", got, want)
	}

	send(t, first, hub.MsgLogin, map[string]any{"token": "good"})
	got = types(readUntil(t, first, "favorites-updated"))
	want = []string{"logging-in", "logged-in", "family-accounts", "favorites-updated"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("login events = %v, want %v", got, want)
	}

	send(t, first, hub.MsgEnqueue, map[string]any{"url": "https://www.deezer.com/album/7", "bitrate": 3})
	frames := readUntil(t, first, hub.EventEnqueued)
	var enq hub.EnqueuedPayload
	if err := json.Unmarshal(frames[len(frames)-1].Payload, &enq); err != nil || len(enq.UUIDs) != 1 {
		t.Fatalf("enqueued payload = %s, %v", frames[len(frames)-1].Payload, err)
	}
	first.Close()

	second := ts.dial(t)
	frames = readUntil(t, second, "charts-data")
	var snap *queue.Snapshot
	for _, f := range frames {
		if f.Type == hub.EventQueueSnapshot {
			snap = &queue.Snapshot{}
			if err := json.Unmarshal(f.Payload, snap); err != nil {
				t.Fatal(err)
			}
		}
	}
	if snap == nil {
		t.Fatalf("second client handshake has no queue-snapshot: %v", types(frames))
	}
	if it, ok := snap.Items[enq.UUIDs[0]]; !ok || it.Status != queue.Queued {
		t.Errorf("snapshot item = %+v", it)
	}
}

func TestWebSocketBadMessages(t *testing.T) {
	ts := newTestServer(t, 0, "")
	conn := ts.dial(t)
	readUntil(t, conn, "charts-data")

	conn.WriteMessage(websocket.TextMessage, []byte("not json"))
	frames := readUntil(t, conn, hub.EventError)
	if len(frames) != 1 {
		t.Errorf("frames = %v", types(frames))
	}

	send(t, conn, "teleport", nil)
	readUntil(t, conn, hub.EventError)

	send(t, conn, hub.MsgEnqueue, map[string]any{"url": "https://www.deezer.com/track/1"})
	readUntil(t, conn, hub.EventLoginRequired)
	if !ts.queue.Snapshot().Empty() {
		t.Error("anonymous enqueue reached the queue")
	}
}

func TestWebSocketMaxConnections(t *testing.T) {
	ts := newTestServer(t, 1, "")
	first := ts.dial(t)
	readUntil(t, first, "charts-data")

	second := ts.dial(t)
	second.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, _, err := second.ReadMessage()
	var ce *websocket.CloseError
	if !errors.As(err, &ce) || ce.Code != websocket.CloseTryAgainLater {
		t.Errorf("second connection err = %v, want close %d", err, websocket.CloseTryAgainLater)
	}
	if ts.broadcaster.ClientCount() != 1 {
		t.Errorf("ClientCount = %d, want 1", ts.broadcaster.ClientCount())
	}
}

func TestWebSocketRequiresToken(t *testing.T) {
	ts := newTestServer(t, 0, "s3cret")
	base := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"

	_, resp, err := websocket.DefaultDialer.Dial(base, nil)
	if err == nil || resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("dial without token: err=%v resp=%v", err, resp)
	}

	conn, _, err := websocket.DefaultDialer.Dial(base+"?token=s3cret", nil)
	if err != nil {
		t.Fatalf("dial with token: %v", err)
	}
	defer conn.Close()
	readUntil(t, conn, "charts-data")
}

func TestAPIQueueAndHealth(t *testing.T) {
	ts := newTestServer(t, 0, "")
	conn := ts.dial(t)
	readUntil(t, conn, "charts-data")
	send(t, conn, hub.MsgLogin, map[string]any{"token": "good"})
	readUntil(t, conn, "favorites-updated")
	send(t, conn, hub.MsgEnqueue, map[string]any{"url": "https://a/1 https://a/2"})
	readUntil(t, conn, hub.EventEnqueued)

	resp, err := http.Get(ts.URL + "/api/queue")
	if err != nil {
		t.Fatal(err)
	}
	var snap queue.Snapshot
	json.NewDecoder(resp.Body).Decode(&snap)
	resp.Body.Close()
	if len(snap.Queue) != 2 {
		t.Errorf("/api/queue queue = %v, want 2 ids", snap.Queue)
	}

	resp, err = http.Post(ts.URL+"/api/queue", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("POST /api/queue = %d", resp.StatusCode)
	}

	resp, err = http.Get(ts.URL + "/api/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var h healthResponse
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		t.Fatal(err)
	}
	if h.Status != health.StatusHealthy || !h.Available {
		t.Errorf("health status = %s available=%v", h.Status, h.Available)
	}
	if h.Clients != 1 || h.Sessions != 1 || h.LoggedIn != 1 {
		t.Errorf("health counts = %+v", h)
	}
	if len(h.Accounts) != 1 || h.Accounts[0].State != account.Authenticated ||
		h.Accounts[0].Identity == nil || h.Accounts[0].Identity.ID != "1" {
		t.Errorf("health accounts = %+v", h.Accounts)
	}
	if h.Queue["queued"] != 2 {
		t.Errorf("health queue = %v", h.Queue)
	}
	if resp.Header.Get("X-Frame-Options") != "DENY" {
		t.Error("security headers missing from API response")
	}
}
