package web

import (
	"context"
	"encoding/json"
	"image/jpeg"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/isoai/isoai-client/pkg/api"
	"github.com/isoai/isoai-client/pkg/device"
	"github.com/isoai/isoai-client/pkg/encoder"
	"github.com/isoai/isoai-client/pkg/prefs"
	"github.com/isoai/isoai-client/pkg/protocol"
	"github.com/isoai/isoai-client/pkg/render"
	"github.com/isoai/isoai-client/pkg/session"
	"github.com/isoai/isoai-client/pkg/transport"
)

// stubChannel accepts every frame and never answers.
type stubChannel struct {
	mu         sync.Mutex
	connectErr error
	connected  bool
}

func (c *stubChannel) Connect(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connectErr != nil {
		return c.connectErr
	}
	c.connected = true
	return nil
}

func (c *stubChannel) Send(*protocol.Message) error         { return nil }
func (c *stubChannel) OnResult(transport.ResultHandler)     {}
func (c *stubChannel) OnStateChange(transport.StateHandler) {}
func (c *stubChannel) Stats() transport.Stats               { return transport.Stats{Reconnects: 2} }

func (c *stubChannel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *stubChannel) Close() error {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
	return nil
}

type fixture struct {
	srv      *Server
	renderer *render.Renderer
	records  *httptest.Server
	channel  *stubChannel
	devOpts  []device.MockOption
}

// recordsAPI fakes the records service.
func recordsAPI(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("POST /login", func(w http.ResponseWriter, r *http.Request) {
		var c api.Credentials
		json.NewDecoder(r.Body).Decode(&c)
		if c.Password != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			io.WriteString(w, `{"detail":"Invalid credentials"}`)
			return
		}
		io.WriteString(w, `{"access_token":"upstream-token"}`)
	})
	mux.HandleFunc("GET /get-detections", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `[{"label":"alice"}]`)
	})
	mux.HandleFunc("GET /personel/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		io.WriteString(w, `{"message":"no such person"}`)
	})
	mux.HandleFunc("POST /personel", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		io.WriteString(w, `{"id":9}`)
	})
	mux.HandleFunc("DELETE /personel/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("PUT /recog/name/{id}", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		json.NewEncoder(w).Encode(map[string]string{"id": r.PathValue("id"), "name": body["name"]})
	})
	mux.HandleFunc("DELETE /transcriptions/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newFixture(t *testing.T, auth bool, devOpts ...device.MockOption) *fixture {
	t.Helper()
	f := &fixture{
		renderer: render.New(),
		records:  recordsAPI(t),
		channel:  &stubChannel{},
		devOpts:  devOpts,
	}

	client, err := api.NewClient(api.WithBaseURL(f.records.URL))
	if err != nil {
		t.Fatal(err)
	}
	store, err := prefs.NewJSONStore(t.TempDir()+"/prefs.json", nil)
	if err != nil {
		t.Fatal(err)
	}
	enc, err := encoder.New(encoder.DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}

	cfg := DefaultConfig()
	cfg.Auth = auth
	f.srv, err = NewServer(cfg, Deps{
		Renderer: f.renderer,
		API:      client,
		Prefs:    store,
		NewSession: func() (*session.Session, error) {
			sc := session.DefaultConfig()
			sc.Width, sc.Height = 64, 48
			return session.New(sc, session.Deps{
				Device:     device.NewMockDevice(64, 48, f.devOpts...),
				Encoder:    enc,
				NewChannel: func() (transport.Channel, error) { return f.channel, nil },
				Renderer:   f.renderer,
			})
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { f.srv.Shutdown() })
	return f
}

func (f *fixture) do(t *testing.T, method, path, body string, cookies ...*http.Cookie) (*http.Response, string) {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for _, c := range cookies {
		req.AddCookie(c)
	}
	resp, err := f.srv.App().Test(req, -1)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	data, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	return resp, string(data)
}

func decode(t *testing.T, body string) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal([]byte(body), &m); err != nil {
		t.Fatalf("decode %q: %v", body, err)
	}
	return m
}

func TestAuthGate(t *testing.T) {
	f := newFixture(t, true)

	resp, body := f.do(t, http.MethodGet, "/api/view", "")
	if resp.StatusCode != http.StatusUnauthorized || decode(t, body)["error"] != "login required" {
		t.Fatalf("unauthenticated view = %d %s", resp.StatusCode, body)
	}

	resp, body = f.do(t, http.MethodPost, "/login", `{"username":"admin","password":"wrong"}`)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("bad login = %d %s", resp.StatusCode, body)
	}

	resp, body = f.do(t, http.MethodPost, "/login", `{"username":"admin"}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("missing password = %d %s", resp.StatusCode, body)
	}

	resp, body = f.do(t, http.MethodPost, "/login", `{"username":"admin","password":"secret"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login = %d %s", resp.StatusCode, body)
	}
	if strings.Contains(body, "upstream-token") {
		t.Error("upstream token leaked to the browser")
	}
	var cookie *http.Cookie
	for _, c := range resp.Cookies() {
		if c.Name == "isoai_session" {
			cookie = c
		}
	}
	if cookie == nil || !cookie.HttpOnly {
		t.Fatalf("session cookie = %+v", cookie)
	}

	if resp, body := f.do(t, http.MethodGet, "/api/view", "", cookie); resp.StatusCode != http.StatusOK {
		t.Errorf("authenticated view = %d %s", resp.StatusCode, body)
	}

	// Bearer header works too.
	req := httptest.NewRequest(http.MethodGet, "/api/view", nil)
	req.Header.Set("Authorization", "Bearer "+cookie.Value)
	if resp, _ := f.srv.App().Test(req, -1); resp.StatusCode != http.StatusOK {
		t.Errorf("bearer view = %d", resp.StatusCode)
	}

	f.do(t, http.MethodPost, "/logout", "", cookie)
	if resp, _ := f.do(t, http.MethodGet, "/api/view", "", cookie); resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("view after logout = %d", resp.StatusCode)
	}
}

func TestSessionKeyExpires(t *testing.T) {
	f := newFixture(t, true)
	now := time.Unix(1000, 0)
	f.srv.now = func() time.Time { return now }

	resp, _ := f.do(t, http.MethodPost, "/login", `{"username":"admin","password":"secret"}`)
	cookie := resp.Cookies()[0]

	now = now.Add(13 * time.Hour)
	if resp, _ := f.do(t, http.MethodGet, "/api/view", "", cookie); resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("expired key = %d, want 401", resp.StatusCode)
	}
}

func TestHealth(t *testing.T) {
	f := newFixture(t, true)
	resp, body := f.do(t, http.MethodGet, "/health", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health = %d", resp.StatusCode)
	}
	m := decode(t, body)
	if m["status"] != "ok" || m["session"] != "idle" {
		t.Errorf("health = %v", m)
	}
}

func TestSessionLifecycle(t *testing.T) {
	f := newFixture(t, false)

	resp, body := f.do(t, http.MethodGet, "/api/session", "")
	if decode(t, body)["state"] != "idle" {
		t.Errorf("initial session = %s", body)
	}

	resp, body = f.do(t, http.MethodPost, "/api/session", "")
	if resp.StatusCode != http.StatusCreated || decode(t, body)["state"] != "streaming" {
		t.Fatalf("start = %d %s", resp.StatusCode, body)
	}
	firstID := decode(t, body)["id"]

	resp, _ = f.do(t, http.MethodPost, "/api/session", "")
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("second start = %d, want 409", resp.StatusCode)
	}

	_, body = f.do(t, http.MethodPost, "/api/session/stop", "")
	stopped := decode(t, body)
	if stopped["state"] != "stopped" {
		t.Errorf("stop = %s", body)
	}
	if ch, ok := stopped["channel"].(map[string]any); !ok || ch["reconnects"] != float64(2) {
		t.Errorf("stop should report the final channel counters: %s", body)
	}
	if f.channel.Connected() {
		t.Error("channel still connected after stop")
	}

	resp, body = f.do(t, http.MethodPost, "/api/session", "")
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("restart = %d %s", resp.StatusCode, body)
	}
	if decode(t, body)["id"] == firstID {
		t.Error("restart reused the stopped session")
	}
}

func TestSessionStartFailures(t *testing.T) {
	t.Run("permission denied", func(t *testing.T) {
		f := newFixture(t, false, device.WithDeny())
		resp, body := f.do(t, http.MethodPost, "/api/session", "")
		if resp.StatusCode != http.StatusForbidden || decode(t, body)["stage"] != "permission" {
			t.Errorf("start = %d %s", resp.StatusCode, body)
		}
	})

	t.Run("channel unavailable", func(t *testing.T) {
		f := newFixture(t, false)
		f.channel.connectErr = transport.ErrChannelUnavailable
		resp, body := f.do(t, http.MethodPost, "/api/session", "")
		if resp.StatusCode != http.StatusServiceUnavailable || decode(t, body)["stage"] != "connect" {
			t.Errorf("start = %d %s", resp.StatusCode, body)
		}
		_, body = f.do(t, http.MethodGet, "/api/session", "")
		if decode(t, body)["state"] != "stopped" {
			t.Errorf("session after failure = %s", body)
		}
	})
}

func TestViewAndOverlay(t *testing.T) {
	f := newFixture(t, false)

	resp, _ := f.do(t, http.MethodGet, "/api/overlay.jpg", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("overlay without a picture = %d, want 404", resp.StatusCode)
	}

	f.do(t, http.MethodPost, "/api/session", "")
	f.renderer.Apply(&protocol.Result{Detections: []protocol.Detection{
		{Label: "alice", Similarity: 0.9, Box: protocol.Box{X1: 4, Y1: 4, X2: 30, Y2: 30}},
	}})

	_, body := f.do(t, http.MethodGet, "/api/view", "")
	var v render.View
	if err := json.Unmarshal([]byte(body), &v); err != nil {
		t.Fatal(err)
	}
	if len(v.Rows) != 1 || v.Rows[0].Label != "alice" {
		t.Errorf("view = %s", body)
	}

	resp, body = f.do(t, http.MethodGet, "/api/overlay.jpg", "")
	if resp.StatusCode != http.StatusOK || resp.Header.Get("Content-Type") != "image/jpeg" {
		t.Fatalf("overlay = %d %s", resp.StatusCode, resp.Header.Get("Content-Type"))
	}
	img, err := jpeg.Decode(strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	if b := img.Bounds(); b.Dx() != 64 || b.Dy() != 48 {
		t.Errorf("overlay bounds = %v", b)
	}
}

func TestRecordsProxy(t *testing.T) {
	f := newFixture(t, false)

	resp, body := f.do(t, http.MethodGet, "/api/detections", "")
	if resp.StatusCode != http.StatusOK || body != `[{"label":"alice"}]` {
		t.Errorf("detections = %d %s", resp.StatusCode, body)
	}

	resp, body = f.do(t, http.MethodGet, "/api/personnel/42", "")
	m := decode(t, body)
	if resp.StatusCode != http.StatusBadGateway || m["error"] != "no such person" || m["upstream_status"] != float64(404) {
		t.Errorf("missing person = %d %s", resp.StatusCode, body)
	}

	resp, body = f.do(t, http.MethodPost, "/api/personnel", `{"name":"dave"}`)
	if resp.StatusCode != http.StatusCreated || body != `{"id":9}` {
		t.Errorf("create = %d %s", resp.StatusCode, body)
	}
	if resp, _ := f.do(t, http.MethodPost, "/api/personnel", `{"name":" "}`); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("blank name = %d", resp.StatusCode)
	}

	resp, body = f.do(t, http.MethodPut, "/api/recog/7/name", `{"name":"erin"}`)
	if resp.StatusCode != http.StatusOK || decode(t, body)["name"] != "erin" {
		t.Errorf("rename = %d %s", resp.StatusCode, body)
	}

	if resp, _ := f.do(t, http.MethodDelete, "/api/personnel/9", ""); resp.StatusCode != http.StatusNoContent {
		t.Errorf("delete person = %d", resp.StatusCode)
	}
	if resp, _ := f.do(t, http.MethodDelete, "/api/transcriptions/t1", ""); resp.StatusCode != http.StatusNoContent {
		t.Errorf("delete transcription = %d", resp.StatusCode)
	}

	f.records.Close()
	resp, body = f.do(t, http.MethodGet, "/api/transcriptions", "")
	if resp.StatusCode != http.StatusBadGateway {
		t.Errorf("records down = %d %s", resp.StatusCode, body)
	}
}

func TestRecordsNotConfigured(t *testing.T) {
	srv, err := NewServer(Config{}, Deps{
		Renderer:   render.New(),
		NewSession: func() (*session.Session, error) { return nil, nil },
	})
	if err != nil {
		t.Fatal(err)
	}
	defer srv.Shutdown()

	for _, path := range []string{"/api/detections", "/login"} {
		method := http.MethodGet
		if path == "/login" {
			method = http.MethodPost
		}
		req := httptest.NewRequest(method, path, strings.NewReader(`{"username":"a","password":"b"}`))
		req.Header.Set("Content-Type", "application/json")
		resp, err := srv.App().Test(req, -1)
		if err != nil {
			t.Fatal(err)
		}
		if resp.StatusCode != http.StatusServiceUnavailable {
			t.Errorf("%s = %d, want 503", path, resp.StatusCode)
		}
	}

	if _, err := NewServer(Config{}, Deps{}); err == nil {
		t.Error("NewServer without deps should fail")
	}
}

func TestPrefs(t *testing.T) {
	f := newFixture(t, false)

	body := `{"layout":"grid","date_range":{"from":"2026-01-01T00:00:00Z","to":"2026-02-01T00:00:00Z"}}`
	resp, got := f.do(t, http.MethodPut, "/api/prefs", body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("put = %d %s", resp.StatusCode, got)
	}

	_, got = f.do(t, http.MethodGet, "/api/prefs", "")
	var p prefs.Prefs
	if err := json.Unmarshal([]byte(got), &p); err != nil {
		t.Fatal(err)
	}
	if p.Layout != "grid" || p.DateRange == nil || p.DateRange.To.Month() != time.February {
		t.Errorf("prefs = %s", got)
	}

	bad := `{"date_range":{"from":"2026-02-01T00:00:00Z","to":"2026-01-01T00:00:00Z"}}`
	if resp, _ := f.do(t, http.MethodPut, "/api/prefs", bad); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("inverted range = %d, want 400", resp.StatusCode)
	}
	if resp, _ := f.do(t, http.MethodPut, "/api/prefs", "{"); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad json = %d, want 400", resp.StatusCode)
	}
}

func TestResultsWebSocket(t *testing.T) {
	f := newFixture(t, false)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	go f.srv.Serve(ln)

	if resp, _ := f.do(t, http.MethodGet, "/ws/results", ""); resp.StatusCode != http.StatusUpgradeRequired {
		t.Errorf("plain GET /ws/results = %d, want 426", resp.StatusCode)
	}

	var conn *websocket.Conn
	deadline := time.Now().Add(2 * time.Second)
	for {
		conn, _, err = websocket.DefaultDialer.Dial("ws://"+ln.Addr().String()+"/ws/results", nil)
		if err == nil || time.Now().After(deadline) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	for f.srv.Hub().ClientCount() != 1 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(time.Millisecond)
	}

	f.renderer.Apply(&protocol.Result{Detections: []protocol.Detection{{Label: "alice"}}})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	msg, err := protocol.ParseMessage(data)
	if err != nil {
		t.Fatal(err)
	}
	var v render.View
	if err := msg.ParseData(&v); err != nil {
		t.Fatal(err)
	}
	if msg.Type != TypeView || len(v.Rows) != 1 || v.Rows[0].Label != "alice" {
		t.Errorf("pushed %s", data)
	}
}
