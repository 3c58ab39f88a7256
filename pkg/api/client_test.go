package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/isoai/isoai-client/pkg/retry"
)

// recordsServer fakes the records service.
func recordsServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()

	mux.HandleFunc("POST /login", func(w http.ResponseWriter, r *http.Request) {
		var c Credentials
		json.NewDecoder(r.Body).Decode(&c)
		if c.Password != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			io.WriteString(w, `{"detail":"Invalid credentials"}`)
			return
		}
		io.WriteString(w, `{"access_token":"tok-1","token_type":"bearer"}`)
	})

	authed := func(h http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Authorization") != "Bearer tok-1" {
				http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
				return
			}
			h(w, r)
		}
	}

	mux.HandleFunc("GET /get-detections", authed(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `[{"label":"alice"}]`)
	}))
	mux.HandleFunc("GET /personel", authed(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `[{"id":1,"name":"alice"}]`)
	}))
	mux.HandleFunc("GET /personel/{id}", authed(func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("id") != "1" {
			w.WriteHeader(http.StatusNotFound)
			io.WriteString(w, `{"message":"no such person"}`)
			return
		}
		io.WriteString(w, `{"id":1,"name":"alice"}`)
	}))
	mux.HandleFunc("POST /personel", authed(func(w http.ResponseWriter, r *http.Request) {
		var p NewPerson
		json.NewDecoder(r.Body).Decode(&p)
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]any{"id": 2, "name": p.Name})
	}))
	mux.HandleFunc("DELETE /personel/{id}", authed(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	mux.HandleFunc("GET /recog", authed(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `[]`)
	}))
	mux.HandleFunc("PUT /recog/name/{id}", authed(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		json.NewEncoder(w).Encode(map[string]string{"id": r.PathValue("id"), "name": body["name"]})
	}))
	mux.HandleFunc("GET /transcriptions", authed(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `[{"id":"t1"}]`)
	}))
	mux.HandleFunc("GET /transcriptions/{id}", authed(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"id":"`+r.PathValue("id")+`","text":"hello"}`)
	}))
	mux.HandleFunc("DELETE /transcriptions/{id}", authed(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"deleted":true}`)
	}))

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestLoginStoresToken(t *testing.T) {
	srv := recordsServer(t)
	c, err := NewClient(WithBaseURL(srv.URL + "/"))
	if err != nil {
		t.Fatal(err)
	}

	resp, err := c.Login(context.Background(), Credentials{Username: "admin", Password: "secret"})
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	if resp.Token != "tok-1" || c.Token() != "tok-1" {
		t.Errorf("token = %q / %q", resp.Token, c.Token())
	}

	if _, err := c.Detections(context.Background()); err != nil {
		t.Errorf("Detections after login: %v", err)
	}
}

func TestLoginRejected(t *testing.T) {
	srv := recordsServer(t)
	c, _ := NewClient(WithBaseURL(srv.URL))

	_, err := c.Login(context.Background(), Credentials{Username: "admin", Password: "wrong"})

	var re *RequestError
	if !errors.As(err, &re) {
		t.Fatalf("Login error = %v, want *RequestError", err)
	}
	if !re.IsUnauthorized() || re.Message != "Invalid credentials" {
		t.Errorf("RequestError = %+v", re)
	}
	if !errors.Is(err, ErrRemoteRequestFailed) {
		t.Error("RequestError should match ErrRemoteRequestFailed")
	}
	if c.Token() != "" {
		t.Error("token set after failed login")
	}
}

func TestRecordCalls(t *testing.T) {
	srv := recordsServer(t)
	c, _ := NewClient(WithBaseURL(srv.URL), WithToken("tok-1"))
	ctx := context.Background()

	tests := []struct {
		name string
		call func() (json.RawMessage, error)
		want string
	}{
		{"detections", func() (json.RawMessage, error) { return c.Detections(ctx) }, `[{"label":"alice"}]`},
		{"personnel", func() (json.RawMessage, error) { return c.Personnel(ctx) }, `[{"id":1,"name":"alice"}]`},
		{"person", func() (json.RawMessage, error) { return c.Person(ctx, "1") }, `{"id":1,"name":"alice"}`},
		{"create person", func() (json.RawMessage, error) { return c.CreatePerson(ctx, NewPerson{Name: "bob"}) }, `{"id":2,"name":"bob"}`},
		{"recognitions", func() (json.RawMessage, error) { return c.Recognitions(ctx) }, `[]`},
		{"rename", func() (json.RawMessage, error) { return c.RenameRecognition(ctx, "r 7", "carol") }, `{"id":"r 7","name":"carol"}`},
		{"transcriptions", func() (json.RawMessage, error) { return c.Transcriptions(ctx) }, `[{"id":"t1"}]`},
		{"transcription", func() (json.RawMessage, error) { return c.Transcription(ctx, "t1") }, `{"id":"t1","text":"hello"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.call()
			if err != nil {
				t.Fatalf("error = %v", err)
			}
			if string(got) != tt.want {
				t.Errorf("got %s, want %s", got, tt.want)
			}
		})
	}

	if err := c.DeletePerson(ctx, "2"); err != nil {
		t.Errorf("DeletePerson: %v", err)
	}
	if err := c.DeleteTranscription(ctx, "t1"); err != nil {
		t.Errorf("DeleteTranscription: %v", err)
	}
}

func TestNotFound(t *testing.T) {
	srv := recordsServer(t)
	c, _ := NewClient(WithBaseURL(srv.URL), WithToken("tok-1"))

	_, err := c.Person(context.Background(), "99")
	var re *RequestError
	if !errors.As(err, &re) || !re.IsNotFound() {
		t.Fatalf("error = %v, want 404", err)
	}
	if re.Message != "no such person" || re.Path != "/personel/99" || re.Method != http.MethodGet {
		t.Errorf("RequestError = %+v", re)
	}
	if !strings.Contains(err.Error(), "status 404") {
		t.Errorf("Error() = %q", err.Error())
	}
}

func TestCreatePersonRequiresName(t *testing.T) {
	c, _ := NewClient()
	if _, err := c.CreatePerson(context.Background(), NewPerson{Name: "  "}); err == nil {
		t.Error("blank name should fail")
	}
}

func TestNoRetryByDefault(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	c, _ := NewClient(WithBaseURL(srv.URL))
	_, err := c.Recognitions(context.Background())

	var re *RequestError
	if !errors.As(err, &re) || !re.IsServerError() {
		t.Fatalf("error = %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
}

func TestOptInRetry(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		io.WriteString(w, `{"ok":true}`)
	}))
	defer srv.Close()

	p := retry.Exponential{Initial: time.Millisecond, Multiplier: 1, MaxAttempts: 5}
	c, _ := NewClient(WithBaseURL(srv.URL), WithRetry(p))

	got, err := c.Detections(context.Background())
	if err != nil {
		t.Fatalf("error = %v", err)
	}
	if string(got) != `{"ok":true}` || calls.Load() != 3 {
		t.Errorf("got %s after %d calls", got, calls.Load())
	}
}

func TestRetryNotAppliedToClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	p := retry.Exponential{Initial: time.Millisecond, Multiplier: 1, MaxAttempts: 5}
	c, _ := NewClient(WithBaseURL(srv.URL), WithRetry(p))

	if _, err := c.Detections(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
}

func TestHeadersAndTransportErrors(t *testing.T) {
	got := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got <- r.Header.Get("X-Tenant")
		io.WriteString(w, "null")
	}))
	c, _ := NewClient(WithBaseURL(srv.URL), WithHeaders(map[string]string{"X-Tenant": "acme"}))

	if _, err := c.Detections(context.Background()); err != nil {
		t.Fatal(err)
	}
	if h := <-got; h != "acme" {
		t.Errorf("X-Tenant = %q", h)
	}

	srv.Close()
	_, err := c.Detections(context.Background())
	var re *RequestError
	if !errors.As(err, &re) || re.StatusCode != 0 || !re.IsRetryable() {
		t.Errorf("error = %v, want transport RequestError", err)
	}
}

func TestNewClientValidatesURL(t *testing.T) {
	for _, u := range []string{"", "localhost", "://x"} {
		if _, err := NewClient(WithBaseURL(u)); err == nil {
			t.Errorf("NewClient(%q) should fail", u)
		}
	}
}

func TestErrorMessage(t *testing.T) {
	tests := []struct {
		body string
		want string
	}{
		{`{"error":"e"}`, "e"},
		{`{"message":"m"}`, "m"},
		{`{"detail":"d"}`, "d"},
		{`{"detail":[{"loc":["body"]}]}`, `[{"loc":["body"]}]`},
		{"plain text\n", "plain text"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := errorMessage([]byte(tt.body)); got != tt.want {
			t.Errorf("errorMessage(%q) = %q, want %q", tt.body, got, tt.want)
		}
	}
}
