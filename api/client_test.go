package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/room4-2/voiceorder/auth"
)

func newTestClient(t *testing.T, h http.HandlerFunc, opts ...Option) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := NewClient(srv.URL+"/restaurant-voice", opts...)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return c
}

func TestCreateSession(t *testing.T) {
	var gotBody, gotAuth, gotPath string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"session_id":"s-1","business_id":"b-9","websocket_url":"/restaurant-voice/ws/s-1","message":"created","instructions":{"websocket":"connect"}}`)
	}, WithTokenSource(auth.NewStaticToken("tok")))

	vs, err := c.CreateSession(context.Background(), "b-9", true)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if gotPath != "/restaurant-voice/sessions" {
		t.Fatalf("path = %q", gotPath)
	}
	if gotAuth != "Bearer tok" {
		t.Fatalf("Authorization = %q, want Bearer tok", gotAuth)
	}
	if gotBody != `{"business_id":"b-9","debug":true}` {
		t.Fatalf("body = %s", gotBody)
	}
	if vs.SessionID != "s-1" || vs.BusinessID != "b-9" || vs.Instructions["websocket"] != "connect" {
		t.Fatalf("unexpected session: %+v", vs)
	}
}

func TestCreateSessionFailure(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		io.WriteString(w, `{"detail":"Failed to create voice session: no credentials"}`)
	})

	_, err := c.CreateSession(context.Background(), "b-9", false)
	var sce *SessionCreationError
	if !errors.As(err, &sce) {
		t.Fatalf("err = %v, want *SessionCreationError", err)
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v, want wrapped *APIError", err)
	}
	if apiErr.StatusCode != 500 || !strings.Contains(apiErr.Detail, "no credentials") {
		t.Fatalf("unexpected api error: %+v", apiErr)
	}
}

func TestCreateSessionTransportFailure(t *testing.T) {
	c, err := NewClient("http://127.0.0.1:1")
	if err != nil {
		t.Fatal(err)
	}
	_, err = c.CreateSession(context.Background(), "b", false)
	var sce *SessionCreationError
	if !errors.As(err, &sce) {
		t.Fatalf("err = %v, want *SessionCreationError", err)
	}
}

func TestEndSession(t *testing.T) {
	var method, path string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		method, path = r.Method, r.URL.Path
		io.WriteString(w, `{"message":"Voice session s-1 ended successfully"}`)
	})
	if err := c.EndSession(context.Background(), "s-1"); err != nil {
		t.Fatalf("EndSession: %v", err)
	}
	if method != http.MethodDelete || path != "/restaurant-voice/sessions/s-1" {
		t.Fatalf("got %s %s", method, path)
	}
}

func TestEndSessionNotFound(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		io.WriteString(w, `{"detail":"Voice session not found"}`)
	})
	err := c.EndSession(context.Background(), "gone")
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusNotFound {
		t.Fatalf("err = %v, want 404 APIError", err)
	}
}

func TestListGetHealthAndAudio(t *testing.T) {
	var audioBody string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/restaurant-voice/sessions":
			io.WriteString(w, `{"active_sessions":1,"session_ids":["s-1"],"sessions":[{"session_id":"s-1","business_id":"b","status":"active"}]}`)
		case r.Method == http.MethodGet && r.URL.Path == "/restaurant-voice/sessions/s-1":
			io.WriteString(w, `{"session_id":"s-1","business_id":"b","created_at":"2025-01-01T00:00:00","debug":false,"status":"active","websocket_url":"/restaurant-voice/ws/s-1"}`)
		case r.URL.Path == "/restaurant-voice/health":
			io.WriteString(w, `{"status":"healthy","service":"restaurant_voice_ordering","active_sessions":1,"features":["websocket_streaming"]}`)
		case r.Method == http.MethodPost && r.URL.Path == "/restaurant-voice/sessions/s-1/audio":
			b, _ := io.ReadAll(r.Body)
			audioBody = string(b)
			io.WriteString(w, `{"message":"Audio chunk processed successfully"}`)
		default:
			http.NotFound(w, r)
		}
	})
	ctx := context.Background()

	list, err := c.ListSessions(ctx)
	if err != nil || list.ActiveSessions != 1 || len(list.SessionIDs) != 1 {
		t.Fatalf("ListSessions = (%+v, %v)", list, err)
	}

	info, err := c.GetSession(ctx, "s-1")
	if err != nil || info.Status != "active" {
		t.Fatalf("GetSession = (%+v, %v)", info, err)
	}

	h, err := c.Health(ctx)
	if err != nil || !h.Healthy() {
		t.Fatalf("Health = (%+v, %v)", h, err)
	}

	if err := c.SendAudio(ctx, "s-1", "AAA=", 16000); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}
	want := `{"session_id":"s-1","audio_data":"AAA=","format":"pcm16","sample_rate":16000}`
	if audioBody != want {
		t.Fatalf("audio body = %s, want %s", audioBody, want)
	}
}

func TestWebSocketURL(t *testing.T) {
	c, err := NewClient("https://api.example.com/restaurant-voice")
	if err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		name string
		url  string
		want string
	}{
		{"empty", "", "wss://api.example.com/restaurant-voice/ws/s-1"},
		{"absolute path", "/restaurant-voice/ws/s-1", "wss://api.example.com/restaurant-voice/ws/s-1"},
		{"relative path", "ws/s-1", "wss://api.example.com/restaurant-voice/ws/s-1"},
		{"http url", "http://other:8000/ws/s-1", "ws://other:8000/ws/s-1"},
		{"ws url", "wss://edge.example.com/ws/s-1?x=1", "wss://edge.example.com/ws/s-1?x=1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := c.WebSocketURL(&VoiceSession{SessionID: "s-1", WebSocketURL: tt.url})
			if err != nil {
				t.Fatalf("WebSocketURL: %v", err)
			}
			if got != tt.want {
				t.Fatalf("WebSocketURL = %q, want %q", got, tt.want)
			}
		})
	}

	if _, err := c.WebSocketURL(&VoiceSession{SessionID: "s", WebSocketURL: "ftp://x/y"}); err == nil {
		t.Fatal("expected error for ftp scheme")
	}
}

func TestSessionIDEscapedOnce(t *testing.T) {
	var paths []string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.EscapedPath())
		io.WriteString(w, `{"message":"ok","session_id":"a/b%c"}`)
	})

	ctx := context.Background()
	if err := c.EndSession(ctx, "a/b%c"); err != nil {
		t.Fatalf("EndSession: %v", err)
	}
	if _, err := c.GetSession(ctx, "a/b%c"); err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if err := c.SendAudio(ctx, "a/b%c", "AAA=", 16000); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}

	want := []string{
		"/restaurant-voice/sessions/a%2Fb%25c",
		"/restaurant-voice/sessions/a%2Fb%25c",
		"/restaurant-voice/sessions/a%2Fb%25c/audio",
	}
	if strings.Join(paths, " ") != strings.Join(want, " ") {
		t.Fatalf("paths = %v, want %v", paths, want)
	}

	ws, err := c.WebSocketURL(&VoiceSession{SessionID: "a/b"})
	if err != nil {
		t.Fatalf("WebSocketURL: %v", err)
	}
	if !strings.HasSuffix(ws, "/restaurant-voice/ws/a%2Fb") {
		t.Fatalf("WebSocketURL = %q", ws)
	}
}

func TestNewClientRejectsScheme(t *testing.T) {
	if _, err := NewClient("ws://localhost"); err == nil {
		t.Fatal("expected error for ws base url")
	}
}

func TestAuthHeaderExpiredToken(t *testing.T) {
	c, err := NewClient("http://localhost", WithTokenSource(expiredSource{}))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.AuthHeader(); !errors.Is(err, auth.ErrTokenExpired) {
		t.Fatalf("err = %v, want ErrTokenExpired", err)
	}
}

type expiredSource struct{}

func (expiredSource) Token() (string, error) { return "", auth.ErrTokenExpired }
