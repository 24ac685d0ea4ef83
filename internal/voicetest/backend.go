// Package voicetest provides in-process fakes of the ordering backend and of
// the local audio devices for tests.
package voicetest

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/room4-2/voiceorder/messages"
)

// BasePath is the mount point of the voice routes on the fake backend.
const BasePath = "/restaurant-voice"

// Request is a recorded REST call.
type Request struct {
	Method        string
	Path          string
	Authorization string
}

type sessionRecord struct {
	BusinessID string
	Debug      bool
	CreatedAt  time.Time
	Status     string
}

// Backend is a scripted ordering backend serving the REST session API and
// the per-session WebSocket.
type Backend struct {
	server   *httptest.Server
	upgrader websocket.Upgrader

	// FailCreate, when non-zero, is the status returned by POST /sessions.
	FailCreate int
	// FailEnd, when non-zero, is the status returned by DELETE /sessions/:id.
	FailEnd int
	// SkipReady suppresses the session_ready frame sent on connect.
	SkipReady bool
	// RejectSocket refuses the WebSocket upgrade with 403.
	RejectSocket bool
	// AutoPong answers ping frames with pong.
	AutoPong bool

	mu       sync.Mutex
	sessions map[string]*sessionRecord
	requests []Request
	audio    []string
	peers    chan *Peer
}

// NewBackend starts a fake backend that is shut down when the test ends.
func NewBackend(t testing.TB) *Backend {
	t.Helper()

	b := &Backend{
		AutoPong: true,
		sessions: make(map[string]*sessionRecord),
		peers:    make(chan *Peer, 16),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(b.record)

	g := e.Group(BasePath)
	g.POST("/sessions", b.handleCreate)
	g.GET("/sessions", b.handleList)
	g.GET("/sessions/:id", b.handleGet)
	g.DELETE("/sessions/:id", b.handleEnd)
	g.POST("/sessions/:id/audio", b.handleAudio)
	g.GET("/health", b.handleHealth)
	g.GET("/ws/:id", b.handleWebSocket)

	b.server = httptest.NewServer(e)
	t.Cleanup(b.server.Close)
	return b
}

// URL returns the API base URL to hand to api.NewClient.
func (b *Backend) URL() string {
	return b.server.URL + BasePath
}

// Requests returns the REST calls received so far.
func (b *Backend) Requests() []Request {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Request(nil), b.requests...)
}

// HasRequest reports whether a call with method and path was received.
func (b *Backend) HasRequest(method, path string) bool {
	for _, r := range b.Requests() {
		if r.Method == method && r.Path == path {
			return true
		}
	}
	return false
}

// SessionCount returns the number of sessions not yet ended.
func (b *Backend) SessionCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, s := range b.sessions {
		if s.Status != "ended" {
			n++
		}
	}
	return n
}

// AudioChunks returns the payloads received through the HTTP audio fallback.
func (b *Backend) AudioChunks() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.audio...)
}

// NextPeer waits for the next WebSocket connection.
func (b *Backend) NextPeer(t testing.TB, timeout time.Duration) *Peer {
	t.Helper()
	select {
	case p := <-b.peers:
		return p
	case <-time.After(timeout):
		t.Fatalf("no websocket connection within %v", timeout)
		return nil
	}
}

func (b *Backend) record(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		b.mu.Lock()
		b.requests = append(b.requests, Request{
			Method:        c.Request().Method,
			Path:          c.Request().URL.Path,
			Authorization: c.Request().Header.Get("Authorization"),
		})
		b.mu.Unlock()
		return next(c)
	}
}

func detail(c echo.Context, status int, msg string) error {
	return c.JSON(status, map[string]string{"detail": msg})
}

func (b *Backend) handleCreate(c echo.Context) error {
	if b.FailCreate != 0 {
		return detail(c, b.FailCreate, "Failed to create voice session")
	}

	var req struct {
		BusinessID string `json:"business_id"`
		Debug      bool   `json:"debug"`
	}
	if err := c.Bind(&req); err != nil {
		return detail(c, http.StatusUnprocessableEntity, "invalid body")
	}

	id := uuid.NewString()
	b.mu.Lock()
	b.sessions[id] = &sessionRecord{
		BusinessID: req.BusinessID,
		Debug:      req.Debug,
		CreatedAt:  time.Now(),
		Status:     "active",
	}
	b.mu.Unlock()

	return c.JSON(http.StatusOK, map[string]any{
		"session_id":    id,
		"business_id":   req.BusinessID,
		"websocket_url": BasePath + "/ws/" + id,
		"message":       "Restaurant voice session created successfully",
		"instructions": map[string]string{
			"websocket": "Connect to the websocket_url to start voice streaming",
		},
	})
}

func (b *Backend) sessionInfo(id string, s *sessionRecord) map[string]any {
	return map[string]any{
		"session_id":    id,
		"business_id":   s.BusinessID,
		"created_at":    s.CreatedAt.Format("2006-01-02T15:04:05"),
		"debug":         s.Debug,
		"status":        s.Status,
		"websocket_url": BasePath + "/ws/" + id,
	}
}

func (b *Backend) handleList(c echo.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	ids := []string{}
	infos := []map[string]any{}
	for id, s := range b.sessions {
		if s.Status == "ended" {
			continue
		}
		ids = append(ids, id)
		infos = append(infos, b.sessionInfo(id, s))
	}
	return c.JSON(http.StatusOK, map[string]any{
		"active_sessions": len(ids),
		"session_ids":     ids,
		"sessions":        infos,
	})
}

func (b *Backend) handleGet(c echo.Context) error {
	id := c.Param("id")
	b.mu.Lock()
	s, ok := b.sessions[id]
	var info map[string]any
	if ok {
		info = b.sessionInfo(id, s)
	}
	b.mu.Unlock()

	if !ok {
		return detail(c, http.StatusNotFound, "Voice session not found")
	}
	return c.JSON(http.StatusOK, info)
}

func (b *Backend) handleEnd(c echo.Context) error {
	if b.FailEnd != 0 {
		return detail(c, b.FailEnd, "Failed to end voice session")
	}
	id := c.Param("id")
	b.mu.Lock()
	s, ok := b.sessions[id]
	if ok {
		s.Status = "ended"
	}
	b.mu.Unlock()

	if !ok {
		return detail(c, http.StatusNotFound, "Voice session not found")
	}
	return c.JSON(http.StatusOK, map[string]string{"message": "Voice session " + id + " ended successfully"})
}

func (b *Backend) handleAudio(c echo.Context) error {
	id := c.Param("id")
	var req struct {
		AudioData string `json:"audio_data"`
	}
	if err := c.Bind(&req); err != nil {
		return detail(c, http.StatusUnprocessableEntity, "invalid body")
	}

	b.mu.Lock()
	_, ok := b.sessions[id]
	if ok {
		b.audio = append(b.audio, req.AudioData)
	}
	b.mu.Unlock()

	if !ok {
		return detail(c, http.StatusNotFound, "Voice session not found")
	}
	return c.JSON(http.StatusOK, map[string]string{"message": "Audio chunk processed successfully"})
}

func (b *Backend) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":          "healthy",
		"service":         "restaurant_voice_ordering",
		"active_sessions": b.SessionCount(),
		"features":        []string{"real_time_voice_streaming", "websocket_streaming"},
		"endpoints": map[string]string{
			"create_session": "POST " + BasePath + "/sessions",
			"websocket":      "WS " + BasePath + "/ws/{session_id}",
		},
	})
}

func (b *Backend) handleWebSocket(c echo.Context) error {
	id := c.Param("id")
	if b.RejectSocket {
		return detail(c, http.StatusForbidden, "forbidden")
	}

	conn, err := b.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return nil
	}

	p := newPeer(id, conn, b.AutoPong)
	if !b.SkipReady {
		p.Send(&messages.SessionReady{
			Type:      messages.TypeSessionReady,
			SessionID: id,
			Message:   "Voice session ready. Start speaking!",
			AudioConfig: &messages.AudioConfig{
				Format:     messages.AudioFormatPCM16,
				SampleRate: 16000,
				Channels:   1,
				Encoding:   "base64",
			},
		})
	}
	b.peers <- p
	return nil
}

// Frame is one message received from the client.
type Frame struct {
	Type string
	Raw  []byte
}

// Decode unmarshals the frame into v.
func (f Frame) Decode(v any) error {
	return sonic.Unmarshal(f.Raw, v)
}
