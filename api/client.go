// Package api is the REST client for the voice ordering backend.
package api

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"go.uber.org/zap"

	"github.com/room4-2/voiceorder/auth"
)

const defaultTimeout = 30 * time.Second

// Client talks to the session endpoints of the ordering backend.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	tokens     auth.TokenSource
	logger     *zap.Logger
}

// Option configures a Client
type Option func(*Client)

// WithHTTPClient sets the HTTP client used for requests
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithTokenSource sets the bearer token source
func WithTokenSource(ts auth.TokenSource) Option {
	return func(c *Client) { c.tokens = ts }
}

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// NewClient creates a client for the backend rooted at baseURL, e.g.
// https://api.example.com/restaurant-voice.
func NewClient(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("api: invalid base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("api: base url must be http or https, got %q", baseURL)
	}

	c := &Client{
		baseURL:    u,
		httpClient: &http.Client{Timeout: defaultTimeout},
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// CreateSession opens a voice session for businessID.
func (c *Client) CreateSession(ctx context.Context, businessID string, debug bool) (*VoiceSession, error) {
	var vs VoiceSession
	err := c.do(ctx, http.MethodPost, c.endpoint("sessions"), createSessionRequest{BusinessID: businessID, Debug: debug}, &vs)
	if err != nil {
		return nil, &SessionCreationError{Err: err}
	}
	if vs.SessionID == "" {
		return nil, &SessionCreationError{Err: errors.New("response has no session_id")}
	}
	c.logger.Info("Voice session created",
		zap.String("sessionID", vs.SessionID),
		zap.String("businessID", vs.BusinessID))
	return &vs, nil
}

// EndSession deletes a session on the backend. Callers treat failures as
// best-effort.
func (c *Client) EndSession(ctx context.Context, sessionID string) error {
	var resp messageResponse
	if err := c.do(ctx, http.MethodDelete, c.endpoint("sessions", sessionID), nil, &resp); err != nil {
		return fmt.Errorf("end session %s: %w", sessionID, err)
	}
	c.logger.Debug("Voice session ended", zap.String("sessionID", sessionID), zap.String("message", resp.Message))
	return nil
}

// GetSession fetches one session's info.
func (c *Client) GetSession(ctx context.Context, sessionID string) (*SessionInfo, error) {
	var info SessionInfo
	if err := c.do(ctx, http.MethodGet, c.endpoint("sessions", sessionID), nil, &info); err != nil {
		return nil, fmt.Errorf("get session %s: %w", sessionID, err)
	}
	return &info, nil
}

// ListSessions lists the backend's active sessions.
func (c *Client) ListSessions(ctx context.Context) (*SessionList, error) {
	var list SessionList
	if err := c.do(ctx, http.MethodGet, c.endpoint("sessions"), nil, &list); err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return &list, nil
}

// SendAudio pushes one base64 PCM16 chunk over HTTP instead of the socket.
func (c *Client) SendAudio(ctx context.Context, sessionID, audioData string, sampleRate int) error {
	body := AudioChunk{
		SessionID:  sessionID,
		AudioData:  audioData,
		Format:     "pcm16",
		SampleRate: sampleRate,
	}
	var resp messageResponse
	if err := c.do(ctx, http.MethodPost, c.endpoint("sessions", sessionID, "audio"), body, &resp); err != nil {
		return fmt.Errorf("send audio: %w", err)
	}
	return nil
}

// Health checks that the service is up.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	var h Health
	if err := c.do(ctx, http.MethodGet, c.endpoint("health"), nil, &h); err != nil {
		return nil, fmt.Errorf("health: %w", err)
	}
	return &h, nil
}

// AuthHeader returns the headers to attach to the session's WebSocket
// handshake.
func (c *Client) AuthHeader() (http.Header, error) {
	value, err := auth.BearerHeader(c.tokens)
	if err != nil {
		return nil, err
	}
	h := http.Header{}
	if value != "" {
		h.Set("Authorization", value)
	}
	return h, nil
}

// WebSocketURL resolves the socket endpoint for vs. Absolute ws(s) URLs are
// used verbatim, absolute http(s) URLs get their scheme swapped, and
// relative paths are resolved against the API host. Without a server
// supplied URL the socket lives at {base}/ws/{session_id}.
func (c *Client) WebSocketURL(vs *VoiceSession) (string, error) {
	if vs.WebSocketURL == "" {
		u := c.endpoint("ws", vs.SessionID)
		u.Scheme = wsScheme(u.Scheme)
		return u.String(), nil
	}

	ref, err := url.Parse(vs.WebSocketURL)
	if err != nil {
		return "", fmt.Errorf("api: invalid websocket_url %q: %w", vs.WebSocketURL, err)
	}

	switch ref.Scheme {
	case "ws", "wss":
		return ref.String(), nil
	case "http", "https":
		ref.Scheme = wsScheme(ref.Scheme)
		return ref.String(), nil
	case "":
		var u *url.URL
		if strings.HasPrefix(ref.Path, "/") {
			u = c.baseURL.ResolveReference(ref)
		} else {
			u = c.baseURL.JoinPath(ref.Path)
			u.RawQuery = ref.RawQuery
		}
		u.Scheme = wsScheme(c.baseURL.Scheme)
		return u.String(), nil
	default:
		return "", fmt.Errorf("api: unsupported websocket_url scheme %q", ref.Scheme)
	}
}

func wsScheme(httpScheme string) string {
	if httpScheme == "https" {
		return "wss"
	}
	return "ws"
}

// endpoint appends segments to the base URL. Each segment is escaped as a
// whole, so a '/' inside an id stays part of that id.
func (c *Client) endpoint(segments ...string) *url.URL {
	path := strings.TrimSuffix(c.baseURL.Path, "/")
	raw := strings.TrimSuffix(c.baseURL.EscapedPath(), "/")
	for _, s := range segments {
		path += "/" + s
		raw += "/" + url.PathEscape(s)
	}
	u := *c.baseURL
	u.Path = path
	u.RawPath = raw
	return &u
}

func (c *Client) do(ctx context.Context, method string, u *url.URL, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := sonic.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	authz, err := auth.BearerHeader(c.tokens)
	if err != nil {
		return err
	}
	if authz != "" {
		req.Header.Set("Authorization", authz)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &APIError{StatusCode: resp.StatusCode, Detail: parseDetail(data)}
	}

	if out == nil || len(data) == 0 {
		return nil
	}
	if err := sonic.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
