package api

// VoiceSession is the backend's handle for one voice conversation.
type VoiceSession struct {
	SessionID    string         `json:"session_id"`
	BusinessID   string         `json:"business_id"`
	WebSocketURL string         `json:"websocket_url"`
	Message      string         `json:"message,omitempty"`
	Instructions map[string]any `json:"instructions,omitempty"`
}

type createSessionRequest struct {
	BusinessID string `json:"business_id"`
	Debug      bool   `json:"debug"`
}

// SessionInfo is returned by GetSession.
type SessionInfo struct {
	SessionID    string `json:"session_id"`
	BusinessID   string `json:"business_id"`
	CreatedAt    string `json:"created_at"`
	Debug        bool   `json:"debug"`
	Status       string `json:"status"`
	WebSocketURL string `json:"websocket_url"`
}

// SessionList is returned by ListSessions.
type SessionList struct {
	ActiveSessions int           `json:"active_sessions"`
	SessionIDs     []string      `json:"session_ids"`
	Sessions       []SessionInfo `json:"sessions,omitempty"`
}

// AudioChunk is the body of the HTTP audio fallback.
type AudioChunk struct {
	SessionID  string `json:"session_id"`
	AudioData  string `json:"audio_data"`
	Format     string `json:"format"`
	SampleRate int    `json:"sample_rate"`
}

// Health is the service health check result.
type Health struct {
	Status         string            `json:"status"`
	Service        string            `json:"service"`
	ActiveSessions int               `json:"active_sessions"`
	Features       []string          `json:"features,omitempty"`
	Endpoints      map[string]string `json:"endpoints,omitempty"`
	Error          string            `json:"error,omitempty"`
}

// Healthy reports whether the backend said it is up.
func (h *Health) Healthy() bool {
	return h.Status == "healthy" || h.Status == "ok"
}

type messageResponse struct {
	Message string `json:"message"`
}

type errorResponse struct {
	Detail any `json:"detail"`
}
