package api

import (
	"fmt"

	"github.com/bytedance/sonic"
)

// APIError is a non-2xx response from the ordering backend.
type APIError struct {
	StatusCode int
	Detail     string
}

func (e *APIError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("api: status %d", e.StatusCode)
	}
	return fmt.Sprintf("api: status %d: %s", e.StatusCode, e.Detail)
}

// SessionCreationError is returned when a voice session could not be created.
type SessionCreationError struct {
	Err error
}

func (e *SessionCreationError) Error() string {
	return "failed to create voice session: " + e.Err.Error()
}

func (e *SessionCreationError) Unwrap() error {
	return e.Err
}

// parseDetail extracts the {"detail": ...} message from an error body,
// falling back to the raw body.
func parseDetail(body []byte) string {
	var resp errorResponse
	if err := sonic.Unmarshal(body, &resp); err != nil || resp.Detail == nil {
		return string(body)
	}
	if s, ok := resp.Detail.(string); ok {
		return s
	}
	raw, err := sonic.MarshalString(resp.Detail)
	if err != nil {
		return string(body)
	}
	return raw
}
