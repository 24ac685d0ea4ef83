package messages

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/bytedance/sonic"
)

// Inbound message types
const (
	TypeSessionReady = "session_ready"
	TypeAudioOutput  = "audio_output"
	TypeTextOutput   = "text_output"
	TypeCartUpdated  = "cart_updated"
	TypePong         = "pong"
	TypeHeartbeat    = "heartbeat"
	TypeError        = "error"
)

// Cart actions carried by cart_updated
const (
	CartAdd    = "add"
	CartRemove = "remove"
	CartUpdate = "update"
	CartClear  = "clear"
)

// ErrUnknownType is returned by Decode for a frame whose type tag is not recognised.
var ErrUnknownType = errors.New("messages: unknown message type")

// interruptedMarker is the text_output content the backend emits on barge-in.
const interruptedMarker = `{"interrupted":true}`

// Inbound is a frame received from the ordering backend.
type Inbound interface {
	MessageType() string
}

// AudioConfig describes the audio the backend expects from the client
type AudioConfig struct {
	Format     string `json:"format"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	Encoding   string `json:"encoding"`
}

// SessionReady is sent once the backend has attached the voice stream
type SessionReady struct {
	Type        string       `json:"type"`
	SessionID   string       `json:"session_id,omitempty"`
	Message     string       `json:"message,omitempty"`
	AudioConfig *AudioConfig `json:"audio_config,omitempty"`
}

func (m *SessionReady) MessageType() string { return m.Type }

// AudioOutput is one chunk of assistant speech
type AudioOutput struct {
	Type       string `json:"type"`
	AudioData  string `json:"audio_data"` // Base64-encoded PCM16
	Format     string `json:"format,omitempty"`
	SampleRate int    `json:"sample_rate"`
}

func (m *AudioOutput) MessageType() string { return m.Type }

// TextOutput is a transcript line
type TextOutput struct {
	Type    string `json:"type"`
	Content string `json:"content"`
	Role    string `json:"role,omitempty"` // "USER" or "ASSISTANT"
}

func (m *TextOutput) MessageType() string { return m.Type }

// Interrupted reports whether the content carries the barge-in marker.
// Whitespace is ignored when matching.
func (m *TextOutput) Interrupted() bool {
	return strings.Contains(strings.Join(strings.Fields(m.Content), ""), interruptedMarker)
}

// FromUser reports whether the line is a transcript of the customer.
func (m *TextOutput) FromUser() bool {
	return strings.EqualFold(m.Role, "user")
}

// ID is an item identifier that may be sent as a JSON string or number.
type ID string

// UnmarshalJSON accepts both "7" and 7.
func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		s, err := strconv.Unquote(string(data))
		if err != nil {
			return fmt.Errorf("messages: invalid id %s: %w", data, err)
		}
		*id = ID(s)
		return nil
	}
	if _, err := strconv.ParseFloat(string(data), 64); err != nil {
		return fmt.Errorf("messages: invalid id %s", data)
	}
	*id = ID(data)
	return nil
}

// CartItem is the wire shape of a cart line. The backend spells the
// identifier and price either as id/price or menu_item_id/unit_price.
type CartItem struct {
	ID                  ID       `json:"id,omitempty"`
	MenuItemID          ID       `json:"menu_item_id,omitempty"`
	Name                string   `json:"name"`
	Quantity            int      `json:"quantity"`
	Price               *float64 `json:"price,omitempty"`
	UnitPrice           *float64 `json:"unit_price,omitempty"`
	SpecialInstructions string   `json:"special_instructions,omitempty"`
}

// ItemID returns the item identity.
func (c *CartItem) ItemID() string {
	if c.ID != "" {
		return string(c.ID)
	}
	return string(c.MenuItemID)
}

// ItemPrice returns the unit price, zero when absent.
func (c *CartItem) ItemPrice() float64 {
	switch {
	case c.Price != nil:
		return *c.Price
	case c.UnitPrice != nil:
		return *c.UnitPrice
	}
	return 0
}

// CartUpdated is a server-side cart mutation
type CartUpdated struct {
	Type      string     `json:"type"`
	Action    string     `json:"action"`
	Item      *CartItem  `json:"item,omitempty"`
	CartItems []CartItem `json:"cart_items,omitempty"`
	CartTotal float64    `json:"cart_total"`
	ItemCount *int       `json:"item_count,omitempty"`
}

func (m *CartUpdated) MessageType() string { return m.Type }

// Pong answers a ping
type Pong struct {
	Type      string `json:"type"`
	Timestamp string `json:"timestamp,omitempty"`
}

func (m *Pong) MessageType() string { return m.Type }

// Heartbeat is an unsolicited liveness frame
type Heartbeat struct {
	Type string `json:"type"`
}

func (m *Heartbeat) MessageType() string { return m.Type }

// Error is an application-level error reported by the backend
type Error struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func (m *Error) MessageType() string { return m.Type }

type envelope struct {
	Type string `json:"type"`
}

// Decode parses an inbound frame into its concrete type.
func Decode(data []byte) (Inbound, error) {
	var env envelope
	if err := sonic.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("messages: invalid frame: %w", err)
	}

	var msg Inbound
	switch env.Type {
	case TypeSessionReady:
		msg = &SessionReady{}
	case TypeAudioOutput:
		msg = &AudioOutput{}
	case TypeTextOutput:
		msg = &TextOutput{}
	case TypeCartUpdated:
		msg = &CartUpdated{}
	case TypePong:
		msg = &Pong{}
	case TypeHeartbeat:
		msg = &Heartbeat{}
	case TypeError:
		msg = &Error{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}

	if err := sonic.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("messages: invalid %s frame: %w", env.Type, err)
	}
	return msg, nil
}

// EncodeInbound serializes a backend frame. Used by test backends.
func EncodeInbound(msg Inbound) ([]byte, error) {
	return sonic.Marshal(msg)
}
