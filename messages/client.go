package messages

import "github.com/bytedance/sonic"

// Outbound message types
const (
	TypeStartConversation = "start_conversation"
	TypeAudioInput        = "audio_input"
	TypePing              = "ping"
	TypeEndSession        = "end_session"
)

// AudioFormatPCM16 is the only audio format spoken on the wire.
const AudioFormatPCM16 = "pcm16"

// Outbound is a frame the client sends to the ordering backend.
type Outbound interface {
	MessageType() string
}

// StartConversation asks the assistant to take its first turn
type StartConversation struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func (m *StartConversation) MessageType() string { return m.Type }

// AudioInput carries one captured microphone frame
type AudioInput struct {
	Type       string `json:"type"`
	AudioData  string `json:"audio_data"` // Base64-encoded PCM16
	Format     string `json:"format"`
	SampleRate int    `json:"sample_rate"`
}

func (m *AudioInput) MessageType() string { return m.Type }

// Ping is the heartbeat frame
type Ping struct {
	Type string `json:"type"`
}

func (m *Ping) MessageType() string { return m.Type }

// EndSession tells the backend the client is leaving
type EndSession struct {
	Type string `json:"type"`
}

func (m *EndSession) MessageType() string { return m.Type }

// NewStartConversation creates a greeting trigger
func NewStartConversation(message string) *StartConversation {
	return &StartConversation{Type: TypeStartConversation, Message: message}
}

// NewAudioInput creates an audio frame message
func NewAudioInput(data string, sampleRate int) *AudioInput {
	return &AudioInput{
		Type:       TypeAudioInput,
		AudioData:  data,
		Format:     AudioFormatPCM16,
		SampleRate: sampleRate,
	}
}

// NewPing creates a heartbeat message
func NewPing() *Ping {
	return &Ping{Type: TypePing}
}

// NewEndSession creates an end-of-session message
func NewEndSession() *EndSession {
	return &EndSession{Type: TypeEndSession}
}

// Encode serializes an outbound message.
func Encode(msg Outbound) ([]byte, error) {
	return sonic.Marshal(msg)
}
