// Package audio converts between the wire representation of voice frames
// (base64 PCM16) and float samples, and provides the local capture and
// playback devices used by the voice ordering client.
package audio

import (
	"encoding/base64"
	"encoding/binary"
	"math"
	"time"
)

// DecodeError is returned when an inbound frame is not valid base64.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string {
	return "audio: malformed base64 frame: " + e.Err.Error()
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// EncodeBase64 encodes raw bytes using standard base64.
func EncodeBase64(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

// DecodeBase64 decodes standard base64 text. Malformed input yields a *DecodeError.
func DecodeBase64(s string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, &DecodeError{Err: err}
	}
	return data, nil
}

// PCM16ToFloat32 converts little-endian signed 16-bit samples to floats in [-1, 1].
// A trailing odd byte is ignored.
func PCM16ToFloat32(pcm []byte) []float32 {
	n := len(pcm) / 2
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		s := int16(binary.LittleEndian.Uint16(pcm[i*2:]))
		if s < 0 {
			out[i] = float32(s) / 32768
		} else {
			out[i] = float32(s) / 32767
		}
	}
	return out
}

// Float32ToPCM16 converts float samples to little-endian signed 16-bit PCM.
// Samples are clamped to [-1, 1] before scaling.
func Float32ToPCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		var v int16
		if s < 0 {
			v = int16(math.Round(float64(s) * 32768))
		} else {
			v = int16(math.Round(float64(s) * 32767))
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(v))
	}
	return out
}

// DecodeFrame turns a base64 PCM16 payload into float samples.
func DecodeFrame(data string) ([]float32, error) {
	pcm, err := DecodeBase64(data)
	if err != nil {
		return nil, err
	}
	return PCM16ToFloat32(pcm), nil
}

// EncodeFrame turns float samples into a base64 PCM16 payload.
func EncodeFrame(samples []float32) string {
	return EncodeBase64(Float32ToPCM16(samples))
}

// Duration returns the playing time of n mono samples at the given rate.
func Duration(samples, sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	return time.Duration(samples) * time.Second / time.Duration(sampleRate)
}

// Samples returns the number of mono samples that fit in d at the given rate.
func Samples(d time.Duration, sampleRate int) int {
	return int(time.Duration(sampleRate) * d / time.Second)
}
