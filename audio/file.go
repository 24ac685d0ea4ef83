package audio

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// LoadPCMFile loads a WAV or raw PCM16 mono file and returns its samples at
// sampleRate. Raw files are assumed to already be at sampleRate.
func LoadPCMFile(path string, sampleRate int) ([]float32, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	if len(data) > 12 && string(data[0:4]) == "RIFF" && string(data[8:12]) == "WAVE" {
		pcm, rate, err := parseWAV(data)
		if err != nil {
			return nil, fmt.Errorf("audio: %s: %w", path, err)
		}
		return Resample(PCM16ToFloat32(pcm), rate, sampleRate)
	}

	return PCM16ToFloat32(data), nil
}

// parseWAV walks the RIFF chunks and returns the data chunk and sample rate.
func parseWAV(data []byte) ([]byte, int, error) {
	r := bytes.NewReader(data[12:])
	rate := 0
	for {
		var id [4]byte
		var size uint32
		if _, err := io.ReadFull(r, id[:]); err != nil {
			return nil, 0, errors.New("wav: no data chunk")
		}
		if err := binary.Read(r, binary.LittleEndian, &size); err != nil {
			return nil, 0, errors.New("wav: truncated chunk header")
		}

		switch string(id[:]) {
		case "fmt ":
			var f struct {
				AudioFormat   uint16
				Channels      uint16
				SampleRate    uint32
				ByteRate      uint32
				BlockAlign    uint16
				BitsPerSample uint16
			}
			if err := binary.Read(r, binary.LittleEndian, &f); err != nil {
				return nil, 0, errors.New("wav: truncated fmt chunk")
			}
			if f.AudioFormat != 1 || f.Channels != 1 || f.BitsPerSample != 16 {
				return nil, 0, fmt.Errorf("wav: need mono 16-bit PCM, got format=%d channels=%d bits=%d",
					f.AudioFormat, f.Channels, f.BitsPerSample)
			}
			rate = int(f.SampleRate)
			if _, err := r.Seek(int64(size)-16, io.SeekCurrent); err != nil {
				return nil, 0, err
			}
		case "data":
			if rate == 0 {
				return nil, 0, errors.New("wav: data chunk before fmt chunk")
			}
			start := len(data) - r.Len()
			end := start + int(size)
			if end > len(data) {
				end = len(data)
			}
			return data[start:end], rate, nil
		default:
			if _, err := r.Seek(int64(size+size%2), io.SeekCurrent); err != nil {
				return nil, 0, err
			}
		}
	}
}

// FileSource replays an audio file as if it were a microphone.
type FileSource struct {
	path       string
	sampleRate int
	realtime   bool

	mu        sync.Mutex
	samples   []float32
	pos       int
	closed    chan struct{}
	closeOnce sync.Once
}

// NewFileSource creates a source reading path. When realtime is set, Read
// paces blocks at their playing duration.
func NewFileSource(path string, sampleRate int, realtime bool) *FileSource {
	return &FileSource{
		path:       path,
		sampleRate: sampleRate,
		realtime:   realtime,
		closed:     make(chan struct{}),
	}
}

// SampleRate returns the rate samples are delivered at.
func (s *FileSource) SampleRate() int {
	return s.sampleRate
}

// CheckPermission verifies the file is readable.
func (s *FileSource) CheckPermission(ctx context.Context) error {
	f, err := os.Open(s.path)
	if err != nil {
		return err
	}
	return f.Close()
}

// Start loads the file.
func (s *FileSource) Start(ctx context.Context) error {
	samples, err := LoadPCMFile(s.path, s.sampleRate)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.samples = samples
	s.pos = 0
	s.mu.Unlock()
	return nil
}

// Read copies the next block into p. It returns io.EOF once the file is
// exhausted or the source is closed.
func (s *FileSource) Read(p []float32) (int, error) {
	select {
	case <-s.closed:
		return 0, io.EOF
	default:
	}

	s.mu.Lock()
	if s.pos >= len(s.samples) {
		s.mu.Unlock()
		return 0, io.EOF
	}
	n := copy(p, s.samples[s.pos:])
	s.pos += n
	s.mu.Unlock()

	if s.realtime {
		timer := time.NewTimer(Duration(n, s.sampleRate))
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-s.closed:
			return n, io.EOF
		}
	}
	return n, nil
}

// Close stops delivery.
func (s *FileSource) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}
