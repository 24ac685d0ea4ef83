// Package capture streams microphone audio to the ordering backend while
// recording is enabled.
package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/room4-2/voiceorder/audio"
	"github.com/room4-2/voiceorder/messages"
)

const (
	DefaultSampleRate    = 16000
	DefaultFrameDuration = 64 * time.Millisecond
)

// Source is a mono audio input.
type Source interface {
	SampleRate() int
	Start(ctx context.Context) error
	// Read blocks until samples are available and copies at most len(p) of
	// them into p. It returns io.EOF at the end of the stream.
	Read(p []float32) (int, error)
	Close() error
}

// Sender accepts outbound messages. It reports false when the message was
// dropped.
type Sender interface {
	Send(msg messages.Outbound) bool
}

// Config configures a Pipeline
type Config struct {
	FrameDuration time.Duration
}

// Pipeline reads blocks from a Source and, while recording, sends them as
// audio_input frames.
type Pipeline struct {
	source Source
	sender Sender
	logger *zap.Logger
	buffer *FrameBuffer

	recording atomic.Bool
	sent      atomic.Int64
	dropped   atomic.Int64

	mu      sync.Mutex
	started bool
	stopped bool
	done    chan struct{}
}

// New creates a pipeline. Recording starts disabled.
func New(source Source, sender Sender, cfg Config, logger *zap.Logger) *Pipeline {
	if cfg.FrameDuration <= 0 {
		cfg.FrameDuration = DefaultFrameDuration
	}
	frameSize := audio.Samples(cfg.FrameDuration, source.SampleRate())
	if frameSize <= 0 {
		frameSize = 1
	}

	return &Pipeline{
		source: source,
		sender: sender,
		logger: logger,
		buffer: NewFrameBuffer(frameSize, frameSize*4),
		done:   make(chan struct{}),
	}
}

// Start opens the source and begins the read loop.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return errors.New("capture: pipeline stopped")
	}
	if p.started {
		return nil
	}
	if err := p.source.Start(ctx); err != nil {
		return fmt.Errorf("capture: start source: %w", err)
	}
	p.started = true

	go p.run()
	return nil
}

// SetRecording enables or disables emission. The change applies to the next
// block read from the source; the source keeps running either way.
func (p *Pipeline) SetRecording(on bool) {
	p.recording.Store(on)
}

// Recording reports whether frames are being emitted.
func (p *Pipeline) Recording() bool {
	return p.recording.Load()
}

// SampleRate returns the source's sample rate.
func (p *Pipeline) SampleRate() int {
	return p.source.SampleRate()
}

// FramesSent returns the number of frames accepted by the sender.
func (p *Pipeline) FramesSent() int64 {
	return p.sent.Load()
}

// Done is closed when the read loop exits.
func (p *Pipeline) Done() <-chan struct{} {
	return p.done
}

// Stop disables recording, closes the source and waits for the loop to exit.
// It is safe to call more than once.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	started := p.started
	p.mu.Unlock()

	p.recording.Store(false)
	if err := p.source.Close(); err != nil {
		p.logger.Warn("Closing capture source failed", zap.Error(err))
	}
	if started {
		<-p.done
	} else {
		close(p.done)
	}
}

func (p *Pipeline) run() {
	defer close(p.done)

	block := make([]float32, p.buffer.FrameSize())
	rate := p.source.SampleRate()

	for {
		n, err := p.source.Read(block)
		if n > 0 {
			p.process(block[:n], rate)
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				p.logger.Warn("Capture source failed", zap.Error(err))
			}
			if p.recording.Load() {
				if tail := p.buffer.Flush(); len(tail) > 0 {
					p.emit(tail, rate)
				}
			}
			p.logger.Debug("Capture loop finished",
				zap.Int64("framesSent", p.sent.Load()),
				zap.Int64("framesDropped", p.dropped.Load()))
			return
		}
	}
}

func (p *Pipeline) process(block []float32, rate int) {
	if !p.recording.Load() {
		p.buffer.Clear()
		return
	}

	if err := p.buffer.Append(block); err != nil {
		p.logger.Warn("Capture buffer overflow, dropping block", zap.Error(err))
		p.buffer.Clear()
		return
	}
	for frame := p.buffer.Next(); frame != nil; frame = p.buffer.Next() {
		p.emit(frame, rate)
	}
}

func (p *Pipeline) emit(frame []float32, rate int) {
	msg := messages.NewAudioInput(audio.EncodeFrame(frame), rate)
	if p.sender.Send(msg) {
		p.sent.Add(1)
	} else {
		p.dropped.Add(1)
	}
}
