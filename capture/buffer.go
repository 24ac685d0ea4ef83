package capture

import (
	"errors"
	"sync"
)

// ErrBufferFull is returned when the buffer exceeds its maximum size
var ErrBufferFull = errors.New("capture buffer full")

// FrameBuffer accumulates captured samples and hands them out in fixed-size
// frames.
type FrameBuffer struct {
	samples   []float32
	frameSize int
	maxSize   int
	mu        sync.Mutex
}

// NewFrameBuffer creates a buffer emitting frames of frameSize samples and
// holding at most maxSize samples.
func NewFrameBuffer(frameSize, maxSize int) *FrameBuffer {
	if maxSize < frameSize {
		maxSize = frameSize
	}
	return &FrameBuffer{
		samples:   make([]float32, 0, maxSize),
		frameSize: frameSize,
		maxSize:   maxSize,
	}
}

// FrameSize returns the number of samples per frame
func (fb *FrameBuffer) FrameSize() int {
	return fb.frameSize
}

// Append adds samples to the buffer
// Returns ErrBufferFull if adding the block would exceed maxSize
func (fb *FrameBuffer) Append(block []float32) error {
	fb.mu.Lock()
	defer fb.mu.Unlock()

	if len(fb.samples)+len(block) > fb.maxSize {
		return ErrBufferFull
	}
	fb.samples = append(fb.samples, block...)
	return nil
}

// Next removes and returns the oldest complete frame, or nil when fewer than
// FrameSize samples are buffered.
func (fb *FrameBuffer) Next() []float32 {
	fb.mu.Lock()
	defer fb.mu.Unlock()

	if len(fb.samples) < fb.frameSize {
		return nil
	}
	frame := make([]float32, fb.frameSize)
	copy(frame, fb.samples)
	n := copy(fb.samples, fb.samples[fb.frameSize:])
	fb.samples = fb.samples[:n]
	return frame
}

// Flush returns whatever is buffered, possibly a short frame, and clears the buffer
func (fb *FrameBuffer) Flush() []float32 {
	fb.mu.Lock()
	defer fb.mu.Unlock()

	if len(fb.samples) == 0 {
		return nil
	}
	out := make([]float32, len(fb.samples))
	copy(out, fb.samples)
	fb.samples = fb.samples[:0]
	return out
}

// Clear empties the buffer without returning data
func (fb *FrameBuffer) Clear() {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	fb.samples = fb.samples[:0]
}

// Size returns the number of buffered samples
func (fb *FrameBuffer) Size() int {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	return len(fb.samples)
}
