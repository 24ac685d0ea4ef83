// Package playback schedules streamed assistant audio for gapless playback
// on a device clock.
package playback

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/room4-2/voiceorder/audio"
)

// DefaultSampleRate is the rate the backend streams assistant speech at.
const DefaultSampleRate = 24000

// Frame is one received chunk of base64 PCM16 audio.
type Frame struct {
	Data       string
	SampleRate int
}

// Buffer is a decoded frame ready to be scheduled.
type Buffer struct {
	Samples    []float32
	SampleRate int
	Duration   time.Duration
}

// Voice is a scheduled buffer.
type Voice interface {
	// Stop silences the buffer if it has not finished.
	Stop()
}

// Device is an audio output with its own clock.
type Device interface {
	// Now returns the device clock.
	Now() time.Duration
	// Schedule plays buf starting at device time at and calls done once
	// when it finishes or is stopped. done is never called from within
	// Schedule itself.
	Schedule(buf Buffer, at time.Duration, done func()) (Voice, error)
	Close() error
}

// Decode turns a frame into a playable buffer.
func Decode(f Frame) (Buffer, error) {
	samples, err := audio.DecodeFrame(f.Data)
	if err != nil {
		return Buffer{}, err
	}
	rate := f.SampleRate
	if rate <= 0 {
		rate = DefaultSampleRate
	}
	return Buffer{
		Samples:    samples,
		SampleRate: rate,
		Duration:   audio.Duration(len(samples), rate),
	}, nil
}

// Queue chains frames back to back on the device timeline. The cursor is the
// device time at which the next buffer starts.
type Queue struct {
	device Device
	logger *zap.Logger

	mu      sync.Mutex
	active  map[uint64]Voice
	nextID  uint64
	playing bool
	cursor  time.Duration
	gen     uint64
	onIdle  func()
}

// NewQueue creates a queue playing on device.
func NewQueue(device Device, logger *zap.Logger) *Queue {
	return &Queue{
		device: device,
		logger: logger,
		active: make(map[uint64]Voice),
	}
}

// OnIdle registers a callback run each time the last scheduled buffer
// finishes. It runs outside the queue's lock.
func (q *Queue) OnIdle(fn func()) {
	q.mu.Lock()
	q.onIdle = fn
	q.mu.Unlock()
}

// Enqueue schedules frames in order after everything already scheduled.
// Undecodable frames are skipped. Audio already playing is not disturbed.
func (q *Queue) Enqueue(frames ...Frame) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, f := range frames {
		buf, err := Decode(f)
		if err != nil {
			q.logger.Warn("Skipping undecodable audio frame", zap.Error(err))
			continue
		}
		if len(buf.Samples) == 0 {
			continue
		}
		q.scheduleLocked(buf)
	}
}

func (q *Queue) scheduleLocked(buf Buffer) {
	now := q.device.Now()
	start := q.cursor
	if !q.playing || start < now {
		start = now
	}

	id := q.nextID
	q.nextID++
	gen := q.gen

	voice, err := q.device.Schedule(buf, start, func() { q.ended(gen, id) })
	if err != nil {
		q.logger.Warn("Dropping audio frame, device refused it", zap.Error(err))
		return
	}

	q.active[id] = voice
	q.playing = true
	q.cursor = start + buf.Duration
}

func (q *Queue) ended(gen, id uint64) {
	q.mu.Lock()
	if gen != q.gen {
		q.mu.Unlock()
		return
	}
	if _, ok := q.active[id]; !ok {
		q.mu.Unlock()
		return
	}
	delete(q.active, id)
	if len(q.active) > 0 {
		q.mu.Unlock()
		return
	}
	q.playing = false
	onIdle := q.onIdle
	q.mu.Unlock()

	if onIdle != nil {
		onIdle()
	}
}

// Stop halts the playing buffer, discards everything scheduled after it and
// resets the cursor. The next Enqueue starts at the current device time.
func (q *Queue) Stop() {
	q.mu.Lock()
	voices := q.active
	q.active = make(map[uint64]Voice)
	q.playing = false
	q.cursor = 0
	q.gen++
	q.mu.Unlock()

	for _, v := range voices {
		v.Stop()
	}
	if len(voices) > 0 {
		q.logger.Debug("Playback stopped", zap.Int("discarded", len(voices)))
	}
}

// Playing reports whether any buffer is scheduled or playing.
func (q *Queue) Playing() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.playing
}

// Pending returns the number of scheduled buffers that have not finished.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.active)
}

// Cursor returns the device time at which the next buffer would start.
func (q *Queue) Cursor() time.Duration {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.cursor
}
