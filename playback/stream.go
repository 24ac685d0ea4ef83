package playback

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/room4-2/voiceorder/audio"
)

const (
	streamChunk = 20 * time.Millisecond
	streamLead  = 100 * time.Millisecond
	jobBacklog  = 256
)

// ErrDeviceClosed is returned by Schedule after Close.
var ErrDeviceClosed = errors.New("playback: device closed")

// StreamDevice is a Device that writes PCM16 to a sink such as a sox
// process. Its clock is wall time since creation. Buffers are written a
// little ahead of their start time in short chunks so Stop takes effect
// quickly.
type StreamDevice struct {
	sink   io.Writer
	rate   int
	logger *zap.Logger
	origin time.Time

	jobs   chan *streamVoice
	ctx    context.Context
	// resampler is only touched by writeLoop.
	resampler *audio.Resampler
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

type streamVoice struct {
	buf     Buffer
	at      time.Duration
	done    func()
	stopped atomic.Bool
	once    sync.Once
	timer   *time.Timer
	mu      sync.Mutex
}

func (v *streamVoice) finish() {
	v.once.Do(func() { go v.done() })
}

// Stop silences the voice. Chunks already handed to the sink still play.
func (v *streamVoice) Stop() {
	v.stopped.Store(true)
	v.mu.Lock()
	if v.timer != nil {
		v.timer.Stop()
	}
	v.mu.Unlock()
	v.finish()
}

// NewStreamDevice creates a device writing mono PCM16 at sampleRate to sink.
func NewStreamDevice(sink io.Writer, sampleRate int, logger *zap.Logger) *StreamDevice {
	ctx, cancel := context.WithCancel(context.Background())
	d := &StreamDevice{
		sink:   sink,
		rate:   sampleRate,
		logger: logger,
		origin: time.Now(),
		jobs:   make(chan *streamVoice, jobBacklog),
		ctx:    ctx,
		cancel: cancel,
	}
	d.wg.Add(1)
	go d.writeLoop()
	return d
}

// Now returns the time since the device was created.
func (d *StreamDevice) Now() time.Duration {
	return time.Since(d.origin)
}

// Schedule queues buf for playback at device time at.
func (d *StreamDevice) Schedule(buf Buffer, at time.Duration, done func()) (Voice, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, ErrDeviceClosed
	}

	v := &streamVoice{buf: buf, at: at, done: done}
	select {
	case d.jobs <- v:
	default:
		return nil, errors.New("playback: device backlog full")
	}
	return v, nil
}

// Close stops the writer. Pending voices are finished without playing.
func (d *StreamDevice) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()

	d.cancel()
	d.wg.Wait()

	for {
		select {
		case v := <-d.jobs:
			v.Stop()
		default:
			if c, ok := d.sink.(io.Closer); ok {
				return c.Close()
			}
			return nil
		}
	}
}

func (d *StreamDevice) writeLoop() {
	defer d.wg.Done()
	for {
		select {
		case <-d.ctx.Done():
			return
		case v := <-d.jobs:
			d.play(v)
		}
	}
}

func (d *StreamDevice) play(v *streamVoice) {
	if v.stopped.Load() {
		d.resetResampler()
		return
	}

	samples, err := d.convert(v.buf)
	if err != nil {
		d.logger.Warn("Resampling failed, dropping buffer", zap.Error(err))
		d.resetResampler()
		v.finish()
		return
	}

	// Completion is driven by the clock, not by the writes, so the next
	// buffer can be written ahead while this one is still sounding.
	end := v.at + v.buf.Duration
	v.mu.Lock()
	if !v.stopped.Load() {
		v.timer = time.AfterFunc(max(end-d.Now(), 0), v.finish)
	}
	v.mu.Unlock()

	chunk := audio.Samples(streamChunk, d.rate)
	for off := 0; off < len(samples); off += chunk {
		if v.stopped.Load() {
			d.resetResampler()
			return
		}
		chunkAt := v.at + audio.Duration(off, d.rate)
		if !d.waitUntil(chunkAt - streamLead) {
			v.Stop()
			return
		}
		stop := min(off+chunk, len(samples))
		if !d.write(v, samples[off:stop]) {
			return
		}
	}

	// Nothing queued behind this buffer: the stream goes quiet, so release
	// the samples the resampler is still holding.
	if d.resampler != nil && len(d.jobs) == 0 {
		tail, err := d.resampler.Flush()
		if err != nil {
			d.logger.Warn("Resampler flush failed", zap.Error(err))
			return
		}
		d.write(v, tail)
	}
}

func (d *StreamDevice) write(v *streamVoice, samples []float32) bool {
	if len(samples) == 0 {
		return true
	}
	if _, err := d.sink.Write(audio.Float32ToPCM16(samples)); err != nil {
		d.logger.Warn("Audio sink write failed", zap.Error(err))
		d.resetResampler()
		v.Stop()
		return false
	}
	return true
}

// convert brings buf to the device rate. Consecutive buffers at the same
// rate share one resampler so the stream stays continuous.
func (d *StreamDevice) convert(buf Buffer) ([]float32, error) {
	if buf.SampleRate == d.rate {
		return buf.Samples, nil
	}
	if d.resampler == nil || d.resampler.InputRate() != buf.SampleRate {
		r, err := audio.NewResampler(buf.SampleRate, d.rate)
		if err != nil {
			return nil, err
		}
		d.resampler = r
	}
	return d.resampler.Process(buf.Samples)
}

func (d *StreamDevice) resetResampler() {
	if d.resampler != nil {
		d.resampler.Reset()
	}
}

func (d *StreamDevice) waitUntil(t time.Duration) bool {
	wait := t - d.Now()
	if wait <= 0 {
		return d.ctx.Err() == nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-d.ctx.Done():
		return false
	}
}
