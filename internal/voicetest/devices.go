package voicetest

import (
	"context"
	"errors"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/room4-2/voiceorder/messages"
	"github.com/room4-2/voiceorder/playback"
)

// Scheduled describes a buffer handed to a fake Device.
type Scheduled struct {
	At       time.Duration
	Duration time.Duration
	Samples  int
	Rate     int
	Stopped  bool
	Finished bool
}

// Device is a playback device driven by a manual clock.
type Device struct {
	mu          sync.Mutex
	now         time.Duration
	voices      []*fakeVoice
	closed      bool
	ScheduleErr error
}

type fakeVoice struct {
	d    *Device
	info Scheduled
	done func()
}

// NewDevice creates a device whose clock starts at start.
func NewDevice(start time.Duration) *Device {
	return &Device{now: start}
}

func (d *Device) Now() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.now
}

func (d *Device) Schedule(buf playback.Buffer, at time.Duration, done func()) (playback.Voice, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, errors.New("voicetest: device closed")
	}
	if d.ScheduleErr != nil {
		return nil, d.ScheduleErr
	}
	v := &fakeVoice{
		d: d,
		info: Scheduled{
			At:       at,
			Duration: buf.Duration,
			Samples:  len(buf.Samples),
			Rate:     buf.SampleRate,
		},
		done: done,
	}
	d.voices = append(d.voices, v)
	return v, nil
}

func (v *fakeVoice) Stop() {
	v.d.mu.Lock()
	if v.info.Stopped || v.info.Finished {
		v.d.mu.Unlock()
		return
	}
	v.info.Stopped = true
	v.d.mu.Unlock()
	v.done()
}

// Advance moves the clock forward and completes every buffer that has ended,
// in end-time order.
func (d *Device) Advance(delta time.Duration) {
	d.mu.Lock()
	d.now += delta
	var ended []*fakeVoice
	for _, v := range d.voices {
		if !v.info.Stopped && !v.info.Finished && v.info.At+v.info.Duration <= d.now {
			v.info.Finished = true
			ended = append(ended, v)
		}
	}
	d.mu.Unlock()

	sort.SliceStable(ended, func(i, j int) bool {
		return ended[i].info.At+ended[i].info.Duration < ended[j].info.At+ended[j].info.Duration
	})
	for _, v := range ended {
		v.done()
	}
}

// Scheduled returns every buffer handed to the device in scheduling order.
func (d *Device) Scheduled() []Scheduled {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Scheduled, len(d.voices))
	for i, v := range d.voices {
		out[i] = v.info
	}
	return out
}

func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

// Closed reports whether Close was called.
func (d *Device) Closed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// Source is a capture source fed by the test. Push returns once the
// pipeline has finished processing the pushed block.
type Source struct {
	rate     int
	blocks   chan []float32
	consumed chan struct{}
	handed   bool

	StartErr error

	mu        sync.Mutex
	started   bool
	closed    chan struct{}
	closeOnce sync.Once
}

// NewSource creates a source at sampleRate.
func NewSource(sampleRate int) *Source {
	return &Source{
		rate:     sampleRate,
		blocks:   make(chan []float32),
		consumed: make(chan struct{}),
		closed:   make(chan struct{}),
	}
}

func (s *Source) SampleRate() int { return s.rate }

func (s *Source) Start(ctx context.Context) error {
	if s.StartErr != nil {
		return s.StartErr
	}
	s.mu.Lock()
	s.started = true
	s.mu.Unlock()
	return nil
}

// Started reports whether Start succeeded.
func (s *Source) Started() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

func (s *Source) Read(p []float32) (int, error) {
	if s.handed {
		s.handed = false
		select {
		case s.consumed <- struct{}{}:
		case <-s.closed:
			return 0, io.EOF
		}
	}
	select {
	case b := <-s.blocks:
		s.handed = true
		return copy(p, b), nil
	case <-s.closed:
		return 0, io.EOF
	}
}

// Push hands a block to the reader and waits until it has been processed.
// It returns false if the source was closed first.
func (s *Source) Push(block []float32) bool {
	select {
	case s.blocks <- block:
	case <-s.closed:
		return false
	}
	select {
	case <-s.consumed:
		return true
	case <-s.closed:
		return false
	}
}

func (s *Source) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

// IsClosed reports whether Close was called.
func (s *Source) IsClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// Sender records outbound messages.
type Sender struct {
	mu     sync.Mutex
	msgs   []messages.Outbound
	Reject bool
}

func (s *Sender) Send(msg messages.Outbound) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Reject {
		return false
	}
	s.msgs = append(s.msgs, msg)
	return true
}

// Messages returns what was sent so far.
func (s *Sender) Messages() []messages.Outbound {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]messages.Outbound(nil), s.msgs...)
}
