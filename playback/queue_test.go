package playback_test

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/room4-2/voiceorder/audio"
	"github.com/room4-2/voiceorder/internal/voicetest"
	"github.com/room4-2/voiceorder/playback"
)

// frame returns a 24 kHz frame lasting d.
func frame(d time.Duration) playback.Frame {
	n := audio.Samples(d, 24000)
	return playback.Frame{Data: audio.EncodeFrame(make([]float32, n)), SampleRate: 24000}
}

func TestQueueSchedulesBackToBack(t *testing.T) {
	t0 := 5 * time.Second
	dev := voicetest.NewDevice(t0)
	q := playback.NewQueue(dev, zap.NewNop())

	q.Enqueue(frame(100 * time.Millisecond))
	q.Enqueue(frame(200*time.Millisecond), frame(50*time.Millisecond))

	got := dev.Scheduled()
	want := []time.Duration{t0, t0 + 100*time.Millisecond, t0 + 300*time.Millisecond}
	if len(got) != len(want) {
		t.Fatalf("scheduled %d buffers, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i].At != want[i] {
			t.Fatalf("buffer %d at %v, want %v", i, got[i].At, want[i])
		}
	}
	if c := q.Cursor(); c != t0+350*time.Millisecond {
		t.Fatalf("cursor = %v, want %v", c, t0+350*time.Millisecond)
	}
	if !q.Playing() {
		t.Fatal("queue not playing")
	}
}

func TestQueueAppendsWithoutRestarting(t *testing.T) {
	dev := voicetest.NewDevice(0)
	q := playback.NewQueue(dev, zap.NewNop())

	q.Enqueue(frame(100 * time.Millisecond))
	dev.Advance(40 * time.Millisecond)
	q.Enqueue(frame(100 * time.Millisecond))

	got := dev.Scheduled()
	if len(got) != 2 {
		t.Fatalf("scheduled %d buffers, want 2", len(got))
	}
	if got[0].Stopped {
		t.Fatal("in-flight buffer was stopped")
	}
	if got[1].At != 100*time.Millisecond {
		t.Fatalf("second buffer at %v, want 100ms", got[1].At)
	}
}

func TestQueueIdleThenResume(t *testing.T) {
	dev := voicetest.NewDevice(0)
	q := playback.NewQueue(dev, zap.NewNop())
	var idle atomic.Int32
	q.OnIdle(func() { idle.Add(1) })

	q.Enqueue(frame(100 * time.Millisecond))
	dev.Advance(100 * time.Millisecond)
	if q.Playing() {
		t.Fatal("queue still playing after last buffer ended")
	}
	if idle.Load() != 1 {
		t.Fatalf("OnIdle called %d times, want 1", idle.Load())
	}

	dev.Advance(time.Second)
	q.Enqueue(frame(100 * time.Millisecond))
	got := dev.Scheduled()
	if len(got) != 2 || got[1].At != 1100*time.Millisecond {
		t.Fatalf("resumed buffer = %+v, want start at device now (1.1s)", got)
	}
	if !q.Playing() {
		t.Fatal("queue did not resume")
	}
}

func TestQueueStop(t *testing.T) {
	dev := voicetest.NewDevice(0)
	q := playback.NewQueue(dev, zap.NewNop())
	var idle atomic.Int32
	q.OnIdle(func() { idle.Add(1) })

	q.Enqueue(frame(100*time.Millisecond), frame(100*time.Millisecond), frame(100*time.Millisecond))
	dev.Advance(50 * time.Millisecond)
	q.Stop()

	if q.Playing() || q.Pending() != 0 {
		t.Fatalf("after Stop: playing=%v pending=%d", q.Playing(), q.Pending())
	}
	for i, s := range dev.Scheduled() {
		if !s.Stopped {
			t.Fatalf("buffer %d not stopped", i)
		}
	}
	if idle.Load() != 0 {
		t.Fatalf("stale completions reached OnIdle %d times", idle.Load())
	}

	dev.Advance(20 * time.Millisecond)
	q.Enqueue(frame(100 * time.Millisecond))
	got := dev.Scheduled()
	if last := got[len(got)-1]; last.At != 70*time.Millisecond {
		t.Fatalf("enqueue after stop at %v, want current time 70ms", last.At)
	}
}

func TestQueueSkipsMalformedFrame(t *testing.T) {
	dev := voicetest.NewDevice(0)
	q := playback.NewQueue(dev, zap.NewNop())

	q.Enqueue(frame(100*time.Millisecond), playback.Frame{Data: "%%%not-base64", SampleRate: 24000}, frame(50*time.Millisecond))

	got := dev.Scheduled()
	if len(got) != 2 {
		t.Fatalf("scheduled %d buffers, want 2", len(got))
	}
	if got[1].At != 100*time.Millisecond {
		t.Fatalf("frame after bad one at %v, want 100ms", got[1].At)
	}
}

func TestQueueDeviceRefusal(t *testing.T) {
	dev := voicetest.NewDevice(0)
	dev.ScheduleErr = errors.New("device lost")
	q := playback.NewQueue(dev, zap.NewNop())

	q.Enqueue(frame(100 * time.Millisecond))
	if q.Playing() {
		t.Fatal("queue playing although the device refused the buffer")
	}
}

func TestDecodeDefaultsSampleRate(t *testing.T) {
	buf, err := playback.Decode(playback.Frame{Data: audio.EncodeFrame(make([]float32, 2400))})
	if err != nil {
		t.Fatal(err)
	}
	if buf.SampleRate != playback.DefaultSampleRate || buf.Duration != 100*time.Millisecond {
		t.Fatalf("buffer = rate %d duration %v", buf.SampleRate, buf.Duration)
	}
}
