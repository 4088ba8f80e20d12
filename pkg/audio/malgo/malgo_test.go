package malgo

import (
	"encoding/binary"
	"errors"
	"math"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrWong99/livevoice/pkg/audio"
)

// period renders frames from s and decodes them back into float32 samples.
func period(s *outputSink, frames int) []float32 {
	out := make([]byte, frames*4)
	s.render(out, frames)
	got := make([]float32, frames)
	for i := range got {
		got[i] = math.Float32frombits(binary.LittleEndian.Uint32(out[i*4:]))
	}
	return got
}

func fill(n int, v float32) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func TestOutputSink_RendersAtScheduledOffset(t *testing.T) {
	t.Parallel()

	s := &outputSink{rate: 1000}
	if err := s.Schedule(fill(3, 0.5), 2*time.Millisecond); err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	got := period(s, 8)
	want := []float32{0, 0, 0.5, 0.5, 0.5, 0, 0, 0}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("frame %d = %v; want %v (period %v)", i, got[i], want[i], got)
		}
	}
	if len(s.queue) != 0 {
		t.Errorf("queue holds %d finished buffers", len(s.queue))
	}
	if now := s.Now(); now != 8*time.Millisecond {
		t.Errorf("Now = %v; want 8ms", now)
	}
}

func TestOutputSink_BufferSpansPeriods(t *testing.T) {
	t.Parallel()

	s := &outputSink{rate: 1000}
	_ = s.Schedule(fill(5, 0.25), 0)
	_ = s.Schedule(fill(2, -0.25), 5*time.Millisecond)

	first := period(s, 4)
	second := period(s, 4)

	want := []float32{0.25, 0.25, 0.25, 0.25, 0.25, -0.25, -0.25, 0}
	got := append(first, second...)
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("frame %d = %v; want %v", i, got[i], want[i])
		}
	}
}

func TestOutputSink_LateScheduleStartsNow(t *testing.T) {
	t.Parallel()

	s := &outputSink{rate: 1000}
	period(s, 10)
	_ = s.Schedule(fill(2, 1), 3*time.Millisecond)
	if start := s.queue[0].start; start != 10 {
		t.Errorf("start = %d; want 10 (current position)", start)
	}
}

func TestOutputSink_CursorRoundTrip(t *testing.T) {
	t.Parallel()

	s := &outputSink{rate: audio.PlaybackSampleRate}
	var at time.Duration
	for i := range 50 {
		n := 1 + i*7
		if err := s.Schedule(fill(n, 0.1), at); err != nil {
			t.Fatalf("Schedule: %v", err)
		}
		at += audio.SamplesDuration(n, audio.PlaybackSampleRate)
	}
	for i := 1; i < len(s.queue); i++ {
		if s.queue[i].start != s.queue[i-1].end() {
			t.Fatalf("buffer %d starts at frame %d; previous ends at %d", i, s.queue[i].start, s.queue[i-1].end())
		}
	}
}

func TestOutputSink_ScheduleAfterClose(t *testing.T) {
	t.Parallel()

	s := &outputSink{rate: 1000, closed: true}
	if err := s.Schedule(fill(1, 0), 0); err == nil {
		t.Error("Schedule on closed sink succeeded")
	}
}

func TestInputStream_Decode(t *testing.T) {
	t.Parallel()

	in := make([]byte, 12)
	for i, v := range []float32{0.5, -1, 0.125} {
		binary.LittleEndian.PutUint32(in[i*4:], math.Float32bits(v))
	}
	s := &inputStream{}
	got := s.decode(in, 3)
	if len(got) != 3 || got[0] != 0.5 || got[1] != -1 || got[2] != 0.125 {
		t.Errorf("decode = %v", got)
	}
	// A short buffer is truncated to whole frames.
	if got := s.decode(in[:7], 3); len(got) != 1 {
		t.Errorf("decode short = %d frames; want 1", len(got))
	}
}

func TestInputStream_StoppedHandsOffOnLost(t *testing.T) {
	t.Parallel()

	s := &inputStream{}
	release := make(chan struct{})
	got := make(chan error, 2)
	var calls atomic.Int32
	h := audio.InputHandler{OnLost: func(err error) {
		calls.Add(1)
		<-release // a handler closing the stream blocks until the device thread is free
		got <- err
	}}

	returned := make(chan struct{})
	go func() {
		s.stopped(h)
		s.stopped(h)
		close(returned)
	}()
	select {
	case <-returned:
	case <-time.After(time.Second):
		t.Fatal("stop callback waited for OnLost")
	}

	close(release)
	select {
	case err := <-got:
		if !errors.Is(err, audio.ErrDeviceLost) {
			t.Errorf("OnLost err = %v; want ErrDeviceLost", err)
		}
	case <-time.After(time.Second):
		t.Fatal("OnLost never ran")
	}
	time.Sleep(20 * time.Millisecond)
	if n := calls.Load(); n != 1 {
		t.Errorf("OnLost ran %d times; want 1", n)
	}
}

func TestInputStream_StoppedWhileClosing(t *testing.T) {
	t.Parallel()

	s := &inputStream{}
	s.closing.Store(true)
	var calls atomic.Int32
	s.stopped(audio.InputHandler{OnLost: func(error) { calls.Add(1) }})
	time.Sleep(20 * time.Millisecond)
	if n := calls.Load(); n != 0 {
		t.Errorf("OnLost ran %d times after Close; want 0", n)
	}
}
