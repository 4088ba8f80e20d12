// Package mock provides an in-memory implementation of [audio.Device] for use
// in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// Typical usage:
//
//	dev := &mock.Device{InputSampleRate: 48000}
//	rec := capture.New(dev)
//	_ = rec.Start(ctx)
//	dev.Feed(samples)          // drives the capture callback synchronously
//	dev.Output().Advance(d)    // moves the playback clock forward
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/livevoice/pkg/audio"
)

var (
	_ audio.Device      = (*Device)(nil)
	_ audio.InputStream = (*InputStream)(nil)
	_ audio.OutputSink  = (*OutputSink)(nil)
)

// ─── Device ───────────────────────────────────────────────────────────────────

// Device is a mock implementation of [audio.Device].
// Set the exported fields before use; inspect the Call* fields after.
type Device struct {
	mu sync.Mutex

	// InputSampleRate is reported by opened input streams. Defaults to 48000.
	InputSampleRate int

	// OpenInputError is returned by OpenInput when non-nil.
	OpenInputError error

	// OpenOutputError is returned by OpenOutput when non-nil.
	OpenOutputError error

	// CallCountOpenInput records how many times OpenInput was called.
	CallCountOpenInput int

	// CallCountOpenOutput records how many times OpenOutput was called.
	CallCountOpenOutput int

	input  *InputStream
	output *OutputSink
}

// OpenInput implements [audio.Device].
func (d *Device) OpenInput(_ context.Context, h audio.InputHandler) (audio.InputStream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CallCountOpenInput++
	if d.OpenInputError != nil {
		return nil, d.OpenInputError
	}
	rate := d.InputSampleRate
	if rate <= 0 {
		rate = 48000
	}
	d.input = &InputStream{rate: rate, handler: h}
	return d.input, nil
}

// OpenOutput implements [audio.Device].
func (d *Device) OpenOutput(_ context.Context, sampleRate int) (audio.OutputSink, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CallCountOpenOutput++
	if d.OpenOutputError != nil {
		return nil, d.OpenOutputError
	}
	d.output = &OutputSink{SampleRate: sampleRate}
	return d.output, nil
}

// Input returns the most recently opened input stream, or nil.
func (d *Device) Input() *InputStream {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.input
}

// Output returns the most recently opened output sink, or nil.
func (d *Device) Output() *OutputSink {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.output
}

// Feed delivers samples to the current input stream's OnData callback on the
// calling goroutine. It is a no-op when no open stream exists.
func (d *Device) Feed(samples []float32) {
	if in := d.Input(); in != nil {
		in.Feed(samples)
	}
}

// ─── InputStream ──────────────────────────────────────────────────────────────

// InputStream is a mock implementation of [audio.InputStream].
type InputStream struct {
	mu      sync.Mutex
	rate    int
	handler audio.InputHandler
	closed  bool

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

// SampleRate implements [audio.InputStream].
func (s *InputStream) SampleRate() int { return s.rate }

// Close implements [audio.InputStream].
func (s *InputStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountClose++
	s.closed = true
	return nil
}

// Closed reports whether Close has been called.
func (s *InputStream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Feed invokes OnData with samples unless the stream has been closed.
func (s *InputStream) Feed(samples []float32) {
	s.mu.Lock()
	closed := s.closed
	onData := s.handler.OnData
	s.mu.Unlock()
	if closed || onData == nil {
		return
	}
	onData(samples)
}

// Lose simulates the device disappearing: OnLost is invoked with err and the
// stream stops delivering data.
func (s *InputStream) Lose(err error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	onLost := s.handler.OnLost
	s.mu.Unlock()
	if onLost != nil {
		onLost(err)
	}
}

// ─── OutputSink ───────────────────────────────────────────────────────────────

// ScheduleCall records a single [OutputSink.Schedule] invocation.
type ScheduleCall struct {
	// At is the requested start time on the sink clock.
	At time.Duration
	// Samples is the buffer passed to Schedule.
	Samples []float32
}

// OutputSink is a mock implementation of [audio.OutputSink] with a manual clock.
type OutputSink struct {
	mu sync.Mutex

	// SampleRate is the rate the sink was opened with.
	SampleRate int

	// ScheduleError is returned by Schedule when non-nil.
	ScheduleError error

	// ScheduleCalls records all Schedule invocations.
	ScheduleCalls []ScheduleCall

	// CallCountClose records how many times Close was called.
	CallCountClose int

	now time.Duration
}

// Now implements [audio.OutputSink].
func (s *OutputSink) Now() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

// Advance moves the sink clock forward by d.
func (s *OutputSink) Advance(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now += d
}

// Schedule implements [audio.OutputSink]. Records the call.
func (s *OutputSink) Schedule(samples []float32, at time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ScheduleError != nil {
		return s.ScheduleError
	}
	s.ScheduleCalls = append(s.ScheduleCalls, ScheduleCall{At: at, Samples: samples})
	return nil
}

// Scheduled returns a copy of the recorded Schedule calls.
func (s *OutputSink) Scheduled() []ScheduleCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ScheduleCall, len(s.ScheduleCalls))
	copy(out, s.ScheduleCalls)
	return out
}

// Close implements [audio.OutputSink].
func (s *OutputSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountClose++
	return nil
}

// Closed reports whether Close has been called at least once.
func (s *OutputSink) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CallCountClose > 0
}
