// Package audio defines the device abstraction and PCM helpers shared by the
// capture and playback halves of a live voice session.
//
// The central abstraction is [Device], a capability interface over the host's
// audio hardware:
//
//   - [Device.OpenInput] starts a real-time, callback-driven microphone stream.
//   - [Device.OpenOutput] returns an [OutputSink] that plays buffers at exact
//     positions on the device's own clock.
//
// Capture and playback depend only on these interfaces. The native backend
// lives in audio/malgo; audio/mock provides an in-memory device for tests.
package audio

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrDeviceLost is reported through [InputHandler.OnLost] when an input device
// stops delivering audio without being closed by its owner.
var ErrDeviceLost = errors.New("audio: device lost")

// PermissionError is returned when the host denies access to an audio device
// or the device cannot be opened at all.
type PermissionError struct {
	// Device names the direction that failed ("input" or "output").
	Device string

	// Err is the backend error, if any.
	Err error
}

func (e *PermissionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("audio: %s device access denied", e.Device)
	}
	return fmt.Sprintf("audio: %s device access denied: %v", e.Device, e.Err)
}

func (e *PermissionError) Unwrap() error { return e.Err }

// InputHandler receives callbacks from an open [InputStream].
//
// OnData is invoked on the device's real-time thread with mono float32 samples
// in [-1, 1] (values outside that range are possible and must be clamped by
// the consumer). The slice is only valid for the duration of the call.
// OnData must not block.
//
// OnLost is invoked at most once if the device stops unexpectedly. It is never
// invoked as a result of [InputStream.Close], and never on the device thread,
// so it may close the stream.
type InputHandler struct {
	OnData func(samples []float32)
	OnLost func(err error)
}

// InputStream is an open, running microphone stream.
type InputStream interface {
	// SampleRate reports the native rate, in Hz, of the samples passed to
	// [InputHandler.OnData].
	SampleRate() int

	// Close stops the stream and releases the device. After Close returns no
	// further callbacks are made. Calling Close more than once is safe.
	Close() error
}

// OutputSink is an open output device that plays scheduled buffers against its
// own monotonically advancing clock.
type OutputSink interface {
	// Now returns the current position of the device clock. The clock starts at
	// zero when the sink is opened.
	Now() time.Duration

	// Schedule queues mono samples (at the sink's sample rate) to begin playing
	// exactly at device time at. Buffers scheduled in the past are started as
	// soon as possible.
	Schedule(samples []float32, at time.Duration) error

	// Close halts all in-flight and pending playback and releases the device.
	// Calling Close more than once is safe.
	Close() error
}

// Device is the capability interface over the host's audio hardware.
//
// Implementations must be safe for concurrent use.
type Device interface {
	// OpenInput acquires the default microphone and starts delivering samples to
	// h. It blocks until the device is running or has failed. Access denial is
	// reported as a *[PermissionError].
	OpenInput(ctx context.Context, h InputHandler) (InputStream, error)

	// OpenOutput acquires the default output device at sampleRate Hz.
	OpenOutput(ctx context.Context, sampleRate int) (OutputSink, error)
}
