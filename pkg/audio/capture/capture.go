// Package capture turns a live microphone stream into fixed-size 16 kHz PCM
// frames for upstream transport.
//
// A [Recorder] owns the input device for as long as it is started. Every
// device callback block is decimated (nearest neighbour, no filtering) from the
// device's native rate to [audio.CaptureSampleRate], encoded to int16, and
// accumulated into a [audio.FrameSize]-sample buffer. Each full buffer is
// emitted on the [Recorder.Frames] channel; a partial buffer left at
// [Recorder.Stop] is discarded.
//
// The device callback never blocks. When the consumer falls behind and the
// frame channel is full, frames are dropped and counted.
package capture

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/MrWong99/livevoice/pkg/audio"
)

// DefaultQueueSize is the default capacity of the frame channel
// (32 frames ≈ 4 s of audio).
const DefaultQueueSize = 32

// Counters receives capture statistics. Implementations must be cheap and
// non-blocking: they are called from the device's real-time thread.
type Counters interface {
	FrameEmitted()
	FrameDropped()
}

// Option configures a [Recorder].
type Option func(*Recorder)

// WithQueueSize sets the frame channel capacity. Values below 1 are ignored.
func WithQueueSize(n int) Option {
	return func(r *Recorder) {
		if n > 0 {
			r.queueSize = n
		}
	}
}

// WithCounters attaches a statistics sink.
func WithCounters(c Counters) Option {
	return func(r *Recorder) { r.counters = c }
}

// Recorder captures microphone audio and produces [audio.AudioFrame] values.
//
// A Recorder may be started again after it has been stopped; each start gets a
// fresh frame channel. All methods are safe for concurrent use.
type Recorder struct {
	device    audio.Device
	queueSize int
	counters  Counters

	mu      sync.Mutex
	stream  audio.InputStream
	frames  chan audio.AudioFrame
	running bool
	err     error
	ratio   float64
	buf     []int16
	idx     int

	warnDropped *sync.Once
}

// New creates a Recorder reading from device.
func New(device audio.Device, opts ...Option) *Recorder {
	r := &Recorder{
		device:    device,
		queueSize: DefaultQueueSize,
		frames:    closedFrames(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// closedFrames returns an already-closed channel so that Frames never returns
// a channel that blocks forever before the first Start.
func closedFrames() chan audio.AudioFrame {
	ch := make(chan audio.AudioFrame)
	close(ch)
	return ch
}

// Start acquires the microphone and begins producing frames. It blocks until
// the device is running. Access denial is returned as a *[audio.PermissionError].
// Calling Start on a running Recorder is a no-op.
func (r *Recorder) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return nil
	}
	r.frames = make(chan audio.AudioFrame, r.queueSize)
	r.err = nil
	r.buf = make([]int16, audio.FrameSize)
	r.idx = 0
	r.warnDropped = &sync.Once{}
	r.running = true
	r.mu.Unlock()

	stream, err := r.device.OpenInput(ctx, audio.InputHandler{
		OnData: r.process,
		OnLost: r.lost,
	})
	if err != nil {
		r.mu.Lock()
		r.running = false
		close(r.frames)
		r.mu.Unlock()
		return fmt.Errorf("capture: open input: %w", err)
	}

	r.mu.Lock()
	if !r.running {
		// Stopped or lost while the device was opening.
		r.mu.Unlock()
		_ = stream.Close()
		return nil
	}
	r.stream = stream
	r.ratio = audio.DecimationRatio(stream.SampleRate(), audio.CaptureSampleRate)
	r.mu.Unlock()

	slog.Info("capture started",
		"source_rate", stream.SampleRate(),
		"target_rate", audio.CaptureSampleRate,
		"ratio", r.ratio,
	)
	return nil
}

// Frames returns the channel on which full frames are delivered. The channel
// is closed when the Recorder is stopped or the device is lost; call
// [Recorder.Err] afterwards to tell the two apart.
func (r *Recorder) Frames() <-chan audio.AudioFrame {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.frames
}

// Err returns the terminal device error that ended the most recent capture,
// or nil if capture was stopped normally or is still running.
func (r *Recorder) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Running reports whether the Recorder currently holds the microphone.
func (r *Recorder) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// Stop releases the microphone and closes the frame channel. Any partially
// filled frame is discarded. Stop is idempotent and safe to call on a Recorder
// that was never started.
func (r *Recorder) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	stream := r.finishLocked(nil)
	r.mu.Unlock()

	if stream != nil {
		if err := stream.Close(); err != nil {
			slog.Warn("capture: close input stream", "err", err)
		}
	}
	slog.Debug("capture stopped")
}

// finishLocked marks the recorder stopped, records err, closes the frame
// channel, and returns the stream to be closed outside the lock.
func (r *Recorder) finishLocked(err error) audio.InputStream {
	r.running = false
	r.err = err
	r.idx = 0
	close(r.frames)
	stream := r.stream
	r.stream = nil
	return stream
}

// lost is the device-loss callback. The error is terminal: the recorder does
// not try to reopen the device.
func (r *Recorder) lost(err error) {
	if err == nil {
		err = audio.ErrDeviceLost
	}
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	stream := r.finishLocked(err)
	r.mu.Unlock()

	slog.Error("capture: input device lost", "err", err)
	if stream != nil {
		_ = stream.Close()
	}
}

// process is the real-time device callback.
func (r *Recorder) process(samples []float32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running || r.ratio == 0 {
		return
	}
	audio.Decimate(samples, r.ratio, func(s float32) {
		r.buf[r.idx] = audio.EncodeSample(s)
		r.idx++
		if r.idx < audio.FrameSize {
			return
		}
		frame := audio.AudioFrame{
			Samples:    make([]int16, audio.FrameSize),
			SampleRate: audio.CaptureSampleRate,
		}
		copy(frame.Samples, r.buf)
		r.idx = 0
		r.emitLocked(frame)
	})
}

// emitLocked hands a frame to the consumer without blocking.
func (r *Recorder) emitLocked(frame audio.AudioFrame) {
	select {
	case r.frames <- frame:
		if r.counters != nil {
			r.counters.FrameEmitted()
		}
	default:
		if r.counters != nil {
			r.counters.FrameDropped()
		}
		r.warnDropped.Do(func() {
			slog.Warn("capture: frame queue full, dropping frames", "queue_size", r.queueSize)
		})
	}
}
