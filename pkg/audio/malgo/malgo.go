// Package malgo implements [audio.Device] on top of miniaudio through
// github.com/gen2brain/malgo.
//
// Both directions use mono float32 devices. The capture device runs at the
// configured native rate and hands each period straight to the consumer's
// callback. The playback sink renders scheduled buffers into the device's
// period callback and derives its clock from the number of frames rendered, so
// the scheduler's timeline and the audible output never drift apart.
package malgo

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gen2brain/malgo"

	"github.com/MrWong99/livevoice/pkg/audio"
)

// Compile-time assertions.
var (
	_ audio.Device      = (*Backend)(nil)
	_ audio.InputStream = (*inputStream)(nil)
	_ audio.OutputSink  = (*outputSink)(nil)
)

// Default device parameters.
const (
	DefaultCaptureSampleRate = 48000
	DefaultPeriodMS          = 20
)

// Config holds backend settings.
type Config struct {
	// CaptureSampleRate is the native microphone rate requested from the
	// device. Defaults to [DefaultCaptureSampleRate].
	CaptureSampleRate int

	// PeriodMS is the device period size in milliseconds. Defaults to
	// [DefaultPeriodMS].
	PeriodMS int
}

// Backend is an [audio.Device] backed by a single miniaudio context.
type Backend struct {
	cfg  Config
	mctx *malgo.AllocatedContext

	closeOnce sync.Once
}

// New initialises the miniaudio context.
func New(cfg Config) (*Backend, error) {
	if cfg.CaptureSampleRate <= 0 {
		cfg.CaptureSampleRate = DefaultCaptureSampleRate
	}
	if cfg.PeriodMS <= 0 {
		cfg.PeriodMS = DefaultPeriodMS
	}

	ctxCfg := malgo.ContextConfig{}
	ctxCfg.ThreadPriority = malgo.ThreadPriorityRealtime

	mctx, err := malgo.InitContext(nil, ctxCfg, nil)
	if err != nil {
		return nil, fmt.Errorf("malgo: init context: %w", err)
	}
	return &Backend{cfg: cfg, mctx: mctx}, nil
}

// Close releases the miniaudio context. Streams and sinks opened from this
// backend must be closed first.
func (b *Backend) Close() error {
	var err error
	b.closeOnce.Do(func() {
		err = b.mctx.Uninit()
		b.mctx.Free()
	})
	return err
}

// ── Capture ─────────────────────────────────────────────────────────────────

type inputStream struct {
	device  *malgo.Device
	rate    int
	closing atomic.Bool
	once    sync.Once
	lost    sync.Once
	buf     []float32
}

// OpenInput implements [audio.Device]. Any failure to initialise or start the
// capture device is reported as a *[audio.PermissionError].
func (b *Backend) OpenInput(_ context.Context, h audio.InputHandler) (audio.InputStream, error) {
	s := &inputStream{rate: b.cfg.CaptureSampleRate}

	devCfg := malgo.DefaultDeviceConfig(malgo.Capture)
	devCfg.Capture.Format = malgo.FormatF32
	devCfg.Capture.Channels = 1
	devCfg.SampleRate = uint32(b.cfg.CaptureSampleRate)
	devCfg.PeriodSizeInMilliseconds = uint32(b.cfg.PeriodMS)

	callbacks := malgo.DeviceCallbacks{
		Data: func(_, in []byte, frames uint32) {
			if h.OnData == nil || s.closing.Load() {
				return
			}
			h.OnData(s.decode(in, int(frames)))
		},
		Stop: func() { s.stopped(h) },
	}

	device, err := malgo.InitDevice(b.mctx.Context, devCfg, callbacks)
	if err != nil {
		return nil, &audio.PermissionError{Device: "input", Err: err}
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		return nil, &audio.PermissionError{Device: "input", Err: err}
	}
	s.device = device

	slog.Debug("malgo: capture device started", "sample_rate", s.rate, "period_ms", b.cfg.PeriodMS)
	return s, nil
}

// decode converts little-endian float32 frames into a reusable slice. Only the
// device thread calls it.
func (s *inputStream) decode(in []byte, frames int) []float32 {
	n := min(frames, len(in)/4)
	if cap(s.buf) < n {
		s.buf = make([]float32, n)
	}
	out := s.buf[:n]
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(in[i*4:]))
	}
	return out
}

// stopped runs on the device thread when miniaudio stops the capture device.
// miniaudio deadlocks if a device is stopped or uninitialised from inside its
// own callback, and OnLost usually closes the stream, so the handler runs on
// its own goroutine.
func (s *inputStream) stopped(h audio.InputHandler) {
	if s.closing.Load() || h.OnLost == nil {
		return
	}
	s.lost.Do(func() { go h.OnLost(audio.ErrDeviceLost) })
}

func (s *inputStream) SampleRate() int { return s.rate }

func (s *inputStream) Close() error {
	var err error
	s.once.Do(func() {
		s.closing.Store(true)
		err = s.device.Stop()
		s.device.Uninit()
	})
	if err != nil {
		return fmt.Errorf("malgo: stop capture device: %w", err)
	}
	return nil
}

// ── Playback ────────────────────────────────────────────────────────────────

// scheduled is a buffer placed on the sink timeline, in frames.
type scheduled struct {
	start   int64
	samples []float32
}

func (p scheduled) end() int64 { return p.start + int64(len(p.samples)) }

type outputSink struct {
	device *malgo.Device
	rate   int

	mu       sync.Mutex
	rendered int64 // frames handed to the device so far
	queue    []scheduled
	closed   bool

	once sync.Once
}

// OpenOutput implements [audio.Device].
func (b *Backend) OpenOutput(_ context.Context, sampleRate int) (audio.OutputSink, error) {
	if sampleRate <= 0 {
		return nil, fmt.Errorf("malgo: invalid output sample rate %d", sampleRate)
	}
	s := &outputSink{rate: sampleRate}

	devCfg := malgo.DefaultDeviceConfig(malgo.Playback)
	devCfg.Playback.Format = malgo.FormatF32
	devCfg.Playback.Channels = 1
	devCfg.SampleRate = uint32(sampleRate)
	devCfg.PeriodSizeInMilliseconds = uint32(b.cfg.PeriodMS)

	device, err := malgo.InitDevice(b.mctx.Context, devCfg, malgo.DeviceCallbacks{
		Data: func(out, _ []byte, frames uint32) { s.render(out, int(frames)) },
	})
	if err != nil {
		return nil, &audio.PermissionError{Device: "output", Err: err}
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		return nil, &audio.PermissionError{Device: "output", Err: err}
	}
	s.device = device

	slog.Debug("malgo: playback device started", "sample_rate", sampleRate)
	return s, nil
}

// render fills one device period. Buffers on the timeline never overlap; any
// frame not covered by a buffer is silence.
func (s *outputSink) render(out []byte, frames int) {
	frames = min(frames, len(out)/4)
	clear(out)

	s.mu.Lock()
	defer s.mu.Unlock()

	from := s.rendered
	to := from + int64(frames)

	keep := s.queue[:0]
	for _, p := range s.queue {
		if p.start < to && p.end() > from {
			lo := max(p.start, from)
			hi := min(p.end(), to)
			for f := lo; f < hi; f++ {
				v := p.samples[f-p.start]
				binary.LittleEndian.PutUint32(out[(f-from)*4:], math.Float32bits(v))
			}
		}
		if p.end() > to {
			keep = append(keep, p)
		}
	}
	clear(s.queue[len(keep):])
	s.queue = keep
	s.rendered = to
}

func (s *outputSink) Now() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return audio.SamplesDuration(int(s.rendered), s.rate)
}

func (s *outputSink) Schedule(samples []float32, at time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("malgo: output sink closed")
	}
	// Round to the nearest frame: cursor durations are truncated to whole
	// nanoseconds and must map back onto the frame they were derived from.
	start := (int64(at)*int64(s.rate) + int64(time.Second)/2) / int64(time.Second)
	if start < s.rendered {
		start = s.rendered
	}
	s.queue = append(s.queue, scheduled{start: start, samples: samples})
	return nil
}

func (s *outputSink) Close() error {
	var err error
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.queue = nil
		s.mu.Unlock()

		err = s.device.Stop()
		s.device.Uninit()
	})
	if err != nil {
		return fmt.Errorf("malgo: stop playback device: %w", err)
	}
	return nil
}
