// Package playback schedules inbound speech audio for gapless playback on the
// output device's own clock.
//
// The [Scheduler] keeps a cursor: the device time at which the next buffer
// will start. Every chunk is placed exactly at the cursor and the cursor is
// advanced by the chunk's duration, so consecutive chunks play back to back
// with no gap and no overlap. When playback has fallen behind (the cursor is
// already in the past), the cursor first catches up to the current device time.
package playback

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/livevoice/pkg/audio"
)

// Counters receives playback statistics.
type Counters interface {
	ChunkScheduled()
	CursorCaughtUp()
}

// Option configures a [Scheduler].
type Option func(*Scheduler)

// WithCounters attaches a statistics sink.
func WithCounters(c Counters) Option {
	return func(s *Scheduler) { s.counters = c }
}

// WithSampleRate overrides the inbound sample rate (default
// [audio.PlaybackSampleRate]).
func WithSampleRate(hz int) Option {
	return func(s *Scheduler) {
		if hz > 0 {
			s.sampleRate = hz
		}
	}
}

// Scheduler owns the output device for one session. The output sink is opened
// lazily on the first chunk and released by [Scheduler.Reset].
//
// All methods are safe for concurrent use.
type Scheduler struct {
	device     audio.Device
	sampleRate int
	counters   Counters

	mu   sync.Mutex
	sink audio.OutputSink
	// cursor counts frames at sampleRate. Durations are derived from it on
	// demand, never summed, so nanosecond truncation cannot accumulate.
	cursor int64
}

// New creates a Scheduler that plays through device.
func New(device audio.Device, opts ...Option) *Scheduler {
	s := &Scheduler{
		device:     device,
		sampleRate: audio.PlaybackSampleRate,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// AddChunk decodes a base64-encoded little-endian 16-bit PCM payload and
// schedules it immediately after everything already scheduled. An empty
// payload is a no-op.
func (s *Scheduler) AddChunk(ctx context.Context, payload string) error {
	pcm, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return fmt.Errorf("playback: decode payload: %w", err)
	}
	samples := audio.DecodePCM16LE(pcm)
	if len(samples) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sink == nil {
		sink, err := s.device.OpenOutput(ctx, s.sampleRate)
		if err != nil {
			return fmt.Errorf("playback: open output: %w", err)
		}
		s.sink = sink
		s.cursor = 0
	}

	if now := s.sink.Now(); s.at() < now {
		s.cursor = s.framesAt(now)
		if s.counters != nil {
			s.counters.CursorCaughtUp()
		}
	}

	if err := s.sink.Schedule(samples, s.at()); err != nil {
		return fmt.Errorf("playback: schedule: %w", err)
	}
	s.cursor += int64(len(samples))
	if s.counters != nil {
		s.counters.ChunkScheduled()
	}
	return nil
}

// Reset halts in-flight and pending playback, discards the schedule, and
// releases the output device. It is safe to call when nothing was ever played.
func (s *Scheduler) Reset() {
	s.mu.Lock()
	sink := s.sink
	s.sink = nil
	s.cursor = 0
	s.mu.Unlock()

	if sink == nil {
		return
	}
	if err := sink.Close(); err != nil {
		slog.Warn("playback: close output sink", "err", err)
	}
}

// Cursor returns the device time at which the next chunk would start.
func (s *Scheduler) Cursor() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.at()
}

// at converts the cursor to sink time.
func (s *Scheduler) at() time.Duration {
	return time.Duration(s.cursor) * time.Second / time.Duration(s.sampleRate)
}

// framesAt converts sink time d to the first frame not before d. A clock
// derived from a frame count maps back onto that same frame.
func (s *Scheduler) framesAt(d time.Duration) int64 {
	return (int64(d)*int64(s.sampleRate) + int64(time.Second) - 1) / int64(time.Second)
}

// Active reports whether an output sink is currently open.
func (s *Scheduler) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sink != nil
}
