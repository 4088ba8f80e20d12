package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/MrWong99/livevoice/internal/config"
	"github.com/MrWong99/livevoice/internal/health"
	"github.com/MrWong99/livevoice/internal/observe"
	"github.com/MrWong99/livevoice/pkg/audio"
	"github.com/MrWong99/livevoice/pkg/audio/capture"
	malgoaudio "github.com/MrWong99/livevoice/pkg/audio/malgo"
	"github.com/MrWong99/livevoice/pkg/audio/playback"
	"github.com/MrWong99/livevoice/pkg/live"
	"github.com/MrWong99/livevoice/pkg/provider/s2s"
)

// apiKeyEnv is consulted when live.provider.api_key is empty.
const apiKeyEnv = "GEMINI_API_KEY"

// liveRunner drives one voice session from connect to disconnect.
type liveRunner struct {
	session  *live.Session
	provider string
	apiKey   string
	metrics  *observe.Metrics
	out      io.Writer
	closer   io.Closer

	printMu  sync.Mutex
	lastLine string
	ended    chan live.Status
}

// newLiveRunner opens the native audio backend and builds the session.
func newLiveRunner(cfg *config.Config, reg *config.Registry, metrics *observe.Metrics, out io.Writer) (*liveRunner, error) {
	provider, err := reg.CreateS2S(cfg.Live.Provider)
	if err != nil {
		return nil, fmt.Errorf("create s2s provider %q: %w", cfg.Live.Provider.Name, err)
	}
	backend, err := malgoaudio.New(malgoaudio.Config{
		CaptureSampleRate: cfg.Audio.CaptureSampleRate,
		PeriodMS:          cfg.Audio.PeriodMS,
	})
	if err != nil {
		return nil, err
	}
	r := newLiveSession(cfg, backend, provider, metrics, out)
	r.closer = backend
	return r, nil
}

// newLiveSession wires capture, playback and the session over device.
func newLiveSession(cfg *config.Config, device audio.Device, provider s2s.Provider, metrics *observe.Metrics, out io.Writer) *liveRunner {
	capOpts := []capture.Option{capture.WithQueueSize(cfg.Audio.QueueSize)}
	playOpts := []playback.Option{}
	sessOpts := []live.Option{}
	if metrics != nil {
		capOpts = append(capOpts, capture.WithCounters(metrics))
		playOpts = append(playOpts, playback.WithCounters(metrics))
		sessOpts = append(sessOpts, live.WithCounters(metrics))
	}

	r := &liveRunner{
		session: live.New(
			provider,
			capture.New(device, capOpts...),
			playback.New(device, playOpts...),
			live.Config{Model: cfg.Live.Provider.Model, Voice: cfg.Live.Voice},
			sessOpts...,
		),
		provider: cfg.Live.Provider.Name,
		apiKey:   cfg.Live.Provider.APIKey,
		metrics:  metrics,
		out:      out,
		ended:    make(chan live.Status, 1),
	}
	if r.apiKey == "" {
		r.apiKey = os.Getenv(apiKeyEnv)
	}
	r.session.OnStatus(r.onStatus)
	return r
}

// Run connects and waits until the session ends or ctx is cancelled, in which
// case it disconnects. It fails if the session ended in [live.StateFailed].
func (r *liveRunner) Run(ctx context.Context) error {
	if err := r.session.Connect(ctx, r.apiKey); err != nil {
		var cfgErr *live.ConfigError
		if errors.As(err, &cfgErr) {
			return fmt.Errorf("%w (set live.provider.api_key or $%s)", err, apiKeyEnv)
		}
		return err
	}

	select {
	case <-ctx.Done():
		r.session.Disconnect()
		return nil
	case st := <-r.ended:
		if st.State == live.StateFailed {
			if r.metrics != nil {
				r.metrics.RecordProviderError(ctx, r.provider, "session")
			}
			return fmt.Errorf("session failed: %s", st.Error)
		}
		return nil
	}
}

// Checkers reports the session as ready only while streaming.
func (r *liveRunner) Checkers() []health.Checker {
	return []health.Checker{health.SessionCheck(r.session.Status)}
}

// Close releases the audio backend.
func (r *liveRunner) Close() error {
	if r.closer == nil {
		return nil
	}
	return r.closer.Close()
}

func (r *liveRunner) onStatus(st live.Status) {
	r.printMu.Lock()
	if line := statusLine(st); line != r.lastLine {
		r.lastLine = line
		fmt.Fprintln(r.out, line)
	}
	r.printMu.Unlock()

	if st.State == live.StateFailed || st.State == live.StateClosed {
		select {
		case r.ended <- st:
		default:
			slog.Debug("session end already reported", "state", st.State)
		}
	}
}

// statusLine renders the parts of st a user cares about. Volume is left out
// so the line only changes on meaningful transitions.
func statusLine(st live.Status) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s]", st.State)
	if st.Connected {
		b.WriteString(" connected")
	}
	if st.Talking {
		b.WriteString(" talking")
	}
	if st.Interrupted {
		b.WriteString(" interrupted")
	}
	if st.Error != "" {
		fmt.Fprintf(&b, " error: %s", st.Error)
	}
	return b.String()
}
