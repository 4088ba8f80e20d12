// Package live implements a full-duplex voice session: microphone frames go
// upstream to a realtime speech backend, and synthesised speech comes back
// and is scheduled for gapless playback.
//
// A [Session] composes three parts:
//
//   - a [Capture] source that produces 16 kHz PCM frames,
//   - an [s2s.Provider] that opens the duplex connection,
//   - a [Playback] scheduler that plays inbound audio back to back.
//
// The connection is handshake-gated. After [Session.Connect] sends the setup
// request the session waits in [StateAwaitingHandshake]; frames captured in
// that window are dropped, not buffered. The server's setup acknowledgement
// opens the gate and moves the session to [StateStreaming].
//
// Every terminal path (local disconnect, remote close, capture loss) tears
// down capture, the connection, and playback in that order, exactly once.
// There is no automatic reconnection; call Connect again after a failure.
package live

import (
	"context"
	"encoding/base64"
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/MrWong99/livevoice/pkg/audio"
	"github.com/MrWong99/livevoice/pkg/provider/s2s"
)

const tracerName = "github.com/MrWong99/livevoice/pkg/live"

// inputMIMEType labels outbound audio.
const inputMIMEType = "audio/pcm"

// Capture produces fixed-size PCM frames from the microphone.
// *capture.Recorder satisfies it.
type Capture interface {
	Start(ctx context.Context) error
	Frames() <-chan audio.AudioFrame
	Err() error
	Stop()
}

// Playback schedules inbound audio payloads. *playback.Scheduler satisfies it.
type Playback interface {
	AddChunk(ctx context.Context, payload string) error
	Reset()
}

// Counters receives session statistics. *observe.Metrics satisfies it.
type Counters interface {
	FrameSent()
	FrameUngated()
	ProtocolError()
	HandshakeCompleted(d time.Duration)
	SessionActive(delta int64)
}

// Config describes the remote model.
type Config struct {
	// Model is the fully qualified model name sent in the setup request.
	Model string

	// Voice is the prebuilt voice requested for output speech.
	Voice string
}

// Option configures a [Session].
type Option func(*Session)

// WithCounters attaches a statistics sink.
func WithCounters(c Counters) Option {
	return func(s *Session) { s.counters = c }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) { s.log = l }
}

// link is the per-connection state. A new link is created for every
// successful Connect and is never reused.
type link struct {
	conn   s2s.Conn
	ctx    context.Context // cancelled at teardown
	cancel context.CancelFunc

	// Guarded by Session.mu.
	gate       bool
	ended      bool
	captureErr error
	opened     time.Time

	readerDone chan struct{}
	pumpDone   chan struct{}
	torn       chan struct{}
}

// Session is a single live voice session. It may be connected, disconnected,
// and connected again any number of times.
//
// Connect and Disconnect may be called from any goroutine. Concurrent Connect
// calls are serialised.
type Session struct {
	provider s2s.Provider
	capture  Capture
	playback Playback
	cfg      Config
	counters Counters
	log      *slog.Logger

	connectMu sync.Mutex

	mu         sync.Mutex
	status     Status
	lastErr    error
	link       *link
	attempt    uint64
	cancelDial context.CancelFunc
	onStatus   func(Status)
	seq        uint64 // bumped on every status change, guarded by mu

	notifyMu  sync.Mutex
	delivered uint64 // seq of the last snapshot handed to onStatus
}

// New creates an idle Session.
func New(provider s2s.Provider, capture Capture, playback Playback, cfg Config, opts ...Option) *Session {
	s := &Session{
		provider: provider,
		capture:  capture,
		playback: playback,
		cfg:      cfg,
		counters: nopCounters{},
		log:      slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	s.log = s.log.With("component", "live")
	return s
}

// OnStatus registers fn to be called with a fresh snapshot after every status
// change. fn may be called from internal goroutines and must not call
// [Session.Connect] or [Session.Disconnect]. Passing nil clears it.
func (s *Session) OnStatus(fn func(Status)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onStatus = fn
}

// Status returns the current observable snapshot.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Err returns the last error recorded in the status, or nil.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// ── Connect / Disconnect ────────────────────────────────────────────────────

// Connect starts capture, opens the duplex connection, and sends the setup
// request. It returns once the request is written; the session then waits in
// [StateAwaitingHandshake] for the server's acknowledgement.
//
// An empty credential fails with a *[ConfigError] and leaves the state
// unchanged. Microphone access failures return the capture error and dial
// failures a *[ConnectionError]; both also move the session to [StateFailed]
// and set the status error. A live connection is torn down before the new one
// is opened.
func (s *Session) Connect(ctx context.Context, credential string) error {
	if credential == "" {
		err := &ConfigError{Msg: "API Key missing"}
		s.setStatus(func(st *Status) { s.setErrLocked(st, err) })
		return err
	}

	s.connectMu.Lock()
	defer s.connectMu.Unlock()

	s.mu.Lock()
	old := s.link
	s.mu.Unlock()
	if old != nil {
		s.log.Info("replacing live connection")
		s.end(old, StateClosed, nil, false)
	}

	ctx, span := otel.Tracer(tracerName).Start(ctx, "live.connect")
	defer span.End()
	span.SetAttributes(attribute.String("model", s.cfg.Model))

	dialCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	s.attempt++
	attempt := s.attempt
	s.cancelDial = cancel
	s.mu.Unlock()
	s.setStatus(func(st *Status) {
		*st = Status{State: StateConnecting}
		s.lastErr = nil
	})

	if err := s.capture.Start(dialCtx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "capture start failed")
		if !s.failAttempt(attempt, &ConnectionError{Err: err}) {
			return ErrDisconnected
		}
		return err
	}

	started := time.Now()
	conn, err := s.provider.Connect(dialCtx, s2s.SessionConfig{
		APIKey:             credential,
		Model:              s.cfg.Model,
		Voice:              s.cfg.Voice,
		ResponseModalities: []string{"AUDIO"},
	})
	if err != nil {
		s.capture.Stop()
		cerr := &ConnectionError{Err: err}
		span.RecordError(cerr)
		span.SetStatus(codes.Error, "dial failed")
		if !s.failAttempt(attempt, cerr) {
			return ErrDisconnected
		}
		return cerr
	}

	linkCtx, linkCancel := context.WithCancel(context.Background())
	l := &link{
		conn:       conn,
		ctx:        linkCtx,
		cancel:     linkCancel,
		opened:     started,
		readerDone: make(chan struct{}),
		pumpDone:   make(chan struct{}),
		torn:       make(chan struct{}),
	}

	s.mu.Lock()
	if s.attempt != attempt {
		// Disconnect ran while we were dialling.
		s.mu.Unlock()
		linkCancel()
		_ = conn.Close()
		s.capture.Stop()
		return ErrDisconnected
	}
	s.cancelDial = nil
	s.link = l
	frames := s.capture.Frames()
	s.mu.Unlock()

	s.counters.SessionActive(1)
	s.setStatus(func(st *Status) { st.State = StateAwaitingHandshake })
	s.log.Info("connection open, awaiting setup acknowledgement", "model", s.cfg.Model, "voice", s.cfg.Voice)

	go s.readLoop(l)
	go s.pumpLoop(l, frames)
	return nil
}

// failAttempt records a Connect failure. It reports false, recording nothing,
// when the attempt was superseded by Disconnect.
func (s *Session) failAttempt(attempt uint64, err error) bool {
	s.mu.Lock()
	current := s.attempt == attempt
	if current {
		s.cancelDial = nil
	}
	s.mu.Unlock()
	if !current {
		return false
	}
	s.log.Error("connect failed", "err", err)
	s.setStatus(func(st *Status) {
		st.State = StateFailed
		st.Connected = false
		s.setErrLocked(st, err)
	})
	return true
}

// Disconnect closes the connection, stops capture, resets playback, and sets
// the state to [StateClosed]. It is safe to call from any state and any number
// of times; the status error is left as is.
func (s *Session) Disconnect() {
	s.mu.Lock()
	s.attempt++
	if s.cancelDial != nil {
		s.cancelDial()
		s.cancelDial = nil
	}
	l := s.link
	s.mu.Unlock()

	if l != nil {
		s.end(l, StateClosed, nil, false)
	} else {
		s.capture.Stop()
		s.playback.Reset()
	}

	s.setStatus(func(st *Status) {
		st.State = StateClosed
		st.Connected = false
		st.Talking = false
		st.Interrupted = false
		st.Volume = 0
	})
}

// end tears down l and moves the session to final, recording err if non-nil.
// Only the first caller for a link performs the teardown; later callers wait
// for it to complete unless they are the link's own reader goroutine.
func (s *Session) end(l *link, final State, err error, fromReader bool) {
	s.mu.Lock()
	if l.ended {
		s.mu.Unlock()
		if !fromReader {
			<-l.torn
		}
		return
	}
	l.ended = true
	s.status.State = StateClosing
	s.mu.Unlock()

	s.capture.Stop()
	if cerr := l.conn.Close(); cerr != nil {
		s.log.Debug("close connection", "err", cerr)
	}
	l.cancel()
	<-l.pumpDone
	if !fromReader {
		<-l.readerDone
	}
	s.playback.Reset()

	s.mu.Lock()
	if s.link == l {
		s.link = nil
	}
	s.mu.Unlock()
	s.counters.SessionActive(-1)

	s.setStatus(func(st *Status) {
		st.State = final
		st.Connected = false
		st.Talking = false
		st.Interrupted = false
		st.Volume = 0
		if err != nil {
			s.setErrLocked(st, err)
		}
	})
	close(l.torn)

	if err != nil {
		s.log.Warn("session ended", "state", final, "err", err)
	} else {
		s.log.Info("session ended", "state", final)
	}
}

// ── Inbound ─────────────────────────────────────────────────────────────────

// readLoop consumes inbound events in arrival order until the connection ends,
// then classifies how it ended.
func (s *Session) readLoop(l *link) {
	defer close(l.readerDone)

	for ev := range l.conn.Events() {
		s.handleEvent(l, ev)
	}

	s.mu.Lock()
	capErr := l.captureErr
	s.mu.Unlock()

	if capErr != nil {
		s.end(l, StateFailed, &CaptureError{Err: capErr}, true)
		return
	}

	var ce *s2s.CloseError
	switch err := l.conn.Err(); {
	case err == nil:
		// Closed locally; the closer owns the final state.
		s.end(l, StateClosed, nil, true)
	case errors.As(err, &ce) && ce.Clean():
		s.end(l, StateClosed, nil, true)
	case ce != nil:
		s.end(l, StateFailed, &AbnormalCloseError{Code: ce.Code, Reason: ce.Reason}, true)
	default:
		s.end(l, StateFailed, &AbnormalCloseError{Code: s2s.CloseAbnormal}, true)
	}
}

func (s *Session) handleEvent(l *link, ev s2s.Event) {
	switch ev := ev.(type) {
	case s2s.SetupComplete:
		s.mu.Lock()
		if l.ended || l.gate {
			s.mu.Unlock()
			s.log.Debug("ignoring duplicate setup acknowledgement")
			return
		}
		l.gate = true
		elapsed := time.Since(l.opened)
		s.mu.Unlock()

		s.counters.HandshakeCompleted(elapsed)
		s.updateLink(l, func(st *Status) {
			st.State = StateStreaming
			st.Connected = true
		})
		s.log.Info("setup complete, streaming", "handshake", elapsed)

	case s2s.AudioChunk:
		s.mu.Lock()
		drop := l.ended || s.status.Interrupted
		s.mu.Unlock()
		if drop {
			return
		}
		if err := s.playback.AddChunk(l.ctx, ev.Data); err != nil {
			s.protocolError(&ProtocolError{Op: "audio chunk", Err: err})
			return
		}
		s.updateLink(l, func(st *Status) { st.Talking = true })

	case s2s.Interrupted:
		s.updateLink(l, func(st *Status) {
			st.Interrupted = true
			st.Talking = false
		})
		s.playback.Reset()
		s.log.Debug("response interrupted")

	case s2s.TurnComplete:
		s.updateLink(l, func(st *Status) {
			st.Talking = false
			st.Interrupted = false
		})

	case s2s.ErrorEvent:
		s.log.Warn("server reported error", "code", ev.Code, "status", ev.Status, "message", ev.Message)
		s.updateLink(l, func(st *Status) { s.setErrLocked(st, ev) })

	case s2s.Malformed:
		s.protocolError(&ProtocolError{Op: "decode", Err: ev.Err})
	}
}

func (s *Session) protocolError(err *ProtocolError) {
	s.counters.ProtocolError()
	s.log.Warn("dropping inbound message", "err", err)
}

// ── Outbound ────────────────────────────────────────────────────────────────

// pumpLoop forwards captured frames while the gate is open and drops them
// otherwise. It ends when capture stops; if capture was lost it closes the
// connection so the reader records the failure.
func (s *Session) pumpLoop(l *link, frames <-chan audio.AudioFrame) {
	defer close(l.pumpDone)

	var warnSend sync.Once
	for f := range frames {
		s.mu.Lock()
		open := !l.ended && l.gate && s.status.State == StateStreaming
		s.mu.Unlock()
		if !open {
			s.counters.FrameUngated()
			continue
		}

		chunk := s2s.MediaChunk{
			MIMEType: inputMIMEType,
			Data:     base64.StdEncoding.EncodeToString(audio.PCM16LE(f.Samples)),
		}
		if err := l.conn.SendAudio(l.ctx, chunk); err != nil {
			if l.ctx.Err() == nil {
				warnSend.Do(func() { s.log.Warn("send audio failed", "err", err) })
			}
			continue
		}
		s.counters.FrameSent()

		vol := Volume(f.Samples)
		s.updateLink(l, func(st *Status) { st.Volume = vol })
	}

	if err := s.capture.Err(); err != nil {
		s.mu.Lock()
		if !l.ended {
			l.captureErr = err
		}
		s.mu.Unlock()
		_ = l.conn.Close()
	}
}

// ── Status plumbing ─────────────────────────────────────────────────────────

// setErrLocked records err as the session error. Called with s.mu held.
func (s *Session) setErrLocked(st *Status, err error) {
	s.lastErr = err
	st.Error = err.Error()
}

// setStatus applies fn to the status and notifies the observer.
func (s *Session) setStatus(fn func(*Status)) {
	s.mu.Lock()
	fn(&s.status)
	s.seq++
	seq, snap, cb := s.seq, s.status, s.onStatus
	s.mu.Unlock()
	s.notify(seq, snap, cb)
}

// updateLink is setStatus for events belonging to l. Updates from a link that
// has been torn down or replaced are discarded.
func (s *Session) updateLink(l *link, fn func(*Status)) {
	s.mu.Lock()
	if l.ended || s.link != l {
		s.mu.Unlock()
		return
	}
	fn(&s.status)
	s.seq++
	seq, snap, cb := s.seq, s.status, s.onStatus
	s.mu.Unlock()
	s.notify(seq, snap, cb)
}

// notify hands snap to cb unless a newer snapshot was already delivered, so
// the observer never sees the status move backwards. Callbacks are serialised.
func (s *Session) notify(seq uint64, snap Status, cb func(Status)) {
	if cb == nil {
		return
	}
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	if seq <= s.delivered {
		return
	}
	s.delivered = seq
	cb(snap)
}

type nopCounters struct{}

func (nopCounters) FrameSent()                       {}
func (nopCounters) FrameUngated()                    {}
func (nopCounters) ProtocolError()                   {}
func (nopCounters) HandshakeCompleted(time.Duration) {}
func (nopCounters) SessionActive(int64)              {}
