package live_test

import (
	"context"
	"encoding/base64"
	"errors"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrWong99/livevoice/pkg/audio"
	"github.com/MrWong99/livevoice/pkg/audio/capture"
	audiomock "github.com/MrWong99/livevoice/pkg/audio/mock"
	"github.com/MrWong99/livevoice/pkg/audio/playback"
	"github.com/MrWong99/livevoice/pkg/live"
	"github.com/MrWong99/livevoice/pkg/provider/s2s"
	s2smock "github.com/MrWong99/livevoice/pkg/provider/s2s/mock"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

type counters struct {
	sent       atomic.Int64
	ungated    atomic.Int64
	protoErrs  atomic.Int64
	handshakes atomic.Int64
	active     atomic.Int64
}

func (c *counters) FrameSent()                       { c.sent.Add(1) }
func (c *counters) FrameUngated()                    { c.ungated.Add(1) }
func (c *counters) ProtocolError()                   { c.protoErrs.Add(1) }
func (c *counters) HandshakeCompleted(time.Duration) { c.handshakes.Add(1) }
func (c *counters) SessionActive(d int64)            { c.active.Add(d) }

type harness struct {
	sess *live.Session
	dev  *audiomock.Device
	prov *s2smock.Provider
	ctr  *counters
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		dev:  &audiomock.Device{InputSampleRate: audio.CaptureSampleRate},
		prov: &s2smock.Provider{},
		ctr:  &counters{},
	}
	h.sess = live.New(
		h.prov,
		capture.New(h.dev),
		playback.New(h.dev),
		live.Config{Model: "models/gemini-2.0-flash", Voice: "Puck"},
		live.WithCounters(h.ctr),
	)
	t.Cleanup(h.sess.Disconnect)
	return h
}

// connect opens a connection and returns its scripted conn.
func (h *harness) connect(t *testing.T) *s2smock.Conn {
	t.Helper()
	if err := h.sess.Connect(context.Background(), "test-key"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	return h.prov.LastConn()
}

// stream connects and completes the handshake.
func (h *harness) stream(t *testing.T) *s2smock.Conn {
	t.Helper()
	conn := h.connect(t)
	conn.Emit(s2s.SetupComplete{})
	eventually(t, "streaming", func() bool { return h.sess.Status().State == live.StateStreaming })
	return conn
}

// feedFrame pushes exactly one frame's worth of samples through capture.
func (h *harness) feedFrame(v float32) {
	samples := make([]float32, audio.FrameSize)
	for i := range samples {
		samples[i] = v
	}
	h.dev.Feed(samples)
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func payload(n int) string {
	samples := make([]int16, n)
	for i := range samples {
		samples[i] = 1000
	}
	return base64.StdEncoding.EncodeToString(audio.PCM16LE(samples))
}

// ── Connect ───────────────────────────────────────────────────────────────────

func TestConnect_EmptyCredential(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	err := h.sess.Connect(context.Background(), "")

	var cfgErr *live.ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("err = %v; want *live.ConfigError", err)
	}
	if err.Error() != "API Key missing" {
		t.Errorf("message = %q; want %q", err.Error(), "API Key missing")
	}
	st := h.sess.Status()
	if st.State != live.StateIdle {
		t.Errorf("state = %v; want idle", st.State)
	}
	if st.Error != "API Key missing" {
		t.Errorf("status error = %q", st.Error)
	}
	if len(h.prov.Calls()) != 0 {
		t.Error("provider dialled with empty credential")
	}
	if h.dev.CallCountOpenInput != 0 {
		t.Error("microphone opened with empty credential")
	}
}

func TestConnect_SendsSetupAndAwaitsHandshake(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.connect(t)

	calls := h.prov.Calls()
	if len(calls) != 1 {
		t.Fatalf("Connect calls = %d; want 1", len(calls))
	}
	cfg := calls[0].Cfg
	if cfg.APIKey != "test-key" || cfg.Model != "models/gemini-2.0-flash" || cfg.Voice != "Puck" {
		t.Errorf("setup config = %+v", cfg)
	}
	if !slices.Equal(cfg.ResponseModalities, []string{"AUDIO"}) {
		t.Errorf("modalities = %v; want [AUDIO]", cfg.ResponseModalities)
	}

	st := h.sess.Status()
	if st.State != live.StateAwaitingHandshake {
		t.Errorf("state = %v; want awaiting_handshake", st.State)
	}
	if st.Connected {
		t.Error("Connected = true before setup acknowledgement")
	}
	if h.dev.Input() == nil {
		t.Error("capture not started")
	}
}

func TestConnect_PermissionDenied(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.dev.OpenInputError = &audio.PermissionError{Device: "input", Err: errors.New("denied")}

	err := h.sess.Connect(context.Background(), "test-key")

	var perm *audio.PermissionError
	if !errors.As(err, &perm) {
		t.Fatalf("err = %v; want *audio.PermissionError", err)
	}
	st := h.sess.Status()
	if st.State != live.StateFailed {
		t.Errorf("state = %v; want failed", st.State)
	}
	if !strings.HasPrefix(st.Error, "Connection Failed: ") {
		t.Errorf("status error = %q", st.Error)
	}
	if len(h.prov.Calls()) != 0 {
		t.Error("dialled after capture failure")
	}
}

func TestConnect_DialFailure(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.prov.ConnectErr = errors.New("boom")

	err := h.sess.Connect(context.Background(), "test-key")

	var connErr *live.ConnectionError
	if !errors.As(err, &connErr) {
		t.Fatalf("err = %v; want *live.ConnectionError", err)
	}
	st := h.sess.Status()
	if st.State != live.StateFailed || st.Error != "Connection Failed: boom" {
		t.Errorf("status = %+v", st)
	}
	if !h.dev.Input().Closed() {
		t.Error("capture still running after dial failure")
	}
}

func TestConnect_ReplacesLiveConnection(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	first := h.stream(t)
	second := h.connect(t)

	if first == second {
		t.Fatal("provider returned the same connection twice")
	}
	if first.Closes() != 1 {
		t.Errorf("first connection closed %d times; want 1", first.Closes())
	}
	if st := h.sess.Status(); st.State != live.StateAwaitingHandshake || st.Connected {
		t.Errorf("status after reconnect = %+v", st)
	}
	if got := h.ctr.active.Load(); got != 1 {
		t.Errorf("active sessions = %d; want 1", got)
	}
}

// ── Handshake gate ────────────────────────────────────────────────────────────

func TestGate_NoAudioBeforeSetupComplete(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	conn := h.connect(t)

	h.feedFrame(0.5)
	h.feedFrame(0.5)
	eventually(t, "ungated frames", func() bool { return h.ctr.ungated.Load() == 2 })

	if n := len(conn.Sent()); n != 0 {
		t.Fatalf("sent %d envelopes before handshake; want 0", n)
	}

	conn.Emit(s2s.SetupComplete{})
	eventually(t, "streaming", func() bool { return h.sess.Status().State == live.StateStreaming })
	if !h.sess.Status().Connected {
		t.Error("Connected = false after setup acknowledgement")
	}

	h.feedFrame(-1)
	eventually(t, "sent frame", func() bool { return len(conn.Sent()) == 1 })

	chunk := conn.Sent()[0]
	if chunk.MIMEType != "audio/pcm" {
		t.Errorf("mime = %q; want audio/pcm", chunk.MIMEType)
	}
	raw, err := base64.StdEncoding.DecodeString(chunk.Data)
	if err != nil {
		t.Fatalf("payload not base64: %v", err)
	}
	if len(raw) != 2*audio.FrameSize {
		t.Fatalf("payload = %d bytes; want %d", len(raw), 2*audio.FrameSize)
	}
	if raw[0] != 0x00 || raw[1] != 0x80 {
		t.Errorf("first sample bytes = % x; want 00 80 (-32768 LE)", raw[:2])
	}
	if h.ctr.ungated.Load() != 2 {
		t.Errorf("ungated = %d; want 2 (pre-handshake frames are not flushed)", h.ctr.ungated.Load())
	}
	eventually(t, "volume", func() bool { return h.sess.Status().Volume > 0 })
}

func TestSetupComplete_FiresOnce(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	conn := h.stream(t)

	conn.Emit(s2s.SetupComplete{})
	conn.Emit(s2s.TurnComplete{}) // sentinel: processed after the duplicate
	time.Sleep(20 * time.Millisecond)

	if got := h.ctr.handshakes.Load(); got != 1 {
		t.Errorf("handshakes = %d; want 1", got)
	}
}

// ── Inbound audio ─────────────────────────────────────────────────────────────

func TestTurnComplete_ClearsTalkingAndInterruption(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	conn := h.stream(t)

	conn.Emit(s2s.AudioChunk{Data: payload(2400)})
	conn.Emit(s2s.AudioChunk{Data: payload(2400)})
	eventually(t, "two chunks scheduled", func() bool {
		out := h.dev.Output()
		return out != nil && len(out.Scheduled()) == 2
	})
	if !h.sess.Status().Talking {
		t.Error("Talking = false after audio")
	}
	calls := h.dev.Output().Scheduled()
	if calls[1].At != 100*time.Millisecond {
		t.Errorf("second chunk at %v; want 100ms", calls[1].At)
	}

	conn.Emit(s2s.TurnComplete{})
	eventually(t, "turn end", func() bool {
		st := h.sess.Status()
		return !st.Talking && !st.Interrupted
	})
}

func TestInterrupted_DropsAudioUntilTurnComplete(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	conn := h.stream(t)

	conn.Emit(s2s.AudioChunk{Data: payload(240)})
	eventually(t, "first chunk", func() bool { return h.dev.Output() != nil })
	first := h.dev.Output()

	conn.Emit(s2s.Interrupted{})
	eventually(t, "interrupted", func() bool { return h.sess.Status().Interrupted })
	if !first.Closed() {
		t.Error("playback not reset on interruption")
	}

	conn.Emit(s2s.AudioChunk{Data: payload(240)})
	conn.Emit(s2s.TurnComplete{})
	eventually(t, "turn end", func() bool { return !h.sess.Status().Interrupted })

	if out := h.dev.Output(); out != first {
		t.Error("audio was played while interrupted")
	}

	conn.Emit(s2s.AudioChunk{Data: payload(240)})
	eventually(t, "playback resumed", func() bool { return h.dev.Output() != first })
}

func TestMalformedMessage_DoesNotEndSession(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	conn := h.stream(t)

	conn.Emit(s2s.Malformed{Raw: []byte("{"), Err: errors.New("unexpected end of JSON input")})
	conn.Emit(s2s.AudioChunk{Data: "!!not base64!!"})
	eventually(t, "protocol errors", func() bool { return h.ctr.protoErrs.Load() == 2 })

	if st := h.sess.Status(); st.State != live.StateStreaming {
		t.Errorf("state = %v; want streaming", st.State)
	}
}

func TestErrorEvent_SetsErrorAndContinues(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	conn := h.stream(t)

	conn.Emit(s2s.ErrorEvent{Code: 429, Message: "quota"})
	eventually(t, "error", func() bool { return h.sess.Status().Error != "" })

	if st := h.sess.Status(); st.State != live.StateStreaming {
		t.Errorf("state = %v; want streaming", st.State)
	}
	var ev s2s.ErrorEvent
	if !errors.As(h.sess.Err(), &ev) || ev.Code != 429 {
		t.Errorf("Err = %v; want ErrorEvent 429", h.sess.Err())
	}
}

// ── Close handling ────────────────────────────────────────────────────────────

func TestRemoteClose(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		close     func(c *s2smock.Conn)
		wantState live.State
		wantError string
	}{
		{"normal 1000", func(c *s2smock.Conn) { c.CloseWith(1000, "") }, live.StateClosed, ""},
		{"no status 1005", func(c *s2smock.Conn) { c.CloseWith(1005, "") }, live.StateClosed, ""},
		{"server error 1011", func(c *s2smock.Conn) { c.CloseWith(1011, "server error") }, live.StateFailed, "Disconnected 1011: server error"},
		{"policy without reason", func(c *s2smock.Conn) { c.CloseWith(1008, "") }, live.StateFailed, "Disconnected 1008: Unknown"},
		{"network drop", func(c *s2smock.Conn) { c.Fail(errors.New("EOF")) }, live.StateFailed, "Disconnected 1006: Unknown"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t)
			conn := h.stream(t)
			conn.Emit(s2s.AudioChunk{Data: payload(240)})
			eventually(t, "playback", func() bool { return h.dev.Output() != nil })

			tc.close(conn)
			eventually(t, "terminal state", func() bool { return h.sess.Status().State == tc.wantState })

			st := h.sess.Status()
			if st.Error != tc.wantError {
				t.Errorf("error = %q; want %q", st.Error, tc.wantError)
			}
			if st.Connected || st.Talking {
				t.Errorf("status after close = %+v", st)
			}
			if !h.dev.Input().Closed() {
				t.Error("capture not stopped")
			}
			if !h.dev.Output().Closed() {
				t.Error("playback not reset")
			}
			if tc.wantState == live.StateFailed {
				var ace *live.AbnormalCloseError
				if !errors.As(h.sess.Err(), &ace) {
					t.Errorf("Err = %v; want *live.AbnormalCloseError", h.sess.Err())
				}
			}
			if got := h.ctr.active.Load(); got != 0 {
				t.Errorf("active sessions = %d; want 0", got)
			}
		})
	}
}

func TestCaptureLost_FailsSession(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	conn := h.stream(t)

	h.dev.Input().Lose(audio.ErrDeviceLost)
	eventually(t, "failed", func() bool { return h.sess.Status().State == live.StateFailed })

	var ce *live.CaptureError
	if !errors.As(h.sess.Err(), &ce) || !errors.Is(ce, audio.ErrDeviceLost) {
		t.Errorf("Err = %v; want CaptureError wrapping ErrDeviceLost", h.sess.Err())
	}
	if conn.Closes() == 0 {
		t.Error("connection not closed after capture loss")
	}
}

// ── Disconnect ────────────────────────────────────────────────────────────────

func TestDisconnect_Idempotent(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	h.sess.Disconnect() // never connected
	if st := h.sess.Status().State; st != live.StateClosed {
		t.Errorf("state after Disconnect from idle = %v; want closed", st)
	}

	conn := h.stream(t)
	h.sess.Disconnect()
	if st := h.sess.Status().State; st != live.StateClosed {
		t.Errorf("state after first Disconnect = %v; want closed", st)
	}
	h.sess.Disconnect()
	if st := h.sess.Status().State; st != live.StateClosed {
		t.Errorf("state after second Disconnect = %v; want closed", st)
	}
	if conn.Closes() != 1 {
		t.Errorf("connection closed %d times; want 1", conn.Closes())
	}
	if h.sess.Status().Error != "" {
		t.Errorf("error = %q after local disconnect", h.sess.Status().Error)
	}
}

func TestDisconnect_NoAudioAfterClose(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	conn := h.stream(t)
	in := h.dev.Input()

	h.sess.Disconnect()
	in.Feed(make([]float32, audio.FrameSize))

	if n := len(conn.Sent()); n != 0 {
		t.Errorf("sent %d envelopes after disconnect", n)
	}
}

// orderedCapture, orderedPlayback, and orderedConn log teardown calls.
type teardownLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *teardownLog) add(s string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, s)
}

func (l *teardownLog) get() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.calls)
}

type orderedCapture struct {
	log    *teardownLog
	frames chan audio.AudioFrame
	once   sync.Once
}

func (c *orderedCapture) Start(context.Context) error {
	c.frames = make(chan audio.AudioFrame)
	return nil
}
func (c *orderedCapture) Frames() <-chan audio.AudioFrame { return c.frames }
func (c *orderedCapture) Err() error                      { return nil }
func (c *orderedCapture) Stop() {
	c.once.Do(func() {
		c.log.add("capture")
		close(c.frames)
	})
}

type orderedPlayback struct{ log *teardownLog }

func (p *orderedPlayback) AddChunk(context.Context, string) error { return nil }
func (p *orderedPlayback) Reset()                                 { p.log.add("playback") }

type orderedConn struct {
	*s2smock.Conn
	log *teardownLog
}

func (c *orderedConn) Close() error {
	c.log.add("connection")
	return c.Conn.Close()
}

type orderedProvider struct{ conn s2s.Conn }

func (p *orderedProvider) Connect(context.Context, s2s.SessionConfig) (s2s.Conn, error) {
	return p.conn, nil
}

func TestDisconnect_TeardownOrder(t *testing.T) {
	t.Parallel()

	log := &teardownLog{}
	conn := &orderedConn{Conn: s2smock.NewConn(), log: log}
	sess := live.New(&orderedProvider{conn: conn}, &orderedCapture{log: log}, &orderedPlayback{log: log}, live.Config{})

	if err := sess.Connect(context.Background(), "key"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	sess.Disconnect()

	want := []string{"capture", "connection", "playback"}
	if got := log.get(); !slices.Equal(got, want) {
		t.Errorf("teardown order = %v; want %v", got, want)
	}
}

// ── Status ────────────────────────────────────────────────────────────────────

func TestOnStatus_ObservesLifecycle(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	var mu sync.Mutex
	var states []live.State
	h.sess.OnStatus(func(st live.Status) {
		mu.Lock()
		defer mu.Unlock()
		if len(states) == 0 || states[len(states)-1] != st.State {
			states = append(states, st.State)
		}
	})

	conn := h.stream(t)
	conn.CloseWith(1000, "")
	eventually(t, "closed", func() bool { return h.sess.Status().State == live.StateClosed })

	mu.Lock()
	defer mu.Unlock()
	want := []live.State{live.StateConnecting, live.StateAwaitingHandshake, live.StateStreaming, live.StateClosed}
	if !slices.Equal(states, want) {
		t.Errorf("states = %v; want %v", states, want)
	}
}

func TestOnStatus_DeliveredInOrder(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	var (
		mu       sync.Mutex
		last     live.Status
		inflight atomic.Int32
		overlap  atomic.Bool
	)
	h.sess.OnStatus(func(st live.Status) {
		if inflight.Add(1) > 1 {
			overlap.Store(true)
		}
		defer inflight.Add(-1)
		time.Sleep(50 * time.Microsecond)
		mu.Lock()
		last = st
		mu.Unlock()
	})

	conn := h.stream(t)

	// The pump publishes volume while the reader publishes talking changes.
	stop := make(chan struct{})
	fed := make(chan struct{})
	go func() {
		defer close(fed)
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			h.feedFrame(float32(i%10+1) / 20)
		}
	}()
	for range 50 {
		conn.Emit(s2s.AudioChunk{Data: payload(240)})
		conn.Emit(s2s.TurnComplete{})
	}
	close(stop)
	<-fed

	eventually(t, "turn complete", func() bool { return !h.sess.Status().Talking })
	eventually(t, "observer caught up", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return last == h.sess.Status()
	})
	if overlap.Load() {
		t.Error("status callbacks ran concurrently")
	}
}

func TestVolume(t *testing.T) {
	t.Parallel()

	fill := func(v int16) []int16 {
		s := make([]int16, audio.FrameSize)
		for i := range s {
			s[i] = v
		}
		return s
	}

	tests := []struct {
		name    string
		samples []int16
		want    float64
	}{
		{"empty", nil, 0},
		{"silence", fill(0), 0},
		// 205 of 2048 samples are visited.
		{"constant 5000", fill(5000), 205 * 5000.0 / 2048 / 50},
		{"full-scale negative", fill(-32768), 205 * 32768.0 / 2048 / 50},
		{"single loud sample", []int16{32767}, 100},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := live.Volume(tc.samples)
			if got < 0 || got > 100 {
				t.Fatalf("Volume = %v; out of [0,100]", got)
			}
			if diff := got - tc.want; diff > 1e-9 || diff < -1e-9 {
				t.Errorf("Volume = %v; want %v", got, tc.want)
			}
		})
	}
}

func TestAbnormalCloseError_Message(t *testing.T) {
	t.Parallel()
	if got := (&live.AbnormalCloseError{Code: 1011, Reason: "server error"}).Error(); got != "Disconnected 1011: server error" {
		t.Errorf("got %q", got)
	}
	if got := (&live.AbnormalCloseError{Code: 1006}).Error(); got != "Disconnected 1006: Unknown" {
		t.Errorf("got %q", got)
	}
}
