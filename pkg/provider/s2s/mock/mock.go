// Package mock provides test doubles for the s2s package interfaces.
//
// Use Provider to verify Connect calls and hand out scripted connections.
// Use Conn to push inbound events, end the stream with a chosen close code,
// and inspect what the client sent.
//
// Example:
//
//	p := &mock.Provider{}
//	conn, _ := p.Connect(ctx, cfg)
//	p.LastConn().Emit(s2s.SetupComplete{})
//	p.LastConn().CloseWith(1011, "server error")
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/livevoice/pkg/provider/s2s"
)

var (
	_ s2s.Provider = (*Provider)(nil)
	_ s2s.Conn     = (*Conn)(nil)
)

// eventBuffer bounds how many events a test may emit without a reader.
const eventBuffer = 256

// ConnectCall records a single invocation of Provider.Connect.
type ConnectCall struct {
	// Ctx is the context passed to Connect.
	Ctx context.Context
	// Cfg is the SessionConfig passed to Connect.
	Cfg s2s.SessionConfig
}

// Provider is a mock implementation of s2s.Provider.
type Provider struct {
	mu sync.Mutex

	// Conn is returned by Connect when non-nil. Otherwise every Connect call
	// returns a fresh connection from NewConn.
	Conn *Conn

	// ConnectErr, if non-nil, is returned as the error from Connect.
	ConnectErr error

	// ConnectCalls records every call to Connect in order.
	ConnectCalls []ConnectCall

	last *Conn
}

// Connect records the call and returns a connection or ConnectErr.
func (p *Provider) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.Conn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ConnectCalls = append(p.ConnectCalls, ConnectCall{Ctx: ctx, Cfg: cfg})
	if p.ConnectErr != nil {
		return nil, p.ConnectErr
	}
	c := p.Conn
	if c == nil {
		c = NewConn()
	}
	p.last = c
	return c, nil
}

// LastConn returns the connection handed out by the most recent successful
// Connect call, or nil.
func (p *Provider) LastConn() *Conn {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last
}

// Calls returns a copy of the recorded Connect calls.
func (p *Provider) Calls() []ConnectCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]ConnectCall, len(p.ConnectCalls))
	copy(out, p.ConnectCalls)
	return out
}

// ─── Conn ────────────────────────────────────────────────────────────────────

// Conn is a scripted implementation of s2s.Conn.
type Conn struct {
	mu sync.Mutex

	// SendAudioErr, if non-nil, is returned from SendAudio.
	SendAudioErr error

	// CallCountClose records how many times Close was called.
	CallCountClose int

	sent   []s2s.MediaChunk
	events chan s2s.Event
	ended  bool
	err    error
}

// NewConn returns a connection with an open event stream.
func NewConn() *Conn {
	return &Conn{events: make(chan s2s.Event, eventBuffer)}
}

// Emit queues ev on the event stream. It is a no-op once the stream has ended.
func (c *Conn) Emit(ev s2s.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ended {
		return
	}
	select {
	case c.events <- ev:
	default:
		panic("mock: event buffer full")
	}
}

// CloseWith ends the event stream as if the peer closed the connection with
// the given code and reason.
func (c *Conn) CloseWith(code int, reason string) {
	c.end(&s2s.CloseError{Code: code, Reason: reason})
}

// Fail ends the event stream as if the network dropped (code 1006).
func (c *Conn) Fail(err error) {
	c.end(&s2s.CloseError{Code: s2s.CloseAbnormal, Err: err})
}

func (c *Conn) end(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ended {
		return
	}
	c.ended = true
	c.err = err
	close(c.events)
}

// SendAudio records chunk and returns SendAudioErr.
func (c *Conn) SendAudio(_ context.Context, chunk s2s.MediaChunk) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.SendAudioErr != nil {
		return c.SendAudioErr
	}
	c.sent = append(c.sent, chunk)
	return nil
}

// Sent returns a copy of every chunk passed to SendAudio.
func (c *Conn) Sent() []s2s.MediaChunk {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]s2s.MediaChunk, len(c.sent))
	copy(out, c.sent)
	return out
}

// Events returns the scripted event stream.
func (c *Conn) Events() <-chan s2s.Event { return c.events }

// Err returns the error set by CloseWith or Fail, or nil after Close.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close ends the event stream without an error. Idempotent.
func (c *Conn) Close() error {
	c.mu.Lock()
	c.CallCountClose++
	c.mu.Unlock()
	c.end(nil)
	return nil
}

// Closes returns how many times Close was called.
func (c *Conn) Closes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.CallCountClose
}
