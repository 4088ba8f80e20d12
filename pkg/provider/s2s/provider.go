// Package s2s defines the Provider interface for realtime Speech-to-Speech
// backends.
//
// An S2S provider wraps a remote voice agent that accepts a continuous stream
// of microphone audio and answers with synthesised speech over a single,
// stateful duplex connection. The connection starts with a setup handshake:
// the client sends a [SessionConfig], and the server replies with a
// [SetupComplete] event once it is ready to accept audio.
//
// Inbound traffic is surfaced as a stream of [Event] values. Each concrete
// event type is one case of a closed tagged union; consumers switch on the
// dynamic type.
//
// All implementations must be safe for concurrent use.
package s2s

import (
	"context"
	"fmt"
)

// Close codes with special meaning to callers.
const (
	// CloseNormal is sent by either side for an orderly shutdown.
	CloseNormal = 1000

	// CloseNoStatus is reported when the peer closed without a status code.
	CloseNoStatus = 1005

	// CloseAbnormal is reported when the connection dropped without a close
	// frame (network failure, read error, timeout).
	CloseAbnormal = 1006
)

// SessionConfig is the configuration sent in the setup handshake.
type SessionConfig struct {
	// APIKey authenticates the connection. Required.
	APIKey string

	// Model is the fully qualified model name, e.g. "models/gemini-2.0-flash".
	Model string

	// Voice is the prebuilt voice used for synthesised speech, e.g. "Puck".
	Voice string

	// ResponseModalities lists the output modalities requested from the model.
	// Defaults to ["AUDIO"] when empty.
	ResponseModalities []string
}

// MediaChunk is one piece of realtime input, already base64-encoded.
type MediaChunk struct {
	// MIMEType describes Data, e.g. "audio/pcm".
	MIMEType string

	// Data is the base64-encoded payload.
	Data string
}

// ── Events ──────────────────────────────────────────────────────────────────

// Event is a single inbound message. The concrete type is one of
// [SetupComplete], [AudioChunk], [Interrupted], [TurnComplete], [ErrorEvent],
// or [Malformed].
type Event interface {
	event()
}

// SetupComplete signals that the server accepted the setup handshake and is
// ready for realtime input.
type SetupComplete struct{}

// AudioChunk carries one piece of synthesised speech.
type AudioChunk struct {
	// MIMEType as reported by the server, e.g. "audio/pcm;rate=24000".
	MIMEType string

	// Data is the base64-encoded little-endian 16-bit PCM payload, exactly as
	// received.
	Data string
}

// Interrupted signals that the server detected barge-in and abandoned the
// current response. Audio already queued for playback should be discarded.
type Interrupted struct{}

// TurnComplete signals the end of the model's current turn.
type TurnComplete struct{}

// ErrorEvent is an application-level error reported by the server without
// closing the connection.
type ErrorEvent struct {
	Code    int
	Message string
	Status  string
}

func (e ErrorEvent) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("s2s: server error %d", e.Code)
	}
	return fmt.Sprintf("s2s: server error %d: %s", e.Code, e.Message)
}

// Malformed is emitted for an inbound message that could not be decoded.
type Malformed struct {
	// Raw is the undecodable message body.
	Raw []byte

	// Err is the decoding error.
	Err error
}

func (SetupComplete) event() {}
func (AudioChunk) event()    {}
func (Interrupted) event()   {}
func (TurnComplete) event()  {}
func (ErrorEvent) event()    {}
func (Malformed) event()     {}

// ── Connection ──────────────────────────────────────────────────────────────

// CloseError describes how the connection ended when the peer or the network
// closed it.
type CloseError struct {
	// Code is the close status code. [CloseAbnormal] when no close frame was
	// received.
	Code int

	// Reason is the close reason text, possibly empty.
	Reason string

	// Err is the underlying transport error, if any.
	Err error
}

func (e *CloseError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("s2s: connection closed with code %d", e.Code)
	}
	return fmt.Sprintf("s2s: connection closed with code %d: %s", e.Code, e.Reason)
}

func (e *CloseError) Unwrap() error { return e.Err }

// Clean reports whether the close code denotes an orderly shutdown.
func (e *CloseError) Clean() bool {
	return e.Code == CloseNormal || e.Code == CloseNoStatus
}

// Conn is an open duplex connection. It is an interface so that test code can
// supply scripted implementations without a live provider.
//
// Callers must call Close when the connection is no longer needed.
type Conn interface {
	// SendAudio writes one realtime input message. Messages are sent in call
	// order. Returns an error if the connection is closed or the write fails.
	SendAudio(ctx context.Context, chunk MediaChunk) error

	// Events returns the inbound event stream in arrival order. The channel is
	// closed when the connection ends. After it closes, call [Conn.Err].
	Events() <-chan Event

	// Err returns a *[CloseError] describing why the event stream ended, or nil
	// if the connection was closed locally through [Conn.Close].
	Err() error

	// Close sends a normal close frame and releases the connection. Calling
	// Close more than once is safe and returns nil.
	Close() error
}

// Provider opens connections to a realtime speech backend.
type Provider interface {
	// Connect dials the backend and sends the setup handshake. It returns once
	// the setup message has been written; the [SetupComplete] event arrives
	// later on [Conn.Events].
	Connect(ctx context.Context, cfg SessionConfig) (Conn, error)
}
