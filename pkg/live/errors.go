package live

import (
	"errors"
	"fmt"
)

// ErrDisconnected is returned by [Session.Connect] when [Session.Disconnect]
// was called while the connection was still being opened.
var ErrDisconnected = errors.New("live: disconnected while connecting")

// ConfigError reports a missing or invalid caller-supplied setting. It is
// returned synchronously and leaves the session state unchanged.
type ConfigError struct {
	Msg string
}

func (e *ConfigError) Error() string { return e.Msg }

// ConnectionError reports a failure to open the duplex connection or to send
// the setup handshake.
type ConnectionError struct {
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("Connection Failed: %v", e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// ProtocolError reports an inbound message that could not be handled. It is
// logged and the message dropped; the session continues.
type ProtocolError struct {
	// Op names what was being handled, e.g. "decode" or "audio chunk".
	Op  string
	Err error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("live: protocol error: %s: %v", e.Op, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// AbnormalCloseError reports that the connection ended with a close code
// other than 1000 (normal) or 1005 (no status).
type AbnormalCloseError struct {
	Code   int
	Reason string
}

func (e *AbnormalCloseError) Error() string {
	reason := e.Reason
	if reason == "" {
		reason = "Unknown"
	}
	return fmt.Sprintf("Disconnected %d: %s", e.Code, reason)
}

// CaptureError reports that the microphone stopped delivering audio while the
// session was live. It is terminal.
type CaptureError struct {
	Err error
}

func (e *CaptureError) Error() string {
	return fmt.Sprintf("Capture Failed: %v", e.Err)
}

func (e *CaptureError) Unwrap() error { return e.Err }
