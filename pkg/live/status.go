package live

// State is the protocol state of a [Session].
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateAwaitingHandshake
	StateStreaming
	StateClosing
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateAwaitingHandshake:
		return "awaiting_handshake"
	case StateStreaming:
		return "streaming"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Live reports whether the state holds an open or opening connection.
func (s State) Live() bool {
	return s == StateConnecting || s == StateAwaitingHandshake || s == StateStreaming
}

// Status is the observable snapshot handed to UI collaborators.
type Status struct {
	// State is the internal protocol state.
	State State

	// Connected flips to true only once the server acknowledged setup, and back
	// to false when the connection ends.
	Connected bool

	// Talking is true while the remote agent's audio is being played.
	Talking bool

	// Interrupted is set by a server barge-in signal and cleared at the end of
	// the turn. Audio arriving while it is set is discarded.
	Interrupted bool

	// Volume is a coarse input level in [0, 100] computed from the last frame
	// sent upstream.
	Volume float64

	// Error is the user-facing message of the last error, or empty.
	Error string
}

// volumeStride and volumeScale define the coarse input meter.
const (
	volumeStride = 10
	volumeScale  = 50
)

// Volume returns min(100, Σ|s[i]| / len(samples) / 50) over every 10th
// sample. It is a UI signal, not a loudness measure.
func Volume(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < len(samples); i += volumeStride {
		v := float64(samples[i])
		if v < 0 {
			v = -v
		}
		sum += v
	}
	return min(100, sum/float64(len(samples))/volumeScale)
}
