package audio

import "time"

const (
	// CaptureSampleRate is the rate microphone audio is decimated to before it
	// is framed and sent upstream.
	CaptureSampleRate = 16000

	// PlaybackSampleRate is the fixed rate of the agent's synthesised speech.
	PlaybackSampleRate = 24000

	// FrameSize is the number of samples in one outbound AudioFrame
	// (2048 samples ≈ 128 ms at CaptureSampleRate).
	FrameSize = 2048
)

// AudioFrame is a fixed-length block of 16-bit signed mono samples flowing
// from capture to the transport. Frames are not retained once consumed.
type AudioFrame struct {
	// Samples holds the PCM samples. Its length is FrameSize for frames
	// produced by the capture unit.
	Samples []int16

	// SampleRate in Hz (CaptureSampleRate outbound, PlaybackSampleRate inbound).
	SampleRate int
}

// Duration returns the playback length of the frame at its sample rate.
func (f AudioFrame) Duration() time.Duration {
	return SamplesDuration(len(f.Samples), f.SampleRate)
}

// SamplesDuration returns how long n mono samples last at rate Hz.
// A non-positive rate yields zero.
func SamplesDuration(n, rate int) time.Duration {
	if rate <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second / time.Duration(rate)
}
