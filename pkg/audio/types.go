package audio

import "time"

// AudioBlock is one block of normalised mono samples in [-1, 1] as delivered
// by a capture callback. Blocks are ephemeral: they are produced once per
// device read and consumed immediately by the capture pipeline.
type AudioBlock struct {
	// Samples holds the PCM samples as float32 in the range [-1, 1].
	Samples []float32

	// SampleRate in Hz (e.g., 48000 for the microphone, 16000 on the wire).
	SampleRate int

	// Channels is always 1; multi-channel audio is not carried by the pipeline.
	Channels int
}

// PlaybackBuffer is a decoded mono buffer waiting to be played. It is owned
// exclusively by the playback queue until it has been played.
type PlaybackBuffer struct {
	// Samples holds the decoded PCM samples as float32 in the range [-1, 1].
	Samples []float32

	// SampleRate in Hz at which Samples should be rendered.
	SampleRate int
}

// Duration returns the playback length of the buffer. A buffer with a
// non-positive sample rate has zero duration.
func (b PlaybackBuffer) Duration() time.Duration {
	return SamplesDuration(len(b.Samples), b.SampleRate)
}

// SamplesDuration converts a sample count at rate Hz into a duration.
func SamplesDuration(n, rate int) time.Duration {
	if rate <= 0 || n <= 0 {
		return 0
	}
	return time.Duration(int64(n) * int64(time.Second) / int64(rate))
}

// DurationSamples converts d into a whole number of samples at rate Hz,
// rounding to the nearest sample.
func DurationSamples(d time.Duration, rate int) int64 {
	if rate <= 0 || d <= 0 {
		return 0
	}
	return (int64(d)*int64(rate) + int64(time.Second)/2) / int64(time.Second)
}
