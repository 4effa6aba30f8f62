package audio

import (
	"errors"
	"fmt"
)

// DefaultInboundSampleRate is the sample rate assumed for inbound frames when
// none was agreed out-of-band.
const DefaultInboundSampleRate = 16000

// ErrUnrecognizedFormat is returned by [FrameCodec.Decode] when a frame's byte
// length is divisible by neither 4 nor 2. Such frames are dropped.
var ErrUnrecognizedFormat = errors.New("audio: unrecognized frame format")

// SampleFormat identifies the PCM encoding of an inbound frame.
type SampleFormat int

const (
	// FormatFloat32 is little-endian IEEE-754 float32, 4 bytes per sample.
	FormatFloat32 SampleFormat = iota

	// FormatInt16 is little-endian signed 16-bit integer, 2 bytes per sample.
	FormatInt16
)

// String returns the human-readable name of the sample format.
func (f SampleFormat) String() string {
	switch f {
	case FormatFloat32:
		return "float32"
	case FormatInt16:
		return "int16"
	default:
		return "unknown"
	}
}

// Classify picks the sample format for a frame of n bytes. The rules are
// evaluated in order: divisible by 4 is float32, divisible by 2 is int16,
// anything else is [ErrUnrecognizedFormat].
func Classify(n int) (SampleFormat, error) {
	switch {
	case n%4 == 0:
		return FormatFloat32, nil
	case n%2 == 0:
		return FormatInt16, nil
	default:
		return 0, fmt.Errorf("%w: %d bytes", ErrUnrecognizedFormat, n)
	}
}

// FrameCodec decodes raw inbound frames into [PlaybackBuffer] values.
// The zero value decodes at [DefaultInboundSampleRate]. FrameCodec holds no
// mutable state and is safe for concurrent use.
type FrameCodec struct {
	// SampleRate is the nominal rate of inbound frames in Hz.
	SampleRate int
}

// Decode classifies frame with [Classify] and converts it to normalised
// samples. Frames that cannot be classified return [ErrUnrecognizedFormat]
// and no buffer; callers are expected to drop them.
func (c FrameCodec) Decode(frame []byte) (PlaybackBuffer, error) {
	format, err := Classify(len(frame))
	if err != nil {
		return PlaybackBuffer{}, err
	}

	var samples []float32
	switch format {
	case FormatFloat32:
		samples = DecodeFloat32LE(frame)
	case FormatInt16:
		samples = DecodeInt16LE(frame)
	}

	return PlaybackBuffer{
		Samples:    samples,
		SampleRate: c.rate(),
	}, nil
}

// Describe returns a short description of how a frame of n bytes would be
// decoded, for logging.
func (c FrameCodec) Describe(n int) string {
	format, err := Classify(n)
	if err != nil {
		return "unrecognized"
	}
	return formatString(c.rate(), format)
}

func (c FrameCodec) rate() int {
	if c.SampleRate <= 0 {
		return DefaultInboundSampleRate
	}
	return c.SampleRate
}
