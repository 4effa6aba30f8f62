package audio

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Resample converts mono float32 samples from srcRate to dstRate using linear
// interpolation. The output holds floor(len(samples) / (srcRate/dstRate))
// samples. The interpolation ceiling index is clamped to the final input
// sample, so the last output sample never reads past the input.
//
// Zero-length input yields zero-length output. If either rate is non-positive
// the input is returned unchanged; equal rates return a copy.
func Resample(samples []float32, srcRate, dstRate int) []float32 {
	if srcRate <= 0 || dstRate <= 0 {
		return samples
	}
	if len(samples) == 0 {
		return []float32{}
	}
	if srcRate == dstRate {
		out := make([]float32, len(samples))
		copy(out, samples)
		return out
	}

	ratio := float64(srcRate) / float64(dstRate)
	n := int(math.Floor(float64(len(samples)) / ratio))
	out := make([]float32, n)
	last := len(samples) - 1

	for i := range n {
		pos := float64(i) * ratio
		f := int(math.Floor(pos))
		if f > last {
			f = last
		}
		c := min(f+1, last)
		frac := pos - float64(f)
		out[i] = float32(float64(samples[f])*(1-frac) + float64(samples[c])*frac)
	}
	return out
}

// RMS returns the root-mean-square level of samples, sqrt(mean(s²)).
// An empty slice has level 0.
func RMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		v := float64(s)
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// EncodeFloat32LE serialises samples as little-endian IEEE-754 float32 values
// with no header. This is the outbound wire format.
func EncodeFloat32LE(samples []float32) []byte {
	buf := make([]byte, len(samples)*4)
	for i, s := range samples {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(s))
	}
	return buf
}

// DecodeFloat32LE parses little-endian float32 samples. Trailing bytes that
// do not form a whole sample are ignored.
func DecodeFloat32LE(data []byte) []float32 {
	out := make([]float32, len(data)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return out
}

// DecodeInt16LE parses little-endian signed 16-bit samples and normalises
// each by dividing by 32768. Trailing odd bytes are ignored.
func DecodeInt16LE(data []byte) []float32 {
	out := make([]float32, len(data)/2)
	for i := range out {
		s := int16(binary.LittleEndian.Uint16(data[i*2:]))
		out[i] = float32(s) / 32768
	}
	return out
}

// formatString returns a human-readable description of a mono stream,
// e.g. "16000Hz float32".
func formatString(rate int, f SampleFormat) string {
	return fmt.Sprintf("%dHz %s", rate, f)
}
