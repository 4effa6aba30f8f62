// Package portaudio connects the voicelink pipeline to real sound hardware
// through PortAudio.
//
// [Input] implements [audio.InputDevice] with a blocking mono float32 input
// stream. [OpenOutput] returns a [Sink] that drives a [playback.Renderer]
// from a PortAudio output callback, so the sink clock is exactly the number
// of frames the device has consumed.
//
// [Initialize] must be called once before any other function in this package
// and paired with [Terminate].
package portaudio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	pa "github.com/gordonklaus/portaudio"

	"github.com/MrWong99/voicelink/pkg/audio"
	"github.com/MrWong99/voicelink/pkg/audio/capture"
	"github.com/MrWong99/voicelink/pkg/audio/playback"
)

// Compile-time interface assertions.
var (
	_ audio.InputDevice = (*Input)(nil)
	_ audio.InputStream = (*inputStream)(nil)
	_ audio.Sink        = (*Sink)(nil)
)

// Initialize initialises the PortAudio library.
func Initialize() error {
	if err := pa.Initialize(); err != nil {
		return fmt.Errorf("portaudio: initialize: %w", err)
	}
	return nil
}

// Terminate releases the PortAudio library.
func Terminate() error {
	if err := pa.Terminate(); err != nil {
		return fmt.Errorf("portaudio: terminate: %w", err)
	}
	return nil
}

// DeviceInfo describes one host audio device.
type DeviceInfo struct {
	Name              string
	HostAPI           string
	InputChannels     int
	OutputChannels    int
	DefaultSampleRate float64
	DefaultInput      bool
	DefaultOutput     bool
}

// ListDevices enumerates every device PortAudio can see.
func ListDevices() ([]DeviceInfo, error) {
	devices, err := pa.Devices()
	if err != nil {
		return nil, fmt.Errorf("portaudio: list devices: %w", err)
	}
	defIn, _ := pa.DefaultInputDevice()
	defOut, _ := pa.DefaultOutputDevice()

	out := make([]DeviceInfo, 0, len(devices))
	for _, d := range devices {
		info := DeviceInfo{
			Name:              d.Name,
			InputChannels:     d.MaxInputChannels,
			OutputChannels:    d.MaxOutputChannels,
			DefaultSampleRate: d.DefaultSampleRate,
			DefaultInput:      defIn != nil && d.Name == defIn.Name,
			DefaultOutput:     defOut != nil && d.Name == defOut.Name,
		}
		if d.HostApi != nil {
			info.HostAPI = d.HostApi.Name
		}
		out = append(out, info)
	}
	return out, nil
}

// findDevice returns the device called name, or the default device for the
// direction when name is empty.
func findDevice(name string, input bool) (*pa.DeviceInfo, error) {
	if name == "" {
		if input {
			return pa.DefaultInputDevice()
		}
		return pa.DefaultOutputDevice()
	}
	devices, err := pa.Devices()
	if err != nil {
		return nil, err
	}
	for _, d := range devices {
		if d.Name != name {
			continue
		}
		if (input && d.MaxInputChannels > 0) || (!input && d.MaxOutputChannels > 0) {
			return d, nil
		}
	}
	return nil, fmt.Errorf("device %q not found", name)
}

// mapOpenErr wraps errors PortAudio reports when the OS refuses access to the
// device with [capture.ErrPermissionDenied].
func mapOpenErr(err error) error {
	if errors.Is(err, pa.DeviceUnavailable) || errors.Is(err, pa.InvalidDevice) {
		return fmt.Errorf("%w: %w", capture.ErrPermissionDenied, err)
	}
	return err
}

// ─── Input ───────────────────────────────────────────────────────────────────

// Input is a PortAudio microphone. The zero value uses the default input
// device.
type Input struct {
	// Device is the name of the input device; empty selects the default.
	Device string
}

// NewInput returns an Input for the named device.
func NewInput(device string) *Input {
	return &Input{Device: device}
}

// OpenInput implements [audio.InputDevice].
func (in *Input) OpenInput(_ context.Context, cfg audio.StreamConfig) (audio.InputStream, error) {
	dev, err := findDevice(in.Device, true)
	if err != nil {
		return nil, fmt.Errorf("portaudio: input device: %w", mapOpenErr(err))
	}

	params := pa.LowLatencyParameters(dev, nil)
	params.Input.Channels = 1
	params.Output.Device = nil
	params.Output.Channels = 0
	params.SampleRate = float64(cfg.SampleRate)
	params.FramesPerBuffer = cfg.BlockSize

	buf := make([]float32, cfg.BlockSize)
	stream, err := pa.OpenStream(params, buf)
	if err != nil {
		return nil, fmt.Errorf("portaudio: open input %q: %w", dev.Name, mapOpenErr(err))
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		return nil, fmt.Errorf("portaudio: start input %q: %w", dev.Name, mapOpenErr(err))
	}
	slog.Debug("portaudio: input started", "device", dev.Name, "rate", cfg.SampleRate, "block", cfg.BlockSize)
	return &inputStream{stream: stream, buf: buf}, nil
}

type inputStream struct {
	mu     sync.Mutex
	stream *pa.Stream
	buf    []float32
	closed bool
}

// errStreamClosed is returned by Read after Close.
var errStreamClosed = errors.New("portaudio: stream closed")

// Read blocks for one block and returns a copy of it. Input overflows are
// reported by PortAudio as errors but the block is still valid.
func (s *inputStream) Read() ([]float32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errStreamClosed
	}
	if err := s.stream.Read(); err != nil && !errors.Is(err, pa.InputOverflowed) {
		return nil, fmt.Errorf("portaudio: read: %w", err)
	}
	out := make([]float32, len(s.buf))
	copy(out, s.buf)
	return out, nil
}

// Close waits for an in-progress Read to return, then stops the stream.
func (s *inputStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return errors.Join(s.stream.Stop(), s.stream.Close())
}

// ─── Output ──────────────────────────────────────────────────────────────────

// Sink is an [audio.Sink] backed by a PortAudio output stream.
type Sink struct {
	*playback.Renderer

	stream    *pa.Stream
	closeOnce sync.Once
	closeErr  error
}

// OpenOutput starts a mono output stream at rate Hz on the named device
// (empty selects the default). framesPerBuffer sets the render period; zero
// lets PortAudio choose.
func OpenOutput(device string, rate, framesPerBuffer int) (*Sink, error) {
	dev, err := findDevice(device, false)
	if err != nil {
		return nil, fmt.Errorf("portaudio: output device: %w", err)
	}

	params := pa.LowLatencyParameters(nil, dev)
	params.Input.Device = nil
	params.Input.Channels = 0
	params.Output.Channels = 1
	params.SampleRate = float64(rate)
	params.FramesPerBuffer = framesPerBuffer

	r := playback.NewRenderer(rate)
	stream, err := pa.OpenStream(params, func(out []float32) { r.Render(out) })
	if err != nil {
		_ = r.Close()
		return nil, fmt.Errorf("portaudio: open output %q: %w", dev.Name, err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		_ = r.Close()
		return nil, fmt.Errorf("portaudio: start output %q: %w", dev.Name, err)
	}
	slog.Debug("portaudio: output started", "device", dev.Name, "rate", rate)
	return &Sink{Renderer: r, stream: stream}, nil
}

// Close stops the output stream and the renderer. It is idempotent.
func (s *Sink) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = errors.Join(s.stream.Stop(), s.stream.Close(), s.Renderer.Close())
	})
	return s.closeErr
}
