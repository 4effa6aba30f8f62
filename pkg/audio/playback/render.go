package playback

import (
	"errors"
	"sync"
	"time"

	"github.com/MrWong99/voicelink/pkg/audio"
)

// ErrRendererClosed is returned by [Renderer.Schedule] after Close.
var ErrRendererClosed = errors.New("playback: renderer closed")

// Compile-time interface assertion.
var _ audio.Sink = (*Renderer)(nil)

// Renderer is an [audio.Sink] whose clock is the number of frames pulled
// through [Renderer.Render] divided by its sample rate. Device backends call
// Render from their output callback; scheduled buffers are mixed into the
// output at their start positions.
//
// A buffer's completion fires one render period before its last sample is
// rendered, so that the successor can be scheduled to start exactly where the
// buffer ends. Completions run on a dedicated goroutine, never inside Render.
type Renderer struct {
	rate int

	mu      sync.Mutex
	pos     int64 // frames rendered so far
	items   []*renderItem
	pending []func()
	closed  bool

	wake      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

type renderItem struct {
	samples []float32
	start   int64
	end     int64
	done    func()
	fired   bool
}

// NewRenderer creates a Renderer producing mono output at rate Hz and starts
// its completion goroutine.
func NewRenderer(rate int) *Renderer {
	r := &Renderer{
		rate: rate,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go r.dispatch()
	return r
}

// SampleRate returns the output rate in Hz.
func (r *Renderer) SampleRate() int {
	return r.rate
}

// Now implements [audio.Sink].
func (r *Renderer) Now() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return audio.SamplesDuration(int(r.pos), r.rate)
}

// Schedule implements [audio.Sink]. Buffers at a different sample rate are
// resampled to fill exactly the output frames between the rounded positions
// of at and at+buf.Duration(), so a buffer scheduled at its predecessor's end
// time starts on the frame after the predecessor's last one. A start position
// in the past is moved to the current clock position.
func (r *Renderer) Schedule(buf audio.PlaybackBuffer, at time.Duration, done func()) error {
	start := audio.DurationSamples(at, r.rate)
	samples := buf.Samples
	if buf.SampleRate > 0 && buf.SampleRate != r.rate {
		n := audio.DurationSamples(at+buf.Duration(), r.rate) - start
		samples = fitLength(audio.Resample(samples, buf.SampleRate, r.rate), int(n))
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrRendererClosed
	}
	start = max(start, r.pos)
	r.items = append(r.items, &renderItem{
		samples: samples,
		start:   start,
		end:     start + int64(len(samples)),
		done:    done,
	})
	return nil
}

// Render fills out with the next len(out) frames and advances the clock.
// Frames not covered by any scheduled buffer are silent.
func (r *Renderer) Render(out []float32) {
	clear(out)
	n := int64(len(out))

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	from, to := r.pos, r.pos+n
	for _, it := range r.items {
		lo, hi := max(it.start, from), min(it.end, to)
		for f := lo; f < hi; f++ {
			out[f-from] += it.samples[f-it.start]
		}
	}
	r.pos = to

	kept := r.items[:0]
	for _, it := range r.items {
		if !it.fired && it.end <= to+n {
			it.fired = true
			if it.done != nil {
				r.pending = append(r.pending, it.done)
			}
		}
		if it.fired && it.end <= to {
			continue
		}
		kept = append(kept, it)
	}
	clear(r.items[len(kept):])
	r.items = kept
	notify := len(r.pending) > 0
	r.mu.Unlock()

	if notify {
		select {
		case r.wake <- struct{}{}:
		default:
		}
	}
}

// Close stops the completion goroutine and discards scheduled buffers and
// pending completions. It does not wait, so it is safe to call from inside a
// completion. Close is idempotent.
func (r *Renderer) Close() error {
	r.mu.Lock()
	r.closed = true
	r.items = nil
	r.pending = nil
	r.mu.Unlock()
	r.closeOnce.Do(func() { close(r.done) })
	return nil
}

// fitLength trims samples to n or pads it by repeating the last sample.
func fitLength(samples []float32, n int) []float32 {
	if len(samples) >= n || len(samples) == 0 {
		return samples[:min(len(samples), n)]
	}
	last := samples[len(samples)-1]
	for len(samples) < n {
		samples = append(samples, last)
	}
	return samples
}

func (r *Renderer) dispatch() {
	for {
		select {
		case <-r.done:
			return
		case <-r.wake:
		}
		for {
			r.mu.Lock()
			if r.closed || len(r.pending) == 0 {
				r.mu.Unlock()
				break
			}
			fn := r.pending[0]
			r.pending[0] = nil
			r.pending = r.pending[1:]
			r.mu.Unlock()
			fn()
		}
	}
}
