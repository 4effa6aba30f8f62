// Package playback schedules decoded inbound buffers for gapless playback on
// an [audio.Sink].
//
// The [Scheduler] keeps an explicit FIFO queue, a next-play-time cursor on
// the sink clock, and a playing flag. Exactly one buffer is handed to the sink
// at a time; its completion schedules the next one at
// max(sink.Now(), cursor), so buffers that arrive while audio is playing are
// joined back to back and silence only appears when the queue ran dry.
//
// [Renderer] is a pull-based [audio.Sink] that device backends drive from
// their output callback.
package playback

import (
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/voicelink/pkg/audio"
)

// Option configures a [Scheduler] during construction.
type Option func(*Scheduler)

// WithPlayingHandler registers fn to be called whenever the scheduler moves
// between playing and idle. fn runs without internal locks held.
func WithPlayingHandler(fn func(playing bool)) Option {
	return func(s *Scheduler) {
		s.onPlaying = fn
	}
}

// WithCompleteHandler registers fn to be called once per buffer that finished
// playing, in play order. fn runs without internal locks held.
func WithCompleteHandler(fn func(audio.PlaybackBuffer)) Option {
	return func(s *Scheduler) {
		s.onComplete = fn
	}
}

// WithLogger sets the logger used for scheduling failures. Defaults to
// [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) {
		s.log = l
	}
}

// Scheduler plays [audio.PlaybackBuffer] values in enqueue order on a sink
// without gaps between consecutive buffers.
//
// All exported methods are safe for concurrent use, including from inside the
// registered handlers.
type Scheduler struct {
	sink       audio.Sink
	onPlaying  func(bool)
	onComplete func(audio.PlaybackBuffer)
	log        *slog.Logger

	mu           sync.Mutex
	queue        []audio.PlaybackBuffer
	nextPlayTime time.Duration // sink clock position where the next buffer may start
	playing      bool
	gen          uint64 // bumped by Close; completions from older generations are ignored
	inflight     uint64 // id of the buffer currently handed to the sink, 0 if none
	seq          uint64
	closed       bool
}

// New creates a Scheduler that plays on sink. The scheduler owns sink and
// closes it in [Scheduler.Close].
func New(sink audio.Sink, opts ...Option) *Scheduler {
	s := &Scheduler{
		sink: sink,
		log:  slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// event is a handler invocation collected under the lock and fired after it
// is released. A nil completed means a playing transition.
type event struct {
	completed *audio.PlaybackBuffer
	playing   bool
}

// Enqueue appends buf to the queue and starts playback if the scheduler is
// idle. Empty buffers and calls after Close are ignored.
func (s *Scheduler) Enqueue(buf audio.PlaybackBuffer) {
	if len(buf.Samples) == 0 {
		return
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, buf)
	var events []event
	if !s.playing {
		events = s.playNextLocked(events)
	}
	s.mu.Unlock()
	s.fire(events)
}

// playNextLocked hands the queue head to the sink, or marks the scheduler
// idle when the queue is empty. Must be called with s.mu held.
func (s *Scheduler) playNextLocked(events []event) []event {
	for len(s.queue) > 0 {
		buf := s.queue[0]
		s.queue[0] = audio.PlaybackBuffer{}
		s.queue = s.queue[1:]

		start := max(s.sink.Now(), s.nextPlayTime)
		s.seq++
		id, gen := s.seq, s.gen
		if err := s.sink.Schedule(buf, start, func() { s.complete(gen, id, buf) }); err != nil {
			s.log.Warn("playback: schedule buffer", "err", err, "samples", len(buf.Samples))
			continue
		}
		s.nextPlayTime = start + buf.Duration()
		s.inflight = id
		if !s.playing {
			s.playing = true
			events = append(events, event{playing: true})
		}
		return events
	}

	s.inflight = 0
	if s.playing {
		s.playing = false
		events = append(events, event{})
	}
	return events
}

// complete is the sink completion for buffer id scheduled in generation gen.
func (s *Scheduler) complete(gen, id uint64, buf audio.PlaybackBuffer) {
	s.mu.Lock()
	if s.closed || gen != s.gen || id != s.inflight {
		s.mu.Unlock()
		return
	}
	s.inflight = 0
	events := []event{{completed: &buf}}
	events = s.playNextLocked(events)
	s.mu.Unlock()
	s.fire(events)
}

func (s *Scheduler) fire(events []event) {
	for _, e := range events {
		if e.completed != nil {
			if s.onComplete != nil {
				s.onComplete(*e.completed)
			}
			continue
		}
		if s.onPlaying != nil {
			s.onPlaying(e.playing)
		}
	}
}

// IsPlaying reports whether a buffer is currently handed to the sink.
func (s *Scheduler) IsPlaying() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.playing
}

// QueueLen returns the number of buffers waiting behind the one playing.
func (s *Scheduler) QueueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// NextPlayTime returns the sink clock position at which the most recently
// scheduled buffer ends.
func (s *Scheduler) NextPlayTime() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextPlayTime
}

// Close drops all queued buffers, invalidates in-flight completions and
// closes the sink. Close is idempotent; subsequent calls return nil.
func (s *Scheduler) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.gen++
	s.inflight = 0
	s.queue = nil
	wasPlaying := s.playing
	s.playing = false
	s.mu.Unlock()

	err := s.sink.Close()
	if wasPlaying && s.onPlaying != nil {
		s.onPlaying(false)
	}
	return err
}
