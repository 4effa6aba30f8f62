package config

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// DefaultWatchInterval is how often a [Watcher] rereads its file.
const DefaultWatchInterval = 5 * time.Second

// Watcher rereads a config file on a timer, or on demand through
// [Watcher.Reload], and passes every effective change to its apply function.
// Edits that fail to parse or validate are logged once and the running config
// is kept; edits that change nothing [Diff] can see (comments, reordering)
// are not applied.
type Watcher struct {
	path     string
	interval time.Duration
	apply    func(old, new *Config)
	log      *slog.Logger

	reloadMu sync.Mutex // serialises Reload with the timer

	mu      sync.Mutex
	current *Config
	raw     []byte // file content last seen, valid or not

	stop     chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. Defaults to
// [DefaultWatchInterval]; non-positive values are ignored.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithWatcherLogger sets the logger for reload messages.
func WithWatcherLogger(l *slog.Logger) WatcherOption {
	return func(w *Watcher) {
		if l != nil {
			w.log = l
		}
	}
}

// NewWatcher loads path and starts polling it. apply, if non-nil, runs on
// the polling goroutine (or the caller of Reload) for every accepted change.
func NewWatcher(path string, apply func(old, new *Config), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: DefaultWatchInterval,
		apply:    apply,
		log:      slog.Default(),
		stop:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	for _, o := range opts {
		o(w)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: watch %q: %w", path, err)
	}
	cfg, err := parse(data)
	if err != nil {
		return nil, fmt.Errorf("config: watch %q: %w", path, err)
	}
	w.current, w.raw = cfg, data

	go w.run()
	return w, nil
}

// Current returns the config in effect.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Reload rereads the file now. It reports whether a change was applied and
// does nothing once the watcher is stopped.
func (w *Watcher) Reload() bool {
	w.reloadMu.Lock()
	defer w.reloadMu.Unlock()
	select {
	case <-w.stop:
		return false
	default:
	}

	data, err := os.ReadFile(w.path)
	if err != nil {
		w.log.Warn("config: reread failed, keeping current config", "path", w.path, "err", err)
		return false
	}

	w.mu.Lock()
	if bytes.Equal(data, w.raw) {
		w.mu.Unlock()
		return false
	}
	w.raw = data
	old := w.current
	w.mu.Unlock()

	cfg, err := parse(data)
	if err != nil {
		w.log.Warn("config: edit rejected, keeping current config", "path", w.path, "err", err)
		return false
	}

	d := Diff(old, cfg)
	w.mu.Lock()
	w.current = cfg
	w.mu.Unlock()
	if !d.Changed() {
		return false
	}

	w.log.Info("config: reloaded", "path", w.path, "changed", d.Sections())
	if w.apply != nil {
		w.apply(old, cfg)
	}
	return true
}

// Stop ends polling and waits for a running apply to return, so apply is
// never called after Stop returns. It must not be called from inside apply.
// Stop is idempotent.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
	<-w.stopped
	// Wait out a Reload running on another goroutine.
	w.reloadMu.Lock()
	defer w.reloadMu.Unlock()
}

func (w *Watcher) run() {
	defer close(w.stopped)
	t := time.NewTicker(w.interval)
	defer t.Stop()
	for {
		select {
		case <-w.stop:
			return
		case <-t.C:
			w.Reload()
		}
	}
}

// parse turns file content into a validated config the way [Load] does.
func parse(data []byte) (*Config, error) {
	cfg, err := decode(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	applyEnv(cfg)
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
