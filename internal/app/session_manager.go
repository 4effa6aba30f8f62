package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/voicelink/internal/config"
	"github.com/MrWong99/voicelink/internal/observe"
	"github.com/MrWong99/voicelink/pkg/audio"
	"github.com/MrWong99/voicelink/pkg/audio/capture"
	"github.com/MrWong99/voicelink/pkg/provider/vad"
	"github.com/MrWong99/voicelink/pkg/transport"
)

var errNoSession = errors.New("session: no active session to stop")

// SinkFactory opens a fresh speaker sink for a new session. rate is the
// configured output sample rate.
type SinkFactory func(rate int) (audio.Sink, error)

// SessionInfo holds metadata about an active session.
type SessionInfo struct {
	// SessionID is the unique identifier for this session.
	SessionID string `json:"session_id"`

	// URL is the transport endpoint, when known.
	URL string `json:"url,omitempty"`

	// StartedAt is when the session was started.
	StartedAt time.Time `json:"started_at"`
}

// SessionManager manages the lifecycle of voice sessions.
// Only one session can be active at a time (enforced by mutex).
// All exported methods are safe for concurrent use.
type SessionManager struct {
	mu       sync.Mutex
	active   *Session
	starting bool
	info     SessionInfo
	vadCfg   config.VADConfig
	stopped  chan struct{}
	seq      atomic.Uint64

	// Dependencies injected at construction.
	cfg       *config.Config
	dialer    transport.Dialer
	input     audio.InputDevice
	newSink   SinkFactory
	vadEngine vad.Engine
	metrics   *observe.Metrics
	log       *slog.Logger
	handlers  SessionHandlers
}

// SessionManagerConfig holds all dependencies for a [SessionManager].
type SessionManagerConfig struct {
	Config    *config.Config
	Dialer    transport.Dialer
	Input     audio.InputDevice
	NewSink   SinkFactory
	VADEngine vad.Engine
	Metrics   *observe.Metrics
	Logger    *slog.Logger
	Handlers  SessionHandlers
}

// NewSessionManager creates a SessionManager with the given dependencies.
func NewSessionManager(cfg SessionManagerConfig) *SessionManager {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &SessionManager{
		vadCfg:    cfg.Config.VAD,
		cfg:       cfg.Config,
		dialer:    cfg.Dialer,
		input:     cfg.Input,
		newSink:   cfg.NewSink,
		vadEngine: cfg.VADEngine,
		metrics:   cfg.Metrics,
		log:       log,
		handlers:  cfg.Handlers,
	}
}

// Start opens a new session and connects it. On a connect failure the
// session is torn down again and the error returned.
//
// Returns an error if a session is already active.
func (sm *SessionManager) Start(ctx context.Context) error {
	sm.mu.Lock()
	if sm.active != nil || sm.starting {
		id := sm.info.SessionID
		sm.mu.Unlock()
		return fmt.Errorf("session: a session is already active (id=%s)", id)
	}
	sm.starting = true
	vadCfg := sm.vadCfg
	sm.mu.Unlock()

	sess, info, err := sm.open(ctx, vadCfg)

	sm.mu.Lock()
	sm.starting = false
	if err != nil {
		sm.mu.Unlock()
		return err
	}
	sm.active = sess
	sm.stopped = make(chan struct{})
	sm.info = info
	sm.mu.Unlock()

	sm.log.Info("session started",
		"session_id", info.SessionID,
		"url", info.URL,
		"inbound_rate", sm.cfg.Playback.InboundSampleRate,
		"permission_denied", sess.PermissionDenied(),
	)

	// The peer may have gone away before the session was registered, in
	// which case the state hook found nothing to stop.
	if sess.State() != transport.Connected {
		sm.end(sess)
	}
	return nil
}

// sessionHandlers returns the user handlers with a state hook that tears the
// session down once its transport leaves Connected. *sess is read only after
// the session has connected.
func (sm *SessionManager) sessionHandlers(sess **Session) SessionHandlers {
	h := sm.handlers
	user := h.OnStateChange
	h.OnStateChange = func(from, to transport.State) {
		if user != nil {
			user(from, to)
		}
		if from == transport.Connected && (to == transport.Disconnected || to == transport.Error) {
			sm.end(*sess)
		}
	}
	return h
}

// end stops sess if it is still the active session.
func (sm *SessionManager) end(sess *Session) {
	if sess == nil {
		return
	}
	state := sess.State()
	err := sm.stop(sess)
	switch {
	case errors.Is(err, errNoSession):
	case err != nil:
		sm.log.Warn("session: teardown after transport closed", "state", state, "err", err)
	default:
		sm.log.Info("session: transport closed, torn down", "state", state)
	}
}

// open builds and connects a session without holding sm.mu, so session
// handlers may query the manager while the dial is in progress.
func (sm *SessionManager) open(ctx context.Context, v config.VADConfig) (*Session, SessionInfo, error) {
	now := time.Now().UTC()
	info := SessionInfo{
		SessionID: fmt.Sprintf("session-%s-%d", now.Format("20060102T150405Z"), sm.seq.Add(1)),
		URL:       sm.cfg.Transport.URL,
		StartedAt: now,
	}

	sink, err := sm.newSink(sm.cfg.Playback.OutputSampleRate)
	if err != nil {
		return nil, info, fmt.Errorf("session: open output: %w", err)
	}

	var sess *Session
	sess, err = NewSession(SessionConfig{
		Dialer: sm.dialer,
		Input:  sm.input,
		Sink:   sink,
		Capture: capture.Config{
			DeviceRate: sm.cfg.Capture.SampleRate,
			BlockSize:  sm.cfg.Capture.BlockSize,
			TargetRate: sm.cfg.Capture.TargetRate,
			VAD: vad.Config{
				Threshold:      v.Threshold,
				SilenceTimeout: v.SilenceTimeout,
				CheckInterval:  v.CheckInterval,
			},
		},
		InboundSampleRate: sm.cfg.Playback.InboundSampleRate,
		SendQueue:         sm.cfg.Transport.SendQueue,
		VADEngine:         sm.vadEngine,
		Metrics:           sm.metrics,
		Logger:            sm.log.With("session_id", info.SessionID),
		Handlers:          sm.sessionHandlers(&sess),
	})
	if err != nil {
		_ = sink.Close()
		return nil, info, err
	}

	if err := sess.Connect(ctx); err != nil {
		if cerr := sess.Close(); cerr != nil {
			sm.log.Warn("session: close after failed connect", "session_id", info.SessionID, "err", cerr)
		}
		return nil, info, err
	}
	return sess, info, nil
}

// Stop tears the active session down completely: microphone, playback and
// transport.
//
// Returns an error if no session is active.
func (sm *SessionManager) Stop() error {
	return sm.stop(nil)
}

// stop tears down the active session. A non-nil match restricts it to that
// session; any other returns errNoSession.
func (sm *SessionManager) stop(match *Session) error {
	sm.mu.Lock()
	if sm.active == nil || (match != nil && sm.active != match) {
		sm.mu.Unlock()
		return errNoSession
	}
	sess, stopped, sessionID := sm.active, sm.stopped, sm.info.SessionID
	sm.active = nil
	sm.stopped = nil
	sm.info = SessionInfo{}
	sm.mu.Unlock()

	// Closed outside the lock; session handlers may query the manager.
	err := sess.Close()
	if err != nil {
		sm.log.Warn("session: close error", "session_id", sessionID, "err", err)
	}
	close(stopped)

	sm.log.Info("session stopped", "session_id", sessionID)
	return err
}

// IsActive reports whether a session is currently running.
func (sm *SessionManager) IsActive() bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.active != nil
}

// Info returns metadata about the active session.
// Returns zero value if no session is active.
func (sm *SessionManager) Info() SessionInfo {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.info
}

// Session returns the active session, or nil.
func (sm *SessionManager) Session() *Session {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.active
}

// Done returns a channel closed when the active session is stopped, or nil
// when no session is active.
func (sm *SessionManager) Done() <-chan struct{} {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.stopped
}

// SetVAD replaces the detector parameters used by sessions started after the
// call. The active session keeps its parameters.
func (sm *SessionManager) SetVAD(v config.VADConfig) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.vadCfg = v
}

// ManagerStatus is the /status document.
type ManagerStatus struct {
	Active  bool         `json:"active"`
	Info    *SessionInfo `json:"info,omitempty"`
	Session *Status      `json:"session,omitempty"`
}

// Status returns a snapshot of the manager and its active session.
func (sm *SessionManager) Status() ManagerStatus {
	sm.mu.Lock()
	sess, info := sm.active, sm.info
	sm.mu.Unlock()

	if sess == nil {
		return ManagerStatus{}
	}
	st := sess.Status()
	return ManagerStatus{Active: true, Info: &info, Session: &st}
}

// CheckTransport fails unless the active session's transport is Connected.
func (sm *SessionManager) CheckTransport(_ context.Context) error {
	sess := sm.Session()
	if sess == nil {
		return errors.New("no active session")
	}
	if st := sess.State(); st != transport.Connected {
		return fmt.Errorf("transport is %s", st)
	}
	return nil
}

// CheckCapture fails when the microphone of the active session could not be
// opened.
func (sm *SessionManager) CheckCapture(_ context.Context) error {
	sess := sm.Session()
	if sess == nil {
		return errors.New("no active session")
	}
	return sess.Err()
}
