package app_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/MrWong99/voicelink/internal/app"
	"github.com/MrWong99/voicelink/internal/observe"
	"github.com/MrWong99/voicelink/pkg/audio"
	"github.com/MrWong99/voicelink/pkg/audio/capture"
	audiomock "github.com/MrWong99/voicelink/pkg/audio/mock"
	"github.com/MrWong99/voicelink/pkg/provider/vad"
	vadmock "github.com/MrWong99/voicelink/pkg/provider/vad/mock"
	"github.com/MrWong99/voicelink/pkg/transport"
	transportmock "github.com/MrWong99/voicelink/pkg/transport/mock"
)

// ─── helpers ─────────────────────────────────────────────────────────────────

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func newTestMetrics(t *testing.T) (*observe.Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

// counterTotal sums every data point of the named Int64 counter.
func counterTotal(t *testing.T, reader *sdkmetric.ManualReader, name string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("metric %q has data %T, want Sum[int64]", name, m.Data)
			}
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
		}
	}
	return total
}

// events records session handler invocations.
type events struct {
	mu          sync.Mutex
	transitions []string
	errs        []error
	local       []vad.SpeakingState
	remote      []vad.SpeakingState
	playing     []bool
}

func (e *events) handlers() app.SessionHandlers {
	return app.SessionHandlers{
		OnStateChange: func(from, to transport.State) {
			e.mu.Lock()
			defer e.mu.Unlock()
			e.transitions = append(e.transitions, fmt.Sprintf("%s->%s", from, to))
		},
		OnError: func(err error) {
			e.mu.Lock()
			defer e.mu.Unlock()
			e.errs = append(e.errs, err)
		},
		OnLocalSpeaking: func(s vad.SpeakingState) {
			e.mu.Lock()
			defer e.mu.Unlock()
			e.local = append(e.local, s)
		},
		OnRemoteSpeaking: func(s vad.SpeakingState) {
			e.mu.Lock()
			defer e.mu.Unlock()
			e.remote = append(e.remote, s)
		},
		OnPlaying: func(p bool) {
			e.mu.Lock()
			defer e.mu.Unlock()
			e.playing = append(e.playing, p)
		},
	}
}

func (e *events) Transitions() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.transitions...)
}

func (e *events) Errors() []error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]error(nil), e.errs...)
}

func (e *events) Remote() []vad.SpeakingState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]vad.SpeakingState(nil), e.remote...)
}

func (e *events) Playing() []bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]bool(nil), e.playing...)
}

// syncBuffer is a log sink safe for concurrent writers and readers.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type sessionFixture struct {
	logs    *syncBuffer
	sess    *app.Session
	dialer  *transportmock.Dialer
	input   *audiomock.InputDevice
	sink    *audiomock.Sink
	vad     *vadmock.Engine
	events  *events
	metrics *sdkmetric.ManualReader
}

func newSessionFixture(t *testing.T, tweaks ...func(*app.SessionConfig)) *sessionFixture {
	t.Helper()
	met, reader := newTestMetrics(t)
	f := &sessionFixture{
		logs:    &syncBuffer{},
		dialer:  &transportmock.Dialer{},
		input:   &audiomock.InputDevice{},
		sink:    &audiomock.Sink{},
		vad:     &vadmock.Engine{},
		events:  &events{},
		metrics: reader,
	}
	cfg := app.SessionConfig{
		Dialer:            f.dialer,
		Input:             f.input,
		Sink:              f.sink,
		InboundSampleRate: 24000,
		VADEngine:         f.vad,
		Metrics:           met,
		Logger:            slog.New(slog.NewTextHandler(f.logs, &slog.HandlerOptions{Level: slog.LevelDebug})),
		Handlers:          f.events.handlers(),
	}
	for _, tweak := range tweaks {
		tweak(&cfg)
	}
	sess, err := app.NewSession(cfg)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	f.sess = sess
	t.Cleanup(func() { _ = sess.Close() })
	return f
}

// remoteVAD returns the detector session analysing inbound audio. It is
// created with the session, before any microphone detector.
func (f *sessionFixture) remoteVAD(t *testing.T) *vadmock.Session {
	t.Helper()
	sessions := f.vad.Sessions()
	if len(sessions) == 0 {
		t.Fatal("no vad sessions created")
	}
	return sessions[0]
}

func (f *sessionFixture) connect(t *testing.T) *transportmock.Channel {
	t.Helper()
	if err := f.sess.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	ch := f.dialer.Last()
	if ch == nil {
		t.Fatal("no channel dialled")
	}
	return ch
}

func float32Frame(n int, v float32) []byte {
	s := make([]float32, n)
	for i := range s {
		s[i] = v
	}
	return audio.EncodeFloat32LE(s)
}

// ─── construction ────────────────────────────────────────────────────────────

func TestNewSession_RequiresDependencies(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		cfg  app.SessionConfig
	}{
		{"no dialer", app.SessionConfig{Input: &audiomock.InputDevice{}, Sink: &audiomock.Sink{}}},
		{"no input", app.SessionConfig{Dialer: &transportmock.Dialer{}, Sink: &audiomock.Sink{}}},
		{"no sink", app.SessionConfig{Dialer: &transportmock.Dialer{}, Input: &audiomock.InputDevice{}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := app.NewSession(tt.cfg); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestNewSession_RemoteVADUsesInboundRate(t *testing.T) {
	t.Parallel()
	f := newSessionFixture(t)

	calls := f.vad.Calls()
	if len(calls) != 1 {
		t.Fatalf("vad sessions = %d, want 1 before connect", len(calls))
	}
	if calls[0].Cfg.SampleRate != 24000 {
		t.Errorf("remote vad rate = %d, want 24000", calls[0].Cfg.SampleRate)
	}
	if f.input.CallCountOpen != 0 {
		t.Error("microphone opened before connect")
	}
}

func TestNewSession_VADErrorPropagates(t *testing.T) {
	t.Parallel()
	_, err := app.NewSession(app.SessionConfig{
		Dialer:    &transportmock.Dialer{},
		Input:     &audiomock.InputDevice{},
		Sink:      &audiomock.Sink{},
		VADEngine: &vadmock.Engine{NewSessionErr: errors.New("boom")},
	})
	if err == nil {
		t.Fatal("expected error")
	}
}

// ─── connect / capture lifecycle ─────────────────────────────────────────────

func TestConnect_StartsCapture(t *testing.T) {
	t.Parallel()
	f := newSessionFixture(t)
	f.connect(t)

	if got := f.sess.State(); got != transport.Connected {
		t.Errorf("state = %v, want connected", got)
	}
	if f.input.Last() == nil {
		t.Fatal("microphone not opened on connect")
	}
	if !f.sess.Status().CaptureActive {
		t.Error("capture not active while connected")
	}
	if len(f.vad.Calls()) != 2 {
		t.Errorf("vad sessions = %d, want remote and local", len(f.vad.Calls()))
	}
	want := []string{"disconnected->connecting", "connecting->connected"}
	if got := f.events.Transitions(); !equalStrings(got, want) {
		t.Errorf("transitions = %v, want %v", got, want)
	}
}

func TestConnect_DialFailureLeavesMicrophoneClosed(t *testing.T) {
	t.Parallel()
	f := newSessionFixture(t)
	f.dialer.DialErr = errors.New("refused")

	err := f.sess.Connect(context.Background())
	if !errors.Is(err, transport.ErrTransport) {
		t.Fatalf("Connect err = %v, want ErrTransport", err)
	}
	if got := f.sess.State(); got != transport.Error {
		t.Errorf("state = %v, want error", got)
	}
	if f.input.CallCountOpen != 0 {
		t.Error("microphone opened after failed dial")
	}
	if st := f.sess.Status(); st.LastError == "" {
		t.Error("status has no last error")
	}
	if len(f.events.Errors()) != 1 {
		t.Errorf("errors = %v, want one", f.events.Errors())
	}
}

func TestDisconnect_StopsCaptureKeepsPlayback(t *testing.T) {
	t.Parallel()
	f := newSessionFixture(t)
	ch := f.connect(t)

	ch.Deliver(float32Frame(240, 0.1))
	waitFor(t, "first buffer scheduled", func() bool { return len(f.sink.Schedules()) == 1 })
	f.remoteVAD(t).Trigger(vad.Speaking)

	if err := f.sess.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if f.sess.Status().CaptureActive {
		t.Error("capture still active after disconnect")
	}
	if !f.input.Last().Closed() {
		t.Error("microphone stream not closed")
	}
	if !ch.Closed() {
		t.Error("channel not closed")
	}
	if got := f.sess.RemoteSpeaking(); got != vad.Silent {
		t.Errorf("remote speaking = %v, want silent", got)
	}
	if f.remoteVAD(t).ResetCallCount != 1 {
		t.Errorf("remote vad resets = %d, want 1", f.remoteVAD(t).ResetCallCount)
	}
	// Queued inbound audio keeps playing.
	if !f.sess.IsPlaying() {
		t.Error("playback stopped on disconnect")
	}
}

func TestPeerClose_StopsCapture(t *testing.T) {
	t.Parallel()
	f := newSessionFixture(t)
	ch := f.connect(t)

	ch.Fail(transport.ErrPeerClosed)
	waitFor(t, "disconnected", func() bool { return f.sess.State() == transport.Disconnected })
	waitFor(t, "capture stopped", func() bool { return !f.sess.Status().CaptureActive })
}

func TestReconnect_ReopensMicrophone(t *testing.T) {
	t.Parallel()
	f := newSessionFixture(t)
	f.connect(t)
	if err := f.sess.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	f.connect(t)

	if got := len(f.input.Opened()); got != 2 {
		t.Errorf("microphone opens = %d, want 2", got)
	}
	if !f.sess.Status().CaptureActive {
		t.Error("capture not active after reconnect")
	}
}

func TestPermissionDenied_KeepsReceiving(t *testing.T) {
	t.Parallel()
	f := newSessionFixture(t)
	f.input.OpenError = fmt.Errorf("portaudio: open default input: %w", capture.ErrPermissionDenied)

	ch := f.connect(t)
	if !f.sess.PermissionDenied() {
		t.Error("PermissionDenied = false, want true")
	}
	if !errors.Is(f.sess.Err(), capture.ErrPermissionDenied) {
		t.Errorf("Err = %v, want ErrPermissionDenied", f.sess.Err())
	}
	if got := f.sess.State(); got != transport.Connected {
		t.Errorf("state = %v, want connected", got)
	}
	errs := f.events.Errors()
	if len(errs) != 1 || !errors.Is(errs[0], capture.ErrPermissionDenied) {
		t.Errorf("errors = %v, want one permission error", errs)
	}

	ch.Deliver(float32Frame(240, 0.1))
	waitFor(t, "inbound buffer scheduled", func() bool { return len(f.sink.Schedules()) == 1 })
	if !f.sess.Status().PermissionDenied {
		t.Error("status does not report permission denied")
	}
}

// ─── outbound ────────────────────────────────────────────────────────────────

func TestCapture_SendsResampledFrames(t *testing.T) {
	t.Parallel()
	f := newSessionFixture(t)
	ch := f.connect(t)

	f.input.Last().Push(make([]float32, 2048))
	select {
	case <-ch.Written():
	case <-time.After(2 * time.Second):
		t.Fatal("no frame written")
	}

	writes := ch.Writes()
	if len(writes) != 1 {
		t.Fatalf("writes = %d, want 1", len(writes))
	}
	// 2048 samples at 48 kHz resample to 682 samples at 16 kHz.
	if got := len(writes[0]); got != 682*4 {
		t.Errorf("frame length = %d, want %d", got, 682*4)
	}
	waitFor(t, "frames sent metric", func() bool {
		return counterTotal(t, f.metrics, "voicelink.frames.sent") == 1
	})
}

// ─── inbound ─────────────────────────────────────────────────────────────────

func TestInbound_DecodesAndSchedules(t *testing.T) {
	t.Parallel()
	f := newSessionFixture(t)
	ch := f.connect(t)

	ch.Deliver(float32Frame(240, 0.5)) // 10 ms at 24 kHz
	ch.Deliver(make([]byte, 2*480+2))  // int16, 481 samples
	waitFor(t, "second frame queued", func() bool { return f.sess.Status().QueuedBuffers == 1 })

	// One buffer is handed to the sink at a time; the second follows the
	// first's completion.
	if got := len(f.sink.Schedules()); got != 1 {
		t.Fatalf("schedules before completion = %d, want 1", got)
	}
	if got := f.remoteVAD(t).Frames(); got != 2 {
		t.Errorf("remote vad frames = %d, want 2", got)
	}
	f.sink.Advance(10 * time.Millisecond)
	waitFor(t, "second buffer scheduled", func() bool { return len(f.sink.Schedules()) == 2 })

	calls := f.sink.Schedules()
	if got := len(calls[0].Buffer.Samples); got != 240 {
		t.Errorf("first buffer samples = %d, want 240", got)
	}
	if got := len(calls[1].Buffer.Samples); got != 481 {
		t.Errorf("second buffer samples = %d, want 481", got)
	}
	if calls[0].Buffer.SampleRate != 24000 {
		t.Errorf("buffer rate = %d, want 24000", calls[0].Buffer.SampleRate)
	}
	if calls[1].At != calls[0].End() {
		t.Errorf("second buffer at %v, want gapless at %v", calls[1].At, calls[0].End())
	}
	if got := f.events.Playing(); len(got) != 1 || !got[0] {
		t.Errorf("playing events = %v, want [true]", got)
	}
}

func TestInbound_UndecodableDropped(t *testing.T) {
	t.Parallel()
	f := newSessionFixture(t)
	ch := f.connect(t)

	ch.Deliver([]byte{1, 2, 3})
	ch.Deliver(float32Frame(16, 0))
	waitFor(t, "valid buffer scheduled", func() bool { return len(f.sink.Schedules()) == 1 })

	st := f.sess.Status()
	if st.Undecodable != 1 {
		t.Errorf("undecodable = %d, want 1", st.Undecodable)
	}
	if st.FramesReceived != 2 {
		t.Errorf("frames received = %d, want 2", st.FramesReceived)
	}
	if f.remoteVAD(t).Frames() != 1 {
		t.Errorf("remote vad frames = %d, want 1", f.remoteVAD(t).Frames())
	}
	if got := counterTotal(t, f.metrics, "voicelink.frames.dropped"); got != 1 {
		t.Errorf("dropped metric = %d, want 1", got)
	}
	if logs := f.logs.String(); !strings.Contains(logs, "dropping inbound frame") || !strings.Contains(logs, "format=unrecognized") {
		t.Errorf("drop warning does not describe the frame:\n%s", logs)
	}
}

func TestInbound_FormatLoggedOnChange(t *testing.T) {
	t.Parallel()
	f := newSessionFixture(t)
	ch := f.connect(t)

	ch.Deliver(float32Frame(240, 0.1))
	ch.Deliver(float32Frame(240, 0.1))
	ch.Deliver(make([]byte, 962)) // 481 int16 samples
	waitFor(t, "frames received", func() bool { return f.sess.Status().FramesReceived == 3 })
	waitFor(t, "int16 format logged", func() bool {
		return strings.Contains(f.logs.String(), `format="24000Hz int16"`)
	})

	logs := f.logs.String()
	if got := strings.Count(logs, "inbound audio format"); got != 2 {
		t.Errorf("format lines = %d, want 2:\n%s", got, logs)
	}
	if !strings.Contains(logs, `format="24000Hz float32"`) {
		t.Errorf("float32 format not logged:\n%s", logs)
	}
}

func TestInbound_PlaybackRunsDry(t *testing.T) {
	t.Parallel()
	f := newSessionFixture(t)
	ch := f.connect(t)

	ch.Deliver(float32Frame(240, 0.1)) // 10 ms at 24 kHz
	waitFor(t, "buffer scheduled", func() bool { return len(f.sink.Schedules()) == 1 })

	f.sink.Advance(20 * time.Millisecond)
	waitFor(t, "playback idle", func() bool { return !f.sess.IsPlaying() })
	if got := f.events.Playing(); len(got) != 2 || got[1] {
		t.Errorf("playing events = %v, want [true false]", got)
	}
}

func TestCapture_RejectedFramesLogged(t *testing.T) {
	t.Parallel()
	f := newSessionFixture(t, func(c *app.SessionConfig) { c.SendQueue = 1 })
	ch := f.connect(t)
	release := ch.HoldWrites()
	t.Cleanup(release)

	stream := f.input.Last()
	for range 6 {
		stream.Push(make([]float32, 2048))
	}
	waitFor(t, "frames dropped", func() bool { return f.sess.Status().FramesDropped > 0 })
	waitFor(t, "drop logged", func() bool {
		return strings.Contains(f.logs.String(), transport.ErrSendRejected.Error())
	})
	if got := counterTotal(t, f.metrics, "voicelink.frames.dropped"); got == 0 {
		t.Error("dropped metric not recorded")
	}
}

// ─── remote speaking ─────────────────────────────────────────────────────────

func TestRemoteSpeaking_FollowsDetector(t *testing.T) {
	t.Parallel()
	f := newSessionFixture(t)
	f.connect(t)

	rv := f.remoteVAD(t)
	rv.Trigger(vad.Speaking)
	if got := f.sess.RemoteSpeaking(); got != vad.Speaking {
		t.Errorf("remote speaking = %v, want speaking", got)
	}
	rv.Trigger(vad.Silent)

	want := []vad.SpeakingState{vad.Speaking, vad.Silent}
	got := f.events.Remote()
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("remote events = %v, want %v", got, want)
	}
}

// ─── close ───────────────────────────────────────────────────────────────────

func TestClose_TearsDownOnce(t *testing.T) {
	t.Parallel()
	f := newSessionFixture(t)
	ch := f.connect(t)
	f.remoteVAD(t).Trigger(vad.Speaking)

	for range 3 {
		if err := f.sess.Close(); err != nil {
			t.Fatalf("Close: %v", err)
		}
	}
	if f.sink.CloseCount() != 1 {
		t.Errorf("sink closes = %d, want 1", f.sink.CloseCount())
	}
	if f.remoteVAD(t).Closes() != 1 {
		t.Errorf("remote vad closes = %d, want 1", f.remoteVAD(t).Closes())
	}
	if !ch.Closed() {
		t.Error("channel not closed")
	}
	if !f.input.Last().Closed() {
		t.Error("microphone not closed")
	}
	if got := f.sess.RemoteSpeaking(); got != vad.Silent {
		t.Errorf("remote speaking = %v, want silent", got)
	}
	if err := f.sess.Connect(context.Background()); !errors.Is(err, app.ErrSessionClosed) {
		t.Errorf("Connect after Close = %v, want ErrSessionClosed", err)
	}
	if err := f.sess.Disconnect(); err != nil {
		t.Errorf("Disconnect after Close = %v, want nil", err)
	}
}

func TestClose_FromStateHandler(t *testing.T) {
	t.Parallel()
	var sess *app.Session
	closed := make(chan error, 1)
	sess, err := app.NewSession(app.SessionConfig{
		Dialer:    &transportmock.Dialer{},
		Input:     &audiomock.InputDevice{},
		Sink:      &audiomock.Sink{},
		VADEngine: &vadmock.Engine{},
		Handlers: app.SessionHandlers{
			OnStateChange: func(_, to transport.State) {
				if to == transport.Connected {
					closed <- sess.Close()
				}
			},
		},
	})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = sess.Connect(context.Background())
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Connect deadlocked with Close in handler")
	}
	if err := <-closed; err != nil {
		t.Errorf("Close: %v", err)
	}
	if got := sess.State(); got != transport.Disconnected {
		t.Errorf("state = %v, want disconnected", got)
	}
}

func TestActiveSessionsMetric(t *testing.T) {
	t.Parallel()
	f := newSessionFixture(t)

	var rm metricdata.ResourceMetrics
	read := func() int64 {
		if err := f.metrics.Collect(context.Background(), &rm); err != nil {
			t.Fatalf("Collect: %v", err)
		}
		for _, sm := range rm.ScopeMetrics {
			for _, m := range sm.Metrics {
				if m.Name == "voicelink.active_sessions" {
					sum := m.Data.(metricdata.Sum[int64])
					var v int64
					for _, dp := range sum.DataPoints {
						v += dp.Value
					}
					return v
				}
			}
		}
		return 0
	}
	if got := read(); got != 1 {
		t.Errorf("active sessions = %d, want 1", got)
	}
	_ = f.sess.Close()
	if got := read(); got != 0 {
		t.Errorf("active sessions after close = %d, want 0", got)
	}
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Not parallel: installs a global tracer provider.
func TestConnect_LogsCarryConnectTrace(t *testing.T) {
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	orig := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(orig)
		_ = tp.Shutdown(context.Background())
	})

	f := newSessionFixture(t)
	ch := f.connect(t)

	spans := exp.GetSpans()
	if len(spans) != 1 || spans[0].Name != "session.connect" {
		t.Fatalf("spans = %v, want one session.connect", spans)
	}
	traceID := spans[0].SpanContext.TraceID().String()

	// Logged from the transport reader goroutine after Connect returned.
	ch.Deliver([]byte{1, 2, 3})
	waitFor(t, "drop logged", func() bool { return strings.Contains(f.logs.String(), "dropping inbound frame") })

	for _, line := range strings.Split(strings.TrimSpace(f.logs.String()), "\n") {
		if !strings.Contains(line, "msg=\"session: ") {
			continue
		}
		if !strings.Contains(line, "trace_id="+traceID) {
			t.Errorf("session log line without connect trace: %s", line)
		}
	}
}

func TestConnect_FailureMarksSpan(t *testing.T) {
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	orig := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(orig)
		_ = tp.Shutdown(context.Background())
	})

	f := newSessionFixture(t)
	f.dialer.DialErr = errors.New("connection refused")
	if err := f.sess.Connect(context.Background()); err == nil {
		t.Fatal("Connect succeeded")
	}

	spans := exp.GetSpans()
	if len(spans) != 1 || spans[0].Status.Code != codes.Error {
		t.Errorf("spans = %+v, want one failed span", spans)
	}
	if !strings.Contains(f.logs.String(), "session: connect failed") {
		t.Errorf("connect failure not logged:\n%s", f.logs.String())
	}
}
