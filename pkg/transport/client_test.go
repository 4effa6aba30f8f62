package transport_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/voicelink/pkg/transport"
	"github.com/MrWong99/voicelink/pkg/transport/mock"
)

// recorder captures handler invocations.
type recorder struct {
	mu          sync.Mutex
	transitions []string
	connects    int
	disconnects int
	errs        []error
	received    [][]byte
	recv        chan struct{}
}

func newRecorder() *recorder {
	return &recorder{recv: make(chan struct{}, 64)}
}

func (r *recorder) handlers() transport.Handlers {
	return transport.Handlers{
		OnConnect: func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.connects++
		},
		OnDisconnect: func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.disconnects++
		},
		OnReceive: func(msg []byte) {
			r.mu.Lock()
			r.received = append(r.received, msg)
			r.mu.Unlock()
			r.recv <- struct{}{}
		},
		OnStateChange: func(from, to transport.State) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.transitions = append(r.transitions, fmt.Sprintf("%s->%s", from, to))
		},
		OnError: func(err error) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.errs = append(r.errs, err)
		},
	}
}

func (r *recorder) Transitions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.transitions...)
}

func (r *recorder) Counts() (connects, disconnects, errs int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connects, r.disconnects, len(r.errs)
}

func equal(a, b []string) bool {
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

func connected(t *testing.T, opts ...transport.Option) (*transport.Client, *mock.Dialer, *recorder) {
	t.Helper()
	d := &mock.Dialer{}
	rec := newRecorder()
	c := transport.New(d, rec.handlers(), opts...)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { _ = c.Disconnect() })
	return c, d, rec
}

// ─── State ───────────────────────────────────────────────────────────────────

func TestState_String(t *testing.T) {
	t.Parallel()
	tests := []struct {
		s    transport.State
		want string
	}{
		{transport.Disconnected, "disconnected"},
		{transport.Connecting, "connecting"},
		{transport.Connected, "connected"},
		{transport.Error, "error"},
		{transport.State(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.s, got, tt.want)
		}
	}
}

// ─── Connect ─────────────────────────────────────────────────────────────────

func TestConnect_TransitionsAndHandlers(t *testing.T) {
	t.Parallel()
	c, _, rec := connected(t)

	if c.State() != transport.Connected {
		t.Fatalf("state = %v, want connected", c.State())
	}
	want := []string{"disconnected->connecting", "connecting->connected"}
	if got := rec.Transitions(); !equal(got, want) {
		t.Errorf("transitions = %v, want %v", got, want)
	}
	if conns, _, _ := rec.Counts(); conns != 1 {
		t.Errorf("OnConnect fired %d times, want 1", conns)
	}
}

func TestConnect_NoopWhenConnected(t *testing.T) {
	t.Parallel()
	c, d, rec := connected(t)

	for range 3 {
		if err := c.Connect(context.Background()); err != nil {
			t.Fatalf("Connect: %v", err)
		}
	}
	if d.Calls() != 1 {
		t.Errorf("dials = %d, want 1", d.Calls())
	}
	if conns, _, _ := rec.Counts(); conns != 1 {
		t.Errorf("OnConnect fired %d times, want 1", conns)
	}
}

func TestConnect_DialFailureEntersError(t *testing.T) {
	t.Parallel()
	dialErr := errors.New("connection refused")
	d := &mock.Dialer{DialErr: dialErr}
	rec := newRecorder()
	c := transport.New(d, rec.handlers())

	err := c.Connect(context.Background())
	if !errors.Is(err, transport.ErrTransport) || !errors.Is(err, dialErr) {
		t.Fatalf("Connect err = %v, want ErrTransport wrapping dial error", err)
	}
	if c.State() != transport.Error {
		t.Errorf("state = %v, want error", c.State())
	}
	if !errors.Is(c.LastError(), dialErr) {
		t.Errorf("LastError = %v, want %v", c.LastError(), dialErr)
	}
	if _, _, errs := rec.Counts(); errs != 1 {
		t.Errorf("OnError fired %d times, want 1", errs)
	}
	// No automatic retry.
	time.Sleep(10 * time.Millisecond)
	if d.Calls() != 1 {
		t.Errorf("dials = %d, want 1", d.Calls())
	}

	// The caller may connect again from Error.
	d.DialErr = nil
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	if c.LastError() != nil {
		t.Errorf("LastError after reconnect = %v, want nil", c.LastError())
	}
}

func TestConnect_NoopWhileConnecting(t *testing.T) {
	t.Parallel()
	gate := make(chan struct{})
	d := &mock.Dialer{Gate: gate}
	c := transport.New(d, transport.Handlers{})
	defer c.Disconnect()

	errc := make(chan error, 1)
	go func() { errc <- c.Connect(context.Background()) }()
	waitFor(t, "connecting", func() bool { return c.State() == transport.Connecting })

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("second Connect: %v", err)
	}
	close(gate)
	if err := <-errc; err != nil {
		t.Fatalf("first Connect: %v", err)
	}
	if d.Calls() != 1 {
		t.Errorf("dials = %d, want 1", d.Calls())
	}
}

func TestConnect_DisconnectDuringDialAborts(t *testing.T) {
	t.Parallel()
	gate := make(chan struct{})
	d := &mock.Dialer{Gate: gate}
	rec := newRecorder()
	c := transport.New(d, rec.handlers())

	errc := make(chan error, 1)
	go func() { errc <- c.Connect(context.Background()) }()
	waitFor(t, "connecting", func() bool { return c.State() == transport.Connecting })

	if err := c.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	close(gate)

	if err := <-errc; !errors.Is(err, transport.ErrTransport) {
		t.Fatalf("Connect err = %v, want ErrTransport", err)
	}
	if c.State() != transport.Disconnected {
		t.Errorf("state = %v, want disconnected", c.State())
	}
	if ch := d.Last(); ch == nil || !ch.Closed() {
		t.Error("channel dialled after Disconnect was not closed")
	}
	if conns, _, _ := rec.Counts(); conns != 0 {
		t.Errorf("OnConnect fired %d times, want 0", conns)
	}
}

// ─── Send ────────────────────────────────────────────────────────────────────

func TestSend_BeforeConnectFails(t *testing.T) {
	t.Parallel()
	d := &mock.Dialer{}
	c := transport.New(d, transport.Handlers{})

	if c.Send([]byte{1, 2, 3, 4}) {
		t.Error("Send before Connect returned true")
	}
	if d.Calls() != 0 || d.Last() != nil {
		t.Error("Send before Connect touched the dialer")
	}
	if s := c.Stats(); s.Sent != 0 || s.Dropped != 0 {
		t.Errorf("stats = %+v, want zero", s)
	}
}

func TestSend_DeliversInOrder(t *testing.T) {
	t.Parallel()
	c, d, _ := connected(t)
	ch := d.Last()

	for i := range 5 {
		if !c.Send([]byte{byte(i)}) {
			t.Fatalf("Send %d returned false", i)
		}
	}
	for range 5 {
		<-ch.Written()
	}
	for i, w := range ch.Writes() {
		if len(w) != 1 || w[0] != byte(i) {
			t.Errorf("write %d = %v, want [%d]", i, w, i)
		}
	}
	waitFor(t, "sent counter", func() bool { return c.Stats().Sent == 5 })
}

func TestSend_AfterDisconnectFails(t *testing.T) {
	t.Parallel()
	c, d, _ := connected(t)
	_ = c.Disconnect()

	if c.Send([]byte{1, 2}) {
		t.Error("Send after Disconnect returned true")
	}
	if n := len(d.Last().Writes()); n != 0 {
		t.Errorf("writes = %d, want 0", n)
	}
}

// blockingChannel holds every Write until release is closed.
type blockingChannel struct {
	*mock.Channel
	release chan struct{}
	entered chan struct{}
}

func (b *blockingChannel) Write(ctx context.Context, msg []byte) error {
	select {
	case b.entered <- struct{}{}:
	default:
	}
	select {
	case <-b.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	return b.Channel.Write(ctx, msg)
}

type blockingDialer struct{ ch *blockingChannel }

func (d blockingDialer) Dial(context.Context) (transport.Channel, error) { return d.ch, nil }

func TestSend_FullQueueDropsWithoutBlocking(t *testing.T) {
	t.Parallel()
	ch := &blockingChannel{
		Channel: mock.NewChannel(),
		release: make(chan struct{}),
		entered: make(chan struct{}, 1),
	}
	c := transport.New(blockingDialer{ch}, transport.Handlers{}, transport.WithSendQueue(2))
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Disconnect()

	// First frame is taken by the writer and blocks there.
	if !c.Send([]byte{0}) {
		t.Fatal("first Send returned false")
	}
	<-ch.entered

	// Two more fill the queue; the fourth is dropped.
	if !c.Send([]byte{1}) || !c.Send([]byte{2}) {
		t.Fatal("Send into free queue slots returned false")
	}
	done := make(chan bool, 1)
	go func() { done <- c.Send([]byte{3}) }()
	select {
	case ok := <-done:
		if ok {
			t.Error("Send into full queue returned true")
		}
	case <-time.After(time.Second):
		t.Fatal("Send blocked on a full queue")
	}
	if c.Stats().Dropped != 1 {
		t.Errorf("dropped = %d, want 1", c.Stats().Dropped)
	}
	close(ch.release)
}

// ─── Receive ─────────────────────────────────────────────────────────────────

func TestReceive_VerbatimInOrder(t *testing.T) {
	t.Parallel()
	_, d, rec := connected(t)
	ch := d.Last()

	msgs := [][]byte{{1, 2, 3, 4}, {5, 6}, {7, 8, 9, 10, 11, 12, 13, 14}}
	for _, m := range msgs {
		ch.Deliver(m)
	}
	for range msgs {
		<-rec.recv
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	for i, m := range msgs {
		if string(rec.received[i]) != string(m) {
			t.Errorf("message %d = %v, want %v", i, rec.received[i], m)
		}
	}
}

// ─── Disconnect ──────────────────────────────────────────────────────────────

func TestDisconnect_TwiceFiresOnce(t *testing.T) {
	t.Parallel()
	c, d, rec := connected(t)

	if err := c.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if err := c.Disconnect(); err != nil {
		t.Fatalf("second Disconnect: %v", err)
	}
	if _, disc, _ := rec.Counts(); disc != 1 {
		t.Errorf("OnDisconnect fired %d times, want 1", disc)
	}
	if c.State() != transport.Disconnected {
		t.Errorf("state = %v, want disconnected", c.State())
	}
	if reasons := d.Last().CloseReasons(); len(reasons) != 1 {
		t.Errorf("channel closed %d times, want 1", len(reasons))
	}
}

func TestDisconnect_BeforeConnectIsNoop(t *testing.T) {
	t.Parallel()
	rec := newRecorder()
	c := transport.New(&mock.Dialer{}, rec.handlers())

	if err := c.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if _, disc, _ := rec.Counts(); disc != 0 {
		t.Errorf("OnDisconnect fired %d times, want 0", disc)
	}
	if len(rec.Transitions()) != 0 {
		t.Errorf("transitions = %v, want none", rec.Transitions())
	}
}

func TestDisconnect_FromReceiveHandler(t *testing.T) {
	t.Parallel()
	d := &mock.Dialer{}
	var c *transport.Client
	got := make(chan struct{}, 8)
	c = transport.New(d, transport.Handlers{
		OnReceive: func([]byte) {
			_ = c.Disconnect()
			got <- struct{}{}
		},
	})
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	ch := d.Last()
	ch.Deliver([]byte{1, 2})
	ch.Deliver([]byte{3, 4})
	<-got

	if c.State() != transport.Disconnected {
		t.Errorf("state = %v, want disconnected", c.State())
	}
	select {
	case <-got:
		t.Error("message delivered after Disconnect")
	case <-time.After(20 * time.Millisecond):
	}
}

// ─── Channel failures ────────────────────────────────────────────────────────

func TestPeerClose_MapsToDisconnected(t *testing.T) {
	t.Parallel()
	c, d, rec := connected(t)

	d.Last().Fail(fmt.Errorf("websocket: read: %w", transport.ErrPeerClosed))
	waitFor(t, "disconnected", func() bool { return c.State() == transport.Disconnected })

	if _, disc, errs := rec.Counts(); disc != 1 || errs != 0 {
		t.Errorf("disconnects=%d errors=%d, want 1 and 0", disc, errs)
	}
	if c.LastError() != nil {
		t.Errorf("LastError = %v, want nil", c.LastError())
	}
}

func TestReadFailure_MapsToError(t *testing.T) {
	t.Parallel()
	c, d, rec := connected(t)

	ioErr := errors.New("connection reset by peer")
	d.Last().Fail(ioErr)
	waitFor(t, "error state", func() bool { return c.State() == transport.Error })

	if !errors.Is(c.LastError(), ioErr) {
		t.Errorf("LastError = %v, want %v", c.LastError(), ioErr)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.errs) != 1 || !errors.Is(rec.errs[0], transport.ErrTransport) {
		t.Errorf("OnError = %v, want one ErrTransport", rec.errs)
	}
	if !d.Last().Closed() {
		t.Error("failed channel not closed")
	}
}

func TestWriteFailure_MapsToError(t *testing.T) {
	t.Parallel()
	c, d, _ := connected(t)

	d.Last().SetWriteErr(errors.New("broken pipe"))
	if !c.Send([]byte{1, 2, 3, 4}) {
		t.Fatal("Send returned false")
	}
	waitFor(t, "error state", func() bool { return c.State() == transport.Error })
	if c.Send([]byte{1, 2, 3, 4}) {
		t.Error("Send in Error state returned true")
	}
}

func TestStaleChannel_IgnoredAfterReconnect(t *testing.T) {
	t.Parallel()
	c, d, rec := connected(t)
	old := d.Last()

	_ = c.Disconnect()
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	if d.Last() == old {
		t.Fatal("reconnect reused the closed channel")
	}

	old.Fail(errors.New("late failure"))
	time.Sleep(10 * time.Millisecond)
	if c.State() != transport.Connected {
		t.Errorf("state = %v, want connected", c.State())
	}
	if _, _, errs := rec.Counts(); errs != 0 {
		t.Errorf("OnError fired %d times for a stale channel", errs)
	}
}
