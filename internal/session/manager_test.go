package session

import (
	"context"
	"errors"
	"io/fs"
	"sync"
	"testing"
	"time"

	"github.com/zapbridge/zapbridge/internal/creds"
	apperrors "github.com/zapbridge/zapbridge/internal/errors"
	"github.com/zapbridge/zapbridge/internal/qr"
	"github.com/zapbridge/zapbridge/internal/transport"
)

type fakeConn struct {
	mu           sync.Mutex
	handler      transport.Handler
	connect      func() error
	connectCalls int
	unsubCalls   int
	logoutCalls  int
	logoutErr    error
	closeCalls   int
}

func (c *fakeConn) Subscribe(h transport.Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = h
}

func (c *fakeConn) Unsubscribe() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = nil
	c.unsubCalls++
}

func (c *fakeConn) Connect() error {
	c.mu.Lock()
	c.connectCalls++
	fn := c.connect
	c.mu.Unlock()
	if fn != nil {
		return fn()
	}
	return nil
}

func (c *fakeConn) Send(context.Context, transport.Message) (transport.Receipt, error) {
	return transport.Receipt{}, nil
}

func (c *fakeConn) Presence(context.Context, string, bool) error { return nil }

func (c *fakeConn) Logout(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.logoutCalls++
	return c.logoutErr
}

func (c *fakeConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeCalls++
}

// fire delivers an event through the currently subscribed handler, the way
// the real adapter does. A no-op after Unsubscribe.
func (c *fakeConn) fire(ev transport.Event) {
	c.mu.Lock()
	h := c.handler
	c.mu.Unlock()
	if h != nil {
		h(ev)
	}
}

type fakeTransport struct {
	mu      sync.Mutex
	dialErr error
	prepare func(*fakeConn) // configures each conn before it is returned
	conns   []*fakeConn
}

func (t *fakeTransport) Dial(context.Context) (transport.Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.dialErr != nil {
		return nil, t.dialErr
	}
	c := &fakeConn{}
	if t.prepare != nil {
		t.prepare(c)
	}
	t.conns = append(t.conns, c)
	return c, nil
}

func (t *fakeTransport) dials() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.conns)
}

func (t *fakeTransport) conn(i int) *fakeConn {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conns[i]
}

// timerQueue captures scheduled reconnects so tests fire them explicitly.
type timerQueue struct {
	mu      sync.Mutex
	delays  []time.Duration
	pending []func()
}

func (q *timerQueue) after(d time.Duration, f func()) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.delays = append(q.delays, d)
	q.pending = append(q.pending, f)
}

func (q *timerQueue) count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

func (q *timerQueue) fireNext(t *testing.T) {
	t.Helper()
	q.mu.Lock()
	if len(q.pending) == 0 {
		q.mu.Unlock()
		t.Fatal("no scheduled reconnect to fire")
	}
	f := q.pending[0]
	q.pending = q.pending[1:]
	q.mu.Unlock()
	f()
}

func newTestManager(t *testing.T, opts Options) (*Manager, *fakeTransport, *creds.Store, *timerQueue) {
	t.Helper()
	ft := &fakeTransport{}
	tq := &timerQueue{}
	cs := creds.NewStore(t.TempDir(), "default")
	qc := qr.NewCache()
	opts.After = tq.after
	m := NewManager(ft, cs, qc, opts)
	return m, ft, cs, tq
}

func TestInitialize_DialsAndSettlesOnOpened(t *testing.T) {
	m, ft, _, _ := newTestManager(t, Options{})

	if err := m.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if got := m.Status().State; got != StateConnecting {
		t.Fatalf("state=%s want connecting", got)
	}
	if ft.dials() != 1 {
		t.Fatalf("dials=%d want 1", ft.dials())
	}
	conn := ft.conn(0)
	if conn.connectCalls != 1 {
		t.Fatalf("connect calls=%d want 1", conn.connectCalls)
	}

	conn.fire(transport.Event{Kind: transport.EventConnectionOpened})
	if got := m.Status().State; got != StateOpen {
		t.Fatalf("state=%s want open", got)
	}
}

func TestInitialize_GuardBlocksConcurrentAttempt(t *testing.T) {
	m, ft, _, _ := newTestManager(t, Options{})

	entered := make(chan struct{})
	release := make(chan struct{})
	ft.prepare = func(c *fakeConn) {
		c.connect = func() error {
			close(entered)
			<-release
			return nil
		}
	}

	first := make(chan error, 1)
	go func() { first <- m.Initialize(context.Background()) }()
	<-entered

	// Second Initialize while the first is parked inside Connect.
	ft.prepare = nil
	if err := m.Initialize(context.Background()); err != nil {
		t.Fatalf("guarded initialize: %v", err)
	}
	if ft.dials() != 1 {
		t.Fatalf("dials=%d want 1 (guard must swallow the second attempt)", ft.dials())
	}

	close(release)
	if err := <-first; err != nil {
		t.Fatalf("first initialize: %v", err)
	}

	// The guard clears after the attempt finishes.
	if err := m.Initialize(context.Background()); err != nil {
		t.Fatalf("follow-up initialize: %v", err)
	}
	if ft.dials() != 2 {
		t.Fatalf("dials=%d want 2 after the guard clears", ft.dials())
	}
}

func TestInitialize_DialFailureSettlesClosed(t *testing.T) {
	m, ft, _, tq := newTestManager(t, Options{})
	ft.dialErr = errors.New("no route")

	err := m.Initialize(context.Background())
	if !apperrors.IsCode(err, apperrors.CodeTransportDialFailed) {
		t.Fatalf("err=%v want transport.dial_failed", err)
	}
	if got := m.Status().State; got != StateClosed {
		t.Fatalf("state=%s want closed", got)
	}
	if tq.count() != 0 {
		t.Fatal("dial failure must not self-schedule a retry")
	}
}

func TestInitialize_ConnectFailureSettlesClosed(t *testing.T) {
	m, ft, _, tq := newTestManager(t, Options{})
	ft.prepare = func(c *fakeConn) {
		c.connect = func() error { return errors.New("handshake refused") }
	}

	err := m.Initialize(context.Background())
	if !apperrors.IsCode(err, apperrors.CodeSessionInitFailed) {
		t.Fatalf("err=%v want session.init_failed", err)
	}
	if got := m.Status().State; got != StateClosed {
		t.Fatalf("state=%s want closed", got)
	}
	if ft.conn(0).unsubCalls == 0 {
		t.Fatal("failed attempt must detach its event subscription")
	}
	if tq.count() != 0 {
		t.Fatal("connect failure must not self-schedule a retry")
	}
}

func TestPairingChallenge_CachedThenClearedOnOpen(t *testing.T) {
	m, ft, _, _ := newTestManager(t, Options{})
	if err := m.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	conn := ft.conn(0)

	conn.fire(transport.Event{Kind: transport.EventPairingChallenge, Challenge: "2@pairing-payload"})
	st := m.Status()
	if st.QRRaw != "2@pairing-payload" {
		t.Fatalf("raw challenge=%q want the fired payload", st.QRRaw)
	}
	if st.QR == "" {
		t.Fatal("expected a rendered challenge")
	}

	conn.fire(transport.Event{Kind: transport.EventConnectionOpened})
	st = m.Status()
	if st.State != StateOpen {
		t.Fatalf("state=%s want open", st.State)
	}
	if st.QR != "" || st.QRRaw != "" {
		t.Fatal("open must clear the pending challenge")
	}
}

func TestCredentialsUpdated_Persisted(t *testing.T) {
	m, ft, cs, _ := newTestManager(t, Options{})
	if err := m.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	conn := ft.conn(0)

	conn.fire(transport.Event{Kind: transport.EventCredentialsUpdated, Credentials: []byte(`{"jid":"123"}`)})

	blob, err := cs.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if string(blob) != `{"jid":"123"}` {
		t.Fatalf("blob=%q want the forwarded snapshot", blob)
	}
}

func TestClose_LoggedOutIsTerminalAndPurges(t *testing.T) {
	m, ft, cs, tq := newTestManager(t, Options{})
	if err := m.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	conn := ft.conn(0)
	conn.fire(transport.Event{Kind: transport.EventConnectionOpened})
	conn.fire(transport.Event{Kind: transport.EventCredentialsUpdated, Credentials: []byte("snapshot")})

	conn.fire(transport.Event{Kind: transport.EventConnectionClosed, Reason: transport.ReasonLoggedOut})

	if got := m.Status().State; got != StateClosed {
		t.Fatalf("state=%s want closed", got)
	}
	if tq.count() != 0 {
		t.Fatal("logout close must not schedule a reconnect")
	}
	if _, err := cs.Load(); !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("load after purge: %v want not-exist", err)
	}
}

func TestClose_CorruptedPurgesByDefault(t *testing.T) {
	m, ft, cs, tq := newTestManager(t, Options{})
	if err := m.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	conn := ft.conn(0)
	conn.fire(transport.Event{Kind: transport.EventCredentialsUpdated, Credentials: []byte("snapshot")})

	conn.fire(transport.Event{Kind: transport.EventConnectionClosed, Reason: transport.ReasonMethodNotAllowed})

	if got := m.Status().State; got != StateClosed {
		t.Fatalf("state=%s want closed", got)
	}
	if tq.count() != 0 {
		t.Fatal("corrupted close must not schedule a reconnect")
	}
	if _, err := cs.Load(); !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("load after purge: %v want not-exist", err)
	}
}

func TestClose_CorruptedKeepsCredentialsWhenConfigured(t *testing.T) {
	m, ft, cs, tq := newTestManager(t, Options{KeepCorruptCredentials: true})
	if err := m.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	conn := ft.conn(0)
	conn.fire(transport.Event{Kind: transport.EventCredentialsUpdated, Credentials: []byte("snapshot")})

	conn.fire(transport.Event{Kind: transport.EventConnectionClosed, Reason: transport.ReasonMethodNotAllowed})

	if tq.count() != 0 {
		t.Fatal("corrupted close must not schedule a reconnect")
	}
	if _, err := cs.Load(); err != nil {
		t.Fatalf("credentials should survive with retention enabled: %v", err)
	}
}

func TestClose_TransientSchedulesExactlyOneRetry(t *testing.T) {
	m, ft, _, tq := newTestManager(t, Options{ReconnectDelay: 5 * time.Second})
	if err := m.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	conn := ft.conn(0)
	conn.fire(transport.Event{Kind: transport.EventConnectionOpened})

	conn.fire(transport.Event{Kind: transport.EventConnectionClosed, Reason: transport.ReasonUnknown})

	if got := m.Status().State; got != StateClosed {
		t.Fatalf("state=%s want closed while waiting to retry", got)
	}
	if tq.count() != 1 {
		t.Fatalf("scheduled retries=%d want exactly 1", tq.count())
	}
	if tq.delays[0] != 5*time.Second {
		t.Fatalf("delay=%s want 5s", tq.delays[0])
	}

	tq.fireNext(t)
	if ft.dials() != 2 {
		t.Fatalf("dials=%d want 2 after retry fires", ft.dials())
	}
}

func TestClose_RateLimitedUsesLongerDelay(t *testing.T) {
	m, ft, _, tq := newTestManager(t, Options{
		ReconnectDelay: 5 * time.Second,
		RateLimitDelay: 10 * time.Second,
	})
	if err := m.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	ft.conn(0).fire(transport.Event{Kind: transport.EventConnectionClosed, Reason: transport.ReasonRateLimited})

	if tq.count() != 1 {
		t.Fatalf("scheduled retries=%d want 1", tq.count())
	}
	if tq.delays[0] != 10*time.Second {
		t.Fatalf("delay=%s want 10s", tq.delays[0])
	}
}

func TestScheduledRetry_InvalidatedByRestart(t *testing.T) {
	m, ft, _, tq := newTestManager(t, Options{})
	if err := m.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	ft.conn(0).fire(transport.Event{Kind: transport.EventConnectionClosed, Reason: transport.ReasonRestartRequired})
	if tq.count() != 1 {
		t.Fatalf("scheduled retries=%d want 1", tq.count())
	}

	// Operator restarts before the timer fires.
	if err := m.Restart(context.Background()); err != nil {
		t.Fatalf("restart: %v", err)
	}
	if ft.dials() != 2 {
		t.Fatalf("dials=%d want 2 after restart", ft.dials())
	}

	tq.fireNext(t)
	if ft.dials() != 2 {
		t.Fatalf("dials=%d want 2 (stale retry must be a no-op)", ft.dials())
	}
}

func TestRestart_DuringInFlightConnectStartsFreshAttempt(t *testing.T) {
	m, ft, _, _ := newTestManager(t, Options{})

	entered := make(chan struct{})
	release := make(chan struct{})
	secondConnected := make(chan struct{})
	firstDial := true
	ft.prepare = func(c *fakeConn) {
		if firstDial {
			firstDial = false
			c.connect = func() error {
				close(entered)
				<-release
				return errors.New("torn down mid-handshake")
			}
			return
		}
		c.connect = func() error {
			close(secondConnected)
			return nil
		}
	}

	initErr := make(chan error, 1)
	go func() { initErr <- m.Initialize(context.Background()) }()
	<-entered

	// Restart lands while the first attempt is parked inside Connect.
	if err := m.Restart(context.Background()); err != nil {
		t.Fatalf("restart: %v", err)
	}

	close(release)
	<-initErr

	// The preempted attempt must hand off to a fresh connect as it
	// unwinds; the session must not wedge at closed with no handle.
	select {
	case <-secondConnected:
	case <-time.After(2 * time.Second):
		t.Fatal("restart during an in-flight connect must start a fresh attempt")
	}
	if ft.dials() != 2 {
		t.Fatalf("dials=%d want 2", ft.dials())
	}

	ft.conn(1).fire(transport.Event{Kind: transport.EventConnectionOpened})
	if got := m.Status().State; got != StateOpen {
		t.Fatalf("state=%s want open", got)
	}
}

func TestDisconnect_DuringInFlightConnectStaysClosed(t *testing.T) {
	m, ft, _, tq := newTestManager(t, Options{})

	entered := make(chan struct{})
	release := make(chan struct{})
	ft.prepare = func(c *fakeConn) {
		c.connect = func() error {
			close(entered)
			<-release
			return errors.New("torn down mid-handshake")
		}
	}

	initErr := make(chan error, 1)
	go func() { initErr <- m.Initialize(context.Background()) }()
	<-entered

	m.Disconnect(context.Background())

	close(release)
	<-initErr

	// An explicit disconnect must not be undone by the unwinding attempt.
	if ft.dials() != 1 {
		t.Fatalf("dials=%d want 1 (disconnect must not re-arm)", ft.dials())
	}
	if tq.count() != 0 {
		t.Fatal("disconnect must not schedule a reconnect")
	}
	if got := m.Status().State; got != StateClosed {
		t.Fatalf("state=%s want closed", got)
	}
}

func TestStaleHandleEvents_Dropped(t *testing.T) {
	m, ft, _, _ := newTestManager(t, Options{})
	if err := m.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	old := ft.conn(0)
	old.mu.Lock()
	oldHandler := old.handler
	old.mu.Unlock()

	if err := m.Restart(context.Background()); err != nil {
		t.Fatalf("restart: %v", err)
	}
	ft.conn(1).fire(transport.Event{Kind: transport.EventConnectionOpened})

	// Deliver a late event through the superseded handle's handler.
	oldHandler(transport.Event{Kind: transport.EventConnectionClosed, Reason: transport.ReasonUnknown})

	if got := m.Status().State; got != StateOpen {
		t.Fatalf("state=%s want open (stale close must be ignored)", got)
	}
}

func TestDisconnect_LogsOutPurgesAndSettlesClosed(t *testing.T) {
	m, ft, cs, tq := newTestManager(t, Options{})
	if err := m.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	conn := ft.conn(0)
	conn.fire(transport.Event{Kind: transport.EventConnectionOpened})
	conn.fire(transport.Event{Kind: transport.EventCredentialsUpdated, Credentials: []byte("snapshot")})

	m.Disconnect(context.Background())

	if got := m.Status().State; got != StateClosed {
		t.Fatalf("state=%s want closed", got)
	}
	if conn.unsubCalls == 0 {
		t.Fatal("disconnect must unsubscribe before teardown")
	}
	if conn.logoutCalls != 1 {
		t.Fatalf("logout calls=%d want 1", conn.logoutCalls)
	}
	if _, err := cs.Load(); !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("load after disconnect: %v want not-exist", err)
	}
	if tq.count() != 0 {
		t.Fatal("disconnect must not schedule a reconnect")
	}
}

func TestDisconnect_LogoutFailureStillSettlesClosed(t *testing.T) {
	m, ft, cs, _ := newTestManager(t, Options{})
	if err := m.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	conn := ft.conn(0)
	conn.logoutErr = errors.New("socket already dead")
	conn.fire(transport.Event{Kind: transport.EventCredentialsUpdated, Credentials: []byte("snapshot")})

	m.Disconnect(context.Background())

	if got := m.Status().State; got != StateClosed {
		t.Fatalf("state=%s want closed", got)
	}
	if _, err := cs.Load(); !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("credentials must be purged even when logout fails: %v", err)
	}
}

func TestRestart_RetainsCredentials(t *testing.T) {
	m, ft, cs, _ := newTestManager(t, Options{})
	if err := m.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	conn := ft.conn(0)
	conn.fire(transport.Event{Kind: transport.EventConnectionOpened})
	conn.fire(transport.Event{Kind: transport.EventCredentialsUpdated, Credentials: []byte("snapshot")})

	if err := m.Restart(context.Background()); err != nil {
		t.Fatalf("restart: %v", err)
	}

	if conn.logoutCalls != 0 {
		t.Fatal("restart must not log out")
	}
	if conn.closeCalls != 1 {
		t.Fatalf("close calls=%d want 1", conn.closeCalls)
	}
	if _, err := cs.Load(); err != nil {
		t.Fatalf("credentials must survive a restart: %v", err)
	}
	if ft.dials() != 2 {
		t.Fatalf("dials=%d want 2", ft.dials())
	}
}

func TestConn_NilUnlessOpen(t *testing.T) {
	m, ft, _, _ := newTestManager(t, Options{})
	if m.Conn() != nil {
		t.Fatal("expected nil conn before initialize")
	}
	if err := m.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if m.Conn() != nil {
		t.Fatal("expected nil conn while connecting")
	}
	ft.conn(0).fire(transport.Event{Kind: transport.EventConnectionOpened})
	if m.Conn() == nil {
		t.Fatal("expected a live conn once open")
	}
	ft.conn(0).fire(transport.Event{Kind: transport.EventConnectionClosed, Reason: transport.ReasonUnknown})
	if m.Conn() != nil {
		t.Fatal("expected nil conn after close")
	}
}

func TestNotify_ObservesTransitions(t *testing.T) {
	var mu sync.Mutex
	var seen []State
	m, ft, _, _ := newTestManager(t, Options{Notify: func(s Snapshot) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, s.State)
	}})

	if err := m.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	ft.conn(0).fire(transport.Event{Kind: transport.EventConnectionOpened})
	m.Disconnect(context.Background())

	mu.Lock()
	defer mu.Unlock()
	want := []State{StateConnecting, StateOpen, StateClosed}
	if len(seen) != len(want) {
		t.Fatalf("transitions=%v want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("transitions=%v want %v", seen, want)
		}
	}
}
