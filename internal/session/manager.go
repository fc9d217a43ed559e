// Package session owns the single WhatsApp session's connection lifecycle.
//
// The Manager is the only component that mutates session state. It mediates
// (re)connect attempts, translates transport events into status, and
// schedules reconnection after transient drops. HTTP handlers and the
// message dispatcher observe it through atomic snapshots; they never mutate.
package session

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/zapbridge/zapbridge/internal/creds"
	apperrors "github.com/zapbridge/zapbridge/internal/errors"
	"github.com/zapbridge/zapbridge/internal/qr"
	"github.com/zapbridge/zapbridge/internal/transport"
)

// State is the session connection state.
type State string

const (
	// StateClosed indicates no live connection to the network.
	StateClosed State = "closed"
	// StateConnecting indicates a connection attempt is in progress.
	StateConnecting State = "connecting"
	// StateOpen indicates the session is connected and can send.
	StateOpen State = "open"
)

// Snapshot is a point-in-time view of the session state.
type Snapshot struct {
	// State is the current connection state.
	State State
	// QR is the rendered pairing challenge (PNG data URI), empty if none.
	QR string
	// QRRaw is the raw pairing challenge string, empty if none.
	QRRaw string
	// UpdatedAt is the time of the latest state transition.
	UpdatedAt time.Time
}

// Options configures manager behavior.
type Options struct {
	// ReconnectDelay is the retry delay after a transient close.
	// Defaults to 5s (the network tolerates prompt retries).
	ReconnectDelay time.Duration

	// RateLimitDelay is the retry delay after a rate-limited close;
	// an immediate retry would be rejected. Defaults to 10s.
	RateLimitDelay time.Duration

	// KeepCorruptCredentials retains the credential directory after a
	// 405 (corrupted session) close instead of purging it, leaving
	// cleanup to an operator-triggered restart.
	KeepCorruptCredentials bool

	// Now returns current time; defaults to time.Now.
	Now func() time.Time

	// After schedules f after d; defaults to time.AfterFunc. Injected
	// for deterministic tests.
	After func(d time.Duration, f func())

	// Notify, if set, is called with a fresh snapshot after every state
	// transition. Called outside the manager lock.
	Notify func(Snapshot)
}

// Manager drives the session state machine. All mutable state is guarded
// by mu; no lock is held across network calls or timer waits.
type Manager struct {
	mu sync.Mutex

	transport transport.Transport
	creds     *creds.Store
	qr        *qr.Cache

	reconnectDelay time.Duration
	rateLimitDelay time.Duration
	keepCorrupt    bool
	now            func() time.Time
	after          func(time.Duration, func())
	notify         func(Snapshot)

	state        State
	conn         transport.Conn
	initInFlight bool
	updatedAt    time.Time

	// reinitPending is set by Restart when it preempts an in-flight
	// attempt: the superseded attempt starts a fresh one as it finishes.
	reinitPending bool

	// gen invalidates events and scheduled retries belonging to an older
	// connection attempt. Incremented on every initialize/restart/disconnect.
	gen uint64
}

// NewManager creates a lifecycle manager with injected dependencies.
func NewManager(t transport.Transport, cs *creds.Store, qc *qr.Cache, opts Options) *Manager {
	reconnect := opts.ReconnectDelay
	if reconnect == 0 {
		reconnect = 5 * time.Second
	}
	rateLimit := opts.RateLimitDelay
	if rateLimit == 0 {
		rateLimit = 10 * time.Second
	}
	nowFn := opts.Now
	if nowFn == nil {
		nowFn = time.Now
	}
	afterFn := opts.After
	if afterFn == nil {
		afterFn = func(d time.Duration, f func()) { time.AfterFunc(d, f) }
	}

	return &Manager{
		transport:      t,
		creds:          cs,
		qr:             qc,
		reconnectDelay: reconnect,
		rateLimitDelay: rateLimit,
		keepCorrupt:    opts.KeepCorruptCredentials,
		now:            nowFn,
		after:          afterFn,
		notify:         opts.Notify,
		state:          StateClosed,
		updatedAt:      nowFn(),
	}
}

// SetNotify installs the state-change hook after construction. Used when
// the observer (the API server's event stream) is built after the manager.
func (m *Manager) SetNotify(fn func(Snapshot)) {
	m.mu.Lock()
	m.notify = fn
	m.mu.Unlock()
}

// Initialize establishes a fresh connection to the network. If an attempt
// is already in flight, it returns immediately without starting another.
func (m *Manager) Initialize(ctx context.Context) error {
	m.mu.Lock()
	if m.initInFlight {
		m.mu.Unlock()
		log.Printf("session: connection attempt already in flight, ignoring")
		return nil
	}
	m.initInFlight = true
	m.reinitPending = false
	m.gen++
	gen := m.gen
	prev := m.conn
	m.conn = nil
	m.transitionLocked(StateConnecting)
	snap := m.snapshotLocked()
	m.mu.Unlock()
	m.emit(snap)

	// The guard is released whatever the outcome; a failed attempt must
	// not wedge future initializes. If a Restart preempted this attempt
	// while it was in flight, its swallowed re-initialize runs now.
	defer func() {
		m.mu.Lock()
		m.initInFlight = false
		rearm := m.reinitPending
		m.reinitPending = false
		m.mu.Unlock()
		if rearm {
			log.Printf("session: superseded attempt finished, starting requested reconnect")
			go func() {
				if err := m.Initialize(context.Background()); err != nil {
					log.Printf("session: requested reconnect failed: %v", err)
				}
			}()
		}
	}()

	// A stale handle must stop delivering events before the new handle
	// exists, or its close would be misread against the new attempt.
	if prev != nil {
		prev.Unsubscribe()
		prev.Close()
	}

	if err := m.creds.Ensure(); err != nil {
		m.failInitialize(gen)
		return apperrors.Wrap(apperrors.CodeSessionInitFailed, "prepare credential store", err)
	}
	if _, err := m.creds.Load(); err == nil {
		log.Printf("session: restoring stored pairing from %s", m.creds.Dir())
	} else {
		log.Printf("session: no stored pairing, QR pairing will be required")
	}

	conn, err := m.transport.Dial(ctx)
	if err != nil {
		m.failInitialize(gen)
		return apperrors.DialFailed(err)
	}

	// Subscribe before Connect so no event is missed. Events from this
	// handle carry the generation they belong to.
	conn.Subscribe(func(ev transport.Event) {
		m.handleEvent(gen, ev)
	})

	m.mu.Lock()
	m.conn = conn
	m.mu.Unlock()

	if err := conn.Connect(); err != nil {
		conn.Unsubscribe()
		m.mu.Lock()
		if m.conn == conn {
			m.conn = nil
		}
		m.mu.Unlock()
		m.failInitialize(gen)
		return apperrors.Wrap(apperrors.CodeSessionInitFailed, "connect to network", err)
	}

	return nil
}

// failInitialize settles the state machine back at closed after a failed
// attempt, unless a newer attempt has taken over.
func (m *Manager) failInitialize(gen uint64) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.transitionLocked(StateClosed)
	snap := m.snapshotLocked()
	m.mu.Unlock()
	m.emit(snap)
}

// handleEvent is the single state-transition function consuming transport
// events. Events from a superseded handle are dropped by generation check.
func (m *Manager) handleEvent(gen uint64, ev transport.Event) {
	switch ev.Kind {
	case transport.EventCredentialsUpdated:
		if m.stale(gen) {
			return
		}
		// Forwarded verbatim to durable storage; status is unchanged.
		if err := m.creds.Save(ev.Credentials); err != nil {
			log.Printf("session: failed to persist credentials: %v", err)
		}

	case transport.EventPairingChallenge:
		if m.stale(gen) {
			return
		}
		if err := m.qr.Set(ev.Challenge); err != nil {
			log.Printf("session: failed to render pairing challenge: %v", err)
			return
		}
		log.Printf("session: new pairing challenge issued")
		m.emit(m.Status())

	case transport.EventConnectionOpened:
		m.mu.Lock()
		if gen != m.gen {
			m.mu.Unlock()
			return
		}
		m.qr.Clear()
		m.transitionLocked(StateOpen)
		snap := m.snapshotLocked()
		m.mu.Unlock()
		log.Printf("session: whatsapp connected")
		m.emit(snap)

	case transport.EventConnectionClosed:
		m.handleClosed(gen, ev.Reason)
	}
}

// handleClosed classifies a close reason and either stops (terminal codes,
// purging credentials) or schedules one retry.
func (m *Manager) handleClosed(gen uint64, reason transport.CloseReason) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	conn := m.conn
	m.conn = nil
	m.qr.Clear()
	m.transitionLocked(StateClosed)
	snap := m.snapshotLocked()
	m.mu.Unlock()
	m.emit(snap)

	// Release the dropped handle's resources. Unsubscribe first so the
	// teardown cannot echo another close event into this generation.
	if conn != nil {
		conn.Unsubscribe()
		conn.Close()
	}

	switch reason {
	case transport.ReasonLoggedOut:
		log.Printf("session: logged out by remote (%d), purging credentials", int(reason))
		if err := m.creds.Purge(); err != nil {
			log.Printf("session: %v", err)
		}
		return

	case transport.ReasonMethodNotAllowed:
		log.Printf("session: close code 405 signals a corrupted session")
		if m.keepCorrupt {
			log.Printf("session: credentials retained; use the restart endpoint after inspecting the session directory")
		} else {
			log.Printf("session: purging credentials so the next connect starts a fresh pairing")
			if err := m.creds.Purge(); err != nil {
				log.Printf("session: %v", err)
			}
		}
		return
	}

	delay := m.reconnectDelay
	if reason == transport.ReasonRateLimited {
		delay = m.rateLimitDelay
	}
	log.Printf("session: connection closed (%s), reconnecting in %s", reason, delay)
	m.scheduleReconnect(gen, delay)
}

// scheduleReconnect arms one delayed retry. The retry re-checks generation,
// guard, and state when it fires: a retry that outlived a manual restart or
// a newer attempt must be a no-op.
func (m *Manager) scheduleReconnect(gen uint64, delay time.Duration) {
	m.after(delay, func() {
		m.mu.Lock()
		stale := gen != m.gen || m.initInFlight || m.state != StateClosed
		m.mu.Unlock()
		if stale {
			log.Printf("session: skipping stale scheduled reconnect")
			return
		}
		if err := m.Initialize(context.Background()); err != nil {
			log.Printf("session: scheduled reconnect failed: %v", err)
		}
	})
}

// Status returns a snapshot of the current session state. Safe to call
// concurrently with event handling; never blocks on a pending connect.
func (m *Manager) Status() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

// Conn returns the live transport handle, or nil unless the session is
// open. Callers get a single point-in-time gate; a status flip after the
// call is deliberately not re-checked (the transport rejects delivery if
// truly disconnected).
func (m *Manager) Conn() transport.Conn {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateOpen {
		return nil
	}
	return m.conn
}

// Disconnect tears the session down and purges persisted credentials.
// All teardown sub-step failures are logged, never propagated: the session
// always settles at closed with no pending challenge.
func (m *Manager) Disconnect(ctx context.Context) {
	m.mu.Lock()
	m.gen++
	m.reinitPending = false
	conn := m.conn
	m.conn = nil
	m.qr.Clear()
	m.transitionLocked(StateClosed)
	snap := m.snapshotLocked()
	m.mu.Unlock()
	m.emit(snap)

	if conn != nil {
		// Unsubscribe before teardown: the close below must not be
		// misclassified as a transient drop and trigger a reconnect.
		conn.Unsubscribe()
		if err := conn.Logout(ctx); err != nil {
			log.Printf("session: network logout failed: %v", err)
		}
		conn.Close()
	}

	if err := m.creds.Purge(); err != nil {
		log.Printf("session: %v", err)
	}
	log.Printf("session: disconnected and session cleared")
}

// Restart drops the current connection without logging out (credentials
// are retained) and establishes a fresh one. When it lands while a
// connect attempt is still in flight, the preempted attempt performs the
// fresh connect as it unwinds instead of this call.
func (m *Manager) Restart(ctx context.Context) error {
	m.mu.Lock()
	m.gen++
	m.reinitPending = true
	conn := m.conn
	m.conn = nil
	m.qr.Clear()
	m.transitionLocked(StateClosed)
	snap := m.snapshotLocked()
	m.mu.Unlock()
	m.emit(snap)

	if conn != nil {
		conn.Unsubscribe()
		conn.Close()
	}

	log.Printf("session: restarting connection")
	return m.Initialize(ctx)
}

func (m *Manager) transitionLocked(next State) {
	m.state = next
	m.updatedAt = m.now()
}

func (m *Manager) snapshotLocked() Snapshot {
	snap := Snapshot{
		State:     m.state,
		UpdatedAt: m.updatedAt,
	}
	if ch, ok := m.qr.Get(); ok {
		snap.QR = ch.Rendered
		snap.QRRaw = ch.Raw
	}
	return snap
}

func (m *Manager) stale(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return gen != m.gen
}

func (m *Manager) emit(snap Snapshot) {
	m.mu.Lock()
	fn := m.notify
	m.mu.Unlock()
	if fn != nil {
		fn(snap)
	}
}
