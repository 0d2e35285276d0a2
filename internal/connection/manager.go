// Package connection drives the messaging session lifecycle:
//
//	Idle -> Connecting -> Open -> Closed(reason) -> Connecting ...
//	any  -> Terminated (terminal reason, absorbing)
//
// Reconnects are scheduled on a single timer owned by the Manager, and a close
// that arrives while Connect is still running is held until it returns, so at
// most one reconnect is ever pending or in flight.
package connection

import (
	"context"
	"errors"
	"sync"
	"time"

	. "github.com/roelfdiedericks/relaygate/internal/logging"
	"github.com/roelfdiedericks/relaygate/internal/metrics"
)

// State of the session.
type State int

const (
	Idle State = iota
	Connecting
	Open
	Closed
	Terminated
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Closed:
		return "closed"
	case Terminated:
		return "terminated"
	}
	return "unknown"
}

// ErrNotIdle is returned by Start on a manager that already started.
var ErrNotIdle = errors.New("connection manager already started")

// Dialer opens and closes the underlying transport session. Connect returns
// once the attempt is underway or has failed; success is reported later via
// HandleOpen.
type Dialer interface {
	Connect(ctx context.Context) error
	Disconnect()
}

// Options tunes reconnect timing and lifecycle hooks.
type Options struct {
	ReconnectDelay    time.Duration // first delay after a recoverable close (default 5s)
	MaxReconnectDelay time.Duration // delay cap; doubles per failure while below it

	OnOpen       func()
	OnTerminated func(Reason)
}

// Manager is the connection state machine. One per process.
type Manager struct {
	dialer Dialer
	cfg    Options

	mu       sync.Mutex
	ctx      context.Context
	state    State
	reason   Reason
	timer    *time.Timer
	timerGen uint64
	delay    time.Duration
	attempts int
	stopped  bool

	dialing  bool
	deferred Reason // recoverable close seen while dialing

	done     chan struct{}
	doneOnce sync.Once
}

// New creates an idle manager.
func New(dialer Dialer, cfg Options) *Manager {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 5 * time.Second
	}
	if cfg.MaxReconnectDelay < cfg.ReconnectDelay {
		cfg.MaxReconnectDelay = cfg.ReconnectDelay
	}
	return &Manager{
		dialer: dialer,
		cfg:    cfg,
		ctx:    context.Background(),
		delay:  cfg.ReconnectDelay,
		done:   make(chan struct{}),
	}
}

// Start begins the first connection attempt. A failed attempt is handled like
// a recoverable close.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.state != Idle || m.stopped {
		m.mu.Unlock()
		return ErrNotIdle
	}
	m.ctx = ctx
	m.state = Connecting
	m.attempts++
	m.dialing = true
	m.mu.Unlock()

	L_info("connection: connecting")
	m.dial()
	return nil
}

// State returns the current state and, for Closed/Terminated, the reason.
func (m *Manager) State() (State, Reason) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state, m.reason
}

// Attempts returns the number of connection attempts made so far.
func (m *Manager) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// Done is closed when the manager reaches Terminated.
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

// HandleOpen records that the transport session is up.
func (m *Manager) HandleOpen() {
	m.mu.Lock()
	if m.state == Terminated || m.stopped {
		m.mu.Unlock()
		return
	}
	if m.state == Open {
		m.mu.Unlock()
		L_debug("connection: duplicate open ignored")
		return
	}
	if m.cancelTimerLocked() {
		L_debug("connection: open while reconnect pending, timer cancelled")
	}
	m.state = Open
	m.reason = ReasonNone
	m.deferred = ReasonNone
	m.delay = m.cfg.ReconnectDelay
	onOpen := m.cfg.OnOpen
	m.mu.Unlock()

	L_info("connection: open")
	metrics.GetInstance().RecordSuccess("connection", "session")
	if onOpen != nil {
		onOpen()
	}
}

// HandleClosed records that the transport session ended for reason.
func (m *Manager) HandleClosed(reason Reason) {
	if reason == ReasonNone {
		reason = ReasonUnknown
	}

	m.mu.Lock()
	if m.state == Terminated || m.stopped {
		m.mu.Unlock()
		return
	}

	if Classify(reason) == Terminal {
		metrics.GetInstance().RecordFailure("connection", "session", string(reason))
		m.cancelTimerLocked()
		m.state = Terminated
		m.reason = reason
		onTerminated := m.cfg.OnTerminated
		m.mu.Unlock()

		L_error("connection: session terminated, not reconnecting", "reason", reason)
		m.dialer.Disconnect()
		if onTerminated != nil {
			onTerminated(reason)
		}
		m.doneOnce.Do(func() { close(m.done) })
		return
	}

	if m.timer != nil {
		m.mu.Unlock()
		L_debug("connection: close absorbed, reconnect already pending", "reason", reason)
		return
	}
	if m.dialing {
		if m.deferred == ReasonNone {
			m.deferred = reason
		}
		m.mu.Unlock()
		L_debug("connection: close held until connect returns", "reason", reason)
		return
	}
	metrics.GetInstance().RecordFailure("connection", "session", string(reason))

	delay := m.delay
	m.state = Closed
	m.reason = reason
	m.delay *= 2
	if m.delay > m.cfg.MaxReconnectDelay {
		m.delay = m.cfg.MaxReconnectDelay
	}
	m.timerGen++
	gen := m.timerGen
	m.timer = time.AfterFunc(delay, func() { m.fire(gen) })
	m.mu.Unlock()

	L_warn("connection: closed, reconnecting", "reason", reason, "delay", delay)
}

// Stop cancels any pending reconnect and disconnects. Later events are ignored.
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	m.cancelTimerLocked()
	m.mu.Unlock()

	m.dialer.Disconnect()
	L_debug("connection: stopped")
}

func (m *Manager) cancelTimerLocked() bool {
	if m.timer == nil {
		return false
	}
	m.timer.Stop()
	m.timer = nil
	m.timerGen++
	return true
}

func (m *Manager) fire(gen uint64) {
	m.mu.Lock()
	if gen != m.timerGen || m.stopped || m.state != Closed {
		m.mu.Unlock()
		return
	}
	m.timer = nil
	if m.ctx.Err() != nil {
		m.mu.Unlock()
		return
	}
	m.state = Connecting
	m.attempts++
	m.dialing = true
	attempt := m.attempts
	m.mu.Unlock()

	L_info("connection: reconnecting", "attempt", attempt)
	m.dial()
}

// dial runs one Connect. Closes reported meanwhile are replayed afterwards.
func (m *Manager) dial() {
	err := m.dialer.Connect(m.ctx)

	m.mu.Lock()
	m.dialing = false
	deferred := m.deferred
	m.deferred = ReasonNone
	m.mu.Unlock()

	if err != nil {
		if m.ctx.Err() != nil {
			return
		}
		L_warn("connection: connect failed", "error", err)
		m.HandleClosed(ReasonNetwork)
		return
	}
	if deferred != ReasonNone {
		m.HandleClosed(deferred)
	}
}
