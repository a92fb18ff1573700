// Package heartbeat detects silently-dead device connections through an
// application-level ping/pong cycle. Transport keep-alives are not enough for
// the signage fleet: a unit that loses power mid-session leaves a half-open
// TCP connection the relay would otherwise trust indefinitely.
package heartbeat

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// State captures the per-connection liveness machine.
type State int

const (
	// AwaitingPing means the next probe has not been sent yet.
	AwaitingPing State = iota
	// PingSent means a probe is outstanding and a timeout is armed.
	PingSent
	// Terminated means the cycle is over; no further transitions occur.
	Terminated
)

func (s State) String() string {
	switch s {
	case AwaitingPing:
		return "awaiting-ping"
	case PingSent:
		return "ping-sent"
	case Terminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Conn is the slice of a connection the monitor drives: probe delivery and
// forced termination. Terminate must be safe to call on an already-closed
// connection.
type Conn interface {
	SendPing() error
	Terminate()
}

// Option customises monitor behaviour.
type Option func(*Monitor)

// WithTerminationHook registers a callback fired when the monitor force-closes
// a connection after an unanswered ping.
func WithTerminationHook(hook func()) Option {
	return func(m *Monitor) {
		if hook != nil {
			m.onTimeout = hook
		}
	}
}

// Monitor runs the liveness cycle for a single device connection. It is
// started right after registration and stopped on every close path; a monitor
// never outlives its connection.
type Monitor struct {
	conn     Conn
	interval time.Duration
	timeout  time.Duration
	log      zerolog.Logger

	onTimeout func()

	mu    sync.Mutex
	state State
	timer *time.Timer
}

// NewMonitor builds a monitor for conn. interval is the pause between an
// acknowledged ping and the next probe; timeout bounds how long a probe may
// stay unanswered.
func NewMonitor(conn Conn, interval, timeout time.Duration, logger zerolog.Logger, opts ...Option) *Monitor {
	monitor := &Monitor{
		conn:     conn,
		interval: interval,
		timeout:  timeout,
		log:      logger,
		state:    AwaitingPing,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(monitor)
		}
	}
	return monitor
}

// Start sends the first probe and arms its timeout. Calling Start more than
// once, or after Stop, is a no-op.
func (m *Monitor) Start() {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != AwaitingPing || m.timer != nil {
		return
	}
	m.sendPingLocked()
}

// Ack handles a pong from the connection. A pong with no outstanding probe is
// stale and ignored without a transition.
func (m *Monitor) Ack() {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != PingSent {
		m.log.Debug().Str("state", m.state.String()).Msg("ignoring stale pong")
		return
	}
	m.stopTimerLocked()
	m.state = AwaitingPing
	m.timer = time.AfterFunc(m.interval, m.pingDue)
}

// Stop cancels any pending timer and parks the machine in Terminated. It is
// called on every close path and is safe to invoke repeatedly.
func (m *Monitor) Stop() {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopTimerLocked()
	m.state = Terminated
}

// State reports the current machine state.
func (m *Monitor) State() State {
	if m == nil {
		return Terminated
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Monitor) pingDue() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != AwaitingPing {
		return
	}
	m.sendPingLocked()
}

// sendPingLocked issues a probe and arms the timeout. A connection that cannot
// even accept the probe is treated the same as one that never answers.
func (m *Monitor) sendPingLocked() {
	if err := m.conn.SendPing(); err != nil {
		m.log.Debug().Err(err).Msg("ping delivery failed, terminating connection")
		m.terminateLocked()
		return
	}
	m.state = PingSent
	m.timer = time.AfterFunc(m.timeout, m.timeoutFired)
}

func (m *Monitor) timeoutFired() {
	m.mu.Lock()
	if m.state != PingSent {
		m.mu.Unlock()
		return
	}
	m.log.Warn().Msg("ping unanswered, terminating connection")
	m.terminateLocked()
	hook := m.onTimeout
	m.mu.Unlock()
	if hook != nil {
		hook()
	}
}

// terminateLocked force-closes the connection. The close cascades into the
// relay's ordinary close path on the reader goroutine, so no registry work
// happens here.
func (m *Monitor) terminateLocked() {
	m.stopTimerLocked()
	m.state = Terminated
	m.conn.Terminate()
}

func (m *Monitor) stopTimerLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}
