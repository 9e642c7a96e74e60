// Package session ties bus attach and detach events to the serial channel
// of the single target device.
package session

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"rakgateway/hotplug"
	"rakgateway/serialcomm"
)

// DefaultRetryInterval is how often a faulted session is reopened.
const DefaultRetryInterval = 2 * time.Second

// Channel is the serial connection a Manager drives.
type Channel interface {
	Open(id serialcomm.DeviceIdentity, cfg serialcomm.SerialConfig) (string, error)
	Listen(h serialcomm.FrameHandler) error
	Close() error
}

// readErrorNotifier is implemented by channels that report a read loop
// dying on its own.
type readErrorNotifier interface {
	OnReadError(fn func(port string, err error))
}

// Options configure a Manager.
type Options struct {
	Target serialcomm.DeviceIdentity
	Serial serialcomm.SerialConfig
	// RetryInterval is how often Run reopens a faulted session. The bus
	// only reports changes, so a device that stays plugged in would
	// otherwise never be retried. Zero disables retries.
	RetryInterval time.Duration
	// OnTransition is called after every state change.
	OnTransition func(State)
}

// Status is a point-in-time view of the session.
type Status struct {
	State     State     `json:"state"`
	Device    string    `json:"device"`
	Port      string    `json:"port,omitempty"`
	Since     time.Time `json:"since"`
	LastError string    `json:"lastError,omitempty"`
}

// Manager owns the device session. Transitions are serialized; State and
// Status may be read from any goroutine.
type Manager struct {
	ch      Channel
	handler serialcomm.FrameHandler
	opts    Options
	log     *zap.Logger

	opMu sync.Mutex

	mu      sync.Mutex
	state   State
	port    string
	since   time.Time
	lastErr error
}

func NewManager(ch Channel, handler serialcomm.FrameHandler, opts Options, log *zap.Logger) *Manager {
	m := &Manager{
		ch:      ch,
		handler: handler,
		opts:    opts,
		log:     log.Named("session"),
		state:   Detached,
		since:   time.Now(),
	}
	if n, ok := ch.(readErrorNotifier); ok {
		n.OnReadError(m.OnReadFailure)
	}
	return m
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := Status{
		State:  m.state,
		Device: m.opts.Target.String(),
		Port:   m.port,
		Since:  m.since,
	}
	if m.lastErr != nil {
		st.LastError = m.lastErr.Error()
	}
	return st
}

// OnAttach opens the channel when id is the target device and no session
// is active. Faulted sessions retry.
func (m *Manager) OnAttach(id serialcomm.DeviceIdentity) {
	if !id.Matches(m.opts.Target) {
		m.log.Debug("ignoring attach of other device", zap.Stringer("identity", id))
		return
	}

	m.opMu.Lock()
	defer m.opMu.Unlock()

	switch st := m.State(); st {
	case Detached, Faulted:
	default:
		m.log.Warn("attach ignored, session already active",
			zap.Stringer("identity", id),
			zap.Stringer("state", st))
		return
	}

	m.transition(Opening, "", nil)
	port, err := m.ch.Open(m.opts.Target, m.opts.Serial)
	if err != nil {
		m.fault("open failed", err)
		return
	}
	if err := m.ch.Listen(m.handler); err != nil {
		m.fault("listen failed", err)
		return
	}
	m.transition(Attached, port, nil)
}

// OnDetach closes the channel when id is the target device.
func (m *Manager) OnDetach(id serialcomm.DeviceIdentity) {
	if !id.Matches(m.opts.Target) {
		m.log.Debug("ignoring detach of other device", zap.Stringer("identity", id))
		return
	}

	m.opMu.Lock()
	defer m.opMu.Unlock()
	m.closeSession("device detached")
}

// OnReadFailure faults the session when the read loop on port has died.
// Reports about a port the session no longer holds are ignored.
func (m *Manager) OnReadFailure(port string, err error) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	if st := m.Status(); st.State != Attached || st.Port != port {
		m.log.Debug("ignoring read failure of inactive port", zap.String("port", port), zap.Error(err))
		return
	}
	m.fault("read failed", err)
}

// Shutdown closes an active session.
func (m *Manager) Shutdown() {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	m.closeSession("shutting down")
}

// Run applies bus events until ctx is done or events is closed, then shuts
// the session down.
func (m *Manager) Run(ctx context.Context, events <-chan hotplug.Event) {
	defer m.Shutdown()

	var retry <-chan time.Time
	if m.opts.RetryInterval > 0 {
		ticker := time.NewTicker(m.opts.RetryInterval)
		defer ticker.Stop()
		retry = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			m.handle(ev)
		case <-retry:
			if m.State() == Faulted {
				m.log.Info("retrying faulted session", zap.Stringer("identity", m.opts.Target))
				m.OnAttach(m.opts.Target)
			}
		}
	}
}

func (m *Manager) handle(ev hotplug.Event) {
	switch ev.Kind {
	case hotplug.Attach:
		m.OnAttach(ev.Identity)
	case hotplug.Detach:
		// Another port of the same device class going away does not end
		// this session.
		if st := m.Status(); st.State == Attached && ev.Port != "" && st.Port != ev.Port {
			m.log.Debug("ignoring detach of inactive port", zap.String("port", ev.Port))
			return
		}
		m.OnDetach(ev.Identity)
	default:
		m.log.Warn("unknown bus event", zap.Int("kind", int(ev.Kind)))
	}
}

// closeSession must be called with opMu held.
func (m *Manager) closeSession(reason string) {
	switch m.State() {
	case Attached:
		m.transition(Closing, m.currentPort(), nil)
		if err := m.ch.Close(); err != nil {
			m.log.Warn("close failed", zap.Error(err))
		}
		m.log.Info("session closed", zap.String("reason", reason))
		m.transition(Detached, "", nil)
	case Faulted:
		m.transition(Detached, "", nil)
	default:
		m.log.Debug("no session to close", zap.String("reason", reason))
	}
}

// fault must be called with opMu held.
func (m *Manager) fault(msg string, err error) {
	m.log.Error(msg, zap.Stringer("identity", m.opts.Target), zap.Error(err))
	if cerr := m.ch.Close(); cerr != nil {
		m.log.Warn("close after fault failed", zap.Error(cerr))
	}
	m.transition(Faulted, "", err)
}

func (m *Manager) currentPort() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.port
}

func (m *Manager) transition(to State, port string, err error) {
	m.mu.Lock()
	from := m.state
	m.state = to
	m.port = port
	m.since = time.Now()
	if err != nil || to == Attached {
		m.lastErr = err
	}
	m.mu.Unlock()

	m.log.Info("session state changed",
		zap.Stringer("from", from),
		zap.Stringer("to", to),
		zap.String("port", port))
	if m.opts.OnTransition != nil {
		m.opts.OnTransition(to)
	}
}
