package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"rakgateway/hotplug"
	"rakgateway/serialcomm"
)

var ftdi = serialcomm.DeviceIdentity{VendorID: 0x0403, ProductID: 0x6001}

// fakeChannel records calls and fails on demand.
type fakeChannel struct {
	mu        sync.Mutex
	open      bool
	opens     int
	closes    int
	openErr   error
	listenErr error
	port      string
}

func (c *fakeChannel) Open(serialcomm.DeviceIdentity, serialcomm.SerialConfig) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.opens++
	if c.openErr != nil {
		return "", c.openErr
	}
	if c.open {
		return "", serialcomm.ErrAlreadyOpen
	}
	c.open = true
	if c.port == "" {
		c.port = "/dev/ttyACM0"
	}
	return c.port, nil
}

func (c *fakeChannel) Listen(serialcomm.FrameHandler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.listenErr
}

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closes++
	c.open = false
	return nil
}

func (c *fakeChannel) counts() (opens, closes int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opens, c.closes
}

func newManager(t *testing.T, ch Channel, log *zap.Logger) (*Manager, *[]State) {
	t.Helper()
	var mu sync.Mutex
	var seen []State
	m := NewManager(ch, func(context.Context, serialcomm.Frame) {}, Options{
		Target: serialcomm.RAK4630,
		Serial: serialcomm.DefaultSerialConfig(),
		OnTransition: func(s State) {
			mu.Lock()
			defer mu.Unlock()
			seen = append(seen, s)
		},
	}, log)
	return m, &seen
}

func TestAttachDetach(t *testing.T) {
	ch := &fakeChannel{}
	m, seen := newManager(t, ch, zaptest.NewLogger(t))
	assert.Equal(t, Detached, m.State())

	m.OnAttach(serialcomm.RAK4630)
	assert.Equal(t, Attached, m.State())
	st := m.Status()
	assert.Equal(t, "/dev/ttyACM0", st.Port)
	assert.Equal(t, "239a:8029", st.Device)

	m.OnDetach(serialcomm.RAK4630)
	assert.Equal(t, Detached, m.State())
	assert.Empty(t, m.Status().Port)

	assert.Equal(t, []State{Opening, Attached, Closing, Detached}, *seen)
	opens, closes := ch.counts()
	assert.Equal(t, 1, opens)
	assert.Equal(t, 1, closes)
}

func TestUnmatchedEventsIgnored(t *testing.T) {
	ch := &fakeChannel{}
	m, seen := newManager(t, ch, zaptest.NewLogger(t))

	m.OnAttach(ftdi)
	assert.Equal(t, Detached, m.State())

	m.OnAttach(serialcomm.RAK4630)
	m.OnDetach(ftdi)
	assert.Equal(t, Attached, m.State())

	assert.Equal(t, []State{Opening, Attached}, *seen)
}

func TestDetachWhileDetachedIsNoop(t *testing.T) {
	ch := &fakeChannel{}
	m, seen := newManager(t, ch, zaptest.NewLogger(t))

	m.OnDetach(serialcomm.RAK4630)
	assert.Equal(t, Detached, m.State())
	assert.Empty(t, *seen)
	_, closes := ch.counts()
	assert.Zero(t, closes)
}

func TestSecondAttachIgnoredWithWarning(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	ch := &fakeChannel{}
	m, _ := newManager(t, ch, zap.New(core))

	m.OnAttach(serialcomm.RAK4630)
	m.OnAttach(serialcomm.RAK4630)

	assert.Equal(t, Attached, m.State())
	opens, _ := ch.counts()
	assert.Equal(t, 1, opens)
	assert.Equal(t, 1, logs.FilterMessage("attach ignored, session already active").Len())
}

func TestOpenFailureFaults(t *testing.T) {
	ch := &fakeChannel{openErr: serialcomm.ErrNoDeviceFound}
	m, seen := newManager(t, ch, zaptest.NewLogger(t))

	m.OnAttach(serialcomm.RAK4630)
	assert.Equal(t, Faulted, m.State())
	assert.Contains(t, m.Status().LastError, "no matching device")
	assert.Equal(t, []State{Opening, Faulted}, *seen)

	// Retry succeeds once the device is openable.
	ch.mu.Lock()
	ch.openErr = nil
	ch.mu.Unlock()
	m.OnAttach(serialcomm.RAK4630)
	assert.Equal(t, Attached, m.State())
	assert.Empty(t, m.Status().LastError)
}

func TestListenFailureFaultsAndCloses(t *testing.T) {
	ch := &fakeChannel{listenErr: errors.New("listen broke")}
	m, _ := newManager(t, ch, zaptest.NewLogger(t))

	m.OnAttach(serialcomm.RAK4630)
	assert.Equal(t, Faulted, m.State())
	_, closes := ch.counts()
	assert.Equal(t, 1, closes)
}

func TestDetachFromFaulted(t *testing.T) {
	ch := &fakeChannel{openErr: serialcomm.ErrNoDeviceFound}
	m, _ := newManager(t, ch, zaptest.NewLogger(t))

	m.OnAttach(serialcomm.RAK4630)
	require.Equal(t, Faulted, m.State())
	m.OnDetach(serialcomm.RAK4630)
	assert.Equal(t, Detached, m.State())
}

func TestRunAppliesEventsAndShutsDown(t *testing.T) {
	ch := &fakeChannel{}
	m, _ := newManager(t, ch, zaptest.NewLogger(t))

	events := make(chan hotplug.Event)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx, events)
		close(done)
	}()

	events <- hotplug.Event{Kind: hotplug.Attach, Identity: serialcomm.RAK4630, Port: "/dev/ttyACM0"}
	// A second board of the same class leaving does not end the session.
	events <- hotplug.Event{Kind: hotplug.Detach, Identity: serialcomm.RAK4630, Port: "/dev/ttyACM1"}
	assert.Eventually(t, func() bool { return m.State() == Attached }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return")
	}
	assert.Equal(t, Detached, m.State())
	_, closes := ch.counts()
	assert.Equal(t, 1, closes)
}

func TestRunStopsWhenEventsClose(t *testing.T) {
	ch := &fakeChannel{}
	m, _ := newManager(t, ch, zaptest.NewLogger(t))

	events := make(chan hotplug.Event, 1)
	events <- hotplug.Event{Kind: hotplug.Attach, Identity: serialcomm.RAK4630}
	close(events)

	m.Run(context.Background(), events)
	assert.Equal(t, Detached, m.State())
}

func TestStateString(t *testing.T) {
	for s, want := range map[State]string{
		Detached: "detached",
		Opening:  "opening",
		Attached: "attached",
		Closing:  "closing",
		Faulted:  "faulted",
		State(9): "unknown",
	} {
		assert.Equal(t, want, s.String())
	}
}

func TestReadFailureFaultsActiveSession(t *testing.T) {
	ch := &fakeChannel{}
	m, seen := newManager(t, ch, zaptest.NewLogger(t))
	m.OnAttach(serialcomm.RAK4630)

	m.OnReadFailure("/dev/ttyACM1", errors.New("stale port"))
	assert.Equal(t, Attached, m.State())

	m.OnReadFailure("/dev/ttyACM0", serialcomm.ErrReadFailed)
	assert.Equal(t, Faulted, m.State())
	assert.Equal(t, serialcomm.ErrReadFailed.Error(), m.Status().LastError)
	_, closes := ch.counts()
	assert.Equal(t, 1, closes)
	assert.Equal(t, []State{Opening, Attached, Faulted}, *seen)
}

func TestReadFailureWhileDetachedIgnored(t *testing.T) {
	ch := &fakeChannel{}
	m, seen := newManager(t, ch, zaptest.NewLogger(t))

	m.OnReadFailure("/dev/ttyACM0", serialcomm.ErrReadFailed)
	assert.Equal(t, Detached, m.State())
	assert.Empty(t, *seen)
}

func TestRunRetriesFaultedSession(t *testing.T) {
	ch := &fakeChannel{openErr: errors.New("device or resource busy")}
	m := NewManager(ch, func(context.Context, serialcomm.Frame) {}, Options{
		Target:        serialcomm.RAK4630,
		Serial:        serialcomm.DefaultSerialConfig(),
		RetryInterval: 10 * time.Millisecond,
	}, zaptest.NewLogger(t))

	events := make(chan hotplug.Event, 1)
	events <- hotplug.Event{Kind: hotplug.Attach, Identity: serialcomm.RAK4630, Port: "/dev/ttyACM0"}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx, events)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	require.Eventually(t, func() bool {
		opens, _ := ch.counts()
		return m.State() == Faulted && opens >= 2
	}, time.Second, 5*time.Millisecond, "faulted session should be retried")

	ch.mu.Lock()
	ch.openErr = nil
	ch.mu.Unlock()
	assert.Eventually(t, func() bool { return m.State() == Attached }, time.Second, 5*time.Millisecond)
}

func TestRunWithoutRetryIntervalStaysFaulted(t *testing.T) {
	ch := &fakeChannel{openErr: errors.New("device or resource busy")}
	m, _ := newManager(t, ch, zaptest.NewLogger(t))

	events := make(chan hotplug.Event, 1)
	events <- hotplug.Event{Kind: hotplug.Attach, Identity: serialcomm.RAK4630}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	go func() {
		time.Sleep(20 * time.Millisecond)
		ch.mu.Lock()
		ch.openErr = nil
		ch.mu.Unlock()
	}()
	m.Run(ctx, events)

	opens, _ := ch.counts()
	assert.Equal(t, 1, opens)
}
