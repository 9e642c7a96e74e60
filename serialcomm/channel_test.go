package serialcomm_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"rakgateway/serialcomm"
	"rakgateway/serialcomm/serialtest"
)

var otherDevice = serialcomm.DeviceIdentity{VendorID: 0x0403, ProductID: 0x6001}

func testConfig() serialcomm.SerialConfig {
	cfg := serialcomm.DefaultSerialConfig()
	cfg.Warmup = 0
	return cfg
}

func newChannel(t *testing.T, ports ...serialcomm.PortInfo) (*serialcomm.Channel, *serialtest.Enumerator, *serialtest.Opener) {
	t.Helper()
	enum := serialtest.NewEnumerator(ports...)
	opener := &serialtest.Opener{}
	ch := serialcomm.NewChannel(enum, opener.Open, zaptest.NewLogger(t))
	t.Cleanup(func() { _ = ch.Close() })
	return ch, enum, opener
}

// frameCollector records frames delivered by the read loop.
type frameCollector struct {
	mu     sync.Mutex
	frames []string
}

func (c *frameCollector) handle(_ context.Context, f serialcomm.Frame) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, string(f.Data))
}

func (c *frameCollector) get() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.frames...)
}

func TestOpenNoDeviceFound(t *testing.T) {
	ch, _, opener := newChannel(t,
		serialcomm.PortInfo{Name: "/dev/ttyS0"},
		serialtest.USBPort("/dev/ttyUSB0", otherDevice),
	)

	_, err := ch.Open(serialcomm.RAK4630, testConfig())
	assert.ErrorIs(t, err, serialcomm.ErrNoDeviceFound)
	assert.False(t, ch.IsOpen())
	assert.Zero(t, opener.Opens())
}

func TestOpenEnumerationFailure(t *testing.T) {
	ch, enum, _ := newChannel(t)
	enum.Fail(errors.New("sysfs unavailable"))

	_, err := ch.Open(serialcomm.RAK4630, testConfig())
	assert.ErrorIs(t, err, serialcomm.ErrNoDeviceFound)
	assert.ErrorContains(t, err, "sysfs unavailable")
}

func TestOpenSelectsFirstMatchByName(t *testing.T) {
	ch, _, opener := newChannel(t,
		serialtest.USBPort("/dev/ttyACM1", serialcomm.RAK4630),
		serialtest.USBPort("/dev/ttyUSB0", otherDevice),
		serialtest.USBPort("/dev/ttyACM0", serialcomm.RAK4630),
	)

	name, err := ch.Open(serialcomm.RAK4630, testConfig())
	require.NoError(t, err)
	assert.Equal(t, "/dev/ttyACM0", name)
	assert.Equal(t, "/dev/ttyACM0", ch.PortName())
	_, opened := opener.Last()
	assert.Equal(t, "/dev/ttyACM0", opened)
}

func TestOpenTwiceFailsUntilClosed(t *testing.T) {
	ch, _, opener := newChannel(t, serialtest.USBPort("/dev/ttyACM0", serialcomm.RAK4630))

	_, err := ch.Open(serialcomm.RAK4630, testConfig())
	require.NoError(t, err)

	_, err = ch.Open(serialcomm.RAK4630, testConfig())
	assert.ErrorIs(t, err, serialcomm.ErrAlreadyOpen)
	assert.Equal(t, 1, opener.Opens())

	require.NoError(t, ch.Close())
	_, err = ch.Open(serialcomm.RAK4630, testConfig())
	require.NoError(t, err)
	assert.Equal(t, 2, opener.Opens())
}

func TestOpenPortFailure(t *testing.T) {
	ch, _, opener := newChannel(t, serialtest.USBPort("/dev/ttyACM0", serialcomm.RAK4630))
	opener.Fail(errors.New("permission denied"))

	_, err := ch.Open(serialcomm.RAK4630, testConfig())
	assert.ErrorIs(t, err, serialcomm.ErrPortOpenFailed)
	assert.ErrorContains(t, err, "/dev/ttyACM0")
	assert.False(t, ch.IsOpen())
}

func TestCloseIsIdempotent(t *testing.T) {
	ch, _, opener := newChannel(t, serialtest.USBPort("/dev/ttyACM0", serialcomm.RAK4630))

	assert.NoError(t, ch.Close(), "close before open")

	_, err := ch.Open(serialcomm.RAK4630, testConfig())
	require.NoError(t, err)
	assert.NoError(t, ch.Close())
	assert.NoError(t, ch.Close())

	port, _ := opener.Last()
	assert.True(t, port.Closed())
	assert.Empty(t, ch.PortName())
}

func TestListenFramesAcrossReads(t *testing.T) {
	ch, _, opener := newChannel(t, serialtest.USBPort("/dev/ttyACM0", serialcomm.RAK4630))
	_, err := ch.Open(serialcomm.RAK4630, testConfig())
	require.NoError(t, err)

	var got frameCollector
	require.NoError(t, ch.Listen(got.handle))
	assert.Error(t, ch.Listen(got.handle), "second listen")

	port, _ := opener.Last()
	port.Feed([]byte(`{"command":1,`))
	port.Feed([]byte(`"recordId":7}` + "\r"))
	port.Feed([]byte("\n" + `{"command":2}` + "\r\n" + `{"comm`))

	require.Eventually(t, func() bool { return len(got.get()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{`{"command":1,"recordId":7}`, `{"command":2}`}, got.get())
}

func TestListenRequiresOpenChannel(t *testing.T) {
	ch, _, _ := newChannel(t)
	var got frameCollector
	assert.ErrorIs(t, ch.Listen(got.handle), serialcomm.ErrChannelClosed)
}

func TestNoFramesAfterClose(t *testing.T) {
	ch, _, opener := newChannel(t, serialtest.USBPort("/dev/ttyACM0", serialcomm.RAK4630))
	_, err := ch.Open(serialcomm.RAK4630, testConfig())
	require.NoError(t, err)

	var got frameCollector
	require.NoError(t, ch.Listen(got.handle))
	port, _ := opener.Last()
	port.Feed([]byte("one\r\n"))
	require.Eventually(t, func() bool { return len(got.get()) == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, ch.Close())
	assert.False(t, port.Feed([]byte("two\r\n")))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, []string{"one"}, got.get())
}

func TestCloseUnblocksHandler(t *testing.T) {
	ch, _, opener := newChannel(t, serialtest.USBPort("/dev/ttyACM0", serialcomm.RAK4630))
	_, err := ch.Open(serialcomm.RAK4630, testConfig())
	require.NoError(t, err)

	entered := make(chan struct{})
	require.NoError(t, ch.Listen(func(ctx context.Context, _ serialcomm.Frame) {
		close(entered)
		<-ctx.Done()
	}))
	port, _ := opener.Last()
	port.Feed([]byte("block\r\n"))
	<-entered

	closed := make(chan error, 1)
	go func() { closed <- ch.Close() }()
	select {
	case err := <-closed:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Close did not return while handler was blocked")
	}
}

func TestWriteAppendsDelimiter(t *testing.T) {
	ch, _, opener := newChannel(t, serialtest.USBPort("/dev/ttyACM0", serialcomm.RAK4630))
	_, err := ch.Open(serialcomm.RAK4630, testConfig())
	require.NoError(t, err)

	require.NoError(t, ch.Write([]byte(`{"code":201}`)))

	port, _ := opener.Last()
	assert.Equal(t, `{"code":201}`+"\r\n", string(port.Written()))
	assert.Equal(t, 2, port.Writes(), "payload and delimiter are flushed separately")
}

func TestWriteWaitsForWarmup(t *testing.T) {
	ch, _, opener := newChannel(t, serialtest.USBPort("/dev/ttyACM0", serialcomm.RAK4630))
	cfg := testConfig()
	cfg.Warmup = 60 * time.Millisecond
	_, err := ch.Open(serialcomm.RAK4630, cfg)
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, ch.Write([]byte("a")))
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)

	// Warm-up only applies to the period right after open.
	start = time.Now()
	require.NoError(t, ch.Write([]byte("b")))
	assert.Less(t, time.Since(start), 50*time.Millisecond)

	port, _ := opener.Last()
	assert.Equal(t, "a\r\nb\r\n", string(port.Written()))
}

func TestCloseDuringWarmupFailsWrite(t *testing.T) {
	ch, _, _ := newChannel(t, serialtest.USBPort("/dev/ttyACM0", serialcomm.RAK4630))
	cfg := testConfig()
	cfg.Warmup = time.Minute
	_, err := ch.Open(serialcomm.RAK4630, cfg)
	require.NoError(t, err)

	result := make(chan error, 1)
	go func() { result <- ch.Write([]byte("late")) }()
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, ch.Close())

	select {
	case err := <-result:
		assert.ErrorIs(t, err, serialcomm.ErrChannelClosed)
	case <-time.After(time.Second):
		t.Fatal("write still waiting after close")
	}
}

func TestWriteAfterClose(t *testing.T) {
	ch, _, _ := newChannel(t, serialtest.USBPort("/dev/ttyACM0", serialcomm.RAK4630))
	assert.ErrorIs(t, ch.Write([]byte("x")), serialcomm.ErrChannelClosed)

	_, err := ch.Open(serialcomm.RAK4630, testConfig())
	require.NoError(t, err)
	require.NoError(t, ch.Close())
	assert.ErrorIs(t, ch.Write([]byte("x")), serialcomm.ErrChannelClosed)
}

func TestWriteFailureKeepsChannelOpen(t *testing.T) {
	ch, _, opener := newChannel(t, serialtest.USBPort("/dev/ttyACM0", serialcomm.RAK4630))
	_, err := ch.Open(serialcomm.RAK4630, testConfig())
	require.NoError(t, err)

	port, _ := opener.Last()
	port.FailWrites(errors.New("EIO"))
	assert.ErrorIs(t, ch.Write([]byte("x")), serialcomm.ErrWriteFailed)
	assert.True(t, ch.IsOpen())

	port.FailWrites(nil)
	assert.NoError(t, ch.Write([]byte("y")))
}

func TestConcurrentWritesDoNotInterleave(t *testing.T) {
	ch, _, opener := newChannel(t, serialtest.USBPort("/dev/ttyACM0", serialcomm.RAK4630))
	_, err := ch.Open(serialcomm.RAK4630, testConfig())
	require.NoError(t, err)

	const writers = 20
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, ch.Write([]byte(fmt.Sprintf(`{"code":%d}`, 200+i))))
		}(i)
	}
	wg.Wait()

	port, _ := opener.Last()
	lines := strings.Split(strings.TrimSuffix(string(port.Written()), "\r\n"), "\r\n")
	require.Len(t, lines, writers)
	seen := make(map[string]bool)
	for _, line := range lines {
		assert.Regexp(t, `^\{"code":2\d\d\}$`, line)
		seen[line] = true
	}
	assert.Len(t, seen, writers)
}

func TestReadErrorNotifies(t *testing.T) {
	ch, _, opener := newChannel(t, serialtest.USBPort("/dev/ttyACM0", serialcomm.RAK4630))
	type failure struct {
		port string
		err  error
	}
	failures := make(chan failure, 1)
	ch.OnReadError(func(port string, err error) {
		// Closing from the callback must not deadlock with the read loop.
		assert.NoError(t, ch.Close())
		failures <- failure{port, err}
	})

	_, err := ch.Open(serialcomm.RAK4630, testConfig())
	require.NoError(t, err)
	var got frameCollector
	require.NoError(t, ch.Listen(got.handle))

	port, _ := opener.Last()
	port.FailRead(errors.New("device reset"))

	select {
	case f := <-failures:
		assert.Equal(t, "/dev/ttyACM0", f.port)
		assert.ErrorIs(t, f.err, serialcomm.ErrReadFailed)
		assert.ErrorContains(t, f.err, "device reset")
	case <-time.After(time.Second):
		t.Fatal("read error not reported")
	}
	assert.False(t, ch.IsOpen())
}

func TestReadTimeoutDoesNotNotify(t *testing.T) {
	ch, _, opener := newChannel(t, serialtest.USBPort("/dev/ttyACM0", serialcomm.RAK4630))
	notified := make(chan struct{}, 1)
	ch.OnReadError(func(string, error) { notified <- struct{}{} })

	_, err := ch.Open(serialcomm.RAK4630, testConfig())
	require.NoError(t, err)
	var got frameCollector
	require.NoError(t, ch.Listen(got.handle))

	port, _ := opener.Last()
	port.FailRead(io.EOF)
	port.Feed([]byte("still reading\r\n"))
	require.Eventually(t, func() bool { return len(got.get()) == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, ch.Close())
	select {
	case <-notified:
		t.Fatal("closing or a read timeout must not count as a read error")
	case <-time.After(20 * time.Millisecond):
	}
}

// deadlinePort records write deadlines, like an os.File backed port would.
type deadlinePort struct {
	*serialtest.Port
	mu        sync.Mutex
	deadlines []time.Time
}

func (p *deadlinePort) SetWriteDeadline(t time.Time) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.deadlines = append(p.deadlines, t)
	return nil
}

func TestWriteTimeoutAppliesToDeadlinePorts(t *testing.T) {
	port := &deadlinePort{Port: serialtest.NewPort()}
	enum := serialtest.NewEnumerator(serialtest.USBPort("/dev/ttyACM0", serialcomm.RAK4630))
	opener := func(string, serialcomm.SerialConfig) (serialcomm.Port, error) { return port, nil }
	ch := serialcomm.NewChannel(enum, opener, zaptest.NewLogger(t))
	t.Cleanup(func() { _ = ch.Close() })

	cfg := testConfig()
	cfg.WriteTimeout = 250 * time.Millisecond
	_, err := ch.Open(serialcomm.RAK4630, cfg)
	require.NoError(t, err)

	before := time.Now()
	require.NoError(t, ch.Write([]byte(`{"code":201}`)))

	port.mu.Lock()
	defer port.mu.Unlock()
	require.Len(t, port.deadlines, 1)
	assert.WithinDuration(t, before.Add(250*time.Millisecond), port.deadlines[0], 100*time.Millisecond)
}
