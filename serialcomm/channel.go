package serialcomm

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Channel is the single serial connection to the device. Open, Listen and
// Close are driven by the session manager; Write may be called from any
// number of goroutines.
type Channel struct {
	enum   Enumerator
	opener PortOpener
	log    *zap.Logger

	mu        sync.Mutex
	port      Port
	name      string
	cfg       SerialConfig
	openedAt  time.Time
	closed    chan struct{}
	cancel    context.CancelFunc
	done      chan struct{}
	onReadErr func(port string, err error)

	writeMu sync.Mutex
}

// NewChannel returns a closed channel. A nil opener means TarmOpener.
func NewChannel(enum Enumerator, opener PortOpener, log *zap.Logger) *Channel {
	if opener == nil {
		opener = TarmOpener
	}
	return &Channel{
		enum:   enum,
		opener: opener,
		log:    log.Named("serial"),
	}
}

// Open selects the first port (by name) whose USB identity matches id and
// opens it with cfg. It returns the port name.
func (c *Channel) Open(id DeviceIdentity, cfg SerialConfig) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.port != nil {
		return "", ErrAlreadyOpen
	}

	ports, err := c.enum.Ports()
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrNoDeviceFound, err)
	}
	matches := FilterPorts(ports, id)
	if len(matches) == 0 {
		return "", ErrNoDeviceFound
	}
	SortPorts(matches)
	for _, p := range matches {
		c.log.Debug("matching port", zap.String("port", p.Name), zap.Stringer("device", id))
	}

	name := matches[0].Name
	port, err := c.opener(name, cfg)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %w", ErrPortOpenFailed, name, err)
	}

	c.port = port
	c.name = name
	c.cfg = cfg
	c.openedAt = time.Now()
	c.closed = make(chan struct{})
	c.log.Info("port open",
		zap.String("port", name),
		zap.Int("baud", cfg.BaudRate),
		zap.Int("data_bits", cfg.DataBits),
		zap.Int("stop_bits", cfg.StopBits),
		zap.String("parity", cfg.Parity),
	)
	return name, nil
}

// Close releases the port. It is a no-op on a channel that is not open.
// When Close returns the read loop has exited and no further FrameHandler
// call will start.
func (c *Channel) Close() error {
	c.mu.Lock()
	port, name, cancel, done := c.port, c.name, c.cancel, c.done
	if c.closed != nil {
		close(c.closed)
	}
	c.port, c.cancel, c.done, c.closed = nil, nil, nil, nil
	c.mu.Unlock()

	if port == nil {
		c.log.Debug("close on channel that is not open")
		return nil
	}
	if cancel != nil {
		cancel()
	}
	err := port.Close()
	if done != nil {
		<-done
	}
	if err != nil {
		return fmt.Errorf("serialcomm: close %s: %w", name, err)
	}
	c.log.Info("port closed", zap.String("port", name))
	return nil
}

// OnReadError registers fn to be told when the read loop stops on a hard
// read error. fn runs on its own goroutine and may call Close.
func (c *Channel) OnReadError(fn func(port string, err error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onReadErr = fn
}

// PortName returns the name of the open port, or "" when closed.
func (c *Channel) PortName() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.port == nil {
		return ""
	}
	return c.name
}

// IsOpen reports whether a port is open.
func (c *Channel) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.port != nil
}
