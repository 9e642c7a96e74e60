package serialcomm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"
)

const readBufferSize = 1024

// Listen starts the read loop on the open port. Every complete frame is
// passed to h on the read goroutine, so h must return quickly.
func (c *Channel) Listen(h FrameHandler) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.port == nil {
		return ErrChannelClosed
	}
	if c.done != nil {
		return errors.New("serialcomm: already listening")
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.done = make(chan struct{})
	go c.readLoop(ctx, c.port, c.name, c.cfg.MaxFrameSize, h, c.done)
	return nil
}

func (c *Channel) readLoop(ctx context.Context, port Port, name string, maxFrame int, h FrameHandler, done chan struct{}) {
	defer close(done)

	log := c.log.With(zap.String("port", name))
	log.Debug("listen start")
	defer log.Debug("listen stop")

	framer := NewLineFramer(maxFrame)
	data := make([]byte, readBufferSize)
	for {
		n, err := port.Read(data)
		if ctx.Err() != nil {
			return
		}
		if n > 0 {
			overflows := framer.Overflows()
			for _, payload := range framer.Feed(data[:n]) {
				if ctx.Err() != nil {
					return
				}
				h(ctx, Frame{Data: payload, ReceivedAt: time.Now()})
			}
			if framer.Overflows() != overflows {
				log.Warn("discarded unterminated data over max frame size",
					zap.Int("max_frame_size", maxFrame))
			}
		}
		if err != nil {
			// tarm reports an expired read timeout as io.EOF with no data.
			if errors.Is(err, io.EOF) {
				continue
			}
			err = fmt.Errorf("%w: %w", ErrReadFailed, err)
			log.Error("read loop stopped", zap.Error(err))
			c.mu.Lock()
			notify := c.onReadErr
			c.mu.Unlock()
			if notify != nil {
				go notify(name, err)
			}
			return
		}
	}
}
