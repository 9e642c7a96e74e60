package serialcomm

import (
	"bufio"
	"fmt"
	"time"

	"go.uber.org/zap"
)

type writeDeadliner interface {
	SetWriteDeadline(t time.Time) error
}

// Write sends payload followed by Delimiter. Writes are serialized so two
// responses never interleave on the wire. The first write after open waits
// out the configured warm-up.
func (c *Channel) Write(payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.Lock()
	port, cfg, openedAt, closed := c.port, c.cfg, c.openedAt, c.closed
	c.mu.Unlock()

	if port == nil {
		return ErrChannelClosed
	}

	if wait := cfg.Warmup - time.Since(openedAt); wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-closed:
			return ErrChannelClosed
		}
	}

	if d, ok := port.(writeDeadliner); ok && cfg.WriteTimeout > 0 {
		_ = d.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout))
	}

	w := bufio.NewWriterSize(port, len(payload)+len(Delimiter))
	if err := writeFlush(w, payload); err != nil {
		return c.writeError(closed, err)
	}
	if err := writeFlush(w, delimiter); err != nil {
		return c.writeError(closed, err)
	}
	c.log.Debug("wrote response", zap.Int("bytes", len(payload)+len(Delimiter)))
	return nil
}

func writeFlush(w *bufio.Writer, b []byte) error {
	if _, err := w.Write(b); err != nil {
		return err
	}
	return w.Flush()
}

func (c *Channel) writeError(closed <-chan struct{}, err error) error {
	select {
	case <-closed:
		return fmt.Errorf("%w: %w", ErrChannelClosed, err)
	default:
		return fmt.Errorf("%w: %w", ErrWriteFailed, err)
	}
}
