// Package dispatch runs frame processing off the serial read loop.
package dispatch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"rakgateway/command"
	"rakgateway/serialcomm"
)

// DefaultMaxInFlight bounds concurrent frame tasks when not configured.
const DefaultMaxInFlight = 16

// Processor handles one frame.
type Processor interface {
	Process(ctx context.Context, frame serialcomm.Frame) error
}

// Options configure a Dispatcher.
type Options struct {
	// MaxInFlight bounds concurrent tasks. Zero means unbounded.
	MaxInFlight int
	// OnPanic is called with the recovered value when a task panics.
	OnPanic func(v any)
}

// Dispatcher starts one task per frame. Tasks run under the base context
// given to New, not the listener's, so closing the channel does not cancel
// work already started.
type Dispatcher struct {
	base    context.Context
	proc    Processor
	log     *zap.Logger
	limiter chan struct{}
	onPanic func(v any)

	wg       sync.WaitGroup
	inFlight atomic.Int64
}

func New(base context.Context, proc Processor, opts Options, log *zap.Logger) (*Dispatcher, error) {
	if opts.MaxInFlight < 0 {
		return nil, fmt.Errorf("dispatch: max in flight must not be negative, got %d", opts.MaxInFlight)
	}
	d := &Dispatcher{
		base:    base,
		proc:    proc,
		log:     log.Named("dispatch"),
		onPanic: opts.OnPanic,
	}
	if opts.MaxInFlight > 0 {
		d.limiter = make(chan struct{}, opts.MaxInFlight)
	}
	return d, nil
}

// Dispatch starts a task for frame and returns without waiting for it.
// When every slot is taken it blocks until one frees or ctx is done, in
// which case ctx.Err() is returned and the frame is dropped.
func (d *Dispatcher) Dispatch(ctx context.Context, frame serialcomm.Frame) error {
	if len(frame.Data) == 0 {
		return nil
	}
	if d.limiter != nil {
		select {
		case d.limiter <- struct{}{}:
		case <-ctx.Done():
			d.log.Warn("frame dropped while waiting for a free slot",
				zap.Uint16("checksum", frame.Checksum()),
				zap.Error(ctx.Err()))
			return ctx.Err()
		}
	}

	task := serialcomm.Frame{Data: bytes.Clone(frame.Data), ReceivedAt: frame.ReceivedAt}
	d.wg.Add(1)
	d.inFlight.Add(1)
	go d.run(task)
	return nil
}

// Handle adapts Dispatch to serialcomm.FrameHandler.
func (d *Dispatcher) Handle(ctx context.Context, frame serialcomm.Frame) {
	_ = d.Dispatch(ctx, frame)
}

func (d *Dispatcher) run(frame serialcomm.Frame) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("frame task panicked",
				zap.Any("panic", r),
				zap.Uint16("checksum", frame.Checksum()),
				zap.ByteString("stack", debug.Stack()))
			if d.onPanic != nil {
				d.onPanic(r)
			}
		}
		if d.limiter != nil {
			<-d.limiter
		}
		d.inFlight.Add(-1)
		d.wg.Done()
	}()

	err := d.proc.Process(d.base, frame)
	switch {
	case err == nil:
	case errors.Is(err, command.ErrMalformedPayload), errors.Is(err, command.ErrSchemaMismatch):
		d.log.Debug("dropping undecodable frame",
			zap.Uint16("checksum", frame.Checksum()),
			zap.ByteString("payload", frame.Data),
			zap.Error(err))
	default:
		d.log.Warn("frame processing failed",
			zap.Uint16("checksum", frame.Checksum()),
			zap.Error(err))
	}
}

// Wait blocks until every started task has finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// InFlight returns the number of running tasks.
func (d *Dispatcher) InFlight() int {
	return int(d.inFlight.Load())
}
