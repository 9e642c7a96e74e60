// Package command interprets decoded device frames: it forwards sensor
// records to the telemetry sink and writes the sink's status code back to
// the device.
package command

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"rakgateway/serialcomm"
)

// Command codes sent by the device.
const (
	CmdSendData = 1
)

// Status codes relayed to the device.
const (
	ResSendDataCreated = 201
)

// Sink errors.
var (
	ErrUnavailable = errors.New("command: sink unavailable")
	ErrRejected    = errors.New("command: sink rejected record")
)

// Sink accepts decoded sensor records. The returned code is relayed to the
// device. A rejection returns the code together with an error wrapping
// ErrRejected; any other error means no code was obtained.
type Sink interface {
	Submit(ctx context.Context, rec serialcomm.SensorRecord) (int, error)
}

// ResponseWriter sends an encoded response to the device.
type ResponseWriter interface {
	Write(payload []byte) error
}

// Result classifies what happened to a frame.
type Result string

const (
	ResultMalformed      Result = "malformed"
	ResultSchemaMismatch Result = "schema_mismatch"
	ResultIgnored        Result = "ignored"
	ResultDelivered      Result = "delivered"
	ResultRejected       Result = "rejected"
	ResultUnavailable    Result = "unavailable"
	ResultWriteFailed    Result = "write_failed"
)

// Outcome describes one processed frame.
type Outcome struct {
	Frame     serialcomm.Frame
	Record    *serialcomm.SensorRecord
	Result    Result
	Code      int
	Responded bool
	Duration  time.Duration
	Err       error
}

// Observer is notified after every frame. Observe must not block for long;
// it runs on the frame's task.
type Observer interface {
	Observe(ctx context.Context, o Outcome)
}

// Processor handles one frame at a time and is safe for concurrent use.
type Processor struct {
	sink      Sink
	out       ResponseWriter
	log       *zap.Logger
	observers []Observer
}

func NewProcessor(sink Sink, out ResponseWriter, log *zap.Logger, observers ...Observer) *Processor {
	return &Processor{
		sink:      sink,
		out:       out,
		log:       log.Named("command"),
		observers: observers,
	}
}

// Process decodes frame and acts on its command. Malformed frames are
// dropped without a response. Errors are returned for reporting only; the
// frame is never retried.
func (p *Processor) Process(ctx context.Context, frame serialcomm.Frame) error {
	start := time.Now()
	out := Outcome{Frame: frame}
	err := p.process(ctx, frame, &out)
	out.Duration = time.Since(start)
	out.Err = err
	for _, o := range p.observers {
		o.Observe(ctx, out)
	}
	return err
}

func (p *Processor) process(ctx context.Context, frame serialcomm.Frame, out *Outcome) error {
	rec, err := DecodeRecord(frame.Data)
	if err != nil {
		out.Result = ResultSchemaMismatch
		if errors.Is(err, ErrMalformedPayload) {
			out.Result = ResultMalformed
		}
		return err
	}
	out.Record = &rec

	switch rec.Command {
	case CmdSendData:
		return p.sendData(ctx, rec, out)
	default:
		out.Result = ResultIgnored
		p.log.Info("ignoring unknown command",
			zap.Int("command", rec.Command),
			zap.Int("record_id", rec.RecordID))
		return nil
	}
}

func (p *Processor) sendData(ctx context.Context, rec serialcomm.SensorRecord, out *Outcome) error {
	code, err := p.sink.Submit(ctx, rec)
	switch {
	case errors.Is(err, ErrRejected):
		out.Result = ResultRejected
		p.log.Warn("sink rejected record",
			zap.Int("record_id", rec.RecordID),
			zap.Int("code", code),
			zap.Error(err))
	case err != nil:
		out.Result = ResultUnavailable
		return fmt.Errorf("command: submit record %d: %w", rec.RecordID, err)
	default:
		out.Result = ResultDelivered
	}
	out.Code = code

	payload, err := EncodeResponse(serialcomm.ResponseRecord{Code: code})
	if err != nil {
		out.Result = ResultWriteFailed
		return fmt.Errorf("command: encode response: %w", err)
	}
	if err := p.out.Write(payload); err != nil {
		out.Result = ResultWriteFailed
		return fmt.Errorf("command: write response for record %d: %w", rec.RecordID, err)
	}
	out.Responded = true

	p.log.Debug("record forwarded",
		zap.Int("record_id", rec.RecordID),
		zap.Int("code", code))
	return nil
}
