package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"rakgateway/command"
	"rakgateway/serialcomm"
)

var errNoAck = errors.New("no acknowledgement")

type simulator struct {
	port       io.ReadWriter
	log        *zap.Logger
	chunk      int
	gap        time.Duration
	ackTimeout time.Duration
	retries    int

	framer  *serialcomm.LineFramer
	pending [][]byte
}

func newSimulator(port io.ReadWriter, log *zap.Logger) *simulator {
	return &simulator{
		port:       port,
		log:        log,
		chunk:      20,
		gap:        50 * time.Millisecond,
		ackTimeout: 15 * time.Second,
		retries:    3,
		framer:     serialcomm.NewLineFramer(4096),
	}
}

// sampleRecord fabricates plausible BME680 readings.
func sampleRecord(id int, now time.Time, rnd *rand.Rand) serialcomm.SensorRecord {
	return serialcomm.SensorRecord{
		Command:       command.CmdSendData,
		RecordID:      id,
		TimeRecorded:  now.Unix(),
		Temperature:   18 + rnd.Float64()*10,
		Pressure:      990 + rnd.Float64()*40,
		Humidity:      30 + rnd.Float64()*40,
		GasResistance: 5000 + rnd.Float64()*50000,
	}
}

// exchange sends rec and waits for its acknowledgement, resending when the
// reply is missing or unreadable.
func (s *simulator) exchange(ctx context.Context, rec serialcomm.SensorRecord) (serialcomm.ResponseRecord, error) {
	var lastErr error
	for attempt := 1; attempt <= s.retries; attempt++ {
		if err := ctx.Err(); err != nil {
			return serialcomm.ResponseRecord{}, err
		}
		s.log.Debug("sending frame", zap.Int("record_id", rec.RecordID), zap.Int("attempt", attempt))
		if err := s.sendFrame(rec); err != nil {
			return serialcomm.ResponseRecord{}, err
		}
		resp, err := s.awaitAck(ctx)
		if err == nil {
			s.log.Info("acknowledged", zap.Int("record_id", rec.RecordID), zap.Int("code", resp.Code))
			return resp, nil
		}
		lastErr = err
		s.log.Warn("retrying frame", zap.Int("record_id", rec.RecordID), zap.Int("attempt", attempt), zap.Error(err))
	}
	return serialcomm.ResponseRecord{}, fmt.Errorf("record %d after %d attempts: %w", rec.RecordID, s.retries, lastErr)
}

// sendFrame writes rec as one delimited line, split into chunks.
func (s *simulator) sendFrame(rec serialcomm.SensorRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	frame := serialcomm.Frame{Data: data}
	s.log.Debug("frame", zap.ByteString("payload", data), zap.Uint16("crc16", frame.Checksum()))

	line := append(data, serialcomm.Delimiter...)
	size := s.chunk
	if size <= 0 {
		size = len(line)
	}
	for i := 0; i < len(line); i += size {
		end := min(i+size, len(line))
		if _, err := s.port.Write(line[i:end]); err != nil {
			return fmt.Errorf("write chunk %d: %w", i/size+1, err)
		}
		if end < len(line) && s.gap > 0 {
			time.Sleep(s.gap)
		}
	}
	return nil
}

// awaitAck reads until one line arrives or the timeout passes. Reads that
// time out with io.EOF are polls.
func (s *simulator) awaitAck(ctx context.Context) (serialcomm.ResponseRecord, error) {
	deadline := time.Now().Add(s.ackTimeout)
	buf := make([]byte, 256)
	for len(s.pending) == 0 {
		if time.Now().After(deadline) {
			return serialcomm.ResponseRecord{}, errNoAck
		}
		if err := ctx.Err(); err != nil {
			return serialcomm.ResponseRecord{}, err
		}
		n, err := s.port.Read(buf)
		if n > 0 {
			s.pending = append(s.pending, s.framer.Feed(buf[:n])...)
		}
		if err != nil && !errors.Is(err, io.EOF) {
			return serialcomm.ResponseRecord{}, fmt.Errorf("read ack: %w", err)
		}
	}

	line := s.pending[0]
	s.pending = s.pending[1:]
	resp, err := command.DecodeResponse(line)
	if err != nil {
		return serialcomm.ResponseRecord{}, fmt.Errorf("ack %q: %w", line, err)
	}
	return resp, nil
}
