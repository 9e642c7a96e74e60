// Package telemetry delivers sensor records to the ingestion endpoint and
// optionally mirrors accepted records into redis.
package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"rakgateway/command"
	"rakgateway/serialcomm"
)

// DefaultTimeout bounds one POST to the endpoint.
const DefaultTimeout = 10 * time.Second

// maxErrorBody bounds how much of a rejection body is kept for the error
// message.
const maxErrorBody = 4096

// HTTPSink posts each record as JSON and reports the response status.
type HTTPSink struct {
	endpoint string
	client   *http.Client
	log      *zap.Logger
}

func NewHTTPSink(endpoint string, timeout time.Duration, log *zap.Logger) *HTTPSink {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &HTTPSink{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
		log:      log.Named("telemetry"),
	}
}

// Submit implements command.Sink. A non-2xx status returns the code with
// an error wrapping command.ErrRejected; a transport failure returns an
// error wrapping command.ErrUnavailable.
func (s *HTTPSink) Submit(ctx context.Context, rec serialcomm.SensorRecord) (int, error) {
	body, err := json.Marshal(rec)
	if err != nil {
		return 0, fmt.Errorf("telemetry: encode record %d: %w", rec.RecordID, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("telemetry: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", command.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return resp.StatusCode, fmt.Errorf("%w: status %d: %s",
			command.ErrRejected, resp.StatusCode, strings.TrimSpace(string(data)))
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))

	s.log.Debug("record posted",
		zap.Int("record_id", rec.RecordID),
		zap.Int("status", resp.StatusCode))
	return resp.StatusCode, nil
}
