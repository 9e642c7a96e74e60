package command

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"rakgateway/serialcomm"
)

// Decode errors.
var (
	ErrMalformedPayload = errors.New("command: malformed payload")
	ErrSchemaMismatch   = errors.New("command: payload does not match sensor record")
)

// DecodeRecord parses one frame payload. Surrounding whitespace is ignored.
// Payloads that are not a JSON object fail with ErrMalformedPayload;
// objects whose fields do not fit SensorRecord fail with ErrSchemaMismatch.
func DecodeRecord(payload []byte) (serialcomm.SensorRecord, error) {
	var rec serialcomm.SensorRecord

	text := bytes.TrimSpace(payload)
	if len(text) == 0 || text[0] != '{' || !json.Valid(text) {
		return rec, ErrMalformedPayload
	}

	dec := json.NewDecoder(bytes.NewReader(text))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&rec); err != nil {
		return serialcomm.SensorRecord{}, fmt.Errorf("%w: %w", ErrSchemaMismatch, err)
	}
	return rec, nil
}

// EncodeResponse renders the acknowledgement sent to the device.
func EncodeResponse(resp serialcomm.ResponseRecord) ([]byte, error) {
	return json.Marshal(resp)
}

// DecodeResponse parses an acknowledgement line.
func DecodeResponse(payload []byte) (serialcomm.ResponseRecord, error) {
	var resp serialcomm.ResponseRecord
	text := bytes.TrimSpace(payload)
	if !json.Valid(text) {
		return resp, ErrMalformedPayload
	}
	dec := json.NewDecoder(bytes.NewReader(text))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&resp); err != nil {
		return serialcomm.ResponseRecord{}, fmt.Errorf("%w: %w", ErrSchemaMismatch, err)
	}
	return resp, nil
}
