package serialcomm

import "errors"

// Open errors.
var (
	ErrNoDeviceFound  = errors.New("serialcomm: no matching device found")
	ErrAlreadyOpen    = errors.New("serialcomm: channel already open")
	ErrPortOpenFailed = errors.New("serialcomm: port open failed")
)

// I/O errors.
var (
	ErrReadFailed    = errors.New("serialcomm: read failed")
	ErrWriteFailed   = errors.New("serialcomm: write failed")
	ErrChannelClosed = errors.New("serialcomm: channel closed")
)
