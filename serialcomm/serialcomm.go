// Package serialcomm owns the serial connection to the sensor device: port
// discovery by USB identity, line framing of the inbound byte stream and the
// serialized write path for acknowledgements.
package serialcomm

import (
	"context"
	"io"
	"time"
)

// Delimiter terminates every message in both directions.
const Delimiter = "\r\n"

// FrameHandler receives each complete frame from the read loop. ctx is
// cancelled when the channel closes; handlers that block must honour it.
type FrameHandler func(ctx context.Context, frame Frame)

// SerialConfig holds the line settings for the device class.
type SerialConfig struct {
	BaudRate     int           `yaml:"baud_rate"`
	DataBits     int           `yaml:"data_bits"`
	StopBits     int           `yaml:"stop_bits"`
	Parity       string        `yaml:"parity"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	// WriteTimeout is applied as a write deadline on ports that support
	// one. tarm/serial ports do not; their writes block until the driver
	// takes the bytes.
	WriteTimeout time.Duration `yaml:"write_timeout"`
	// Warmup is the settling time the firmware needs after open before it
	// accepts input.
	Warmup time.Duration `yaml:"warmup"`
	// MaxFrameSize bounds the unterminated remainder kept by the framer.
	MaxFrameSize int `yaml:"max_frame_size"`
}

// DefaultSerialConfig returns the RAK4630 settings.
func DefaultSerialConfig() SerialConfig {
	return SerialConfig{
		BaudRate:     9600,
		DataBits:     8,
		StopBits:     1,
		Parity:       "none",
		ReadTimeout:  100 * time.Millisecond,
		WriteTimeout: 100 * time.Millisecond,
		Warmup:       2 * time.Second,
		MaxFrameSize: 4096,
	}
}

// Port is an open serial port.
type Port interface {
	io.ReadWriteCloser
}

// PortOpener opens the named port with the given settings.
type PortOpener func(name string, cfg SerialConfig) (Port, error)

// Enumerator lists the serial ports currently visible on the host.
type Enumerator interface {
	Ports() ([]PortInfo, error)
}
