package serialcomm

import (
	"fmt"
	"strings"

	"github.com/sigurn/crc16"
	"github.com/tarm/serial"
)

var crcTable = crc16.MakeTable(crc16.CRC16_MODBUS)

func calculateCRC16(data []byte) uint16 {
	return crc16.Checksum(data, crcTable)
}

// TarmOpener opens a port with github.com/tarm/serial. It is the default
// PortOpener.
func TarmOpener(name string, cfg SerialConfig) (Port, error) {
	portCfg, err := tarmConfig(name, cfg)
	if err != nil {
		return nil, err
	}
	port, err := serial.OpenPort(portCfg)
	if err != nil {
		return nil, err
	}
	return port, nil
}

func tarmConfig(name string, cfg SerialConfig) (*serial.Config, error) {
	parity, err := parseParity(cfg.Parity)
	if err != nil {
		return nil, err
	}
	stop := serial.Stop1
	switch cfg.StopBits {
	case 0, 1:
	case 2:
		stop = serial.Stop2
	default:
		return nil, fmt.Errorf("serialcomm: unsupported stop bits %d", cfg.StopBits)
	}
	return &serial.Config{
		Name:        name,
		Baud:        cfg.BaudRate,
		ReadTimeout: cfg.ReadTimeout,
		Size:        byte(cfg.DataBits),
		Parity:      parity,
		StopBits:    stop,
	}, nil
}

// parseParity maps a config name ("none", "odd", "even", "mark", "space")
// or its initial to a tarm parity.
func parseParity(name string) (serial.Parity, error) {
	switch strings.ToLower(name) {
	case "", "none", "n":
		return serial.ParityNone, nil
	case "odd", "o":
		return serial.ParityOdd, nil
	case "even", "e":
		return serial.ParityEven, nil
	case "mark", "m":
		return serial.ParityMark, nil
	case "space", "s":
		return serial.ParitySpace, nil
	}
	return 0, fmt.Errorf("serialcomm: unknown parity %q", name)
}

// ValidParity reports whether name is an accepted parity setting.
func ValidParity(name string) bool {
	_, err := parseParity(name)
	return err == nil
}
