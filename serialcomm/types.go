package serialcomm

import (
	"fmt"
	"time"
)

// DeviceIdentity is the USB vendor/product pair of a device class.
type DeviceIdentity struct {
	VendorID  uint16 `yaml:"vendor_id"`
	ProductID uint16 `yaml:"product_id"`
}

// RAK4630 is the sensor board this gateway serves.
var RAK4630 = DeviceIdentity{VendorID: 0x239A, ProductID: 0x8029}

func (d DeviceIdentity) Matches(other DeviceIdentity) bool {
	return d.VendorID == other.VendorID && d.ProductID == other.ProductID
}

func (d DeviceIdentity) String() string {
	return fmt.Sprintf("%04x:%04x", d.VendorID, d.ProductID)
}

// PortInfo describes one enumerated serial port.
type PortInfo struct {
	Name     string
	IsUSB    bool
	Identity DeviceIdentity
	Serial   string
}

// Frame is one delimiter-terminated message read from the device, without
// the delimiter.
type Frame struct {
	Data       []byte
	ReceivedAt time.Time
}

// Checksum returns the CRC16/MODBUS of the frame data.
func (f Frame) Checksum() uint16 {
	return calculateCRC16(f.Data)
}

// SensorRecord is the JSON payload of an inbound sensor frame.
type SensorRecord struct {
	Command       int     `json:"command"`
	RecordID      int     `json:"recordId"`
	TimeRecorded  int64   `json:"timeRecorded"`
	Temperature   float64 `json:"temperature"`
	Pressure      float64 `json:"pressure"`
	Humidity      float64 `json:"humidity"`
	GasResistance float64 `json:"gasResistance"`
}

// ResponseRecord is the acknowledgement written back to the device.
type ResponseRecord struct {
	Code int `json:"code"`
}
