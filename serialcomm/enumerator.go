package serialcomm

import (
	"fmt"
	"sort"
	"strconv"

	"go.bug.st/serial/enumerator"
)

// SystemEnumerator lists host ports with go.bug.st/serial/enumerator.
type SystemEnumerator struct{}

// Ports returns the visible ports sorted by name so that selection among
// several matches is stable.
func (SystemEnumerator) Ports() ([]PortInfo, error) {
	details, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, fmt.Errorf("serialcomm: list ports: %w", err)
	}
	ports := make([]PortInfo, 0, len(details))
	for _, d := range details {
		info := PortInfo{Name: d.Name, IsUSB: d.IsUSB, Serial: d.SerialNumber}
		if d.IsUSB {
			info.Identity = DeviceIdentity{
				VendorID:  parseUSBID(d.VID),
				ProductID: parseUSBID(d.PID),
			}
		}
		ports = append(ports, info)
	}
	SortPorts(ports)
	return ports, nil
}

// parseUSBID parses the hex id string reported by the enumerator ("239A").
// Unparseable ids map to 0, which matches no device class.
func parseUSBID(s string) uint16 {
	v, err := strconv.ParseUint(s, 16, 16)
	if err != nil {
		return 0
	}
	return uint16(v)
}

// SortPorts orders ports by name.
func SortPorts(ports []PortInfo) {
	sort.SliceStable(ports, func(i, j int) bool { return ports[i].Name < ports[j].Name })
}

// FilterPorts returns the ports whose USB identity matches id, in the order
// given.
func FilterPorts(ports []PortInfo, id DeviceIdentity) []PortInfo {
	var matched []PortInfo
	for _, p := range ports {
		if p.IsUSB && p.Identity.Matches(id) {
			matched = append(matched, p)
		}
	}
	return matched
}
