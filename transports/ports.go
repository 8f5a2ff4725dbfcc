package transports

import (
	"fmt"
	"sort"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

// PortDetail describes a serial port as reported by the OS enumerator.
type PortDetail struct {
	Name         string
	IsUSB        bool
	VID          string
	PID          string
	SerialNumber string
	Product      string
}

// String renders the port for operator-facing listings.
func (d PortDetail) String() string {
	if !d.IsUSB {
		return d.Name
	}
	s := fmt.Sprintf("%s [USB %s:%s]", d.Name, d.VID, d.PID)
	if d.Product != "" {
		s += " " + d.Product
	}
	if d.SerialNumber != "" {
		s += " s/n " + d.SerialNumber
	}
	return s
}

// ListPorts returns the names of the serial ports currently present on the
// system, sorted by name.
func ListPorts() ([]string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("enumerating serial ports: %w", err)
	}
	sort.Strings(ports)
	return ports, nil
}

// ListPortDetails returns USB identification for each serial port, sorted
// by name.
func ListPortDetails() ([]PortDetail, error) {
	infos, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, fmt.Errorf("enumerating serial ports: %w", err)
	}

	details := make([]PortDetail, 0, len(infos))
	for _, info := range infos {
		details = append(details, PortDetail{
			Name:         info.Name,
			IsUSB:        info.IsUSB,
			VID:          info.VID,
			PID:          info.PID,
			SerialNumber: info.SerialNumber,
			Product:      info.Product,
		})
	}
	sort.Slice(details, func(i, j int) bool { return details[i].Name < details[j].Name })
	return details, nil
}
