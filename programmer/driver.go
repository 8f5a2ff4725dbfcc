package programmer

import (
	"context"
	"fmt"
	"time"

	"github.com/hipsterbrown/servoprog/feetech"
	"github.com/hipsterbrown/servoprog/transports"
)

// Driver enumerates and opens serial ports.
type Driver interface {
	ListPorts() ([]string, error)
	Open(ctx context.Context, port string) (Session, error)
}

// Session is an open serial port plus packet codec.
//
// Ping and WriteRegister distinguish two kinds of failure: errors for which
// feetech.IsProtocolError reports true came back from a servo that answered,
// every other error means the exchange itself failed.
type Session interface {
	SetBaudRate(baud int) error
	Flush() error
	IsOpen() bool
	Ping(ctx context.Context, id int) (int, error)
	WriteRegister(ctx context.Context, id int, address byte, data []byte) error
	Close() error
}

var _ Session = (*feetech.Bus)(nil)

// SerialDriver opens real serial ports through go.bug.st/serial.
type SerialDriver struct {
	// Protocol selects the codec byte order: feetech.ProtocolSTS or
	// feetech.ProtocolSCS.
	Protocol int

	// Timeout bounds a single request/response exchange. Zero means 1s.
	Timeout time.Duration

	// MinCommandGap is the idle time enforced between packets. Zero means 1ms.
	MinCommandGap time.Duration
}

// ListPorts returns the serial ports present on the system.
func (d SerialDriver) ListPorts() ([]string, error) {
	return transports.ListPorts()
}

// Open opens port at the servos' factory line speed.
func (d SerialDriver) Open(ctx context.Context, port string) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	t, err := transports.OpenSerial(transports.SerialConfig{
		Port:     port,
		BaudRate: feetech.DefaultBaudRate,
		Timeout:  d.Timeout,
	})
	if err != nil {
		return nil, err
	}

	bus, err := feetech.NewBus(feetech.BusConfig{
		Transport:     t,
		Port:          port,
		Protocol:      d.Protocol,
		Timeout:       d.Timeout,
		MinCommandGap: d.MinCommandGap,
	})
	if err != nil {
		t.Close()
		return nil, fmt.Errorf("creating bus: %w", err)
	}
	return bus, nil
}
