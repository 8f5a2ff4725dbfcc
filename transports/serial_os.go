package transports

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.bug.st/serial"
)

// SerialTransport implements Transport using a hardware serial port.
type SerialTransport struct {
	port     serial.Port
	portName string

	mu      sync.Mutex
	timeout time.Duration
	closed  bool
	lost    bool
	// modem is true when the driver answers modem-status queries; those
	// queries fail once a USB adapter is unplugged.
	modem bool
}

// SerialConfig holds configuration for opening a serial port.
type SerialConfig struct {
	Port     string
	BaudRate int
	Timeout  time.Duration
}

// OpenSerial opens a serial port with the given configuration.
func OpenSerial(cfg SerialConfig) (*SerialTransport, error) {
	if cfg.Port == "" {
		return nil, errors.New("serial port path is required")
	}

	if cfg.BaudRate == 0 {
		cfg.BaudRate = 1000000
	}

	if cfg.Timeout == 0 {
		cfg.Timeout = time.Second
	}

	port, err := serial.Open(cfg.Port, lineMode(cfg.BaudRate))
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", cfg.Port, err)
	}

	if err := port.SetReadTimeout(cfg.Timeout); err != nil {
		port.Close()
		return nil, fmt.Errorf("failed to set read timeout: %w", err)
	}

	_, modemErr := port.GetModemStatusBits()

	return &SerialTransport{
		port:     port,
		portName: cfg.Port,
		timeout:  cfg.Timeout,
		modem:    modemErr == nil,
	}, nil
}

// lineMode is the 8N1 framing every Feetech servo uses.
func lineMode(baud int) *serial.Mode {
	return &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
}

func (t *SerialTransport) Read(p []byte) (int, error) {
	n, err := t.port.Read(p)
	if err != nil {
		t.noteError(err)
	}
	return n, err
}

func (t *SerialTransport) Write(p []byte) (int, error) {
	n, err := t.port.Write(p)
	if err != nil {
		t.noteError(err)
	}
	return n, err
}

func (t *SerialTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	return t.port.Close()
}

func (t *SerialTransport) SetReadTimeout(timeout time.Duration) error {
	t.mu.Lock()
	t.timeout = timeout
	t.mu.Unlock()
	return t.port.SetReadTimeout(timeout)
}

// SetBaudRate reprograms the port for a new line speed, keeping 8N1 framing.
func (t *SerialTransport) SetBaudRate(baud int) error {
	if err := t.port.SetMode(lineMode(baud)); err != nil {
		t.noteError(err)
		return fmt.Errorf("failed to set baud rate %d: %w", baud, err)
	}
	return nil
}

// Flush discards any bytes the OS has buffered on the input side.
func (t *SerialTransport) Flush() error {
	if err := t.port.ResetInputBuffer(); err != nil {
		t.noteError(err)
		return fmt.Errorf("failed to reset input buffer: %w", err)
	}
	return nil
}

// IsOpen reports whether the port handle is still usable.
func (t *SerialTransport) IsOpen() bool {
	t.mu.Lock()
	closed, lost, modem := t.closed, t.lost, t.modem
	t.mu.Unlock()

	if closed || lost {
		return false
	}
	if modem {
		if _, err := t.port.GetModemStatusBits(); err != nil {
			t.noteError(err)
			return false
		}
	}
	return true
}

// PortName returns the serial port name.
func (t *SerialTransport) PortName() string {
	return t.portName
}

// noteError marks the port lost when the driver reports it closed or gone.
func (t *SerialTransport) noteError(err error) {
	var portErr *serial.PortError
	if !errors.As(err, &portErr) {
		return
	}
	switch portErr.Code() {
	case serial.PortClosed, serial.PortNotFound, serial.InvalidSerialPort:
		t.mu.Lock()
		t.lost = true
		t.mu.Unlock()
	}
}
