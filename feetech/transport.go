package feetech

import (
	"io"
	"time"
)

// Transport is the interface for low-level communication with the servo bus.
// This abstraction allows for testing with mock implementations.
type Transport interface {
	io.ReadWriteCloser

	// SetReadTimeout sets the read timeout duration.
	SetReadTimeout(timeout time.Duration) error

	// SetBaudRate reconfigures the line speed of an open transport.
	SetBaudRate(baud int) error

	// Flush discards any buffered input data.
	Flush() error

	// IsOpen reports whether the underlying port handle is still usable.
	// A USB adapter that has been unplugged reports false.
	IsOpen() bool
}
