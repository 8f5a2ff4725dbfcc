package programmer

import "errors"

// Errors returned by Programmer operations. Wrapped errors carry the
// underlying bus or driver failure; test with errors.Is.
var (
	ErrNotConnected     = errors.New("programmer: not connected")
	ErrAlreadyConnected = errors.New("programmer: already connected")
	ErrNoPortSelected   = errors.New("programmer: no serial port selected")
	ErrConnectFailed    = errors.New("programmer: connect failed")
	ErrConnectionLost   = errors.New("programmer: connection lost")
	ErrInvalidID        = errors.New("programmer: invalid servo ID")
	ErrIDInUse          = errors.New("programmer: servo ID already in use")
	ErrCancelled        = errors.New("programmer: operation cancelled")
)
