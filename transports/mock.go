package transports

import (
	"io"
	"sync"
	"time"
)

// MockTransport implements Transport for testing.
// Fields may be set before use; once the transport is shared between
// goroutines use the methods, which hold the mutex.
type MockTransport struct {
	mu sync.Mutex

	ReadData    []byte
	ReadErr     error
	WriteData   []byte
	WriteErr    error
	BaudErr     error
	FlushErr    error
	Closed      bool
	Lost        bool
	ReadTimeout time.Duration
	BaudRate    int
	Flushed     bool

	// ReadFunc allows custom read behavior for complex tests
	ReadFunc func(p []byte) (int, error)
}

func (m *MockTransport) Read(p []byte) (int, error) {
	m.mu.Lock()
	readFunc := m.ReadFunc
	m.mu.Unlock()
	if readFunc != nil {
		return readFunc(p)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ReadErr != nil {
		return 0, m.ReadErr
	}
	n := copy(p, m.ReadData)
	m.ReadData = m.ReadData[n:]
	if n == 0 {
		return 0, io.EOF
	}
	return n, nil
}

func (m *MockTransport) Write(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.WriteErr != nil {
		return 0, m.WriteErr
	}
	m.WriteData = append(m.WriteData, p...)
	return len(p), nil
}

func (m *MockTransport) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Closed = true
	return nil
}

func (m *MockTransport) SetReadTimeout(timeout time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ReadTimeout = timeout
	return nil
}

func (m *MockTransport) SetBaudRate(baud int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.BaudErr != nil {
		return m.BaudErr
	}
	m.BaudRate = baud
	return nil
}

func (m *MockTransport) Flush() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FlushErr != nil {
		return m.FlushErr
	}
	m.Flushed = true
	// Don't clear ReadData - tests need to preserve mock response data
	return nil
}

// IsOpen reports false once the mock is closed or marked lost.
func (m *MockTransport) IsOpen() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.Closed && !m.Lost
}

// Unplug simulates the adapter disappearing underneath an open port.
func (m *MockTransport) Unplug() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Lost = true
}

// Written returns a copy of everything written so far.
func (m *MockTransport) Written() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]byte(nil), m.WriteData...)
}
