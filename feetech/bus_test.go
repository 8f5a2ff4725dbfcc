package feetech

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hipsterbrown/servoprog/transports"
)

// scripted returns a ReadFunc that hands out one response per Read call.
func scripted(responses ...[]byte) func(p []byte) (int, error) {
	readIdx := 0
	return func(p []byte) (int, error) {
		if readIdx >= len(responses) {
			return 0, nil
		}
		n := copy(p, responses[readIdx])
		readIdx++
		return n, nil
	}
}

func TestBus_Ping(t *testing.T) {
	mock := &transports.MockTransport{
		ReadFunc: scripted(
			[]byte{0xFF, 0xFF, 0x01, 0x02, 0x00, 0xFC},             // Ping response
			[]byte{0xFF, 0xFF, 0x01, 0x04, 0x00, 0x09, 0x03, 0xEE}, // Model number 777 (0x0309)
		),
	}

	bus, err := NewBus(BusConfig{
		Transport: mock,
		Timeout:   100 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewBus failed: %v", err)
	}
	defer bus.Close()

	ctx := context.Background()
	modelNum, err := bus.Ping(ctx, 1)
	if err != nil {
		t.Fatalf("Ping failed: %v", err)
	}

	if modelNum != 777 {
		t.Errorf("model number: got %d, want 777", modelNum)
	}

	// Expected: FF FF 01 02 01 FB
	if len(mock.WriteData) < 6 {
		t.Fatalf("no packet written")
	}
	if mock.WriteData[4] != InstPing {
		t.Errorf("wrong instruction: got %02X, want %02X", mock.WriteData[4], InstPing)
	}
}

func TestBus_PingNoResponse(t *testing.T) {
	mock := &transports.MockTransport{}

	bus, _ := NewBus(BusConfig{
		Transport: mock,
		Timeout:   30 * time.Millisecond,
	})
	defer bus.Close()

	_, err := bus.Ping(context.Background(), 9)
	if err == nil {
		t.Fatal("expected error for silent bus")
	}
	if !IsNoResponse(err) {
		t.Errorf("expected ErrNoResponse in chain, got %v", err)
	}
	if !IsTransportError(err) {
		t.Errorf("silent bus should classify as transport error: %v", err)
	}
	if IsProtocolError(err) {
		t.Errorf("silent bus should not classify as protocol error: %v", err)
	}
}

func TestBus_PingStatusError(t *testing.T) {
	mock := &transports.MockTransport{
		ReadData: []byte{0xFF, 0xFF, 0x01, 0x02, 0x08, 0xF4}, // Range error flag
	}

	bus, _ := NewBus(BusConfig{
		Transport: mock,
		Timeout:   100 * time.Millisecond,
	})
	defer bus.Close()

	_, err := bus.Ping(context.Background(), 1)
	if err == nil {
		t.Fatal("expected status error")
	}
	if !IsProtocolError(err) {
		t.Errorf("expected protocol error, got %v", err)
	}

	servoErr, ok := GetServoError(err)
	if !ok {
		t.Fatalf("expected ServoError in chain, got %T", err)
	}
	if servoErr.Status != ErrRange {
		t.Errorf("status: got %v, want %v", servoErr.Status, ErrRange)
	}
}

func TestBus_PingWrongResponder(t *testing.T) {
	mock := &transports.MockTransport{
		ReadData: []byte{0xFF, 0xFF, 0x02, 0x02, 0x00, 0xFB}, // Reply from ID 2
	}

	bus, _ := NewBus(BusConfig{
		Transport: mock,
		Timeout:   100 * time.Millisecond,
	})
	defer bus.Close()

	_, err := bus.Ping(context.Background(), 1)
	if !errors.Is(err, ErrInvalidPacket) {
		t.Errorf("expected ErrInvalidPacket, got %v", err)
	}
}

func TestBus_ReadRegister(t *testing.T) {
	mock := &transports.MockTransport{
		ReadData: []byte{0xFF, 0xFF, 0x01, 0x04, 0x00, 0x09, 0x03, 0xEE},
	}

	bus, _ := NewBus(BusConfig{
		Transport: mock,
		Timeout:   100 * time.Millisecond,
	})
	defer bus.Close()

	ctx := context.Background()
	data, err := bus.ReadRegister(ctx, 1, RegModelNumber.Address, RegModelNumber.Size)
	if err != nil {
		t.Fatalf("ReadRegister failed: %v", err)
	}

	if len(data) != 2 {
		t.Fatalf("data length: got %d, want 2", len(data))
	}

	if model := bus.Protocol().DecodeWord(data); model != 777 {
		t.Errorf("model: got %d, want 777", model)
	}
}

func TestBus_WriteID(t *testing.T) {
	mock := &transports.MockTransport{
		ReadData: []byte{0xFF, 0xFF, 0x01, 0x02, 0x00, 0xFC}, // Ack response
	}

	bus, _ := NewBus(BusConfig{
		Transport: mock,
		Timeout:   100 * time.Millisecond,
	})
	defer bus.Close()

	err := bus.WriteRegister(context.Background(), 1, RegID.Address, []byte{7})
	if err != nil {
		t.Fatalf("WriteRegister failed: %v", err)
	}

	// FF FF 01 04 03 05 07 EB
	want := []byte{0xFF, 0xFF, 0x01, 0x04, InstWrite, RegID.Address, 0x07, 0xEB}
	if got := mock.Written(); string(got) != string(want) {
		t.Errorf("write packet: got %X, want %X", got, want)
	}
}

func TestBus_WriteRejected(t *testing.T) {
	mock := &transports.MockTransport{
		ReadData: []byte{0xFF, 0xFF, 0x01, 0x02, 0x08, 0xF4},
	}

	bus, _ := NewBus(BusConfig{
		Transport: mock,
		Timeout:   100 * time.Millisecond,
	})
	defer bus.Close()

	err := bus.WriteRegister(context.Background(), 1, RegID.Address, []byte{7})
	if !IsProtocolError(err) {
		t.Errorf("expected protocol error, got %v", err)
	}
}

func TestBus_SetBaudRateAndFlush(t *testing.T) {
	mock := &transports.MockTransport{}
	bus, _ := NewBus(BusConfig{Transport: mock})
	defer bus.Close()

	if err := bus.SetBaudRate(500000); err != nil {
		t.Fatalf("SetBaudRate failed: %v", err)
	}
	if mock.BaudRate != 500000 {
		t.Errorf("baud rate: got %d, want 500000", mock.BaudRate)
	}

	if err := bus.SetBaudRate(0); err == nil {
		t.Error("expected error for zero baud rate")
	}

	if err := bus.Flush(); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	if !mock.Flushed {
		t.Error("transport not flushed")
	}
}

func TestBus_SetBaudRateFailure(t *testing.T) {
	mock := &transports.MockTransport{BaudErr: errors.New("invalid speed")}
	bus, _ := NewBus(BusConfig{Transport: mock})
	defer bus.Close()

	err := bus.SetBaudRate(1000000)
	var commErr *CommError
	if !errors.As(err, &commErr) {
		t.Fatalf("expected CommError, got %v", err)
	}
	if commErr.Op != "set_baud_rate" {
		t.Errorf("op: got %q, want set_baud_rate", commErr.Op)
	}
}

func TestBus_IsOpen(t *testing.T) {
	mock := &transports.MockTransport{}
	bus, _ := NewBus(BusConfig{Transport: mock})

	if !bus.IsOpen() {
		t.Error("new bus should be open")
	}

	mock.Unplug()
	if bus.IsOpen() {
		t.Error("bus should report closed after unplug")
	}

	bus.Close()
	if bus.IsOpen() {
		t.Error("bus should report closed after Close")
	}
}

func TestBus_InvalidID(t *testing.T) {
	mock := &transports.MockTransport{}
	bus, _ := NewBus(BusConfig{Transport: mock})
	defer bus.Close()

	ctx := context.Background()

	_, err := bus.Ping(ctx, -1)
	if !errors.Is(err, ErrInvalidID) {
		t.Errorf("expected ErrInvalidID for negative ID, got %v", err)
	}

	_, err = bus.Ping(ctx, 255)
	if !errors.Is(err, ErrInvalidID) {
		t.Errorf("expected ErrInvalidID for ID > MaxServoID, got %v", err)
	}

	if len(mock.WriteData) != 0 {
		t.Errorf("invalid IDs must not reach the wire, wrote %X", mock.WriteData)
	}
}

func TestBus_Close(t *testing.T) {
	mock := &transports.MockTransport{}
	bus, _ := NewBus(BusConfig{Transport: mock})

	err := bus.Close()
	if err != nil {
		t.Errorf("Close failed: %v", err)
	}
	if !mock.Closed {
		t.Error("transport not closed")
	}

	// Closing again should be safe
	err = bus.Close()
	if err != nil {
		t.Errorf("second Close failed: %v", err)
	}
}

func TestBus_ClosedOperations(t *testing.T) {
	mock := &transports.MockTransport{}
	bus, _ := NewBus(BusConfig{Transport: mock})
	bus.Close()

	ctx := context.Background()

	if _, err := bus.Ping(ctx, 1); err != ErrBusClosed {
		t.Errorf("Ping: expected ErrBusClosed, got %v", err)
	}
	if err := bus.WriteRegister(ctx, 1, RegID.Address, []byte{2}); err != ErrBusClosed {
		t.Errorf("WriteRegister: expected ErrBusClosed, got %v", err)
	}
	if err := bus.SetBaudRate(DefaultBaudRate); err != ErrBusClosed {
		t.Errorf("SetBaudRate: expected ErrBusClosed, got %v", err)
	}
}

func TestBus_ContextCancellation(t *testing.T) {
	// Simulate slow transport
	mock := &transports.MockTransport{
		ReadFunc: func(p []byte) (int, error) {
			time.Sleep(20 * time.Millisecond)
			return 0, nil
		},
	}

	bus, _ := NewBus(BusConfig{
		Transport: mock,
		Timeout:   time.Second,
	})
	defer bus.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := bus.Ping(ctx, 1)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected context deadline error, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("cancellation took %v, want well under the bus timeout", elapsed)
	}
}

func TestBaudRateIndex(t *testing.T) {
	tests := []struct {
		baud int
		want int
	}{
		{1000000, 0},
		{115200, 4},
		{38400, 7},
		{9600, -1},
	}

	for _, tt := range tests {
		if got := BaudRateIndex(tt.baud); got != tt.want {
			t.Errorf("BaudRateIndex(%d) = %d, want %d", tt.baud, got, tt.want)
		}
	}
}
