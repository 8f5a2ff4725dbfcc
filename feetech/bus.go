package feetech

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hipsterbrown/servoprog/transports"
)

// Bus manages communication with servos on a Feetech bus.
//
// A Bus is one open session: the port handle plus the packet codec. All
// exchanges are serialised by an internal mutex, so a Bus may be shared by
// goroutines, but only one request is on the wire at a time.
type Bus struct {
	transport Transport
	protocol  *Protocol
	timeout   time.Duration
	portName  string

	mu          sync.Mutex
	lastCmdTime time.Time
	minCmdGap   time.Duration
	closed      atomic.Bool
}

// BusConfig holds configuration for creating a new Bus.
type BusConfig struct {
	// Transport is the underlying communication transport.
	// If nil, Port must be specified to open a serial connection.
	Transport Transport

	// Port is the serial port path (e.g., "/dev/ttyUSB0").
	// When Transport is provided it is only used as a label.
	Port string

	// BaudRate is the communication speed. Default is 1000000.
	BaudRate int

	// Protocol version: ProtocolSTS (default) or ProtocolSCS.
	Protocol int

	// Timeout for communication operations. Default is 1 second.
	Timeout time.Duration

	// MinCommandGap is the minimum time between commands. Default is 1ms.
	MinCommandGap time.Duration
}

// NewBus creates a new servo bus with the given configuration.
func NewBus(cfg BusConfig) (*Bus, error) {
	if cfg.BaudRate == 0 {
		cfg.BaudRate = DefaultBaudRate
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = time.Second
	}
	if cfg.MinCommandGap == 0 {
		cfg.MinCommandGap = time.Millisecond
	}

	transport := cfg.Transport
	if transport == nil {
		if cfg.Port == "" {
			return nil, errors.New("either Transport or Port must be specified")
		}
		var err error
		transport, err = transports.OpenSerial(transports.SerialConfig{
			Port:     cfg.Port,
			BaudRate: cfg.BaudRate,
			Timeout:  cfg.Timeout,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open serial port: %w", err)
		}
	}

	return &Bus{
		transport:   transport,
		protocol:    NewProtocol(cfg.Protocol),
		timeout:     cfg.Timeout,
		portName:    cfg.Port,
		minCmdGap:   cfg.MinCommandGap,
		lastCmdTime: time.Now(),
	}, nil
}

// Close closes the bus and releases resources.
// It waits for an exchange already on the wire to finish; every call made
// after Close has started returns ErrBusClosed.
func (b *Bus) Close() error {
	if b.closed.Swap(true) {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	return b.transport.Close()
}

// Protocol returns the protocol handler for this bus.
func (b *Bus) Protocol() *Protocol {
	return b.protocol
}

// PortName returns the port this bus was opened on.
func (b *Bus) PortName() string {
	return b.portName
}

// IsOpen reports whether the bus is usable: not closed and the transport
// still reports a live port handle. It does not wait for in-flight exchanges.
func (b *Bus) IsOpen() bool {
	return !b.closed.Load() && b.transport.IsOpen()
}

// SetBaudRate changes the host-side line speed.
func (b *Bus) SetBaudRate(baud int) error {
	if baud <= 0 {
		return fmt.Errorf("invalid baud rate %d", baud)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed.Load() {
		return ErrBusClosed
	}

	if err := b.transport.SetBaudRate(baud); err != nil {
		return &CommError{Op: "set_baud_rate", Err: err}
	}
	return nil
}

// Flush discards stale bytes waiting in the input buffer.
func (b *Bus) Flush() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed.Load() {
		return ErrBusClosed
	}

	if err := b.transport.Flush(); err != nil {
		return &CommError{Op: "flush", Err: err}
	}
	return nil
}

// Ping sends a ping to the specified servo and returns the model number.
func (b *Bus) Ping(ctx context.Context, id int) (int, error) {
	if err := b.validateID(id); err != nil {
		return 0, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed.Load() {
		return 0, ErrBusClosed
	}

	packet := b.protocol.PingPacket(byte(id))
	if err := b.sendPacketLocked(packet); err != nil {
		return 0, &CommError{Op: "ping", Err: err}
	}

	resp, err := b.readResponseLocked(ctx, b.protocol.ExpectedResponseLength(0))
	if err != nil {
		return 0, &ServoError{ID: id, Op: "ping", Err: err}
	}
	if resp.ID != byte(id) {
		return 0, &ServoError{ID: id, Op: "ping", Err: fmt.Errorf("%w: reply from ID %d", ErrInvalidPacket, resp.ID)}
	}
	if resp.Error.HasError() {
		return 0, &ServoError{ID: id, Op: "ping", Status: resp.Error}
	}

	modelData, err := b.readRegisterLocked(ctx, byte(id), RegModelNumber.Address, byte(RegModelNumber.Size))
	if err != nil {
		return 0, &ServoError{ID: id, Op: "read model", Err: err}
	}

	return int(b.protocol.DecodeWord(modelData)), nil
}

// ReadRegister reads bytes from a servo register.
func (b *Bus) ReadRegister(ctx context.Context, id int, address byte, length int) ([]byte, error) {
	if err := b.validateID(id); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed.Load() {
		return nil, ErrBusClosed
	}

	data, err := b.readRegisterLocked(ctx, byte(id), address, byte(length))
	if err != nil {
		return nil, &ServoError{ID: id, Op: "read", Err: err}
	}
	return data, nil
}

// WriteRegister writes bytes to a servo register and waits for the
// servo's acknowledgement.
func (b *Bus) WriteRegister(ctx context.Context, id int, address byte, data []byte) error {
	if err := b.validateID(id); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed.Load() {
		return ErrBusClosed
	}

	if err := b.writeRegisterLocked(ctx, byte(id), address, data); err != nil {
		return &ServoError{ID: id, Op: "write", Err: err}
	}
	return nil
}

// readSlice bounds a single transport read so ctx is polled regularly.
const readSlice = 50 * time.Millisecond

func (b *Bus) validateID(id int) error {
	if id < 0 || id > int(MaxServoID) {
		return fmt.Errorf("%w: %d (valid range: 0-%d)", ErrInvalidID, id, MaxServoID)
	}
	return nil
}

func (b *Bus) enforceCommandGap() {
	elapsed := time.Since(b.lastCmdTime)
	if elapsed < b.minCmdGap {
		time.Sleep(b.minCmdGap - elapsed)
	}
}

func (b *Bus) sendPacketLocked(packet []byte) error {
	b.enforceCommandGap()

	// Flush any stale input
	if err := b.transport.Flush(); err != nil {
		return fmt.Errorf("flush failed: %w", err)
	}

	n, err := b.transport.Write(packet)
	if err != nil {
		return fmt.Errorf("write failed: %w", err)
	}
	if n != len(packet) {
		return fmt.Errorf("incomplete write: %d of %d bytes", n, len(packet))
	}

	b.lastCmdTime = time.Now()

	// Small delay for half-duplex turnaround
	time.Sleep(100 * time.Microsecond)

	return nil
}

func (b *Bus) readRegisterLocked(ctx context.Context, id, address, length byte) ([]byte, error) {
	packet := b.protocol.ReadPacket(id, address, length)
	if err := b.sendPacketLocked(packet); err != nil {
		return nil, err
	}

	resp, err := b.readResponseLocked(ctx, b.protocol.ExpectedResponseLength(int(length)))
	if err != nil {
		return nil, err
	}

	if resp.ID != id {
		return nil, fmt.Errorf("wrong servo ID in response: expected %d, got %d", id, resp.ID)
	}

	if resp.Error.HasError() {
		return nil, resp.Error
	}

	return resp.Parameters, nil
}

func (b *Bus) writeRegisterLocked(ctx context.Context, id, address byte, data []byte) error {
	packet := b.protocol.WritePacket(id, address, data)
	if err := b.sendPacketLocked(packet); err != nil {
		return err
	}

	resp, err := b.readResponseLocked(ctx, b.protocol.ExpectedResponseLength(0))
	if err != nil {
		return err
	}

	if resp.ID != id {
		return fmt.Errorf("wrong servo ID in response: expected %d, got %d", id, resp.ID)
	}

	if resp.Error.HasError() {
		return resp.Error
	}

	return nil
}

func (b *Bus) readResponseLocked(ctx context.Context, expectedLen int) (Packet, error) {
	data, err := b.readRawBytesLocked(ctx, expectedLen)
	if err != nil {
		return Packet{}, err
	}

	pkt, _, err := b.protocol.Decode(data)
	return pkt, err
}

func (b *Bus) readRawBytesLocked(ctx context.Context, expectedLen int) ([]byte, error) {
	buffer := make([]byte, expectedLen*2) // Extra space for leading noise
	totalRead := 0
	deadline := time.Now().Add(b.timeout)

	for totalRead < expectedLen {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		if time.Now().After(deadline) {
			if totalRead == 0 {
				return nil, ErrNoResponse
			}
			return nil, fmt.Errorf("%w: read %d of %d expected bytes", ErrTimeout, totalRead, expectedLen)
		}

		// Short read slices keep cancellation responsive
		b.transport.SetReadTimeout(min(max(time.Until(deadline), 10*time.Millisecond), readSlice))

		n, err := b.transport.Read(buffer[totalRead:])
		if err != nil {
			if !b.transport.IsOpen() {
				return nil, fmt.Errorf("read error: %w", err)
			}
			// A timeout with nothing read is expected while waiting
			if n == 0 {
				time.Sleep(time.Millisecond)
				continue
			}
			return nil, fmt.Errorf("read error: %w", err)
		}
		if n == 0 {
			time.Sleep(time.Millisecond)
			continue
		}

		totalRead += n
	}

	return buffer[:totalRead], nil
}
