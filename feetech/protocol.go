// Package feetech implements the Feetech serial bus protocol used to talk to
// STS/SMS and SCS servos: packet framing, checksums and the request/response
// exchanges needed to probe a servo and write its registers.
package feetech

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// Protocol version constants.
const (
	ProtocolSTS = iota // STS/SMS series: little-endian, TTL level
	ProtocolSCS        // SCS series: big-endian, TTL level
)

// Instruction codes from the Feetech protocol manual.
const (
	InstPing  byte = 0x01
	InstRead  byte = 0x02
	InstWrite byte = 0x03
)

// Special ID values.
const (
	BroadcastID = 0xFE
	MaxServoID  = 0xFD
)

// Packet header bytes.
const (
	headerByte1 = 0xFF
	headerByte2 = 0xFF
)

// minPacketLen is header(2) + id + length + instruction/error + checksum.
const minPacketLen = 6

// Status error flags returned by servos.
type StatusError byte

const (
	ErrVoltage     StatusError = 1 << 0
	ErrAngleLimit  StatusError = 1 << 1
	ErrOverheat    StatusError = 1 << 2
	ErrRange       StatusError = 1 << 3
	ErrChecksum    StatusError = 1 << 4
	ErrOverload    StatusError = 1 << 5
	ErrInstruction StatusError = 1 << 6
)

var statusFlagNames = []struct {
	flag StatusError
	name string
}{
	{ErrVoltage, "voltage"},
	{ErrAngleLimit, "angle limit"},
	{ErrOverheat, "overheat"},
	{ErrRange, "range"},
	{ErrChecksum, "checksum"},
	{ErrOverload, "overload"},
	{ErrInstruction, "instruction"},
}

func (e StatusError) Error() string {
	if e == 0 {
		return "no error"
	}

	var msgs []string
	for _, f := range statusFlagNames {
		if e&f.flag != 0 {
			msgs = append(msgs, f.name)
		}
	}

	return fmt.Sprintf("servo status error: %s", strings.Join(msgs, ", "))
}

// HasError returns true if any error flag is set.
func (e StatusError) HasError() bool {
	return e != 0
}

// Packet represents a Feetech protocol packet.
type Packet struct {
	ID          byte
	Instruction byte
	Parameters  []byte
	Error       StatusError // Only valid for response packets
}

// Protocol handles packet encoding/decoding for a specific protocol version.
type Protocol struct {
	version   int
	byteOrder binary.ByteOrder
}

// NewProtocol creates a protocol handler for the specified version.
func NewProtocol(version int) *Protocol {
	p := &Protocol{version: version}
	if version == ProtocolSCS {
		p.byteOrder = binary.BigEndian
	} else {
		p.byteOrder = binary.LittleEndian
	}
	return p
}

// Version returns the protocol version.
func (p *Protocol) Version() int {
	return p.version
}

// DecodeWord converts bytes to a 16-bit value using protocol byte order.
func (p *Protocol) DecodeWord(data []byte) uint16 {
	if len(data) < 2 {
		return 0
	}
	return p.byteOrder.Uint16(data)
}

// Encode constructs a wire-format packet from the given components.
func (p *Protocol) Encode(pkt Packet) []byte {
	length := byte(len(pkt.Parameters) + 2) // params + instruction + checksum

	buf := make([]byte, 0, minPacketLen+len(pkt.Parameters))
	buf = append(buf, headerByte1, headerByte2, pkt.ID, length, pkt.Instruction)
	buf = append(buf, pkt.Parameters...)

	return append(buf, checksum(buf[2:]))
}

// Decode parses a wire-format status packet, skipping any leading noise.
// Returns the packet and the number of bytes consumed.
func (p *Protocol) Decode(data []byte) (Packet, int, error) {
	headerIdx := -1
	for i := 0; i+1 < len(data); i++ {
		if data[i] == headerByte1 && data[i+1] == headerByte2 {
			headerIdx = i
			break
		}
	}
	if headerIdx < 0 {
		return Packet{}, 0, fmt.Errorf("%w: header not found", ErrInvalidPacket)
	}

	frame := data[headerIdx:]
	if len(frame) < minPacketLen {
		return Packet{}, 0, fmt.Errorf("%w: %d bytes after header", ErrInvalidPacket, len(frame))
	}

	length := int(frame[3])
	if length < 2 {
		return Packet{}, 0, fmt.Errorf("%w: length field %d", ErrInvalidPacket, length)
	}

	total := 4 + length // header(2) + id(1) + length(1) + [length bytes]
	if len(frame) < total {
		return Packet{}, 0, fmt.Errorf("%w: need %d bytes, have %d", ErrInvalidPacket, total, len(frame))
	}

	if want, got := checksum(frame[2:total-1]), frame[total-1]; want != got {
		return Packet{}, 0, fmt.Errorf("%w: checksum mismatch: expected 0x%02X, got 0x%02X", ErrInvalidPacket, want, got)
	}

	// Response format: [header][id][length][error][params...][checksum]
	pkt := Packet{
		ID:    frame[2],
		Error: StatusError(frame[4]),
	}
	if n := length - 2; n > 0 {
		pkt.Parameters = make([]byte, n)
		copy(pkt.Parameters, frame[5:5+n])
	}

	return pkt, headerIdx + total, nil
}

// ExpectedResponseLength returns the expected wire length for a response packet.
func (p *Protocol) ExpectedResponseLength(dataLen int) int {
	return minPacketLen + dataLen
}

func checksum(data []byte) byte {
	var sum byte
	for _, b := range data {
		sum += b
	}
	return ^sum
}

// PingPacket creates a ping instruction packet.
func (p *Protocol) PingPacket(id byte) []byte {
	return p.Encode(Packet{
		ID:          id,
		Instruction: InstPing,
	})
}

// ReadPacket creates a read instruction packet.
func (p *Protocol) ReadPacket(id, address, length byte) []byte {
	return p.Encode(Packet{
		ID:          id,
		Instruction: InstRead,
		Parameters:  []byte{address, length},
	})
}

// WritePacket creates a write instruction packet.
func (p *Protocol) WritePacket(id, address byte, data []byte) []byte {
	params := make([]byte, 1+len(data))
	params[0] = address
	copy(params[1:], data)

	return p.Encode(Packet{
		ID:          id,
		Instruction: InstWrite,
		Parameters:  params,
	})
}
