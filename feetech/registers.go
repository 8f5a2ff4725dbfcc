package feetech

// Register represents a servo control table register.
type Register struct {
	Address  byte
	Size     int // 1 or 2 bytes
	ReadOnly bool
	// EEPROM registers persist across power cycles. Writes to them take
	// effect only after the servo has committed the value.
	EEPROM bool
}

// Registers shared by the STS and SCS series that the programmer touches.
var (
	RegModelNumber = Register{Address: 3, Size: 2, ReadOnly: true, EEPROM: true}
	RegID          = Register{Address: 5, Size: 1, EEPROM: true}
)

// DefaultBaudRate is the factory line speed of STS/SCS servos.
const DefaultBaudRate = 1000000

// DefaultBaudRates for most Feetech servos, in baud-register index order.
var DefaultBaudRates = []int{
	1000000, // 0
	500000,  // 1
	250000,  // 2
	128000,  // 3
	115200,  // 4
	76800,   // 5
	57600,   // 6
	38400,   // 7
}

// BaudRateIndex returns the baud register value for a line speed, or -1 if
// the servos cannot run at that speed.
func BaudRateIndex(baud int) int {
	for i, rate := range DefaultBaudRates {
		if rate == baud {
			return i
		}
	}
	return -1
}
