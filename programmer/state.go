package programmer

// ConnectionState is the lifecycle stage of the serial session.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateError
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// StateInfo is a connection state plus the failure message carried by
// StateError. Values compare with ==.
type StateInfo struct {
	State   ConnectionState
	Message string
}

// Disconnected returns the idle state.
func Disconnected() StateInfo { return StateInfo{State: StateDisconnected} }

// Connecting returns the state held while a port is being opened.
func Connecting() StateInfo { return StateInfo{State: StateConnecting} }

// Connected returns the state in which scans and ID changes are allowed.
func Connected() StateInfo { return StateInfo{State: StateConnected} }

// Failed returns an error state carrying msg.
func Failed(msg string) StateInfo { return StateInfo{State: StateError, Message: msg} }

func (s StateInfo) IsConnected() bool    { return s.State == StateConnected }
func (s StateInfo) IsDisconnected() bool { return s.State == StateDisconnected }

// CanConnect reports whether Connect is legal from this state.
func (s StateInfo) CanConnect() bool {
	return s.State == StateDisconnected || s.State == StateError
}

// StatusText renders the state for display.
func (s StateInfo) StatusText() string {
	switch s.State {
	case StateConnected:
		return "Connected"
	case StateConnecting:
		return "Connecting..."
	case StateError:
		return "Error: " + s.Message
	default:
		return "Disconnected"
	}
}

func (s StateInfo) String() string { return s.StatusText() }
