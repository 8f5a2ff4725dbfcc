package programmer

import "time"

// EventType identifies what changed on a Programmer.
type EventType uint8

const (
	// EventStateChanged - connection state transitioned.
	EventStateChanged EventType = iota

	// EventStatusChanged - operator status text changed.
	EventStatusChanged

	// EventProgressChanged - scan progress fraction changed.
	EventProgressChanged

	// EventDeviceFound - a scan inserted a device into the roster.
	EventDeviceFound

	// EventDevicesCleared - the roster was emptied.
	EventDevicesCleared

	// EventPortsChanged - the serial port list was refreshed.
	EventPortsChanged

	// EventConnectionLost - the liveness check declared the session gone.
	EventConnectionLost

	// EventScanFinished - a scan ended, with any outcome.
	EventScanFinished

	// EventIDChangeProgress - an ID change reported a step.
	EventIDChangeProgress

	// EventIDChangeFinished - an ID change ended, with any outcome.
	EventIDChangeFinished
)

// String returns the event type name.
func (e EventType) String() string {
	switch e {
	case EventStateChanged:
		return "STATE_CHANGED"
	case EventStatusChanged:
		return "STATUS_CHANGED"
	case EventProgressChanged:
		return "PROGRESS_CHANGED"
	case EventDeviceFound:
		return "DEVICE_FOUND"
	case EventDevicesCleared:
		return "DEVICES_CLEARED"
	case EventPortsChanged:
		return "PORTS_CHANGED"
	case EventConnectionLost:
		return "CONNECTION_LOST"
	case EventScanFinished:
		return "SCAN_FINISHED"
	case EventIDChangeProgress:
		return "ID_CHANGE_PROGRESS"
	case EventIDChangeFinished:
		return "ID_CHANGE_FINISHED"
	default:
		return "UNKNOWN"
	}
}

// Event is a change notification. Only the fields relevant to Type are set.
type Event struct {
	Type EventType
	Time time.Time

	// State is the new connection state (EventStateChanged).
	State StateInfo

	// Status is the new status text (EventStatusChanged), or the step
	// message (EventIDChangeProgress).
	Status string

	// Progress is the scan fraction in [0, 1] (EventProgressChanged).
	Progress float64

	// Device is the inserted device (EventDeviceFound).
	Device Device

	// Port is the port involved (EventConnectionLost).
	Port string

	// Ports is the refreshed port list (EventPortsChanged).
	Ports []string

	// Scan is the final report (EventScanFinished).
	Scan *ScanReport

	// Change is the final report (EventIDChangeFinished).
	Change *ChangeReport
}

// EventHandler handles Programmer events. Handlers run synchronously on the
// goroutine that caused the change, after internal locks are released.
type EventHandler func(Event)

// OnEvent registers an event handler.
func (p *Programmer) OnEvent(handler EventHandler) {
	p.hmu.Lock()
	defer p.hmu.Unlock()
	p.handlers = append(p.handlers, handler)
}

// queueLocked records an event for delivery at the next unlock.
func (p *Programmer) queueLocked(ev Event) {
	ev.Time = time.Now()
	p.pending = append(p.pending, ev)
}

// unlock releases p.mu and delivers the events queued while it was held.
func (p *Programmer) unlock() {
	events := p.pending
	p.pending = nil
	p.mu.Unlock()

	if len(events) == 0 {
		return
	}

	p.hmu.RLock()
	handlers := p.handlers
	p.hmu.RUnlock()

	for _, ev := range events {
		for _, h := range handlers {
			h(ev)
		}
	}
}
