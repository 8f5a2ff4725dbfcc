package journal

import (
	"context"

	"github.com/hipsterbrown/servoprog/programmer"
)

// Logger is the logging surface the recorder needs.
type Logger interface {
	Warn(msg string, args ...any)
}

// Recorder turns Programmer events into journal entries.
type Recorder struct {
	journal *Journal
	port    func() string
	logger  Logger
}

// NewRecorder creates a recorder. port reports the port the programmer is
// using, typically Programmer.SelectedPort.
func NewRecorder(j *Journal, port func() string, logger Logger) *Recorder {
	return &Recorder{journal: j, port: port, logger: logger}
}

// Handle is a programmer.EventHandler. Only terminal events are recorded.
func (r *Recorder) Handle(ev programmer.Event) {
	e := r.entry(ev)
	if e == nil {
		return
	}
	e.CreatedAt = ev.Time.UTC()

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	if err := r.journal.Record(ctx, e); err != nil {
		r.logger.Warn("journal write failed", "kind", e.Kind, "error", err)
	}
}

func (r *Recorder) entry(ev programmer.Event) *Entry {
	switch ev.Type {
	case programmer.EventStateChanged:
		switch ev.State.State {
		case programmer.StateConnected:
			return &Entry{Kind: KindConnected, Port: r.currentPort()}
		case programmer.StateError:
			return &Entry{Kind: KindConnectFailed, Port: r.currentPort(), Details: map[string]any{"message": ev.State.Message}}
		case programmer.StateDisconnected:
			return &Entry{Kind: KindDisconnected}
		}

	case programmer.EventConnectionLost:
		return &Entry{Kind: KindConnectionLost, Port: ev.Port}

	case programmer.EventScanFinished:
		if ev.Scan == nil || ev.Scan.Outcome == programmer.ScanRejected {
			return nil
		}
		s := ev.Scan
		ids := make([]int, 0, len(s.Devices))
		for _, d := range s.Devices {
			ids = append(ids, d.ID)
		}
		details := map[string]any{"ids": ids, "probed": s.Probed, "elapsed_ms": s.Elapsed.Milliseconds()}
		if s.Err != nil {
			details["error"] = s.Err.Error()
		}
		return &Entry{Kind: KindScan, Port: r.currentPort(), OpID: s.OpID, Outcome: s.Outcome.String(), Details: details}

	case programmer.EventIDChangeFinished:
		if ev.Change == nil {
			return nil
		}
		c := ev.Change
		details := map[string]any{"from": c.From, "to": c.To}
		if c.Err != nil {
			details["error"] = c.Err.Error()
		}
		return &Entry{Kind: KindIDChange, Port: r.currentPort(), OpID: c.OpID, Outcome: c.Outcome.String(), Details: details}
	}
	return nil
}

func (r *Recorder) currentPort() string {
	if r.port == nil {
		return ""
	}
	return r.port()
}
