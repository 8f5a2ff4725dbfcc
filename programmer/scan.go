package programmer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hipsterbrown/servoprog/feetech"
)

const (
	// failureThreshold is the run of unanswered probes after which the
	// connection is re-validated.
	failureThreshold = 20

	// livenessEvery forces a liveness check at every multiple of this ID.
	livenessEvery = 50

	// pauseEvery inserts Timing.ScanPause after every multiple of this ID.
	pauseEvery = 10
)

// ScanOutcome classifies how a scan ended.
type ScanOutcome int

const (
	// ScanCompleted - every ID was probed.
	ScanCompleted ScanOutcome = iota

	// ScanCancelled - the caller, a newer scan or Disconnect stopped it.
	ScanCancelled

	// ScanLost - a liveness check failed and the connection was torn down.
	ScanLost

	// ScanFailed - the session failed in a way a probe should never see.
	ScanFailed

	// ScanRejected - there was no connection to scan.
	ScanRejected
)

func (o ScanOutcome) String() string {
	switch o {
	case ScanCompleted:
		return "completed"
	case ScanCancelled:
		return "cancelled"
	case ScanLost:
		return "connection lost"
	case ScanFailed:
		return "failed"
	case ScanRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// ScanReport describes one scan.
type ScanReport struct {
	OpID    string
	Outcome ScanOutcome

	// Devices are the servos this scan found, in ID order.
	Devices []Device

	// Probed is the number of IDs probed before the scan ended.
	Probed int

	Elapsed time.Duration
	Err     error
}

// Scan probes IDs 1-252 and rebuilds the roster from the responses.
//
// A running scan is cancelled and waited for before the roster is cleared,
// so a superseded scan never inserts into the new roster. Progress moves
// from 0 to 1 in steps of 1/252 and only reaches 1 on completion.
func (p *Programmer) Scan(ctx context.Context) ScanReport {
	start := time.Now()
	report := ScanReport{OpID: uuid.NewString()}

	p.mu.Lock()
	connected := p.state.IsConnected() && p.session != nil
	p.mu.Unlock()

	if !connected {
		report.Outcome, report.Err = ScanRejected, ErrNotConnected
		return p.finishScan(report, start)
	}
	if !p.checkConnection() {
		report.Outcome, report.Err = ScanLost, ErrConnectionLost
		return p.finishScan(report, start)
	}

	sc := newScope(ctx)
	defer sc.finish()

	p.mu.Lock()
	prev := p.scan
	p.scan = sc
	p.unlock()

	prev.stop()

	p.mu.Lock()
	if p.scan != sc || !sc.live() || p.session == nil {
		p.unlock()
		report.Outcome, report.Err = ScanCancelled, ErrCancelled
		return p.finishScan(report, start)
	}
	p.clearDevicesLocked()
	p.scanning = true
	p.setProgressLocked(0)
	p.setStatusLocked(fmt.Sprintf("Scanning for servos (IDs %d-%d)...", MinID, MaxID))
	p.unlock()

	p.logger.Info("scan started", "op_id", report.OpID)

	report.Outcome, report.Err = p.sweep(sc, &report)

	p.mu.Lock()
	if p.scan == sc {
		p.scan = nil
		p.scanning = false

		switch report.Outcome {
		case ScanCompleted:
			p.setProgressLocked(1)
			if n := p.registry.Len(); n == 0 {
				p.setStatusLocked("No servos found. Check connections, power, and servo IDs.")
			} else {
				p.setStatusLocked(fmt.Sprintf("Found %d servo(s)", n))
			}
		case ScanCancelled:
			p.setStatusLocked("Scan cancelled")
		case ScanFailed:
			p.setStatusLocked(fmt.Sprintf("Scan error: %v", report.Err))
		}
	}
	p.unlock()

	if report.Outcome == ScanFailed {
		p.checkConnection()
	}

	return p.finishScan(report, start)
}

// sweep probes every ID in order. Devices it inserts are appended to
// report.Devices.
func (p *Programmer) sweep(sc *scope, report *ScanReport) (ScanOutcome, error) {
	failures := 0

	for id := MinID; id <= MaxID; id++ {
		if !sc.live() {
			return ScanCancelled, ErrCancelled
		}

		if id%livenessEvery == 0 && !p.checkConnection() {
			return ScanLost, ErrConnectionLost
		}

		sess := p.currentSession(&p.scan, sc)
		if sess == nil {
			return ScanCancelled, ErrCancelled
		}

		model, err := sess.Ping(sc.ctx, id)
		report.Probed++
		if !sc.live() {
			return ScanCancelled, ErrCancelled
		}

		switch {
		case err == nil:
			d := Device{
				ID:          id,
				ModelNumber: uint16(model),
				ModelName:   p.models.Name(uint16(model)),
				Present:     true,
			}
			if p.insertDevice(sc, d) {
				report.Devices = append(report.Devices, d)
			}
			failures = 0

		case errors.Is(err, feetech.ErrBusClosed):
			p.logger.Error("scan aborted", "id", id, "error", err)
			return ScanFailed, err

		case feetech.IsProtocolError(err):
			p.logger.Debug("servo answered with status error", "id", id, "error", err)

		default:
			failures++
			if failures >= failureThreshold {
				if !p.checkConnection() {
					return ScanLost, ErrConnectionLost
				}
				failures = 0
			}
		}

		if id < MaxID {
			p.scanProgress(sc, float64(id)/MaxID)
		}

		if id%pauseEvery == 0 {
			if err := sc.sleep(p.timing.ScanPause); err != nil {
				return ScanCancelled, ErrCancelled
			}
		}
	}

	return ScanCompleted, nil
}

// insertDevice adds d to the roster if sc is still the current scan.
func (p *Programmer) insertDevice(sc *scope, d Device) bool {
	p.mu.Lock()
	if p.scan != sc || !sc.live() {
		p.unlock()
		return false
	}
	p.registry.Put(d)
	p.queueLocked(Event{Type: EventDeviceFound, Device: d})
	p.setStatusLocked(fmt.Sprintf("Found servo ID %d (Model: %d)", d.ID, d.ModelNumber))
	p.unlock()

	p.logger.Info("servo found", "id", d.ID, "model", d.ModelNumber, "name", d.ModelName)
	return true
}

func (p *Programmer) scanProgress(sc *scope, f float64) {
	p.mu.Lock()
	if p.scan == sc {
		p.setProgressLocked(f)
	}
	p.unlock()
}

func (p *Programmer) finishScan(report ScanReport, start time.Time) ScanReport {
	report.Elapsed = time.Since(start)

	p.logger.Info("scan finished",
		"op_id", report.OpID,
		"outcome", report.Outcome.String(),
		"found", len(report.Devices),
		"probed", report.Probed,
		"elapsed", report.Elapsed,
	)

	r := report
	p.emit(Event{Type: EventScanFinished, Scan: &r})
	return report
}
