package programmer

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hipsterbrown/servoprog/feetech"
)

// ChangeOutcome classifies how an ID change ended.
type ChangeOutcome int

const (
	// ChangeSucceeded - the servo answered at its new ID and the bus was
	// rescanned.
	ChangeSucceeded ChangeOutcome = iota

	// ChangeRejected - a precondition failed; nothing was sent.
	ChangeRejected

	// ChangeProtocolError - the servo refused the write.
	ChangeProtocolError

	// ChangeTransportFailure - the write exchange did not complete.
	ChangeTransportFailure

	// ChangeUnverified - the write was acknowledged but the servo did not
	// answer at its new ID.
	ChangeUnverified

	// ChangeCancelled - the caller, a newer change or Disconnect stopped it.
	ChangeCancelled
)

func (o ChangeOutcome) String() string {
	switch o {
	case ChangeSucceeded:
		return "succeeded"
	case ChangeRejected:
		return "rejected"
	case ChangeProtocolError:
		return "protocol error"
	case ChangeTransportFailure:
		return "transport failure"
	case ChangeUnverified:
		return "unverified"
	case ChangeCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// ChangeReport describes one ID change.
type ChangeReport struct {
	OpID    string
	From    int
	To      int
	Outcome ChangeOutcome
	Err     error

	// Scan is the rescan run after a verified change.
	Scan *ScanReport

	Elapsed time.Duration
}

// ValidID reports whether id is an address a servo may be given.
func ValidID(id int) bool {
	return id >= MinID && id <= MaxID
}

// ChangeID moves the servo at current to requested.
//
// Preconditions are checked before any bus traffic: a live connection, both
// IDs in 1-252, and requested not already on the roster. The servo is then
// written, given SettleDelay to commit, probed at its new ID and the bus
// rescanned. Each step is reported through progress, which may be nil.
// Starting a change cancels and waits for any change already running.
func (p *Programmer) ChangeID(ctx context.Context, current, requested int, progress func(string)) ChangeReport {
	start := time.Now()
	report := ChangeReport{OpID: uuid.NewString(), From: current, To: requested}

	say := func(msg string) {
		if progress != nil {
			progress(msg)
		}
		p.emit(Event{Type: EventIDChangeProgress, Status: msg})
	}
	var sc *scope
	release := func() {
		if sc == nil {
			return
		}
		sc.finish()
		p.mu.Lock()
		if p.change == sc {
			p.change = nil
			p.changing = false
		}
		p.unlock()
	}
	end := func(outcome ChangeOutcome, err error) ChangeReport {
		release()
		report.Outcome, report.Err = outcome, err
		return p.finishChange(report, start)
	}
	reject := func(msg string, err error) ChangeReport {
		say(msg)
		return end(ChangeRejected, err)
	}

	p.mu.Lock()
	connected := p.state.IsConnected() && p.session != nil
	p.mu.Unlock()

	if !connected {
		return reject("Not connected", ErrNotConnected)
	}
	if !p.checkConnection() {
		return reject("Connection lost", ErrConnectionLost)
	}
	if !ValidID(requested) || !ValidID(current) {
		return reject(fmt.Sprintf("Invalid ID. Must be between %d and %d.", MinID, MaxID),
			fmt.Errorf("%w: %d -> %d", ErrInvalidID, current, requested))
	}
	if p.registry.Has(requested) {
		return reject(fmt.Sprintf("ID %d already in use!", requested),
			fmt.Errorf("%w: %d", ErrIDInUse, requested))
	}

	sc = newScope(ctx)
	p.mu.Lock()
	prev := p.change
	p.change = sc
	p.changing = true
	p.unlock()
	defer release()

	prev.stop()

	cancelled := func() ChangeReport {
		say("Operation cancelled")
		return end(ChangeCancelled, ErrCancelled)
	}

	sess := p.currentSession(&p.change, sc)
	if sess == nil {
		return cancelled()
	}

	say("Writing new ID to servo...")
	err := sess.WriteRegister(sc.ctx, current, feetech.RegID.Address, []byte{byte(requested)})
	if !sc.live() {
		return cancelled()
	}
	if err != nil {
		if feetech.IsProtocolError(err) {
			say(fmt.Sprintf("Protocol error: %v", err))
			return end(ChangeProtocolError, err)
		}
		say(fmt.Sprintf("Failed to change ID: %v", err))
		p.checkConnection()
		return end(ChangeTransportFailure, err)
	}

	say("Verifying new ID...")
	if err := sc.sleep(p.timing.SettleDelay); err != nil {
		return cancelled()
	}

	sess = p.currentSession(&p.change, sc)
	if sess == nil {
		return cancelled()
	}
	if _, err := sess.Ping(sc.ctx, requested); err != nil {
		if !sc.live() {
			return cancelled()
		}
		say("ID changed but verification failed. Try refreshing.")
		return end(ChangeUnverified, err)
	}
	if !sc.live() {
		return cancelled()
	}

	say("✓ ID changed successfully!")
	say("Re-scanning for servos...")

	scan := p.Scan(sc.ctx)
	report.Scan = &scan
	if !sc.live() {
		return cancelled()
	}

	say("✓ Scan complete!")
	return end(ChangeSucceeded, nil)
}

func (p *Programmer) finishChange(report ChangeReport, start time.Time) ChangeReport {
	report.Elapsed = time.Since(start)

	args := []any{
		"op_id", report.OpID,
		"from", report.From,
		"to", report.To,
		"outcome", report.Outcome.String(),
		"elapsed", report.Elapsed,
	}
	if report.Err != nil {
		p.logger.Warn("id change finished", append(args, "error", report.Err)...)
	} else {
		p.logger.Info("id change finished", args...)
	}

	r := report
	p.emit(Event{Type: EventIDChangeFinished, Change: &r})
	return report
}
