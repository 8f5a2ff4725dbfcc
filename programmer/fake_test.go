package programmer

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/hipsterbrown/servoprog/feetech"
)

// fakeBus simulates the servos behind a serial adapter. Calls on a closed
// session return feetech.ErrBusClosed and are not counted as traffic.
type fakeBus struct {
	mu sync.Mutex

	servos    map[int]uint16
	statusErr map[int]feetech.StatusError
	writeErr  error
	noRename  bool
	pingDelay time.Duration
	lost      bool

	// onPing runs before the probe resolves, without the lock held.
	onPing func(ctx context.Context, id int)

	pingLog  []int
	writeLog []int
}

func newFakeBus(servos map[int]uint16) *fakeBus {
	if servos == nil {
		servos = map[int]uint16{}
	}
	return &fakeBus{servos: servos, statusErr: map[int]feetech.StatusError{}}
}

func (b *fakeBus) pings() []int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.pingLog)
}

func (b *fakeBus) writes() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.writeLog)
}

func (b *fakeBus) setHook(h func(ctx context.Context, id int)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onPing = h
}

func (b *fakeBus) setLost() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lost = true
}

func (b *fakeBus) remove(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.servos, id)
}

type fakeSession struct {
	bus    *fakeBus
	closed bool // guarded by bus.mu

	baudErr  error
	flushErr error
	baud     int
}

func (s *fakeSession) SetBaudRate(baud int) error {
	if s.baudErr != nil {
		return s.baudErr
	}
	s.baud = baud
	return nil
}

func (s *fakeSession) Flush() error { return s.flushErr }

func (s *fakeSession) IsOpen() bool {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	return !s.closed && !s.bus.lost
}

func (s *fakeSession) isClosed() bool {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	return s.closed
}

func (s *fakeSession) Ping(ctx context.Context, id int) (int, error) {
	b := s.bus
	b.mu.Lock()
	if s.closed {
		b.mu.Unlock()
		return 0, feetech.ErrBusClosed
	}
	b.pingLog = append(b.pingLog, id)
	model, present := b.servos[id]
	status := b.statusErr[id]
	hook, delay := b.onPing, b.pingDelay
	b.mu.Unlock()

	if hook != nil {
		hook(ctx, id)
	}
	if delay > 0 {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(delay):
		}
	}

	switch {
	case status != 0:
		return 0, &feetech.ServoError{ID: id, Op: "ping", Status: status}
	case !present:
		return 0, &feetech.ServoError{ID: id, Op: "ping", Err: feetech.ErrNoResponse}
	}
	return int(model), nil
}

func (s *fakeSession) WriteRegister(ctx context.Context, id int, address byte, data []byte) error {
	b := s.bus
	b.mu.Lock()
	defer b.mu.Unlock()

	if s.closed {
		return feetech.ErrBusClosed
	}
	b.writeLog = append(b.writeLog, id)
	if b.writeErr != nil {
		return b.writeErr
	}

	model, ok := b.servos[id]
	if !ok {
		return &feetech.ServoError{ID: id, Op: "write", Err: feetech.ErrNoResponse}
	}
	if address == feetech.RegID.Address && !b.noRename {
		delete(b.servos, id)
		b.servos[int(data[0])] = model
	}
	return nil
}

func (s *fakeSession) Close() error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	s.closed = true
	return nil
}

type fakeDriver struct {
	mu sync.Mutex

	bus      *fakeBus
	ports    []string
	listErr  error
	openErr  error
	baudErr  error
	flushErr error
	panicMsg string

	// block makes Open wait for ctx cancellation.
	block bool

	sessions []*fakeSession
}

func (d *fakeDriver) ListPorts() ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.listErr != nil {
		return nil, d.listErr
	}
	return slices.Clone(d.ports), nil
}

func (d *fakeDriver) Open(ctx context.Context, port string) (Session, error) {
	d.mu.Lock()
	openErr, block, panicMsg := d.openErr, d.block, d.panicMsg
	s := &fakeSession{bus: d.bus, baudErr: d.baudErr, flushErr: d.flushErr}
	if openErr == nil && panicMsg == "" {
		d.sessions = append(d.sessions, s)
	}
	d.mu.Unlock()

	if panicMsg != "" {
		panic(panicMsg)
	}
	if openErr != nil {
		return nil, openErr
	}
	if block {
		<-ctx.Done()
	}
	return s, nil
}

func (d *fakeDriver) removePort(port string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ports = slices.DeleteFunc(d.ports, func(p string) bool { return p == port })
}

func (d *fakeDriver) lastSession() *fakeSession {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.sessions) == 0 {
		return nil
	}
	return d.sessions[len(d.sessions)-1]
}

const testPort = "/dev/ttyUSB0"

// fastTiming disables every bus delay and idles the monitor.
var fastTiming = Timing{MonitorInterval: time.Hour, ScanPause: -1, SettleDelay: -1, ConnectSettle: -1}

// newTestProgrammer returns a Programmer over bus with pacing delays
// disabled and the monitor effectively idle.
func newTestProgrammer(t *testing.T, bus *fakeBus) (*Programmer, *fakeDriver) {
	t.Helper()
	drv := &fakeDriver{bus: bus, ports: []string{testPort, "/dev/ttyUSB1"}}
	p := New(Config{
		Driver: drv,
		Timing: fastTiming,
	})
	t.Cleanup(p.Disconnect)
	return p, drv
}

// recorder collects events from a Programmer.
type recorder struct {
	mu     sync.Mutex
	events []Event
}

func record(p *Programmer) *recorder {
	r := &recorder{}
	p.OnEvent(func(ev Event) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.events = append(r.events, ev)
	})
	return r
}

func (r *recorder) of(typ EventType) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, ev := range r.events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func (r *recorder) statuses() []string {
	var out []string
	for _, ev := range r.of(EventStatusChanged) {
		out = append(out, ev.Status)
	}
	return out
}

func (r *recorder) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}

var errPortGone = errors.New("port not found")
