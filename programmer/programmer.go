// Package programmer discovers Feetech servos on a serial bus and changes
// their IDs.
//
// A Programmer owns at most one serial session. Connect opens it and runs
// an initial scan; a background monitor watches for the adapter going away.
// Scan sweeps IDs 1-252 into a Registry, and ChangeID rewrites one servo's
// ID register, verifies it and rescans.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
//   - Event handlers run on the goroutine that made the change and must not
//     call Connect, Scan or ChangeID synchronously.
package programmer

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/hipsterbrown/servoprog/feetech"
)

// Logger defines the logging interface used by the Programmer.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Timing holds the delays a Programmer observes between bus steps.
type Timing struct {
	// MonitorInterval is the liveness check period while connected.
	MonitorInterval time.Duration

	// ScanPause is the idle time inserted after every tenth probe.
	ScanPause time.Duration

	// SettleDelay is the wait between writing a new ID and probing it.
	SettleDelay time.Duration

	// ConnectSettle is the wait after clearing the input buffer on connect.
	ConnectSettle time.Duration
}

// DefaultTiming returns the delays used when Config leaves them zero.
func DefaultTiming() Timing {
	return Timing{
		MonitorInterval: time.Second,
		ScanPause:       10 * time.Millisecond,
		SettleDelay:     500 * time.Millisecond,
		ConnectSettle:   50 * time.Millisecond,
	}
}

// withDefaults fills zero fields from DefaultTiming. A negative delay
// disables that wait; MonitorInterval cannot be disabled.
func (t Timing) withDefaults() Timing {
	d := DefaultTiming()
	if t.MonitorInterval <= 0 {
		t.MonitorInterval = d.MonitorInterval
	}
	if t.ScanPause == 0 {
		t.ScanPause = d.ScanPause
	}
	if t.SettleDelay == 0 {
		t.SettleDelay = d.SettleDelay
	}
	if t.ConnectSettle == 0 {
		t.ConnectSettle = d.ConnectSettle
	}
	return t
}

// Config configures a Programmer.
type Config struct {
	// Driver opens ports. Defaults to SerialDriver{}.
	Driver Driver

	// BaudRate is the line speed set after opening. Defaults to 1000000.
	BaudRate int

	// Models names model numbers. Defaults to DefaultModelNames().
	Models ModelNames

	// Timing overrides the bus delays. Zero fields take DefaultTiming;
	// a negative ScanPause, SettleDelay or ConnectSettle disables the wait.
	Timing Timing

	Logger Logger
}

// Programmer is the connection, scan and ID change engine.
type Programmer struct {
	driver Driver
	models ModelNames
	timing Timing
	baud   int
	logger Logger

	registry *Registry

	mu       sync.Mutex
	state    StateInfo
	status   string
	progress float64
	scanning bool
	changing bool
	session  Session
	port     string
	ports    []string
	selected string
	pending  []Event

	connecting *scope
	monitor    *scope
	scan       *scope
	change     *scope

	hmu      sync.RWMutex
	handlers []EventHandler
}

// New creates a disconnected Programmer.
func New(cfg Config) *Programmer {
	if cfg.Driver == nil {
		cfg.Driver = SerialDriver{}
	}
	if cfg.BaudRate == 0 {
		cfg.BaudRate = feetech.DefaultBaudRate
	}
	if cfg.Models == nil {
		cfg.Models = DefaultModelNames()
	}
	if cfg.Logger == nil {
		cfg.Logger = noopLogger{}
	}

	return &Programmer{
		driver:   cfg.Driver,
		models:   cfg.Models,
		timing:   cfg.Timing.withDefaults(),
		baud:     cfg.BaudRate,
		logger:   cfg.Logger,
		registry: NewRegistry(),
		state:    Disconnected(),
	}
}

// State returns the connection state.
func (p *Programmer) State() StateInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Status returns the latest operator-facing status line.
func (p *Programmer) Status() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// Progress returns the scan progress fraction.
func (p *Programmer) Progress() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.progress
}

// Scanning reports whether a scan is running.
func (p *Programmer) Scanning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.scanning
}

// ChangingID reports whether an ID change is running.
func (p *Programmer) ChangingID() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.changing
}

// Devices returns the roster ordered by ID.
func (p *Programmer) Devices() []Device {
	return p.registry.List()
}

// Ports returns the port list from the last refresh.
func (p *Programmer) Ports() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.ports)
}

// SelectedPort returns the port Connect uses when given none.
func (p *Programmer) SelectedPort() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.selected
}

// SelectPort chooses the port for the next Connect.
func (p *Programmer) SelectPort(port string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.session != nil || p.connecting != nil {
		return ErrAlreadyConnected
	}
	p.selected = port
	return nil
}

// RefreshPorts re-enumerates serial ports and selects the first one when
// nothing is selected yet.
func (p *Programmer) RefreshPorts() ([]string, error) {
	ports, err := p.driver.ListPorts()
	if err != nil {
		p.logger.Warn("listing serial ports failed", "error", err)
		return nil, err
	}

	p.mu.Lock()
	p.ports = slices.Clone(ports)
	if p.selected == "" && len(ports) > 0 {
		p.selected = ports[0]
	}
	p.queueLocked(Event{Type: EventPortsChanged, Ports: slices.Clone(ports)})
	p.unlock()

	p.logger.Debug("serial ports refreshed", "count", len(ports))
	return ports, nil
}

// Connect opens port, configures it and runs an initial scan. An empty
// port means the selected one.
//
// Connect is legal only while disconnected or after a failed attempt. Open
// failures leave the Programmer in StateError and return an error wrapping
// ErrConnectFailed. A Disconnect during the attempt aborts it.
func (p *Programmer) Connect(ctx context.Context, port string) error {
	p.mu.Lock()
	if !p.state.CanConnect() || p.session != nil || p.connecting != nil {
		p.unlock()
		return ErrAlreadyConnected
	}
	if port == "" {
		port = p.selected
	}
	if port == "" {
		p.failLocked("no serial port selected")
		p.unlock()
		return ErrNoPortSelected
	}
	p.selected = port
	sc := newScope(ctx)
	p.connecting = sc
	p.setStateLocked(Connecting())
	p.setStatusLocked(fmt.Sprintf("Connecting to %s...", port))
	p.unlock()

	sess, err := p.openSession(sc, port)

	p.mu.Lock()
	current := p.connecting == sc
	if current {
		p.connecting = nil
	}
	abortErr := sc.ctx.Err()
	sc.finish()

	switch {
	case !current || abortErr != nil:
		if current {
			p.setStateLocked(Disconnected())
			p.setStatusLocked("Disconnected")
		}
		p.unlock()
		if sess != nil {
			sess.Close()
		}
		if abortErr == nil {
			abortErr = context.Canceled
		}
		p.logger.Info("connect aborted", "port", port)
		return abortErr

	case err != nil:
		p.failLocked(err.Error())
		p.unlock()
		p.logger.Error("connect failed", "port", port, "error", err)
		return fmt.Errorf("%w: %w", ErrConnectFailed, err)
	}

	p.session = sess
	p.port = port
	p.setStateLocked(Connected())
	p.setStatusLocked(fmt.Sprintf("Connected at %d baud", p.baud))
	mon := newScope(context.Background())
	prev := p.monitor
	p.monitor = mon
	p.unlock()

	p.logger.Info("connected", "port", port, "baud", p.baud)

	prev.stop()
	go p.runMonitor(mon, sess)

	p.Scan(ctx)
	return nil
}

// openSession runs the open sequence. On error no session is left open.
func (p *Programmer) openSession(sc *scope, port string) (sess Session, err error) {
	defer func() {
		if r := recover(); r != nil {
			if sess != nil {
				sess.Close()
				sess = nil
			}
			err = fmt.Errorf("unexpected failure opening %s: %v", port, r)
		}
	}()

	sess, err = p.driver.Open(sc.ctx, port)
	if err != nil {
		return nil, err
	}

	fail := func(err error) (Session, error) {
		sess.Close()
		return nil, err
	}

	if err := sc.ctx.Err(); err != nil {
		return fail(err)
	}
	p.connectStatus(sc, "Port opened successfully")

	if err := sess.SetBaudRate(p.baud); err != nil {
		return fail(err)
	}
	p.connectStatus(sc, fmt.Sprintf("Baud rate set to %d", p.baud))

	if err := sess.Flush(); err != nil {
		return fail(err)
	}
	if err := sc.sleep(p.timing.ConnectSettle); err != nil {
		return fail(err)
	}
	return sess, nil
}

func (p *Programmer) connectStatus(sc *scope, msg string) {
	p.mu.Lock()
	if p.connecting == sc {
		p.setStatusLocked(msg)
	}
	p.unlock()
}

// Disconnect cancels every operation, closes the session and clears the
// roster. After it returns no superseded operation issues bus traffic,
// though a transfer already on the wire may complete.
func (p *Programmer) Disconnect() {
	p.mu.Lock()
	if p.session == nil && p.connecting == nil && p.state.IsDisconnected() {
		p.unlock()
		return
	}
	sess := p.teardownLocked()
	p.setStateLocked(Disconnected())
	p.setStatusLocked("Disconnected")
	p.unlock()

	if sess != nil {
		if err := sess.Close(); err != nil {
			p.logger.Warn("closing session failed", "error", err)
		}
	}
	p.logger.Info("disconnected")
}

// teardownLocked cancels all scopes and drops the session and roster.
// It returns the session for the caller to close outside the lock.
func (p *Programmer) teardownLocked() Session {
	for _, sc := range []*scope{p.connecting, p.monitor, p.scan, p.change} {
		sc.abort()
	}
	p.connecting, p.monitor, p.scan, p.change = nil, nil, nil, nil

	sess := p.session
	p.session = nil
	p.port = ""
	p.scanning = false
	p.changing = false
	p.clearDevicesLocked()
	p.setProgressLocked(0)
	return sess
}

// failLocked moves to StateError after a failed connect.
func (p *Programmer) failLocked(msg string) {
	p.scan.abort()
	p.change.abort()
	p.scan, p.change = nil, nil
	p.scanning = false
	p.clearDevicesLocked()
	p.setProgressLocked(0)
	p.setStateLocked(Failed(msg))
	p.setStatusLocked("Error: " + msg)
}

// runMonitor checks liveness every MonitorInterval until the session it
// was started for is gone.
func (p *Programmer) runMonitor(sc *scope, sess Session) {
	defer sc.finish()

	ticker := time.NewTicker(p.timing.MonitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-sc.ctx.Done():
			return
		case <-ticker.C:
			p.mu.Lock()
			ours := p.state.IsConnected() && p.session == sess
			p.mu.Unlock()
			if !ours {
				return
			}
			if !p.checkConnection() {
				return
			}
		}
	}
}

// checkConnection verifies the session is usable and declares connection
// loss when it is not.
func (p *Programmer) checkConnection() bool {
	p.mu.Lock()
	sess, port := p.session, p.port
	p.mu.Unlock()

	if sess == nil {
		return false
	}
	if p.sessionAlive(sess, port) {
		return true
	}
	p.handleConnectionLost(sess)
	return false
}

// sessionAlive reports whether the port handle is open and the port is
// still enumerated by the OS.
func (p *Programmer) sessionAlive(sess Session, port string) bool {
	if !sess.IsOpen() {
		p.logger.Debug("session reports closed", "port", port)
		return false
	}

	ports, err := p.driver.ListPorts()
	if err != nil {
		p.logger.Warn("listing serial ports failed", "error", err)
		return false
	}
	return slices.Contains(ports, port)
}

// handleConnectionLost tears down sess if it is still the active session.
// Repeated calls for the same session are no-ops.
func (p *Programmer) handleConnectionLost(sess Session) {
	p.mu.Lock()
	if sess == nil || p.session != sess {
		p.unlock()
		return
	}
	port := p.port
	p.teardownLocked()
	p.setStateLocked(Disconnected())
	p.setStatusLocked("Connection lost - device disconnected")
	p.queueLocked(Event{Type: EventConnectionLost, Port: port})
	p.unlock()

	if err := sess.Close(); err != nil {
		p.logger.Debug("closing lost session", "error", err)
	}
	p.logger.Warn("connection lost", "port", port)

	p.RefreshPorts()
}

// currentSession returns the session if sc is still the live scope in slot.
func (p *Programmer) currentSession(slot **scope, sc *scope) Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	if *slot != sc || !sc.live() {
		return nil
	}
	return p.session
}

func (p *Programmer) setStateLocked(s StateInfo) {
	if p.state == s {
		return
	}
	p.state = s
	p.queueLocked(Event{Type: EventStateChanged, State: s})
}

func (p *Programmer) setStatusLocked(msg string) {
	p.status = msg
	p.queueLocked(Event{Type: EventStatusChanged, Status: msg})
}

func (p *Programmer) setProgressLocked(f float64) {
	if p.progress == f {
		return
	}
	p.progress = f
	p.queueLocked(Event{Type: EventProgressChanged, Progress: f})
}

func (p *Programmer) clearDevicesLocked() {
	if p.registry.Len() == 0 {
		return
	}
	p.registry.Clear()
	p.queueLocked(Event{Type: EventDevicesCleared})
}

func (p *Programmer) emit(ev Event) {
	p.mu.Lock()
	p.queueLocked(ev)
	p.unlock()
}
