// Package interactive provides the interactive command-line interface
// for servoprog.
package interactive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/chzyer/readline"

	"github.com/hipsterbrown/servoprog/internal/journal"
	"github.com/hipsterbrown/servoprog/programmer"
	"github.com/hipsterbrown/servoprog/transports"
)

// Console is the interactive servo programming shell.
type Console struct {
	prog    *programmer.Programmer
	journal *journal.Journal
	rl      *readline.Instance

	// Background operations (connect, scan, changeid)
	ctx context.Context
	wg  sync.WaitGroup

	listPorts func() ([]transports.PortDetail, error)
}

// New creates a console for prog. j may be nil when the journal is disabled.
func New(prog *programmer.Programmer, j *journal.Journal) (*Console, error) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "servoprog> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create readline: %w", err)
	}

	c := &Console{
		prog:      prog,
		journal:   j,
		rl:        rl,
		ctx:       context.Background(),
		listPorts: transports.ListPortDetails,
	}

	prog.OnEvent(c.handleEvent)

	return c, nil
}

// Stdout returns a writer that properly coordinates with the readline input.
// Use this for log output to avoid interfering with the command prompt.
func (c *Console) Stdout() io.Writer {
	return c.rl.Stdout()
}

// Stderr returns a writer that properly coordinates with the readline input.
func (c *Console) Stderr() io.Writer {
	return c.rl.Stderr()
}

// Run starts the interactive command loop. It returns after quit, EOF or
// ctx cancellation, once background operations have stopped.
func (c *Console) Run(ctx context.Context, cancel context.CancelFunc) {
	defer c.rl.Close()
	c.ctx = ctx

	c.printHelp()
	c.cmdPorts()

	for {
		select {
		case <-ctx.Done():
			c.shutdown()
			return
		default:
		}

		line, err := c.rl.Readline()
		if err != nil {
			// EOF or interrupt
			if err == readline.ErrInterrupt {
				continue
			}
			fmt.Fprintln(c.rl.Stdout(), "Exiting...")
			cancel()
			c.shutdown()
			return
		}

		if !c.dispatch(line) {
			fmt.Fprintln(c.rl.Stdout(), "Exiting...")
			cancel()
			c.shutdown()
			return
		}
	}
}

// dispatch runs one command line and reports whether the loop should
// continue.
func (c *Console) dispatch(line string) bool {
	input := strings.TrimSpace(line)
	if input == "" {
		return true
	}

	parts := strings.Fields(input)
	cmd := strings.ToLower(parts[0])
	args := parts[1:]

	switch cmd {
	case "help", "?":
		c.printHelp()

	case "ports", "p":
		c.cmdPorts()

	case "select", "sel":
		c.cmdSelect(args)

	case "connect", "c":
		c.cmdConnect(args)

	case "disconnect", "d":
		c.cmdDisconnect()

	case "scan", "s":
		c.cmdScan()

	case "list", "ls":
		c.cmdList()

	case "changeid", "id":
		c.cmdChangeID(args)

	case "status", "st":
		c.cmdStatus()

	case "history", "h":
		c.cmdHistory(args)

	case "quit", "exit", "q":
		return false

	default:
		fmt.Fprintf(c.rl.Stdout(), "Unknown command: %s (type 'help' for commands)\n", cmd)
	}
	return true
}

func (c *Console) printHelp() {
	fmt.Fprintln(c.rl.Stdout(), `
Servo Programmer Commands:
  Connection:
    ports                 - List serial ports
    select <port>         - Choose the port to connect to
    connect [port]        - Open the port and scan for servos
    disconnect            - Close the port
    status                - Show connection state and roster size

  Servos:
    scan                  - Rescan IDs 1-252
    list                  - Show discovered servos
    changeid <old> <new>  - Move the servo at <old> to ID <new>

  Other:
    history [n]           - Show recent journal entries
    help                  - Show this help
    quit                  - Exit`)
}

// background runs fn on its own goroutine so the prompt stays responsive.
func (c *Console) background(fn func(ctx context.Context)) {
	ctx := c.ctx
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		fn(ctx)
	}()
}

func (c *Console) shutdown() {
	c.prog.Disconnect()
	c.wg.Wait()
}

func (c *Console) cmdPorts() {
	details, err := c.listPorts()
	if err != nil {
		fmt.Fprintf(c.rl.Stdout(), "Error: %v\n", err)
		return
	}
	if _, err := c.prog.RefreshPorts(); err != nil {
		fmt.Fprintf(c.rl.Stdout(), "Error: %v\n", err)
	}

	if len(details) == 0 {
		fmt.Fprintln(c.rl.Stdout(), "No serial ports found")
		return
	}

	selected := c.prog.SelectedPort()
	fmt.Fprintln(c.rl.Stdout(), "Serial ports:")
	for _, d := range details {
		marker := " "
		if d.Name == selected {
			marker = "*"
		}
		fmt.Fprintf(c.rl.Stdout(), "  %s %s\n", marker, d)
	}
}

func (c *Console) cmdSelect(args []string) {
	if len(args) != 1 {
		fmt.Fprintln(c.rl.Stdout(), "Usage: select <port>")
		return
	}
	if err := c.prog.SelectPort(args[0]); err != nil {
		fmt.Fprintf(c.rl.Stdout(), "Error: %v\n", err)
		return
	}
	fmt.Fprintf(c.rl.Stdout(), "Selected %s\n", args[0])
}

func (c *Console) cmdConnect(args []string) {
	port := ""
	if len(args) > 0 {
		port = args[0]
	}
	if !c.prog.State().CanConnect() {
		fmt.Fprintln(c.rl.Stdout(), "Already connected (use 'disconnect' first)")
		return
	}

	c.background(func(ctx context.Context) {
		err := c.prog.Connect(ctx, port)
		switch {
		case err == nil:
			fmt.Fprintf(c.rl.Stdout(), "%d servo(s) found\n", len(c.prog.Devices()))
		case errors.Is(err, context.Canceled):
		default:
			fmt.Fprintf(c.rl.Stdout(), "Connect failed: %v\n", err)
		}
	})
}

func (c *Console) cmdDisconnect() {
	c.prog.Disconnect()
}

func (c *Console) cmdScan() {
	if !c.prog.State().IsConnected() {
		fmt.Fprintln(c.rl.Stdout(), "Not connected")
		return
	}
	c.background(func(ctx context.Context) {
		report := c.prog.Scan(ctx)
		fmt.Fprintf(c.rl.Stdout(), "Scan %s: %d servo(s) in %v\n",
			report.Outcome, len(report.Devices), report.Elapsed.Round(time.Millisecond))
	})
}

func (c *Console) cmdList() {
	devices := c.prog.Devices()
	if len(devices) == 0 {
		fmt.Fprintln(c.rl.Stdout(), "No servos found")
		return
	}
	fmt.Fprintln(c.rl.Stdout(), "Servos:")
	for _, d := range devices {
		fmt.Fprintf(c.rl.Stdout(), "  %s\n", d)
	}
}

func (c *Console) cmdChangeID(args []string) {
	current, requested, err := parseChangeID(args)
	if err != nil {
		fmt.Fprintln(c.rl.Stdout(), err)
		return
	}

	c.background(func(ctx context.Context) {
		c.prog.ChangeID(ctx, current, requested, nil)
	})
}

// parseChangeID validates the arguments of the changeid command. The error
// text is shown to the operator as is.
func parseChangeID(args []string) (current, requested int, err error) {
	if len(args) != 2 {
		return 0, 0, errors.New("Usage: changeid <old> <new>")
	}
	current, err = strconv.Atoi(args[0])
	if err != nil {
		return 0, 0, fmt.Errorf("Invalid current ID: %s", args[0])
	}
	requested, err = strconv.Atoi(args[1])
	if err != nil {
		return 0, 0, fmt.Errorf("Invalid new ID: %s", args[1])
	}
	if current == requested {
		return 0, 0, errors.New("New ID must be different from current ID")
	}
	if !programmer.ValidID(requested) {
		return 0, 0, fmt.Errorf("Invalid ID. Must be between %d and %d.", programmer.MinID, programmer.MaxID)
	}
	return current, requested, nil
}

func (c *Console) cmdStatus() {
	state := c.prog.State()
	fmt.Fprintf(c.rl.Stdout(), "State:    %s\n", state.StatusText())
	if port := c.prog.SelectedPort(); port != "" {
		fmt.Fprintf(c.rl.Stdout(), "Port:     %s\n", port)
	}
	fmt.Fprintf(c.rl.Stdout(), "Status:   %s\n", c.prog.Status())
	if c.prog.Scanning() {
		fmt.Fprintf(c.rl.Stdout(), "Scanning: %.0f%%\n", c.prog.Progress()*100)
	}
	if c.prog.ChangingID() {
		fmt.Fprintln(c.rl.Stdout(), "Changing: ID change in progress")
	}
	fmt.Fprintf(c.rl.Stdout(), "Servos:   %d\n", len(c.prog.Devices()))
}

func (c *Console) cmdHistory(args []string) {
	if c.journal == nil {
		fmt.Fprintln(c.rl.Stdout(), "Journal is disabled (set journal.enabled in the config)")
		return
	}

	limit, err := parseHistoryLimit(args)
	if err != nil {
		fmt.Fprintln(c.rl.Stdout(), err)
		return
	}

	entries, err := c.journal.List(c.ctx, journal.Filter{Limit: limit})
	if err != nil {
		fmt.Fprintf(c.rl.Stdout(), "Error: %v\n", err)
		return
	}
	if len(entries) == 0 {
		fmt.Fprintln(c.rl.Stdout(), "No journal entries")
		return
	}
	for _, e := range entries {
		line := fmt.Sprintf("  %s  %-15s", e.CreatedAt.Local().Format("2006-01-02 15:04:05"), e.Kind)
		if e.Outcome != "" {
			line += " " + e.Outcome
		}
		if e.Port != "" {
			line += " (" + e.Port + ")"
		}
		fmt.Fprintln(c.rl.Stdout(), line)
	}
}

// defaultHistoryLimit is the number of journal entries history shows.
const defaultHistoryLimit = 10

// parseHistoryLimit reads the optional entry count of the history command.
func parseHistoryLimit(args []string) (int, error) {
	if len(args) == 0 {
		return defaultHistoryLimit, nil
	}
	n, err := strconv.Atoi(args[0])
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("Invalid count: %s", args[0])
	}
	return n, nil
}

// handleEvent prints programmer events above the prompt.
func (c *Console) handleEvent(ev programmer.Event) {
	if line := formatEvent(ev); line != "" {
		fmt.Fprintln(c.rl.Stdout(), line)
	}
}

// formatEvent renders the events an operator follows. Progress and roster
// events are left to the status line, which already names each servo.
func formatEvent(ev programmer.Event) string {
	switch ev.Type {
	case programmer.EventStatusChanged:
		return "[status] " + ev.Status
	case programmer.EventIDChangeProgress:
		return "[changeid] " + ev.Status
	case programmer.EventConnectionLost:
		return fmt.Sprintf("[!] Connection to %s lost", ev.Port)
	case programmer.EventStateChanged:
		if ev.State.State == programmer.StateError {
			return "[!] " + ev.State.StatusText()
		}
	}
	return ""
}
