// Command servoprog finds Feetech servos on a serial bus and changes their
// IDs.
//
// Usage:
//
//	servoprog [flags]
//
// Flags:
//
//	-config string   Configuration file path
//	-port string     Serial port (overrides serial.port)
//	-list-ports      List serial ports and exit
//	-scan            Connect, print the servos found and exit
//	-change OLD:NEW  Connect, move servo OLD to ID NEW and exit
//	-version         Print version and exit
//
// Without -list-ports, -scan or -change an interactive console starts.
//
// Examples:
//
//	# Renumber a fresh servo from the factory ID
//	servoprog -port /dev/ttyUSB0 -change 1:7
//
//	# Mirror a bench session to MQTT
//	SERVOPROG_MQTT_HOST=broker.local servoprog -config bench.yaml
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/hipsterbrown/servoprog/cmd/servoprog/interactive"
	"github.com/hipsterbrown/servoprog/internal/config"
	"github.com/hipsterbrown/servoprog/internal/journal"
	"github.com/hipsterbrown/servoprog/internal/logging"
	"github.com/hipsterbrown/servoprog/internal/mqtt"
	"github.com/hipsterbrown/servoprog/programmer"
	"github.com/hipsterbrown/servoprog/transports"
)

// Build-time variables (set via -ldflags).
var version = "dev"

type options struct {
	configFile  string
	port        string
	listPorts   bool
	scan        bool
	change      string
	showVersion bool
}

func main() {
	var opts options
	flag.StringVar(&opts.configFile, "config", "", "Configuration file path")
	flag.StringVar(&opts.port, "port", "", "Serial port (overrides serial.port)")
	flag.BoolVar(&opts.listPorts, "list-ports", false, "List serial ports and exit")
	flag.BoolVar(&opts.scan, "scan", false, "Connect, print the servos found and exit")
	flag.StringVar(&opts.change, "change", "", "Connect, move servo OLD to ID NEW and exit (OLD:NEW)")
	flag.BoolVar(&opts.showVersion, "version", false, "Print version and exit")
	flag.Parse()

	if opts.showVersion {
		fmt.Printf("servoprog %s\n", version)
		return
	}

	if err := run(opts); err != nil {
		fmt.Fprintf(os.Stderr, "servoprog: %v\n", err)
		os.Exit(1)
	}
}

func run(opts options) error {
	if opts.listPorts {
		return printPorts(os.Stdout)
	}

	cfg, err := config.Load(opts.configFile)
	if err != nil {
		return err
	}
	if opts.port != "" {
		cfg.Serial.Port = opts.port
	}

	var change *changeArgs
	if opts.change != "" {
		c, err := parseChange(opts.change)
		if err != nil {
			return err
		}
		change = &c
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logOut := &switchWriter{w: os.Stderr}
	logger := logging.NewWithWriter(cfg.Logging, version, logOut)
	if cfg.Logging.Output == "stdout" {
		logOut.Set(os.Stdout)
	}

	prog := programmer.New(programmer.Config{
		Driver: programmer.SerialDriver{
			Protocol:      cfg.Serial.ProtocolVersion(),
			Timeout:       cfg.Serial.Timeout(),
			MinCommandGap: cfg.Serial.MinCommandGap(),
		},
		BaudRate: cfg.Serial.BaudRate,
		Models:   programmer.DefaultModelNames().Merge(cfg.Models),
		Timing: programmer.Timing{
			MonitorInterval: cfg.Timing.MonitorInterval(),
			ScanPause:       delay(cfg.Timing.ScanPause()),
			SettleDelay:     delay(cfg.Timing.SettleDelay()),
			ConnectSettle:   delay(cfg.Timing.ConnectSettle()),
		},
		Logger: logger,
	})

	if cfg.Serial.Port != "" {
		if err := prog.SelectPort(cfg.Serial.Port); err != nil {
			return err
		}
	}

	var jrn *journal.Journal
	if cfg.Journal.Enabled {
		jrn, err = journal.Open(cfg.Journal.Path, cfg.Journal.BusyTimeout)
		if err != nil {
			return err
		}
		defer jrn.Close()
		prog.OnEvent(journal.NewRecorder(jrn, prog.SelectedPort, logger).Handle)
		logger.Info("journal opened", "path", jrn.Path())
	}

	if cfg.MQTT.Enabled {
		client, err := mqtt.Connect(cfg.MQTT)
		if err != nil {
			// The bench works without a dashboard.
			logger.Warn("mqtt unavailable, continuing without mirror", "error", err)
		} else {
			defer client.Close()
			mirror := mqtt.NewMirror(client, client.Topics(), prog.Devices, prog.SelectedPort, logger)
			mirror.Start()
			defer mirror.Close()
			prog.OnEvent(mirror.Handle)
			logger.Info("mqtt mirror started", "broker", cfg.MQTT.Broker.Host, "prefix", cfg.MQTT.TopicPrefix)
		}
	}

	// Registered last so the session closes while the journal and mirror
	// can still record it.
	defer prog.Disconnect()

	switch {
	case change != nil:
		return runChange(ctx, prog, cfg.Serial.Port, *change, os.Stdout)
	case opts.scan:
		return runScan(ctx, prog, cfg.Serial.Port, os.Stdout)
	}

	console, err := interactive.New(prog, jrn)
	if err != nil {
		return err
	}
	logOut.Set(console.Stderr())
	logger.Info("servoprog started", "version", version)
	console.Run(ctx, cancel)
	return nil
}

func printPorts(w io.Writer) error {
	details, err := transports.ListPortDetails()
	if err != nil {
		return err
	}
	if len(details) == 0 {
		fmt.Fprintln(w, "No serial ports found")
		return nil
	}
	for _, d := range details {
		fmt.Fprintln(w, d)
	}
	return nil
}

func runScan(ctx context.Context, prog *programmer.Programmer, port string, w io.Writer) error {
	var (
		mu   sync.Mutex
		last *programmer.ScanReport
	)
	prog.OnEvent(func(ev programmer.Event) {
		if ev.Type == programmer.EventScanFinished {
			mu.Lock()
			last = ev.Scan
			mu.Unlock()
		}
	})

	if err := prog.Connect(ctx, port); err != nil {
		return err
	}

	mu.Lock()
	report := last
	mu.Unlock()
	if report == nil {
		return errors.New("scan did not run")
	}
	if report.Outcome != programmer.ScanCompleted {
		if report.Err != nil {
			return fmt.Errorf("scan %s after %d of %d IDs: %w", report.Outcome, report.Probed, programmer.MaxID, report.Err)
		}
		return fmt.Errorf("scan %s after %d of %d IDs", report.Outcome, report.Probed, programmer.MaxID)
	}

	if len(report.Devices) == 0 {
		fmt.Fprintln(w, "No servos found")
		return nil
	}
	for _, d := range report.Devices {
		fmt.Fprintln(w, d)
	}
	return nil
}

func runChange(ctx context.Context, prog *programmer.Programmer, port string, c changeArgs, w io.Writer) error {
	if err := prog.Connect(ctx, port); err != nil {
		return err
	}

	report := prog.ChangeID(ctx, c.from, c.to, func(msg string) {
		fmt.Fprintln(w, msg)
	})
	if report.Outcome != programmer.ChangeSucceeded {
		if report.Err != nil {
			return fmt.Errorf("changing ID %d to %d: %s: %w", c.from, c.to, report.Outcome, report.Err)
		}
		return fmt.Errorf("changing ID %d to %d: %s", c.from, c.to, report.Outcome)
	}

	for _, d := range prog.Devices() {
		fmt.Fprintln(w, d)
	}
	return nil
}

// delay maps a configured wait onto programmer.Timing, where zero means
// the default and a negative value disables the wait.
func delay(d time.Duration) time.Duration {
	if d == 0 {
		return -1
	}
	return d
}

type changeArgs struct {
	from, to int
}

var errChangeSyntax = errors.New("-change expects OLD:NEW, for example 1:7")

func parseChange(s string) (changeArgs, error) {
	oldStr, newStr, ok := strings.Cut(s, ":")
	if !ok {
		return changeArgs{}, errChangeSyntax
	}
	from, err := strconv.Atoi(strings.TrimSpace(oldStr))
	if err != nil {
		return changeArgs{}, errChangeSyntax
	}
	to, err := strconv.Atoi(strings.TrimSpace(newStr))
	if err != nil {
		return changeArgs{}, errChangeSyntax
	}
	if from == to {
		return changeArgs{}, errors.New("new ID must be different from current ID")
	}
	if !programmer.ValidID(from) || !programmer.ValidID(to) {
		return changeArgs{}, fmt.Errorf("IDs must be between %d and %d", programmer.MinID, programmer.MaxID)
	}
	return changeArgs{from: from, to: to}, nil
}

// switchWriter lets log output move onto the console once it starts.
type switchWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *switchWriter) Set(w io.Writer) {
	s.mu.Lock()
	s.w = w
	s.mu.Unlock()
}

func (s *switchWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}
