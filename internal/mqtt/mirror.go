package mqtt

import (
	"encoding/json"
	"math"
	"strconv"
	"sync"

	"github.com/hipsterbrown/servoprog/programmer"
)

// mirrorQueueSize bounds the messages waiting for the broker. Events that
// arrive while the queue is full are dropped.
const mirrorQueueSize = 256

// Publisher sends one message. *Client satisfies it.
type Publisher interface {
	Publish(topic string, payload []byte, retained bool) error
}

// Logger is the logging surface the mirror needs.
type Logger interface {
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Message is a single outbound publish.
type Message struct {
	Topic    string
	Payload  []byte
	Retained bool
}

type statePayload struct {
	State   string `json:"state"`
	Message string `json:"message,omitempty"`
	Port    string `json:"port,omitempty"`
}

type devicePayload struct {
	ID          int    `json:"id"`
	ModelNumber uint16 `json:"model_number"`
	ModelName   string `json:"model_name"`
}

type scanPayload struct {
	OpID      string          `json:"op_id"`
	Outcome   string          `json:"outcome"`
	Devices   []devicePayload `json:"devices"`
	Probed    int             `json:"probed"`
	ElapsedMS int64           `json:"elapsed_ms"`
	Error     string          `json:"error,omitempty"`
}

type changePayload struct {
	OpID      string `json:"op_id"`
	From      int    `json:"from"`
	To        int    `json:"to"`
	Outcome   string `json:"outcome"`
	ElapsedMS int64  `json:"elapsed_ms"`
	Error     string `json:"error,omitempty"`
}

type lostPayload struct {
	Port string `json:"port"`
}

// Mirror republishes Programmer events. Register Handle with
// Programmer.OnEvent; publishing happens on the mirror's own goroutine so a
// slow broker never stalls a scan.
type Mirror struct {
	pub    Publisher
	topics Topics
	roster func() []programmer.Device
	port   func() string
	logger Logger

	queue chan Message
	done  chan struct{}

	mu          sync.Mutex
	closed      bool
	lastPercent int
}

// NewMirror creates a mirror. roster and port are read when the device list
// or connection state is republished, typically Programmer.Devices and
// Programmer.SelectedPort.
func NewMirror(pub Publisher, topics Topics, roster func() []programmer.Device, port func() string, logger Logger) *Mirror {
	return &Mirror{
		pub:         pub,
		topics:      topics,
		roster:      roster,
		port:        port,
		logger:      logger,
		queue:       make(chan Message, mirrorQueueSize),
		done:        make(chan struct{}),
		lastPercent: -1,
	}
}

// Start begins publishing queued messages.
func (m *Mirror) Start() {
	go func() {
		defer close(m.done)
		for msg := range m.queue {
			if err := m.pub.Publish(msg.Topic, msg.Payload, msg.Retained); err != nil {
				m.logger.Warn("mqtt publish failed", "topic", msg.Topic, "error", err)
			}
		}
	}()
}

// Close stops accepting events and waits for queued messages to be sent.
func (m *Mirror) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	close(m.queue)
	m.mu.Unlock()
	<-m.done
}

// Handle is a programmer.EventHandler.
func (m *Mirror) Handle(ev programmer.Event) {
	for _, msg := range m.Messages(ev) {
		m.enqueue(msg)
	}
}

func (m *Mirror) enqueue(msg Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	select {
	case m.queue <- msg:
	default:
		m.logger.Warn("mqtt queue full, dropping message", "topic", msg.Topic)
	}
}

// Messages translates an event into the publishes that mirror it. Progress
// is published in whole percent and repeats are suppressed.
func (m *Mirror) Messages(ev programmer.Event) []Message {
	switch ev.Type {
	case programmer.EventStateChanged:
		p := statePayload{State: ev.State.State.String(), Message: ev.State.Message}
		if ev.State.IsConnected() && m.port != nil {
			p.Port = m.port()
		}
		return m.jsonMessage(m.topics.State(), p, true)

	case programmer.EventStatusChanged:
		return []Message{{Topic: m.topics.Status(), Payload: []byte(ev.Status), Retained: true}}

	case programmer.EventProgressChanged:
		percent := int(math.Round(ev.Progress * 100))
		m.mu.Lock()
		repeat := percent == m.lastPercent
		m.lastPercent = percent
		m.mu.Unlock()
		if repeat {
			return nil
		}
		return []Message{{Topic: m.topics.Progress(), Payload: []byte(strconv.Itoa(percent)), Retained: true}}

	case programmer.EventDeviceFound, programmer.EventDevicesCleared:
		var devices []programmer.Device
		if m.roster != nil {
			devices = m.roster()
		}
		return m.jsonMessage(m.topics.Devices(), devicePayloads(devices), true)

	case programmer.EventConnectionLost:
		return m.jsonMessage(m.topics.Event("connection_lost"), lostPayload{Port: ev.Port}, false)

	case programmer.EventScanFinished:
		if ev.Scan == nil {
			return nil
		}
		return m.jsonMessage(m.topics.Event("scan"), scanReportPayload(*ev.Scan), false)

	case programmer.EventIDChangeFinished:
		if ev.Change == nil {
			return nil
		}
		r := ev.Change
		p := changePayload{
			OpID:      r.OpID,
			From:      r.From,
			To:        r.To,
			Outcome:   r.Outcome.String(),
			ElapsedMS: r.Elapsed.Milliseconds(),
		}
		if r.Err != nil {
			p.Error = r.Err.Error()
		}
		return m.jsonMessage(m.topics.Event("id_change"), p, false)
	}
	return nil
}

func (m *Mirror) jsonMessage(topic string, v any, retained bool) []Message {
	payload, err := json.Marshal(v)
	if err != nil {
		m.logger.Error("mqtt payload encoding failed", "topic", topic, "error", err)
		return nil
	}
	return []Message{{Topic: topic, Payload: payload, Retained: retained}}
}

func devicePayloads(devices []programmer.Device) []devicePayload {
	out := make([]devicePayload, 0, len(devices))
	for _, d := range devices {
		out = append(out, devicePayload{ID: d.ID, ModelNumber: d.ModelNumber, ModelName: d.ModelName})
	}
	return out
}

func scanReportPayload(r programmer.ScanReport) scanPayload {
	p := scanPayload{
		OpID:      r.OpID,
		Outcome:   r.Outcome.String(),
		Devices:   devicePayloads(r.Devices),
		Probed:    r.Probed,
		ElapsedMS: r.Elapsed.Milliseconds(),
	}
	if r.Err != nil {
		p.Error = r.Err.Error()
	}
	return p
}
