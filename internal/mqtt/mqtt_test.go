package mqtt

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hipsterbrown/servoprog/internal/config"
	"github.com/hipsterbrown/servoprog/programmer"
)

type nopLogger struct{}

func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

type capture struct {
	mu   sync.Mutex
	msgs []Message
	err  error
}

func (c *capture) Publish(topic string, payload []byte, retained bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, Message{Topic: topic, Payload: payload, Retained: retained})
	return c.err
}

func (c *capture) all() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Message(nil), c.msgs...)
}

func testMQTTConfig() config.MQTTConfig {
	cfg := config.Default().MQTT
	cfg.Enabled = true
	return cfg
}

func TestBuildClientOptions(t *testing.T) {
	cfg := testMQTTConfig()
	cfg.Auth.Username = "bench"
	cfg.Auth.Password = "secret"

	opts := buildClientOptions(cfg)

	require.Len(t, opts.Servers, 1)
	assert.Equal(t, "tcp", opts.Servers[0].Scheme)
	assert.Equal(t, "localhost:1883", opts.Servers[0].Host)
	assert.Equal(t, "servoprog", opts.ClientID)
	assert.Equal(t, "bench", opts.Username)
	assert.Equal(t, "secret", opts.Password)
	assert.True(t, opts.AutoReconnect)
	assert.Equal(t, defaultConnectTimeout, opts.ConnectTimeout)

	assert.True(t, opts.WillEnabled)
	assert.Equal(t, "servoprog/online", opts.WillTopic)
	assert.Equal(t, []byte(payloadOffline), opts.WillPayload)
	assert.True(t, opts.WillRetained)
}

func TestBuildClientOptions_TLS(t *testing.T) {
	cfg := testMQTTConfig()
	cfg.Broker.TLS = true
	cfg.Broker.Port = 8883

	opts := buildClientOptions(cfg)

	require.Len(t, opts.Servers, 1)
	assert.Equal(t, "ssl", opts.Servers[0].Scheme)
	require.NotNil(t, opts.TLSConfig)
	assert.Equal(t, uint16(tlsMinVersion), opts.TLSConfig.MinVersion)
	assert.Empty(t, opts.Username)
}

func TestTopics(t *testing.T) {
	topics := Topics{Prefix: "bench/3"}
	assert.Equal(t, "bench/3/state", topics.State())
	assert.Equal(t, "bench/3/status", topics.Status())
	assert.Equal(t, "bench/3/progress", topics.Progress())
	assert.Equal(t, "bench/3/devices", topics.Devices())
	assert.Equal(t, "bench/3/events/scan", topics.Event("scan"))

	assert.Equal(t, "servoprog/online", Topics{}.Online())
}

func newTestMirror(pub Publisher, devices []programmer.Device) *Mirror {
	return NewMirror(pub, Topics{Prefix: "sp"},
		func() []programmer.Device { return devices },
		func() string { return "/dev/ttyUSB0" },
		nopLogger{})
}

func TestMirror_StateIncludesPortWhenConnected(t *testing.T) {
	m := newTestMirror(&capture{}, nil)

	msgs := m.Messages(programmer.Event{Type: programmer.EventStateChanged, State: programmer.Connected()})
	require.Len(t, msgs, 1)
	assert.Equal(t, "sp/state", msgs[0].Topic)
	assert.True(t, msgs[0].Retained)
	assert.JSONEq(t, `{"state":"connected","port":"/dev/ttyUSB0"}`, string(msgs[0].Payload))

	msgs = m.Messages(programmer.Event{Type: programmer.EventStateChanged, State: programmer.Failed("boom")})
	require.Len(t, msgs, 1)
	assert.JSONEq(t, `{"state":"error","message":"boom"}`, string(msgs[0].Payload))
}

func TestMirror_StatusIsPlainText(t *testing.T) {
	m := newTestMirror(&capture{}, nil)

	msgs := m.Messages(programmer.Event{Type: programmer.EventStatusChanged, Status: "Scanning"})
	require.Len(t, msgs, 1)
	assert.Equal(t, "sp/status", msgs[0].Topic)
	assert.Equal(t, "Scanning", string(msgs[0].Payload))
}

func TestMirror_ProgressDeduplicated(t *testing.T) {
	m := newTestMirror(&capture{}, nil)

	var published []string
	for id := 1; id <= 252; id++ {
		for _, msg := range m.Messages(programmer.Event{Type: programmer.EventProgressChanged, Progress: float64(id) / 252}) {
			published = append(published, string(msg.Payload))
		}
	}

	assert.Equal(t, "0", published[0])
	assert.Equal(t, "100", published[len(published)-1])
	assert.LessOrEqual(t, len(published), 101)
	for i := 1; i < len(published); i++ {
		assert.NotEqual(t, published[i-1], published[i])
	}
}

func TestMirror_DevicesRoster(t *testing.T) {
	devices := []programmer.Device{
		{ID: 1, ModelNumber: 777, ModelName: "STS 3215", Present: true},
		{ID: 9, ModelNumber: 1284, ModelName: "SCS 0009", Present: true},
	}
	m := newTestMirror(&capture{}, devices)

	msgs := m.Messages(programmer.Event{Type: programmer.EventDeviceFound, Device: devices[1]})
	require.Len(t, msgs, 1)
	assert.Equal(t, "sp/devices", msgs[0].Topic)

	var got []devicePayload
	require.NoError(t, json.Unmarshal(msgs[0].Payload, &got))
	assert.Equal(t, []devicePayload{
		{ID: 1, ModelNumber: 777, ModelName: "STS 3215"},
		{ID: 9, ModelNumber: 1284, ModelName: "SCS 0009"},
	}, got)
}

func TestMirror_EmptyRosterIsArray(t *testing.T) {
	m := newTestMirror(&capture{}, nil)

	msgs := m.Messages(programmer.Event{Type: programmer.EventDevicesCleared})
	require.Len(t, msgs, 1)
	assert.Equal(t, "[]", string(msgs[0].Payload))
}

func TestMirror_Reports(t *testing.T) {
	m := newTestMirror(&capture{}, nil)

	scan := &programmer.ScanReport{
		OpID:    "scan-1",
		Outcome: programmer.ScanLost,
		Probed:  43,
		Elapsed: 1500 * time.Millisecond,
		Err:     programmer.ErrConnectionLost,
	}
	msgs := m.Messages(programmer.Event{Type: programmer.EventScanFinished, Scan: scan})
	require.Len(t, msgs, 1)
	assert.Equal(t, "sp/events/scan", msgs[0].Topic)
	assert.False(t, msgs[0].Retained)
	assert.JSONEq(t, `{"op_id":"scan-1","outcome":"connection lost","devices":[],"probed":43,"elapsed_ms":1500,"error":"programmer: connection lost"}`,
		string(msgs[0].Payload))

	change := &programmer.ChangeReport{OpID: "chg-1", From: 1, To: 7, Outcome: programmer.ChangeSucceeded}
	msgs = m.Messages(programmer.Event{Type: programmer.EventIDChangeFinished, Change: change})
	require.Len(t, msgs, 1)
	assert.Equal(t, "sp/events/id_change", msgs[0].Topic)
	assert.JSONEq(t, `{"op_id":"chg-1","from":1,"to":7,"outcome":"succeeded","elapsed_ms":0}`, string(msgs[0].Payload))

	msgs = m.Messages(programmer.Event{Type: programmer.EventConnectionLost, Port: "/dev/ttyUSB0"})
	require.Len(t, msgs, 1)
	assert.Equal(t, "sp/events/connection_lost", msgs[0].Topic)
}

func TestMirror_IgnoresStepEvents(t *testing.T) {
	m := newTestMirror(&capture{}, nil)
	assert.Empty(t, m.Messages(programmer.Event{Type: programmer.EventIDChangeProgress, Status: "Writing new ID to servo..."}))
	assert.Empty(t, m.Messages(programmer.Event{Type: programmer.EventPortsChanged}))
}

func TestMirror_PublishesInOrder(t *testing.T) {
	pub := &capture{}
	m := newTestMirror(pub, nil)
	m.Start()

	m.Handle(programmer.Event{Type: programmer.EventStatusChanged, Status: "one"})
	m.Handle(programmer.Event{Type: programmer.EventStatusChanged, Status: "two"})
	m.Close()

	msgs := pub.all()
	require.Len(t, msgs, 2)
	assert.Equal(t, "one", string(msgs[0].Payload))
	assert.Equal(t, "two", string(msgs[1].Payload))

	// Events after Close are dropped
	m.Handle(programmer.Event{Type: programmer.EventStatusChanged, Status: "three"})
	m.Close()
	assert.Len(t, pub.all(), 2)
}

func TestMirror_PublishErrorsDoNotStop(t *testing.T) {
	pub := &capture{err: errors.New("broker down")}
	m := newTestMirror(pub, nil)
	m.Start()

	m.Handle(programmer.Event{Type: programmer.EventStatusChanged, Status: "one"})
	m.Handle(programmer.Event{Type: programmer.EventStatusChanged, Status: "two"})
	m.Close()

	assert.Len(t, pub.all(), 2)
}

func TestClient_PublishValidation(t *testing.T) {
	c := &Client{cfg: testMQTTConfig()}
	assert.ErrorIs(t, c.Publish("", nil, false), ErrInvalidTopic)
}
