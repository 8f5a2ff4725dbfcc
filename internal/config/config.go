// Package config loads servoprog configuration from YAML with environment
// variable overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hipsterbrown/servoprog/feetech"
)

// Config is the root configuration structure.
type Config struct {
	Serial  SerialConfig      `yaml:"serial"`
	Timing  TimingConfig      `yaml:"timing"`
	Models  map[uint16]string `yaml:"models"`
	Logging LoggingConfig     `yaml:"logging"`
	MQTT    MQTTConfig        `yaml:"mqtt"`
	Journal JournalConfig     `yaml:"journal"`
}

// SerialConfig contains serial port and codec settings.
type SerialConfig struct {
	Port            string `yaml:"port"`
	BaudRate        int    `yaml:"baud_rate"`
	Protocol        string `yaml:"protocol"`
	TimeoutMS       int    `yaml:"timeout_ms"`
	MinCommandGapMS int    `yaml:"min_command_gap_ms"`
}

// TimingConfig contains the delays observed between bus steps, in
// milliseconds.
type TimingConfig struct {
	MonitorIntervalMS int `yaml:"monitor_interval_ms"`
	ScanPauseMS       int `yaml:"scan_pause_ms"`
	SettleDelayMS     int `yaml:"settle_delay_ms"`
	ConnectSettleMS   int `yaml:"connect_settle_ms"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// MQTTConfig contains settings for mirroring programmer events to a broker.
type MQTTConfig struct {
	Enabled     bool             `yaml:"enabled"`
	Broker      MQTTBrokerConfig `yaml:"broker"`
	Auth        MQTTAuthConfig   `yaml:"auth"`
	QoS         int              `yaml:"qos"`
	TopicPrefix string           `yaml:"topic_prefix"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// JournalConfig contains settings for the SQLite commissioning journal.
type JournalConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Path        string `yaml:"path"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// Load reads configuration from a YAML file, applies environment variable
// overrides and validates the result. An empty path skips the file and
// yields defaults plus environment.
//
// Environment variables use the SERVOPROG_ prefix, for example
// SERVOPROG_SERIAL_PORT or SERVOPROG_MQTT_HOST.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Default returns a Config with the factory settings of STS servos.
func Default() *Config {
	return &Config{
		Serial: SerialConfig{
			BaudRate:        feetech.DefaultBaudRate,
			Protocol:        "sts",
			TimeoutMS:       100,
			MinCommandGapMS: 1,
		},
		Timing: TimingConfig{
			MonitorIntervalMS: 1000,
			ScanPauseMS:       10,
			SettleDelayMS:     500,
			ConnectSettleMS:   50,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "servoprog",
			},
			QoS:         1,
			TopicPrefix: "servoprog",
		},
		Journal: JournalConfig{
			Path:        "./servoprog.db",
			BusyTimeout: 5,
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the
// configuration. Unparseable numbers are left for Validate to report.
func applyEnvOverrides(cfg *Config) {
	// Serial
	if v := os.Getenv("SERVOPROG_SERIAL_PORT"); v != "" {
		cfg.Serial.Port = v
	}
	if v := os.Getenv("SERVOPROG_SERIAL_PROTOCOL"); v != "" {
		cfg.Serial.Protocol = v
	}
	if v := os.Getenv("SERVOPROG_SERIAL_BAUD_RATE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Serial.BaudRate = n
		} else {
			cfg.Serial.BaudRate = -1
		}
	}

	// Logging
	if v := os.Getenv("SERVOPROG_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	// MQTT
	if v := os.Getenv("SERVOPROG_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
		cfg.MQTT.Enabled = true
	}
	if v := os.Getenv("SERVOPROG_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("SERVOPROG_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// Journal
	if v := os.Getenv("SERVOPROG_JOURNAL_PATH"); v != "" {
		cfg.Journal.Path = v
		cfg.Journal.Enabled = true
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	if feetech.BaudRateIndex(c.Serial.BaudRate) < 0 {
		errs = append(errs, fmt.Sprintf("serial.baud_rate %d is not a servo line speed", c.Serial.BaudRate))
	}
	if _, ok := protocols[strings.ToLower(c.Serial.Protocol)]; !ok {
		errs = append(errs, "serial.protocol must be sts or scs")
	}
	if c.Serial.TimeoutMS <= 0 {
		errs = append(errs, "serial.timeout_ms must be positive")
	}
	if c.Serial.MinCommandGapMS < 0 {
		errs = append(errs, "serial.min_command_gap_ms must not be negative")
	}

	if c.Timing.MonitorIntervalMS <= 0 {
		errs = append(errs, "timing.monitor_interval_ms must be positive")
	}
	if c.Timing.ScanPauseMS < 0 || c.Timing.SettleDelayMS < 0 || c.Timing.ConnectSettleMS < 0 {
		errs = append(errs, "timing delays must not be negative")
	}

	if c.MQTT.Enabled {
		if c.MQTT.Broker.Host == "" {
			errs = append(errs, "mqtt.broker.host is required when mqtt is enabled")
		}
		if c.MQTT.Broker.Port < 1 || c.MQTT.Broker.Port > 65535 {
			errs = append(errs, "mqtt.broker.port must be between 1 and 65535")
		}
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	if c.Journal.Enabled && c.Journal.Path == "" {
		errs = append(errs, "journal.path is required when the journal is enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

var protocols = map[string]int{
	"sts": feetech.ProtocolSTS,
	"scs": feetech.ProtocolSCS,
}

// ProtocolVersion returns the feetech protocol constant for Protocol.
func (s SerialConfig) ProtocolVersion() int {
	return protocols[strings.ToLower(s.Protocol)]
}

// Timeout returns the per-exchange timeout as a Duration.
func (s SerialConfig) Timeout() time.Duration {
	return time.Duration(s.TimeoutMS) * time.Millisecond
}

// MinCommandGap returns the inter-packet gap as a Duration.
func (s SerialConfig) MinCommandGap() time.Duration {
	return time.Duration(s.MinCommandGapMS) * time.Millisecond
}

// MonitorInterval returns the liveness check period as a Duration.
func (t TimingConfig) MonitorInterval() time.Duration {
	return time.Duration(t.MonitorIntervalMS) * time.Millisecond
}

// ScanPause returns the scan pacing delay as a Duration.
func (t TimingConfig) ScanPause() time.Duration {
	return time.Duration(t.ScanPauseMS) * time.Millisecond
}

// SettleDelay returns the post-write settle delay as a Duration.
func (t TimingConfig) SettleDelay() time.Duration {
	return time.Duration(t.SettleDelayMS) * time.Millisecond
}

// ConnectSettle returns the post-connect settle delay as a Duration.
func (t TimingConfig) ConnectSettle() time.Duration {
	return time.Duration(t.ConnectSettleMS) * time.Millisecond
}
