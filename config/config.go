// Package config loads the operator-facing configuration named in spec
// §6's Configuration table and converts it into the per-connection
// conn.Config the transport layer hands to each accepted or dialed
// connection.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/yafatek/mxp-protocol/aead"
	"github.com/yafatek/mxp-protocol/conn"
)

// CongestionAlgorithm selects the congestion controller a connection runs.
type CongestionAlgorithm string

const (
	CongestionBBR   CongestionAlgorithm = "Bbr"
	CongestionCUBIC CongestionAlgorithm = "Cubic"
)

// AEADSuiteName selects the AEAD suite a connection negotiates.
type AEADSuiteName string

const (
	AEADChaCha20Poly1305 AEADSuiteName = "ChaCha20Poly1305"
	AEADAesGcm           AEADSuiteName = "AesGcm"
)

// Config is the full operator-facing configuration, loaded from YAML.
type Config struct {
	Listen string `yaml:"listen"`

	Mtu                int                 `yaml:"mtu"`
	InitialCwndBytes    int                 `yaml:"initial_cwnd_bytes"`
	BufferPoolSlots     int                 `yaml:"buffer_pool_slots"`
	BufferSlotBytes     int                 `yaml:"buffer_slot_bytes"`
	MaxStreams          int                 `yaml:"max_streams"`
	IdleTimeoutMs       int                 `yaml:"idle_timeout_ms"`
	HandshakeTimeoutMs  int                 `yaml:"handshake_timeout_ms"`
	KeyRotationPackets  uint64              `yaml:"key_rotation_packets"`
	KeyRotationSeconds  int                 `yaml:"key_rotation_seconds"`
	AeadSuite           AEADSuiteName       `yaml:"aead_suite"`
	Congestion          CongestionAlgorithm `yaml:"congestion"`
	PcapInPath          string              `yaml:"pcap_in_path"`
	PcapOutPath         string              `yaml:"pcap_out_path"`
	WorkerShards        int                 `yaml:"worker_shards"`
	SessionTicketDBPath string              `yaml:"session_ticket_db_path"`

	Metrics MetricsConfig `yaml:"metrics"`
	Logging LoggingConfig `yaml:"logging"`
}

// MetricsConfig configures the Prometheus exporter.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// LoggingConfig configures the operational log sink.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns spec §6's documented defaults.
func Default() *Config {
	return &Config{
		Listen:              "0.0.0.0:4433",
		Mtu:                 1350,
		InitialCwndBytes:    10 * 1350,
		BufferPoolSlots:     1024,
		BufferSlotBytes:     2048,
		MaxStreams:          1024,
		IdleTimeoutMs:       30000,
		HandshakeTimeoutMs:  5000,
		KeyRotationPackets:  1 << 32,
		KeyRotationSeconds:  60,
		AeadSuite:           AEADChaCha20Poly1305,
		Congestion:          CongestionBBR,
		WorkerShards:        4,
		SessionTicketDBPath: "mxp-tickets.db",
		Metrics:             MetricsConfig{Enabled: true, Listen: "127.0.0.1:9090"},
		Logging:             LoggingConfig{Level: "info", Format: "text"},
	}
}

// Load reads and validates a YAML configuration file, filling in any
// field the operator left unset with spec §6's default.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen is required")
	}
	if c.Mtu <= 0 {
		c.Mtu = 1350
	}
	if c.BufferPoolSlots <= 0 {
		c.BufferPoolSlots = 1024
	}
	if c.BufferSlotBytes <= 0 {
		c.BufferSlotBytes = 2048
	}
	if c.IdleTimeoutMs <= 0 {
		c.IdleTimeoutMs = 30000
	}
	if c.HandshakeTimeoutMs <= 0 {
		c.HandshakeTimeoutMs = 5000
	}
	if c.KeyRotationPackets == 0 {
		c.KeyRotationPackets = 1 << 32
	}
	if c.KeyRotationSeconds <= 0 {
		c.KeyRotationSeconds = 60
	}
	if c.WorkerShards <= 0 {
		c.WorkerShards = 4
	}
	switch c.AeadSuite {
	case "":
		c.AeadSuite = AEADChaCha20Poly1305
	case AEADChaCha20Poly1305, AEADAesGcm:
	default:
		return fmt.Errorf("aead_suite must be ChaCha20Poly1305 or AesGcm, got %q", c.AeadSuite)
	}
	switch c.Congestion {
	case "":
		c.Congestion = CongestionBBR
	case CongestionBBR, CongestionCUBIC:
	default:
		return fmt.Errorf("congestion must be Bbr or Cubic, got %q", c.Congestion)
	}
	return nil
}

// ConnConfig converts the operator-facing Config into the per-connection
// conn.Config the transport layer passes to conn.Connect/conn.Accept.
func (c *Config) ConnConfig() *conn.Config {
	return &conn.Config{
		Mtu:                  c.Mtu,
		InitialStreamMaxData: uint64(c.InitialCwndBytes),
		InitialConnMaxData:   uint64(c.InitialCwndBytes) * 4,
		IdleTimeout:          time.Duration(c.IdleTimeoutMs) * time.Millisecond,
		HandshakeTimeout:     time.Duration(c.HandshakeTimeoutMs) * time.Millisecond,
		KeyRotationPackets:   c.KeyRotationPackets,
		KeyRotationInterval:  time.Duration(c.KeyRotationSeconds) * time.Second,
	}
}

// AEADSuite converts AeadSuite into the aead.Suite the packet engine uses.
func (c *Config) AEADSuite() aead.Suite {
	if c.AeadSuite == AEADAesGcm {
		return aead.SuiteAesGcm
	}
	return aead.SuiteChaCha20Poly1305
}
