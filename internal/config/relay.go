package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Defaults for the relay endpoints and delivery queue.
const (
	DefaultUDPListen       = ":4210"
	DefaultWSListen        = ":8765"
	DefaultAdminListen     = "localhost:8080"
	DefaultMaxPayloadBytes = 512
	DefaultSubscriberQueue = 64
	DefaultLogEveryPackets = 250
	DefaultSerialBaud      = 115200
	DefaultSerialDataBits  = 8
	DefaultSerialStopBits  = 1
	DefaultSerialParity    = "N"

	// maxUDPPayload is the largest payload a single IPv4 UDP datagram can carry.
	maxUDPPayload = 65507
)

// RelayConfig is the on-disk configuration for the relay. Every field is
// optional: the Get* accessors fall back to the defaults above so that a
// partial (or absent) file is safe.
type RelayConfig struct {
	// Endpoints
	UDPListen   *string `json:"udp_listen,omitempty"`
	WSListen    *string `json:"ws_listen,omitempty"`
	AdminListen *string `json:"admin_listen,omitempty"` // "" disables the admin server

	// Ingestion
	MaxPayloadBytes    *int    `json:"max_payload_bytes,omitempty"`
	ReceiveBufferBytes *int    `json:"receive_buffer_bytes,omitempty"`
	TransientBackoff   *string `json:"transient_backoff,omitempty"` // duration string like "1ms"

	// Delivery
	SubscriberQueue *int    `json:"subscriber_queue,omitempty"`
	WriteTimeout    *string `json:"write_timeout,omitempty"` // duration string like "2s"
	PingInterval    *string `json:"ping_interval,omitempty"`

	// Observability
	LogInterval     *string `json:"log_interval,omitempty"`
	LogEveryPackets *int    `json:"log_every_packets,omitempty"`

	// Alternative sources
	PCAPFile     *string `json:"pcap_file,omitempty"`
	PCAPRealtime *bool   `json:"pcap_realtime,omitempty"`
	SerialPort   *string `json:"serial_port,omitempty"`
	SerialBaud   *int    `json:"serial_baud,omitempty"`

	SerialDataBits *int    `json:"serial_data_bits,omitempty"`
	SerialStopBits *int    `json:"serial_stop_bits,omitempty"`
	SerialParity   *string `json:"serial_parity,omitempty"` // "N", "E" or "O"
}

// Helper functions to create pointers
func ptrString(v string) *string { return &v }
func ptrInt(v int) *int          { return &v }
func ptrBool(v bool) *bool       { return &v }

// EmptyRelayConfig returns a RelayConfig with all fields unset.
func EmptyRelayConfig() *RelayConfig {
	return &RelayConfig{}
}

// DefaultRelayConfig returns a RelayConfig with every field populated
// with its default value.
func DefaultRelayConfig() *RelayConfig {
	return &RelayConfig{
		UDPListen:          ptrString(DefaultUDPListen),
		WSListen:           ptrString(DefaultWSListen),
		AdminListen:        ptrString(DefaultAdminListen),
		MaxPayloadBytes:    ptrInt(DefaultMaxPayloadBytes),
		ReceiveBufferBytes: ptrInt(0),
		TransientBackoff:   ptrString("1ms"),
		SubscriberQueue:    ptrInt(DefaultSubscriberQueue),
		WriteTimeout:       ptrString("2s"),
		PingInterval:       ptrString("20s"),
		LogInterval:        ptrString("30s"),
		LogEveryPackets:    ptrInt(DefaultLogEveryPackets),
		PCAPFile:           ptrString(""),
		PCAPRealtime:       ptrBool(false),
		SerialPort:         ptrString(""),
		SerialBaud:         ptrInt(DefaultSerialBaud),
		SerialDataBits:     ptrInt(DefaultSerialDataBits),
		SerialStopBits:     ptrInt(DefaultSerialStopBits),
		SerialParity:       ptrString(DefaultSerialParity),
	}
}

// LoadRelayConfig loads a RelayConfig from a JSON file.
// The file must have a .json extension, be under 1MB and contain only
// known fields.
func LoadRelayConfig(path string) (*RelayConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyRelayConfig()
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that the configuration values are valid.
func (c *RelayConfig) Validate() error {
	for name, addr := range map[string]*string{
		"udp_listen": c.UDPListen,
		"ws_listen":  c.WSListen,
	} {
		if addr == nil {
			continue
		}
		if _, _, err := net.SplitHostPort(*addr); err != nil {
			return fmt.Errorf("invalid %s %q: %w", name, *addr, err)
		}
	}
	if c.AdminListen != nil && *c.AdminListen != "" {
		if _, _, err := net.SplitHostPort(*c.AdminListen); err != nil {
			return fmt.Errorf("invalid admin_listen %q: %w", *c.AdminListen, err)
		}
	}

	if c.MaxPayloadBytes != nil {
		if *c.MaxPayloadBytes < 1 || *c.MaxPayloadBytes > maxUDPPayload {
			return fmt.Errorf("max_payload_bytes must be between 1 and %d, got %d", maxUDPPayload, *c.MaxPayloadBytes)
		}
	}
	if c.ReceiveBufferBytes != nil && *c.ReceiveBufferBytes < 0 {
		return fmt.Errorf("receive_buffer_bytes must be non-negative, got %d", *c.ReceiveBufferBytes)
	}
	if c.SubscriberQueue != nil && *c.SubscriberQueue < 1 {
		return fmt.Errorf("subscriber_queue must be at least 1, got %d", *c.SubscriberQueue)
	}
	if c.LogEveryPackets != nil && *c.LogEveryPackets < 0 {
		return fmt.Errorf("log_every_packets must be non-negative, got %d", *c.LogEveryPackets)
	}
	if c.SerialBaud != nil && *c.SerialBaud <= 0 {
		return fmt.Errorf("serial_baud must be positive, got %d", *c.SerialBaud)
	}

	if c.SerialDataBits != nil && (*c.SerialDataBits < 5 || *c.SerialDataBits > 8) {
		return fmt.Errorf("serial_data_bits must be between 5 and 8, got %d", *c.SerialDataBits)
	}
	if c.SerialStopBits != nil && *c.SerialStopBits != 1 && *c.SerialStopBits != 2 {
		return fmt.Errorf("serial_stop_bits must be 1 or 2, got %d", *c.SerialStopBits)
	}
	if c.SerialParity != nil {
		switch strings.ToUpper(strings.TrimSpace(*c.SerialParity)) {
		case "", "N", "E", "O":
		default:
			return fmt.Errorf("serial_parity must be N, E or O, got %q", *c.SerialParity)
		}
	}

	for name, d := range map[string]*string{
		"transient_backoff": c.TransientBackoff,
		"write_timeout":     c.WriteTimeout,
		"ping_interval":     c.PingInterval,
		"log_interval":      c.LogInterval,
	} {
		if d == nil || *d == "" {
			continue
		}
		parsed, err := time.ParseDuration(*d)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", name, *d, err)
		}
		if parsed < 0 {
			return fmt.Errorf("%s must be non-negative, got %s", name, *d)
		}
	}

	if c.PCAPFile != nil && *c.PCAPFile != "" && c.SerialPort != nil && *c.SerialPort != "" {
		return fmt.Errorf("pcap_file and serial_port are mutually exclusive")
	}

	return nil
}

func durationOr(v *string, def time.Duration) time.Duration {
	if v == nil || *v == "" {
		return def
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return def // default on parse error
	}
	return d
}

func stringOr(v *string, def string) string {
	if v == nil {
		return def
	}
	return *v
}

func intOr(v *int, def int) int {
	if v == nil {
		return def
	}
	return *v
}

// GetUDPListen returns the datagram listen address.
func (c *RelayConfig) GetUDPListen() string { return stringOr(c.UDPListen, DefaultUDPListen) }

// GetWSListen returns the WebSocket listen address.
func (c *RelayConfig) GetWSListen() string { return stringOr(c.WSListen, DefaultWSListen) }

// GetAdminListen returns the admin listen address; empty means disabled.
func (c *RelayConfig) GetAdminListen() string { return stringOr(c.AdminListen, DefaultAdminListen) }

// GetMaxPayloadBytes returns the receive buffer size for one datagram.
func (c *RelayConfig) GetMaxPayloadBytes() int {
	return intOr(c.MaxPayloadBytes, DefaultMaxPayloadBytes)
}

// GetReceiveBufferBytes returns the OS socket buffer size; 0 leaves the OS default.
func (c *RelayConfig) GetReceiveBufferBytes() int { return intOr(c.ReceiveBufferBytes, 0) }

// GetTransientBackoff returns the pause after a transient receive error.
func (c *RelayConfig) GetTransientBackoff() time.Duration {
	return durationOr(c.TransientBackoff, time.Millisecond)
}

// GetSubscriberQueue returns the per-subscriber outbound queue depth.
func (c *RelayConfig) GetSubscriberQueue() int {
	return intOr(c.SubscriberQueue, DefaultSubscriberQueue)
}

// GetWriteTimeout returns the per-message write deadline.
func (c *RelayConfig) GetWriteTimeout() time.Duration {
	return durationOr(c.WriteTimeout, 2*time.Second)
}

// GetPingInterval returns the keepalive ping interval.
func (c *RelayConfig) GetPingInterval() time.Duration {
	return durationOr(c.PingInterval, 20*time.Second)
}

// GetLogInterval returns the periodic stats report interval.
func (c *RelayConfig) GetLogInterval() time.Duration {
	return durationOr(c.LogInterval, 30*time.Second)
}

// GetLogEveryPackets returns how many relayed payloads trigger a progress line.
func (c *RelayConfig) GetLogEveryPackets() int {
	return intOr(c.LogEveryPackets, DefaultLogEveryPackets)
}

// GetPCAPFile returns the capture file to replay instead of listening.
func (c *RelayConfig) GetPCAPFile() string { return stringOr(c.PCAPFile, "") }

// GetPCAPRealtime reports whether replay honours recorded packet gaps.
func (c *RelayConfig) GetPCAPRealtime() bool {
	if c.PCAPRealtime == nil {
		return false
	}
	return *c.PCAPRealtime
}

// GetSerialPort returns the serial device to read records from.
func (c *RelayConfig) GetSerialPort() string { return stringOr(c.SerialPort, "") }

// GetSerialBaud returns the serial baud rate.
func (c *RelayConfig) GetSerialBaud() int { return intOr(c.SerialBaud, DefaultSerialBaud) }

// GetSerialDataBits returns the serial data bits per character.
func (c *RelayConfig) GetSerialDataBits() int {
	return intOr(c.SerialDataBits, DefaultSerialDataBits)
}

// GetSerialStopBits returns the serial stop bits.
func (c *RelayConfig) GetSerialStopBits() int {
	return intOr(c.SerialStopBits, DefaultSerialStopBits)
}

// GetSerialParity returns the serial parity letter.
func (c *RelayConfig) GetSerialParity() string {
	return stringOr(c.SerialParity, DefaultSerialParity)
}
