package main

import (
	"context"
	"flag"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/navrelay/internal/config"
	"github.com/banshee-data/navrelay/internal/ingest"
)

func parseFlags(t *testing.T, args ...string) (*relayFlags, *flag.FlagSet) {
	t.Helper()
	fs := flag.NewFlagSet("navrelay", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	f := registerFlags(fs)
	require.NoError(t, fs.Parse(args))
	return f, fs
}

func TestResolveConfig_Defaults(t *testing.T) {
	f, fs := parseFlags(t)
	cfg, err := resolveConfig(f, fs)
	require.NoError(t, err)

	assert.Equal(t, ":4210", cfg.GetUDPListen())
	assert.Equal(t, ":8765", cfg.GetWSListen())
	assert.Equal(t, "localhost:8080", cfg.GetAdminListen())
	assert.Equal(t, 30*time.Second, cfg.GetLogInterval())
	assert.Empty(t, cfg.GetPCAPFile())
	assert.Empty(t, cfg.GetSerialPort())
}

func TestResolveConfig_FlagsOverrideFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
  "udp_listen": "127.0.0.1:5000",
  "ws_listen": ":9000",
  "subscriber_queue": 16
}`), 0o644))

	f, fs := parseFlags(t, "-config", path, "-ws-listen", ":9100", "-admin-listen", "", "-log-interval", "5s")
	cfg, err := resolveConfig(f, fs)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:5000", cfg.GetUDPListen(), "unset flag keeps file value")
	assert.Equal(t, ":9100", cfg.GetWSListen())
	assert.Equal(t, "", cfg.GetAdminListen())
	assert.Equal(t, 16, cfg.GetSubscriberQueue())
	assert.Equal(t, 5*time.Second, cfg.GetLogInterval())
}

func TestResolveConfig_Errors(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"missing config", []string{"-config", "/nonexistent/relay.json"}},
		{"bad udp address", []string{"-udp-listen", "4210"}},
		{"pcap and serial", []string{"-pcap", "a.pcap", "-serial", "/dev/ttyUSB0"}},
		{"zero baud", []string{"-serial-baud", "0"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, fs := parseFlags(t, tt.args...)
			_, err := resolveConfig(f, fs)
			assert.Error(t, err)
		})
	}
}

func TestUDPPort(t *testing.T) {
	port, err := udpPort(":4210")
	require.NoError(t, err)
	assert.Equal(t, 4210, port)

	port, err = udpPort("127.0.0.1:9999")
	require.NoError(t, err)
	assert.Equal(t, 9999, port)

	_, err = udpPort("4210")
	assert.Error(t, err)
	_, err = udpPort(":http")
	assert.Error(t, err)
}

func TestNewIngestSource_UDPBindConflict(t *testing.T) {
	occupied, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer occupied.Close()

	cfg := config.EmptyRelayConfig()
	addr := occupied.LocalAddr().String()
	cfg.UDPListen = &addr

	_, err = newIngestSource(cfg, ingest.SinkFunc(func([]byte) {}))
	assert.ErrorIs(t, err, ingest.ErrBind)
}

func TestNewIngestSource_UDP(t *testing.T) {
	cfg := config.EmptyRelayConfig()
	addr := "127.0.0.1:0"
	cfg.UDPListen = &addr

	src, err := newIngestSource(cfg, ingest.SinkFunc(func([]byte) {}))
	require.NoError(t, err)
	assert.Equal(t, "udp", src.stats.Source())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- src.run(ctx) }()
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	assert.NoError(t, src.close())
}

func TestNewIngestSource_MissingPCAP(t *testing.T) {
	cfg := config.EmptyRelayConfig()
	path := filepath.Join(t.TempDir(), "absent.pcap")
	cfg.PCAPFile = &path

	_, err := newIngestSource(cfg, ingest.SinkFunc(func([]byte) {}))
	assert.Error(t, err)
}

func TestSerialOptions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
  "serial_data_bits": 7,
  "serial_stop_bits": 2,
  "serial_parity": "O"
}`), 0o644))

	f, fs := parseFlags(t, "-config", path, "-serial", "/dev/ttyUSB0", "-serial-baud", "9600")
	cfg, err := resolveConfig(f, fs)
	require.NoError(t, err)

	opts := serialOptions(cfg)
	assert.Equal(t, ingest.PortOptions{BaudRate: 9600, DataBits: 7, StopBits: 2, Parity: "O"}, opts)

	mode, err := opts.SerialMode()
	require.NoError(t, err)
	assert.Equal(t, 7, mode.DataBits)
}

func TestSerialOptions_Defaults(t *testing.T) {
	opts := serialOptions(config.EmptyRelayConfig())
	assert.Equal(t, ingest.PortOptions{BaudRate: 115200, DataBits: 8, StopBits: 1, Parity: "N"}, opts)
}
