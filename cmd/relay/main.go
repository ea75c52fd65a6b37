// Command navrelay receives navigation telemetry datagrams and fans each
// record out to every connected dashboard over WebSocket.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/banshee-data/navrelay/internal/config"
	"github.com/banshee-data/navrelay/internal/ingest"
	"github.com/banshee-data/navrelay/internal/relay"
	"github.com/banshee-data/navrelay/internal/version"
)

// relayFlags holds the command-line overrides. Only flags the user sets
// explicitly replace values from the config file.
type relayFlags struct {
	configFile   *string
	udpListen    *string
	wsListen     *string
	adminListen  *string
	pcapFile     *string
	pcapRealtime *bool
	serialPort   *string
	serialBaud   *int
	logInterval  *time.Duration
	showVersion  *bool
}

func registerFlags(fs *flag.FlagSet) *relayFlags {
	return &relayFlags{
		configFile:   fs.String("config", "", "Path to a JSON relay config file"),
		udpListen:    fs.String("udp-listen", config.DefaultUDPListen, "UDP address to receive navigation datagrams on"),
		wsListen:     fs.String("ws-listen", config.DefaultWSListen, "WebSocket address dashboards connect to"),
		adminListen:  fs.String("admin-listen", config.DefaultAdminListen, "Admin HTTP address for /metrics and /debug (empty disables)"),
		pcapFile:     fs.String("pcap", "", "Replay UDP payloads from a pcap or pcapng file instead of listening"),
		pcapRealtime: fs.Bool("pcap-realtime", false, "Honour recorded packet gaps during -pcap replay"),
		serialPort:   fs.String("serial", "", "Read newline-terminated records from a serial device instead of UDP"),
		serialBaud:   fs.Int("serial-baud", config.DefaultSerialBaud, "Baud rate for -serial"),
		logInterval:  fs.Duration("log-interval", 30*time.Second, "Interval between stats reports (0 disables)"),
		showVersion:  fs.Bool("version", false, "Print version information and exit"),
	}
}

// resolveConfig loads the config file, if any, and applies the flags that
// were set on fs on top of it.
func resolveConfig(f *relayFlags, fs *flag.FlagSet) (*config.RelayConfig, error) {
	cfg := config.EmptyRelayConfig()
	if *f.configFile != "" {
		loaded, err := config.LoadRelayConfig(*f.configFile)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	fs.Visit(func(fl *flag.Flag) {
		switch fl.Name {
		case "udp-listen":
			cfg.UDPListen = f.udpListen
		case "ws-listen":
			cfg.WSListen = f.wsListen
		case "admin-listen":
			cfg.AdminListen = f.adminListen
		case "pcap":
			cfg.PCAPFile = f.pcapFile
		case "pcap-realtime":
			cfg.PCAPRealtime = f.pcapRealtime
		case "serial":
			cfg.SerialPort = f.serialPort
		case "serial-baud":
			cfg.SerialBaud = f.serialBaud
		case "log-interval":
			s := f.logInterval.String()
			cfg.LogInterval = &s
		}
	})

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// udpPort extracts the port number from a host:port listen address.
func udpPort(addr string) (int, error) {
	_, p, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, err
	}
	port, err := strconv.Atoi(p)
	if err != nil || port < 0 || port > 65535 {
		return 0, fmt.Errorf("invalid port %q", p)
	}
	return port, nil
}

// serialOptions maps the serial settings onto the tether's port options.
func serialOptions(cfg *config.RelayConfig) ingest.PortOptions {
	return ingest.PortOptions{
		BaudRate: cfg.GetSerialBaud(),
		DataBits: cfg.GetSerialDataBits(),
		StopBits: cfg.GetSerialStopBits(),
		Parity:   cfg.GetSerialParity(),
	}
}

// ingestSource is the one active producer of records: live UDP, pcap
// replay or a serial tether.
type ingestSource struct {
	stats *ingest.Stats
	run   func(ctx context.Context) error
	close func() error
}

// newIngestSource prepares the configured source and binds it. A bind
// failure is returned before any goroutine starts.
func newIngestSource(cfg *config.RelayConfig, sink ingest.Sink) (*ingestSource, error) {
	switch {
	case cfg.GetPCAPFile() != "":
		port, err := udpPort(cfg.GetUDPListen())
		if err != nil {
			return nil, fmt.Errorf("invalid udp_listen for pcap replay: %w", err)
		}
		stats := ingest.NewStats("pcap")
		path := cfg.GetPCAPFile()
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("pcap file: %w", err)
		}
		return &ingestSource{
			stats: stats,
			run: func(ctx context.Context) error {
				return ingest.ReplayPCAP(ctx, path, port, sink, ingest.ReplayOptions{
					Realtime: cfg.GetPCAPRealtime(),
					Stats:    stats,
				})
			},
			close: func() error { return nil },
		}, nil

	case cfg.GetSerialPort() != "":
		src := ingest.NewSerialSource(ingest.SerialSourceConfig{
			Path:    cfg.GetSerialPort(),
			Options: serialOptions(cfg),
			Sink:    sink,
		})
		if err := src.Open(); err != nil {
			return nil, err
		}
		return &ingestSource{stats: src.Stats(), run: src.Run, close: src.Close}, nil

	default:
		l := ingest.NewUDPListener(ingest.UDPListenerConfig{
			Address:     cfg.GetUDPListen(),
			RcvBuf:      cfg.GetReceiveBufferBytes(),
			MaxPayload:  cfg.GetMaxPayloadBytes(),
			Backoff:     cfg.GetTransientBackoff(),
			LogInterval: cfg.GetLogInterval(),
			Sink:        sink,
		})
		if err := l.Bind(); err != nil {
			return nil, err
		}
		return &ingestSource{stats: l.Stats(), run: l.Run, close: l.Close}, nil
	}
}

func main() {
	flags := registerFlags(flag.CommandLine)
	flag.Parse()

	if *flags.showVersion {
		fmt.Println(version.String())
		return
	}

	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	cfg, err := resolveConfig(flags, flag.CommandLine)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	log.Printf("[RELAY] %s", version.String())
	log.Printf("[RELAY] UDP %s -> WebSocket %s", cfg.GetUDPListen(), cfg.GetWSListen())

	broadcaster := relay.NewBroadcaster(relay.NewRegistry(), relay.BroadcasterConfig{
		LogEvery: cfg.GetLogEveryPackets(),
	})

	source, err := newIngestSource(cfg, broadcaster)
	if err != nil {
		log.Fatalf("Failed to start ingestion: %v", err)
	}

	server := relay.NewServer(broadcaster, relay.ServerConfig{
		Address:      cfg.GetWSListen(),
		QueueSize:    cfg.GetSubscriberQueue(),
		WriteTimeout: cfg.GetWriteTimeout(),
		PingInterval: cfg.GetPingInterval(),
	})
	if err := server.Listen(); err != nil {
		_ = source.close()
		log.Fatalf("Failed to start WebSocket server: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup

	// ingestion routine; a replay that reaches EOF leaves the server running
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer source.close()
		if err := source.run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("[RELAY] Ingestion stopped: %v", err)
			return
		}
		if ctx.Err() == nil {
			log.Printf("[RELAY] Ingestion finished")
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := server.ListenAndServe(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("[RELAY] WebSocket server stopped: %v", err)
			stop()
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		broadcaster.ReportStats(ctx, cfg.GetLogInterval())
	}()

	if addr := cfg.GetAdminListen(); addr != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			runAdmin(ctx, addr, relay.NewAdmin(broadcaster, source.stats))
		}()
	}

	<-ctx.Done()
	log.Printf("[RELAY] Shutting down...")
	wg.Wait()
	log.Printf("[RELAY] Stopped.")
}

// runAdmin serves /metrics and the /debug pages until ctx is cancelled.
func runAdmin(ctx context.Context, addr string, admin *relay.Admin) {
	mux := http.NewServeMux()
	admin.AttachAdminRoutes(mux)

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("[ADMIN] Listening on http://%s", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("[ADMIN] Server error: %v", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("[ADMIN] Shutdown error: %v", err)
		if err := server.Close(); err != nil {
			log.Printf("[ADMIN] Force close error: %v", err)
		}
	}
}
