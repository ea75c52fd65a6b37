package ingest

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/banshee-data/navrelay/internal/monitoring"
	"github.com/banshee-data/navrelay/internal/timeutil"
)

var udpLogf = monitoring.Tagged("UDP")

// pollInterval bounds each blocking read so the loop can observe ctx.
const pollInterval = 100 * time.Millisecond

// UDPListenerConfig contains configuration options for the UDP listener.
type UDPListenerConfig struct {
	Address     string // host:port, default ":4210"
	RcvBuf      int    // OS receive buffer; 0 leaves the OS default
	MaxPayload  int    // receive buffer per datagram, default MaxPayloadBytes
	Backoff     time.Duration
	LogInterval time.Duration
	Sink        Sink
	Stats       *Stats
	Factory     UDPSocketFactory
	Clock       timeutil.Clock
}

// UDPListener receives datagrams on one endpoint and submits each
// non-empty decoded record to its Sink.
type UDPListener struct {
	address     string
	rcvBuf      int
	maxPayload  int
	backoff     time.Duration
	logInterval time.Duration
	sink        Sink
	stats       *Stats
	factory     UDPSocketFactory
	clock       timeutil.Clock

	mu   sync.Mutex
	sock UDPSocket

	lastErrLog    time.Time
	suppressedErr int
}

// NewUDPListener creates a new UDP listener with the provided configuration.
func NewUDPListener(config UDPListenerConfig) *UDPListener {
	l := &UDPListener{
		address:     config.Address,
		rcvBuf:      config.RcvBuf,
		maxPayload:  config.MaxPayload,
		backoff:     config.Backoff,
		logInterval: config.LogInterval,
		sink:        config.Sink,
		stats:       config.Stats,
		factory:     config.Factory,
		clock:       config.Clock,
	}
	if l.address == "" {
		l.address = ":4210"
	}
	if l.maxPayload <= 0 {
		l.maxPayload = MaxPayloadBytes
	}
	if l.backoff <= 0 {
		l.backoff = time.Millisecond
	}
	if l.logInterval <= 0 {
		l.logInterval = 30 * time.Second
	}
	if l.sink == nil {
		l.sink = SinkFunc(func([]byte) {})
	}
	if l.stats == nil {
		l.stats = NewStats("udp")
	}
	if l.factory == nil {
		l.factory = RealUDPSocketFactory{}
	}
	if l.clock == nil {
		l.clock = timeutil.RealClock{}
	}
	return l
}

// Stats returns the listener's counters.
func (l *UDPListener) Stats() *Stats { return l.stats }

// Bind acquires the socket. Errors wrap ErrBind and are not retryable.
// Bind is idempotent; Run calls it if the caller has not.
func (l *UDPListener) Bind() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.sock != nil {
		return nil
	}

	addr, err := net.ResolveUDPAddr("udp", l.address)
	if err != nil {
		return fmt.Errorf("%w: resolve %s: %w", ErrBind, l.address, err)
	}
	sock, err := l.factory.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("%w: listen on %s: %w", ErrBind, l.address, err)
	}
	if l.rcvBuf > 0 {
		if err := sock.SetReadBuffer(l.rcvBuf); err != nil {
			udpLogf("Warning: failed to set receive buffer to %d bytes: %v", l.rcvBuf, err)
		}
	}
	l.sock = sock
	udpLogf("Listening on %s", sock.LocalAddr())
	return nil
}

// Addr returns the bound local address, or nil before Bind.
func (l *UDPListener) Addr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.sock == nil {
		return nil
	}
	return l.sock.LocalAddr()
}

// Run receives datagrams until ctx is cancelled. It returns a wrapped
// ErrBind if the socket cannot be acquired, otherwise ctx.Err() or nil if
// the socket was closed underneath it.
func (l *UDPListener) Run(ctx context.Context) error {
	if err := l.Bind(); err != nil {
		return err
	}
	l.mu.Lock()
	sock := l.sock
	l.mu.Unlock()
	defer l.Close()

	l.stats.MarkStart(l.clock.Now())
	go l.startStatsLogging(ctx)

	buffer := make([]byte, l.maxPayload)
	for {
		select {
		case <-ctx.Done():
			udpLogf("Listener stopping due to context cancellation")
			return ctx.Err()
		default:
		}

		// Set read deadline to allow checking context cancellation
		_ = sock.SetReadDeadline(time.Now().Add(pollInterval))

		n, addr, err := sock.ReadFromUDP(buffer)
		if err != nil {
			switch {
			case isTimeout(err):
				continue
			case ctx.Err() != nil:
				return ctx.Err()
			case errors.Is(err, net.ErrClosed):
				return nil
			}
			l.handleReadError(err)
			continue
		}

		l.handleDatagram(buffer[:n], addr)
	}
}

// handleReadError counts the error, logs it at most once per log interval
// and backs off before the next read.
func (l *UDPListener) handleReadError(err error) {
	l.stats.AddError()

	now := l.clock.Now()
	if l.lastErrLog.IsZero() || now.Sub(l.lastErrLog) >= l.logInterval {
		kind := "transient"
		if !isTransient(err) {
			kind = "unexpected"
		}
		if l.suppressedErr > 0 {
			udpLogf("Receive error (%s): %v (%d similar suppressed)", kind, err, l.suppressedErr)
		} else {
			udpLogf("Receive error (%s): %v", kind, err)
		}
		l.lastErrLog = now
		l.suppressedErr = 0
	} else {
		l.suppressedErr++
	}

	l.clock.Sleep(l.backoff)
}

// handleDatagram decodes one datagram and submits it.
func (l *UDPListener) handleDatagram(packet []byte, _ *net.UDPAddr) {
	l.stats.AddReceived(len(packet))

	payload := DecodePayload(packet)
	if payload == nil {
		l.stats.AddEmpty()
		return
	}
	l.sink.Broadcast(payload)
	l.stats.AddForwarded()
}

// startStatsLogging periodically logs receive statistics.
func (l *UDPListener) startStatsLogging(ctx context.Context) {
	ticker := l.clock.NewTicker(l.logInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C():
			l.stats.LogStats(udpLogf, now)
		}
	}
}

// Close releases the socket.
func (l *UDPListener) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.sock == nil {
		return nil
	}
	err := l.sock.Close()
	l.sock = nil
	return err
}
