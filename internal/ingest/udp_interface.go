package ingest

import (
	"net"
	"os"
	"sync"
	"time"
)

// UDPSocket defines the socket operations the listener uses.
// This abstraction enables unit testing without real network connections.
type UDPSocket interface {
	// ReadFromUDP reads a UDP packet from the socket.
	ReadFromUDP(b []byte) (n int, addr *net.UDPAddr, err error)

	// SetReadBuffer sets the size of the operating system's receive buffer.
	SetReadBuffer(bytes int) error

	// SetReadDeadline sets the deadline for future Read calls.
	SetReadDeadline(t time.Time) error

	// Close closes the socket.
	Close() error

	// LocalAddr returns the local network address.
	LocalAddr() net.Addr
}

// UDPSocketFactory creates UDP sockets.
type UDPSocketFactory interface {
	// ListenUDP creates and returns a new UDP socket.
	ListenUDP(network string, laddr *net.UDPAddr) (UDPSocket, error)
}

// RealUDPSocketFactory implements UDPSocketFactory using net.ListenUDP.
// *net.UDPConn already satisfies UDPSocket.
type RealUDPSocketFactory struct{}

// ListenUDP creates a new UDP socket.
func (RealUDPSocketFactory) ListenUDP(network string, laddr *net.UDPAddr) (UDPSocket, error) {
	conn, err := net.ListenUDP(network, laddr)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// MockRead is one scripted result of MockUDPSocket.ReadFromUDP. Exactly one
// of Data or Err is normally set.
type MockRead struct {
	Data []byte
	Addr *net.UDPAddr
	Err  error
}

// MockUDPSocket implements UDPSocket for testing. Reads are served from
// Script in order; once it is exhausted every read times out and Drained
// is closed.
type MockUDPSocket struct {
	mu             sync.Mutex
	script         []MockRead
	next           int
	closed         bool
	readBufferSize int
	deadlines      int
	drained        chan struct{}
	drainOnce      sync.Once

	// LocalAddress is returned by LocalAddr.
	LocalAddress *net.UDPAddr
	// SetReadBufferError is returned by SetReadBuffer if set.
	SetReadBufferError error
}

// NewMockUDPSocket creates a MockUDPSocket that replays script.
func NewMockUDPSocket(script ...MockRead) *MockUDPSocket {
	return &MockUDPSocket{
		script:  script,
		drained: make(chan struct{}),
		LocalAddress: &net.UDPAddr{
			IP:   net.ParseIP("127.0.0.1"),
			Port: 4210,
		},
	}
}

// MockPackets builds a script of successful reads from payload strings.
func MockPackets(payloads ...string) []MockRead {
	src := &net.UDPAddr{IP: net.ParseIP("192.168.4.1"), Port: 4210}
	reads := make([]MockRead, len(payloads))
	for i, p := range payloads {
		reads[i] = MockRead{Data: []byte(p), Addr: src}
	}
	return reads
}

// ReadFromUDP returns the next scripted read.
func (m *MockUDPSocket) ReadFromUDP(b []byte) (int, *net.UDPAddr, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, nil, net.ErrClosed
	}
	if m.next >= len(m.script) {
		m.drainOnce.Do(func() { close(m.drained) })
		// Simulate timeout when no more packets
		return 0, nil, &net.OpError{Op: "read", Net: "udp", Err: &timeoutError{}}
	}
	r := m.script[m.next]
	m.next++
	if r.Err != nil {
		return 0, nil, r.Err
	}
	n := copy(b, r.Data)
	return n, r.Addr, nil
}

// SetReadBuffer records the buffer size.
func (m *MockUDPSocket) SetReadBuffer(bytes int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SetReadBufferError != nil {
		return m.SetReadBufferError
	}
	m.readBufferSize = bytes
	return nil
}

// SetReadDeadline counts deadline updates.
func (m *MockUDPSocket) SetReadDeadline(time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deadlines++
	return nil
}

// Close marks the socket as closed.
func (m *MockUDPSocket) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// LocalAddr returns the mock local address.
func (m *MockUDPSocket) LocalAddr() net.Addr {
	return m.LocalAddress
}

// Drained is closed once every scripted read has been consumed.
func (m *MockUDPSocket) Drained() <-chan struct{} { return m.drained }

// Closed reports whether Close was called.
func (m *MockUDPSocket) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// ReadBufferSize returns the value passed to SetReadBuffer.
func (m *MockUDPSocket) ReadBufferSize() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.readBufferSize
}

// MockUDPSocketFactory implements UDPSocketFactory for testing.
type MockUDPSocketFactory struct {
	// Socket is the socket to return from ListenUDP.
	Socket *MockUDPSocket
	// Error is returned by ListenUDP if set.
	Error error
	// Addrs records the addresses passed to ListenUDP.
	Addrs []*net.UDPAddr
}

// ListenUDP returns the configured mock socket.
func (f *MockUDPSocketFactory) ListenUDP(network string, laddr *net.UDPAddr) (UDPSocket, error) {
	f.Addrs = append(f.Addrs, laddr)
	if f.Error != nil {
		return nil, f.Error
	}
	return f.Socket, nil
}

// timeoutError implements net.Error for timeout simulation. Like the
// runtime's deadline error it matches os.ErrDeadlineExceeded.
type timeoutError struct{}

func (e *timeoutError) Error() string        { return "i/o timeout" }
func (e *timeoutError) Timeout() bool        { return true }
func (e *timeoutError) Temporary() bool      { return true }
func (e *timeoutError) Is(target error) bool { return target == os.ErrDeadlineExceeded }
