package ingest

import (
	"context"
	"errors"
	"net"
	"os"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/navrelay/internal/timeutil"
)

func transientErr(errno syscall.Errno) error {
	return &net.OpError{Op: "read", Net: "udp", Err: os.NewSyscallError("recvfrom", errno)}
}

// runUntilDrained runs l until its mock socket has served every scripted
// read, then cancels and returns Run's error.
func runUntilDrained(t *testing.T, l *UDPListener, sock *MockUDPSocket) error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	select {
	case <-sock.Drained():
	case <-time.After(5 * time.Second):
		t.Fatal("listener did not consume scripted reads")
	}
	cancel()

	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("listener did not stop after cancellation")
		return nil
	}
}

func TestNewUDPListener_Defaults(t *testing.T) {
	l := NewUDPListener(UDPListenerConfig{})

	assert.Equal(t, ":4210", l.address)
	assert.Equal(t, MaxPayloadBytes, l.maxPayload)
	assert.Equal(t, time.Millisecond, l.backoff)
	assert.Equal(t, 30*time.Second, l.logInterval)
	assert.NotNil(t, l.sink)
	assert.NotNil(t, l.stats)
	assert.Equal(t, "udp", l.stats.Source())
	assert.Nil(t, l.Addr())
}

func TestUDPListener_SubmitsInOrder(t *testing.T) {
	sock := NewMockUDPSocket(MockPackets("one", "two", "three")...)
	sink := &collectSink{}
	l := NewUDPListener(UDPListenerConfig{
		Address: "127.0.0.1:4210",
		RcvBuf:  1 << 16,
		Sink:    sink,
		Factory: &MockUDPSocketFactory{Socket: sock},
		Clock:   timeutil.NewMockClock(time.Unix(0, 0)),
	})

	err := runUntilDrained(t, l, sock)
	assert.ErrorIs(t, err, context.Canceled)

	assert.Equal(t, []string{"one", "two", "three"}, sink.Payloads())
	assert.True(t, sock.Closed(), "socket should be closed when Run returns")
	assert.Equal(t, 1<<16, sock.ReadBufferSize())
}

func TestUDPListener_DropsEmptyAndDecodesLeniently(t *testing.T) {
	sock := NewMockUDPSocket(MockPackets(" \r\n", "\xff\xfe", "  145.30,2.45  ", "a\xffb")...)
	sink := &collectSink{}
	l := NewUDPListener(UDPListenerConfig{
		Sink:    sink,
		Factory: &MockUDPSocketFactory{Socket: sock},
		Clock:   timeutil.NewMockClock(time.Unix(0, 0)),
	})

	runUntilDrained(t, l, sock)

	assert.Equal(t, []string{"145.30,2.45", "ab"}, sink.Payloads())
	snap := l.Stats().Snapshot()
	assert.Equal(t, uint64(4), snap.Received)
	assert.Equal(t, uint64(2), snap.Empty)
	assert.Equal(t, uint64(2), snap.Forwarded)
}

func TestUDPListener_TruncatesToMaxPayload(t *testing.T) {
	sock := NewMockUDPSocket(MockPackets(strings.Repeat("x", 600))...)
	sink := &collectSink{}
	l := NewUDPListener(UDPListenerConfig{
		Sink:    sink,
		Factory: &MockUDPSocketFactory{Socket: sock},
		Clock:   timeutil.NewMockClock(time.Unix(0, 0)),
	})

	runUntilDrained(t, l, sock)

	got := sink.Payloads()
	require.Len(t, got, 1)
	assert.Len(t, got[0], MaxPayloadBytes)
}

func TestUDPListener_TransientErrorsBackOffAndContinue(t *testing.T) {
	script := []MockRead{
		{Err: transientErr(syscall.ECONNREFUSED)},
	}
	script = append(script, MockPackets("before")...)
	script = append(script, MockRead{Err: transientErr(syscall.EAGAIN)})
	script = append(script, MockRead{Err: errors.New("something odd")})
	script = append(script, MockPackets("after")...)

	sock := NewMockUDPSocket(script...)
	sink := &collectSink{}
	clock := timeutil.NewMockClock(time.Unix(0, 0))
	l := NewUDPListener(UDPListenerConfig{
		Sink:    sink,
		Backoff: 5 * time.Millisecond,
		Factory: &MockUDPSocketFactory{Socket: sock},
		Clock:   clock,
	})

	err := runUntilDrained(t, l, sock)
	assert.ErrorIs(t, err, context.Canceled)

	assert.Equal(t, []string{"before", "after"}, sink.Payloads())
	assert.Equal(t, []time.Duration{5 * time.Millisecond, 5 * time.Millisecond, 5 * time.Millisecond}, clock.Sleeps())
	assert.Equal(t, uint64(3), l.Stats().Snapshot().Errors)
}

func TestUDPListener_ErrorLogIsRateLimited(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(1000, 0))
	l := NewUDPListener(UDPListenerConfig{Clock: clock, LogInterval: time.Minute})

	l.handleReadError(transientErr(syscall.ECONNRESET))
	l.handleReadError(transientErr(syscall.ECONNRESET))
	l.handleReadError(transientErr(syscall.ECONNRESET))
	assert.Equal(t, 2, l.suppressedErr)

	clock.Advance(time.Minute)
	l.handleReadError(transientErr(syscall.ECONNRESET))
	assert.Equal(t, 0, l.suppressedErr)
	assert.Len(t, clock.Sleeps(), 4)
}

func TestUDPListener_ClosedSocketEndsRun(t *testing.T) {
	sock := NewMockUDPSocket()
	sock.Close()
	l := NewUDPListener(UDPListenerConfig{
		Factory: &MockUDPSocketFactory{Socket: sock},
		Clock:   timeutil.NewMockClock(time.Unix(0, 0)),
	})

	done := make(chan error, 1)
	go func() { done <- l.Run(context.Background()) }()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after socket closed")
	}
}

func TestUDPListener_BindErrorIsFatal(t *testing.T) {
	factory := &MockUDPSocketFactory{Error: os.NewSyscallError("bind", syscall.EADDRINUSE)}
	l := NewUDPListener(UDPListenerConfig{Address: ":4210", Factory: factory})

	err := l.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBind)
	assert.ErrorIs(t, err, syscall.EADDRINUSE)
	require.Len(t, factory.Addrs, 1)
	assert.Equal(t, 4210, factory.Addrs[0].Port)
}

func TestUDPListener_BadAddress(t *testing.T) {
	l := NewUDPListener(UDPListenerConfig{Address: "not-an-address"})
	err := l.Bind()
	assert.ErrorIs(t, err, ErrBind)
}

func TestUDPListener_RealSocket(t *testing.T) {
	sink := &collectSink{}
	l := NewUDPListener(UDPListenerConfig{Address: "127.0.0.1:0", Sink: sink})
	require.NoError(t, l.Bind())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	conn, err := net.Dial("udp", l.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	for _, msg := range []string{"1.00,2.00,3.00\n", "   ", "4.00,5.00,6.00\n"} {
		_, err := conn.Write([]byte(msg))
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool { return len(sink.Payloads()) == 2 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"1.00,2.00,3.00", "4.00,5.00,6.00"}, sink.Payloads())

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestUDPListener_RealBindConflict(t *testing.T) {
	first := NewUDPListener(UDPListenerConfig{Address: "127.0.0.1:0"})
	require.NoError(t, first.Bind())
	defer first.Close()

	second := NewUDPListener(UDPListenerConfig{Address: first.Addr().String()})
	err := second.Bind()
	assert.ErrorIs(t, err, ErrBind)
}

func TestStats_LogStats(t *testing.T) {
	s := NewStats("udp")
	start := time.Unix(0, 0)
	s.MarkStart(start)

	s.AddReceived(10)
	s.AddReceived(20)
	s.AddForwarded()
	s.AddEmpty()
	s.AddError()

	var lines []string
	logf := func(format string, v ...interface{}) {
		lines = append(lines, format)
	}
	s.LogStats(logf, start.Add(2*time.Second))
	require.Len(t, lines, 1)

	snap := s.Snapshot()
	assert.Equal(t, StatsSnapshot{Received: 2, Bytes: 30, Empty: 1, Forwarded: 1, Errors: 1}, snap)
}
