package relay

import (
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/navrelay/internal/timeutil"
)

func TestState_String(t *testing.T) {
	assert.Equal(t, "CONNECTING", StateConnecting.String())
	assert.Equal(t, "OPEN", StateOpen.String())
	assert.Equal(t, "CLOSED", StateClosed.String())
	assert.Equal(t, "State(7)", State(7).String())
}

func TestSubscriber_Lifecycle(t *testing.T) {
	serverConn, _ := newTestConnPair(t)
	sub := NewSubscriber(serverConn, SubscriberOptions{})

	assert.Equal(t, StateConnecting, sub.State())
	assert.ErrorIs(t, sub.Offer([]byte("early")), ErrSubscriberClosed, "CONNECTING subscribers accept nothing")

	sub.Start()
	assert.Equal(t, StateOpen, sub.State())

	sub.Close(websocket.CloseNormalClosure, "bye")
	assert.Equal(t, StateClosed, sub.State())

	// CLOSED is terminal
	sub.Start()
	assert.Equal(t, StateClosed, sub.State())
	assert.ErrorIs(t, sub.Offer([]byte("late")), ErrSubscriberClosed)
	assert.Equal(t, uint64(2), sub.Dropped())
}

func TestSubscriber_DeliversInOrder(t *testing.T) {
	sub, client := newOpenSubscriber(t, SubscriberOptions{QueueSize: 256})

	want := make([]string, 200)
	for i := range want {
		want[i] = fmt.Sprintf("%d,%d,%d", i, i+1, i+2)
		require.NoError(t, sub.Offer([]byte(want[i])))
	}

	assert.Equal(t, want, readN(t, client, len(want)))
	require.Eventually(t, func() bool { return sub.Delivered() == 200 }, 5*time.Second, 5*time.Millisecond)
}

func TestSubscriber_QueueFull(t *testing.T) {
	sub := newStalledSubscriber(t, 2)

	require.NoError(t, sub.Offer([]byte("a")))
	require.NoError(t, sub.Offer([]byte("b")))
	assert.ErrorIs(t, sub.Offer([]byte("c")), ErrQueueFull)
	assert.Equal(t, uint64(1), sub.Dropped())
	assert.Equal(t, 2, sub.Info().Queued)
}

func TestSubscriber_CloseSendsCloseFrame(t *testing.T) {
	sub, client := newOpenSubscriber(t, SubscriberOptions{})

	sub.Close(websocket.CloseNormalClosure, ShutdownReason)

	require.NoError(t, client.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err := client.ReadMessage()
	var closeErr *websocket.CloseError
	require.True(t, errors.As(err, &closeErr), "expected close error, got %v", err)
	assert.Equal(t, websocket.CloseNormalClosure, closeErr.Code)
	assert.Equal(t, ShutdownReason, closeErr.Text)
}

func TestSubscriber_CloseIsIdempotent(t *testing.T) {
	sub, _ := newOpenSubscriber(t, SubscriberOptions{})
	sub.Close(websocket.CloseNormalClosure, "")
	sub.Close(websocket.CloseGoingAway, "")
	assert.Equal(t, StateClosed, sub.State())
}

func TestSubscriber_WriteErrorReported(t *testing.T) {
	var failures atomic.Int32
	sub, client := newOpenSubscriber(t, SubscriberOptions{
		WriteTimeout: 200 * time.Millisecond,
		OnWriteError: func(*Subscriber, error) { failures.Add(1) },
	})

	// Drop the peer without a close handshake.
	require.NoError(t, client.UnderlyingConn().Close())

	payload := make([]byte, 16*1024)
	require.Eventually(t, func() bool {
		_ = sub.Offer(payload)
		return failures.Load() > 0
	}, 10*time.Second, 5*time.Millisecond)

	assert.Equal(t, StateClosed, sub.State())
	assert.Equal(t, int32(1), failures.Load())
	assert.ErrorIs(t, sub.Offer(payload), ErrSubscriberClosed)
}

func TestSubscriber_PingsOnInterval(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(0, 0))
	_, client := newOpenSubscriber(t, SubscriberOptions{PingInterval: 10 * time.Second, Clock: clock})

	pinged := make(chan struct{}, 1)
	client.SetPingHandler(func(string) error {
		select {
		case pinged <- struct{}{}:
		default:
		}
		return nil
	})
	go func() {
		for {
			if _, _, err := client.ReadMessage(); err != nil {
				return
			}
		}
	}()

	require.Eventually(t, func() bool {
		clock.Advance(10 * time.Second)
		select {
		case <-pinged:
			return true
		default:
			return false
		}
	}, 5*time.Second, 10*time.Millisecond)
}

func TestSubscriber_LatencyReported(t *testing.T) {
	var observed atomic.Int32
	sub, client := newOpenSubscriber(t, SubscriberOptions{
		OnLatency: func(d time.Duration) {
			if d >= 0 {
				observed.Add(1)
			}
		},
	})

	require.NoError(t, sub.Offer([]byte("x")))
	readN(t, client, 1)
	require.Eventually(t, func() bool { return observed.Load() == 1 }, 5*time.Second, 5*time.Millisecond)
}

func TestSubscriber_Info(t *testing.T) {
	sub, _ := newOpenSubscriber(t, SubscriberOptions{})
	info := sub.Info()

	assert.Equal(t, sub.ID().String(), info.ID)
	assert.Equal(t, "OPEN", info.State)
	assert.NotEmpty(t, info.Remote)
	assert.False(t, info.ConnectedAt.IsZero())
}

func TestSubscriber_ConnectedAtUsesClock(t *testing.T) {
	start := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := timeutil.NewMockClock(start)
	sub, _ := newOpenSubscriber(t, SubscriberOptions{Clock: clock})

	clock.Advance(90 * time.Second)
	assert.Equal(t, start, sub.ConnectedAt())
	assert.Equal(t, start, sub.Info().ConnectedAt)
	assert.Equal(t, 90*time.Second, clock.Since(sub.ConnectedAt()))
}
