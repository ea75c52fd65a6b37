package relay

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/banshee-data/navrelay/internal/metrics"
	"github.com/banshee-data/navrelay/internal/timeutil"
)

const (
	defaultQueueSize    = 64
	defaultWriteTimeout = 2 * time.Second
	defaultPingInterval = 20 * time.Second
	maxInboundMessage   = 4096
)

var (
	// ErrSubscriberClosed is returned when offering to a closed subscriber.
	ErrSubscriberClosed = errors.New("relay: subscriber closed")
	// ErrQueueFull is returned when a subscriber's outbound queue is saturated.
	ErrQueueFull = errors.New("relay: subscriber queue full")
)

// State is a subscriber's lifecycle state.
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateOpen:
		return "OPEN"
	case StateClosed:
		return "CLOSED"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// SubscriberOptions tunes a subscriber's delivery.
type SubscriberOptions struct {
	QueueSize    int
	WriteTimeout time.Duration
	PingInterval time.Duration
	// PongTimeout is how long the reader waits for any inbound frame.
	// Zero means three ping intervals.
	PongTimeout time.Duration
	Clock       timeutil.Clock
	// OnLatency receives the time from Broadcast to a completed write.
	OnLatency func(time.Duration)
	// OnWriteError is called once, from the writer goroutine, when a write fails.
	OnWriteError func(*Subscriber, error)
}

func (o SubscriberOptions) withDefaults() SubscriberOptions {
	if o.QueueSize <= 0 {
		o.QueueSize = defaultQueueSize
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = defaultWriteTimeout
	}
	if o.PingInterval <= 0 {
		o.PingInterval = defaultPingInterval
	}
	if o.PongTimeout <= 0 {
		o.PongTimeout = 3 * o.PingInterval
	}
	if o.Clock == nil {
		o.Clock = timeutil.RealClock{}
	}
	return o
}

// envelope is one queued payload.
type envelope struct {
	payload  []byte
	enqueued time.Time
}

// Subscriber is one WebSocket consumer. Only its writer goroutine writes
// to the connection until Close takes over to send the close frame.
type Subscriber struct {
	id          uuid.UUID
	remote      string
	connectedAt time.Time
	conn        *websocket.Conn
	opts        SubscriberOptions

	queue     chan envelope
	done      chan struct{}
	state     atomic.Int32
	stopOnce  sync.Once
	closeOnce sync.Once
	wg        sync.WaitGroup

	delivered atomic.Uint64
	dropped   atomic.Uint64
}

// NewSubscriber wraps an upgraded connection. The subscriber starts in
// CONNECTING; Start moves it to OPEN and launches the writer.
func NewSubscriber(conn *websocket.Conn, opts SubscriberOptions) *Subscriber {
	opts = opts.withDefaults()
	s := &Subscriber{
		id:          uuid.New(),
		remote:      conn.RemoteAddr().String(),
		connectedAt: opts.Clock.Now(),
		conn:        conn,
		opts:        opts,
		queue:       make(chan envelope, opts.QueueSize),
		done:        make(chan struct{}),
	}
	s.state.Store(int32(StateConnecting))
	return s
}

// ID returns the subscriber's unique identifier.
func (s *Subscriber) ID() uuid.UUID { return s.id }

// Remote returns the peer address.
func (s *Subscriber) Remote() string { return s.remote }

// ConnectedAt returns when the handshake completed.
func (s *Subscriber) ConnectedAt() time.Time { return s.connectedAt }

// State returns the current lifecycle state.
func (s *Subscriber) State() State { return State(s.state.Load()) }

// Delivered returns the number of payloads written to the peer.
func (s *Subscriber) Delivered() uint64 { return s.delivered.Load() }

// Dropped returns the number of payloads that could not be queued.
func (s *Subscriber) Dropped() uint64 { return s.dropped.Load() }

// Start transitions CONNECTING to OPEN and launches the writer goroutine.
func (s *Subscriber) Start() {
	if !s.state.CompareAndSwap(int32(StateConnecting), int32(StateOpen)) {
		return
	}
	s.wg.Add(1)
	go s.run()
}

// Offer queues payload for delivery without blocking.
func (s *Subscriber) Offer(payload []byte) error {
	return s.offer(envelope{payload: payload, enqueued: s.opts.Clock.Now()})
}

func (s *Subscriber) offer(env envelope) error {
	if s.State() != StateOpen {
		s.dropped.Add(1)
		return ErrSubscriberClosed
	}
	select {
	case s.queue <- env:
		return nil
	default:
		s.dropped.Add(1)
		return ErrQueueFull
	}
}

func (s *Subscriber) run() {
	ticker := s.opts.Clock.NewTicker(s.opts.PingInterval)
	defer ticker.Stop()
	defer s.wg.Done()

	for {
		select {
		case env := <-s.queue:
			// Nothing is written once the subscriber has been removed.
			if s.State() == StateClosed {
				return
			}
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
			if err := s.conn.WriteMessage(websocket.TextMessage, env.payload); err != nil {
				s.writeFailed(err)
				return
			}
			s.delivered.Add(1)
			if s.opts.OnLatency != nil {
				s.opts.OnLatency(s.opts.Clock.Since(env.enqueued))
			}
		case <-ticker.C():
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.writeFailed(err)
				return
			}
		case <-s.done:
			return
		}
	}
}

// writeFailed marks the subscriber closed and drops the connection so the
// reader unblocks. It runs on the writer goroutine and must not wait on it.
func (s *Subscriber) writeFailed(err error) {
	s.state.Store(int32(StateClosed))
	metrics.DeliveryFailures.WithLabelValues("write").Inc()
	_ = s.conn.Close()
	if s.opts.OnWriteError != nil {
		s.opts.OnWriteError(s, err)
	}
}

// stopWriter signals the writer to exit and waits for it.
func (s *Subscriber) stopWriter() {
	s.stopOnce.Do(func() { close(s.done) })
	s.wg.Wait()
}

// Close moves the subscriber to CLOSED, stops the writer, sends a close
// frame with code and reason, and closes the connection. Only the first
// call has any effect. Close must not be called from the writer goroutine.
func (s *Subscriber) Close(code int, reason string) {
	s.closeOnce.Do(func() {
		s.state.Store(int32(StateClosed))
		s.stopWriter()

		// The writer has exited, so this is the only writer now.
		msg := websocket.FormatCloseMessage(code, reason)
		_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(s.opts.WriteTimeout))
		_ = s.conn.Close()
	})
}

// readLoop consumes inbound frames until the peer closes or goes silent
// for longer than the pong timeout. Inbound messages are discarded.
func (s *Subscriber) readLoop() error {
	s.conn.SetReadLimit(maxInboundMessage)
	extend := func() {
		_ = s.conn.SetReadDeadline(time.Now().Add(s.opts.PongTimeout))
	}
	extend()
	s.conn.SetPongHandler(func(string) error {
		extend()
		return nil
	})

	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			return err
		}
		extend()
	}
}

// SubscriberInfo describes a subscriber for the debug endpoints.
type SubscriberInfo struct {
	ID          string    `json:"id"`
	Remote      string    `json:"remote"`
	State       string    `json:"state"`
	ConnectedAt time.Time `json:"connected_at"`
	Delivered   uint64    `json:"delivered"`
	Dropped     uint64    `json:"dropped"`
	Queued      int       `json:"queued"`
}

// Info returns a point-in-time description of the subscriber.
func (s *Subscriber) Info() SubscriberInfo {
	return SubscriberInfo{
		ID:          s.id.String(),
		Remote:      s.remote,
		State:       s.State().String(),
		ConnectedAt: s.ConnectedAt(),
		Delivered:   s.Delivered(),
		Dropped:     s.Dropped(),
		Queued:      len(s.queue),
	}
}
