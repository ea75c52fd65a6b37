package relay

import (
	"context"
	"errors"
	"time"

	"github.com/gorilla/websocket"

	"github.com/banshee-data/navrelay/internal/metrics"
	"github.com/banshee-data/navrelay/internal/monitoring"
	"github.com/banshee-data/navrelay/internal/timeutil"
)

var relayLogf = monitoring.Tagged("RELAY")

// BroadcasterConfig configures a Broadcaster.
type BroadcasterConfig struct {
	// LogEvery logs a progress line every LogEvery relayed payloads; 0 disables it.
	LogEvery int
	Stats    *Stats
	Clock    timeutil.Clock
}

// Broadcaster delivers each payload to every open subscriber in a Registry.
type Broadcaster struct {
	registry *Registry
	stats    *Stats
	logEvery uint64
	clock    timeutil.Clock
}

// NewBroadcaster returns a Broadcaster over registry.
func NewBroadcaster(registry *Registry, config BroadcasterConfig) *Broadcaster {
	b := &Broadcaster{
		registry: registry,
		stats:    config.Stats,
		clock:    config.Clock,
	}
	if config.LogEvery > 0 {
		b.logEvery = uint64(config.LogEvery)
	}
	if b.stats == nil {
		b.stats = NewStats()
	}
	if b.clock == nil {
		b.clock = timeutil.RealClock{}
	}
	return b
}

// Registry returns the subscriber registry.
func (b *Broadcaster) Registry() *Registry { return b.registry }

// Stats returns the relay counters.
func (b *Broadcaster) Stats() *Stats { return b.stats }

// Broadcast offers payload to every open subscriber. It never blocks on
// subscriber I/O. Subscribers that cannot accept the payload are removed
// and closed after every offer has been made. With no subscribers the
// payload is dropped.
func (b *Broadcaster) Broadcast(payload []byte) {
	b.stats.addBroadcast()

	subs := b.registry.Snapshot()
	if len(subs) == 0 {
		return
	}

	env := envelope{payload: payload, enqueued: b.clock.Now()}
	var failed []*Subscriber
	var reasons []error
	for _, s := range subs {
		if err := s.offer(env); err != nil {
			b.stats.addDropped()
			failed = append(failed, s)
			reasons = append(reasons, err)
		}
	}

	for i, s := range failed {
		b.evict(s, reasons[i])
	}

	n := b.stats.addRelayed()
	if b.logEvery > 0 && n%b.logEvery == 0 {
		relayLogf("%d packets relayed (%d client(s))", n, b.registry.Len())
	}
}

// evict removes s from the registry and closes it in the background, so a
// subscriber stuck in a write cannot hold up the broadcast.
func (b *Broadcaster) evict(s *Subscriber, reason error) {
	closeReason := "subscriber closed"
	switch {
	case errors.Is(reason, ErrQueueFull):
		metrics.DeliveryFailures.WithLabelValues("queue_full").Inc()
		closeReason = "subscriber queue full"
	default:
		metrics.DeliveryFailures.WithLabelValues("closed").Inc()
	}

	if _, removed := b.registry.Remove(s.ID()); removed {
		b.stats.addEvicted()
		relayLogf("Evicted subscriber %s (%s): %v", s.ID(), s.Remote(), reason)
	}
	go s.Close(websocket.CloseTryAgainLater, closeReason)
}

// ReportStats logs a throughput and latency summary every interval until
// ctx is cancelled.
func (b *Broadcaster) ReportStats(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := b.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C():
			b.reportOnce(now, interval)
		}
	}
}

func (b *Broadcaster) reportOnce(now time.Time, interval time.Duration) {
	sample := b.stats.Sample(now, b.registry.Len())
	lat := b.stats.Latency()
	relayLogf("%d payloads relayed, %d dropped in last %v; %d subscriber(s); latency mean=%.2fms p50=%.2fms p95=%.2fms",
		sample.Relayed, sample.Dropped, interval, sample.Subscribers, lat.MeanMS, lat.P50MS, lat.P95MS)
}
