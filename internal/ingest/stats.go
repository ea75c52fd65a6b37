package ingest

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/navrelay/internal/metrics"
)

// Stats counts what a source has read. Counters are cumulative; LogStats
// reports the change since its previous call.
type Stats struct {
	source string

	received  atomic.Uint64
	bytes     atomic.Uint64
	empty     atomic.Uint64
	forwarded atomic.Uint64
	errors    atomic.Uint64

	mu      sync.Mutex
	last    StatsSnapshot
	lastLog time.Time
}

// StatsSnapshot is a point-in-time copy of Stats.
type StatsSnapshot struct {
	Received  uint64 `json:"received"`
	Bytes     uint64 `json:"bytes"`
	Empty     uint64 `json:"empty"`
	Forwarded uint64 `json:"forwarded"`
	Errors    uint64 `json:"errors"`
}

// NewStats returns Stats for the named source ("udp", "pcap", "serial").
func NewStats(source string) *Stats {
	return &Stats{source: source}
}

// MarkStart sets the start of the first reporting interval.
func (s *Stats) MarkStart(now time.Time) {
	s.mu.Lock()
	s.lastLog = now
	s.mu.Unlock()
}

// Source returns the source label.
func (s *Stats) Source() string { return s.source }

// AddReceived records one record of n bytes read from the source.
func (s *Stats) AddReceived(n int) {
	s.received.Add(1)
	s.bytes.Add(uint64(n))
	metrics.DatagramsReceived.WithLabelValues(s.source).Inc()
}

// AddEmpty records a record dropped as empty.
func (s *Stats) AddEmpty() {
	s.empty.Add(1)
	metrics.DatagramsEmpty.WithLabelValues(s.source).Inc()
}

// AddForwarded records a record handed to the Sink.
func (s *Stats) AddForwarded() { s.forwarded.Add(1) }

// AddError records a transient read error.
func (s *Stats) AddError() {
	s.errors.Add(1)
	metrics.ReceiveErrors.Inc()
}

// Snapshot returns the cumulative counters.
func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		Received:  s.received.Load(),
		Bytes:     s.bytes.Load(),
		Empty:     s.empty.Load(),
		Forwarded: s.forwarded.Load(),
		Errors:    s.errors.Load(),
	}
}

// LogStats logs the counters accumulated since the previous call.
func (s *Stats) LogStats(logf func(format string, v ...interface{}), now time.Time) {
	cur := s.Snapshot()

	s.mu.Lock()
	prev := s.last
	var elapsed time.Duration
	if !s.lastLog.IsZero() {
		elapsed = now.Sub(s.lastLog)
	}
	s.last = cur
	s.lastLog = now
	s.mu.Unlock()

	received := cur.Received - prev.Received
	rate := 0.0
	if elapsed > 0 {
		rate = float64(received) / elapsed.Seconds()
	}
	logf("%d records (%.1f/s, %d bytes), %d forwarded, %d empty, %d errors in last %v",
		received, rate, cur.Bytes-prev.Bytes, cur.Forwarded-prev.Forwarded,
		cur.Empty-prev.Empty, cur.Errors-prev.Errors, elapsed.Round(time.Millisecond))
}
