package relay

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/navrelay/internal/metrics"
)

const (
	latencyWindow   = 4096
	throughputRing  = 120
	maxLatencyDelta = time.Minute
)

// Stats accumulates relay counters, a window of recent delivery latencies
// and a ring of per-interval throughput samples.
type Stats struct {
	broadcasts atomic.Uint64
	relayed    atomic.Uint64
	dropped    atomic.Uint64
	evicted    atomic.Uint64
	accepted   atomic.Uint64
	rejected   atomic.Uint64

	latMu     sync.Mutex
	latencies []float64 // seconds, ring buffer
	latNext   int
	latFull   bool

	sampleMu    sync.Mutex
	samples     []ThroughputSample
	lastRelayed uint64
	lastDropped uint64
}

// NewStats returns zeroed Stats.
func NewStats() *Stats {
	return &Stats{latencies: make([]float64, latencyWindow)}
}

// StatsSnapshot is a point-in-time copy of the counters.
type StatsSnapshot struct {
	Broadcasts        uint64         `json:"broadcasts"`
	Relayed           uint64         `json:"relayed"`
	Dropped           uint64         `json:"dropped"`
	Evicted           uint64         `json:"evicted"`
	Accepted          uint64         `json:"accepted"`
	HandshakeFailures uint64         `json:"handshake_failures"`
	Latency           LatencySummary `json:"latency"`
}

// LatencySummary describes recent broadcast-to-write latencies in milliseconds.
type LatencySummary struct {
	Count  int     `json:"count"`
	MeanMS float64 `json:"mean_ms"`
	P50MS  float64 `json:"p50_ms"`
	P95MS  float64 `json:"p95_ms"`
}

// ThroughputSample is one reporting interval.
type ThroughputSample struct {
	Time        time.Time `json:"time"`
	Relayed     uint64    `json:"relayed"`
	Dropped     uint64    `json:"dropped"`
	Subscribers int       `json:"subscribers"`
}

func (s *Stats) addBroadcast() { s.broadcasts.Add(1) }

func (s *Stats) addRelayed() uint64 {
	metrics.PayloadsRelayed.Inc()
	return s.relayed.Add(1)
}

func (s *Stats) addDropped() { s.dropped.Add(1) }

func (s *Stats) addEvicted() {
	s.evicted.Add(1)
	metrics.SubscribersEvicted.Inc()
}

func (s *Stats) addAccepted() {
	s.accepted.Add(1)
	metrics.SubscribersTotal.Inc()
}

func (s *Stats) addRejected() {
	s.rejected.Add(1)
	metrics.HandshakeFailures.Inc()
}

// ObserveLatency records one delivery latency.
func (s *Stats) ObserveLatency(d time.Duration) {
	if d < 0 || d > maxLatencyDelta {
		return
	}
	metrics.DeliveryLatency.Observe(d.Seconds())

	s.latMu.Lock()
	s.latencies[s.latNext] = d.Seconds()
	s.latNext = (s.latNext + 1) % len(s.latencies)
	if s.latNext == 0 {
		s.latFull = true
	}
	s.latMu.Unlock()
}

// Latency summarises the latency window.
func (s *Stats) Latency() LatencySummary {
	s.latMu.Lock()
	n := s.latNext
	if s.latFull {
		n = len(s.latencies)
	}
	x := make([]float64, n)
	copy(x, s.latencies[:n])
	s.latMu.Unlock()

	if n == 0 {
		return LatencySummary{}
	}
	sort.Float64s(x)
	return LatencySummary{
		Count:  n,
		MeanMS: stat.Mean(x, nil) * 1000,
		P50MS:  stat.Quantile(0.5, stat.Empirical, x, nil) * 1000,
		P95MS:  stat.Quantile(0.95, stat.Empirical, x, nil) * 1000,
	}
}

// Snapshot returns the cumulative counters and the latency summary.
func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		Broadcasts:        s.broadcasts.Load(),
		Relayed:           s.relayed.Load(),
		Dropped:           s.dropped.Load(),
		Evicted:           s.evicted.Load(),
		Accepted:          s.accepted.Load(),
		HandshakeFailures: s.rejected.Load(),
		Latency:           s.Latency(),
	}
}

// Sample closes the current interval and appends it to the ring.
func (s *Stats) Sample(now time.Time, subscribers int) ThroughputSample {
	relayed := s.relayed.Load()
	dropped := s.dropped.Load()

	s.sampleMu.Lock()
	defer s.sampleMu.Unlock()
	sample := ThroughputSample{
		Time:        now,
		Relayed:     relayed - s.lastRelayed,
		Dropped:     dropped - s.lastDropped,
		Subscribers: subscribers,
	}
	s.lastRelayed = relayed
	s.lastDropped = dropped

	s.samples = append(s.samples, sample)
	if len(s.samples) > throughputRing {
		s.samples = s.samples[len(s.samples)-throughputRing:]
	}
	return sample
}

// Samples returns the recorded intervals, oldest first.
func (s *Stats) Samples() []ThroughputSample {
	s.sampleMu.Lock()
	defer s.sampleMu.Unlock()
	return append([]ThroughputSample(nil), s.samples...)
}
