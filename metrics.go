package blkfifo

import (
	"sync/atomic"
	"time"

	"github.com/ehrlich-b/go-blkfifo/internal/interfaces"
)

// LatencyBuckets are the upper bounds, in nanoseconds, of the sub-operation
// latency histogram: 1us to 10s in decades.
var LatencyBuckets = []uint64{
	1_000,
	10_000,
	100_000,
	1_000_000,
	10_000_000,
	100_000_000,
	1_000_000_000,
	10_000_000_000,
}

const numLatencyBuckets = 8

// Metrics tracks server statistics. All fields are updated atomically.
type Metrics struct {
	// Device sub-operations
	ReadOps  atomic.Uint64
	WriteOps atomic.Uint64
	FlushOps atomic.Uint64

	ReadBytes  atomic.Uint64
	WriteBytes atomic.Uint64

	ReadErrors  atomic.Uint64
	WriteErrors atomic.Uint64
	FlushErrors atomic.Uint64

	// Responses written to the FIFO
	Replies     atomic.Uint64 // All response records
	OOBReplies  atomic.Uint64 // Replies sent outside a transaction group
	ReplyErrors atomic.Uint64 // Records that could not be written

	// SplitChunks counts extra chunks produced by max-transfer splitting
	SplitChunks atomic.Uint64

	// In-flight sub-operations, sampled on every admission
	QueueDepthTotal atomic.Uint64
	QueueDepthCount atomic.Uint64
	MaxQueueDepth   atomic.Uint32

	TotalLatencyNs atomic.Uint64
	OpCount        atomic.Uint64

	// LatencyBuckets[i] counts sub-operations with latency <= LatencyBuckets[i]
	LatencyBuckets [numLatencyBuckets]atomic.Uint64

	StartTime atomic.Int64 // UnixNano
	StopTime  atomic.Int64 // UnixNano, zero while running
}

// NewMetrics creates a metrics instance started now
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// RecordRead records a completed read sub-operation
func (m *Metrics) RecordRead(bytes uint64, latencyNs uint64, success bool) {
	m.ReadOps.Add(1)
	if success {
		m.ReadBytes.Add(bytes)
	} else {
		m.ReadErrors.Add(1)
	}
	m.recordLatency(latencyNs)
}

// RecordWrite records a completed write sub-operation
func (m *Metrics) RecordWrite(bytes uint64, latencyNs uint64, success bool) {
	m.WriteOps.Add(1)
	if success {
		m.WriteBytes.Add(bytes)
	} else {
		m.WriteErrors.Add(1)
	}
	m.recordLatency(latencyNs)
}

// RecordFlush records a completed flush
func (m *Metrics) RecordFlush(latencyNs uint64, success bool) {
	m.FlushOps.Add(1)
	if !success {
		m.FlushErrors.Add(1)
	}
	m.recordLatency(latencyNs)
}

// RecordReply records a response record
func (m *Metrics) RecordReply(oob bool, success bool) {
	m.Replies.Add(1)
	if oob {
		m.OOBReplies.Add(1)
	}
	if !success {
		m.ReplyErrors.Add(1)
	}
}

// RecordSplit records extra chunks from a split request
func (m *Metrics) RecordSplit(chunks uint32) {
	m.SplitChunks.Add(uint64(chunks))
}

// RecordQueueDepth samples the in-flight depth
func (m *Metrics) RecordQueueDepth(depth uint32) {
	m.QueueDepthTotal.Add(uint64(depth))
	m.QueueDepthCount.Add(1)

	for {
		current := m.MaxQueueDepth.Load()
		if depth <= current || m.MaxQueueDepth.CompareAndSwap(current, depth) {
			return
		}
	}
}

func (m *Metrics) recordLatency(latencyNs uint64) {
	m.TotalLatencyNs.Add(latencyNs)
	m.OpCount.Add(1)

	for i, bound := range LatencyBuckets {
		if latencyNs <= bound {
			m.LatencyBuckets[i].Add(1)
		}
	}
}

// Stop marks the server as stopped
func (m *Metrics) Stop() {
	m.StopTime.Store(time.Now().UnixNano())
}

// MetricsSnapshot is a point-in-time copy of Metrics with derived rates
type MetricsSnapshot struct {
	ReadOps  uint64
	WriteOps uint64
	FlushOps uint64

	ReadBytes  uint64
	WriteBytes uint64

	ReadErrors  uint64
	WriteErrors uint64
	FlushErrors uint64

	Replies     uint64
	OOBReplies  uint64
	ReplyErrors uint64
	SplitChunks uint64

	AvgQueueDepth float64
	MaxQueueDepth uint32

	AvgLatencyNs uint64
	UptimeNs     uint64

	LatencyP50Ns  uint64
	LatencyP99Ns  uint64
	LatencyP999Ns uint64

	LatencyHistogram [numLatencyBuckets]uint64

	ReadIOPS       float64
	WriteIOPS      float64
	ReadBandwidth  float64 // Bytes per second
	WriteBandwidth float64
	TotalOps       uint64
	TotalBytes     uint64
	ErrorRate      float64 // Percent of failed sub-operations
}

// Snapshot copies the counters and computes derived statistics
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		ReadOps:       m.ReadOps.Load(),
		WriteOps:      m.WriteOps.Load(),
		FlushOps:      m.FlushOps.Load(),
		ReadBytes:     m.ReadBytes.Load(),
		WriteBytes:    m.WriteBytes.Load(),
		ReadErrors:    m.ReadErrors.Load(),
		WriteErrors:   m.WriteErrors.Load(),
		FlushErrors:   m.FlushErrors.Load(),
		Replies:       m.Replies.Load(),
		OOBReplies:    m.OOBReplies.Load(),
		ReplyErrors:   m.ReplyErrors.Load(),
		SplitChunks:   m.SplitChunks.Load(),
		MaxQueueDepth: m.MaxQueueDepth.Load(),
	}
	snap.TotalOps = snap.ReadOps + snap.WriteOps + snap.FlushOps
	snap.TotalBytes = snap.ReadBytes + snap.WriteBytes

	if n := m.QueueDepthCount.Load(); n > 0 {
		snap.AvgQueueDepth = float64(m.QueueDepthTotal.Load()) / float64(n)
	}

	opCount := m.OpCount.Load()
	if opCount > 0 {
		snap.AvgLatencyNs = m.TotalLatencyNs.Load() / opCount
	}

	start, stop := m.StartTime.Load(), m.StopTime.Load()
	if stop == 0 {
		stop = time.Now().UnixNano()
	}
	snap.UptimeNs = uint64(stop - start)

	if snap.UptimeNs > 0 {
		secs := float64(snap.UptimeNs) / 1e9
		snap.ReadIOPS = float64(snap.ReadOps) / secs
		snap.WriteIOPS = float64(snap.WriteOps) / secs
		snap.ReadBandwidth = float64(snap.ReadBytes) / secs
		snap.WriteBandwidth = float64(snap.WriteBytes) / secs
	}

	if snap.TotalOps > 0 {
		failed := snap.ReadErrors + snap.WriteErrors + snap.FlushErrors
		snap.ErrorRate = float64(failed) / float64(snap.TotalOps) * 100.0
	}

	for i := range snap.LatencyHistogram {
		snap.LatencyHistogram[i] = m.LatencyBuckets[i].Load()
	}
	if opCount > 0 {
		snap.LatencyP50Ns = m.percentile(0.50)
		snap.LatencyP99Ns = m.percentile(0.99)
		snap.LatencyP999Ns = m.percentile(0.999)
	}
	return snap
}

// percentile estimates the latency at p (0.0-1.0) by linear interpolation
// inside the histogram bucket that contains it.
func (m *Metrics) percentile(p float64) uint64 {
	total := m.OpCount.Load()
	if total == 0 {
		return 0
	}
	target := uint64(float64(total) * p)

	var lower, prevCount uint64
	for i, upper := range LatencyBuckets {
		count := m.LatencyBuckets[i].Load()
		if count >= target {
			if count == prevCount {
				return upper
			}
			fraction := float64(target-prevCount) / float64(count-prevCount)
			return lower + uint64(fraction*float64(upper-lower))
		}
		lower, prevCount = upper, count
	}
	return LatencyBuckets[numLatencyBuckets-1]
}

// Reset zeroes every counter and restarts the clock
func (m *Metrics) Reset() {
	for _, c := range []*atomic.Uint64{
		&m.ReadOps, &m.WriteOps, &m.FlushOps,
		&m.ReadBytes, &m.WriteBytes,
		&m.ReadErrors, &m.WriteErrors, &m.FlushErrors,
		&m.Replies, &m.OOBReplies, &m.ReplyErrors, &m.SplitChunks,
		&m.QueueDepthTotal, &m.QueueDepthCount,
		&m.TotalLatencyNs, &m.OpCount,
	} {
		c.Store(0)
	}
	m.MaxQueueDepth.Store(0)
	for i := range m.LatencyBuckets {
		m.LatencyBuckets[i].Store(0)
	}
	m.StartTime.Store(time.Now().UnixNano())
	m.StopTime.Store(0)
}

// Observer receives per-operation statistics from a server
type Observer = interfaces.Observer

// NoOpObserver discards all observations
type NoOpObserver struct{}

func (NoOpObserver) ObserveRead(uint64, uint64, bool)  {}
func (NoOpObserver) ObserveWrite(uint64, uint64, bool) {}
func (NoOpObserver) ObserveFlush(uint64, bool)         {}
func (NoOpObserver) ObserveReply(bool, bool)           {}
func (NoOpObserver) ObserveSplit(uint32)               {}
func (NoOpObserver) ObserveQueueDepth(uint32)          {}

// MetricsObserver records observations into a Metrics
type MetricsObserver struct {
	metrics *Metrics
}

// NewMetricsObserver creates an observer that records to m
func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

func (o *MetricsObserver) ObserveRead(bytes uint64, latencyNs uint64, success bool) {
	o.metrics.RecordRead(bytes, latencyNs, success)
}

func (o *MetricsObserver) ObserveWrite(bytes uint64, latencyNs uint64, success bool) {
	o.metrics.RecordWrite(bytes, latencyNs, success)
}

func (o *MetricsObserver) ObserveFlush(latencyNs uint64, success bool) {
	o.metrics.RecordFlush(latencyNs, success)
}

func (o *MetricsObserver) ObserveReply(oob bool, success bool) {
	o.metrics.RecordReply(oob, success)
}

func (o *MetricsObserver) ObserveSplit(chunks uint32) {
	o.metrics.RecordSplit(chunks)
}

func (o *MetricsObserver) ObserveQueueDepth(depth uint32) {
	o.metrics.RecordQueueDepth(depth)
}

var (
	_ Observer = (*MetricsObserver)(nil)
	_ Observer = NoOpObserver{}
)
