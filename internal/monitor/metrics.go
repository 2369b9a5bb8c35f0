package monitor

import (
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// SystemMetrics tracks engine performance. Safe for concurrent use; a nil
// *SystemMetrics ignores every call so components can run without one.
type SystemMetrics struct {
	// Latency histograms
	OrderLatency    *LatencyHistogram
	StrategyLatency *LatencyHistogram
	TickLatency     *LatencyHistogram
	AccountLatency  *LatencyHistogram

	// Counters
	ordersPlaced     uint64
	orderRetries     uint64
	ticksProcessed   uint64
	ticksSkipped     uint64
	signalsGenerated uint64
	riskRejections   uint64
	errorsCount      uint64

	started time.Time
}

// LatencyHistogram tracks latency samples with sliding window.
// Stats are computed lazily and cached until the next sample.
type LatencyHistogram struct {
	mu          sync.Mutex
	samples     []float64
	next        int
	full        bool
	dirty       bool
	cachedStats LatencyStats
}

// NewSystemMetrics creates a new metrics instance.
func NewSystemMetrics() *SystemMetrics {
	return &SystemMetrics{
		OrderLatency:    NewLatencyHistogram(1000),
		StrategyLatency: NewLatencyHistogram(1000),
		TickLatency:     NewLatencyHistogram(500),
		AccountLatency:  NewLatencyHistogram(1000),
		started:         time.Now(),
	}
}

// NewLatencyHistogram creates a sliding window histogram.
func NewLatencyHistogram(size int) *LatencyHistogram {
	if size <= 0 {
		size = 1000
	}
	return &LatencyHistogram{
		samples: make([]float64, size),
		dirty:   true,
	}
}

// Record adds a latency sample in milliseconds, overwriting the oldest once full.
func (h *LatencyHistogram) Record(latencyMs float64) {
	if h == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	h.samples[h.next] = latencyMs
	h.next = (h.next + 1) % len(h.samples)
	if h.next == 0 {
		h.full = true
	}
	h.dirty = true
}

// RecordDuration converts duration to ms and records.
func (h *LatencyHistogram) RecordDuration(d time.Duration) {
	h.Record(float64(d.Nanoseconds()) / 1e6)
}

// Stats returns min, max, avg, p50, p95, p99.
func (h *LatencyHistogram) Stats() LatencyStats {
	if h == nil {
		return LatencyStats{}
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.dirty {
		return h.cachedStats
	}

	n := h.next
	if h.full {
		n = len(h.samples)
	}
	if n == 0 {
		return LatencyStats{}
	}

	sorted := make([]float64, n)
	copy(sorted, h.samples[:n])
	sort.Float64s(sorted)

	var sum float64
	for _, v := range sorted {
		sum += v
	}

	h.cachedStats = LatencyStats{
		Min:   sorted[0],
		Max:   sorted[n-1],
		Avg:   sum / float64(n),
		P50:   sorted[n/2],
		P95:   sorted[int(float64(n-1)*0.95)],
		P99:   sorted[int(float64(n-1)*0.99)],
		Count: n,
	}
	h.dirty = false

	return h.cachedStats
}

// LatencyStats holds computed latency statistics.
type LatencyStats struct {
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Avg   float64 `json:"avg"`
	P50   float64 `json:"p50"`
	P95   float64 `json:"p95"`
	P99   float64 `json:"p99"`
	Count int     `json:"count"`
}

// IncrementOrders counts an order accepted by a venue.
func (m *SystemMetrics) IncrementOrders() {
	if m != nil {
		atomic.AddUint64(&m.ordersPlaced, 1)
	}
}

// IncrementRetries counts a repeated order attempt.
func (m *SystemMetrics) IncrementRetries() {
	if m != nil {
		atomic.AddUint64(&m.orderRetries, 1)
	}
}

// IncrementTicks counts a completed tick.
func (m *SystemMetrics) IncrementTicks() {
	if m != nil {
		atomic.AddUint64(&m.ticksProcessed, 1)
	}
}

// IncrementSkipped counts a tick refused because another was in flight.
func (m *SystemMetrics) IncrementSkipped() {
	if m != nil {
		atomic.AddUint64(&m.ticksSkipped, 1)
	}
}

// IncrementSignals counts an actionable strategy signal.
func (m *SystemMetrics) IncrementSignals() {
	if m != nil {
		atomic.AddUint64(&m.signalsGenerated, 1)
	}
}

// IncrementRejections counts a risk gate rejection.
func (m *SystemMetrics) IncrementRejections() {
	if m != nil {
		atomic.AddUint64(&m.riskRejections, 1)
	}
}

// IncrementErrors counts an account-scoped failure.
func (m *SystemMetrics) IncrementErrors() {
	if m != nil {
		atomic.AddUint64(&m.errorsCount, 1)
	}
}

// MetricsSnapshot is a point-in-time copy of SystemMetrics.
type MetricsSnapshot struct {
	OrderLatency     LatencyStats `json:"order_latency"`
	StrategyLatency  LatencyStats `json:"strategy_latency"`
	TickLatency      LatencyStats `json:"tick_latency"`
	AccountLatency   LatencyStats `json:"account_latency"`
	OrdersPlaced     uint64       `json:"orders_placed"`
	OrderRetries     uint64       `json:"order_retries"`
	TicksProcessed   uint64       `json:"ticks_processed"`
	TicksSkipped     uint64       `json:"ticks_skipped"`
	SignalsGenerated uint64       `json:"signals_generated"`
	RiskRejections   uint64       `json:"risk_rejections"`
	ErrorsCount      uint64       `json:"errors_count"`
	GoroutineCount   int          `json:"goroutine_count"`
	HeapAlloc        uint64       `json:"heap_alloc_bytes"`
	Uptime           string       `json:"uptime"`
	Timestamp        time.Time    `json:"timestamp"`
}

// GetSnapshot returns a point-in-time metrics snapshot.
func (m *SystemMetrics) GetSnapshot() MetricsSnapshot {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	return MetricsSnapshot{
		OrderLatency:     m.OrderLatency.Stats(),
		StrategyLatency:  m.StrategyLatency.Stats(),
		TickLatency:      m.TickLatency.Stats(),
		AccountLatency:   m.AccountLatency.Stats(),
		OrdersPlaced:     atomic.LoadUint64(&m.ordersPlaced),
		OrderRetries:     atomic.LoadUint64(&m.orderRetries),
		TicksProcessed:   atomic.LoadUint64(&m.ticksProcessed),
		TicksSkipped:     atomic.LoadUint64(&m.ticksSkipped),
		SignalsGenerated: atomic.LoadUint64(&m.signalsGenerated),
		RiskRejections:   atomic.LoadUint64(&m.riskRejections),
		ErrorsCount:      atomic.LoadUint64(&m.errorsCount),
		GoroutineCount:   runtime.NumGoroutine(),
		HeapAlloc:        memStats.HeapAlloc,
		Uptime:           time.Since(m.started).Truncate(time.Second).String(),
		Timestamp:        time.Now(),
	}
}

// Timer helps measure operation duration.
type Timer struct {
	start     time.Time
	histogram *LatencyHistogram
}

// NewTimer creates a timer that records to the given histogram.
func NewTimer(h *LatencyHistogram) *Timer {
	return &Timer{
		start:     time.Now(),
		histogram: h,
	}
}

// Stop records elapsed time to histogram.
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	t.histogram.RecordDuration(elapsed)
	return elapsed
}
