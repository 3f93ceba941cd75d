package monitor

import (
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"strategy-engine/internal/gateway"
)

// SystemMetrics tracks engine activity across runners and backtests.
type SystemMetrics struct {
	mu sync.RWMutex

	// Latency histograms
	TickLatency     *LatencyHistogram
	GatewayLatency  *LatencyHistogram
	BacktestLatency *LatencyHistogram

	// Counters
	ticksProcessed   uint64
	signalsGenerated uint64
	ordersSubmitted  uint64
	ordersRejected   uint64
	fillsRecorded    uint64
	reconciliations  uint64
	conflicts        uint64
	backtestsRun     uint64
	activeRunners    int64

	errorsByClass map[string]uint64
	gatewayStats  gateway.PoolStats

	startedAt time.Time
}

// LatencyHistogram tracks latency samples with sliding window.
// Stats are computed lazily and cached until the next sample.
type LatencyHistogram struct {
	mu          sync.Mutex
	samples     []float64
	maxSize     int
	dirty       bool
	cachedStats LatencyStats
}

// NewSystemMetrics creates a new metrics instance.
func NewSystemMetrics() *SystemMetrics {
	return &SystemMetrics{
		TickLatency:     NewLatencyHistogram(1000),
		GatewayLatency:  NewLatencyHistogram(1000),
		BacktestLatency: NewLatencyHistogram(200),
		errorsByClass:   make(map[string]uint64),
		startedAt:       time.Now(),
	}
}

// NewLatencyHistogram creates a sliding window histogram.
func NewLatencyHistogram(size int) *LatencyHistogram {
	if size <= 0 {
		size = 1000
	}
	return &LatencyHistogram{
		samples: make([]float64, 0, size),
		maxSize: size,
		dirty:   true,
	}
}

// Record adds a latency sample in milliseconds.
func (h *LatencyHistogram) Record(latencyMs float64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.samples) >= h.maxSize {
		h.samples = h.samples[1:]
	}
	h.samples = append(h.samples, latencyMs)
	h.dirty = true
}

// RecordDuration converts duration to ms and records.
func (h *LatencyHistogram) RecordDuration(d time.Duration) {
	h.Record(float64(d.Nanoseconds()) / 1e6)
}

// Stats returns min, max, avg, p50, p95, p99.
func (h *LatencyHistogram) Stats() LatencyStats {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.dirty && h.cachedStats.Count > 0 {
		return h.cachedStats
	}

	n := len(h.samples)
	if n == 0 {
		return LatencyStats{}
	}

	sorted := make([]float64, n)
	copy(sorted, h.samples)
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
		P95:   sorted[int(float64(n)*0.95)],
		P99:   sorted[int(float64(n)*0.99)],
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

func (m *SystemMetrics) IncrementTicks() { atomic.AddUint64(&m.ticksProcessed, 1) }
func (m *SystemMetrics) IncrementSignals() { atomic.AddUint64(&m.signalsGenerated, 1) }
func (m *SystemMetrics) IncrementSubmitted() { atomic.AddUint64(&m.ordersSubmitted, 1) }
func (m *SystemMetrics) IncrementRejected() { atomic.AddUint64(&m.ordersRejected, 1) }
func (m *SystemMetrics) IncrementFills() { atomic.AddUint64(&m.fillsRecorded, 1) }
func (m *SystemMetrics) IncrementReconciled() { atomic.AddUint64(&m.reconciliations, 1) }
func (m *SystemMetrics) IncrementConflicts() { atomic.AddUint64(&m.conflicts, 1) }
func (m *SystemMetrics) IncrementBacktests() { atomic.AddUint64(&m.backtestsRun, 1) }
func (m *SystemMetrics) RunnerStarted() { atomic.AddInt64(&m.activeRunners, 1) }
func (m *SystemMetrics) RunnerStopped() { atomic.AddInt64(&m.activeRunners, -1) }

// IncrementErrors counts an error under its class label.
func (m *SystemMetrics) IncrementErrors(class string) {
	if class == "" {
		return
	}
	m.mu.Lock()
	m.errorsByClass[class]++
	m.mu.Unlock()
}

// ObserveGateway records one gateway call; it satisfies gateway.Observer.
func (m *SystemMetrics) ObserveGateway(op string, d time.Duration, err error) {
	m.GatewayLatency.RecordDuration(d)
	if err != nil {
		m.IncrementErrors("gateway_" + op)
	}
}

// MetricsSnapshot is a point-in-time view served by the API.
type MetricsSnapshot struct {
	TickLatency      LatencyStats      `json:"tick_latency"`
	GatewayLatency   LatencyStats      `json:"gateway_latency"`
	BacktestLatency  LatencyStats      `json:"backtest_latency"`
	TicksProcessed   uint64            `json:"ticks_processed"`
	SignalsGenerated uint64            `json:"signals_generated"`
	OrdersSubmitted  uint64            `json:"orders_submitted"`
	OrdersRejected   uint64            `json:"orders_rejected"`
	FillsRecorded    uint64            `json:"fills_recorded"`
	Reconciliations  uint64            `json:"reconciliations"`
	Conflicts        uint64            `json:"reconciliation_conflicts"`
	BacktestsRun     uint64            `json:"backtests_run"`
	ActiveRunners    int64             `json:"active_runners"`
	ErrorsByClass    map[string]uint64 `json:"errors_by_class"`
	GatewayPool      gateway.PoolStats `json:"gateway_pool"`
	GoroutineCount   int               `json:"goroutine_count"`
	HeapAlloc        uint64            `json:"heap_alloc_bytes"`
	Uptime           string            `json:"uptime"`
	Timestamp        time.Time         `json:"timestamp"`
}

// GetSnapshot returns a point-in-time metrics snapshot.
func (m *SystemMetrics) GetSnapshot() MetricsSnapshot {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	m.mu.RLock()
	gwStats := m.gatewayStats
	errs := make(map[string]uint64, len(m.errorsByClass))
	for k, v := range m.errorsByClass {
		errs[k] = v
	}
	m.mu.RUnlock()

	return MetricsSnapshot{
		TickLatency:      m.TickLatency.Stats(),
		GatewayLatency:   m.GatewayLatency.Stats(),
		BacktestLatency:  m.BacktestLatency.Stats(),
		TicksProcessed:   atomic.LoadUint64(&m.ticksProcessed),
		SignalsGenerated: atomic.LoadUint64(&m.signalsGenerated),
		OrdersSubmitted:  atomic.LoadUint64(&m.ordersSubmitted),
		OrdersRejected:   atomic.LoadUint64(&m.ordersRejected),
		FillsRecorded:    atomic.LoadUint64(&m.fillsRecorded),
		Reconciliations:  atomic.LoadUint64(&m.reconciliations),
		Conflicts:        atomic.LoadUint64(&m.conflicts),
		BacktestsRun:     atomic.LoadUint64(&m.backtestsRun),
		ActiveRunners:    atomic.LoadInt64(&m.activeRunners),
		ErrorsByClass:    errs,
		GatewayPool:      gwStats,
		GoroutineCount:   runtime.NumGoroutine(),
		HeapAlloc:        memStats.HeapAlloc,
		Uptime:           time.Since(m.startedAt).Truncate(time.Second).String(),
		Timestamp:        time.Now(),
	}
}

// SetGatewayPoolStats updates gateway pool statistics.
func (m *SystemMetrics) SetGatewayPoolStats(stats gateway.PoolStats) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gatewayStats = stats
}

// Timer helps measure operation duration.
type Timer struct {
	start     time.Time
	histogram *LatencyHistogram
}

// NewTimer creates a timer that records to the given histogram.
func NewTimer(h *LatencyHistogram) *Timer {
	return &Timer{start: time.Now(), histogram: h}
}

// Stop records elapsed time to histogram.
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	if t.histogram != nil {
		t.histogram.RecordDuration(elapsed)
	}
	return elapsed
}
