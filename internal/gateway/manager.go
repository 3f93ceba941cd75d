// Package gateway resolves credential references to exchange gateways and
// caches them per reference.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"strategy-engine/internal/credentials"
	exchange "strategy-engine/pkg/exchanges/common"
)

var (
	ErrGatewayUnhealthy = errors.New("gateway is unhealthy")
	ErrPoolFull         = errors.New("gateway pool is full")
)

// Observer receives per-call gateway telemetry.
type Observer interface {
	ObserveGateway(op string, d time.Duration, err error)
}

// CachedGateway holds a Gateway with metadata for lifecycle management.
type CachedGateway struct {
	Gateway      exchange.Gateway
	Ref          string
	ExchangeType string
	CreatedAt    time.Time
	LastUsed     time.Time
	HealthyAt    time.Time
	Failures     int
}

// Config holds configuration for the Manager.
type Config struct {
	MaxSize          int           // Maximum number of cached gateways (LRU eviction)
	IdleTimeout      time.Duration // Time before idle gateway is removed
	FailureThreshold int           // Consecutive transient failures before the circuit opens
	CircuitTimeout   time.Duration // Time to wait before retrying an unhealthy gateway
	DryRun           bool          // route every reference to the paper exchange
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() Config {
	return Config{
		MaxSize:          100,
		IdleTimeout:      30 * time.Minute,
		FailureThreshold: 5,
		CircuitTimeout:   time.Minute,
	}
}

// Manager manages a pool of Gateway instances with LRU eviction and a
// failure circuit breaker.
type Manager struct {
	mu       sync.RWMutex
	gateways map[string]*CachedGateway // credential ref -> cached gateway
	lruOrder []string                  // oldest first

	config   Config
	resolver credentials.Resolver
	factory  Factory
	observer Observer
	logger   *zap.Logger
	now      func() time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewManager creates a new Manager. observer may be nil.
func NewManager(resolver credentials.Resolver, factory Factory, cfg Config, observer Observer, logger *zap.Logger) *Manager {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = DefaultConfig().MaxSize
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultConfig().IdleTimeout
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultConfig().FailureThreshold
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		gateways: make(map[string]*CachedGateway),
		config:   cfg,
		resolver: resolver,
		factory:  factory,
		observer: observer,
		logger:   logger.Named("gateway"),
		now:      time.Now,
		stopCh:   make(chan struct{}),
	}
}

// Start begins background idle cleanup.
func (m *Manager) Start(ctx context.Context) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.config.IdleTimeout / 2)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stopCh:
				return
			case <-ticker.C:
				m.cleanupIdle()
			}
		}
	}()
}

// Stop shuts down the manager and drops all cached gateways.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()

	m.mu.Lock()
	defer m.mu.Unlock()
	for ref := range m.gateways {
		delete(m.gateways, ref)
	}
	m.lruOrder = nil
}

// Get returns the gateway for a credential reference, creating it on first use.
// Returned gateways report call outcomes to the circuit breaker.
func (m *Manager) Get(ctx context.Context, ref string) (exchange.Gateway, error) {
	if m.config.DryRun && !credentials.IsPaper(ref) {
		ref = credentials.PaperRef + ":" + ref
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if cached, ok := m.gateways[ref]; ok {
		if cached.Failures >= m.config.FailureThreshold && m.now().Sub(cached.HealthyAt) < m.config.CircuitTimeout {
			return nil, exchange.Classify(exchange.ErrNetwork, fmt.Errorf("%w: %s", ErrGatewayUnhealthy, ref))
		}
		m.touchLRULocked(ref)
		return &tracked{inner: cached.Gateway, ref: ref, m: m}, nil
	}

	if len(m.gateways) >= m.config.MaxSize && !m.evictOldestLocked() {
		return nil, ErrPoolFull
	}

	creds, err := m.resolver.Resolve(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("resolve credentials: %w", err)
	}
	gw, err := m.factory(creds)
	if err != nil {
		return nil, fmt.Errorf("create gateway: %w", err)
	}

	now := m.now()
	m.gateways[ref] = &CachedGateway{
		Gateway:      gw,
		Ref:          ref,
		ExchangeType: creds.Exchange,
		CreatedAt:    now,
		LastUsed:     now,
		HealthyAt:    now,
	}
	m.lruOrder = append(m.lruOrder, ref)
	m.logger.Info("gateway created", zap.String("ref", ref), zap.String("exchange", creds.Exchange))
	return &tracked{inner: gw, ref: ref, m: m}, nil
}

// Remove removes a gateway from the pool.
func (m *Manager) Remove(ref string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.gateways, ref)
	m.removeLRULocked(ref)
}

// RecordFailure records a transient failure for a gateway.
func (m *Manager) RecordFailure(ref string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cached, ok := m.gateways[ref]; ok {
		cached.Failures++
		if cached.Failures == m.config.FailureThreshold {
			cached.HealthyAt = m.now()
			m.logger.Warn("gateway circuit open", zap.String("ref", ref), zap.Int("failures", cached.Failures))
		}
	}
}

// RecordSuccess resets the failure counter.
func (m *Manager) RecordSuccess(ref string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cached, ok := m.gateways[ref]; ok {
		cached.Failures = 0
		cached.HealthyAt = m.now()
	}
}

// PoolStats contains gateway pool statistics.
type PoolStats struct {
	TotalGateways  int            `json:"total_gateways"`
	MaxSize        int            `json:"max_size"`
	ByExchangeType map[string]int `json:"by_exchange_type"`
	UnhealthyCount int            `json:"unhealthy_count"`
}

// Stats returns current pool statistics.
func (m *Manager) Stats() PoolStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := PoolStats{
		TotalGateways:  len(m.gateways),
		MaxSize:        m.config.MaxSize,
		ByExchangeType: make(map[string]int),
	}
	for _, cached := range m.gateways {
		stats.ByExchangeType[cached.ExchangeType]++
		if cached.Failures >= m.config.FailureThreshold {
			stats.UnhealthyCount++
		}
	}
	return stats
}

func (m *Manager) touchLRULocked(ref string) {
	if cached, ok := m.gateways[ref]; ok {
		cached.LastUsed = m.now()
	}
	for i, id := range m.lruOrder {
		if id == ref {
			m.lruOrder = append(m.lruOrder[:i], m.lruOrder[i+1:]...)
			m.lruOrder = append(m.lruOrder, ref)
			break
		}
	}
}

func (m *Manager) removeLRULocked(ref string) {
	for i, id := range m.lruOrder {
		if id == ref {
			m.lruOrder = append(m.lruOrder[:i], m.lruOrder[i+1:]...)
			break
		}
	}
}

func (m *Manager) evictOldestLocked() bool {
	if len(m.lruOrder) == 0 {
		return false
	}
	oldest := m.lruOrder[0]
	delete(m.gateways, oldest)
	m.lruOrder = m.lruOrder[1:]
	return true
}

func (m *Manager) cleanupIdle() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	for ref, cached := range m.gateways {
		if now.Sub(cached.LastUsed) > m.config.IdleTimeout {
			delete(m.gateways, ref)
			m.removeLRULocked(ref)
		}
	}
}

// tracked reports call latency and transient failures for a cached gateway.
type tracked struct {
	inner exchange.Gateway
	ref   string
	m     *Manager
}

func (t *tracked) observe(op string, start time.Time, err error) {
	if t.m.observer != nil {
		t.m.observer.ObserveGateway(op, time.Since(start), err)
	}
	switch {
	case err == nil:
		t.m.RecordSuccess(t.ref)
	case exchange.IsRetryable(err):
		t.m.RecordFailure(t.ref)
	}
}

func (t *tracked) PlaceOrder(ctx context.Context, req exchange.OrderRequest) (exchange.OrderAck, error) {
	start := time.Now()
	ack, err := t.inner.PlaceOrder(ctx, req)
	t.observe("place", start, err)
	return ack, err
}

func (t *tracked) CancelOrder(ctx context.Context, symbol string, ref exchange.OrderRef) error {
	start := time.Now()
	err := t.inner.CancelOrder(ctx, symbol, ref)
	t.observe("cancel", start, err)
	return err
}

func (t *tracked) FetchOrderStatus(ctx context.Context, symbol string, ref exchange.OrderRef) (exchange.OrderStatusReport, error) {
	start := time.Now()
	rep, err := t.inner.FetchOrderStatus(ctx, symbol, ref)
	if errors.Is(err, exchange.ErrOrderNotFound) {
		t.observe("status", start, nil)
		return rep, err
	}
	t.observe("status", start, err)
	return rep, err
}

func (t *tracked) FetchOpenPosition(ctx context.Context, symbol string) (exchange.PositionReport, error) {
	start := time.Now()
	pos, err := t.inner.FetchOpenPosition(ctx, symbol)
	t.observe("position", start, err)
	return pos, err
}

// SetPrice forwards marks to simulated gateways; real venues ignore it.
func (t *tracked) SetPrice(symbol string, price float64) {
	if p, ok := t.inner.(interface{ SetPrice(string, float64) }); ok {
		p.SetPrice(symbol, price)
	}
}
