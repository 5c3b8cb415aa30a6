package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric names
const (
	MetricPaymentsTotal      = "funding_keeper_payments_usd_total"
	MetricRealizedAPY        = "funding_keeper_realized_apy_pct"
	MetricExpectedAPR        = "funding_keeper_expected_apr_pct"
	MetricPairsOpen          = "funding_keeper_pairs_open"
	MetricPairNotional       = "funding_keeper_pair_notional_usd"
	MetricCapitalUSD         = "funding_keeper_capital_usd"
	MetricOrdersPlacedTotal  = "funding_keeper_orders_placed_total"
	MetricOrdersFilledTotal  = "funding_keeper_orders_filled_total"
	MetricScansTotal         = "funding_keeper_scans_total"
	MetricIncidentsActive    = "funding_keeper_incidents_active"
	MetricHealthFactor       = "funding_keeper_health_factor"
	MetricLatencyExchange    = "funding_keeper_latency_exchange_ms"
	MetricCircuitBreakerOpen = "funding_keeper_circuit_breaker_open"
)

// MetricsHolder holds initialized instruments
type MetricsHolder struct {
	PaymentsTotal      metric.Float64Counter
	OrdersPlacedTotal  metric.Int64Counter
	OrdersFilledTotal  metric.Int64Counter
	ScansTotal         metric.Int64Counter
	LatencyExchange    metric.Float64Histogram
	RealizedAPY        metric.Float64ObservableGauge
	ExpectedAPR        metric.Float64ObservableGauge
	PairsOpen          metric.Int64ObservableGauge
	PairNotional       metric.Float64ObservableGauge
	CapitalUSD         metric.Float64ObservableGauge
	IncidentsActive    metric.Int64ObservableGauge
	HealthFactor       metric.Float64ObservableGauge
	CircuitBreakerOpen metric.Int64ObservableGauge

	// State for observable gauges
	mu              sync.RWMutex
	realizedAPY     float64
	expectedAPRMap  map[string]float64
	pairsOpenMap    map[string]int64
	pairNotionalMap map[string]float64
	capitalUSD      float64
	incidentsActive int64
	healthFactorMap map[string]float64
	cbOpenMap       map[string]int64
}

var (
	globalMetrics *MetricsHolder
	initOnce      sync.Once
)

// GetGlobalMetrics returns the singleton metrics holder
func GetGlobalMetrics() *MetricsHolder {
	initOnce.Do(func() {
		globalMetrics = &MetricsHolder{
			expectedAPRMap:  make(map[string]float64),
			pairsOpenMap:    make(map[string]int64),
			pairNotionalMap: make(map[string]float64),
			healthFactorMap: make(map[string]float64),
			cbOpenMap:       make(map[string]int64),
		}
		// Initialization of instruments happens in InitMetrics
	})
	return globalMetrics
}

// InitMetrics initializes instruments using the meter
func (m *MetricsHolder) InitMetrics(meter metric.Meter) error {
	var err error

	m.PaymentsTotal, err = meter.Float64Counter(MetricPaymentsTotal, metric.WithDescription("Cumulative realized funding payments in USD"))
	if err != nil {
		return err
	}

	m.OrdersPlacedTotal, err = meter.Int64Counter(MetricOrdersPlacedTotal, metric.WithDescription("Total orders placed"))
	if err != nil {
		return err
	}

	m.OrdersFilledTotal, err = meter.Int64Counter(MetricOrdersFilledTotal, metric.WithDescription("Total orders filled"))
	if err != nil {
		return err
	}

	m.ScansTotal, err = meter.Int64Counter(MetricScansTotal, metric.WithDescription("Total opportunity scans completed"))
	if err != nil {
		return err
	}

	m.LatencyExchange, err = meter.Float64Histogram(MetricLatencyExchange, metric.WithDescription("Latency of venue API calls"), metric.WithUnit("ms"))
	if err != nil {
		return err
	}

	// Observables
	m.RealizedAPY, err = meter.Float64ObservableGauge(MetricRealizedAPY, metric.WithDescription("Realized net APY over the rolling window"),
		metric.WithFloat64Callback(func(ctx context.Context, obs metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			obs.Observe(m.realizedAPY)
			return nil
		}))
	if err != nil {
		return err
	}

	m.ExpectedAPR, err = meter.Float64ObservableGauge(MetricExpectedAPR, metric.WithDescription("Expected APR of the best live opportunity per symbol"),
		metric.WithFloat64Callback(func(ctx context.Context, obs metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for sym, val := range m.expectedAPRMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("symbol", sym)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.PairsOpen, err = meter.Int64ObservableGauge(MetricPairsOpen, metric.WithDescription("Open delta-neutral pairs per symbol"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for sym, val := range m.pairsOpenMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("symbol", sym)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.PairNotional, err = meter.Float64ObservableGauge(MetricPairNotional, metric.WithDescription("Deployed notional per symbol in USD"),
		metric.WithFloat64Callback(func(ctx context.Context, obs metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for sym, val := range m.pairNotionalMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("symbol", sym)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.CapitalUSD, err = meter.Float64ObservableGauge(MetricCapitalUSD, metric.WithDescription("Deployable capital in USD"),
		metric.WithFloat64Callback(func(ctx context.Context, obs metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			obs.Observe(m.capitalUSD)
			return nil
		}))
	if err != nil {
		return err
	}

	m.IncidentsActive, err = meter.Int64ObservableGauge(MetricIncidentsActive, metric.WithDescription("Unresolved single-leg incidents"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			obs.Observe(m.incidentsActive)
			return nil
		}))
	if err != nil {
		return err
	}

	m.HealthFactor, err = meter.Float64ObservableGauge(MetricHealthFactor, metric.WithDescription("Lending account health factor per venue"),
		metric.WithFloat64Callback(func(ctx context.Context, obs metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for venue, val := range m.healthFactorMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("venue", venue)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.CircuitBreakerOpen, err = meter.Int64ObservableGauge(MetricCircuitBreakerOpen, metric.WithDescription("Venue circuit breaker open state (1=open, 0=closed)"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for venue, val := range m.cbOpenMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("venue", venue)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	return nil
}

// Helpers to update observable state

func (m *MetricsHolder) SetRealizedAPY(value float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.realizedAPY = value
}

func (m *MetricsHolder) SetExpectedAPR(symbol string, value float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expectedAPRMap[symbol] = value
}

func (m *MetricsHolder) SetPairsOpen(symbol string, count int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pairsOpenMap[symbol] = count
}

func (m *MetricsHolder) SetPairNotional(symbol string, usd float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pairNotionalMap[symbol] = usd
}

func (m *MetricsHolder) SetCapitalUSD(value float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.capitalUSD = value
}

func (m *MetricsHolder) SetIncidentsActive(count int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.incidentsActive = count
}

func (m *MetricsHolder) SetHealthFactor(venue string, hf float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.healthFactorMap[venue] = hf
}

func (m *MetricsHolder) SetCircuitBreakerOpen(venue string, open bool) {
	val := int64(0)
	if open {
		val = 1
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cbOpenMap[venue] = val
}

func (m *MetricsHolder) GetPairsOpen() map[string]int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make(map[string]int64)
	for k, v := range m.pairsOpenMap {
		res[k] = v
	}
	return res
}

func (m *MetricsHolder) GetPairNotional() map[string]float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make(map[string]float64)
	for k, v := range m.pairNotionalMap {
		res[k] = v
	}
	return res
}
