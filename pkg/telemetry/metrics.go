package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric names
const (
	MetricSignalsPublishedTotal    = "decision_core_signals_published_total"
	MetricSignalsExpiredTotal      = "decision_core_signals_expired_total"
	MetricDecisionsTotal           = "decision_core_decisions_total"
	MetricLedgerWritesTotal        = "decision_core_ledger_writes_total"
	MetricLedgerDuplicatesTotal    = "decision_core_ledger_duplicates_total"
	MetricLedgerEvictionsTotal     = "decision_core_ledger_evictions_total"
	MetricBudgetExhaustedTotal     = "decision_core_budget_exhausted_total"
	MetricBudgetUtilization        = "decision_core_budget_utilization"
	MetricGatekeeperHaltsTotal     = "decision_core_gatekeeper_halts_total"
	MetricSizingMultiplier         = "decision_core_sizing_multiplier"
	MetricRegimeChanges            = "decision_core_regime_changes_total"
	MetricExtremeCorrelationsTotal = "decision_core_extreme_correlations_total"
	MetricTickDuration             = "decision_core_tick_duration_ms"
)

// MetricsHolder holds initialized instruments
type MetricsHolder struct {
	SignalsPublishedTotal    metric.Int64Counter
	SignalsExpiredTotal      metric.Int64Counter
	DecisionsTotal           metric.Int64Counter
	LedgerWritesTotal        metric.Int64Counter
	LedgerDuplicatesTotal    metric.Int64Counter
	LedgerEvictionsTotal     metric.Int64Counter
	BudgetExhaustedTotal     metric.Int64Counter
	BudgetUtilization        metric.Float64ObservableGauge
	GatekeeperHaltsTotal     metric.Int64Counter
	SizingMultiplier         metric.Float64ObservableGauge
	RegimeChanges            metric.Int64Counter
	ExtremeCorrelationsTotal metric.Int64Counter
	TickDuration             metric.Float64Histogram

	// State for observable gauges
	mu             sync.RWMutex
	utilizationMap map[string]float64 // family -> utilization pct
	multiplierMap  map[string]float64 // estimator -> current multiplier
}

var (
	globalMetrics *MetricsHolder
	initOnce      sync.Once
)

// GetGlobalMetrics returns the singleton metrics holder
func GetGlobalMetrics() *MetricsHolder {
	initOnce.Do(func() {
		globalMetrics = &MetricsHolder{
			utilizationMap: make(map[string]float64),
			multiplierMap:  make(map[string]float64),
		}
		// Initialization of instruments happens in InitInstruments
	})
	return globalMetrics
}

// InitInstruments initializes instruments using the meter
func (m *MetricsHolder) InitInstruments(meter metric.Meter) error {
	var err error

	m.SignalsPublishedTotal, err = meter.Int64Counter(MetricSignalsPublishedTotal, metric.WithDescription("Signals accepted into the bus"))
	if err != nil {
		return err
	}

	m.SignalsExpiredTotal, err = meter.Int64Counter(MetricSignalsExpiredTotal, metric.WithDescription("Signals rejected at publish because their TTL had elapsed"))
	if err != nil {
		return err
	}

	m.DecisionsTotal, err = meter.Int64Counter(MetricDecisionsTotal, metric.WithDescription("Conflict resolutions produced, by verdict"))
	if err != nil {
		return err
	}

	m.LedgerWritesTotal, err = meter.Int64Counter(MetricLedgerWritesTotal, metric.WithDescription("Decision ledger inserts"))
	if err != nil {
		return err
	}

	m.LedgerDuplicatesTotal, err = meter.Int64Counter(MetricLedgerDuplicatesTotal, metric.WithDescription("Duplicate ledger writes suppressed by the idempotency key"))
	if err != nil {
		return err
	}

	m.LedgerEvictionsTotal, err = meter.Int64Counter(MetricLedgerEvictionsTotal, metric.WithDescription("Records evicted from the bounded ledger in insertion order"))
	if err != nil {
		return err
	}

	m.BudgetExhaustedTotal, err = meter.Int64Counter(MetricBudgetExhaustedTotal, metric.WithDescription("Reservations rejected for insufficient family budget"))
	if err != nil {
		return err
	}

	m.GatekeeperHaltsTotal, err = meter.Int64Counter(MetricGatekeeperHaltsTotal, metric.WithDescription("Trade approvals denied by a gatekeeper halt"))
	if err != nil {
		return err
	}

	m.RegimeChanges, err = meter.Int64Counter(MetricRegimeChanges, metric.WithDescription("Gatekeeper regime transitions"))
	if err != nil {
		return err
	}

	m.ExtremeCorrelationsTotal, err = meter.Int64Counter(MetricExtremeCorrelationsTotal, metric.WithDescription("Strategy pairs crossing the extreme correlation threshold"))
	if err != nil {
		return err
	}

	m.TickDuration, err = meter.Float64Histogram(MetricTickDuration, metric.WithDescription("Duration of one decision tick"), metric.WithUnit("ms"))
	if err != nil {
		return err
	}

	// Observables
	m.BudgetUtilization, err = meter.Float64ObservableGauge(MetricBudgetUtilization, metric.WithDescription("Per-family budget utilization percentage"),
		metric.WithFloat64Callback(func(ctx context.Context, obs metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for family, val := range m.utilizationMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("family", family)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.SizingMultiplier, err = meter.Float64ObservableGauge(MetricSizingMultiplier, metric.WithDescription("Current sizing multiplier per gatekeeper estimator"),
		metric.WithFloat64Callback(func(ctx context.Context, obs metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for estimator, val := range m.multiplierMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("estimator", estimator)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	return nil
}

// Helpers to update observable state

func (m *MetricsHolder) SetBudgetUtilization(family string, pct float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.utilizationMap[family] = pct
}

func (m *MetricsHolder) SetSizingMultiplier(estimator string, mult float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.multiplierMap[estimator] = mult
}

func (m *MetricsHolder) GetBudgetUtilization() map[string]float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make(map[string]float64)
	for k, v := range m.utilizationMap {
		res[k] = v
	}
	return res
}

func (m *MetricsHolder) GetSizingMultipliers() map[string]float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make(map[string]float64)
	for k, v := range m.multiplierMap {
		res[k] = v
	}
	return res
}
