package gatekeeper

import (
	"sort"
	"sync"

	"decision_core/internal/config"
	"decision_core/internal/core"
)

// Spread-stress tiers, ratios of current spread to the rolling median.
const (
	spreadBoostBelow  = 0.8 // tighter than usual: sizing boost
	spreadNormalUpTo  = 2.0
	spreadHaltAbove   = 5.0
	spreadBoostFactor = 1.2
)

// SpreadEstimator tracks quoted spread in basis points and compares the
// recent level against the rolling median. Unusually tight spreads earn
// a sizing boost; a blown-out spread reduces sizing linearly and halts
// past five times the median.
type SpreadEstimator struct {
	mu  sync.RWMutex
	cfg config.SpreadConfig

	recent   []float64 // spread bps, newest last
	baseline []float64

	logger core.ILogger
}

func NewSpreadEstimator(cfg config.SpreadConfig, logger core.ILogger) *SpreadEstimator {
	return &SpreadEstimator{
		cfg:    cfg,
		logger: logger.WithField("estimator", "spread"),
	}
}

// RecordSpread registers one observed spread in basis points.
func (e *SpreadEstimator) RecordSpread(bps float64) {
	if bps < 0 {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.recent = append(e.recent, bps)
	if len(e.recent) > e.cfg.WindowSize {
		e.baseline = append(e.baseline, e.recent[0])
		e.recent = e.recent[1:]
		if len(e.baseline) > e.cfg.BaselineSize {
			e.baseline = e.baseline[1:]
		}
	}
}

// ratioLocked returns current spread over rolling median, and whether
// enough baseline exists for the ratio to be meaningful.
func (e *SpreadEstimator) ratioLocked() (float64, bool) {
	if len(e.recent) < e.cfg.WindowSize || len(e.baseline) < e.cfg.WindowSize {
		return 0, false
	}
	med := median(e.baseline)
	if med <= 0 {
		return 0, false
	}
	return mean(e.recent) / med, true
}

func (e *SpreadEstimator) ShouldHaltTrading() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ratio, ok := e.ratioLocked()
	return ok && ratio > spreadHaltAbove
}

func (e *SpreadEstimator) ShouldReduceSizing() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ratio, ok := e.ratioLocked()
	return ok && ratio > spreadNormalUpTo
}

func (e *SpreadEstimator) GetSizingMultiplier() float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.multiplierLocked()
}

func (e *SpreadEstimator) multiplierLocked() float64 {
	ratio, ok := e.ratioLocked()
	if !ok {
		return 1.0
	}
	switch {
	case ratio < spreadBoostBelow:
		return spreadBoostFactor
	case ratio <= spreadNormalUpTo:
		return 1.0
	case ratio <= spreadHaltAbove:
		// Linear from 1 at 2x down to 0 at 5x.
		return 1.0 - (ratio-spreadNormalUpTo)/(spreadHaltAbove-spreadNormalUpTo)
	default:
		return 0
	}
}

func (e *SpreadEstimator) GetStatusReport() StatusReport {
	e.mu.RLock()
	defer e.mu.RUnlock()

	ratio, ok := e.ratioLocked()
	report := StatusReport{
		Name:       "spread",
		Active:     ok,
		Score:      ratio,
		Halt:       ok && ratio > spreadHaltAbove,
		Reduce:     ok && ratio > spreadNormalUpTo,
		Multiplier: e.multiplierLocked(),
		Detail: map[string]float64{
			"recent_observations":   float64(len(e.recent)),
			"baseline_observations": float64(len(e.baseline)),
		},
	}
	if ok {
		report.Detail["recent_mean_bps"] = mean(e.recent)
		report.Detail["baseline_median_bps"] = median(e.baseline)
	}
	return report
}

func median(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	sorted := make([]float64, len(xs))
	copy(sorted, xs)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		return (sorted[mid-1] + sorted[mid]) / 2
	}
	return sorted[mid]
}
