package gatekeeper

import (
	"math"
	"sync"

	"decision_core/internal/config"
	"decision_core/internal/core"
)

// ImpactEstimator tracks realized price impact per unit volume. The
// recent window is compared against a longer historical baseline;
// trading halts when recent impact runs a configured multiple above
// baseline.
type ImpactEstimator struct {
	mu  sync.RWMutex
	cfg config.ImpactConfig

	recent   []float64 // impact-per-unit-volume, newest last
	baseline []float64

	logger core.ILogger
}

func NewImpactEstimator(cfg config.ImpactConfig, logger core.ILogger) *ImpactEstimator {
	return &ImpactEstimator{
		cfg:    cfg,
		logger: logger.WithField("estimator", "impact"),
	}
}

// RecordFill registers one fill's realized impact. priceImpact is the
// absolute adverse move attributable to the fill; volume is the filled
// quantity. Zero-volume fills are ignored.
func (e *ImpactEstimator) RecordFill(priceImpact, volume float64) {
	if volume <= 0 {
		return
	}
	ratio := math.Abs(priceImpact) / volume

	e.mu.Lock()
	defer e.mu.Unlock()

	e.recent = append(e.recent, ratio)
	if len(e.recent) > e.cfg.WindowSize {
		// The observation leaving the recent window graduates into
		// the baseline.
		e.baseline = append(e.baseline, e.recent[0])
		e.recent = e.recent[1:]
		if len(e.baseline) > e.cfg.BaselineSize {
			e.baseline = e.baseline[1:]
		}
	}
}

// ratioLocked returns recent impact relative to baseline, and whether
// enough data exists for the comparison to mean anything.
func (e *ImpactEstimator) ratioLocked() (float64, bool) {
	if len(e.recent) < e.cfg.WindowSize || len(e.baseline) < e.cfg.WindowSize {
		return 0, false
	}
	base := mean(e.baseline)
	if base <= 0 {
		return 0, false
	}
	return mean(e.recent) / base, true
}

func (e *ImpactEstimator) ShouldHaltTrading() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ratio, ok := e.ratioLocked()
	return ok && ratio >= e.cfg.HaltMultiple
}

func (e *ImpactEstimator) ShouldReduceSizing() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ratio, ok := e.ratioLocked()
	return ok && ratio >= e.cfg.ReduceMultiple
}

// GetSizingMultiplier is 1.0 with insufficient data (fail open), falls
// linearly from 1 to 0 between the reduce and halt multiples, and is 0
// at or beyond halt (fail closed).
func (e *ImpactEstimator) GetSizingMultiplier() float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.multiplierLocked()
}

func (e *ImpactEstimator) multiplierLocked() float64 {
	ratio, ok := e.ratioLocked()
	if !ok || ratio < e.cfg.ReduceMultiple {
		return 1.0
	}
	if ratio >= e.cfg.HaltMultiple {
		return 0
	}
	span := e.cfg.HaltMultiple - e.cfg.ReduceMultiple
	if span <= 0 {
		return 0
	}
	return 1.0 - (ratio-e.cfg.ReduceMultiple)/span
}

func (e *ImpactEstimator) GetStatusReport() StatusReport {
	e.mu.RLock()
	defer e.mu.RUnlock()

	ratio, ok := e.ratioLocked()
	report := StatusReport{
		Name:   "impact",
		Active: ok,
		Score:  ratio,
		Detail: map[string]float64{
			"recent_observations":   float64(len(e.recent)),
			"baseline_observations": float64(len(e.baseline)),
		},
	}
	report.Halt = ok && ratio >= e.cfg.HaltMultiple
	report.Reduce = ok && ratio >= e.cfg.ReduceMultiple
	report.Multiplier = e.multiplierLocked()
	if ok {
		report.Detail["recent_mean"] = mean(e.recent)
		report.Detail["baseline_mean"] = mean(e.baseline)
	}
	return report
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}
