// Package correlation maintains exponentially decayed pairwise
// correlations between strategies' realized outcomes. Outcomes are
// recorded in risk units (R multiples), resampled to a daily grid and
// weighted toward recent days, so slow regime drift does not mask a
// fresh crowding event.
package correlation

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"decision_core/internal/config"
	"decision_core/internal/core"
	apperrors "decision_core/pkg/errors"
	"decision_core/pkg/telemetry"
)

// outcome is one realized trade result for a strategy.
type outcome struct {
	At           time.Time
	RiskMultiple float64
}

// pairKey is an unordered strategy pair, stored sorted.
type pairKey struct {
	A, B string
}

func makePairKey(a, b string) pairKey {
	if a > b {
		a, b = b, a
	}
	return pairKey{A: a, B: b}
}

type pairValue struct {
	Rho       float64
	UpdatedAt time.Time
}

// Tracker holds bounded per-strategy outcome histories and a cache of
// pairwise correlations rebuilt by Recompute. Reads are frequent and
// cheap; Recompute is the single writer of the cache.
type Tracker struct {
	mu        sync.RWMutex
	histories map[string][]outcome
	pairs     map[pairKey]pairValue

	cfg    config.CorrelationConfig
	logger core.ILogger

	extremeEvents int64
}

func NewTracker(cfg config.CorrelationConfig, logger core.ILogger) *Tracker {
	return &Tracker{
		histories: make(map[string][]outcome),
		pairs:     make(map[pairKey]pairValue),
		cfg:       cfg,
		logger:    logger.WithField("component", "correlation_tracker"),
	}
}

// RecordOutcome appends a realized outcome to the strategy's history,
// evicting the oldest entry once the configured capacity is reached.
func (t *Tracker) RecordOutcome(strategyID string, riskMultiple float64) {
	t.RecordOutcomeAt(strategyID, riskMultiple, time.Now())
}

// RecordOutcomeAt records an outcome with an explicit timestamp, for
// backfilling history from stored trade logs.
func (t *Tracker) RecordOutcomeAt(strategyID string, riskMultiple float64, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	h := t.histories[strategyID]
	if len(h) >= t.cfg.HistoryCapacity {
		h = h[1:]
	}
	t.histories[strategyID] = append(h, outcome{At: at, RiskMultiple: riskMultiple})
}

// Recompute rebuilds every pairwise correlation from current histories.
// Pairs lacking the minimum observations or aligned days are stored at
// the neutral default 0.0 so lookups never fail.
func (t *Tracker) Recompute() {
	t.mu.Lock()
	defer t.mu.Unlock()

	ids := make([]string, 0, len(t.histories))
	for id := range t.histories {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	now := time.Now()
	for i := 0; i < len(ids); i++ {
		for j := i + 1; j < len(ids); j++ {
			key := makePairKey(ids[i], ids[j])
			rho, err := t.estimateLocked(ids[i], ids[j], now)
			if err != nil {
				// Failing pairs stay at the neutral default so cached
				// lookups never error; the typed reason is kept in the
				// log trail.
				t.logger.Debug("Pair correlation unavailable",
					"strategy_a", key.A,
					"strategy_b", key.B,
					"reason", err.Error())
				rho = 0
			}
			prev := t.pairs[key]
			t.pairs[key] = pairValue{Rho: rho, UpdatedAt: now}

			if math.Abs(rho) > t.cfg.ExtremeThreshold && math.Abs(prev.Rho) <= t.cfg.ExtremeThreshold {
				t.extremeEvents++
				if m := telemetry.GetGlobalMetrics(); m.ExtremeCorrelationsTotal != nil {
					m.ExtremeCorrelationsTotal.Add(context.Background(), 1)
				}
				t.logger.Warn("Extreme strategy correlation",
					"strategy_a", key.A,
					"strategy_b", key.B,
					"rho", rho,
					"threshold", t.cfg.ExtremeThreshold)
			}
		}
	}
}

// Estimate computes the decayed correlation for one pair directly from
// current histories, returning a typed failure reason instead of a
// silent neutral value when the estimate is undefined.
func (t *Tracker) Estimate(a, b string) (float64, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.estimateLocked(a, b, time.Now())
}

// estimateLocked computes the decayed correlation for one pair. Caller
// holds t.mu.
func (t *Tracker) estimateLocked(a, b string, now time.Time) (float64, error) {
	ha, hb := t.histories[a], t.histories[b]
	if len(ha) < t.cfg.MinObservations || len(hb) < t.cfg.MinObservations {
		return 0, fmt.Errorf("%w: %s has %d outcomes, %s has %d, need %d each",
			apperrors.ErrInsufficientData, a, len(ha), b, len(hb), t.cfg.MinObservations)
	}

	da := dailyMeans(ha)
	db := dailyMeans(hb)

	days := make([]int64, 0, len(da))
	for day := range da {
		if _, ok := db[day]; ok {
			days = append(days, day)
		}
	}
	if len(days) < t.cfg.MinAlignedDays {
		return 0, fmt.Errorf("%w: %d aligned days, need %d",
			apperrors.ErrInsufficientData, len(days), t.cfg.MinAlignedDays)
	}
	sort.Slice(days, func(i, j int) bool { return days[i] < days[j] })

	nowDay := now.UTC().Unix() / 86400
	lambda := math.Ln2 / t.cfg.HalfLifeDays

	var sumW, meanA, meanB float64
	weights := make([]float64, len(days))
	for i, day := range days {
		age := float64(nowDay - day)
		if age < 0 {
			age = 0
		}
		w := math.Exp(-lambda * age)
		weights[i] = w
		sumW += w
		meanA += w * da[day]
		meanB += w * db[day]
	}
	if sumW == 0 {
		return 0, fmt.Errorf("%w: decay weights sum to zero", apperrors.ErrNumericalInstability)
	}
	meanA /= sumW
	meanB /= sumW

	var cov, varA, varB float64
	for i, day := range days {
		xa := da[day] - meanA
		xb := db[day] - meanB
		cov += weights[i] * xa * xb
		varA += weights[i] * xa * xa
		varB += weights[i] * xb * xb
	}
	if varA == 0 || varB == 0 {
		return 0, fmt.Errorf("%w: zero variance in daily outcomes", apperrors.ErrNumericalInstability)
	}

	rho := cov / math.Sqrt(varA*varB)
	return clip(rho, -1, 1), nil
}

// dailyMeans resamples an outcome history onto a UTC daily grid.
func dailyMeans(history []outcome) map[int64]float64 {
	sums := make(map[int64]float64)
	counts := make(map[int64]int)
	for _, o := range history {
		day := o.At.UTC().Unix() / 86400
		sums[day] += o.RiskMultiple
		counts[day]++
	}
	means := make(map[int64]float64, len(sums))
	for day, sum := range sums {
		means[day] = sum / float64(counts[day])
	}
	return means
}

// Get returns the cached correlation for a pair, 0.0 when absent. A
// strategy is perfectly correlated with itself.
func (t *Tracker) Get(a, b string) float64 {
	if a == b {
		return 1
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.pairs[makePairKey(a, b)].Rho
}

// ColinearityMatrix builds a symmetric matrix with unit diagonal from
// cached pairwise values, in the order of the supplied ids.
func (t *Tracker) ColinearityMatrix(strategyIDs []string) [][]float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()

	n := len(strategyIDs)
	matrix := make([][]float64, n)
	for i := range matrix {
		matrix[i] = make([]float64, n)
		matrix[i][i] = 1
	}
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			rho := t.pairs[makePairKey(strategyIDs[i], strategyIDs[j])].Rho
			matrix[i][j] = rho
			matrix[j][i] = rho
		}
	}
	return matrix
}

// HistoryLen returns the number of recorded outcomes for a strategy.
func (t *Tracker) HistoryLen(strategyID string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.histories[strategyID])
}

// ExtremeEvents returns how many pairs have crossed the extreme
// correlation threshold.
func (t *Tracker) ExtremeEvents() int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.extremeEvents
}

func clip(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
