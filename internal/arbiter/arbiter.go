// Package arbiter resolves a group of competing signals for one
// (instrument, horizon) pair into a single decision. Candidates are
// ranked by gatekeeper-scaled, correlation-penalized expected value;
// at most one signal ever wins.
package arbiter

import (
	"fmt"
	"math"
	"sort"

	"decision_core/internal/config"
	"decision_core/internal/core"
	"decision_core/internal/correlation"
	apperrors "decision_core/pkg/errors"
)

// Regime labels used in derived probability distributions.
const (
	regimeTrending = "trending"
	regimeRanging  = "ranging"
	regimeShock    = "shock"
)

// Arbiter is the default conflict resolver. It consults the gatekeeper
// for the current admission verdict and the correlation tracker for
// crowding penalties between co-candidates.
type Arbiter struct {
	cfg          config.ArbiterConfig
	gate         core.IGatekeeper
	correlations *correlation.Tracker
	logger       core.ILogger
}

func NewArbiter(cfg config.ArbiterConfig, gate core.IGatekeeper, correlations *correlation.Tracker, logger core.ILogger) *Arbiter {
	return &Arbiter{
		cfg:          cfg,
		gate:         gate,
		correlations: correlations,
		logger:       logger.WithField("component", "conflict_arbiter"),
	}
}

// Resolve produces exactly one ConflictResolution for a non-empty group
// of signals sharing one (instrument, horizon) pair.
func (a *Arbiter) Resolve(signals []*core.Signal, data *core.MarketSnapshot, batchID string) (*core.ConflictResolution, error) {
	if len(signals) == 0 {
		return nil, apperrors.ErrEmptySignalGroup
	}

	regimeProbs := deriveRegimeProbs(data)
	if err := validateDistribution(regimeProbs); err != nil {
		return nil, err
	}
	strategyIDs := make([]string, 0, len(signals))
	for _, s := range signals {
		strategyIDs = append(strategyIDs, s.StrategyID)
	}

	resolution := &core.ConflictResolution{
		RegimeProbs:    regimeProbs,
		ExpectedValues: make(map[string]float64, len(signals)),
		Colinearity:    a.correlations.ColinearityMatrix(strategyIDs),
		NetWeight:      netWeight(signals),
		Metadata:       map[string]string{"batch_id": batchID},
	}

	verdict := a.gate.CheckTradeApproval()
	if !verdict.Approved {
		resolution.Decision = core.DecisionReject
		resolution.Losers = signals
		resolution.ReasonCodes = []string{fmt.Sprintf("gatekeeper_halt: %s", verdict.HaltReason)}
		return resolution, nil
	}

	for i, s := range signals {
		resolution.ExpectedValues[s.ID()] = a.expectedValue(s, signals, i, verdict.SizingMultiplier)
	}

	winner := pickWinner(signals, resolution.ExpectedValues)
	if resolution.ExpectedValues[winner.ID()] < a.cfg.MinExpectedValue {
		resolution.Decision = core.DecisionSilence
		resolution.Losers = signals
		resolution.ReasonCodes = []string{
			fmt.Sprintf("expected_value_below_floor: best %.4f < %.4f", resolution.ExpectedValues[winner.ID()], a.cfg.MinExpectedValue),
		}
		return resolution, nil
	}

	resolution.Decision = core.DecisionExecute
	resolution.Winner = winner
	for _, s := range signals {
		if s != winner {
			resolution.Losers = append(resolution.Losers, s)
		}
	}
	return resolution, nil
}

// expectedValue scores one candidate: confidence-weighted reward scaled
// by the gatekeeper multiplier, penalized by average correlation with
// the other candidates in the group.
func (a *Arbiter) expectedValue(s *core.Signal, group []*core.Signal, idx int, gateMultiplier float64) float64 {
	ev := s.Confidence * s.PrimaryTargetMultiple() * gateMultiplier

	if len(group) > 1 {
		var sumCorr float64
		for j, other := range group {
			if j == idx {
				continue
			}
			sumCorr += math.Abs(a.correlations.Get(s.StrategyID, other.StrategyID))
		}
		avgCorr := sumCorr / float64(len(group)-1)
		ev *= 1 - a.cfg.CorrelationPenalty*avgCorr
	}

	if ev < 0 {
		return 0
	}
	return ev
}

// pickWinner selects the highest expected value, breaking ties by
// signal id for determinism.
func pickWinner(signals []*core.Signal, evs map[string]float64) *core.Signal {
	candidates := make([]*core.Signal, len(signals))
	copy(candidates, signals)
	sort.Slice(candidates, func(i, j int) bool {
		a, b := evs[candidates[i].ID()], evs[candidates[j].ID()]
		if a != b {
			return a > b
		}
		return candidates[i].ID() < candidates[j].ID()
	})
	return candidates[0]
}

// netWeight is the confidence-weighted mean direction of the group,
// in [-1, 1].
func netWeight(signals []*core.Signal) float64 {
	var weighted, total float64
	for _, s := range signals {
		weighted += float64(s.Direction) * s.Confidence
		total += s.Confidence
	}
	if total == 0 {
		return 0
	}
	return weighted / total
}

// deriveRegimeProbs builds a proper probability distribution over
// market regimes from snapshot features. Absent features fall back to
// neutral weights; the result always sums to 1.
func deriveRegimeProbs(data *core.MarketSnapshot) map[string]float64 {
	trend, vol := 0.5, 0.1
	if data != nil {
		if v, ok := data.Features["trend_strength"]; ok {
			trend = clip01(math.Abs(v))
		}
		if v, ok := data.Features["volatility"]; ok {
			vol = clip01(v)
		}
	}

	weights := map[string]float64{
		regimeTrending: 0.2 + 0.8*trend,
		regimeRanging:  0.2 + 0.8*(1-trend),
		regimeShock:    vol * vol, // quadratic: only elevated volatility registers
	}
	var sum float64
	for _, w := range weights {
		sum += w
	}
	probs := make(map[string]float64, len(weights))
	for regime, w := range weights {
		probs[regime] = w / sum
	}
	return probs
}

// validateDistribution asserts the regime probabilities form a proper
// distribution. Derivation normalizes its weights, so a failure here is
// a logic defect surfaced as a typed error, never traded through.
func validateDistribution(probs map[string]float64) error {
	var sum float64
	for regime, p := range probs {
		if p < 0 {
			return fmt.Errorf("%w: %s has negative probability %f", apperrors.ErrInvalidDistribution, regime, p)
		}
		sum += p
	}
	if math.Abs(sum-1) > 1e-6 {
		return fmt.Errorf("%w: probabilities sum to %f", apperrors.ErrInvalidDistribution, sum)
	}
	return nil
}

func clip01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
