package arbiter

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"decision_core/internal/config"
	"decision_core/internal/core"
	"decision_core/internal/correlation"
	"decision_core/internal/gatekeeper"
	"decision_core/internal/logging"
	apperrors "decision_core/pkg/errors"
)

func newTestArbiter(t *testing.T) (*Arbiter, *gatekeeper.Integrator) {
	t.Helper()
	logger, err := logging.NewZapLogger("ERROR")
	require.NoError(t, err)
	cfg := config.DefaultConfig()
	gate := gatekeeper.NewIntegrator(cfg.Gatekeeper, logger)
	tracker := correlation.NewTracker(cfg.Correlation, logger)
	return NewArbiter(cfg.Arbiter, gate, tracker, logger), gate
}

func signalWith(strategy string, direction int, confidence float64) *core.Signal {
	return &core.Signal{
		Instrument: "EURUSD",
		CreatedAt:  time.Now(),
		Horizon:    core.HorizonIntraday,
		StrategyID: strategy,
		Direction:  direction,
		Confidence: confidence,
		TTL:        time.Minute,
		EntryPrice: decimal.NewFromFloat(1.0850),
		Targets:    []core.Target{{Name: "tp1", RewardMultiple: 2.0}},
		Metadata:   map[string]string{core.MetaSignalID: strategy + "-sig"},
	}
}

func marketData() *core.MarketSnapshot {
	return &core.MarketSnapshot{
		Instrument: "EURUSD",
		Timestamp:  time.Now(),
		Close:      decimal.NewFromFloat(1.0850),
		Features: map[string]float64{
			"trend_strength": 0.6,
			"volatility":     0.2,
		},
	}
}

func TestResolve_EmptyGroup(t *testing.T) {
	a, _ := newTestArbiter(t)

	_, err := a.Resolve(nil, marketData(), "batch-1")
	assert.ErrorIs(t, err, apperrors.ErrEmptySignalGroup)
}

func TestResolve_ThreeWaySingleWinner(t *testing.T) {
	a, _ := newTestArbiter(t)

	signals := []*core.Signal{
		signalWith("momo_v1", 1, 0.9),
		signalWith("breakout_v2", 1, 0.5),
		signalWith("reversion_v1", -1, 0.3),
	}
	res, err := a.Resolve(signals, marketData(), "batch-1")
	require.NoError(t, err)

	assert.Equal(t, core.DecisionExecute, res.Decision)
	require.NotNil(t, res.Winner)
	assert.Equal(t, "momo_v1", res.Winner.StrategyID, "highest confidence wins at equal reward")
	assert.Len(t, res.Losers, 2)
	assert.Empty(t, res.ReasonCodes, "reason codes are required only for non-EXECUTE verdicts")
	assert.Len(t, res.ExpectedValues, 3)
	assert.Greater(t, res.NetWeight, 0.0, "net long pressure dominates")
}

func TestResolve_RegimeProbsSumToOne(t *testing.T) {
	a, _ := newTestArbiter(t)

	res, err := a.Resolve([]*core.Signal{signalWith("momo_v1", 1, 0.8)}, marketData(), "batch-1")
	require.NoError(t, err)

	var sum float64
	for _, p := range res.RegimeProbs {
		assert.GreaterOrEqual(t, p, 0.0)
		sum += p
	}
	assert.InDelta(t, 1.0, sum, 1e-9)

	// Nil snapshot still yields a proper distribution.
	res, err = a.Resolve([]*core.Signal{signalWith("momo_v1", 1, 0.8)}, nil, "batch-2")
	require.NoError(t, err)
	sum = 0
	for _, p := range res.RegimeProbs {
		sum += p
	}
	assert.InDelta(t, 1.0, sum, 1e-9)
}

func TestValidateDistribution(t *testing.T) {
	assert.NoError(t, validateDistribution(map[string]float64{"trending": 0.6, "ranging": 0.4}))

	err := validateDistribution(map[string]float64{"trending": 0.6, "ranging": 0.6})
	assert.ErrorIs(t, err, apperrors.ErrInvalidDistribution)

	err = validateDistribution(map[string]float64{"trending": 1.2, "ranging": -0.2})
	assert.ErrorIs(t, err, apperrors.ErrInvalidDistribution)
}

func TestResolve_GatekeeperHaltRejects(t *testing.T) {
	a, gate := newTestArbiter(t)

	// Blow out the spread estimator so the gatekeeper halts.
	spread := config.DefaultConfig().Gatekeeper.Spread
	for i := 0; i < spread.WindowSize*2; i++ {
		gate.RecordSpread(10.0)
	}
	for i := 0; i < spread.WindowSize; i++ {
		gate.RecordSpread(100.0)
	}
	require.True(t, gate.ShouldHaltTrading())

	signals := []*core.Signal{signalWith("momo_v1", 1, 0.9)}
	res, err := a.Resolve(signals, marketData(), "batch-1")
	require.NoError(t, err)

	assert.Equal(t, core.DecisionReject, res.Decision)
	assert.Nil(t, res.Winner)
	assert.Len(t, res.Losers, 1, "every signal is a loser under a halt")
	require.NotEmpty(t, res.ReasonCodes)
	assert.Contains(t, res.ReasonCodes[0], "gatekeeper_halt")
}

func TestResolve_SilenceBelowExpectedValueFloor(t *testing.T) {
	a, _ := newTestArbiter(t)

	// Tiny reward multiple keeps every EV under the floor.
	weak := signalWith("momo_v1", 1, 0.1)
	weak.Targets = []core.Target{{Name: "tp1", RewardMultiple: 0.1}}

	res, err := a.Resolve([]*core.Signal{weak}, marketData(), "batch-1")
	require.NoError(t, err)

	assert.Equal(t, core.DecisionSilence, res.Decision)
	assert.Nil(t, res.Winner)
	assert.Len(t, res.Losers, 1)
	require.NotEmpty(t, res.ReasonCodes)
	assert.Contains(t, res.ReasonCodes[0], "expected_value_below_floor")
}

func TestResolve_CorrelationPenaltyChangesRanking(t *testing.T) {
	logger, err := logging.NewZapLogger("ERROR")
	require.NoError(t, err)
	cfg := config.DefaultConfig()
	cfg.Arbiter.CorrelationPenalty = 1.0
	gate := gatekeeper.NewIntegrator(cfg.Gatekeeper, logger)
	tracker := correlation.NewTracker(cfg.Correlation, logger)
	a := NewArbiter(cfg.Arbiter, gate, tracker, logger)

	// momo_v1 and momo_v2 trade identically; reversion_v1 is independent.
	base := time.Now().UTC().AddDate(0, 0, -30)
	for d := 0; d < 30; d++ {
		outcome := 1.0
		if d%2 == 1 {
			outcome = -1.0
		}
		at := base.AddDate(0, 0, d)
		tracker.RecordOutcomeAt("momo_v1", outcome, at)
		tracker.RecordOutcomeAt("momo_v2", outcome, at)
	}
	tracker.Recompute()
	require.InDelta(t, 1.0, tracker.Get("momo_v1", "momo_v2"), 1e-9)

	signals := []*core.Signal{
		signalWith("momo_v1", 1, 0.85),
		signalWith("momo_v2", 1, 0.85),
		signalWith("reversion_v1", 1, 0.70),
	}
	res, err := a.Resolve(signals, marketData(), "batch-1")
	require.NoError(t, err)

	require.Equal(t, core.DecisionExecute, res.Decision)
	assert.Equal(t, "reversion_v1", res.Winner.StrategyID,
		"the uncorrelated candidate outranks a crowded pair despite lower confidence")
}
