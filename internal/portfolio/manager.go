// Package portfolio orchestrates one decision tick end to end: drain
// the signal bus through the arbiter, persist every resolution in the
// ledger, gate and size the winners, reserve capital, and hand approved
// decisions to the external execution layer. All collaborators are
// injected at construction; the manager owns no hidden global state.
package portfolio

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"decision_core/internal/budget"
	"decision_core/internal/bus"
	"decision_core/internal/config"
	"decision_core/internal/core"
	"decision_core/internal/correlation"
	"decision_core/internal/gatekeeper"
	"decision_core/internal/ledger"
	"decision_core/internal/sizing"
	apperrors "decision_core/pkg/errors"
	"decision_core/pkg/telemetry"
)

// openPosition tracks one live exposure from reservation to close.
type openPosition struct {
	StrategyID string
	Family     string
	Group      core.GroupKey
	Direction  int
	DecisionID string
	OpenedAt   time.Time
}

// strategyRecord accumulates realized outcomes into the statistics the
// sizer consumes.
type strategyRecord struct {
	Trades  int
	Wins    int
	SumWin  float64
	SumLoss float64
}

func (r *strategyRecord) stats() *core.StrategyStats {
	if r.Trades == 0 {
		return &core.StrategyStats{}
	}
	stats := &core.StrategyStats{
		Trades:  r.Trades,
		WinRate: float64(r.Wins) / float64(r.Trades),
	}
	if r.Wins > 0 {
		stats.AvgWin = r.SumWin / float64(r.Wins)
	}
	if losses := r.Trades - r.Wins; losses > 0 {
		stats.AvgLoss = r.SumLoss / float64(losses)
	}
	return stats
}

// Manager is the portfolio layer. One RunTick call performs one
// decision cycle; ticks must not be run concurrently with each other
// (the bus enforces this), but publishers and position-close events may
// arrive at any time.
type Manager struct {
	cfg          *config.Config
	bus          *bus.SignalBus
	ledger       *ledger.DecisionLedger
	budget       *budget.Manager
	sizer        *sizing.Sizer
	correlations *correlation.Tracker
	gate         *gatekeeper.Integrator
	executor     core.IExecutor
	marketData   core.IMarketDataProvider
	logger       core.ILogger

	execPipeline failsafe.Executor[any]
	warnLimiter  *rate.Limiter

	mu            sync.Mutex
	openPositions map[string]openPosition
	openDirection map[core.GroupKey]int
	strategyStats map[string]*strategyRecord
}

// Deps bundles the manager's injected collaborators.
type Deps struct {
	Bus          *bus.SignalBus
	Ledger       *ledger.DecisionLedger
	Budget       *budget.Manager
	Sizer        *sizing.Sizer
	Correlations *correlation.Tracker
	Gatekeeper   *gatekeeper.Integrator
	Executor     core.IExecutor
	MarketData   core.IMarketDataProvider
	Logger       core.ILogger
}

func NewManager(cfg *config.Config, deps Deps) *Manager {
	retry := retrypolicy.NewBuilder[any]().
		WithBackoff(50*time.Millisecond, 1*time.Second).
		WithMaxRetries(2).
		Build()

	return &Manager{
		cfg:           cfg,
		bus:           deps.Bus,
		ledger:        deps.Ledger,
		budget:        deps.Budget,
		sizer:         deps.Sizer,
		correlations:  deps.Correlations,
		gate:          deps.Gatekeeper,
		executor:      deps.Executor,
		marketData:    deps.MarketData,
		logger:        deps.Logger.WithField("component", "portfolio_manager"),
		execPipeline:  failsafe.With[any](retry),
		warnLimiter:   rate.NewLimiter(rate.Every(5*time.Second), 3),
		openPositions: make(map[string]openPosition),
		openDirection: make(map[core.GroupKey]int),
		strategyStats: make(map[string]*strategyRecord),
	}
}

// RunTick executes one decision cycle and returns the resolutions it
// processed. The only error it returns is a hard invariant violation;
// routine rejections are recorded in the ledger and logged.
func (m *Manager) RunTick() (map[core.GroupKey]*core.ConflictResolution, error) {
	batchID := uuid.NewString()
	started := time.Now()

	data := snapshotWithFeatures(m.marketData.Snapshot(), m.marketData.Features())
	for _, snap := range data {
		m.gate.Observe(snap)
	}

	results := m.bus.DrainAndResolve(data, batchID)
	if len(results) == 0 {
		return results, nil
	}

	var g errgroup.Group
	for key, resolution := range results {
		key, resolution := key, resolution
		g.Go(func() error {
			return m.processResolution(batchID, key, resolution)
		})
	}
	if err := g.Wait(); err != nil {
		return results, err
	}

	elapsed := time.Since(started)
	if mh := telemetry.GetGlobalMetrics(); mh.TickDuration != nil {
		mh.TickDuration.Record(context.Background(), float64(elapsed.Microseconds())/1000.0)
	}
	m.logger.Debug("Decision tick complete",
		"batch_id", batchID,
		"groups", len(results),
		"elapsed", elapsed.String())
	return results, nil
}

// processResolution persists one group's resolution and, for EXECUTE
// verdicts, runs the admission pipeline: no-hedging assertion,
// gatekeeper approval, sizing, budget reservation, execution handoff.
func (m *Manager) processResolution(batchID string, key core.GroupKey, res *core.ConflictResolution) error {
	decisionID := uuid.NewString()
	primaryID, orderingID := m.ledger.GenerateDecisionID(batchID, key.String(), key.Instrument, key.Horizon)

	payload := ledger.Payload{
		DecisionID: decisionID,
		BatchID:    batchID,
		Group:      key.String(),
		Instrument: key.Instrument,
		Horizon:    string(key.Horizon),
		Decision:   res.Decision.String(),
		Detail:     map[string]string{},
	}
	if res.Winner != nil {
		payload.Detail["winner"] = res.Winner.ID()
		payload.Detail["strategy"] = res.Winner.StrategyID
	}
	if len(res.ReasonCodes) > 0 {
		payload.Detail["reason"] = res.ReasonCodes[0]
	}

	if !m.ledger.WriteWithOrdering(primaryID, orderingID, payload) {
		// A duplicate means this exact group decision was already
		// processed in this batch; retries stop here.
		m.logger.Debug("Duplicate decision suppressed", "primary_id", primaryID, "group", key.String())
		return nil
	}

	if res.Decision != core.DecisionExecute {
		return nil
	}
	winner := res.Winner

	if err := m.assertNoHedging(key, winner.Direction); err != nil {
		m.logger.Error("Hedging invariant violated, aborting tick",
			"group", key.String(),
			"direction", winner.Direction,
			"error", err.Error())
		return err
	}

	verdict := m.gate.CheckTradeApproval()
	if !verdict.Approved {
		if m.warnLimiter.Allow() {
			m.logger.Warn("Winner blocked by gatekeeper after arbitration",
				"group", key.String(),
				"halt_reason", verdict.HaltReason)
		}
		return nil
	}

	family := m.cfg.Capital.FamilyOf(winner.StrategyID)
	totalCapital := m.budget.TotalCapital()
	availableFraction := 0.0
	if totalCapital.IsPositive() {
		availableFraction, _ = m.budget.Available(family).Div(totalCapital).Float64()
	}

	size := m.sizer.Size(winner, res.RegimeProbs, availableFraction, m.statsFor(winner.StrategyID))
	size = applyGateMultiplier(size, verdict.SizingMultiplier)
	if !size.Amount.IsPositive() {
		m.logger.Info("Sized to zero, nothing to reserve",
			"group", key.String(),
			"strategy", winner.StrategyID,
			"multiplier", verdict.SizingMultiplier)
		return nil
	}

	positionID := uuid.NewString()
	if !m.budget.Reserve(positionID, family, size.Amount) {
		if m.warnLimiter.Allow() {
			m.logger.Warn("Reservation rejected, budget exhausted",
				"family", family,
				"amount", size.Amount.String(),
				"available", m.budget.Available(family).String())
		}
		return nil
	}

	m.mu.Lock()
	m.openPositions[positionID] = openPosition{
		StrategyID: winner.StrategyID,
		Family:     family,
		Group:      key,
		Direction:  winner.Direction,
		DecisionID: decisionID,
		OpenedAt:   time.Now(),
	}
	m.openDirection[key] = winner.Direction
	m.mu.Unlock()

	approved := &core.ApprovedDecision{
		BatchID:    batchID,
		DecisionID: decisionID,
		PositionID: positionID,
		Signal:     winner,
		Size:       size,
		Verdict:    verdict,
		Resolution: res,
	}
	if err := m.execPipeline.Run(func() error {
		return m.executor.Execute(approved)
	}); err != nil {
		// Execution handoff failed after retries: give the capital
		// back and drop the position record.
		m.releasePositionState(positionID)
		m.budget.Release(positionID)
		m.logger.Error("Execution handoff failed, reservation released",
			"position_id", positionID,
			"group", key.String(),
			"error", err.Error())
		return nil
	}

	m.logger.Info("Decision executed",
		"batch_id", batchID,
		"group", key.String(),
		"strategy", winner.StrategyID,
		"position_id", positionID,
		"fraction", size.Fraction,
		"amount", size.Amount.String())
	return nil
}

// applyGateMultiplier scales a sized position by the gatekeeper verdict
// so the reserved amount and the size handed to the executor are the
// same number. A full multiplier leaves the size untouched.
func applyGateMultiplier(size core.PositionSize, multiplier float64) core.PositionSize {
	if multiplier >= 1 {
		return size
	}
	size.Fraction *= multiplier
	size.Amount = size.Amount.Mul(decimal.NewFromFloat(multiplier))
	size.Reasoning = append(size.Reasoning,
		fmt.Sprintf("gatekeeper multiplier %.2f: fraction scaled to %.4f", multiplier, size.Fraction))
	return size
}

// snapshotWithFeatures merges the latest feature view into tick-local
// copies of the provider snapshots. The provider keeps ownership of the
// maps it returned; nothing downstream writes into them.
func snapshotWithFeatures(snaps map[string]*core.MarketSnapshot, features map[string]map[string]float64) map[string]*core.MarketSnapshot {
	merged := make(map[string]*core.MarketSnapshot, len(snaps))
	for instrument, snap := range snaps {
		local := *snap
		local.Features = make(map[string]float64, len(snap.Features)+len(features[instrument]))
		for k, v := range snap.Features {
			local.Features[k] = v
		}
		for k, v := range features[instrument] {
			local.Features[k] = v
		}
		merged[instrument] = &local
	}
	return merged
}

// assertNoHedging rejects a winner whose direction opposes an open
// position in the same group. This is a logic defect, not a market
// condition, so it surfaces as a fatal error for the tick.
func (m *Manager) assertNoHedging(key core.GroupKey, direction int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if open, ok := m.openDirection[key]; ok && open != 0 && open != direction {
		return fmt.Errorf("%w: group %s holds direction %+d, winner wants %+d",
			apperrors.ErrConflictingExposure, key.String(), open, direction)
	}
	return nil
}

func (m *Manager) statsFor(strategyID string) *core.StrategyStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.strategyStats[strategyID]
	if !ok {
		return nil
	}
	return rec.stats()
}

func (m *Manager) releasePositionState(positionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pos, ok := m.openPositions[positionID]
	if !ok {
		return
	}
	delete(m.openPositions, positionID)
	if m.countOpenInGroupLocked(pos.Group) == 0 {
		delete(m.openDirection, pos.Group)
	}
}

func (m *Manager) countOpenInGroupLocked(key core.GroupKey) int {
	var n int
	for _, pos := range m.openPositions {
		if pos.Group == key {
			n++
		}
	}
	return n
}

// OnPositionClosed releases the position's capital, feeds the realized
// outcome to the correlation tracker and sizing statistics, and
// best-effort attaches execution metadata to the ledger record.
func (m *Manager) OnPositionClosed(positionID string, riskMultiple float64, meta *core.ExecutionMetadata) bool {
	m.mu.Lock()
	pos, ok := m.openPositions[positionID]
	if !ok {
		m.mu.Unlock()
		m.logger.Warn("Close event for unknown position", "position_id", positionID)
		return false
	}
	delete(m.openPositions, positionID)
	if m.countOpenInGroupLocked(pos.Group) == 0 {
		delete(m.openDirection, pos.Group)
	}

	rec, ok := m.strategyStats[pos.StrategyID]
	if !ok {
		rec = &strategyRecord{}
		m.strategyStats[pos.StrategyID] = rec
	}
	rec.Trades++
	if riskMultiple > 0 {
		rec.Wins++
		rec.SumWin += riskMultiple
	} else {
		rec.SumLoss += -riskMultiple
	}
	m.mu.Unlock()

	m.budget.Release(positionID)
	m.correlations.RecordOutcome(pos.StrategyID, riskMultiple)
	if meta != nil {
		m.ledger.AddExecutionMetadata(pos.DecisionID, meta)
	}

	m.logger.Info("Position closed",
		"position_id", positionID,
		"strategy", pos.StrategyID,
		"risk_multiple", riskMultiple,
		"held", time.Since(pos.OpenedAt).String())
	return true
}

// OpenPositionCount returns the number of live exposures.
func (m *Manager) OpenPositionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.openPositions)
}

// RecomputeCorrelations rebuilds pairwise strategy correlations; meant
// to be called off the hot path, e.g. once per correlation interval.
func (m *Manager) RecomputeCorrelations() {
	m.correlations.Recompute()
}
