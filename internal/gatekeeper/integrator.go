package gatekeeper

import (
	"context"
	"fmt"
	"sync"

	"decision_core/internal/config"
	"decision_core/internal/core"
	"decision_core/pkg/telemetry"
)

// Feature keys conventionally present in market snapshots.
const (
	FeaturePriceImpact    = "price_impact"
	FeatureTradeVolume    = "trade_volume"
	FeatureTradeDirection = "trade_direction"
	FeatureSpreadBps      = "spread_bps"
)

// Integrator composes the impact, informed-trading and spread
// estimators into the single verdict every capital-admitting component
// must consult. Halt is a logical OR across estimators; the unified
// sizing multiplier is the minimum of the three.
type Integrator struct {
	impact   *ImpactEstimator
	informed *InformedEstimator
	spread   *SpreadEstimator

	mu         sync.Mutex
	lastRegime core.MarketRegime

	logger core.ILogger
}

var _ core.IGatekeeper = (*Integrator)(nil)

func NewIntegrator(cfg config.GatekeeperConfig, logger core.ILogger) *Integrator {
	gl := logger.WithField("component", "gatekeeper")
	return &Integrator{
		impact:     NewImpactEstimator(cfg.Impact, gl),
		informed:   NewInformedEstimator(cfg.Informed, gl),
		spread:     NewSpreadEstimator(cfg.Spread, gl),
		lastRegime: core.RegimeGreen,
		logger:     gl,
	}
}

// RecordFill forwards realized impact to the impact estimator.
func (g *Integrator) RecordFill(priceImpact, volume float64) {
	g.impact.RecordFill(priceImpact, volume)
}

// RecordTrade forwards one trade to the informed-trading estimator.
func (g *Integrator) RecordTrade(direction int, volume float64) {
	g.informed.RecordTrade(direction, volume)
}

// RecordSpread forwards one spread observation to the spread estimator.
func (g *Integrator) RecordSpread(bps float64) {
	g.spread.RecordSpread(bps)
}

// Observe feeds all estimators from a market snapshot using the
// conventional feature keys. Missing features are skipped.
func (g *Integrator) Observe(snapshot *core.MarketSnapshot) {
	if snapshot == nil {
		return
	}
	if bps, ok := snapshot.Features[FeatureSpreadBps]; ok {
		g.spread.RecordSpread(bps)
	}
	volume, hasVolume := snapshot.Features[FeatureTradeVolume]
	if direction, ok := snapshot.Features[FeatureTradeDirection]; ok && hasVolume {
		g.informed.RecordTrade(int(direction), volume)
	}
	if impact, ok := snapshot.Features[FeaturePriceImpact]; ok && hasVolume {
		g.impact.RecordFill(impact, volume)
	}
}

func (g *Integrator) estimators() []Estimator {
	return []Estimator{g.impact, g.informed, g.spread}
}

// ShouldHaltTrading is true if any sub-estimator halts.
func (g *Integrator) ShouldHaltTrading() bool {
	for _, e := range g.estimators() {
		if e.ShouldHaltTrading() {
			return true
		}
	}
	return false
}

// GetUnifiedSizingMultiplier returns the minimum of the three
// sub-multipliers; the most conservative estimator wins.
func (g *Integrator) GetUnifiedSizingMultiplier() float64 {
	min := g.impact.GetSizingMultiplier()
	for _, e := range []Estimator{g.informed, g.spread} {
		if m := e.GetSizingMultiplier(); m < min {
			min = m
		}
	}
	return min
}

// GetMarketRegime maps the combined estimator state to a traffic light:
// RED on any halt, YELLOW on any reduce, GREEN otherwise.
func (g *Integrator) GetMarketRegime() core.MarketRegime {
	regime := core.RegimeGreen
	for _, e := range g.estimators() {
		if e.ShouldHaltTrading() {
			regime = core.RegimeRed
			break
		}
		if e.ShouldReduceSizing() {
			regime = core.RegimeYellow
		}
	}
	g.noteRegime(regime)
	return regime
}

func (g *Integrator) noteRegime(regime core.MarketRegime) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if regime == g.lastRegime {
		return
	}
	g.logger.Warn("Market regime change",
		"from", g.lastRegime.String(),
		"to", regime.String())
	if m := telemetry.GetGlobalMetrics(); m.RegimeChanges != nil {
		m.RegimeChanges.Add(context.Background(), 1)
	}
	g.lastRegime = regime
}

// CheckTradeApproval bundles the admission decision into one verdict.
// This is the single call site for pre-trade gating.
func (g *Integrator) CheckTradeApproval() core.TradeVerdict {
	reports := make([]StatusReport, 0, 3)
	for _, e := range g.estimators() {
		reports = append(reports, e.GetStatusReport())
	}

	verdict := core.TradeVerdict{
		Approved:         true,
		SizingMultiplier: 1.0,
	}
	for _, r := range reports {
		if r.Multiplier < verdict.SizingMultiplier {
			verdict.SizingMultiplier = r.Multiplier
		}
		if r.Halt {
			verdict.Approved = false
			if verdict.HaltReason == "" {
				verdict.HaltReason = fmt.Sprintf("%s estimator halt (score %.3f)", r.Name, r.Score)
			}
		}
		if r.Reduce && !r.Halt {
			verdict.Warnings = append(verdict.Warnings, fmt.Sprintf("%s reduce (score %.3f, multiplier %.2f)", r.Name, r.Score, r.Multiplier))
		}
		if mh := telemetry.GetGlobalMetrics(); mh != nil {
			mh.SetSizingMultiplier(r.Name, r.Multiplier)
		}
	}
	verdict.Regime = g.GetMarketRegime()

	if !verdict.Approved {
		verdict.SizingMultiplier = 0
		if m := telemetry.GetGlobalMetrics(); m.GatekeeperHaltsTotal != nil {
			m.GatekeeperHaltsTotal.Add(context.Background(), 1)
		}
	}
	return verdict
}

// GetComprehensiveStatus returns every estimator's report plus the
// combined view, for monitoring and audit polling.
func (g *Integrator) GetComprehensiveStatus() map[string]any {
	reports := make(map[string]StatusReport, 3)
	for _, e := range g.estimators() {
		r := e.GetStatusReport()
		reports[r.Name] = r
	}
	return map[string]any{
		"estimators":         reports,
		"halt":               g.ShouldHaltTrading(),
		"unified_multiplier": g.GetUnifiedSizingMultiplier(),
		"regime":             g.GetMarketRegime().String(),
	}
}
