// Package sizing computes position sizes with a fractional-Kelly base
// and a chain of discrete risk adjustments. The sizer is stateless; all
// inputs arrive per call and every adjustment is recorded in the
// returned reasoning trace.
package sizing

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"

	"decision_core/internal/config"
	"decision_core/internal/core"
)

// shockRegimes are the regime labels treated as crisis conditions. A
// dominant regime in this set above the configured probability
// threshold collapses sizing to the shock multiplier.
var shockRegimes = map[string]bool{
	"shock":  true,
	"crisis": true,
}

// Sizer derives a capital fraction for one winning signal. Total
// capital is held only to express the fraction as an absolute amount.
type Sizer struct {
	cfg          config.SizingConfig
	totalCapital decimal.Decimal
	logger       core.ILogger
}

func NewSizer(cfg config.SizingConfig, totalCapital decimal.Decimal, logger core.ILogger) *Sizer {
	return &Sizer{
		cfg:          cfg,
		totalCapital: totalCapital,
		logger:       logger.WithField("component", "position_sizer"),
	}
}

// Size computes the position for a signal given the current regime
// distribution, the fraction of family capital still available, and any
// historical per-strategy statistics. availableFraction is the hard
// ceiling: sizing never admits more capital than the budget has left.
func (s *Sizer) Size(signal *core.Signal, regimeProbs map[string]float64, availableFraction float64, stats *core.StrategyStats) core.PositionSize {
	var reasoning []string

	kelly, kellyReason := s.kellyFraction(signal, stats)
	reasoning = append(reasoning, kellyReason)

	fraction := kelly * s.cfg.KellyFraction
	reasoning = append(reasoning, fmt.Sprintf("fractional kelly x%.2f -> %.4f", s.cfg.KellyFraction, fraction))

	confMult := confidenceMultiplier(signal.Confidence)
	fraction *= confMult
	reasoning = append(reasoning, fmt.Sprintf("confidence %.2f band x%.2f -> %.4f", signal.Confidence, confMult, fraction))

	regimeMult, regimeReason := s.regimeMultiplier(signal, regimeProbs)
	fraction *= regimeMult
	reasoning = append(reasoning, regimeReason+fmt.Sprintf(" -> %.4f", fraction))

	clipped := clamp(fraction, s.cfg.MinPositionPct, s.cfg.MaxPositionPct)
	if clipped != fraction {
		reasoning = append(reasoning, fmt.Sprintf("clipped to [%.4f, %.4f] -> %.4f", s.cfg.MinPositionPct, s.cfg.MaxPositionPct, clipped))
	}
	fraction = clipped

	budgetConstrained := false
	if fraction > availableFraction {
		fraction = availableFraction
		budgetConstrained = true
		reasoning = append(reasoning, fmt.Sprintf("budget constrained to available fraction %.4f", availableFraction))
	}

	return core.PositionSize{
		Fraction:          fraction,
		Amount:            s.totalCapital.Mul(decimal.NewFromFloat(fraction)),
		Reasoning:         reasoning,
		KellyRaw:          kelly,
		KellyCapped:       clipped,
		BudgetConstrained: budgetConstrained,
	}
}

// kellyFraction computes the pre-discount Kelly-optimal fraction. With
// enough history it uses realized win rate and payoff; otherwise it
// falls back to the signal's primary target multiple and a
// confidence-derived win-rate proxy. The payoff ratio b is floored to
// stay strictly positive, and Kelly is zero whenever b <= 0.
func (s *Sizer) kellyFraction(signal *core.Signal, stats *core.StrategyStats) (float64, string) {
	var winRate, b float64
	var source string

	if stats != nil && stats.Trades >= s.cfg.MinKellyHistory {
		winRate = stats.WinRate
		if stats.AvgLoss > 0 {
			b = stats.AvgWin / stats.AvgLoss
		} else {
			b = stats.AvgWin
		}
		source = fmt.Sprintf("historical (%d trades)", stats.Trades)
	} else {
		winRate = 0.40 + 0.25*signal.Confidence
		b = signal.PrimaryTargetMultiple()
		source = "confidence proxy"
	}

	if b <= 0 {
		return 0, fmt.Sprintf("kelly %s: payoff b=%.3f <= 0, fraction 0", source, b)
	}
	if b < s.cfg.MinPayoffRatio {
		b = s.cfg.MinPayoffRatio
	}

	// f* = (b*p - q) / b
	kelly := (b*winRate - (1 - winRate)) / b
	if kelly < 0 || math.IsNaN(kelly) || math.IsInf(kelly, 0) {
		kelly = 0
	}
	return kelly, fmt.Sprintf("kelly %s: p=%.3f b=%.3f -> %.4f", source, winRate, b, kelly)
}

// confidenceMultiplier is a four-band step function over the signal's
// declared confidence.
func confidenceMultiplier(confidence float64) float64 {
	switch {
	case confidence < 0.4:
		return 0.5
	case confidence < 0.6:
		return 0.8
	case confidence < 0.8:
		return 1.0
	default:
		return 1.2
	}
}

// regimeMultiplier applies a strong penalty when the dominant regime is
// a shock regime above the configured probability threshold, and a mild
// sensitivity-driven adjustment otherwise.
func (s *Sizer) regimeMultiplier(signal *core.Signal, regimeProbs map[string]float64) (float64, string) {
	dominant, prob := dominantRegime(regimeProbs)
	if dominant == "" {
		return 1.0, "regime: no distribution, neutral x1.00"
	}
	if shockRegimes[dominant] && prob >= s.cfg.ShockRegimeThreshold {
		return s.cfg.ShockRegimeMultiplier, fmt.Sprintf("regime %s p=%.2f shock x%.2f", dominant, prob, s.cfg.ShockRegimeMultiplier)
	}
	sensitivity := signal.RegimeSensitivity[dominant]
	mult := 0.9 + 0.2*sensitivity
	return mult, fmt.Sprintf("regime %s p=%.2f sensitivity %.2f x%.2f", dominant, prob, sensitivity, mult)
}

func dominantRegime(probs map[string]float64) (string, float64) {
	var name string
	best := math.Inf(-1)
	for regime, p := range probs {
		if p > best || (p == best && regime < name) {
			name, best = regime, p
		}
	}
	if name == "" {
		return "", 0
	}
	return name, best
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
