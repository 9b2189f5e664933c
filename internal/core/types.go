// Package core defines the shared types and interfaces for the decision core
package core

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Horizon is a strategy's intended holding-period bucket
type Horizon string

const (
	HorizonScalp    Horizon = "scalp"
	HorizonIntraday Horizon = "intraday"
	HorizonSwing    Horizon = "swing"
)

// Direction of a proposed trade
const (
	DirectionLong  = 1
	DirectionShort = -1
)

// Metadata keys conventionally present on every published signal
const (
	MetaSignalID        = "signal_id"
	MetaRiskRewardRatio = "risk_reward_ratio"
	MetaExecutionStyle  = "execution_style"
)

// Target is one entry of a signal's ordered target profile
type Target struct {
	Name           string
	RewardMultiple float64
}

// Signal is a strategy's proposed trade. Signals are immutable after
// construction; expiry is a pure function of creation time and TTL.
type Signal struct {
	Instrument        string
	CreatedAt         time.Time
	Horizon           Horizon
	StrategyID        string
	StrategyVersion   string
	Direction         int // +1 long, -1 short
	Confidence        float64
	ExpectedHalfLife  time.Duration
	TTL               time.Duration
	EntryPrice        decimal.Decimal
	StopDistance      decimal.Decimal
	Targets           []Target
	RegimeSensitivity map[string]float64
	Quality           map[string]float64
	Metadata          map[string]string
}

// Expired reports whether the signal's TTL has elapsed at the given instant.
func (s *Signal) Expired(now time.Time) bool {
	return now.Sub(s.CreatedAt) > s.TTL
}

// ID returns the conventional signal_id metadata entry, falling back to a
// synthesized identity when a strategy omitted it.
func (s *Signal) ID() string {
	if id, ok := s.Metadata[MetaSignalID]; ok && id != "" {
		return id
	}
	return fmt.Sprintf("%s-%s-%d", s.StrategyID, s.Instrument, s.CreatedAt.UnixNano())
}

// PrimaryTargetMultiple returns the reward multiple of the first target,
// or zero when the profile is empty.
func (s *Signal) PrimaryTargetMultiple() float64 {
	if len(s.Targets) == 0 {
		return 0
	}
	return s.Targets[0].RewardMultiple
}

// GroupKey identifies a conflict group: all signals for the same
// instrument and horizon compete for a single decision per tick.
type GroupKey struct {
	Instrument string
	Horizon    Horizon
}

func (k GroupKey) String() string {
	return fmt.Sprintf("%s/%s", k.Instrument, k.Horizon)
}

// Decision is the arbiter's verdict for one conflict group
type Decision int

const (
	DecisionExecute Decision = iota
	DecisionSilence
	DecisionReject
)

func (d Decision) String() string {
	switch d {
	case DecisionExecute:
		return "EXECUTE"
	case DecisionSilence:
		return "SILENCE"
	case DecisionReject:
		return "REJECT"
	default:
		return "UNKNOWN"
	}
}

// ConflictResolution is produced once per group per tick and never
// updated in place. At most one winner; every non-winner appears in
// Losers; ReasonCodes is non-empty whenever Decision != EXECUTE.
type ConflictResolution struct {
	Decision       Decision
	Winner         *Signal
	Losers         []*Signal
	ReasonCodes    []string
	NetWeight      float64
	RegimeProbs    map[string]float64
	ExpectedValues map[string]float64 // keyed by signal id
	Colinearity    [][]float64        // optional, unit diagonal
	Metadata       map[string]string
}

// MarketSnapshot is the per-instrument bar/feature view handed to each
// decision tick by the (external) market data layer.
type MarketSnapshot struct {
	Instrument string
	Timestamp  time.Time
	Open       decimal.Decimal
	High       decimal.Decimal
	Low        decimal.Decimal
	Close      decimal.Decimal
	Volume     decimal.Decimal
	Features   map[string]float64
}

// ExecutionMetadata is attached to a ledger record after the external
// execution layer reports back. Best-effort enrichment, not correctness
// critical.
type ExecutionMetadata struct {
	SendMidPrice     decimal.Decimal
	FillMidPrice     decimal.Decimal
	HoldTime         time.Duration
	FillModelVersion string
	Venue            string
	RejectReason     string
}

// DecisionRecord is one entry of the append-only decision ledger.
// PrimaryID is the idempotency key; OrderingID is strictly increasing
// across writes and used only for audit ordering.
type DecisionRecord struct {
	PrimaryID  string
	OrderingID int64
	WrittenAt  time.Time
	Payload    any
	Execution  *ExecutionMetadata
}

// PositionSize is the sizer's derived output. Reasoning lists every
// adjustment applied, in order; it is a first-class audit output.
type PositionSize struct {
	Fraction          float64
	Amount            decimal.Decimal
	Reasoning         []string
	KellyRaw          float64
	KellyCapped       float64
	BudgetConstrained bool
}

// MarketRegime is the gatekeeper's traffic-light admission state
type MarketRegime int

const (
	RegimeGreen MarketRegime = iota
	RegimeYellow
	RegimeRed
)

func (r MarketRegime) String() string {
	switch r {
	case RegimeGreen:
		return "GREEN"
	case RegimeYellow:
		return "YELLOW"
	case RegimeRed:
		return "RED"
	default:
		return "UNKNOWN"
	}
}

// TradeVerdict bundles the gatekeeper's admission decision. Every
// component admitting capital must consult this single verdict.
type TradeVerdict struct {
	Approved         bool
	SizingMultiplier float64
	Regime           MarketRegime
	HaltReason       string
	Warnings         []string
}

// StrategyStats carries historical win/payoff statistics for Kelly
// sizing. Sizing falls back to a confidence proxy below the configured
// minimum history.
type StrategyStats struct {
	Trades  int
	WinRate float64
	AvgWin  float64
	AvgLoss float64
}

// ApprovedDecision is what the core hands to the external execution layer.
type ApprovedDecision struct {
	BatchID    string
	DecisionID string
	PositionID string
	Signal     *Signal
	Size       PositionSize
	Verdict    TradeVerdict
	Resolution *ConflictResolution
}
