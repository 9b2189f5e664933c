package core

// ILogger defines the interface for logging
type ILogger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) ILogger
	WithFields(fields map[string]interface{}) ILogger
}

// IConflictArbiter resolves one group's competing signals into a single
// decision. Implementations may panic or return an error on malformed
// input; the signal bus isolates either into a REJECT for that group.
//
// Hard contract, independent of ranking algorithm: exactly one winner
// may be chosen; every non-winner appears in Losers; ReasonCodes is
// non-empty unless the decision is EXECUTE; RegimeProbs is a proper
// probability distribution.
type IConflictArbiter interface {
	Resolve(signals []*Signal, data *MarketSnapshot, batchID string) (*ConflictResolution, error)
}

// IGatekeeper is the admission-control surface every capital-committing
// component must consult.
type IGatekeeper interface {
	ShouldHaltTrading() bool
	GetUnifiedSizingMultiplier() float64
	GetMarketRegime() MarketRegime
	CheckTradeApproval() TradeVerdict
}

// IExecutor consumes approved decisions. Implemented by the external
// execution layer; the core never places orders itself.
type IExecutor interface {
	Execute(decision *ApprovedDecision) error
}

// IMarketDataProvider supplies the per-tick instrument snapshots.
// Implemented by the external ingestion layer.
type IMarketDataProvider interface {
	Snapshot() map[string]*MarketSnapshot
	Features() map[string]map[string]float64
}
