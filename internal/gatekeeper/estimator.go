// Package gatekeeper composes three microstructure estimators into a
// single admission verdict. Each estimator fails open while it lacks
// data and fails closed once its danger threshold is crossed; the
// integrator takes the most conservative view across all three.
package gatekeeper

// Estimator is the common contract every sub-estimator exposes.
type Estimator interface {
	ShouldHaltTrading() bool
	ShouldReduceSizing() bool
	GetSizingMultiplier() float64
	GetStatusReport() StatusReport
}

// StatusReport is one estimator's self-description for monitoring.
type StatusReport struct {
	Name       string             `json:"name"`
	Active     bool               `json:"active"`
	Score      float64            `json:"score"`
	Halt       bool               `json:"halt"`
	Reduce     bool               `json:"reduce"`
	Multiplier float64            `json:"multiplier"`
	Detail     map[string]float64 `json:"detail,omitempty"`
}
