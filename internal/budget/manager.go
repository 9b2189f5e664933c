// Package budget tracks capital reserved per strategy family. Capital
// accounting is the one place where approximate arithmetic is not
// acceptable, so all amounts are decimal.
package budget

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"decision_core/internal/core"
	apperrors "decision_core/pkg/errors"
	"decision_core/pkg/telemetry"
)

// openPosition records one granted reservation until release.
type openPosition struct {
	Family     string
	Amount     decimal.Decimal
	ReservedAt time.Time
}

// FamilyUtilization is the per-family view returned by Utilization.
type FamilyUtilization struct {
	Budget         decimal.Decimal
	Committed      decimal.Decimal
	Available      decimal.Decimal
	UtilizationPct float64
}

// UtilizationReport is a consistent snapshot of budget state across all
// families, plus the aggregate.
type UtilizationReport struct {
	Families  map[string]FamilyUtilization
	Aggregate FamilyUtilization
	PeakPct   float64
}

// Manager enforces the invariant committed[family] <= budget[family] at
// every instant. Check-and-reserve is a single atomic operation under
// one exclusive lock.
type Manager struct {
	mu            sync.Mutex
	totalCapital  decimal.Decimal
	budgets       map[string]decimal.Decimal
	committed     map[string]decimal.Decimal
	openPositions map[string]openPosition

	peakUtilizationPct float64
	exhaustedCount     int64

	logger core.ILogger
}

// allocationEpsilon absorbs float representation error when validating
// that fractions sum to at most 1.
var allocationEpsilon = decimal.NewFromFloat(1e-9)

// NewManager builds a budget manager from total capital and per-family
// allocation fractions. Construction fails if the fractions sum above
// 1.0 or total capital is negative; both indicate a configuration
// defect, not a market condition.
func NewManager(totalCapital decimal.Decimal, allocations map[string]float64, logger core.ILogger) (*Manager, error) {
	if totalCapital.IsNegative() {
		return nil, fmt.Errorf("%w: total capital %s", apperrors.ErrNegativeCapital, totalCapital.String())
	}

	fractionSum := decimal.Zero
	budgets := make(map[string]decimal.Decimal, len(allocations))
	committed := make(map[string]decimal.Decimal, len(allocations))
	for family, fraction := range allocations {
		f := decimal.NewFromFloat(fraction)
		if f.IsNegative() {
			return nil, fmt.Errorf("%w: family %s has negative allocation %f", apperrors.ErrAllocationOverflow, family, fraction)
		}
		fractionSum = fractionSum.Add(f)
		budgets[family] = totalCapital.Mul(f)
		committed[family] = decimal.Zero
	}
	if fractionSum.GreaterThan(decimal.NewFromInt(1).Add(allocationEpsilon)) {
		return nil, fmt.Errorf("%w: allocation fractions sum to %s", apperrors.ErrAllocationOverflow, fractionSum.String())
	}

	return &Manager{
		totalCapital:  totalCapital,
		budgets:       budgets,
		committed:     committed,
		openPositions: make(map[string]openPosition),
		logger:        logger.WithField("component", "budget_manager"),
	}, nil
}

// Available returns budget minus committed for a family, floored at
// zero. Unknown families have no budget: the lookup warns and returns
// zero rather than failing, so a misconfigured strategy degrades to
// unsized instead of crashing the tick.
func (m *Manager) Available(family string) decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.availableLocked(family)
}

func (m *Manager) availableLocked(family string) decimal.Decimal {
	budget, ok := m.budgets[family]
	if !ok {
		m.logger.Warn("Available requested for unknown strategy family", "family", family)
		return decimal.Zero
	}
	avail := budget.Sub(m.committed[family])
	if avail.IsNegative() {
		return decimal.Zero
	}
	return avail
}

// Reserve atomically checks and commits capital for a position. It
// returns false without mutating state when the amount is not positive
// or exceeds the family's available budget.
func (m *Manager) Reserve(positionID, family string, amount decimal.Decimal) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !amount.IsPositive() {
		m.logger.Warn("Non-positive reservation rejected",
			"position_id", positionID,
			"family", family,
			"amount", amount.String())
		return false
	}
	if amount.GreaterThan(m.availableLocked(family)) {
		m.exhaustedCount++
		if mh := telemetry.GetGlobalMetrics(); mh.BudgetExhaustedTotal != nil {
			mh.BudgetExhaustedTotal.Add(context.Background(), 1)
		}
		m.logger.Info("Reservation rejected",
			"position_id", positionID,
			"family", family,
			"amount", amount.String(),
			"available", m.availableLocked(family).String())
		return false
	}

	m.committed[family] = m.committed[family].Add(amount)
	m.openPositions[positionID] = openPosition{
		Family:     family,
		Amount:     amount,
		ReservedAt: time.Now(),
	}
	m.updateUtilizationLocked()
	return true
}

// Release returns a position's reserved capital to its family. Releasing
// an unknown or already-released position returns false and is not an
// error.
func (m *Manager) Release(positionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	pos, ok := m.openPositions[positionID]
	if !ok {
		return false
	}
	m.committed[pos.Family] = m.committed[pos.Family].Sub(pos.Amount)
	delete(m.openPositions, positionID)
	m.updateUtilizationLocked()
	return true
}

// updateUtilizationLocked refreshes the peak statistic and the exported
// per-family gauges. Caller holds m.mu.
func (m *Manager) updateUtilizationLocked() {
	mh := telemetry.GetGlobalMetrics()
	totalCommitted := decimal.Zero
	totalBudget := decimal.Zero
	for family, budget := range m.budgets {
		totalCommitted = totalCommitted.Add(m.committed[family])
		totalBudget = totalBudget.Add(budget)
		mh.SetBudgetUtilization(family, utilizationPct(budget, m.committed[family]))
	}
	pct := utilizationPct(totalBudget, totalCommitted)
	if pct > m.peakUtilizationPct {
		m.peakUtilizationPct = pct
	}
}

func utilizationPct(budget, committed decimal.Decimal) float64 {
	if budget.IsZero() {
		return 0
	}
	pct, _ := committed.Div(budget).Mul(decimal.NewFromInt(100)).Float64()
	return pct
}

// Utilization returns a consistent snapshot of per-family and aggregate
// budget state. Safe to call concurrently with reservations.
func (m *Manager) Utilization() UtilizationReport {
	m.mu.Lock()
	defer m.mu.Unlock()

	report := UtilizationReport{
		Families: make(map[string]FamilyUtilization, len(m.budgets)),
		PeakPct:  m.peakUtilizationPct,
	}
	totalCommitted := decimal.Zero
	totalBudget := decimal.Zero
	for family, budget := range m.budgets {
		committed := m.committed[family]
		report.Families[family] = FamilyUtilization{
			Budget:         budget,
			Committed:      committed,
			Available:      m.availableLocked(family),
			UtilizationPct: utilizationPct(budget, committed),
		}
		totalBudget = totalBudget.Add(budget)
		totalCommitted = totalCommitted.Add(committed)
	}
	aggAvail := totalBudget.Sub(totalCommitted)
	if aggAvail.IsNegative() {
		aggAvail = decimal.Zero
	}
	report.Aggregate = FamilyUtilization{
		Budget:         totalBudget,
		Committed:      totalCommitted,
		Available:      aggAvail,
		UtilizationPct: utilizationPct(totalBudget, totalCommitted),
	}
	return report
}

// OpenPositionCount returns the number of outstanding reservations.
func (m *Manager) OpenPositionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.openPositions)
}

// ExhaustedCount returns how many reservations were rejected for
// insufficient budget.
func (m *Manager) ExhaustedCount() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.exhaustedCount
}

// Families returns the configured family names, sorted.
func (m *Manager) Families() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.budgets))
	for family := range m.budgets {
		out = append(out, family)
	}
	sort.Strings(out)
	return out
}

// TotalCapital returns the capital the manager was constructed with.
func (m *Manager) TotalCapital() decimal.Decimal {
	return m.totalCapital
}
