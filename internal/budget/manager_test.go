package budget

import (
	"fmt"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"decision_core/internal/logging"
	apperrors "decision_core/pkg/errors"
)

func newTestManager(t *testing.T, capital float64, allocations map[string]float64) *Manager {
	t.Helper()
	logger, err := logging.NewZapLogger("ERROR")
	require.NoError(t, err)
	m, err := NewManager(decimal.NewFromFloat(capital), allocations, logger)
	require.NoError(t, err)
	return m
}

func TestNewManager_Validation(t *testing.T) {
	logger, err := logging.NewZapLogger("ERROR")
	require.NoError(t, err)

	_, err = NewManager(decimal.NewFromInt(-1), map[string]float64{"momentum": 0.5}, logger)
	assert.ErrorIs(t, err, apperrors.ErrNegativeCapital)

	_, err = NewManager(decimal.NewFromInt(10_000), map[string]float64{"momentum": 0.7, "breakout": 0.4}, logger)
	assert.ErrorIs(t, err, apperrors.ErrAllocationOverflow)

	_, err = NewManager(decimal.NewFromInt(10_000), map[string]float64{"momentum": -0.1}, logger)
	assert.ErrorIs(t, err, apperrors.ErrAllocationOverflow)

	// Fractions summing to exactly 1.0 via floats must not trip the check.
	_, err = NewManager(decimal.NewFromInt(10_000), map[string]float64{"a": 0.3, "b": 0.3, "c": 0.4}, logger)
	assert.NoError(t, err)
}

func TestReserve_ExceedsBudgetFailsOutright(t *testing.T) {
	m := newTestManager(t, 10_000, map[string]float64{"momentum": 0.5, "breakout": 0.5})

	// Family budget is 5,000; a 6,000 reservation must fail without
	// mutating state, not partially commit.
	assert.False(t, m.Reserve("pos-1", "momentum", decimal.NewFromInt(6_000)))
	assert.True(t, m.Available("momentum").Equal(decimal.NewFromInt(5_000)))
	assert.Equal(t, int64(1), m.ExhaustedCount())
	assert.Equal(t, 0, m.OpenPositionCount())

	require.True(t, m.Reserve("pos-2", "momentum", decimal.NewFromInt(5_000)))
	assert.True(t, m.Available("momentum").IsZero())
	assert.False(t, m.Reserve("pos-3", "momentum", decimal.NewFromInt(200)))
}

func TestReserve_NonPositiveAmountRejected(t *testing.T) {
	m := newTestManager(t, 10_000, map[string]float64{"momentum": 0.5})

	// A negative reservation would decrement committed below zero and
	// inflate the available budget; it must be rejected at the door.
	assert.False(t, m.Reserve("pos-neg", "momentum", decimal.NewFromInt(-1_000)))
	assert.False(t, m.Reserve("pos-zero", "momentum", decimal.Zero))
	assert.True(t, m.Available("momentum").Equal(decimal.NewFromInt(5_000)))
	assert.Equal(t, 0, m.OpenPositionCount())
}

func TestReserveRelease_Cycle(t *testing.T) {
	m := newTestManager(t, 10_000, map[string]float64{"momentum": 0.5})

	require.True(t, m.Reserve("pos-1", "momentum", decimal.NewFromInt(2_000)))
	require.True(t, m.Reserve("pos-2", "momentum", decimal.NewFromInt(3_000)))
	assert.True(t, m.Available("momentum").IsZero())

	assert.True(t, m.Release("pos-1"))
	assert.True(t, m.Available("momentum").Equal(decimal.NewFromInt(2_000)))

	// Releasing twice, or an unknown id, is a no-op.
	assert.False(t, m.Release("pos-1"))
	assert.False(t, m.Release("pos-unknown"))
	assert.True(t, m.Available("momentum").Equal(decimal.NewFromInt(2_000)))
}

func TestAvailable_UnknownFamily(t *testing.T) {
	m := newTestManager(t, 10_000, map[string]float64{"momentum": 0.5})

	assert.True(t, m.Available("meanrev").IsZero())
	assert.False(t, m.Reserve("pos-1", "meanrev", decimal.NewFromInt(1)))
}

func TestUtilization_Snapshot(t *testing.T) {
	m := newTestManager(t, 10_000, map[string]float64{"momentum": 0.5, "breakout": 0.3})

	require.True(t, m.Reserve("pos-1", "momentum", decimal.NewFromInt(2_500)))

	report := m.Utilization()
	mom := report.Families["momentum"]
	assert.True(t, mom.Budget.Equal(decimal.NewFromInt(5_000)))
	assert.True(t, mom.Committed.Equal(decimal.NewFromInt(2_500)))
	assert.True(t, mom.Available.Equal(decimal.NewFromInt(2_500)))
	assert.InDelta(t, 50.0, mom.UtilizationPct, 1e-9)

	assert.True(t, report.Aggregate.Budget.Equal(decimal.NewFromInt(8_000)))
	assert.InDelta(t, 31.25, report.Aggregate.UtilizationPct, 1e-9)
	assert.InDelta(t, 31.25, report.PeakPct, 1e-9)

	// Peak is sticky across releases.
	require.True(t, m.Release("pos-1"))
	assert.InDelta(t, 31.25, m.Utilization().PeakPct, 1e-9)
}

func TestReserve_ConcurrentNeverOvercommits(t *testing.T) {
	m := newTestManager(t, 10_000, map[string]float64{"momentum": 1.0})

	// 100 goroutines race for 100-unit slices of a 10,000 budget; at
	// most 100 may win, and committed must never exceed budget.
	var wg sync.WaitGroup
	var granted sync.Map
	for i := 0; i < 150; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("pos-%d", i)
			if m.Reserve(id, "momentum", decimal.NewFromInt(100)) {
				granted.Store(id, struct{}{})
			}
		}(i)
	}
	wg.Wait()

	count := 0
	granted.Range(func(_, _ any) bool { count++; return true })
	assert.Equal(t, 100, count)
	assert.True(t, m.Available("momentum").IsZero())

	report := m.Utilization()
	assert.True(t, report.Aggregate.Committed.LessThanOrEqual(report.Aggregate.Budget))
}
