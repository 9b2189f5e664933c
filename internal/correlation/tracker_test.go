package correlation

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"decision_core/internal/config"
	"decision_core/internal/logging"
	apperrors "decision_core/pkg/errors"
)

func newTestTracker(t *testing.T) *Tracker {
	t.Helper()
	logger, err := logging.NewZapLogger("ERROR")
	require.NoError(t, err)
	return NewTracker(config.DefaultConfig().Correlation, logger)
}

// seedDaily writes one outcome per day for the given number of days,
// ending yesterday, using gen to produce each day's risk multiple.
func seedDaily(tr *Tracker, strategy string, days int, gen func(day int) float64) {
	base := time.Now().UTC().AddDate(0, 0, -days)
	for d := 0; d < days; d++ {
		tr.RecordOutcomeAt(strategy, gen(d), base.AddDate(0, 0, d))
	}
}

func TestGet_InsufficientHistoryIsNeutral(t *testing.T) {
	tr := newTestTracker(t)

	seedDaily(tr, "alpha", 5, func(d int) float64 { return float64(d) })
	seedDaily(tr, "beta", 20, func(d int) float64 { return float64(d) })
	tr.Recompute()

	assert.Zero(t, tr.Get("alpha", "beta"), "a pair with under 10 observations on either side stays at 0.0")
}

func TestRecompute_PerfectlyCorrelatedPair(t *testing.T) {
	tr := newTestTracker(t)

	wave := func(d int) float64 {
		if d%2 == 0 {
			return 1.5
		}
		return -0.5
	}
	seedDaily(tr, "alpha", 30, wave)
	seedDaily(tr, "beta", 30, wave)
	tr.Recompute()

	assert.InDelta(t, 1.0, tr.Get("alpha", "beta"), 1e-9)
	assert.Equal(t, tr.Get("alpha", "beta"), tr.Get("beta", "alpha"), "lookup is order independent")
	assert.Equal(t, int64(1), tr.ExtremeEvents())
}

func TestRecompute_AntiCorrelatedPair(t *testing.T) {
	tr := newTestTracker(t)

	wave := func(d int) float64 {
		if d%2 == 0 {
			return 1.0
		}
		return -1.0
	}
	seedDaily(tr, "alpha", 30, wave)
	seedDaily(tr, "beta", 30, func(d int) float64 { return -wave(d) })
	tr.Recompute()

	assert.InDelta(t, -1.0, tr.Get("alpha", "beta"), 1e-9)
}

func TestRecompute_UncorrelatedStaysModest(t *testing.T) {
	tr := newTestTracker(t)

	seedDaily(tr, "alpha", 40, func(d int) float64 {
		if d%2 == 0 {
			return 1.0
		}
		return -1.0
	})
	seedDaily(tr, "beta", 40, func(d int) float64 {
		if d%4 < 2 {
			return 1.0
		}
		return -1.0
	})
	tr.Recompute()

	assert.Less(t, tr.Get("alpha", "beta"), 0.5)
	assert.Greater(t, tr.Get("alpha", "beta"), -0.5)
}

func TestEstimate_TypedFailures(t *testing.T) {
	tr := newTestTracker(t)

	// Too little history on one side.
	seedDaily(tr, "alpha", 5, func(d int) float64 { return float64(d%3) - 1 })
	seedDaily(tr, "beta", 30, func(d int) float64 { return float64(d%3) - 1 })
	_, err := tr.Estimate("alpha", "beta")
	assert.ErrorIs(t, err, apperrors.ErrInsufficientData)

	// Enough history, but constant outcomes have zero daily variance;
	// the correlation is undefined, not silently neutral.
	seedDaily(tr, "gamma", 30, func(int) float64 { return 1.0 })
	seedDaily(tr, "delta", 30, func(int) float64 { return 1.0 })
	_, err = tr.Estimate("gamma", "delta")
	assert.ErrorIs(t, err, apperrors.ErrNumericalInstability)

	// The cached lookup stays at the neutral default for failing pairs.
	tr.Recompute()
	assert.Zero(t, tr.Get("gamma", "delta"))

	// A well-conditioned pair estimates without error.
	wave := func(d int) float64 {
		if d%2 == 0 {
			return 1.0
		}
		return -1.0
	}
	seedDaily(tr, "eps", 30, wave)
	seedDaily(tr, "zeta", 30, wave)
	rho, err := tr.Estimate("eps", "zeta")
	require.NoError(t, err)
	assert.InDelta(t, 1.0, rho, 1e-9)
}

func TestRecordOutcome_BoundedHistory(t *testing.T) {
	logger, err := logging.NewZapLogger("ERROR")
	require.NoError(t, err)
	cfg := config.DefaultConfig().Correlation
	cfg.HistoryCapacity = 8
	tr := NewTracker(cfg, logger)

	for i := 0; i < 20; i++ {
		tr.RecordOutcome("alpha", float64(i))
	}
	assert.Equal(t, 8, tr.HistoryLen("alpha"))
}

func TestGet_SelfAndUnknown(t *testing.T) {
	tr := newTestTracker(t)

	assert.Equal(t, 1.0, tr.Get("alpha", "alpha"))
	assert.Zero(t, tr.Get("alpha", "never_seen"))
}

func TestColinearityMatrix(t *testing.T) {
	tr := newTestTracker(t)

	wave := func(d int) float64 {
		if d%2 == 0 {
			return 2.0
		}
		return -1.0
	}
	for _, s := range []string{"alpha", "beta"} {
		seedDaily(tr, s, 30, wave)
	}
	seedDaily(tr, "gamma", 3, wave) // too thin, stays neutral
	tr.Recompute()

	ids := []string{"alpha", "beta", "gamma"}
	m := tr.ColinearityMatrix(ids)
	require.Len(t, m, 3)
	for i := range ids {
		assert.Equal(t, 1.0, m[i][i])
		for j := range ids {
			assert.Equal(t, m[i][j], m[j][i], "matrix must be symmetric")
		}
	}
	assert.InDelta(t, 1.0, m[0][1], 1e-9)
	assert.Zero(t, m[0][2])
}

func TestRecompute_ExtremeEventFiresOncePerCrossing(t *testing.T) {
	tr := newTestTracker(t)

	wave := func(d int) float64 {
		if d%2 == 0 {
			return 1.0
		}
		return -1.0
	}
	seedDaily(tr, "alpha", 30, wave)
	seedDaily(tr, "beta", 30, wave)

	tr.Recompute()
	tr.Recompute()

	assert.Equal(t, int64(1), tr.ExtremeEvents(), "a pair already above threshold must not re-fire")
}

func TestRecordOutcome_ConcurrentWithReads(t *testing.T) {
	tr := newTestTracker(t)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			tr.RecordOutcome(fmt.Sprintf("s%d", i%4), float64(i%7)-3)
		}
	}()
	for i := 0; i < 50; i++ {
		tr.Get("s0", "s1")
		tr.ColinearityMatrix([]string{"s0", "s1", "s2"})
	}
	<-done
	tr.Recompute()
}
