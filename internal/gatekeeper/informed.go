package gatekeeper

import (
	"math"
	"sync"

	"decision_core/internal/config"
	"decision_core/internal/core"
)

const (
	epinWeight = 0.4
	vpinWeight = 0.6

	minDirectionalObs = 10
	minFilledBuckets  = 10
)

// volumeBucket accumulates signed volume until the configured bucket
// volume is reached.
type volumeBucket struct {
	Buy, Sell float64
}

func (b volumeBucket) Total() float64 { return b.Buy + b.Sell }

func (b volumeBucket) Imbalance() float64 {
	total := b.Total()
	if total == 0 {
		return 0
	}
	return math.Abs(b.Buy-b.Sell) / total
}

// InformedEstimator gauges the probability that current flow is
// informed. A rolling order-imbalance ratio (ePIN) and a
// volume-bucketed imbalance measure (VPIN) are combined with VPIN
// weighted higher. The estimate is undefined, and reported neutral,
// until both measures have enough data.
type InformedEstimator struct {
	mu  sync.RWMutex
	cfg config.InformedConfig

	directions []int // +1 buy, -1 sell, newest last
	buckets    []volumeBucket
	current    volumeBucket

	logger core.ILogger
}

func NewInformedEstimator(cfg config.InformedConfig, logger core.ILogger) *InformedEstimator {
	return &InformedEstimator{
		cfg:    cfg,
		logger: logger.WithField("estimator", "informed"),
	}
}

// RecordTrade registers one trade's direction and volume. Volume spills
// across bucket boundaries so a single large trade can complete several
// buckets.
func (e *InformedEstimator) RecordTrade(direction int, volume float64) {
	if direction == 0 || volume <= 0 {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.directions = append(e.directions, sign(direction))
	if len(e.directions) > e.cfg.WindowSize {
		e.directions = e.directions[1:]
	}

	for volume > 0 {
		room := e.cfg.BucketVolume - e.current.Total()
		fill := math.Min(volume, room)
		if direction > 0 {
			e.current.Buy += fill
		} else {
			e.current.Sell += fill
		}
		volume -= fill
		if e.current.Total() >= e.cfg.BucketVolume {
			e.buckets = append(e.buckets, e.current)
			e.current = volumeBucket{}
			if len(e.buckets) > e.cfg.MaxBuckets {
				e.buckets = e.buckets[1:]
			}
		}
	}
}

// scoreLocked returns the combined informed-trading score and whether
// both component measures are active.
func (e *InformedEstimator) scoreLocked() (float64, bool) {
	if len(e.directions) < minDirectionalObs || len(e.buckets) < minFilledBuckets {
		return 0, false
	}
	return epinWeight*e.epinLocked() + vpinWeight*e.vpinLocked(), true
}

func (e *InformedEstimator) epinLocked() float64 {
	var net int
	for _, d := range e.directions {
		net += d
	}
	return math.Abs(float64(net)) / float64(len(e.directions))
}

func (e *InformedEstimator) vpinLocked() float64 {
	var sum float64
	for _, b := range e.buckets {
		sum += b.Imbalance()
	}
	return sum / float64(len(e.buckets))
}

func (e *InformedEstimator) ShouldHaltTrading() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	score, ok := e.scoreLocked()
	return ok && score >= e.cfg.HaltThreshold
}

func (e *InformedEstimator) ShouldReduceSizing() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	score, ok := e.scoreLocked()
	return ok && score >= e.cfg.ReduceThreshold
}

func (e *InformedEstimator) GetSizingMultiplier() float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.multiplierLocked()
}

func (e *InformedEstimator) multiplierLocked() float64 {
	score, ok := e.scoreLocked()
	if !ok || score < e.cfg.ReduceThreshold {
		return 1.0
	}
	if score >= e.cfg.HaltThreshold {
		return 0
	}
	span := e.cfg.HaltThreshold - e.cfg.ReduceThreshold
	if span <= 0 {
		return 0
	}
	return 1.0 - (score-e.cfg.ReduceThreshold)/span
}

func (e *InformedEstimator) GetStatusReport() StatusReport {
	e.mu.RLock()
	defer e.mu.RUnlock()

	score, ok := e.scoreLocked()
	report := StatusReport{
		Name:       "informed",
		Active:     ok,
		Score:      score,
		Halt:       ok && score >= e.cfg.HaltThreshold,
		Reduce:     ok && score >= e.cfg.ReduceThreshold,
		Multiplier: e.multiplierLocked(),
		Detail: map[string]float64{
			"directional_observations": float64(len(e.directions)),
			"filled_buckets":           float64(len(e.buckets)),
		},
	}
	if ok {
		report.Detail["epin"] = e.epinLocked()
		report.Detail["vpin"] = e.vpinLocked()
	}
	return report
}

func sign(d int) int {
	if d > 0 {
		return 1
	}
	return -1
}
