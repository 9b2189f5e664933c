// Package bus implements the thread-safe mailbox between strategy
// publishers and the per-tick conflict arbitration. Publishers append
// under a lock; each decision tick atomically swaps the whole buffer
// map for an empty one and resolves the snapshot outside the lock, so
// publication for the next tick is never blocked by resolution.
package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"decision_core/internal/core"
	"decision_core/pkg/concurrency"
	"decision_core/pkg/telemetry"
)

// SignalBus buffers published signals per (instrument, horizon) group
// until the next decision tick drains them.
type SignalBus struct {
	mu      sync.Mutex
	buffers map[core.GroupKey][]*core.Signal

	// tickMu serializes ticks: concurrent publishers are expected,
	// concurrent ticks are not.
	tickMu sync.Mutex

	arbiter core.IConflictArbiter
	pool    *concurrency.WorkerPool
	logger  core.ILogger

	published int64
	expired   int64
}

func NewSignalBus(arbiter core.IConflictArbiter, pool *concurrency.WorkerPool, logger core.ILogger) *SignalBus {
	return &SignalBus{
		buffers: make(map[core.GroupKey][]*core.Signal),
		arbiter: arbiter,
		pool:    pool,
		logger:  logger.WithField("component", "signal_bus"),
	}
}

// Publish appends a signal to its group's buffer. Signals already past
// their TTL are rejected at the door and counted, never buffered.
func (b *SignalBus) Publish(signal *core.Signal) bool {
	if signal.Expired(time.Now()) {
		b.mu.Lock()
		b.expired++
		b.mu.Unlock()
		if m := telemetry.GetGlobalMetrics(); m.SignalsExpiredTotal != nil {
			m.SignalsExpiredTotal.Add(context.Background(), 1)
		}
		b.logger.Debug("Expired signal rejected at publish",
			"strategy", signal.StrategyID,
			"instrument", signal.Instrument,
			"age", time.Since(signal.CreatedAt).String())
		return false
	}

	key := core.GroupKey{Instrument: signal.Instrument, Horizon: signal.Horizon}
	b.mu.Lock()
	b.buffers[key] = append(b.buffers[key], signal)
	b.published++
	b.mu.Unlock()

	if m := telemetry.GetGlobalMetrics(); m.SignalsPublishedTotal != nil {
		m.SignalsPublishedTotal.Add(context.Background(), 1)
	}
	return true
}

// DrainAndResolve performs one decision tick. The buffer map is swapped
// for an empty one under the lock (everything published before the swap
// is in this tick, everything after goes to the next), then each
// non-empty group is resolved concurrently on the worker pool. Groups
// without market data are skipped; a panicking arbiter is isolated to
// its group and converted into a REJECT.
func (b *SignalBus) DrainAndResolve(data map[string]*core.MarketSnapshot, batchID string) map[core.GroupKey]*core.ConflictResolution {
	b.tickMu.Lock()
	defer b.tickMu.Unlock()

	b.mu.Lock()
	snapshot := b.buffers
	b.buffers = make(map[core.GroupKey][]*core.Signal)
	b.mu.Unlock()

	results := make(map[core.GroupKey]*core.ConflictResolution, len(snapshot))
	var resultsMu sync.Mutex

	group := b.pool.Group()
	for key, signals := range snapshot {
		if len(signals) == 0 {
			continue
		}
		snap, ok := data[key.Instrument]
		if !ok {
			b.logger.Warn("No market data for group, skipping this tick",
				"group", key.String(),
				"pending_signals", len(signals))
			continue
		}

		key, signals, snap := key, signals, snap
		group.Submit(func() {
			resolution := b.resolveGroup(key, signals, snap, batchID)
			resultsMu.Lock()
			results[key] = resolution
			resultsMu.Unlock()
		})
	}
	group.Wait()

	if m := telemetry.GetGlobalMetrics(); m.DecisionsTotal != nil {
		byVerdict := make(map[string]int64, 3)
		for _, res := range results {
			byVerdict[res.Decision.String()]++
		}
		for verdict, n := range byVerdict {
			m.DecisionsTotal.Add(context.Background(), n,
				metric.WithAttributes(attribute.String("verdict", verdict)))
		}
	}
	return results
}

// resolveGroup invokes the arbiter for one group, converting panics and
// errors into a REJECT so one bad group cannot abort the tick.
func (b *SignalBus) resolveGroup(key core.GroupKey, signals []*core.Signal, data *core.MarketSnapshot, batchID string) (resolution *core.ConflictResolution) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Arbiter panic isolated to group",
				"group", key.String(),
				"panic", fmt.Sprintf("%v", r))
			resolution = rejectResolution(signals, batchID, fmt.Sprintf("arbiter_panic: %v", r))
		}
	}()

	resolution, err := b.arbiter.Resolve(signals, data, batchID)
	if err != nil {
		b.logger.Error("Arbiter failed for group",
			"group", key.String(),
			"error", err.Error())
		return rejectResolution(signals, batchID, fmt.Sprintf("arbiter_error: %v", err))
	}
	return resolution
}

func rejectResolution(signals []*core.Signal, batchID, reason string) *core.ConflictResolution {
	return &core.ConflictResolution{
		Decision:    core.DecisionReject,
		Losers:      signals,
		ReasonCodes: []string{reason},
		RegimeProbs: map[string]float64{"unknown": 1.0},
		Metadata:    map[string]string{"batch_id": batchID},
	}
}

// Pending returns the number of buffered signals awaiting the next tick.
func (b *SignalBus) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	var n int
	for _, signals := range b.buffers {
		n += len(signals)
	}
	return n
}

// Published returns the count of signals accepted since construction.
func (b *SignalBus) Published() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.published
}

// Expired returns the count of signals rejected at publish for expiry.
func (b *SignalBus) Expired() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.expired
}
