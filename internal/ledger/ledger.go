// Package ledger implements the append-only idempotent decision record store
package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"decision_core/internal/core"
	"decision_core/pkg/telemetry"
)

// DecisionLedger is a bounded, idempotent record store. A primary id,
// once written, is never overwritten; eviction follows pure insertion
// order (FIFO), not access recency.
type DecisionLedger struct {
	mu       sync.Mutex
	capacity int
	records  map[string]*core.DecisionRecord
	order    []string          // insertion order, oldest first
	byRef    map[string]string // referenced decision id -> primary id

	duplicates int64
	evictions  int64
	baseNano   int64
	orderSeq   int64

	logger core.ILogger
}

// Payload is the conventional ledger payload written by the portfolio
// layer. Any payload type is accepted; only payloads carrying a
// decision id participate in execution-metadata enrichment.
type Payload struct {
	DecisionID string
	BatchID    string
	Group      string
	Instrument string
	Horizon    string
	Decision   string
	Detail     map[string]string
}

// ReferencedID lets a payload opt into the decision-id index used by
// AddExecutionMetadata.
type ReferencedID interface {
	DecisionRef() string
}

// DecisionRef implements ReferencedID.
func (p Payload) DecisionRef() string { return p.DecisionID }

// NewDecisionLedger creates a ledger bounded to capacity records.
func NewDecisionLedger(capacity int, logger core.ILogger) *DecisionLedger {
	return &DecisionLedger{
		capacity: capacity,
		records:  make(map[string]*core.DecisionRecord, capacity),
		order:    make([]string, 0, capacity),
		byRef:    make(map[string]string),
		baseNano: time.Now().UnixNano(),
		logger:   logger.WithField("component", "decision_ledger"),
	}
}

// GenerateDecisionID derives the stable primary id from the four
// identifying inputs, plus a fresh ordering id. Identical inputs always
// yield the identical primary id; the ordering id differs on every call.
func (l *DecisionLedger) GenerateDecisionID(batchID, groupID, instrument string, horizon core.Horizon) (string, int64) {
	sum := sha256.Sum256([]byte(batchID + "|" + groupID + "|" + instrument + "|" + string(horizon)))
	primary := hex.EncodeToString(sum[:16])
	return primary, l.nextOrderingID()
}

// Exists reports whether a primary id has been written.
func (l *DecisionLedger) Exists(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.records[id]
	return ok
}

// WriteWithPayload inserts a record, minting its ordering id internally.
// Returns false without mutating state when the id already exists.
func (l *DecisionLedger) WriteWithPayload(id string, payload any) bool {
	return l.WriteWithOrdering(id, l.nextOrderingID(), payload)
}

// nextOrderingID mints a strictly increasing audit ordering id. The id
// is anchored to the ledger's creation time so ids from distinct runs
// do not collide in exported snapshots.
func (l *DecisionLedger) nextOrderingID() int64 {
	return l.baseNano + atomic.AddInt64(&l.orderSeq, 1)
}

// WriteWithOrdering inserts a record with a caller-supplied ordering id.
// A second write with the same primary id is a no-op that increments the
// duplicate counter, never an error.
func (l *DecisionLedger) WriteWithOrdering(id string, orderingID int64, payload any) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.records[id]; ok {
		atomic.AddInt64(&l.duplicates, 1)
		if m := telemetry.GetGlobalMetrics(); m.LedgerDuplicatesTotal != nil {
			m.LedgerDuplicatesTotal.Add(context.Background(), 1)
		}
		return false
	}

	rec := &core.DecisionRecord{
		PrimaryID:  id,
		OrderingID: orderingID,
		WrittenAt:  time.Now(),
		Payload:    payload,
	}
	l.records[id] = rec
	l.order = append(l.order, id)
	if ref, ok := payload.(ReferencedID); ok && ref.DecisionRef() != "" {
		l.byRef[ref.DecisionRef()] = id
	}

	if len(l.records) > l.capacity {
		l.evictOldestLocked()
	}

	if m := telemetry.GetGlobalMetrics(); m.LedgerWritesTotal != nil {
		m.LedgerWritesTotal.Add(context.Background(), 1)
	}
	return true
}

// evictOldestLocked drops the first-written record. Caller holds l.mu.
func (l *DecisionLedger) evictOldestLocked() {
	oldest := l.order[0]
	l.order = l.order[1:]
	if rec, ok := l.records[oldest]; ok {
		if ref, ok := rec.Payload.(ReferencedID); ok {
			delete(l.byRef, ref.DecisionRef())
		}
		delete(l.records, oldest)
	}
	atomic.AddInt64(&l.evictions, 1)
	if m := telemetry.GetGlobalMetrics(); m.LedgerEvictionsTotal != nil {
		m.LedgerEvictionsTotal.Add(context.Background(), 1)
	}
}

// AddExecutionMetadata attaches fill telemetry to the record whose
// payload references the given decision id. Best effort: a miss is a
// debug-logged no-op, never an error.
func (l *DecisionLedger) AddExecutionMetadata(decisionID string, meta *core.ExecutionMetadata) {
	l.mu.Lock()
	defer l.mu.Unlock()

	primary, ok := l.byRef[decisionID]
	if !ok {
		l.logger.Debug("Execution metadata for unknown decision id", "decision_id", decisionID)
		return
	}
	if rec, ok := l.records[primary]; ok {
		rec.Execution = meta
	}
}

// Get returns the record for a primary id, or nil.
func (l *DecisionLedger) Get(id string) *core.DecisionRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.records[id]
}

// Len returns the current record count.
func (l *DecisionLedger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.records)
}

// Duplicates returns the suppressed-duplicate count.
func (l *DecisionLedger) Duplicates() int64 {
	return atomic.LoadInt64(&l.duplicates)
}

// Evictions returns the eviction count.
func (l *DecisionLedger) Evictions() int64 {
	return atomic.LoadInt64(&l.evictions)
}

// snapshotLocked returns records in insertion order. Caller holds l.mu.
func (l *DecisionLedger) snapshotLocked() []*core.DecisionRecord {
	out := make([]*core.DecisionRecord, 0, len(l.order))
	for _, id := range l.order {
		if rec, ok := l.records[id]; ok {
			out = append(out, rec)
		}
	}
	return out
}

// Snapshot returns a copy of all records in insertion order.
func (l *DecisionLedger) Snapshot() []*core.DecisionRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.snapshotLocked()
}

func (l *DecisionLedger) String() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return fmt.Sprintf("ledger{records=%d, duplicates=%d, evictions=%d}", len(l.records), l.duplicates, l.evictions)
}
