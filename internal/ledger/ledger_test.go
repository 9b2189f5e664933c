package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"decision_core/internal/core"
	"decision_core/internal/logging"
)

func newTestLedger(t *testing.T, capacity int) *DecisionLedger {
	t.Helper()
	logger, err := logging.NewZapLogger("ERROR")
	require.NoError(t, err)
	return NewDecisionLedger(capacity, logger)
}

func TestGenerateDecisionID_StablePrimary(t *testing.T) {
	l := newTestLedger(t, 16)

	id1, ord1 := l.GenerateDecisionID("batch-1", "grp", "EURUSD", core.HorizonIntraday)
	id2, ord2 := l.GenerateDecisionID("batch-1", "grp", "EURUSD", core.HorizonIntraday)

	assert.Equal(t, id1, id2, "identical inputs must yield the identical primary id")
	assert.NotEqual(t, ord1, ord2, "ordering ids must differ on every call")
	assert.Less(t, ord1, ord2, "ordering ids must be increasing")
}

func TestGenerateDecisionID_DistinctInputs(t *testing.T) {
	l := newTestLedger(t, 16)

	a, _ := l.GenerateDecisionID("batch-1", "grp", "EURUSD", core.HorizonIntraday)
	b, _ := l.GenerateDecisionID("batch-2", "grp", "EURUSD", core.HorizonIntraday)
	c, _ := l.GenerateDecisionID("batch-1", "grp", "EURUSD", core.HorizonSwing)

	assert.NotEqual(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestWrite_Idempotent(t *testing.T) {
	l := newTestLedger(t, 16)

	id, ord := l.GenerateDecisionID("batch-1", "grp", "EURUSD", core.HorizonIntraday)
	first := Payload{BatchID: "batch-1", Instrument: "EURUSD", Decision: "EXECUTE"}
	second := Payload{BatchID: "batch-1", Instrument: "EURUSD", Decision: "REJECT"}

	require.True(t, l.WriteWithOrdering(id, ord, first))
	require.False(t, l.WriteWithOrdering(id, ord+1, second), "duplicate write must be a silent no-op")

	rec := l.Get(id)
	require.NotNil(t, rec)
	assert.Equal(t, "EXECUTE", rec.Payload.(Payload).Decision, "original payload must survive a duplicate write")
	assert.Equal(t, int64(1), l.Duplicates())
	assert.Equal(t, 1, l.Len())

	// The payload-only write shape mints its own ordering id and honors
	// the same idempotency key.
	require.False(t, l.WriteWithPayload(id, second))
	assert.Equal(t, int64(2), l.Duplicates())

	require.True(t, l.WriteWithPayload("other-id", second))
	other := l.Get("other-id")
	require.NotNil(t, other)
	assert.Greater(t, other.OrderingID, rec.OrderingID, "minted ordering ids keep increasing")
	assert.Equal(t, 2, l.Len())
}

func TestEviction_FIFO(t *testing.T) {
	const capacity = 8
	l := newTestLedger(t, capacity)

	ids := make([]string, 0, capacity+1)
	for i := 0; i < capacity+1; i++ {
		id, ord := l.GenerateDecisionID(fmt.Sprintf("batch-%d", i), "grp", "EURUSD", core.HorizonScalp)
		ids = append(ids, id)
		require.True(t, l.WriteWithOrdering(id, ord, Payload{BatchID: fmt.Sprintf("batch-%d", i)}))
	}

	assert.Equal(t, capacity, l.Len())
	assert.Equal(t, int64(1), l.Evictions())
	assert.Nil(t, l.Get(ids[0]), "the first-written record must be the one evicted")
	for _, id := range ids[1:] {
		assert.NotNil(t, l.Get(id))
	}
}

func TestEviction_ReaccessDoesNotProtect(t *testing.T) {
	const capacity = 4
	l := newTestLedger(t, capacity)

	ids := make([]string, 0, capacity)
	for i := 0; i < capacity; i++ {
		id, ord := l.GenerateDecisionID(fmt.Sprintf("b-%d", i), "grp", "EURUSD", core.HorizonSwing)
		ids = append(ids, id)
		require.True(t, l.WriteWithOrdering(id, ord, Payload{}))
	}

	// Reads and duplicate writes must not affect insertion order.
	l.Get(ids[0])
	l.WriteWithOrdering(ids[0], 0, Payload{})

	id, ord := l.GenerateDecisionID("b-overflow", "grp", "EURUSD", core.HorizonSwing)
	require.True(t, l.WriteWithOrdering(id, ord, Payload{}))

	assert.Nil(t, l.Get(ids[0]), "eviction follows insertion order, not access recency")
	assert.NotNil(t, l.Get(ids[1]))
}

func TestAddExecutionMetadata(t *testing.T) {
	l := newTestLedger(t, 16)

	id, ord := l.GenerateDecisionID("batch-1", "grp", "EURUSD", core.HorizonIntraday)
	require.True(t, l.WriteWithOrdering(id, ord, Payload{DecisionID: "dec-42"}))

	meta := &core.ExecutionMetadata{Venue: "SIM", HoldTime: 3 * time.Second}
	l.AddExecutionMetadata("dec-42", meta)

	rec := l.Get(id)
	require.NotNil(t, rec)
	require.NotNil(t, rec.Execution)
	assert.Equal(t, "SIM", rec.Execution.Venue)

	// Unknown decision ids are a no-op, never a panic or error.
	l.AddExecutionMetadata("dec-unknown", meta)
}

func TestSnapshot_InsertionOrder(t *testing.T) {
	l := newTestLedger(t, 16)

	for i := 0; i < 5; i++ {
		id, ord := l.GenerateDecisionID(fmt.Sprintf("b-%d", i), "grp", "EURUSD", core.HorizonScalp)
		require.True(t, l.WriteWithOrdering(id, ord, Payload{BatchID: fmt.Sprintf("b-%d", i)}))
	}

	snap := l.Snapshot()
	require.Len(t, snap, 5)
	for i := 1; i < len(snap); i++ {
		assert.Less(t, snap[i-1].OrderingID, snap[i].OrderingID)
	}
}

func TestWrite_Concurrent(t *testing.T) {
	l := newTestLedger(t, 1024)

	var wg sync.WaitGroup
	const writers = 8
	const perWriter = 50
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				// Half the writers share batch ids to force duplicate contention.
				batch := fmt.Sprintf("batch-%d-%d", w%2, i)
				id, ord := l.GenerateDecisionID(batch, "grp", "EURUSD", core.HorizonIntraday)
				l.WriteWithOrdering(id, ord, Payload{BatchID: batch})
			}
		}(w)
	}
	wg.Wait()

	assert.Equal(t, 2*perWriter, l.Len())
	assert.Equal(t, int64((writers-2)*perWriter), l.Duplicates())
}

func TestExport_SQLite(t *testing.T) {
	l := newTestLedger(t, 16)

	id, ord := l.GenerateDecisionID("batch-1", "grp", "EURUSD", core.HorizonIntraday)
	require.True(t, l.WriteWithOrdering(id, ord, Payload{DecisionID: "dec-1", BatchID: "batch-1", Decision: "EXECUTE"}))
	l.AddExecutionMetadata("dec-1", &core.ExecutionMetadata{Venue: "SIM"})

	id2, ord2 := l.GenerateDecisionID("batch-2", "grp", "GBPUSD", core.HorizonSwing)
	require.True(t, l.WriteWithOrdering(id2, ord2, Payload{DecisionID: "dec-2", BatchID: "batch-2", Decision: "SILENCE"}))

	dbPath := filepath.Join(t.TempDir(), "ledger.db")
	require.NoError(t, l.Export(context.Background(), dbPath))

	db, err := sql.Open("sqlite3", dbPath)
	require.NoError(t, err)
	defer db.Close()

	var count int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM decisions").Scan(&count))
	assert.Equal(t, 2, count)

	var execution sql.NullString
	require.NoError(t, db.QueryRow("SELECT execution FROM decisions WHERE primary_id = ?", id).Scan(&execution))
	assert.True(t, execution.Valid, "execution metadata must be exported when present")
}
