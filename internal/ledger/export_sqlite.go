package ledger

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	apperrors "decision_core/pkg/errors"
)

// Export writes a point-in-time audit snapshot of the ledger to a
// SQLite database at dbPath. Records are written in insertion order
// with a per-row checksum so an auditor can detect corruption offline.
func (l *DecisionLedger) Export(ctx context.Context, dbPath string) error {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return fmt.Errorf("%w: failed to open database: %v", apperrors.ErrLedgerExportFailed, err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		return fmt.Errorf("%w: failed to ping database: %v", apperrors.ErrLedgerExportFailed, err)
	}

	// Enable WAL mode for crash recovery
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return fmt.Errorf("%w: failed to enable WAL mode: %v", apperrors.ErrLedgerExportFailed, err)
	}

	schema := `CREATE TABLE IF NOT EXISTS decisions (
		primary_id  TEXT PRIMARY KEY,
		ordering_id INTEGER NOT NULL,
		written_at  INTEGER NOT NULL,
		payload     TEXT NOT NULL,
		execution   TEXT,
		checksum    BLOB NOT NULL
	)`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("%w: failed to create schema: %v", apperrors.ErrLedgerExportFailed, err)
	}

	tx, err := db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("%w: failed to begin transaction: %v", apperrors.ErrLedgerExportFailed, err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	stmt, err := tx.PrepareContext(ctx, `INSERT OR REPLACE INTO decisions
		(primary_id, ordering_id, written_at, payload, execution, checksum)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("%w: failed to prepare insert: %v", apperrors.ErrLedgerExportFailed, err)
	}
	defer stmt.Close()

	records := l.Snapshot()
	for _, rec := range records {
		payload, err := json.Marshal(rec.Payload)
		if err != nil {
			return fmt.Errorf("%w: failed to marshal payload %s: %v", apperrors.ErrLedgerExportFailed, rec.PrimaryID, err)
		}
		var execution []byte
		if rec.Execution != nil {
			execution, err = json.Marshal(rec.Execution)
			if err != nil {
				return fmt.Errorf("%w: failed to marshal execution metadata %s: %v", apperrors.ErrLedgerExportFailed, rec.PrimaryID, err)
			}
		}
		checksum := sha256.Sum256(append(payload, execution...))
		_, err = stmt.ExecContext(ctx, rec.PrimaryID, rec.OrderingID, rec.WrittenAt.UnixNano(),
			string(payload), nullableString(execution), checksum[:])
		if err != nil {
			return fmt.Errorf("%w: failed to write record %s: %v", apperrors.ErrLedgerExportFailed, rec.PrimaryID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: failed to commit: %v", apperrors.ErrLedgerExportFailed, err)
	}

	l.logger.Info("Ledger exported", "path", dbPath, "records", len(records), "exported_at", time.Now().Format(time.RFC3339))
	return nil
}

func nullableString(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
