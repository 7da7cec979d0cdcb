package transfer

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// AuditLog is an append-only SQLite-backed history of terminal transfer
// outcomes (spec.md §3 DOMAIN STACK: "append-only history of completed/
// failed/cancelled transfers, not mid-transfer resume state"). Grounded
// on the teacher's PersistentStore (daemon/manager/persistence.go),
// trimmed to drop the mutable transfer_sessions row-per-transfer and the
// chunk_bitmaps table entirely: this repo never persists in-flight state,
// so there is nothing to resume across a process restart, only a record
// of what happened.
type AuditLog struct {
	db *sql.DB
}

// OpenAuditLog opens (creating if absent) a SQLite database at path and
// ensures its schema exists.
func OpenAuditLog(path string) (*AuditLog, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("transfer: open audit log: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite is not safe for concurrent writers

	schema := `
		CREATE TABLE IF NOT EXISTS transfer_history (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			transfer_id TEXT NOT NULL,
			name        TEXT NOT NULL,
			direction   TEXT NOT NULL,
			size        INTEGER NOT NULL,
			outcome     TEXT NOT NULL,
			message     TEXT,
			started_at  TIMESTAMP NOT NULL,
			finished_at TIMESTAMP NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_history_transfer_id ON transfer_history(transfer_id);
		CREATE INDEX IF NOT EXISTS idx_history_outcome ON transfer_history(outcome);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("transfer: init audit log schema: %w", err)
	}
	return &AuditLog{db: db}, nil
}

// Outcome is the terminal state an audited transfer ended in.
type Outcome string

const (
	OutcomeCompleted Outcome = "COMPLETED"
	OutcomeFailed    Outcome = "FAILED"
	OutcomeCancelled Outcome = "CANCELLED"
)

// Record appends one terminal-event row. Never updates or deletes an
// existing row: the log is a history, not a live session table.
func (a *AuditLog) Record(transferID, name string, direction Direction, size int64, outcome Outcome, message string, startedAt, finishedAt time.Time) error {
	_, err := a.db.Exec(
		`INSERT INTO transfer_history (transfer_id, name, direction, size, outcome, message, started_at, finished_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		transferID, name, direction.String(), size, string(outcome), message, startedAt, finishedAt,
	)
	if err != nil {
		return fmt.Errorf("transfer: record audit event: %w", err)
	}
	return nil
}

// HistoryEntry is one row read back from the audit log.
type HistoryEntry struct {
	TransferID string
	Name       string
	Direction  Direction
	Size       int64
	Outcome    Outcome
	Message    string
	StartedAt  time.Time
	FinishedAt time.Time
}

// Recent returns up to limit history rows, most recent first.
func (a *AuditLog) Recent(limit int) ([]HistoryEntry, error) {
	rows, err := a.db.Query(
		`SELECT transfer_id, name, direction, size, outcome, message, started_at, finished_at
		 FROM transfer_history ORDER BY finished_at DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("transfer: query audit log: %w", err)
	}
	defer rows.Close()

	var out []HistoryEntry
	for rows.Next() {
		var e HistoryEntry
		var direction string
		var outcome string
		if err := rows.Scan(&e.TransferID, &e.Name, &direction, &e.Size, &outcome, &e.Message, &e.StartedAt, &e.FinishedAt); err != nil {
			return nil, fmt.Errorf("transfer: scan audit row: %w", err)
		}
		e.Direction = parseDirection(direction)
		e.Outcome = Outcome(outcome)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Close closes the underlying database handle.
func (a *AuditLog) Close() error {
	return a.db.Close()
}
