package recovery

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"time"

	"github.com/flowkit/orchestrator/pkg/branchctx"
	"github.com/flowkit/orchestrator/pkg/flow"
)

// sqlStore is the shared implementation behind both PostgresStore (via
// lib/pq) and SQLiteStore (via modernc.org/sqlite): both drive the same
// database/sql.DB with mostly-portable SQL. Grounded on the reference's
// store/ledger.PostgresLedger and store.SQLiteReceiptStore, which share
// this same "one struct wraps *sql.DB, schema is a const string applied
// at Init" shape across backends.
type sqlStore struct {
	db      *sql.DB
	dialect dialect
}

type dialect string

const (
	dialectPostgres dialect = "postgres"
	dialectSQLite   dialect = "sqlite"
)

func newSQLStore(db *sql.DB, d dialect) *sqlStore {
	return &sqlStore{db: db, dialect: d}
}

func (s *sqlStore) migrate(ctx context.Context) error {
	autoincrement := "INTEGER"
	if s.dialect == dialectSQLite {
		autoincrement = "INTEGER"
	}
	schemaDDL := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS execution_snapshots (
	execution_id TEXT PRIMARY KEY,
	sequence_num %s NOT NULL,
	payload TEXT NOT NULL,
	status TEXT NOT NULL,
	taken_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS wal_records (
	execution_id TEXT NOT NULL,
	seq %s NOT NULL,
	kind TEXT NOT NULL,
	payload TEXT NOT NULL,
	crc %s NOT NULL,
	appended_at TIMESTAMP NOT NULL,
	PRIMARY KEY (execution_id, seq)
);
`, autoincrement, autoincrement, autoincrement)
	_, err := s.db.ExecContext(ctx, schemaDDL)
	return err
}

// snapshotPayload is the JSON shape stored in execution_snapshots.payload:
// both the live execution state and the flow definition it was planned
// from, so LoadSnapshot alone is enough to reconstruct a Scheduler.
type snapshotPayload struct {
	Execution  *branchctx.ExecutionContext `json:"execution"`
	Definition *flow.Definition            `json:"definition"`
}

func (s *sqlStore) SaveSnapshot(ctx context.Context, snap Snapshot) error {
	snap.TakenAt = time.Now()
	payload, err := json.Marshal(snapshotPayload{Execution: snap.Execution, Definition: snap.Definition})
	if err != nil {
		return fmt.Errorf("recovery: marshal execution context: %w", err)
	}

	status := ""
	if snap.Execution != nil {
		status = string(snap.Execution.Status)
	}

	var query string
	if s.dialect == dialectPostgres {
		query = `
INSERT INTO execution_snapshots (execution_id, sequence_num, payload, status, taken_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (execution_id) DO UPDATE SET sequence_num = $2, payload = $3, status = $4, taken_at = $5
`
	} else {
		query = `
INSERT INTO execution_snapshots (execution_id, sequence_num, payload, status, taken_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT (execution_id) DO UPDATE SET sequence_num = excluded.sequence_num, payload = excluded.payload, status = excluded.status, taken_at = excluded.taken_at
`
	}
	_, err = s.db.ExecContext(ctx, query, snap.ExecutionID, snap.SequenceNum, string(payload), status, snap.TakenAt)
	if err != nil {
		return fmt.Errorf("recovery: save snapshot: %w", err)
	}
	return nil
}

func (s *sqlStore) LoadSnapshot(ctx context.Context, executionID string) (Snapshot, error) {
	query := s.rewrite(`SELECT sequence_num, payload, taken_at FROM execution_snapshots WHERE execution_id = ?`)
	row := s.db.QueryRowContext(ctx, query, executionID)

	var seq uint64
	var payload string
	var takenAt time.Time
	if err := row.Scan(&seq, &payload, &takenAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Snapshot{}, fmt.Errorf("%w: execution %s", ErrNotFound, executionID)
		}
		return Snapshot{}, fmt.Errorf("recovery: load snapshot: %w", err)
	}

	var decoded snapshotPayload
	if err := json.Unmarshal([]byte(payload), &decoded); err != nil {
		return Snapshot{}, fmt.Errorf("recovery: unmarshal execution context: %w", err)
	}
	snap := Snapshot{ExecutionID: executionID, SequenceNum: seq, TakenAt: takenAt, Execution: decoded.Execution, Definition: decoded.Definition}
	return snap, nil
}

func (s *sqlStore) AppendWAL(ctx context.Context, rec WALRecord) error {
	rec.CRC = crc32.ChecksumIEEE(rec.Payload)
	rec.AppendedAt = time.Now()

	query := s.rewrite(`INSERT INTO wal_records (execution_id, seq, kind, payload, crc, appended_at) VALUES (?, ?, ?, ?, ?, ?)`)
	_, err := s.db.ExecContext(ctx, query, rec.ExecutionID, rec.Seq, string(rec.Kind), string(rec.Payload), rec.CRC, rec.AppendedAt)
	if err != nil {
		return fmt.Errorf("recovery: append WAL record: %w", err)
	}
	return nil
}

func (s *sqlStore) ReplayWAL(ctx context.Context, executionID string, afterSeq uint64) ([]WALRecord, error) {
	query := s.rewrite(`SELECT seq, kind, payload, crc, appended_at FROM wal_records WHERE execution_id = ? AND seq > ? ORDER BY seq ASC`)
	rows, err := s.db.QueryContext(ctx, query, executionID, afterSeq)
	if err != nil {
		return nil, fmt.Errorf("recovery: replay WAL: %w", err)
	}
	defer rows.Close()

	var out []WALRecord
	for rows.Next() {
		var rec WALRecord
		var payload string
		var kind string
		if err := rows.Scan(&rec.Seq, &kind, &payload, &rec.CRC, &rec.AppendedAt); err != nil {
			return nil, fmt.Errorf("recovery: scan WAL record: %w", err)
		}
		rec.ExecutionID = executionID
		rec.Kind = TransitionKind(kind)
		rec.Payload = []byte(payload)
		if crc32.ChecksumIEEE(rec.Payload) != rec.CRC {
			return nil, fmt.Errorf("recovery: WAL record seq %d failed CRC check for execution %s", rec.Seq, executionID)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *sqlStore) ListNonTerminal(ctx context.Context) ([]string, error) {
	query := `SELECT execution_id FROM execution_snapshots WHERE status NOT IN ('COMPLETED', 'FAILED')`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("recovery: list non-terminal executions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *sqlStore) Close() error {
	return s.db.Close()
}

// rewrite swaps "?" placeholders for "$N" on Postgres; SQLite accepts "?"
// natively.
func (s *sqlStore) rewrite(query string) string {
	if s.dialect != dialectPostgres {
		return query
	}
	out := make([]byte, 0, len(query)+8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			out = append(out, []byte(fmt.Sprintf("$%d", n))...)
			continue
		}
		out = append(out, query[i])
	}
	return string(out)
}
