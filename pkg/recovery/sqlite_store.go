package recovery

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// SQLiteStore is the embedded "lite mode" Store backend, grounded on the
// reference's cmd/helm/lite_mode.go + store's SQLite receipt store: a
// single-file database requiring no external service, for small
// deployments or local development against real SQL semantics instead of
// FileStore's flat files.
type SQLiteStore struct {
	*sqlStore
}

// OpenSQLite opens (creating if needed) the database file at path and
// ensures the recovery schema exists.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("recovery: open sqlite: %w", err)
	}
	// WAL mode lets AppendWAL and concurrent LoadSnapshot/ReplayWAL reads
	// interleave without SQLITE_BUSY errors.
	if _, err := db.ExecContext(ctx, `PRAGMA journal_mode=WAL;`); err != nil {
		return nil, fmt.Errorf("recovery: set sqlite journal mode: %w", err)
	}
	s := &SQLiteStore{sqlStore: newSQLStore(db, dialectSQLite)}
	if err := s.migrate(ctx); err != nil {
		return nil, fmt.Errorf("recovery: migrate sqlite schema: %w", err)
	}
	return s, nil
}
