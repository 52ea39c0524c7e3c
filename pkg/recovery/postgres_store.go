package recovery

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
)

// PostgresStore is the production Store backend, grounded on the
// reference's store/ledger.PostgresLedger: a *sql.DB opened against a
// "postgres://" DSN, schema applied idempotently on Open.
type PostgresStore struct {
	*sqlStore
}

// OpenPostgres connects to dsn and ensures the recovery schema exists.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("recovery: open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("recovery: ping postgres: %w", err)
	}
	s := &PostgresStore{sqlStore: newSQLStore(db, dialectPostgres)}
	if err := s.migrate(ctx); err != nil {
		return nil, fmt.Errorf("recovery: migrate postgres schema: %w", err)
	}
	return s, nil
}
