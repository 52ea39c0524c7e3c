package recovery

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowkit/orchestrator/pkg/branchctx"
)

// TestPostgresStore_SaveSnapshot_Upsert verifies the generated SQL uses a
// numbered-placeholder upsert, mirroring the reference's sql_ledger_test.go
// approach of asserting query shape against sqlmock rather than a live
// server.
func TestPostgresStore_SaveSnapshot_Upsert(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	store := &PostgresStore{sqlStore: newSQLStore(db, dialectPostgres)}
	ctx := context.Background()

	mock.ExpectExec("INSERT INTO execution_snapshots").
		WithArgs("exec-9", uint64(1), sqlmock.AnyArg(), string(branchctx.ExecProcessing), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err = store.SaveSnapshot(ctx, Snapshot{
		ExecutionID: "exec-9",
		SequenceNum: 1,
		Execution:   &branchctx.ExecutionContext{ExecutionID: "exec-9", Status: branchctx.ExecProcessing},
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_AppendWAL_ComputesCRC(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	store := &PostgresStore{sqlStore: newSQLStore(db, dialectPostgres)}

	mock.ExpectExec("INSERT INTO wal_records").
		WithArgs("exec-9", uint64(1), string(TransitionDispatch), `{"ok":true}`, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err = store.AppendWAL(context.Background(), WALRecord{
		ExecutionID: "exec-9",
		Seq:         1,
		Kind:        TransitionDispatch,
		Payload:     []byte(`{"ok":true}`),
		AppendedAt:  time.Now(),
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
