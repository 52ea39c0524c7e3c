// Package recovery implements the Recovery Manager of spec.md §4.8:
// durable snapshots of ExecutionContext/BranchContext plus a
// write-ahead log of every state transition, and the startup replay
// procedure that resumes in-flight executions after a crash or failover.
//
// Grounded on the reference's store/ledger family (PostgresLedger,
// FileLedger, sql_ledger.go) which persist a similar
// intent-with-status-and-hash-chain record.
package recovery

import (
	"context"
	"errors"
	"time"

	"github.com/flowkit/orchestrator/pkg/branchctx"
	"github.com/flowkit/orchestrator/pkg/flow"
)

// ErrNotFound mirrors store/ledger.ErrNotFound.
var ErrNotFound = errors.New("recovery: not found")

// TransitionKind enumerates the WAL record types of spec.md §6.
type TransitionKind string

const (
	TransitionDispatch TransitionKind = "DISPATCH"
	TransitionResult   TransitionKind = "RESULT"
	TransitionRetry    TransitionKind = "RETRY"
	TransitionMerge    TransitionKind = "MERGE_FIRE"
	TransitionStatus   TransitionKind = "STATUS_CHANGE"
)

// WALRecord is one append-only log entry: "(seq, transitionKind, payload,
// crc)" per spec.md §6. CRC is computed by the Store implementation at
// append time (crc32 of the JSON-encoded payload), not by callers.
type WALRecord struct {
	ExecutionID string
	Seq         uint64
	Kind        TransitionKind
	Payload     []byte // JSON-encoded transition-specific data
	CRC         uint32
	AppendedAt  time.Time
}

// Snapshot is a rolling point-in-time capture of an execution's state.
//
// Definition is carried alongside Execution so a cold-started process —
// whose in-memory Orchestrator.defs table starts empty — can reconstruct
// and resume a Scheduler for this execution from the snapshot alone,
// without depending on the flow having been re-submitted first.
type Snapshot struct {
	ExecutionID string
	Execution   *branchctx.ExecutionContext
	Definition  *flow.Definition
	SequenceNum uint64 // last WAL seq reflected in this snapshot
	TakenAt     time.Time
}

// Store is the durability interface every backend (Postgres, SQLite,
// file) implements identically, so the Recovery Manager's replay logic
// is backend-agnostic.
type Store interface {
	// SaveSnapshot persists (or overwrites) the rolling snapshot for an
	// execution.
	SaveSnapshot(ctx context.Context, snap Snapshot) error
	// LoadSnapshot returns the last snapshot for an execution.
	LoadSnapshot(ctx context.Context, executionID string) (Snapshot, error)
	// AppendWAL durably appends one record before the scheduler applies
	// the corresponding in-memory transition (spec.md §5: "a transition
	// becomes applied only once its WAL entry is durable").
	AppendWAL(ctx context.Context, rec WALRecord) error
	// ReplayWAL returns every record for executionID with seq > afterSeq,
	// in seq order.
	ReplayWAL(ctx context.Context, executionID string, afterSeq uint64) ([]WALRecord, error)
	// ListNonTerminal returns the ids of every execution whose last known
	// status is not COMPLETED or FAILED, for startup recovery.
	ListNonTerminal(ctx context.Context) ([]string, error)
	// Close releases backend resources.
	Close() error
}
