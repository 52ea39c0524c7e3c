// Package branchctx holds the runtime state of one flow execution: the
// ExecutionContext and its owned BranchContexts, per spec.md §3. These
// are mutated only by that execution's Branch Scheduler goroutine
// (single-writer discipline) and are otherwise flat, id-referenced data —
// no pointers cross execution boundaries, per the "avoid cycles" design
// note in spec.md §9.
//
// Grounded on the reference's runtime/obligation.Obligation (a durable
// intent record with a status enum and attempt history) and
// store/ledger.Obligation (the same shape, persisted).
package branchctx

import (
	"time"

	"github.com/flowkit/orchestrator/pkg/flow"
	"github.com/flowkit/orchestrator/pkg/memaddr"
)

// ExecutionStatus enumerates spec.md §3's execution status values.
type ExecutionStatus string

const (
	ExecPlanned    ExecutionStatus = "PLANNED"
	ExecImporting  ExecutionStatus = "IMPORTING"
	ExecProcessing ExecutionStatus = "PROCESSING"
	ExecMerging    ExecutionStatus = "MERGING"
	ExecExporting  ExecutionStatus = "EXPORTING"
	ExecCompleted  ExecutionStatus = "COMPLETED"
	ExecFailed     ExecutionStatus = "FAILED"
	ExecRecovering ExecutionStatus = "RECOVERING"
)

func (s ExecutionStatus) Terminal() bool {
	return s == ExecCompleted || s == ExecFailed
}

// BranchStatus enumerates spec.md §4.3's branch state machine.
type BranchStatus string

const (
	BranchNew           BranchStatus = "NEW"
	BranchReady         BranchStatus = "READY"
	BranchInProgress    BranchStatus = "IN_PROGRESS"
	BranchBlockedOnMerge BranchStatus = "BLOCKED_ON_MERGE"
	BranchCompleted     BranchStatus = "COMPLETED"
	BranchFailed        BranchStatus = "FAILED"
)

// StepStatus enumerates spec.md §4.3's step state machine.
type StepStatus string

const (
	StepWaiting   StepStatus = "WAITING"
	StepReady     StepStatus = "READY"
	StepInFlight  StepStatus = "IN_FLIGHT"
	StepCompleted StepStatus = "COMPLETED"
	StepFailed    StepStatus = "FAILED"
	StepTimedOut  StepStatus = "TIMED_OUT"
)

// StepState is the scheduler's per-step bookkeeping.
type StepState struct {
	StepID             flow.StepID
	Status             StepStatus
	PendingDeps        int // remaining-dependency count
	Attempts           int
	ConsecutiveSvcFails int // for circuit breaker, keyed by (serviceId, version) at a higher level
	LastError          *ErrorEntry
}

// ErrorEntry records one failure for a step's error history.
type ErrorEntry struct {
	Code      string
	Message   string
	Timestamp time.Time
}

// BranchContext is the per-branch runtime state of spec.md §3.
type BranchContext struct {
	BranchPath BranchPathID
	Status     BranchStatus
	Steps      map[flow.StepID]*StepState
	// JoinsAt names the exporter StepIDs this branch eventually reaches.
	JoinsAt []flow.StepID
	CompletedAt *time.Time
	Priority    int
	ErrorHistory []ErrorEntry
	// OwnedAddresses are the MemoryAddresses this branch's steps produced.
	OwnedAddresses []memaddr.Address
	// PinnedServices is the version-pinned set of service refs this
	// branch's steps use, resolved once at plan time.
	PinnedServices []flow.ServiceRef
}

// BranchPathID is branchctx's local alias of flow.BranchPath, kept
// distinct so callers are explicit about which layer they're in.
type BranchPathID = flow.BranchPath

// ExecutionContext is the per-run state of spec.md §3.
type ExecutionContext struct {
	ExecutionID   string
	FlowID        string
	FlowVersion   string
	StartTime     time.Time
	Branches      map[BranchPathID]*BranchContext
	Allocations   map[flow.StepID]memaddr.Address // output address per node
	Status        ExecutionStatus
	CorrelationID string
	TriggerMeta   map[string]any
	// ReservedEntities is the set of (protocol,address,version) keys this
	// execution holds in the Active Address Registry, recorded so
	// completion/cancellation can release exactly what was taken.
	ReservedEntities []string
}

// Terminal reports whether the execution has reached a terminal status.
func (e *ExecutionContext) Terminal() bool {
	return e.Status.Terminal()
}

// Branch looks up a BranchContext, or nil if unknown.
func (e *ExecutionContext) Branch(path BranchPathID) *BranchContext {
	return e.Branches[path]
}

// AllBranchesTerminal reports whether every branch is COMPLETED or FAILED.
func (e *ExecutionContext) AllBranchesTerminal() bool {
	for _, b := range e.Branches {
		if b.Status != BranchCompleted && b.Status != BranchFailed {
			return false
		}
	}
	return true
}
