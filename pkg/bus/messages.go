// Package bus implements the Message Bus Adapter of spec.md §4.5:
// publishes commands to the worker services and consumes their results,
// stamping each dispatch with a correlation id and a pending-command
// record so a deadline expiry can be turned into a synthetic failure
// event when no result arrives in time.
//
// Grounded on the reference's kernel.RedisLimiterStore for the
// Lua-scripted atomicity pattern reused here for the deadline index, and
// on pkg/eventbus (in-memory pub/sub) for the channel-based default
// broker.
package bus

import (
	"time"

	"github.com/flowkit/orchestrator/pkg/flowerr"
	"github.com/flowkit/orchestrator/pkg/memaddr"
)

// CommandKind tags the three dispatchable command shapes of spec.md §6.
type CommandKind string

const (
	CommandImport  CommandKind = "IMPORT"
	CommandProcess CommandKind = "PROCESS"
	CommandExport  CommandKind = "EXPORT"
)

// Command is the dispatch envelope published to workers. Only the fields
// relevant to CommandKind are populated; this mirrors the capability
// interfaces note of spec.md §9 ("tagged variant Command ∈ {Import,
// Process, Export}") rather than three unrelated struct types, so the
// adapter and the scheduler share one serialization and correlation path.
type Command struct {
	Kind          CommandKind `json:"kind"`
	CorrelationID string      `json:"correlationId"`
	ExecutionID   string      `json:"executionId"`
	FlowID        string      `json:"flowId"`
	BranchPath    string      `json:"branchPath"`
	StepID        string      `json:"stepId"`
	Deadline      time.Time   `json:"deadline"`

	// EntityRef identifies the source (Import) or destination (Export)
	// entity. Unused for Process.
	EntityID      string `json:"entityId,omitempty"`
	EntityVersion string `json:"entityVersion,omitempty"`

	ServiceID      string `json:"serviceId"`
	ServiceVersion string `json:"serviceVersion"`

	InputAddresses []memaddr.Address `json:"inputAddresses,omitempty"`
	OutputAddress  memaddr.Address   `json:"outputAddress"`

	Parameters map[string]any `json:"parameters,omitempty"`

	// MergeMetadata carries the selected merge strategy/branch for audit
	// on ExportCommand only.
	MergeMetadata map[string]any `json:"mergeMetadata,omitempty"`
}

// ExpectedResultKind returns the CommandKind a Result must carry to match
// this Command.
func (c Command) ExpectedResultKind() CommandKind { return c.Kind }

// Stats carries the execution statistics a result reports, per spec.md §6.
type Stats struct {
	DurationMillis int64          `json:"durationMillis"`
	BytesProcessed int64          `json:"bytesProcessed,omitempty"`
	Extra          map[string]any `json:"extra,omitempty"`
}

// Result is the unified {Import,Process,Export}Result shape of spec.md §6.
type Result struct {
	Kind          CommandKind     `json:"kind"`
	CorrelationID string          `json:"correlationId"`
	ExecutionID   string          `json:"executionId"`
	StepID        string          `json:"stepId"`
	Success       bool            `json:"success"`
	ResultAddress *memaddr.Address `json:"resultAddress,omitempty"`
	Error         *flowerr.Record `json:"error,omitempty"`
	Stats         Stats           `json:"stats"`
}

// CancelMessage is published for every IN_FLIGHT correlation id when an
// execution is cancelled, per spec.md §4.3.
type CancelMessage struct {
	CorrelationID string `json:"correlationId"`
	ExecutionID   string `json:"executionId"`
	Reason        string `json:"reason"`
}

// PendingCommand is the in-adapter bookkeeping record of spec.md §3:
// "(correlationId, expectedResultType, targetStepId, deadline,
// retryCount)". Created on dispatch, cleared on matching result or
// hard-failed timeout.
type PendingCommand struct {
	CorrelationID      string
	ExecutionID        string
	ExpectedResultKind CommandKind
	TargetStepID       string
	Deadline           time.Time
	RetryCount         int
}
