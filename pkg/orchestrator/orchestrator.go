// Package orchestrator wires the Flow Validator, Execution Planner,
// Branch Scheduler, Active Address Registry, Recovery Manager, Message
// Bus, Merge Coordinator, and Telemetry Emitter into the Admission API
// of spec.md §6: SubmitFlow / TriggerExecution / CancelExecution /
// GetExecutionStatus.
//
// Grounded on the reference's runtime/obligation.Engine, which is the
// same shape: a process-wide map from id to live state guarded by a
// sync.RWMutex (registry.InMemoryRegistry's locking convention), with
// one worker goroutine per live record.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/flowkit/orchestrator/pkg/branchctx"
	"github.com/flowkit/orchestrator/pkg/bus"
	"github.com/flowkit/orchestrator/pkg/flow"
	"github.com/flowkit/orchestrator/pkg/flowerr"
	"github.com/flowkit/orchestrator/pkg/memstore"
	"github.com/flowkit/orchestrator/pkg/merge"
	"github.com/flowkit/orchestrator/pkg/planner"
	"github.com/flowkit/orchestrator/pkg/recovery"
	"github.com/flowkit/orchestrator/pkg/registry"
	"github.com/flowkit/orchestrator/pkg/retry"
	"github.com/flowkit/orchestrator/pkg/scheduler"
	"github.com/flowkit/orchestrator/pkg/validator"
)

// completedRunRetention bounds how long a finished execution stays in
// Orchestrator.runs after its Scheduler reaches a terminal state, so
// GetExecutionStatus remains answerable for a while without the table
// growing unboundedly over the process's lifetime.
const completedRunRetention = 10 * time.Minute

// Execution is the externally visible status snapshot returned by
// GetExecutionStatus — a read-only copy of the live ExecutionContext
// plus the handle needed to cancel it.
type Execution struct {
	Context *branchctx.ExecutionContext
	sched   *scheduler.Scheduler
}

// Orchestrator is the process-wide admission surface.
type Orchestrator struct {
	mu   sync.RWMutex
	defs map[string]*flow.Definition   // flowId -> submitted definition
	runs map[string]*Execution          // executionId -> live run

	validator *validator.Validator
	planner   *planner.Planner

	adapter  *bus.Adapter
	store    *memstore.Store
	addrReg  registry.Registry
	recStore recovery.Store
	mergeCo  *merge.Coordinator
	breakers *retry.Registry
	sink     scheduler.EventSink

	breakerThreshold int
	breakerCooldown  time.Duration
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithEventSink attaches a telemetry/logging sink (e.g. *telemetry.Emitter).
func WithEventSink(sink scheduler.EventSink) Option {
	return func(o *Orchestrator) { o.sink = sink }
}

// WithBreakerPolicy overrides the shared circuit-breaker defaults used
// for every (serviceId, version) pair.
func WithBreakerPolicy(threshold int, cooldown time.Duration) Option {
	return func(o *Orchestrator) {
		o.breakerThreshold = threshold
		o.breakerCooldown = cooldown
	}
}

// New builds an Orchestrator over the given collaborators.
func New(
	v *validator.Validator,
	p *planner.Planner,
	adapter *bus.Adapter,
	store *memstore.Store,
	addrReg registry.Registry,
	recStore recovery.Store,
	opts ...Option,
) *Orchestrator {
	o := &Orchestrator{
		defs:             make(map[string]*flow.Definition),
		runs:             make(map[string]*Execution),
		validator:        v,
		planner:          p,
		adapter:          adapter,
		store:            store,
		addrReg:          addrReg,
		recStore:         recStore,
		mergeCo:          merge.New(nil),
		breakerThreshold: 5,
		breakerCooldown:  30 * time.Second,
	}
	for _, opt := range opts {
		opt(o)
	}
	o.breakers = retry.NewRegistry(o.breakerThreshold, o.breakerCooldown)
	return o
}

// SubmitFlow validates a FlowDefinition in Admission mode and, if valid,
// registers it for later TriggerExecution calls.
func (o *Orchestrator) SubmitFlow(ctx context.Context, def *flow.Definition) (*validator.Report, error) {
	report := o.validator.Validate(ctx, def, validator.ModeAdmission)
	if !report.Valid {
		return report, nil
	}

	o.mu.Lock()
	o.defs[def.FlowID] = def
	o.mu.Unlock()

	return report, nil
}

// TriggerExecution re-validates the named flow in Execution mode (the
// version catalog may have changed since admission), plans a fresh
// ExecutionContext, and starts its Branch Scheduler.
func (o *Orchestrator) TriggerExecution(ctx context.Context, flowID string, trigger planner.TriggerPayload) (string, error) {
	o.mu.RLock()
	def, ok := o.defs[flowID]
	o.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%s: flow %q was never submitted", flowerr.CodeValidationError, flowID)
	}

	report := o.validator.Validate(ctx, def, validator.ModeExecution)
	if !report.Valid {
		return "", fmt.Errorf("%s: flow %q failed execution-mode validation: %+v", flowerr.CodeValidationError, flowID, report.Issues)
	}

	exec, err := o.planner.Plan(ctx, def, trigger)
	if err != nil {
		return "", err
	}

	opts := []scheduler.Option{}
	if o.sink != nil {
		opts = append(opts, scheduler.WithEventSink(o.sink))
	}
	sched := scheduler.New(def, exec, o.adapter, o.store, o.addrReg, o.recStore, o.mergeCo, o.breakers, opts...)
	o.track(exec, sched)
	sched.Start(ctx)

	return exec.ExecutionID, nil
}

// track registers a live run in the run table and arms the
// completion-retention cleanup, shared by TriggerExecution and Recover.
func (o *Orchestrator) track(exec *branchctx.ExecutionContext, sched *scheduler.Scheduler) {
	o.mu.Lock()
	o.runs[exec.ExecutionID] = &Execution{Context: exec, sched: sched}
	o.mu.Unlock()

	go func() {
		<-sched.Done()
		// Retain a grace window after completion so a GetExecutionStatus
		// call racing the Done() signal still observes the terminal
		// status, then release the run from the live-run table.
		time.Sleep(completedRunRetention)
		o.mu.Lock()
		delete(o.runs, exec.ExecutionID)
		o.mu.Unlock()
	}()
}

// CancelExecution requests cancellation of a live execution. It is a
// no-op (not an error) if the execution has already reached a terminal
// status.
func (o *Orchestrator) CancelExecution(ctx context.Context, executionID, reason string) error {
	o.mu.RLock()
	run, ok := o.runs[executionID]
	o.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%s: execution %q not found", flowerr.CodeDataError, executionID)
	}
	run.sched.Cancel(reason)
	return nil
}

// GetExecutionStatus returns a live execution's current state.
//
// The returned *branchctx.ExecutionContext is the Scheduler's own live
// object, not a deep copy — callers must treat it as read-only, since
// it is mutated by the Scheduler's single-writer goroutine.
func (o *Orchestrator) GetExecutionStatus(ctx context.Context, executionID string) (*branchctx.ExecutionContext, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	run, ok := o.runs[executionID]
	if !ok {
		return nil, fmt.Errorf("%s: execution %q not found", flowerr.CodeDataError, executionID)
	}
	return run.Context, nil
}

// Recover implements the Recovery Manager's startup-continuation
// procedure of spec.md §4.8: on process start (or failover to a
// standby), every execution not in a terminal state is resumed from its
// durable snapshot and WAL rather than lost. Callers (cmd/orchestrator's
// main) must call this once, before serving traffic, so in-flight
// executions from a prior process are picked back up rather than
// silently orphaned.
//
// It returns the number of executions successfully resumed; a failure
// to recover any single execution is logged and that execution is
// skipped without aborting the others. A skipped execution is not
// resumed or tracked; its stored status is left unchanged (it is not
// rewritten to FAILED) and no compensation event is emitted for it.
func (o *Orchestrator) Recover(ctx context.Context) (int, error) {
	ids, err := o.recStore.ListNonTerminal(ctx)
	if err != nil {
		return 0, fmt.Errorf("%s: list non-terminal executions: %w", flowerr.CodeSystemError, err)
	}

	recovered := 0
	for _, id := range ids {
		if err := o.recoverExecution(ctx, id); err != nil {
			slog.Default().Error("orchestrator: execution unrecoverable on startup, skipping",
				"component", "orchestrator", "executionId", id, "error", err)
			continue
		}
		recovered++
	}
	return recovered, nil
}

// recoverExecution drives spec.md §4.8 steps 1-3 for a single
// non-terminal execution: load the last snapshot and replay the WAL tail
// onto it (step 1), re-reserve its Active Address Registry holds (step
// 2), reconstruct a Scheduler around the result and hand IN_FLIGHT steps
// to Scheduler.Resume, which resolves them as a synthetic timeout
// through the existing retry/circuit-breaker path (step 3).
//
// If the snapshot is missing, or was taken without a Definition (an
// older snapshot predating this field, or a corrupt write), the
// execution's state is unrecoverable: an error is returned and Recover
// logs and skips it.
func (o *Orchestrator) recoverExecution(ctx context.Context, executionID string) error {
	snap, err := o.recStore.LoadSnapshot(ctx, executionID)
	if err != nil {
		return fmt.Errorf("%s: load snapshot: %w", flowerr.CodeSystemError, err)
	}
	if snap.Execution == nil || snap.Definition == nil {
		return fmt.Errorf("%s: snapshot for %s is missing execution or definition state", flowerr.CodeDataError, executionID)
	}
	exec := snap.Execution
	def := snap.Definition

	// Item 4: a WAL replay failure (corruption) does not doom the whole
	// execution — fall back to the last snapshot's state, which already
	// reflects every COMPLETED predecessor as of its own checkpoint.
	if records, err := o.recStore.ReplayWAL(ctx, executionID, snap.SequenceNum); err != nil {
		slog.Default().Warn("orchestrator: WAL replay failed, resuming from last snapshot only",
			"component", "orchestrator", "executionId", executionID, "error", err)
	} else {
		for _, rec := range records {
			applyWALRecord(exec, rec)
		}
	}

	for _, key := range exec.ReservedEntities {
		k, err := registry.ParseKey(key)
		if err != nil {
			continue
		}
		if err := o.addrReg.Reserve(ctx, k, exec.ExecutionID, exec.FlowID); err != nil {
			return fmt.Errorf("%s: re-reserve %s held by execution %s: %w", flowerr.CodeResourceConflict, k, exec.ExecutionID, err)
		}
	}

	o.mu.Lock()
	o.defs[def.FlowID] = def
	o.mu.Unlock()

	opts := []scheduler.Option{}
	if o.sink != nil {
		opts = append(opts, scheduler.WithEventSink(o.sink))
	}
	sched := scheduler.New(def, exec, o.adapter, o.store, o.addrReg, o.recStore, o.mergeCo, o.breakers, opts...)
	o.track(exec, sched)
	sched.Resume(ctx)

	return nil
}

// applyWALRecord folds one post-snapshot WAL record onto a reconstructed
// ExecutionContext. Checkpointing after every scheduler event (see
// pkg/scheduler's Scheduler.checkpoint) means the snapshot is normally
// already current and this has nothing to apply; it exists for the rare
// crash window between a WAL append and the checkpoint that would have
// followed it. Only the two transition kinds that are safely idempotent
// to re-derive outside the scheduler's own cascade (status, and a single
// step's terminal outcome) are applied; anything else — successor
// unblocking, merge-fire effects — is left to Scheduler.Resume's
// IN_FLIGHT handling and ordinary re-dispatch.
func applyWALRecord(exec *branchctx.ExecutionContext, rec recovery.WALRecord) {
	switch rec.Kind {
	case recovery.TransitionStatus:
		var data struct {
			Status branchctx.ExecutionStatus `json:"status"`
		}
		if json.Unmarshal(rec.Payload, &data) == nil && data.Status != "" {
			exec.Status = data.Status
		}
	case recovery.TransitionResult:
		var data struct {
			StepID  string `json:"stepId"`
			Success bool   `json:"success"`
		}
		if json.Unmarshal(rec.Payload, &data) != nil {
			return
		}
		for _, bc := range exec.Branches {
			st, ok := bc.Steps[parseStepIDOrZero(data.StepID)]
			if !ok || st.Status != branchctx.StepInFlight {
				continue
			}
			if data.Success {
				st.Status = branchctx.StepCompleted
			} else {
				st.Status = branchctx.StepFailed
				bc.Status = branchctx.BranchFailed
			}
		}
	}
}

func parseStepIDOrZero(wire string) flow.StepID {
	id, err := flow.ParseStepID(wire)
	if err != nil {
		return flow.StepID{}
	}
	return id
}
