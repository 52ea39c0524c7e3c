// Package scheduler implements the Branch Scheduler of spec.md §4.3, the
// largest component of the core: the single-writer, event-driven loop
// that drives one execution from PLANNED to a terminal status, dispatches
// commands through the Message Bus Adapter, applies results to the
// Memory Store, retries or circuit-breaks failing steps, and coordinates
// with the Merge Coordinator at convergent exporters.
//
// Grounded on the reference's worker/dispatcher event-loop shape (a
// single goroutine draining an ordered channel, mutating owned state
// between receives) and kernel/retry's backoff/circuit-breaker policy,
// reused here via pkg/retry.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flowkit/orchestrator/pkg/branchctx"
	"github.com/flowkit/orchestrator/pkg/bus"
	"github.com/flowkit/orchestrator/pkg/flow"
	"github.com/flowkit/orchestrator/pkg/flowerr"
	"github.com/flowkit/orchestrator/pkg/memaddr"
	"github.com/flowkit/orchestrator/pkg/memstore"
	"github.com/flowkit/orchestrator/pkg/merge"
	"github.com/flowkit/orchestrator/pkg/recovery"
	"github.com/flowkit/orchestrator/pkg/registry"
	"github.com/flowkit/orchestrator/pkg/retry"
)

// EventSink receives FlowExecutionEvents as the scheduler's lifecycle
// progresses (spec.md §6). Defined locally so pkg/scheduler has no
// compile-time dependency on pkg/telemetry; telemetry.Emitter implements
// this.
type EventSink interface {
	Emit(ctx context.Context, executionID, flowID, flowVersion, eventType string, data map[string]any, correlationID string)
}

type noopSink struct{}

func (noopSink) Emit(context.Context, string, string, string, string, map[string]any, string) {}

// DefaultTimeout is the dispatch deadline used when a node's config does
// not specify "timeoutMs".
const DefaultTimeout = 30 * time.Second

type eventKind int

const (
	evResult eventKind = iota
	evTimeout
	evCancel
	evMergeDeadline
	evRetryReady
	evResumeCrashed
)

type event struct {
	kind         eventKind
	result       *bus.Result
	pendingCmd   *bus.PendingCommand
	reason       string
	exporterStep flow.StepID
	stepID       flow.StepID // evRetryReady
}

// Scheduler drives one execution to completion. Exactly one goroutine
// (Run) processes its event queue; all other access is via the exported,
// channel-safe methods.
type Scheduler struct {
	def *flow.Definition
	exec *branchctx.ExecutionContext

	adapter  *bus.Adapter
	store    *memstore.Store
	addrReg  registry.Registry
	recStore recovery.Store
	mergeCo  *merge.Coordinator
	breakers *retry.Registry
	sink     EventSink
	log      *slog.Logger

	events chan event
	done   chan struct{}

	mu            sync.Mutex
	walSeq        uint64
	cancelled     bool
	terminated    bool
	exporterSteps []flow.StepID // exporters with in-degree > 1, registered with mergeCo
}

// Option configures a Scheduler at construction.
type Option func(*Scheduler)

func WithEventSink(sink EventSink) Option { return func(s *Scheduler) { s.sink = sink } }
func WithLogger(l *slog.Logger) Option    { return func(s *Scheduler) { s.log = l } }

// New builds a Scheduler for one ExecutionContext. It does not subscribe
// to the bus; the exec-scoped queue is obtained via
// adapter.Subscribe(exec.ExecutionID) once Start or Resume launches the
// forwarding goroutine.
func New(def *flow.Definition, exec *branchctx.ExecutionContext, adapter *bus.Adapter, store *memstore.Store, addrReg registry.Registry, recStore recovery.Store, mergeCo *merge.Coordinator, breakers *retry.Registry, opts ...Option) *Scheduler {
	s := &Scheduler{
		def:      def,
		exec:     exec,
		adapter:  adapter,
		store:    store,
		addrReg:  addrReg,
		recStore: recStore,
		mergeCo:  mergeCo,
		breakers: breakers,
		sink:     noopSink{},
		log:      slog.Default(),
		events:   make(chan event, 256),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start registers exporter gather buffers, seeds the branch DAG's root
// steps as READY, and launches the event loop goroutine. It returns
// immediately; completion is observed via Done().
func (s *Scheduler) Start(ctx context.Context) {
	s.registerExporters()
	s.exec.Status = branchctx.ExecImporting
	s.sink.Emit(ctx, s.exec.ExecutionID, s.exec.FlowID, s.exec.FlowVersion, "STARTED", nil, s.exec.CorrelationID)

	go s.forwardBusEvents()
	go s.run(ctx)

	s.dispatchReady(ctx)
}

// Resume restarts the event loop for an ExecutionContext reconstructed
// by the Recovery Manager from a snapshot plus WAL replay (spec.md §4.8
// steps 1-3), rather than one freshly produced by planner.Plan. Unlike
// Start, it does not reset exec.Status or re-emit STARTED: the execution
// is already in flight from the caller's perspective, just resuming in a
// new process. It redispatches any still-READY/WAITING-with-no-deps
// steps exactly as Start's dispatchReady does, then resolves every step
// the crash left IN_FLIGHT via handleResumeCrashed.
func (s *Scheduler) Resume(ctx context.Context) {
	s.registerExporters()

	go s.forwardBusEvents()
	go s.run(ctx)

	s.dispatchReady(ctx)
	s.events <- event{kind: evResumeCrashed}
}

// handleResumeCrashed implements spec.md §4.8 step 3 for every step the
// snapshot and WAL replay left IN_FLIGHT: since this scheduler has no
// durable record of a result ever arriving for it, it is treated like a
// dispatch timeout, which the existing retry/circuit-breaker path in
// handleStepFailure already resolves correctly — re-dispatch if the step
// still has retry budget, or fail the branch out if not.
func (s *Scheduler) handleResumeCrashed(ctx context.Context) {
	for _, bc := range s.exec.Branches {
		for stepID, st := range bc.Steps {
			if st.Status != branchctx.StepInFlight {
				continue
			}
			s.handleStepFailure(ctx, bc, st, stepID, flowerr.New("recovery", flowerr.CodeConnectionTimeout, flowerr.SeverityMajor,
				fmt.Sprintf("step %s was in flight when the process crashed; no durable result was found on resume", stepID)))
		}
	}
}

// Done reports a channel closed once the execution reaches a terminal
// status and cleanup has completed.
func (s *Scheduler) Done() <-chan struct{} { return s.done }

func (s *Scheduler) registerExporters() {
	for _, n := range s.def.Exporters() {
		if s.def.InDegree(n.StepID) <= 1 {
			continue
		}
		var producers []string
		for _, pred := range s.def.Predecessors(n.StepID) {
			producers = append(producers, s.branchOf(pred.StepID))
		}
		s.mergeCo.Register(s.exec.ExecutionID, n, producers)
		s.exporterSteps = append(s.exporterSteps, n.StepID)

		if n.MergeConfig.Trigger == flow.TriggerTimeout && n.MergeConfig.DeadlineMs > 0 {
			exporterStep := n.StepID
			time.AfterFunc(time.Duration(n.MergeConfig.DeadlineMs)*time.Millisecond, func() {
				s.events <- event{kind: evMergeDeadline, exporterStep: exporterStep}
			})
		}
	}
}

func (s *Scheduler) branchOf(id flow.StepID) string {
	for bp, bc := range s.exec.Branches {
		if _, ok := bc.Steps[id]; ok {
			return string(bp)
		}
	}
	return ""
}

// forwardBusEvents relays the Adapter's SchedulerEvents for this
// execution into the scheduler's own event queue, translating them to
// the scheduler's internal event shape.
func (s *Scheduler) forwardBusEvents() {
	queue := s.adapter.Subscribe(s.exec.ExecutionID)
	for ev := range queue {
		if ev.Result != nil {
			s.events <- event{kind: evResult, result: ev.Result}
		} else if ev.Timeout != nil {
			s.events <- event{kind: evTimeout, pendingCmd: ev.Timeout}
		}
	}
}

// Cancel requests cancellation; idempotent (spec.md §5: "duplicate
// cancels are no-ops").
func (s *Scheduler) Cancel(reason string) {
	s.events <- event{kind: evCancel, reason: reason}
}

func (s *Scheduler) run(ctx context.Context) {
	for {
		select {
		case ev := <-s.events:
			s.apply(ctx, ev)
			if s.isTerminated() {
				s.cleanup(ctx)
				close(s.done)
				return
			}
			s.checkpoint(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Scheduler) isTerminated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.terminated
}

func (s *Scheduler) apply(ctx context.Context, ev event) {
	switch ev.kind {
	case evResult:
		s.handleResult(ctx, *ev.result)
	case evTimeout:
		s.handleTimeout(ctx, *ev.pendingCmd)
	case evCancel:
		s.handleCancel(ctx, ev.reason)
	case evMergeDeadline:
		s.handleMergeDeadline(ctx, ev.exporterStep)
	case evRetryReady:
		s.handleRetryReady(ctx, ev.stepID)
	case evResumeCrashed:
		s.handleResumeCrashed(ctx)
	}
}

// --- dispatch ---

func (s *Scheduler) dispatchReady(ctx context.Context) {
	for _, bc := range s.exec.Branches {
		for stepID, st := range bc.Steps {
			if st.Status == branchctx.StepReady {
				s.dispatch(ctx, bc, st, stepID)
			}
		}
	}
	s.seedRoots(ctx)
}

// seedRoots marks every step with zero pending dependencies READY and
// dispatches it — the DAG's roots (the importer, plus any processor that
// happens to have in-degree 0, which the topology check forbids except
// for the importer, so in practice this seeds exactly the importer).
func (s *Scheduler) seedRoots(ctx context.Context) {
	for _, bc := range s.exec.Branches {
		for stepID, st := range bc.Steps {
			if st.Status == branchctx.StepWaiting && st.PendingDeps == 0 {
				st.Status = branchctx.StepReady
				s.dispatch(ctx, bc, st, stepID)
			}
		}
	}
}

func (s *Scheduler) nodeTimeout(n *flow.Node) time.Duration {
	if n.Config != nil {
		if v, ok := n.Config["timeoutMs"]; ok {
			switch t := v.(type) {
			case int:
				return time.Duration(t) * time.Millisecond
			case int64:
				return time.Duration(t) * time.Millisecond
			case float64:
				return time.Duration(t) * time.Millisecond
			}
		}
	}
	return DefaultTimeout
}

func (s *Scheduler) dispatch(ctx context.Context, bc *branchctx.BranchContext, st *branchctx.StepState, stepID flow.StepID) {
	n := s.def.Nodes[stepID]
	if n == nil {
		return
	}

	breaker := s.breakers.For(n.Service.ServiceID, n.Service.Version)
	if !breaker.Allow() {
		s.failStep(ctx, bc, st, flowerr.New("scheduler", flowerr.CodeResourceUnavail, flowerr.SeverityMajor,
			fmt.Sprintf("circuit open for service %s", n.Service)))
		return
	}

	outputAddr := s.exec.Allocations[stepID]
	var inputAddrs []memaddr.Address
	if n.Kind == flow.KindExporter && n.MergeConfig != nil && s.def.InDegree(stepID) > 1 {
		// Convergent exporter: its input is the Merge Coordinator's single
		// resolved payload, not each raw predecessor output.
		mergedAddr := outputAddr.WithComponent("merged")
		inputAddrs = []memaddr.Address{mergedAddr}
		_ = s.store.Acquire(mergedAddr)
	} else {
		for _, pred := range s.def.Predecessors(stepID) {
			if addr, ok := s.exec.Allocations[pred.StepID]; ok {
				inputAddrs = append(inputAddrs, addr)
				_ = s.store.Acquire(addr)
			}
		}
	}

	correlationID := uuid.NewString()
	deadline := time.Now().Add(s.nodeTimeout(n))

	cmd := bus.Command{
		CorrelationID:  correlationID,
		ExecutionID:    s.exec.ExecutionID,
		FlowID:         s.exec.FlowID,
		BranchPath:     string(bc.BranchPath),
		StepID:         stepID.String(),
		Deadline:       deadline,
		ServiceID:      n.Service.ServiceID,
		ServiceVersion: n.Service.Version,
		InputAddresses: inputAddrs,
		OutputAddress:  outputAddr,
		Parameters:     n.Config,
	}
	if n.EntityRef != nil {
		cmd.EntityID = n.EntityRef.Address
		cmd.EntityVersion = n.EntityRef.Version
	}

	switch n.Kind {
	case flow.KindImporter:
		cmd.Kind = bus.CommandImport
	case flow.KindExporter:
		cmd.Kind = bus.CommandExport
		if n.MergeConfig != nil {
			cmd.MergeMetadata = map[string]any{"strategy": n.MergeConfig.Strategy, "trigger": n.MergeConfig.Trigger}
		}
	default:
		cmd.Kind = bus.CommandProcess
	}

	st.Status = branchctx.StepInFlight
	s.appendWAL(ctx, recovery.TransitionDispatch, map[string]any{"correlationId": correlationID, "stepId": stepID.String()})

	if err := s.adapter.Dispatch(ctx, cmd); err != nil {
		s.log.Error("scheduler: dispatch failed", "component", "scheduler", "executionId", s.exec.ExecutionID, "stepId", stepID.String(), "error", err)
		s.failStep(ctx, bc, st, flowerr.New("scheduler", flowerr.CodeSystemError, flowerr.SeverityCritical, err.Error()))
	}
}

// --- result handling ---

func (s *Scheduler) findStep(stepIDWire string) (*branchctx.BranchContext, *branchctx.StepState, flow.StepID, bool) {
	stepID, err := flow.ParseStepID(stepIDWire)
	if err != nil {
		return nil, nil, flow.StepID{}, false
	}
	for _, bc := range s.exec.Branches {
		if st, ok := bc.Steps[stepID]; ok {
			return bc, st, stepID, true
		}
	}
	return nil, nil, flow.StepID{}, false
}

func (s *Scheduler) handleResult(ctx context.Context, res bus.Result) {
	// res.StepID was stamped by the worker from the dispatched Command,
	// so lookup goes through stepId, not correlationId, to stay correct
	// even if the adapter's own correlation bookkeeping lags.
	bc, st, stepID, ok := s.findStep(res.StepID)
	if !ok {
		return
	}
	if st.Status != branchctx.StepInFlight {
		// Duplicate or stale result for an already-applied step: no-op,
		// per spec.md §8.
		return
	}

	s.appendWAL(ctx, recovery.TransitionResult, map[string]any{"correlationId": res.CorrelationID, "stepId": res.StepID, "success": res.Success})

	if !res.Success {
		s.handleStepFailure(ctx, bc, st, stepID, res.Error)
		return
	}

	breaker := s.breakers.For(s.def.Nodes[stepID].Service.ServiceID, s.def.Nodes[stepID].Service.Version)
	breaker.RecordSuccess()

	st.Status = branchctx.StepCompleted
	s.releaseStepInputs(stepID)
	s.sink.Emit(ctx, s.exec.ExecutionID, s.exec.FlowID, s.exec.FlowVersion, "STEP_COMPLETED", map[string]any{"stepId": stepID.String()}, res.CorrelationID)

	for _, succ := range s.def.Successors(stepID) {
		if succ.Kind == flow.KindExporter && s.def.InDegree(succ.StepID) > 1 {
			// A converging exporter is dispatched by the merge decision
			// (applyMergeDecision), not by its dependency count.
			s.notifyMerge(ctx, bc, succ.StepID, true, res)
			continue
		}
		succBC, succSt, ok := s.branchStep(succ.StepID)
		if !ok {
			continue
		}
		succSt.PendingDeps--
		if succSt.PendingDeps <= 0 && succSt.Status == branchctx.StepWaiting {
			succSt.Status = branchctx.StepReady
			s.dispatch(ctx, succBC, succSt, succ.StepID)
		}
	}

	s.maybeCompleteBranch(ctx, bc)
	s.maybeCompleteExecution(ctx)
}

func (s *Scheduler) branchStep(id flow.StepID) (*branchctx.BranchContext, *branchctx.StepState, bool) {
	for _, bc := range s.exec.Branches {
		if st, ok := bc.Steps[id]; ok {
			return bc, st, true
		}
	}
	return nil, nil, false
}

// notifyMerge reports the branch feeding a converging exporter into the
// Merge Coordinator's gather buffer and, if the trigger fires, proceeds
// to dispatch the exporter with the merged payload.
func (s *Scheduler) notifyMerge(ctx context.Context, bc *branchctx.BranchContext, exporterStep flow.StepID, success bool, res bus.Result) {
	var payload map[string]any
	var outputAddr memaddr.Address
	if success && res.ResultAddress != nil {
		outputAddr = *res.ResultAddress
		raw, _, err := s.store.Get(ctx, *res.ResultAddress)
		if err == nil {
			if jsonErr := json.Unmarshal(raw, &payload); jsonErr != nil {
				// Not a JSON object (e.g. an opaque blob): field-level
				// mappings can still address it whole via sourceField "raw".
				payload = map[string]any{"raw": raw}
			}
		}
	}

	decision, err := s.mergeCo.Arrive(ctx, s.exec.ExecutionID, exporterStep, merge.BranchOutcome{
		BranchPath:    string(bc.BranchPath),
		Success:       success,
		OutputAddress: outputAddr,
		Payload:       payload,
		CompletedAt:   time.Now(),
	})
	if err != nil {
		s.log.Error("scheduler: merge arrival failed", "component", "scheduler", "error", err)
		return
	}
	if decision == nil {
		return
	}
	s.applyMergeDecision(ctx, exporterStep, decision)
}

func (s *Scheduler) applyMergeDecision(ctx context.Context, exporterStep flow.StepID, decision *merge.Decision) {
	s.appendWAL(ctx, recovery.TransitionMerge, map[string]any{"exporterStep": exporterStep.String(), "reason": decision.Reason, "selectedBranch": decision.SelectedBranch})
	s.sink.Emit(ctx, s.exec.ExecutionID, s.exec.FlowID, s.exec.FlowVersion, "MERGE_FIRED",
		map[string]any{"selectedBranch": decision.SelectedBranch, "reason": decision.Reason, "dropped": decision.DroppedBranches}, "")

	exporterBC, exporterSt, ok := s.branchStep(exporterStep)
	if !ok {
		return
	}

	if decision.FailedExporter {
		s.failStep(ctx, exporterBC, exporterSt, flowerr.New("merge", flowerr.CodePartialFailure, flowerr.SeverityMajor,
			fmt.Sprintf("exporter %s: merge trigger fired with no usable input", exporterStep)))
		return
	}

	inputAddr := s.exec.Allocations[exporterStep].WithComponent("merged")
	if decision.Payload != nil {
		_ = s.store.Put(ctx, inputAddr, mustJSONBytes(decision.Payload), memstore.Meta{SchemaID: "merged"})
	}

	if decision.CancelLosers {
		s.cancelSiblingBranches(ctx, exporterStep, decision)
	}

	exporterSt.Status = branchctx.StepReady
	s.dispatch(ctx, exporterBC, exporterSt, exporterStep)
}

func (s *Scheduler) cancelSiblingBranches(ctx context.Context, exporterStep flow.StepID, decision *merge.Decision) {
	for _, branchName := range decision.DroppedBranches {
		bp := flow.BranchPath(branchName)
		bc, ok := s.exec.Branches[bp]
		if !ok {
			continue
		}
		for _, st := range bc.Steps {
			if st.Status == branchctx.StepInFlight {
				st.Status = branchctx.StepFailed
				s.releaseStepInputs(st.StepID)
			}
		}
		bc.Status = branchctx.BranchFailed
	}
}

func mustJSONBytes(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}

func (s *Scheduler) handleStepFailure(ctx context.Context, bc *branchctx.BranchContext, st *branchctx.StepState, stepID flow.StepID, errRec *flowerr.Record) {
	n := s.def.Nodes[stepID]
	breaker := s.breakers.For(n.Service.ServiceID, n.Service.Version)
	breaker.RecordFailure()

	st.Attempts++
	if errRec != nil {
		st.LastError = &branchctx.ErrorEntry{Code: string(errRec.ErrorCode), Message: errRec.Message, Timestamp: errRec.Timestamp}
		bc.ErrorHistory = append(bc.ErrorHistory, *st.LastError)
	}

	retriable := errRec != nil && flowerr.Retriable(errRec.ErrorCode)
	if retriable && st.Attempts < n.RetryPolicy.MaxAttempts {
		s.scheduleRetry(ctx, bc, st, stepID, n)
		return
	}

	s.failStep(ctx, bc, st, errRec)
}

func (s *Scheduler) scheduleRetry(ctx context.Context, bc *branchctx.BranchContext, st *branchctx.StepState, stepID flow.StepID, n *flow.Node) {
	seed := retry.JitterSeed{
		PolicyID:     n.Service.String(),
		ServiceID:    n.Service.ServiceID,
		StepID:       stepID.String(),
		AttemptIndex: st.Attempts,
		EnvSnapHash:  s.exec.ExecutionID,
	}
	policy := retry.Policy{
		BaseMs: n.RetryPolicy.BaseMs, MaxMs: n.RetryPolicy.MaxMs, MaxJitterMs: n.RetryPolicy.MaxJitterMs,
		MaxAttempts: n.RetryPolicy.MaxAttempts,
	}
	delay := retry.ComputeBackoff(seed, policy)

	s.appendWAL(ctx, recovery.TransitionRetry, map[string]any{"stepId": stepID.String(), "attempt": st.Attempts, "delayMs": delay.Milliseconds()})

	st.Status = branchctx.StepWaiting
	time.AfterFunc(delay, func() {
		// Post back to the event queue instead of mutating st/bc directly
		// from this timer goroutine: every state change must go through
		// the single run() goroutine, same as the merge-deadline timer in
		// registerExporters.
		s.events <- event{kind: evRetryReady, stepID: stepID}
	})
}

// handleRetryReady applies a scheduleRetry backoff's expiry, posted via
// evRetryReady. st.Status may have moved on since the timer was armed
// (e.g. the branch was cancelled or failed out from under it), so this
// only acts if the step is still the one waiting on this retry.
func (s *Scheduler) handleRetryReady(ctx context.Context, stepID flow.StepID) {
	bc, st, ok := s.branchStep(stepID)
	if !ok || st.Status != branchctx.StepWaiting {
		return
	}
	st.Status = branchctx.StepReady
	s.dispatch(ctx, bc, st, stepID)
}

// releaseStepInputs drops the reference a step's dispatch acquired on each
// of its predecessor outputs, once that step has reached a terminal state
// and is done consuming them.
func (s *Scheduler) releaseStepInputs(stepID flow.StepID) {
	n := s.def.Nodes[stepID]
	if n != nil && n.Kind == flow.KindExporter && n.MergeConfig != nil && s.def.InDegree(stepID) > 1 {
		_ = s.store.Release(s.exec.Allocations[stepID].WithComponent("merged"))
		return
	}
	for _, pred := range s.def.Predecessors(stepID) {
		if addr, ok := s.exec.Allocations[pred.StepID]; ok {
			_ = s.store.Release(addr)
		}
	}
}

func (s *Scheduler) failStep(ctx context.Context, bc *branchctx.BranchContext, st *branchctx.StepState, errRec *flowerr.Record) {
	wasInFlight := st.Status == branchctx.StepInFlight
	st.Status = branchctx.StepFailed
	if wasInFlight {
		s.releaseStepInputs(st.StepID)
	}
	if errRec != nil {
		s.sink.Emit(ctx, s.exec.ExecutionID, s.exec.FlowID, s.exec.FlowVersion, "STEP_FAILED",
			map[string]any{"stepId": st.StepID.String(), "errorCode": errRec.ErrorCode}, errRec.CorrelationID)
	}
	bc.Status = branchctx.BranchFailed
	s.sink.Emit(ctx, s.exec.ExecutionID, s.exec.FlowID, s.exec.FlowVersion, "BRANCH_FAILED",
		map[string]any{"branchPath": string(bc.BranchPath)}, "")

	// Bulkhead propagation: notify every convergent exporter this branch
	// was due to join, so the Merge Coordinator can decide whether the
	// exporter can still fire with surviving siblings.
	for _, exporterStep := range bc.JoinsAt {
		s.notifyMerge(ctx, bc, exporterStep, false, bus.Result{})
	}

	s.maybeCompleteExecution(ctx)
}

func (s *Scheduler) maybeCompleteBranch(ctx context.Context, bc *branchctx.BranchContext) {
	for _, st := range bc.Steps {
		if st.Status != branchctx.StepCompleted && st.Status != branchctx.StepFailed {
			return
		}
	}
	now := time.Now()
	bc.Status = branchctx.BranchCompleted
	bc.CompletedAt = &now
	s.sink.Emit(ctx, s.exec.ExecutionID, s.exec.FlowID, s.exec.FlowVersion, "BRANCH_COMPLETED", map[string]any{"branchPath": string(bc.BranchPath)}, "")
}

func (s *Scheduler) maybeCompleteExecution(ctx context.Context) {
	if !s.exec.AllBranchesTerminal() {
		return
	}

	s.mu.Lock()
	if s.terminated {
		s.mu.Unlock()
		return
	}
	s.terminated = true
	s.mu.Unlock()

	anyFailed := false
	for _, bc := range s.exec.Branches {
		if bc.Status == branchctx.BranchFailed {
			anyFailed = true
		}
	}

	s.exec.Status = branchctx.ExecCompleted
	eventType := "COMPLETED"
	if s.cancelled {
		s.exec.Status = branchctx.ExecFailed
		eventType = "CANCELLED"
	} else if anyFailed && s.allExportersFailed() {
		s.exec.Status = branchctx.ExecFailed
		eventType = "FAILED"
	}

	s.appendWAL(ctx, recovery.TransitionStatus, map[string]any{"status": s.exec.Status})
	s.sink.Emit(ctx, s.exec.ExecutionID, s.exec.FlowID, s.exec.FlowVersion, eventType, nil, s.exec.CorrelationID)
}

func (s *Scheduler) allExportersFailed() bool {
	for _, n := range s.def.Exporters() {
		if _, st, ok := s.branchStep(n.StepID); ok {
			if st.Status == branchctx.StepCompleted {
				return false
			}
		}
	}
	return true
}

// --- timeout / cancellation ---

func (s *Scheduler) handleTimeout(ctx context.Context, pc bus.PendingCommand) {
	bc, st, stepID, ok := s.findStep(pc.TargetStepID)
	if !ok || st.Status != branchctx.StepInFlight {
		return
	}
	errRec := flowerr.New("scheduler", flowerr.CodeConnectionTimeout, flowerr.SeverityMajor,
		fmt.Sprintf("step %s exceeded its dispatch deadline", stepID))
	errRec.CorrelationID = pc.CorrelationID
	s.handleStepFailure(ctx, bc, st, stepID, errRec)
}

func (s *Scheduler) handleCancel(ctx context.Context, reason string) {
	s.mu.Lock()
	if s.cancelled {
		s.mu.Unlock()
		return
	}
	s.cancelled = true
	s.mu.Unlock()

	for _, bc := range s.exec.Branches {
		for stepID, st := range bc.Steps {
			if st.Status == branchctx.StepInFlight {
				_ = s.adapter.Cancel(ctx, s.exec.ExecutionID, stepID.String(), reason)
				st.Status = branchctx.StepFailed
				s.releaseStepInputs(stepID)
			}
		}
		if bc.Status != branchctx.BranchCompleted {
			bc.Status = branchctx.BranchFailed
		}
	}
	s.maybeCompleteExecution(ctx)
}

func (s *Scheduler) handleMergeDeadline(ctx context.Context, exporterStep flow.StepID) {
	decision, err := s.mergeCo.CheckDeadline(ctx, s.exec.ExecutionID, exporterStep, time.Now())
	if err != nil || decision == nil {
		return
	}
	s.applyMergeDecision(ctx, exporterStep, decision)
}

// --- cleanup ---

func (s *Scheduler) cleanup(ctx context.Context) {
	for _, key := range s.exec.ReservedEntities {
		if k, err := registry.ParseKey(key); err == nil && s.addrReg != nil {
			_ = s.addrReg.Release(ctx, k)
		}
	}
	for _, bc := range s.exec.Branches {
		for _, addr := range bc.OwnedAddresses {
			for {
				n, ok := s.store.RefCount(addr)
				if !ok || n == 0 {
					break
				}
				if err := s.store.Release(addr); err != nil {
					break
				}
			}
		}
	}
	for _, exporterStep := range s.exporterSteps {
		s.mergeCo.Release(s.exec.ExecutionID, exporterStep)
	}
	s.adapter.Unsubscribe(s.exec.ExecutionID)
	s.checkpoint(ctx)
}

// checkpoint persists a rolling snapshot of the live execution state
// (spec.md §4.8: "periodic snapshots of ExecutionContext and
// BranchContext"), so a Recovery Manager restart never has to replay
// the WAL from its very first record. Called after every applied event,
// not just at termination.
func (s *Scheduler) checkpoint(ctx context.Context) {
	if s.recStore == nil {
		return
	}
	_ = s.recStore.SaveSnapshot(ctx, recovery.Snapshot{
		ExecutionID: s.exec.ExecutionID,
		Execution:   s.exec,
		Definition:  s.def,
		SequenceNum: s.currentSeq(),
	})
}

func (s *Scheduler) currentSeq() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.walSeq
}

func (s *Scheduler) appendWAL(ctx context.Context, kind recovery.TransitionKind, data map[string]any) {
	if s.recStore == nil {
		return
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.walSeq++
	seq := s.walSeq
	s.mu.Unlock()

	if err := s.recStore.AppendWAL(ctx, recovery.WALRecord{
		ExecutionID: s.exec.ExecutionID,
		Seq:         seq,
		Kind:        kind,
		Payload:     payload,
	}); err != nil {
		s.log.Error("scheduler: WAL append failed", "component", "scheduler", "executionId", s.exec.ExecutionID, "error", err)
	}
}
