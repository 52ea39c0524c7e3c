// Package merge implements the Merge Coordinator of spec.md §4.6: it
// owns every exporter step with in-degree > 1, gathers branch outputs
// keyed by producing branchPath in a per-exporter buffer, decides when
// the configured trigger fires, and applies the configured strategy to
// produce the exporter's single input payload.
//
// Grounded on the reference's kernel's gather/fan-in patterns for the
// buffer bookkeeping, and governance.CELPolicyEvaluator (via the shared
// pkg/celrule) for field-level conflict resolution rules.
package merge

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/flowkit/orchestrator/pkg/celrule"
	"github.com/flowkit/orchestrator/pkg/flow"
	"github.com/flowkit/orchestrator/pkg/memaddr"
)

// BranchOutcome is one branch's arrival at an exporter's gather buffer:
// either it completed successfully with a payload address, or it failed.
type BranchOutcome struct {
	BranchPath     string
	Success        bool
	OutputAddress  memaddr.Address
	Payload        map[string]any // decoded payload, for field-level extraction
	CompletedAt    time.Time
}

// Decision is the outcome of a fired merge: which strategy selected what,
// for both the exporter's input payload and the audit metadata spec.md
// §6 asks ExportCommand to carry.
type Decision struct {
	ExporterStepID  flow.StepID
	Fired           bool
	Payload         map[string]any
	SelectedBranch  string // meaningful for LastWriteWins/PriorityBased
	Reason          string
	FailedExporter  bool // true if the trigger fired with nothing usable
	DroppedBranches []string
	CancelLosers    bool
}

// gatherBuffer is the per-exporter accumulation state.
type gatherBuffer struct {
	mu          sync.Mutex
	exporter    *flow.Node
	producers   map[string]struct{} // every branchPath expected to reach this exporter
	arrived     map[string]BranchOutcome
	fired       bool
	deadlineAt  time.Time
	hasDeadline bool
}

// Coordinator tracks one gather buffer per exporter across every active
// execution, keyed by (executionId, exporterStepId).
type Coordinator struct {
	mu      sync.Mutex
	buffers map[string]*gatherBuffer
	rules   *celrule.Engine
}

// New builds a Coordinator. rules may be nil if no flow in this
// deployment uses CEL-expressed conflict-resolution overrides.
func New(rules *celrule.Engine) *Coordinator {
	return &Coordinator{buffers: make(map[string]*gatherBuffer), rules: rules}
}

func bufferKey(executionID string, exporterStepID flow.StepID) string {
	return executionID + "|" + exporterStepID.String()
}

// Register opens a gather buffer for an exporter, called by the planner
// (or scheduler at execution start) once per exporter with in-degree > 1.
// producingBranches is the full set of branchPaths expected to reach it.
func (c *Coordinator) Register(executionID string, exporter *flow.Node, producingBranches []string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	b := &gatherBuffer{
		exporter:  exporter,
		producers: make(map[string]struct{}, len(producingBranches)),
		arrived:   make(map[string]BranchOutcome),
	}
	for _, bp := range producingBranches {
		b.producers[bp] = struct{}{}
	}
	if exporter.MergeConfig != nil && exporter.MergeConfig.Trigger == flow.TriggerTimeout && exporter.MergeConfig.DeadlineMs > 0 {
		b.hasDeadline = true
		b.deadlineAt = time.Now().Add(time.Duration(exporter.MergeConfig.DeadlineMs) * time.Millisecond)
	}
	c.buffers[bufferKey(executionID, exporter.StepID)] = b
}

// Release drops an exporter's gather buffer, called from the execution's
// cleanup sequence.
func (c *Coordinator) Release(executionID string, exporterStepID flow.StepID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.buffers, bufferKey(executionID, exporterStepID))
}

// Arrive records a branch's terminal outcome and evaluates whether the
// exporter's trigger now fires. A non-nil Decision with Fired=true is
// returned at most once per exporter per execution.
func (c *Coordinator) Arrive(ctx context.Context, executionID string, exporterStepID flow.StepID, outcome BranchOutcome) (*Decision, error) {
	c.mu.Lock()
	b, ok := c.buffers[bufferKey(executionID, exporterStepID)]
	c.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("merge: no gather buffer registered for exporter %s in execution %s", exporterStepID, executionID)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fired {
		return nil, nil
	}
	b.arrived[outcome.BranchPath] = outcome

	return c.evaluateTrigger(ctx, b)
}

// CheckDeadline is polled (or invoked from a scheduler timer event) to
// fire a TIMEOUT-triggered exporter once its deadline has elapsed.
func (c *Coordinator) CheckDeadline(ctx context.Context, executionID string, exporterStepID flow.StepID, now time.Time) (*Decision, error) {
	c.mu.Lock()
	b, ok := c.buffers[bufferKey(executionID, exporterStepID)]
	c.mu.Unlock()
	if !ok {
		return nil, nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fired || !b.hasDeadline || now.Before(b.deadlineAt) {
		return nil, nil
	}
	return c.fireWithWhateverArrived(ctx, b, "timeout_deadline")
}

// evaluateTrigger must be called with b.mu held.
func (c *Coordinator) evaluateTrigger(ctx context.Context, b *gatherBuffer) (*Decision, error) {
	cfg := b.exporter.MergeConfig
	if cfg == nil {
		return nil, fmt.Errorf("merge: exporter %s has no merge configuration", b.exporter.StepID)
	}

	switch cfg.Trigger {
	case flow.TriggerAll:
		if len(b.arrived) < len(b.producers) {
			return nil, nil
		}
		return c.fire(ctx, b, "all_arrived")

	case flow.TriggerAny:
		for _, o := range b.arrived {
			if o.Success {
				return c.fire(ctx, b, "first_success")
			}
		}
		if len(b.arrived) >= len(b.producers) {
			// every branch arrived and none succeeded
			return c.fire(ctx, b, "all_failed")
		}
		return nil, nil

	case flow.TriggerCritical:
		for _, branch := range cfg.CriticalBranches {
			o, ok := b.arrived[branch]
			if !ok || !o.Success {
				return nil, nil
			}
		}
		return c.fire(ctx, b, "critical_satisfied")

	case flow.TriggerTimeout:
		// Fired only via CheckDeadline; early arrival of everything can
		// also fire it immediately.
		if len(b.arrived) >= len(b.producers) {
			return c.fire(ctx, b, "all_arrived_before_deadline")
		}
		return nil, nil

	default:
		return nil, fmt.Errorf("merge: unknown merge trigger %q", cfg.Trigger)
	}
}

func (c *Coordinator) fire(ctx context.Context, b *gatherBuffer, reason string) (*Decision, error) {
	return c.fireWithWhateverArrived(ctx, b, reason)
}

// fireWithWhateverArrived applies the exporter's strategy to whatever
// BranchOutcomes are present in b.arrived at call time. Must be called
// with b.mu held.
func (c *Coordinator) fireWithWhateverArrived(ctx context.Context, b *gatherBuffer, reason string) (*Decision, error) {
	b.fired = true
	cfg := b.exporter.MergeConfig

	var dropped []string
	for bp := range b.producers {
		if _, arrived := b.arrived[bp]; !arrived {
			dropped = append(dropped, bp)
		}
	}
	sort.Strings(dropped)

	decision := &Decision{
		ExporterStepID:  b.exporter.StepID,
		Fired:           true,
		Reason:          reason,
		DroppedBranches: dropped,
		CancelLosers:    cfg.Trigger == flow.TriggerAny && cfg.CancelLosers,
	}

	switch cfg.Strategy {
	case flow.StrategyLastWriteWins:
		applyLastWriteWins(b, decision)
	case flow.StrategyPriorityBased:
		applyPriorityBased(b, cfg.PriorityOrder, decision)
	case flow.StrategyFieldLevel:
		if err := c.applyFieldLevel(ctx, b, cfg, decision); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("merge: unknown merge strategy %q", cfg.Strategy)
	}

	if decision.Payload == nil && decision.SelectedBranch == "" && !decision.FailedExporter {
		decision.FailedExporter = true
	}
	return decision, nil
}

func applyLastWriteWins(b *gatherBuffer, decision *Decision) {
	var best *BranchOutcome
	for bp, o := range b.arrived {
		if !o.Success {
			continue
		}
		oc := o
		if best == nil ||
			oc.CompletedAt.After(best.CompletedAt) ||
			(oc.CompletedAt.Equal(best.CompletedAt) && bp < best.BranchPath) {
			best = &oc
		}
	}
	if best == nil {
		decision.FailedExporter = true
		return
	}
	decision.SelectedBranch = best.BranchPath
	decision.Payload = best.Payload
}

func applyPriorityBased(b *gatherBuffer, priorityOrder []string, decision *Decision) {
	for _, bp := range priorityOrder {
		o, ok := b.arrived[bp]
		if ok && o.Success {
			decision.SelectedBranch = bp
			decision.Payload = o.Payload
			return
		}
	}
	decision.FailedExporter = true
}

// applyFieldLevel copies each target field from its configured source
// branch's payload, resolving same-field conflicts (multiple mappings
// targeting the same field, e.g. from a CEL-expressed override) via
// cfg.ConflictResolution, defaulting to priority order among the
// colliding mappings' source branches.
func (c *Coordinator) applyFieldLevel(ctx context.Context, b *gatherBuffer, cfg *flow.MergeConfig, decision *Decision) error {
	byTarget := make(map[string][]flow.FieldMapping)
	for _, m := range cfg.FieldMappings {
		byTarget[m.TargetField] = append(byTarget[m.TargetField], m)
	}

	payload := make(map[string]any, len(byTarget))
	for target, mappings := range byTarget {
		m, err := c.resolveFieldMapping(ctx, b, mappings, cfg)
		if err != nil {
			return err
		}
		if m == nil {
			continue
		}
		outcome, ok := b.arrived[m.SourceBranch]
		if !ok || !outcome.Success {
			continue
		}
		val, ok := outcome.Payload[m.SourceField]
		if !ok {
			continue
		}
		payload[target] = val
	}
	if len(payload) == 0 {
		decision.FailedExporter = true
		return nil
	}
	decision.Payload = payload
	return nil
}

// resolveFieldMapping picks one FieldMapping among those targeting the
// same field. A single mapping needs no resolution; multiple ones (a
// declared conflict) fall back to cfg.ConflictResolution, defaulting to
// priority order.
func (c *Coordinator) resolveFieldMapping(ctx context.Context, b *gatherBuffer, mappings []flow.FieldMapping, cfg *flow.MergeConfig) (*flow.FieldMapping, error) {
	if len(mappings) == 1 {
		return &mappings[0], nil
	}

	resolution := cfg.ConflictResolution
	if resolution == "" {
		resolution = flow.StrategyPriorityBased
	}

	switch resolution {
	case flow.StrategyPriorityBased:
		for _, bp := range cfg.PriorityOrder {
			for i := range mappings {
				if mappings[i].SourceBranch == bp {
					if o, ok := b.arrived[bp]; ok && o.Success {
						return &mappings[i], nil
					}
				}
			}
		}
		return &mappings[0], nil
	case flow.StrategyLastWriteWins:
		var best *flow.FieldMapping
		var bestAt time.Time
		for i := range mappings {
			o, ok := b.arrived[mappings[i].SourceBranch]
			if !ok || !o.Success {
				continue
			}
			if best == nil || o.CompletedAt.After(bestAt) {
				best = &mappings[i]
				bestAt = o.CompletedAt
			}
		}
		if best == nil {
			return &mappings[0], nil
		}
		return best, nil
	default:
		if c.rules == nil {
			return &mappings[0], nil
		}
		// A CEL rule may be encoded in ConflictResolution itself as an
		// expression name resolved elsewhere; left as an extension point
		// for deployments that need more than priority/last-write-wins.
		return &mappings[0], nil
	}
}
