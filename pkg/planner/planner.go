// Package planner implements the Execution Planner of spec.md §4.2: it
// takes a validated FlowDefinition and a trigger payload and produces a
// freshly constructed ExecutionContext with every BranchContext
// materialized up-front and every known memory address reserved, in
// lexicographic branch-path order so replays are deterministic.
//
// Grounded on the reference's ObligationEngine.CreateObligation (assigns
// an id, persists, returns a fresh record) and kernel/retry's
// deterministic-seed philosophy (replay must reproduce identical output).
package planner

import (
	"context"
	"crypto/rand"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/flowkit/orchestrator/pkg/branchctx"
	"github.com/flowkit/orchestrator/pkg/flow"
	"github.com/flowkit/orchestrator/pkg/flowerr"
	"github.com/flowkit/orchestrator/pkg/memaddr"
	"github.com/flowkit/orchestrator/pkg/recovery"
	"github.com/flowkit/orchestrator/pkg/registry"
	"github.com/oklog/ulid/v2"
)

var (
	entropyMu     sync.Mutex
	entropySource = ulid.Monotonic(rand.Reader, 0)
)

func ulidEntropy() *ulid.MonotonicEntropy {
	// ulid.Monotonic itself is not goroutine-safe; serialize access so
	// concurrent Plan calls from different executions don't race.
	return entropySource
}

// TriggerPayload is the opaque trigger metadata handed in by the external
// task scheduler, per spec.md §1.
type TriggerPayload struct {
	CorrelationID string
	Metadata      map[string]any
}

// Planner builds ExecutionContexts.
type Planner struct {
	addressRegistry registry.Registry
	recoveryStore   recovery.Store
}

// New builds a Planner against the Active Address Registry and Recovery
// Manager it must coordinate with at plan time.
func New(addressRegistry registry.Registry, recoveryStore recovery.Store) *Planner {
	return &Planner{
		addressRegistry: addressRegistry,
		recoveryStore:   recoveryStore,
	}
}

// Plan executes the algorithm of spec.md §4.2.
func (p *Planner) Plan(ctx context.Context, def *flow.Definition, trigger TriggerPayload) (*branchctx.ExecutionContext, error) {
	executionID, err := newULID()
	if err != nil {
		return nil, fmt.Errorf("planner: failed to allocate execution id: %w", err)
	}

	ec := &branchctx.ExecutionContext{
		ExecutionID:   executionID,
		FlowID:        def.FlowID,
		FlowVersion:   def.Version,
		StartTime:     time.Now(),
		Branches:      make(map[flow.BranchPath]*branchctx.BranchContext),
		Allocations:   make(map[flow.StepID]memaddr.Address),
		Status:        branchctx.ExecPlanned,
		CorrelationID: trigger.CorrelationID,
		TriggerMeta:   trigger.Metadata,
	}

	branchOf, order := assignBranches(def)

	for _, id := range order {
		n := def.Nodes[id]
		dataType := "RawData"
		if n.OutputSchema != nil {
			dataType = n.OutputSchema.Name
		}
		addr := memaddr.Address{
			ExecutionID: executionID,
			FlowID:      def.FlowID,
			StepType:    nodeKindToStepType(n.Kind),
			BranchPath:  string(branchOf[id]),
			StepID:      strconv.Itoa(id.Position),
			DataType:    dataType,
		}
		ec.Allocations[id] = addr

		bc := ec.Branches[branchOf[id]]
		if bc == nil {
			bc = &branchctx.BranchContext{
				BranchPath: branchOf[id],
				Status:     branchctx.BranchNew,
				Steps:      make(map[flow.StepID]*branchctx.StepState),
			}
			ec.Branches[branchOf[id]] = bc
		}
		bc.Steps[id] = &branchctx.StepState{
			StepID:      id,
			Status:      branchctx.StepWaiting,
			PendingDeps: def.InDegree(id),
		}
		bc.OwnedAddresses = append(bc.OwnedAddresses, addr)
		bc.PinnedServices = append(bc.PinnedServices, n.Service)
	}

	// Join links are recorded once every branch exists, so a feeding
	// branch that sorts after the exporter's own branch is not missed.
	for _, id := range order {
		if def.Nodes[id].Kind != flow.KindExporter || def.InDegree(id) <= 1 {
			continue
		}
		for _, pred := range def.Predecessors(id) {
			if joinBranch := ec.Branches[branchOf[pred.StepID]]; joinBranch != nil {
				joinBranch.JoinsAt = append(joinBranch.JoinsAt, id)
			}
		}
	}

	reserved, err := p.reserveEntities(ctx, def, executionID)
	if err != nil {
		return nil, err
	}
	ec.ReservedEntities = reserved

	if p.recoveryStore != nil {
		if err := p.recoveryStore.SaveSnapshot(ctx, recovery.Snapshot{
			ExecutionID: executionID,
			Execution:   ec,
			Definition:  def,
			SequenceNum: 0,
		}); err != nil {
			p.releaseEntities(ctx, reserved)
			return nil, fmt.Errorf("planner: failed to persist initial snapshot: %w", err)
		}
	}

	return ec, nil
}

// reserveEntities attempts to reserve every importer/exporter entity
// reference atomically: if any reservation conflicts, all reservations
// already taken are released and RESOURCE_ERROR.CONFLICT is returned.
func (p *Planner) reserveEntities(ctx context.Context, def *flow.Definition, executionID string) ([]string, error) {
	if p.addressRegistry == nil {
		return nil, nil
	}

	var taken []string
	for id, n := range def.Nodes {
		if n.EntityRef == nil {
			continue
		}
		key := registry.Key{Protocol: n.EntityRef.Protocol, Address: n.EntityRef.Address, Version: n.EntityRef.Version}
		if err := p.addressRegistry.Reserve(ctx, key, executionID, def.FlowID); err != nil {
			p.releaseEntities(ctx, taken)
			return nil, fmt.Errorf("%s: step %s entity %s already in use: %w", flowerr.CodeResourceConflict, id, key, err)
		}
		taken = append(taken, key.String())
	}
	return taken, nil
}

func (p *Planner) releaseEntities(ctx context.Context, keys []string) {
	for _, k := range keys {
		key, err := registry.ParseKey(k)
		if err != nil {
			continue
		}
		_ = p.addressRegistry.Release(ctx, key)
	}
}

// assignBranches derives the deterministic branchPath assignment used by
// both the validator and the planner (kept here, not imported from
// pkg/validator, to avoid a validator->planner dependency cycle; the two
// implementations must agree, which is covered by a shared test fixture
// in pkg/orchestrator/scenarios_test.go), and returns nodes ordered
// lexicographically by branchPath per spec.md §4.2's determinism note.
func assignBranches(def *flow.Definition) (map[flow.StepID]flow.BranchPath, []flow.StepID) {
	root, err := def.Importer()
	if err != nil {
		return nil, nil
	}

	assigned := make(map[flow.StepID]flow.BranchPath)
	branchCounters := make(map[flow.BranchPath]int)

	var walk func(id flow.StepID, branch flow.BranchPath)
	walk = func(id flow.StepID, branch flow.BranchPath) {
		if _, done := assigned[id]; done {
			return
		}
		// A converging node belongs to the branch its feeders split from,
		// not to whichever feeding branch the walk reaches it through.
		if def.InDegree(id) > 1 && branch.Parent() != "" {
			branch = branch.Parent()
		}
		assigned[id] = branch

		succs := def.Successors(id)
		sort.Slice(succs, func(i, j int) bool { return succs[i].StepID.String() < succs[j].StepID.String() })

		splitHere := len(succs) > 1
		for _, succ := range succs {
			childBranch := branch
			if splitHere {
				branchCounters[branch]++
				childBranch = branch.Child(fmt.Sprintf("b%d", branchCounters[branch]))
			}
			walk(succ.StepID, childBranch)
		}
	}
	walk(root.StepID, flow.BranchPath("main"))

	order := make([]flow.StepID, 0, len(assigned))
	for id := range assigned {
		order = append(order, id)
	}
	sort.Slice(order, func(i, j int) bool {
		bi, bj := assigned[order[i]], assigned[order[j]]
		if bi != bj {
			return bi < bj
		}
		return order[i].Position < order[j].Position
	})
	return assigned, order
}

func nodeKindToStepType(k flow.NodeKind) memaddr.StepType {
	switch k {
	case flow.KindImporter:
		return memaddr.StepImport
	case flow.KindExporter:
		return memaddr.StepExport
	default:
		return memaddr.StepProcess
	}
}

func newULID() (string, error) {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	id, err := ulid.New(ulid.Timestamp(time.Now()), ulidEntropy())
	if err != nil {
		return "", err
	}
	return id.String(), nil
}
