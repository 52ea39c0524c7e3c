//go:build property
// +build property

package orchestrator

import (
	"context"
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/flowkit/orchestrator/pkg/flow"
	"github.com/flowkit/orchestrator/pkg/planner"
	"github.com/flowkit/orchestrator/pkg/recovery"
	"github.com/flowkit/orchestrator/pkg/registry"
)

// fanOutDef builds an importer feeding n parallel processors that all
// join at one exporter, mirroring the shape planner_test.go's fixtures
// use but parameterized over branch count for the property below.
func fanOutDef(n int) *flow.Definition {
	imp := &flow.Node{
		StepID:    flow.StepID{FlowID: "FLOW-PROP", BranchPath: "main", Position: 0},
		Kind:      flow.KindImporter,
		Service:   flow.ServiceRef{ServiceID: "rest-importer", Version: "v1"},
		EntityRef: &flow.EntityRef{Protocol: "rest", Address: "host/in", Version: "v1"},
	}
	nodes := map[flow.StepID]*flow.Node{imp.StepID: imp}
	edges := make([]flow.Edge, 0, n+1)

	procs := make([]*flow.Node, 0, n)
	for i := 0; i < n; i++ {
		p := &flow.Node{
			StepID:  flow.StepID{FlowID: "FLOW-PROP", BranchPath: flow.BranchPath(fmt.Sprintf("main.b%d", i)), Position: 1},
			Kind:    flow.KindProcessor,
			Service: flow.ServiceRef{ServiceID: fmt.Sprintf("processor-%d", i), Version: "v1"},
		}
		nodes[p.StepID] = p
		procs = append(procs, p)
		edges = append(edges, flow.Edge{From: imp.StepID, To: p.StepID})
	}

	exp := &flow.Node{
		StepID:  flow.StepID{FlowID: "FLOW-PROP", BranchPath: "main", Position: 2},
		Kind:    flow.KindExporter,
		Service: flow.ServiceRef{ServiceID: "file-exporter", Version: "v1"},
		MergeConfig: &flow.MergeConfig{
			Strategy: flow.StrategyLastWriteWins,
			Trigger:  flow.TriggerAll,
		},
		Capabilities: flow.MergeCapabilities{SupportedStrategies: []flow.MergeStrategy{flow.StrategyLastWriteWins}},
	}
	nodes[exp.StepID] = exp
	for _, p := range procs {
		edges = append(edges, flow.Edge{From: p.StepID, To: exp.StepID})
	}

	return &flow.Definition{FlowID: "FLOW-PROP", Version: "1.0.0", Nodes: nodes, Edges: edges}
}

// TestProperty_PlannedAddressesAreDisjointAcrossBranches checks spec.md
// §8's memory-address disjointness invariant: for any fan-out width, the
// addresses the planner allocates to each step never collide, since each
// encodes its own stepId.
func TestProperty_PlannedAddressesAreDisjointAcrossBranches(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("every step in a fan-out flow gets a distinct memory address", prop.ForAll(
		func(n int) bool {
			def := fanOutDef(n)

			recStore, err := recovery.NewFileStore(t.TempDir())
			if err != nil {
				return false
			}
			p := planner.New(registry.NewInMemory(), recStore)

			exec, err := p.Plan(context.Background(), def, planner.TriggerPayload{CorrelationID: fmt.Sprintf("corr-prop-%d", n)})
			if err != nil {
				return false
			}

			seen := make(map[string]bool, len(exec.Allocations))
			for _, addr := range exec.Allocations {
				key := addr.String()
				if seen[key] {
					return false
				}
				seen[key] = true
			}
			return len(seen) == len(exec.Allocations)
		},
		gen.IntRange(1, 5),
	))

	properties.TestingRun(t)
}
