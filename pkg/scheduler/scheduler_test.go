package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowkit/orchestrator/pkg/branchctx"
	"github.com/flowkit/orchestrator/pkg/bus"
	"github.com/flowkit/orchestrator/pkg/flow"
	"github.com/flowkit/orchestrator/pkg/flowerr"
	"github.com/flowkit/orchestrator/pkg/memaddr"
	"github.com/flowkit/orchestrator/pkg/memstore"
	"github.com/flowkit/orchestrator/pkg/merge"
	"github.com/flowkit/orchestrator/pkg/registry"
	"github.com/flowkit/orchestrator/pkg/retry"
)

const testExecID = "exec-test"

func addr(execID, stepID string, stepType memaddr.StepType) memaddr.Address {
	return memaddr.Address{ExecutionID: execID, FlowID: "FLOW-T", StepType: stepType, BranchPath: "main", StepID: stepID, DataType: "RawData"}
}

func newHarness(t *testing.T) (*bus.InMemoryBroker, *bus.Adapter, *memstore.Store, *merge.Coordinator, *retry.Registry) {
	t.Helper()
	broker := bus.NewInMemoryBroker()
	idx := bus.NewInMemoryDeadlineIndex()
	adapter := bus.NewAdapter(broker, idx, nil)
	t.Cleanup(adapter.Stop)
	return broker, adapter, memstore.New(), merge.New(nil), retry.NewRegistry(3, time.Minute)
}

// linearDef builds a two-step IMPORTER -> EXPORTER flow.
func linearDef() *flow.Definition {
	importer := flow.StepID{FlowID: "FLOW-T", BranchPath: "main", Position: 0}
	exporter := flow.StepID{FlowID: "FLOW-T", BranchPath: "main", Position: 1}
	return &flow.Definition{
		FlowID:  "FLOW-T",
		Version: "1.0.0",
		Nodes: map[flow.StepID]*flow.Node{
			importer: {StepID: importer, Kind: flow.KindImporter, Service: flow.ServiceRef{ServiceID: "importer-svc", Version: "v1"}, RetryPolicy: flow.RetryPolicy{MaxAttempts: 3, BaseMs: 10, MaxMs: 100}},
			exporter: {StepID: exporter, Kind: flow.KindExporter, Service: flow.ServiceRef{ServiceID: "exporter-svc", Version: "v1"}, RetryPolicy: flow.RetryPolicy{MaxAttempts: 3, BaseMs: 10, MaxMs: 100}},
		},
		Edges: []flow.Edge{{From: importer, To: exporter}},
	}
}

func linearExecContext() *branchctx.ExecutionContext {
	importer := flow.StepID{FlowID: "FLOW-T", BranchPath: "main", Position: 0}
	exporter := flow.StepID{FlowID: "FLOW-T", BranchPath: "main", Position: 1}
	return &branchctx.ExecutionContext{
		ExecutionID: testExecID,
		FlowID:      "FLOW-T",
		FlowVersion: "1.0.0",
		Allocations: map[flow.StepID]memaddr.Address{
			importer: addr(testExecID, importer.String(), memaddr.StepImport),
			exporter: addr(testExecID, exporter.String(), memaddr.StepExport),
		},
		Branches: map[flow.BranchPath]*branchctx.BranchContext{
			"main": {
				BranchPath: "main",
				Status:     branchctx.BranchNew,
				Steps: map[flow.StepID]*branchctx.StepState{
					importer: {StepID: importer, Status: branchctx.StepWaiting, PendingDeps: 0},
					exporter: {StepID: exporter, Status: branchctx.StepWaiting, PendingDeps: 1},
				},
			},
		},
	}
}

func TestScheduler_LinearFlowCompletes(t *testing.T) {
	broker, adapter, store, mergeCo, breakers := newHarness(t)

	broker.RegisterWorker(bus.CommandImport, func(cmd bus.Command) bus.Result {
		_ = store.Put(context.Background(), cmd.OutputAddress, []byte(`{"v":1}`), memstore.Meta{SchemaID: "RawData"})
		return bus.Result{Kind: bus.CommandImport, CorrelationID: cmd.CorrelationID, ExecutionID: cmd.ExecutionID, StepID: cmd.StepID, Success: true, ResultAddress: &cmd.OutputAddress}
	})
	broker.RegisterWorker(bus.CommandExport, func(cmd bus.Command) bus.Result {
		return bus.Result{Kind: bus.CommandExport, CorrelationID: cmd.CorrelationID, ExecutionID: cmd.ExecutionID, StepID: cmd.StepID, Success: true}
	})

	def := linearDef()
	exec := linearExecContext()
	s := New(def, exec, adapter, store, registry.NewInMemory(), nil, mergeCo, breakers)

	s.Start(context.Background())

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not complete in time")
	}

	assert.Equal(t, branchctx.ExecCompleted, exec.Status)
	assert.Equal(t, branchctx.BranchCompleted, exec.Branches["main"].Status)
}

func TestScheduler_RetriesThenSucceeds(t *testing.T) {
	broker, adapter, store, mergeCo, breakers := newHarness(t)

	var attempts int
	broker.RegisterWorker(bus.CommandImport, func(cmd bus.Command) bus.Result {
		attempts++
		if attempts < 2 {
			return bus.Result{Kind: bus.CommandImport, CorrelationID: cmd.CorrelationID, ExecutionID: cmd.ExecutionID, StepID: cmd.StepID, Success: false,
				Error: flowerr.New("importer-svc", flowerr.CodeConnectionTimeout, flowerr.SeverityMajor, "transient connection timeout")}
		}
		_ = store.Put(context.Background(), cmd.OutputAddress, []byte(`{}`), memstore.Meta{})
		return bus.Result{Kind: bus.CommandImport, CorrelationID: cmd.CorrelationID, ExecutionID: cmd.ExecutionID, StepID: cmd.StepID, Success: true, ResultAddress: &cmd.OutputAddress}
	})
	broker.RegisterWorker(bus.CommandExport, func(cmd bus.Command) bus.Result {
		return bus.Result{Kind: bus.CommandExport, CorrelationID: cmd.CorrelationID, ExecutionID: cmd.ExecutionID, StepID: cmd.StepID, Success: true}
	})

	def := linearDef()
	exec := linearExecContext()
	s := New(def, exec, adapter, store, registry.NewInMemory(), nil, mergeCo, breakers)

	s.Start(context.Background())

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not complete in time")
	}

	assert.Equal(t, branchctx.ExecCompleted, exec.Status)
	assert.GreaterOrEqual(t, attempts, 2)
}

func TestScheduler_CancelStopsExecution(t *testing.T) {
	broker, adapter, store, mergeCo, breakers := newHarness(t)

	hold := make(chan struct{})
	broker.RegisterWorker(bus.CommandImport, func(cmd bus.Command) bus.Result {
		<-hold
		return bus.Result{Kind: bus.CommandImport, CorrelationID: cmd.CorrelationID, ExecutionID: cmd.ExecutionID, StepID: cmd.StepID, Success: true, ResultAddress: &cmd.OutputAddress}
	})
	broker.RegisterWorker(bus.CommandExport, func(cmd bus.Command) bus.Result {
		return bus.Result{Kind: bus.CommandExport, CorrelationID: cmd.CorrelationID, ExecutionID: cmd.ExecutionID, StepID: cmd.StepID, Success: true}
	})

	def := linearDef()
	exec := linearExecContext()
	s := New(def, exec, adapter, store, registry.NewInMemory(), nil, mergeCo, breakers)

	s.Start(context.Background())
	time.Sleep(20 * time.Millisecond)
	s.Cancel("operator requested cancellation")

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not complete cancellation in time")
	}
	close(hold)

	assert.Equal(t, branchctx.ExecFailed, exec.Status)
}

// convergentDef builds IMPORTER -> {branchA, branchB} -> EXPORTER (priority-based merge).
func convergentDef() (*flow.Definition, flow.StepID, flow.StepID, flow.StepID, flow.StepID) {
	importer := flow.StepID{FlowID: "FLOW-C", BranchPath: "main", Position: 0}
	branchA := flow.StepID{FlowID: "FLOW-C", BranchPath: "main.b1", Position: 1}
	branchB := flow.StepID{FlowID: "FLOW-C", BranchPath: "main.b2", Position: 1}
	exporter := flow.StepID{FlowID: "FLOW-C", BranchPath: "main", Position: 2}

	def := &flow.Definition{
		FlowID:  "FLOW-C",
		Version: "1.0.0",
		Nodes: map[flow.StepID]*flow.Node{
			importer: {StepID: importer, Kind: flow.KindImporter, Service: flow.ServiceRef{ServiceID: "importer-svc", Version: "v1"}, RetryPolicy: flow.RetryPolicy{MaxAttempts: 1, BaseMs: 10, MaxMs: 100}},
			branchA:  {StepID: branchA, Kind: flow.KindProcessor, Service: flow.ServiceRef{ServiceID: "proc-a", Version: "v1"}, RetryPolicy: flow.RetryPolicy{MaxAttempts: 1, BaseMs: 10, MaxMs: 100}},
			branchB:  {StepID: branchB, Kind: flow.KindProcessor, Service: flow.ServiceRef{ServiceID: "proc-b", Version: "v1"}, RetryPolicy: flow.RetryPolicy{MaxAttempts: 1, BaseMs: 10, MaxMs: 100}},
			exporter: {
				StepID: exporter, Kind: flow.KindExporter, Service: flow.ServiceRef{ServiceID: "exporter-svc", Version: "v1"},
				RetryPolicy: flow.RetryPolicy{MaxAttempts: 1, BaseMs: 10, MaxMs: 100},
				MergeConfig: &flow.MergeConfig{
					Strategy:      flow.StrategyPriorityBased,
					Trigger:       flow.TriggerAll,
					PriorityOrder: []string{"main.b1", "main.b2"},
				},
				Capabilities: flow.MergeCapabilities{SupportedStrategies: []flow.MergeStrategy{flow.StrategyPriorityBased}},
			},
		},
		Edges: []flow.Edge{
			{From: importer, To: branchA},
			{From: importer, To: branchB},
			{From: branchA, To: exporter},
			{From: branchB, To: exporter},
		},
	}
	return def, importer, branchA, branchB, exporter
}

func convergentExecContext(importer, branchA, branchB, exporter flow.StepID) *branchctx.ExecutionContext {
	return &branchctx.ExecutionContext{
		ExecutionID: testExecID,
		FlowID:      "FLOW-C",
		FlowVersion: "1.0.0",
		Allocations: map[flow.StepID]memaddr.Address{
			importer: addr(testExecID, importer.String(), memaddr.StepImport),
			branchA:  addr(testExecID, branchA.String(), memaddr.StepProcess),
			branchB:  addr(testExecID, branchB.String(), memaddr.StepProcess),
			exporter: addr(testExecID, exporter.String(), memaddr.StepExport),
		},
		Branches: map[flow.BranchPath]*branchctx.BranchContext{
			"main": {
				BranchPath: "main",
				Status:     branchctx.BranchNew,
				Steps: map[flow.StepID]*branchctx.StepState{
					importer: {StepID: importer, Status: branchctx.StepWaiting, PendingDeps: 0},
					exporter: {StepID: exporter, Status: branchctx.StepWaiting, PendingDeps: 2},
				},
			},
			"main.b1": {
				BranchPath: "main.b1",
				Status:     branchctx.BranchNew,
				Steps: map[flow.StepID]*branchctx.StepState{
					branchA: {StepID: branchA, Status: branchctx.StepWaiting, PendingDeps: 1},
				},
				JoinsAt: []flow.StepID{exporter},
			},
			"main.b2": {
				BranchPath: "main.b2",
				Status:     branchctx.BranchNew,
				Steps: map[flow.StepID]*branchctx.StepState{
					branchB: {StepID: branchB, Status: branchctx.StepWaiting, PendingDeps: 1},
				},
				JoinsAt: []flow.StepID{exporter},
			},
		},
	}
}

func TestScheduler_ConvergentExporterAppliesPriorityMerge(t *testing.T) {
	broker, adapter, store, mergeCo, breakers := newHarness(t)

	def, _, branchA, branchB, _ := convergentDef()

	broker.RegisterWorker(bus.CommandImport, func(cmd bus.Command) bus.Result {
		return bus.Result{Kind: bus.CommandImport, CorrelationID: cmd.CorrelationID, ExecutionID: cmd.ExecutionID, StepID: cmd.StepID, Success: true, ResultAddress: &cmd.OutputAddress}
	})
	broker.RegisterWorker(bus.CommandProcess, func(cmd bus.Command) bus.Result {
		_ = store.Put(context.Background(), cmd.OutputAddress, []byte(`{"branch":"`+cmd.BranchPath+`"}`), memstore.Meta{})
		return bus.Result{Kind: bus.CommandProcess, CorrelationID: cmd.CorrelationID, ExecutionID: cmd.ExecutionID, StepID: cmd.StepID, Success: true, ResultAddress: &cmd.OutputAddress}
	})
	var exportedBranch string
	broker.RegisterWorker(bus.CommandExport, func(cmd bus.Command) bus.Result {
		exportedBranch = cmd.BranchPath
		return bus.Result{Kind: bus.CommandExport, CorrelationID: cmd.CorrelationID, ExecutionID: cmd.ExecutionID, StepID: cmd.StepID, Success: true}
	})

	exec := convergentExecContext(
		flow.StepID{FlowID: "FLOW-C", BranchPath: "main", Position: 0},
		branchA, branchB,
		flow.StepID{FlowID: "FLOW-C", BranchPath: "main", Position: 2},
	)
	s := New(def, exec, adapter, store, registry.NewInMemory(), nil, mergeCo, breakers)

	s.Start(context.Background())

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not complete in time")
	}

	require.Equal(t, branchctx.ExecCompleted, exec.Status)
	assert.Equal(t, "main", exportedBranch)
}
