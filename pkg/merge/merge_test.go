package merge

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowkit/orchestrator/pkg/flow"
)

func exporterNode(id flow.StepID, cfg flow.MergeConfig) *flow.Node {
	return &flow.Node{
		StepID:       id,
		Kind:         flow.KindExporter,
		MergeConfig:  &cfg,
		Capabilities: flow.MergeCapabilities{SupportedStrategies: []flow.MergeStrategy{cfg.Strategy}},
	}
}

// TestCoordinator_PriorityBased mirrors spec.md §8 scenario 2: branchA
// wins when it succeeds; branchB wins when branchA fails permanently.
func TestCoordinator_PriorityBased(t *testing.T) {
	exp := exporterNode(flow.StepID{FlowID: "FLOW-P", BranchPath: "main", Position: 3}, flow.MergeConfig{
		Strategy:      flow.StrategyPriorityBased,
		Trigger:       flow.TriggerAll,
		PriorityOrder: []string{"branchA", "branchB"},
	})

	c := New(nil)
	c.Register("exec-1", exp, []string{"branchA", "branchB"})

	d, err := c.Arrive(context.Background(), "exec-1", exp.StepID, BranchOutcome{
		BranchPath: "branchA", Success: true, Payload: map[string]any{"v": "A"}, CompletedAt: time.Now(),
	})
	require.NoError(t, err)
	assert.Nil(t, d, "should not fire until all producers arrive")

	d, err = c.Arrive(context.Background(), "exec-1", exp.StepID, BranchOutcome{
		BranchPath: "branchB", Success: true, Payload: map[string]any{"v": "B"}, CompletedAt: time.Now(),
	})
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.True(t, d.Fired)
	assert.Equal(t, "branchA", d.SelectedBranch)
	assert.Equal(t, "A", d.Payload["v"])
}

func TestCoordinator_PriorityBased_FallsBackWhenPreferredFails(t *testing.T) {
	exp := exporterNode(flow.StepID{FlowID: "FLOW-P", BranchPath: "main", Position: 3}, flow.MergeConfig{
		Strategy:      flow.StrategyPriorityBased,
		Trigger:       flow.TriggerAll,
		PriorityOrder: []string{"branchA", "branchB"},
	})
	c := New(nil)
	c.Register("exec-2", exp, []string{"branchA", "branchB"})

	_, err := c.Arrive(context.Background(), "exec-2", exp.StepID, BranchOutcome{BranchPath: "branchA", Success: false})
	require.NoError(t, err)
	d, err := c.Arrive(context.Background(), "exec-2", exp.StepID, BranchOutcome{
		BranchPath: "branchB", Success: true, Payload: map[string]any{"v": "B"},
	})
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, "branchB", d.SelectedBranch)
}

// TestCoordinator_FieldLevel mirrors spec.md §8 scenario 3.
func TestCoordinator_FieldLevel(t *testing.T) {
	exp := exporterNode(flow.StepID{FlowID: "FLOW-F", BranchPath: "main", Position: 5}, flow.MergeConfig{
		Strategy: flow.StrategyFieldLevel,
		Trigger:  flow.TriggerAll,
		FieldMappings: []flow.FieldMapping{
			{TargetField: "customer", SourceBranch: "A", SourceField: "customerInfo"},
			{TargetField: "order", SourceBranch: "B", SourceField: "orderData"},
			{TargetField: "shipping", SourceBranch: "C", SourceField: "shippingDetails"},
		},
	})
	c := New(nil)
	c.Register("exec-3", exp, []string{"A", "B", "C"})

	c.Arrive(context.Background(), "exec-3", exp.StepID, BranchOutcome{BranchPath: "A", Success: true, Payload: map[string]any{"customerInfo": "cust-1"}})
	c.Arrive(context.Background(), "exec-3", exp.StepID, BranchOutcome{BranchPath: "B", Success: true, Payload: map[string]any{"orderData": "order-1"}})
	d, err := c.Arrive(context.Background(), "exec-3", exp.StepID, BranchOutcome{BranchPath: "C", Success: true, Payload: map[string]any{"shippingDetails": "ship-1"}})
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, "cust-1", d.Payload["customer"])
	assert.Equal(t, "order-1", d.Payload["order"])
	assert.Equal(t, "ship-1", d.Payload["shipping"])
}

func TestCoordinator_AnyFiresOnFirstSuccessAndDropsLate(t *testing.T) {
	exp := exporterNode(flow.StepID{FlowID: "FLOW-A", BranchPath: "main", Position: 3}, flow.MergeConfig{
		Strategy:     flow.StrategyLastWriteWins,
		Trigger:      flow.TriggerAny,
		CancelLosers: true,
	})
	c := New(nil)
	c.Register("exec-4", exp, []string{"branchA", "branchB"})

	d, err := c.Arrive(context.Background(), "exec-4", exp.StepID, BranchOutcome{
		BranchPath: "branchA", Success: true, Payload: map[string]any{"v": "A"}, CompletedAt: time.Now(),
	})
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.True(t, d.CancelLosers)
	assert.Contains(t, d.DroppedBranches, "branchB")

	// A late arrival after fire is a no-op (nil, nil).
	d2, err := c.Arrive(context.Background(), "exec-4", exp.StepID, BranchOutcome{BranchPath: "branchB", Success: true})
	require.NoError(t, err)
	assert.Nil(t, d2)
}

func TestCoordinator_AllFailsExporterWhenEveryProducerFails(t *testing.T) {
	exp := exporterNode(flow.StepID{FlowID: "FLOW-X", BranchPath: "main", Position: 3}, flow.MergeConfig{
		Strategy: flow.StrategyLastWriteWins,
		Trigger:  flow.TriggerAll,
	})
	c := New(nil)
	c.Register("exec-5", exp, []string{"branchA"})

	d, err := c.Arrive(context.Background(), "exec-5", exp.StepID, BranchOutcome{BranchPath: "branchA", Success: false})
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.True(t, d.FailedExporter)
}
