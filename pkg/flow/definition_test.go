package flow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func step(flowID, branch string, pos int) StepID {
	return StepID{FlowID: flowID, BranchPath: branch, Position: pos}
}

func TestDefinition_Importer(t *testing.T) {
	imp := step("F1", "main", 0)
	exp := step("F1", "main", 1)
	def := &Definition{
		FlowID: "F1",
		Nodes: map[StepID]*Node{
			imp: {StepID: imp, Kind: KindImporter},
			exp: {StepID: exp, Kind: KindExporter},
		},
		Edges: []Edge{{From: imp, To: exp}},
	}

	found, err := def.Importer()
	require.NoError(t, err)
	assert.Equal(t, imp, found.StepID)
}

func TestDefinition_Importer_ErrorsOnZeroOrMultiple(t *testing.T) {
	noImporter := &Definition{FlowID: "F1", Nodes: map[StepID]*Node{}}
	_, err := noImporter.Importer()
	assert.Error(t, err)

	a := step("F1", "main", 0)
	b := step("F1", "main", 1)
	dup := &Definition{
		FlowID: "F1",
		Nodes: map[StepID]*Node{
			a: {StepID: a, Kind: KindImporter},
			b: {StepID: b, Kind: KindImporter},
		},
	}
	_, err = dup.Importer()
	assert.Error(t, err)
}

func TestDefinition_SuccessorsAndPredecessors(t *testing.T) {
	imp := step("F1", "main", 0)
	procA := step("F1", "main.subA", 1)
	procB := step("F1", "main.subB", 1)
	exp := step("F1", "main", 2)

	def := &Definition{
		FlowID: "F1",
		Nodes: map[StepID]*Node{
			imp:   {StepID: imp, Kind: KindImporter},
			procA: {StepID: procA, Kind: KindProcessor},
			procB: {StepID: procB, Kind: KindProcessor},
			exp:   {StepID: exp, Kind: KindExporter},
		},
		Edges: []Edge{
			{From: imp, To: procA},
			{From: imp, To: procB},
			{From: procA, To: exp},
			{From: procB, To: exp},
		},
	}

	succ := def.Successors(imp)
	assert.Len(t, succ, 2)

	pred := def.Predecessors(exp)
	assert.Len(t, pred, 2)

	assert.Empty(t, def.Successors(exp))
	assert.Empty(t, def.Predecessors(imp))
}

func TestMergeCapabilities_Supports(t *testing.T) {
	caps := MergeCapabilities{SupportedStrategies: []MergeStrategy{StrategyPriorityBased, StrategyLastWriteWins}}
	assert.True(t, caps.Supports(StrategyPriorityBased))
	assert.False(t, caps.Supports(StrategyFieldLevel))
}

func TestServiceRef_String(t *testing.T) {
	ref := ServiceRef{ServiceID: "importer-svc", Version: "1.2.0"}
	assert.Equal(t, "importer-svc@1.2.0", ref.String())
}
