// Package memaddr implements the MemoryAddress tuple and its exact wire
// form from spec.md §3/§6:
//
//	{executionId}:{flowId}:{stepType}:{branchPath}:{stepId}:{dataType}[:{component}]
//
// Grounded on the reference's kernel/memory package (a keyed bridge
// between components) and canonicalize package (deterministic encodings).
package memaddr

import (
	"fmt"
	"strings"
)

// StepType mirrors flow.NodeKind but is kept address-local so this
// package has no dependency on pkg/flow (addresses are a pure codec).
type StepType string

const (
	StepImport  StepType = "IMPORT"
	StepProcess StepType = "PROCESS"
	StepExport  StepType = "EXPORT"
)

// Address is the parsed MemoryAddress tuple.
type Address struct {
	ExecutionID string
	FlowID      string
	StepType    StepType
	BranchPath  string
	StepID      string
	DataType    string
	Component   string // optional
}

const delimiter = ":"

// String renders the exact wire form.
func (a Address) String() string {
	fields := []string{a.ExecutionID, a.FlowID, string(a.StepType), a.BranchPath, a.StepID, a.DataType}
	if a.Component != "" {
		fields = append(fields, a.Component)
	}
	return strings.Join(fields, delimiter)
}

// Parse parses the wire form back into an Address. The branchPath field
// itself never contains ":" (it is dot-joined), so a straight split is
// exact and round-trips with String.
func Parse(wire string) (Address, error) {
	parts := strings.Split(wire, delimiter)
	if len(parts) != 6 && len(parts) != 7 {
		return Address{}, fmt.Errorf("memaddr: malformed address %q: expected 6 or 7 colon-delimited fields, got %d", wire, len(parts))
	}
	a := Address{
		ExecutionID: parts[0],
		FlowID:      parts[1],
		StepType:    StepType(parts[2]),
		BranchPath:  parts[3],
		StepID:      parts[4],
		DataType:    parts[5],
	}
	if len(parts) == 7 {
		a.Component = parts[6]
	}
	switch a.StepType {
	case StepImport, StepProcess, StepExport:
	default:
		return Address{}, fmt.Errorf("memaddr: unknown stepType %q in %q", a.StepType, wire)
	}
	return a, nil
}

// WithComponent returns a copy of a scoped to a sub-component of the
// step's output (e.g. a merge coordinator's per-branch gather slot).
func (a Address) WithComponent(component string) Address {
	b := a
	b.Component = component
	return b
}

// BelongsToBranch reports whether the address was allocated for the
// given branch path — the isolation mechanism described in spec.md §4.4:
// a worker only ever receives addresses whose branchPath is its own, so
// cross-branch access is impossible without scheduler intent.
func (a Address) BelongsToBranch(branchPath string) bool {
	return a.BranchPath == branchPath
}
