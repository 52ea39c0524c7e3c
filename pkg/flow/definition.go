// Package flow models the immutable, versioned FlowDefinition and the
// directed graph of importer/processor/exporter nodes it describes, per
// spec.md §3. Grounded on the reference's manifest.Bundle (an immutable,
// versioned unit referencing component ids+versions) and contracts.Effect
// (tagged command variants).
package flow

import (
	"fmt"

	"github.com/flowkit/orchestrator/pkg/schema"
)

// NodeKind tags the three node roles in a flow graph.
type NodeKind string

const (
	KindImporter  NodeKind = "IMPORTER"
	KindProcessor NodeKind = "PROCESSOR"
	KindExporter  NodeKind = "EXPORTER"
)

// ServiceRef pins a worker service by id and version, consulted against
// the external version-management catalog (pkg/versioncatalog).
type ServiceRef struct {
	ServiceID string `json:"serviceId"`
	Version   string `json:"version"`
}

func (s ServiceRef) String() string {
	return fmt.Sprintf("%s@%s", s.ServiceID, s.Version)
}

// MergeStrategy enumerates the exporter convergence strategies of
// spec.md §4.6.
type MergeStrategy string

const (
	StrategyLastWriteWins MergeStrategy = "LAST_WRITE_WINS"
	StrategyPriorityBased MergeStrategy = "PRIORITY_BASED"
	StrategyFieldLevel    MergeStrategy = "FIELD_LEVEL"
)

// MergeTrigger enumerates when a merge fires, per spec.md §4.6.
type MergeTrigger string

const (
	TriggerAll      MergeTrigger = "ALL"
	TriggerAny      MergeTrigger = "ANY"
	TriggerCritical MergeTrigger = "CRITICAL"
	TriggerTimeout  MergeTrigger = "TIMEOUT"
)

// FieldMapping maps one exporter input field to the branch payload field
// that supplies it, for the FieldLevel merge strategy.
type FieldMapping struct {
	TargetField string `json:"targetField"`
	SourceBranch string `json:"sourceBranch"`
	SourceField  string `json:"sourceField"`
}

// MergeConfig is the per-exporter merge configuration.
type MergeConfig struct {
	Strategy MergeStrategy `json:"strategy"`
	Trigger  MergeTrigger  `json:"trigger"`
	// CriticalBranches names the subset that must complete for TriggerCritical.
	CriticalBranches []string `json:"criticalBranches,omitempty"`
	// Deadline bounds TriggerTimeout, in milliseconds.
	DeadlineMs int64 `json:"deadlineMs,omitempty"`
	// PriorityOrder names branches in descending priority for PriorityBased.
	PriorityOrder []string `json:"priorityOrder,omitempty"`
	// FieldMappings drives FieldLevel merges.
	FieldMappings []FieldMapping `json:"fieldMappings,omitempty"`
	// ConflictResolution names the strategy used when FieldLevel mappings
	// collide on the same target field; defaults to PriorityBased.
	ConflictResolution MergeStrategy `json:"conflictResolution,omitempty"`
	// CancelLosers, when true and Trigger is ANY, cancels still-in-flight
	// sibling branches once the winner fires. Per spec.md §9 Open Questions.
	CancelLosers bool `json:"cancelLosers"`
}

// MergeCapabilities declares which strategies/triggers an exporter
// supports, consulted by the validator's merge-feasibility check.
type MergeCapabilities struct {
	SupportedStrategies []MergeStrategy
	PartialInputAllowed bool // exporter may run with fewer than all branches
}

func (c MergeCapabilities) Supports(s MergeStrategy) bool {
	for _, v := range c.SupportedStrategies {
		if v == s {
			return true
		}
	}
	return false
}

// RetryPolicy is the per-step error policy from spec.md §4.3.
type RetryPolicy struct {
	BaseMs           int64
	FactorPercent    int64 // e.g. 200 = factor of 2.0
	MaxMs            int64
	MaxJitterMs      int64
	MaxAttempts      int
	CircuitThreshold int           // consecutive failures before circuit opens
	CircuitCooldownMs int64
}

// Node is one vertex of the flow graph.
type Node struct {
	StepID     StepID
	Kind       NodeKind
	Service    ServiceRef
	Config     map[string]any `json:"config,omitempty"`
	InputSchema  *schema.Record
	OutputSchema *schema.Record
	MergeConfig  *MergeConfig        // only set when Kind == KindExporter and in-degree > 1
	Capabilities MergeCapabilities   // only meaningful when Kind == KindExporter
	RetryPolicy  RetryPolicy
	// EntityRef is the source (importer) or destination (exporter)
	// protocol address, used by the Active Address Registry.
	EntityRef *EntityRef
}

// EntityRef identifies a protocol-level source/destination address.
type EntityRef struct {
	Protocol string `json:"protocol"`
	Address  string `json:"address"`
	Version  string `json:"version"`
}

// Edge is a directed connection between two nodes, named by StepID.
type Edge struct {
	From StepID
	To   StepID
}

// Definition is the immutable, versioned FlowDefinition of spec.md §3.
type Definition struct {
	FlowID  string
	Version string
	Nodes   map[StepID]*Node
	Edges   []Edge
}

// Importer returns the flow's single importer node, or an error if there
// isn't exactly one (callers should have already run the validator, but
// this is a convenience accessor used throughout the planner/scheduler).
func (d *Definition) Importer() (*Node, error) {
	var found *Node
	for _, n := range d.Nodes {
		if n.Kind == KindImporter {
			if found != nil {
				return nil, fmt.Errorf("flow %s: more than one importer", d.FlowID)
			}
			found = n
		}
	}
	if found == nil {
		return nil, fmt.Errorf("flow %s: no importer", d.FlowID)
	}
	return found, nil
}

// Successors returns the nodes directly reachable from id.
func (d *Definition) Successors(id StepID) []*Node {
	var out []*Node
	for _, e := range d.Edges {
		if e.From == id {
			if n, ok := d.Nodes[e.To]; ok {
				out = append(out, n)
			}
		}
	}
	return out
}

// Predecessors returns the nodes with an edge into id.
func (d *Definition) Predecessors(id StepID) []*Node {
	var out []*Node
	for _, e := range d.Edges {
		if e.To == id {
			if n, ok := d.Nodes[e.From]; ok {
				out = append(out, n)
			}
		}
	}
	return out
}

// OutDegree and InDegree count edges touching id.
func (d *Definition) OutDegree(id StepID) int {
	n := 0
	for _, e := range d.Edges {
		if e.From == id {
			n++
		}
	}
	return n
}

func (d *Definition) InDegree(id StepID) int {
	n := 0
	for _, e := range d.Edges {
		if e.To == id {
			n++
		}
	}
	return n
}

// Exporters returns all exporter nodes in the flow.
func (d *Definition) Exporters() []*Node {
	var out []*Node
	for _, n := range d.Nodes {
		if n.Kind == KindExporter {
			out = append(out, n)
		}
	}
	return out
}
