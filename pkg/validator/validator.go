// Package validator implements the Flow Validator of spec.md §4.1: the
// six ordered, dependent checks that gate a FlowDefinition at Admission
// and again at Execution.
//
// Grounded on the reference's policies.PolicyEnforcer (staged boolean
// checks run in sequence) and governance.CELPolicyEvaluator (compiled,
// cached CEL rules over a dynamic input map) for the version-compatibility
// and merge-feasibility overlays.
package validator

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/flowkit/orchestrator/pkg/celrule"
	"github.com/flowkit/orchestrator/pkg/flow"
	"github.com/flowkit/orchestrator/pkg/schema"
	"github.com/flowkit/orchestrator/pkg/versioncatalog"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Mode selects which checks run, per spec.md §4.1.
type Mode string

const (
	ModeAdmission Mode = "Admission"
	ModeExecution Mode = "Execution"
)

// Rule identifies which check produced an Issue, for the VALIDATION_ERROR
// report's rule-tagged issue list (spec.md §6).
type Rule string

const (
	RuleCompleteness    Rule = "completeness"
	RuleTopology        Rule = "topology"
	RuleBranchID        Rule = "branch_identification"
	RuleVersionCompat   Rule = "version_compatibility"
	RuleSchemaCompat    Rule = "schema_compatibility"
	RuleMergeFeasibility Rule = "merge_feasibility"
)

// Severity mirrors the usual ERROR/WARNING split: a WARNING (e.g. a
// DEPRECATED version) does not fail validation.
type Severity string

const (
	SeverityError   Severity = "ERROR"
	SeverityWarning Severity = "WARNING"
)

// Issue is one finding, tagged by the rule that produced it.
type Issue struct {
	Rule     Rule
	Severity Severity
	Edge     *flow.Edge
	StepID   *flow.StepID
	Message  string
}

// Report is the result of Validate.
type Report struct {
	Valid  bool
	Issues []Issue
}

func (r *Report) addError(rule Rule, msg string) {
	r.Issues = append(r.Issues, Issue{Rule: rule, Severity: SeverityError, Message: msg})
	r.Valid = false
}

func (r *Report) addErrorf(rule Rule, format string, args ...any) {
	r.addError(rule, fmt.Sprintf(format, args...))
}

func (r *Report) addWarning(rule Rule, msg string) {
	r.Issues = append(r.Issues, Issue{Rule: rule, Severity: SeverityWarning, Message: msg})
}

// VersionRule is an additional CEL-expressed compatibility rule, evaluated
// over {producer, consumer} maps of {serviceId, version}, in addition to
// the catalog lookup. All configured rules must hold for an edge to pass.
type VersionRule struct {
	Name string
	Expr string
}

// Validator runs the ordered check pipeline.
type Validator struct {
	catalog      versioncatalog.Catalog
	rules        *celrule.Engine
	versionRules []VersionRule
}

// New builds a Validator against the given version catalog and an
// optional set of supplemental CEL version rules.
func New(catalog versioncatalog.Catalog, versionRules ...VersionRule) (*Validator, error) {
	eng, err := celrule.New()
	if err != nil {
		return nil, err
	}
	return &Validator{catalog: catalog, rules: eng, versionRules: versionRules}, nil
}

// Validate runs the six ordered checks of spec.md §4.1; later checks only
// run if all earlier checks produced no ERROR-severity issues.
func (v *Validator) Validate(ctx context.Context, def *flow.Definition, mode Mode) *Report {
	report := &Report{Valid: true}

	v.checkCompleteness(def, report)
	if !report.Valid {
		return report
	}

	v.checkTopology(def, report)
	if !report.Valid {
		return report
	}

	branchPaths := v.checkBranchIdentification(def, report)
	if !report.Valid {
		return report
	}

	v.checkVersionCompatibility(ctx, def, report)
	if !report.Valid {
		return report
	}

	v.checkSchemaCompatibility(def, report)
	if !report.Valid {
		return report
	}

	v.checkMergeFeasibility(def, report)
	if !report.Valid {
		return report
	}

	if mode == ModeExecution {
		v.checkExecutionReadiness(ctx, def, report)
	}

	_ = branchPaths
	return report
}

// --- 1. Completeness ---

func (v *Validator) checkCompleteness(def *flow.Definition, report *Report) {
	if def.FlowID == "" {
		report.addError(RuleCompleteness, "flow id is required")
	}
	if len(def.Nodes) == 0 {
		report.addError(RuleCompleteness, "flow has no nodes")
		return
	}
	for id, n := range def.Nodes {
		if n.Service.ServiceID == "" {
			report.addErrorf(RuleCompleteness, "step %s: missing service id", id)
		}
		if n.Service.Version == "" {
			report.addErrorf(RuleCompleteness, "step %s: missing service version", id)
		}
		if n.Kind == flow.KindImporter || n.Kind == flow.KindExporter {
			if n.EntityRef == nil || n.EntityRef.Address == "" {
				report.addErrorf(RuleCompleteness, "step %s: %s node missing entity reference", id, n.Kind)
			}
		}
		if schemaText, ok := n.Config["__configSchema"].(string); ok && schemaText != "" {
			if err := validateConfigAgainstSchema(id.String(), schemaText, n.Config); err != nil {
				report.addErrorf(RuleCompleteness, "step %s: %v", id, err)
			}
		}
	}
	for _, e := range def.Edges {
		if _, ok := def.Nodes[e.From]; !ok {
			report.addErrorf(RuleCompleteness, "edge references unknown source step %s", e.From)
		}
		if _, ok := def.Nodes[e.To]; !ok {
			report.addErrorf(RuleCompleteness, "edge references unknown target step %s", e.To)
		}
	}
}

// validateConfigAgainstSchema compiles and runs a JSON Schema over a
// node's declared configuration, the same way the reference's
// firewall.PolicyFirewall compiles a per-tool params schema.
func validateConfigAgainstSchema(stepID, schemaText string, config map[string]any) error {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	url := "mem://flow-validator/" + stepID + ".schema.json"
	if err := c.AddResource(url, strings.NewReader(schemaText)); err != nil {
		return fmt.Errorf("config schema load failed: %w", err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return fmt.Errorf("config schema compile failed: %w", err)
	}
	if err := compiled.Validate(config); err != nil {
		return fmt.Errorf("config does not satisfy declared schema: %w", err)
	}
	return nil
}

// --- 2. Topology ---

func (v *Validator) checkTopology(def *flow.Definition, report *Report) {
	var importers []flow.StepID
	for id, n := range def.Nodes {
		if n.Kind == flow.KindImporter {
			importers = append(importers, id)
		}
	}
	if len(importers) != 1 {
		report.addErrorf(RuleTopology, "expected exactly one importer, found %d", len(importers))
		return
	}
	root := importers[0]

	// Acyclic + reachability via DFS from root.
	visited := make(map[flow.StepID]bool)
	onStack := make(map[flow.StepID]bool)
	var cyclic bool
	var dfs func(id flow.StepID)
	dfs = func(id flow.StepID) {
		visited[id] = true
		onStack[id] = true
		for _, succ := range def.Successors(id) {
			if onStack[succ.StepID] {
				cyclic = true
				continue
			}
			if !visited[succ.StepID] {
				dfs(succ.StepID)
			}
		}
		onStack[id] = false
	}
	dfs(root)

	if cyclic {
		report.addError(RuleTopology, "flow graph contains a cycle")
	}

	for id := range def.Nodes {
		if !visited[id] {
			report.addErrorf(RuleTopology, "step %s is not reachable from the importer", id)
		}
	}

	for id, n := range def.Nodes {
		if def.OutDegree(id) == 0 && n.Kind != flow.KindExporter {
			report.addErrorf(RuleTopology, "step %s is a sink but is not an exporter", id)
		}
		if n.Kind != flow.KindExporter && def.InDegree(id) > 1 {
			report.addErrorf(RuleTopology, "step %s has in-degree > 1 but only exporters may merge", id)
		}
	}
}

// --- 3. Branch identification ---

// checkBranchIdentification deterministically derives branchPath for
// every node by DFS from the importer, starting a new branch name at
// each node with out-degree > 1 or at each direct-from-importer edge
// when the importer itself has out-degree > 1, per spec.md §4.1 rule 3.
func (v *Validator) checkBranchIdentification(def *flow.Definition, report *Report) map[flow.StepID]flow.BranchPath {
	root, err := def.Importer()
	if err != nil {
		report.addError(RuleBranchID, err.Error())
		return nil
	}

	assigned := make(map[flow.StepID]flow.BranchPath)
	seenDerived := make(map[string]flow.StepID)
	branchCounters := make(map[flow.BranchPath]int)

	var walk func(id flow.StepID, branch flow.BranchPath)
	walk = func(id flow.StepID, branch flow.BranchPath) {
		if _, done := assigned[id]; done {
			return
		}
		// A converging node belongs to the branch its feeders split from,
		// matching the planner's assignBranches.
		if def.InDegree(id) > 1 && branch.Parent() != "" {
			branch = branch.Parent()
		}
		assigned[id] = branch
		// Derived from the DFS-computed branch, not id's own pre-existing
		// StepID: id is already a unique map key of def.Nodes, so comparing
		// id.String() against itself could never collide. This compares the
		// walk's own derivation against what every other node derived.
		derived := fmt.Sprintf("%s:%s:%d", def.FlowID, branch, id.Position)
		if prior, ok := seenDerived[derived]; ok && prior != id {
			report.addErrorf(RuleBranchID, "derived step id %s collides across branches", derived)
		}
		seenDerived[derived] = id

		succs := def.Successors(id)
		sort.Slice(succs, func(i, j int) bool { return succs[i].StepID.String() < succs[j].StepID.String() })

		splitHere := len(succs) > 1 || (id == root.StepID && len(succs) > 1)
		for i, succ := range succs {
			childBranch := branch
			if splitHere {
				branchCounters[branch]++
				name := fmt.Sprintf("b%d", branchCounters[branch])
				childBranch = branch.Child(name)
				_ = i
			}
			walk(succ.StepID, childBranch)
		}
	}
	walk(root.StepID, flow.BranchPath("main"))

	return assigned
}

// --- 4. Version compatibility ---

func (v *Validator) checkVersionCompatibility(ctx context.Context, def *flow.Definition, report *Report) {
	for _, e := range def.Edges {
		producer := def.Nodes[e.From]
		consumer := def.Nodes[e.To]
		if producer == nil || consumer == nil {
			continue
		}

		ok, err := v.catalog.Compatible(ctx, producer.Service, consumer.Service)
		if err != nil {
			report.addErrorf(RuleVersionCompat, "edge %s->%s: catalog lookup failed: %v", e.From, e.To, err)
			continue
		}
		if !ok {
			edge := e
			report.Issues = append(report.Issues, Issue{
				Rule: RuleVersionCompat, Severity: SeverityError, Edge: &edge,
				Message: fmt.Sprintf("%s is not compatible with %s", producer.Service, consumer.Service),
			})
			report.Valid = false
		}

		for _, rule := range v.versionRules {
			holds, err := v.rules.Eval(rule.Expr,
				map[string]any{"serviceId": producer.Service.ServiceID, "version": producer.Service.Version},
				map[string]any{"serviceId": consumer.Service.ServiceID, "version": consumer.Service.Version},
				map[string]any{"rule": rule.Name},
			)
			if err != nil {
				report.addErrorf(RuleVersionCompat, "edge %s->%s: rule %q: %v", e.From, e.To, rule.Name, err)
				continue
			}
			if !holds {
				report.addErrorf(RuleVersionCompat, "edge %s->%s: violates rule %q", e.From, e.To, rule.Name)
			}
		}
	}
}

// --- 5. Schema compatibility ---

func (v *Validator) checkSchemaCompatibility(def *flow.Definition, report *Report) {
	for _, e := range def.Edges {
		producer := def.Nodes[e.From]
		consumer := def.Nodes[e.To]
		if producer == nil || consumer == nil || producer.OutputSchema == nil || consumer.InputSchema == nil {
			continue
		}
		ok, issues := schema.Satisfies(producer.OutputSchema, consumer.InputSchema)
		if !ok {
			for _, iss := range issues {
				report.addErrorf(RuleSchemaCompat, "edge %s->%s: %s", e.From, e.To, iss.String())
			}
		}
	}
}

// --- 6. Merge feasibility ---

func (v *Validator) checkMergeFeasibility(def *flow.Definition, report *Report) {
	for _, n := range def.Exporters() {
		if def.InDegree(n.StepID) <= 1 {
			continue
		}
		if n.MergeConfig == nil {
			report.addErrorf(RuleMergeFeasibility, "exporter %s has in-degree > 1 but no merge strategy configured", n.StepID)
			continue
		}
		if !n.Capabilities.Supports(n.MergeConfig.Strategy) {
			report.addErrorf(RuleMergeFeasibility, "exporter %s does not support configured merge strategy %s", n.StepID, n.MergeConfig.Strategy)
		}
		if n.MergeConfig.Strategy == flow.StrategyFieldLevel {
			covered := make(map[string]bool)
			for _, m := range n.MergeConfig.FieldMappings {
				covered[m.TargetField] = true
			}
			if n.InputSchema != nil {
				for _, f := range n.InputSchema.Fields {
					if f.Required && !covered[f.Name] {
						report.addErrorf(RuleMergeFeasibility, "exporter %s field-level mapping missing required field %q", n.StepID, f.Name)
					}
				}
			}
		}
		if n.MergeConfig.Trigger == flow.TriggerCritical && len(n.MergeConfig.CriticalBranches) == 0 {
			report.addErrorf(RuleMergeFeasibility, "exporter %s uses CRITICAL trigger but names no critical branches", n.StepID)
		}
	}
}

// --- Execution-mode readiness ---

func (v *Validator) checkExecutionReadiness(ctx context.Context, def *flow.Definition, report *Report) {
	for id, n := range def.Nodes {
		status, err := v.catalog.VersionStatus(ctx, n.Service)
		if err != nil {
			report.addErrorf(RuleVersionCompat, "step %s: version status lookup failed: %v", id, err)
			continue
		}
		switch status {
		case versioncatalog.StatusArchived:
			report.addErrorf(RuleVersionCompat, "step %s: service %s is ARCHIVED", id, n.Service)
		case versioncatalog.StatusDeprecated:
			// Per spec.md §9 Open Questions: warn, do not refuse.
			report.addWarning(RuleVersionCompat, fmt.Sprintf("step %s: service %s is DEPRECATED", id, n.Service))
		}
	}
}
