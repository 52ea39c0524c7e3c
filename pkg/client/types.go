package client

// Wire types for the Admission API. These are deliberately independent
// of pkg/flow/pkg/branchctx (no import of server-internal packages),
// matching the reference SDK's zero-dependency, hand-shaped DTO
// convention (sdk/go/client/types_gen.go).

// ServiceRef pins a worker service by id and version.
type ServiceRef struct {
	ServiceID string `json:"serviceId"`
	Version   string `json:"version"`
}

// EntityRef identifies a protocol-level source/destination address.
type EntityRef struct {
	Protocol string `json:"protocol"`
	Address  string `json:"address"`
	Version  string `json:"version"`
}

// FieldMapping maps one exporter input field to a branch payload field.
type FieldMapping struct {
	TargetField  string `json:"targetField"`
	SourceBranch string `json:"sourceBranch"`
	SourceField  string `json:"sourceField"`
}

// MergeConfig is the per-exporter merge configuration.
type MergeConfig struct {
	Strategy           string         `json:"strategy"`
	Trigger            string         `json:"trigger"`
	CriticalBranches   []string       `json:"criticalBranches,omitempty"`
	DeadlineMs         int64          `json:"deadlineMs,omitempty"`
	PriorityOrder      []string       `json:"priorityOrder,omitempty"`
	FieldMappings      []FieldMapping `json:"fieldMappings,omitempty"`
	ConflictResolution string         `json:"conflictResolution,omitempty"`
	CancelLosers       bool           `json:"cancelLosers"`
}

// Capabilities declares which merge strategies an exporter supports.
type Capabilities struct {
	SupportedStrategies []string `json:"supportedStrategies"`
	PartialInputAllowed bool     `json:"partialInputAllowed"`
}

// RetryPolicy is a step's per-attempt backoff/circuit policy.
type RetryPolicy struct {
	BaseMs            int64 `json:"baseMs"`
	FactorPercent     int64 `json:"factorPercent"`
	MaxMs             int64 `json:"maxMs"`
	MaxJitterMs       int64 `json:"maxJitterMs"`
	MaxAttempts       int   `json:"maxAttempts"`
	CircuitThreshold  int   `json:"circuitThreshold"`
	CircuitCooldownMs int64 `json:"circuitCooldownMs"`
}

// SchemaField is one field of a schema.Record.
type SchemaField struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Required bool   `json:"required"`
}

// SchemaRecord mirrors pkg/schema.Record's wire shape.
type SchemaRecord struct {
	Name    string        `json:"name"`
	Version string        `json:"version"`
	Fields  []SchemaField `json:"fields"`
}

// Node is one vertex of a flow graph.
type Node struct {
	StepID       string         `json:"stepId"`
	Kind         string         `json:"kind"`
	Service      ServiceRef     `json:"service"`
	Config       map[string]any `json:"config,omitempty"`
	InputSchema  *SchemaRecord  `json:"inputSchema,omitempty"`
	OutputSchema *SchemaRecord  `json:"outputSchema,omitempty"`
	MergeConfig  *MergeConfig   `json:"mergeConfig,omitempty"`
	Capabilities *Capabilities  `json:"capabilities,omitempty"`
	RetryPolicy  RetryPolicy    `json:"retryPolicy"`
	EntityRef    *EntityRef     `json:"entityRef,omitempty"`
}

// Edge is a directed connection between two nodes, named by StepID wire form.
type Edge struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// FlowDefinition is the SubmitFlow request body.
type FlowDefinition struct {
	FlowID  string `json:"flowId"`
	Version string `json:"version"`
	Nodes   []Node `json:"nodes"`
	Edges   []Edge `json:"edges"`
}

// Issue is one validation finding.
type Issue struct {
	Rule     string `json:"Rule"`
	Severity string `json:"Severity"`
	Message  string `json:"Message"`
}

// ValidationReport is the response to SubmitFlow.
type ValidationReport struct {
	Valid  bool    `json:"Valid"`
	Issues []Issue `json:"Issues"`
}

// TriggerExecutionRequest is the TriggerExecution request body.
type TriggerExecutionRequest struct {
	FlowID        string         `json:"flowId"`
	CorrelationID string         `json:"correlationId"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// TriggerExecutionResponse is the response to TriggerExecution.
type TriggerExecutionResponse struct {
	ExecutionID string `json:"executionId"`
}

// BranchStatus is one branch's runtime snapshot.
type BranchStatus struct {
	BranchPath  string   `json:"BranchPath"`
	Status      string   `json:"Status"`
	Priority    int      `json:"Priority"`
	CompletedAt *string  `json:"CompletedAt,omitempty"`
	JoinsAt     []string `json:"JoinsAt,omitempty"`
}

// ExecutionStatus is the response to GetExecutionStatus, mirroring
// branchctx.ExecutionContext's JSON shape (field names capitalized to
// match the server's default, tag-less struct encoding).
type ExecutionStatus struct {
	ExecutionID   string                  `json:"ExecutionID"`
	FlowID        string                  `json:"FlowID"`
	FlowVersion   string                  `json:"FlowVersion"`
	Status        string                  `json:"Status"`
	CorrelationID string                  `json:"CorrelationID"`
	Branches      map[string]BranchStatus `json:"Branches"`
}
