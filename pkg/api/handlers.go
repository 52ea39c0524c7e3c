package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/flowkit/orchestrator/pkg/flow"
	"github.com/flowkit/orchestrator/pkg/orchestrator"
	"github.com/flowkit/orchestrator/pkg/planner"
	"github.com/flowkit/orchestrator/pkg/schema"
)

const maxBodyBytes = 4 << 20 // 4MB, flow definitions carry inline JSON Schemas

// Handlers implements the Admission API's four operations (spec.md §6)
// as thin net/http handlers over pkg/orchestrator.Orchestrator.
//
// Grounded on the reference's pkg/api/handlers.go: MaxBytesReader, a
// request DTO decoded via json.NewDecoder, method-check-then-dispatch.
type Handlers struct {
	orch *orchestrator.Orchestrator
}

// NewHandlers builds the Admission API's HTTP handler set.
func NewHandlers(orch *orchestrator.Orchestrator) *Handlers {
	return &Handlers{orch: orch}
}

// Routes registers every endpoint on mux.
func (h *Handlers) Routes(mux *http.ServeMux) {
	mux.HandleFunc("/v1/flows", h.HandleSubmitFlow)
	mux.HandleFunc("/v1/flows/trigger", h.HandleTriggerExecution)
	mux.HandleFunc("/v1/executions/cancel", h.HandleCancelExecution)
	mux.HandleFunc("/v1/executions/status", h.HandleGetExecutionStatus)
	mux.HandleFunc("/healthz", h.HandleHealthz)
}

// HandleHealthz is an unauthenticated liveness probe.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// nodeDTO is the wire representation of a flow.Node. flow.Node keys its
// parent map by the flow.StepID struct, which is not a valid JSON object
// key, so the wire form carries StepID's string form instead and the
// handler reconstructs the struct on decode.
type nodeDTO struct {
	StepID       string              `json:"stepId"`
	Kind         flow.NodeKind       `json:"kind"`
	Service      flow.ServiceRef     `json:"service"`
	Config       map[string]any      `json:"config,omitempty"`
	InputSchema  *schema.Record      `json:"inputSchema,omitempty"`
	OutputSchema *schema.Record      `json:"outputSchema,omitempty"`
	MergeConfig  *flow.MergeConfig   `json:"mergeConfig,omitempty"`
	Capabilities *capabilitiesDTO    `json:"capabilities,omitempty"`
	RetryPolicy  flow.RetryPolicy    `json:"retryPolicy"`
	EntityRef    *flow.EntityRef     `json:"entityRef,omitempty"`
}

type capabilitiesDTO struct {
	SupportedStrategies []flow.MergeStrategy `json:"supportedStrategies"`
	PartialInputAllowed bool                 `json:"partialInputAllowed"`
}

type edgeDTO struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// flowDefinitionRequest is the SubmitFlow request body.
type flowDefinitionRequest struct {
	FlowID  string    `json:"flowId"`
	Version string    `json:"version"`
	Nodes   []nodeDTO `json:"nodes"`
	Edges   []edgeDTO `json:"edges"`
}

func (req *flowDefinitionRequest) toDefinition() (*flow.Definition, error) {
	def := &flow.Definition{
		FlowID:  req.FlowID,
		Version: req.Version,
		Nodes:   make(map[flow.StepID]*flow.Node, len(req.Nodes)),
	}
	for _, n := range req.Nodes {
		id, err := flow.ParseStepID(n.StepID)
		if err != nil {
			return nil, fmt.Errorf("node %q: %w", n.StepID, err)
		}
		node := &flow.Node{
			StepID:       id,
			Kind:         n.Kind,
			Service:      n.Service,
			Config:       n.Config,
			InputSchema:  n.InputSchema,
			OutputSchema: n.OutputSchema,
			MergeConfig:  n.MergeConfig,
			RetryPolicy:  n.RetryPolicy,
			EntityRef:    n.EntityRef,
		}
		if n.Capabilities != nil {
			node.Capabilities = flow.MergeCapabilities{
				SupportedStrategies: n.Capabilities.SupportedStrategies,
				PartialInputAllowed: n.Capabilities.PartialInputAllowed,
			}
		}
		def.Nodes[id] = node
	}
	for _, e := range req.Edges {
		from, err := flow.ParseStepID(e.From)
		if err != nil {
			return nil, fmt.Errorf("edge.from %q: %w", e.From, err)
		}
		to, err := flow.ParseStepID(e.To)
		if err != nil {
			return nil, fmt.Errorf("edge.to %q: %w", e.To, err)
		}
		def.Edges = append(def.Edges, flow.Edge{From: from, To: to})
	}
	return def, nil
}

// HandleSubmitFlow implements POST /v1/flows.
func (h *Handlers) HandleSubmitFlow(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteMethodNotAllowed(w, r)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var req flowDefinitionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, r, "invalid request body: "+err.Error())
		return
	}

	def, err := req.toDefinition()
	if err != nil {
		WriteBadRequest(w, r, "malformed flow definition: "+err.Error())
		return
	}

	report, err := h.orch.SubmitFlow(r.Context(), def)
	if err != nil {
		WriteInternal(w, r, err)
		return
	}
	if !report.Valid {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnprocessableEntity)
		_ = json.NewEncoder(w).Encode(report)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(report)
}

// triggerExecutionRequest is the TriggerExecution request body.
type triggerExecutionRequest struct {
	FlowID        string         `json:"flowId"`
	CorrelationID string         `json:"correlationId"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

type triggerExecutionResponse struct {
	ExecutionID string `json:"executionId"`
}

// HandleTriggerExecution implements POST /v1/flows/trigger.
func (h *Handlers) HandleTriggerExecution(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteMethodNotAllowed(w, r)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var req triggerExecutionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, r, "invalid request body: "+err.Error())
		return
	}
	if req.FlowID == "" {
		WriteBadRequest(w, r, "flowId is required")
		return
	}

	executionID, err := h.orch.TriggerExecution(r.Context(), req.FlowID, planner.TriggerPayload{
		CorrelationID: req.CorrelationID,
		Metadata:      req.Metadata,
	})
	if err != nil {
		WriteUnprocessable(w, r, err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(triggerExecutionResponse{ExecutionID: executionID})
}

type cancelExecutionRequest struct {
	ExecutionID string `json:"executionId"`
	Reason      string `json:"reason"`
}

// HandleCancelExecution implements POST /v1/executions/cancel.
func (h *Handlers) HandleCancelExecution(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteMethodNotAllowed(w, r)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, 1<<16)
	var req cancelExecutionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, r, "invalid request body: "+err.Error())
		return
	}
	if req.ExecutionID == "" {
		WriteBadRequest(w, r, "executionId is required")
		return
	}

	if err := h.orch.CancelExecution(r.Context(), req.ExecutionID, req.Reason); err != nil {
		WriteNotFound(w, r, err.Error())
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// HandleGetExecutionStatus implements GET /v1/executions/status?executionId=....
func (h *Handlers) HandleGetExecutionStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w, r)
		return
	}

	executionID := r.URL.Query().Get("executionId")
	if executionID == "" {
		WriteBadRequest(w, r, "executionId query parameter is required")
		return
	}

	exec, err := h.orch.GetExecutionStatus(r.Context(), executionID)
	if err != nil {
		WriteNotFound(w, r, err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(exec)
}
