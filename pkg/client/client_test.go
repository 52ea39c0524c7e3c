package client

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubmitFlow_Valid(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/flows", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(ValidationReport{Valid: true})
	}))
	defer srv.Close()

	c := New(srv.URL)
	report, err := c.SubmitFlow(FlowDefinition{FlowID: "FLOW-1"})
	require.NoError(t, err)
	assert.True(t, report.Valid)
}

func TestSubmitFlow_ValidationFailureReturnsReportNotError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_ = json.NewEncoder(w).Encode(ValidationReport{Valid: false, Issues: []Issue{{Rule: "topology", Message: "bad"}}})
	}))
	defer srv.Close()

	c := New(srv.URL)
	_, err := c.SubmitFlow(FlowDefinition{FlowID: "FLOW-1"})
	assert.Error(t, err)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
}

func TestTriggerExecution_SendsBearerToken(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(TriggerExecutionResponse{ExecutionID: "exec-1"})
	}))
	defer srv.Close()

	c := New(srv.URL, WithBearerToken("secret-token"))
	resp, err := c.TriggerExecution(TriggerExecutionRequest{FlowID: "FLOW-1"})
	require.NoError(t, err)
	assert.Equal(t, "exec-1", resp.ExecutionID)
	assert.Equal(t, "Bearer secret-token", gotAuth)
}

func TestCancelExecution_NoContentIsNotError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/executions/cancel", r.URL.Path)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := New(srv.URL)
	err := c.CancelExecution("exec-1", "operator requested")
	assert.NoError(t, err)
}

func TestCancelExecution_NotFoundReturnsAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(ProblemDetail{Status: 404, Title: "not found", Detail: "no such execution"})
	}))
	defer srv.Close()

	c := New(srv.URL)
	err := c.CancelExecution("exec-nope", "operator requested")
	require.Error(t, err)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 404, apiErr.Problem.Status)
}

func TestGetExecutionStatus_EncodesQueryParam(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "exec-123", r.URL.Query().Get("executionId"))
		_ = json.NewEncoder(w).Encode(ExecutionStatus{ExecutionID: "exec-123", Status: "COMPLETED"})
	}))
	defer srv.Close()

	c := New(srv.URL)
	status, err := c.GetExecutionStatus("exec-123")
	require.NoError(t, err)
	assert.Equal(t, "exec-123", status.ExecutionID)
	assert.Equal(t, "COMPLETED", status.Status)
}

func TestAPIError_ErrorMessage(t *testing.T) {
	err := &APIError{Problem: ProblemDetail{Status: 422, Title: "validation failed", Detail: "bad topology"}}
	assert.Contains(t, err.Error(), "422")
	assert.Contains(t, err.Error(), "validation failed")
	assert.Contains(t, err.Error(), "bad topology")
}
