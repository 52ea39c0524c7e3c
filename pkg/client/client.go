// Package client provides a typed Go client for FlowOrchestrator's
// Admission API. Zero external dependencies — uses net/http and
// encoding/json only, matching the reference's sdk/go/client posture.
package client

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// ProblemDetail mirrors pkg/api.ProblemDetail's RFC 7807 wire shape.
type ProblemDetail struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
}

// APIError is returned when the Admission API responds with a non-2xx
// status.
type APIError struct {
	Problem ProblemDetail
}

func (e *APIError) Error() string {
	return fmt.Sprintf("flow-orchestrator api %d: %s (%s)", e.Problem.Status, e.Problem.Title, e.Problem.Detail)
}

// Client is a typed client for the Admission API.
type Client struct {
	BaseURL    string
	BearerToken string
	HTTPClient *http.Client
}

// New creates a new Client.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		BaseURL: baseURL,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Option configures the Client.
type Option func(*Client)

// WithBearerToken sets the Authorization bearer token sent with every request.
func WithBearerToken(token string) Option {
	return func(c *Client) { c.BearerToken = token }
}

// WithTimeout overrides the default 30s HTTP client timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.HTTPClient.Timeout = d }
}

// WithHTTPClient overrides the underlying *http.Client entirely.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.HTTPClient = hc }
}

func (c *Client) do(method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("client: marshal request body: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequest(method, c.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("client: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("client: do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var problem ProblemDetail
		if err := json.NewDecoder(resp.Body).Decode(&problem); err != nil {
			return &APIError{Problem: ProblemDetail{Status: resp.StatusCode, Title: "unknown error"}}
		}
		return &APIError{Problem: problem}
	}

	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

// SubmitFlow calls POST /v1/flows.
func (c *Client) SubmitFlow(def FlowDefinition) (*ValidationReport, error) {
	var out ValidationReport
	err := c.do(http.MethodPost, "/v1/flows", def, &out)
	return &out, err
}

// TriggerExecution calls POST /v1/flows/trigger.
func (c *Client) TriggerExecution(req TriggerExecutionRequest) (*TriggerExecutionResponse, error) {
	var out TriggerExecutionResponse
	err := c.do(http.MethodPost, "/v1/flows/trigger", req, &out)
	return &out, err
}

// CancelExecution calls POST /v1/executions/cancel.
func (c *Client) CancelExecution(executionID, reason string) error {
	req := map[string]string{"executionId": executionID, "reason": reason}
	return c.do(http.MethodPost, "/v1/executions/cancel", req, nil)
}

// GetExecutionStatus calls GET /v1/executions/status.
func (c *Client) GetExecutionStatus(executionID string) (*ExecutionStatus, error) {
	var out ExecutionStatus
	path := "/v1/executions/status?" + url.Values{"executionId": {executionID}}.Encode()
	err := c.do(http.MethodGet, path, nil, &out)
	return &out, err
}
