package canopysdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Canopy HTTP API client.
type Client struct {
	BaseURL     string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Submission is the project declaration handed to the orchestrator.
type Submission struct {
	ProjectID       string         `json:"project_id"`
	EcosystemType   string         `json:"ecosystem_type"`
	Standard        string         `json:"standard"`
	AreaHectares    float64        `json:"area_hectares"`
	Latitude        float64        `json:"latitude"`
	Longitude       float64        `json:"longitude"`
	DeclaredTrees   int            `json:"declared_trees"`
	DeclaredCarbonT float64        `json:"declared_carbon_tonnes"`
	ProjectDuration string         `json:"project_duration,omitempty"`
	Species         []string       `json:"species,omitempty"`
	Documents       []string       `json:"documents,omitempty"`
	Evidence        map[string]any `json:"evidence,omitempty"`
}

// Task represents the API task model (partial).
type Task struct {
	TaskID       string `json:"task_id"`
	Stage        string `json:"stage"`
	Name         string `json:"name"`
	RequiredRole string `json:"required_role"`
	Status       string `json:"status"`
	Priority     int    `json:"priority"`
	Rejected     bool   `json:"rejected"`
	DueAt        string `json:"due_at"`
}

// Workflow represents the API workflow model (partial).
type Workflow struct {
	WorkflowID        string  `json:"workflow_id"`
	ProjectID         string  `json:"project_id"`
	Standard          string  `json:"standard"`
	CurrentStage      string  `json:"current_stage"`
	Status            string  `json:"status"`
	Progress          float64 `json:"progress"`
	VerificationScore float64 `json:"verification_score"`
	ComplianceScore   float64 `json:"compliance_score"`
	Tasks             []Task  `json:"tasks"`
}

// TickResult pairs the post-tick workflow with a change marker.
type TickResult struct {
	Changed  bool     `json:"changed"`
	Workflow Workflow `json:"workflow"`
}

// AuditRecord is one link of the audit chain.
type AuditRecord struct {
	Seq   int64  `json:"seq"`
	Event string `json:"event"`
	Hash  string `json:"hash"`
	TS    string `json:"ts"`
}

// AuditTrail is the audit listing, optionally verified server side.
type AuditTrail struct {
	Records     []AuditRecord `json:"records"`
	Verified    *bool         `json:"verified,omitempty"`
	VerifyError string        `json:"verify_error,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateWorkflow submits a project declaration.
func (c *Client) CreateWorkflow(ctx context.Context, sub Submission, priority int) (Workflow, error) {
	body := map[string]any{"submission": sub}
	if priority > 0 {
		body["priority"] = priority
	}
	var resp Workflow
	err := c.do(ctx, http.MethodPost, "v0/workflows", body, &resp)
	return resp, err
}

// Tick runs one scheduler pass.
func (c *Client) Tick(ctx context.Context, workflowID string) (TickResult, error) {
	var resp TickResult
	endpoint := fmt.Sprintf("v0/workflows/%s/tick", url.PathEscape(workflowID))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// Status fetches the current workflow state.
func (c *Client) Status(ctx context.Context, workflowID string) (Workflow, error) {
	var resp Workflow
	endpoint := fmt.Sprintf("v0/workflows/%s/status", url.PathEscape(workflowID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// SubmitDecision records an approver decision against a task.
func (c *Client) SubmitDecision(ctx context.Context, workflowID, taskID, decision, role, comment string, evidence map[string]any) (Workflow, error) {
	body := map[string]any{
		"decision":   decision,
		"actor_role": role,
		"comment":    comment,
		"evidence":   evidence,
	}
	var resp Workflow
	endpoint := fmt.Sprintf("v0/workflows/%s/tasks/%s/decisions", url.PathEscape(workflowID), url.PathEscape(taskID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// Resubmit resupplies evidence after a revision request.
func (c *Client) Resubmit(ctx context.Context, workflowID string, evidence map[string]any) (Workflow, error) {
	body := map[string]any{"evidence": evidence}
	var resp Workflow
	endpoint := fmt.Sprintf("v0/workflows/%s/resubmit", url.PathEscape(workflowID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// Cancel force-rejects a workflow.
func (c *Client) Cancel(ctx context.Context, workflowID, reason string) (Workflow, error) {
	body := map[string]any{"reason": reason}
	var resp Workflow
	endpoint := fmt.Sprintf("v0/workflows/%s/cancel", url.PathEscape(workflowID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// Audit fetches the audit trail, verifying the chain when verify is set.
func (c *Client) Audit(ctx context.Context, workflowID string, verify bool) (AuditTrail, error) {
	endpoint := fmt.Sprintf("v0/workflows/%s/audit", url.PathEscape(workflowID))
	if verify {
		endpoint += "?verify=true"
	}
	var resp AuditTrail
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
