package server

import (
	"canopy/internal/domain"
)

type CreateWorkflowRequest struct {
	Submission domain.Submission `json:"submission"`
	Priority   int               `json:"priority,omitempty" minimum:"1" maximum:"5"`
}

type DecisionRequest struct {
	Decision  string         `json:"decision" enum:"approve,reject,request_revision,escalate,defer"`
	ActorRole string         `json:"actor_role,omitempty"`
	Comment   string         `json:"comment,omitempty"`
	Evidence  map[string]any `json:"evidence,omitempty"`
}

type ResubmitRequest struct {
	Evidence map[string]any `json:"evidence"`
}

type CancelRequest struct {
	Reason string `json:"reason,omitempty"`
}

type ImportStandardsRequest struct {
	ConfigYAML string `json:"config_yaml"`
}

type TaskResponse struct {
	TaskID            string                   `json:"task_id"`
	Stage             string                   `json:"stage"`
	Name              string                   `json:"name"`
	RequiredRole      string                   `json:"required_role"`
	Status            string                   `json:"status"`
	Priority          int                      `json:"priority"`
	Rejected          bool                     `json:"rejected,omitempty"`
	Dependencies      []string                 `json:"dependencies,omitempty"`
	AutomatedCriteria []string                 `json:"automated_criteria,omitempty"`
	DueAt             string                   `json:"due_at"`
	StartedAt         string                   `json:"started_at,omitempty"`
	CompletedAt       string                   `json:"completed_at,omitempty"`
	Results           []domain.CriterionResult `json:"results,omitempty"`
	Decisions         []domain.ApprovalAction  `json:"decisions,omitempty"`
}

type WorkflowResponse struct {
	WorkflowID        string                    `json:"workflow_id"`
	ProjectID         string                    `json:"project_id"`
	Standard          string                    `json:"standard"`
	StageSequence     []string                  `json:"stage_sequence"`
	CurrentStage      string                    `json:"current_stage"`
	Status            string                    `json:"status"`
	Progress          float64                   `json:"progress"`
	VerificationScore float64                   `json:"verification_score"`
	ComplianceScore   float64                   `json:"compliance_score"`
	Tasks             []TaskResponse            `json:"tasks"`
	Escalations       []domain.EscalationRecord `json:"escalations,omitempty"`
	CancelReason      string                    `json:"cancel_reason,omitempty"`
	CreatedAt         string                    `json:"created_at"`
	UpdatedAt         string                    `json:"updated_at"`
	SLADeadline       string                    `json:"sla_deadline,omitempty"`
}

type WorkflowSummary struct {
	WorkflowID      string  `json:"workflow_id"`
	ProjectID       string  `json:"project_id"`
	Standard        string  `json:"standard"`
	CurrentStage    string  `json:"current_stage"`
	Status          string  `json:"status"`
	Progress        float64 `json:"progress"`
	ComplianceScore float64 `json:"compliance_score"`
	CreatedAt       string  `json:"created_at"`
	UpdatedAt       string  `json:"updated_at"`
}

type TickResponse struct {
	Changed  bool             `json:"changed"`
	Workflow WorkflowResponse `json:"workflow"`
}

type AuditRecordResponse struct {
	Seq   int64  `json:"seq"`
	Event string `json:"event"`
	Hash  string `json:"hash"`
	TS    string `json:"ts"`
}

type AuditTrailResponse struct {
	Records     []AuditRecordResponse `json:"records"`
	Verified    *bool                 `json:"verified,omitempty"`
	VerifyError string                `json:"verify_error,omitempty"`
}

func taskResponse(t domain.WorkflowTask) TaskResponse {
	return TaskResponse{
		TaskID:            t.TaskID,
		Stage:             t.Stage,
		Name:              t.Name,
		RequiredRole:      t.RequiredRole,
		Status:            t.Status,
		Priority:          t.Priority,
		Rejected:          t.Rejected,
		Dependencies:      t.Dependencies,
		AutomatedCriteria: t.AutomatedCriteria,
		DueAt:             t.DueAt,
		StartedAt:         t.StartedAt,
		CompletedAt:       t.CompletedAt,
		Results:           t.Results,
		Decisions:         t.Decisions,
	}
}

func workflowResponse(wf *domain.Workflow) WorkflowResponse {
	resp := WorkflowResponse{
		WorkflowID:        wf.WorkflowID,
		ProjectID:         wf.ProjectID,
		Standard:          wf.Standard,
		StageSequence:     wf.StageSequence,
		CurrentStage:      wf.CurrentStage,
		Status:            wf.Status,
		Progress:          wf.Progress,
		VerificationScore: wf.VerificationScore,
		ComplianceScore:   wf.ComplianceScore,
		Escalations:       wf.Escalations,
		CancelReason:      wf.CancelReason,
		CreatedAt:         wf.CreatedAt,
		UpdatedAt:         wf.UpdatedAt,
		SLADeadline:       wf.SLADeadline,
	}
	for _, t := range wf.Tasks {
		resp.Tasks = append(resp.Tasks, taskResponse(t))
	}
	return resp
}

func mapSummaries(items []*domain.Workflow) []WorkflowSummary {
	res := []WorkflowSummary{}
	for _, wf := range items {
		res = append(res, WorkflowSummary{
			WorkflowID:      wf.WorkflowID,
			ProjectID:       wf.ProjectID,
			Standard:        wf.Standard,
			CurrentStage:    wf.CurrentStage,
			Status:          wf.Status,
			Progress:        wf.Progress,
			ComplianceScore: wf.ComplianceScore,
			CreatedAt:       wf.CreatedAt,
			UpdatedAt:       wf.UpdatedAt,
		})
	}
	return res
}

func mapAuditRecords(records []domain.AuditRecord) []AuditRecordResponse {
	res := []AuditRecordResponse{}
	for _, r := range records {
		res = append(res, AuditRecordResponse{Seq: r.Seq, Event: r.Event, Hash: r.Hash, TS: r.TS})
	}
	return res
}
