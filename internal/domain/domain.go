package domain

// Task statuses. Escalation keeps a task in in_progress; the reassignment
// is visible through the workflow's escalation records.
const (
	TaskPending    = "pending"
	TaskInProgress = "in_progress"
	TaskCompleted  = "completed"
)

// Workflow statuses.
const (
	WorkflowPending        = "pending"
	WorkflowInProgress     = "in_progress"
	WorkflowRequiresAction = "requires_action"
	WorkflowCompleted      = "completed"
	WorkflowRejected       = "rejected"
)

// Decision kinds recorded as ApprovalActions.
const (
	DecisionAutoApprove     = "auto_approve"
	DecisionApprove         = "approve"
	DecisionReject          = "reject"
	DecisionRequestRevision = "request_revision"
	DecisionEscalate        = "escalate"
	DecisionDefer           = "defer"
)

// SystemActor is the synthetic actor recorded on automated decisions.
const SystemActor = "system"

// Submission is the project record handed to the orchestrator. The original
// declaration is immutable; Revisions carry evidence resupplied after a
// revision request.
type Submission struct {
	ProjectID       string             `json:"project_id"`
	EcosystemType   string             `json:"ecosystem_type"`
	Standard        string             `json:"standard"`
	AreaHectares    float64            `json:"area_hectares"`
	Latitude        float64            `json:"latitude"`
	Longitude       float64            `json:"longitude"`
	DeclaredTrees   int                `json:"declared_trees"`
	DeclaredCarbonT float64            `json:"declared_carbon_tonnes"`
	ProjectDuration string             `json:"project_duration,omitempty"`
	Species         []string           `json:"species,omitempty"`
	Documents       []string           `json:"documents,omitempty"`
	Evidence        map[string]any     `json:"evidence,omitempty"`
	Revisions       []EvidenceRevision `json:"revisions,omitempty"`
	SubmittedAt     string             `json:"submitted_at,omitempty" format:"date-time"`
}

// EvidenceRevision is appended when the submitter resupplies data after a
// request_revision decision.
type EvidenceRevision struct {
	ActorID  string         `json:"actor_id"`
	Evidence map[string]any `json:"evidence"`
	At       string         `json:"at" format:"date-time"`
}

// MergedEvidence folds revision evidence over the original evidence map,
// later revisions winning. Criteria evaluate against this view.
func (s *Submission) MergedEvidence() map[string]any {
	merged := map[string]any{}
	for k, v := range s.Evidence {
		merged[k] = v
	}
	for _, rev := range s.Revisions {
		for k, v := range rev.Evidence {
			merged[k] = v
		}
	}
	return merged
}

// CriterionResult is one automated check outcome. Immutable once produced;
// accumulated into the owning task's history.
type CriterionResult struct {
	Criterion   string         `json:"criterion"`
	Passed      bool           `json:"passed"`
	Score       float64        `json:"score"`
	Confidence  float64        `json:"confidence"`
	Evidence    map[string]any `json:"evidence,omitempty"`
	EvaluatorID string         `json:"evaluator_id"`
	Timestamp   string         `json:"timestamp" format:"date-time"`
}

// ApprovalAction is an append-only record of a human or synthesized
// decision against a task.
type ApprovalAction struct {
	ActionID  string         `json:"action_id"`
	TaskID    string         `json:"task_id"`
	ActorID   string         `json:"actor_id"`
	ActorRole string         `json:"actor_role"`
	Decision  string         `json:"decision" enum:"auto_approve,approve,reject,request_revision,escalate,defer"`
	Comment   string         `json:"comment,omitempty"`
	Evidence  map[string]any `json:"evidence,omitempty"`
	Timestamp string         `json:"timestamp" format:"date-time"`
}

// EscalationRecord captures a task reassignment to a higher-authority role.
type EscalationRecord struct {
	TaskID   string `json:"task_id"`
	FromRole string `json:"from_role"`
	ToRole   string `json:"to_role"`
	Reason   string `json:"reason"`
	At       string `json:"at" format:"date-time"`
}

// WorkflowTask belongs to exactly one stage of one workflow. Created by the
// graph builder; mutated only by the scheduler and the approval manager;
// never deleted, only transitioned.
type WorkflowTask struct {
	TaskID            string            `json:"task_id"`
	Stage             string            `json:"stage"`
	Name              string            `json:"name"`
	RequiredRole      string            `json:"required_role"`
	Status            string            `json:"status" enum:"pending,in_progress,completed"`
	Priority          int               `json:"priority"`
	Rejected          bool              `json:"rejected,omitempty"`
	NeedsEvaluation   bool              `json:"needs_evaluation,omitempty"`
	Dependencies      []string          `json:"dependencies,omitempty"`
	AutomatedCriteria []string          `json:"automated_criteria,omitempty"`
	CreatedAt         string            `json:"created_at" format:"date-time"`
	StartedAt         string            `json:"started_at,omitempty" format:"date-time"`
	CompletedAt       string            `json:"completed_at,omitempty" format:"date-time"`
	DueAt             string            `json:"due_at" format:"date-time"`
	Results           []CriterionResult `json:"results,omitempty"`
	Decisions         []ApprovalAction  `json:"decisions,omitempty"`
}

// Terminal reports whether the task reached its terminal status.
func (t *WorkflowTask) Terminal() bool {
	return t.Status == TaskCompleted
}

// Workflow is the aggregate root. Immutable once status is completed or
// rejected.
type Workflow struct {
	WorkflowID        string             `json:"workflow_id"`
	ProjectID         string             `json:"project_id"`
	Standard          string             `json:"standard"`
	StageSequence     []string           `json:"stage_sequence"`
	CurrentStage      string             `json:"current_stage"`
	Status            string             `json:"status" enum:"pending,in_progress,requires_action,completed,rejected"`
	Tasks             []WorkflowTask     `json:"tasks"`
	Progress          float64            `json:"progress"`
	VerificationScore float64            `json:"verification_score"`
	ComplianceScore   float64            `json:"compliance_score"`
	Escalations       []EscalationRecord `json:"escalations,omitempty"`
	CancelReason      string             `json:"cancel_reason,omitempty"`
	CreatedAt         string             `json:"created_at" format:"date-time"`
	UpdatedAt         string             `json:"updated_at" format:"date-time"`
	SLADeadline       string             `json:"sla_deadline,omitempty" format:"date-time"`
}

// Terminal reports whether the workflow reached a terminal status.
func (w *Workflow) Terminal() bool {
	return w.Status == WorkflowCompleted || w.Status == WorkflowRejected
}

// Task returns the task with the given id, or nil.
func (w *Workflow) Task(taskID string) *WorkflowTask {
	for i := range w.Tasks {
		if w.Tasks[i].TaskID == taskID {
			return &w.Tasks[i]
		}
	}
	return nil
}

// StageTasks returns every task belonging to a stage.
func (w *Workflow) StageTasks(stage string) []*WorkflowTask {
	var out []*WorkflowTask
	for i := range w.Tasks {
		if w.Tasks[i].Stage == stage {
			out = append(out, &w.Tasks[i])
		}
	}
	return out
}

// AuditRecord is one link of the tamper-evident chain. Event holds the
// canonical JSON serialization that was hashed.
type AuditRecord struct {
	Seq   int64  `json:"seq"`
	Event string `json:"event"`
	Hash  string `json:"hash"`
	TS    string `json:"ts" format:"date-time"`
}
