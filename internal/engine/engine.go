package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"canopy/internal/audit"
	"canopy/internal/criteria"
	"canopy/internal/domain"
	"canopy/internal/graph"
	"canopy/internal/policy"
	"canopy/internal/repo"
	"canopy/internal/rules"
)

// Engine drives workflows: creation, scheduler ticks, decisions, and the
// audit chain. Operations on the same workflow are serialized through a
// per-workflow mutex; distinct workflows proceed concurrently.
type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Config   *policy.Config
	Registry *criteria.Registry
	Now      func() time.Time

	locks *sync.Map
}

func New(db *sql.DB, cfg *policy.Config, reg *criteria.Registry) Engine {
	if reg == nil {
		reg = criteria.Builtin()
	}
	return Engine{
		DB:       db,
		Repo:     repo.Repo{DB: db},
		Config:   cfg,
		Registry: reg,
		Now:      time.Now,
		locks:    &sync.Map{},
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) lock(workflowID string) *sync.Mutex {
	mu, _ := e.locks.LoadOrStore(workflowID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// config resolves the active standards config: the imported one if
// present, the engine default otherwise.
func (e Engine) config(ctx context.Context) (*policy.Config, error) {
	cfg, err := e.Repo.GetStandardsConfig(ctx)
	if errors.Is(err, repo.ErrNotFound) {
		if e.Config != nil {
			return e.Config, nil
		}
		return policy.Default(), nil
	}
	return cfg, err
}

func (e Engine) evaluator(cfg *policy.Config) rules.Evaluator {
	return rules.Evaluator{
		Registry: e.Registry,
		Weights:  cfg.Criteria.Weights,
		Timeout:  cfg.Evaluation.CriterionTimeout.Std(),
		Now:      e.Now,
	}
}

// CreateWorkflow validates the submission, builds the task graph, and
// persists workflow, submission, and the genesis audit record.
func (e Engine) CreateWorkflow(ctx context.Context, sub *domain.Submission, priority int) (*domain.Workflow, error) {
	if err := validateSubmission(sub); err != nil {
		return nil, err
	}
	cfg, err := e.config(ctx)
	if err != nil {
		return nil, err
	}
	now := e.now()
	if sub.SubmittedAt == "" {
		sub.SubmittedAt = now.UTC().Format(time.RFC3339)
	}
	if priority == 0 {
		priority = 3
	}
	wf, err := graph.Build(sub, cfg, priority, now)
	if err != nil {
		return nil, err
	}
	// an unregistered criterion is a configuration error; it must fail
	// here, not as a zero score on some later tick
	for i := range wf.Tasks {
		for _, id := range wf.Tasks[i].AutomatedCriteria {
			if _, ok := e.Registry.Get(id); !ok {
				return nil, fmt.Errorf("%w: task %s references unregistered criterion %s",
					domain.ErrInvalidStandard, wf.Tasks[i].Name, id)
			}
		}
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertWorkflow(ctx, tx, wf); err != nil {
		return nil, fmt.Errorf("insert workflow: %w", err)
	}
	if err := e.Repo.InsertSubmission(ctx, tx, wf.WorkflowID, sub); err != nil {
		return nil, fmt.Errorf("insert submission: %w", err)
	}
	if err := e.appendAudit(ctx, tx, wf.WorkflowID, map[string]any{
		"type":        "workflow_created",
		"workflow_id": wf.WorkflowID,
		"project_id":  wf.ProjectID,
		"standard":    wf.Standard,
		"tasks":       len(wf.Tasks),
		"priority":    priority,
	}); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return wf, nil
}

// SubmitDecision records an approver decision against a task and applies
// the resulting transitions synchronously.
func (e Engine) SubmitDecision(ctx context.Context, workflowID, taskID, actorID, actorRole, decision, comment string, evidence map[string]any) (*domain.Workflow, error) {
	mu := e.lock(workflowID)
	mu.Lock()
	defer mu.Unlock()

	cfg, err := e.config(ctx)
	if err != nil {
		return nil, err
	}
	wf, err := e.Repo.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if wf.Terminal() {
		return nil, domain.ErrTerminalWorkflow
	}
	task := wf.Task(taskID)
	if task == nil {
		return nil, domain.ErrTaskNotFound
	}
	if task.Terminal() {
		return nil, domain.ErrTerminalTask
	}
	if task.Status != domain.TaskInProgress {
		return nil, domain.ErrTaskNotReady
	}
	pol, ok := cfg.StagePolicy(wf.Standard, task.Stage)
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", domain.ErrInvalidStandard, wf.Standard, task.Stage)
	}
	if actorRole != task.RequiredRole && !pol.HasRole(actorRole) {
		return nil, fmt.Errorf("%w: %s requires %s", domain.ErrUnauthorizedRole, task.Name, task.RequiredRole)
	}
	sub, err := e.Repo.GetSubmission(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	now := e.now()
	ts := now.UTC().Format(time.RFC3339)
	action := domain.ApprovalAction{
		ActionID:  uuid.New().String(),
		TaskID:    taskID,
		ActorID:   actorID,
		ActorRole: actorRole,
		Decision:  decision,
		Comment:   comment,
		Evidence:  evidence,
		Timestamp: ts,
	}

	switch decision {
	case domain.DecisionApprove:
		task.Decisions = append(task.Decisions, action)
		if approvalsSatisfied(task, pol) {
			completeTask(task, ts)
			advanceStages(wf, cfg, e.evaluator(cfg), sub, ts)
		}
	case domain.DecisionReject:
		task.Decisions = append(task.Decisions, action)
		completeTask(task, ts)
		task.Rejected = true
		rejectWorkflow(wf)
	case domain.DecisionRequestRevision:
		task.Decisions = append(task.Decisions, action)
		wf.Status = domain.WorkflowRequiresAction
	case domain.DecisionEscalate:
		task.Decisions = append(task.Decisions, action)
		escalateTask(wf, task, pol, "manual", now)
	case domain.DecisionDefer:
		// reviewed but not yet decided; only the action is recorded,
		// the SLA clock keeps running
		task.Decisions = append(task.Decisions, action)
	default:
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownDecision, decision)
	}

	refreshProgress(wf, e.evaluator(cfg))
	wf.UpdatedAt = ts

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateWorkflow(ctx, tx, wf); err != nil {
		return nil, err
	}
	if err := e.Repo.InsertAction(ctx, tx, workflowID, action); err != nil {
		return nil, fmt.Errorf("insert action: %w", err)
	}
	if err := e.appendAudit(ctx, tx, workflowID, map[string]any{
		"type":        "decision",
		"workflow_id": workflowID,
		"task_id":     taskID,
		"decision":    decision,
		"actor_id":    actorID,
		"actor_role":  actorRole,
		"status":      wf.Status,
	}); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return wf, nil
}

// Resubmit records resupplied evidence after a revision request and puts
// the workflow back in progress. Affected tasks are re-scored on the next
// tick.
func (e Engine) Resubmit(ctx context.Context, workflowID, actorID string, evidence map[string]any) (*domain.Workflow, error) {
	mu := e.lock(workflowID)
	mu.Lock()
	defer mu.Unlock()

	wf, err := e.Repo.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if wf.Terminal() {
		return nil, domain.ErrTerminalWorkflow
	}
	if wf.Status != domain.WorkflowRequiresAction {
		return nil, domain.ErrWorkflowNotActive
	}
	sub, err := e.Repo.GetSubmission(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	ts := e.now().UTC().Format(time.RFC3339)
	sub.Revisions = append(sub.Revisions, domain.EvidenceRevision{
		ActorID:  actorID,
		Evidence: evidence,
		At:       ts,
	})
	wf.Status = domain.WorkflowInProgress
	for i := range wf.Tasks {
		t := &wf.Tasks[i]
		if t.Status != domain.TaskInProgress || len(t.Decisions) == 0 {
			continue
		}
		if t.Decisions[len(t.Decisions)-1].Decision == domain.DecisionRequestRevision {
			t.NeedsEvaluation = true
		}
	}
	wf.UpdatedAt = ts

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateWorkflow(ctx, tx, wf); err != nil {
		return nil, err
	}
	if err := e.Repo.UpdateSubmission(ctx, tx, workflowID, sub); err != nil {
		return nil, err
	}
	if err := e.appendAudit(ctx, tx, workflowID, map[string]any{
		"type":        "resubmitted",
		"workflow_id": workflowID,
		"actor_id":    actorID,
		"revision":    len(sub.Revisions),
	}); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return wf, nil
}

// Cancel forces a workflow to rejected out of band. Actions and audit
// records are retained.
func (e Engine) Cancel(ctx context.Context, workflowID, actorID, reason string) (*domain.Workflow, error) {
	mu := e.lock(workflowID)
	mu.Lock()
	defer mu.Unlock()

	wf, err := e.Repo.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if wf.Terminal() {
		return nil, domain.ErrTerminalWorkflow
	}
	if reason == "" {
		reason = "cancelled"
	}
	cfg, err := e.config(ctx)
	if err != nil {
		return nil, err
	}
	ts := e.now().UTC().Format(time.RFC3339)
	rejectWorkflow(wf)
	refreshProgress(wf, e.evaluator(cfg))
	wf.CancelReason = reason
	wf.UpdatedAt = ts

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateWorkflow(ctx, tx, wf); err != nil {
		return nil, err
	}
	if err := e.appendAudit(ctx, tx, workflowID, map[string]any{
		"type":        "cancelled",
		"workflow_id": workflowID,
		"actor_id":    actorID,
		"reason":      reason,
	}); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return wf, nil
}

// Status returns the current workflow state.
func (e Engine) Status(ctx context.Context, workflowID string) (*domain.Workflow, error) {
	return e.Repo.GetWorkflow(ctx, workflowID)
}

// AuditTrail returns the workflow's audit chain in order.
func (e Engine) AuditTrail(ctx context.Context, workflowID string) ([]domain.AuditRecord, error) {
	if _, err := e.Repo.GetWorkflow(ctx, workflowID); err != nil {
		return nil, err
	}
	return e.Repo.ListAudit(ctx, workflowID)
}

// VerifyAudit recomputes the workflow's chain and reports the first break.
func (e Engine) VerifyAudit(ctx context.Context, workflowID string) error {
	records, err := e.AuditTrail(ctx, workflowID)
	if err != nil {
		return err
	}
	return audit.Verify(records)
}

// List returns workflows matching the filters.
func (e Engine) List(ctx context.Context, f repo.WorkflowFilters) ([]*domain.Workflow, error) {
	return e.Repo.ListWorkflows(ctx, f)
}

// appendAudit extends the workflow's hash chain inside the caller's tx.
func (e Engine) appendAudit(ctx context.Context, tx *sql.Tx, workflowID string, event map[string]any) error {
	prev, err := e.Repo.LastAuditHash(ctx, tx, workflowID)
	if err != nil {
		return fmt.Errorf("read audit head: %w", err)
	}
	ts := e.now().UTC().Format(time.RFC3339)
	event["ts"] = ts
	rec, err := audit.Append(prev, event, ts)
	if err != nil {
		return err
	}
	if _, err := e.Repo.InsertAudit(ctx, tx, workflowID, rec); err != nil {
		return fmt.Errorf("insert audit record: %w", err)
	}
	return nil
}
