package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"canopy/internal/domain"
	"canopy/internal/graph"
	"canopy/internal/policy"
	"canopy/internal/rules"
)

// Tick runs one scheduler pass: promote ready tasks, evaluate automated
// criteria, apply auto-approvals, check approvals, escalate overdue
// tasks, and advance stages. A tick that changes nothing writes nothing,
// so ticking is idempotent. Ticking a terminal workflow is a no-op.
func (e Engine) Tick(ctx context.Context, workflowID string) (*domain.Workflow, bool, error) {
	mu := e.lock(workflowID)
	mu.Lock()
	defer mu.Unlock()

	cfg, err := e.config(ctx)
	if err != nil {
		return nil, false, err
	}
	wf, err := e.Repo.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, false, err
	}
	if wf.Terminal() {
		return wf, false, nil
	}
	sub, err := e.Repo.GetSubmission(ctx, workflowID)
	if err != nil {
		return nil, false, err
	}

	now := e.now()
	ts := now.UTC().Format(time.RFC3339)
	ev := e.evaluator(cfg)
	changed := false
	var transitions []string
	var autoActions []domain.ApprovalAction

	// promote ready tasks
	for i := range wf.Tasks {
		t := &wf.Tasks[i]
		if t.Status == domain.TaskPending && graph.Ready(wf, t) {
			t.Status = domain.TaskInProgress
			t.StartedAt = ts
			changed = true
			transitions = append(transitions, fmt.Sprintf("task %s pending->in_progress", t.Name))
		}
	}
	if wf.Status == domain.WorkflowPending {
		for i := range wf.Tasks {
			if wf.Tasks[i].Status == domain.TaskInProgress {
				wf.Status = domain.WorkflowInProgress
				changed = true
				break
			}
		}
	}

	// evaluate automated criteria, fanned out per task
	var toEvaluate []int
	for i := range wf.Tasks {
		t := &wf.Tasks[i]
		if t.Status != domain.TaskInProgress || len(t.AutomatedCriteria) == 0 {
			continue
		}
		if len(t.Results) == 0 || t.NeedsEvaluation {
			toEvaluate = append(toEvaluate, i)
		}
	}
	if len(toEvaluate) > 0 {
		results := make([][]domain.CriterionResult, len(toEvaluate))
		var wg sync.WaitGroup
		for slot, idx := range toEvaluate {
			wg.Add(1)
			go func(slot, idx int) {
				defer wg.Done()
				results[slot] = ev.Evaluate(ctx, wf.Tasks[idx].AutomatedCriteria, sub)
			}(slot, idx)
		}
		wg.Wait()
		for slot, idx := range toEvaluate {
			t := &wf.Tasks[idx]
			t.Results = append(t.Results, results[slot]...)
			t.NeedsEvaluation = false
			changed = true
			transitions = append(transitions, fmt.Sprintf("task %s evaluated %d criteria", t.Name, len(results[slot])))
		}
	}

	// rejection backstop: a rejected task terminates the workflow
	for i := range wf.Tasks {
		if wf.Tasks[i].Rejected && !wf.Terminal() {
			rejectWorkflow(wf)
			changed = true
			transitions = append(transitions, "workflow rejected")
		}
	}

	if !wf.Terminal() {
		// auto-approvals and human approval counting
		for i := range wf.Tasks {
			t := &wf.Tasks[i]
			if t.Status != domain.TaskInProgress {
				continue
			}
			pol, ok := cfg.StagePolicy(wf.Standard, t.Stage)
			if !ok {
				return nil, false, fmt.Errorf("%w: %s/%s", domain.ErrInvalidStandard, wf.Standard, t.Stage)
			}
			if thresholdsMet(t, pol) {
				action := domain.ApprovalAction{
					ActionID:  uuid.New().String(),
					TaskID:    t.TaskID,
					ActorID:   domain.SystemActor,
					ActorRole: domain.SystemActor,
					Decision:  domain.DecisionAutoApprove,
					Comment:   "all criterion scores met auto-approval thresholds",
					Timestamp: ts,
				}
				t.Decisions = append(t.Decisions, action)
				autoActions = append(autoActions, action)
				completeTask(t, ts)
				changed = true
				transitions = append(transitions, fmt.Sprintf("task %s auto-approved", t.Name))
				continue
			}
			if approvalsSatisfied(t, pol) {
				completeTask(t, ts)
				changed = true
				transitions = append(transitions, fmt.Sprintf("task %s approved", t.Name))
			}
		}

		// SLA escalation
		for i := range wf.Tasks {
			t := &wf.Tasks[i]
			if t.Status != domain.TaskInProgress {
				continue
			}
			due, err := time.Parse(time.RFC3339, t.DueAt)
			if err != nil || !now.After(due) {
				continue
			}
			pol, _ := cfg.StagePolicy(wf.Standard, t.Stage)
			escalateTask(wf, t, pol, "sla_overdue", now)
			changed = true
			transitions = append(transitions, fmt.Sprintf("task %s escalated to %s", t.Name, t.RequiredRole))
		}

		if advanceStages(wf, cfg, ev, sub, ts) {
			changed = true
			transitions = append(transitions, fmt.Sprintf("workflow %s, stage %s", wf.Status, wf.CurrentStage))
		}
	}

	if !changed {
		return wf, false, nil
	}

	refreshProgress(wf, ev)
	wf.UpdatedAt = ts

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateWorkflow(ctx, tx, wf); err != nil {
		return nil, false, err
	}
	for _, action := range autoActions {
		if err := e.Repo.InsertAction(ctx, tx, workflowID, action); err != nil {
			return nil, false, fmt.Errorf("insert action: %w", err)
		}
	}
	if err := e.appendAudit(ctx, tx, workflowID, map[string]any{
		"type":        "tick",
		"workflow_id": workflowID,
		"status":      wf.Status,
		"stage":       wf.CurrentStage,
		"transitions": transitions,
	}); err != nil {
		return nil, false, err
	}
	if err := tx.Commit(); err != nil {
		return nil, false, err
	}
	return wf, true, nil
}

func completeTask(t *domain.WorkflowTask, ts string) {
	t.Status = domain.TaskCompleted
	t.CompletedAt = ts
	t.NeedsEvaluation = false
}

// latestResults keeps the newest result per criterion for a task.
func latestResults(t *domain.WorkflowTask) map[string]domain.CriterionResult {
	latest := map[string]domain.CriterionResult{}
	for _, r := range t.Results {
		latest[r.Criterion] = r
	}
	return latest
}

// thresholdsMet reports whether every automated criterion of the task
// has a configured threshold and a latest result that passed with a
// score meeting it. A result whose check failed never auto-approves,
// whatever its score. Tasks without automated criteria never
// auto-approve.
func thresholdsMet(t *domain.WorkflowTask, pol policy.StagePolicy) bool {
	if len(t.AutomatedCriteria) == 0 {
		return false
	}
	latest := latestResults(t)
	for _, id := range t.AutomatedCriteria {
		threshold, ok := pol.AutoApprovalThresholds[id]
		if !ok {
			return false
		}
		res, ok := latest[id]
		if !ok || !res.Passed || res.Score < threshold {
			return false
		}
	}
	return true
}

// approvalsSatisfied counts distinct approvers per role against the
// stage's requirements. A single approval from the escalation role
// resolves an escalated task; an auto-approval resolves any task.
func approvalsSatisfied(t *domain.WorkflowTask, pol policy.StagePolicy) bool {
	byRole := map[string]map[string]bool{}
	for _, a := range t.Decisions {
		switch a.Decision {
		case domain.DecisionAutoApprove:
			return true
		case domain.DecisionApprove:
			m := byRole[a.ActorRole]
			if m == nil {
				m = map[string]bool{}
				byRole[a.ActorRole] = m
			}
			m[a.ActorID] = true
		}
	}
	if t.RequiredRole != pol.PrimaryRole() && len(byRole[t.RequiredRole]) > 0 {
		return true
	}
	for _, rc := range pol.RequiredApprovals {
		if len(byRole[rc.Role]) < rc.Count {
			return false
		}
	}
	return true
}

// escalateTask reassigns an overdue task to the escalation role, bumps
// priority one step (5 is the cap), and extends the deadline. The
// deadline only ever moves forward.
func escalateTask(wf *domain.Workflow, t *domain.WorkflowTask, pol policy.StagePolicy, reason string, now time.Time) {
	from := t.RequiredRole
	t.RequiredRole = pol.EscalationRole
	if t.Priority < 5 {
		t.Priority++
	}
	due, err := time.Parse(time.RFC3339, t.DueAt)
	if err != nil || due.Before(now) {
		due = now
	}
	t.DueAt = due.Add(pol.EscalationExtension.Std()).UTC().Format(time.RFC3339)
	wf.Escalations = append(wf.Escalations, domain.EscalationRecord{
		TaskID:   t.TaskID,
		FromRole: from,
		ToRole:   pol.EscalationRole,
		Reason:   reason,
		At:       now.UTC().Format(time.RFC3339),
	})
}

func rejectWorkflow(wf *domain.Workflow) {
	if !wf.Terminal() {
		wf.Status = domain.WorkflowRejected
	}
}

// advanceStages moves the current stage forward while all of its tasks
// are completed without rejection, completing the workflow and computing
// the compliance score when the last stage clears.
func advanceStages(wf *domain.Workflow, cfg *policy.Config, ev rules.Evaluator, sub *domain.Submission, ts string) bool {
	changed := false
	for !wf.Terminal() {
		done := true
		for _, t := range wf.StageTasks(wf.CurrentStage) {
			if t.Status != domain.TaskCompleted || t.Rejected {
				done = false
				break
			}
		}
		if !done {
			break
		}
		idx := -1
		for i, stage := range wf.StageSequence {
			if stage == wf.CurrentStage {
				idx = i
				break
			}
		}
		if idx < 0 || idx == len(wf.StageSequence)-1 {
			refreshProgress(wf, ev)
			wf.Status = domain.WorkflowCompleted
			wf.ComplianceScore = complianceScore(wf, cfg, sub)
			changed = true
			break
		}
		wf.CurrentStage = wf.StageSequence[idx+1]
		changed = true
	}
	return changed
}

// refreshProgress recomputes progress and the weighted verification
// score from the latest result per criterion across the workflow.
func refreshProgress(wf *domain.Workflow, ev rules.Evaluator) {
	var completed int
	for i := range wf.Tasks {
		if wf.Tasks[i].Status == domain.TaskCompleted {
			completed++
		}
	}
	if len(wf.Tasks) > 0 {
		wf.Progress = float64(completed) / float64(len(wf.Tasks))
	}
	latest := map[string]domain.CriterionResult{}
	var order []string
	for i := range wf.Tasks {
		for _, r := range wf.Tasks[i].Results {
			if _, seen := latest[r.Criterion]; !seen {
				order = append(order, r.Criterion)
			}
			latest[r.Criterion] = r
		}
	}
	results := make([]domain.CriterionResult, 0, len(order))
	for _, id := range order {
		results = append(results, latest[id])
	}
	wf.VerificationScore = ev.Aggregate(results)
}

// complianceScore adjusts the verification score with the standard's
// duration bonus and low-score penalty, clamped to [0,1].
func complianceScore(wf *domain.Workflow, cfg *policy.Config, sub *domain.Submission) float64 {
	std, ok := cfg.Standards[wf.Standard]
	if !ok {
		return wf.VerificationScore
	}
	score := wf.VerificationScore
	if sub != nil && sub.ProjectDuration != "" {
		if d, err := time.ParseDuration(sub.ProjectDuration); err == nil && d >= std.MinProjectDuration.Std() {
			score += std.DurationBonus
		}
	}
	if wf.VerificationScore < std.RequiredScore {
		score -= std.LowScorePenalty
	}
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}
