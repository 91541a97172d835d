package graph

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"canopy/internal/domain"
	"canopy/internal/policy"
)

// Build turns a validated submission into a workflow: one task per stage
// policy template, every task of stage i depending on all tasks of stage
// i-1. Tasks start pending; the scheduler promotes them.
func Build(sub *domain.Submission, cfg *policy.Config, priority int, now time.Time) (*domain.Workflow, error) {
	std, ok := cfg.Standards[sub.Standard]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrInvalidStandard, sub.Standard)
	}
	if priority < 1 || priority > 5 {
		return nil, fmt.Errorf("%w: priority %d out of 1..5", domain.ErrInvalidSubmission, priority)
	}

	workflowID := uuid.New()
	created := now.UTC().Format(time.RFC3339)
	factor := cfg.PriorityFactor(priority)

	wf := &domain.Workflow{
		WorkflowID:    workflowID.String(),
		ProjectID:     sub.ProjectID,
		Standard:      sub.Standard,
		StageSequence: append([]string(nil), std.Stages...),
		CurrentStage:  std.Stages[0],
		Status:        domain.WorkflowPending,
		CreatedAt:     created,
		UpdatedAt:     created,
	}

	var prevStage []string
	latestDue := now
	for _, stage := range std.Stages {
		pol := std.Policies[stage]
		due := now.Add(time.Duration(float64(pol.SLA.Std()) * factor))
		if due.After(latestDue) {
			latestDue = due
		}
		var stageIDs []string
		for _, tpl := range pol.Tasks {
			taskID := uuid.NewSHA1(workflowID, []byte(stage+"/"+tpl.Name)).String()
			wf.Tasks = append(wf.Tasks, domain.WorkflowTask{
				TaskID:            taskID,
				Stage:             stage,
				Name:              tpl.Name,
				RequiredRole:      pol.PrimaryRole(),
				Status:            domain.TaskPending,
				Priority:          priority,
				Dependencies:      append([]string(nil), prevStage...),
				AutomatedCriteria: append([]string(nil), tpl.Criteria...),
				CreatedAt:         created,
				DueAt:             due.UTC().Format(time.RFC3339),
			})
			stageIDs = append(stageIDs, taskID)
		}
		prevStage = stageIDs
	}
	wf.SLADeadline = latestDue.UTC().Format(time.RFC3339)
	return wf, nil
}

// Ready reports whether every dependency of the task is completed and not
// rejected. Tasks with no dependencies are ready immediately.
func Ready(wf *domain.Workflow, t *domain.WorkflowTask) bool {
	for _, dep := range t.Dependencies {
		d := wf.Task(dep)
		if d == nil || d.Status != domain.TaskCompleted || d.Rejected {
			return false
		}
	}
	return true
}
