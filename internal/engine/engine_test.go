package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"canopy/internal/db"
	"canopy/internal/domain"
	"canopy/internal/engine"
	"canopy/internal/migrate"
	"canopy/internal/policy"
	"canopy/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
	Clock  *time.Time
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, policy.Default(), nil)
	clock := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	eng.Now = func() time.Time { return clock }
	return testEnv{Engine: eng, Ctx: context.Background(), Clock: &clock}
}

func (env *testEnv) advance(d time.Duration) {
	*env.Clock = env.Clock.Add(d)
}

// cleanSubmission passes every automated check on community_forest.
func cleanSubmission() *domain.Submission {
	return &domain.Submission{
		ProjectID:       "proj-mangrove-1",
		EcosystemType:   "mangrove",
		Standard:        "community_forest",
		AreaHectares:    12.5,
		Latitude:        -6.2,
		Longitude:       106.8,
		DeclaredTrees:   10000,
		DeclaredCarbonT: 840.0,
		ProjectDuration: "26280h",
		Species:         []string{"Rhizophora mucronata", "Avicennia marina"},
		Documents: []string{
			"land_tenure", "planting_plan", "species_inventory",
			"monitoring_plan", "baseline_assessment",
		},
		Evidence: map[string]any{
			"observed_latitude":      -6.2,
			"observed_longitude":     106.8,
			"surveyed_trees":         float64(9200),
			"surveyed_area_hectares": 12.1,
		},
	}
}

// verraSubmission has an incomplete document set so document_review stays
// below its auto-approval threshold.
func verraSubmission() *domain.Submission {
	sub := cleanSubmission()
	sub.ProjectID = "proj-verra-1"
	sub.Standard = "verra_vcs"
	sub.Documents = []string{"land_tenure", "planting_plan", "species_inventory"}
	return sub
}

func taskByName(wf *domain.Workflow, name string) *domain.WorkflowTask {
	for i := range wf.Tasks {
		if wf.Tasks[i].Name == name {
			return &wf.Tasks[i]
		}
	}
	return nil
}

func auditCount(t *testing.T, env testEnv, workflowID string) int {
	t.Helper()
	records, err := env.Engine.AuditTrail(env.Ctx, workflowID)
	if err != nil {
		t.Fatalf("audit trail: %v", err)
	}
	return len(records)
}

func TestCreateWorkflowBuildsStageGraph(t *testing.T) {
	env := newTestEnv(t)
	wf, err := env.Engine.CreateWorkflow(env.Ctx, verraSubmission(), 0)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if wf.Status != domain.WorkflowPending {
		t.Fatalf("expected pending, got %s", wf.Status)
	}
	if wf.CurrentStage != "document_review" {
		t.Fatalf("expected first stage, got %s", wf.CurrentStage)
	}
	// verra has 4 stages, satellite_verification carries two tasks
	if len(wf.Tasks) != 5 {
		t.Fatalf("expected 5 tasks, got %d", len(wf.Tasks))
	}
	doc := taskByName(wf, "document_review")
	if len(doc.Dependencies) != 0 {
		t.Fatalf("first-stage task has dependencies")
	}
	expert := taskByName(wf, "expert_review")
	if len(expert.Dependencies) != 2 {
		t.Fatalf("expert_review should depend on both satellite tasks, got %d", len(expert.Dependencies))
	}
	if n := auditCount(t, env, wf.WorkflowID); n != 1 {
		t.Fatalf("expected genesis audit record, got %d", n)
	}
}

func TestCreateWorkflowRejectsBadInput(t *testing.T) {
	env := newTestEnv(t)
	bad := cleanSubmission()
	bad.Standard = "unknown_standard"
	if _, err := env.Engine.CreateWorkflow(env.Ctx, bad, 0); !errors.Is(err, domain.ErrInvalidStandard) {
		t.Fatalf("expected ErrInvalidStandard, got %v", err)
	}
	bad = cleanSubmission()
	bad.EcosystemType = "desert"
	if _, err := env.Engine.CreateWorkflow(env.Ctx, bad, 0); !errors.Is(err, domain.ErrInvalidSubmission) {
		t.Fatalf("expected ErrInvalidSubmission, got %v", err)
	}
	bad = cleanSubmission()
	bad.DeclaredTrees = 0
	if _, err := env.Engine.CreateWorkflow(env.Ctx, bad, 0); !errors.Is(err, domain.ErrInvalidSubmission) {
		t.Fatalf("expected ErrInvalidSubmission for zero trees, got %v", err)
	}
}

// A config can name a criterion no registered implementation backs. That
// has to surface at creation, not as a zero score on a later tick.
func TestCreateWorkflowRejectsUnregisteredCriterion(t *testing.T) {
	env := newTestEnv(t)
	cfg, err := policy.FromYAML([]byte(droneConfigYAML))
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if err := env.Engine.Repo.UpsertStandardsConfig(env.Ctx, cfg); err != nil {
		t.Fatalf("import config: %v", err)
	}
	sub := cleanSubmission()
	sub.Standard = "drone_survey"
	if _, err := env.Engine.CreateWorkflow(env.Ctx, sub, 0); !errors.Is(err, domain.ErrInvalidStandard) {
		t.Fatalf("expected ErrInvalidStandard for unregistered criterion, got %v", err)
	}
	workflows, err := env.Engine.List(env.Ctx, repo.WorkflowFilters{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(workflows) != 0 {
		t.Fatalf("rejected creation must not persist a workflow, got %d", len(workflows))
	}
}

const droneConfigYAML = `criteria:
  weights:
    documentation_completeness: 0.5
    canopy_density_scan: 0.5
evaluation:
  criterion_timeout: 5s
standards:
  drone_survey:
    stages: [review]
    min_project_duration: 720h
    duration_bonus: 0.02
    required_score: 0.50
    low_score_penalty: 0.05
    policies:
      review:
        tasks:
          - name: drone_review
            criteria: [canopy_density_scan]
        required_approvals:
          - {role: reviewer, count: 1}
        auto_approval_thresholds: {}
        sla: 72h
        escalation_role: lead_reviewer
        escalation_extension: 24h
`

func TestAutoApproveCompletesBasicReview(t *testing.T) {
	env := newTestEnv(t)
	wf, err := env.Engine.CreateWorkflow(env.Ctx, cleanSubmission(), 0)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	wf, changed, err := env.Engine.Tick(env.Ctx, wf.WorkflowID)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if !changed {
		t.Fatalf("expected tick to change state")
	}
	if wf.Status != domain.WorkflowCompleted {
		t.Fatalf("expected completed, got %s", wf.Status)
	}
	task := taskByName(wf, "basic_review")
	if task.Status != domain.TaskCompleted {
		t.Fatalf("expected task completed, got %s", task.Status)
	}
	if len(task.Decisions) != 1 || task.Decisions[0].Decision != domain.DecisionAutoApprove {
		t.Fatalf("expected one auto_approve decision, got %+v", task.Decisions)
	}
	if task.Decisions[0].ActorID != domain.SystemActor {
		t.Fatalf("auto approval should be recorded for the system actor")
	}
	if wf.Progress != 1.0 {
		t.Fatalf("expected progress 1.0, got %v", wf.Progress)
	}
	// perfect evidence, duration bonus, clamped to 1
	if wf.ComplianceScore < 0.99 {
		t.Fatalf("expected compliance ~1.0, got %v", wf.ComplianceScore)
	}
}

func TestTickIdempotentWhenNothingChanges(t *testing.T) {
	env := newTestEnv(t)
	wf, err := env.Engine.CreateWorkflow(env.Ctx, verraSubmission(), 0)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	wf, changed, err := env.Engine.Tick(env.Ctx, wf.WorkflowID)
	if err != nil || !changed {
		t.Fatalf("first tick: changed=%v err=%v", changed, err)
	}
	before := auditCount(t, env, wf.WorkflowID)
	wf2, changed, err := env.Engine.Tick(env.Ctx, wf.WorkflowID)
	if err != nil {
		t.Fatalf("second tick: %v", err)
	}
	if changed {
		t.Fatalf("expected no change on repeated tick")
	}
	if after := auditCount(t, env, wf.WorkflowID); after != before {
		t.Fatalf("idempotent tick wrote audit records: %d -> %d", before, after)
	}
	if wf2.UpdatedAt != wf.UpdatedAt {
		t.Fatalf("idempotent tick touched updated_at")
	}
}

func TestManualApprovalAdvancesStage(t *testing.T) {
	env := newTestEnv(t)
	wf, err := env.Engine.CreateWorkflow(env.Ctx, verraSubmission(), 0)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	wf, _, err = env.Engine.Tick(env.Ctx, wf.WorkflowID)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	task := taskByName(wf, "document_review")
	if task.Status != domain.TaskInProgress {
		t.Fatalf("expected document_review in_progress, got %s", task.Status)
	}
	if len(task.Results) == 0 {
		t.Fatalf("expected criterion results after tick")
	}
	wf, err = env.Engine.SubmitDecision(env.Ctx, wf.WorkflowID, task.TaskID, "alice", "registry_analyst", domain.DecisionApprove, "docs acceptable", nil)
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if got := taskByName(wf, "document_review").Status; got != domain.TaskCompleted {
		t.Fatalf("expected completed after approval, got %s", got)
	}
	if wf.CurrentStage != "field_data_validation" {
		t.Fatalf("expected stage advance, got %s", wf.CurrentStage)
	}
	// next stage tasks stay pending until the scheduler promotes them
	if got := taskByName(wf, "field_data_validation").Status; got != domain.TaskPending {
		t.Fatalf("expected field_data_validation pending, got %s", got)
	}
}

func TestDecisionGuards(t *testing.T) {
	env := newTestEnv(t)
	wf, err := env.Engine.CreateWorkflow(env.Ctx, verraSubmission(), 0)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	doc := taskByName(wf, "document_review")
	// pending task refuses decisions
	if _, err := env.Engine.SubmitDecision(env.Ctx, wf.WorkflowID, doc.TaskID, "alice", "registry_analyst", domain.DecisionApprove, "", nil); !errors.Is(err, domain.ErrTaskNotReady) {
		t.Fatalf("expected ErrTaskNotReady, got %v", err)
	}
	wf, _, err = env.Engine.Tick(env.Ctx, wf.WorkflowID)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if _, err := env.Engine.SubmitDecision(env.Ctx, wf.WorkflowID, doc.TaskID, "mallory", "janitor", domain.DecisionApprove, "", nil); !errors.Is(err, domain.ErrUnauthorizedRole) {
		t.Fatalf("expected ErrUnauthorizedRole, got %v", err)
	}
	if _, err := env.Engine.SubmitDecision(env.Ctx, wf.WorkflowID, doc.TaskID, "alice", "registry_analyst", "shrug", "", nil); !errors.Is(err, domain.ErrUnknownDecision) {
		t.Fatalf("expected ErrUnknownDecision, got %v", err)
	}
	if _, err := env.Engine.SubmitDecision(env.Ctx, wf.WorkflowID, "nope", "alice", "registry_analyst", domain.DecisionApprove, "", nil); !errors.Is(err, domain.ErrTaskNotFound) {
		t.Fatalf("expected ErrTaskNotFound, got %v", err)
	}
}

func TestRejectTerminatesWorkflow(t *testing.T) {
	env := newTestEnv(t)
	wf, err := env.Engine.CreateWorkflow(env.Ctx, verraSubmission(), 0)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	wf, _, err = env.Engine.Tick(env.Ctx, wf.WorkflowID)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	doc := taskByName(wf, "document_review")
	wf, err = env.Engine.SubmitDecision(env.Ctx, wf.WorkflowID, doc.TaskID, "alice", "registry_analyst", domain.DecisionReject, "tenure docs forged", nil)
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if wf.Status != domain.WorkflowRejected {
		t.Fatalf("expected rejected, got %s", wf.Status)
	}
	if !taskByName(wf, "document_review").Rejected {
		t.Fatalf("expected task flagged rejected")
	}
	// downstream stages never start
	if got := taskByName(wf, "expert_review").Status; got != domain.TaskPending {
		t.Fatalf("expected expert_review untouched, got %s", got)
	}
	if _, err := env.Engine.SubmitDecision(env.Ctx, wf.WorkflowID, doc.TaskID, "bob", "registry_analyst", domain.DecisionApprove, "", nil); !errors.Is(err, domain.ErrTerminalWorkflow) {
		t.Fatalf("expected ErrTerminalWorkflow, got %v", err)
	}
	if _, changed, err := env.Engine.Tick(env.Ctx, wf.WorkflowID); err != nil || changed {
		t.Fatalf("tick on terminal workflow: changed=%v err=%v", changed, err)
	}
}

func TestRejectMidStageKeepsDownstreamPending(t *testing.T) {
	env := newTestEnv(t)
	sub := verraSubmission()
	sub.Standard = "gold_standard" // 3 stages, one task each
	wf, err := env.Engine.CreateWorkflow(env.Ctx, sub, 0)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	wf, _, err = env.Engine.Tick(env.Ctx, wf.WorkflowID)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	doc := taskByName(wf, "document_review")
	wf, err = env.Engine.SubmitDecision(env.Ctx, wf.WorkflowID, doc.TaskID, "alice", "registry_analyst", domain.DecisionApprove, "", nil)
	if err != nil {
		t.Fatalf("approve stage 1: %v", err)
	}
	wf, _, err = env.Engine.Tick(env.Ctx, wf.WorkflowID)
	if err != nil {
		t.Fatalf("promote stage 2: %v", err)
	}
	field := taskByName(wf, "field_data_validation")
	if field.Status != domain.TaskInProgress {
		t.Fatalf("expected stage 2 in_progress, got %s", field.Status)
	}
	wf, err = env.Engine.SubmitDecision(env.Ctx, wf.WorkflowID, field.TaskID, "frank", "field_auditor", domain.DecisionReject, "plots fabricated", nil)
	if err != nil {
		t.Fatalf("reject stage 2: %v", err)
	}
	if wf.Status != domain.WorkflowRejected {
		t.Fatalf("expected rejected, got %s", wf.Status)
	}
	if got := taskByName(wf, "expert_review").Status; got != domain.TaskPending {
		t.Fatalf("stage 3 must stay pending forever, got %s", got)
	}
	if got := taskByName(wf, "document_review").Status; got != domain.TaskCompleted {
		t.Fatalf("completed stage 1 must be retained, got %s", got)
	}
}

func TestSLAEscalation(t *testing.T) {
	env := newTestEnv(t)
	wf, err := env.Engine.CreateWorkflow(env.Ctx, verraSubmission(), 0)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	wf, _, err = env.Engine.Tick(env.Ctx, wf.WorkflowID)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	doc := taskByName(wf, "document_review")
	originalDue, _ := time.Parse(time.RFC3339, doc.DueAt)

	env.advance(73 * time.Hour) // document_review SLA is 72h
	wf, changed, err := env.Engine.Tick(env.Ctx, wf.WorkflowID)
	if err != nil || !changed {
		t.Fatalf("overdue tick: changed=%v err=%v", changed, err)
	}
	doc = taskByName(wf, "document_review")
	if doc.RequiredRole != "senior_registry_analyst" {
		t.Fatalf("expected escalation role, got %s", doc.RequiredRole)
	}
	if doc.Priority != 4 {
		t.Fatalf("expected priority bump to 4, got %d", doc.Priority)
	}
	newDue, _ := time.Parse(time.RFC3339, doc.DueAt)
	if !newDue.After(originalDue) {
		t.Fatalf("expected extended deadline, %s -> %s", originalDue, newDue)
	}
	if len(wf.Escalations) != 1 {
		t.Fatalf("expected exactly one escalation record, got %d", len(wf.Escalations))
	}
	rec := wf.Escalations[0]
	if rec.FromRole != "registry_analyst" || rec.ToRole != "senior_registry_analyst" || rec.Reason != "sla_overdue" {
		t.Fatalf("unexpected escalation record %+v", rec)
	}

	// repeated tick before the new deadline does not re-escalate
	if _, changed, err := env.Engine.Tick(env.Ctx, wf.WorkflowID); err != nil || changed {
		t.Fatalf("expected idle tick after escalation: changed=%v err=%v", changed, err)
	}

	// one approval from the escalation role resolves the task
	wf, err = env.Engine.SubmitDecision(env.Ctx, wf.WorkflowID, doc.TaskID, "senior-sam", "senior_registry_analyst", domain.DecisionApprove, "", nil)
	if err != nil {
		t.Fatalf("escalated approve: %v", err)
	}
	if got := taskByName(wf, "document_review").Status; got != domain.TaskCompleted {
		t.Fatalf("expected completion via escalation role, got %s", got)
	}
}

func TestRequestRevisionAndResubmit(t *testing.T) {
	env := newTestEnv(t)
	sub := verraSubmission()
	wf, err := env.Engine.CreateWorkflow(env.Ctx, sub, 0)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	wf, _, err = env.Engine.Tick(env.Ctx, wf.WorkflowID)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	doc := taskByName(wf, "document_review")
	resultsBefore := len(doc.Results)

	wf, err = env.Engine.SubmitDecision(env.Ctx, wf.WorkflowID, doc.TaskID, "alice", "registry_analyst", domain.DecisionRequestRevision, "monitoring plan missing", nil)
	if err != nil {
		t.Fatalf("request revision: %v", err)
	}
	if wf.Status != domain.WorkflowRequiresAction {
		t.Fatalf("expected requires_action, got %s", wf.Status)
	}

	wf, err = env.Engine.Resubmit(env.Ctx, wf.WorkflowID, "owner", map[string]any{
		"monitoring_plan_uploaded": true,
	})
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if wf.Status != domain.WorkflowInProgress {
		t.Fatalf("expected in_progress after resubmit, got %s", wf.Status)
	}
	stored, err := env.Engine.Repo.GetSubmission(env.Ctx, wf.WorkflowID)
	if err != nil {
		t.Fatalf("get submission: %v", err)
	}
	if len(stored.Revisions) != 1 {
		t.Fatalf("expected one revision, got %d", len(stored.Revisions))
	}

	// the next tick re-evaluates the revised task
	wf, changed, err := env.Engine.Tick(env.Ctx, wf.WorkflowID)
	if err != nil || !changed {
		t.Fatalf("re-evaluation tick: changed=%v err=%v", changed, err)
	}
	doc = taskByName(wf, "document_review")
	if len(doc.Results) <= resultsBefore {
		t.Fatalf("expected fresh results after resubmit, %d -> %d", resultsBefore, len(doc.Results))
	}
	// Resubmit on an in_progress workflow is a conflict
	if _, err := env.Engine.Resubmit(env.Ctx, wf.WorkflowID, "owner", map[string]any{"x": 1}); !errors.Is(err, domain.ErrWorkflowNotActive) {
		t.Fatalf("expected ErrWorkflowNotActive, got %v", err)
	}
}

func TestDeferRecordsActionOnly(t *testing.T) {
	env := newTestEnv(t)
	wf, err := env.Engine.CreateWorkflow(env.Ctx, verraSubmission(), 0)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	wf, _, err = env.Engine.Tick(env.Ctx, wf.WorkflowID)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	doc := taskByName(wf, "document_review")
	before := doc.DueAt
	wf, err = env.Engine.SubmitDecision(env.Ctx, wf.WorkflowID, doc.TaskID, "alice", "registry_analyst", domain.DecisionDefer, "awaiting registry response", nil)
	if err != nil {
		t.Fatalf("defer: %v", err)
	}
	doc = taskByName(wf, "document_review")
	if doc.DueAt != before {
		t.Fatalf("defer must not move the deadline: %s -> %s", before, doc.DueAt)
	}
	if doc.Status != domain.TaskInProgress {
		t.Fatalf("defer should keep the task in_progress, got %s", doc.Status)
	}
	if wf.Status != domain.WorkflowInProgress {
		t.Fatalf("defer should not change workflow status, got %s", wf.Status)
	}
	if got := doc.Decisions[len(doc.Decisions)-1].Decision; got != domain.DecisionDefer {
		t.Fatalf("expected the defer recorded, got %s", got)
	}

	// the SLA clock keeps running through a defer
	env.advance(73 * time.Hour)
	wf, _, err = env.Engine.Tick(env.Ctx, wf.WorkflowID)
	if err != nil {
		t.Fatalf("tick past deadline: %v", err)
	}
	doc = taskByName(wf, "document_review")
	if doc.RequiredRole != "senior_registry_analyst" {
		t.Fatalf("expected escalation at the original deadline, got role %s", doc.RequiredRole)
	}
	if len(wf.Escalations) != 1 {
		t.Fatalf("expected one escalation record, got %d", len(wf.Escalations))
	}
}

func TestCancelWorkflow(t *testing.T) {
	env := newTestEnv(t)
	wf, err := env.Engine.CreateWorkflow(env.Ctx, verraSubmission(), 0)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	wf, err = env.Engine.Cancel(env.Ctx, wf.WorkflowID, "admin", "project withdrawn")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if wf.Status != domain.WorkflowRejected {
		t.Fatalf("expected rejected, got %s", wf.Status)
	}
	if wf.CancelReason != "project withdrawn" {
		t.Fatalf("expected reason recorded, got %q", wf.CancelReason)
	}
	if _, err := env.Engine.Cancel(env.Ctx, wf.WorkflowID, "admin", ""); !errors.Is(err, domain.ErrTerminalWorkflow) {
		t.Fatalf("expected ErrTerminalWorkflow, got %v", err)
	}
}

func TestPriorityScalesDeadlines(t *testing.T) {
	env := newTestEnv(t)
	urgent, err := env.Engine.CreateWorkflow(env.Ctx, verraSubmission(), 5)
	if err != nil {
		t.Fatalf("create urgent: %v", err)
	}
	relaxed := verraSubmission()
	relaxed.ProjectID = "proj-verra-2"
	slow, err := env.Engine.CreateWorkflow(env.Ctx, relaxed, 1)
	if err != nil {
		t.Fatalf("create relaxed: %v", err)
	}
	urgentDue, _ := time.Parse(time.RFC3339, taskByName(urgent, "document_review").DueAt)
	slowDue, _ := time.Parse(time.RFC3339, taskByName(slow, "document_review").DueAt)
	// 72h SLA: factor 0.5 vs 1.5
	if got := urgentDue.Sub(*env.Clock); got != 36*time.Hour {
		t.Fatalf("expected 36h deadline at priority 5, got %s", got)
	}
	if got := slowDue.Sub(*env.Clock); got != 108*time.Hour {
		t.Fatalf("expected 108h deadline at priority 1, got %s", got)
	}
}

func TestDistinctApproversRequired(t *testing.T) {
	env := newTestEnv(t)
	cfg, err := policy.FromYAML([]byte(panelConfigYAML))
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if err := env.Engine.Repo.UpsertStandardsConfig(env.Ctx, cfg); err != nil {
		t.Fatalf("import config: %v", err)
	}
	sub := cleanSubmission()
	sub.Standard = "panel_review"
	wf, err := env.Engine.CreateWorkflow(env.Ctx, sub, 0)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	wf, _, err = env.Engine.Tick(env.Ctx, wf.WorkflowID)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	task := taskByName(wf, "panel_vote")

	wf, err = env.Engine.SubmitDecision(env.Ctx, wf.WorkflowID, task.TaskID, "alice", "reviewer", domain.DecisionApprove, "", nil)
	if err != nil {
		t.Fatalf("first approve: %v", err)
	}
	if got := taskByName(wf, "panel_vote").Status; got != domain.TaskInProgress {
		t.Fatalf("one of two approvals should not complete, got %s", got)
	}
	// same approver again does not count twice; task still terminal-free
	// once completed, so approve before completion
	wf, err = env.Engine.SubmitDecision(env.Ctx, wf.WorkflowID, task.TaskID, "alice", "reviewer", domain.DecisionApprove, "", nil)
	if err != nil {
		t.Fatalf("duplicate approve: %v", err)
	}
	if got := taskByName(wf, "panel_vote").Status; got != domain.TaskInProgress {
		t.Fatalf("duplicate approver must not complete the task, got %s", got)
	}
	wf, err = env.Engine.SubmitDecision(env.Ctx, wf.WorkflowID, task.TaskID, "bob", "reviewer", domain.DecisionApprove, "", nil)
	if err != nil {
		t.Fatalf("second approve: %v", err)
	}
	if got := taskByName(wf, "panel_vote").Status; got != domain.TaskCompleted {
		t.Fatalf("expected completion after two distinct approvers, got %s", got)
	}
	if wf.Status != domain.WorkflowCompleted {
		t.Fatalf("expected workflow completed, got %s", wf.Status)
	}
}

const panelConfigYAML = `criteria:
  weights:
    documentation_completeness: 1.0
evaluation:
  criterion_timeout: 5s
standards:
  panel_review:
    stages: [review]
    min_project_duration: 720h
    duration_bonus: 0.02
    required_score: 0.50
    low_score_penalty: 0.05
    policies:
      review:
        tasks:
          - name: panel_vote
            criteria: []
        required_approvals:
          - {role: reviewer, count: 2}
        auto_approval_thresholds: {}
        sla: 72h
        escalation_role: lead_reviewer
        escalation_extension: 24h
`

func TestAuditChainTamperDetection(t *testing.T) {
	env := newTestEnv(t)
	wf, err := env.Engine.CreateWorkflow(env.Ctx, verraSubmission(), 0)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, _, err := env.Engine.Tick(env.Ctx, wf.WorkflowID); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if err := env.Engine.VerifyAudit(env.Ctx, wf.WorkflowID); err != nil {
		t.Fatalf("expected intact chain: %v", err)
	}
	_, err = env.Engine.DB.ExecContext(env.Ctx,
		`UPDATE audit_log SET event_json=? WHERE workflow_id=? AND seq=(SELECT MIN(seq) FROM audit_log WHERE workflow_id=?)`,
		`{"type":"workflow_created","tampered":true}`, wf.WorkflowID, wf.WorkflowID)
	if err != nil {
		t.Fatalf("tamper: %v", err)
	}
	if err := env.Engine.VerifyAudit(env.Ctx, wf.WorkflowID); err == nil {
		t.Fatalf("expected verification failure after tampering")
	}
}
