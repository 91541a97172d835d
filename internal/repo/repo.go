package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"canopy/internal/domain"
	"canopy/internal/policy"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const standardsConfigID = "default"

func (r Repo) InsertWorkflow(ctx context.Context, tx *sql.Tx, wf *domain.Workflow) error {
	doc, err := json.Marshal(wf)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO workflows(id,project_id,standard,status,doc_json,created_at,updated_at) VALUES (?,?,?,?,?,?,?)`,
		wf.WorkflowID, wf.ProjectID, wf.Standard, wf.Status, string(doc), wf.CreatedAt, wf.UpdatedAt)
	return err
}

func (r Repo) UpdateWorkflow(ctx context.Context, tx *sql.Tx, wf *domain.Workflow) error {
	doc, err := json.Marshal(wf)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `UPDATE workflows SET status=?, doc_json=?, updated_at=? WHERE id=?`,
		wf.Status, string(doc), wf.UpdatedAt, wf.WorkflowID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanWorkflowDoc(doc string) (*domain.Workflow, error) {
	var wf domain.Workflow
	if err := json.Unmarshal([]byte(doc), &wf); err != nil {
		return nil, err
	}
	return &wf, nil
}

func (r Repo) GetWorkflow(ctx context.Context, id string) (*domain.Workflow, error) {
	var doc string
	err := r.DB.QueryRowContext(ctx, `SELECT doc_json FROM workflows WHERE id=?`, id).Scan(&doc)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return scanWorkflowDoc(doc)
}

func (r Repo) GetWorkflowTx(ctx context.Context, tx *sql.Tx, id string) (*domain.Workflow, error) {
	var doc string
	err := tx.QueryRowContext(ctx, `SELECT doc_json FROM workflows WHERE id=?`, id).Scan(&doc)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return scanWorkflowDoc(doc)
}

type WorkflowFilters struct {
	ProjectID string
	Standard  string
	Status    string
	Limit     int
}

func (r Repo) ListWorkflows(ctx context.Context, f WorkflowFilters) ([]*domain.Workflow, error) {
	var clauses []string
	var args []any
	if f.ProjectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, f.ProjectID)
	}
	if f.Standard != "" {
		clauses = append(clauses, "standard=?")
		args = append(args, f.Standard)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT doc_json FROM workflows ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []*domain.Workflow
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		wf, err := scanWorkflowDoc(doc)
		if err != nil {
			return nil, err
		}
		res = append(res, wf)
	}
	return res, nil
}

func (r Repo) InsertSubmission(ctx context.Context, tx *sql.Tx, workflowID string, sub *domain.Submission) error {
	doc, err := json.Marshal(sub)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO submissions(workflow_id,doc_json,updated_at) VALUES (?,?,?)`,
		workflowID, string(doc), time.Now().UTC().Format(time.RFC3339))
	return err
}

func (r Repo) UpdateSubmission(ctx context.Context, tx *sql.Tx, workflowID string, sub *domain.Submission) error {
	doc, err := json.Marshal(sub)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `UPDATE submissions SET doc_json=?, updated_at=? WHERE workflow_id=?`,
		string(doc), time.Now().UTC().Format(time.RFC3339), workflowID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanSubmissionDoc(doc string) (*domain.Submission, error) {
	var sub domain.Submission
	if err := json.Unmarshal([]byte(doc), &sub); err != nil {
		return nil, err
	}
	return &sub, nil
}

func (r Repo) GetSubmission(ctx context.Context, workflowID string) (*domain.Submission, error) {
	var doc string
	err := r.DB.QueryRowContext(ctx, `SELECT doc_json FROM submissions WHERE workflow_id=?`, workflowID).Scan(&doc)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return scanSubmissionDoc(doc)
}

func (r Repo) GetSubmissionTx(ctx context.Context, tx *sql.Tx, workflowID string) (*domain.Submission, error) {
	var doc string
	err := tx.QueryRowContext(ctx, `SELECT doc_json FROM submissions WHERE workflow_id=?`, workflowID).Scan(&doc)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return scanSubmissionDoc(doc)
}

func (r Repo) InsertAction(ctx context.Context, tx *sql.Tx, workflowID string, a domain.ApprovalAction) error {
	var evidence any
	if len(a.Evidence) > 0 {
		data, err := json.Marshal(a.Evidence)
		if err != nil {
			return err
		}
		evidence = string(data)
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO approval_actions(id,workflow_id,task_id,actor_id,actor_role,decision,comment,evidence_json,ts) VALUES (?,?,?,?,?,?,?,?,?)`,
		a.ActionID, workflowID, a.TaskID, a.ActorID, a.ActorRole, a.Decision, nullable(a.Comment), evidence, a.Timestamp)
	return err
}

func (r Repo) ListActions(ctx context.Context, workflowID string) ([]domain.ApprovalAction, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,task_id,actor_id,actor_role,decision,comment,evidence_json,ts FROM approval_actions WHERE workflow_id=? ORDER BY ts ASC, id ASC`, workflowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ApprovalAction
	for rows.Next() {
		var a domain.ApprovalAction
		var comment, evidence sql.NullString
		if err := rows.Scan(&a.ActionID, &a.TaskID, &a.ActorID, &a.ActorRole, &a.Decision, &comment, &evidence, &a.Timestamp); err != nil {
			return nil, err
		}
		if comment.Valid {
			a.Comment = comment.String
		}
		if evidence.Valid {
			if err := json.Unmarshal([]byte(evidence.String), &a.Evidence); err != nil {
				return nil, err
			}
		}
		res = append(res, a)
	}
	return res, nil
}

// LastAuditHash returns the newest chain hash for a workflow, or "" when
// the chain is empty.
func (r Repo) LastAuditHash(ctx context.Context, tx *sql.Tx, workflowID string) (string, error) {
	var hash string
	err := tx.QueryRowContext(ctx, `SELECT hash FROM audit_log WHERE workflow_id=? ORDER BY seq DESC LIMIT 1`, workflowID).Scan(&hash)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return hash, err
}

func (r Repo) InsertAudit(ctx context.Context, tx *sql.Tx, workflowID string, rec domain.AuditRecord) (int64, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO audit_log(workflow_id,event_json,hash,ts) VALUES (?,?,?,?)`,
		workflowID, rec.Event, rec.Hash, rec.TS)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) ListAudit(ctx context.Context, workflowID string) ([]domain.AuditRecord, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT seq,event_json,hash,ts FROM audit_log WHERE workflow_id=? ORDER BY seq ASC`, workflowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AuditRecord
	for rows.Next() {
		var rec domain.AuditRecord
		if err := rows.Scan(&rec.Seq, &rec.Event, &rec.Hash, &rec.TS); err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, nil
}

// AuditEvent is an audit record paired with its workflow, for cursor
// consumers like the webhook dispatcher.
type AuditEvent struct {
	domain.AuditRecord
	WorkflowID string
}

// AuditAfter returns audit records with seq greater than the cursor in
// ascending order, across all workflows.
func (r Repo) AuditAfter(ctx context.Context, cursor int64, limit int) ([]AuditEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT seq,workflow_id,event_json,hash,ts FROM audit_log WHERE seq>? ORDER BY seq ASC LIMIT ?`, cursor, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []AuditEvent
	for rows.Next() {
		var e AuditEvent
		if err := rows.Scan(&e.Seq, &e.WorkflowID, &e.Event, &e.Hash, &e.TS); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, nil
}

func (r Repo) UpsertStandardsConfig(ctx context.Context, cfg *policy.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	_, err = r.DB.ExecContext(ctx, `INSERT INTO standards_config(id,config_json,created_at,updated_at) VALUES (?,?,?,?)
ON CONFLICT(id) DO UPDATE SET config_json=excluded.config_json, updated_at=excluded.updated_at`, standardsConfigID, string(payload), now, now)
	return err
}

func (r Repo) GetStandardsConfig(ctx context.Context) (*policy.Config, error) {
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT config_json FROM standards_config WHERE id=?`, standardsConfigID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var cfg policy.Config
	if err := json.Unmarshal([]byte(payload), &cfg); err != nil {
		return nil, err
	}
	return &cfg, cfg.Validate()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
