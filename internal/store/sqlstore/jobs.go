package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/PiotrMackowski/ClosedSTIG/internal/audit"
	"github.com/PiotrMackowski/ClosedSTIG/internal/finding"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const jobColumns = `id, name, target_id, definition_id, status, started_at, completed_at, error_message, group_id, created_by, created_at`

// CreateJob inserts a job.
func (s *Store) CreateJob(ctx context.Context, j *audit.Job) error {
	return s.insertJob(ctx, s.db, j)
}

func (s *Store) insertJob(ctx context.Context, q execer, j *audit.Job) error {
	_, err := s.exec(ctx, q,
		`INSERT INTO audit_jobs (`+jobColumns+`) VALUES (`+placeholders(11)+`)`,
		j.ID, j.Name, j.TargetID, j.DefinitionID, string(j.Status),
		nullTime(j.StartedAt), nullTime(j.CompletedAt), j.ErrorMessage,
		j.GroupID, j.CreatedBy, formatTime(j.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// GetJob retrieves a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (*audit.Job, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+jobColumns+` FROM audit_jobs WHERE id = ?`), id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("job", id)
	}
	return j, err
}

// ListJobs returns jobs newest first, optionally restricted to a target.
func (s *Store) ListJobs(ctx context.Context, targetID string) ([]audit.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM audit_jobs`
	var args []any
	if targetID != "" {
		query += ` WHERE target_id = ?`
		args = append(args, targetID)
	}
	query += ` ORDER BY created_at DESC, id`
	return s.queryJobs(ctx, query, args...)
}

// ListGroupJobs returns the member jobs of a group.
func (s *Store) ListGroupJobs(ctx context.Context, groupID string) ([]audit.Job, error) {
	return s.queryJobs(ctx, `SELECT `+jobColumns+` FROM audit_jobs WHERE group_id = ? ORDER BY created_at, id`, groupID)
}

func (s *Store) queryJobs(ctx context.Context, query string, args ...any) ([]audit.Job, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	out := []audit.Job{}
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *j)
	}
	return out, rows.Err()
}

func scanJob(row scanner) (*audit.Job, error) {
	var (
		j                  audit.Job
		status             string
		started, completed sql.NullString
		createdRaw         string
	)
	err := row.Scan(&j.ID, &j.Name, &j.TargetID, &j.DefinitionID, &status, &started, &completed,
		&j.ErrorMessage, &j.GroupID, &j.CreatedBy, &createdRaw)
	if err != nil {
		return nil, err
	}
	j.Status = audit.JobStatus(status)
	j.StartedAt = parseNullTime(started)
	j.CompletedAt = parseNullTime(completed)
	j.CreatedAt = parseTime(createdRaw)
	return &j, nil
}

// TransitionJob is a single conditional UPDATE, so concurrent callers
// cannot both move the same job out of the same state.
func (s *Store) TransitionJob(ctx context.Context, id string, from []audit.JobStatus, to audit.JobStatus, errMsg string) error {
	var allowed []any
	for _, f := range from {
		if audit.CanTransition(f, to) {
			allowed = append(allowed, string(f))
		}
	}
	if len(allowed) == 0 {
		return audit.ErrInvalidTransition
	}

	now := formatTime(time.Now())
	var (
		set  string
		args []any
	)
	switch {
	case to == audit.JobRunning:
		set = `status = ?, started_at = ?`
		args = []any{string(to), now}
	case to == audit.JobFailed:
		set = `status = ?, completed_at = ?, error_message = ?`
		args = []any{string(to), now, errMsg}
	default:
		set = `status = ?, completed_at = ?`
		args = []any{string(to), now}
	}
	args = append(args, id)
	args = append(args, allowed...)

	res, err := s.exec(ctx, s.db,
		`UPDATE audit_jobs SET `+set+` WHERE id = ? AND status IN (`+placeholders(len(allowed))+`)`,
		args...)
	if err != nil {
		return fmt.Errorf("transition job %s to %s: %w", id, to, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}

	if _, err := s.GetJob(ctx, id); err != nil {
		return err
	}
	return audit.ErrInvalidTransition
}

// CompleteJob flips RUNNING → COMPLETED, inserts the results and stamps the
// target in one transaction. If the job was cancelled meanwhile the update
// matches nothing and the transaction is rolled back.
func (s *Store) CompleteJob(ctx context.Context, jobID string, results []finding.Result) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	now := formatTime(time.Now())
	res, err := s.exec(ctx, tx,
		`UPDATE audit_jobs SET status = ?, completed_at = ? WHERE id = ? AND status = ?`,
		string(audit.JobCompleted), now, jobID, string(audit.JobRunning))
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return audit.ErrJobNotRunning
	}

	if len(results) > 0 {
		stmt, err := tx.PrepareContext(ctx, s.rebind(`INSERT INTO audit_results
			(id, job_id, seq, rule_id, title, severity, status, finding_details, comments, checked_at)
			VALUES (`+placeholders(10)+`)`))
		if err != nil {
			return fmt.Errorf("prepare result insert: %w", err)
		}
		defer stmt.Close()

		for i, r := range results {
			r.Normalize()
			if r.ID == "" {
				r.ID = uuid.NewString()
			}
			checked := r.CheckedAt
			if checked.IsZero() {
				checked = time.Now()
			}
			if _, err := stmt.ExecContext(ctx, r.ID, jobID, i, r.RuleID, r.Title, string(r.Severity),
				string(r.Status), r.FindingDetails, r.Comments, formatTime(checked)); err != nil {
				return fmt.Errorf("insert result %s: %w", r.RuleID, err)
			}
		}
	}

	if _, err := s.exec(ctx, tx,
		`UPDATE targets SET last_audit_at = ? WHERE id = (SELECT target_id FROM audit_jobs WHERE id = ?)`,
		now, jobID); err != nil {
		return fmt.Errorf("stamp target: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	s.logger.WithFields(logrus.Fields{
		"job_id":  jobID,
		"results": len(results),
	}).Debug("Audit results stored")
	return nil
}

// CreateGroup inserts a group and all its jobs in one transaction.
func (s *Store) CreateGroup(ctx context.Context, g *audit.Group, jobs []*audit.Job) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := s.exec(ctx, tx,
		`INSERT INTO audit_groups (id, name, target_id, total_jobs, created_by, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		g.ID, g.Name, g.TargetID, g.TotalJobs, g.CreatedBy, formatTime(g.CreatedAt)); err != nil {
		return fmt.Errorf("insert group: %w", err)
	}
	for _, j := range jobs {
		if err := s.insertJob(ctx, tx, j); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// GetGroup retrieves a group by id.
func (s *Store) GetGroup(ctx context.Context, id string) (*audit.Group, error) {
	var (
		g          audit.Group
		createdRaw string
	)
	err := s.db.QueryRowContext(ctx,
		s.rebind(`SELECT id, name, target_id, total_jobs, created_by, created_at FROM audit_groups WHERE id = ?`), id).
		Scan(&g.ID, &g.Name, &g.TargetID, &g.TotalJobs, &g.CreatedBy, &createdRaw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("group", id)
	}
	if err != nil {
		return nil, err
	}
	g.CreatedAt = parseTime(createdRaw)
	return &g, nil
}

// ListResults returns a job's results in evaluation order.
func (s *Store) ListResults(ctx context.Context, jobID string) ([]finding.Result, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT id, job_id, rule_id, title, severity, status,
		finding_details, comments, checked_at FROM audit_results WHERE job_id = ? ORDER BY seq`), jobID)
	if err != nil {
		return nil, fmt.Errorf("list results: %w", err)
	}
	defer rows.Close()

	out := []finding.Result{}
	for rows.Next() {
		var (
			r                          finding.Result
			severity, status, checkRaw string
		)
		if err := rows.Scan(&r.ID, &r.JobID, &r.RuleID, &r.Title, &severity, &status,
			&r.FindingDetails, &r.Comments, &checkRaw); err != nil {
			return nil, err
		}
		r.Severity = finding.Severity(severity)
		r.Status = finding.Status(status)
		r.CheckedAt = parseTime(checkRaw)
		out = append(out, r)
	}
	return out, rows.Err()
}

// AddResultComment appends comment on a new line.
func (s *Store) AddResultComment(ctx context.Context, resultID, comment string) error {
	res, err := s.exec(ctx, s.db,
		`UPDATE audit_results SET comments = CASE WHEN comments = '' THEN ? ELSE comments || ? END WHERE id = ?`,
		comment, "\n"+comment, resultID)
	if err != nil {
		return fmt.Errorf("add comment: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound("result", resultID)
	}
	return nil
}
