package repo

import (
	"context"
	"database/sql"
	"strings"

	"testline/internal/domain"
)

const jobCols = `id,project_id,type,config_json,status,COALESCE(error,'') AS error,COALESCE(summary,'') AS summary,dispatched,started_at,completed_at,created_at,updated_at`

func scanJob(scan func(dest ...any) error) (domain.Job, error) {
	var j domain.Job
	var dispatched int
	var startedAt, completedAt sql.NullString
	err := scan(&j.ID, &j.ProjectID, &j.Type, &j.ConfigJSON, &j.Status, &j.Error, &j.Summary, &dispatched, &startedAt, &completedAt, &j.CreatedAt, &j.UpdatedAt)
	if err == sql.ErrNoRows {
		return j, ErrNotFound
	}
	if err != nil {
		return j, err
	}
	j.Dispatched = dispatched == 1
	if startedAt.Valid {
		j.StartedAt = &startedAt.String
	}
	if completedAt.Valid {
		j.CompletedAt = &completedAt.String
	}
	return j, nil
}

func (r Repo) InsertJob(ctx context.Context, tx *sql.Tx, j domain.Job) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO jobs(id,project_id,type,config_json,status,error,summary,dispatched,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,0,?,?)`,
		j.ID, j.ProjectID, j.Type, j.ConfigJSON, j.Status, nullable(j.Error), nullable(j.Summary), j.CreatedAt, j.UpdatedAt)
	return err
}

func (r Repo) GetJob(ctx context.Context, id string) (domain.Job, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+jobCols+` FROM jobs WHERE id=?`, id)
	return scanJob(row.Scan)
}

func (r Repo) ListJobs(ctx context.Context, projectID, status string) ([]domain.Job, error) {
	clauses := []string{"project_id=?"}
	args := []any{projectID}
	if status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, status)
	}
	query := `SELECT ` + jobCols + ` FROM jobs WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at DESC, id DESC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Job
	for rows.Next() {
		j, err := scanJob(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, j)
	}
	return res, rows.Err()
}

// NextCreatedJob returns the oldest undispatched job, or ErrNotFound.
func (r Repo) NextCreatedJob(ctx context.Context) (domain.Job, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+jobCols+` FROM jobs WHERE status=? AND dispatched=0 ORDER BY created_at, id LIMIT 1`, domain.JobCreated)
	return scanJob(row.Scan)
}

// ClaimJob marks a created job running and sets the dispatch marker in one
// conditional update. Returns false when another worker claimed it first.
func (r Repo) ClaimJob(ctx context.Context, id, now string) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `UPDATE jobs SET status=?, dispatched=1, started_at=?, updated_at=? WHERE id=? AND status=? AND dispatched=0`,
		domain.JobRunning, now, now, id, domain.JobCreated)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// TransitionJob moves a job between statuses conditionally.
func (r Repo) TransitionJob(ctx context.Context, id, from, to string, now string) (bool, error) {
	completed := any(nil)
	if domain.JobTerminal(to) {
		completed = now
	}
	res, err := r.DB.ExecContext(ctx, `UPDATE jobs SET status=?, completed_at=COALESCE(?,completed_at), updated_at=? WHERE id=? AND status=?`,
		to, completed, now, id, from)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// FinishJob records the terminal state with summary or error detail.
func (r Repo) FinishJob(ctx context.Context, id, from, to, errDetail, summary, now string) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `UPDATE jobs SET status=?, error=?, summary=?, completed_at=?, updated_at=? WHERE id=? AND status=?`,
		to, nullable(errDetail), nullable(summary), now, now, id, from)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}
