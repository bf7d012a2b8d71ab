package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"testline/internal/domain"
)

const runCols = `id,project_id,procedure_id,status,assignee,COALESCE(notes,'') AS notes,started_at,completed_at,created_at,updated_at`

func scanRun(scan func(dest ...any) error) (domain.Run, error) {
	var run domain.Run
	var assignee, startedAt, completedAt sql.NullString
	err := scan(&run.ID, &run.ProjectID, &run.ProcedureID, &run.Status, &assignee, &run.Notes, &startedAt, &completedAt, &run.CreatedAt, &run.UpdatedAt)
	if err == sql.ErrNoRows {
		return run, ErrNotFound
	}
	if err != nil {
		return run, err
	}
	if assignee.Valid {
		run.Assignee = &assignee.String
	}
	if startedAt.Valid {
		run.StartedAt = &startedAt.String
	}
	if completedAt.Valid {
		run.CompletedAt = &completedAt.String
	}
	return run, nil
}

func (r Repo) InsertRun(ctx context.Context, tx *sql.Tx, run domain.Run) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO runs(id,project_id,procedure_id,status,assignee,notes,started_at,completed_at,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?)`,
		run.ID, run.ProjectID, run.ProcedureID, run.Status, nullableStringPtr(run.Assignee), nullable(run.Notes),
		nullableStringPtr(run.StartedAt), nullableStringPtr(run.CompletedAt), run.CreatedAt, run.UpdatedAt)
	return err
}

func (r Repo) GetRun(ctx context.Context, id string) (domain.Run, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+runCols+` FROM runs WHERE id=?`, id)
	return scanRun(row.Scan)
}

func (r Repo) ListRuns(ctx context.Context, projectID, status string) ([]domain.Run, error) {
	clauses := []string{"project_id=?"}
	args := []any{projectID}
	if status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, status)
	}
	query := `SELECT ` + runCols + ` FROM runs WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at DESC, id DESC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Run
	for rows.Next() {
		run, err := scanRun(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, run)
	}
	return res, rows.Err()
}

// TransitionRun moves a run between statuses with a conditional update so
// concurrent writers cannot both win. Returns false when the run was not in
// the expected status.
func (r Repo) TransitionRun(ctx context.Context, id, from, to string, startedAt, completedAt *string, now string) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `UPDATE runs SET status=?,
started_at=COALESCE(?,started_at), completed_at=COALESCE(?,completed_at), updated_at=?
WHERE id=? AND status=?`,
		to, nullableStringPtr(startedAt), nullableStringPtr(completedAt), now, id, from)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// UpdateRunFields applies a partial update; unspecified fields keep their value.
func (r Repo) UpdateRunFields(ctx context.Context, id string, assignee *string, notes *string, now string) error {
	var (
		fields []string
		args   []any
	)
	if assignee != nil {
		fields = append(fields, "assignee=?")
		args = append(args, nullable(*assignee))
	}
	if notes != nil {
		fields = append(fields, "notes=?")
		args = append(args, nullable(*notes))
	}
	if len(fields) == 0 {
		return nil
	}
	fields = append(fields, "updated_at=?")
	args = append(args, now, id)
	res, err := r.DB.ExecContext(ctx, fmt.Sprintf(`UPDATE runs SET %s WHERE id=?`, strings.Join(fields, ",")), args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DeleteRun(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM runs WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
