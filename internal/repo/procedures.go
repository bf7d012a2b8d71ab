package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"testline/internal/domain"
)

const procedureCols = `id,project_id,parent_id,name,COALESCE(description,'') AS description,version,is_latest,steps_json,created_at,updated_at`

func scanProcedure(scan func(dest ...any) error) (domain.Procedure, error) {
	var p domain.Procedure
	var parent sql.NullString
	var latest int
	var stepsJSON string
	err := scan(&p.ID, &p.ProjectID, &parent, &p.Name, &p.Description, &p.Version, &latest, &stepsJSON, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	if parent.Valid {
		p.ParentID = &parent.String
	}
	p.IsLatest = latest == 1
	if err := json.Unmarshal([]byte(stepsJSON), &p.Steps); err != nil {
		return p, fmt.Errorf("decode steps for procedure %s: %w", p.ID, err)
	}
	if p.Steps == nil {
		p.Steps = []domain.Step{}
	}
	return p, nil
}

func marshalSteps(steps []domain.Step) (string, error) {
	if steps == nil {
		steps = []domain.Step{}
	}
	b, err := json.Marshal(steps)
	if err != nil {
		return "", fmt.Errorf("encode steps: %w", err)
	}
	return string(b), nil
}

func (r Repo) InsertProcedure(ctx context.Context, tx *sql.Tx, p domain.Procedure) error {
	stepsJSON, err := marshalSteps(p.Steps)
	if err != nil {
		return err
	}
	latest := 0
	if p.IsLatest {
		latest = 1
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO procedures(id,project_id,parent_id,name,description,version,is_latest,steps_json,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?)`,
		p.ID, p.ProjectID, nullableStringPtr(p.ParentID), p.Name, nullable(p.Description), p.Version, latest, stepsJSON, p.CreatedAt, p.UpdatedAt)
	return err
}

// GetProcedureRecord fetches a single version record by its row id.
func (r Repo) GetProcedureRecord(ctx context.Context, id string) (domain.Procedure, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+procedureCols+` FROM procedures WHERE id=?`, id)
	return scanProcedure(row.Scan)
}

// LatestProcedure returns the committed version flagged is_latest for a lineage.
func (r Repo) LatestProcedure(ctx context.Context, lineageID string) (domain.Procedure, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+procedureCols+` FROM procedures WHERE (id=? OR parent_id=?) AND is_latest=1`, lineageID, lineageID)
	return scanProcedure(row.Scan)
}

// ProcedureVersion returns one committed version of a lineage.
func (r Repo) ProcedureVersion(ctx context.Context, lineageID string, version int) (domain.Procedure, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+procedureCols+` FROM procedures WHERE (id=? OR parent_id=?) AND version=?`, lineageID, lineageID, version)
	return scanProcedure(row.Scan)
}

// ProcedureDraft returns the version-0 draft of a lineage.
func (r Repo) ProcedureDraft(ctx context.Context, lineageID string) (domain.Procedure, error) {
	return r.ProcedureVersion(ctx, lineageID, 0)
}

// ProcedureHistory lists committed versions of a lineage, newest first.
func (r Repo) ProcedureHistory(ctx context.Context, lineageID string) ([]domain.Procedure, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+procedureCols+` FROM procedures WHERE (id=? OR parent_id=?) AND version>=1 ORDER BY version DESC`, lineageID, lineageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Procedure
	for rows.Next() {
		p, err := scanProcedure(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// ListLatestProcedures returns the latest committed version of every lineage in a project.
func (r Repo) ListLatestProcedures(ctx context.Context, projectID string) ([]domain.Procedure, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+procedureCols+` FROM procedures WHERE project_id=? AND is_latest=1 ORDER BY created_at DESC, id DESC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Procedure
	for rows.Next() {
		p, err := scanProcedure(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// MaxProcedureVersion returns the highest committed version in a lineage.
func (r Repo) MaxProcedureVersion(ctx context.Context, tx *sql.Tx, lineageID string) (int, error) {
	var v int
	err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version),0) FROM procedures WHERE id=? OR parent_id=?`, lineageID, lineageID).Scan(&v)
	return v, err
}

// ClearLatestProcedure flips is_latest off for the given version only.
// Returns false when another writer already advanced the lineage.
func (r Repo) ClearLatestProcedure(ctx context.Context, tx *sql.Tx, lineageID string, version int) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE procedures SET is_latest=0 WHERE (id=? OR parent_id=?) AND is_latest=1 AND version=?`,
		lineageID, lineageID, version)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// UpdateProcedureRecord rewrites the mutable fields of one record.
func (r Repo) UpdateProcedureRecord(ctx context.Context, tx *sql.Tx, id, name, description string, steps []domain.Step, now string) error {
	stepsJSON, err := marshalSteps(steps)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `UPDATE procedures SET name=?, description=?, steps_json=?, updated_at=? WHERE id=?`,
		name, nullable(description), stepsJSON, now, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteProcedureLineage removes the root and, through the FK cascade, every
// version and draft parented to it.
func (r Repo) DeleteProcedureLineage(ctx context.Context, lineageID string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM procedures WHERE id=?`, lineageID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
