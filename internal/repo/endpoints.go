package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"testline/internal/domain"
)

const endpointCols = `id,project_id,name,base_url,COALESCE(description,'') AS description,credentials_json,created_at,updated_at`

func scanEndpoint(scan func(dest ...any) error) (domain.Endpoint, error) {
	var ep domain.Endpoint
	var credsJSON string
	err := scan(&ep.ID, &ep.ProjectID, &ep.Name, &ep.BaseURL, &ep.Description, &credsJSON, &ep.CreatedAt, &ep.UpdatedAt)
	if err == sql.ErrNoRows {
		return ep, ErrNotFound
	}
	if err != nil {
		return ep, err
	}
	if err := json.Unmarshal([]byte(credsJSON), &ep.Credentials); err != nil {
		return ep, fmt.Errorf("decode endpoint credentials: %w", err)
	}
	return ep, nil
}

func marshalCredentials(creds []domain.Credential) (string, error) {
	if creds == nil {
		creds = []domain.Credential{}
	}
	b, err := json.Marshal(creds)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (r Repo) InsertEndpoint(ctx context.Context, tx *sql.Tx, ep domain.Endpoint) error {
	credsJSON, err := marshalCredentials(ep.Credentials)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO endpoints(id,project_id,name,base_url,description,credentials_json,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?)`,
		ep.ID, ep.ProjectID, ep.Name, ep.BaseURL, nullable(ep.Description), credsJSON, ep.CreatedAt, ep.UpdatedAt)
	return err
}

func (r Repo) GetEndpoint(ctx context.Context, id string) (domain.Endpoint, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+endpointCols+` FROM endpoints WHERE id=?`, id)
	return scanEndpoint(row.Scan)
}

func (r Repo) ListEndpoints(ctx context.Context, projectID string) ([]domain.Endpoint, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+endpointCols+` FROM endpoints WHERE project_id=? ORDER BY created_at DESC, id DESC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Endpoint
	for rows.Next() {
		ep, err := scanEndpoint(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, ep)
	}
	return res, rows.Err()
}

func (r Repo) UpdateEndpoint(ctx context.Context, id string, name, baseURL string, description *string, credentials *[]domain.Credential, now string) error {
	var (
		fields []string
		args   []any
	)
	if name != "" {
		fields = append(fields, "name=?")
		args = append(args, name)
	}
	if baseURL != "" {
		fields = append(fields, "base_url=?")
		args = append(args, baseURL)
	}
	if description != nil {
		fields = append(fields, "description=?")
		args = append(args, nullable(*description))
	}
	if credentials != nil {
		credsJSON, err := marshalCredentials(*credentials)
		if err != nil {
			return err
		}
		fields = append(fields, "credentials_json=?")
		args = append(args, credsJSON)
	}
	if len(fields) == 0 {
		return nil
	}
	fields = append(fields, "updated_at=?")
	args = append(args, now, id)
	res, err := r.DB.ExecContext(ctx, fmt.Sprintf(`UPDATE endpoints SET %s WHERE id=?`, strings.Join(fields, ",")), args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DeleteEndpoint(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM endpoints WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
