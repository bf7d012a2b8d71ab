package repo

import (
	"context"
	"database/sql"

	"testline/internal/domain"
)

const assetCols = `id,run_id,name,type,content_type,size,storage_path,COALESCE(url,'') AS url,created_at`

func scanAsset(scan func(dest ...any) error) (domain.Asset, error) {
	var a domain.Asset
	err := scan(&a.ID, &a.RunID, &a.Name, &a.Type, &a.ContentType, &a.Size, &a.StoragePath, &a.URL, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	return a, err
}

func (r Repo) InsertAsset(ctx context.Context, tx *sql.Tx, a domain.Asset) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO assets(id,run_id,name,type,content_type,size,storage_path,url,created_at)
VALUES (?,?,?,?,?,?,?,?,?)`,
		a.ID, a.RunID, a.Name, a.Type, a.ContentType, a.Size, a.StoragePath, nullable(a.URL), a.CreatedAt)
	return err
}

func (r Repo) GetAsset(ctx context.Context, id string) (domain.Asset, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+assetCols+` FROM assets WHERE id=?`, id)
	return scanAsset(row.Scan)
}

func (r Repo) ListAssets(ctx context.Context, runID string) ([]domain.Asset, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+assetCols+` FROM assets WHERE run_id=? ORDER BY created_at, id`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Asset
	for rows.Next() {
		a, err := scanAsset(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

func (r Repo) DeleteAsset(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM assets WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
