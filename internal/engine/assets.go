package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/google/uuid"

	"testline/internal/domain"
	"testline/internal/events"
	"testline/internal/storage"
)

// AssetCreateOptions are parameters for attaching evidence to a run.
type AssetCreateOptions struct {
	ProjectID   string
	RunID       string
	Name        string
	Type        string
	ContentType string
	Size        int64
	Content     io.Reader
	ActorID     string
	// Screenshot applies the tighter step screenshot cap.
	Screenshot bool
}

// CreateAsset stores the payload in blob storage and records the asset row.
// Uploads to runs in terminal status are allowed; evidence is typically
// attached after completion.
func (e Engine) CreateAsset(ctx context.Context, opts AssetCreateOptions) (domain.Asset, error) {
	if e.Storage == nil {
		return domain.Asset{}, errors.New("blob storage not configured")
	}
	run, err := e.GetRun(ctx, opts.ProjectID, opts.ActorID, opts.RunID)
	if err != nil {
		return domain.Asset{}, err
	}
	if opts.Name == "" {
		return domain.Asset{}, ValidationError{Msg: "name is required"}
	}
	if !domain.ValidAssetType(opts.Type) {
		return domain.Asset{}, validationf("invalid asset type %q", opts.Type)
	}
	if !contentTypeMatches(opts.Type, opts.ContentType) {
		return domain.Asset{}, validationf("invalid content type %q for asset type %s", opts.ContentType, opts.Type)
	}
	limit := e.Config.AssetMaxBytes()
	if opts.Screenshot {
		limit = e.Config.ScreenshotMaxBytes()
	}
	if opts.Size > limit {
		return domain.Asset{}, validationf("invalid asset: size %d exceeds limit %d", opts.Size, limit)
	}

	id := uuid.NewString()
	storagePath := path.Join("runs", run.ID, id+"_"+path.Base(opts.Name))
	if err := e.Storage.Upload(ctx, storagePath, opts.Content); err != nil {
		return domain.Asset{}, fmt.Errorf("upload asset: %w", err)
	}
	url, err := e.Storage.URL(ctx, storagePath)
	if err != nil && !errors.Is(err, storage.ErrFileNotFound) {
		return domain.Asset{}, err
	}
	a := domain.Asset{
		ID:          id,
		RunID:       run.ID,
		Name:        opts.Name,
		Type:        opts.Type,
		ContentType: opts.ContentType,
		Size:        opts.Size,
		StoragePath: storagePath,
		URL:         url,
		CreatedAt:   e.nowRFC3339(),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		e.cleanupBlob(ctx, storagePath)
		return domain.Asset{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertAsset(ctx, tx, a); err != nil {
		e.cleanupBlob(ctx, storagePath)
		return domain.Asset{}, fmt.Errorf("insert asset: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "asset.created", opts.ProjectID, "asset", a.ID, opts.ActorID, events.EventPayload{
		"run_id": run.ID, "type": a.Type, "size": a.Size,
	}); err != nil {
		e.cleanupBlob(ctx, storagePath)
		return domain.Asset{}, err
	}
	if err := tx.Commit(); err != nil {
		e.cleanupBlob(ctx, storagePath)
		return domain.Asset{}, err
	}
	return a, nil
}

func (e Engine) cleanupBlob(ctx context.Context, storagePath string) {
	_ = e.Storage.Delete(ctx, storagePath)
}

// GetAsset fetches an asset scoped through its run to the project.
func (e Engine) GetAsset(ctx context.Context, projectID, actorID, runID, assetID string) (domain.Asset, error) {
	if _, err := e.GetRun(ctx, projectID, actorID, runID); err != nil {
		return domain.Asset{}, err
	}
	a, err := e.Repo.GetAsset(ctx, assetID)
	if err != nil {
		return domain.Asset{}, err
	}
	if a.RunID != runID {
		return domain.Asset{}, errNotInProject
	}
	return a, nil
}

// ListAssets lists the assets of a run.
func (e Engine) ListAssets(ctx context.Context, projectID, actorID, runID string) ([]domain.Asset, error) {
	if _, err := e.GetRun(ctx, projectID, actorID, runID); err != nil {
		return nil, err
	}
	return e.Repo.ListAssets(ctx, runID)
}

// OpenAsset returns the asset row and a reader over its payload.
func (e Engine) OpenAsset(ctx context.Context, projectID, actorID, runID, assetID string) (domain.Asset, io.ReadCloser, error) {
	a, err := e.GetAsset(ctx, projectID, actorID, runID, assetID)
	if err != nil {
		return domain.Asset{}, nil, err
	}
	rc, err := e.Storage.Download(ctx, a.StoragePath)
	if err != nil {
		return domain.Asset{}, nil, err
	}
	return a, rc, nil
}

// DeleteAsset removes the blob and the row.
func (e Engine) DeleteAsset(ctx context.Context, projectID, actorID, runID, assetID string) error {
	a, err := e.GetAsset(ctx, projectID, actorID, runID, assetID)
	if err != nil {
		return err
	}
	if err := e.Storage.Delete(ctx, a.StoragePath); err != nil && !errors.Is(err, storage.ErrFileNotFound) {
		return err
	}
	if err := e.Repo.DeleteAsset(ctx, assetID); err != nil {
		return err
	}
	return e.appendEvent(ctx, "asset.deleted", projectID, "asset", assetID, actorID, nil)
}

// contentTypeMatches checks the declared asset type against the payload's
// content type. Binary accepts anything.
func contentTypeMatches(assetType, contentType string) bool {
	ct := strings.ToLower(strings.TrimSpace(contentType))
	switch assetType {
	case domain.AssetImage:
		return strings.HasPrefix(ct, "image/")
	case domain.AssetVideo:
		return strings.HasPrefix(ct, "video/")
	case domain.AssetDocument:
		return strings.HasPrefix(ct, "text/") ||
			ct == "application/pdf" ||
			ct == "application/json" ||
			strings.HasPrefix(ct, "application/vnd")
	case domain.AssetBinary:
		return ct != ""
	}
	return false
}
