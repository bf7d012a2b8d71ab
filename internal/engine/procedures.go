package engine

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"testline/internal/domain"
	"testline/internal/events"
)

// ProcedureCreateOptions are parameters for starting a new lineage.
type ProcedureCreateOptions struct {
	ProjectID   string
	Name        string
	Description string
	Steps       []domain.Step
	ActorID     string
}

// CreateProcedure writes the first committed version and its draft in one
// transaction. The returned record is version 1 of the new lineage.
func (e Engine) CreateProcedure(ctx context.Context, opts ProcedureCreateOptions) (domain.Procedure, error) {
	if opts.Name == "" {
		return domain.Procedure{}, ValidationError{Msg: "name is required"}
	}
	if _, err := e.RequireProjectOwner(ctx, opts.ProjectID, opts.ActorID); err != nil {
		return domain.Procedure{}, err
	}
	now := e.nowRFC3339()
	root := domain.Procedure{
		ID:          uuid.NewString(),
		ProjectID:   opts.ProjectID,
		Name:        opts.Name,
		Description: opts.Description,
		Version:     1,
		IsLatest:    true,
		Steps:       normalizeSteps(opts.Steps),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	draft := root
	draft.ID = uuid.NewString()
	draft.ParentID = &root.ID
	draft.Version = 0
	draft.IsLatest = false

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Procedure{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertProcedure(ctx, tx, root); err != nil {
		return domain.Procedure{}, fmt.Errorf("insert procedure: %w", err)
	}
	if err := e.Repo.InsertProcedure(ctx, tx, draft); err != nil {
		return domain.Procedure{}, fmt.Errorf("insert draft: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "procedure.created", root.ProjectID, "procedure", root.ID, opts.ActorID, events.EventPayload{
		"name": root.Name, "version": root.Version,
	}); err != nil {
		return domain.Procedure{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Procedure{}, err
	}
	return root, nil
}

// GetProcedure resolves a lineage to its latest committed version, a specific
// version, or the draft.
func (e Engine) GetProcedure(ctx context.Context, projectID, actorID, lineageID string, version int, draft bool) (domain.Procedure, error) {
	if _, err := e.RequireProjectOwner(ctx, projectID, actorID); err != nil {
		return domain.Procedure{}, err
	}
	var (
		p   domain.Procedure
		err error
	)
	switch {
	case draft:
		p, err = e.Repo.ProcedureDraft(ctx, lineageID)
	case version > 0:
		p, err = e.Repo.ProcedureVersion(ctx, lineageID, version)
	default:
		p, err = e.Repo.LatestProcedure(ctx, lineageID)
	}
	if err != nil {
		return domain.Procedure{}, err
	}
	if p.ProjectID != projectID {
		return domain.Procedure{}, errNotInProject
	}
	return p, nil
}

// ProcedureUpdateOptions carry the mutable draft fields. Nil means unchanged.
type ProcedureUpdateOptions struct {
	ProjectID   string
	LineageID   string
	Name        *string
	Description *string
	Steps       []domain.Step
	StepsSet    bool
	ActorID     string
}

// UpdateDraft mutates only the version-0 record. Committed versions are
// immutable.
func (e Engine) UpdateDraft(ctx context.Context, opts ProcedureUpdateOptions) (domain.Procedure, error) {
	if _, err := e.RequireProjectOwner(ctx, opts.ProjectID, opts.ActorID); err != nil {
		return domain.Procedure{}, err
	}
	draft, err := e.Repo.ProcedureDraft(ctx, opts.LineageID)
	if err != nil {
		return domain.Procedure{}, err
	}
	if draft.ProjectID != opts.ProjectID {
		return domain.Procedure{}, errNotInProject
	}
	if opts.Name != nil {
		if *opts.Name == "" {
			return domain.Procedure{}, ValidationError{Msg: "name must not be empty"}
		}
		draft.Name = *opts.Name
	}
	if opts.Description != nil {
		draft.Description = *opts.Description
	}
	if opts.StepsSet {
		draft.Steps = normalizeSteps(opts.Steps)
	}
	draft.UpdatedAt = e.nowRFC3339()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Procedure{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateProcedureRecord(ctx, tx, draft.ID, draft.Name, draft.Description, draft.Steps, draft.UpdatedAt); err != nil {
		return domain.Procedure{}, err
	}
	if err := e.Events.Append(ctx, tx, "procedure.draft.updated", draft.ProjectID, "procedure", opts.LineageID, opts.ActorID, nil); err != nil {
		return domain.Procedure{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Procedure{}, err
	}
	return draft, nil
}

// CommitDraft promotes the draft contents to a new immutable version.
// Promotion is serialized per lineage: the is_latest flag is cleared with a
// conditional update, so of two concurrent commits exactly one wins and the
// other gets a conflict.
func (e Engine) CommitDraft(ctx context.Context, projectID, lineageID, actorID string) (domain.Procedure, error) {
	if _, err := e.RequireProjectOwner(ctx, projectID, actorID); err != nil {
		return domain.Procedure{}, err
	}
	draft, err := e.Repo.ProcedureDraft(ctx, lineageID)
	if err != nil {
		return domain.Procedure{}, err
	}
	if draft.ProjectID != projectID {
		return domain.Procedure{}, errNotInProject
	}
	latest, err := e.Repo.LatestProcedure(ctx, lineageID)
	if err != nil {
		return domain.Procedure{}, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Procedure{}, err
	}
	defer tx.Rollback()

	maxVersion, err := e.Repo.MaxProcedureVersion(ctx, tx, lineageID)
	if err != nil {
		return domain.Procedure{}, err
	}
	ok, err := e.Repo.ClearLatestProcedure(ctx, tx, lineageID, latest.Version)
	if err != nil {
		return domain.Procedure{}, err
	}
	if !ok {
		return domain.Procedure{}, ConflictError{Msg: fmt.Sprintf("procedure %s was committed concurrently", lineageID)}
	}
	now := e.nowRFC3339()
	next := domain.Procedure{
		ID:          uuid.NewString(),
		ProjectID:   draft.ProjectID,
		ParentID:    &lineageID,
		Name:        draft.Name,
		Description: draft.Description,
		Version:     maxVersion + 1,
		IsLatest:    true,
		Steps:       draft.Steps,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := e.Repo.InsertProcedure(ctx, tx, next); err != nil {
		return domain.Procedure{}, fmt.Errorf("insert version: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "procedure.committed", next.ProjectID, "procedure", lineageID, actorID, events.EventPayload{
		"version": next.Version,
	}); err != nil {
		return domain.Procedure{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Procedure{}, err
	}
	return next, nil
}

// ResetDraft copies the latest committed content back over the draft.
func (e Engine) ResetDraft(ctx context.Context, projectID, lineageID, actorID string) (domain.Procedure, error) {
	if _, err := e.RequireProjectOwner(ctx, projectID, actorID); err != nil {
		return domain.Procedure{}, err
	}
	draft, err := e.Repo.ProcedureDraft(ctx, lineageID)
	if err != nil {
		return domain.Procedure{}, err
	}
	if draft.ProjectID != projectID {
		return domain.Procedure{}, errNotInProject
	}
	latest, err := e.Repo.LatestProcedure(ctx, lineageID)
	if err != nil {
		return domain.Procedure{}, err
	}
	draft.Name = latest.Name
	draft.Description = latest.Description
	draft.Steps = latest.Steps
	draft.UpdatedAt = e.nowRFC3339()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Procedure{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateProcedureRecord(ctx, tx, draft.ID, draft.Name, draft.Description, draft.Steps, draft.UpdatedAt); err != nil {
		return domain.Procedure{}, err
	}
	if err := e.Events.Append(ctx, tx, "procedure.draft.reset", draft.ProjectID, "procedure", lineageID, actorID, events.EventPayload{
		"from_version": latest.Version,
	}); err != nil {
		return domain.Procedure{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Procedure{}, err
	}
	return draft, nil
}

// ProcedureHistory lists committed versions, newest first.
func (e Engine) ProcedureHistory(ctx context.Context, projectID, actorID, lineageID string) ([]domain.Procedure, error) {
	if _, err := e.RequireProjectOwner(ctx, projectID, actorID); err != nil {
		return nil, err
	}
	history, err := e.Repo.ProcedureHistory(ctx, lineageID)
	if err != nil {
		return nil, err
	}
	if len(history) == 0 {
		return nil, errNotInProject
	}
	if history[0].ProjectID != projectID {
		return nil, errNotInProject
	}
	return history, nil
}

// ListProcedures returns the latest committed version per lineage.
func (e Engine) ListProcedures(ctx context.Context, projectID, actorID string) ([]domain.Procedure, error) {
	if _, err := e.RequireProjectOwner(ctx, projectID, actorID); err != nil {
		return nil, err
	}
	return e.Repo.ListLatestProcedures(ctx, projectID)
}

// DeleteProcedure removes a whole lineage.
func (e Engine) DeleteProcedure(ctx context.Context, projectID, actorID, lineageID string) error {
	if _, err := e.RequireProjectOwner(ctx, projectID, actorID); err != nil {
		return err
	}
	root, err := e.Repo.GetProcedureRecord(ctx, lineageID)
	if err != nil {
		return err
	}
	if root.ProjectID != projectID {
		return errNotInProject
	}
	if err := e.Repo.DeleteProcedureLineage(ctx, lineageID); err != nil {
		return err
	}
	return e.appendEvent(ctx, "procedure.deleted", projectID, "procedure", lineageID, actorID, nil)
}

func normalizeSteps(steps []domain.Step) []domain.Step {
	if steps == nil {
		return []domain.Step{}
	}
	for i := range steps {
		steps[i].Index = i
	}
	return steps
}
