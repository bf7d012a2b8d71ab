package engine

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"testline/internal/domain"
	"testline/internal/events"
)

// RunCreateOptions are parameters for creating a test run.
type RunCreateOptions struct {
	ProjectID   string
	ProcedureID string
	Assignee    string
	Notes       string
	ActorID     string
}

// CreateRun records a pending run against a committed procedure version.
func (e Engine) CreateRun(ctx context.Context, opts RunCreateOptions) (domain.Run, error) {
	if _, err := e.RequireProjectOwner(ctx, opts.ProjectID, opts.ActorID); err != nil {
		return domain.Run{}, err
	}
	proc, err := e.Repo.GetProcedureRecord(ctx, opts.ProcedureID)
	if err != nil {
		return domain.Run{}, err
	}
	if proc.ProjectID != opts.ProjectID {
		return domain.Run{}, errNotInProject
	}
	if proc.Version < 1 {
		return domain.Run{}, validationf("procedure %s is a draft; runs require a committed version", opts.ProcedureID)
	}
	now := e.nowRFC3339()
	run := domain.Run{
		ID:          uuid.NewString(),
		ProjectID:   opts.ProjectID,
		ProcedureID: opts.ProcedureID,
		Status:      domain.RunPending,
		Notes:       opts.Notes,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if opts.Assignee != "" {
		run.Assignee = &opts.Assignee
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Run{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertRun(ctx, tx, run); err != nil {
		return domain.Run{}, fmt.Errorf("insert run: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "run.created", run.ProjectID, "run", run.ID, opts.ActorID, events.EventPayload{
		"procedure_id": run.ProcedureID,
	}); err != nil {
		return domain.Run{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Run{}, err
	}
	return run, nil
}

// GetRun fetches a run scoped to the project.
func (e Engine) GetRun(ctx context.Context, projectID, actorID, id string) (domain.Run, error) {
	if _, err := e.RequireProjectOwner(ctx, projectID, actorID); err != nil {
		return domain.Run{}, err
	}
	run, err := e.Repo.GetRun(ctx, id)
	if err != nil {
		return domain.Run{}, err
	}
	if run.ProjectID != projectID {
		return domain.Run{}, errNotInProject
	}
	return run, nil
}

// ListRuns lists runs for a project with an optional status filter.
func (e Engine) ListRuns(ctx context.Context, projectID, actorID, status string) ([]domain.Run, error) {
	if _, err := e.RequireProjectOwner(ctx, projectID, actorID); err != nil {
		return nil, err
	}
	return e.Repo.ListRuns(ctx, projectID, status)
}

// StartRun moves a pending run to running. The update is conditional on the
// current status, so of two concurrent starters exactly one wins.
func (e Engine) StartRun(ctx context.Context, projectID, actorID, id string) (domain.Run, error) {
	if _, err := e.GetRun(ctx, projectID, actorID, id); err != nil {
		return domain.Run{}, err
	}
	now := e.nowRFC3339()
	ok, err := e.Repo.TransitionRun(ctx, id, domain.RunPending, domain.RunRunning, &now, nil, now)
	if err != nil {
		return domain.Run{}, err
	}
	if !ok {
		current, err := e.Repo.GetRun(ctx, id)
		if err != nil {
			return domain.Run{}, err
		}
		return domain.Run{}, InvalidTransitionError{Entity: "run", From: current.Status, To: domain.RunRunning}
	}
	if err := e.appendEvent(ctx, "run.started", projectID, "run", id, actorID, nil); err != nil {
		return domain.Run{}, err
	}
	return e.Repo.GetRun(ctx, id)
}

// CompleteRun moves a running run to a terminal outcome.
func (e Engine) CompleteRun(ctx context.Context, projectID, actorID, id, outcome string) (domain.Run, error) {
	if !domain.RunTerminal(outcome) {
		return domain.Run{}, validationf("invalid run outcome %q", outcome)
	}
	if _, err := e.GetRun(ctx, projectID, actorID, id); err != nil {
		return domain.Run{}, err
	}
	now := e.nowRFC3339()
	ok, err := e.Repo.TransitionRun(ctx, id, domain.RunRunning, outcome, nil, &now, now)
	if err != nil {
		return domain.Run{}, err
	}
	if !ok {
		current, err := e.Repo.GetRun(ctx, id)
		if err != nil {
			return domain.Run{}, err
		}
		return domain.Run{}, InvalidTransitionError{Entity: "run", From: current.Status, To: outcome}
	}
	if err := e.appendEvent(ctx, "run.completed", projectID, "run", id, actorID, events.EventPayload{"outcome": outcome}); err != nil {
		return domain.Run{}, err
	}
	return e.Repo.GetRun(ctx, id)
}

// UpdateRun applies a partial update; nil fields are untouched.
func (e Engine) UpdateRun(ctx context.Context, projectID, actorID, id string, assignee, notes *string) (domain.Run, error) {
	if _, err := e.GetRun(ctx, projectID, actorID, id); err != nil {
		return domain.Run{}, err
	}
	if err := e.Repo.UpdateRunFields(ctx, id, assignee, notes, e.nowRFC3339()); err != nil {
		return domain.Run{}, err
	}
	if err := e.appendEvent(ctx, "run.updated", projectID, "run", id, actorID, nil); err != nil {
		return domain.Run{}, err
	}
	return e.Repo.GetRun(ctx, id)
}

// DeleteRun removes a run and its assets.
func (e Engine) DeleteRun(ctx context.Context, projectID, actorID, id string) error {
	run, err := e.GetRun(ctx, projectID, actorID, id)
	if err != nil {
		return err
	}
	assets, err := e.Repo.ListAssets(ctx, run.ID)
	if err != nil {
		return err
	}
	if e.Storage != nil {
		for _, a := range assets {
			_ = e.Storage.Delete(ctx, a.StoragePath)
		}
	}
	if err := e.Repo.DeleteRun(ctx, id); err != nil {
		return err
	}
	return e.appendEvent(ctx, "run.deleted", projectID, "run", id, actorID, nil)
}
