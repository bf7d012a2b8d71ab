package engine

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"testline/internal/config"
	"testline/internal/domain"
	"testline/internal/engine/auth"
	"testline/internal/events"
	"testline/internal/repo"
	"testline/internal/storage"
)

// JobRunner cancels in-flight job pipelines. Wired after construction by
// whoever owns the worker pool.
type JobRunner interface {
	Cancel(jobID string) bool
}

type Engine struct {
	DB      *sql.DB
	Repo    repo.Repo
	Events  events.Writer
	Config  *config.Config
	Storage storage.BlobStorage
	Runner  JobRunner
	Now     func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) nowRFC3339() string {
	return e.now().UTC().Format(time.RFC3339)
}

// errNotInProject hides resources that exist under a different project.
var errNotInProject = fmt.Errorf("%w in this project", repo.ErrNotFound)

// InvalidTransitionError reports a state change the lifecycle does not allow.
type InvalidTransitionError struct {
	Entity string
	From   string
	To     string
}

func (e InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid %s transition %s -> %s", e.Entity, e.From, e.To)
}

// ConflictError reports a lost race or an exceeded cap.
type ConflictError struct {
	Msg string
}

func (e ConflictError) Error() string { return e.Msg }

// ValidationError reports caller input the engine rejected.
type ValidationError struct {
	Msg string
}

func (e ValidationError) Error() string { return e.Msg }

func validationf(format string, args ...any) ValidationError {
	return ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// RequireProjectOwner resolves the project and checks ownership.
func (e Engine) RequireProjectOwner(ctx context.Context, projectID, actorID string) (domain.Project, error) {
	if actorID == "" {
		return domain.Project{}, auth.UnauthenticatedError{}
	}
	p, err := e.Repo.GetProject(ctx, projectID)
	if err != nil {
		return domain.Project{}, err
	}
	if p.OwnerID != actorID {
		return domain.Project{}, auth.ForbiddenError{ProjectID: projectID}
	}
	return p, nil
}

// InitProject creates a project owned by the actor, with its default config.
func (e Engine) InitProject(ctx context.Context, id, name, description, ownerID string) (domain.Project, error) {
	if ownerID == "" {
		return domain.Project{}, ValidationError{Msg: "owner is required"}
	}
	if id == "" {
		id = uuid.NewString()
	}
	if name == "" {
		name = id
	}
	now := e.nowRFC3339()
	p := domain.Project{
		ID:          id,
		Name:        name,
		Description: description,
		OwnerID:     ownerID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertProject(ctx, tx, p); err != nil {
		return domain.Project{}, fmt.Errorf("insert project: %w", err)
	}
	if err := e.Repo.UpsertProjectConfigTx(ctx, tx, p.ID, config.Default(p.ID)); err != nil {
		return domain.Project{}, fmt.Errorf("insert project config: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "project.created", p.ID, "project", p.ID, ownerID, events.EventPayload{"name": p.Name}); err != nil {
		return domain.Project{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, err
	}
	return p, nil
}

// UpdateProject applies a partial update to name/description.
func (e Engine) UpdateProject(ctx context.Context, id, actorID, name string, description *string) (domain.Project, error) {
	if _, err := e.RequireProjectOwner(ctx, id, actorID); err != nil {
		return domain.Project{}, err
	}
	if err := e.Repo.UpdateProject(ctx, id, name, description, e.nowRFC3339()); err != nil {
		return domain.Project{}, err
	}
	if err := e.appendEvent(ctx, "project.updated", id, "project", id, actorID, nil); err != nil {
		return domain.Project{}, err
	}
	return e.Repo.GetProject(ctx, id)
}

// DeleteProject removes a project and everything under it.
func (e Engine) DeleteProject(ctx context.Context, id, actorID string) error {
	if _, err := e.RequireProjectOwner(ctx, id, actorID); err != nil {
		return err
	}
	if err := e.Repo.DeleteProject(ctx, id); err != nil {
		return err
	}
	return e.appendEvent(ctx, "project.deleted", id, "project", id, actorID, nil)
}

// appendEvent records an event in its own transaction, for mutations that are
// single conditional updates rather than multi-statement transactions.
func (e Engine) appendEvent(ctx context.Context, evtType, projectID, entityKind, entityID, actorID string, payload events.EventPayload) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Events.Append(ctx, tx, evtType, projectID, entityKind, entityID, actorID, payload); err != nil {
		return err
	}
	return tx.Commit()
}
