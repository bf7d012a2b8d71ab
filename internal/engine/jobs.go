package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"testline/internal/domain"
	"testline/internal/events"
)

const maxJobErrorLen = 1000

// JobCreateOptions are parameters for enqueueing an exploration job.
type JobCreateOptions struct {
	ProjectID string
	Type      string
	Config    json.RawMessage
	ActorID   string
}

// CreateJob validates the type and its config, persists the job as created,
// and returns immediately. Execution happens out of band in the worker pool.
func (e Engine) CreateJob(ctx context.Context, opts JobCreateOptions) (domain.Job, error) {
	if _, err := e.RequireProjectOwner(ctx, opts.ProjectID, opts.ActorID); err != nil {
		return domain.Job{}, err
	}
	if opts.Type != domain.JobTypeUIExploration {
		return domain.Job{}, validationf("invalid job type %q", opts.Type)
	}
	cfg, err := e.parseExplorationConfig(ctx, opts.ProjectID, opts.Config)
	if err != nil {
		return domain.Job{}, err
	}
	configJSON, err := json.Marshal(cfg)
	if err != nil {
		return domain.Job{}, err
	}
	now := e.nowRFC3339()
	job := domain.Job{
		ID:         uuid.NewString(),
		ProjectID:  opts.ProjectID,
		Type:       opts.Type,
		ConfigJSON: string(configJSON),
		Status:     domain.JobCreated,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Job{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertJob(ctx, tx, job); err != nil {
		return domain.Job{}, fmt.Errorf("insert job: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "job.created", job.ProjectID, "job", job.ID, opts.ActorID, events.EventPayload{
		"type": job.Type,
	}); err != nil {
		return domain.Job{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Job{}, err
	}
	return job, nil
}

func (e Engine) parseExplorationConfig(ctx context.Context, projectID string, raw json.RawMessage) (domain.ExplorationConfig, error) {
	var cfg domain.ExplorationConfig
	if len(raw) == 0 {
		return cfg, ValidationError{Msg: "invalid job config: config is required"}
	}
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return cfg, validationf("invalid job config: %v", err)
	}
	if cfg.EndpointID == "" {
		return cfg, ValidationError{Msg: "invalid job config: endpoint_id is required"}
	}
	if _, err := uuid.Parse(cfg.EndpointID); err != nil {
		return cfg, ValidationError{Msg: "invalid job config: endpoint_id must be a uuid"}
	}
	if cfg.ProjectID == "" {
		return cfg, ValidationError{Msg: "invalid job config: project_id is required"}
	}
	if _, err := uuid.Parse(cfg.ProjectID); err != nil {
		return cfg, ValidationError{Msg: "invalid job config: project_id must be a uuid"}
	}
	if cfg.ProjectID != projectID {
		return cfg, ValidationError{Msg: "invalid job config: project_id does not match the project"}
	}
	ep, err := e.Repo.GetEndpoint(ctx, cfg.EndpointID)
	if err != nil {
		return cfg, err
	}
	if ep.ProjectID != projectID {
		return cfg, errNotInProject
	}
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = e.Config.MaxSteps()
	}
	if cfg.TimeLimitSeconds <= 0 {
		cfg.TimeLimitSeconds = e.Config.TimeLimitSeconds()
	}
	return cfg, nil
}

// GetJob fetches a job scoped to the project.
func (e Engine) GetJob(ctx context.Context, projectID, actorID, id string) (domain.Job, error) {
	if _, err := e.RequireProjectOwner(ctx, projectID, actorID); err != nil {
		return domain.Job{}, err
	}
	job, err := e.Repo.GetJob(ctx, id)
	if err != nil {
		return domain.Job{}, err
	}
	if job.ProjectID != projectID {
		return domain.Job{}, errNotInProject
	}
	return job, nil
}

// ListJobs lists jobs for a project with an optional status filter.
func (e Engine) ListJobs(ctx context.Context, projectID, actorID, status string) ([]domain.Job, error) {
	if _, err := e.RequireProjectOwner(ctx, projectID, actorID); err != nil {
		return nil, err
	}
	return e.Repo.ListJobs(ctx, projectID, status)
}

// StopJob cancels a running job. Only running jobs can be stopped.
func (e Engine) StopJob(ctx context.Context, projectID, actorID, id string) (domain.Job, error) {
	if _, err := e.GetJob(ctx, projectID, actorID, id); err != nil {
		return domain.Job{}, err
	}
	ok, err := e.Repo.TransitionJob(ctx, id, domain.JobRunning, domain.JobStopped, e.nowRFC3339())
	if err != nil {
		return domain.Job{}, err
	}
	if !ok {
		current, err := e.Repo.GetJob(ctx, id)
		if err != nil {
			return domain.Job{}, err
		}
		return domain.Job{}, InvalidTransitionError{Entity: "job", From: current.Status, To: domain.JobStopped}
	}
	if e.Runner != nil {
		e.Runner.Cancel(id)
	}
	if err := e.appendEvent(ctx, "job.stopped", projectID, "job", id, actorID, nil); err != nil {
		return domain.Job{}, err
	}
	return e.Repo.GetJob(ctx, id)
}

// FailJob records a terminal failure with the error detail truncated.
func (e Engine) FailJob(ctx context.Context, id, detail string) error {
	if len(detail) > maxJobErrorLen {
		detail = detail[:maxJobErrorLen]
	}
	job, err := e.Repo.GetJob(ctx, id)
	if err != nil {
		return err
	}
	ok, err := e.Repo.FinishJob(ctx, id, domain.JobRunning, domain.JobFailed, detail, "", e.nowRFC3339())
	if err != nil {
		return err
	}
	if !ok {
		// Stopped while failing; the stop outcome stands.
		return nil
	}
	return e.appendEvent(ctx, "job.failed", job.ProjectID, "job", id, "system", events.EventPayload{"error": detail})
}

// SucceedJob records a terminal success with a result summary.
func (e Engine) SucceedJob(ctx context.Context, id, summary string) error {
	job, err := e.Repo.GetJob(ctx, id)
	if err != nil {
		return err
	}
	ok, err := e.Repo.FinishJob(ctx, id, domain.JobRunning, domain.JobSuccess, "", summary, e.nowRFC3339())
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	return e.appendEvent(ctx, "job.succeeded", job.ProjectID, "job", id, "system", events.EventPayload{"summary": summary})
}
