package engine

import (
	"context"
	"fmt"
	"net/url"

	"github.com/google/uuid"

	"testline/internal/domain"
	"testline/internal/events"
)

// CreateEndpoint registers a target system for exploration jobs. Credentials
// are optional and handed to the agent verbatim at dispatch.
func (e Engine) CreateEndpoint(ctx context.Context, projectID, actorID, name, baseURL, description string, credentials []domain.Credential) (domain.Endpoint, error) {
	if _, err := e.RequireProjectOwner(ctx, projectID, actorID); err != nil {
		return domain.Endpoint{}, err
	}
	if name == "" {
		return domain.Endpoint{}, ValidationError{Msg: "name is required"}
	}
	if baseURL == "" {
		return domain.Endpoint{}, ValidationError{Msg: "base_url is required"}
	}
	if u, err := url.Parse(baseURL); err != nil || u.Scheme == "" || u.Host == "" {
		return domain.Endpoint{}, validationf("invalid base_url %q", baseURL)
	}
	if err := validateCredentials(credentials); err != nil {
		return domain.Endpoint{}, err
	}
	now := e.nowRFC3339()
	ep := domain.Endpoint{
		ID:          uuid.NewString(),
		ProjectID:   projectID,
		Name:        name,
		BaseURL:     baseURL,
		Description: description,
		Credentials: credentials,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Endpoint{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertEndpoint(ctx, tx, ep); err != nil {
		return domain.Endpoint{}, fmt.Errorf("insert endpoint: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "endpoint.created", projectID, "endpoint", ep.ID, actorID, events.EventPayload{"name": ep.Name}); err != nil {
		return domain.Endpoint{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Endpoint{}, err
	}
	return ep, nil
}

// GetEndpoint fetches an endpoint scoped to the project.
func (e Engine) GetEndpoint(ctx context.Context, projectID, actorID, id string) (domain.Endpoint, error) {
	if _, err := e.RequireProjectOwner(ctx, projectID, actorID); err != nil {
		return domain.Endpoint{}, err
	}
	ep, err := e.Repo.GetEndpoint(ctx, id)
	if err != nil {
		return domain.Endpoint{}, err
	}
	if ep.ProjectID != projectID {
		return domain.Endpoint{}, errNotInProject
	}
	return ep, nil
}

// ListEndpoints lists endpoints for a project.
func (e Engine) ListEndpoints(ctx context.Context, projectID, actorID string) ([]domain.Endpoint, error) {
	if _, err := e.RequireProjectOwner(ctx, projectID, actorID); err != nil {
		return nil, err
	}
	return e.Repo.ListEndpoints(ctx, projectID)
}

// UpdateEndpoint applies a partial update. A non-nil credentials pointer
// replaces the stored list.
func (e Engine) UpdateEndpoint(ctx context.Context, projectID, actorID, id, name, baseURL string, description *string, credentials *[]domain.Credential) (domain.Endpoint, error) {
	if _, err := e.GetEndpoint(ctx, projectID, actorID, id); err != nil {
		return domain.Endpoint{}, err
	}
	if baseURL != "" {
		if u, err := url.Parse(baseURL); err != nil || u.Scheme == "" || u.Host == "" {
			return domain.Endpoint{}, validationf("invalid base_url %q", baseURL)
		}
	}
	if credentials != nil {
		if err := validateCredentials(*credentials); err != nil {
			return domain.Endpoint{}, err
		}
	}
	if err := e.Repo.UpdateEndpoint(ctx, id, name, baseURL, description, credentials, e.nowRFC3339()); err != nil {
		return domain.Endpoint{}, err
	}
	if err := e.appendEvent(ctx, "endpoint.updated", projectID, "endpoint", id, actorID, nil); err != nil {
		return domain.Endpoint{}, err
	}
	return e.Repo.GetEndpoint(ctx, id)
}

func validateCredentials(credentials []domain.Credential) error {
	for _, c := range credentials {
		if c.Key == "" {
			return ValidationError{Msg: "credential key is required"}
		}
	}
	return nil
}

// DeleteEndpoint removes an endpoint.
func (e Engine) DeleteEndpoint(ctx context.Context, projectID, actorID, id string) error {
	if _, err := e.GetEndpoint(ctx, projectID, actorID, id); err != nil {
		return err
	}
	if err := e.Repo.DeleteEndpoint(ctx, id); err != nil {
		return err
	}
	return e.appendEvent(ctx, "endpoint.deleted", projectID, "endpoint", id, actorID, nil)
}
