package server

import (
	"encoding/json"

	"testline/internal/domain"
)

type CreateProjectRequest struct {
	ID          string `json:"id,omitempty" doc:"Optional explicit project id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

type UpdateProjectRequest struct {
	Name        *string `json:"name,omitempty"`
	Description *string `json:"description,omitempty"`
}

type ProjectResponse struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	OwnerID     string `json:"owner_id"`
	CreatedAt   string `json:"created_at" format:"date-time"`
	UpdatedAt   string `json:"updated_at" format:"date-time"`
}

func projectResponse(p domain.Project) ProjectResponse {
	return ProjectResponse{
		ID:          p.ID,
		Name:        p.Name,
		Description: p.Description,
		OwnerID:     p.OwnerID,
		CreatedAt:   p.CreatedAt,
		UpdatedAt:   p.UpdatedAt,
	}
}

func mapProjects(in []domain.Project) []ProjectResponse {
	out := make([]ProjectResponse, 0, len(in))
	for _, p := range in {
		out = append(out, projectResponse(p))
	}
	return out
}

type StepRequest struct {
	Action         string `json:"action"`
	ExpectedResult string `json:"expected_result,omitempty"`
}

type CreateProcedureRequest struct {
	Name        string        `json:"name"`
	Description string        `json:"description,omitempty"`
	Steps       []StepRequest `json:"steps,omitempty"`
}

type UpdateDraftRequest struct {
	Name        *string       `json:"name,omitempty"`
	Description *string       `json:"description,omitempty"`
	Steps       []StepRequest `json:"steps,omitempty"`
}

// ProcedureResponse exposes a lineage record. The id is the lineage id, so it
// is stable across versions.
type ProcedureResponse struct {
	ID          string        `json:"id"`
	ProjectID   string        `json:"project_id"`
	Name        string        `json:"name"`
	Description string        `json:"description,omitempty"`
	Version     int           `json:"version"`
	IsLatest    bool          `json:"is_latest"`
	Steps       []domain.Step `json:"steps"`
	CreatedAt   string        `json:"created_at" format:"date-time"`
	UpdatedAt   string        `json:"updated_at" format:"date-time"`
}

func procedureResponse(p domain.Procedure) ProcedureResponse {
	return ProcedureResponse{
		ID:          p.LineageID(),
		ProjectID:   p.ProjectID,
		Name:        p.Name,
		Description: p.Description,
		Version:     p.Version,
		IsLatest:    p.IsLatest,
		Steps:       p.Steps,
		CreatedAt:   p.CreatedAt,
		UpdatedAt:   p.UpdatedAt,
	}
}

func mapProcedures(in []domain.Procedure) []ProcedureResponse {
	out := make([]ProcedureResponse, 0, len(in))
	for _, p := range in {
		out = append(out, procedureResponse(p))
	}
	return out
}

func stepsFromRequest(in []StepRequest) []domain.Step {
	out := make([]domain.Step, 0, len(in))
	for i, s := range in {
		out = append(out, domain.Step{Index: i, Action: s.Action, ExpectedResult: s.ExpectedResult})
	}
	return out
}

type CreateRunRequest struct {
	ProcedureID string `json:"procedure_id"`
	Assignee    string `json:"assignee,omitempty"`
	Notes       string `json:"notes,omitempty"`
}

type UpdateRunRequest struct {
	Assignee *string `json:"assignee,omitempty"`
	Notes    *string `json:"notes,omitempty"`
}

type CompleteRunRequest struct {
	Outcome string `json:"outcome" enum:"passed,failed,skipped"`
}

type CreateJobRequest struct {
	Type   string          `json:"type" enum:"ui_exploration"`
	Config json.RawMessage `json:"config" jsonschema:"type=object,additionalProperties=true"`
}

type CreateEndpointRequest struct {
	Name        string              `json:"name"`
	BaseURL     string              `json:"base_url"`
	Description string              `json:"description,omitempty"`
	Credentials []domain.Credential `json:"credentials,omitempty"`
}

type UpdateEndpointRequest struct {
	Name        string              `json:"name,omitempty"`
	BaseURL     string              `json:"base_url,omitempty"`
	Description *string             `json:"description,omitempty"`
	Credentials []domain.Credential `json:"credentials,omitempty"`
}

type CreateTokenRequest struct {
	Name string `json:"name,omitempty"`
}

// TokenResponse carries the raw key exactly once, on creation.
type TokenResponse struct {
	ID        string `json:"id"`
	Name      string `json:"name,omitempty"`
	Key       string `json:"key,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

func tokenResponse(k domain.APIKey, raw string) TokenResponse {
	return TokenResponse{ID: k.ID, Name: k.Name, Key: raw, CreatedAt: k.CreatedAt}
}

type AssetResponse struct {
	ID          string `json:"id"`
	RunID       string `json:"run_id"`
	Name        string `json:"name"`
	Type        string `json:"type" enum:"image,video,binary,document"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
	URL         string `json:"url,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

func assetResponse(a domain.Asset) AssetResponse {
	return AssetResponse{
		ID:          a.ID,
		RunID:       a.RunID,
		Name:        a.Name,
		Type:        a.Type,
		ContentType: a.ContentType,
		Size:        a.Size,
		URL:         a.URL,
		CreatedAt:   a.CreatedAt,
	}
}

type EventResponse struct {
	ID         int64           `json:"id"`
	TS         string          `json:"ts" format:"date-time"`
	Type       string          `json:"type"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	ActorID    string          `json:"actor_id"`
	Payload    json.RawMessage `json:"payload,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

func mapEvents(in []domain.Event) []EventResponse {
	out := make([]EventResponse, 0, len(in))
	for _, ev := range in {
		var payload json.RawMessage
		if ev.Payload != "" {
			payload = json.RawMessage(ev.Payload)
		}
		out = append(out, EventResponse{
			ID:         ev.ID,
			TS:         ev.TS,
			Type:       ev.Type,
			EntityKind: ev.EntityKind,
			EntityID:   ev.EntityID,
			ActorID:    ev.ActorID,
			Payload:    payload,
		})
	}
	return out
}
