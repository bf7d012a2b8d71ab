package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"testline/internal/engine"
)

func registerProcedures(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-procedure",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/procedures",
		Summary:       "Create procedure",
		Description:   "Creates version 1 of a new lineage along with its mutable draft.",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string                 `path:"project_id"`
		Body      CreateProcedureRequest `json:"body"`
	}) (*struct {
		Body ProcedureResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.CreateProcedure(ctx, engine.ProcedureCreateOptions{
			ProjectID:   input.ProjectID,
			Name:        input.Body.Name,
			Description: input.Body.Description,
			Steps:       stepsFromRequest(input.Body.Steps),
			ActorID:     actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProcedureResponse `json:"body"`
		}{Body: procedureResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-procedures",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/procedures",
		Summary:     "List procedures",
		Description: "Returns the latest committed version of each lineage.",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body []ProcedureResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.ListProcedures(ctx, input.ProjectID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []ProcedureResponse `json:"body"`
		}{Body: mapProcedures(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-procedure",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/procedures/{procedure_id}",
		Summary:     "Get procedure",
		Description: "Returns the latest committed version, or ?version=N, or ?draft=true.",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID   string `path:"project_id"`
		ProcedureID string `path:"procedure_id"`
		Version     int    `query:"version"`
		Draft       bool   `query:"draft"`
	}) (*struct {
		Body ProcedureResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.GetProcedure(ctx, input.ProjectID, actorID, input.ProcedureID, input.Version, input.Draft)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProcedureResponse `json:"body"`
		}{Body: procedureResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-procedure-draft",
		Method:      http.MethodPatch,
		Path:        "/projects/{project_id}/procedures/{procedure_id}/draft",
		Summary:     "Update draft",
		Description: "Mutates the version-0 draft only. Committed versions are immutable.",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID   string             `path:"project_id"`
		ProcedureID string             `path:"procedure_id"`
		Body        UpdateDraftRequest `json:"body"`
	}) (*struct {
		Body ProcedureResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		_, stepsSet := rawBodyMap(ctx)["steps"]
		p, err := e.UpdateDraft(ctx, engine.ProcedureUpdateOptions{
			ProjectID:   input.ProjectID,
			LineageID:   input.ProcedureID,
			Name:        input.Body.Name,
			Description: input.Body.Description,
			Steps:       stepsFromRequest(input.Body.Steps),
			StepsSet:    stepsSet,
			ActorID:     actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProcedureResponse `json:"body"`
		}{Body: procedureResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "commit-procedure-draft",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/procedures/{procedure_id}/commit",
		Summary:       "Commit draft",
		Description:   "Promotes the draft contents to a new immutable version. Concurrent commits conflict.",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ProjectID   string `path:"project_id"`
		ProcedureID string `path:"procedure_id"`
	}) (*struct {
		Body ProcedureResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.CommitDraft(ctx, input.ProjectID, input.ProcedureID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProcedureResponse `json:"body"`
		}{Body: procedureResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reset-procedure-draft",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/procedures/{procedure_id}/reset",
		Summary:     "Reset draft",
		Description: "Copies the latest committed content back over the draft.",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID   string `path:"project_id"`
		ProcedureID string `path:"procedure_id"`
	}) (*struct {
		Body ProcedureResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.ResetDraft(ctx, input.ProjectID, input.ProcedureID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProcedureResponse `json:"body"`
		}{Body: procedureResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "procedure-history",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/procedures/{procedure_id}/history",
		Summary:     "Version history",
		Description: "Committed versions only, newest first. The draft is excluded.",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID   string `path:"project_id"`
		ProcedureID string `path:"procedure_id"`
	}) (*struct {
		Body []ProcedureResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.ProcedureHistory(ctx, input.ProjectID, actorID, input.ProcedureID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []ProcedureResponse `json:"body"`
		}{Body: mapProcedures(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-procedure",
		Method:      http.MethodDelete,
		Path:        "/projects/{project_id}/procedures/{procedure_id}",
		Summary:     "Delete procedure",
		Description: "Removes the whole lineage including all versions and the draft.",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID   string `path:"project_id"`
		ProcedureID string `path:"procedure_id"`
	}) (*struct{}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.DeleteProcedure(ctx, input.ProjectID, actorID, input.ProcedureID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}
