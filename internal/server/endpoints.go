package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"testline/internal/domain"
	"testline/internal/engine"
)

func registerEndpoints(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-endpoint",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/endpoints",
		Summary:       "Create endpoint",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string                `path:"project_id"`
		Body      CreateEndpointRequest `json:"body"`
	}) (*struct {
		Body domain.Endpoint `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		ep, err := e.CreateEndpoint(ctx, input.ProjectID, actorID, input.Body.Name, input.Body.BaseURL, input.Body.Description, input.Body.Credentials)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Endpoint `json:"body"`
		}{Body: ep}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-endpoints",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/endpoints",
		Summary:     "List endpoints",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body []domain.Endpoint `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.ListEndpoints(ctx, input.ProjectID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Endpoint `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-endpoint",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/endpoints/{endpoint_id}",
		Summary:     "Get endpoint",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID  string `path:"project_id"`
		EndpointID string `path:"endpoint_id"`
	}) (*struct {
		Body domain.Endpoint `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		ep, err := e.GetEndpoint(ctx, input.ProjectID, actorID, input.EndpointID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Endpoint `json:"body"`
		}{Body: ep}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-endpoint",
		Method:      http.MethodPatch,
		Path:        "/projects/{project_id}/endpoints/{endpoint_id}",
		Summary:     "Update endpoint",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID  string                `path:"project_id"`
		EndpointID string                `path:"endpoint_id"`
		Body       UpdateEndpointRequest `json:"body"`
	}) (*struct {
		Body domain.Endpoint `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		var creds *[]domain.Credential
		if _, set := rawBodyMap(ctx)["credentials"]; set {
			creds = &input.Body.Credentials
		}
		ep, err := e.UpdateEndpoint(ctx, input.ProjectID, actorID, input.EndpointID, input.Body.Name, input.Body.BaseURL, input.Body.Description, creds)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Endpoint `json:"body"`
		}{Body: ep}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-endpoint",
		Method:      http.MethodDelete,
		Path:        "/projects/{project_id}/endpoints/{endpoint_id}",
		Summary:     "Delete endpoint",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID  string `path:"project_id"`
		EndpointID string `path:"endpoint_id"`
	}) (*struct{}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.DeleteEndpoint(ctx, input.ProjectID, actorID, input.EndpointID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}
