package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"

	"github.com/danielgtaylor/huma/v2"
	"github.com/go-chi/chi/v5"

	"testline/internal/engine"
)

// registerAssetUpload handles the multipart upload outside huma so the body
// can be streamed and capped instead of buffered into a schema.
func registerAssetUpload(router chi.Router, basePath string, e engine.Engine) {
	route := path.Join(basePath, "projects/{project_id}/runs/{run_id}/assets")
	router.Post(route, func(w http.ResponseWriter, r *http.Request) {
		actorID, authErr := actorIDFromContext(r.Context())
		if authErr != nil {
			respondStatusError(w, authErr)
			return
		}
		projectID := chi.URLParam(r, "project_id")
		runID := chi.URLParam(r, "run_id")

		limit := e.Config.AssetMaxBytes()
		r.Body = http.MaxBytesReader(w, r.Body, limit+1<<20)
		if err := r.ParseMultipartForm(32 << 20); err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				respondStatusError(w, newAPIError(http.StatusBadRequest, "bad_request",
					fmt.Sprintf("invalid asset: upload exceeds limit %d", limit), nil))
				return
			}
			respondStatusError(w, newAPIError(http.StatusBadRequest, "bad_request", "invalid multipart form", nil))
			return
		}
		defer r.MultipartForm.RemoveAll()

		file, header, err := r.FormFile("file")
		if err != nil {
			respondStatusError(w, newAPIError(http.StatusBadRequest, "bad_request", "file part is required", nil))
			return
		}
		defer file.Close()

		assetType := r.FormValue("type")
		name := r.FormValue("name")
		if name == "" {
			name = header.Filename
		}
		contentType := header.Header.Get("Content-Type")
		if contentType == "" || contentType == "application/octet-stream" {
			buf := make([]byte, 512)
			n, _ := io.ReadFull(file, buf)
			contentType = http.DetectContentType(buf[:n])
			if _, err := file.Seek(0, io.SeekStart); err != nil {
				respondStatusError(w, newAPIError(http.StatusInternalServerError, "internal_error", "internal error", nil))
				return
			}
		}

		a, err := e.CreateAsset(r.Context(), engine.AssetCreateOptions{
			ProjectID:   projectID,
			RunID:       runID,
			Name:        name,
			Type:        assetType,
			ContentType: contentType,
			Size:        header.Size,
			Content:     file,
			ActorID:     actorID,
		})
		if err != nil {
			respondStatusError(w, handleError(err))
			return
		}
		writeJSON(w, http.StatusCreated, assetResponse(a))
	})
}

// registerAssetDownload streams the stored payload.
func registerAssetDownload(router chi.Router, basePath string, e engine.Engine) {
	route := path.Join(basePath, "projects/{project_id}/runs/{run_id}/assets/{asset_id}/content")
	router.Get(route, func(w http.ResponseWriter, r *http.Request) {
		actorID, authErr := actorIDFromContext(r.Context())
		if authErr != nil {
			respondStatusError(w, authErr)
			return
		}
		a, rc, err := e.OpenAsset(r.Context(),
			chi.URLParam(r, "project_id"), actorID,
			chi.URLParam(r, "run_id"), chi.URLParam(r, "asset_id"))
		if err != nil {
			respondStatusError(w, handleError(err))
			return
		}
		defer rc.Close()
		w.Header().Set("Content-Type", a.ContentType)
		w.Header().Set("Content-Length", fmt.Sprintf("%d", a.Size))
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", a.Name))
		io.Copy(w, rc)
	})
}

func registerAssets(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-assets",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/runs/{run_id}/assets",
		Summary:     "List assets",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		RunID     string `path:"run_id"`
	}) (*struct {
		Body []AssetResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.ListAssets(ctx, input.ProjectID, actorID, input.RunID)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]AssetResponse, 0, len(items))
		for _, a := range items {
			out = append(out, assetResponse(a))
		}
		return &struct {
			Body []AssetResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-asset",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/runs/{run_id}/assets/{asset_id}",
		Summary:     "Get asset",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		RunID     string `path:"run_id"`
		AssetID   string `path:"asset_id"`
	}) (*struct {
		Body AssetResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, err := e.GetAsset(ctx, input.ProjectID, actorID, input.RunID, input.AssetID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AssetResponse `json:"body"`
		}{Body: assetResponse(a)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-asset",
		Method:      http.MethodDelete,
		Path:        "/projects/{project_id}/runs/{run_id}/assets/{asset_id}",
		Summary:     "Delete asset",
		Description: "Removes the blob and the record.",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		RunID     string `path:"run_id"`
		AssetID   string `path:"asset_id"`
	}) (*struct{}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.DeleteAsset(ctx, input.ProjectID, actorID, input.RunID, input.AssetID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}
