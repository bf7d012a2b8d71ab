package testlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Testline HTTP API client.
type Client struct {
	BaseURL     string
	ProjectID   string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, projectID string) *Client {
	return &Client{
		BaseURL:   baseURL,
		ProjectID: projectID,
		Timeout:   10 * time.Second,
	}
}

// Step is one ordered action of a procedure.
type Step struct {
	Index          int    `json:"index"`
	Action         string `json:"action"`
	ExpectedResult string `json:"expected_result,omitempty"`
}

// Procedure represents a versioned test procedure.
type Procedure struct {
	ID          string `json:"id"`
	ProjectID   string `json:"project_id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Version     int    `json:"version"`
	IsLatest    bool   `json:"is_latest"`
	Steps       []Step `json:"steps"`
	CreatedAt   string `json:"created_at"`
	UpdatedAt   string `json:"updated_at"`
}

// Run represents a test run.
type Run struct {
	ID          string  `json:"id"`
	ProjectID   string  `json:"project_id"`
	ProcedureID string  `json:"procedure_id"`
	Status      string  `json:"status"`
	Assignee    *string `json:"assignee,omitempty"`
	Notes       string  `json:"notes,omitempty"`
	StartedAt   *string `json:"started_at,omitempty"`
	CompletedAt *string `json:"completed_at,omitempty"`
	CreatedAt   string  `json:"created_at"`
}

// Job represents an asynchronous exploration job.
type Job struct {
	ID        string `json:"id"`
	ProjectID string `json:"project_id"`
	Type      string `json:"type"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
	Summary   string `json:"summary,omitempty"`
	CreatedAt string `json:"created_at"`
}

// Asset represents a file attached to a run.
type Asset struct {
	ID          string `json:"id"`
	RunID       string `json:"run_id"`
	Name        string `json:"name"`
	Type        string `json:"type"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
	URL         string `json:"url,omitempty"`
	CreatedAt   string `json:"created_at"`
}

// Endpoint represents a target system for exploration jobs.
// Credential is one key-value pair an endpoint hands to exploration agents.
type Credential struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type Endpoint struct {
	ID          string       `json:"id"`
	ProjectID   string       `json:"project_id"`
	Name        string       `json:"name"`
	BaseURL     string       `json:"base_url"`
	Description string       `json:"description,omitempty"`
	Credentials []Credential `json:"credentials,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateProcedure creates a procedure lineage; the response is version 1.
func (c *Client) CreateProcedure(ctx context.Context, name, description string, steps []Step) (Procedure, error) {
	body := map[string]any{
		"name":        name,
		"description": description,
		"steps":       steps,
	}
	var resp Procedure
	err := c.do(ctx, http.MethodPost, c.projectPath("procedures"), body, &resp)
	return resp, err
}

// GetProcedure fetches the latest committed version of a lineage.
func (c *Client) GetProcedure(ctx context.Context, id string) (Procedure, error) {
	var resp Procedure
	err := c.do(ctx, http.MethodGet, c.projectPath("procedures/"+url.PathEscape(id)), nil, &resp)
	return resp, err
}

// GetDraft fetches the mutable draft of a lineage.
func (c *Client) GetDraft(ctx context.Context, id string) (Procedure, error) {
	var resp Procedure
	err := c.do(ctx, http.MethodGet, c.projectPath("procedures/"+url.PathEscape(id))+"?draft=true", nil, &resp)
	return resp, err
}

// CommitDraft promotes the draft to a new immutable version.
func (c *Client) CommitDraft(ctx context.Context, id string) (Procedure, error) {
	var resp Procedure
	err := c.do(ctx, http.MethodPost, c.projectPath(fmt.Sprintf("procedures/%s/commit", url.PathEscape(id))), nil, &resp)
	return resp, err
}

// History lists committed versions, newest first.
func (c *Client) History(ctx context.Context, id string) ([]Procedure, error) {
	var resp []Procedure
	err := c.do(ctx, http.MethodGet, c.projectPath(fmt.Sprintf("procedures/%s/history", url.PathEscape(id))), nil, &resp)
	return resp, err
}

// CreateRun records a pending run against a committed procedure version.
func (c *Client) CreateRun(ctx context.Context, procedureID, notes string) (Run, error) {
	body := map[string]any{
		"procedure_id": procedureID,
		"notes":        notes,
	}
	var resp Run
	err := c.do(ctx, http.MethodPost, c.projectPath("runs"), body, &resp)
	return resp, err
}

// StartRun moves a pending run to running.
func (c *Client) StartRun(ctx context.Context, id string) (Run, error) {
	var resp Run
	err := c.do(ctx, http.MethodPost, c.projectPath(fmt.Sprintf("runs/%s/start", url.PathEscape(id))), nil, &resp)
	return resp, err
}

// CompleteRun moves a running run to a terminal outcome.
func (c *Client) CompleteRun(ctx context.Context, id, outcome string) (Run, error) {
	var resp Run
	err := c.do(ctx, http.MethodPost, c.projectPath(fmt.Sprintf("runs/%s/complete", url.PathEscape(id))), map[string]any{"outcome": outcome}, &resp)
	return resp, err
}

// CreateExploration enqueues a ui_exploration job.
func (c *Client) CreateExploration(ctx context.Context, endpointID string, config map[string]any) (Job, error) {
	if config == nil {
		config = map[string]any{}
	}
	config["endpoint_id"] = endpointID
	config["project_id"] = c.ProjectID
	body := map[string]any{
		"type":   "ui_exploration",
		"config": config,
	}
	var resp Job
	err := c.do(ctx, http.MethodPost, c.projectPath("jobs"), body, &resp)
	return resp, err
}

// GetJob fetches a job.
func (c *Client) GetJob(ctx context.Context, id string) (Job, error) {
	var resp Job
	err := c.do(ctx, http.MethodGet, c.projectPath("jobs/"+url.PathEscape(id)), nil, &resp)
	return resp, err
}

// StopJob cancels a running job.
func (c *Client) StopJob(ctx context.Context, id string) (Job, error) {
	var resp Job
	err := c.do(ctx, http.MethodPost, c.projectPath(fmt.Sprintf("jobs/%s/stop", url.PathEscape(id))), nil, &resp)
	return resp, err
}

// CreateEndpoint registers a target system.
func (c *Client) CreateEndpoint(ctx context.Context, name, baseURL string, credentials []Credential) (Endpoint, error) {
	body := map[string]any{
		"name":     name,
		"base_url": baseURL,
	}
	if len(credentials) > 0 {
		body["credentials"] = credentials
	}
	var resp Endpoint
	err := c.do(ctx, http.MethodPost, c.projectPath("endpoints"), body, &resp)
	return resp, err
}

// ListAssets lists the assets of a run.
func (c *Client) ListAssets(ctx context.Context, runID string) ([]Asset, error) {
	var resp []Asset
	err := c.do(ctx, http.MethodGet, c.projectPath(fmt.Sprintf("runs/%s/assets", url.PathEscape(runID))), nil, &resp)
	return resp, err
}

// UploadAsset attaches a file to a run via multipart upload.
func (c *Client) UploadAsset(ctx context.Context, runID, name, assetType, contentType string, content io.Reader) (Asset, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	hdr := make(map[string][]string)
	hdr["Content-Disposition"] = []string{fmt.Sprintf(`form-data; name="file"; filename=%q`, name)}
	hdr["Content-Type"] = []string{contentType}
	part, err := mw.CreatePart(hdr)
	if err != nil {
		return Asset{}, err
	}
	if _, err := io.Copy(part, content); err != nil {
		return Asset{}, err
	}
	if err := mw.WriteField("type", assetType); err != nil {
		return Asset{}, err
	}
	if err := mw.Close(); err != nil {
		return Asset{}, err
	}

	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	endpoint := c.base() + "/" + c.projectPath(fmt.Sprintf("runs/%s/assets", url.PathEscape(runID)))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &buf)
	if err != nil {
		return Asset{}, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	c.applyAuth(req)
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return Asset{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return Asset{}, &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	var a Asset
	return a, json.NewDecoder(resp.Body).Decode(&a)
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	c.applyAuth(req)
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) applyAuth(req *http.Request) {
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
}

func (c *Client) projectPath(p string) string {
	project := url.PathEscape(c.ProjectID)
	return fmt.Sprintf("v0/projects/%s/%s", project, strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
