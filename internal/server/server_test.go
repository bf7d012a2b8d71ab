package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"strings"
	"testing"

	"testline/internal/config"
	"testline/internal/db"
	"testline/internal/domain"
	"testline/internal/engine"
	"testline/internal/migrate"
	"testline/internal/storage"
)

// exploration configs validate project_id as a uuid, so the fixture project
// uses one.
const testProjectID = "2c9d4e71-6a0b-4c3d-9e8f-5a1b2c3d4e5f"

const testJWTSecret = "server-test-secret"

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default(testProjectID)
	e := engine.New(conn, cfg)
	blobs, err := storage.NewLocal(t.TempDir())
	if err != nil {
		t.Fatalf("local storage: %v", err)
	}
	e.Storage = blobs
	if _, err := e.InitProject(context.Background(), testProjectID, "Checkout", "", "tester"); err != nil {
		t.Fatalf("init project: %v", err)
	}
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
		Auth:     AuthConfig{JWTSecret: testJWTSecret, AllowLegacyActorHeader: true},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func asActor(id string) map[string]string {
	return map[string]string{"X-Actor-Id": id}
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

type errEnvelope struct {
	Error apiErrorBody `json:"error"`
}

func decodeError(t *testing.T, data []byte) apiErrorBody {
	t.Helper()
	var env errEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal error envelope %q: %v", data, err)
	}
	return env.Error
}

func TestProcedureLifecycleOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	base := srv.URL + "/v0/projects/" + testProjectID

	res, data := doJSON(t, client, http.MethodPost, base+"/procedures", map[string]any{
		"name": "Checkout happy path",
		"steps": []map[string]any{
			{"action": "Open home page", "expected_result": "Page loads"},
		},
	}, asActor("tester"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create procedure status %d: %s", res.StatusCode, data)
	}
	var created ProcedureResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal procedure: %v", err)
	}
	if created.ID == "" || created.Version != 1 || !created.IsLatest {
		t.Fatalf("unexpected created procedure: %+v", created)
	}

	res, data = doJSON(t, client, http.MethodPatch, base+"/procedures/"+created.ID+"/draft", map[string]any{
		"steps": []map[string]any{
			{"action": "Open home page", "expected_result": "Page loads"},
			{"action": "Add item to cart", "expected_result": "Cart badge shows 1"},
		},
	}, asActor("tester"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("update draft status %d: %s", res.StatusCode, data)
	}

	res, data = doJSON(t, client, http.MethodGet, base+"/procedures/"+created.ID+"?draft=true", nil, asActor("tester"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get draft status %d: %s", res.StatusCode, data)
	}
	var draft ProcedureResponse
	if err := json.Unmarshal(data, &draft); err != nil {
		t.Fatalf("unmarshal draft: %v", err)
	}
	if draft.Version != 0 || len(draft.Steps) != 2 {
		t.Fatalf("unexpected draft: %+v", draft)
	}

	// the committed version must not have picked up the draft edit
	res, data = doJSON(t, client, http.MethodGet, base+"/procedures/"+created.ID, nil, asActor("tester"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get latest status %d: %s", res.StatusCode, data)
	}
	var latest ProcedureResponse
	if err := json.Unmarshal(data, &latest); err != nil {
		t.Fatalf("unmarshal latest: %v", err)
	}
	if latest.Version != 1 || len(latest.Steps) != 1 {
		t.Fatalf("committed version changed under the draft: %+v", latest)
	}

	res, data = doJSON(t, client, http.MethodPost, base+"/procedures/"+created.ID+"/commit", nil, asActor("tester"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("commit status %d: %s", res.StatusCode, data)
	}
	var committed ProcedureResponse
	if err := json.Unmarshal(data, &committed); err != nil {
		t.Fatalf("unmarshal committed: %v", err)
	}
	if committed.Version != 2 || !committed.IsLatest || len(committed.Steps) != 2 {
		t.Fatalf("unexpected committed version: %+v", committed)
	}

	res, data = doJSON(t, client, http.MethodGet, base+"/procedures/"+created.ID+"/history", nil, asActor("tester"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("history status %d: %s", res.StatusCode, data)
	}
	var history []ProcedureResponse
	if err := json.Unmarshal(data, &history); err != nil {
		t.Fatalf("unmarshal history: %v", err)
	}
	if len(history) != 2 || history[0].Version != 2 || history[1].Version != 1 {
		t.Fatalf("unexpected history: %+v", history)
	}
}

func TestRunTransitionsOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	base := srv.URL + "/v0/projects/" + testProjectID

	_, data := doJSON(t, client, http.MethodPost, base+"/procedures", map[string]any{
		"name":  "Login",
		"steps": []map[string]any{{"action": "Sign in", "expected_result": "Dashboard"}},
	}, asActor("tester"))
	var proc ProcedureResponse
	if err := json.Unmarshal(data, &proc); err != nil {
		t.Fatalf("unmarshal procedure: %v", err)
	}

	res, data := doJSON(t, client, http.MethodPost, base+"/runs", map[string]any{
		"procedure_id": proc.ID,
	}, asActor("tester"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create run status %d: %s", res.StatusCode, data)
	}
	var run domain.Run
	if err := json.Unmarshal(data, &run); err != nil {
		t.Fatalf("unmarshal run: %v", err)
	}
	if run.Status != domain.RunPending {
		t.Fatalf("expected pending run, got %s", run.Status)
	}

	// completing before starting is an invalid transition
	res, data = doJSON(t, client, http.MethodPost, base+"/runs/"+run.ID+"/complete", map[string]any{
		"outcome": "passed",
	}, asActor("tester"))
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("complete before start status %d: %s", res.StatusCode, data)
	}
	if e := decodeError(t, data); e.Code != "invalid_transition" {
		t.Fatalf("expected invalid_transition, got %+v", e)
	}

	res, data = doJSON(t, client, http.MethodPost, base+"/runs/"+run.ID+"/start", nil, asActor("tester"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("start status %d: %s", res.StatusCode, data)
	}
	if err := json.Unmarshal(data, &run); err != nil {
		t.Fatalf("unmarshal started run: %v", err)
	}
	if run.Status != domain.RunRunning || run.StartedAt == nil {
		t.Fatalf("unexpected started run: %+v", run)
	}

	res, data = doJSON(t, client, http.MethodPost, base+"/runs/"+run.ID+"/complete", map[string]any{
		"outcome": "passed",
	}, asActor("tester"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("complete status %d: %s", res.StatusCode, data)
	}
	if err := json.Unmarshal(data, &run); err != nil {
		t.Fatalf("unmarshal completed run: %v", err)
	}
	if run.Status != domain.RunPassed || run.CompletedAt == nil {
		t.Fatalf("unexpected completed run: %+v", run)
	}

	res, data = doJSON(t, client, http.MethodPost, base+"/runs/"+run.ID+"/start", nil, asActor("tester"))
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("restart of terminal run status %d: %s", res.StatusCode, data)
	}
}

func TestJobValidationOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	base := srv.URL + "/v0/projects/" + testProjectID

	res, data := doJSON(t, client, http.MethodPost, base+"/jobs", map[string]any{
		"type":   "ui_exploration",
		"config": map[string]any{},
	}, asActor("tester"))
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("invalid config status %d: %s", res.StatusCode, data)
	}
	if e := decodeError(t, data); !strings.Contains(e.Message, "endpoint_id") {
		t.Fatalf("error should name the missing field, got %+v", e)
	}

	res, data = doJSON(t, client, http.MethodPost, base+"/endpoints", map[string]any{
		"name":     "staging",
		"base_url": "https://staging.example.com",
	}, asActor("tester"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create endpoint status %d: %s", res.StatusCode, data)
	}
	var ep domain.Endpoint
	if err := json.Unmarshal(data, &ep); err != nil {
		t.Fatalf("unmarshal endpoint: %v", err)
	}

	res, data = doJSON(t, client, http.MethodPost, base+"/jobs", map[string]any{
		"type": "ui_exploration",
		"config": map[string]any{
			"endpoint_id": ep.ID,
			"project_id":  testProjectID,
		},
	}, asActor("tester"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create job status %d: %s", res.StatusCode, data)
	}
	var job domain.Job
	if err := json.Unmarshal(data, &job); err != nil {
		t.Fatalf("unmarshal job: %v", err)
	}
	if job.Status != domain.JobCreated {
		t.Fatalf("expected created job, got %s", job.Status)
	}
}

func TestTokenCapOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	var firstID string
	for i := 0; i < 5; i++ {
		res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/tokens", map[string]any{
			"name": fmt.Sprintf("ci-%d", i),
		}, asActor("tester"))
		if res.StatusCode != http.StatusCreated {
			t.Fatalf("token %d status %d: %s", i, res.StatusCode, data)
		}
		var tok TokenResponse
		if err := json.Unmarshal(data, &tok); err != nil {
			t.Fatalf("unmarshal token: %v", err)
		}
		if tok.Key == "" {
			t.Fatalf("creation response must carry the raw key")
		}
		if firstID == "" {
			firstID = tok.ID
		}
	}

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/tokens", map[string]any{"name": "extra"}, asActor("tester"))
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("sixth token status %d: %s", res.StatusCode, data)
	}
	if e := decodeError(t, data); e.Message != "maximum number of active tokens reached (limit: 5)" {
		t.Fatalf("unexpected conflict message: %+v", e)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/tokens", nil, asActor("tester"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list tokens status %d: %s", res.StatusCode, data)
	}
	var listed []TokenResponse
	if err := json.Unmarshal(data, &listed); err != nil {
		t.Fatalf("unmarshal tokens: %v", err)
	}
	if len(listed) != 5 {
		t.Fatalf("expected 5 tokens, got %d", len(listed))
	}
	for _, tok := range listed {
		if tok.Key != "" {
			t.Fatalf("list response leaked key material: %+v", tok)
		}
	}

	res, data = doJSON(t, client, http.MethodDelete, srv.URL+"/v0/tokens/"+firstID, nil, asActor("tester"))
	if res.StatusCode != http.StatusNoContent && res.StatusCode != http.StatusOK {
		t.Fatalf("delete token status %d: %s", res.StatusCode, data)
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/tokens", map[string]any{"name": "replacement"}, asActor("tester"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("token after revoke status %d: %s", res.StatusCode, data)
	}
}

func TestAuthOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("anonymous status %d: %s", res.StatusCode, data)
	}
	if e := decodeError(t, data); e.Code != "unauthorized" {
		t.Fatalf("expected unauthorized, got %+v", e)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects", nil, map[string]string{
		"Authorization": "Bearer not-a-token",
	})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad bearer status %d: %s", res.StatusCode, data)
	}

	token, err := SignActorToken("tester", testJWTSecret)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects", nil, map[string]string{
		"Authorization": "Bearer " + token,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("jwt status %d: %s", res.StatusCode, data)
	}
	var projects []ProjectResponse
	if err := json.Unmarshal(data, &projects); err != nil {
		t.Fatalf("unmarshal projects: %v", err)
	}
	if len(projects) != 1 || projects[0].ID != testProjectID {
		t.Fatalf("unexpected projects: %+v", projects)
	}

	// an api key minted over the API authenticates subsequent requests
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/tokens", map[string]any{"name": "ci"}, asActor("tester"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create token status %d: %s", res.StatusCode, data)
	}
	var tok TokenResponse
	if err := json.Unmarshal(data, &tok); err != nil {
		t.Fatalf("unmarshal token: %v", err)
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects/"+testProjectID, nil, map[string]string{
		"X-Api-Key": tok.Key,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("api key status %d: %s", res.StatusCode, data)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects", nil, map[string]string{
		"X-Api-Key": "bogus",
	})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad api key status %d: %s", res.StatusCode, data)
	}

	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health should be public, got %d", res.StatusCode)
	}
}

func TestOwnershipOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects/"+testProjectID, nil, asActor("intruder"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("intruder status %d: %s", res.StatusCode, data)
	}
	if e := decodeError(t, data); e.Code != "forbidden" {
		t.Fatalf("expected forbidden, got %+v", e)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects/no-such-project", nil, asActor("tester"))
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("missing project status %d: %s", res.StatusCode, data)
	}
	if e := decodeError(t, data); e.Code != "not_found" {
		t.Fatalf("expected not_found, got %+v", e)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects/"+testProjectID+"/runs/no-such-run", nil, asActor("tester"))
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("missing run status %d: %s", res.StatusCode, data)
	}
}

func TestAssetUploadOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	base := srv.URL + "/v0/projects/" + testProjectID

	_, data := doJSON(t, client, http.MethodPost, base+"/procedures", map[string]any{
		"name":  "Screenshots",
		"steps": []map[string]any{{"action": "Look", "expected_result": "See"}},
	}, asActor("tester"))
	var proc ProcedureResponse
	if err := json.Unmarshal(data, &proc); err != nil {
		t.Fatalf("unmarshal procedure: %v", err)
	}
	_, data = doJSON(t, client, http.MethodPost, base+"/runs", map[string]any{"procedure_id": proc.ID}, asActor("tester"))
	var run domain.Run
	if err := json.Unmarshal(data, &run); err != nil {
		t.Fatalf("unmarshal run: %v", err)
	}

	content := []byte("\x89PNG\r\n\x1a\nfake image bytes")
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreatePart(map[string][]string{
		"Content-Disposition": {`form-data; name="file"; filename="shot.png"`},
		"Content-Type":        {"image/png"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := part.Write(content); err != nil {
		t.Fatal(err)
	}
	if err := mw.WriteField("type", "image"); err != nil {
		t.Fatal(err)
	}
	if err := mw.Close(); err != nil {
		t.Fatal(err)
	}

	req, err := http.NewRequest(http.MethodPost, base+"/runs/"+run.ID+"/assets", &buf)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("X-Actor-Id", "tester")
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	data, _ = io.ReadAll(res.Body)
	res.Body.Close()
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("upload status %d: %s", res.StatusCode, data)
	}
	var asset AssetResponse
	if err := json.Unmarshal(data, &asset); err != nil {
		t.Fatalf("unmarshal asset: %v", err)
	}
	if asset.ContentType != "image/png" || asset.Size != int64(len(content)) {
		t.Fatalf("unexpected asset: %+v", asset)
	}

	res2, data := doJSON(t, client, http.MethodGet, base+"/runs/"+run.ID+"/assets", nil, asActor("tester"))
	if res2.StatusCode != http.StatusOK {
		t.Fatalf("list assets status %d: %s", res2.StatusCode, data)
	}
	var listed []AssetResponse
	if err := json.Unmarshal(data, &listed); err != nil {
		t.Fatalf("unmarshal assets: %v", err)
	}
	if len(listed) != 1 || listed[0].ID != asset.ID {
		t.Fatalf("unexpected asset list: %+v", listed)
	}

	dlReq, err := http.NewRequest(http.MethodGet, base+"/runs/"+run.ID+"/assets/"+asset.ID+"/content", nil)
	if err != nil {
		t.Fatal(err)
	}
	dlReq.Header.Set("X-Actor-Id", "tester")
	dl, err := client.Do(dlReq)
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	defer dl.Body.Close()
	body, _ := io.ReadAll(dl.Body)
	if dl.StatusCode != http.StatusOK {
		t.Fatalf("download status %d: %s", dl.StatusCode, body)
	}
	if !bytes.Equal(body, content) {
		t.Fatalf("downloaded bytes differ: %q", body)
	}
	if ct := dl.Header.Get("Content-Type"); ct != "image/png" {
		t.Fatalf("unexpected content type %q", ct)
	}
}
