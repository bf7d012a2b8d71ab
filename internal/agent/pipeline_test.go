package agent_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"testline/internal/agent"
	"testline/internal/config"
	"testline/internal/db"
	"testline/internal/domain"
	"testline/internal/engine"
	"testline/internal/migrate"
	"testline/internal/storage"
)

const testProjectID = "4f6b2c10-8d3e-4a5b-9c7d-1e2f3a4b5c6d"

type pipelineEnv struct {
	Engine   engine.Engine
	Pipeline *agent.Pipeline
	Endpoint domain.Endpoint
	Ctx      context.Context
}

// newPipelineEnv builds an engine whose agent command is a shell stub.
func newPipelineEnv(t *testing.T, script string, creds ...domain.Credential) pipelineEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default(testProjectID)
	cfg.Agent.Command = "sh"
	cfg.Agent.Args = []string{"-c", script}
	cfg.Agent.TimeLimitSeconds = 10
	eng := engine.New(conn, cfg)
	blobs, err := storage.NewLocal(t.TempDir())
	if err != nil {
		t.Fatalf("local storage: %v", err)
	}
	eng.Storage = blobs
	ctx := context.Background()
	if _, err := eng.InitProject(ctx, testProjectID, "test", "", "tester"); err != nil {
		t.Fatalf("init project: %v", err)
	}
	ep, err := eng.CreateEndpoint(ctx, testProjectID, "tester", "staging", "https://staging.example.com", "", creds)
	if err != nil {
		t.Fatalf("create endpoint: %v", err)
	}
	return pipelineEnv{
		Engine:   eng,
		Pipeline: agent.NewPipeline(eng, nil),
		Endpoint: ep,
		Ctx:      ctx,
	}
}

func claimJob(t *testing.T, env pipelineEnv) domain.Job {
	t.Helper()
	job := createJob(t, env)
	claimed, err := env.Engine.Repo.ClaimJob(env.Ctx, job.ID, time.Now().UTC().Format(time.RFC3339))
	if err != nil || !claimed {
		t.Fatalf("claim: %v claimed=%v", err, claimed)
	}
	job.Status = domain.JobRunning
	return job
}

func createJob(t *testing.T, env pipelineEnv) domain.Job {
	t.Helper()
	job, err := env.Engine.CreateJob(env.Ctx, engine.JobCreateOptions{
		ProjectID: testProjectID,
		Type:      domain.JobTypeUIExploration,
		Config:    json.RawMessage(`{"endpoint_id":"` + env.Endpoint.ID + `","project_id":"` + testProjectID + `"}`),
		ActorID:   "tester",
	})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	return job
}

func TestExecuteMaterializesResult(t *testing.T) {
	script := `cat > /dev/null; printf '%s' '{"procedure_name":"Explored checkout","description":"Checkout flow walkthrough","summary":"Walked the checkout","steps":[{"name":"Open home page","instructions":"Page loads"},{"name":"Add item to cart","instructions":"Cart badge shows 1"}]}' > "$TESTLINE_AGENT_OUTPUT/result.json"`
	env := newPipelineEnv(t, script)
	job := claimJob(t, env)

	env.Pipeline.Execute(env.Ctx, job)

	got, err := env.Engine.GetJob(env.Ctx, testProjectID, "tester", job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.JobSuccess {
		t.Fatalf("expected success, got %s (%s)", got.Status, got.Error)
	}
	if got.Summary != "Walked the checkout" {
		t.Fatalf("unexpected summary %q", got.Summary)
	}

	procs, err := env.Engine.ListProcedures(env.Ctx, testProjectID, "tester")
	if err != nil {
		t.Fatal(err)
	}
	if len(procs) != 1 || procs[0].Name != "Explored checkout" || len(procs[0].Steps) != 2 {
		t.Fatalf("unexpected materialized procedure: %+v", procs)
	}
	if procs[0].Description != "Checkout flow walkthrough" {
		t.Fatalf("unexpected description %q", procs[0].Description)
	}
	if procs[0].Steps[0].Action != "Open home page" || procs[0].Steps[0].ExpectedResult != "Page loads" {
		t.Fatalf("step fields not mapped from artifact: %+v", procs[0].Steps[0])
	}

	runs, err := env.Engine.ListRuns(env.Ctx, testProjectID, "tester", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 1 || runs[0].Status != domain.RunPassed {
		t.Fatalf("expected one passed run, got %+v", runs)
	}
}

func TestExecuteForwardsEndpointToAgent(t *testing.T) {
	capture := filepath.Join(t.TempDir(), "stdin.json")
	script := `cat > "` + capture + `"; printf '%s' '{"summary":"done","steps":[{"name":"Look around"}]}' > "$TESTLINE_AGENT_OUTPUT/result.json"`
	env := newPipelineEnv(t, script,
		domain.Credential{Key: "username", Value: "demo"},
		domain.Credential{Key: "password", Value: "s3cret"},
	)
	job := claimJob(t, env)

	env.Pipeline.Execute(env.Ctx, job)

	got, err := env.Engine.GetJob(env.Ctx, testProjectID, "tester", job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.JobSuccess {
		t.Fatalf("expected success, got %s (%s)", got.Status, got.Error)
	}

	raw, err := os.ReadFile(capture)
	if err != nil {
		t.Fatalf("read captured stdin: %v", err)
	}
	var cfg struct {
		JobID       string `json:"job_id"`
		TargetURL   string `json:"target_url"`
		Credentials []struct {
			Key   string `json:"key"`
			Value string `json:"value"`
		} `json:"credentials"`
		OutputDir string `json:"output_dir"`
	}
	if err := json.Unmarshal(raw, &cfg); err != nil {
		t.Fatalf("decode captured stdin: %v", err)
	}
	if cfg.JobID != job.ID {
		t.Fatalf("job_id = %q, want %q", cfg.JobID, job.ID)
	}
	if cfg.TargetURL != "https://staging.example.com" {
		t.Fatalf("target_url = %q", cfg.TargetURL)
	}
	if cfg.OutputDir == "" {
		t.Fatal("output_dir missing from agent config")
	}
	if len(cfg.Credentials) != 2 || cfg.Credentials[0].Key != "username" || cfg.Credentials[1].Value != "s3cret" {
		t.Fatalf("credentials not forwarded: %+v", cfg.Credentials)
	}
}

func TestExecuteUploadsScreenshots(t *testing.T) {
	script := `cat > /dev/null
mkdir -p "$TESTLINE_AGENT_OUTPUT/screenshots"
printf 'not-really-a-png' > "$TESTLINE_AGENT_OUTPUT/screenshots/01_landing.png"
printf '%s' '{"procedure_name":"Landing tour","summary":"Saw the landing page","steps":[{"name":"Open landing page","instructions":"Hero section renders","image_paths":["screenshots/01_landing.png"]}]}' > "$TESTLINE_AGENT_OUTPUT/result.json"`
	env := newPipelineEnv(t, script)
	job := claimJob(t, env)

	env.Pipeline.Execute(env.Ctx, job)

	got, err := env.Engine.GetJob(env.Ctx, testProjectID, "tester", job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.JobSuccess {
		t.Fatalf("expected success, got %s (%s)", got.Status, got.Error)
	}

	procs, err := env.Engine.ListProcedures(env.Ctx, testProjectID, "tester")
	if err != nil {
		t.Fatal(err)
	}
	if len(procs) != 1 || len(procs[0].Steps) != 1 {
		t.Fatalf("unexpected procedures: %+v", procs)
	}
	if procs[0].Steps[0].Screenshot != "screenshots/01_landing.png" {
		t.Fatalf("step screenshot = %q", procs[0].Steps[0].Screenshot)
	}

	runs, err := env.Engine.ListRuns(env.Ctx, testProjectID, "tester", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 1 {
		t.Fatalf("expected one run, got %d", len(runs))
	}
	assets, err := env.Engine.ListAssets(env.Ctx, testProjectID, "tester", runs[0].ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(assets) != 1 {
		t.Fatalf("expected one uploaded screenshot, got %d", len(assets))
	}
	if assets[0].Name != "01_landing.png" || assets[0].Type != domain.AssetImage {
		t.Fatalf("unexpected asset: %+v", assets[0])
	}
	if assets[0].Size != int64(len("not-really-a-png")) {
		t.Fatalf("unexpected asset size %d", assets[0].Size)
	}
}

func TestExecuteFallbackWhenNoResultFile(t *testing.T) {
	script := `cat > /dev/null; echo "explored three pages, nothing else to do"`
	env := newPipelineEnv(t, script)
	job := claimJob(t, env)

	env.Pipeline.Execute(env.Ctx, job)

	got, err := env.Engine.GetJob(env.Ctx, testProjectID, "tester", job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.JobSuccess {
		t.Fatalf("expected success via fallback, got %s (%s)", got.Status, got.Error)
	}

	procs, err := env.Engine.ListProcedures(env.Ctx, testProjectID, "tester")
	if err != nil {
		t.Fatal(err)
	}
	if len(procs) != 1 {
		t.Fatalf("expected one procedure, got %d", len(procs))
	}
	steps := procs[0].Steps
	if len(steps) != 1 || steps[0].Action != "Initial observation" {
		t.Fatalf("expected fallback step, got %+v", steps)
	}
	if !strings.Contains(steps[0].ExpectedResult, "explored three pages") {
		t.Fatalf("expected agent output captured, got %q", steps[0].ExpectedResult)
	}
}

func TestExecuteRecordsFailure(t *testing.T) {
	script := `cat > /dev/null; echo "boom: cannot reach target" >&2; exit 1`
	env := newPipelineEnv(t, script)
	job := claimJob(t, env)

	env.Pipeline.Execute(env.Ctx, job)

	got, err := env.Engine.GetJob(env.Ctx, testProjectID, "tester", job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.JobFailed {
		t.Fatalf("expected failed, got %s", got.Status)
	}
	if !strings.Contains(got.Error, "boom: cannot reach target") {
		t.Fatalf("expected agent stderr in error, got %q", got.Error)
	}
	// failures must not materialize anything
	procs, err := env.Engine.ListProcedures(env.Ctx, testProjectID, "tester")
	if err != nil {
		t.Fatal(err)
	}
	if len(procs) != 0 {
		t.Fatalf("expected no procedures, got %d", len(procs))
	}
}

func TestExecuteHonorsStop(t *testing.T) {
	script := `cat > /dev/null; sleep 30`
	env := newPipelineEnv(t, script)
	job := claimJob(t, env)

	env.Engine.Runner = env.Pipeline
	done := make(chan struct{})
	go func() {
		env.Pipeline.Execute(env.Ctx, job)
		close(done)
	}()
	// let the subprocess get in flight, then stop through the engine
	time.Sleep(500 * time.Millisecond)
	if _, err := env.Engine.StopJob(env.Ctx, testProjectID, "tester", job.ID); err != nil {
		t.Fatalf("stop job: %v", err)
	}
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("execute did not return after stop")
	}
	got, err := env.Engine.GetJob(env.Ctx, testProjectID, "tester", job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.JobStopped {
		t.Fatalf("expected stopped, got %s", got.Status)
	}
}

func TestPoolRunsJobToCompletion(t *testing.T) {
	script := `cat > /dev/null; printf '%s' '{"procedure_name":"Drive-by","summary":"All good","steps":[{"name":"Open page","instructions":"Loads"}]}' > "$TESTLINE_AGENT_OUTPUT/result.json"`
	env := newPipelineEnv(t, script)
	job := createJob(t, env)
	if job.Status != domain.JobCreated {
		t.Fatalf("new job should be created, got %s", job.Status)
	}

	ctx, cancel := context.WithCancel(env.Ctx)
	defer cancel()
	pool := agent.NewPool(env.Engine, 1, 50*time.Millisecond, nil)
	go pool.Run(ctx)

	deadline := time.Now().Add(15 * time.Second)
	for {
		got, err := env.Engine.GetJob(env.Ctx, testProjectID, "tester", job.ID)
		if err != nil {
			t.Fatal(err)
		}
		if got.Status == domain.JobSuccess {
			if got.Summary != "All good" {
				t.Fatalf("unexpected summary %q", got.Summary)
			}
			break
		}
		if got.Status == domain.JobFailed {
			t.Fatalf("job failed: %s", got.Error)
		}
		if time.Now().After(deadline) {
			t.Fatalf("job never reached a terminal status, still %s", got.Status)
		}
		time.Sleep(50 * time.Millisecond)
	}
	cancel()

	runs, err := env.Engine.ListRuns(env.Ctx, testProjectID, "tester", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 1 || runs[0].Status != domain.RunPassed {
		t.Fatalf("expected one passed run, got %+v", runs)
	}
}
