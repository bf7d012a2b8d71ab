package engine_test

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"testline/internal/config"
	"testline/internal/db"
	"testline/internal/domain"
	"testline/internal/engine"
	"testline/internal/engine/auth"
	"testline/internal/migrate"
	"testline/internal/storage"
)

// Project ids used by exploration configs must be uuids.
const testProjectID = "7b1e2f40-9c1d-4f7a-8a52-3f1df4f2a9b1"

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default(testProjectID)
	eng := engine.New(conn, cfg)
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	blobs, err := storage.NewLocal(t.TempDir())
	if err != nil {
		t.Fatalf("local storage: %v", err)
	}
	eng.Storage = blobs
	ctx := context.Background()
	if _, err := eng.InitProject(ctx, testProjectID, "test", "", "tester"); err != nil {
		t.Fatalf("init project: %v", err)
	}
	return testEnv{Engine: eng, Ctx: ctx}
}

func createProcedure(t *testing.T, env testEnv, name string, steps ...string) domain.Procedure {
	t.Helper()
	var ds []domain.Step
	for i, s := range steps {
		ds = append(ds, domain.Step{Index: i, Action: s})
	}
	p, err := env.Engine.CreateProcedure(env.Ctx, engine.ProcedureCreateOptions{
		ProjectID: testProjectID,
		Name:      name,
		Steps:     ds,
		ActorID:   "tester",
	})
	if err != nil {
		t.Fatalf("create procedure: %v", err)
	}
	return p
}

func TestProcedureVersioning(t *testing.T) {
	env := newTestEnv(t)
	root := createProcedure(t, env, "Login flow", "Open login page", "Enter credentials")
	if root.Version != 1 || !root.IsLatest {
		t.Fatalf("expected version 1 latest, got v%d latest=%v", root.Version, root.IsLatest)
	}

	draft, err := env.Engine.GetProcedure(env.Ctx, testProjectID, "tester", root.ID, 0, true)
	if err != nil {
		t.Fatalf("get draft: %v", err)
	}
	if draft.Version != 0 || len(draft.Steps) != 2 {
		t.Fatalf("expected draft copy of v1, got v%d with %d steps", draft.Version, len(draft.Steps))
	}

	// Editing the draft leaves the committed version untouched.
	newName := "Login flow v2"
	_, err = env.Engine.UpdateDraft(env.Ctx, engine.ProcedureUpdateOptions{
		ProjectID: testProjectID,
		LineageID: root.ID,
		Name:      &newName,
		Steps:     []domain.Step{{Action: "Open login page"}, {Action: "Enter credentials"}, {Action: "Submit"}},
		StepsSet:  true,
		ActorID:   "tester",
	})
	if err != nil {
		t.Fatalf("update draft: %v", err)
	}
	latest, err := env.Engine.GetProcedure(env.Ctx, testProjectID, "tester", root.ID, 0, false)
	if err != nil {
		t.Fatalf("get latest: %v", err)
	}
	if latest.Version != 1 || latest.Name != "Login flow" || len(latest.Steps) != 2 {
		t.Fatalf("committed version mutated: v%d %q %d steps", latest.Version, latest.Name, len(latest.Steps))
	}

	committed, err := env.Engine.CommitDraft(env.Ctx, testProjectID, root.ID, "tester")
	if err != nil {
		t.Fatalf("commit draft: %v", err)
	}
	if committed.Version != 2 || !committed.IsLatest || len(committed.Steps) != 3 {
		t.Fatalf("expected v2 latest with 3 steps, got v%d latest=%v steps=%d", committed.Version, committed.IsLatest, len(committed.Steps))
	}

	history, err := env.Engine.ProcedureHistory(env.Ctx, testProjectID, "tester", root.ID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 2 || history[0].Version != 2 || history[1].Version != 1 {
		t.Fatalf("expected history [2 1], got %v", history)
	}
	for _, h := range history {
		if h.Version == 0 {
			t.Fatalf("draft leaked into history")
		}
	}

	// A second commit keeps numbering strictly increasing.
	again, err := env.Engine.CommitDraft(env.Ctx, testProjectID, root.ID, "tester")
	if err != nil {
		t.Fatalf("second commit: %v", err)
	}
	if again.Version != 3 {
		t.Fatalf("expected v3, got v%d", again.Version)
	}
}

func TestResetDraft(t *testing.T) {
	env := newTestEnv(t)
	root := createProcedure(t, env, "Checkout", "Add to cart")

	scratch := "Scratch work"
	if _, err := env.Engine.UpdateDraft(env.Ctx, engine.ProcedureUpdateOptions{
		ProjectID: testProjectID,
		LineageID: root.ID,
		Name:      &scratch,
		Steps:     []domain.Step{{Action: "Something else"}},
		StepsSet:  true,
		ActorID:   "tester",
	}); err != nil {
		t.Fatalf("update draft: %v", err)
	}
	reset, err := env.Engine.ResetDraft(env.Ctx, testProjectID, root.ID, "tester")
	if err != nil {
		t.Fatalf("reset draft: %v", err)
	}
	if reset.Name != "Checkout" || len(reset.Steps) != 1 || reset.Steps[0].Action != "Add to cart" {
		t.Fatalf("draft not reset to latest: %+v", reset)
	}
}

func TestRunLifecycle(t *testing.T) {
	env := newTestEnv(t)
	proc := createProcedure(t, env, "Smoke", "Load home page")
	run, err := env.Engine.CreateRun(env.Ctx, engine.RunCreateOptions{
		ProjectID:   testProjectID,
		ProcedureID: proc.ID,
		ActorID:     "tester",
	})
	if err != nil {
		t.Fatalf("create run: %v", err)
	}
	if run.Status != domain.RunPending {
		t.Fatalf("expected pending, got %s", run.Status)
	}
	run, err = env.Engine.StartRun(env.Ctx, testProjectID, "tester", run.ID)
	if err != nil {
		t.Fatalf("start run: %v", err)
	}
	if run.Status != domain.RunRunning || run.StartedAt == nil {
		t.Fatalf("expected running with started_at, got %+v", run)
	}
	run, err = env.Engine.CompleteRun(env.Ctx, testProjectID, "tester", run.ID, domain.RunPassed)
	if err != nil {
		t.Fatalf("complete run: %v", err)
	}
	if run.Status != domain.RunPassed || run.CompletedAt == nil {
		t.Fatalf("expected passed with completed_at, got %+v", run)
	}
}

func TestRunInvalidTransitions(t *testing.T) {
	env := newTestEnv(t)
	proc := createProcedure(t, env, "Smoke", "Load home page")
	run, err := env.Engine.CreateRun(env.Ctx, engine.RunCreateOptions{
		ProjectID:   testProjectID,
		ProcedureID: proc.ID,
		ActorID:     "tester",
	})
	if err != nil {
		t.Fatal(err)
	}
	// complete before start
	var te engine.InvalidTransitionError
	_, err = env.Engine.CompleteRun(env.Ctx, testProjectID, "tester", run.ID, domain.RunFailed)
	if !errors.As(err, &te) || te.From != domain.RunPending {
		t.Fatalf("expected invalid transition from pending, got %v", err)
	}
	// bogus outcome
	if _, err := env.Engine.StartRun(env.Ctx, testProjectID, "tester", run.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.CompleteRun(env.Ctx, testProjectID, "tester", run.ID, "exploded"); err == nil {
		t.Fatalf("expected invalid outcome error")
	}
	// second start loses
	_, err = env.Engine.StartRun(env.Ctx, testProjectID, "tester", run.ID)
	if !errors.As(err, &te) || te.From != domain.RunRunning {
		t.Fatalf("expected invalid transition from running, got %v", err)
	}
}

func TestConcurrentRunStart(t *testing.T) {
	env := newTestEnv(t)
	// one connection so concurrent updates serialize instead of hitting SQLITE_BUSY
	env.Engine.DB.SetMaxOpenConns(1)
	proc := createProcedure(t, env, "Race", "Step")
	run, err := env.Engine.CreateRun(env.Ctx, engine.RunCreateOptions{
		ProjectID:   testProjectID,
		ProcedureID: proc.ID,
		ActorID:     "tester",
	})
	if err != nil {
		t.Fatal(err)
	}
	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = env.Engine.StartRun(env.Ctx, testProjectID, "tester", run.ID)
		}(i)
	}
	wg.Wait()
	var won, lost int
	for _, err := range errs {
		var te engine.InvalidTransitionError
		switch {
		case err == nil:
			won++
		case errors.As(err, &te):
			lost++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if won != 1 || lost != 1 {
		t.Fatalf("expected exactly one winner, got won=%d lost=%d", won, lost)
	}
}

func TestRunRequiresCommittedVersion(t *testing.T) {
	env := newTestEnv(t)
	root := createProcedure(t, env, "Draft only", "Step")
	draft, err := env.Engine.GetProcedure(env.Ctx, testProjectID, "tester", root.ID, 0, true)
	if err != nil {
		t.Fatal(err)
	}
	_, err = env.Engine.CreateRun(env.Ctx, engine.RunCreateOptions{
		ProjectID:   testProjectID,
		ProcedureID: draft.ID,
		ActorID:     "tester",
	})
	if err == nil || !strings.Contains(err.Error(), "draft") {
		t.Fatalf("expected draft rejection, got %v", err)
	}
}

func TestJobConfigValidation(t *testing.T) {
	env := newTestEnv(t)
	ep, err := env.Engine.CreateEndpoint(env.Ctx, testProjectID, "tester", "staging", "https://staging.example.com", "", nil)
	if err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		name   string
		typ    string
		config string
		want   string
	}{
		{"bad type", "batch_import", `{}`, "invalid job type"},
		{"missing config", domain.JobTypeUIExploration, ``, "config is required"},
		{"missing endpoint", domain.JobTypeUIExploration, `{"project_id":"` + testProjectID + `"}`, "endpoint_id is required"},
		{"endpoint not uuid", domain.JobTypeUIExploration, `{"endpoint_id":"staging","project_id":"` + testProjectID + `"}`, "endpoint_id must be a uuid"},
		{"missing project", domain.JobTypeUIExploration, `{"endpoint_id":"` + ep.ID + `"}`, "project_id is required"},
		{"project not uuid", domain.JobTypeUIExploration, `{"endpoint_id":"` + ep.ID + `","project_id":"proj-1"}`, "project_id must be a uuid"},
		{"project mismatch", domain.JobTypeUIExploration, `{"endpoint_id":"` + ep.ID + `","project_id":"e5a7f3e2-1111-4222-8333-444455556666"}`, "does not match"},
	}
	for _, tc := range cases {
		_, err := env.Engine.CreateJob(env.Ctx, engine.JobCreateOptions{
			ProjectID: testProjectID,
			Type:      tc.typ,
			Config:    json.RawMessage(tc.config),
			ActorID:   "tester",
		})
		if err == nil || !strings.Contains(err.Error(), tc.want) {
			t.Fatalf("%s: expected %q, got %v", tc.name, tc.want, err)
		}
	}

	// invalid config never persists a job
	jobs, err := env.Engine.ListJobs(env.Ctx, testProjectID, "tester", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 0 {
		t.Fatalf("expected no jobs, got %d", len(jobs))
	}

	job, err := env.Engine.CreateJob(env.Ctx, engine.JobCreateOptions{
		ProjectID: testProjectID,
		Type:      domain.JobTypeUIExploration,
		Config:    json.RawMessage(`{"endpoint_id":"` + ep.ID + `","project_id":"` + testProjectID + `"}`),
		ActorID:   "tester",
	})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	if job.Status != domain.JobCreated || job.Dispatched {
		t.Fatalf("expected created undispatched, got %+v", job)
	}
	var cfg domain.ExplorationConfig
	if err := json.Unmarshal([]byte(job.ConfigJSON), &cfg); err != nil {
		t.Fatal(err)
	}
	if cfg.MaxSteps != 20 || cfg.TimeLimitSeconds != 300 {
		t.Fatalf("expected defaults applied, got %+v", cfg)
	}
}

func TestStopJobOnlyFromRunning(t *testing.T) {
	env := newTestEnv(t)
	ep, err := env.Engine.CreateEndpoint(env.Ctx, testProjectID, "tester", "staging", "https://staging.example.com", "", nil)
	if err != nil {
		t.Fatal(err)
	}
	job, err := env.Engine.CreateJob(env.Ctx, engine.JobCreateOptions{
		ProjectID: testProjectID,
		Type:      domain.JobTypeUIExploration,
		Config:    json.RawMessage(`{"endpoint_id":"` + ep.ID + `","project_id":"` + testProjectID + `"}`),
		ActorID:   "tester",
	})
	if err != nil {
		t.Fatal(err)
	}

	var te engine.InvalidTransitionError
	_, err = env.Engine.StopJob(env.Ctx, testProjectID, "tester", job.ID)
	if !errors.As(err, &te) || te.From != domain.JobCreated {
		t.Fatalf("expected invalid transition from created, got %v", err)
	}

	claimed, err := env.Engine.Repo.ClaimJob(env.Ctx, job.ID, "2024-01-01T00:00:00Z")
	if err != nil || !claimed {
		t.Fatalf("claim: %v claimed=%v", err, claimed)
	}
	stopped, err := env.Engine.StopJob(env.Ctx, testProjectID, "tester", job.ID)
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if stopped.Status != domain.JobStopped {
		t.Fatalf("expected stopped, got %s", stopped.Status)
	}
	// a later failure report must not overwrite the stop
	if err := env.Engine.FailJob(env.Ctx, job.ID, "agent crashed"); err != nil {
		t.Fatalf("fail after stop: %v", err)
	}
	job, err = env.Engine.GetJob(env.Ctx, testProjectID, "tester", job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if job.Status != domain.JobStopped || job.Error != "" {
		t.Fatalf("stop outcome overwritten: %+v", job)
	}
}

func TestFailJobTruncatesError(t *testing.T) {
	env := newTestEnv(t)
	ep, err := env.Engine.CreateEndpoint(env.Ctx, testProjectID, "tester", "staging", "https://staging.example.com", "", nil)
	if err != nil {
		t.Fatal(err)
	}
	job, err := env.Engine.CreateJob(env.Ctx, engine.JobCreateOptions{
		ProjectID: testProjectID,
		Type:      domain.JobTypeUIExploration,
		Config:    json.RawMessage(`{"endpoint_id":"` + ep.ID + `","project_id":"` + testProjectID + `"}`),
		ActorID:   "tester",
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Repo.ClaimJob(env.Ctx, job.ID, "2024-01-01T00:00:00Z"); err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.FailJob(env.Ctx, job.ID, strings.Repeat("x", 5000)); err != nil {
		t.Fatal(err)
	}
	job, err = env.Engine.GetJob(env.Ctx, testProjectID, "tester", job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if job.Status != domain.JobFailed || len(job.Error) != 1000 {
		t.Fatalf("expected failed with 1000-char error, got %s len=%d", job.Status, len(job.Error))
	}
}

func TestAssetValidation(t *testing.T) {
	env := newTestEnv(t)
	proc := createProcedure(t, env, "Evidence", "Step")
	run, err := env.Engine.CreateRun(env.Ctx, engine.RunCreateOptions{
		ProjectID:   testProjectID,
		ProcedureID: proc.ID,
		ActorID:     "tester",
	})
	if err != nil {
		t.Fatal(err)
	}

	// content type must agree with the declared asset type
	_, err = env.Engine.CreateAsset(env.Ctx, engine.AssetCreateOptions{
		ProjectID:   testProjectID,
		RunID:       run.ID,
		Name:        "shot.png",
		Type:        domain.AssetImage,
		ContentType: "video/mp4",
		Size:        4,
		Content:     strings.NewReader("data"),
		ActorID:     "tester",
	})
	if err == nil || !strings.Contains(err.Error(), "invalid content type") {
		t.Fatalf("expected content type mismatch, got %v", err)
	}

	// declared size over the cap is rejected before upload
	_, err = env.Engine.CreateAsset(env.Ctx, engine.AssetCreateOptions{
		ProjectID:   testProjectID,
		RunID:       run.ID,
		Name:        "huge.bin",
		Type:        domain.AssetBinary,
		ContentType: "application/octet-stream",
		Size:        200 << 20,
		Content:     strings.NewReader("data"),
		ActorID:     "tester",
	})
	if err == nil || !strings.Contains(err.Error(), "exceeds limit") {
		t.Fatalf("expected size rejection, got %v", err)
	}

	a, err := env.Engine.CreateAsset(env.Ctx, engine.AssetCreateOptions{
		ProjectID:   testProjectID,
		RunID:       run.ID,
		Name:        "shot.png",
		Type:        domain.AssetImage,
		ContentType: "image/png",
		Size:        4,
		Content:     strings.NewReader("data"),
		ActorID:     "tester",
	})
	if err != nil {
		t.Fatalf("create asset: %v", err)
	}
	got, rc, err := env.Engine.OpenAsset(env.Ctx, testProjectID, "tester", run.ID, a.ID)
	if err != nil {
		t.Fatalf("open asset: %v", err)
	}
	defer rc.Close()
	if got.ID != a.ID {
		t.Fatalf("asset mismatch")
	}
}

func TestTokenCap(t *testing.T) {
	env := newTestEnv(t)
	for i := 0; i < 5; i++ {
		if _, _, err := env.Engine.CreateAPIToken(env.Ctx, "tester", "ci"); err != nil {
			t.Fatalf("token %d: %v", i, err)
		}
	}
	_, _, err := env.Engine.CreateAPIToken(env.Ctx, "tester", "one-too-many")
	var ce engine.ConflictError
	if !errors.As(err, &ce) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if ce.Msg != "maximum number of active tokens reached (limit: 5)" {
		t.Fatalf("unexpected message: %q", ce.Msg)
	}
	// revoking one frees a slot
	items, err := env.Engine.ListAPITokens(env.Ctx, "tester")
	if err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.DeleteAPIToken(env.Ctx, "tester", items[0].ID); err != nil {
		t.Fatal(err)
	}
	if _, _, err := env.Engine.CreateAPIToken(env.Ctx, "tester", "replacement"); err != nil {
		t.Fatalf("expected slot freed: %v", err)
	}
}

func TestConcurrentCommitDraft(t *testing.T) {
	env := newTestEnv(t)
	// one connection so concurrent updates serialize instead of hitting SQLITE_BUSY
	env.Engine.DB.SetMaxOpenConns(1)
	root := createProcedure(t, env, "Racy commit", "Step one", "Step two")

	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = env.Engine.CommitDraft(env.Ctx, testProjectID, root.ID, "tester")
		}(i)
	}
	wg.Wait()
	var won, lost int
	for _, err := range errs {
		var ce engine.ConflictError
		switch {
		case err == nil:
			won++
		case errors.As(err, &ce):
			lost++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if won != 1 || lost != 1 {
		t.Fatalf("expected exactly one commit to win, got won=%d lost=%d", won, lost)
	}

	history, err := env.Engine.ProcedureHistory(env.Ctx, testProjectID, "tester", root.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 2 || history[0].Version != 2 || history[1].Version != 1 {
		t.Fatalf("expected history [2 1], got %v", history)
	}
	var latest int
	for _, h := range history {
		if h.IsLatest {
			latest++
		}
	}
	if latest != 1 {
		t.Fatalf("expected exactly one latest version, got %d", latest)
	}
}

func TestConcurrentTokenCreation(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.DB.SetMaxOpenConns(1)
	for i := 0; i < 4; i++ {
		if _, _, err := env.Engine.CreateAPIToken(env.Ctx, "tester", "ci"); err != nil {
			t.Fatalf("token %d: %v", i, err)
		}
	}
	// two creates race for the final slot
	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, errs[i] = env.Engine.CreateAPIToken(env.Ctx, "tester", "last-slot")
		}(i)
	}
	wg.Wait()
	var won, lost int
	for _, err := range errs {
		var ce engine.ConflictError
		switch {
		case err == nil:
			won++
		case errors.As(err, &ce):
			lost++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if won != 1 || lost != 1 {
		t.Fatalf("expected exactly one create to win, got won=%d lost=%d", won, lost)
	}
	items, err := env.Engine.ListAPITokens(env.Ctx, "tester")
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 5 {
		t.Fatalf("expected the cap to hold at 5 tokens, got %d", len(items))
	}
}

func TestEndpointCredentials(t *testing.T) {
	env := newTestEnv(t)
	creds := []domain.Credential{
		{Key: "username", Value: "demo"},
		{Key: "password", Value: "s3cret"},
	}
	ep, err := env.Engine.CreateEndpoint(env.Ctx, testProjectID, "tester", "staging", "https://staging.example.com", "", creds)
	if err != nil {
		t.Fatalf("create endpoint: %v", err)
	}
	got, err := env.Engine.GetEndpoint(env.Ctx, testProjectID, "tester", ep.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Credentials) != 2 || got.Credentials[0].Key != "username" || got.Credentials[1].Value != "s3cret" {
		t.Fatalf("credentials not persisted: %+v", got.Credentials)
	}

	// updates without a credentials field leave the stored list alone
	if _, err := env.Engine.UpdateEndpoint(env.Ctx, testProjectID, "tester", ep.ID, "staging-2", "", nil, nil); err != nil {
		t.Fatal(err)
	}
	got, err = env.Engine.GetEndpoint(env.Ctx, testProjectID, "tester", ep.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Name != "staging-2" || len(got.Credentials) != 2 {
		t.Fatalf("credentials lost on unrelated update: %+v", got)
	}

	// an explicit credentials field replaces the stored list
	replacement := []domain.Credential{{Key: "token", Value: "abc"}}
	if _, err := env.Engine.UpdateEndpoint(env.Ctx, testProjectID, "tester", ep.ID, "", "", nil, &replacement); err != nil {
		t.Fatal(err)
	}
	got, err = env.Engine.GetEndpoint(env.Ctx, testProjectID, "tester", ep.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Credentials) != 1 || got.Credentials[0].Key != "token" {
		t.Fatalf("credentials not replaced: %+v", got.Credentials)
	}

	_, err = env.Engine.CreateEndpoint(env.Ctx, testProjectID, "tester", "bad", "https://bad.example.com", "", []domain.Credential{{Value: "no-key"}})
	var ve engine.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected validation error for empty credential key, got %v", err)
	}
}

func TestValidationErrorsAreTyped(t *testing.T) {
	env := newTestEnv(t)
	var ve engine.ValidationError

	_, err := env.Engine.CreateProcedure(env.Ctx, engine.ProcedureCreateOptions{
		ProjectID: testProjectID,
		Name:      "",
		ActorID:   "tester",
	})
	if !errors.As(err, &ve) {
		t.Fatalf("expected validation error for empty name, got %v", err)
	}

	_, err = env.Engine.CreateJob(env.Ctx, engine.JobCreateOptions{
		ProjectID: testProjectID,
		Type:      domain.JobTypeUIExploration,
		Config:    json.RawMessage(`{}`),
		ActorID:   "tester",
	})
	if !errors.As(err, &ve) {
		t.Fatalf("expected validation error for bad job config, got %v", err)
	}

	root := createProcedure(t, env, "Typed", "Step")
	draft, err := env.Engine.GetProcedure(env.Ctx, testProjectID, "tester", root.ID, 0, true)
	if err != nil {
		t.Fatal(err)
	}
	_, err = env.Engine.CreateRun(env.Ctx, engine.RunCreateOptions{
		ProjectID:   testProjectID,
		ProcedureID: draft.ID,
		ActorID:     "tester",
	})
	if !errors.As(err, &ve) {
		t.Fatalf("expected validation error for draft run, got %v", err)
	}
}

func TestOwnershipGuard(t *testing.T) {
	env := newTestEnv(t)
	proc := createProcedure(t, env, "Guarded", "Step")

	var fe auth.ForbiddenError
	_, err := env.Engine.GetProcedure(env.Ctx, testProjectID, "intruder", proc.ID, 0, false)
	if !errors.As(err, &fe) {
		t.Fatalf("expected forbidden, got %v", err)
	}
	var ue auth.UnauthenticatedError
	_, err = env.Engine.GetProcedure(env.Ctx, testProjectID, "", proc.ID, 0, false)
	if !errors.As(err, &ue) {
		t.Fatalf("expected unauthenticated, got %v", err)
	}
}
