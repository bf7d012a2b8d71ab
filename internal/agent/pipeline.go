package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"testline/internal/domain"
	"testline/internal/engine"
)

// OutputDirEnv tells the agent subprocess where to leave its result file.
const OutputDirEnv = "TESTLINE_AGENT_OUTPUT"

// Credential is one key-value pair forwarded to the agent, copied from the
// endpoint being explored.
type Credential struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// AgentConfig is handed to the agent subprocess on stdin as JSON.
type AgentConfig struct {
	JobID            string       `json:"job_id"`
	TargetURL        string       `json:"target_url"`
	Credentials      []Credential `json:"credentials,omitempty"`
	ProcedureName    string       `json:"procedure_name,omitempty"`
	MaxSteps         int          `json:"max_steps"`
	TimeLimitSeconds int          `json:"time_limit_seconds"`
	OutputDir        string       `json:"output_dir"`
}

// Pipeline executes claimed jobs: it runs the agent subprocess, enforces the
// time limit, and materializes the result into a procedure, run and assets.
// Agent failures land on the job; Execute never returns them to the caller.
type Pipeline struct {
	Engine engine.Engine
	Logger *log.Logger

	cancels sync.Map
}

func NewPipeline(e engine.Engine, logger *log.Logger) *Pipeline {
	if logger == nil {
		logger = log.Default()
	}
	return &Pipeline{Engine: e, Logger: logger}
}

// Cancel aborts the in-flight execution of a job, if any.
func (p *Pipeline) Cancel(jobID string) bool {
	if v, ok := p.cancels.Load(jobID); ok {
		v.(context.CancelFunc)()
		return true
	}
	return false
}

// Execute runs one already-claimed job to a terminal status.
func (p *Pipeline) Execute(ctx context.Context, job domain.Job) {
	var cfg domain.ExplorationConfig
	if err := json.Unmarshal([]byte(job.ConfigJSON), &cfg); err != nil {
		p.fail(ctx, job.ID, fmt.Errorf("decode job config: %w", err))
		return
	}
	ep, err := p.Engine.Repo.GetEndpoint(ctx, cfg.EndpointID)
	if err != nil {
		p.fail(ctx, job.ID, fmt.Errorf("resolve endpoint %s: %w", cfg.EndpointID, err))
		return
	}
	outDir, err := os.MkdirTemp("", "testline-job-")
	if err != nil {
		p.fail(ctx, job.ID, fmt.Errorf("create output dir: %w", err))
		return
	}
	defer os.RemoveAll(outDir)

	runCtx, cancel := context.WithTimeout(ctx, time.Duration(cfg.TimeLimitSeconds)*time.Second)
	p.cancels.Store(job.ID, cancel)
	defer func() {
		p.cancels.Delete(job.ID)
		cancel()
	}()

	creds := make([]Credential, len(ep.Credentials))
	for i, c := range ep.Credentials {
		creds[i] = Credential{Key: c.Key, Value: c.Value}
	}
	agentCfg := AgentConfig{
		JobID:            job.ID,
		TargetURL:        ep.BaseURL,
		Credentials:      creds,
		ProcedureName:    cfg.ProcedureName,
		MaxSteps:         cfg.MaxSteps,
		TimeLimitSeconds: cfg.TimeLimitSeconds,
		OutputDir:        outDir,
	}
	stdin, err := json.Marshal(agentCfg)
	if err != nil {
		p.fail(ctx, job.ID, err)
		return
	}
	name, args := p.Engine.Config.AgentCommand()
	cmd := exec.CommandContext(runCtx, name, args...)
	cmd.Stdin = bytes.NewReader(stdin)
	cmd.Env = append(os.Environ(), OutputDirEnv+"="+outDir)
	output, runErr := cmd.CombinedOutput()
	finalText := lastLines(string(output), 10)

	if runErr != nil {
		// A stop from the API cancels the context; the stopped status stands.
		if current, err := p.Engine.Repo.GetJob(ctx, job.ID); err == nil && current.Status == domain.JobStopped {
			p.Logger.Printf("job %s stopped during execution", job.ID)
			return
		}
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			runErr = fmt.Errorf("agent exceeded time limit of %ds", cfg.TimeLimitSeconds)
		}
		p.fail(ctx, job.ID, fmt.Errorf("%w: %s", runErr, finalText))
		return
	}

	res, err := EnsureResult(outDir, finalText)
	if err != nil {
		p.fail(ctx, job.ID, err)
		return
	}
	summary, err := p.materialize(ctx, job, cfg, res, outDir)
	if err != nil {
		p.fail(ctx, job.ID, err)
		return
	}
	if err := p.Engine.SucceedJob(ctx, job.ID, summary); err != nil {
		p.Logger.Printf("job %s: record success: %v", job.ID, err)
	}
}

func (p *Pipeline) fail(ctx context.Context, jobID string, err error) {
	p.Logger.Printf("job %s failed: %v", jobID, err)
	if ferr := p.Engine.FailJob(ctx, jobID, err.Error()); ferr != nil {
		p.Logger.Printf("job %s: record failure: %v", jobID, ferr)
	}
}

// materialize turns the agent result into a procedure with a completed run
// and uploads step screenshots as run assets.
func (p *Pipeline) materialize(ctx context.Context, job domain.Job, cfg domain.ExplorationConfig, res *Result, outDir string) (string, error) {
	project, err := p.Engine.Repo.GetProject(ctx, job.ProjectID)
	if err != nil {
		return "", err
	}
	actor := project.OwnerID

	name := res.ProcedureName
	if name == "" {
		name = cfg.ProcedureName
	}
	if name == "" {
		name = "Exploration " + job.CreatedAt
	}
	description := res.Description
	if description == "" {
		description = res.Summary
	}
	steps := make([]domain.Step, 0, len(res.Steps))
	for i, s := range res.Steps {
		step := domain.Step{
			Index:          i,
			Action:         s.Name,
			ExpectedResult: s.Instructions,
		}
		if len(s.ImagePaths) > 0 {
			step.Screenshot = s.ImagePaths[0]
		}
		steps = append(steps, step)
	}
	proc, err := p.Engine.CreateProcedure(ctx, engine.ProcedureCreateOptions{
		ProjectID:   job.ProjectID,
		Name:        name,
		Description: description,
		Steps:       steps,
		ActorID:     actor,
	})
	if err != nil {
		return "", fmt.Errorf("materialize procedure: %w", err)
	}
	run, err := p.Engine.CreateRun(ctx, engine.RunCreateOptions{
		ProjectID:   job.ProjectID,
		ProcedureID: proc.ID,
		Notes:       "Created by exploration job " + job.ID,
		ActorID:     actor,
	})
	if err != nil {
		return "", fmt.Errorf("materialize run: %w", err)
	}
	if _, err := p.Engine.StartRun(ctx, job.ProjectID, actor, run.ID); err != nil {
		return "", err
	}
	if _, err := p.Engine.CompleteRun(ctx, job.ProjectID, actor, run.ID, domain.RunPassed); err != nil {
		return "", err
	}
	if p.Engine.Storage != nil {
		for _, s := range res.Steps {
			for _, img := range s.ImagePaths {
				if err := p.uploadScreenshot(ctx, job.ProjectID, actor, run.ID, outDir, img); err != nil {
					p.Logger.Printf("job %s: screenshot %s: %v", job.ID, img, err)
				}
			}
		}
	}
	summary := res.Summary
	if summary == "" {
		summary = fmt.Sprintf("Exploration completed with %d steps", len(res.Steps))
	}
	return summary, nil
}

// uploadScreenshot registers one artifact image as a run asset. The path is
// relative to the output directory, typically under screenshots/, and must
// stay inside it.
func (p *Pipeline) uploadScreenshot(ctx context.Context, projectID, actor, runID, outDir, name string) error {
	rel := filepath.Clean(filepath.FromSlash(name))
	if rel == "." || filepath.IsAbs(rel) || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return fmt.Errorf("artifact path %q escapes the output directory", name)
	}
	data, err := os.ReadFile(filepath.Join(outDir, rel))
	if err != nil {
		return err
	}
	contentType := http.DetectContentType(data)
	_, err = p.Engine.CreateAsset(ctx, engine.AssetCreateOptions{
		ProjectID:   projectID,
		RunID:       runID,
		Name:        filepath.Base(name),
		Type:        domain.AssetImage,
		ContentType: contentType,
		Size:        int64(len(data)),
		Content:     bytes.NewReader(data),
		ActorID:     actor,
		Screenshot:  true,
	})
	return err
}

func lastLines(s string, n int) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	lines := strings.Split(s, "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
