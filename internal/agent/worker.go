package agent

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"testline/internal/domain"
	"testline/internal/engine"
	"testline/internal/repo"
)

// Pool polls for created jobs, claims each exactly once, and hands them to
// worker goroutines running the pipeline. It implements engine.JobRunner.
type Pool struct {
	Engine   engine.Engine
	Pipeline *Pipeline
	Workers  int
	Interval time.Duration
	Logger   *log.Logger

	work chan domain.Job
	wg   sync.WaitGroup
}

func NewPool(e engine.Engine, workers int, interval time.Duration, logger *log.Logger) *Pool {
	if workers <= 0 {
		workers = 2
	}
	if interval <= 0 {
		interval = 2 * time.Second
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Pool{
		Engine:   e,
		Pipeline: NewPipeline(e, logger),
		Workers:  workers,
		Interval: interval,
		Logger:   logger,
		work:     make(chan domain.Job, workers),
	}
}

// Cancel aborts an in-flight job execution.
func (p *Pool) Cancel(jobID string) bool {
	return p.Pipeline.Cancel(jobID)
}

// Run polls and executes until the context is canceled.
func (p *Pool) Run(ctx context.Context) {
	for i := 0; i < p.Workers; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for job := range p.work {
				p.Pipeline.Execute(ctx, job)
			}
		}()
	}
	ticker := time.NewTicker(p.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			close(p.work)
			p.wg.Wait()
			return
		case <-ticker.C:
			p.drain(ctx)
		}
	}
}

// drain claims every currently-created job and queues it.
func (p *Pool) drain(ctx context.Context) {
	for {
		job, ok := p.claimNext(ctx)
		if !ok {
			return
		}
		select {
		case p.work <- job:
		case <-ctx.Done():
			return
		}
	}
}

// claimNext picks the oldest created job and claims it with a conditional
// update. A lost claim means another worker took it; try the next.
func (p *Pool) claimNext(ctx context.Context) (domain.Job, bool) {
	for {
		job, err := p.Engine.Repo.NextCreatedJob(ctx)
		if err != nil {
			if !errors.Is(err, repo.ErrNotFound) {
				p.Logger.Printf("poll jobs: %v", err)
			}
			return domain.Job{}, false
		}
		now := time.Now().UTC().Format(time.RFC3339)
		claimed, err := p.Engine.Repo.ClaimJob(ctx, job.ID, now)
		if err != nil {
			p.Logger.Printf("claim job %s: %v", job.ID, err)
			return domain.Job{}, false
		}
		if claimed {
			job.Status = domain.JobRunning
			job.Dispatched = true
			return job, true
		}
	}
}
