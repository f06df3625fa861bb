// Package pipeline drives pending jobs through retrieval, generation and
// export, one platform at a time.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/TobiSchelling/PostPilot/internal/jobs"
	"github.com/TobiSchelling/PostPilot/internal/metrics"
	"github.com/TobiSchelling/PostPilot/internal/models"
	"github.com/TobiSchelling/PostPilot/internal/retrieve"
)

// Retriever gathers evidence for a job.
type Retriever interface {
	FetchContext(ctx context.Context, primary string, competitors []string, platform models.Platform) (*retrieve.Bundle, error)
}

// Generator produces a result for a job. It fails only when ctx is done.
type Generator interface {
	Run(ctx context.Context, job *models.JobDescriptor, bundle *retrieve.Bundle) (*models.GenerationResult, error)
}

// Exporter persists a result and returns the artifact keys.
type Exporter interface {
	Export(ctx context.Context, job *models.JobDescriptor, result *models.GenerationResult) ([]string, error)
}

// Outcome is what happened to one job in a cycle.
type Outcome string

const (
	OutcomeProcessed  Outcome = "processed"
	OutcomeFailed     Outcome = "failed"
	OutcomeDeferred   Outcome = "export_deferred"
	OutcomeReexported Outcome = "reexported"
	OutcomeSkipped    Outcome = "skipped"
	OutcomeDryRun     Outcome = "dry_run"
)

// JobResult holds the result of a single job.
type JobResult struct {
	Platform  models.Platform
	Username  string
	Outcome   Outcome
	Tier      models.GenerationTier
	Artifacts []string
	Detail    string
}

// Result holds the results of one poll cycle.
type Result struct {
	Jobs []JobResult
}

// Count returns how many jobs ended with outcome.
func (r *Result) Count(outcome Outcome) int {
	n := 0
	for _, j := range r.Jobs {
		if j.Outcome == outcome {
			n++
		}
	}
	return n
}

// Options tunes the pipeline.
type Options struct {
	// Platforms are drained in this order.
	Platforms  []models.Platform
	JobTimeout time.Duration
}

const defaultJobTimeout = 10 * time.Minute

// Pipeline orchestrates the poll-claim-process cycle.
type Pipeline struct {
	jobs       *jobs.Store
	retriever  Retriever
	generator  Generator
	exporter   Exporter
	platforms  []models.Platform
	jobTimeout time.Duration
	logger     *zap.Logger
}

// New creates a new pipeline.
func New(store *jobs.Store, retriever Retriever, generator Generator, exporter Exporter, opts Options, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.JobTimeout <= 0 {
		opts.JobTimeout = defaultJobTimeout
	}
	if len(opts.Platforms) == 0 {
		opts.Platforms = []models.Platform{models.PlatformInstagram, models.PlatformTwitter, models.PlatformFacebook}
	}
	return &Pipeline{
		jobs:       store,
		retriever:  retriever,
		generator:  generator,
		exporter:   exporter,
		platforms:  opts.Platforms,
		jobTimeout: opts.JobTimeout,
		logger:     logger,
	}
}

// RunCycle drains every configured platform in order. Only storage
// failures are returned; everything else is recorded on the jobs.
func (p *Pipeline) RunCycle(ctx context.Context) (*Result, error) {
	r := &Result{}
	for _, platform := range p.platforms {
		if err := p.drain(ctx, platform, r); err != nil {
			return r, err
		}
	}
	return r, nil
}

// drain re-exports deferred results, then processes pending jobs until
// none are left.
func (p *Pipeline) drain(ctx context.Context, platform models.Platform, r *Result) error {
	deferred, err := p.jobs.ListProcessing(ctx, platform)
	if err != nil {
		return fmt.Errorf("listing %s processing jobs: %w", platform, err)
	}
	for _, job := range deferred {
		jr, err := p.reexport(ctx, job)
		if err != nil {
			return err
		}
		r.Jobs = append(r.Jobs, jr)
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		pending, err := p.jobs.ListPending(ctx, platform)
		if err != nil {
			return fmt.Errorf("listing %s pending jobs: %w", platform, err)
		}
		if len(pending) == 0 {
			return nil
		}
		claimed := 0
		for _, job := range pending {
			jr, err := p.ProcessJob(ctx, job)
			if err != nil {
				return err
			}
			if jr.Outcome != OutcomeSkipped {
				claimed++
			}
			r.Jobs = append(r.Jobs, jr)
		}
		if claimed == 0 {
			return nil
		}
	}
}

// ProcessJob claims job and carries it to a terminal state, or leaves it
// processing with a deferred export.
func (p *Pipeline) ProcessJob(ctx context.Context, job *models.JobDescriptor) (JobResult, error) {
	jr := JobResult{Platform: job.Platform, Username: job.Username}
	log := p.logger.With(zap.String("platform", string(job.Platform)), zap.String("username", job.Username))

	if err := p.jobs.MarkProcessing(ctx, job); err != nil {
		if errors.Is(err, jobs.ErrConflict) {
			log.Debug("job claimed elsewhere", zap.Error(err))
			jr.Outcome = OutcomeSkipped
			return jr, nil
		}
		return jr, fmt.Errorf("claiming %s/%s: %w", job.Platform, job.Username, err)
	}
	start := time.Now()
	defer func() {
		metrics.JobDuration.WithLabelValues(string(job.Platform)).Observe(time.Since(start).Seconds())
	}()

	result, err := p.generate(ctx, job, log)
	if err != nil {
		jr.Outcome = OutcomeFailed
		jr.Detail = failureDetail(err, p.jobTimeout)
		log.Warn("job failed", zap.String("detail", jr.Detail))
		// The job must still reach a terminal state when ctx itself is done.
		if err := p.jobs.MarkTerminal(context.WithoutCancel(ctx), job, models.StatusFailed, jr.Detail); err != nil {
			return jr, fmt.Errorf("marking %s/%s failed: %w", job.Platform, job.Username, err)
		}
		return jr, nil
	}
	jr.Tier = result.Tier

	return p.finish(ctx, job, result, jr, log)
}

func (p *Pipeline) generate(ctx context.Context, job *models.JobDescriptor, log *zap.Logger) (*models.GenerationResult, error) {
	jobCtx, cancel := context.WithTimeout(ctx, p.jobTimeout)
	defer cancel()

	bundle, err := p.retriever.FetchContext(jobCtx, job.Username, job.Competitors(), job.Platform)
	if err != nil {
		if jobCtx.Err() != nil {
			return nil, jobCtx.Err()
		}
		log.Warn("retrieval unavailable, continuing without evidence", zap.Error(err))
		bundle = retrieve.EmptyBundle(job.Platform, job.Username, job.Competitors())
	}
	return p.generator.Run(jobCtx, job, bundle)
}

// finish exports result and marks the job processed. A failed export keeps
// the job processing with the result stored for the next cycle.
func (p *Pipeline) finish(ctx context.Context, job *models.JobDescriptor, result *models.GenerationResult, jr JobResult, log *zap.Logger) (JobResult, error) {
	keys, err := p.exporter.Export(ctx, job, result)
	if err != nil {
		log.Warn("export failed, deferring", zap.Error(err))
		if err := p.jobs.DeferExport(ctx, job, result, "export failed: "+err.Error()); err != nil {
			return jr, fmt.Errorf("deferring export of %s/%s: %w", job.Platform, job.Username, err)
		}
		jr.Outcome = OutcomeDeferred
		jr.Detail = err.Error()
		return jr, nil
	}

	detail := fmt.Sprintf("tier=%s artifacts=%d", result.Tier, len(keys))
	if err := p.jobs.MarkTerminal(ctx, job, models.StatusProcessed, detail); err != nil {
		return jr, fmt.Errorf("marking %s/%s processed: %w", job.Platform, job.Username, err)
	}
	log.Info("job processed", zap.String("tier", string(result.Tier)), zap.Int("artifacts", len(keys)))
	if jr.Outcome == "" {
		jr.Outcome = OutcomeProcessed
	}
	jr.Artifacts = keys
	jr.Detail = detail
	return jr, nil
}

func (p *Pipeline) reexport(ctx context.Context, job *models.JobDescriptor) (JobResult, error) {
	log := p.logger.With(zap.String("platform", string(job.Platform)), zap.String("username", job.Username))
	log.Info("re-exporting deferred result")
	jr := JobResult{Platform: job.Platform, Username: job.Username, Tier: job.PendingResult.Tier, Outcome: OutcomeReexported}
	return p.finish(ctx, job, job.PendingResult, jr, log)
}

func failureDetail(err error, timeout time.Duration) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Sprintf("timed out after %s", timeout)
	case errors.Is(err, context.Canceled):
		return "interrupted: " + err.Error()
	}
	return err.Error()
}

// DryRun reports what a cycle would do without claiming anything.
func (p *Pipeline) DryRun(ctx context.Context) (*Result, error) {
	r := &Result{}
	for _, platform := range p.platforms {
		deferred, err := p.jobs.ListProcessing(ctx, platform)
		if err != nil {
			return r, err
		}
		for _, job := range deferred {
			r.Jobs = append(r.Jobs, JobResult{
				Platform: platform,
				Username: job.Username,
				Outcome:  OutcomeDryRun,
				Detail:   "[dry-run] would re-export deferred result",
			})
		}
		pending, err := p.jobs.ListPending(ctx, platform)
		if err != nil {
			return r, err
		}
		for _, job := range pending {
			r.Jobs = append(r.Jobs, JobResult{
				Platform: platform,
				Username: job.Username,
				Outcome:  OutcomeDryRun,
				Detail:   fmt.Sprintf("[dry-run] would process with %d competitors", len(job.Competitors())),
			})
		}
	}
	return r, nil
}

// Poll runs a cycle every interval until ctx is done.
func (p *Pipeline) Poll(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		r, err := p.RunCycle(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if len(r.Jobs) > 0 {
			p.logger.Info("poll cycle complete",
				zap.Int("processed", r.Count(OutcomeProcessed)+r.Count(OutcomeReexported)),
				zap.Int("failed", r.Count(OutcomeFailed)),
				zap.Int("deferred", r.Count(OutcomeDeferred)))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
