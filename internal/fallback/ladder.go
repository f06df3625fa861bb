// Package fallback runs generation down a ladder of degraded modes so every
// job ends with a result whose tier says how it was produced.
package fallback

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/TobiSchelling/PostPilot/internal/generate"
	"github.com/TobiSchelling/PostPilot/internal/metrics"
	"github.com/TobiSchelling/PostPilot/internal/models"
	"github.com/TobiSchelling/PostPilot/internal/retrieve"
)

// Generator is the model-backed part of the ladder.
type Generator interface {
	Run(ctx context.Context, req generate.Request) (*models.GenerationResult, error)
	Available() bool
}

// Ladder tries grounded generation first, then each degraded rung in order.
type Ladder struct {
	gen    Generator
	logger *zap.Logger
	now    func() time.Time
}

// New creates a ladder. gen may be nil, in which case only the rule-based
// rung runs.
func New(gen Generator, logger *zap.Logger) *Ladder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ladder{gen: gen, logger: logger, now: time.Now}
}

// Run produces a result for job. It fails only when ctx is done.
func (l *Ladder) Run(ctx context.Context, job *models.JobDescriptor, bundle *retrieve.Bundle) (*models.GenerationResult, error) {
	competitors := job.Competitors()
	if bundle == nil {
		bundle = retrieve.EmptyBundle(job.Platform, job.Username, competitors)
	}
	log := l.logger.With(zap.String("platform", string(job.Platform)), zap.String("username", job.Username))

	if bundle.HasPrimary() {
		r, err := l.attempt(ctx, log, generate.Request{Job: job, Bundle: bundle, Mode: generate.ModeRAG})
		if err != nil {
			return nil, err
		}
		if r != nil {
			return l.finalize(job, bundle, r), nil
		}
	}

	if len(bundle.CompetitorDocuments(competitors)) > 0 {
		r, err := l.attempt(ctx, log, generate.Request{Job: job, Bundle: bundle, Mode: generate.ModeCompetitorAsPrimary})
		if err != nil {
			return nil, err
		}
		if r != nil {
			return l.finalize(job, bundle, r), nil
		}
	}

	r, err := l.attempt(ctx, log, generate.Request{
		Job:         job,
		Bundle:      bundle,
		Mode:        generate.ModePostingStyleOnly,
		Relaxed:     true,
		MaxAttempts: 1,
	})
	if err != nil {
		return nil, err
	}
	if r != nil {
		return l.finalize(job, bundle, r), nil
	}

	log.Warn("no model result, using rule-based synthesis")
	return l.finalize(job, bundle, Emergency(job, bundle, l.now())), nil
}

// attempt runs one rung. A nil result with a nil error means the rung did
// not produce an acceptable result.
func (l *Ladder) attempt(ctx context.Context, log *zap.Logger, req generate.Request) (*models.GenerationResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if l.gen == nil || !l.gen.Available() {
		log.Debug("skipping rung, no model available", zap.String("mode", req.Mode.String()))
		return nil, nil
	}
	r, err := l.gen.Run(ctx, req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		log.Info("rung did not produce a result",
			zap.String("mode", req.Mode.String()),
			zap.Bool("models_exhausted", errors.Is(err, generate.ErrModelsExhausted)),
			zap.Error(err))
		return nil, nil
	}
	return r, nil
}

// finalize attaches deterministic competitor evidence, explicit no-data
// insights and the disclosure for the result's tier.
func (l *Ladder) finalize(job *models.JobDescriptor, bundle *retrieve.Bundle, r *models.GenerationResult) *models.GenerationResult {
	if r.CompetitorInsights == nil {
		r.CompetitorInsights = make(map[string]models.CompetitorInsight)
	}
	var withData []string
	for _, c := range job.Competitors() {
		ci := r.CompetitorInsights[c]
		docs := bundle.Competitors[c]
		if len(docs) == 0 {
			r.CompetitorInsights[c] = models.CompetitorInsight{
				Overview: fmt.Sprintf("No data available: no indexed %s posts were found for @%s, so no analysis was produced.", job.Platform, c),
			}
			continue
		}
		withData = append(withData, "@"+c)
		ci.Evidence = Summarize(docs)
		ci.DataAvailable = true
		if strings.TrimSpace(ci.Overview) == "" {
			ci.Overview = fmt.Sprintf("@%s: %d posts averaging %.1f likes, %.1f comments and %.1f shares.",
				c, ci.Evidence.PostCount, ci.Evidence.AvgLikes, ci.Evidence.AvgComments, ci.Evidence.AvgShares)
		}
		r.CompetitorInsights[c] = ci
	}
	for name := range r.CompetitorInsights {
		if !isDeclared(job, name) {
			delete(r.CompetitorInsights, name)
		}
	}

	if r.QualityFlags == nil {
		r.QualityFlags = generate.VerifyQuality(r, job)
	}
	if r.QualityFlags == nil {
		r.QualityFlags = []models.QualityFlag{}
	}
	r.Disclosure = disclosure(job, r.Tier, withData)
	if r.GeneratedAt.IsZero() {
		r.GeneratedAt = l.now().UTC()
	}
	metrics.ResultsByTier.WithLabelValues(string(r.Tier)).Inc()
	return r
}

func isDeclared(job *models.JobDescriptor, name string) bool {
	for _, c := range job.Competitors() {
		if c == name {
			return true
		}
	}
	return false
}

func disclosure(job *models.JobDescriptor, tier models.GenerationTier, withData []string) string {
	switch tier {
	case models.TierCompetitorAsPrimary:
		return fmt.Sprintf("Not personalized: @%s has no indexed post history, so this plan is based on competitor content from %s.",
			job.Username, strings.Join(withData, ", "))
	case models.TierPostingStyleOnly:
		return fmt.Sprintf("Not personalized: no post history was available, so this plan is based only on the declared account type and posting style of @%s.", job.Username)
	case models.TierRuleBasedEmergency:
		return fmt.Sprintf("Not personalized: no model was available, so this plan was assembled from rules seeded by the posting style of @%s.", job.Username)
	}
	return ""
}
