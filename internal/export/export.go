// Package export splits a GenerationResult into append-only artifacts.
package export

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/TobiSchelling/PostPilot/internal/metrics"
	"github.com/TobiSchelling/PostPilot/internal/models"
	"github.com/TobiSchelling/PostPilot/internal/storage"
)

// ErrExport wraps every failure to persist an artifact.
var ErrExport = errors.New("export failed")

// File name prefixes inside each artifact directory.
const (
	prefixRecommendation = "recommendation"
	prefixNextPost       = "next_post"
	prefixAnalysis       = "analysis"
)

const maxCollisions = 5

// Artifact is the stored envelope of every exported document.
type Artifact struct {
	Kind       string                `json:"kind"`
	RunID      string                `json:"run_id"`
	Platform   models.Platform       `json:"platform"`
	Username   string                `json:"username"`
	Competitor string                `json:"competitor,omitempty"`
	Tier       models.GenerationTier `json:"generation_tier"`
	// Personalized is false for every tier not grounded in the account's own posts.
	Personalized bool                 `json:"personalized"`
	Disclosure   string               `json:"disclosure,omitempty"`
	QualityFlags []models.QualityFlag `json:"quality_flags"`
	Model        string               `json:"model,omitempty"`
	GeneratedAt  time.Time            `json:"generated_at"`

	PrimaryAnalysis         string                    `json:"primary_analysis,omitempty"`
	TacticalRecommendations []string                  `json:"tactical_recommendations,omitempty"`
	NextPost                *models.NextPost          `json:"next_post_prediction,omitempty"`
	Insight                 *models.CompetitorInsight `json:"competitor_insight,omitempty"`
	Markdown                string                    `json:"markdown"`
}

type planned struct {
	dir      string
	prefix   string
	artifact Artifact
}

// Writer persists artifacts into an object store.
type Writer struct {
	store  storage.Store
	logger *zap.Logger
}

// New creates a writer.
func New(store storage.Store, logger *zap.Logger) *Writer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Writer{store: store, logger: logger}
}

// Export writes the recommendation, next-post and one competitor analysis
// per declared competitor, and returns their keys. Re-exporting the same
// run reuses artifacts already written for it.
func (w *Writer) Export(ctx context.Context, job *models.JobDescriptor, result *models.GenerationResult) ([]string, error) {
	base := Artifact{
		RunID:        result.RunID,
		Platform:     job.Platform,
		Username:     job.Username,
		Tier:         result.Tier,
		Personalized: result.Tier.Personalized(),
		Disclosure:   result.Disclosure,
		QualityFlags: result.QualityFlags,
		Model:        result.Model,
		GeneratedAt:  result.GeneratedAt,
	}
	if base.QualityFlags == nil {
		base.QualityFlags = []models.QualityFlag{}
	}

	rec := base
	rec.Kind = storage.KindRecommendation
	rec.PrimaryAnalysis = result.PrimaryAnalysis
	rec.TacticalRecommendations = result.TacticalRecommendations
	rec.Markdown = RecommendationMarkdown(job, result)

	next := base
	next.Kind = storage.KindNextPost
	np := result.NextPostPrediction
	next.NextPost = &np
	next.Markdown = NextPostMarkdown(job, result)

	var keys []string
	plan := []planned{
		{storage.ArtifactDir(storage.KindRecommendation, job.Platform, job.Username), prefixRecommendation, rec},
		{storage.ArtifactDir(storage.KindNextPost, job.Platform, job.Username), prefixNextPost, next},
	}
	for _, c := range job.Competitors() {
		insight, ok := result.CompetitorInsights[c]
		if !ok {
			insight = models.CompetitorInsight{
				Overview: fmt.Sprintf("No data available for @%s.", c),
			}
		}
		a := base
		a.Kind = storage.KindCompetitorAnalysis
		a.Competitor = c
		a.Insight = &insight
		a.Markdown = CompetitorMarkdown(job, c, insight, result)
		plan = append(plan, planned{storage.ArtifactDir(storage.KindCompetitorAnalysis, job.Platform, job.Username, c), prefixAnalysis, a})
	}

	for _, p := range plan {
		key, err := w.write(ctx, p.dir, p.prefix, p.artifact)
		if err != nil {
			return keys, err
		}
		keys = append(keys, key)
	}
	w.logger.Info("exported artifacts",
		zap.String("platform", string(job.Platform)),
		zap.String("username", job.Username),
		zap.String("tier", string(result.Tier)),
		zap.Int("artifacts", len(keys)))
	return keys, nil
}

// write appends a at the next free sequence number under dir.
func (w *Writer) write(ctx context.Context, dir, prefix string, a Artifact) (string, error) {
	body, err := json.MarshalIndent(a, "", "  ")
	if err != nil {
		return "", fmt.Errorf("%w: encoding %s: %w", ErrExport, a.Kind, err)
	}

	for i := 0; i < maxCollisions; i++ {
		existing, err := w.store.List(ctx, dir)
		if err != nil {
			return "", fmt.Errorf("%w: listing %s: %w", ErrExport, dir, err)
		}
		n := storage.MaxSequence(existing, dir, prefix)
		if n > 0 && a.RunID != "" {
			latest := storage.SequenceKey(dir, prefix, n)
			if w.sameRun(ctx, latest, a.RunID) {
				return latest, nil
			}
		}

		key := storage.SequenceKey(dir, prefix, n+1)
		err = w.store.PutIfAbsent(ctx, key, body)
		if err == nil {
			metrics.ArtifactsExported.WithLabelValues(a.Kind).Inc()
			return key, nil
		}
		if !errors.Is(err, storage.ErrExists) {
			return "", fmt.Errorf("%w: writing %s: %w", ErrExport, key, err)
		}
		w.logger.Debug("artifact sequence taken, retrying", zap.String("key", key))
	}
	return "", fmt.Errorf("%w: %s: sequence contention after %d tries", ErrExport, dir, maxCollisions)
}

func (w *Writer) sameRun(ctx context.Context, key, runID string) bool {
	obj, err := w.store.Get(ctx, key)
	if err != nil {
		return false
	}
	var prev struct {
		RunID string `json:"run_id"`
	}
	if err := json.Unmarshal(obj.Body, &prev); err != nil {
		return false
	}
	return prev.RunID == runID
}

// Latest returns the newest artifact under dir, or nil when there is none.
func Latest(ctx context.Context, store storage.Store, dir, prefix string) (*Artifact, string, error) {
	keys, err := store.List(ctx, dir)
	if err != nil {
		return nil, "", err
	}
	n := storage.MaxSequence(keys, dir, prefix)
	if n == 0 {
		return nil, "", nil
	}
	key := storage.SequenceKey(dir, prefix, n)
	obj, err := store.Get(ctx, key)
	if err != nil {
		return nil, "", err
	}
	var a Artifact
	if err := json.Unmarshal(obj.Body, &a); err != nil {
		return nil, "", fmt.Errorf("decoding %s: %w", key, err)
	}
	return &a, key, nil
}

// LatestRecommendation returns the newest recommendation artifact of an account.
func LatestRecommendation(ctx context.Context, store storage.Store, platform models.Platform, username string) (*Artifact, string, error) {
	return Latest(ctx, store, storage.ArtifactDir(storage.KindRecommendation, platform, username), prefixRecommendation)
}

// LatestNextPost returns the newest next-post artifact of an account.
func LatestNextPost(ctx context.Context, store storage.Store, platform models.Platform, username string) (*Artifact, string, error) {
	return Latest(ctx, store, storage.ArtifactDir(storage.KindNextPost, platform, username), prefixNextPost)
}
