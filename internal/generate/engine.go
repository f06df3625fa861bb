// Package generate renders the unified prompt, calls the model through the
// rate limiter, recovers structure from the response and applies the
// quality gate.
package generate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/TobiSchelling/PostPilot/internal/llm"
	"github.com/TobiSchelling/PostPilot/internal/models"
	"github.com/TobiSchelling/PostPilot/internal/ratelimit"
	"github.com/TobiSchelling/PostPilot/internal/retrieve"
)

var (
	// ErrUnparseable is returned when no parser strategy recovers a result.
	ErrUnparseable = errors.New("unparseable model response")
	// ErrQualityGate is returned when every attempt raised a blocking flag.
	ErrQualityGate = errors.New("quality gate failed")
	// ErrModelsExhausted is returned when no configured model can take a call.
	ErrModelsExhausted = errors.New("all models exhausted")
)

const (
	defaultMaxTokens   = 4096
	defaultMaxAttempts = 3
)

// Options tunes the engine. Zero values take the defaults.
type Options struct {
	MaxTokens   int
	MaxAttempts int
}

// Engine produces GenerationResults from a primary model and an optional
// secondary model.
type Engine struct {
	providers   []llm.Provider
	limiter     *ratelimit.Limiter
	maxTokens   int
	maxAttempts int
	logger      *zap.Logger
	now         func() time.Time
}

// New creates an engine. providers are tried in order; nil entries are skipped.
func New(providers []llm.Provider, limiter *ratelimit.Limiter, opts Options, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = defaultMaxTokens
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	var ps []llm.Provider
	for _, p := range providers {
		if p != nil {
			ps = append(ps, p)
		}
	}
	return &Engine{
		providers:   ps,
		limiter:     limiter,
		maxTokens:   opts.MaxTokens,
		maxAttempts: opts.MaxAttempts,
		logger:      logger,
		now:         time.Now,
	}
}

// Request is one generation in a given mode.
type Request struct {
	Job    *models.JobDescriptor
	Bundle *retrieve.Bundle
	Mode   Mode
	// Relaxed blocks only on depth and platform flags.
	Relaxed bool
	// MaxAttempts overrides the engine default when positive.
	MaxAttempts int
}

// Available reports whether any model can currently take a call.
func (e *Engine) Available() bool {
	return e.usable(0) >= 0
}

// Generate runs the grounded mode with the strict quality gate.
func (e *Engine) Generate(ctx context.Context, job *models.JobDescriptor, bundle *retrieve.Bundle) (*models.GenerationResult, error) {
	return e.Run(ctx, Request{Job: job, Bundle: bundle, Mode: ModeRAG})
}

// Run generates one result. On ErrQualityGate the last rejected result is
// returned alongside the error.
func (e *Engine) Run(ctx context.Context, req Request) (*models.GenerationResult, error) {
	attempts := e.maxAttempts
	if req.MaxAttempts > 0 {
		attempts = req.MaxAttempts
	}
	log := e.logger.With(
		zap.String("platform", string(req.Job.Platform)),
		zap.String("username", req.Job.Username),
		zap.String("mode", req.Mode.String()))

	base := BuildPrompt(req.Job, req.Bundle, req.Mode)
	active := 0
	reason := ""
	var lastErr error
	var rejected *models.GenerationResult

	for attempt := 0; attempt < attempts; {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		idx := e.usable(active)
		if idx < 0 {
			return nil, exhausted(lastErr)
		}
		active = idx
		p := e.providers[idx]

		prompt := base
		if attempt > 0 {
			prompt += retryNote(attempt+1, reason)
		}
		text, err := e.limiter.Do(ctx, p.Model(), prompt, func(ctx context.Context) (string, error) {
			return p.Generate(ctx, prompt, e.maxTokens)
		})
		if err != nil {
			lastErr = err
			var qe *llm.QuotaError
			switch {
			case errors.Is(err, ratelimit.ErrModelExhausted), errors.Is(err, ratelimit.ErrQuotaPreemptivelyExhausted):
				// No request left the process.
				log.Warn("model unavailable, switching", zap.String("model", p.Model()), zap.Error(err))
				active = idx + 1
			case errors.As(err, &qe) && qe.Daily:
				log.Warn("daily quota exhausted, switching", zap.String("model", p.Model()))
				attempt++
				active = idx + 1
			case errors.As(err, &qe):
				attempt++
				if next := e.usable(idx + 1); next >= 0 {
					log.Info("rate limited, switching to secondary model",
						zap.String("model", p.Model()),
						zap.String("secondary", e.providers[next].Model()))
					active = next
				}
				reason = "the request was rate limited"
			case ctx.Err() != nil:
				return nil, ctx.Err()
			default:
				log.Warn("model call failed", zap.Int("attempt", attempt+1), zap.Error(err))
				attempt++
				reason = "the call failed"
			}
			continue
		}
		attempt++

		parsed, strategy, err := Parse(text)
		if err != nil {
			log.Warn("response not parseable", zap.Int("attempt", attempt), zap.Int("length", len(text)))
			lastErr = ErrUnparseable
			reason = "it was not valid JSON"
			continue
		}

		result := e.assemble(req, parsed, p.Model())
		result.QualityFlags = VerifyQuality(result, req.Job)
		if blocking := Blocking(result.QualityFlags, req.Relaxed); len(blocking) > 0 {
			log.Warn("quality gate rejected response",
				zap.Int("attempt", attempt),
				zap.String("parser", strategy),
				zap.Any("flags", blocking))
			lastErr = fmt.Errorf("%w: %s", ErrQualityGate, joinFlags(blocking))
			reason = "quality issues: " + joinFlags(blocking)
			rejected = result
			continue
		}

		log.Info("generated",
			zap.String("model", p.Model()),
			zap.String("parser", strategy),
			zap.Int("attempt", attempt),
			zap.Any("flags", result.QualityFlags))
		e.limiter.Store(prompt, text)
		return result, nil
	}

	if errors.Is(lastErr, ErrQualityGate) {
		return rejected, lastErr
	}
	if lastErr == nil {
		lastErr = ErrUnparseable
	}
	return nil, fmt.Errorf("generation failed after %d attempts: %w", attempts, lastErr)
}

// usable returns the index of the first provider at or after from that is
// configured and not exhausted, or -1.
func (e *Engine) usable(from int) int {
	for i := from; i < len(e.providers); i++ {
		p := e.providers[i]
		if !p.IsConfigured() {
			continue
		}
		if e.limiter != nil && e.limiter.IsExhausted(p.Model()) {
			continue
		}
		return i
	}
	return -1
}

func exhausted(cause error) error {
	if cause == nil {
		return ErrModelsExhausted
	}
	return fmt.Errorf("%w: %w", ErrModelsExhausted, cause)
}

func (e *Engine) assemble(req Request, p *Parsed, model string) *models.GenerationResult {
	job := req.Job
	insights := make(map[string]models.CompetitorInsight)
	for _, c := range job.Competitors() {
		ci, ok := lookupInsight(p.CompetitorInsights, c)
		if !ok {
			continue
		}
		if req.Bundle != nil {
			ci.DataAvailable = len(req.Bundle.Competitors[c]) > 0
		}
		insights[c] = ci
	}
	return &models.GenerationResult{
		RunID:                   uuid.NewString(),
		Platform:                job.Platform,
		Username:                job.Username,
		PrimaryAnalysis:         p.PrimaryAnalysis,
		CompetitorInsights:      insights,
		TacticalRecommendations: p.TacticalRecommendations,
		NextPostPrediction:      p.NextPost,
		Tier:                    req.Mode.Tier(),
		Model:                   model,
		GeneratedAt:             e.now().UTC(),
	}
}

func lookupInsight(m map[string]models.CompetitorInsight, name string) (models.CompetitorInsight, bool) {
	want := models.NormalizeUsername(name)
	for k, v := range m {
		if models.NormalizeUsername(k) == want {
			return v, true
		}
	}
	return models.CompetitorInsight{}, false
}

func joinFlags(flags []models.QualityFlag) string {
	s := make([]string, len(flags))
	for i, f := range flags {
		s[i] = string(f)
	}
	return strings.Join(s, ", ")
}
