// Package retrieve gathers an account's own and its competitors' posts from
// the content index, tolerating inconsistent ownership metadata.
package retrieve

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/TobiSchelling/PostPilot/internal/index"
	"github.com/TobiSchelling/PostPilot/internal/models"
)

// ErrRetrievalUnavailable means the index could not be queried. It is not
// retried; callers treat it as zero evidence.
var ErrRetrievalUnavailable = errors.New("retrieval unavailable")

// Target is the username being looked up and the job's primary account.
type Target struct {
	Username   string
	Primary    string
	Competitor bool
	// Declared is the job's full competitor set.
	Declared []string
}

// Strategy turns a target into an index filter. ok=false skips the strategy.
type Strategy struct {
	Name   string
	Filter func(t Target) (f index.Filter, ok bool)
}

// DefaultStrategies are tried in order; the first non-empty result wins.
var DefaultStrategies = []Strategy{
	{
		Name: "exact_owner",
		Filter: func(t Target) (index.Filter, bool) {
			return index.Filter{Owner: t.Username}, true
		},
	},
	{
		Name: "owner_with_competitor_flag",
		Filter: func(t Target) (index.Filter, bool) {
			f := index.Filter{OwnerFold: t.Username}
			if t.Competitor {
				f.CompetitorOf = t.Primary
			}
			return f, true
		},
	},
	{
		Name: "fuzzy_owner",
		Filter: func(t Target) (index.Filter, bool) {
			u := models.NormalizeUsername(t.Username)
			if len(u) < 3 {
				return index.Filter{}, false
			}
			return index.Filter{OwnerContains: u}, true
		},
	},
}

// Bundle is the evidence gathered for one job.
type Bundle struct {
	Platform         models.Platform
	Primary          string
	PrimaryDocuments []models.ContentDocument
	// Competitors has an entry for every requested competitor, empty when
	// nothing was found.
	Competitors map[string][]models.ContentDocument
	// Unavailable lists usernames with no documents under any strategy.
	Unavailable map[string]bool
	// Matched records which strategy produced each username's documents.
	Matched map[string]string
}

// EmptyBundle is the bundle used when the index is unreachable: every
// requested username is unavailable.
func EmptyBundle(platform models.Platform, primary string, competitors []string) *Bundle {
	b := newBundle(platform, primary)
	b.Unavailable[primary] = true
	for _, c := range competitors {
		b.Competitors[c] = nil
		b.Unavailable[c] = true
	}
	return b
}

func newBundle(platform models.Platform, primary string) *Bundle {
	return &Bundle{
		Platform:    platform,
		Primary:     primary,
		Competitors: make(map[string][]models.ContentDocument),
		Unavailable: make(map[string]bool),
		Matched:     make(map[string]string),
	}
}

// HasPrimary reports whether the account's own documents were found.
func (b *Bundle) HasPrimary() bool {
	return len(b.PrimaryDocuments) > 0
}

// CompetitorDocuments returns the union of competitor documents in
// competitor order, each document once.
func (b *Bundle) CompetitorDocuments(order []string) []models.ContentDocument {
	seen := make(map[string]bool)
	var out []models.ContentDocument
	for _, c := range order {
		for _, d := range b.Competitors[c] {
			if seen[d.ID] {
				continue
			}
			seen[d.ID] = true
			out = append(out, d)
		}
	}
	return out
}

// TotalDocuments counts every retrieved document.
func (b *Bundle) TotalDocuments() int {
	n := len(b.PrimaryDocuments)
	for _, docs := range b.Competitors {
		n += len(docs)
	}
	return n
}

// Retriever queries the index. It never writes to it.
type Retriever struct {
	index      index.Index
	strategies []Strategy
	limit      int
	logger     *zap.Logger
}

// New creates a retriever using DefaultStrategies.
func New(idx index.Index, limit int, logger *zap.Logger) *Retriever {
	if logger == nil {
		logger = zap.NewNop()
	}
	if limit <= 0 {
		limit = index.DefaultLimit
	}
	return &Retriever{index: idx, strategies: DefaultStrategies, limit: limit, logger: logger}
}

// WithStrategies returns a copy of r using strategies.
func (r *Retriever) WithStrategies(strategies []Strategy) *Retriever {
	c := *r
	c.strategies = strategies
	return &c
}

// FetchContext retrieves documents for the primary account and each
// competitor on platform.
func (r *Retriever) FetchContext(ctx context.Context, primary string, competitors []string, platform models.Platform) (*Bundle, error) {
	b := newBundle(platform, primary)

	docs, strategy, err := r.lookup(ctx, platform, Target{Username: primary, Primary: primary, Declared: competitors})
	if err != nil {
		return nil, err
	}
	b.PrimaryDocuments = docs
	r.record(b, primary, docs, strategy)

	for _, c := range competitors {
		docs, strategy, err := r.lookup(ctx, platform, Target{Username: c, Primary: primary, Competitor: true, Declared: competitors})
		if err != nil {
			return nil, err
		}
		b.Competitors[c] = docs
		r.record(b, c, docs, strategy)
	}

	r.logger.Info("context retrieved",
		zap.String("platform", string(platform)),
		zap.String("primary", primary),
		zap.Int("primary_docs", len(b.PrimaryDocuments)),
		zap.Int("total_docs", b.TotalDocuments()),
		zap.Int("unavailable", len(b.Unavailable)))
	return b, nil
}

func (r *Retriever) record(b *Bundle, username string, docs []models.ContentDocument, strategy string) {
	if len(docs) == 0 {
		b.Unavailable[username] = true
		return
	}
	b.Matched[username] = strategy
}

func (r *Retriever) lookup(ctx context.Context, platform models.Platform, t Target) ([]models.ContentDocument, string, error) {
	text := queryText(t)
	for _, s := range r.strategies {
		f, ok := s.Filter(t)
		if !ok || f.IsZero() {
			continue
		}
		docs, err := r.index.Query(ctx, index.Query{Platform: platform, Text: text, Filter: f, Limit: r.limit})
		if err != nil {
			return nil, "", fmt.Errorf("%w: %s: %w", ErrRetrievalUnavailable, t.Username, err)
		}
		docs = keepOwned(docs, t, s.Name)
		if len(docs) > 0 {
			r.logger.Debug("retrieval strategy matched",
				zap.String("username", t.Username),
				zap.String("strategy", s.Name),
				zap.Int("docs", len(docs)))
			return docs, s.Name, nil
		}
	}
	return nil, "", nil
}

// keepOwned drops fuzzy matches owned by another account of the job: the
// primary, or a declared competitor other than the target. A competitor's
// posts never count as the account's own evidence, nor the reverse.
func keepOwned(docs []models.ContentDocument, t Target, strategy string) []models.ContentDocument {
	if strategy != "fuzzy_owner" {
		return docs
	}
	self := models.NormalizeUsername(t.Username)
	others := map[string]bool{models.NormalizeUsername(t.Primary): true}
	for _, c := range t.Declared {
		others[models.NormalizeUsername(c)] = true
	}
	delete(others, self)

	var out []models.ContentDocument
	for _, d := range docs {
		if !others[models.NormalizeUsername(d.OwnerUsername)] {
			out = append(out, d)
		}
	}
	return out
}

func queryText(t Target) string {
	parts := []string{t.Username, "recent posts", "content themes", "audience engagement"}
	if t.Competitor {
		parts = append(parts, "competitive strategy")
	}
	return strings.Join(parts, " ")
}
