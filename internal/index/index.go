// Package index defines the query contract of the shared content index and
// the ranking helpers its implementations share.
package index

import (
	"context"
	"errors"
	"math"
	"sort"

	"github.com/TobiSchelling/PostPilot/internal/models"
)

// ErrUnavailable is returned when the index cannot be reached.
var ErrUnavailable = errors.New("content index unavailable")

const DefaultLimit = 10

// Filter selects documents by ownership metadata. Empty fields do not constrain.
type Filter struct {
	// Owner matches owner_username exactly as stored.
	Owner string
	// OwnerFold matches the normalized owner (lowercase, no leading "@").
	OwnerFold string
	// OwnerContains matches a case-insensitive substring of the normalized owner.
	OwnerContains string
	// CompetitorOf requires the document to be linked to this primary account.
	CompetitorOf string
}

// IsZero reports whether the filter constrains nothing.
func (f Filter) IsZero() bool {
	return f == Filter{}
}

// Query is one ownership-filtered similarity lookup.
type Query struct {
	Platform models.Platform
	Text     string
	Filter   Filter
	Limit    int
}

// Index is the read contract of the content index.
type Index interface {
	Query(ctx context.Context, q Query) ([]models.ContentDocument, error)
}

// Embedder turns texts into vectors.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float64, error)
}

// CosineSimilarity returns the cosine similarity of a and b, 0 when undefined.
func CosineSimilarity(a, b []float64) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// RankBySimilarity scores docs against query and sorts them best first.
// Documents without an embedding score 0 and keep engagement order among themselves.
func RankBySimilarity(docs []models.ContentDocument, query []float64) {
	for i := range docs {
		docs[i].Score = CosineSimilarity(docs[i].Embedding, query)
	}
	sort.SliceStable(docs, func(i, j int) bool {
		if docs[i].Score != docs[j].Score {
			return docs[i].Score > docs[j].Score
		}
		return docs[i].Engagement.Total() > docs[j].Engagement.Total()
	})
}

// RankByEngagement sorts docs by total engagement, newest first on ties.
func RankByEngagement(docs []models.ContentDocument) {
	sort.SliceStable(docs, func(i, j int) bool {
		ti, tj := docs[i].Engagement.Total(), docs[j].Engagement.Total()
		if ti != tj {
			return ti > tj
		}
		return docs[i].PostedAt.After(docs[j].PostedAt)
	})
}
