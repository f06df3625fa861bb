package index

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/pgvector/pgvector-go"
	"go.uber.org/zap"

	"github.com/TobiSchelling/PostPilot/internal/models"
)

// PGIndex queries a Postgres table with a pgvector embedding column shared
// by several pipeline instances.
type PGIndex struct {
	db       *sql.DB
	embedder Embedder
	logger   *zap.Logger
}

// OpenPG connects to Postgres through lib/pq.
func OpenPG(dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening postgres: %w", err)
	}
	return db, nil
}

// NewPGIndex creates an index over db. embedder may be nil, in which case
// results are ranked by engagement.
func NewPGIndex(db *sql.DB, embedder Embedder, logger *zap.Logger) *PGIndex {
	return &PGIndex{db: db, embedder: embedder, logger: logger}
}

// Query implements Index.
func (p *PGIndex) Query(ctx context.Context, q Query) ([]models.ContentDocument, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}

	var vec []float32
	if p.embedder != nil && strings.TrimSpace(q.Text) != "" {
		embs, err := p.embedder.Embed(ctx, []string{q.Text})
		if err != nil {
			p.logger.Warn("query embedding failed, ranking by engagement", zap.Error(err))
		} else if len(embs) == 1 {
			vec = toFloat32(embs[0])
		}
	}

	stmt, args := buildPGQuery(q, vec, limit)
	rows, err := p.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer rows.Close()

	var docs []models.ContentDocument
	for rows.Next() {
		var d models.ContentDocument
		var platform string
		var url sql.NullString
		var postedAt sql.NullTime
		var competitorOf []string
		var similarity float64
		if err := rows.Scan(
			&d.ID,
			&platform,
			&d.OwnerUsername,
			&d.Text,
			&d.Engagement.Likes,
			&d.Engagement.Comments,
			&d.Engagement.Shares,
			&postedAt,
			&url,
			pq.Array(&competitorOf),
			&similarity,
		); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		d.Platform = models.Platform(platform)
		d.URL = url.String
		if postedAt.Valid {
			d.PostedAt = postedAt.Time
		}
		d.IsCompetitorOf = competitorOf
		d.Score = similarity
		docs = append(docs, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate documents: %v", ErrUnavailable, err)
	}
	return docs, nil
}

func buildPGQuery(q Query, vec []float32, limit int) (string, []any) {
	args := []any{string(q.Platform)}
	where := []string{"d.platform = $1"}
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}

	f := q.Filter
	if f.Owner != "" {
		add("d.owner_username = $%d", f.Owner)
	}
	if f.OwnerFold != "" {
		add("d.owner_fold = $%d", models.NormalizeUsername(f.OwnerFold))
	}
	if f.OwnerContains != "" {
		add("d.owner_fold LIKE '%%' || $%d || '%%'", escapeLike(models.NormalizeUsername(f.OwnerContains)))
	}
	if f.CompetitorOf != "" {
		add("EXISTS (SELECT 1 FROM postpilot_document_competitors c WHERE c.document_id = d.id AND c.primary_fold = $%d)",
			models.NormalizeUsername(f.CompetitorOf))
	}

	similarity := "0::float8"
	order := "(d.likes + d.comments + d.shares) DESC, d.posted_at DESC"
	if len(vec) > 0 {
		args = append(args, pgvector.NewVector(vec))
		n := len(args)
		similarity = fmt.Sprintf("1 - (d.embedding <=> $%d)", n)
		order = fmt.Sprintf("d.embedding <=> $%d", n)
	}

	args = append(args, limit)
	stmt := fmt.Sprintf(`
		SELECT d.id,
			d.platform,
			d.owner_username,
			d.body,
			d.likes,
			d.comments,
			d.shares,
			d.posted_at,
			d.url,
			ARRAY(SELECT c.primary_fold FROM postpilot_document_competitors c WHERE c.document_id = d.id) AS competitor_of,
			%s AS similarity
		FROM postpilot_documents d
		WHERE %s
		ORDER BY %s
		LIMIT $%d`, similarity, strings.Join(where, " AND "), order, len(args))
	return stmt, args
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, "%", `\%`, "_", `\_`)
	return r.Replace(s)
}

func toFloat32(v []float64) []float32 {
	out := make([]float32, len(v))
	for i, f := range v {
		out[i] = float32(f)
	}
	return out
}

// pgTimeout bounds a single index round trip when the caller has no deadline.
const pgTimeout = 15 * time.Second

// Ping checks connectivity.
func (p *PGIndex) Ping(ctx context.Context) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, pgTimeout)
		defer cancel()
	}
	if err := p.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}
