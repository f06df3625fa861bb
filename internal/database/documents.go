package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/TobiSchelling/PostPilot/internal/index"
	"github.com/TobiSchelling/PostPilot/internal/models"
)

// candidateLimit caps how many rows are pulled for in-process similarity ranking.
const candidateLimit = 500

// DocumentIndex is the SQLite content index. Embeddings are stored as JSON
// arrays and ranked in process.
type DocumentIndex struct {
	db       *DB
	embedder index.Embedder
	logger   *zap.Logger
}

// Documents returns the content index view of the database. embedder may be nil.
func (db *DB) Documents(embedder index.Embedder, logger *zap.Logger) *DocumentIndex {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DocumentIndex{db: db, embedder: embedder, logger: logger}
}

var _ index.Index = (*DocumentIndex)(nil)

// Upsert stores doc and links it to the given primary accounts. The owner of
// an existing document is never changed.
func (x *DocumentIndex) Upsert(ctx context.Context, doc models.ContentDocument) error {
	if doc.ID == "" || doc.OwnerUsername == "" {
		return fmt.Errorf("document needs an id and an owner")
	}
	if len(doc.Embedding) == 0 && x.embedder != nil && strings.TrimSpace(doc.Text) != "" {
		embs, err := x.embedder.Embed(ctx, []string{doc.Text})
		if err != nil {
			x.logger.Warn("embedding document failed, storing without vector",
				zap.String("id", doc.ID), zap.Error(err))
		} else if len(embs) == 1 {
			doc.Embedding = embs[0]
		}
	}

	var embedding sql.NullString
	if len(doc.Embedding) > 0 {
		b, err := json.Marshal(doc.Embedding)
		if err != nil {
			return err
		}
		embedding = sql.NullString{String: string(b), Valid: true}
	}
	var postedAt sql.NullString
	if !doc.PostedAt.IsZero() {
		postedAt = sql.NullString{String: doc.PostedAt.UTC().Format(time.RFC3339), Valid: true}
	}

	tx, err := x.db.conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO documents (id, platform, owner_username, owner_fold, body, likes, comments, shares, posted_at, url, embedding)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			body = excluded.body,
			likes = excluded.likes,
			comments = excluded.comments,
			shares = excluded.shares,
			posted_at = COALESCE(excluded.posted_at, documents.posted_at),
			url = COALESCE(excluded.url, documents.url),
			embedding = COALESCE(excluded.embedding, documents.embedding),
			indexed_at = datetime('now')`,
		doc.ID, string(doc.Platform), doc.OwnerUsername, models.NormalizeUsername(doc.OwnerUsername),
		doc.Text, doc.Engagement.Likes, doc.Engagement.Comments, doc.Engagement.Shares,
		postedAt, nullIfEmpty(doc.URL), embedding,
	)
	if err != nil {
		return fmt.Errorf("upserting document %s: %w", doc.ID, err)
	}

	for _, primary := range doc.IsCompetitorOf {
		fold := models.NormalizeUsername(primary)
		if fold == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT OR IGNORE INTO document_competitors (document_id, primary_fold) VALUES (?, ?)",
			doc.ID, fold,
		); err != nil {
			return fmt.Errorf("linking document %s: %w", doc.ID, err)
		}
	}
	return tx.Commit()
}

// Query implements index.Index.
func (x *DocumentIndex) Query(ctx context.Context, q index.Query) ([]models.ContentDocument, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = index.DefaultLimit
	}

	var vec []float64
	if x.embedder != nil && strings.TrimSpace(q.Text) != "" {
		embs, err := x.embedder.Embed(ctx, []string{q.Text})
		if err != nil {
			x.logger.Warn("query embedding failed, ranking by engagement", zap.Error(err))
		} else if len(embs) == 1 {
			vec = embs[0]
		}
	}

	fetch := limit
	if len(vec) > 0 {
		fetch = candidateLimit
	}
	stmt, args := buildSQLiteQuery(q, fetch)
	rows, err := x.db.conn.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", index.ErrUnavailable, err)
	}
	defer rows.Close()

	docs, err := scanDocuments(rows)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", index.ErrUnavailable, err)
	}

	if len(vec) > 0 {
		index.RankBySimilarity(docs, vec)
	}
	if len(docs) > limit {
		docs = docs[:limit]
	}
	return docs, nil
}

func buildSQLiteQuery(q index.Query, limit int) (string, []any) {
	where := []string{"d.platform = ?"}
	args := []any{string(q.Platform)}

	f := q.Filter
	if f.Owner != "" {
		where = append(where, "d.owner_username = ?")
		args = append(args, f.Owner)
	}
	if f.OwnerFold != "" {
		where = append(where, "d.owner_fold = ?")
		args = append(args, models.NormalizeUsername(f.OwnerFold))
	}
	if f.OwnerContains != "" {
		where = append(where, "instr(d.owner_fold, ?) > 0")
		args = append(args, models.NormalizeUsername(f.OwnerContains))
	}
	if f.CompetitorOf != "" {
		where = append(where,
			"EXISTS (SELECT 1 FROM document_competitors c WHERE c.document_id = d.id AND c.primary_fold = ?)")
		args = append(args, models.NormalizeUsername(f.CompetitorOf))
	}
	args = append(args, limit)

	return `SELECT d.id, d.platform, d.owner_username, d.body, d.likes, d.comments, d.shares,
			d.posted_at, d.url, d.embedding,
			(SELECT group_concat(c.primary_fold, ',') FROM document_competitors c WHERE c.document_id = d.id)
		FROM documents d
		WHERE ` + strings.Join(where, " AND ") + `
		ORDER BY (d.likes + d.comments + d.shares) DESC, d.posted_at DESC
		LIMIT ?`, args
}

func scanDocuments(rows *sql.Rows) ([]models.ContentDocument, error) {
	var docs []models.ContentDocument
	for rows.Next() {
		var d models.ContentDocument
		var platform string
		var postedAt, url, embedding, competitors sql.NullString
		if err := rows.Scan(
			&d.ID, &platform, &d.OwnerUsername, &d.Text,
			&d.Engagement.Likes, &d.Engagement.Comments, &d.Engagement.Shares,
			&postedAt, &url, &embedding, &competitors,
		); err != nil {
			return nil, err
		}
		d.Platform = models.Platform(platform)
		d.URL = url.String
		if postedAt.Valid {
			d.PostedAt, _ = time.Parse(time.RFC3339, postedAt.String)
		}
		if embedding.Valid && embedding.String != "" {
			if err := json.Unmarshal([]byte(embedding.String), &d.Embedding); err != nil {
				return nil, fmt.Errorf("decoding embedding of %s: %w", d.ID, err)
			}
		}
		if competitors.Valid && competitors.String != "" {
			d.IsCompetitorOf = strings.Split(competitors.String, ",")
		}
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

// OwnerCount is the number of indexed documents of one owner.
type OwnerCount struct {
	Platform models.Platform
	Owner    string
	Count    int
}

// CountByOwner returns per-owner document counts, largest first.
func (x *DocumentIndex) CountByOwner(ctx context.Context) ([]OwnerCount, error) {
	rows, err := x.db.conn.QueryContext(ctx,
		`SELECT platform, owner_fold, COUNT(*) FROM documents
		GROUP BY platform, owner_fold ORDER BY COUNT(*) DESC, owner_fold`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []OwnerCount
	for rows.Next() {
		var oc OwnerCount
		var platform string
		if err := rows.Scan(&platform, &oc.Owner, &oc.Count); err != nil {
			return nil, err
		}
		oc.Platform = models.Platform(platform)
		out = append(out, oc)
	}
	return out, rows.Err()
}

func nullIfEmpty(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
