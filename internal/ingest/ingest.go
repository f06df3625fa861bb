// Package ingest loads historical posts into the content index, either from
// scraper JSON dumps or from RSS/Atom account feeds.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/TobiSchelling/PostPilot/internal/models"
)

// Sink receives indexed documents.
type Sink interface {
	Upsert(ctx context.Context, doc models.ContentDocument) error
}

// Result holds the counts of one ingestion run.
type Result struct {
	Found   int
	Indexed int
	Skipped int
	Fetched int
	Failed  int
}

// Post is one entry of a scraper dump. Both the scraper's field names and
// the index's own names are accepted.
type Post struct {
	ID             string   `json:"id"`
	Platform       string   `json:"platform"`
	OwnerUsername  string   `json:"owner_username"`
	Username       string   `json:"username"`
	Text           string   `json:"text"`
	Caption        string   `json:"caption"`
	Likes          int64    `json:"likes"`
	Comments       int64    `json:"comments"`
	Shares         int64    `json:"shares"`
	Retweets       int64    `json:"retweets"`
	PostedAt       string   `json:"posted_at"`
	Timestamp      string   `json:"timestamp"`
	URL            string   `json:"url"`
	IsCompetitorOf []string `json:"is_competitor_of"`
	Engagement     *struct {
		Likes    int64 `json:"likes"`
		Comments int64 `json:"comments"`
		Shares   int64 `json:"shares"`
	} `json:"engagement_metrics"`
}

var timeLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func parseTime(s string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

// Document converts p to an index document. fallback is used when the post
// does not name its platform.
func (p Post) Document(fallback models.Platform) (models.ContentDocument, error) {
	owner := strings.TrimPrefix(strings.TrimSpace(firstNonEmpty(p.OwnerUsername, p.Username)), "@")
	if owner == "" {
		return models.ContentDocument{}, errors.New("post has no owner")
	}
	text := strings.TrimSpace(firstNonEmpty(p.Text, p.Caption))
	if text == "" {
		return models.ContentDocument{}, errors.New("post has no text")
	}

	platform := fallback
	if p.Platform != "" {
		parsed, err := models.ParsePlatform(p.Platform)
		if err != nil {
			return models.ContentDocument{}, err
		}
		platform = parsed
	}
	if platform == "" {
		return models.ContentDocument{}, errors.New("post has no platform")
	}

	eng := models.EngagementMetrics{Likes: p.Likes, Comments: p.Comments, Shares: p.Shares + p.Retweets}
	if p.Engagement != nil {
		eng = models.EngagementMetrics{Likes: p.Engagement.Likes, Comments: p.Engagement.Comments, Shares: p.Engagement.Shares}
	}
	if eng.Likes < 0 || eng.Comments < 0 || eng.Shares < 0 {
		return models.ContentDocument{}, errors.New("negative engagement")
	}

	id := p.ID
	if id == "" {
		id = DocumentID(platform, owner, firstNonEmpty(p.URL, text))
	}

	return models.ContentDocument{
		ID:             id,
		OwnerUsername:  owner,
		IsCompetitorOf: p.IsCompetitorOf,
		Text:           text,
		Engagement:     eng,
		PostedAt:       parseTime(firstNonEmpty(p.PostedAt, p.Timestamp)),
		Platform:       platform,
		URL:            p.URL,
	}, nil
}

// DocumentID derives a stable id so re-ingesting the same post updates it in place.
func DocumentID(platform models.Platform, owner, key string) string {
	name := string(platform) + "/" + models.NormalizeUsername(owner) + "/" + key
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(name)).String()
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// DecodePosts reads a dump that is either a JSON array of posts or an object
// with a "posts" array.
func DecodePosts(r io.Reader) ([]Post, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading dump: %w", err)
	}
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "[") {
		var posts []Post
		if err := json.Unmarshal(data, &posts); err != nil {
			return nil, fmt.Errorf("decoding dump: %w", err)
		}
		return posts, nil
	}
	var wrapped struct {
		Posts []Post `json:"posts"`
	}
	if err := json.Unmarshal(data, &wrapped); err != nil {
		return nil, fmt.Errorf("decoding dump: %w", err)
	}
	return wrapped.Posts, nil
}

// FileIngestor loads scraper dumps.
type FileIngestor struct {
	sink   Sink
	logger *zap.Logger
}

// NewFileIngestor creates a FileIngestor writing to sink.
func NewFileIngestor(sink Sink, logger *zap.Logger) *FileIngestor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FileIngestor{sink: sink, logger: logger}
}

// Ingest indexes every valid post in r. competitorOf, when set, links every
// post to those primary accounts in addition to the links the dump carries.
// Invalid posts are skipped; a sink failure stops the run.
func (f *FileIngestor) Ingest(ctx context.Context, r io.Reader, platform models.Platform, competitorOf []string) (*Result, error) {
	posts, err := DecodePosts(r)
	if err != nil {
		return nil, err
	}

	res := &Result{Found: len(posts)}
	for i, p := range posts {
		doc, err := p.Document(platform)
		if err != nil {
			f.logger.Warn("skipping post", zap.Int("index", i), zap.Error(err))
			res.Skipped++
			continue
		}
		doc.IsCompetitorOf = append(doc.IsCompetitorOf, competitorOf...)
		if err := f.sink.Upsert(ctx, doc); err != nil {
			return res, fmt.Errorf("indexing post %d: %w", i, err)
		}
		res.Indexed++
	}

	f.logger.Info("dump ingested",
		zap.Int("found", res.Found),
		zap.Int("indexed", res.Indexed),
		zap.Int("skipped", res.Skipped))
	return res, nil
}
