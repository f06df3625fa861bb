package ingest

import (
	"context"
	"fmt"
	"html"
	"strings"

	"github.com/mmcdole/gofeed"
	"go.uber.org/zap"

	"github.com/TobiSchelling/PostPilot/internal/models"
)

const maxPerFeed = 50

// FeedSource is one account feed. Items are indexed as posts by Owner.
type FeedSource struct {
	URL          string
	Owner        string
	Platform     models.Platform
	CompetitorOf []string
}

// FeedIngestor indexes RSS/Atom account feeds.
type FeedIngestor struct {
	sources []FeedSource
	sink    Sink
	fetcher *Fetcher
	parser  *gofeed.Parser
	logger  *zap.Logger
}

// NewFeedIngestor creates a FeedIngestor. fetcher may be nil, in which case
// items without a body are indexed by title alone.
func NewFeedIngestor(sources []FeedSource, sink Sink, fetcher *Fetcher, logger *zap.Logger) *FeedIngestor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FeedIngestor{
		sources: sources,
		sink:    sink,
		fetcher: fetcher,
		parser:  gofeed.NewParser(),
		logger:  logger,
	}
}

// IngestAll ingests every configured feed. A feed that cannot be parsed is
// logged and skipped; a sink failure stops the run.
func (fi *FeedIngestor) IngestAll(ctx context.Context) (*Result, error) {
	total := &Result{}
	for _, src := range fi.sources {
		res, err := fi.Ingest(ctx, src)
		if res != nil {
			total.Found += res.Found
			total.Indexed += res.Indexed
			total.Skipped += res.Skipped
			total.Fetched += res.Fetched
			total.Failed += res.Failed
		}
		if err != nil {
			if ctx.Err() != nil {
				return total, ctx.Err()
			}
			if res == nil {
				fi.logger.Warn("feed failed", zap.String("url", src.URL), zap.Error(err))
				total.Failed++
				continue
			}
			return total, err
		}
	}
	return total, nil
}

// Ingest indexes one feed. A nil Result with an error means the feed itself
// could not be read.
func (fi *FeedIngestor) Ingest(ctx context.Context, src FeedSource) (*Result, error) {
	if src.Owner == "" || src.Platform == "" {
		return nil, fmt.Errorf("feed %s needs an owner and a platform", src.URL)
	}
	feed, err := fi.parser.ParseURLWithContext(src.URL, ctx)
	if err != nil {
		return nil, fmt.Errorf("parsing feed %s: %w", src.URL, err)
	}

	res := &Result{}
	for _, item := range feed.Items {
		if res.Found >= maxPerFeed {
			break
		}
		res.Found++

		doc, ok := fi.itemDocument(ctx, src, item, res)
		if !ok {
			res.Skipped++
			continue
		}
		if err := fi.sink.Upsert(ctx, doc); err != nil {
			return res, fmt.Errorf("indexing feed item %s: %w", doc.ID, err)
		}
		res.Indexed++
	}

	fi.logger.Info("feed ingested",
		zap.String("owner", src.Owner),
		zap.String("platform", string(src.Platform)),
		zap.Int("found", res.Found),
		zap.Int("indexed", res.Indexed),
		zap.Int("fetched", res.Fetched))
	return res, nil
}

func (fi *FeedIngestor) itemDocument(ctx context.Context, src FeedSource, item *gofeed.Item, res *Result) (models.ContentDocument, bool) {
	link := item.Link
	key := firstNonEmpty(item.GUID, link)
	if key == "" {
		return models.ContentDocument{}, false
	}

	title := strings.TrimSpace(item.Title)
	body := stripHTML(firstNonEmpty(item.Content, item.Description))
	if body == "" && link != "" && fi.fetcher != nil {
		text, err := fi.fetcher.Fetch(ctx, link)
		switch {
		case err != nil:
			res.Failed++
			fi.logger.Debug("fetch failed", zap.String("url", link), zap.Error(err))
		case text != "":
			body = text
			res.Fetched++
		}
	}

	text := strings.TrimSpace(strings.Join([]string{title, body}, "\n\n"))
	if text == "" {
		return models.ContentDocument{}, false
	}

	doc := models.ContentDocument{
		ID:             DocumentID(src.Platform, src.Owner, key),
		OwnerUsername:  strings.TrimPrefix(src.Owner, "@"),
		IsCompetitorOf: src.CompetitorOf,
		Text:           text,
		Platform:       src.Platform,
		URL:            link,
	}
	if item.PublishedParsed != nil {
		doc.PostedAt = item.PublishedParsed.UTC()
	} else if item.UpdatedParsed != nil {
		doc.PostedAt = item.UpdatedParsed.UTC()
	}
	return doc, true
}

func stripHTML(text string) string {
	var result strings.Builder
	inTag := false
	for _, r := range text {
		switch {
		case r == '<':
			inTag = true
			result.WriteRune(' ')
		case r == '>':
			inTag = false
		case !inTag:
			result.WriteRune(r)
		}
	}
	return strings.Join(strings.Fields(html.UnescapeString(result.String())), " ")
}
