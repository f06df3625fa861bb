package ingest

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/TobiSchelling/PostPilot/internal/database"
	"github.com/TobiSchelling/PostPilot/internal/index"
	"github.com/TobiSchelling/PostPilot/internal/models"
)

type recordingSink struct {
	docs []models.ContentDocument
	err  error
}

func (s *recordingSink) Upsert(_ context.Context, doc models.ContentDocument) error {
	if s.err != nil {
		return s.err
	}
	s.docs = append(s.docs, doc)
	return nil
}

const dump = `[
  {"id": "p1", "username": "@Acme", "caption": "Fresh roast drop", "likes": 120, "comments": 8, "retweets": 3, "timestamp": "2026-03-01T10:00:00Z"},
  {"owner_username": "acme", "text": "Weekend brunch", "engagement_metrics": {"likes": 40, "comments": 2, "shares": 1}, "posted_at": "2026-03-02"},
  {"username": "", "text": "no owner"},
  {"username": "acme", "text": "  "}
]`

func TestFileIngestArray(t *testing.T) {
	sink := &recordingSink{}
	res, err := NewFileIngestor(sink, nil).Ingest(context.Background(), strings.NewReader(dump), models.PlatformInstagram, nil)
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if res.Found != 4 || res.Indexed != 2 || res.Skipped != 2 {
		t.Fatalf("result = %+v", res)
	}

	first := sink.docs[0]
	if first.ID != "p1" || first.OwnerUsername != "Acme" {
		t.Errorf("first = %+v", first)
	}
	if first.Engagement.Shares != 3 || first.Engagement.Likes != 120 {
		t.Errorf("engagement = %+v", first.Engagement)
	}
	if first.PostedAt.IsZero() {
		t.Error("posted_at not parsed")
	}

	second := sink.docs[1]
	if second.ID == "" {
		t.Error("expected derived id")
	}
	if second.Engagement.Total() != 43 {
		t.Errorf("total = %d", second.Engagement.Total())
	}
	if second.Platform != models.PlatformInstagram {
		t.Errorf("platform = %q", second.Platform)
	}
}

func TestFileIngestWrappedWithCompetitorLink(t *testing.T) {
	sink := &recordingSink{}
	body := `{"posts": [{"username": "rival", "platform": "x", "text": "Launch day"}]}`
	res, err := NewFileIngestor(sink, nil).Ingest(context.Background(), strings.NewReader(body), "", []string{"acme"})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if res.Indexed != 1 {
		t.Fatalf("indexed = %d", res.Indexed)
	}
	doc := sink.docs[0]
	if doc.Platform != models.PlatformTwitter {
		t.Errorf("platform = %q", doc.Platform)
	}
	if len(doc.IsCompetitorOf) != 1 || doc.IsCompetitorOf[0] != "acme" {
		t.Errorf("competitor_of = %v", doc.IsCompetitorOf)
	}
}

func TestFileIngestSinkFailureStops(t *testing.T) {
	sink := &recordingSink{err: errors.New("disk full")}
	res, err := NewFileIngestor(sink, nil).Ingest(context.Background(), strings.NewReader(dump), models.PlatformInstagram, nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if res.Indexed != 0 {
		t.Errorf("indexed = %d", res.Indexed)
	}
}

func TestDecodePostsInvalid(t *testing.T) {
	if _, err := DecodePosts(strings.NewReader("not json")); err == nil {
		t.Error("expected decode error")
	}
}

func TestDocumentIDStable(t *testing.T) {
	a := DocumentID(models.PlatformInstagram, "@Acme", "https://example.com/p/1")
	b := DocumentID(models.PlatformInstagram, "acme", "https://example.com/p/1")
	if a != b {
		t.Errorf("ids differ: %s vs %s", a, b)
	}
	if c := DocumentID(models.PlatformTwitter, "acme", "https://example.com/p/1"); c == a {
		t.Error("platform should change the id")
	}
}

const articleText = "Our single origin beans come from a small cooperative in the Huila region. " +
	"Every lot is cupped twice before roasting, and we publish the roast curve with each bag so that " +
	"home brewers can dial in their grinders. This week we are trying a slower development phase to " +
	"bring out the stone fruit notes, and the early feedback from the cafe team has been very positive. " +
	"Come by the roastery on Saturday to taste it side by side with last month's batch."

func feedServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	var srv *httptest.Server
	mux.HandleFunc("/feed.xml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/rss+xml")
		fmt.Fprintf(w, `<?xml version="1.0"?>
<rss version="2.0"><channel><title>acme</title>
<item><title>Espresso week</title><link>%[1]s/p/1</link><guid>p-1</guid>
<description>&lt;p&gt;Five days of &lt;b&gt;espresso&lt;/b&gt; &amp;amp; pastries&lt;/p&gt;</description>
<pubDate>Mon, 02 Mar 2026 10:00:00 GMT</pubDate></item>
<item><title>Roast notes</title><link>%[1]s/p/2</link><guid>p-2</guid></item>
<item><title>Gone</title><link>%[1]s/missing</link><guid>p-3</guid></item>
</channel></rss>`, srv.URL)
	})
	mux.HandleFunc("/p/2", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `<html><head><title>Roast notes</title></head><body>
<article><h1>Roast notes</h1><p>%s</p><p>%s</p></article></body></html>`, articleText, articleText)
	})
	mux.HandleFunc("/missing", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
	srv = httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestFeedIngest(t *testing.T) {
	srv := feedServer(t)
	sink := &recordingSink{}
	src := FeedSource{URL: srv.URL + "/feed.xml", Owner: "@acme", Platform: models.PlatformInstagram}
	fi := NewFeedIngestor([]FeedSource{src}, sink, NewFetcher(0), nil)

	res, err := fi.IngestAll(context.Background())
	if err != nil {
		t.Fatalf("IngestAll: %v", err)
	}
	if res.Found != 3 || res.Indexed != 3 {
		t.Fatalf("result = %+v", res)
	}
	if res.Fetched != 1 || res.Failed != 1 {
		t.Errorf("fetched=%d failed=%d", res.Fetched, res.Failed)
	}

	first := sink.docs[0]
	if first.OwnerUsername != "acme" {
		t.Errorf("owner = %q", first.OwnerUsername)
	}
	if !strings.Contains(first.Text, "Five days of espresso & pastries") {
		t.Errorf("text = %q", first.Text)
	}
	if first.PostedAt.IsZero() {
		t.Error("expected pubDate")
	}
	if !strings.Contains(sink.docs[1].Text, "Huila") {
		t.Errorf("fetched text missing: %q", sink.docs[1].Text)
	}
	if sink.docs[2].Text != "Gone" {
		t.Errorf("title-only item = %q", sink.docs[2].Text)
	}
}

func TestFeedIngestUnreachableFeedSkipped(t *testing.T) {
	srv := feedServer(t)
	sink := &recordingSink{}
	sources := []FeedSource{
		{URL: srv.URL + "/missing", Owner: "ghost", Platform: models.PlatformInstagram},
		{URL: srv.URL + "/feed.xml", Owner: "acme", Platform: models.PlatformInstagram},
	}
	res, err := NewFeedIngestor(sources, sink, nil, nil).IngestAll(context.Background())
	if err != nil {
		t.Fatalf("IngestAll: %v", err)
	}
	if res.Failed != 1 || res.Indexed != 3 {
		t.Errorf("result = %+v", res)
	}
}

func TestFetcherSkipsFailedHost(t *testing.T) {
	srv := feedServer(t)
	f := NewFetcher(0)
	_, err := f.Fetch(context.Background(), srv.URL+"/missing")
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) || httpErr.Code != http.StatusNotFound {
		t.Fatalf("err = %v", err)
	}
	if _, err := f.Fetch(context.Background(), srv.URL+"/p/2"); err == nil {
		t.Error("expected host to be skipped")
	}
}

func TestStripHTML(t *testing.T) {
	got := stripHTML("<p>Hello&nbsp;<b>world</b></p>\n<br/>again")
	if got != "Hello world again" {
		t.Errorf("stripHTML = %q", got)
	}
}

func TestFeedIngestLinksCompetitorsInIndex(t *testing.T) {
	db, err := database.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	docs := db.Documents(nil, nil)

	srv := feedServer(t)
	src := FeedSource{URL: srv.URL + "/feed.xml", Owner: "rival", Platform: models.PlatformInstagram, CompetitorOf: []string{"Acme"}}
	if _, err := NewFeedIngestor([]FeedSource{src}, docs, nil, nil).IngestAll(context.Background()); err != nil {
		t.Fatalf("IngestAll: %v", err)
	}

	got, err := docs.Query(context.Background(), index.Query{
		Platform: models.PlatformInstagram,
		Filter:   index.Filter{OwnerFold: "rival", CompetitorOf: "acme"},
	})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(got) != 3 {
		t.Errorf("got %d linked documents, want 3", len(got))
	}
}
