package ingest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	readability "github.com/go-shiori/go-readability"
)

const (
	minExtractedChars = 100
	maxPageBytes      = 5 << 20
)

// HTTPError is returned for 4xx/5xx responses.
type HTTPError struct {
	Code int
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http %d: %s", e.Code, http.StatusText(e.Code))
}

// Fetcher downloads a post page and extracts its readable text. After an
// HTTP error the host is skipped for the rest of the fetcher's life.
type Fetcher struct {
	client    *http.Client
	userAgent string

	mu          sync.Mutex
	failedHosts map[string]struct{}
}

// NewFetcher creates a fetcher with the given per-request timeout.
func NewFetcher(timeout time.Duration) *Fetcher {
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	return &Fetcher{
		client: &http.Client{
			Timeout: timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 10 {
					return http.ErrUseLastResponse
				}
				return nil
			},
		},
		userAgent:   "PostPilot/1.0 (content indexer)",
		failedHosts: make(map[string]struct{}),
	}
}

func (f *Fetcher) hostFailed(host string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.failedHosts[host]
	return ok
}

func (f *Fetcher) markFailed(host string) {
	if host == "" {
		return
	}
	f.mu.Lock()
	f.failedHosts[host] = struct{}{}
	f.mu.Unlock()
}

// Fetch returns the extracted text of pageURL, or "" when the page has no
// usable article body.
func (f *Fetcher) Fetch(ctx context.Context, pageURL string) (string, error) {
	u, err := url.Parse(pageURL)
	if err != nil {
		return "", fmt.Errorf("parsing url: %w", err)
	}
	host := strings.ToLower(u.Host)
	if f.hostFailed(host) {
		return "", fmt.Errorf("skipping %s after earlier failure", host)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", f.userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetching %s: %w", pageURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		f.markFailed(host)
		return "", &HTTPError{Code: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPageBytes))
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", pageURL, err)
	}

	article, err := readability.FromReader(bytes.NewReader(body), u)
	if err != nil {
		return "", nil
	}
	text := strings.Join(strings.Fields(article.TextContent), " ")
	if len(text) < minExtractedChars {
		return "", nil
	}
	return text, nil
}
