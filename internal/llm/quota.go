package llm

import (
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// APIError is a non-2xx response from a model provider.
type APIError struct {
	Provider   string
	StatusCode int
	Body       string
	// RetryAfter is the raw Retry-After header, if any.
	RetryAfter string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s API returned %d: %s", e.Provider, e.StatusCode, truncate(e.Body, 500))
}

// QuotaError is a provider rate or usage limit. Daily distinguishes a
// per-day exhaustion from per-minute throttling.
type QuotaError struct {
	Model      string
	Daily      bool
	RetryAfter time.Duration
	Err        error
}

func (e *QuotaError) Error() string {
	kind := "per-minute"
	if e.Daily {
		kind = "daily"
	}
	if e.RetryAfter > 0 {
		return fmt.Sprintf("%s quota exceeded for %s (retry after %s): %v", kind, e.Model, e.RetryAfter, e.Err)
	}
	return fmt.Sprintf("%s quota exceeded for %s: %v", kind, e.Model, e.Err)
}

func (e *QuotaError) Unwrap() error { return e.Err }

var (
	retryDelayJSON  = regexp.MustCompile(`"retryDelay"\s*:\s*"(\d+(?:\.\d+)?)s"`)
	retryDelayProto = regexp.MustCompile(`retry_delay\s*\{\s*seconds:\s*(\d+)`)
	retryInText     = regexp.MustCompile(`(?i)retry (?:in|after) (\d+(?:\.\d+)?)\s*(?:s\b|sec|second)`)
	dailyMarker     = regexp.MustCompile(`(?i)per ?day|daily`)
	quotaMarker     = regexp.MustCompile(`(?i)resource_exhausted|quota|rate limit|rate_limit|too many requests`)
)

// Classify turns a provider error into a *QuotaError when it describes a
// rate or usage limit. Other errors are returned unchanged.
func Classify(model string, err error) error {
	if err == nil {
		return nil
	}
	var qe *QuotaError
	if errors.As(err, &qe) {
		return err
	}

	text := err.Error()
	isQuota := false
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		text = apiErr.Body
		isQuota = apiErr.StatusCode == http.StatusTooManyRequests ||
			(apiErr.StatusCode == http.StatusForbidden && quotaMarker.MatchString(apiErr.Body))
	}
	if !isQuota && !quotaMarker.MatchString(text) {
		return err
	}

	hint, _ := ParseRetryHint(text)
	if apiErr != nil && hint == 0 {
		if secs, convErr := strconv.Atoi(strings.TrimSpace(apiErr.RetryAfter)); convErr == nil && secs > 0 {
			hint = time.Duration(secs) * time.Second
		}
	}
	return &QuotaError{
		Model:      model,
		Daily:      dailyMarker.MatchString(text),
		RetryAfter: hint,
		Err:        err,
	}
}

// ParseRetryHint extracts a provider-suggested retry delay from an error
// payload. It never fails: an absent or malformed hint returns false.
func ParseRetryHint(text string) (time.Duration, bool) {
	for _, re := range []*regexp.Regexp{retryDelayJSON, retryDelayProto, retryInText} {
		m := re.FindStringSubmatch(text)
		if m == nil {
			continue
		}
		secs, err := strconv.ParseFloat(m[1], 64)
		if err != nil || secs <= 0 || secs > 24*3600 {
			continue
		}
		return time.Duration(secs * float64(time.Second)), true
	}
	return 0, false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
