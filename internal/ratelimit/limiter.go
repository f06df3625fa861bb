// Package ratelimit spaces model calls adaptively, caches responses by
// prompt hash, and enforces conservative daily and hourly ceilings.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/TobiSchelling/PostPilot/internal/llm"
	"github.com/TobiSchelling/PostPilot/internal/metrics"
)

var (
	// ErrModelExhausted is returned for a model whose daily quota ran out.
	ErrModelExhausted = errors.New("model quota exhausted until next day")
	// ErrQuotaPreemptivelyExhausted is returned when a local ceiling is reached
	// before the provider's hard limit.
	ErrQuotaPreemptivelyExhausted = errors.New("quota ceiling reached")
)

// Config tunes the limiter. Zero values take the defaults.
type Config struct {
	MinDelay        time.Duration
	MaxDelay        time.Duration
	InitialDelay    time.Duration
	SuccessFactor   float64
	BackoffFactor   float64
	QuotaMargin     time.Duration
	CacheTTL        time.Duration
	CacheMaxEntries int
	DailyCeiling    int64
	HourlyCeiling   int64
	// Location decides where calendar days and hours begin.
	Location *time.Location
}

func (c *Config) applyDefaults() {
	if c.MinDelay <= 0 {
		c.MinDelay = 12 * time.Second
	}
	if c.MaxDelay < c.MinDelay {
		c.MaxDelay = 180 * time.Second
		if c.MaxDelay < c.MinDelay {
			c.MaxDelay = c.MinDelay
		}
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = c.MinDelay
	}
	if c.SuccessFactor <= 0 || c.SuccessFactor >= 1 {
		c.SuccessFactor = 0.9
	}
	if c.BackoffFactor <= 1 {
		c.BackoffFactor = 1.5
	}
	if c.QuotaMargin <= 0 {
		c.QuotaMargin = 5 * time.Second
	}
	if c.Location == nil {
		c.Location = time.UTC
	}
}

// State is a snapshot of the limiter for status output.
type State struct {
	CurrentDelay         time.Duration
	ConsecutiveSuccesses int
	ConsecutiveFailures  int
	DayWindow            string
	HourWindow           string
	Usage                map[string]Usage
	ExhaustedUntil       map[string]time.Time
	CacheEntries         int
}

// Usage is the request count of one model in the current windows.
type Usage struct {
	Daily  int64
	Hourly int64
}

// Option customizes a Limiter.
type Option func(*Limiter)

// WithClock replaces the wall clock and the sleep function.
func WithClock(now func() time.Time, sleep func(context.Context, time.Duration) error) Option {
	return func(l *Limiter) {
		l.now = now
		l.sleep = sleep
	}
}

// WithCounter replaces the in-process quota counter.
func WithCounter(c Counter) Option {
	return func(l *Limiter) { l.counter = c }
}

// Limiter is a single owned component shared by every generation call of a
// process. Pass it by reference; it is safe for concurrent use.
type Limiter struct {
	cfg     Config
	logger  *zap.Logger
	counter Counter
	cache   *responseCache
	sf      singleflight.Group
	now     func() time.Time
	sleep   func(context.Context, time.Duration) error

	mu           sync.Mutex
	delay        time.Duration
	lastCall     time.Time
	blockedUntil time.Time
	successes    int
	failures     int
	exhausted    map[string]time.Time
	models       map[string]bool
}

// New creates a limiter.
func New(cfg Config, logger *zap.Logger, opts ...Option) *Limiter {
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &Limiter{
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
		sleep:     sleepContext,
		exhausted: make(map[string]time.Time),
		models:    make(map[string]bool),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.counter == nil {
		l.counter = NewMemoryCounter()
	}
	l.cache = newResponseCache(cfg.CacheTTL, cfg.CacheMaxEntries, l.now)
	l.delay = clamp(cfg.InitialDelay, cfg.MinDelay, cfg.MaxDelay)
	metrics.LimiterDelay.Set(l.delay.Seconds())
	return l
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func clamp(d, lo, hi time.Duration) time.Duration {
	if d < lo {
		return lo
	}
	if d > hi {
		return hi
	}
	return d
}

// WaitIfNeeded blocks until the current delay has elapsed since the previous
// call and any quota back-off has passed. The first call does not wait.
func (l *Limiter) WaitIfNeeded(ctx context.Context) error {
	l.mu.Lock()
	now := l.now()
	var until time.Time
	if !l.lastCall.IsZero() {
		until = l.lastCall.Add(l.delay)
	}
	if l.blockedUntil.After(until) {
		until = l.blockedUntil
	}
	l.mu.Unlock()

	if wait := until.Sub(now); wait > 0 {
		l.logger.Debug("rate limiter waiting", zap.Duration("wait", wait))
		if err := l.sleep(ctx, wait); err != nil {
			return err
		}
	}

	l.mu.Lock()
	l.lastCall = l.now()
	l.mu.Unlock()
	return nil
}

// RecordSuccess shrinks the delay toward the minimum.
func (l *Limiter) RecordSuccess() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.successes++
	l.failures = 0
	l.delay = clamp(time.Duration(float64(l.delay)*l.cfg.SuccessFactor), l.cfg.MinDelay, l.cfg.MaxDelay)
	metrics.LimiterDelay.Set(l.delay.Seconds())
}

// RecordError grows the delay. A quota error with a hint resets the delay
// to hint plus the safety margin and holds the next call for at least that
// long, independent of earlier failures. Other errors, and quota errors
// without a hint, multiply the delay by the backoff factor.
func (l *Limiter) RecordError(isQuota bool, hint time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failures++
	l.successes = 0

	if isQuota && hint > 0 {
		floor := hint + l.cfg.QuotaMargin
		l.delay = clamp(floor, l.cfg.MinDelay, l.cfg.MaxDelay)
		// The provider's hint is honoured even beyond MaxDelay.
		hold := l.delay
		if floor > hold {
			hold = floor
		}
		l.blockedUntil = l.now().Add(hold)
		metrics.LimiterDelay.Set(l.delay.Seconds())
		return
	}

	l.delay = clamp(time.Duration(float64(l.delay)*l.cfg.BackoffFactor), l.cfg.MinDelay, l.cfg.MaxDelay)
	if isQuota {
		l.blockedUntil = l.now().Add(l.delay)
	}
	metrics.LimiterDelay.Set(l.delay.Seconds())
}

// RecordQuotaError records a classified quota error and, for daily
// exhaustion, marks the model unusable until the next calendar day.
func (l *Limiter) RecordQuotaError(qe *llm.QuotaError) {
	l.RecordError(true, qe.RetryAfter)
	if !qe.Daily {
		return
	}
	until := l.nextDay()
	l.mu.Lock()
	l.exhausted[qe.Model] = until
	l.mu.Unlock()
	l.logger.Warn("model daily quota exhausted",
		zap.String("model", qe.Model), zap.Time("until", until))
}

// IsExhausted reports whether model is marked exhausted for today.
func (l *Limiter) IsExhausted(model string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	until, ok := l.exhausted[model]
	if !ok {
		return false
	}
	if !l.now().Before(until) {
		delete(l.exhausted, model)
		return false
	}
	return true
}

func (l *Limiter) nextDay() time.Time {
	t := l.now().In(l.cfg.Location)
	y, m, d := t.Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, l.cfg.Location)
}

func (l *Limiter) windows() (day, hour string) {
	t := l.now().In(l.cfg.Location)
	return t.Format("2006-01-02"), t.Format("2006-01-02T15")
}

// CurrentDelay returns the spacing currently enforced between calls.
func (l *Limiter) CurrentDelay() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.delay
}

// Call performs one real model request.
type Call func(ctx context.Context) (string, error)

// Do runs call for model under the limiter. A cached response for the same
// prompt is returned without waiting or counting against quota. Concurrent
// identical prompts share one request. Responses are not cached here; the
// caller stores the ones it accepts with Store.
func (l *Limiter) Do(ctx context.Context, model, prompt string, call Call) (string, error) {
	key := PromptKey(prompt)
	if v, ok := l.cache.get(key); ok {
		metrics.CacheLookups.WithLabelValues("hit").Inc()
		return v, nil
	}
	metrics.CacheLookups.WithLabelValues("miss").Inc()

	v, err, _ := l.sf.Do(model+"\x00"+key, func() (any, error) {
		if v, ok := l.cache.get(key); ok {
			return v, nil
		}
		return l.call(ctx, model, call)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Store caches an accepted response for prompt.
func (l *Limiter) Store(prompt, response string) {
	l.cache.set(PromptKey(prompt), response)
}

func (l *Limiter) call(ctx context.Context, model string, call Call) (string, error) {
	if l.IsExhausted(model) {
		return "", fmt.Errorf("%s: %w", model, ErrModelExhausted)
	}

	day, hour := l.windows()
	if err := l.checkCeilings(ctx, model, day, hour); err != nil {
		return "", err
	}

	if err := l.WaitIfNeeded(ctx); err != nil {
		return "", err
	}

	l.mu.Lock()
	l.models[model] = true
	l.mu.Unlock()
	// Windows are re-read after the wait, which may have crossed a boundary.
	day, hour = l.windows()
	daily, err := l.counter.Incr(ctx, "daily:"+model, day)
	if err != nil {
		return "", fmt.Errorf("counting request: %w", err)
	}
	hourly, err := l.counter.Incr(ctx, "hourly:"+model, hour)
	if err != nil {
		return "", fmt.Errorf("counting request: %w", err)
	}
	metrics.QuotaUsage.WithLabelValues("daily").Set(float64(daily))
	metrics.QuotaUsage.WithLabelValues("hourly").Set(float64(hourly))

	out, err := call(ctx)
	if err != nil {
		err = llm.Classify(model, err)
		var qe *llm.QuotaError
		switch {
		case errors.As(err, &qe):
			l.RecordQuotaError(qe)
			outcome := "quota"
			if qe.Daily {
				outcome = "daily_quota"
			}
			metrics.ProviderCalls.WithLabelValues(model, outcome).Inc()
		case ctx.Err() != nil:
			metrics.ProviderCalls.WithLabelValues(model, "canceled").Inc()
		default:
			l.RecordError(false, 0)
			metrics.ProviderCalls.WithLabelValues(model, "error").Inc()
		}
		return "", err
	}

	l.RecordSuccess()
	metrics.ProviderCalls.WithLabelValues(model, "success").Inc()
	return out, nil
}

func (l *Limiter) checkCeilings(ctx context.Context, model, day, hour string) error {
	if l.cfg.DailyCeiling > 0 {
		n, err := l.counter.Get(ctx, "daily:"+model, day)
		if err != nil {
			return fmt.Errorf("reading quota counter: %w", err)
		}
		if n >= l.cfg.DailyCeiling {
			return fmt.Errorf("%s daily %d/%d: %w", model, n, l.cfg.DailyCeiling, ErrQuotaPreemptivelyExhausted)
		}
	}
	if l.cfg.HourlyCeiling > 0 {
		n, err := l.counter.Get(ctx, "hourly:"+model, hour)
		if err != nil {
			return fmt.Errorf("reading quota counter: %w", err)
		}
		if n >= l.cfg.HourlyCeiling {
			return fmt.Errorf("%s hourly %d/%d: %w", model, n, l.cfg.HourlyCeiling, ErrQuotaPreemptivelyExhausted)
		}
	}
	return nil
}

// State returns a snapshot of the limiter.
func (l *Limiter) State(ctx context.Context) State {
	day, hour := l.windows()
	l.mu.Lock()
	s := State{
		CurrentDelay:         l.delay,
		ConsecutiveSuccesses: l.successes,
		ConsecutiveFailures:  l.failures,
		DayWindow:            day,
		HourWindow:           hour,
		Usage:                make(map[string]Usage),
		ExhaustedUntil:       make(map[string]time.Time, len(l.exhausted)),
	}
	for m, t := range l.exhausted {
		s.ExhaustedUntil[m] = t
	}
	models := make([]string, 0, len(l.models))
	for m := range l.models {
		models = append(models, m)
	}
	l.mu.Unlock()

	sort.Strings(models)
	for _, m := range models {
		d, _ := l.counter.Get(ctx, "daily:"+m, day)
		h, _ := l.counter.Get(ctx, "hourly:"+m, hour)
		s.Usage[m] = Usage{Daily: d, Hourly: h}
	}
	s.CacheEntries = l.cache.len()
	return s
}
