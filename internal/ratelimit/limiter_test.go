package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"github.com/TobiSchelling/PostPilot/internal/llm"
)

type fakeClock struct {
	mu    sync.Mutex
	t     time.Time
	slept []time.Duration
}

func newFakeClock(t time.Time) *fakeClock { return &fakeClock{t: t} }

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) sleep(_ context.Context, d time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
	c.slept = append(c.slept, d)
	return nil
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func (c *fakeClock) lastSleep() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.slept) == 0 {
		return 0
	}
	return c.slept[len(c.slept)-1]
}

func (c *fakeClock) sleeps() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.slept)
}

var start = time.Date(2026, 10, 19, 10, 0, 0, 0, time.UTC)

func newTestLimiter(cfg Config, clock *fakeClock, opts ...Option) *Limiter {
	opts = append([]Option{WithClock(clock.now, clock.sleep)}, opts...)
	return New(cfg, nil, opts...)
}

func TestFirstWaitDoesNotBlock(t *testing.T) {
	clock := newFakeClock(start)
	l := newTestLimiter(Config{}, clock)

	if err := l.WaitIfNeeded(context.Background()); err != nil {
		t.Fatal(err)
	}
	if clock.sleeps() != 0 {
		t.Errorf("first call slept %s", clock.lastSleep())
	}

	if err := l.WaitIfNeeded(context.Background()); err != nil {
		t.Fatal(err)
	}
	if clock.lastSleep() != 12*time.Second {
		t.Errorf("second call slept %s, want 12s", clock.lastSleep())
	}
}

func TestQuotaHintHoldsNextCall(t *testing.T) {
	clock := newFakeClock(start)
	l := newTestLimiter(Config{}, clock)
	ctx := context.Background()

	l.WaitIfNeeded(ctx)
	// Earlier failures have already grown the delay well past the hint.
	for i := 0; i < 4; i++ {
		l.RecordError(false, 0)
	}
	if l.CurrentDelay() < 60*time.Second {
		t.Fatalf("setup: delay = %s, want grown past 60s", l.CurrentDelay())
	}
	l.RecordError(true, 22*time.Second)
	if got, want := l.CurrentDelay(), 22*time.Second+l.cfg.QuotaMargin; got != want {
		t.Errorf("delay = %s, want %s", got, want)
	}
	if err := l.WaitIfNeeded(ctx); err != nil {
		t.Fatal(err)
	}

	waited := clock.lastSleep()
	if waited < 22*time.Second+l.cfg.QuotaMargin {
		t.Errorf("waited %s, want at least 22s plus margin", waited)
	}
	if waited >= 66*time.Second {
		t.Errorf("waited %s, want less than 66s", waited)
	}
}

func TestQuotaHintHoldsEvenOnFirstCall(t *testing.T) {
	clock := newFakeClock(start)
	l := newTestLimiter(Config{}, clock)

	l.RecordError(true, 22*time.Second)
	l.WaitIfNeeded(context.Background())
	if clock.lastSleep() < 22*time.Second {
		t.Errorf("waited %s after quota error", clock.lastSleep())
	}
}

func TestHintBeyondMaxDelayStillHonoured(t *testing.T) {
	clock := newFakeClock(start)
	l := newTestLimiter(Config{MinDelay: time.Second, MaxDelay: 10 * time.Second}, clock)

	l.RecordError(true, 30*time.Second)
	if l.CurrentDelay() != 10*time.Second {
		t.Errorf("delay = %s, want capped at 10s", l.CurrentDelay())
	}
	l.WaitIfNeeded(context.Background())
	if clock.lastSleep() < 30*time.Second {
		t.Errorf("waited %s, want the provider hint respected", clock.lastSleep())
	}
}

func TestSuccessesShrinkDelay(t *testing.T) {
	clock := newFakeClock(start)
	l := newTestLimiter(Config{MinDelay: 12 * time.Second, InitialDelay: 30 * time.Second}, clock)

	before := l.CurrentDelay()
	for i := 0; i < 3; i++ {
		l.RecordSuccess()
	}
	after := l.CurrentDelay()
	if after >= before {
		t.Errorf("delay did not shrink: %s -> %s", before, after)
	}

	for i := 0; i < 50; i++ {
		l.RecordSuccess()
	}
	if l.CurrentDelay() != 12*time.Second {
		t.Errorf("delay = %s, want floor at min 12s", l.CurrentDelay())
	}
}

func TestNonQuotaErrorBacksOff(t *testing.T) {
	clock := newFakeClock(start)
	l := newTestLimiter(Config{MinDelay: 10 * time.Second, MaxDelay: 20 * time.Second}, clock)

	l.RecordError(false, 0)
	if l.CurrentDelay() != 15*time.Second {
		t.Errorf("delay = %s, want 15s", l.CurrentDelay())
	}
	l.RecordError(false, 0)
	if l.CurrentDelay() != 20*time.Second {
		t.Errorf("delay = %s, want capped 20s", l.CurrentDelay())
	}
	st := l.State(context.Background())
	if st.ConsecutiveFailures != 2 || st.ConsecutiveSuccesses != 0 {
		t.Errorf("unexpected counters: %+v", st)
	}
}

func TestDoCachesIdenticalPrompts(t *testing.T) {
	clock := newFakeClock(start)
	l := newTestLimiter(Config{CacheTTL: time.Hour}, clock)
	ctx := context.Background()

	calls := 0
	call := func(context.Context) (string, error) {
		calls++
		return "answer", nil
	}

	for i := 0; i < 2; i++ {
		out, err := l.Do(ctx, "m", "same prompt", call)
		if err != nil || out != "answer" {
			t.Fatalf("Do = %q, %v", out, err)
		}
		l.Store("same prompt", out)
	}
	if calls != 1 {
		t.Errorf("provider called %d times, want 1", calls)
	}
	if clock.sleeps() != 0 {
		t.Errorf("cached call should not wait")
	}
	if u := l.State(ctx).Usage["m"]; u.Daily != 1 || u.Hourly != 1 {
		t.Errorf("cached call counted against quota: %+v", u)
	}

	clock.advance(time.Hour + time.Second)
	l.Do(ctx, "m", "same prompt", call)
	if calls != 2 {
		t.Errorf("expired entry should trigger a real call, calls = %d", calls)
	}
}

func TestDoDoesNotCacheUnstoredResponses(t *testing.T) {
	clock := newFakeClock(start)
	l := newTestLimiter(Config{CacheTTL: time.Hour}, clock)
	ctx := context.Background()

	calls := 0
	call := func(context.Context) (string, error) {
		calls++
		return "rejected by caller", nil
	}
	l.Do(ctx, "m", "same prompt", call)
	l.Do(ctx, "m", "same prompt", call)
	if calls != 2 {
		t.Errorf("provider called %d times, want 2 without Store", calls)
	}
	if n := l.State(ctx).CacheEntries; n != 0 {
		t.Errorf("cache entries = %d, want 0", n)
	}
}

func TestDoDailyQuotaMarksModelExhausted(t *testing.T) {
	clock := newFakeClock(start)
	l := newTestLimiter(Config{}, clock)
	ctx := context.Background()

	_, err := l.Do(ctx, "gemini-flash", "p1", func(context.Context) (string, error) {
		return "", &llm.APIError{Provider: "gemini", StatusCode: 429,
			Body: `{"quotaId": "GenerateRequestsPerDayPerProjectPerModel-FreeTier", "retryDelay": "22s"}`}
	})
	var qe *llm.QuotaError
	if !errors.As(err, &qe) || !qe.Daily {
		t.Fatalf("expected daily QuotaError, got %v", err)
	}
	if !l.IsExhausted("gemini-flash") {
		t.Fatal("expected model to be exhausted")
	}

	called := false
	_, err = l.Do(ctx, "gemini-flash", "p2", func(context.Context) (string, error) {
		called = true
		return "x", nil
	})
	if !errors.Is(err, ErrModelExhausted) {
		t.Errorf("expected ErrModelExhausted, got %v", err)
	}
	if called {
		t.Error("exhausted model must not be called")
	}
	if l.IsExhausted("other-model") {
		t.Error("exhaustion must be per model")
	}

	clock.advance(14 * time.Hour)
	if l.IsExhausted("gemini-flash") {
		t.Error("exhaustion should lift at the next calendar day")
	}
}

func TestDoPreemptiveCeiling(t *testing.T) {
	clock := newFakeClock(start)
	l := newTestLimiter(Config{DailyCeiling: 2}, clock)
	ctx := context.Background()

	calls := 0
	call := func(context.Context) (string, error) {
		calls++
		return "ok", nil
	}
	for _, p := range []string{"a", "b"} {
		if _, err := l.Do(ctx, "m", p, call); err != nil {
			t.Fatalf("Do(%s): %v", p, err)
		}
	}
	_, err := l.Do(ctx, "m", "c", call)
	if !errors.Is(err, ErrQuotaPreemptivelyExhausted) {
		t.Fatalf("expected ErrQuotaPreemptivelyExhausted, got %v", err)
	}
	if calls != 2 {
		t.Errorf("provider called %d times, want 2", calls)
	}
	if _, err := l.Do(ctx, "m2", "c", call); err != nil {
		t.Errorf("ceiling should be per model: %v", err)
	}
}

func TestHourlyCounterResetsOnce(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 10, 19, 10, 59, 0, 0, time.UTC))
	counter := NewMemoryCounter()
	l := newTestLimiter(Config{MinDelay: time.Second, HourlyCeiling: 1}, clock, WithCounter(counter))
	ctx := context.Background()
	ok := func(context.Context) (string, error) { return "ok", nil }

	if _, err := l.Do(ctx, "m", "a", ok); err != nil {
		t.Fatal(err)
	}
	if _, err := l.Do(ctx, "m", "b", ok); !errors.Is(err, ErrQuotaPreemptivelyExhausted) {
		t.Fatalf("expected hourly ceiling, got %v", err)
	}

	clock.advance(61 * time.Second)
	if _, err := l.Do(ctx, "m", "b", ok); err != nil {
		t.Fatalf("expected reset at the hour boundary: %v", err)
	}
	if counter.Resets() != 1 {
		t.Errorf("resets = %d, want 1", counter.Resets())
	}

	u := l.State(ctx).Usage["m"]
	if u.Hourly != 1 || u.Daily != 2 {
		t.Errorf("usage = %+v, want hourly 1 daily 2", u)
	}
	if counter.Resets() != 1 {
		t.Errorf("reading state must not reset again, resets = %d", counter.Resets())
	}
}

func TestMemoryCounterSkippedWindowsResetOnce(t *testing.T) {
	c := NewMemoryCounter()
	ctx := context.Background()
	c.Incr(ctx, "hourly:m", "2026-10-19T08")
	c.Incr(ctx, "hourly:m", "2026-10-19T08")

	n, _ := c.Incr(ctx, "hourly:m", "2026-10-19T12")
	if n != 1 {
		t.Errorf("count after rollover = %d, want 1", n)
	}
	if c.Resets() != 1 {
		t.Errorf("resets = %d, want 1", c.Resets())
	}
}

func TestRedisCounter(t *testing.T) {
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	c := NewRedisCounter(client)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := c.Incr(ctx, "daily:m", "2026-10-19"); err != nil {
			t.Fatalf("Incr: %v", err)
		}
	}
	n, err := c.Get(ctx, "daily:m", "2026-10-19")
	if err != nil || n != 2 {
		t.Fatalf("Get = %d, %v; want 2", n, err)
	}
	n, err = c.Get(ctx, "daily:m", "2026-10-20")
	if err != nil || n != 0 {
		t.Errorf("new window = %d, %v; want 0", n, err)
	}
	if ttl := mr.TTL("postpilot:quota:daily:m:2026-10-19"); ttl <= 0 {
		t.Errorf("expected counter key to expire, ttl = %s", ttl)
	}
}

func TestResponseCacheEvictsOldest(t *testing.T) {
	clock := newFakeClock(start)
	c := newResponseCache(time.Hour, 2, clock.now)
	c.set("a", "1")
	c.set("b", "2")
	c.set("c", "3")
	if _, ok := c.get("a"); ok {
		t.Error("oldest entry should be evicted")
	}
	if v, ok := c.get("c"); !ok || v != "3" {
		t.Errorf("newest entry missing")
	}
}

func TestPromptKeyStable(t *testing.T) {
	if PromptKey("x") != PromptKey("x") || PromptKey("x") == PromptKey("y") {
		t.Error("PromptKey must be a content hash")
	}
}
