package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Counter counts requests per scope within a named window. When the window
// of a scope changes, its count starts again from zero.
type Counter interface {
	Incr(ctx context.Context, scope, window string) (int64, error)
	Get(ctx context.Context, scope, window string) (int64, error)
}

type memoryWindow struct {
	id    string
	count int64
}

// MemoryCounter is the process-local Counter.
type MemoryCounter struct {
	mu      sync.Mutex
	windows map[string]*memoryWindow
	resets  int
}

// NewMemoryCounter creates an empty in-process counter.
func NewMemoryCounter() *MemoryCounter {
	return &MemoryCounter{windows: make(map[string]*memoryWindow)}
}

func (m *MemoryCounter) window(scope, window string) *memoryWindow {
	w, ok := m.windows[scope]
	if !ok {
		w = &memoryWindow{id: window}
		m.windows[scope] = w
		return w
	}
	if w.id != window {
		w.id = window
		w.count = 0
		m.resets++
	}
	return w
}

// Incr implements Counter.
func (m *MemoryCounter) Incr(_ context.Context, scope, window string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w := m.window(scope, window)
	w.count++
	return w.count, nil
}

// Get implements Counter.
func (m *MemoryCounter) Get(_ context.Context, scope, window string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.window(scope, window).count, nil
}

// Resets returns how many window rollovers have happened.
func (m *MemoryCounter) Resets() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.resets
}

// RedisCounter shares quota counters between pipeline instances. Each window
// is its own key, so rollover needs no coordination.
type RedisCounter struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedisCounter wraps an existing client.
func NewRedisCounter(client redis.UniversalClient) *RedisCounter {
	return &RedisCounter{client: client, prefix: "postpilot:quota:", ttl: 48 * time.Hour}
}

// DialRedis connects to the Redis server at url (redis://...).
func DialRedis(ctx context.Context, url string) (*RedisCounter, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}
	return NewRedisCounter(client), nil
}

func (r *RedisCounter) key(scope, window string) string {
	return r.prefix + scope + ":" + window
}

// Incr implements Counter.
func (r *RedisCounter) Incr(ctx context.Context, scope, window string) (int64, error) {
	key := r.key(scope, window)
	pipe := r.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, r.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("incrementing %s: %w", key, err)
	}
	return incr.Val(), nil
}

// Get implements Counter.
func (r *RedisCounter) Get(ctx context.Context, scope, window string) (int64, error) {
	n, err := r.client.Get(ctx, r.key(scope, window)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reading quota counter: %w", err)
	}
	return n, nil
}

// Close releases the connection pool.
func (r *RedisCounter) Close() error {
	return r.client.Close()
}
