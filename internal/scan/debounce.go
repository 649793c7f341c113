package scan

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultWindow is how long an identical read is ignored.
const DefaultWindow = 3 * time.Second

// Debouncer reports whether a read with key should be processed. Release
// forgets key so the next identical read goes through.
type Debouncer interface {
	Allow(ctx context.Context, key string) (bool, error)
	Release(ctx context.Context, key string) error
}

// MemoryDebouncer remembers recent keys in process.
type MemoryDebouncer struct {
	window time.Duration
	now    func() time.Time

	mu   sync.Mutex
	seen map[string]time.Time
}

// NewMemoryDebouncer suppresses repeats within window.
func NewMemoryDebouncer(window time.Duration) *MemoryDebouncer {
	if window <= 0 {
		window = DefaultWindow
	}
	return &MemoryDebouncer{window: window, now: time.Now, seen: make(map[string]time.Time)}
}

// Allow records key and reports whether it was outside the window.
func (d *MemoryDebouncer) Allow(_ context.Context, key string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.now()
	if last, ok := d.seen[key]; ok && now.Sub(last) < d.window {
		return false, nil
	}
	d.seen[key] = now
	if len(d.seen) > 1024 {
		for k, t := range d.seen {
			if now.Sub(t) >= d.window {
				delete(d.seen, k)
			}
		}
	}
	return true, nil
}

// Release drops key from the window.
func (d *MemoryDebouncer) Release(_ context.Context, key string) error {
	d.mu.Lock()
	delete(d.seen, key)
	d.mu.Unlock()
	return nil
}

// RedisDebouncer shares the window across processes with SET NX PX.
type RedisDebouncer struct {
	client *redis.Client
	window time.Duration
	prefix string
}

// NewRedisDebouncer suppresses repeats within window using redis keys.
func NewRedisDebouncer(client *redis.Client, window time.Duration) *RedisDebouncer {
	if window <= 0 {
		window = DefaultWindow
	}
	return &RedisDebouncer{client: client, window: window, prefix: "rollcall:debounce:"}
}

// Allow reports whether key was not seen within the window.
func (d *RedisDebouncer) Allow(ctx context.Context, key string) (bool, error) {
	return d.client.SetNX(ctx, d.prefix+key, 1, d.window).Result()
}

// Release deletes the window key.
func (d *RedisDebouncer) Release(ctx context.Context, key string) error {
	return d.client.Del(ctx, d.prefix+key).Err()
}
