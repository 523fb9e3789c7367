package rdx

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Cache is a read-through helper over Redis. Failures are logged and
// reported as misses so callers fall back to the database.
type Cache struct {
	conn redis.Cmdable
}

func NewCache(conn redis.Cmdable) *Cache {
	return &Cache{conn: conn}
}

// GetJSON decodes the value at key into dst and reports whether it was found.
func (c *Cache) GetJSON(ctx context.Context, key string, dst any) bool {
	raw, err := c.conn.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			log.Printf("[Cache] GET %s: %v", key, err)
		}
		return false
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		log.Printf("[Cache] decode %s: %v", key, err)
		return false
	}
	return true
}

func (c *Cache) SetJSON(ctx context.Context, key string, v any, ttl time.Duration) {
	raw, err := json.Marshal(v)
	if err != nil {
		log.Printf("[Cache] encode %s: %v", key, err)
		return
	}
	if err := c.conn.Set(ctx, key, raw, ttl).Err(); err != nil {
		log.Printf("[Cache] SET %s: %v", key, err)
	}
}

// Del invalidates keys. It never fails the caller.
func (c *Cache) Del(ctx context.Context, keys ...string) {
	if len(keys) == 0 {
		return
	}
	if err := c.conn.Del(ctx, keys...).Err(); err != nil {
		log.Printf("[Cache] DEL %v: %v", keys, err)
	}
}

func (c *Cache) Exists(ctx context.Context, key string) bool {
	n, err := c.conn.Exists(ctx, key).Result()
	if err != nil {
		log.Printf("[Cache] EXISTS %s: %v", key, err)
		return false
	}
	return n == 1
}

// releaseLock deletes the lock only while it still holds the caller's token.
var releaseLock = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// AcquireLock tries to take a short-lived lock on key. The returned token
// must be passed to ReleaseLock.
func (c *Cache) AcquireLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	token := uuid.NewString()
	ok, err := c.conn.SetNX(ctx, key, token, ttl).Result()
	if err != nil || !ok {
		return "", false, err
	}
	return token, true, nil
}

// ReleaseLock frees key if it is still held with token. A lock that expired
// and was taken by someone else is left alone.
func (c *Cache) ReleaseLock(ctx context.Context, key, token string) {
	n, err := releaseLock.Run(ctx, c.conn, []string{key}, token).Int()
	if err != nil {
		log.Printf("[Cache] release lock %s: %v", key, err)
		return
	}
	if n == 0 {
		log.Printf("[Cache] lock %s expired before release", key)
	}
}

// SetString stores a plain value with a TTL, e.g. one-time login codes.
func (c *Cache) SetString(ctx context.Context, key, value string, ttl time.Duration) error {
	return c.conn.Set(ctx, key, value, ttl).Err()
}

// GetString returns the plain value at key; ok is false when absent.
func (c *Cache) GetString(ctx context.Context, key string) (string, bool, error) {
	v, err := c.conn.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}
