package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tytac116/PropMatch/internal/config"
)

// Redis is the production Cache implementation.
type Redis struct {
	client redis.UniversalClient
}

// NewRedis connects to Redis using the given adapter configuration.
func NewRedis(cfg config.Cache) (*Redis, error) {
	opts := &redis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB}
	if cfg.RedisAddr == "" {
		return nil, fmt.Errorf("cache: redis addr is required")
	}
	client := redis.NewClient(opts)
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("cache: redis ping: %w", err)
	}
	return &Redis{client: client}, nil
}

func (r *Redis) Get(ctx context.Context, key string) (string, error) {
	val, err := r.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return val, nil
}

func (r *Redis) SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error {
	return r.client.Set(ctx, key, value, ttl).Err()
}

func (r *Redis) Delete(ctx context.Context, key string) error {
	return r.client.Del(ctx, key).Err()
}

func (r *Redis) KeysMatching(ctx context.Context, prefix string) ([]string, error) {
	var out []string
	iter := r.client.Scan(ctx, 0, prefix+"*", 200).Iterator()
	for iter.Next(ctx) {
		out = append(out, iter.Val())
	}
	return out, iter.Err()
}

func (r *Redis) SetAdd(ctx context.Context, set, member string) error {
	return r.client.SAdd(ctx, set, member).Err()
}

func (r *Redis) SetRemove(ctx context.Context, set, member string) error {
	return r.client.SRem(ctx, set, member).Err()
}

func (r *Redis) SetContains(ctx context.Context, set, member string) (bool, error) {
	return r.client.SIsMember(ctx, set, member).Result()
}

// ListPushCapped pushes value onto the head of list and trims the list to
// the most recent cap entries, matching the Security Gate's bounded event
// ledger requirement.
func (r *Redis) ListPushCapped(ctx context.Context, list, value string, cap int) error {
	pipe := r.client.TxPipeline()
	pipe.LPush(ctx, list, value)
	pipe.LTrim(ctx, list, 0, int64(cap-1))
	_, err := pipe.Exec(ctx)
	return err
}

func (r *Redis) ListRange(ctx context.Context, list string, start, stop int64) ([]string, error) {
	return r.client.LRange(ctx, list, start, stop).Result()
}

// IncrWithTTL atomically increments key and, only on the first increment
// (value becomes 1), sets its expiry — matching the hourly/daily counter
// semantics documented for security:stats:* keys.
func (r *Redis) IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	pipe := r.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.ExpireNX(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

func (r *Redis) TimeNow() time.Time { return time.Now().UTC() }

// Close releases the underlying Redis connection pool.
func (r *Redis) Close() error { return r.client.Close() }
