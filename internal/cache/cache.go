// Package cache implements the Cache Adapter (C5): a narrow key/value,
// set, list, and counter contract used by the Explanation Engine's
// content-addressed cache and the Security Gate's rate-limit and quarantine
// bookkeeping. Two implementations are provided — Redis-backed for
// production, in-memory for tests and environments without Redis — and both
// satisfy the same Cache interface.
package cache

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when a key is absent or expired.
var ErrNotFound = errors.New("cache: key not found")

// Cache is the adapter contract every consumer (Explanation Engine, Security
// Gate) programs against.
type Cache interface {
	Get(ctx context.Context, key string) (string, error)
	SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	KeysMatching(ctx context.Context, prefix string) ([]string, error)

	SetAdd(ctx context.Context, set, member string) error
	SetRemove(ctx context.Context, set, member string) error
	SetContains(ctx context.Context, set, member string) (bool, error)

	ListPushCapped(ctx context.Context, list, value string, cap int) error
	ListRange(ctx context.Context, list string, start, stop int64) ([]string, error)

	IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error)

	TimeNow() time.Time
}
