// Package cache contains the in-process implementation of annostore.Cache used
// by standalone deployments.
package cache

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sharedcode/annostore"
)

type item struct {
	data       string
	expiration time.Time
}

func (it item) expired(now time.Time) bool {
	return !it.expiration.IsZero() && now.After(it.expiration)
}

// InMemoryCache keeps values and lock entries in maps guarded by one mutex.
// Entries expire lazily on access.
type InMemoryCache struct {
	mu    sync.Mutex
	items map[string]item
	locks map[string]item
}

var _ annostore.Cache = (*InMemoryCache)(nil)

// NewInMemoryCache returns an empty cache.
func NewInMemoryCache() *InMemoryCache {
	return &InMemoryCache{
		items: make(map[string]item),
		locks: make(map[string]item),
	}
}

var (
	shared     *InMemoryCache
	sharedOnce sync.Once
)

// Shared returns the process wide instance, so that every store opened in
// standalone mode coordinates through the same lock table.
func Shared() *InMemoryCache {
	sharedOnce.Do(func() {
		shared = NewInMemoryCache()
	})
	return shared
}

func expiry(d time.Duration) time.Time {
	if d <= 0 {
		return time.Time{}
	}
	return time.Now().Add(d)
}

func (c *InMemoryCache) Set(ctx context.Context, key string, value string, expiration time.Duration) error {
	// No caching if expiration < 0.
	if expiration < 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[key] = item{data: value, expiration: expiry(expiration)}
	return nil
}

func (c *InMemoryCache) Get(ctx context.Context, key string) (bool, string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	it, ok := c.items[key]
	if !ok {
		return false, "", nil
	}
	if it.expired(time.Now()) {
		delete(c.items, key)
		return false, "", nil
	}
	return true, it.data, nil
}

// Delete removes keys, lock keys included, as a Redis DEL would.
func (c *InMemoryCache) Delete(ctx context.Context, keys []string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	found := false
	for _, k := range keys {
		if _, ok := c.items[k]; ok {
			found = true
			delete(c.items, k)
		}
		if _, ok := c.locks[k]; ok {
			found = true
			delete(c.locks, k)
		}
	}
	return found, nil
}

func (c *InMemoryCache) Ping(ctx context.Context) error {
	return nil
}

// Locking implementation

func (c *InMemoryCache) FormatLockKey(k string) string {
	return fmt.Sprintf("L%s", k)
}

func (c *InMemoryCache) CreateLockKeys(keys []string) []*annostore.LockKey {
	locks := make([]*annostore.LockKey, len(keys))
	for i, k := range keys {
		locks[i] = &annostore.LockKey{
			Key:    c.FormatLockKey(k),
			LockID: annostore.NewUUID(),
		}
	}
	return locks
}

// Lock takes all keys or none. A key already held under the same LockID
// counts as acquired and has its TTL extended.
func (c *InMemoryCache) Lock(ctx context.Context, duration time.Duration, lockKeys []*annostore.LockKey) (bool, annostore.UUID, error) {
	if err := ctx.Err(); err != nil {
		return false, annostore.NilUUID, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	// Sort keys so that a partial acquisition is rolled back deterministically.
	sorted := append([]*annostore.LockKey(nil), lockKeys...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Key < sorted[j].Key })

	now := time.Now()
	for _, lk := range sorted {
		existing, ok := c.locks[lk.Key]
		if ok && !existing.expired(now) && existing.data != lk.LockID.String() {
			id, _ := annostore.ParseUUID(existing.data)
			return false, id, nil
		}
	}
	for _, lk := range sorted {
		c.locks[lk.Key] = item{data: lk.LockID.String(), expiration: expiry(duration)}
		lk.IsLockOwner = true
	}
	return true, annostore.NilUUID, nil
}

func (c *InMemoryCache) IsLocked(ctx context.Context, lockKeys []*annostore.LockKey) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r := true
	now := time.Now()
	for _, lk := range lockKeys {
		existing, ok := c.locks[lk.Key]
		if !ok || existing.expired(now) || existing.data != lk.LockID.String() {
			lk.IsLockOwner = false
			r = false
			continue
		}
		lk.IsLockOwner = true
	}
	return r, nil
}

// Unlock deletes the keys still owned by lockKeys. Keys that expired and were
// taken over by another owner are left alone.
func (c *InMemoryCache) Unlock(ctx context.Context, lockKeys []*annostore.LockKey) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, lk := range lockKeys {
		if !lk.IsLockOwner {
			continue
		}
		if existing, ok := c.locks[lk.Key]; ok && existing.data == lk.LockID.String() {
			delete(c.locks, lk.Key)
		}
		lk.IsLockOwner = false
	}
	return nil
}

func init() {
	annostore.RegisterCache(annostore.Standalone, func(annostore.Config) (annostore.Cache, error) {
		return Shared(), nil
	})
}
