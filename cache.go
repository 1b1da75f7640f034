package annostore

import (
	"context"
	"time"
)

// LockKey is a lock on one cache key. LockID identifies the owner, and
// IsLockOwner tells Unlock whether this handle actually won the lock.
type LockKey struct {
	Key         string
	LockID      UUID
	IsLockOwner bool
}

// Cache is the shared key/value cache used to coordinate processes. Locks are
// plain entries holding the owner's LockID and expire after their TTL so a
// crashed owner can't wedge a key forever.
type Cache interface {
	Set(ctx context.Context, key string, value string, expiration time.Duration) error
	// Get returns false (and a nil error) when the key does not exist.
	Get(ctx context.Context, key string) (bool, string, error)
	Delete(ctx context.Context, keys []string) (bool, error)
	Ping(ctx context.Context) error

	// FormatLockKey namespaces a key name for locking.
	FormatLockKey(k string) string
	// CreateLockKeys creates lock keys using newly generated lock IDs.
	CreateLockKeys(keys []string) []*LockKey
	// Lock acquires all keys or none. On conflict it returns false and the current owner's ID.
	Lock(ctx context.Context, duration time.Duration, lockKeys []*LockKey) (bool, UUID, error)
	// IsLocked reports whether all keys are still owned by the given lock keys.
	IsLocked(ctx context.Context, lockKeys []*LockKey) (bool, error)
	// Unlock releases the keys this handle owns.
	Unlock(ctx context.Context, lockKeys []*LockKey) error
}
