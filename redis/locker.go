package redis

import (
	"context"
	log "log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sharedcode/annostore"
)

// unlockScript deletes a lock key only while it still holds the caller's ID,
// so an owner whose TTL lapsed can't release the lock of its successor.
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Lock attempts to acquire locks for all provided keys using the given TTL duration.
// If any key is already locked by another owner, the keys taken so far are
// released and it returns false and that owner's UUID.
func (c client) Lock(ctx context.Context, duration time.Duration, lockKeys []*annostore.LockKey) (bool, annostore.UUID, error) {
	if c.conn == nil {
		return false, annostore.NilUUID, errNotOpen
	}
	var taken []*annostore.LockKey
	rollback := func() {
		if err := c.Unlock(context.WithoutCancel(ctx), taken); err != nil {
			log.Warn("releasing partially acquired locks failed", "error", err.Error())
		}
	}
	for _, lk := range lockKeys {
		ok, err := c.conn.Client.SetNX(ctx, lk.Key, lk.LockID.String(), duration).Result()
		if err != nil {
			rollback()
			return false, annostore.NilUUID, err
		}
		if ok {
			lk.IsLockOwner = true
			taken = append(taken, lk)
			continue
		}
		found, readItem, err := c.Get(ctx, lk.Key)
		if err != nil {
			rollback()
			return false, annostore.NilUUID, err
		}
		if found && readItem == lk.LockID.String() {
			// Ours already, extend it.
			if err := c.conn.Client.PExpire(ctx, lk.Key, duration).Err(); err != nil {
				rollback()
				return false, annostore.NilUUID, err
			}
			lk.IsLockOwner = true
			continue
		}
		rollback()
		id, _ := annostore.ParseUUID(readItem)
		return false, id, nil
	}
	// Successfully locked.
	return true, annostore.NilUUID, nil
}

// IsLocked reports whether all provided lock keys are currently owned by this process.
func (c client) IsLocked(ctx context.Context, lockKeys []*annostore.LockKey) (bool, error) {
	r := true
	var lastErr error
	for _, lk := range lockKeys {
		found, readItem, err := c.Get(ctx, lk.Key)
		if !found || err != nil {
			lk.IsLockOwner = false
			r = false
			if err != nil {
				lastErr = err
			}
			continue
		}
		// Item found in Redis has different value, means key is locked by a different owner.
		if readItem != lk.LockID.String() {
			lk.IsLockOwner = false
			r = false
			continue
		}
		lk.IsLockOwner = true
	}
	return r, lastErr
}

// Unlock releases the provided lock keys, deleting only those owned by this process.
func (c client) Unlock(ctx context.Context, lockKeys []*annostore.LockKey) error {
	if c.conn == nil {
		return errNotOpen
	}
	var lastErr error
	for _, lk := range lockKeys {
		if !lk.IsLockOwner {
			continue
		}
		if err := unlockScript.Run(ctx, c.conn.Client, []string{lk.Key}, lk.LockID.String()).Err(); err != nil && !keyNotFound(err) {
			lastErr = err
			continue
		}
		lk.IsLockOwner = false
	}
	return lastErr
}
