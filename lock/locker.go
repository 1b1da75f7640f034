package lock

import (
	"context"
	"fmt"
	log "log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sharedcode/annostore"
)

// Locker takes cross-process locks on keys through a Cache. Locks carry a TTL
// so that a crashed holder can't wedge a key; a live holder renews its lock
// until it lets go.
type Locker struct {
	cache annostore.Cache
	scope string
	ttl   time.Duration
}

// NewLocker returns a Locker over cache. Lockers of the same scope exclude
// each other; scope usually names the storage root. A ttl of zero uses
// annostore.DefaultLockTTL.
func NewLocker(cache annostore.Cache, scope string, ttl time.Duration) *Locker {
	if ttl <= 0 {
		ttl = annostore.DefaultLockTTL
	}
	return &Locker{
		cache: cache,
		scope: scope,
		ttl:   ttl,
	}
}

func (l *Locker) lockName(key annostore.StorageKey) string {
	return "annostore:" + l.scope + ":" + key.String()
}

// Lock polls until the key is locked for this caller or ctx is done. The
// returned Lease is renewed every third of the TTL until Released.
func (l *Locker) Lock(ctx context.Context, key annostore.StorageKey) (*Lease, error) {
	lks := l.cache.CreateLockKeys([]string{l.lockName(key)})
	for {
		ok, owner, err := l.cache.Lock(ctx, l.ttl, lks)
		if err != nil {
			if ctx.Err() != nil {
				return nil, cancelled(key, ctx.Err())
			}
			return nil, annostore.Error{
				Code:     annostore.LockAcquisitionFailure,
				Err:      fmt.Errorf("locking %s: %w", key, err),
				UserData: key,
			}
		}
		if ok {
			ls := &Lease{
				l:    l,
				key:  key,
				lks:  lks,
				stop: make(chan struct{}),
				done: make(chan struct{}),
			}
			go ls.renew()
			return ls, nil
		}
		log.Debug("key locked by another process", "key", key.String(), "owner", owner.String())
		annostore.RandomSleep(ctx)
		if err := ctx.Err(); err != nil {
			return nil, cancelled(key, err)
		}
	}
}

// Lease is a cross-process lock held by this process.
type Lease struct {
	l   *Locker
	key annostore.StorageKey
	// mu serializes cache calls, which update the lock keys' ownership flags.
	mu   sync.Mutex
	lks  []*annostore.LockKey
	lost atomic.Bool

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

func (ls *Lease) renew() {
	defer close(ls.done)
	every := ls.l.ttl / 3
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ls.stop:
			return
		case <-t.C:
		}
		ctx, cancel := context.WithTimeout(context.Background(), every)
		ls.mu.Lock()
		ok, owner, err := ls.l.cache.Lock(ctx, ls.l.ttl, ls.lks)
		ls.mu.Unlock()
		cancel()
		if err != nil {
			// The lock may still be ours; Check tells for sure.
			log.Warn("renewing cross-process lock failed", "key", ls.key.String(), "error", err.Error())
			continue
		}
		if !ok {
			ls.lost.Store(true)
			log.Warn("cross-process lock taken over", "key", ls.key.String(), "owner", owner.String())
			return
		}
	}
}

// Check returns LockAcquisitionFailure unless the lease is still held.
func (ls *Lease) Check(ctx context.Context) error {
	if !ls.lost.Load() {
		ls.mu.Lock()
		ok, err := ls.l.cache.IsLocked(ctx, ls.lks)
		ls.mu.Unlock()
		if err != nil {
			return annostore.Error{
				Code:     annostore.LockAcquisitionFailure,
				Err:      fmt.Errorf("checking lock on %s: %w", ls.key, err),
				UserData: ls.key,
			}
		}
		if ok {
			return nil
		}
		ls.lost.Store(true)
	}
	return annostore.Error{
		Code:     annostore.LockAcquisitionFailure,
		Err:      fmt.Errorf("cross-process lock on %s was lost", ls.key),
		UserData: ls.key,
	}
}

// Release stops renewal and unlocks. Keys no longer owned are left alone.
func (ls *Lease) Release(ctx context.Context) error {
	ls.stopOnce.Do(func() { close(ls.stop) })
	<-ls.done
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return ls.l.cache.Unlock(ctx, ls.lks)
}
