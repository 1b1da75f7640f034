// Package lock coordinates access to storage keys: a reader/writer lock per
// key, held on behalf of Sessions, with an optional cross-process Locker for
// exclusive holds.
package lock

import (
	"context"
	"fmt"
	log "log/slog"
	"sync"
	"time"

	"github.com/sharedcode/annostore"
)

// unlockTimeout bounds releasing a cross-process lock, which runs in the
// background after the holder has moved on.
const unlockTimeout = 5 * time.Second

type entry struct {
	writer         *Session
	readers        map[*Session]struct{}
	waitingWriters int
	// upgrading is the reader waiting to become the writer.
	upgrading *Session
	deleting  bool
	waiters   int
	changed   chan struct{}
	lease     *Lease
}

func (e *entry) idle() bool {
	return e.writer == nil && len(e.readers) == 0 && e.waiters == 0 && !e.deleting && e.waitingWriters == 0
}

// onlyReader reports whether s is the sole reader, or there are none.
func (e *entry) onlyReader(s *Session) bool {
	switch len(e.readers) {
	case 0:
		return true
	case 1:
		_, ok := e.readers[s]
		return ok
	}
	return false
}

// Controller owns the lock table. Entries exist only while a key is held or
// waited on, so the table does not grow with the number of keys ever touched.
type Controller struct {
	mu      sync.Mutex
	entries map[annostore.StorageKey]*entry
	locker  *Locker
	// unlocking holds the cross-process releases still in flight, closed
	// when done. A new local writer waits on its key's instead of polling.
	unlocking map[annostore.StorageKey]chan struct{}
	unlocks   sync.WaitGroup
}

// NewController returns a controller. locker may be nil for purely in-process
// coordination.
func NewController(locker *Locker) *Controller {
	return &Controller{
		entries:   make(map[annostore.StorageKey]*entry),
		locker:    locker,
		unlocking: make(map[annostore.StorageKey]chan struct{}),
	}
}

// NewSession opens a session on the controller.
func (c *Controller) NewSession() *Session {
	return &Session{
		c:     c,
		id:    annostore.NewUUID(),
		holds: make(map[annostore.StorageKey]*hold),
	}
}

func (c *Controller) entry(key annostore.StorageKey) *entry {
	e, ok := c.entries[key]
	if !ok {
		e = &entry{
			readers: make(map[*Session]struct{}),
			changed: make(chan struct{}),
		}
		c.entries[key] = e
	}
	return e
}

func (c *Controller) broadcast(e *entry) {
	close(e.changed)
	e.changed = make(chan struct{})
}

func (c *Controller) gc(key annostore.StorageKey, e *entry) {
	if e.idle() && c.entries[key] == e {
		delete(c.entries, key)
	}
}

// wait blocks until the entry changes or ctx is done. c.mu must be held; it
// is released while waiting and held again on return.
func (c *Controller) wait(ctx context.Context, e *entry) error {
	ch := e.changed
	e.waiters++
	c.mu.Unlock()
	var err error
	select {
	case <-ch:
	case <-ctx.Done():
		err = ctx.Err()
	}
	c.mu.Lock()
	e.waiters--
	return err
}

func cancelled(key annostore.StorageKey, err error) error {
	return annostore.Error{
		Code:     annostore.LockAcquisitionFailure,
		Err:      fmt.Errorf("waiting for %s: %w", key, err),
		UserData: key,
	}
}

func (c *Controller) acquireShared(ctx context.Context, s *Session, key annostore.StorageKey) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.entry(key)
	if _, ok := e.readers[s]; ok || e.writer == s {
		e.readers[s] = struct{}{}
		return nil
	}
	// Waiting writers go first so that a steady stream of readers can't starve them.
	for e.writer != nil || e.waitingWriters > 0 || e.deleting {
		if err := c.wait(ctx, e); err != nil {
			c.gc(key, e)
			return cancelled(key, err)
		}
	}
	e.readers[s] = struct{}{}
	return nil
}

func (c *Controller) acquireExclusive(ctx context.Context, s *Session, key annostore.StorageKey) error {
	c.mu.Lock()
	e := c.entry(key)
	if e.writer == s {
		c.mu.Unlock()
		return nil
	}
	_, upgrade := e.readers[s]
	if upgrade {
		if e.upgrading != nil {
			// Both would wait for the other to drop its shared hold.
			c.mu.Unlock()
			return annostore.Error{
				Code:     annostore.LockAcquisitionFailure,
				Err:      fmt.Errorf("another session is already upgrading %s to exclusive", key),
				UserData: key,
			}
		}
		e.upgrading = s
	}
	e.waitingWriters++
	// A pending delete waits for readers, so holding back the upgrade of
	// one of them would wedge both.
	for e.writer != nil || (e.deleting && !upgrade) || !e.onlyReader(s) {
		if err := c.wait(ctx, e); err != nil {
			e.waitingWriters--
			if upgrade {
				e.upgrading = nil
			}
			// Readers held back by this writer may proceed.
			c.broadcast(e)
			c.gc(key, e)
			c.mu.Unlock()
			return cancelled(key, err)
		}
	}
	e.waitingWriters--
	if upgrade {
		e.upgrading = nil
	}
	e.writer = s
	c.mu.Unlock()

	if c.locker == nil {
		return nil
	}
	lease, err := c.lock(ctx, key)
	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		e.writer = nil
		c.broadcast(e)
		c.gc(key, e)
		return err
	}
	e.lease = lease
	return nil
}

// check fails with LockAcquisitionFailure if s holds key exclusive but the
// cross-process lock behind the hold has been lost.
func (c *Controller) check(ctx context.Context, s *Session, key annostore.StorageKey) error {
	c.mu.Lock()
	e, ok := c.entries[key]
	var lease *Lease
	if ok && e.writer == s {
		lease = e.lease
	}
	c.mu.Unlock()
	if lease == nil {
		return nil
	}
	return lease.Check(ctx)
}

// release drops the shared and/or exclusive hold s has on key. The
// cross-process lock is released in the background; its TTL covers a failure.
func (c *Controller) release(s *Session, key annostore.StorageKey, shared, exclusive bool) {
	c.mu.Lock()
	e, ok := c.entries[key]
	if !ok {
		c.mu.Unlock()
		return
	}
	if exclusive && e.writer == s {
		e.writer = nil
		if e.lease != nil {
			c.unlock(key, e.lease)
			e.lease = nil
		}
	}
	if shared {
		delete(e.readers, s)
	}
	c.broadcast(e)
	c.gc(key, e)
	c.mu.Unlock()
}

// lock takes the cross-process lock of key once this controller's own
// release of it, if any, has finished.
func (c *Controller) lock(ctx context.Context, key annostore.StorageKey) (*Lease, error) {
	c.mu.Lock()
	pending := c.unlocking[key]
	c.mu.Unlock()
	if pending != nil {
		select {
		case <-pending:
		case <-ctx.Done():
			return nil, cancelled(key, ctx.Err())
		}
	}
	return c.locker.Lock(ctx, key)
}

// unlock releases lease in the background. c.mu must be held.
func (c *Controller) unlock(key annostore.StorageKey, lease *Lease) {
	done := make(chan struct{})
	c.unlocking[key] = done
	c.unlocks.Add(1)
	go func() {
		defer c.unlocks.Done()
		ctx, cancel := context.WithTimeout(context.Background(), unlockTimeout)
		defer cancel()
		if err := lease.Release(ctx); err != nil {
			log.Warn("releasing cross-process lock failed", "key", key.String(), "error", err.Error())
		}
		c.mu.Lock()
		if c.unlocking[key] == done {
			delete(c.unlocking, key)
		}
		c.mu.Unlock()
		close(done)
	}()
}

// Flush waits for background releases of cross-process locks to finish.
func (c *Controller) Flush() {
	c.unlocks.Wait()
}

// Delete blocks new acquisitions of key, waits until every session holding
// it has released it, then runs fn. Unmanaged holders are not waited for.
func (c *Controller) Delete(ctx context.Context, key annostore.StorageKey, fn func(context.Context) error) error {
	return c.delete(ctx, key, fn, false)
}

// TryDelete is Delete failing fast with KeyBusy instead of waiting.
func (c *Controller) TryDelete(ctx context.Context, key annostore.StorageKey, fn func(context.Context) error) error {
	return c.delete(ctx, key, fn, true)
}

func (c *Controller) delete(ctx context.Context, key annostore.StorageKey, fn func(context.Context) error, failFast bool) error {
	if err := key.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	e := c.entry(key)
	busy := func() bool {
		return e.deleting || e.writer != nil || len(e.readers) > 0 || e.waitingWriters > 0
	}
	if failFast && busy() {
		c.gc(key, e)
		c.mu.Unlock()
		return annostore.Error{
			Code:     annostore.KeyBusy,
			Err:      fmt.Errorf("%s is held by an open session", key),
			UserData: key,
		}
	}
	// One deletion at a time.
	for e.deleting {
		if err := c.wait(ctx, e); err != nil {
			c.gc(key, e)
			c.mu.Unlock()
			return cancelled(key, err)
		}
	}
	e.deleting = true
	for e.writer != nil || len(e.readers) > 0 {
		if err := c.wait(ctx, e); err != nil {
			e.deleting = false
			c.broadcast(e)
			c.gc(key, e)
			c.mu.Unlock()
			return cancelled(key, err)
		}
	}
	c.mu.Unlock()

	done := func() {
		c.mu.Lock()
		e.deleting = false
		c.broadcast(e)
		c.gc(key, e)
		c.mu.Unlock()
	}
	defer done()

	if c.locker != nil {
		lease, err := c.lock(ctx, key)
		if err != nil {
			return err
		}
		defer func() {
			c.mu.Lock()
			c.unlock(key, lease)
			c.mu.Unlock()
		}()
		return fn(ctx)
	}
	return fn(ctx)
}

// KeyState is a point in time view of a key's lock.
type KeyState struct {
	Exclusive bool
	Shared    int
	Waiting   int
	Deleting  bool
}

// State returns the current lock state of key.
func (c *Controller) State(key annostore.StorageKey) KeyState {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return KeyState{}
	}
	return KeyState{
		Exclusive: e.writer != nil,
		Shared:    len(e.readers),
		Waiting:   e.waiters,
		Deleting:  e.deleting,
	}
}

// ActiveKeys returns the number of keys currently held or waited on.
func (c *Controller) ActiveKeys() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
