package lock

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/sharedcode/annostore"
)

// ErrSessionClosed is returned when acquiring through a closed session.
var ErrSessionClosed = errors.New("session is closed")

type hold struct {
	shared    int
	exclusive int
	unmanaged int
}

func (h *hold) mode() annostore.AccessMode {
	switch {
	case h.exclusive > 0:
		return annostore.ExclusiveWrite
	case h.shared > 0:
		return annostore.SharedReadOnly
	}
	return annostore.Unmanaged
}

// Session tracks every key acquired during one logical operation and releases
// them all on Close. Locks are reentrant per session: goroutines sharing a
// session share its holds.
//
//	sess := controller.NewSession()
//	defer sess.Close()
type Session struct {
	c  *Controller
	id annostore.UUID

	mu     sync.Mutex
	holds  map[annostore.StorageKey]*hold
	closed bool
}

// ID identifies the session in logs.
func (s *Session) ID() annostore.UUID {
	return s.id
}

// Acquire takes key in mode, blocking until the mode is compatible with the
// other sessions' holds or ctx is done. Unmanaged never blocks and is not
// counted as a holder. A session holding key shared may upgrade to exclusive
// once the other readers are gone; if another session is already upgrading the
// same key the call fails with LockAcquisitionFailure.
func (s *Session) Acquire(ctx context.Context, key annostore.StorageKey, mode annostore.AccessMode) error {
	if err := key.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	h, ok := s.holds[key]
	if !ok {
		h = &hold{}
		s.holds[key] = h
	}
	switch mode {
	case annostore.Unmanaged:
		h.unmanaged++
		s.mu.Unlock()
		return nil
	case annostore.SharedReadOnly:
		if h.shared > 0 {
			h.shared++
			s.mu.Unlock()
			return nil
		}
	case annostore.ExclusiveWrite:
		if h.exclusive > 0 {
			h.exclusive++
			s.mu.Unlock()
			return nil
		}
	default:
		s.forgetIfEmpty(key, h)
		s.mu.Unlock()
		return fmt.Errorf("unknown access mode %d", mode)
	}
	s.mu.Unlock()

	var err error
	if mode == annostore.ExclusiveWrite {
		err = s.c.acquireExclusive(ctx, s, key)
	} else {
		err = s.c.acquireShared(ctx, s, key)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		if h, ok := s.holds[key]; ok {
			s.forgetIfEmpty(key, h)
		}
		return err
	}
	if s.closed {
		// Closed while waiting: hand the lock straight back.
		s.c.release(s, key, mode == annostore.SharedReadOnly, mode == annostore.ExclusiveWrite)
		return ErrSessionClosed
	}
	// The hold may have been dropped by Release while waiting.
	h, ok = s.holds[key]
	if !ok {
		h = &hold{}
		s.holds[key] = h
	}
	if mode == annostore.ExclusiveWrite {
		h.exclusive++
	} else {
		h.shared++
	}
	return nil
}

func (s *Session) forgetIfEmpty(key annostore.StorageKey, h *hold) {
	if h.shared == 0 && h.exclusive == 0 && h.unmanaged == 0 {
		delete(s.holds, key)
	}
}

// Release drops every hold the session has on key.
func (s *Session) Release(key annostore.StorageKey) {
	s.mu.Lock()
	h, ok := s.holds[key]
	if ok {
		delete(s.holds, key)
	}
	s.mu.Unlock()
	if ok {
		s.c.release(s, key, h.shared > 0, h.exclusive > 0)
	}
}

// Check returns LockAcquisitionFailure if the session holds key exclusive
// and the cross-process lock backing it was lost, e.g. to a TTL lapse. Call
// it before committing a write.
func (s *Session) Check(ctx context.Context, key annostore.StorageKey) error {
	return s.c.check(ctx, s, key)
}

// Holds returns the strongest mode the session holds key in.
func (s *Session) Holds(key annostore.StorageKey) (annostore.AccessMode, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.holds[key]
	if !ok {
		return annostore.Unmanaged, false
	}
	return h.mode(), true
}

// Keys returns the keys the session holds, sorted.
func (s *Session) Keys() []annostore.StorageKey {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := make([]annostore.StorageKey, 0, len(s.holds))
	for k := range s.holds {
		r = append(r, k)
	}
	slices.SortFunc(r, compareKeys)
	return r
}

func compareKeys(a, b annostore.StorageKey) int {
	if c := cmp.Compare(a.ProjectID, b.ProjectID); c != 0 {
		return c
	}
	if c := cmp.Compare(a.DocumentID, b.DocumentID); c != 0 {
		return c
	}
	return cmp.Compare(a.Owner, b.Owner)
}

// Close releases every key held by the session. It is idempotent and never
// blocks: cross-process locks are released in the background. It always
// returns nil.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	holds := s.holds
	s.holds = make(map[annostore.StorageKey]*hold)
	s.mu.Unlock()

	for k, h := range holds {
		s.c.release(s, k, h.shared > 0, h.exclusive > 0)
	}
	return nil
}
