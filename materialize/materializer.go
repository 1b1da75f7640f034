package materialize

import (
	"context"
	"errors"
	"fmt"
	log "log/slog"

	"golang.org/x/sync/singleflight"

	"github.com/sharedcode/annostore"
	"github.com/sharedcode/annostore/encoding"
	"github.com/sharedcode/annostore/lock"
	"github.com/sharedcode/annostore/persist"
)

// Materializer creates the initial state of documents on first touch.
type Materializer struct {
	engine  *persist.Engine
	sources SourceProvider
	locks   *lock.Controller
	group   singleflight.Group
}

// New returns a materializer committing through engine and serializing on
// the initial-state keys of locks.
func New(engine *persist.Engine, sources SourceProvider, locks *lock.Controller) *Materializer {
	return &Materializer{
		engine:  engine,
		sources: sources,
		locks:   locks,
	}
}

// Convert reads and converts the source of ref without storing anything. A
// source that can't be converted is a plain error: retrying won't help.
func (m *Materializer) Convert(ctx context.Context, ref DocumentRef) ([]byte, error) {
	if err := ref.Validate(); err != nil {
		return nil, err
	}
	conv, err := GetConverter(ref.format())
	if err != nil {
		return nil, fmt.Errorf("materializing %s: %w", ref.Key(), err)
	}
	src, err := m.sources.Source(ctx, ref)
	if err != nil {
		return nil, err
	}
	doc, err := conv(ref.Name, src)
	if err != nil {
		return nil, fmt.Errorf("converting %s: %w", ref.Name, err)
	}
	return encoding.DefaultMarshaler.Marshal(doc)
}

// Ensure makes sure the initial state of ref is committed and reports whether
// this call created it. If sess already holds the initial-state key, sess is
// used (and upgraded to exclusive if needed); otherwise concurrent callers in
// this process are collapsed into one attempt holding the key exclusively
// through a private session.
func (m *Materializer) Ensure(ctx context.Context, ref DocumentRef, sess *lock.Session) (bool, error) {
	if err := ref.Validate(); err != nil {
		return false, err
	}
	key := ref.Key()
	if sess != nil {
		if mode, held := sess.Holds(key); held && mode != annostore.Unmanaged {
			if err := sess.Acquire(ctx, key, annostore.ExclusiveWrite); err != nil {
				return false, err
			}
			return m.ensureLocked(ctx, ref, sess)
		}
	}
	for {
		ran := false
		v, err, _ := m.group.Do(key.String(), func() (any, error) {
			ran = true
			inner := m.locks.NewSession()
			defer inner.Close()
			if err := inner.Acquire(ctx, key, annostore.ExclusiveWrite); err != nil {
				return false, err
			}
			return m.ensureLocked(ctx, ref, inner)
		})
		// The leader's context ended; a follower whose own context is alive tries again.
		if err != nil && !ran && ctx.Err() == nil &&
			(errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
			continue
		}
		if err != nil {
			return false, err
		}
		// Only the caller that ran the attempt reports the creation.
		return v.(bool) && ran, nil
	}
}

// ensureLocked materializes ref unless a revision exists. sess holds the
// initial-state key exclusively.
func (m *Materializer) ensureLocked(ctx context.Context, ref DocumentRef, sess *lock.Session) (bool, error) {
	key := ref.Key()
	if _, err := m.engine.Recover(ctx, key); err != nil {
		log.Warn("recovering initial state failed", "key", key.String(), "error", err.Error())
	}
	ok, err := m.engine.Exists(ctx, key)
	if err != nil {
		return false, err
	}
	if ok {
		return false, nil
	}
	ba, err := m.Convert(ctx, ref)
	if err != nil {
		return false, err
	}
	if err := sess.Check(ctx, key); err != nil {
		return false, err
	}
	if _, err := m.engine.Commit(ctx, key, ba); err != nil {
		return false, err
	}
	log.Info("materialized initial state", "key", key.String(), "source", ref.Name, "format", ref.format())
	return true, nil
}
