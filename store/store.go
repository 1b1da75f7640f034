// Package store is the entry point of the annotation state store. It ties the
// backend, persistence engine, retention manager, lock controller,
// materializer and schema upgrade together behind the read/write API.
//
// Operations take an optional *lock.Session. Keys acquired through a session
// stay held until the session is closed; with a nil session the lock covers
// only the call.
package store

import (
	"context"
	"errors"
	"fmt"
	log "log/slog"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/sharedcode/annostore"
	"github.com/sharedcode/annostore/fs"
	"github.com/sharedcode/annostore/lock"
	"github.com/sharedcode/annostore/materialize"
	"github.com/sharedcode/annostore/persist"
	"github.com/sharedcode/annostore/redis"
	"github.com/sharedcode/annostore/s3"
	"github.com/sharedcode/annostore/upgrade"

	// Registers the standalone cache factory.
	_ "github.com/sharedcode/annostore/cache"
)

// Store serves annotation states.
type Store struct {
	config       annostore.Config
	backend      annostore.Backend
	engine       *persist.Engine
	locks        *lock.Controller
	materializer *materialize.Materializer
	target       int
	closers      []func() error
}

// Open builds a store from config.
func Open(ctx context.Context, config annostore.Config, opts ...Option) (*Store, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.backend == nil {
		if err := config.Validate(); err != nil {
			return nil, err
		}
	} else if err := config.Retention.Policy().Validate(); err != nil {
		return nil, err
	}
	target := config.Schema.TargetVersion
	if target == 0 {
		target = upgrade.LatestVersion
	}
	if target > upgrade.LatestVersion {
		return nil, fmt.Errorf("schema.targetVersion %d is newer than %d", target, upgrade.LatestVersion)
	}

	s := &Store{
		config:  config,
		backend: o.backend,
		target:  target,
	}
	scope := o.lockScope
	if s.backend == nil {
		var err error
		if s.backend, scope, err = openBackend(config.Storage, scope); err != nil {
			return nil, err
		}
	}
	if scope == "" {
		scope = annostore.NewUUID().String()
	}

	var locker *lock.Locker
	if !o.noLocker {
		c := o.cache
		if c == nil {
			var err error
			if c, err = annostore.NewCacheClient(config); err != nil {
				return nil, fmt.Errorf("creating %s cache: %w", config.Locking.Mode, err)
			}
			if c != nil && config.Locking.Mode == annostore.Clustered {
				s.closers = append(s.closers, redis.CloseConnection)
			}
		}
		if c != nil {
			if err := c.Ping(ctx); err != nil {
				s.Close()
				return nil, fmt.Errorf("cache is not reachable: %w", err)
			}
			locker = lock.NewLocker(c, scope, time.Duration(config.Locking.LockTTL))
		}
	}

	s.engine = persist.NewEngine(s.backend, persist.NewRetention(s.backend, config.Retention.Policy()))
	s.locks = lock.NewController(locker)
	sources := o.sources
	if sources == nil {
		sources = materialize.NewBackendSource(s.backend)
	}
	s.materializer = materialize.New(s.engine, sources, s.locks)

	log.Debug("store opened", "backend", config.Storage.Backend, "locking", config.Locking.Mode, "scope", scope)
	return s, nil
}

func openBackend(sc annostore.StorageConfig, scope string) (annostore.Backend, string, error) {
	switch sc.Backend {
	case annostore.S3Backend:
		b, err := s3.Open(*sc.S3)
		if err != nil {
			return nil, "", err
		}
		if scope == "" {
			scope = "s3://" + sc.S3.Bucket + "/" + sc.S3.Prefix
		}
		return b, scope, nil
	default:
		fio, err := fs.NewFileIO(sc.RootPath)
		if err != nil {
			return nil, "", annostore.Error{Code: annostore.FileIOError, Err: err}
		}
		if scope == "" {
			scope = "file://" + fio.Root()
		}
		return fio, scope, nil
	}
}

// Close releases the store's connections. Open sessions should be closed
// first; their cross-process locks are released before the cache goes away.
func (s *Store) Close() error {
	if s.locks != nil {
		s.locks.Flush()
	}
	var errs *multierror.Error
	for _, c := range s.closers {
		if err := c(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	s.closers = nil
	return errs.ErrorOrNil()
}

// Config returns the configuration the store was opened with.
func (s *Store) Config() annostore.Config {
	return s.config
}

// Backend returns the storage backend.
func (s *Store) Backend() annostore.Backend {
	return s.backend
}

// Locks returns the store's lock controller.
func (s *Store) Locks() *lock.Controller {
	return s.locks
}

// NewSession opens a session. Callers must Close it.
func (s *Store) NewSession() *lock.Session {
	return s.locks.NewSession()
}

// session returns sess, or a temporary session released by the returned func.
func (s *Store) session(sess *lock.Session) (*lock.Session, func()) {
	if sess != nil {
		return sess, func() {}
	}
	tmp := s.locks.NewSession()
	return tmp, func() { tmp.Close() }
}

// recover repairs an interrupted commit of key. The caller holds key exclusively.
func (s *Store) recover(ctx context.Context, key annostore.StorageKey) {
	if _, err := s.engine.Recover(ctx, key); err != nil {
		log.Warn("recovering key failed", "key", key.String(), "error", err.Error())
	}
}

// ReadState returns the current revision of key, acquired in mode. Revisions
// stored under an older schema are upgraded (AutoUpgrade) or rejected
// (RejectStale); an upgrade read under ExclusiveWrite is persisted.
func (s *Store) ReadState(ctx context.Context, sess *lock.Session, key annostore.StorageKey, um annostore.UpgradeMode, mode annostore.AccessMode) (StateHandle, error) {
	if err := key.Validate(); err != nil {
		return StateHandle{}, err
	}
	sess, done := s.session(sess)
	defer done()
	if err := sess.Acquire(ctx, key, mode); err != nil {
		return StateHandle{}, err
	}
	return s.read(ctx, sess, key, um, mode)
}

func (s *Store) read(ctx context.Context, sess *lock.Session, key annostore.StorageKey, um annostore.UpgradeMode, mode annostore.AccessMode) (StateHandle, error) {
	if mode == annostore.ExclusiveWrite {
		s.recover(ctx, key)
	}
	rev, err := s.engine.Read(ctx, key)
	if err != nil {
		return StateHandle{}, err
	}
	return s.prepare(ctx, sess, rev, um, mode)
}

// commit stores data as the new revision of key once sess is known to still
// hold it.
func (s *Store) commit(ctx context.Context, sess *lock.Session, key annostore.StorageKey, data []byte) (time.Time, error) {
	if sess != nil {
		if err := sess.Check(ctx, key); err != nil {
			return time.Time{}, err
		}
	}
	return s.engine.Commit(ctx, key, data)
}

// prepare brings a revision up to the target schema version.
func (s *Store) prepare(ctx context.Context, sess *lock.Session, rev persist.Revision, um annostore.UpgradeMode, mode annostore.AccessMode) (StateHandle, error) {
	h := StateHandle{
		Key:          rev.Key,
		Mode:         mode,
		Data:         rev.Data,
		LastModified: rev.LastModified,
	}
	v, err := upgrade.VersionOf(rev.Data)
	if err != nil {
		return StateHandle{}, withKey(err, rev.Key)
	}
	h.SchemaVersion = v
	if v > upgrade.LatestVersion {
		return StateHandle{}, annostore.Error{
			Code:     annostore.UpgradeFailed,
			Err:      fmt.Errorf("schema version %d was written by a newer release", v),
			UserData: rev.Key,
		}
	}
	if v >= s.target {
		return h, nil
	}
	if um == annostore.RejectStale {
		_, err := upgrade.Check(rev.Data, s.target)
		return StateHandle{}, withKey(err, rev.Key)
	}
	out, _, err := upgrade.Upgrade(rev.Data, s.target)
	if err != nil {
		return StateHandle{}, withKey(err, rev.Key)
	}
	h.Data = out
	h.SchemaVersion = s.target
	h.Upgraded = true
	if mode != annostore.ExclusiveWrite {
		return h, nil
	}
	ts, err := s.commit(ctx, sess, rev.Key, out)
	if err != nil {
		return StateHandle{}, err
	}
	h.LastModified = ts
	log.Info("persisted upgraded revision", "key", rev.Key.String(), "from", v, "to", s.target)
	return h, nil
}

func withKey(err error, key annostore.StorageKey) error {
	var e annostore.Error
	if errors.As(err, &e) && e.UserData == nil {
		e.UserData = key
		return e
	}
	return err
}

// WriteState commits h.Data as the new revision of h.Key and updates
// h.LastModified. Unless the handle is Unmanaged, the key is held exclusively
// through sess for the commit (upgrading a shared hold).
func (s *Store) WriteState(ctx context.Context, sess *lock.Session, h *StateHandle) error {
	if h == nil {
		return fmt.Errorf("state handle can't be nil")
	}
	if err := h.Key.Validate(); err != nil {
		return err
	}
	if h.Mode != annostore.Unmanaged {
		var done func()
		sess, done = s.session(sess)
		defer done()
		if err := sess.Acquire(ctx, h.Key, annostore.ExclusiveWrite); err != nil {
			return err
		}
		h.Mode = annostore.ExclusiveWrite
	}
	ts, err := s.commit(ctx, sess, h.Key, h.Data)
	if err != nil {
		return err
	}
	h.LastModified = ts
	if v, err := upgrade.VersionOf(h.Data); err == nil {
		h.SchemaVersion = v
	}
	return nil
}

// DeleteState waits until no session holds key, then removes its revision and
// history. Deleting a missing key succeeds.
func (s *Store) DeleteState(ctx context.Context, key annostore.StorageKey) error {
	return s.locks.Delete(ctx, key, func(ctx context.Context) error {
		return s.engine.Delete(ctx, key)
	})
}

// TryDeleteState is DeleteState failing with KeyBusy instead of waiting.
func (s *Store) TryDeleteState(ctx context.Context, key annostore.StorageKey) error {
	return s.locks.TryDelete(ctx, key, func(ctx context.Context) error {
		return s.engine.Delete(ctx, key)
	})
}

// ExistsState reports whether key has a revision. It takes no lock.
func (s *Store) ExistsState(ctx context.Context, key annostore.StorageKey) (bool, error) {
	return s.engine.Exists(ctx, key)
}

// CreateOrReadInitialState returns the initial state of a document, building
// it from the document's source on first touch. Concurrent first touches
// produce a single committed revision.
func (s *Store) CreateOrReadInitialState(ctx context.Context, sess *lock.Session, ref materialize.DocumentRef, mode annostore.AccessMode) (StateHandle, error) {
	if err := ref.Validate(); err != nil {
		return StateHandle{}, err
	}
	key := ref.Key()
	sess, done := s.session(sess)
	defer done()
	// Cheap path: no exclusive lock when the state is already there.
	if ok, err := s.engine.Exists(ctx, key); err != nil {
		return StateHandle{}, err
	} else if !ok {
		if _, err := s.materializer.Ensure(ctx, ref, sess); err != nil {
			return StateHandle{}, err
		}
	}
	if err := sess.Acquire(ctx, key, mode); err != nil {
		return StateHandle{}, err
	}
	return s.read(ctx, sess, key, annostore.AutoUpgrade, mode)
}

// ReadOrCreateState reads key. A user key that was never written starts as a
// copy of the document's initial state, materialized if needed.
func (s *Store) ReadOrCreateState(ctx context.Context, sess *lock.Session, key annostore.StorageKey, ref materialize.DocumentRef, um annostore.UpgradeMode, mode annostore.AccessMode) (StateHandle, error) {
	if err := key.Validate(); err != nil {
		return StateHandle{}, err
	}
	if key.ProjectID != ref.ProjectID || key.DocumentID != ref.DocumentID {
		return StateHandle{}, annostore.Error{
			Code:     annostore.InvalidKey,
			Err:      fmt.Errorf("key %s does not belong to document %d/%d", key, ref.ProjectID, ref.DocumentID),
			UserData: key,
		}
	}
	if key.Owner == annostore.InitialStateOwner {
		return s.CreateOrReadInitialState(ctx, sess, ref, mode)
	}
	sess, done := s.session(sess)
	defer done()

	ok, err := s.engine.Exists(ctx, key)
	if err != nil {
		return StateHandle{}, err
	}
	if !ok {
		if err := s.seed(ctx, sess, key, ref); err != nil {
			return StateHandle{}, err
		}
	}
	if err := sess.Acquire(ctx, key, mode); err != nil {
		return StateHandle{}, err
	}
	return s.read(ctx, sess, key, um, mode)
}

// seed commits a copy of the initial state as the first revision of key.
func (s *Store) seed(ctx context.Context, sess *lock.Session, key annostore.StorageKey, ref materialize.DocumentRef) error {
	// Keys the caller already holds are taken through its session so that the
	// private one never waits on them.
	through := func(k annostore.StorageKey) (*lock.Session, func()) {
		if _, held := sess.Holds(k); held {
			return sess, func() {}
		}
		return s.session(nil)
	}
	src, done := through(ref.Key())
	initial, err := s.CreateOrReadInitialState(ctx, src, ref, annostore.SharedReadOnly)
	done()
	if err != nil {
		return err
	}
	holder, done := through(key)
	defer done()
	if err := holder.Acquire(ctx, key, annostore.ExclusiveWrite); err != nil {
		return err
	}
	s.recover(ctx, key)
	if ok, err := s.engine.Exists(ctx, key); err != nil || ok {
		return err
	}
	if _, err := s.commit(ctx, holder, key, initial.Data); err != nil {
		return err
	}
	log.Info("seeded state from initial state", "key", key.String())
	return nil
}

// History lists the snapshots of key, oldest first.
func (s *Store) History(ctx context.Context, key annostore.StorageKey) ([]persist.Snapshot, error) {
	return s.engine.Retention().Snapshots(ctx, key)
}

// ReadSnapshot returns the bytes of the snapshot of key taken at ts.
func (s *Store) ReadSnapshot(ctx context.Context, key annostore.StorageKey, ts time.Time) ([]byte, error) {
	return s.engine.Retention().ReadSnapshot(ctx, key, ts)
}

// RestoreSnapshot commits the snapshot of key taken at ts as its new revision.
// The replaced revision goes into history like any other commit.
func (s *Store) RestoreSnapshot(ctx context.Context, sess *lock.Session, key annostore.StorageKey, ts time.Time) (time.Time, error) {
	if err := key.Validate(); err != nil {
		return time.Time{}, err
	}
	sess, done := s.session(sess)
	defer done()
	if err := sess.Acquire(ctx, key, annostore.ExclusiveWrite); err != nil {
		return time.Time{}, err
	}
	ba, err := s.ReadSnapshot(ctx, key, ts)
	if err != nil {
		return time.Time{}, err
	}
	return s.commit(ctx, sess, key, ba)
}

// ListOwners returns the owners having a state for a document.
func (s *Store) ListOwners(ctx context.Context, projectID, documentID int64) ([]string, error) {
	return s.engine.Owners(ctx, projectID, documentID)
}

// Prune applies the retention limits to the history of key without
// committing. The key is held exclusively so that no commit rotates history
// at the same time.
func (s *Store) Prune(ctx context.Context, sess *lock.Session, key annostore.StorageKey) error {
	if err := key.Validate(); err != nil {
		return err
	}
	sess, done := s.session(sess)
	defer done()
	if err := sess.Acquire(ctx, key, annostore.ExclusiveWrite); err != nil {
		return err
	}
	if err := sess.Check(ctx, key); err != nil {
		return err
	}
	return s.engine.Retention().Prune(ctx, key, annostore.Now())
}

// Recover repairs what an interrupted commit left behind for key, holding it
// exclusively. It reports whether a staged backup was promoted.
func (s *Store) Recover(ctx context.Context, sess *lock.Session, key annostore.StorageKey) (bool, error) {
	if err := key.Validate(); err != nil {
		return false, err
	}
	sess, done := s.session(sess)
	defer done()
	if err := sess.Acquire(ctx, key, annostore.ExclusiveWrite); err != nil {
		return false, err
	}
	return s.engine.Recover(ctx, key)
}

// PutSource stores the source file a document's initial state is built from.
func (s *Store) PutSource(ctx context.Context, ref materialize.DocumentRef, data []byte) error {
	return materialize.NewBackendSource(s.backend).PutSource(ctx, ref, data)
}
