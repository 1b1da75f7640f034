package persist

import (
	"context"
	"errors"
	"fmt"
	iofs "io/fs"
	log "log/slog"
	"path"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sharedcode/annostore"
)

// Revision is the current durable bytes of a key.
type Revision struct {
	Key          annostore.StorageKey
	Data         []byte
	LastModified time.Time
	// FromBackup is set when the current revision was missing and the staging
	// backup of an interrupted commit was read in its place.
	FromBackup bool
}

// Engine commits and reads revisions through a Backend. Callers serialize
// access per key (see the lock package); the engine itself keeps no state.
type Engine struct {
	backend   annostore.Backend
	retention *Retention
}

// NewEngine returns an engine over backend. retention may be nil, in which
// case no history is kept.
func NewEngine(backend annostore.Backend, retention *Retention) *Engine {
	return &Engine{
		backend:   backend,
		retention: retention,
	}
}

// Backend returns the backend the engine writes to.
func (e *Engine) Backend() annostore.Backend {
	return e.backend
}

// Retention returns the retention manager, nil if none.
func (e *Engine) Retention() *Retention {
	return e.retention
}

// Read returns the current revision of key. If the current revision is
// missing but a staging backup is present, the backup is returned.
func (e *Engine) Read(ctx context.Context, key annostore.StorageKey) (Revision, error) {
	if err := key.Validate(); err != nil {
		return Revision{}, err
	}
	r, err := e.readObject(ctx, key, StatePath(key))
	if err == nil || !errors.Is(err, iofs.ErrNotExist) {
		return r, wrapIOError(key, err)
	}
	r, err = e.readObject(ctx, key, BackupPath(key))
	if err == nil {
		log.Warn("current revision missing, reading staging backup", "key", key.String())
		r.FromBackup = true
		return r, nil
	}
	if errors.Is(err, iofs.ErrNotExist) {
		return Revision{}, annostore.Error{
			Code:     annostore.NotFound,
			Err:      fmt.Errorf("no revision stored for %s", key),
			UserData: key,
		}
	}
	return Revision{}, wrapIOError(key, err)
}

func (e *Engine) readObject(ctx context.Context, key annostore.StorageKey, name string) (Revision, error) {
	info, err := e.backend.Stat(ctx, name)
	if err != nil {
		return Revision{}, err
	}
	ba, err := e.backend.ReadFile(ctx, name)
	if err != nil {
		return Revision{}, err
	}
	return Revision{
		Key:          key,
		Data:         ba,
		LastModified: info.ModTime,
	}, nil
}

// Stat returns the metadata of the current (or recoverable) revision of key.
func (e *Engine) Stat(ctx context.Context, key annostore.StorageKey) (annostore.ObjectInfo, error) {
	if err := key.Validate(); err != nil {
		return annostore.ObjectInfo{}, err
	}
	for _, name := range []string{StatePath(key), BackupPath(key)} {
		info, err := e.backend.Stat(ctx, name)
		if err == nil {
			return info, nil
		}
		if !errors.Is(err, iofs.ErrNotExist) {
			return annostore.ObjectInfo{}, wrapIOError(key, err)
		}
	}
	return annostore.ObjectInfo{}, annostore.Error{
		Code:     annostore.NotFound,
		Err:      fmt.Errorf("no revision stored for %s", key),
		UserData: key,
	}
}

// Exists reports whether key has a current revision, or a staging backup that
// stands in for it.
func (e *Engine) Exists(ctx context.Context, key annostore.StorageKey) (bool, error) {
	_, err := e.Stat(ctx, key)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, annostore.ErrNotFound) {
		return false, nil
	}
	return false, err
}

// Commit replaces the current revision of key with data:
//
//  1. the current revision, if any, is renamed to the staging backup name;
//  2. data is written under a fresh name and renamed into place;
//  3. the staging backup is deleted.
//
// If step 2 fails the partial file is removed and the backup renamed back, so
// the previous revision survives byte for byte. The returned time is the
// modification time of the new revision. After a successful commit the
// retention manager runs; its failures are logged, never returned.
func (e *Engine) Commit(ctx context.Context, key annostore.StorageKey, data []byte) (time.Time, error) {
	if err := key.Validate(); err != nil {
		return time.Time{}, err
	}
	cur, bak := StatePath(key), BackupPath(key)

	curExists, err := e.exists(ctx, cur)
	if err != nil {
		return time.Time{}, persistFailed(key, err)
	}
	hasBackup := curExists
	if curExists {
		// Replaces a backup left behind by an earlier commit whose cleanup failed.
		if err := e.backend.Rename(ctx, cur, bak); err != nil {
			return time.Time{}, persistFailed(key, fmt.Errorf("staging backup of %s: %w", cur, err))
		}
	} else if hasBackup, err = e.exists(ctx, bak); err != nil {
		return time.Time{}, persistFailed(key, err)
	}

	tmp := TempPath(key, annostore.NewUUID())
	if err := e.backend.WriteFile(ctx, tmp, data); err != nil {
		return time.Time{}, e.rollback(ctx, key, tmp, hasBackup, fmt.Errorf("writing %s: %w", tmp, err))
	}
	if err := e.backend.Rename(ctx, tmp, cur); err != nil {
		return time.Time{}, e.rollback(ctx, key, tmp, hasBackup, fmt.Errorf("finalizing %s: %w", cur, err))
	}

	cleanupCtx := context.WithoutCancel(ctx)
	if hasBackup {
		if err := e.backend.Remove(cleanupCtx, bak); err != nil && !errors.Is(err, iofs.ErrNotExist) {
			// Harmless: a backup next to a current revision is ignored and
			// replaced by the next commit.
			log.Warn("deleting staging backup failed", "key", key.String(), "error", err.Error())
		}
	}

	modTime := annostore.Now()
	if info, err := e.backend.Stat(cleanupCtx, cur); err == nil {
		modTime = info.ModTime
	}

	if e.retention != nil {
		if _, err := e.retention.Apply(cleanupCtx, key, annostore.Now(), data); err != nil {
			log.Warn("retention failed", "key", key.String(), "error", err.Error())
		}
	}
	return modTime, nil
}

// rollback undoes a failed step 2 of Commit and returns the PersistFailed error.
func (e *Engine) rollback(ctx context.Context, key annostore.StorageKey, tmp string, hasBackup bool, cause error) error {
	// The commit may have failed because ctx was cancelled; the rollback must still run.
	ctx = context.WithoutCancel(ctx)
	if err := e.backend.Remove(ctx, tmp); err != nil && !errors.Is(err, iofs.ErrNotExist) {
		log.Warn("removing partial revision failed", "name", tmp, "error", err.Error())
	}
	if hasBackup {
		if err := e.backend.Rename(ctx, BackupPath(key), StatePath(key)); err != nil {
			// The backup is still in place and reads fall back to it.
			log.Error("restoring staging backup failed", "key", key.String(), "error", err.Error())
			cause = errors.Join(cause, fmt.Errorf("restoring staging backup: %w", err))
		}
	}
	return persistFailed(key, cause)
}

// Recover repairs what an interrupted commit left behind: a lone staging
// backup is promoted back to the current revision, a backup next to a current
// revision is deleted, and stale temporary files are removed. The caller must
// hold the key exclusively. It reports whether a backup was promoted.
func (e *Engine) Recover(ctx context.Context, key annostore.StorageKey) (bool, error) {
	if err := key.Validate(); err != nil {
		return false, err
	}
	objects, err := e.backend.List(ctx, KeyDir(key))
	if err != nil {
		return false, wrapIOError(key, err)
	}
	var hasCurrent, hasBackup bool
	var temps []string
	for _, o := range objects {
		switch {
		case o.Name == key.Owner+stateSuffix:
			hasCurrent = true
		case o.Name == key.Owner+stateSuffix+backupSuffix:
			hasBackup = true
		case isTempOf(key, o.Name) || isSnapshotTempOf(key, o.Name):
			temps = append(temps, o.Name)
		}
	}
	for _, t := range temps {
		if err := e.backend.Remove(ctx, path.Join(KeyDir(key), t)); err != nil && !errors.Is(err, iofs.ErrNotExist) {
			log.Warn("removing stale temporary file failed", "name", t, "error", err.Error())
		}
	}
	if !hasBackup {
		return false, nil
	}
	if hasCurrent {
		if err := e.backend.Remove(ctx, BackupPath(key)); err != nil && !errors.Is(err, iofs.ErrNotExist) {
			log.Warn("removing stale staging backup failed", "key", key.String(), "error", err.Error())
		}
		return false, nil
	}
	if err := e.backend.Rename(ctx, BackupPath(key), StatePath(key)); err != nil {
		return false, wrapIOError(key, fmt.Errorf("promoting staging backup: %w", err))
	}
	log.Warn("promoted staging backup of an interrupted commit", "key", key.String())
	return true, nil
}

// Delete removes the current revision, staging backup, temporary files and
// all history snapshots of key. The caller must make sure no session holds it.
func (e *Engine) Delete(ctx context.Context, key annostore.StorageKey) error {
	if err := key.Validate(); err != nil {
		return err
	}
	dir := KeyDir(key)
	objects, err := e.backend.List(ctx, dir)
	if err != nil {
		return wrapIOError(key, err)
	}
	eg := errgroup.Group{}
	eg.SetLimit(8)
	for _, o := range objects {
		if !belongsTo(key, o.Name) {
			continue
		}
		name := path.Join(dir, o.Name)
		eg.Go(func() error {
			if err := e.backend.Remove(ctx, name); err != nil && !errors.Is(err, iofs.ErrNotExist) {
				return fmt.Errorf("deleting %s: %w", name, err)
			}
			return nil
		})
	}
	return wrapIOError(key, eg.Wait())
}

// Owners lists the owners having a revision stored for a document, sorted.
func (e *Engine) Owners(ctx context.Context, projectID, documentID int64) ([]string, error) {
	dir := path.Join(DocumentDir(projectID, documentID), annotationFolder)
	objects, err := e.backend.List(ctx, dir)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{})
	for _, o := range objects {
		if owner, ok := OwnerOfStateName(o.Name); ok {
			seen[owner] = struct{}{}
		}
	}
	r := make([]string, 0, len(seen))
	for o := range seen {
		r = append(r, o)
	}
	sort.Strings(r)
	return r, nil
}

func (e *Engine) exists(ctx context.Context, name string) (bool, error) {
	_, err := e.backend.Stat(ctx, name)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, iofs.ErrNotExist) {
		return false, nil
	}
	return false, err
}

func persistFailed(key annostore.StorageKey, err error) error {
	return annostore.Error{
		Code:     annostore.PersistFailed,
		Err:      err,
		UserData: key,
	}
}

func wrapIOError(key annostore.StorageKey, err error) error {
	if err == nil {
		return nil
	}
	var e annostore.Error
	if errors.As(err, &e) {
		return err
	}
	return annostore.Error{
		Code:     annostore.FileIOError,
		Err:      err,
		UserData: key,
	}
}
