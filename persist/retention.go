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

	"github.com/hashicorp/go-multierror"

	"github.com/sharedcode/annostore"
)

// Snapshot is one history entry of a key.
type Snapshot struct {
	Key       annostore.StorageKey
	Name      string
	Timestamp time.Time
	Size      int64
}

// Path returns the backend name of the snapshot.
func (s Snapshot) Path() string {
	return path.Join(KeyDir(s.Key), s.Name)
}

// Retention captures revisions into history and prunes the history by count
// and age according to a RetentionPolicy.
type Retention struct {
	policy  annostore.RetentionPolicy
	backend annostore.Backend
}

// NewRetention returns a retention manager applying policy to snapshots stored in backend.
func NewRetention(backend annostore.Backend, policy annostore.RetentionPolicy) *Retention {
	return &Retention{
		policy:  policy,
		backend: backend,
	}
}

// Policy returns the policy in effect.
func (r *Retention) Policy() annostore.RetentionPolicy {
	return r.policy
}

// Snapshots lists the history of key, oldest first.
func (r *Retention) Snapshots(ctx context.Context, key annostore.StorageKey) ([]Snapshot, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	objects, err := r.backend.List(ctx, KeyDir(key))
	if err != nil {
		return nil, err
	}
	var r2 []Snapshot
	for _, o := range objects {
		ts, ok := ParseSnapshotName(key.Owner, o.Name)
		if !ok {
			continue
		}
		r2 = append(r2, Snapshot{
			Key:       key,
			Name:      o.Name,
			Timestamp: ts,
			Size:      o.Size,
		})
	}
	// Fixed width timestamps make name order chronological.
	sort.Slice(r2, func(i, j int) bool { return r2[i].Name < r2[j].Name })
	return r2, nil
}

// ReadSnapshot returns the bytes of the snapshot of key captured at ts.
func (r *Retention) ReadSnapshot(ctx context.Context, key annostore.StorageKey, ts time.Time) ([]byte, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	ba, err := r.backend.ReadFile(ctx, SnapshotPath(key, ts))
	if errors.Is(err, iofs.ErrNotExist) {
		return nil, annostore.Error{
			Code:     annostore.NotFound,
			Err:      fmt.Errorf("no snapshot of %s at %s", key, ts.Format(time.RFC3339Nano)),
			UserData: key,
		}
	}
	return ba, err
}

// shouldCapture decides whether a commit at now gets a snapshot, given the
// existing history sorted oldest first.
func (r *Retention) shouldCapture(history []Snapshot, now time.Time) bool {
	if r.policy.SnapshotInterval == 0 || r.policy.MaxSnapshotCount == 0 {
		return false
	}
	if len(history) == 0 {
		return true
	}
	return now.Sub(history[len(history)-1].Timestamp) > r.policy.SnapshotInterval
}

// Apply runs after a successful commit of data to key at now. It captures a
// snapshot if the policy asks for one and prunes the history. Every step is
// best effort: a failure is collected and the remaining steps still run. It
// reports whether a snapshot was captured.
func (r *Retention) Apply(ctx context.Context, key annostore.StorageKey, now time.Time, data []byte) (bool, error) {
	history, err := r.Snapshots(ctx, key)
	if err != nil {
		return false, err
	}

	var errs *multierror.Error
	captured := false
	if r.shouldCapture(history, now) {
		ts := uniqueTimestamp(history, now)
		if err := r.capture(ctx, key, ts, data); err != nil {
			errs = multierror.Append(errs, err)
		} else {
			captured = true
		}
	}

	// A fresh snapshot is not counted against its own budget.
	keep := r.policy.MaxSnapshotCount
	if captured {
		keep = max(keep-1, 0)
	}
	if err := r.prune(ctx, history, now, keep); err != nil {
		errs = multierror.Append(errs, err)
	}
	return captured, errs.ErrorOrNil()
}

// Prune applies the count and age limits to the history of key without
// capturing a snapshot.
func (r *Retention) Prune(ctx context.Context, key annostore.StorageKey, now time.Time) error {
	history, err := r.Snapshots(ctx, key)
	if err != nil {
		return err
	}
	return r.prune(ctx, history, now, r.policy.MaxSnapshotCount)
}

// prune deletes the oldest snapshots beyond keep, then the ones older than the
// age limit.
func (r *Retention) prune(ctx context.Context, history []Snapshot, now time.Time, keep int) error {
	var errs *multierror.Error
	excess := len(history) - keep
	for i, s := range history {
		tooMany := i < excess
		tooOld := r.policy.MaxSnapshotAge > 0 && now.Sub(s.Timestamp) > r.policy.MaxSnapshotAge
		if !tooMany && !tooOld {
			continue
		}
		if err := r.backend.Remove(ctx, s.Path()); err != nil && !errors.Is(err, iofs.ErrNotExist) {
			log.Warn("pruning snapshot failed", "name", s.Name, "error", err.Error())
			errs = multierror.Append(errs, fmt.Errorf("pruning %s: %w", s.Name, err))
			continue
		}
		log.Debug("pruned snapshot", "name", s.Name, "tooMany", tooMany, "tooOld", tooOld)
	}
	return errs.ErrorOrNil()
}

// capture writes the snapshot under a temporary name first so that a partial
// write never shows up as history.
func (r *Retention) capture(ctx context.Context, key annostore.StorageKey, ts time.Time, data []byte) error {
	name := SnapshotPath(key, ts)
	tmp := name + tempMarker + annostore.NewUUID().String()
	if err := r.backend.WriteFile(ctx, tmp, data); err != nil {
		if rerr := r.backend.Remove(ctx, tmp); rerr != nil && !errors.Is(rerr, iofs.ErrNotExist) {
			log.Warn("removing partial snapshot failed", "name", tmp, "error", rerr.Error())
		}
		return fmt.Errorf("capturing snapshot %s: %w", name, err)
	}
	if err := r.backend.Rename(ctx, tmp, name); err != nil {
		if rerr := r.backend.Remove(ctx, tmp); rerr != nil && !errors.Is(rerr, iofs.ErrNotExist) {
			log.Warn("removing partial snapshot failed", "name", tmp, "error", rerr.Error())
		}
		return fmt.Errorf("capturing snapshot %s: %w", name, err)
	}
	log.Debug("captured snapshot", "key", key.String(), "name", name)
	return nil
}

// uniqueTimestamp returns now, bumped past the newest snapshot if the clock
// did not advance since it was taken.
func uniqueTimestamp(history []Snapshot, now time.Time) time.Time {
	if len(history) == 0 {
		return now
	}
	last := history[len(history)-1].Timestamp
	if now.After(last) {
		return now
	}
	return last.Add(time.Nanosecond)
}
