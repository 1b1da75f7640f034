package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sharedcode/annostore"
	"github.com/sharedcode/annostore/cache"
	"github.com/sharedcode/annostore/lock"
	"github.com/sharedcode/annostore/materialize"
	"github.com/sharedcode/annostore/mocks"
	"github.com/sharedcode/annostore/persist"
	"github.com/sharedcode/annostore/upgrade"
)

var ctx = context.Background()

var (
	alice = annostore.StorageKey{ProjectID: 1, DocumentID: 9, Owner: "alice"}
	bob   = annostore.StorageKey{ProjectID: 1, DocumentID: 9, Owner: "bob"}
	ref   = materialize.DocumentRef{ProjectID: 1, DocumentID: 9, Name: "doc.txt"}
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// setClock pins annostore.Now to the returned instant until the test ends.
func setClock(t *testing.T, start time.Time) *time.Time {
	t.Helper()
	clk := start
	prev := annostore.Now
	annostore.Now = func() time.Time { return clk }
	t.Cleanup(func() { annostore.Now = prev })
	return &clk
}

func doc(v int, text string) []byte {
	return []byte(fmt.Sprintf(`{"schemaVersion":%d,"text":%q,"layers":[],"annotations":[],"metadata":{}}`, v, text))
}

func newStore(t *testing.T, policy annostore.RetentionPolicy) (*Store, *mocks.FaultyBackend) {
	t.Helper()
	fb := mocks.NewFaultyBackend(mocks.NewMemoryBackend())
	cfg := annostore.Config{
		Retention: annostore.RetentionConfig{
			SnapshotInterval: annostore.Duration(policy.SnapshotInterval),
			MaxSnapshotCount: policy.MaxSnapshotCount,
			MaxSnapshotAge:   annostore.Duration(policy.MaxSnapshotAge),
		},
	}
	s, err := Open(ctx, cfg, WithBackend(fb), WithCache(cache.NewInMemoryCache()))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, fb
}

func write(t *testing.T, s *Store, key annostore.StorageKey, data []byte) {
	t.Helper()
	h := &StateHandle{Key: key, Mode: annostore.ExclusiveWrite, Data: data}
	if err := s.WriteState(ctx, nil, h); err != nil {
		t.Fatalf("WriteState(%s) failed: %v", key, err)
	}
}

func read(t *testing.T, s *Store, key annostore.StorageKey) []byte {
	t.Helper()
	h, err := s.ReadState(ctx, nil, key, annostore.AutoUpgrade, annostore.SharedReadOnly)
	if err != nil {
		t.Fatalf("ReadState(%s) failed: %v", key, err)
	}
	return h.Data
}

func TestWriteThenRead(t *testing.T) {
	s, _ := newStore(t, annostore.RetentionPolicy{})
	if _, err := s.ReadState(ctx, nil, alice, annostore.AutoUpgrade, annostore.SharedReadOnly); !errors.Is(err, annostore.ErrNotFound) {
		t.Fatalf("ReadState of a missing key got %v, want NotFound", err)
	}
	write(t, s, alice, doc(3, "first"))
	write(t, s, alice, doc(3, "second"))
	if got := read(t, s, alice); string(got) != string(doc(3, "second")) {
		t.Errorf("ReadState got %s", got)
	}
	if ok, _ := s.ExistsState(ctx, bob); ok {
		t.Error("ExistsState(bob) = true")
	}
	owners, err := s.ListOwners(ctx, 1, 9)
	if err != nil || len(owners) != 1 || owners[0] != "alice" {
		t.Errorf("ListOwners got %v, %v", owners, err)
	}
}

func TestInvalidKey(t *testing.T) {
	s, _ := newStore(t, annostore.RetentionPolicy{})
	bad := annostore.StorageKey{ProjectID: 1, DocumentID: 9, Owner: "../x"}
	if _, err := s.ReadState(ctx, nil, bad, annostore.AutoUpgrade, annostore.SharedReadOnly); !errors.Is(err, annostore.ErrInvalidKey) {
		t.Errorf("ReadState got %v, want InvalidKey", err)
	}
	if err := s.WriteState(ctx, nil, &StateHandle{Key: bad, Data: doc(3, "")}); !errors.Is(err, annostore.ErrInvalidKey) {
		t.Errorf("WriteState got %v, want InvalidKey", err)
	}
}

func TestFailedCommitKeepsPreviousRevision(t *testing.T) {
	s, fb := newStore(t, annostore.RetentionPolicy{})
	write(t, s, alice, doc(3, "good"))

	fb.FailOnce(mocks.OpWrite, ".tmp-")
	h := &StateHandle{Key: alice, Mode: annostore.ExclusiveWrite, Data: doc(3, "lost")}
	if err := s.WriteState(ctx, nil, h); !errors.Is(err, annostore.ErrPersistFailed) {
		t.Fatalf("WriteState got %v, want PersistFailed", err)
	}
	if got := read(t, s, alice); string(got) != string(doc(3, "good")) {
		t.Errorf("read after failed commit got %s", got)
	}
}

// A commit interrupted after the current revision was staged as backup, with
// the restoring rename failing too, still reads as the previous revision.
func TestInterruptedCommitReadsPreviousRevision(t *testing.T) {
	s, fb := newStore(t, annostore.RetentionPolicy{})
	write(t, s, alice, doc(3, "good"))

	fb.SetFault(func(op mocks.Op, name, target string) bool {
		return op == mocks.OpRename && (strings.Contains(name, ".tmp-") || strings.HasSuffix(name, ".prev"))
	})
	h := &StateHandle{Key: alice, Mode: annostore.Unmanaged, Data: doc(3, "lost")}
	if err := s.WriteState(ctx, nil, h); !errors.Is(err, annostore.ErrPersistFailed) {
		t.Fatalf("WriteState got %v, want PersistFailed", err)
	}
	fb.SetFault(nil)

	if got := read(t, s, alice); string(got) != string(doc(3, "good")) {
		t.Errorf("shared read got %s", got)
	}
	// An exclusive read repairs the layout.
	if _, err := s.ReadState(ctx, nil, alice, annostore.AutoUpgrade, annostore.ExclusiveWrite); err != nil {
		t.Fatalf("exclusive read failed: %v", err)
	}
	if _, err := s.Backend().Stat(ctx, persist.StatePath(alice)); err != nil {
		t.Errorf("current revision not restored: %v", err)
	}
	if _, err := s.Backend().Stat(ctx, persist.BackupPath(alice)); err == nil {
		t.Error("staging backup still present")
	}
}

func TestSnapshotCountBound(t *testing.T) {
	clk := setClock(t, t0)
	s, _ := newStore(t, annostore.RetentionPolicy{SnapshotInterval: time.Nanosecond, MaxSnapshotCount: 3})
	for i := 0; i < 10; i++ {
		write(t, s, alice, doc(3, fmt.Sprint(i)))
		*clk = clk.Add(time.Second)
	}
	history, err := s.History(ctx, alice)
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("got %d snapshots, want 3", len(history))
	}
	// The newest three commits survive.
	for i, snap := range history {
		ba, err := s.ReadSnapshot(ctx, alice, snap.Timestamp)
		if err != nil {
			t.Fatalf("ReadSnapshot failed: %v", err)
		}
		if want := doc(3, fmt.Sprint(7+i)); string(ba) != string(want) {
			t.Errorf("snapshot %d holds %s, want %s", i, ba, want)
		}
	}
}

func TestThreeCloseCommitsKeepThreeSnapshots(t *testing.T) {
	// A zero interval turns snapshots off, so commits a few milliseconds
	// apart stand for back to back ones.
	clk := setClock(t, t0)
	s, _ := newStore(t, annostore.RetentionPolicy{SnapshotInterval: time.Millisecond, MaxSnapshotCount: 3})
	for i := 0; i < 3; i++ {
		write(t, s, alice, doc(3, fmt.Sprint(i)))
		*clk = clk.Add(2 * time.Millisecond)
	}
	if history, _ := s.History(ctx, alice); len(history) != 3 {
		t.Errorf("got %d snapshots, want 3", len(history))
	}
}

func TestSnapshotInterval(t *testing.T) {
	clk := setClock(t, t0)
	s, _ := newStore(t, annostore.RetentionPolicy{SnapshotInterval: 10 * time.Second, MaxSnapshotCount: 10})
	for i := 0; i < 5; i++ {
		write(t, s, alice, doc(3, fmt.Sprint(i)))
		*clk = clk.Add(time.Second)
	}
	history, _ := s.History(ctx, alice)
	if len(history) != 1 {
		t.Errorf("got %d snapshots, want 1", len(history))
	}
}

func TestSnapshotAge(t *testing.T) {
	clk := setClock(t, t0)
	s, _ := newStore(t, annostore.RetentionPolicy{SnapshotInterval: time.Second, MaxSnapshotCount: 10, MaxSnapshotAge: time.Hour})
	write(t, s, alice, doc(3, "a"))
	*clk = clk.Add(2 * time.Second)
	write(t, s, alice, doc(3, "b"))

	*clk = clk.Add(2 * time.Hour)
	if err := s.Prune(ctx, nil, alice); err != nil {
		t.Fatalf("Prune failed: %v", err)
	}
	if history, _ := s.History(ctx, alice); len(history) != 0 {
		t.Errorf("got %d snapshots after they expired, want 0", len(history))
	}
	write(t, s, alice, doc(3, "c"))
	history, _ := s.History(ctx, alice)
	if len(history) != 1 || !history[0].Timestamp.Equal(*clk) {
		t.Errorf("got history %v, want one snapshot at %v", history, *clk)
	}
}

func TestRestoreSnapshot(t *testing.T) {
	clk := setClock(t, t0)
	s, _ := newStore(t, annostore.RetentionPolicy{SnapshotInterval: time.Nanosecond, MaxSnapshotCount: 10})
	write(t, s, alice, doc(3, "one"))
	*clk = clk.Add(time.Second)
	write(t, s, alice, doc(3, "two"))
	*clk = clk.Add(time.Second)

	history, _ := s.History(ctx, alice)
	if len(history) != 2 {
		t.Fatalf("got %d snapshots, want 2", len(history))
	}
	if _, err := s.RestoreSnapshot(ctx, nil, alice, history[0].Timestamp); err != nil {
		t.Fatalf("RestoreSnapshot failed: %v", err)
	}
	if got := read(t, s, alice); string(got) != string(doc(3, "one")) {
		t.Errorf("restored revision is %s", got)
	}
	if history, _ := s.History(ctx, alice); len(history) != 3 {
		t.Errorf("got %d snapshots after restore, want 3", len(history))
	}
	if _, err := s.RestoreSnapshot(ctx, nil, alice, t0.Add(time.Hour)); !errors.Is(err, annostore.ErrNotFound) {
		t.Errorf("restoring a missing snapshot got %v, want NotFound", err)
	}
}

func TestExclusiveHoldBlocksOtherSessions(t *testing.T) {
	s, _ := newStore(t, annostore.RetentionPolicy{})
	write(t, s, alice, doc(3, "x"))
	write(t, s, bob, doc(3, "y"))

	owner := s.NewSession()
	defer owner.Close()
	if _, err := s.ReadState(ctx, owner, alice, annostore.AutoUpgrade, annostore.ExclusiveWrite); err != nil {
		t.Fatal(err)
	}

	short, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if _, err := s.ReadState(short, nil, alice, annostore.AutoUpgrade, annostore.SharedReadOnly); !errors.Is(err, annostore.ErrLockAcquisition) {
		t.Errorf("read of a held key got %v, want LockAcquisitionFailure", err)
	}
	// Other keys are not affected.
	if _, err := s.ReadState(ctx, nil, bob, annostore.AutoUpgrade, annostore.ExclusiveWrite); err != nil {
		t.Errorf("read of another key failed: %v", err)
	}
	// Unmanaged access never waits.
	if _, err := s.ReadState(ctx, nil, alice, annostore.AutoUpgrade, annostore.Unmanaged); err != nil {
		t.Errorf("unmanaged read failed: %v", err)
	}
}

func TestConcurrentReadModifyWrite(t *testing.T) {
	s, _ := newStore(t, annostore.RetentionPolicy{})
	write(t, s, alice, []byte(`{"schemaVersion":3,"count":0}`))

	const workers, rounds = 8, 10
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < rounds; i++ {
				if err := increment(s); err != nil {
					errs <- err
					return
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatal(err)
	}
	var got struct{ Count int }
	if err := json.Unmarshal(read(t, s, alice), &got); err != nil {
		t.Fatal(err)
	}
	if got.Count != workers*rounds {
		t.Errorf("count is %d, want %d", got.Count, workers*rounds)
	}
}

func TestUpgradeToWriteWhileDeletePending(t *testing.T) {
	s, _ := newStore(t, annostore.RetentionPolicy{})
	write(t, s, alice, doc(3, "x"))

	sess := s.NewSession()
	h, err := s.ReadState(ctx, sess, alice, annostore.AutoUpgrade, annostore.SharedReadOnly)
	if err != nil {
		t.Fatal(err)
	}
	done := make(chan error, 1)
	go func() { done <- s.DeleteState(ctx, alice) }()
	deadline := time.Now().Add(time.Second)
	for !s.Locks().State(alice).Deleting {
		if time.Now().After(deadline) {
			t.Fatal("delete never started waiting")
		}
		time.Sleep(time.Millisecond)
	}

	short, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	h.Data = doc(3, "last words")
	if err := s.WriteState(short, sess, &h); err != nil {
		t.Fatalf("WriteState while a delete waits: %v", err)
	}
	sess.Close()
	if err := <-done; err != nil {
		t.Fatalf("DeleteState failed: %v", err)
	}
	if ok, _ := s.ExistsState(ctx, alice); ok {
		t.Error("alice still exists")
	}
}

func TestPruneWaitsForWriter(t *testing.T) {
	clk := setClock(t, t0)
	s, _ := newStore(t, annostore.RetentionPolicy{SnapshotInterval: time.Second, MaxSnapshotCount: 10, MaxSnapshotAge: time.Hour})
	write(t, s, alice, doc(3, "a"))
	*clk = clk.Add(2 * time.Second)
	write(t, s, alice, doc(3, "b"))
	*clk = clk.Add(2 * time.Hour)

	sess := s.NewSession()
	if _, err := s.ReadState(ctx, sess, alice, annostore.AutoUpgrade, annostore.ExclusiveWrite); err != nil {
		t.Fatal(err)
	}
	short, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if err := s.Prune(short, nil, alice); !errors.Is(err, annostore.ErrLockAcquisition) {
		t.Fatalf("Prune under another session's write got %v, want LockAcquisitionFailure", err)
	}
	if history, _ := s.History(ctx, alice); len(history) != 1 {
		t.Errorf("history changed while held: %d snapshots", len(history))
	}
	// The holder itself may prune.
	if err := s.Prune(ctx, sess, alice); err != nil {
		t.Fatalf("Prune through the holding session: %v", err)
	}
	sess.Close()
	if history, _ := s.History(ctx, alice); len(history) != 0 {
		t.Errorf("got %d snapshots after Prune, want 0", len(history))
	}
}

// openShared opens a store over backend sharing its lock cache and scope
// with the other stores opened on c.
func openShared(t *testing.T, backend annostore.Backend, c annostore.Cache, ttl time.Duration) *Store {
	t.Helper()
	cfg := annostore.Config{Locking: annostore.LockingConfig{LockTTL: annostore.Duration(ttl)}}
	s, err := Open(ctx, cfg, WithBackend(backend), WithCache(c), WithLockScope("shared"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestExclusiveHoldOutlivesLockTTL(t *testing.T) {
	ttl := 150 * time.Millisecond
	backend := mocks.NewMemoryBackend()
	shared := cache.NewInMemoryCache()
	s1 := openShared(t, backend, shared, ttl)
	s2 := openShared(t, backend, shared, ttl)
	write(t, s1, alice, doc(3, "x"))
	s1.Locks().Flush()

	a := s1.NewSession()
	h, err := s1.ReadState(ctx, a, alice, annostore.AutoUpgrade, annostore.ExclusiveWrite)
	if err != nil {
		t.Fatal(err)
	}
	time.Sleep(3 * ttl)

	b := s2.NewSession()
	defer b.Close()
	short, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	if _, err := s2.ReadState(short, b, alice, annostore.AutoUpgrade, annostore.ExclusiveWrite); !errors.Is(err, annostore.ErrLockAcquisition) {
		t.Fatalf("second store got %v while the first still holds the key, want LockAcquisitionFailure", err)
	}
	h.Data = doc(3, "still mine")
	if err := s1.WriteState(ctx, a, &h); err != nil {
		t.Fatalf("WriteState after the TTL: %v", err)
	}
	a.Close()
	if got := read(t, s2, alice); string(got) != string(doc(3, "still mine")) {
		t.Errorf("got %s", got)
	}
}

func TestWriteFailsAfterLosingLock(t *testing.T) {
	backend := mocks.NewMemoryBackend()
	shared := cache.NewInMemoryCache()
	s1 := openShared(t, backend, shared, time.Minute)
	write(t, s1, alice, doc(3, "x"))
	s1.Locks().Flush()

	a := s1.NewSession()
	h, err := s1.ReadState(ctx, a, alice, annostore.AutoUpgrade, annostore.ExclusiveWrite)
	if err != nil {
		t.Fatal(err)
	}
	// Another process takes over the key once the lock is gone, as after a
	// TTL lapse.
	name := shared.FormatLockKey("annostore:shared:" + alice.String())
	if found, err := shared.Delete(ctx, []string{name}); err != nil || !found {
		t.Fatalf("dropping lock %s: %v, %v", name, found, err)
	}
	thief := lock.NewLocker(shared, "shared", time.Minute)
	lease, err := thief.Lock(ctx, alice)
	if err != nil {
		t.Fatalf("taking the lapsed lock: %v", err)
	}
	defer lease.Release(ctx)

	h.Data = doc(3, "lost")
	if err := s1.WriteState(ctx, a, &h); !errors.Is(err, annostore.ErrLockAcquisition) {
		t.Fatalf("WriteState got %v, want LockAcquisitionFailure", err)
	}
	a.Close()
	if got := read(t, s1, alice); string(got) != string(doc(3, "x")) {
		t.Errorf("revision changed to %s", got)
	}
}

func increment(s *Store) error {
	sess := s.NewSession()
	defer sess.Close()
	h, err := s.ReadState(ctx, sess, alice, annostore.AutoUpgrade, annostore.ExclusiveWrite)
	if err != nil {
		return err
	}
	var v struct {
		SchemaVersion int `json:"schemaVersion"`
		Count         int `json:"count"`
	}
	if err := json.Unmarshal(h.Data, &v); err != nil {
		return err
	}
	v.Count++
	if h.Data, err = json.Marshal(v); err != nil {
		return err
	}
	return s.WriteState(ctx, sess, &h)
}

func TestDeleteState(t *testing.T) {
	s, _ := newStore(t, annostore.RetentionPolicy{SnapshotInterval: time.Nanosecond, MaxSnapshotCount: 5})
	write(t, s, alice, doc(3, "x"))
	write(t, s, bob, doc(3, "y"))

	sess := s.NewSession()
	if _, err := s.ReadState(ctx, sess, alice, annostore.AutoUpgrade, annostore.SharedReadOnly); err != nil {
		t.Fatal(err)
	}
	if err := s.TryDeleteState(ctx, alice); !errors.Is(err, annostore.ErrKeyBusy) {
		t.Errorf("TryDeleteState of a held key got %v, want KeyBusy", err)
	}

	done := make(chan error, 1)
	go func() { done <- s.DeleteState(ctx, alice) }()
	select {
	case err := <-done:
		t.Fatalf("DeleteState returned %v while the key was held", err)
	case <-time.After(50 * time.Millisecond):
	}
	sess.Close()
	if err := <-done; err != nil {
		t.Fatalf("DeleteState failed: %v", err)
	}
	if ok, _ := s.ExistsState(ctx, alice); ok {
		t.Error("alice still exists")
	}
	if history, _ := s.History(ctx, alice); len(history) != 0 {
		t.Errorf("alice still has %d snapshots", len(history))
	}
	if ok, _ := s.ExistsState(ctx, bob); !ok {
		t.Error("bob was deleted too")
	}
	if err := s.DeleteState(ctx, alice); err != nil {
		t.Errorf("deleting a missing key failed: %v", err)
	}
}

func TestReadUpgradesStaleRevision(t *testing.T) {
	s, _ := newStore(t, annostore.RetentionPolicy{})
	v1 := []byte(`{"text":"John.","annotations":[{"type":"PER","begin":0,"end":4}]}`)
	stored := func() int {
		ba, err := s.Backend().ReadFile(ctx, persist.StatePath(alice))
		if err != nil {
			t.Fatal(err)
		}
		v, err := upgrade.VersionOf(ba)
		if err != nil {
			t.Fatal(err)
		}
		return v
	}
	write(t, s, alice, v1)

	if _, err := s.ReadState(ctx, nil, alice, annostore.RejectStale, annostore.SharedReadOnly); !errors.Is(err, upgrade.ErrStaleSchema) || !errors.Is(err, annostore.ErrUpgradeFailed) {
		t.Errorf("RejectStale read got %v, want a stale schema error", err)
	}

	h, err := s.ReadState(ctx, nil, alice, annostore.AutoUpgrade, annostore.SharedReadOnly)
	if err != nil {
		t.Fatalf("shared upgrade read failed: %v", err)
	}
	if !h.Upgraded || h.SchemaVersion != upgrade.LatestVersion {
		t.Errorf("got upgraded=%v version=%d", h.Upgraded, h.SchemaVersion)
	}
	if v := stored(); v != 1 {
		t.Errorf("shared read persisted version %d", v)
	}

	if _, err := s.ReadState(ctx, nil, alice, annostore.AutoUpgrade, annostore.ExclusiveWrite); err != nil {
		t.Fatalf("exclusive upgrade read failed: %v", err)
	}
	if v := stored(); v != upgrade.LatestVersion {
		t.Errorf("exclusive read persisted version %d, want %d", v, upgrade.LatestVersion)
	}
	h, _ = s.ReadState(ctx, nil, alice, annostore.RejectStale, annostore.SharedReadOnly)
	if h.Upgraded {
		t.Error("current revision reported as upgraded")
	}
}

func TestReadRejectsNewerSchema(t *testing.T) {
	s, _ := newStore(t, annostore.RetentionPolicy{})
	write(t, s, alice, doc(upgrade.LatestVersion+1, "future"))
	if _, err := s.ReadState(ctx, nil, alice, annostore.AutoUpgrade, annostore.SharedReadOnly); !errors.Is(err, annostore.ErrUpgradeFailed) {
		t.Errorf("got %v, want UpgradeFailed", err)
	}
}

func TestTargetVersion(t *testing.T) {
	fb := mocks.NewFaultyBackend(mocks.NewMemoryBackend())
	cfg := annostore.Config{Schema: annostore.SchemaConfig{TargetVersion: 2}}
	s, err := Open(ctx, cfg, WithBackend(fb), WithoutLocker())
	if err != nil {
		t.Fatal(err)
	}
	write(t, s, alice, []byte(`{"text":"","annotations":[]}`))
	h, err := s.ReadState(ctx, nil, alice, annostore.AutoUpgrade, annostore.SharedReadOnly)
	if err != nil || h.SchemaVersion != 2 {
		t.Errorf("got version %d, %v, want 2", h.SchemaVersion, err)
	}

	cfg.Schema.TargetVersion = upgrade.LatestVersion + 1
	if _, err := Open(ctx, cfg, WithBackend(fb)); err == nil {
		t.Error("Open accepted a target version newer than the latest")
	}
}

func TestInitialStateMaterializedOnce(t *testing.T) {
	s, fb := newStore(t, annostore.RetentionPolicy{})
	if err := s.PutSource(ctx, ref, []byte("One sentence. Another one.")); err != nil {
		t.Fatal(err)
	}
	var writes atomic.Int32
	fb.SetFault(func(op mocks.Op, name, target string) bool {
		if op == mocks.OpWrite && strings.Contains(name, annostore.InitialStateOwner+".state.tmp-") {
			writes.Add(1)
		}
		return false
	})

	const n = 16
	var wg sync.WaitGroup
	results := make([][]byte, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h, err := s.CreateOrReadInitialState(ctx, nil, ref, annostore.SharedReadOnly)
			results[i], errs[i] = h.Data, err
		}(i)
	}
	wg.Wait()
	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d failed: %v", i, errs[i])
		}
		if string(results[i]) != string(results[0]) {
			t.Errorf("caller %d read a different initial state", i)
		}
	}
	if writes.Load() != 1 {
		t.Errorf("initial state written %d times", writes.Load())
	}
	var d materialize.Document
	if err := json.Unmarshal(results[0], &d); err != nil {
		t.Fatal(err)
	}
	if d.SchemaVersion != upgrade.LatestVersion || d.Text != "One sentence. Another one." {
		t.Errorf("unexpected initial state %+v", d)
	}
}

func TestReadOrCreateState(t *testing.T) {
	s, _ := newStore(t, annostore.RetentionPolicy{})
	if err := s.PutSource(ctx, ref, []byte("Hello world.")); err != nil {
		t.Fatal(err)
	}
	sess := s.NewSession()
	defer sess.Close()
	// Holding the initial state must not stall seeding a user state.
	if _, err := s.CreateOrReadInitialState(ctx, sess, ref, annostore.ExclusiveWrite); err != nil {
		t.Fatal(err)
	}
	h, err := s.ReadOrCreateState(ctx, sess, alice, ref, annostore.AutoUpgrade, annostore.ExclusiveWrite)
	if err != nil {
		t.Fatalf("ReadOrCreateState failed: %v", err)
	}
	initial, err := s.ReadState(ctx, sess, ref.Key(), annostore.AutoUpgrade, annostore.SharedReadOnly)
	if err != nil {
		t.Fatal(err)
	}
	if string(h.Data) != string(initial.Data) {
		t.Errorf("seeded state %s differs from initial state %s", h.Data, initial.Data)
	}

	h.Data = doc(3, "edited")
	if err := s.WriteState(ctx, sess, &h); err != nil {
		t.Fatal(err)
	}
	h, err = s.ReadOrCreateState(ctx, sess, alice, ref, annostore.AutoUpgrade, annostore.SharedReadOnly)
	if err != nil || string(h.Data) != string(doc(3, "edited")) {
		t.Errorf("second ReadOrCreateState got %s, %v", h.Data, err)
	}

	other := annostore.StorageKey{ProjectID: 1, DocumentID: 10, Owner: "alice"}
	if _, err := s.ReadOrCreateState(ctx, sess, other, ref, annostore.AutoUpgrade, annostore.SharedReadOnly); !errors.Is(err, annostore.ErrInvalidKey) {
		t.Errorf("mismatched document got %v, want InvalidKey", err)
	}
}

func TestMissingSource(t *testing.T) {
	s, _ := newStore(t, annostore.RetentionPolicy{})
	if _, err := s.CreateOrReadInitialState(ctx, nil, ref, annostore.SharedReadOnly); !errors.Is(err, annostore.ErrNotFound) {
		t.Errorf("got %v, want NotFound", err)
	}
}

func TestOpenFromConfigFile(t *testing.T) {
	root := t.TempDir()
	cfgPath := filepath.Join(t.TempDir(), "annostore.yaml")
	yaml := fmt.Sprintf(`storage:
  backend: filesystem
  rootPath: %s
retention:
  snapshotInterval: 1ns
  maxSnapshotCount: 2
  maxSnapshotAge: 24h
`, root)
	if err := os.WriteFile(cfgPath, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := annostore.LoadConfig(cfgPath)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	s, err := Open(ctx, cfg)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer s.Close()

	if err := s.PutSource(ctx, ref, []byte("On disk.")); err != nil {
		t.Fatal(err)
	}
	h, err := s.ReadOrCreateState(ctx, nil, bob, ref, annostore.AutoUpgrade, annostore.ExclusiveWrite)
	if err != nil {
		t.Fatalf("ReadOrCreateState failed: %v", err)
	}
	h.Data = doc(3, "bob's")
	if err := s.WriteState(ctx, nil, &h); err != nil {
		t.Fatal(err)
	}
	ba, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(persist.StatePath(bob))))
	if err != nil {
		t.Fatalf("state file missing: %v", err)
	}
	if string(ba) != string(doc(3, "bob's")) {
		t.Errorf("state file holds %s", ba)
	}
	owners, _ := s.ListOwners(ctx, 1, 9)
	if len(owners) != 2 {
		t.Errorf("got owners %v, want bob and the initial state", owners)
	}
}

func TestOpenRejectsInvalidConfig(t *testing.T) {
	if _, err := Open(ctx, annostore.Config{}); err == nil {
		t.Error("Open accepted a filesystem config without a root path")
	}
	cfg := annostore.DefaultConfig(t.TempDir())
	cfg.Retention.MaxSnapshotCount = -1
	if _, err := Open(ctx, cfg); err == nil {
		t.Error("Open accepted a negative snapshot count")
	}
}
