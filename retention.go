package annostore

import (
	"fmt"
	"time"
)

// RetentionPolicy decides how often history snapshots are taken and how long
// they are kept. It is configuration and is not mutated at runtime.
type RetentionPolicy struct {
	// SnapshotInterval is the minimum distance between two snapshots. Zero disables snapshotting.
	SnapshotInterval time.Duration
	// MaxSnapshotCount caps the number of snapshots per key. Zero keeps none.
	MaxSnapshotCount int
	// MaxSnapshotAge prunes snapshots older than this. Zero disables age pruning.
	MaxSnapshotAge time.Duration
}

// Enabled reports whether the policy captures snapshots at all.
func (p RetentionPolicy) Enabled() bool {
	return p.SnapshotInterval > 0 && p.MaxSnapshotCount > 0
}

// Validate rejects negative settings.
func (p RetentionPolicy) Validate() error {
	if p.SnapshotInterval < 0 {
		return fmt.Errorf("retention.snapshotInterval can't be negative, got %v", p.SnapshotInterval)
	}
	if p.MaxSnapshotCount < 0 {
		return fmt.Errorf("retention.maxSnapshotCount can't be negative, got %d", p.MaxSnapshotCount)
	}
	if p.MaxSnapshotAge < 0 {
		return fmt.Errorf("retention.maxSnapshotAge can't be negative, got %v", p.MaxSnapshotAge)
	}
	return nil
}
