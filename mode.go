package annostore

// AccessMode is the contention contract an operation declares for a key.
type AccessMode int

const (
	// ExclusiveWrite excludes every other managed holder of the key.
	ExclusiveWrite AccessMode = iota
	// SharedReadOnly coexists with other shared holders but not with an exclusive one.
	SharedReadOnly
	// Unmanaged bypasses the lock bookkeeping. Callers own any race.
	Unmanaged
)

func (m AccessMode) String() string {
	switch m {
	case ExclusiveWrite:
		return "exclusive"
	case SharedReadOnly:
		return "shared"
	case Unmanaged:
		return "unmanaged"
	}
	return "unknown"
}

// UpgradeMode tells a read what to do with a revision stored under an older schema.
type UpgradeMode int

const (
	// AutoUpgrade migrates outdated revisions before returning them.
	AutoUpgrade UpgradeMode = iota
	// RejectStale fails the read of an outdated revision.
	RejectStale
)

func (m UpgradeMode) String() string {
	if m == RejectStale {
		return "reject-stale"
	}
	return "auto-upgrade"
}
