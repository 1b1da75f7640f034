// Package persist maps storage keys to backend names, commits revisions with
// a staged-backup swap and keeps the per-key snapshot history.
package persist

import (
	"fmt"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/sharedcode/annostore"
)

const (
	annotationFolder = "annotation"
	sourceFolder     = "source"

	stateSuffix    = ".state"
	backupSuffix   = ".prev"
	tempMarker     = ".tmp-"
	snapshotSuffix = ".snapshot"

	// Snapshot timestamps are nanoseconds since the Unix epoch, zero padded so
	// that string order is chronological order.
	timestampWidth = 19
)

// DocumentDir returns the folder holding everything stored for a document.
func DocumentDir(projectID, documentID int64) string {
	return fmt.Sprintf("%d/%d", projectID, documentID)
}

// KeyDir returns the folder holding the current revision and the history of key.
func KeyDir(key annostore.StorageKey) string {
	return path.Join(DocumentDir(key.ProjectID, key.DocumentID), annotationFolder)
}

// StatePath returns the name of the current revision of key.
func StatePath(key annostore.StorageKey) string {
	return path.Join(KeyDir(key), key.Owner+stateSuffix)
}

// BackupPath returns the staging backup name a commit parks the previous revision under.
func BackupPath(key annostore.StorageKey) string {
	return StatePath(key) + backupSuffix
}

// TempPath returns a fresh name a commit writes the new revision under before
// renaming it into place.
func TempPath(key annostore.StorageKey, id annostore.UUID) string {
	return StatePath(key) + tempMarker + id.String()
}

// SourcePath returns the name of a document's canonical source file.
func SourcePath(projectID, documentID int64, name string) string {
	return path.Join(DocumentDir(projectID, documentID), sourceFolder, name)
}

// SnapshotName returns "<owner>.<timestamp>.snapshot".
func SnapshotName(owner string, t time.Time) string {
	return fmt.Sprintf("%s.%0*d%s", owner, timestampWidth, t.UnixNano(), snapshotSuffix)
}

// SnapshotPath returns the name of the snapshot of key captured at t.
func SnapshotPath(key annostore.StorageKey, t time.Time) string {
	return path.Join(KeyDir(key), SnapshotName(key.Owner, t))
}

// ParseSnapshotName returns the capture instant encoded in a snapshot file name
// of owner. Names of other owners, including owners whose name starts with
// "<owner>.", don't parse.
func ParseSnapshotName(owner, name string) (time.Time, bool) {
	rest, ok := strings.CutPrefix(name, owner+".")
	if !ok {
		return time.Time{}, false
	}
	ts, ok := strings.CutSuffix(rest, snapshotSuffix)
	if !ok || len(ts) != timestampWidth {
		return time.Time{}, false
	}
	for _, c := range ts {
		if c < '0' || c > '9' {
			return time.Time{}, false
		}
	}
	n, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.Unix(0, n).UTC(), true
}

// OwnerOfStateName returns the owner of a current revision or staging backup file name.
func OwnerOfStateName(name string) (string, bool) {
	base := strings.TrimSuffix(name, backupSuffix)
	owner, ok := strings.CutSuffix(base, stateSuffix)
	if !ok || owner == "" {
		return "", false
	}
	return owner, true
}

func isTempOf(key annostore.StorageKey, name string) bool {
	return strings.HasPrefix(name, key.Owner+stateSuffix+tempMarker)
}

func belongsTo(key annostore.StorageKey, name string) bool {
	if name == key.Owner+stateSuffix || name == key.Owner+stateSuffix+backupSuffix || isTempOf(key, name) {
		return true
	}
	if _, ok := ParseSnapshotName(key.Owner, name); ok {
		return true
	}
	return isSnapshotTempOf(key, name)
}

func isSnapshotTempOf(key annostore.StorageKey, name string) bool {
	i := strings.Index(name, snapshotSuffix+tempMarker)
	if i < 0 {
		return false
	}
	_, ok := ParseSnapshotName(key.Owner, name[:i+len(snapshotSuffix)])
	return ok
}
