package store

import (
	"time"

	"github.com/sharedcode/annostore"
)

// StateHandle is the result of a read: the bytes of a key's current revision
// and the mode it was acquired in.
type StateHandle struct {
	Key  annostore.StorageKey
	Mode annostore.AccessMode
	Data []byte
	// SchemaVersion is the version of Data, after any upgrade.
	SchemaVersion int
	LastModified  time.Time
	// Upgraded is set when Data was migrated from an older schema during the read.
	Upgraded bool
}
