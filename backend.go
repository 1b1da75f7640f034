package annostore

import (
	"context"
	"time"
)

// ObjectInfo describes one stored object.
type ObjectInfo struct {
	// Name is the base name of the object inside its directory.
	Name    string
	Size    int64
	ModTime time.Time
}

// Backend is the capability interface a storage medium implements. Names are
// slash separated and relative to the backend's root. Missing objects are
// reported with errors wrapping io/fs.ErrNotExist.
//
// Rename must replace newName if it exists. Backends that can not rename
// atomically document it; the persistence engine only relies on the rename
// never exposing a partially written object under newName.
type Backend interface {
	ReadFile(ctx context.Context, name string) ([]byte, error)
	// WriteFile creates or truncates name, creating parent directories as needed.
	WriteFile(ctx context.Context, name string, data []byte) error
	Rename(ctx context.Context, oldName, newName string) error
	Remove(ctx context.Context, name string) error
	Stat(ctx context.Context, name string) (ObjectInfo, error)
	// List returns the objects directly inside dir. A missing dir yields no entries.
	List(ctx context.Context, dir string) ([]ObjectInfo, error)
	// RemoveAll removes dir and everything below it. A missing dir is not an error.
	RemoveAll(ctx context.Context, dir string) error
}
