//go:build windows

package fs

// syncDir is a no-op on Windows, where directories can't be opened for fsync
// and MoveFileEx already flushes metadata.
func syncDir(dir string) error {
	return nil
}
