// Package fs implements the filesystem storage backend.
package fs

import (
	"context"
	"errors"
	"fmt"
	iofs "io/fs"
	log "log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/sharedcode/annostore"
)

const (
	filePermission = 0o644
	dirPermission  = 0o755
)

// FileIO is the filesystem Backend. It maps slash separated names below its
// root directory to files, retries transient failures, fsyncs written files
// and syncs the parent directory after renames so that a completed rename
// survives a power loss.
type FileIO struct {
	root string
}

var _ annostore.Backend = (*FileIO)(nil)

// NewFileIO returns a FileIO rooted at rootPath. The directory is created if needed.
func NewFileIO(rootPath string) (*FileIO, error) {
	if rootPath == "" {
		return nil, fmt.Errorf("root path can't be empty")
	}
	abs, err := filepath.Abs(rootPath)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, dirPermission); err != nil {
		return nil, err
	}
	return &FileIO{root: abs}, nil
}

// Root returns the absolute root directory.
func (fio *FileIO) Root() string {
	return fio.root
}

// toFilePath maps a backend name to a path under the root. Names are cleaned
// as if rooted, so ".." can't climb above the root.
func (fio *FileIO) toFilePath(name string) (string, error) {
	if strings.Contains(name, "\x00") {
		return "", &iofs.PathError{Op: "resolve", Path: name, Err: iofs.ErrInvalid}
	}
	clean := strings.TrimPrefix(path.Clean("/"+name), "/")
	return filepath.Join(fio.root, filepath.FromSlash(clean)), nil
}

func (fio *FileIO) ReadFile(ctx context.Context, name string) ([]byte, error) {
	p, err := fio.toFilePath(name)
	if err != nil {
		return nil, err
	}
	var ba []byte
	err = annostore.RetryIO(ctx, func() error {
		var err error
		ba, err = os.ReadFile(p)
		return err
	})
	return ba, err
}

// WriteFile writes data to name, creating parent directories, and fsyncs the file.
func (fio *FileIO) WriteFile(ctx context.Context, name string, data []byte) error {
	p, err := fio.toFilePath(name)
	if err != nil {
		return err
	}
	if err := fio.mkdirAll(ctx, filepath.Dir(p)); err != nil {
		return err
	}
	return annostore.RetryIO(ctx, func() error {
		return writeAndSync(p, data)
	})
}

func writeAndSync(p string, data []byte) error {
	f, err := os.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, filePermission)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Rename renames oldName to newName, replacing newName, then syncs the directory.
func (fio *FileIO) Rename(ctx context.Context, oldName, newName string) error {
	op, err := fio.toFilePath(oldName)
	if err != nil {
		return err
	}
	np, err := fio.toFilePath(newName)
	if err != nil {
		return err
	}
	if err := annostore.RetryIO(ctx, func() error {
		return os.Rename(op, np)
	}); err != nil {
		return err
	}
	if err := syncDir(filepath.Dir(np)); err != nil {
		// The rename happened, only its durability across power loss is in doubt.
		log.Warn("directory sync failed after rename", "dir", filepath.Dir(np), "error", err.Error())
	}
	return nil
}

func (fio *FileIO) Remove(ctx context.Context, name string) error {
	p, err := fio.toFilePath(name)
	if err != nil {
		return err
	}
	return annostore.RetryIO(ctx, func() error {
		return os.Remove(p)
	})
}

func (fio *FileIO) Stat(ctx context.Context, name string) (annostore.ObjectInfo, error) {
	p, err := fio.toFilePath(name)
	if err != nil {
		return annostore.ObjectInfo{}, err
	}
	fi, err := os.Stat(p)
	if err != nil {
		return annostore.ObjectInfo{}, err
	}
	if fi.IsDir() {
		return annostore.ObjectInfo{}, &iofs.PathError{Op: "stat", Path: name, Err: iofs.ErrNotExist}
	}
	return annostore.ObjectInfo{
		Name:    fi.Name(),
		Size:    fi.Size(),
		ModTime: fi.ModTime(),
	}, nil
}

// List returns the regular files directly inside dir.
func (fio *FileIO) List(ctx context.Context, dir string) ([]annostore.ObjectInfo, error) {
	p, err := fio.toFilePath(dir)
	if err != nil {
		return nil, err
	}
	var entries []os.DirEntry
	err = annostore.RetryIO(ctx, func() error {
		var err error
		entries, err = os.ReadDir(p)
		return err
	})
	if errors.Is(err, iofs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	r := make([]annostore.ObjectInfo, 0, len(entries))
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		fi, err := e.Info()
		if err != nil {
			// Vanished since the directory was read.
			continue
		}
		r = append(r, annostore.ObjectInfo{
			Name:    e.Name(),
			Size:    fi.Size(),
			ModTime: fi.ModTime(),
		})
	}
	return r, nil
}

// ListDirs returns the names of the sub-directories directly inside dir.
func (fio *FileIO) ListDirs(ctx context.Context, dir string) ([]string, error) {
	p, err := fio.toFilePath(dir)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(p)
	if errors.Is(err, iofs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var r []string
	for _, e := range entries {
		if e.IsDir() {
			r = append(r, e.Name())
		}
	}
	return r, nil
}

func (fio *FileIO) RemoveAll(ctx context.Context, dir string) error {
	p, err := fio.toFilePath(dir)
	if err != nil {
		return err
	}
	if p == fio.root {
		return &iofs.PathError{Op: "removeall", Path: dir, Err: iofs.ErrInvalid}
	}
	return annostore.RetryIO(ctx, func() error {
		return os.RemoveAll(p)
	})
}

func (fio *FileIO) mkdirAll(ctx context.Context, dir string) error {
	return annostore.RetryIO(ctx, func() error {
		return os.MkdirAll(dir, dirPermission)
	})
}
