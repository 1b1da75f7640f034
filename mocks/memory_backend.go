// Package mocks contains in-memory and fault injecting test doubles of the store's interfaces.
package mocks

import (
	"context"
	iofs "io/fs"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sharedcode/annostore"
)

type object struct {
	data    []byte
	modTime time.Time
}

// MemoryBackend is an annostore.Backend keeping objects in a map.
type MemoryBackend struct {
	mu      sync.Mutex
	objects map[string]object
}

var _ annostore.Backend = (*MemoryBackend)(nil)

// NewMemoryBackend returns an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		objects: make(map[string]object),
	}
}

func clean(name string) string {
	return strings.TrimPrefix(path.Clean("/"+name), "/")
}

func notExist(op, name string) error {
	return &iofs.PathError{Op: op, Path: name, Err: iofs.ErrNotExist}
}

func (m *MemoryBackend) ReadFile(ctx context.Context, name string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.objects[clean(name)]
	if !ok {
		return nil, notExist("read", name)
	}
	return append([]byte(nil), o.data...), nil
}

func (m *MemoryBackend) WriteFile(ctx context.Context, name string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[clean(name)] = object{
		data:    append([]byte(nil), data...),
		modTime: annostore.Now(),
	}
	return nil
}

func (m *MemoryBackend) Rename(ctx context.Context, oldName, newName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.objects[clean(oldName)]
	if !ok {
		return notExist("rename", oldName)
	}
	delete(m.objects, clean(oldName))
	m.objects[clean(newName)] = o
	return nil
}

func (m *MemoryBackend) Remove(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.objects[clean(name)]; !ok {
		return notExist("remove", name)
	}
	delete(m.objects, clean(name))
	return nil
}

func (m *MemoryBackend) Stat(ctx context.Context, name string) (annostore.ObjectInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.objects[clean(name)]
	if !ok {
		return annostore.ObjectInfo{}, notExist("stat", name)
	}
	return annostore.ObjectInfo{
		Name:    path.Base(clean(name)),
		Size:    int64(len(o.data)),
		ModTime: o.modTime,
	}, nil
}

func (m *MemoryBackend) List(ctx context.Context, dir string) ([]annostore.ObjectInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prefix := clean(dir) + "/"
	var r []annostore.ObjectInfo
	for name, o := range m.objects {
		rest, ok := strings.CutPrefix(name, prefix)
		if !ok || strings.Contains(rest, "/") {
			continue
		}
		r = append(r, annostore.ObjectInfo{
			Name:    rest,
			Size:    int64(len(o.data)),
			ModTime: o.modTime,
		})
	}
	sort.Slice(r, func(i, j int) bool { return r[i].Name < r[j].Name })
	return r, nil
}

func (m *MemoryBackend) RemoveAll(ctx context.Context, dir string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	prefix := clean(dir) + "/"
	for name := range m.objects {
		if strings.HasPrefix(name, prefix) || name == clean(dir) {
			delete(m.objects, name)
		}
	}
	return nil
}

// Names returns every stored object name, sorted.
func (m *MemoryBackend) Names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := make([]string, 0, len(m.objects))
	for n := range m.objects {
		r = append(r, n)
	}
	sort.Strings(r)
	return r
}
