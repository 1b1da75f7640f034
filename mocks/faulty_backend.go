package mocks

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/sharedcode/annostore"
)

// ErrInjected is returned by operations a FaultyBackend was told to fail.
var ErrInjected = errors.New("injected failure")

// Op names a Backend operation.
type Op string

const (
	OpRead      Op = "read"
	OpWrite     Op = "write"
	OpRename    Op = "rename"
	OpRemove    Op = "remove"
	OpStat      Op = "stat"
	OpList      Op = "list"
	OpRemoveAll Op = "removeall"
)

// Fault decides whether an operation fails. Name is the first name argument
// of the operation (the source for Rename), target the rename destination.
type Fault func(op Op, name, target string) bool

// FaultyBackend wraps a Backend and fails the operations its Fault selects.
// It also counts successful operations per Op.
type FaultyBackend struct {
	annostore.Backend

	mu     sync.Mutex
	fault  Fault
	counts map[Op]*atomic.Int64
}

// NewFaultyBackend wraps inner. Without a Fault set it never fails.
func NewFaultyBackend(inner annostore.Backend) *FaultyBackend {
	fb := &FaultyBackend{
		Backend: inner,
		counts:  make(map[Op]*atomic.Int64),
	}
	for _, op := range []Op{OpRead, OpWrite, OpRename, OpRemove, OpStat, OpList, OpRemoveAll} {
		fb.counts[op] = &atomic.Int64{}
	}
	return fb
}

// SetFault replaces the active fault. nil disables injection.
func (fb *FaultyBackend) SetFault(f Fault) {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	fb.fault = f
}

// FailOnce fails the first operation matching op whose name contains substr.
func (fb *FaultyBackend) FailOnce(op Op, substr string) {
	var fired atomic.Bool
	fb.SetFault(func(o Op, name, target string) bool {
		if o != op || !strings.Contains(name, substr) {
			return false
		}
		return fired.CompareAndSwap(false, true)
	})
}

// Count returns how many operations of kind op succeeded.
func (fb *FaultyBackend) Count(op Op) int64 {
	return fb.counts[op].Load()
}

func (fb *FaultyBackend) fail(op Op, name, target string) error {
	fb.mu.Lock()
	f := fb.fault
	fb.mu.Unlock()
	if f != nil && f(op, name, target) {
		return ErrInjected
	}
	return nil
}

func (fb *FaultyBackend) done(op Op, err error) {
	if err == nil {
		fb.counts[op].Add(1)
	}
}

func (fb *FaultyBackend) ReadFile(ctx context.Context, name string) ([]byte, error) {
	if err := fb.fail(OpRead, name, ""); err != nil {
		return nil, err
	}
	ba, err := fb.Backend.ReadFile(ctx, name)
	fb.done(OpRead, err)
	return ba, err
}

func (fb *FaultyBackend) WriteFile(ctx context.Context, name string, data []byte) error {
	if err := fb.fail(OpWrite, name, ""); err != nil {
		return err
	}
	err := fb.Backend.WriteFile(ctx, name, data)
	fb.done(OpWrite, err)
	return err
}

func (fb *FaultyBackend) Rename(ctx context.Context, oldName, newName string) error {
	if err := fb.fail(OpRename, oldName, newName); err != nil {
		return err
	}
	err := fb.Backend.Rename(ctx, oldName, newName)
	fb.done(OpRename, err)
	return err
}

func (fb *FaultyBackend) Remove(ctx context.Context, name string) error {
	if err := fb.fail(OpRemove, name, ""); err != nil {
		return err
	}
	err := fb.Backend.Remove(ctx, name)
	fb.done(OpRemove, err)
	return err
}

func (fb *FaultyBackend) Stat(ctx context.Context, name string) (annostore.ObjectInfo, error) {
	if err := fb.fail(OpStat, name, ""); err != nil {
		return annostore.ObjectInfo{}, err
	}
	info, err := fb.Backend.Stat(ctx, name)
	fb.done(OpStat, err)
	return info, err
}

func (fb *FaultyBackend) List(ctx context.Context, dir string) ([]annostore.ObjectInfo, error) {
	if err := fb.fail(OpList, dir, ""); err != nil {
		return nil, err
	}
	r, err := fb.Backend.List(ctx, dir)
	fb.done(OpList, err)
	return r, err
}

func (fb *FaultyBackend) RemoveAll(ctx context.Context, dir string) error {
	if err := fb.fail(OpRemoveAll, dir, ""); err != nil {
		return err
	}
	err := fb.Backend.RemoveAll(ctx, dir)
	fb.done(OpRemoveAll, err)
	return err
}
