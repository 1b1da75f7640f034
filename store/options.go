package store

import (
	"github.com/sharedcode/annostore"
	"github.com/sharedcode/annostore/materialize"
)

type options struct {
	backend   annostore.Backend
	sources   materialize.SourceProvider
	cache     annostore.Cache
	noLocker  bool
	lockScope string
}

// Option customizes Open.
type Option func(*options)

// WithBackend stores revisions in b instead of the configured backend.
func WithBackend(b annostore.Backend) Option {
	return func(o *options) {
		o.backend = b
	}
}

// WithSourceProvider reads document sources from p instead of the backend's
// source folders.
func WithSourceProvider(p materialize.SourceProvider) Option {
	return func(o *options) {
		o.sources = p
	}
}

// WithCache coordinates exclusive holds across processes through c instead of
// the cache registered for the configured locking mode.
func WithCache(c annostore.Cache) Option {
	return func(o *options) {
		o.cache = c
	}
}

// WithoutLocker keeps all coordination in-process.
func WithoutLocker() Option {
	return func(o *options) {
		o.noLocker = true
	}
}

// WithLockScope names the storage for cross-process locks. Stores sharing a
// scope and a cache exclude each other. It defaults to the filesystem root or
// the bucket and prefix; stores over a custom backend get a scope of their own.
func WithLockScope(scope string) Option {
	return func(o *options) {
		o.lockScope = scope
	}
}
