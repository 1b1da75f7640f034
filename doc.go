// Package annostore defines the vocabulary shared by the annotation state store:
// storage keys and the reserved pseudo-owners, access and upgrade modes, the
// retention policy, configuration, the error taxonomy and the capability
// interfaces that storage backends and lock caches implement.
//
// Concrete pieces live in subpackages. fs and s3 are storage backends, persist
// holds the path layout, the atomic persistence engine and the retention
// manager, lock holds the per-key concurrency controller and scoped sessions,
// upgrade and materialize produce up-to-date state, and store wires all of it
// into the public facade used by collaborators.
//
// See the store package for the entry point.
package annostore

// Consistency model
//
// Every stored state is addressed by a StorageKey. Operations borrow a key
// through a Session under one of the AccessMode values. Exclusive and shared
// borrows on the same key exclude each other, borrows on different keys never
// interact. Commits replace the current revision by renaming a fully written
// file into place, so a reader observes either the old or the new revision.
//
// A commit parks the previous revision under a staging backup name for the
// duration of the write. If the process dies inside that window the key is
// left with a backup and no current revision; readers treat the backup as the
// current revision and the next exclusive borrower promotes it back.
