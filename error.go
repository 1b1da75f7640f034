package annostore

import (
	"errors"
	"fmt"
)

type ErrorCode int

const (
	Unknown ErrorCode = iota
	// NotFound means the key has no current revision yet.
	NotFound
	// InvalidKey means a key component can't be mapped to storage. Not retryable.
	InvalidKey
	// PersistFailed means a commit failed; the previous revision is intact.
	PersistFailed
	// KeyBusy means a non-blocking delete found the key held by a session.
	KeyBusy
	// UpgradeFailed means a schema migration could not complete; no state was returned.
	UpgradeFailed
	LockAcquisitionFailure
	FileIOError = 77 + iota
)

func (c ErrorCode) String() string {
	switch c {
	case NotFound:
		return "not found"
	case InvalidKey:
		return "invalid key"
	case PersistFailed:
		return "persist failed"
	case KeyBusy:
		return "key busy"
	case UpgradeFailed:
		return "upgrade failed"
	case LockAcquisitionFailure:
		return "lock acquisition failure"
	case FileIOError:
		return "file io error"
	}
	return "unknown"
}

// Error is the store's custom error. UserData usually carries the StorageKey
// the failure relates to.
type Error struct {
	Code     ErrorCode
	Err      error
	UserData any
}

func (e Error) Error() string {
	if e.Err == nil {
		return e.Code.String()
	}
	if e.UserData == nil {
		return fmt.Errorf("%s: %w", e.Code, e.Err).Error()
	}
	return fmt.Errorf("%s, user data: %v, details: %w", e.Code, e.UserData, e.Err).Error()
}

func (e Error) Unwrap() error {
	return e.Err
}

// Is matches any Error carrying the same code, so the sentinels below work with errors.Is.
func (e Error) Is(target error) bool {
	var t Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code && t.Err == nil && t.UserData == nil
}

// Sentinels for errors.Is matching by code.
var (
	ErrNotFound        = Error{Code: NotFound}
	ErrInvalidKey      = Error{Code: InvalidKey}
	ErrPersistFailed   = Error{Code: PersistFailed}
	ErrKeyBusy         = Error{Code: KeyBusy}
	ErrUpgradeFailed   = Error{Code: UpgradeFailed}
	ErrLockAcquisition = Error{Code: LockAcquisitionFailure}
)

// CodeOf returns the code of the first Error in err's chain, or Unknown.
func CodeOf(err error) ErrorCode {
	var e Error
	if errors.As(err, &e) {
		return e.Code
	}
	return Unknown
}
