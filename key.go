package annostore

import (
	"fmt"
	"strings"
)

const (
	// InitialStateOwner is the pseudo-owner holding the un-annotated baseline of a document.
	InitialStateOwner = "INITIAL_STATE"
	// CurationOwner is the pseudo-owner holding the merged/curated result of a document.
	CurationOwner = "CURATION_USER"
)

// StorageKey identifies one stored annotation state: the state a single owner
// keeps for a single document of a project.
type StorageKey struct {
	ProjectID  int64
	DocumentID int64
	Owner      string
}

// NewStorageKey returns a validated StorageKey.
func NewStorageKey(projectID, documentID int64, owner string) (StorageKey, error) {
	k := StorageKey{
		ProjectID:  projectID,
		DocumentID: documentID,
		Owner:      owner,
	}
	if err := k.Validate(); err != nil {
		return StorageKey{}, err
	}
	return k, nil
}

// InitialStateKey returns the key of the baseline state of a document.
func InitialStateKey(projectID, documentID int64) StorageKey {
	return StorageKey{ProjectID: projectID, DocumentID: documentID, Owner: InitialStateOwner}
}

// CurationKey returns the key of the curated state of a document.
func CurationKey(projectID, documentID int64) StorageKey {
	return StorageKey{ProjectID: projectID, DocumentID: documentID, Owner: CurationOwner}
}

// Validate reports an InvalidKey error if any component of the key can not be
// mapped to a storage location.
func (k StorageKey) Validate() error {
	var reason string
	switch {
	case k.ProjectID < 0:
		reason = "negative project id"
	case k.DocumentID < 0:
		reason = "negative document id"
	case k.Owner == "":
		reason = "empty owner"
	case k.Owner == "..":
		reason = "owner can't be '..'"
	case strings.HasPrefix(k.Owner, "."):
		reason = "owner can't start with '.'"
	case strings.ContainsAny(k.Owner, "/\\\x00"):
		reason = "owner contains a path separator or NUL"
	default:
		return nil
	}
	return Error{
		Code:     InvalidKey,
		Err:      fmt.Errorf("invalid storage key %s: %s", k, reason),
		UserData: k,
	}
}

// IsPseudoOwner reports whether the key belongs to one of the reserved owners.
func (k StorageKey) IsPseudoOwner() bool {
	return k.Owner == InitialStateOwner || k.Owner == CurationOwner
}

// String returns "project/document/owner".
func (k StorageKey) String() string {
	return fmt.Sprintf("%d/%d/%s", k.ProjectID, k.DocumentID, k.Owner)
}
