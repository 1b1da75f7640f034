package annostore

import "github.com/google/uuid"

// UUID identifies sessions, lock owners and temporary files.
type UUID uuid.UUID

// NilUUID is the zero UUID, reported when a lock owner can't be read.
var NilUUID UUID

// NewUUID returns a random (version 4) UUID.
func NewUUID() UUID {
	return UUID(uuid.New())
}

// ParseUUID reads the form written by String.
func ParseUUID(s string) (UUID, error) {
	id, err := uuid.Parse(s)
	return UUID(id), err
}

func (id UUID) String() string {
	return uuid.UUID(id).String()
}
