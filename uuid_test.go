package annostore

import "testing"

func TestNewUUID(t *testing.T) {
	a, b := NewUUID(), NewUUID()
	if a == b || a == NilUUID {
		t.Fatalf("got %s and %s", a, b)
	}
	got, err := ParseUUID(a.String())
	if err != nil || got != a {
		t.Errorf("ParseUUID(%s) = %s, %v", a, got, err)
	}
}

func TestParseUUIDRejectsGarbage(t *testing.T) {
	id, err := ParseUUID("not-a-lock-owner")
	if err == nil {
		t.Error("parsed garbage")
	}
	if id != NilUUID {
		t.Errorf("got %s on error", id)
	}
	if s := NilUUID.String(); s != "00000000-0000-0000-0000-000000000000" {
		t.Errorf("NilUUID is %s", s)
	}
}
