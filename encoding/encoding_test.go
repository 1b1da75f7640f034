package encoding

import (
	"encoding/json"
	"testing"
)

func TestMarshalPassThroughBytes(t *testing.T) {
	in := []byte(`{"a":1}`)
	out, err := Marshal(in)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if string(out) != string(in) {
		t.Errorf("got %q, want %q", out, in)
	}

	var back []byte
	if err := Unmarshal(in, &back); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if string(back) != string(in) {
		t.Errorf("got %q, want %q", back, in)
	}
}

func TestUnmarshalKeepsNumbers(t *testing.T) {
	var m map[string]any
	if err := DefaultMarshaler.Unmarshal([]byte(`{"id":9007199254740993}`), &m); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	n, ok := m["id"].(json.Number)
	if !ok {
		t.Fatalf("id decoded as %T, want json.Number", m["id"])
	}
	if n.String() != "9007199254740993" {
		t.Errorf("id = %s, want 9007199254740993", n)
	}
}

func TestUnmarshalRejectsTrailingData(t *testing.T) {
	var m map[string]any
	if err := DefaultMarshaler.Unmarshal([]byte(`{} {}`), &m); err == nil {
		t.Error("expected error for trailing data")
	}
}
