// Package encoding holds the marshalers used to turn state documents and
// cached structs into bytes and back.
package encoding

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

// Marshaler interface specifies encoding to byte array and back to the object.
type Marshaler interface {
	// Encodes any object to byte array.
	Marshal(v any) ([]byte, error)
	// Decodes byte array back to its Object type.
	Unmarshal(data []byte, v any) error
}

// DefaultMarshaler is the global marshaler. Replace it to change the on-disk
// representation of state documents. Defaults to JSON.
var DefaultMarshaler = NewMarshaler()

type defaultMarshaler struct{}

// NewMarshaler returns the default marshaler, which uses the golang json package.
// Numbers decoded into interface values are kept as json.Number so that
// documents pass through generic maps without losing precision.
func NewMarshaler() Marshaler {
	return &defaultMarshaler{}
}

// Encodes any object to a byte array.
func (m defaultMarshaler) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

// Decodes a byte array back to its Object type. Trailing data is an error.
func (m defaultMarshaler) Unmarshal(data []byte, v any) error {
	d := json.NewDecoder(bytes.NewReader(data))
	d.UseNumber()
	if err := d.Decode(v); err != nil {
		return err
	}
	if _, err := d.Token(); err != io.EOF {
		return fmt.Errorf("unexpected data after top-level value")
	}
	return nil
}

// Marshal that can do byte array pass-through.
func Marshal[T any](v T) ([]byte, error) {
	switch t := any(v).(type) {
	case []byte:
		return t, nil
	case *[]byte:
		return *t, nil
	default:
		return DefaultMarshaler.Marshal(v)
	}
}

// Unmarshal that can do byte array pass-through.
func Unmarshal[T any](ba []byte, v *T) error {
	switch t := any(v).(type) {
	case *[]byte:
		*t = ba
		return nil
	default:
		return DefaultMarshaler.Unmarshal(ba, v)
	}
}
