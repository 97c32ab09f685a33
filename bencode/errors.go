package bencode

import (
	"fmt"
	"reflect"
)

// MarshalTypeError is returned when the encoder is asked to encode a type
// with no bencode representation (e.g. a float).
type MarshalTypeError struct {
	Type reflect.Type
}

func (e *MarshalTypeError) Error() string {
	return "bencode: unsupported type: " + e.Type.String()
}

// UnmarshalInvalidArgError is returned when Unmarshal is given a non-pointer
// or nil destination.
type UnmarshalInvalidArgError struct {
	Type reflect.Type
}

func (e *UnmarshalInvalidArgError) Error() string {
	if e.Type == nil {
		return "bencode: Unmarshal(nil)"
	}
	if e.Type.Kind() != reflect.Ptr {
		return "bencode: Unmarshal(non-pointer " + e.Type.String() + ")"
	}
	return "bencode: Unmarshal(nil " + e.Type.String() + ")"
}

// UnmarshalTypeError is returned when a bencoded value cannot be assigned to
// the destination Go type.
type UnmarshalTypeError struct {
	Value string
	Type  reflect.Type
}

func (e *UnmarshalTypeError) Error() string {
	return "bencode: value (" + e.Value + ") is not appropriate for type: " + e.Type.String()
}

// UnmarshalFieldError is returned when a dict key maps to an unexported
// struct field.
type UnmarshalFieldError struct {
	Key   string
	Type  reflect.Type
	Field reflect.StructField
}

func (e *UnmarshalFieldError) Error() string {
	return "bencode: key \"" + e.Key + "\" led to an unexported field \"" +
		e.Field.Name + "\" in type: " + e.Type.String()
}

// SyntaxError describes malformed bencoded input. Offset is the byte
// position at which the decoder gave up.
type SyntaxError struct {
	Offset int64
	What   error
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("bencode: syntax error (offset: %d): %s", e.Offset, e.What)
}

// MarshalerError wraps an error returned by a type's MarshalBencode method.
type MarshalerError struct {
	Type reflect.Type
	Err  error
}

func (e *MarshalerError) Error() string {
	return "bencode: error calling MarshalBencode for type " + e.Type.String() + ": " + e.Err.Error()
}

// UnmarshalerError wraps an error returned by a type's UnmarshalBencode method.
type UnmarshalerError struct {
	Type reflect.Type
	Err  error
}

func (e *UnmarshalerError) Error() string {
	return "bencode: error calling UnmarshalBencode for type " + e.Type.String() + ": " + e.Err.Error()
}

// Marshaler is implemented by types that can encode themselves to bencode.
type Marshaler interface {
	MarshalBencode() ([]byte, error)
}

// Unmarshaler is implemented by types that can decode a bencode value into
// themselves.
type Unmarshaler interface {
	UnmarshalBencode([]byte) error
}
