package field

import (
	"errors"
	"fmt"
)

var (
	// ErrUnsupportedKind is the reason carried by a DecodeError for an unknown discriminator.
	ErrUnsupportedKind = errors.New("unsupported field kind")
	// ErrNotCanonical is returned when input decodes but is not in canonical form.
	ErrNotCanonical = errors.New("encoding is not canonical")

	errInvalidUTF8 = errors.New("string is not valid UTF-8")
)

// DecodeError reports unrecognized or malformed field encoding.
type DecodeError struct {
	Kind   Kind
	Name   string
	Reason error
}

func (e *DecodeError) Error() string {
	switch {
	case e.Name != "" && e.Kind != 0:
		return fmt.Sprintf("decode field %q (%s): %v", e.Name, e.Kind, e.Reason)
	case e.Kind != 0:
		return fmt.Sprintf("decode %s field: %v", e.Kind, e.Reason)
	default:
		return fmt.Sprintf("decode field: %v", e.Reason)
	}
}

func (e *DecodeError) Unwrap() error { return e.Reason }

// EncodeError reports a field that cannot be encoded.
type EncodeError struct {
	Name   string
	Reason string
}

func (e *EncodeError) Error() string {
	return fmt.Sprintf("encode field %q: %s", e.Name, e.Reason)
}

// DepthExceededError is returned when list/object nesting exceeds the codec limit.
type DepthExceededError struct {
	Limit int
}

func (e *DepthExceededError) Error() string {
	return fmt.Sprintf("field nesting exceeds depth limit %d", e.Limit)
}
