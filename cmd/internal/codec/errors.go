package codec

import (
	"errors"
	"strings"
)

// ErrSerialization marks malformed or unsupported payloads.
// Persisted data that fails to decode is corruption and must be surfaced, never coerced.
var ErrSerialization = errors.New("serialization error")

// SerializationError describes where in a value tree encoding or decoding failed.
type SerializationError struct {
	Path   string
	Reason string
	Err    error
}

func (e *SerializationError) Error() string {
	var b strings.Builder
	b.WriteString("codec")
	if e.Path != "" {
		b.WriteString(": ")
		b.WriteString(e.Path)
	}
	b.WriteString(": ")
	b.WriteString(e.Reason)
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *SerializationError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrSerialization}
	}
	return []error{ErrSerialization, e.Err}
}

func serializationErr(path, reason string, err error) error {
	return &SerializationError{Path: path, Reason: reason, Err: err}
}
