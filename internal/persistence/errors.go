package persistence

import (
	"database/sql"
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned by mutating calls that name a record that does not exist.
	// Reads report absence as a nil result instead.
	ErrNotFound = errors.New("record not found")
	// ErrIntegrity marks a write rejected because the record violates the kind's constraints.
	ErrIntegrity = errors.New("integrity violation")
	// ErrSerialization marks a value that could not be encoded to or decoded from JSON.
	ErrSerialization = errors.New("serialization failure")
)

// IntegrityError describes a rejected write. errors.Is(err, ErrIntegrity) matches it.
type IntegrityError struct {
	Kind   string
	Field  string
	Reason string
}

func (e *IntegrityError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
	}
	return fmt.Sprintf("%s.%s: %s", e.Kind, e.Field, e.Reason)
}

func (e *IntegrityError) Is(target error) bool { return target == ErrIntegrity }

// SerializationError wraps a JSON encode/decode failure for one column.
// errors.Is(err, ErrSerialization) matches it.
type SerializationError struct {
	Kind   string
	Column string
	Err    error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("%s.%s: serialization: %v", e.Kind, e.Column, e.Err)
}

func (e *SerializationError) Unwrap() error { return e.Err }

func (e *SerializationError) Is(target error) bool { return target == ErrSerialization }

func isNoRows(err error) bool { return errors.Is(err, sql.ErrNoRows) }
