package chat

import (
	"errors"
	"fmt"
)

var (
	// ErrEmptyContent rejects blank message text before any store call.
	ErrEmptyContent = errors.New("chat: empty message content")
	// ErrInvalidInput covers missing ids and malformed store inputs.
	ErrInvalidInput = errors.New("chat: invalid input")
	// ErrSessionClosed is returned for operations on a session that is not open.
	ErrSessionClosed = errors.New("chat: session closed")
	// ErrSessionOpen is returned when entering a session that is already open.
	ErrSessionOpen = errors.New("chat: session already open")
	// ErrNotFound is returned when a referenced message does not exist.
	ErrNotFound = errors.New("chat: message not found")
)

// SchemaError reports a store rejection caused by an unprovisioned optional
// column. Callers recover by retrying the same logical operation once with
// the minimal field set (see InsertWithFallback).
type SchemaError struct {
	Column string
	Err    error
}

func (e *SchemaError) Error() string {
	if e.Column != "" {
		return fmt.Sprintf("chat: schema mismatch on column %q: %v", e.Column, e.Err)
	}
	return fmt.Sprintf("chat: schema mismatch: %v", e.Err)
}

func (e *SchemaError) Unwrap() error { return e.Err }

// IsSchemaError reports whether err is a store schema mismatch.
func IsSchemaError(err error) bool {
	var se *SchemaError
	return errors.As(err, &se)
}
