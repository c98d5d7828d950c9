package core

import "errors"

var (
	// ErrNotFound is returned when a key does not exist or is deleted.
	ErrNotFound = errors.New("key not found")
	// ErrCorrupted is returned when a persistent file fails a checksum or
	// structural validation.
	ErrCorrupted = errors.New("data corrupted")
	// ErrClosed is returned when an operation is attempted on a closed component.
	ErrClosed = errors.New("component is closed")
)
