package errors

import "errors"

// Store errors.
var (
	ErrNotFound     = errors.New("record not found")
	ErrDuplicateKey = errors.New("duplicate key")
	ErrConflict     = errors.New("write conflict")
)

// Engine errors.
var (
	ErrShutdown = errors.New("engine is shut down")
)
