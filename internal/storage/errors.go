package storage

import "errors"

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("storage: not found")

// ErrConflict is returned when a write loses a race against another writer
// or would violate a uniqueness constraint.
var ErrConflict = errors.New("storage: conflict")
