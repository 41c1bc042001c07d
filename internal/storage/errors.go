package storage

import "errors"

// ErrNotFound is returned when a requested row (run, package, policy,
// proposal) does not exist.
var ErrNotFound = errors.New("storage: not found")
