// Package meta defines the filestore metadata entities and the repository
// contracts implemented by filestoredb.
package meta

import (
	"github.com/zeebo/errs"
)

var (
	// Error is the default meta errs class.
	Error = errs.Class("meta")
	// ErrNotFound is returned when a node, mount or job does not exist.
	ErrNotFound = errs.Class("not found")
	// ErrVersionConflict is returned when an optimistic update lost the race.
	ErrVersionConflict = errs.Class("version conflict")
	// ErrParentNotFound is returned when a node's parent is not tracked.
	ErrParentNotFound = errs.Class("parent not found")
	// ErrPathInUse is returned when an active node already occupies a path.
	ErrPathInUse = errs.Class("path in use")
	// ErrInvalidPath is returned for malformed or escaping paths.
	ErrInvalidPath = errs.Class("invalid path")
	// ErrIdempotencyMismatch is returned when a replayed idempotency key does
	// not match the stored journal entry.
	ErrIdempotencyMismatch = errs.Class("idempotency replay mismatch")
	// ErrNodeDeleted is returned when mutating a soft-deleted node.
	ErrNodeDeleted = errs.Class("node deleted")
)
