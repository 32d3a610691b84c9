// Package datasets defines the timestore entities and the repository
// contracts implemented by timestoredb.
package datasets

import (
	"github.com/zeebo/errs"
)

var (
	// Error is the default datasets errs class.
	Error = errs.Class("datasets")
	// ErrNotFound is returned when a dataset, manifest or partition does not
	// exist.
	ErrNotFound = errs.Class("not found")
	// ErrVersionConflict is returned when an optimistic update lost the race.
	ErrVersionConflict = errs.Class("version conflict")
	// ErrSchemaIncompatible is returned when an ingested schema changes or
	// removes an existing field.
	ErrSchemaIncompatible = errs.Class("schema incompatible")
	// ErrDuplicateSignature is returned when a partition with the same
	// ingestion signature already exists for the dataset.
	ErrDuplicateSignature = errs.Class("duplicate ingestion signature")
)
