package service

import (
	"errors"
	"fmt"
)

var (
	// ErrTrackingNotFound is returned when no index row has the requested tracking id.
	ErrTrackingNotFound = errors.New("tracking record not found")

	// ErrDuplicateTransaction is returned when a transaction reference is
	// already indexed. The index never holds two rows for one reference.
	ErrDuplicateTransaction = errors.New("transaction already indexed")

	// ErrNothingToUnindex is returned by Unindex and Remove when no live
	// record matches the locator and timestamp filter.
	ErrNothingToUnindex = errors.New("nothing to unindex")

	// ErrPartialRectification marks a rectification that removed the previous
	// records of a locator but could not index the corrected content.
	ErrPartialRectification = errors.New("partial rectification")
)

// PartialRectificationError reports the window left by a failed rectify: the
// old rows of Locator are gone (Removed of them) and no new row exists. The
// caller may retry the index step alone with IndexSecure.
type PartialRectificationError struct {
	Locator string
	Removed int
	Err     error
}

func (e *PartialRectificationError) Error() string {
	return fmt.Sprintf("partial rectification of %q: removed %d record(s) but indexing failed: %v",
		e.Locator, e.Removed, e.Err)
}

// Unwrap exposes both ErrPartialRectification and the underlying cause, so
// errors.Is matches either of them.
func (e *PartialRectificationError) Unwrap() []error {
	return []error{ErrPartialRectification, e.Err}
}
