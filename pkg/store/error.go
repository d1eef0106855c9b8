package store

import "errors"

// NotFoundError is returned when an entity doesn't exist in the store.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e NotFoundError) Error() string {
	if e.ID == "" {
		return e.Kind + " not found"
	}
	return e.Kind + " not found: " + e.ID
}

// DuplicateError is returned when an insert violates a uniqueness constraint.
type DuplicateError struct {
	Kind string
	Key  string
}

func (e DuplicateError) Error() string {
	if e.Key == "" {
		return "duplicate " + e.Kind
	}
	return "duplicate " + e.Kind + ": " + e.Key
}

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool {
	var nf NotFoundError
	return errors.As(err, &nf)
}

// IsDuplicate reports whether err is a DuplicateError.
func IsDuplicate(err error) bool {
	var dup DuplicateError
	return errors.As(err, &dup)
}
