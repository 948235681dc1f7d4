package vector

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned for ids that are not (or no longer) live.
	ErrNotFound = errors.New("not found")
	// ErrDimensionMismatch is returned when a vector does not match its kind's dimension.
	ErrDimensionMismatch = errors.New("dimension mismatch")
	// ErrInvalidOperation is returned for semantically nonsensical requests.
	ErrInvalidOperation = errors.New("invalid operation")
	// ErrAlreadyExists is returned when inserting an id without overwrite intent.
	ErrAlreadyExists = errors.New("already exists")
	// ErrStorageFailure wraps persistence I/O errors that survived retries.
	ErrStorageFailure = errors.New("storage failure")
)

// DimensionError reports the expected and actual dimension of a rejected vector.
type DimensionError struct {
	Kind     Kind
	Expected int
	Actual   int
}

func (e *DimensionError) Error() string {
	return fmt.Sprintf("dimension mismatch for %s vector: expected %d, got %d", e.Kind, e.Expected, e.Actual)
}

func (e *DimensionError) Unwrap() error { return ErrDimensionMismatch }

// NotFoundError returns ErrNotFound annotated with the missing id.
func NotFoundError(kind Kind, id string) error {
	return fmt.Errorf("%s %q: %w", kind, id, ErrNotFound)
}
