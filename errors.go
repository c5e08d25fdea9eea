package smallworld

import (
	"errors"
	"fmt"

	"github.com/smallworld-db/smallworld/hnsw"
	"github.com/smallworld-db/smallworld/maintenance"
)

var (
	// ErrNotFound is returned when the requested id is not in the
	// database.
	ErrNotFound = errors.New("not found")

	// ErrDuplicate is returned when inserting an id that is already live
	// under the DuplicateReject policy.
	ErrDuplicate = errors.New("duplicate id")

	// ErrInvalidK is returned when a search is requested with k < 1.
	ErrInvalidK = errors.New("k must be positive")

	// ErrMaintenanceBusy is returned when Optimize is called while a
	// cycle is already running.
	ErrMaintenanceBusy = errors.New("maintenance busy")
)

// ErrDimensionMismatch indicates a vector/query dimensionality mismatch.
//
// The original underlying error (if any) can be accessed via errors.Unwrap.
type ErrDimensionMismatch struct {
	Expected int
	Actual   int
	cause    error
}

func (e *ErrDimensionMismatch) Error() string {
	return fmt.Sprintf("dimension mismatch: expected %d, got %d", e.Expected, e.Actual)
}

func (e *ErrDimensionMismatch) Unwrap() error { return e.cause }

// ErrInvalidDimension indicates an invalid configured dimension.
//
// The original underlying error (if any) can be accessed via errors.Unwrap.
type ErrInvalidDimension struct {
	Dimension int
	cause     error
}

func (e *ErrInvalidDimension) Error() string {
	return fmt.Sprintf("invalid dimension: %d", e.Dimension)
}

func (e *ErrInvalidDimension) Unwrap() error { return e.cause }

// translateError normalizes package-internal errors into the public
// surface.
func translateError(err error) error {
	if err == nil {
		return nil
	}

	var nf *hnsw.ErrVectorNotFound
	if errors.As(err, &nf) {
		return fmt.Errorf("%w: id %d", ErrNotFound, nf.ID)
	}

	var dup *hnsw.ErrDuplicateID
	if errors.As(err, &dup) {
		return fmt.Errorf("%w: %d", ErrDuplicate, dup.ID)
	}

	var dm *hnsw.ErrDimensionMismatch
	if errors.As(err, &dm) {
		return &ErrDimensionMismatch{Expected: dm.Expected, Actual: dm.Actual, cause: err}
	}

	var id *hnsw.ErrInvalidDimension
	if errors.As(err, &id) {
		return &ErrInvalidDimension{Dimension: id.Dimension, cause: err}
	}

	if errors.Is(err, hnsw.ErrInvalidK) {
		return fmt.Errorf("%w: %w", ErrInvalidK, err)
	}

	if errors.Is(err, maintenance.ErrBusy) {
		return fmt.Errorf("%w: %w", ErrMaintenanceBusy, err)
	}

	return err
}

func isDuplicate(err error) bool {
	var dup *hnsw.ErrDuplicateID
	return errors.As(err, &dup)
}

func isDimensionMismatch(err error) bool {
	var dm *hnsw.ErrDimensionMismatch
	return errors.As(err, &dm)
}
