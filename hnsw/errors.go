package hnsw

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidMagic is returned when a snapshot does not start with the
	// expected magic bytes.
	ErrInvalidMagic = errors.New("invalid snapshot magic")

	// ErrInvalidVersion is returned when a snapshot was written by an
	// unsupported format version.
	ErrInvalidVersion = errors.New("unsupported snapshot version")

	// ErrInvalidK is returned when a search is requested with k < 1.
	ErrInvalidK = errors.New("k must be at least 1")

	// ErrReservedID is returned when inserting the maximum uint64 value,
	// which the index reserves internally.
	ErrReservedID = errors.New("id 1<<64-1 is reserved")

	// ErrLengthMismatch is returned by Build when the id and vector slices
	// differ in length.
	ErrLengthMismatch = errors.New("ids and vectors length mismatch")
)

// ErrInvalidDimension is returned when an index is configured with a
// non-positive dimension.
type ErrInvalidDimension struct {
	Dimension int
}

func (e *ErrInvalidDimension) Error() string {
	return fmt.Sprintf("invalid dimension: %d", e.Dimension)
}

// ErrDimensionMismatch is returned when a vector does not match the index
// dimensionality.
type ErrDimensionMismatch struct {
	Expected int
	Actual   int
}

func (e *ErrDimensionMismatch) Error() string {
	return fmt.Sprintf("dimension mismatch: expected %d, got %d", e.Expected, e.Actual)
}

// ErrVectorNotFound is returned when the requested id is not in the index.
type ErrVectorNotFound struct {
	ID uint64
}

func (e *ErrVectorNotFound) Error() string {
	return fmt.Sprintf("vector not found: %d", e.ID)
}

// ErrDuplicateID is returned when inserting an id that is already live.
type ErrDuplicateID struct {
	ID uint64
}

func (e *ErrDuplicateID) Error() string {
	return fmt.Sprintf("duplicate id: %d", e.ID)
}
