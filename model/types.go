package model

// VectorRecord is the user-facing record stored in the database.
// Records are immutable once stored: created on insert/build, destroyed on
// remove.
type VectorRecord struct {
	// ID is the stable, user-assigned identifier.
	ID uint64

	// Vector is the vector data. Its length must match the configured
	// dimension.
	Vector []float32

	// Metadata is an optional opaque string attached to the record.
	// Empty means none.
	Metadata string
}

// SearchResultItem is a single search hit.
type SearchResultItem struct {
	ID       uint64  // Vector identifier
	Distance float32 // Distance to the query (smaller is closer)
}

// SearchResult holds the hits of a single query, nearest first, plus query
// metadata.
type SearchResult struct {
	Items       []SearchResultItem
	QueryTimeMS float64
}

// SearchParams tunes a single search call.
type SearchParams struct {
	// EFSearch is the beam width at layer 0. If 0, the index default is
	// used. The effective beam is never smaller than k.
	EFSearch int

	// Filter excludes ids for which it returns false. The beam over-fetches
	// until k matching results are found or the frontier is exhausted.
	Filter func(id uint64) bool
}

// HNSWParams configures graph construction.
type HNSWParams struct {
	// M is the maximum number of neighbors per node per layer (layer 0
	// allows 2*M).
	M int

	// EFConstruction is the beam width during insertion.
	EFConstruction int

	// EFSearch is the default beam width during search.
	EFSearch int

	// MaxElements is a sizing hint recorded in snapshots.
	MaxElements int

	// RandomSeed pins level generation for reproducible graphs.
	// Nil means non-deterministic.
	RandomSeed *int64
}

// DefaultHNSWParams returns the construction defaults.
func DefaultHNSWParams() HNSWParams {
	return HNSWParams{
		M:              16,
		EFConstruction: 200,
		EFSearch:       50,
		MaxElements:    1_000_000,
	}
}

// Stats reports database counters and sizing.
type Stats struct {
	VectorCount      uint64
	Dimension        uint64
	MemoryUsageBytes uint64
	TotalQueries     uint64
	TotalInserts     uint64
	TotalRemoves     uint64
}
