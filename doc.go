// Package smallworld provides an embedded vector database for Go.
//
// Vectors are indexed in a Hierarchical Navigable Small World (HNSW) graph
// for approximate nearest neighbor search, with:
//
//   - Thread-safe insert, remove and search with caller-assigned ids
//   - Euclidean, cosine and inner product distance metrics
//   - Filtered search via caller predicates
//   - Non-blocking background optimization: the graph is cloned, improved
//     and swapped back in while reads and writes keep running, with a write
//     log replaying mutations that arrive mid-cycle
//   - Binary snapshots with optional zstd or lz4 compression and CRC
//     verification
//   - Structured logging via log/slog and pluggable metrics collection
//
// # Quick start
//
//	ctx := context.Background()
//	db, err := smallworld.New(128) // 128-dimensional vectors
//	if err != nil {
//	    panic(err)
//	}
//	defer db.Close()
//
//	if err := db.Insert(ctx, 1, vector); err != nil {
//	    panic(err)
//	}
//
//	result, err := db.Search(ctx, query, 10)
//	for _, item := range result.Items {
//	    fmt.Println(item.ID, item.Distance)
//	}
//
// # Background maintenance
//
// Graph quality degrades as vectors come and go. Optimize rebuilds neighbor
// selections and reclaims references to deleted ids without stopping the
// world:
//
//	if err := db.Optimize(ctx); err != nil {
//	    // ErrMaintenanceBusy means a cycle is already running
//	}
//
// # Snapshots
//
//	if err := db.SaveFile("index.swdb"); err != nil { ... }
//	if err := db.LoadFile("index.swdb"); err != nil { ... }
package smallworld
