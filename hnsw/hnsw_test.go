package hnsw

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/smallworld-db/smallworld/distance"
	"github.com/smallworld-db/smallworld/model"
)

func asError[T error](err error, target *T) bool {
	return errors.As(err, target)
}

func newTestIndex(t *testing.T, dimension int, optFns ...func(o *Options)) *Index {
	t.Helper()

	seed := int64(42)
	idx, err := New(append([]func(o *Options){func(o *Options) {
		o.Dimension = dimension
		o.RandomSeed = &seed
	}}, optFns...)...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return idx
}

func randomVectors(n, dimension int, seed int64) [][]float32 {
	rng := rand.New(rand.NewSource(seed))
	vectors := make([][]float32, n)
	for i := range vectors {
		v := make([]float32, dimension)
		for j := range v {
			v[j] = rng.Float32()
		}
		vectors[i] = v
	}
	return vectors
}

func TestNewValidation(t *testing.T) {
	if _, err := New(); err == nil {
		t.Fatal("expected error for missing dimension")
	}

	idx := newTestIndex(t, 4, func(o *Options) { o.M = 1 })
	if idx.opts.M != minimumM {
		t.Fatalf("M = %d, want %d", idx.opts.M, minimumM)
	}
}

func TestEmptySearch(t *testing.T) {
	idx := newTestIndex(t, 3)

	items, err := idx.Search([]float32{1, 0, 0}, 5, model.SearchParams{})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(items) != 0 {
		t.Fatalf("got %d items from empty index, want 0", len(items))
	}
}

func TestAddAndSearchAxisVectors(t *testing.T) {
	idx := newTestIndex(t, 3)

	vectors := map[uint64][]float32{
		1: {1, 0, 0},
		2: {0, 1, 0},
		3: {0, 0, 1},
	}
	for id, v := range vectors {
		if err := idx.Add(id, v); err != nil {
			t.Fatalf("Add(%d): %v", id, err)
		}
	}

	if idx.Size() != 3 {
		t.Fatalf("Size = %d, want 3", idx.Size())
	}

	items, err := idx.Search([]float32{0.9, 0.1, 0}, 1, model.SearchParams{})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(items) != 1 || items[0].ID != 1 {
		t.Fatalf("nearest = %+v, want id 1", items)
	}

	// A self-query ranks the stored vector first at distance zero.
	items, err = idx.Search([]float32{1, 0, 0}, 1, model.SearchParams{})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if items[0].ID != 1 || items[0].Distance > 1e-6 {
		t.Fatalf("self-query = %+v, want id 1 at distance 0", items)
	}

	// k larger than the population returns everything, closest first.
	items, err = idx.Search([]float32{0.9, 0.1, 0}, 10, model.SearchParams{})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(items) != 3 {
		t.Fatalf("got %d items, want 3", len(items))
	}
	for i := 1; i < len(items); i++ {
		if items[i].Distance < items[i-1].Distance {
			t.Fatalf("results out of order: %+v", items)
		}
	}
}

func TestAddDuplicateID(t *testing.T) {
	idx := newTestIndex(t, 2)

	if err := idx.Add(7, []float32{1, 2}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	err := idx.Add(7, []float32{3, 4})
	var dup *ErrDuplicateID
	if !asError(err, &dup) || dup.ID != 7 {
		t.Fatalf("err = %v, want ErrDuplicateID{7}", err)
	}
}

func TestAddReservedID(t *testing.T) {
	idx := newTestIndex(t, 2)

	if err := idx.Add(^uint64(0), []float32{1, 2}); !errors.Is(err, ErrReservedID) {
		t.Fatalf("err = %v, want ErrReservedID", err)
	}
	if idx.Size() != 0 {
		t.Fatalf("Size = %d after rejected insert, want 0", idx.Size())
	}

	// The index stays fully usable after the rejection.
	if err := idx.Add(1, []float32{1, 2}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	items, err := idx.Search([]float32{1, 2}, 1, model.SearchParams{})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(items) != 1 || items[0].ID != 1 {
		t.Fatalf("nearest = %+v, want id 1", items)
	}
}

func TestDimensionMismatch(t *testing.T) {
	idx := newTestIndex(t, 3)

	err := idx.Add(1, []float32{1, 2})
	var mismatch *ErrDimensionMismatch
	if !asError(err, &mismatch) {
		t.Fatalf("Add err = %v, want ErrDimensionMismatch", err)
	}
	if mismatch.Expected != 3 || mismatch.Actual != 2 {
		t.Fatalf("mismatch = %+v", mismatch)
	}

	if _, err := idx.Search([]float32{1}, 1, model.SearchParams{}); !asError(err, &mismatch) {
		t.Fatalf("Search err = %v, want ErrDimensionMismatch", err)
	}
}

func TestInvalidK(t *testing.T) {
	idx := newTestIndex(t, 2)

	if _, err := idx.Search([]float32{1, 2}, 0, model.SearchParams{}); err != ErrInvalidK {
		t.Fatalf("err = %v, want ErrInvalidK", err)
	}
}

func TestGetAndContains(t *testing.T) {
	idx := newTestIndex(t, 2)

	if err := idx.Add(5, []float32{1, 2}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	v, err := idx.Get(5)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if v[0] != 1 || v[1] != 2 {
		t.Fatalf("Get = %v", v)
	}

	// The returned slice is a copy.
	v[0] = 99
	v2, _ := idx.Get(5)
	if v2[0] != 1 {
		t.Fatal("Get must return a copy of the stored vector")
	}

	if !idx.Contains(5) || idx.Contains(6) {
		t.Fatal("Contains mismatch")
	}

	var notFound *ErrVectorNotFound
	if _, err := idx.Get(6); !asError(err, &notFound) {
		t.Fatalf("Get(6) err = %v, want ErrVectorNotFound", err)
	}
}

func TestRemove(t *testing.T) {
	idx := newTestIndex(t, 2)

	vectors := randomVectors(50, 2, 7)
	for i, v := range vectors {
		if err := idx.Add(uint64(i), v); err != nil {
			t.Fatalf("Add(%d): %v", i, err)
		}
	}

	if err := idx.Remove(10); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if idx.Size() != 49 || idx.Contains(10) {
		t.Fatal("Remove did not delete the node")
	}

	var notFound *ErrVectorNotFound
	if err := idx.Remove(10); !asError(err, &notFound) {
		t.Fatalf("second Remove err = %v, want ErrVectorNotFound", err)
	}

	// The removed id never comes back in search results and the graph
	// stays fully navigable.
	items, err := idx.Search(vectors[10], 49, model.SearchParams{})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(items) != 49 {
		t.Fatalf("got %d items after removal, want 49", len(items))
	}
	for _, it := range items {
		if it.ID == 10 {
			t.Fatal("removed id returned by search")
		}
	}
}

func TestRemoveEntryPointPromotion(t *testing.T) {
	idx := newTestIndex(t, 2)

	vectors := randomVectors(30, 2, 11)
	for i, v := range vectors {
		if err := idx.Add(uint64(i), v); err != nil {
			t.Fatalf("Add(%d): %v", i, err)
		}
	}

	ep := idx.entryPoint
	if err := idx.Remove(ep); err != nil {
		t.Fatalf("Remove(entry point): %v", err)
	}
	if idx.entryPoint == ep || idx.entryPoint == invalidID {
		t.Fatalf("entry point not promoted: %d", idx.entryPoint)
	}

	items, err := idx.Search(vectors[0], 5, model.SearchParams{})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(items) != 5 {
		t.Fatalf("got %d items, want 5", len(items))
	}
}

func TestRemoveAll(t *testing.T) {
	idx := newTestIndex(t, 2)

	for i := 0; i < 5; i++ {
		if err := idx.Add(uint64(i), []float32{float32(i), 0}); err != nil {
			t.Fatalf("Add(%d): %v", i, err)
		}
	}
	for i := 0; i < 5; i++ {
		if err := idx.Remove(uint64(i)); err != nil {
			t.Fatalf("Remove(%d): %v", i, err)
		}
	}

	if idx.Size() != 0 || idx.entryPoint != invalidID {
		t.Fatal("index not empty after removing everything")
	}

	// The empty index accepts inserts again.
	if err := idx.Add(0, []float32{1, 1}); err != nil {
		t.Fatalf("Add after drain: %v", err)
	}
}

func TestAddRemoveAddRestoresSearch(t *testing.T) {
	idx := newTestIndex(t, 4)

	vectors := randomVectors(40, 4, 3)
	for i, v := range vectors {
		if err := idx.Add(uint64(i), v); err != nil {
			t.Fatalf("Add(%d): %v", i, err)
		}
	}

	if err := idx.Remove(20); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if err := idx.Add(20, vectors[20]); err != nil {
		t.Fatalf("re-Add: %v", err)
	}

	items, err := idx.Search(vectors[20], 1, model.SearchParams{})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(items) != 1 || items[0].ID != 20 {
		t.Fatalf("nearest = %+v, want id 20", items)
	}
}

func TestRecall(t *testing.T) {
	const (
		n         = 100
		dimension = 16
		k         = 10
		queries   = 20
	)

	idx := newTestIndex(t, dimension)

	vectors := randomVectors(n, dimension, 42)
	for i, v := range vectors {
		if err := idx.Add(uint64(i), v); err != nil {
			t.Fatalf("Add(%d): %v", i, err)
		}
	}

	idx.OptimizeGraph()

	queryVecs := randomVectors(queries, dimension, 1042)

	hits, total := 0, 0
	for _, q := range queryVecs {
		exact, err := idx.BruteSearch(q, k, nil)
		if err != nil {
			t.Fatalf("BruteSearch: %v", err)
		}
		approx, err := idx.Search(q, k, model.SearchParams{EFSearch: 50})
		if err != nil {
			t.Fatalf("Search: %v", err)
		}

		want := make(map[uint64]struct{}, len(exact))
		for _, it := range exact {
			want[it.ID] = struct{}{}
		}
		for _, it := range approx {
			if _, ok := want[it.ID]; ok {
				hits++
			}
		}
		total += len(exact)
	}

	recall := float64(hits) / float64(total)
	if recall < 0.8 {
		t.Fatalf("recall = %.3f, want >= 0.8", recall)
	}
}

func TestSearchFilter(t *testing.T) {
	idx := newTestIndex(t, 2)

	vectors := randomVectors(60, 2, 5)
	for i, v := range vectors {
		if err := idx.Add(uint64(i), v); err != nil {
			t.Fatalf("Add(%d): %v", i, err)
		}
	}

	even := func(id uint64) bool { return id%2 == 0 }

	items, err := idx.Search(vectors[0], 10, model.SearchParams{Filter: even})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(items) == 0 {
		t.Fatal("filtered search returned nothing")
	}
	for _, it := range items {
		if it.ID%2 != 0 {
			t.Fatalf("filter violated: id %d", it.ID)
		}
	}
}

func TestBuildFailFast(t *testing.T) {
	idx := newTestIndex(t, 2)

	if err := idx.Add(99, []float32{9, 9}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	ids := []uint64{1, 2, 3}
	vectors := [][]float32{{1, 1}, {2}, {3, 3}} // second record is malformed

	var mismatch *ErrDimensionMismatch
	if err := idx.Build(ids, vectors); !asError(err, &mismatch) {
		t.Fatalf("Build err = %v, want ErrDimensionMismatch", err)
	}
	if idx.Size() != 0 {
		t.Fatalf("Size = %d after failed Build, want 0", idx.Size())
	}

	if err := idx.Build([]uint64{1, 2}, [][]float32{{1, 1}, {2, 2}}); err != nil {
		t.Fatalf("Build: %v", err)
	}
	if idx.Size() != 2 || idx.Contains(99) {
		t.Fatal("Build must replace previous contents")
	}
}

func TestBuildLengthMismatch(t *testing.T) {
	idx := newTestIndex(t, 2)

	if err := idx.Add(99, []float32{9, 9}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	err := idx.Build([]uint64{1, 2, 3}, [][]float32{{1, 1}, {2, 2}})
	if !errors.Is(err, ErrLengthMismatch) {
		t.Fatalf("err = %v, want ErrLengthMismatch", err)
	}

	// Mismatched slices are rejected before the index is cleared.
	if idx.Size() != 1 || !idx.Contains(99) {
		t.Fatal("contents must survive a rejected Build")
	}
}

func TestSparseIDSearch(t *testing.T) {
	idx := newTestIndex(t, 2)

	// Ids far beyond the population size; traversal memory must not scale
	// with the id range.
	ids := []uint64{1 << 33, 1<<40 + 7, 3, 1<<62 - 1}
	for i, id := range ids {
		if err := idx.Add(id, []float32{float32(i), 1}); err != nil {
			t.Fatalf("Add(%d): %v", id, err)
		}
	}

	items, err := idx.Search([]float32{3, 1}, 1, model.SearchParams{})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if items[0].ID != 1<<62-1 {
		t.Fatalf("nearest = %+v, want id 1<<62-1", items)
	}
}

func TestCosineMetric(t *testing.T) {
	idx := newTestIndex(t, 2, func(o *Options) { o.Metric = distance.MetricCosine })

	if err := idx.Add(1, []float32{1, 0}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := idx.Add(2, []float32{0, 1}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	// Same direction, different magnitude.
	items, err := idx.Search([]float32{5, 0}, 1, model.SearchParams{})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if items[0].ID != 1 {
		t.Fatalf("nearest = %+v, want id 1", items)
	}
	if items[0].Distance > 1e-5 {
		t.Fatalf("cosine distance = %f, want ~0", items[0].Distance)
	}
}
