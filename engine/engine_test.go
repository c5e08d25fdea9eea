package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/smallworld-db/smallworld/hnsw"
	"github.com/smallworld-db/smallworld/maintenance"
	"github.com/smallworld-db/smallworld/model"
)

func newTestEngine(t *testing.T, optFns ...func(o *Options)) *Engine {
	t.Helper()

	seed := int64(42)
	idx, err := hnsw.New(func(o *hnsw.Options) {
		o.Dimension = 4
		o.RandomSeed = &seed
	})
	require.NoError(t, err)

	handle := maintenance.NewHandle(idx)
	orch := maintenance.New(handle)

	e := New(handle, orch, optFns...)
	t.Cleanup(e.Close)
	return e
}

func TestInsertAndSearch(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, e.Insert(ctx, 1, []float32{1, 0, 0, 0}))
	require.NoError(t, e.Insert(ctx, 2, []float32{0, 1, 0, 0}))

	res, err := e.Search(ctx, []float32{0.9, 0.1, 0, 0}, 1, model.SearchParams{})
	require.NoError(t, err)
	require.Len(t, res.Items, 1)
	assert.Equal(t, uint64(1), res.Items[0].ID)
	assert.GreaterOrEqual(t, res.QueryTimeMS, 0.0)
}

func TestInsertErrorPropagates(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, e.Insert(ctx, 1, []float32{1, 0, 0, 0}))

	err := e.Insert(ctx, 1, []float32{1, 0, 0, 0})
	var dup *hnsw.ErrDuplicateID
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, uint64(1), dup.ID)

	err = e.Insert(ctx, 2, []float32{1})
	var mismatch *hnsw.ErrDimensionMismatch
	require.ErrorAs(t, err, &mismatch)
}

func TestRemove(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, e.Insert(ctx, 1, []float32{1, 0, 0, 0}))
	require.NoError(t, e.Remove(ctx, 1))

	var notFound *hnsw.ErrVectorNotFound
	require.ErrorAs(t, e.Remove(ctx, 1), &notFound)
}

func TestBatchInsert(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	const n = 100
	ids := make([]uint64, n)
	vectors := make([][]float32, n)
	for i := range ids {
		ids[i] = uint64(i)
		vectors[i] = []float32{float32(i), 0, 0, 0}
	}

	require.NoError(t, e.BatchInsert(ctx, ids, vectors))
	assert.Equal(t, uint64(n), e.Stats().VectorCount)
}

func TestBatchInsertLengthMismatch(t *testing.T) {
	e := newTestEngine(t)
	require.Error(t, e.BatchInsert(context.Background(), []uint64{1}, nil))
}

func TestConcurrentSearchAndMutation(t *testing.T) {
	e := newTestEngine(t, func(o *Options) { o.QueryWorkers = 4 })
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		require.NoError(t, e.Insert(ctx, uint64(i), []float32{float32(i), 1, 2, 3}))
	}

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				if w%2 == 0 {
					_, err := e.Search(ctx, []float32{float32(i), 1, 2, 3}, 5, model.SearchParams{})
					assert.NoError(t, err)
				} else {
					_ = e.Insert(ctx, uint64(1000+w*100+i), []float32{float32(i), 0, 0, 0})
				}
			}
		}(w)
	}
	wg.Wait()
}

func TestOptimizeThroughEngine(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	for i := 0; i < 30; i++ {
		require.NoError(t, e.Insert(ctx, uint64(i), []float32{float32(i), 1, 2, 3}))
	}

	require.NoError(t, e.Optimize(ctx))

	res, err := e.Search(ctx, []float32{3, 1, 2, 3}, 1, model.SearchParams{})
	require.NoError(t, err)
	assert.Equal(t, uint64(3), res.Items[0].ID)
}

func TestOptimizeRefusedWhileCycleInFlight(t *testing.T) {
	seed := int64(42)
	idx, err := hnsw.New(func(o *hnsw.Options) {
		o.Dimension = 4
		o.RandomSeed = &seed
	})
	require.NoError(t, err)

	handle := maintenance.NewHandle(idx)
	orch := maintenance.New(handle, func(o *maintenance.Options) {
		o.RateLimit = rate.NewLimiter(rate.Every(time.Hour), 1)
	})

	e := New(handle, orch)
	t.Cleanup(e.Close)

	ctx := context.Background()
	require.NoError(t, e.Insert(ctx, 1, []float32{1, 0, 0, 0}))

	// The first cycle spends the limiter's only token, so the next one
	// parks inside the rate gate while holding the in-flight slot.
	require.NoError(t, e.Optimize(ctx))

	cycleCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- e.Optimize(cycleCtx) }()

	require.Eventually(t, e.optimizing.Load, time.Second, time.Millisecond)

	// A concurrent request is refused right away, never queued behind the
	// running cycle.
	assert.ErrorIs(t, e.Optimize(ctx), maintenance.ErrBusy)

	cancel()
	assert.ErrorIs(t, <-errCh, context.Canceled)
}

func TestStats(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, e.Insert(ctx, 1, []float32{1, 0, 0, 0}))
	require.NoError(t, e.Insert(ctx, 2, []float32{0, 1, 0, 0}))
	require.NoError(t, e.Remove(ctx, 2))
	_, err := e.Search(ctx, []float32{1, 0, 0, 0}, 1, model.SearchParams{})
	require.NoError(t, err)

	stats := e.Stats()
	assert.Equal(t, uint64(1), stats.VectorCount)
	assert.Equal(t, uint64(4), stats.Dimension)
	assert.Equal(t, uint64(2), stats.TotalInserts)
	assert.Equal(t, uint64(1), stats.TotalQueries)
	assert.Equal(t, uint64(1), stats.TotalRemoves)
	assert.Positive(t, stats.MemoryUsageBytes)
}

func TestCloseRejectsNewWork(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, e.Insert(ctx, 1, []float32{1, 0, 0, 0}))
	e.Close()

	assert.ErrorIs(t, e.Insert(ctx, 2, []float32{1, 0, 0, 0}), ErrClosed)
	_, err := e.Search(ctx, []float32{1, 0, 0, 0}, 1, model.SearchParams{})
	assert.ErrorIs(t, err, ErrClosed)

	e.Close() // idempotent
}
