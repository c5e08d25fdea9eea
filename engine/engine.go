// Package engine serializes index access through dedicated worker
// goroutines. Queries fan out round-robin over a pool of query workers,
// mutations are routed by id over a small pool of index workers so
// operations on the same id stay ordered, and maintenance cycles run on a
// single dedicated worker. Callers block on a per-request reply channel, so
// the API stays synchronous while the work itself is pooled.
package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/smallworld-db/smallworld/maintenance"
	"github.com/smallworld-db/smallworld/model"
)

// ErrClosed is returned for operations submitted after Close.
var ErrClosed = errors.New("engine closed")

const (
	defaultIndexWorkers = 2
	defaultQueueDepth   = 64
)

// Options contains configuration for the engine.
type Options struct {
	// QueryWorkers is the number of query goroutines.
	// Defaults to GOMAXPROCS.
	QueryWorkers int

	// IndexWorkers is the number of mutation goroutines.
	IndexWorkers int

	// QueueDepth is the buffer size of each worker's task channel.
	QueueDepth int

	// Logger receives worker lifecycle events.
	Logger *slog.Logger
}

// Engine owns the worker pools in front of one index handle.
type Engine struct {
	handle *maintenance.Handle
	orch   *maintenance.Orchestrator
	logger *slog.Logger

	queryChs []chan func()
	indexChs []chan func()
	maintCh  chan func()

	rr         atomic.Uint64 // round-robin cursor for query dispatch
	optimizing atomic.Bool   // one maintenance cycle in flight at most
	closed     atomic.Bool
	mu         sync.RWMutex // guards channel sends against Close
	wg         sync.WaitGroup

	totalQueries atomic.Uint64
	totalInserts atomic.Uint64
	totalRemoves atomic.Uint64
}

// New creates an engine and starts its workers.
func New(handle *maintenance.Handle, orch *maintenance.Orchestrator, optFns ...func(o *Options)) *Engine {
	opts := Options{
		QueryWorkers: runtime.GOMAXPROCS(0),
		IndexWorkers: defaultIndexWorkers,
		QueueDepth:   defaultQueueDepth,
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.QueryWorkers <= 0 {
		opts.QueryWorkers = runtime.GOMAXPROCS(0)
	}
	if opts.IndexWorkers <= 0 {
		opts.IndexWorkers = defaultIndexWorkers
	}
	if opts.QueueDepth <= 0 {
		opts.QueueDepth = defaultQueueDepth
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.Level(math.MaxInt)}))
	}

	e := &Engine{
		handle:  handle,
		orch:    orch,
		logger:  logger,
		maintCh: make(chan func(), 1),
	}

	e.queryChs = make([]chan func(), opts.QueryWorkers)
	for i := range e.queryChs {
		e.queryChs[i] = make(chan func(), opts.QueueDepth)
		e.wg.Add(1)
		go e.worker(e.queryChs[i])
	}

	e.indexChs = make([]chan func(), opts.IndexWorkers)
	for i := range e.indexChs {
		e.indexChs[i] = make(chan func(), opts.QueueDepth)
		e.wg.Add(1)
		go e.worker(e.indexChs[i])
	}

	e.wg.Add(1)
	go e.worker(e.maintCh)

	logger.Debug("engine started",
		"query_workers", opts.QueryWorkers,
		"index_workers", opts.IndexWorkers,
	)

	return e
}

// worker drains one task channel until it is closed.
func (e *Engine) worker(ch chan func()) {
	defer e.wg.Done()
	for task := range ch {
		task()
	}
}

// submit enqueues a task and waits for it to finish or for the context to
// expire. A task that was enqueued always runs; an expired context only
// abandons the wait.
func (e *Engine) submit(ctx context.Context, ch chan func(), task func()) error {
	e.mu.RLock()
	if e.closed.Load() {
		e.mu.RUnlock()
		return ErrClosed
	}

	done := make(chan struct{})
	wrapped := func() {
		task()
		close(done)
	}

	select {
	case ch <- wrapped:
		e.mu.RUnlock()
	case <-ctx.Done():
		e.mu.RUnlock()
		return ctx.Err()
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Search runs a query on the next query worker and waits for the result.
func (e *Engine) Search(ctx context.Context, query []float32, k int, params model.SearchParams) (*model.SearchResult, error) {
	var (
		items []model.SearchResultItem
		err   error
	)

	ch := e.queryChs[e.rr.Add(1)%uint64(len(e.queryChs))]
	start := time.Now()
	if submitErr := e.submit(ctx, ch, func() {
		items, err = e.handle.Index().Search(query, k, params)
	}); submitErr != nil {
		return nil, submitErr
	}
	if err != nil {
		return nil, err
	}

	e.totalQueries.Add(1)

	return &model.SearchResult{
		Items:       items,
		QueryTimeMS: float64(time.Since(start).Microseconds()) / 1000,
	}, nil
}

// indexChFor routes mutations so all operations on one id share a worker
// and therefore a FIFO order.
func (e *Engine) indexChFor(id uint64) chan func() {
	return e.indexChs[id%uint64(len(e.indexChs))]
}

// Insert adds a vector through the mutation worker owning the id.
func (e *Engine) Insert(ctx context.Context, id uint64, vector []float32) error {
	var err error
	if submitErr := e.submit(ctx, e.indexChFor(id), func() {
		err = e.orch.Insert(id, vector)
	}); submitErr != nil {
		return submitErr
	}
	if err == nil {
		e.totalInserts.Add(1)
	}
	return err
}

// Remove deletes a vector through the mutation worker owning the id.
func (e *Engine) Remove(ctx context.Context, id uint64) error {
	var err error
	if submitErr := e.submit(ctx, e.indexChFor(id), func() {
		err = e.orch.Remove(id)
	}); submitErr != nil {
		return submitErr
	}
	if err == nil {
		e.totalRemoves.Add(1)
	}
	return err
}

// BatchInsert adds many vectors, fanning the batch out over the mutation
// workers. The first error cancels the remainder of the batch; vectors
// already inserted stay in the index.
func (e *Engine) BatchInsert(ctx context.Context, ids []uint64, vectors [][]float32) error {
	if len(ids) != len(vectors) {
		return errors.New("ids and vectors length mismatch")
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(len(e.indexChs))

	for i := range ids {
		id, vector := ids[i], vectors[i]
		g.Go(func() error {
			return e.Insert(ctx, id, vector)
		})
	}

	return g.Wait()
}

// Optimize runs one maintenance cycle on the maintenance worker. A request
// arriving while a cycle is in flight is refused with maintenance.ErrBusy
// immediately; cycles are never queued.
func (e *Engine) Optimize(ctx context.Context) error {
	if !e.optimizing.CompareAndSwap(false, true) {
		return maintenance.ErrBusy
	}

	e.mu.RLock()
	if e.closed.Load() {
		e.mu.RUnlock()
		e.optimizing.Store(false)
		return ErrClosed
	}

	var err error
	done := make(chan struct{})
	task := func() {
		err = e.orch.RunCycle(ctx)
		e.optimizing.Store(false)
		close(done)
	}

	select {
	case e.maintCh <- task:
		e.mu.RUnlock()
	case <-ctx.Done():
		e.mu.RUnlock()
		e.optimizing.Store(false)
		return ctx.Err()
	}

	// An abandoned wait still lets the enqueued cycle run to completion;
	// the flag is released by the task itself.
	select {
	case <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns a point-in-time snapshot of engine and index counters.
func (e *Engine) Stats() model.Stats {
	idx := e.handle.Index()
	return model.Stats{
		VectorCount:      uint64(idx.Size()),
		Dimension:        uint64(idx.Dimension()),
		MemoryUsageBytes: uint64(idx.MemoryUsage()),
		TotalQueries:     e.totalQueries.Load(),
		TotalInserts:     e.totalInserts.Load(),
		TotalRemoves:     e.totalRemoves.Load(),
	}
}

// Close stops the workers after draining their queues. Operations submitted
// after Close fail with ErrClosed.
func (e *Engine) Close() {
	if !e.closed.CompareAndSwap(false, true) {
		return
	}

	e.mu.Lock()
	for _, ch := range e.queryChs {
		close(ch)
	}
	for _, ch := range e.indexChs {
		close(ch)
	}
	close(e.maintCh)
	e.mu.Unlock()

	e.wg.Wait()
	e.logger.Debug("engine stopped")
}
