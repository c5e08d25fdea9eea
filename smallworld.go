package smallworld

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/smallworld-db/smallworld/engine"
	"github.com/smallworld-db/smallworld/hnsw"
	"github.com/smallworld-db/smallworld/maintenance"
	"github.com/smallworld-db/smallworld/model"
	"github.com/smallworld-db/smallworld/persistence"
)

// DB is an embedded vector database. It wraps an HNSW index behind worker
// pools for concurrent access and a maintenance orchestrator for
// non-blocking background optimization.
type DB struct {
	handle  *maintenance.Handle
	orch    *maintenance.Orchestrator
	engine  *engine.Engine
	logger  *Logger
	metrics MetricsCollector
	meta    *metadataStore

	onDuplicate DuplicatePolicy
	saveOptions []func(o *persistence.Options)
}

// New creates a database for vectors of the given dimensionality.
func New(dimension int, opts ...Option) (*DB, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	idx, err := hnsw.NewFromParams(dimension, o.metric, o.params)
	if err != nil {
		return nil, translateError(err)
	}

	handle := maintenance.NewHandle(idx)
	orch := maintenance.New(handle, func(mo *maintenance.Options) {
		mo.Logger = o.logger.Logger
		mo.RateLimit = o.maintenanceRate
		mo.LogOptions = o.writeLogOptions
	})

	db := &DB{
		handle:  handle,
		orch:    orch,
		logger:  o.logger,
		metrics: o.metrics,
		meta:    newMetadataStore(),

		onDuplicate: o.onDuplicate,
		saveOptions: o.saveOptions,
	}
	db.engine = engine.New(handle, orch, func(eo *engine.Options) {
		eo.QueryWorkers = o.queryWorkers
		eo.Logger = o.logger.Logger
	})

	return db, nil
}

// Insert adds a vector under the caller-assigned id. With the default
// DuplicateReject policy inserting a live id fails with ErrDuplicate; with
// DuplicateOverwrite the stored vector is replaced.
func (db *DB) Insert(ctx context.Context, id uint64, vector []float32) error {
	start := time.Now()
	err := db.insert(ctx, id, vector)
	db.metrics.RecordInsert(time.Since(start), err)
	db.logger.LogInsert(ctx, id, len(vector), err)

	return translateError(err)
}

func (db *DB) insert(ctx context.Context, id uint64, vector []float32) error {
	err := db.engine.Insert(ctx, id, vector)
	if err == nil || db.onDuplicate != DuplicateOverwrite {
		return err
	}

	if !isDuplicate(err) {
		return err
	}
	if err := db.engine.Remove(ctx, id); err != nil {
		return err
	}
	return db.engine.Insert(ctx, id, vector)
}

// BatchInsert adds many vectors. The policy for duplicate ids is the same
// as for Insert. The first error stops the remainder of the batch.
func (db *DB) BatchInsert(ctx context.Context, ids []uint64, vectors [][]float32) error {
	start := time.Now()

	var err error
	if db.onDuplicate == DuplicateOverwrite {
		for i := range ids {
			if err = db.insert(ctx, ids[i], vectors[i]); err != nil {
				break
			}
		}
	} else {
		err = db.engine.BatchInsert(ctx, ids, vectors)
	}

	db.metrics.RecordBatchInsert(len(ids), time.Since(start), err)
	return translateError(err)
}

// Get returns a copy of the stored vector for the id.
func (db *DB) Get(id uint64) ([]float32, error) {
	vector, err := db.handle.Index().Get(id)
	return vector, translateError(err)
}

// Contains reports whether the id is live in the database.
func (db *DB) Contains(id uint64) bool {
	return db.handle.Index().Contains(id)
}

// Remove deletes the vector with the given id along with its metadata.
func (db *DB) Remove(ctx context.Context, id uint64) error {
	start := time.Now()
	err := db.engine.Remove(ctx, id)
	db.metrics.RecordDelete(time.Since(start), err)
	db.logger.LogDelete(ctx, id, err)

	if err == nil {
		db.meta.delete(id)
	}
	return translateError(err)
}

// Search returns the k nearest neighbors of the query vector, closest
// first. A query of the wrong dimensionality yields an empty result rather
// than an error, so callers can treat "nothing matches" uniformly.
func (db *DB) Search(ctx context.Context, query []float32, k int, opts ...SearchOption) (*model.SearchResult, error) {
	params := model.SearchParams{}
	for _, opt := range opts {
		opt(&params)
	}

	start := time.Now()
	result, err := db.engine.Search(ctx, query, k, params)
	db.metrics.RecordSearch(k, time.Since(start), err)
	db.logger.LogSearch(ctx, k, len(query), err)

	if err != nil {
		if isDimensionMismatch(err) {
			return &model.SearchResult{Items: []model.SearchResultItem{}}, nil
		}
		return nil, translateError(err)
	}

	return result, nil
}

// Build replaces the database contents with the given records, inserted in
// order. It fails fast on the first bad record, leaving the database empty.
// A rebuild cannot overlap a maintenance cycle; while one is running Build
// fails with ErrMaintenanceBusy and the contents stay as they were.
func (db *DB) Build(ids []uint64, vectors [][]float32) error {
	err := db.orch.Build(ids, vectors)
	if errors.Is(err, maintenance.ErrBusy) || errors.Is(err, hnsw.ErrLengthMismatch) {
		return translateError(err)
	}
	// Any other outcome means the index was cleared before the failure, so
	// stale metadata must not outlive it.
	db.meta.clear()
	return translateError(err)
}

// Optimize runs one background maintenance cycle: the graph is cloned,
// optimized and compacted off to the side, writes that arrive meanwhile are
// replayed, and the improved copy is swapped in. Searches and writes keep
// running throughout. A concurrent call fails with ErrMaintenanceBusy.
func (db *DB) Optimize(ctx context.Context) error {
	start := time.Now()
	err := db.engine.Optimize(ctx)
	db.metrics.RecordOptimize(time.Since(start), err)
	db.logger.LogOptimize(ctx, err)

	return translateError(err)
}

// MaintenanceState returns the phase of the running maintenance cycle, or
// the idle state when none is running.
func (db *DB) MaintenanceState() maintenance.State {
	return db.orch.State()
}

// Stats returns a point-in-time snapshot of database counters.
func (db *DB) Stats() model.Stats {
	return db.engine.Stats()
}

// Len returns the number of live vectors.
func (db *DB) Len() int {
	return db.handle.Index().Size()
}

// Dimension returns the configured vector dimensionality.
func (db *DB) Dimension() int {
	return db.handle.Index().Dimension()
}

var (
	_ io.WriterTo   = (*DB)(nil)
	_ io.ReaderFrom = (*DB)(nil)
)

// WriteTo streams the snapshot payload: the metadata section followed by
// the index's binary stream. Used by Save through the persistence framing.
func (db *DB) WriteTo(w io.Writer) (int64, error) {
	cw := &countingWriter{w: w}
	if err := db.meta.writeTo(cw); err != nil {
		return cw.n, err
	}
	if _, err := db.handle.Index().WriteTo(cw); err != nil {
		return cw.n, err
	}
	return cw.n, nil
}

// ReadFrom restores a snapshot written by WriteTo. The metadata section is
// staged and applied only after the index stream parses, so a corrupt
// snapshot leaves the database as it was.
func (db *DB) ReadFrom(r io.Reader) (int64, error) {
	cr := &countingReader{r: r}

	staged, err := decodeMetadata(cr)
	if err != nil {
		return cr.n, err
	}
	if _, err := db.handle.Index().ReadFrom(cr); err != nil {
		return cr.n, err
	}
	db.meta.replace(staged)

	return cr.n, nil
}

// Save writes a snapshot of the database to w.
func (db *DB) Save(w io.Writer) error {
	return persistence.Save(w, db, db.saveOptions...)
}

// SaveFile writes a snapshot to path atomically.
func (db *DB) SaveFile(path string) error {
	return persistence.SaveFile(path, db, db.saveOptions...)
}

// Load replaces the database contents with a snapshot read from r. On
// error the previous contents stay intact.
func (db *DB) Load(r io.Reader) error {
	return translateError(persistence.Load(r, db))
}

// LoadFile replaces the database contents with the snapshot at path.
func (db *DB) LoadFile(path string) error {
	return translateError(persistence.LoadFile(path, db))
}

// Close stops the worker pools. In-flight operations finish; later calls
// fail.
func (db *DB) Close() error {
	db.engine.Close()
	return nil
}
