// Package maintenance runs graph optimization in the background without
// blocking reads or writes. A cycle clones the live index, optimizes and
// compacts the clone, replays the mutations that arrived meanwhile, and
// swaps the clone in under an exclusive lock held only for the pointer
// exchange.
package maintenance

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/smallworld-db/smallworld/hnsw"
	"github.com/smallworld-db/smallworld/writelog"
)

var (
	// ErrBusy is returned when a cycle is requested while one is running.
	ErrBusy = errors.New("maintenance cycle already running")

	// ErrLogOverflow is returned when the write log filled up during a
	// cycle. The live index is untouched; the cycle can be retried.
	ErrLogOverflow = errors.New("write log overflow, cycle aborted")
)

// State identifies the phase of the maintenance cycle.
type State int32

const (
	// StateIdle means no cycle is running.
	StateIdle State = iota
	// StateLogging means the write log is armed but cloning has not begun.
	StateLogging
	// StateCloning means the live graph is being copied.
	StateCloning
	// StateOptimizing means the clone is being optimized and compacted.
	StateOptimizing
	// StateReplaying means logged mutations are being applied to the clone.
	StateReplaying
	// StateSwapping means the clone is about to replace the live graph.
	StateSwapping
	// StateBuilding means the index is being rebuilt from a full dataset.
	StateBuilding
)

// String implements the Stringer interface.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLogging:
		return "logging"
	case StateCloning:
		return "cloning"
	case StateOptimizing:
		return "optimizing"
	case StateReplaying:
		return "replaying"
	case StateSwapping:
		return "swapping"
	case StateBuilding:
		return "building"
	default:
		return "unknown"
	}
}

// Handle is the shared pointer to the live index. Readers resolve it per
// operation; the orchestrator exchanges it during the swap phase.
type Handle struct {
	mu  sync.RWMutex
	idx *hnsw.Index
}

// NewHandle wraps an index.
func NewHandle(idx *hnsw.Index) *Handle {
	return &Handle{idx: idx}
}

// Index returns the current live index. The returned graph stays valid and
// searchable even if a swap happens right after, it is just no longer the
// one receiving writes.
func (h *Handle) Index() *hnsw.Index {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.idx
}

// Options contains configuration for the orchestrator.
type Options struct {
	// Logger receives cycle progress events.
	Logger *slog.Logger

	// RateLimit throttles cycle starts. Nil means unlimited.
	RateLimit *rate.Limiter

	// LogOptions configure the embedded write log.
	LogOptions []func(o *writelog.Options)
}

// Orchestrator coordinates the clone, optimize, replay, swap cycle for one
// index handle. Mutations must go through Insert and Remove so they reach
// both the live graph and the write log while a cycle is running.
type Orchestrator struct {
	handle  *Handle
	log     *writelog.Log
	logger  *slog.Logger
	limiter *rate.Limiter

	state atomic.Int32
}

// New creates a new orchestrator for the handle.
func New(handle *Handle, optFns ...func(o *Options)) *Orchestrator {
	opts := Options{}
	for _, fn := range optFns {
		fn(&opts)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.Level(math.MaxInt)}))
	}

	return &Orchestrator{
		handle:  handle,
		log:     writelog.New(opts.LogOptions...),
		logger:  logger,
		limiter: opts.RateLimit,
	}
}

// State returns the current cycle phase.
func (o *Orchestrator) State() State {
	return State(o.state.Load())
}

// PendingWrites returns the number of mutations buffered for replay.
func (o *Orchestrator) PendingWrites() int {
	return o.log.Len()
}

// Insert adds a vector to the live index. While a cycle is running the
// mutation is also teed into the write log under the handle's shared lock,
// so the swap phase can guarantee it never observes a half-logged write.
func (o *Orchestrator) Insert(id uint64, vector []float32) error {
	o.handle.mu.RLock()
	defer o.handle.mu.RUnlock()

	if err := o.handle.idx.Add(id, vector); err != nil {
		return err
	}
	o.noteInsert(id, vector)

	return nil
}

// Remove deletes a vector from the live index and tees the removal into the
// write log while a cycle is running.
func (o *Orchestrator) Remove(id uint64) error {
	o.handle.mu.RLock()
	defer o.handle.mu.RUnlock()

	if err := o.handle.idx.Remove(id); err != nil {
		return err
	}
	o.noteRemove(id)

	return nil
}

func (o *Orchestrator) noteInsert(id uint64, vector []float32) {
	if !o.log.AppendInsert(id, vector) {
		o.logger.Warn("write log full, maintenance cycle will abort", "id", id)
	} else if o.log.Enabled() && o.log.Pressure() {
		o.logger.Warn("write log under pressure", "pending", o.log.Len())
	}
}

func (o *Orchestrator) noteRemove(id uint64) {
	if !o.log.AppendRemove(id) {
		o.logger.Warn("write log full, maintenance cycle will abort", "id", id)
	}
}

// Build replaces the live index contents with the given records. It holds
// the same in-flight slot as RunCycle, so a rebuild cannot race a cycle in
// either direction: a rebuild during a cycle fails with ErrBusy, and a
// cycle started during a rebuild fails the same way.
func (o *Orchestrator) Build(ids []uint64, vectors [][]float32) error {
	if !o.state.CompareAndSwap(int32(StateIdle), int32(StateBuilding)) {
		return ErrBusy
	}
	defer o.state.Store(int32(StateIdle))

	o.handle.mu.Lock()
	defer o.handle.mu.Unlock()

	return o.handle.idx.Build(ids, vectors)
}

// RunCycle executes one full maintenance cycle. Only one cycle runs at a
// time; a concurrent call fails with ErrBusy. If the write log overflows
// while the clone is being prepared the cycle aborts with ErrLogOverflow
// and the live index keeps serving unchanged.
func (o *Orchestrator) RunCycle(ctx context.Context) error {
	if o.limiter != nil {
		if err := o.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	if !o.state.CompareAndSwap(int32(StateIdle), int32(StateLogging)) {
		return ErrBusy
	}
	defer o.state.Store(int32(StateIdle))

	start := time.Now()
	o.log.Reset()
	o.log.SetEnabled(true)
	defer o.log.SetEnabled(false)

	o.state.Store(int32(StateCloning))
	clone, err := o.handle.Index().Clone()
	if err != nil {
		return err
	}
	o.logger.Debug("graph cloned", "size", clone.Size())

	if err := ctx.Err(); err != nil {
		return err
	}

	o.state.Store(int32(StateOptimizing))
	clone.OptimizeGraph()
	clone.CompactIndex()

	if err := ctx.Err(); err != nil {
		return err
	}

	o.state.Store(int32(StateReplaying))
	if o.log.Overflow() {
		o.log.Reset()
		return ErrLogOverflow
	}
	if err := o.log.ReplayTo(clone); err != nil {
		return err
	}

	// Swap under the exclusive lock: no mutation is in flight, so one
	// final drain catches everything appended since the bulk replay.
	o.state.Store(int32(StateSwapping))
	o.handle.mu.Lock()
	defer o.handle.mu.Unlock()

	o.log.SetEnabled(false)
	if o.log.Overflow() {
		o.log.Reset()
		return ErrLogOverflow
	}
	if err := o.log.ReplayTo(clone); err != nil {
		return err
	}
	o.handle.idx = clone

	o.logger.Info("maintenance cycle complete",
		"size", clone.Size(),
		"duration", time.Since(start),
	)

	return nil
}
