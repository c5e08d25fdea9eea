// Package hnsw implements the Hierarchical Navigable Small World (HNSW)
// graph for approximate nearest neighbor search, with incremental insertion,
// connectivity-preserving deletion, background graph optimization and a
// binary snapshot codec.
package hnsw

import (
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
	"github.com/smallworld-db/smallworld/distance"
	"github.com/smallworld-db/smallworld/internal/queue"
	"github.com/smallworld-db/smallworld/internal/visited"
	"github.com/smallworld-db/smallworld/model"
)

const (
	// mmax0Multiplier is the multiplier for maximum connections at layer 0.
	mmax0Multiplier = 2

	// minimumM is the minimum valid value for M.
	minimumM = 2

	// maxAssignableLayer caps random level assignment to bound memory.
	maxAssignableLayer = 16

	// optimizeFloor is the node count below which OptimizeGraph is a no-op.
	optimizeFloor = 10

	// invalidID marks the entry point of an empty graph.
	invalidID = ^uint64(0)
)

// Options represents the options for configuring the index.
type Options struct {
	// Dimension is the vector dimensionality. Required.
	Dimension int

	// M is the maximum number of bidirectional links per node per layer.
	// Layer 0 allows 2*M. The range 12-48 works for most datasets.
	M int

	// EFConstruction is the size of the dynamic candidate list during
	// insertion. Larger values improve graph quality at construction cost.
	EFConstruction int

	// EFSearch is the default beam width during search when SearchParams
	// does not override it.
	EFSearch int

	// MaxElements is a sizing hint carried in snapshots.
	MaxElements int

	// Metric selects the distance metric. The function is resolved once at
	// construction.
	Metric distance.Metric

	// RandomSeed pins level generation for reproducible graphs.
	// Nil means seeded from the clock.
	RandomSeed *int64
}

// DefaultOptions are the construction defaults.
var DefaultOptions = Options{
	M:              16,
	EFConstruction: 200,
	EFSearch:       50,
	MaxElements:    1_000_000,
	Metric:         distance.MetricL2,
}

// node is a single graph node. Adjacency is id-based: nodes reference each
// other only through ids, never pointers, so removal and serialization are
// plain slice operations.
type node struct {
	id       uint64
	vector   []float32
	layers   [][]uint64 // neighbor ids per layer, len == maxLayer+1
	maxLayer int
}

func newNode(id uint64, vector []float32, maxLayer int) *node {
	return &node{
		id:       id,
		vector:   vector,
		layers:   make([][]uint64, maxLayer+1),
		maxLayer: maxLayer,
	}
}

// neighbors returns the adjacency list at the given layer, nil if the node
// does not participate in it.
func (n *node) neighbors(layer int) []uint64 {
	if layer > n.maxLayer {
		return nil
	}
	return n.layers[layer]
}

// Index is the HNSW graph index. Reads take the shared lock, structural
// writes the exclusive lock.
type Index struct {
	mu sync.RWMutex

	opts     Options
	distFunc distance.Func
	ml       float64 // level normalization factor, 1/ln(M)

	nodes      map[uint64]*node
	entryPoint uint64
	maxLayer   int

	// freed collects ids of removed nodes until CompactIndex reclaims any
	// references still dangling in adjacency lists.
	freed *roaring64.Bitmap

	rng *rand.Rand

	visitedPool sync.Pool
}

// New creates a new index.
func New(optFns ...func(o *Options)) (*Index, error) {
	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.Dimension <= 0 {
		return nil, &ErrInvalidDimension{Dimension: opts.Dimension}
	}
	if opts.M < minimumM {
		opts.M = minimumM
	}
	if opts.EFConstruction <= 0 {
		opts.EFConstruction = DefaultOptions.EFConstruction
	}
	if opts.EFSearch <= 0 {
		opts.EFSearch = DefaultOptions.EFSearch
	}

	distFunc, err := distance.Provider(opts.Metric)
	if err != nil {
		return nil, err
	}

	var rng *rand.Rand
	if opts.RandomSeed != nil {
		rng = rand.New(rand.NewSource(*opts.RandomSeed))
	} else {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	idx := &Index{
		opts:       opts,
		distFunc:   distFunc,
		ml:         1 / math.Log(float64(opts.M)),
		nodes:      make(map[uint64]*node),
		entryPoint: invalidID,
		freed:      roaring64.New(),
		rng:        rng,
	}
	idx.visitedPool.New = func() any { return visited.New(1024) }

	return idx, nil
}

// NewFromParams creates an index from the shared parameter struct.
func NewFromParams(dimension int, metric distance.Metric, params model.HNSWParams) (*Index, error) {
	return New(func(o *Options) {
		o.Dimension = dimension
		o.Metric = metric
		o.M = params.M
		o.EFConstruction = params.EFConstruction
		o.EFSearch = params.EFSearch
		o.MaxElements = params.MaxElements
		o.RandomSeed = params.RandomSeed
	})
}

// Size returns the number of live vectors in the index.
func (h *Index) Size() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.nodes)
}

// Dimension returns the configured vector dimensionality.
func (h *Index) Dimension() int {
	return h.opts.Dimension
}

// Contains reports whether the id is live in the index.
func (h *Index) Contains(id uint64) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.nodes[id]
	return ok
}

// MemoryUsage returns the approximate memory footprint of the graph store in
// bytes, counting vectors and adjacency lists.
func (h *Index) MemoryUsage() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	total := 0
	for _, n := range h.nodes {
		total += 8                  // id
		total += 4 * len(n.vector)  // vector data
		total += 24 * len(n.layers) // slice headers
		for _, conns := range n.layers {
			total += 8 * len(conns)
		}
	}
	return total
}

// randomLayer draws a level from the exponential decay distribution
// floor(-ln(r) / ln(M)), capped at maxAssignableLayer.
func (h *Index) randomLayer() int {
	r := h.rng.Float64()
	if r <= math.SmallestNonzeroFloat64 {
		return 0
	}
	layer := int(math.Floor(-math.Log(r) * h.ml))
	if layer > maxAssignableLayer {
		layer = maxAssignableLayer
	}
	return layer
}

// maxConnections returns the neighbor cap for a layer.
func (h *Index) maxConnections(layer int) int {
	if layer == 0 {
		return mmax0Multiplier * h.opts.M
	}
	return h.opts.M
}

// dist computes the distance between a query vector and a stored node.
// Missing nodes are treated as infinitely far.
func (h *Index) dist(v []float32, id uint64) float32 {
	n, ok := h.nodes[id]
	if !ok {
		return math.MaxFloat32
	}
	return h.distFunc(v, n.vector)
}

// distBetween computes the distance between two stored nodes.
func (h *Index) distBetween(id1, id2 uint64) float32 {
	n1, ok1 := h.nodes[id1]
	n2, ok2 := h.nodes[id2]
	if !ok1 || !ok2 {
		return math.MaxFloat32
	}
	return h.distFunc(n1.vector, n2.vector)
}

// greedyDescent walks from start at fromLayer down to toLayer+1, hopping to
// a strictly closer neighbor at each layer until no improvement remains.
func (h *Index) greedyDescent(v []float32, start uint64, startDist float32, fromLayer, toLayer int) (uint64, float32) {
	currID, currDist := start, startDist

	for layer := fromLayer; layer > toLayer; layer-- {
		changed := true
		for changed {
			changed = false
			curr, ok := h.nodes[currID]
			if !ok {
				return currID, currDist
			}
			for _, nextID := range curr.neighbors(layer) {
				nextDist := h.dist(v, nextID)
				if nextDist < currDist {
					currID = nextID
					currDist = nextDist
					changed = true
				}
			}
		}
	}

	return currID, currDist
}

// searchLayer runs the bounded best-first search at one layer, returning a
// max-heap of up to ef results (worst on top).
//
// The frontier traverses unfiltered so a filter cannot trap the search in an
// excluded region; only the result heap is filtered, which makes the beam
// over-fetch until enough matching candidates are found or the frontier is
// exhausted.
func (h *Index) searchLayer(v []float32, epID uint64, epDist float32, layer, ef int, filter func(uint64) bool) *queue.PriorityQueue {
	vis := h.visitedPool.Get().(*visited.Set)
	defer func() {
		vis.Reset()
		h.visitedPool.Put(vis)
	}()

	candidates := queue.NewMin(ef) // exploration frontier, closest first
	results := queue.NewMax(ef)    // kept results, worst on top

	vis.Visit(epID)
	candidates.Push(queue.Item{Node: epID, Distance: epDist})
	if filter == nil || filter(epID) {
		results.Push(queue.Item{Node: epID, Distance: epDist})
	}

	for candidates.Len() > 0 {
		curr, _ := candidates.Pop()

		if results.Len() >= ef {
			if worst, ok := results.Top(); ok && curr.Distance > worst.Distance {
				break
			}
		}

		n, ok := h.nodes[curr.Node]
		if !ok {
			continue
		}

		for _, nextID := range n.neighbors(layer) {
			if vis.Visited(nextID) {
				continue
			}
			vis.Visit(nextID)

			nextDist := h.dist(v, nextID)

			if results.Len() >= ef {
				if worst, ok := results.Top(); ok && nextDist > worst.Distance && filter == nil {
					continue
				}
			}

			candidates.Push(queue.Item{Node: nextID, Distance: nextDist})

			if filter == nil || filter(nextID) {
				results.Push(queue.Item{Node: nextID, Distance: nextDist})
				if results.Len() > ef {
					results.Pop()
				}
			}
		}
	}

	return results
}

// selectNeighbors picks at most m diverse neighbors from a max-heap of
// candidates. A candidate is rejected when it lies closer to an already
// selected neighbor than to the insertion target, which avoids redundant
// clustering (relative neighborhood graph heuristic). Rejected candidates
// backfill if fewer than m survive.
func (h *Index) selectNeighbors(results *queue.PriorityQueue, m int) []uint64 {
	// Drain the max-heap into ascending order, closest first.
	sorted := make([]queue.Item, results.Len())
	for i := len(sorted) - 1; i >= 0; i-- {
		sorted[i], _ = results.Pop()
	}

	selected := make([]uint64, 0, m)
	spill := make([]uint64, 0, len(sorted))

	for _, cand := range sorted {
		if len(selected) >= m {
			break
		}

		good := true
		for _, sel := range selected {
			if h.distBetween(cand.Node, sel) < cand.Distance {
				good = false
				break
			}
		}

		if good {
			selected = append(selected, cand.Node)
		} else {
			spill = append(spill, cand.Node)
		}
	}

	for _, id := range spill {
		if len(selected) >= m {
			break
		}
		selected = append(selected, id)
	}

	return selected
}

// pruneConnections re-runs neighbor selection for a node whose list exceeds
// the layer cap, dropping its worst diversity-ranked edges.
func (h *Index) pruneConnections(id uint64, layer, maxConns int) {
	n, ok := h.nodes[id]
	if !ok || layer > n.maxLayer || len(n.layers[layer]) <= maxConns {
		return
	}

	candidates := queue.NewMax(len(n.layers[layer]))
	for _, neighborID := range n.layers[layer] {
		candidates.Push(queue.Item{Node: neighborID, Distance: h.distBetween(id, neighborID)})
	}

	n.layers[layer] = h.selectNeighbors(candidates, maxConns)
}
