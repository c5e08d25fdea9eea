package hnsw

import (
	"github.com/RoaringBitmap/roaring/v2/roaring64"
)

// OptimizeGraph re-runs diversity-based neighbor selection across the whole
// graph. Over-connected nodes are pruned back under the layer cap and
// under-connected nodes (fewer than M/2 neighbors at layer 0) get their
// neighborhood rebuilt from a fresh beam search. Graphs below a small node
// count are left untouched since a full rebuild costs more than it saves.
func (h *Index) OptimizeGraph() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.nodes) < optimizeFloor {
		return
	}

	for id, n := range h.nodes {
		for layer := 0; layer <= n.maxLayer; layer++ {
			maxConns := h.maxConnections(layer)

			if len(n.layers[layer]) > maxConns {
				h.pruneConnections(id, layer, maxConns)
			}
		}

		if len(n.layers[0]) < h.opts.M/2 {
			h.repairNode(id, n)
		}
	}
}

// repairNode rebuilds a sparsely connected node's layer 0 adjacency with a
// beam search from the entry point, excluding the node itself.
func (h *Index) repairNode(id uint64, n *node) {
	if h.entryPoint == invalidID || h.entryPoint == id {
		return
	}

	epDist := h.dist(n.vector, h.entryPoint)
	currID, currDist := h.greedyDescent(n.vector, h.entryPoint, epDist, h.maxLayer, 0)
	if currID == id {
		return
	}

	results := h.searchLayer(n.vector, currID, currDist, 0, h.opts.EFConstruction, func(cand uint64) bool {
		return cand != id
	})

	maxConns := h.maxConnections(0)
	neighbors := h.selectNeighbors(results, h.opts.M)
	n.layers[0] = neighbors

	for _, neighborID := range neighbors {
		h.addConnection(neighborID, id, 0, maxConns)
	}
}

// CompactIndex strips adjacency references that still point at removed ids.
// Remove unlinks the edges the removed node knew about, but pruning makes
// edges asymmetric, so a node can list a removed id the removed node never
// listed back. A no-op when nothing has been freed since the last
// compaction.
func (h *Index) CompactIndex() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.freed.IsEmpty() {
		return
	}

	for _, n := range h.nodes {
		for layer := range n.layers {
			conns := n.layers[layer]
			kept := conns[:0]
			for _, c := range conns {
				if !h.freed.Contains(c) {
					kept = append(kept, c)
				}
			}
			n.layers[layer] = kept
		}
	}

	h.freed = roaring64.New()
}

// FreedCount returns the number of removed ids not yet reclaimed by
// CompactIndex.
func (h *Index) FreedCount() uint64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.freed.GetCardinality()
}
