package hnsw

import (
	"github.com/RoaringBitmap/roaring/v2/roaring64"
)

// Add inserts a vector under the given id. It returns ErrDimensionMismatch
// if the vector does not match the index dimensionality and ErrDuplicateID
// if the id is already live. The maximum uint64 value is reserved and
// rejected with ErrReservedID.
func (h *Index) Add(id uint64, vector []float32) error {
	if id == invalidID {
		return ErrReservedID
	}
	if len(vector) != h.opts.Dimension {
		return &ErrDimensionMismatch{Expected: h.opts.Dimension, Actual: len(vector)}
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.nodes[id]; ok {
		return &ErrDuplicateID{ID: id}
	}

	// Inserting a previously freed id makes the dangling references to it
	// valid again, so it must no longer be treated as freed.
	h.freed.Remove(id)

	own := make([]float32, len(vector))
	copy(own, vector)

	layer := h.randomLayer()
	n := newNode(id, own, layer)
	h.nodes[id] = n

	if h.entryPoint == invalidID {
		h.entryPoint = id
		h.maxLayer = layer
		return nil
	}

	currID := h.entryPoint
	currDist := h.dist(own, currID)

	// Greedy descent through the layers above the node's top layer.
	if h.maxLayer > layer {
		currID, currDist = h.greedyDescent(own, currID, currDist, h.maxLayer, layer)
	}

	// Beam search and wiring from the node's top layer down to 0.
	top := layer
	if top > h.maxLayer {
		top = h.maxLayer
	}
	for l := top; l >= 0; l-- {
		results := h.searchLayer(own, currID, currDist, l, h.opts.EFConstruction, nil)

		if closest, ok := results.Min(); ok {
			currID = closest.Node
			currDist = closest.Distance
		}

		neighbors := h.selectNeighbors(results, h.opts.M)
		n.layers[l] = neighbors

		maxConns := h.maxConnections(l)
		for _, neighborID := range neighbors {
			h.addConnection(neighborID, id, l, maxConns)
		}
	}

	if layer > h.maxLayer {
		h.maxLayer = layer
		h.entryPoint = id
	}

	return nil
}

// addConnection appends a back edge and prunes the target's list if it
// exceeds the layer cap.
func (h *Index) addConnection(id, newNeighbor uint64, layer, maxConns int) {
	n, ok := h.nodes[id]
	if !ok || layer > n.maxLayer {
		return
	}

	for _, existing := range n.layers[layer] {
		if existing == newNeighbor {
			return
		}
	}

	n.layers[layer] = append(n.layers[layer], newNeighbor)
	if len(n.layers[layer]) > maxConns {
		h.pruneConnections(id, layer, maxConns)
	}
}

// Build replaces the index contents with the given records, inserting them
// in order. It fails fast on the first bad record, leaving the index empty.
// Mismatched slice lengths are rejected before any contents are touched.
func (h *Index) Build(ids []uint64, vectors [][]float32) error {
	if len(ids) != len(vectors) {
		return ErrLengthMismatch
	}

	h.Clear()

	for i, id := range ids {
		if err := h.Add(id, vectors[i]); err != nil {
			h.Clear()
			return err
		}
	}

	return nil
}

// Clear removes all vectors and resets the graph to its empty state.
func (h *Index) Clear() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nodes = make(map[uint64]*node)
	h.entryPoint = invalidID
	h.maxLayer = 0
	h.freed = roaring64.New()
}

// Get returns a copy of the stored vector for the id.
func (h *Index) Get(id uint64) ([]float32, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	n, ok := h.nodes[id]
	if !ok {
		return nil, &ErrVectorNotFound{ID: id}
	}

	out := make([]float32, len(n.vector))
	copy(out, n.vector)
	return out, nil
}

// IDs returns the ids of all live vectors in unspecified order.
func (h *Index) IDs() []uint64 {
	h.mu.RLock()
	defer h.mu.RUnlock()

	ids := make([]uint64, 0, len(h.nodes))
	for id := range h.nodes {
		ids = append(ids, id)
	}
	return ids
}
