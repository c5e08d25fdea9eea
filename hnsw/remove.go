package hnsw

import (
	"github.com/smallworld-db/smallworld/internal/queue"
)

// Remove deletes the vector with the given id, unlinking it from every
// neighbor and repairing the hole it leaves. Former neighbors get a fresh
// neighbor selection over their two-hop neighborhood so the graph stays
// navigable. Removing the entry point promotes the highest remaining node.
func (h *Index) Remove(id uint64) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	n, ok := h.nodes[id]
	if !ok {
		return &ErrVectorNotFound{ID: id}
	}

	// Unlink the node from its neighbors, then reconnect each former
	// neighbor across the union of its remaining adjacency and the removed
	// node's other neighbors at that layer.
	for layer := 0; layer <= n.maxLayer; layer++ {
		former := n.layers[layer]

		for _, neighborID := range former {
			h.dropConnection(neighborID, id, layer)
		}

		maxConns := h.maxConnections(layer)
		for _, neighborID := range former {
			h.reconnect(neighborID, id, former, layer, maxConns)
		}
	}

	delete(h.nodes, id)
	h.freed.Add(id)

	if h.entryPoint == id {
		h.promoteEntryPoint()
	}

	return nil
}

// dropConnection removes target from the node's adjacency list at the layer.
func (h *Index) dropConnection(id, target uint64, layer int) {
	n, ok := h.nodes[id]
	if !ok || layer > n.maxLayer {
		return
	}

	conns := n.layers[layer]
	for i, c := range conns {
		if c == target {
			n.layers[layer] = append(conns[:i], conns[i+1:]...)
			return
		}
	}
}

// reconnect runs a fresh diversity-aware neighbor selection for a node that
// just lost an edge. Candidates are its surviving neighbors plus the removed
// node's other former neighbors at the same layer.
func (h *Index) reconnect(id, removed uint64, former []uint64, layer, maxConns int) {
	n, ok := h.nodes[id]
	if !ok || layer > n.maxLayer {
		return
	}

	seen := map[uint64]struct{}{id: {}, removed: {}}
	candidates := queue.NewMax(len(n.layers[layer]) + len(former))

	push := func(candID uint64) {
		if _, dup := seen[candID]; dup {
			return
		}
		seen[candID] = struct{}{}
		if _, live := h.nodes[candID]; !live {
			return
		}
		candidates.Push(queue.Item{Node: candID, Distance: h.distBetween(id, candID)})
	}

	for _, c := range n.layers[layer] {
		push(c)
	}
	for _, c := range former {
		push(c)
	}

	if candidates.Len() == 0 {
		n.layers[layer] = n.layers[layer][:0]
		return
	}

	selected := h.selectNeighbors(candidates, maxConns)
	n.layers[layer] = selected

	// Selection is one-sided; mirror any edge the neighbor does not have.
	for _, selID := range selected {
		h.addConnection(selID, id, layer, maxConns)
	}
}

// promoteEntryPoint picks the live node with the highest top layer as the
// new entry point, or resets the graph to empty if none remain.
func (h *Index) promoteEntryPoint() {
	h.entryPoint = invalidID
	h.maxLayer = 0

	for id, n := range h.nodes {
		if h.entryPoint == invalidID || n.maxLayer > h.maxLayer {
			h.entryPoint = id
			h.maxLayer = n.maxLayer
		}
	}
}
