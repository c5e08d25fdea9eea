package hnsw

import (
	"sort"

	"github.com/smallworld-db/smallworld/model"
)

// Search returns the k approximate nearest neighbors of the query vector,
// closest first. The beam width is max(params.EFSearch, k), falling back to
// the index default when params.EFSearch is zero. A non-nil params.Filter
// restricts results to matching ids without steering the traversal.
func (h *Index) Search(query []float32, k int, params model.SearchParams) ([]model.SearchResultItem, error) {
	if k < 1 {
		return nil, ErrInvalidK
	}
	if len(query) != h.opts.Dimension {
		return nil, &ErrDimensionMismatch{Expected: h.opts.Dimension, Actual: len(query)}
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.entryPoint == invalidID {
		return []model.SearchResultItem{}, nil
	}

	ef := params.EFSearch
	if ef <= 0 {
		ef = h.opts.EFSearch
	}
	if ef < k {
		ef = k
	}

	currID := h.entryPoint
	currDist := h.dist(query, currID)
	currID, currDist = h.greedyDescent(query, currID, currDist, h.maxLayer, 0)

	results := h.searchLayer(query, currID, currDist, 0, ef, params.Filter)

	items := make([]model.SearchResultItem, results.Len())
	for i := len(items) - 1; i >= 0; i-- {
		it, _ := results.Pop()
		items[i] = model.SearchResultItem{ID: it.Node, Distance: it.Distance}
	}

	if len(items) > k {
		items = items[:k]
	}

	return items, nil
}

// BruteSearch scans every live vector and returns the exact k nearest
// neighbors. Intended for recall measurement and small indexes.
func (h *Index) BruteSearch(query []float32, k int, filter func(id uint64) bool) ([]model.SearchResultItem, error) {
	if k < 1 {
		return nil, ErrInvalidK
	}
	if len(query) != h.opts.Dimension {
		return nil, &ErrDimensionMismatch{Expected: h.opts.Dimension, Actual: len(query)}
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	items := make([]model.SearchResultItem, 0, len(h.nodes))
	for id, n := range h.nodes {
		if filter != nil && !filter(id) {
			continue
		}
		items = append(items, model.SearchResultItem{ID: id, Distance: h.distFunc(query, n.vector)})
	}

	sort.Slice(items, func(i, j int) bool {
		if items[i].Distance != items[j].Distance {
			return items[i].Distance < items[j].Distance
		}
		return items[i].ID < items[j].ID
	})

	if len(items) > k {
		items = items[:k]
	}

	return items, nil
}
