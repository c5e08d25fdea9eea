package hnsw

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
	"github.com/smallworld-db/smallworld/distance"
)

const (
	// snapshotMagic spells "HNSW".
	snapshotMagic = uint32(0x484E5357)

	snapshotVersion = uint32(1)
)

// countingWriter wraps an io.Writer and tracks the number of bytes written.
type countingWriter struct {
	w io.Writer
	n int64
}

func (cw *countingWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	cw.n += int64(n)
	return n, err
}

// countingReader wraps an io.Reader and tracks the number of bytes read.
type countingReader struct {
	r io.Reader
	n int64
}

func (cr *countingReader) Read(p []byte) (int, error) {
	n, err := cr.r.Read(p)
	cr.n += int64(n)
	return n, err
}

// WriteTo serializes the graph. The layout is a fixed header (magic,
// version, dimension, metric, construction parameters, entry point, top
// layer, node count) followed by one record per node carrying its id,
// vector and per-layer adjacency lists.
func (h *Index) WriteTo(w io.Writer) (int64, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	cw := &countingWriter{w: w}

	header := []uint32{
		snapshotMagic,
		snapshotVersion,
		uint32(h.opts.Dimension),
		uint32(h.opts.Metric),
		uint32(h.opts.M),
		uint32(h.opts.EFConstruction),
		uint32(h.opts.EFSearch),
		uint32(h.opts.MaxElements),
	}
	for _, v := range header {
		if err := binary.Write(cw, binary.LittleEndian, v); err != nil {
			return cw.n, fmt.Errorf("write header: %w", err)
		}
	}

	if err := binary.Write(cw, binary.LittleEndian, h.entryPoint); err != nil {
		return cw.n, fmt.Errorf("write entry point: %w", err)
	}
	if err := binary.Write(cw, binary.LittleEndian, uint32(h.maxLayer)); err != nil {
		return cw.n, fmt.Errorf("write max layer: %w", err)
	}
	if err := binary.Write(cw, binary.LittleEndian, uint64(len(h.nodes))); err != nil {
		return cw.n, fmt.Errorf("write node count: %w", err)
	}

	for id, n := range h.nodes {
		if err := binary.Write(cw, binary.LittleEndian, id); err != nil {
			return cw.n, fmt.Errorf("write node %d: %w", id, err)
		}
		if err := binary.Write(cw, binary.LittleEndian, n.vector); err != nil {
			return cw.n, fmt.Errorf("write vector %d: %w", id, err)
		}
		if err := binary.Write(cw, binary.LittleEndian, uint32(n.maxLayer)); err != nil {
			return cw.n, fmt.Errorf("write layer count %d: %w", id, err)
		}
		for _, conns := range n.layers {
			if err := binary.Write(cw, binary.LittleEndian, uint32(len(conns))); err != nil {
				return cw.n, fmt.Errorf("write adjacency %d: %w", id, err)
			}
			if len(conns) > 0 {
				if err := binary.Write(cw, binary.LittleEndian, conns); err != nil {
					return cw.n, fmt.Errorf("write adjacency %d: %w", id, err)
				}
			}
		}
	}

	return cw.n, nil
}

// ReadFrom deserializes a graph written by WriteTo, replacing the index
// contents. Decoding stages into fresh state and swaps only after the whole
// stream parses, so a truncated or corrupt snapshot leaves the index as it
// was.
func (h *Index) ReadFrom(r io.Reader) (int64, error) {
	cr := &countingReader{r: r}

	var magic, version uint32
	if err := binary.Read(cr, binary.LittleEndian, &magic); err != nil {
		return cr.n, fmt.Errorf("read magic: %w", err)
	}
	if magic != snapshotMagic {
		return cr.n, ErrInvalidMagic
	}
	if err := binary.Read(cr, binary.LittleEndian, &version); err != nil {
		return cr.n, fmt.Errorf("read version: %w", err)
	}
	if version != snapshotVersion {
		return cr.n, ErrInvalidVersion
	}

	var dimension, metric, m, efConstruction, efSearch, maxElements uint32
	for _, dst := range []*uint32{&dimension, &metric, &m, &efConstruction, &efSearch, &maxElements} {
		if err := binary.Read(cr, binary.LittleEndian, dst); err != nil {
			return cr.n, fmt.Errorf("read header: %w", err)
		}
	}

	if int(dimension) != h.opts.Dimension {
		return cr.n, &ErrDimensionMismatch{Expected: h.opts.Dimension, Actual: int(dimension)}
	}
	if distance.Metric(metric) != h.opts.Metric {
		return cr.n, fmt.Errorf("snapshot metric %v does not match index metric %v",
			distance.Metric(metric), h.opts.Metric)
	}
	if int(m) < minimumM {
		return cr.n, fmt.Errorf("snapshot M %d out of range", m)
	}

	var entryPoint uint64
	var maxLayer uint32
	var count uint64
	if err := binary.Read(cr, binary.LittleEndian, &entryPoint); err != nil {
		return cr.n, fmt.Errorf("read entry point: %w", err)
	}
	if err := binary.Read(cr, binary.LittleEndian, &maxLayer); err != nil {
		return cr.n, fmt.Errorf("read max layer: %w", err)
	}
	if err := binary.Read(cr, binary.LittleEndian, &count); err != nil {
		return cr.n, fmt.Errorf("read node count: %w", err)
	}

	nodes := make(map[uint64]*node, count)
	for i := uint64(0); i < count; i++ {
		var id uint64
		if err := binary.Read(cr, binary.LittleEndian, &id); err != nil {
			return cr.n, fmt.Errorf("read node %d: %w", i, err)
		}
		if id == invalidID {
			return cr.n, fmt.Errorf("node %d: id is reserved", i)
		}

		vector := make([]float32, dimension)
		if err := binary.Read(cr, binary.LittleEndian, vector); err != nil {
			return cr.n, fmt.Errorf("read vector %d: %w", id, err)
		}

		var nodeMaxLayer uint32
		if err := binary.Read(cr, binary.LittleEndian, &nodeMaxLayer); err != nil {
			return cr.n, fmt.Errorf("read layer count %d: %w", id, err)
		}
		if nodeMaxLayer > maxAssignableLayer {
			return cr.n, fmt.Errorf("node %d: layer %d out of range", id, nodeMaxLayer)
		}

		n := newNode(id, vector, int(nodeMaxLayer))
		for layer := 0; layer <= int(nodeMaxLayer); layer++ {
			var connCount uint32
			if err := binary.Read(cr, binary.LittleEndian, &connCount); err != nil {
				return cr.n, fmt.Errorf("read adjacency %d: %w", id, err)
			}
			if connCount > 0 {
				conns := make([]uint64, connCount)
				if err := binary.Read(cr, binary.LittleEndian, conns); err != nil {
					return cr.n, fmt.Errorf("read adjacency %d: %w", id, err)
				}
				n.layers[layer] = conns
			}
		}
		nodes[id] = n
	}

	if count > 0 {
		if _, ok := nodes[entryPoint]; !ok {
			return cr.n, fmt.Errorf("entry point %d not present in snapshot", entryPoint)
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.opts.M = int(m)
	h.opts.EFConstruction = int(efConstruction)
	h.opts.EFSearch = int(efSearch)
	h.opts.MaxElements = int(maxElements)
	h.ml = 1 / math.Log(float64(h.opts.M))
	h.nodes = nodes
	h.entryPoint = entryPoint
	h.maxLayer = int(maxLayer)
	h.freed = roaring64.New()

	return cr.n, nil
}

// Clone returns a deep copy of the index that shares no mutable state with
// the original. The copy gets its own clock-seeded level generator so a
// clone and its source diverge on subsequent inserts.
func (h *Index) Clone() (*Index, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	opts := h.opts
	opts.RandomSeed = nil

	clone, err := New(func(o *Options) { *o = opts })
	if err != nil {
		return nil, err
	}

	clone.entryPoint = h.entryPoint
	clone.maxLayer = h.maxLayer
	clone.freed = h.freed.Clone()

	for id, n := range h.nodes {
		vector := make([]float32, len(n.vector))
		copy(vector, n.vector)

		cn := newNode(id, vector, n.maxLayer)
		for layer, conns := range n.layers {
			if len(conns) > 0 {
				cn.layers[layer] = append([]uint64(nil), conns...)
			}
		}
		clone.nodes[id] = cn
	}

	return clone, nil
}
