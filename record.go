package smallworld

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"github.com/smallworld-db/smallworld/model"
)

// metadataStore holds the opaque per-record annotations. Metadata lives
// beside the graph rather than inside it, so maintenance cycles can clone
// and swap the index without copying annotations.
type metadataStore struct {
	mu sync.RWMutex
	m  map[uint64]string
}

func newMetadataStore() *metadataStore {
	return &metadataStore{m: make(map[uint64]string)}
}

func (s *metadataStore) set(id uint64, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if value == "" {
		delete(s.m, id)
		return
	}
	s.m[id] = value
}

func (s *metadataStore) get(id uint64) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.m[id]
}

func (s *metadataStore) delete(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, id)
}

func (s *metadataStore) clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m = make(map[uint64]string)
}

// writeTo serializes the store as a count followed by id/value pairs.
func (s *metadataStore) writeTo(w io.Writer) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := binary.Write(w, binary.LittleEndian, uint64(len(s.m))); err != nil {
		return fmt.Errorf("write metadata count: %w", err)
	}
	for id, value := range s.m {
		if err := binary.Write(w, binary.LittleEndian, id); err != nil {
			return fmt.Errorf("write metadata id: %w", err)
		}
		if err := binary.Write(w, binary.LittleEndian, uint32(len(value))); err != nil {
			return fmt.Errorf("write metadata length: %w", err)
		}
		if _, err := io.WriteString(w, value); err != nil {
			return fmt.Errorf("write metadata value: %w", err)
		}
	}
	return nil
}

// decodeMetadata parses a section written by writeTo without applying it,
// so callers can stage it until the rest of the snapshot parses.
func decodeMetadata(r io.Reader) (map[uint64]string, error) {
	var count uint64
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return nil, fmt.Errorf("read metadata count: %w", err)
	}

	m := make(map[uint64]string, count)
	for i := uint64(0); i < count; i++ {
		var id uint64
		var length uint32
		if err := binary.Read(r, binary.LittleEndian, &id); err != nil {
			return nil, fmt.Errorf("read metadata id: %w", err)
		}
		if err := binary.Read(r, binary.LittleEndian, &length); err != nil {
			return nil, fmt.Errorf("read metadata length: %w", err)
		}
		buf := make([]byte, length)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, fmt.Errorf("read metadata value: %w", err)
		}
		m[id] = string(buf)
	}

	return m, nil
}

func (s *metadataStore) replace(m map[uint64]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m = m
}

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

// InsertRecord adds a full record: vector plus optional metadata. The
// duplicate-id policy applies as in Insert.
func (db *DB) InsertRecord(ctx context.Context, record model.VectorRecord) error {
	if err := db.Insert(ctx, record.ID, record.Vector); err != nil {
		return err
	}
	db.meta.set(record.ID, record.Metadata)
	return nil
}

// GetRecord returns the full stored record for the id.
func (db *DB) GetRecord(id uint64) (model.VectorRecord, error) {
	vector, err := db.Get(id)
	if err != nil {
		return model.VectorRecord{}, err
	}
	return model.VectorRecord{
		ID:       id,
		Vector:   vector,
		Metadata: db.meta.get(id),
	}, nil
}
