package writelog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mapApplier is a minimal replay target.
type mapApplier struct {
	vectors map[uint64][]float32
	ops     []string
}

func newMapApplier() *mapApplier {
	return &mapApplier{vectors: make(map[uint64][]float32)}
}

func (m *mapApplier) Contains(id uint64) bool {
	_, ok := m.vectors[id]
	return ok
}

func (m *mapApplier) Add(id uint64, vector []float32) error {
	m.vectors[id] = vector
	m.ops = append(m.ops, "add")
	return nil
}

func (m *mapApplier) Remove(id uint64) error {
	delete(m.vectors, id)
	m.ops = append(m.ops, "remove")
	return nil
}

func TestDisabledLogDiscards(t *testing.T) {
	log := New()

	assert.False(t, log.Enabled())
	assert.True(t, log.AppendInsert(1, []float32{1}))
	assert.True(t, log.AppendRemove(2))
	assert.Zero(t, log.Len())
	assert.False(t, log.Overflow())

	log.SetEnabled(true)
	assert.True(t, log.Enabled())
	require.True(t, log.AppendRemove(3))
	assert.Equal(t, 1, log.Len())

	log.SetEnabled(false)
	assert.True(t, log.AppendRemove(4))
	assert.Equal(t, 1, log.Len())
}

func TestAppendAndDrainPreservesOrder(t *testing.T) {
	log := New()
	log.SetEnabled(true)

	require.True(t, log.AppendInsert(1, []float32{1}))
	require.True(t, log.AppendRemove(2))
	require.True(t, log.AppendInsert(3, []float32{3}))

	entries := log.Drain()
	require.Len(t, entries, 3)
	assert.Equal(t, OpInsert, entries[0].Type)
	assert.Equal(t, uint64(1), entries[0].ID)
	assert.Equal(t, OpRemove, entries[1].Type)
	assert.Equal(t, uint64(3), entries[2].ID)

	assert.Zero(t, log.Len())
}

func TestAppendCopiesVector(t *testing.T) {
	log := New()
	log.SetEnabled(true)

	v := []float32{1, 2}
	require.True(t, log.AppendInsert(1, v))
	v[0] = 99

	entries := log.Drain()
	assert.Equal(t, float32(1), entries[0].Vector[0])
}

func TestCapacityAndOverflowLatch(t *testing.T) {
	log := New(func(o *Options) {
		o.MaxEntries = 3
		o.WarnThreshold = 2
	})
	log.SetEnabled(true)

	assert.False(t, log.Pressure())

	require.True(t, log.AppendRemove(1))
	require.True(t, log.AppendRemove(2))
	assert.True(t, log.Pressure())
	require.True(t, log.AppendRemove(3))

	assert.False(t, log.AppendRemove(4))
	assert.True(t, log.Overflow())

	// The latch survives even though the next append would fit after a
	// hypothetical race; only Drain or Reset clear it.
	assert.False(t, log.AppendRemove(5))
	assert.True(t, log.Overflow())
	assert.Equal(t, 3, log.Len())

	log.Reset()
	assert.False(t, log.Overflow())
	assert.Zero(t, log.Len())
	require.True(t, log.AppendRemove(6))
}

func TestDefaultCapacity(t *testing.T) {
	log := New(func(o *Options) { o.MaxEntries = 0 })
	log.SetEnabled(true)

	for i := 0; i < DefaultMaxEntries; i++ {
		require.True(t, log.AppendRemove(uint64(i)))
	}
	assert.False(t, log.AppendRemove(uint64(DefaultMaxEntries)))
	assert.True(t, log.Overflow())
}

func TestReplayLastWriteWins(t *testing.T) {
	log := New()
	log.SetEnabled(true)
	target := newMapApplier()

	require.True(t, log.AppendInsert(1, []float32{1}))
	require.True(t, log.AppendInsert(1, []float32{2})) // same id again
	require.True(t, log.AppendRemove(2))               // id 2 was never inserted
	require.True(t, log.AppendInsert(3, []float32{3}))
	require.True(t, log.AppendRemove(3))

	require.NoError(t, log.ReplayTo(target))

	// The colliding insert replaced the stored vector.
	require.True(t, target.Contains(1))
	assert.Equal(t, float32(2), target.vectors[1][0])

	// The remove of a missing id was skipped, not applied.
	assert.False(t, target.Contains(2))

	// Insert then remove of the same id nets out.
	assert.False(t, target.Contains(3))

	// add(1), remove(1)+add(1) for the collision, add(3), remove(3).
	assert.Equal(t, []string{"add", "remove", "add", "add", "remove"}, target.ops)

	assert.Zero(t, log.Len())
}

func TestReplayOntoPopulatedTarget(t *testing.T) {
	log := New()
	log.SetEnabled(true)
	target := newMapApplier()
	require.NoError(t, target.Add(7, []float32{7}))
	target.ops = nil

	require.True(t, log.AppendInsert(7, []float32{70}))
	require.True(t, log.AppendRemove(8))

	require.NoError(t, log.ReplayTo(target))

	assert.Equal(t, float32(70), target.vectors[7][0])
	assert.Equal(t, []string{"remove", "add"}, target.ops)
}
