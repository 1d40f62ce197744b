package spill

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBitmapAllocateExhaustsThenFails(t *testing.T) {
	b := NewBitmap(64)

	seen := make(map[uint32]bool)
	for i := 0; i < 64; i++ {
		slot, ok := b.Allocate()
		require.True(t, ok, "slot %d", i)
		require.False(t, seen[slot], "duplicate slot %d", slot)
		seen[slot] = true
	}

	_, ok := b.Allocate()
	require.False(t, ok, "bitmap should be exhausted")
}

func TestBitmapFreeAllowsReallocation(t *testing.T) {
	b := NewBitmap(10)

	slots := make([]uint32, 5)
	for i := range slots {
		slot, ok := b.Allocate()
		require.True(t, ok)
		slots[i] = slot
	}

	for _, slot := range slots {
		b.Free(slot)
	}

	for i := 0; i < 5; i++ {
		_, ok := b.Allocate()
		require.True(t, ok, "reallocate after free")
	}
}

func TestBitmapClearResetsCount(t *testing.T) {
	b := NewBitmap(32)

	for i := 0; i < 32; i++ {
		b.Allocate()
	}
	require.EqualValues(t, 32, b.Count())

	b.Clear()
	require.Zero(t, b.Count())

	slot, ok := b.Allocate()
	require.True(t, ok)
	require.EqualValues(t, 0, slot)
}

func TestBitmapExtendGrowsCapacity(t *testing.T) {
	b := NewBitmap(10)

	for i := 0; i < 10; i++ {
		_, ok := b.Allocate()
		require.True(t, ok)
	}

	b.Extend(20)
	require.EqualValues(t, 20, b.Capacity())

	for i := 0; i < 10; i++ {
		slot, ok := b.Allocate()
		require.True(t, ok, "allocate after extend")
		require.GreaterOrEqual(t, slot, uint32(10))
	}
}

func TestBitmapIsAllocatedTracksFreeState(t *testing.T) {
	b := NewBitmap(10)

	slot, ok := b.Allocate()
	require.True(t, ok)
	require.True(t, b.IsAllocated(slot))
	require.False(t, b.IsAllocated(9))

	b.Free(slot)
	require.False(t, b.IsAllocated(slot))
}

func newTestBuffer(t *testing.T, pageSize, initialCap uint32) *Buffer {
	t.Helper()
	path := filepath.Join(t.TempDir(), "spill.dat")
	buf, err := New(path, pageSize, initialCap)
	require.NoError(t, err)
	t.Cleanup(func() { buf.Close(true) })
	return buf
}

func TestBufferNewReportsConfiguredSizes(t *testing.T) {
	buf := newTestBuffer(t, 4096, 100)
	require.EqualValues(t, 100, buf.Capacity())
	require.EqualValues(t, 4096, buf.PageSize())
}

func TestBufferAllocateRoundTripsThroughGet(t *testing.T) {
	buf := newTestBuffer(t, 4096, 10)

	data, slot, err := buf.Allocate()
	require.NoError(t, err)
	require.Len(t, data, 4096)
	require.NotNil(t, slot)

	copy(data, []byte("hello spill buffer"))

	readData := buf.Get(slot)
	require.Equal(t, "hello spill buffer", string(readData[:len("hello spill buffer")]))
}

func TestBufferReleaseDecrementsCount(t *testing.T) {
	buf := newTestBuffer(t, 4096, 10)

	_, slot, err := buf.Allocate()
	require.NoError(t, err)
	require.EqualValues(t, 1, buf.AllocatedCount())

	buf.Release(slot)
	require.Zero(t, buf.AllocatedCount())
}

func TestBufferReleaseBulkFreesAll(t *testing.T) {
	buf := newTestBuffer(t, 4096, 10)

	slots := make([]*Slot, 5)
	for i := range slots {
		_, slot, err := buf.Allocate()
		require.NoError(t, err)
		slots[i] = slot
	}
	require.EqualValues(t, 5, buf.AllocatedCount())

	buf.ReleaseBulk(slots)
	require.Zero(t, buf.AllocatedCount())
}

func TestBufferGrowsNewSegmentOnDemand(t *testing.T) {
	buf := newTestBuffer(t, 4096, 5)

	for i := 0; i < 5; i++ {
		_, _, err := buf.Allocate()
		require.NoError(t, err)
	}
	require.EqualValues(t, 5, buf.Capacity())

	_, slot6, err := buf.Allocate()
	require.NoError(t, err)
	require.EqualValues(t, 10, buf.Capacity())
	require.EqualValues(t, 1, slot6.SegmentIdx)

	for i := 0; i < 4; i++ {
		_, _, err := buf.Allocate()
		require.NoError(t, err, "allocate in second segment")
	}
}

func TestBufferAutoExtendAcrossManySegments(t *testing.T) {
	buf := newTestBuffer(t, 4096, 2)

	for i := 0; i < 10; i++ {
		_, _, err := buf.Allocate()
		require.NoError(t, err, "slot %d", i)
	}

	require.GreaterOrEqual(t, buf.Capacity(), uint32(10))
}

func TestBufferClearResetsAllocationsNotCapacity(t *testing.T) {
	buf := newTestBuffer(t, 4096, 10)

	for i := 0; i < 5; i++ {
		buf.Allocate()
	}
	require.EqualValues(t, 5, buf.AllocatedCount())

	buf.Clear()
	require.Zero(t, buf.AllocatedCount())
	require.EqualValues(t, 10, buf.Capacity())
}

func TestBufferCloseWithAndWithoutDelete(t *testing.T) {
	path := filepath.Join(t.TempDir(), "spill.dat")

	buf, err := New(path, 4096, 10)
	require.NoError(t, err)
	require.NoError(t, buf.Close(false))

	reopened, err := New(path, 4096, 10)
	require.NoError(t, err, "reopen after Close(false)")
	require.NoError(t, reopened.Close(true))

	fresh, err := New(path, 4096, 10)
	require.NoError(t, err)
	require.NoError(t, fresh.Close(true))
}

func TestBufferDataSurvivesReleaseAndReallocate(t *testing.T) {
	buf := newTestBuffer(t, 4096, 10)

	data1, slot1, err := buf.Allocate()
	require.NoError(t, err)
	copy(data1, []byte("persistent data test"))
	require.Equal(t, "persistent data test", string(buf.Get(slot1)[:len("persistent data test")]))

	buf.Release(slot1)

	data2, slot2, err := buf.Allocate()
	require.NoError(t, err)
	copy(data2, []byte("new data"))
	require.Equal(t, "new data", string(buf.Get(slot2)[:len("new data")]))
}
