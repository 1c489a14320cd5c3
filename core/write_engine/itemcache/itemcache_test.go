package itemcache

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/sushant-115/kagedb/core/write_engine/segment"
	"github.com/sushant-115/kagedb/core/write_engine/trans"
)

type fakeTracker struct {
	items int
	vals  int
	calls int
}

func (f *fakeTracker) TrackItem(rsv *trans.Reservation, items, vals int) {
	f.items += items
	f.vals += vals
	f.calls++
}

func newTestCache(t *testing.T) (*Cache, *fakeTracker) {
	t.Helper()
	c := New(zaptest.NewLogger(t))
	tr := &fakeTracker{}
	c.tr = tr
	return c, tr
}

func TestInsertTracksDirtyDeltas(t *testing.T) {
	c, tr := newTestCache(t)
	rsv := trans.NewReservation()

	c.Insert(rsv, []byte("a"), []byte("hello"))
	items, vals := c.DirtyCounts()
	require.Equal(t, 1, items)
	require.Equal(t, 5, vals)
	require.Equal(t, 1, tr.items)
	require.Equal(t, 5, tr.vals)

	// Rewriting a dirty item only contributes the value delta.
	c.Insert(rsv, []byte("a"), []byte("hi"))
	items, vals = c.DirtyCounts()
	require.Equal(t, 1, items)
	require.Equal(t, 2, vals)
	require.Equal(t, 1, tr.items)
	require.Equal(t, 2, tr.vals)

	got, err := c.Get([]byte("a"))
	require.NoError(t, err)
	require.Equal(t, []byte("hi"), got)
	require.True(t, c.HasDirty())
}

func TestDeleteDirtyItemIsNegativeContribution(t *testing.T) {
	c, tr := newTestCache(t)
	rsv := trans.NewReservation()

	c.Insert(rsv, []byte("a"), []byte("value"))
	require.NoError(t, c.Delete(rsv, []byte("a")))

	// The tombstone replaces the dirty item: same item count, the
	// value bytes come back.
	items, vals := c.DirtyCounts()
	require.Equal(t, 1, items)
	require.Zero(t, vals)
	require.Equal(t, 1, tr.items)
	require.Zero(t, tr.vals)

	_, err := c.Get([]byte("a"))
	require.ErrorIs(t, err, ErrNotFound)
	require.ErrorIs(t, c.Delete(rsv, []byte("a")), ErrNotFound)
}

func TestDeleteCleanItemDirtiesTombstone(t *testing.T) {
	c, _ := newTestCache(t)
	rsv := trans.NewReservation()

	c.Insert(rsv, []byte("a"), []byte("value"))
	c.ClearDirty()
	require.False(t, c.HasDirty())

	require.NoError(t, c.Delete(rsv, []byte("a")))
	items, vals := c.DirtyCounts()
	require.Equal(t, 1, items)
	require.Zero(t, vals)
	require.True(t, c.HasDirty())
}

func TestFillSegmentWritesDirtySetInOrder(t *testing.T) {
	c, _ := newTestCache(t)
	rsv := trans.NewReservation()

	c.Insert(rsv, []byte("zed"), []byte("3"))
	c.Insert(rsv, []byte("apple"), []byte("1"))
	c.Insert(rsv, []byte("mango"), []byte("2"))
	c.ClearDirty()

	// Only the items dirtied after the clear are serialized.
	c.Insert(rsv, []byte("zed"), []byte("33"))
	require.NoError(t, c.Delete(rsv, []byte("apple")))

	seg := segment.Alloc(1)
	require.NoError(t, c.FillSegment(seg))
	data, err := seg.Bytes()
	require.NoError(t, err)

	_, items, err := segment.Decode(data)
	require.NoError(t, err)
	require.Len(t, items, 2)
	require.Equal(t, []byte("apple"), items[0].Key)
	require.True(t, items[0].Tombstone)
	require.Equal(t, []byte("zed"), items[1].Key)
	require.Equal(t, []byte("33"), items[1].Val)
}

func TestClearDirtyDropsCommittedTombstones(t *testing.T) {
	c, _ := newTestCache(t)
	rsv := trans.NewReservation()

	c.Insert(rsv, []byte("a"), []byte("1"))
	c.Insert(rsv, []byte("b"), []byte("2"))
	require.NoError(t, c.Delete(rsv, []byte("a")))
	require.Equal(t, 1, c.Len())

	c.ClearDirty()
	require.False(t, c.HasDirty())
	require.Equal(t, 1, c.Len())

	_, err := c.Get([]byte("a"))
	require.ErrorIs(t, err, ErrNotFound)
	got, err := c.Get([]byte("b"))
	require.NoError(t, err)
	require.Equal(t, []byte("2"), got)
}

func TestDirtyFitsSingleIncludesResidentDirt(t *testing.T) {
	c, _ := newTestCache(t)
	rsv := trans.NewReservation()

	require.True(t, c.DirtyFitsSingle(1, segment.SegmentSize/2))

	// Resident dirty bytes shrink what new reservations may take,
	// exactly the situation after a failed commit.
	c.Insert(rsv, []byte("big"), make([]byte, segment.SegmentSize*6/10))
	require.False(t, c.DirtyFitsSingle(1, segment.SegmentSize/2))
	require.True(t, c.DirtyFitsSingle(1, 1024))

	c.ClearDirty()
	require.True(t, c.DirtyFitsSingle(1, segment.SegmentSize/2))
}

func TestEstimateCounts(t *testing.T) {
	c, _ := newTestCache(t)
	require.Equal(t, trans.ItemCount{Items: 1, Vals: 4}, c.EstimateCount([]byte("abcd")))
	require.Equal(t, trans.ItemCount{Items: 1, Vals: 0}, c.EstimateDeleteCount())
}
