package blockio

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/sushant-115/kagedb/core/write_engine/segment"
)

func newTestWriter(t *testing.T, opts Options) *Writer {
	t.Helper()
	w, err := NewWriter(t.TempDir(), zaptest.NewLogger(t), opts)
	require.NoError(t, err)
	t.Cleanup(w.Close)
	return w
}

func sealedSegment(t *testing.T, w *Writer, segno uint64) *segment.Segment {
	t.Helper()
	seg, err := w.AllocSegment(segno)
	require.NoError(t, err)
	require.NoError(t, seg.AppendItem([]byte("key"), []byte("value"), false))
	require.NoError(t, seg.Seal())
	return seg
}

func TestSubmitWritesSegmentFile(t *testing.T) {
	w := newTestWriter(t, Options{})
	seg := sealedSegment(t, w, 7)

	comp := w.Submit(seg)
	require.NoError(t, comp.Wait(context.Background()))

	data, err := os.ReadFile(w.SegmentPath(7))
	require.NoError(t, err)
	segno, items, err := segment.Decode(data)
	require.NoError(t, err)
	require.Equal(t, uint64(7), segno)
	require.Len(t, items, 1)
	require.Equal(t, []byte("key"), items[0].Key)
}

func TestSubmitUnsealedSegmentFails(t *testing.T) {
	w := newTestWriter(t, Options{})
	seg, err := w.AllocSegment(1)
	require.NoError(t, err)

	comp := w.Submit(seg)
	require.ErrorIs(t, comp.Wait(context.Background()), segment.ErrSegmentNotFinal)
}

func TestWaitHonorsContext(t *testing.T) {
	w := newTestWriter(t, Options{})
	seg := sealedSegment(t, w, 2)
	comp := w.Submit(seg)

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	err := comp.Wait(cancelled)
	// Either the write already finished or the wait was cancelled;
	// cancelling the wait never cancels the write itself.
	if err != nil {
		require.ErrorIs(t, err, context.Canceled)
	}
	require.NoError(t, comp.Wait(context.Background()))
	_, err = os.Stat(w.SegmentPath(2))
	require.NoError(t, err)
}

func TestThrottledWriteStillCompletes(t *testing.T) {
	// A limiter far above the segment size must not stall the write.
	w := newTestWriter(t, Options{WriteBytesPerSec: 64 << 20})
	seg := sealedSegment(t, w, 3)

	done := make(chan error, 1)
	go func() { done <- w.Submit(seg).Wait(context.Background()) }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("throttled segment write did not complete")
	}
}

func TestClosedWriterRefusesWork(t *testing.T) {
	w, err := NewWriter(t.TempDir(), zaptest.NewLogger(t), Options{})
	require.NoError(t, err)

	seg := sealedSegment(t, w, 9)
	w.Close()
	w.Close() // idempotent

	_, err = w.AllocSegment(10)
	require.ErrorIs(t, err, ErrWriterClosed)
	comp := w.Submit(seg)
	require.ErrorIs(t, comp.Wait(context.Background()), ErrWriterClosed)
}

func TestCloseFinishesQueuedWrites(t *testing.T) {
	w, err := NewWriter(t.TempDir(), zaptest.NewLogger(t), Options{})
	require.NoError(t, err)

	comps := make([]*Completion, 0, 4)
	for i := uint64(0); i < 4; i++ {
		comps = append(comps, w.Submit(sealedSegment(t, w, i)))
	}
	w.Close()

	for i, comp := range comps {
		require.NoError(t, comp.Wait(context.Background()), "segment %d", i)
	}
}
