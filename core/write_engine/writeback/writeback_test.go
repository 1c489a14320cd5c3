package writeback

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestStartAndWaitFlushesAllDirtyInodes(t *testing.T) {
	tr := New(zaptest.NewLogger(t))
	ctx := context.Background()

	var flushed atomic.Int32
	for ino := uint64(1); ino <= 5; ino++ {
		tr.MarkDirty(ino, func(context.Context) error {
			flushed.Add(1)
			return nil
		})
	}
	require.Equal(t, 5, tr.DirtyCount())

	require.NoError(t, tr.WalkWriteback(ctx, true))
	require.NoError(t, tr.WalkWriteback(ctx, false))
	require.Equal(t, int32(5), flushed.Load())
	require.Zero(t, tr.DirtyCount())
}

func TestWaitWithoutStartIsNoop(t *testing.T) {
	tr := New(zaptest.NewLogger(t))
	require.NoError(t, tr.WalkWriteback(context.Background(), false))
}

func TestReMarkReplacesFlush(t *testing.T) {
	tr := New(zaptest.NewLogger(t))
	ctx := context.Background()

	var first, second atomic.Int32
	tr.MarkDirty(1, func(context.Context) error { first.Add(1); return nil })
	tr.MarkDirty(1, func(context.Context) error { second.Add(1); return nil })
	require.Equal(t, 1, tr.DirtyCount())

	require.NoError(t, tr.WalkWriteback(ctx, true))
	require.NoError(t, tr.WalkWriteback(ctx, false))
	require.Zero(t, first.Load())
	require.Equal(t, int32(1), second.Load())
}

func TestFailedFlushStaysDirty(t *testing.T) {
	tr := New(zaptest.NewLogger(t))
	ctx := context.Background()

	boom := errors.New("io error")
	var attempts atomic.Int32
	tr.MarkDirty(7, func(context.Context) error {
		if attempts.Add(1) == 1 {
			return boom
		}
		return nil
	})
	tr.MarkDirty(8, func(context.Context) error { return nil })

	require.NoError(t, tr.WalkWriteback(ctx, true))
	require.ErrorIs(t, tr.WalkWriteback(ctx, false), boom)

	// The failed inode is dirty again; the next round retries it.
	require.Equal(t, 1, tr.DirtyCount())
	require.NoError(t, tr.WalkWriteback(ctx, true))
	require.NoError(t, tr.WalkWriteback(ctx, false))
	require.Equal(t, int32(2), attempts.Load())
	require.Zero(t, tr.DirtyCount())
}

func TestInodesMarkedAfterStartWaitForNextRound(t *testing.T) {
	tr := New(zaptest.NewLogger(t))
	ctx := context.Background()

	var flushed atomic.Int32
	tr.MarkDirty(1, func(context.Context) error { flushed.Add(1); return nil })
	require.NoError(t, tr.WalkWriteback(ctx, true))

	// Dirtied after the walk started: not part of this round.
	tr.MarkDirty(2, func(context.Context) error { flushed.Add(1); return nil })

	require.NoError(t, tr.WalkWriteback(ctx, false))
	require.Equal(t, int32(1), flushed.Load())
	require.Equal(t, 1, tr.DirtyCount())
}
