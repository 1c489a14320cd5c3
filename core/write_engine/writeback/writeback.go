// Package writeback tracks inodes with dirty file data and flushes
// them around the transaction commit. The commit pipeline starts
// writeback for every dirty inode before it serializes metadata, then
// waits for those flushes after submitting the segment, so file data
// reaches disk within the same commit that records its metadata.
package writeback

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// FlushFunc writes one inode's dirty data. It runs on its own
// goroutine during commit and must be safe to retry.
type FlushFunc func(ctx context.Context) error

// batch is one started round of flushes.
type batch struct {
	wg sync.WaitGroup

	mu       sync.Mutex
	firstErr error
}

func (b *batch) fail(err error) {
	b.mu.Lock()
	if b.firstErr == nil {
		b.firstErr = err
	}
	b.mu.Unlock()
}

// Tracker is the per-mount dirty inode registry.
type Tracker struct {
	log *zap.Logger

	mu      sync.Mutex
	dirty   map[uint64]FlushFunc
	started *batch
}

// New creates an empty tracker.
func New(log *zap.Logger) *Tracker {
	if log == nil {
		log = zap.NewNop()
	}
	return &Tracker{
		log:   log.Named("writeback"),
		dirty: make(map[uint64]FlushFunc),
	}
}

// MarkDirty registers an inode whose data must be flushed by the next
// commit. Re-marking replaces the flush function.
func (t *Tracker) MarkDirty(ino uint64, flush FlushFunc) {
	t.mu.Lock()
	t.dirty[ino] = flush
	t.mu.Unlock()
}

// DirtyCount returns the number of inodes waiting for writeback.
func (t *Tracker) DirtyCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.dirty)
}

// WalkWriteback with start=true begins asynchronous writeback of all
// currently dirty inodes; with start=false it waits for the round
// started earlier and returns the first flush error. An inode whose
// flush fails is marked dirty again so the next commit retries it.
func (t *Tracker) WalkWriteback(ctx context.Context, start bool) error {
	if start {
		t.startRound(ctx)
		return nil
	}

	t.mu.Lock()
	b := t.started
	t.started = nil
	t.mu.Unlock()
	if b == nil {
		return nil
	}
	b.wg.Wait()

	b.mu.Lock()
	defer b.mu.Unlock()
	return b.firstErr
}

func (t *Tracker) startRound(ctx context.Context) {
	t.mu.Lock()
	snapshot := t.dirty
	t.dirty = make(map[uint64]FlushFunc)
	b := &batch{}
	t.started = b
	t.mu.Unlock()

	for ino, flush := range snapshot {
		b.wg.Add(1)
		go func(ino uint64, flush FlushFunc) {
			defer b.wg.Done()
			if err := flush(ctx); err != nil {
				t.log.Error("inode writeback failed", zap.Uint64("ino", ino), zap.Error(err))
				b.fail(err)
				// Stays dirty so the next commit writes it again.
				t.MarkDirty(ino, flush)
			}
		}(ino, flush)
	}
}
