// Package blockio writes sealed segments to disk asynchronously. The
// commit pipeline submits a segment and gets back a completion handle
// it can wait on after overlapping other work (inode writeback). A
// single background writer goroutine performs the file I/O; segment
// writes are fsynced before their completion signals. An optional
// byte-rate limiter throttles how fast segment data hits the disk.
package blockio

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sushant-115/kagedb/core/write_engine/segment"
)

var (
	ErrWriterClosed = errors.New("segment writer is closed")
)

// Completion tracks one submitted segment write. Wait may be called
// any number of times from any goroutine.
type Completion struct {
	done chan struct{}
	err  error
}

// Wait blocks until the write finishes or ctx is cancelled and
// returns the write's result. Cancelling the wait does not cancel the
// write itself.
func (c *Completion) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return c.err
	}
}

func (c *Completion) complete(err error) {
	c.err = err
	close(c.done)
}

type request struct {
	seg  *segment.Segment
	comp *Completion
}

// Options tunes a Writer.
type Options struct {
	// WriteBytesPerSec throttles segment writes; 0 means unlimited.
	WriteBytesPerSec int
	// QueueDepth bounds submissions in flight; defaults to 4.
	QueueDepth int
}

// Writer owns the segment files of one mount.
type Writer struct {
	log     *zap.Logger
	dir     string
	limiter *rate.Limiter

	mu     sync.Mutex
	closed bool

	queue chan request
	wg    sync.WaitGroup
}

// NewWriter creates the segment directory if needed and starts the
// writer goroutine.
func NewWriter(dir string, log *zap.Logger, opts Options) (*Writer, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create segment directory %s: %w", dir, err)
	}
	depth := opts.QueueDepth
	if depth <= 0 {
		depth = 4
	}
	w := &Writer{
		log:   log.Named("blockio"),
		dir:   dir,
		queue: make(chan request, depth),
	}
	if opts.WriteBytesPerSec > 0 {
		w.limiter = rate.NewLimiter(rate.Limit(opts.WriteBytesPerSec), opts.WriteBytesPerSec)
	}
	w.wg.Add(1)
	go w.writeLoop()
	return w, nil
}

// AllocSegment returns an empty in-memory segment for segno.
func (w *Writer) AllocSegment(segno uint64) (*segment.Segment, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil, ErrWriterClosed
	}
	return segment.Alloc(segno), nil
}

// Submit queues a sealed segment for writing and returns its
// completion handle. Submit never blocks on the disk, only on the
// bounded submission queue.
func (w *Writer) Submit(seg *segment.Segment) *Completion {
	comp := &Completion{done: make(chan struct{})}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		comp.complete(ErrWriterClosed)
		return comp
	}
	// The send happens under mu so a concurrent Close can't close the
	// queue out from under it; the writer goroutine never takes mu.
	w.queue <- request{seg: seg, comp: comp}
	return comp
}

// SegmentPath returns the file path a segment number is written to.
func (w *Writer) SegmentPath(segno uint64) string {
	return filepath.Join(w.dir, fmt.Sprintf("seg-%016x.kseg", segno))
}

// Close stops the writer after finishing queued writes. Submissions
// after Close complete with ErrWriterClosed.
func (w *Writer) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	w.mu.Unlock()

	close(w.queue)
	w.wg.Wait()
}

func (w *Writer) writeLoop() {
	defer w.wg.Done()
	for req := range w.queue {
		req.comp.complete(w.writeSegment(req.seg))
	}
}

func (w *Writer) writeSegment(seg *segment.Segment) error {
	data, err := seg.Bytes()
	if err != nil {
		return err
	}
	if w.limiter != nil {
		// The limiter burst equals one second of budget; pace large
		// segments in burst-sized chunks.
		for n := len(data); n > 0; {
			chunk := n
			if chunk > w.limiter.Burst() {
				chunk = w.limiter.Burst()
			}
			if err := w.limiter.WaitN(context.Background(), chunk); err != nil {
				return err
			}
			n -= chunk
		}
	}

	path := w.SegmentPath(seg.Segno())
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open segment file %s: %w", path, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("write segment file %s: %w", path, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync segment file %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close segment file %s: %w", path, err)
	}
	w.log.Debug("segment written", zap.Uint64("segno", seg.Segno()), zap.Int("bytes", len(data)))
	return nil
}
