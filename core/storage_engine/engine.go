// Package storageengine wires the write path together for one mount:
// the item cache, segment writer, manifest, inode writeback tracker
// and the transaction core. It exposes the mutator surface (Put,
// Delete, Get) that holds the transaction around every item edit, and
// the sync entry points the filesystem layer calls.
package storageengine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/sushant-115/kagedb/core/metadata"
	"github.com/sushant-115/kagedb/core/write_engine/blockio"
	"github.com/sushant-115/kagedb/core/write_engine/itemcache"
	"github.com/sushant-115/kagedb/core/write_engine/segment"
	"github.com/sushant-115/kagedb/core/write_engine/trans"
	"github.com/sushant-115/kagedb/core/write_engine/writeback"
)

var (
	ErrNotFound      = errors.New("key not found")
	ErrValueTooLarge = errors.New("value cannot fit in a single segment")
)

// Options configures a mount.
type Options struct {
	// DataDir is the root of the on-disk layout: DataDir/segments and
	// DataDir/meta.
	DataDir string
	// SyncDelay overrides the default commit deadline when > 0.
	SyncDelay time.Duration
	// WriteBytesPerSec throttles segment writes; 0 means unlimited.
	WriteBytesPerSec int

	Logger *zap.Logger
	Meter  metric.Meter
}

// Engine is one mounted KageDB instance.
type Engine struct {
	log      *zap.Logger
	mountID  uuid.UUID
	cache    *itemcache.Cache
	manifest *metadata.Manifest
	writer   *blockio.Writer
	wb       *writeback.Tracker
	tr       *trans.Trans
}

// segmentIO adapts the block writer to the interface the transaction
// core commits through.
type segmentIO struct {
	w *blockio.Writer
}

func (s segmentIO) AllocSegment(segno uint64) (*segment.Segment, error) {
	return s.w.AllocSegment(segno)
}

func (s segmentIO) SubmitWrite(seg *segment.Segment) trans.Completion {
	return s.w.Submit(seg)
}

// Open mounts the engine at opts.DataDir, recovering manifest counters
// and starting the commit worker.
func Open(opts Options) (*Engine, error) {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	if opts.DataDir == "" {
		return nil, fmt.Errorf("storage engine: data directory must be set")
	}
	if err := os.MkdirAll(opts.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory %s: %w", opts.DataDir, err)
	}

	manifest, err := metadata.Open(filepath.Join(opts.DataDir, "meta"), log)
	if err != nil {
		return nil, err
	}
	writer, err := blockio.NewWriter(filepath.Join(opts.DataDir, "segments"), log, blockio.Options{
		WriteBytesPerSec: opts.WriteBytesPerSec,
	})
	if err != nil {
		manifest.Close()
		return nil, err
	}

	cache := itemcache.New(log)
	wb := writeback.New(log)

	tr, err := trans.New(trans.Config{
		Items:      cache,
		Meta:       manifest,
		IO:         segmentIO{w: writer},
		WB:         wb,
		SyncDelay:  opts.SyncDelay,
		InitialSeq: manifest.Seq(),
		Logger:     log,
		Meter:      opts.Meter,
	})
	if err != nil {
		writer.Close()
		manifest.Close()
		return nil, err
	}
	cache.Bind(tr)

	e := &Engine{
		log:      log.Named("engine"),
		mountID:  uuid.New(),
		cache:    cache,
		manifest: manifest,
		writer:   writer,
		wb:       wb,
		tr:       tr,
	}
	e.log.Info("mounted",
		zap.String("mount_id", e.mountID.String()),
		zap.String("data_dir", opts.DataDir),
		zap.Uint64("seq", manifest.Seq()),
		zap.Int("segments", manifest.Segments()))
	return e, nil
}

// MountID identifies this mount instance in logs.
func (e *Engine) MountID() uuid.UUID {
	return e.mountID
}

// Put writes key/val inside a transaction hold. It blocks while the
// commit worker is writing or until the reservation fits.
func (e *Engine) Put(ctx context.Context, key, val []byte) error {
	cnt := e.cache.EstimateCount(val)
	rsv := trans.NewReservation()
	if err := e.tr.Hold(ctx, rsv, cnt); err != nil {
		if errors.Is(err, trans.ErrInvalidCount) {
			return fmt.Errorf("%w: %d value bytes", ErrValueTooLarge, len(val))
		}
		return err
	}
	defer e.tr.Release(rsv)

	e.cache.Insert(rsv, key, val)
	return nil
}

// Delete removes key inside a transaction hold, leaving a tombstone
// for the commit.
func (e *Engine) Delete(ctx context.Context, key []byte) error {
	rsv := trans.NewReservation()
	if err := e.tr.Hold(ctx, rsv, e.cache.EstimateDeleteCount()); err != nil {
		return err
	}
	defer e.tr.Release(rsv)

	if err := e.cache.Delete(rsv, key); err != nil {
		if errors.Is(err, itemcache.ErrNotFound) {
			return ErrNotFound
		}
		return err
	}
	return nil
}

// Get reads the current value of key from the item cache.
func (e *Engine) Get(key []byte) ([]byte, error) {
	val, err := e.cache.Get(key)
	if errors.Is(err, itemcache.ErrNotFound) {
		return nil, ErrNotFound
	}
	return val, err
}

// MarkInodeDirty registers dirty file data to be flushed by the next
// commit's writeback walk.
func (e *Engine) MarkInodeDirty(ino uint64, flush writeback.FlushFunc) {
	e.wb.MarkDirty(ino, flush)
}

// Sync commits the open transaction; with wait=true it returns the
// commit's result.
func (e *Engine) Sync(ctx context.Context, wait bool) error {
	return e.tr.Sync(ctx, wait)
}

// Fsync commits and waits on behalf of an fsync of any file.
func (e *Engine) Fsync(ctx context.Context) error {
	return e.tr.Fsync(ctx)
}

// Trans exposes the transaction core to the filesystem layer for
// explicit hold management.
func (e *Engine) Trans() *trans.Trans {
	return e.tr
}

// Stats snapshots the transaction core state.
func (e *Engine) Stats() trans.Stats {
	return e.tr.Stats()
}

// Close syncs the open transaction, stops the commit worker and
// releases the mount's resources.
func (e *Engine) Close(ctx context.Context) error {
	err := e.tr.Sync(ctx, true)
	if err != nil {
		e.log.Error("final sync failed, dirty state is lost", zap.Error(err))
	}
	e.tr.Close()
	e.writer.Close()
	if cerr := e.manifest.Close(); err == nil {
		err = cerr
	}
	e.log.Info("unmounted", zap.String("mount_id", e.mountID.String()))
	return err
}
