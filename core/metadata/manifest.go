// Package metadata is the manifest service of the write path. It
// hands out segment numbers, durably records segments once they are
// written, and owns the monotonically increasing transaction sequence.
// The manifest is an append-only log of fixed framing records; opening
// a directory replays it to recover the segno and sequence counters.
//
// Segment numbers are allocated without being persisted, so a crash
// between allocation and recording leaks the segno. Recording is the
// durability point.
package metadata

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/sushant-115/kagedb/core/write_engine/segment"
)

const (
	manifestFile = "MANIFEST"

	recordSegment byte = 1
	recordSeq     byte = 2

	// record: type u8, segno u64, bytes u64, flags u8, seq u64, crc u32
	recordSize = 1 + 8 + 8 + 1 + 8 + 4
)

var (
	ErrManifestClosed  = errors.New("manifest is closed")
	ErrManifestCorrupt = errors.New("manifest record is corrupt")
)

// Manifest is the per-mount metadata service. All operations are
// serialized by one mutex; appends are fsynced before they return.
type Manifest struct {
	log *zap.Logger

	mu        sync.Mutex
	f         *os.File
	closed    bool
	nextSegno uint64
	seq       uint64
	segments  int
}

// Open opens or creates the manifest in dir and replays it to recover
// the counters.
func Open(dir string, log *zap.Logger) (*Manifest, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create metadata directory %s: %w", dir, err)
	}
	path := filepath.Join(dir, manifestFile)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open manifest %s: %w", path, err)
	}

	m := &Manifest{
		log:       log.Named("metadata"),
		f:         f,
		nextSegno: 1,
	}
	if err := m.replay(); err != nil {
		f.Close()
		return nil, err
	}
	m.log.Info("manifest opened",
		zap.Uint64("next_segno", m.nextSegno),
		zap.Uint64("seq", m.seq),
		zap.Int("segments", m.segments))
	return m, nil
}

func (m *Manifest) replay() error {
	if _, err := m.f.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("seek manifest: %w", err)
	}
	var rec [recordSize]byte
	for {
		_, err := io.ReadFull(m.f, rec[:])
		if err == io.EOF {
			return nil
		}
		if err != nil {
			// A torn tail record is where the last append died; stop
			// replay there and overwrite it with the next append.
			if err == io.ErrUnexpectedEOF {
				off, serr := m.f.Seek(-int64(len(rec)), io.SeekEnd)
				if serr != nil {
					return fmt.Errorf("truncate torn manifest record: %w", serr)
				}
				m.log.Warn("dropping torn manifest tail record", zap.Int64("offset", off))
				return m.f.Truncate(off)
			}
			return fmt.Errorf("read manifest: %w", err)
		}
		want := binary.LittleEndian.Uint32(rec[recordSize-4:])
		if crc32.ChecksumIEEE(rec[:recordSize-4]) != want {
			return fmt.Errorf("%w: checksum mismatch", ErrManifestCorrupt)
		}
		segno := binary.LittleEndian.Uint64(rec[1:9])
		seq := binary.LittleEndian.Uint64(rec[18:26])
		switch rec[0] {
		case recordSegment:
			if segno >= m.nextSegno {
				m.nextSegno = segno + 1
			}
			m.segments++
		case recordSeq:
			if seq > m.seq {
				m.seq = seq
			}
		default:
			return fmt.Errorf("%w: unknown record type %d", ErrManifestCorrupt, rec[0])
		}
	}
}

func (m *Manifest) appendLocked(typ byte, segno, bytes uint64, flags byte, seq uint64) error {
	var rec [recordSize]byte
	rec[0] = typ
	binary.LittleEndian.PutUint64(rec[1:9], segno)
	binary.LittleEndian.PutUint64(rec[9:17], bytes)
	rec[17] = flags
	binary.LittleEndian.PutUint64(rec[18:26], seq)
	binary.LittleEndian.PutUint32(rec[recordSize-4:], crc32.ChecksumIEEE(rec[:recordSize-4]))

	if _, err := m.f.Seek(0, io.SeekEnd); err != nil {
		return fmt.Errorf("seek manifest: %w", err)
	}
	if _, err := m.f.Write(rec[:]); err != nil {
		return fmt.Errorf("append manifest record: %w", err)
	}
	if err := m.f.Sync(); err != nil {
		return fmt.Errorf("sync manifest: %w", err)
	}
	return nil
}

// AllocSegno returns the next unused segment number.
func (m *Manifest) AllocSegno() (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrManifestClosed
	}
	segno := m.nextSegno
	m.nextSegno++
	return segno, nil
}

// RecordSegment durably records a written segment. After this the
// segment's items are reachable by recovery.
func (m *Manifest) RecordSegment(seg *segment.Segment, flags uint8) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrManifestClosed
	}
	if err := m.appendLocked(recordSegment, seg.Segno(), seg.TotalBytes(), flags, 0); err != nil {
		return err
	}
	m.segments++
	return nil
}

// AdvanceSeq durably advances the transaction sequence and writes the
// new value through seq.
func (m *Manifest) AdvanceSeq(seq *uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrManifestClosed
	}
	next := m.seq + 1
	if err := m.appendLocked(recordSeq, 0, 0, 0, next); err != nil {
		return err
	}
	m.seq = next
	*seq = next
	return nil
}

// Seq returns the last durably recorded transaction sequence.
func (m *Manifest) Seq() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.seq
}

// Segments returns the number of recorded segments.
func (m *Manifest) Segments() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.segments
}

// Close closes the manifest file. Pending counters are already
// durable; nothing is flushed here.
func (m *Manifest) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	return m.f.Close()
}
