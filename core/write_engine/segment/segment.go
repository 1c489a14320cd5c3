// Package segment implements the in-memory segment structure that a
// single transaction commit is serialized into. A segment is an
// immutable on-disk unit: a fixed-size buffer holding a header, a run
// of serialized items, and a CRC32 trailer. Segments are built by the
// commit path, handed to the block I/O layer for writing, and recorded
// with the metadata service once durable.
package segment

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
)

const (
	// SegmentSize is the fixed on-disk size of every segment. A
	// transaction is bounded so that its dirty items always fit in
	// one segment of this size.
	SegmentSize = 1 << 20 // 1 MiB

	// Magic identifies a segment header.
	Magic uint32 = 0x6b536567 // "kSeg"

	headerSize  = 4 + 8 + 4 // magic + segno + item count
	trailerSize = 4         // crc32 of header + items

	// itemOverhead is the per-item framing cost: flags byte, key
	// length (u16), value length (u32), plus a worst-case key.
	itemOverhead = 1 + 2 + 4 + MaxKeySize

	// MaxKeySize bounds key lengths so capacity accounting can use a
	// fixed per-item overhead instead of tracking exact key sizes.
	MaxKeySize = 255

	payloadCapacity = SegmentSize - headerSize - trailerSize
)

var (
	ErrSegmentFull     = errors.New("segment has no room for item")
	ErrSegmentSealed   = errors.New("segment is already sealed")
	ErrSegmentNotFinal = errors.New("segment has not been sealed")
	ErrKeyTooLarge     = fmt.Errorf("key exceeds %d bytes", MaxKeySize)
	ErrBadSegment      = errors.New("segment data is corrupt")
)

// FitsSingle reports whether a mutation touching the given number of
// items and total value bytes can always be serialized into one
// segment. It is intentionally conservative: every item is charged the
// worst-case framing overhead.
func FitsSingle(items, vals int) bool {
	if items < 0 || vals < 0 {
		return false
	}
	return items*itemOverhead+vals <= payloadCapacity
}

// Item is one serialized entry in a segment. A tombstone records the
// deletion of a key and carries no value.
type Item struct {
	Key       []byte
	Val       []byte
	Tombstone bool
}

// Segment accumulates serialized items for one commit. It is built by
// a single goroutine (the commit worker) and is not safe for
// concurrent use.
type Segment struct {
	segno  uint64
	buf    bytes.Buffer
	nitems uint32
	sealed bool
}

// Alloc returns an empty segment for the given segment number.
func Alloc(segno uint64) *Segment {
	s := &Segment{segno: segno}
	s.buf.Grow(headerSize)
	// Header is stamped up front; the item count is patched in Seal.
	var hdr [headerSize]byte
	binary.LittleEndian.PutUint32(hdr[0:4], Magic)
	binary.LittleEndian.PutUint64(hdr[4:12], segno)
	s.buf.Write(hdr[:])
	return s
}

// Segno returns the segment number this segment was allocated for.
func (s *Segment) Segno() uint64 {
	return s.segno
}

// NumItems returns the number of items appended so far.
func (s *Segment) NumItems() int {
	return int(s.nitems)
}

// AppendItem serializes one item into the segment. Tombstones must be
// appended with a nil value. Returns ErrSegmentFull if the item would
// overflow the fixed segment payload.
func (s *Segment) AppendItem(key, val []byte, tombstone bool) error {
	if s.sealed {
		return ErrSegmentSealed
	}
	if len(key) == 0 || len(key) > MaxKeySize {
		return ErrKeyTooLarge
	}
	need := 1 + 2 + 4 + len(key) + len(val)
	if s.buf.Len()-headerSize+need > payloadCapacity {
		return ErrSegmentFull
	}
	var frame [7]byte
	if tombstone {
		frame[0] = 1
	}
	binary.LittleEndian.PutUint16(frame[1:3], uint16(len(key)))
	binary.LittleEndian.PutUint32(frame[3:7], uint32(len(val)))
	s.buf.Write(frame[:])
	s.buf.Write(key)
	s.buf.Write(val)
	s.nitems++
	return nil
}

// Seal finalizes the segment: the item count is patched into the
// header and the CRC32 trailer is appended. No items may be appended
// afterwards.
func (s *Segment) Seal() error {
	if s.sealed {
		return ErrSegmentSealed
	}
	b := s.buf.Bytes()
	binary.LittleEndian.PutUint32(b[12:16], s.nitems)
	sum := crc32.ChecksumIEEE(s.buf.Bytes())
	var trailer [trailerSize]byte
	binary.LittleEndian.PutUint32(trailer[:], sum)
	s.buf.Write(trailer[:])
	s.sealed = true
	return nil
}

// Bytes returns the serialized segment. The segment must be sealed.
func (s *Segment) Bytes() ([]byte, error) {
	if !s.sealed {
		return nil, ErrSegmentNotFinal
	}
	return s.buf.Bytes(), nil
}

// TotalBytes returns the serialized size of the segment so far,
// including header and, once sealed, the trailer.
func (s *Segment) TotalBytes() uint64 {
	return uint64(s.buf.Len())
}

// Decode parses serialized segment data, verifying the magic and the
// CRC32 trailer, and returns the segment number and items. It is used
// to validate written segments.
func Decode(data []byte) (segno uint64, items []Item, err error) {
	if len(data) < headerSize+trailerSize {
		return 0, nil, ErrBadSegment
	}
	if binary.LittleEndian.Uint32(data[0:4]) != Magic {
		return 0, nil, ErrBadSegment
	}
	body := data[:len(data)-trailerSize]
	want := binary.LittleEndian.Uint32(data[len(data)-trailerSize:])
	if crc32.ChecksumIEEE(body) != want {
		return 0, nil, fmt.Errorf("%w: checksum mismatch", ErrBadSegment)
	}
	segno = binary.LittleEndian.Uint64(data[4:12])
	nitems := binary.LittleEndian.Uint32(data[12:16])

	off := headerSize
	items = make([]Item, 0, nitems)
	for i := uint32(0); i < nitems; i++ {
		if off+7 > len(body) {
			return 0, nil, fmt.Errorf("%w: truncated item %d", ErrBadSegment, i)
		}
		tomb := body[off] == 1
		klen := int(binary.LittleEndian.Uint16(body[off+1 : off+3]))
		vlen := int(binary.LittleEndian.Uint32(body[off+3 : off+7]))
		off += 7
		if off+klen+vlen > len(body) {
			return 0, nil, fmt.Errorf("%w: truncated item %d", ErrBadSegment, i)
		}
		it := Item{
			Key:       append([]byte(nil), body[off:off+klen]...),
			Tombstone: tomb,
		}
		off += klen
		if vlen > 0 {
			it.Val = append([]byte(nil), body[off:off+vlen]...)
			off += vlen
		}
		items = append(items, it)
	}
	return segno, items, nil
}
