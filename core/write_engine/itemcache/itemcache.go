// Package itemcache is the in-memory metadata item cache of the write
// path. Mutators insert and delete items while they hold the current
// transaction; the cache tracks how many items and value bytes are
// dirty, answers the admission gate's capacity questions, and
// serializes the dirty set into a segment at commit. Items stay dirty
// across a failed commit and are only marked clean once a commit
// succeeds.
package itemcache

import (
	"errors"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/sushant-115/kagedb/core/write_engine/segment"
	"github.com/sushant-115/kagedb/core/write_engine/trans"
)

var ErrNotFound = errors.New("item not found")

type entry struct {
	val       []byte
	dirty     bool
	tombstone bool
}

// Cache holds the item set for one mount. A read/write mutex guards
// the map and the dirty counts; it is never held across a call back
// into the transaction core.
type Cache struct {
	log *zap.Logger

	mu         sync.RWMutex
	items      map[string]*entry
	dirtyItems int
	dirtyVals  int

	tr tracker
}

// tracker is the slice of the transaction core the cache reports item
// deltas to.
type tracker interface {
	TrackItem(rsv *trans.Reservation, items, vals int)
}

// New creates an empty cache. Bind must be called before mutations so
// holder contributions are tracked against their reservations.
func New(log *zap.Logger) *Cache {
	if log == nil {
		log = zap.NewNop()
	}
	return &Cache{
		log:   log.Named("itemcache"),
		items: make(map[string]*entry),
	}
}

// Bind wires the cache to the transaction core that admits its
// mutators. Mutations before Bind are tracked against nobody, which
// only tests do.
func (c *Cache) Bind(tr *trans.Trans) {
	c.tr = tr
}

// EstimateCount returns a hold budget covering one Insert of val:
// one item and its value bytes.
func (c *Cache) EstimateCount(val []byte) trans.ItemCount {
	return trans.ItemCount{Items: 1, Vals: len(val)}
}

// EstimateDeleteCount returns a hold budget covering one Delete: the
// tombstone item, no value bytes.
func (c *Cache) EstimateDeleteCount() trans.ItemCount {
	return trans.ItemCount{Items: 1, Vals: 0}
}

// Get returns the value for key, or ErrNotFound.
func (c *Cache) Get(key []byte) ([]byte, error) {
	c.mu.RLock()
	ent, ok := c.items[string(key)]
	c.mu.RUnlock()
	if !ok || ent.tombstone {
		return nil, ErrNotFound
	}
	return ent.val, nil
}

// Insert writes key/val and tracks the dirty delta against rsv. The
// caller must hold the transaction via rsv.
func (c *Cache) Insert(rsv *trans.Reservation, key, val []byte) {
	val = append([]byte(nil), val...)

	c.mu.Lock()
	var dItems, dVals int
	if ent, ok := c.items[string(key)]; ok && ent.dirty {
		// Rewriting an already-dirty item only changes value bytes,
		// or revives a dirty tombstone.
		if ent.tombstone {
			ent.tombstone = false
		}
		dVals = len(val) - len(ent.val)
		ent.val = val
	} else {
		dItems = 1
		dVals = len(val)
		c.items[string(key)] = &entry{val: val, dirty: true}
	}
	c.dirtyItems += dItems
	c.dirtyVals += dVals
	c.mu.Unlock()

	if c.tr != nil {
		c.tr.TrackItem(rsv, dItems, dVals)
	}
}

// Delete removes key, leaving a dirty tombstone so the deletion is
// committed. Deleting an item that is already dirty gives the holder
// a negative value contribution; the cache keeps the totals from
// going negative itself.
func (c *Cache) Delete(rsv *trans.Reservation, key []byte) error {
	c.mu.Lock()
	ent, ok := c.items[string(key)]
	if !ok || ent.tombstone {
		c.mu.Unlock()
		return ErrNotFound
	}
	var dItems, dVals int
	if ent.dirty {
		dVals = -len(ent.val)
	} else {
		dItems = 1
		ent.dirty = true
	}
	ent.val = nil
	ent.tombstone = true
	c.dirtyItems += dItems
	c.dirtyVals += dVals
	if c.dirtyVals < 0 {
		c.log.Error("BUG: dirty value bytes went negative", zap.Int("dirty_vals", c.dirtyVals))
		c.dirtyVals = 0
	}
	c.mu.Unlock()

	if c.tr != nil {
		c.tr.TrackItem(rsv, dItems, dVals)
	}
	return nil
}

// HasDirty reports whether any items are dirty.
func (c *Cache) HasDirty() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.dirtyItems > 0
}

// DirtyCounts returns the current dirty item and value byte totals.
func (c *Cache) DirtyCounts() (items, vals int) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.dirtyItems, c.dirtyVals
}

// DirtyFitsSingle reports whether the current dirty set plus a
// proposed reserved total of items and vals still fits one segment.
// The admission gate calls this with the sum of all reservations, so
// dirty items left over from a failed commit shrink what new holds
// may reserve.
func (c *Cache) DirtyFitsSingle(items, vals int) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return segment.FitsSingle(c.dirtyItems+items, c.dirtyVals+vals)
}

// FitsSingle reports whether a budget fits one segment on its own,
// ignoring the current dirty set.
func (c *Cache) FitsSingle(items, vals int) bool {
	return segment.FitsSingle(items, vals)
}

// FillSegment serializes the dirty items into seg in key order and
// seals it. The items stay dirty; ClearDirty marks them clean once
// the segment is durable and recorded.
func (c *Cache) FillSegment(seg *segment.Segment) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	keys := make([]string, 0, c.dirtyItems)
	for k, ent := range c.items {
		if ent.dirty {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	for _, k := range keys {
		ent := c.items[k]
		if err := seg.AppendItem([]byte(k), ent.val, ent.tombstone); err != nil {
			return err
		}
	}
	return seg.Seal()
}

// ClearDirty marks every item clean and drops committed tombstones.
func (c *Cache) ClearDirty() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, ent := range c.items {
		if !ent.dirty {
			continue
		}
		if ent.tombstone {
			delete(c.items, k)
		} else {
			ent.dirty = false
		}
	}
	c.dirtyItems = 0
	c.dirtyVals = 0
}

// Len returns the number of live items.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n := 0
	for _, ent := range c.items {
		if !ent.tombstone {
			n++
		}
	}
	return n
}
