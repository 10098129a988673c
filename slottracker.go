package vdisplay

import (
	"github.com/emirpasic/gods/maps/linkedhashmap"
	"github.com/emirpasic/gods/sets/treeset"
	"github.com/emirpasic/gods/utils"
)

// Slot tells the hardware-facing caller how to reference a buffer.
type Slot struct {
	// RequiresRefresh means the hardware does not yet know this buffer (or the
	// slot previously held a different one) and a full transfer is required.
	RequiresRefresh bool
	// Index is the hardware slot assigned to the buffer.
	Index uint32
}

// SlotTracker maps buffer ids to hardware client-target slots with a bounded,
// strictly LRU cache. Capacity must equal the count configured on the
// hardware via SetClientTargetSlotCount; a mismatch makes the compositor
// display stale buffers.
//
// Not threadsafe: runs single-threaded on the composition path.
type SlotTracker struct {
	capacity  uint32
	cache     *linkedhashmap.Map // bufferId (uint64) -> slot (uint32), LRU first
	openSlots *treeset.Set
	ii        InstrumentInstance
}

func NewSlotTracker(capacity uint32, ii InstrumentInstance) *SlotTracker {
	st := &SlotTracker{
		capacity:  capacity,
		cache:     linkedhashmap.New(),
		openSlots: treeset.NewWith(utils.UInt32Comparator),
		ii:        ii,
	}
	for i := uint32(0); i < capacity; i++ {
		st.openSlots.Add(i)
	}
	return st
}

func (self *SlotTracker) Capacity() uint32 {
	return self.capacity
}

// GetSlot returns the slot for a buffer about to be sent to the hardware,
// assigning (and if necessary evicting the least-recently-used entry for) a
// slot when the buffer is not cached. Every call updates recency.
func (self *SlotTracker) GetSlot(bufferId uint64) Slot {
	if v, found := self.cache.Get(bufferId); found {
		slot := v.(uint32)
		// re-insert to mark most-recently-used
		self.cache.Remove(bufferId)
		self.cache.Put(bufferId, slot)
		self.ii.SlotHit(slot)
		return Slot{RequiresRefresh: false, Index: slot}
	}

	if self.openSlots.Empty() {
		it := self.cache.Iterator()
		it.First()
		evictedId := it.Key().(uint64)
		evictedSlot := it.Value().(uint32)
		self.cache.Remove(evictedId)
		self.openSlots.Add(evictedSlot)
		self.ii.SlotEvicted(evictedSlot)
	}

	slot := self.openSlots.Values()[0].(uint32)
	self.openSlots.Remove(slot)
	self.cache.Put(bufferId, slot)
	self.ii.SlotMiss(slot)
	return Slot{RequiresRefresh: true, Index: slot}
}
