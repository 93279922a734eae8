package virtqueue

import (
	"fmt"
	"sync/atomic"
	"unsafe"
)

// usedRingSize is the number of bytes needed to store a [UsedRing] with
// the given queue size in memory.
func usedRingSize(queueSize int) int {
	return 6 + usedElementSize*queueSize
}

// usedRingAlignment is the minimum alignment of a [UsedRing] in memory,
// as required by the virtio spec.
const usedRingAlignment = 4

// UsedRing is where the device returns descriptor chains once it is done
// with them. Only the device ever advances its head index; the driver
// only reads it and keeps track of how far it has drained.
type UsedRing struct {
	initialized bool

	// headWord covers the flags and head index fields together; the head
	// index lives in the upper half and is read with acquire ordering so
	// the element writes of the device land first.
	headWord *uint32
	// ring contains the [UsedElement]s. It wraps around at queue size.
	ring []UsedElement
	// availableEvent is not used by this implementation, but we reserve
	// it anyway in case a device writes it contrary to the specification.
	availableEvent *uint16

	// lastIndex is the ring index up to which all elements were already
	// drained.
	lastIndex uint16
}

// newUsedRing interprets the given memory as a used ring. The length of
// the memory slice must match [usedRingSize] for the queue size.
func newUsedRing(queueSize int, mem []byte) *UsedRing {
	ringSize := usedRingSize(queueSize)
	if len(mem) != ringSize {
		panic(fmt.Sprintf("memory size (%v) does not match required size "+
			"for used ring: %v", len(mem), ringSize))
	}

	r := &UsedRing{
		initialized:    true,
		headWord:       (*uint32)(unsafe.Pointer(&mem[0])),
		ring:           unsafe.Slice((*UsedElement)(unsafe.Pointer(&mem[4])), queueSize),
		availableEvent: (*uint16)(unsafe.Pointer(&mem[ringSize-2])),
	}
	r.lastIndex = r.headIndex()
	return r
}

// Address returns the pointer to the beginning of the ring in memory.
func (r *UsedRing) Address() uintptr {
	if !r.initialized {
		panic("used ring is not initialized")
	}
	return uintptr(unsafe.Pointer(r.headWord))
}

// headIndex reads the index the device will fill next.
func (r *UsedRing) headIndex() uint16 {
	return uint16(atomic.LoadUint32(r.headWord) >> 16)
}

// pendingCount returns how many elements the device has published that
// were not drained yet.
func (r *UsedRing) pendingCount() int {
	// Both counters are free running, so plain 16-bit subtraction handles
	// the wrap-around.
	count := int(r.headIndex() - r.lastIndex)

	// The device can never legally publish more elements than the ring
	// holds.
	if count > len(r.ring) {
		panic("used ring contains more new elements than the ring is long")
	}
	return count
}

// take drains one element published by the device, if there is one.
func (r *UsedRing) take() (UsedElement, bool) {
	if r.pendingCount() == 0 {
		return UsedElement{}, false
	}

	elem := r.ring[int(r.lastIndex)%len(r.ring)]
	r.lastIndex++
	return elem, true
}
