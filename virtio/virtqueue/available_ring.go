package virtqueue

import (
	"fmt"
	"sync/atomic"
	"unsafe"
)

// availableRingSize is the number of bytes needed to store an
// [AvailableRing] with the given queue size in memory: flags, head index,
// the ring itself and the unused used-event field.
func availableRingSize(queueSize int) int {
	return 6 + 2*queueSize
}

// availableRingAlignment is the minimum alignment of an [AvailableRing]
// in memory, as required by the virtio spec.
const availableRingAlignment = 2

// AvailableRing is used by the driver to offer descriptor chains to the
// device. Each entry refers to the head of a chain. Only the driver ever
// advances its head index; the device only reads it.
//
// The ring size depends on the queue size, so the struct holds pointers
// into the shared memory instead of mapping it with a static Go type.
type AvailableRing struct {
	initialized bool

	// headWord covers the flags and head index fields together. The head
	// index lives in the upper half. Publishing through one atomic store
	// on this word is what makes the preceding descriptor writes visible
	// to the device before the new head index is, as the protocol
	// requires.
	headWord *uint32
	// ring references chains by the index of their head descriptor. It
	// wraps around at queue size.
	ring []uint16
	// usedEvent is not used by this implementation, but we reserve it
	// anyway in case a device accesses it contrary to the specification.
	usedEvent *uint16

	// headIndex is the driver-private shadow of the published head index.
	headIndex uint16
}

// newAvailableRing interprets the given memory as an available ring. The
// length of the memory slice must match [availableRingSize] for the queue
// size.
func newAvailableRing(queueSize int, mem []byte) *AvailableRing {
	ringSize := availableRingSize(queueSize)
	if len(mem) != ringSize {
		panic(fmt.Sprintf("memory size (%v) does not match required size "+
			"for available ring: %v", len(mem), ringSize))
	}

	return &AvailableRing{
		initialized: true,
		headWord:    (*uint32)(unsafe.Pointer(&mem[0])),
		ring:        unsafe.Slice((*uint16)(unsafe.Pointer(&mem[4])), queueSize),
		usedEvent:   (*uint16)(unsafe.Pointer(&mem[ringSize-2])),
	}
}

// Address returns the pointer to the beginning of the ring in memory.
func (r *AvailableRing) Address() uintptr {
	if !r.initialized {
		panic("available ring is not initialized")
	}
	return uintptr(unsafe.Pointer(r.headWord))
}

// offer publishes the given chain head to the device: it writes the next
// ring slot and then advances the head index. The 16-bit index is free
// running and wraps naturally because the ring length is a power of 2.
func (r *AvailableRing) offer(head uint16) {
	r.ring[int(r.headIndex)%len(r.ring)] = head
	r.headIndex++

	// Flags stay zero; the head index moves in with release ordering so
	// the slot write above lands first.
	atomic.StoreUint32(r.headWord, uint32(r.headIndex)<<16)
}
