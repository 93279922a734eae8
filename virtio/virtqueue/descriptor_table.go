package virtqueue

import (
	"errors"
	"fmt"
	"math"
	"unsafe"
)

var (
	// ErrNotEnoughFreeDescriptors is returned when the free descriptors
	// are exhausted, meaning that the queue is full.
	ErrNotEnoughFreeDescriptors = errors.New("not enough free descriptors, queue is full")

	// ErrInvalidDescriptorChain is returned when a descriptor chain is not
	// valid for a given operation.
	ErrInvalidDescriptorChain = errors.New("invalid descriptor chain")
)

// noFreeHead marks the state where all descriptors are in use and no free
// chain exists. The value can never occur as a real index because it
// exceeds the maximum queue size.
const noFreeHead = uint16(math.MaxUint16)

// descriptorTableSize is the number of bytes needed to store a
// [DescriptorTable] with the given queue size in memory.
func descriptorTableSize(queueSize int) int {
	return descriptorSize * queueSize
}

// descriptorTableAlignment is the minimum alignment of a [DescriptorTable]
// in memory, as required by the virtio spec.
const descriptorTableAlignment = 16

// DescriptorTable holds the queue's [Descriptor]s and tracks which of
// them are free. All currently unused descriptors are linked into one
// circular free chain.
type DescriptorTable struct {
	descriptors []Descriptor

	// freeHeadIndex is the index of the head of the free chain, or
	// noFreeHead when every descriptor is in use.
	freeHeadIndex uint16
	// freeNum is the number of descriptors currently not in use.
	freeNum uint16
}

// newDescriptorTable interprets the given memory as a descriptor table.
// The length of the memory slice must match [descriptorTableSize] for the
// queue size. Call initialize before using the table.
func newDescriptorTable(queueSize int, mem []byte) *DescriptorTable {
	dtSize := descriptorTableSize(queueSize)
	if len(mem) != dtSize {
		panic(fmt.Sprintf("memory size (%v) does not match required size "+
			"for descriptor table: %v", len(mem), dtSize))
	}

	return &DescriptorTable{
		descriptors:   unsafe.Slice((*Descriptor)(unsafe.Pointer(&mem[0])), queueSize),
		freeHeadIndex: noFreeHead,
		freeNum:       0,
	}
}

// initialize links all descriptors into the free chain. Addresses and
// lengths stay zero until a chain claims a descriptor.
func (dt *DescriptorTable) initialize() {
	for i := range dt.descriptors {
		dt.descriptors[i] = Descriptor{
			// The free chain loops around the whole table.
			flags: descriptorFlagHasNext,
			next:  uint16((i + 1) % len(dt.descriptors)),
		}
	}

	dt.freeHeadIndex = 0
	dt.freeNum = uint16(len(dt.descriptors))
}

// freeCount returns the number of currently unused descriptors.
func (dt *DescriptorTable) freeCount() uint16 {
	return dt.freeNum
}

// pop removes one descriptor from the free chain and returns its index.
// The caller must have checked that the chain is not empty.
func (dt *DescriptorTable) pop() uint16 {
	if dt.freeHeadIndex == noFreeHead {
		panic("free descriptor chain head is unset but there should be free descriptors")
	}

	// Always take the descriptor after the head so the head itself only
	// has to move when it is the last descriptor left. This avoids a walk
	// over the table to find the head's predecessor.
	index := dt.descriptors[dt.freeHeadIndex].next
	next := dt.descriptors[index].next

	dt.freeNum--
	if dt.freeNum == 0 {
		dt.freeHeadIndex = noFreeHead
	} else {
		dt.descriptors[dt.freeHeadIndex].next = next
	}

	return index
}

// allocateChain claims one descriptor per buffer in the chain, writes the
// buffers' addresses, lengths and direction flags and links them with the
// next flag on all but the last descriptor. It returns the index of the
// chain's head.
func (dt *DescriptorTable) allocateChain(chain Chain) (uint16, error) {
	if len(chain) == 0 {
		return 0, ErrChainEmpty
	}
	if len(chain) > int(dt.freeNum) {
		return 0, fmt.Errorf("%w: need %d, have %d",
			ErrNotEnoughFreeDescriptors, len(chain), dt.freeNum)
	}

	head := noFreeHead
	prev := noFreeHead
	for _, buf := range chain {
		index := dt.pop()
		desc := &dt.descriptors[index]

		if desc.length != 0 {
			panic(fmt.Sprintf("descriptor %d should be unused but has a non-zero length", index))
		}

		desc.address = buf.Address
		desc.length = buf.Length
		desc.flags = 0
		if buf.DeviceWritable {
			desc.flags = descriptorFlagWritable
		}
		desc.next = 0

		if head == noFreeHead {
			head = index
		}
		if prev != noFreeHead {
			dt.descriptors[prev].flags |= descriptorFlagHasNext
			dt.descriptors[prev].next = index
		}
		prev = index
	}

	return head, nil
}

// freeChain returns the descriptor chain starting at the given head to
// the free pool and reports how many descriptors it contained. The head
// must belong to a chain created by allocateChain that was not freed yet.
func (dt *DescriptorTable) freeChain(head uint16) (uint16, error) {
	if int(head) >= len(dt.descriptors) {
		return 0, fmt.Errorf("%w: index out of range", ErrInvalidDescriptorChain)
	}

	// Walk the chain, bounded by the queue size so a corrupted table
	// cannot trap us in a loop.
	next := head
	var tailDesc *Descriptor
	var chainLen uint16
	for range dt.descriptors {
		if next == dt.freeHeadIndex {
			return 0, fmt.Errorf("%w: must not be part of the free chain", ErrInvalidDescriptorChain)
		}

		desc := &dt.descriptors[next]
		chainLen++

		desc.address = 0
		desc.length = 0
		desc.flags &= descriptorFlagHasNext

		if desc.flags&descriptorFlagHasNext == 0 {
			tailDesc = desc
			break
		}

		if desc.next == head {
			return 0, fmt.Errorf("%w: contains a loop", ErrInvalidDescriptorChain)
		}

		next = desc.next
	}
	if tailDesc == nil {
		// A chain longer than the queue but without a loop cannot exist.
		panic(fmt.Sprintf("could not find a tail for descriptor chain starting at %d", head))
	}

	// Back in the free chain the tail continues the circle again.
	tailDesc.flags = descriptorFlagHasNext

	if dt.freeHeadIndex == noFreeHead {
		// All descriptors were in use, so this returned chain becomes the
		// new free chain.
		tailDesc.next = head
		dt.freeHeadIndex = head
	} else {
		// Attach the returned chain right after the free chain head.
		freeHeadDesc := &dt.descriptors[dt.freeHeadIndex]
		tailDesc.next = freeHeadDesc.next
		freeHeadDesc.next = head
	}

	dt.freeNum += chainLen

	return chainLen, nil
}
