// Package dma models physically-contiguous memory shared with a device.
// The transport never allocates device-visible memory itself, it only asks
// an Allocator for it. The pairing of a virtual mapping with its physical
// address is owned by a single Buffer and released exactly once.
package dma

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// ErrAllocationFailed is returned when the provider cannot satisfy an
// allocation. It is fatal to the queue setup that requested it.
var ErrAllocationFailed = errors.New("physical memory allocation failed")

// Allocator hands out zero-initialized, physically-contiguous memory.
type Allocator interface {
	// AllocatePhysical returns a buffer of at least size bytes. The
	// returned memory is zero filled and page aligned.
	AllocatePhysical(size int) (*Buffer, error)
}

// Buffer is one physically-contiguous allocation together with its
// physical address. It must be freed exactly once by the owner that
// requested it.
type Buffer struct {
	phys uint64
	mem  []byte
	free func([]byte) error
}

// NewBuffer wraps an existing mapping. The free function is invoked once
// when the buffer is released and may be nil for borrowed memory.
func NewBuffer(phys uint64, mem []byte, free func([]byte) error) *Buffer {
	return &Buffer{phys: phys, mem: mem, free: free}
}

// PhysicalAddress returns the address the device uses to reach this memory.
func (b *Buffer) PhysicalAddress() uint64 {
	return b.phys
}

// Bytes returns the driver-side view of the memory. The slice must not be
// used after Free was called.
func (b *Buffer) Bytes() []byte {
	return b.mem
}

// Free releases the memory backing this buffer. Calling it more than once
// is an error on the caller's side; subsequent calls are no-ops.
func (b *Buffer) Free() error {
	if b.mem == nil {
		return nil
	}
	mem := b.mem
	b.mem = nil
	b.phys = 0
	if b.free == nil {
		return nil
	}
	return b.free(mem)
}

// HostAllocator allocates anonymous page-aligned mappings and reports the
// mapping address as the physical address. This is the right provider for
// same-host devices (vhost and simulated devices in tests) where "physical"
// means "an address the device-side code can dereference". Drivers talking
// to real hardware inject the platform's physical memory provider instead.
type HostAllocator struct{}

// AllocatePhysical implements Allocator using an anonymous mmap, which is
// guaranteed to be zero filled and page aligned.
func (HostAllocator) AllocatePhysical(size int) (*Buffer, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: invalid size %d", ErrAllocationFailed, size)
	}

	mem, err := unix.Mmap(-1, 0, size,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAllocationFailed, err)
	}

	return NewBuffer(uint64(uintptr(addrOf(mem))), mem, unix.Munmap), nil
}
