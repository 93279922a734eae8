package pci

import (
	"sync/atomic"
	"unsafe"
)

// RegisterBlock is a byte-addressed window of device registers. Every
// access is an explicit, ordered load or store: the values behind it are
// mutated by hardware outside the program's control flow, so they must
// never be cached or reordered by the implementation.
//
// All multi-byte accesses are little-endian, as required by the virtio
// register layouts.
type RegisterBlock interface {
	Load8(off uint) uint8
	Store8(off uint, v uint8)
	Load16(off uint) uint16
	Store16(off uint, v uint16)
	Load32(off uint) uint32
	Store32(off uint, v uint32)
	Load64(off uint) uint64
	Store64(off uint, v uint64)
}

// MemoryRegion implements RegisterBlock over a memory-mapped BAR slice.
//
// 32 and 64-bit accesses use sync/atomic, which both matches the natural
// access width of the underlying registers and gives the ordering the
// protocol demands. 8 and 16-bit registers in the virtio layouts are not
// 4-byte aligned, so they go through noinline accessors that the compiler
// treats as opaque.
type MemoryRegion struct {
	mem []byte
}

// NewMemoryRegion wraps a mapped register range.
func NewMemoryRegion(mem []byte) *MemoryRegion {
	return &MemoryRegion{mem: mem}
}

// Len returns the size of the window in bytes.
func (r *MemoryRegion) Len() int {
	return len(r.mem)
}

//go:noinline
func volatileLoad8(p *uint8) uint8 { return *p }

//go:noinline
func volatileStore8(p *uint8, v uint8) { *p = v }

//go:noinline
func volatileLoad16(p *uint16) uint16 { return *p }

//go:noinline
func volatileStore16(p *uint16, v uint16) { *p = v }

func (r *MemoryRegion) Load8(off uint) uint8 {
	return volatileLoad8(&r.mem[off])
}

func (r *MemoryRegion) Store8(off uint, v uint8) {
	volatileStore8(&r.mem[off], v)
}

func (r *MemoryRegion) Load16(off uint) uint16 {
	_ = r.mem[off+1]
	return volatileLoad16((*uint16)(unsafe.Pointer(&r.mem[off])))
}

func (r *MemoryRegion) Store16(off uint, v uint16) {
	_ = r.mem[off+1]
	volatileStore16((*uint16)(unsafe.Pointer(&r.mem[off])), v)
}

func (r *MemoryRegion) Load32(off uint) uint32 {
	_ = r.mem[off+3]
	return atomic.LoadUint32((*uint32)(unsafe.Pointer(&r.mem[off])))
}

func (r *MemoryRegion) Store32(off uint, v uint32) {
	_ = r.mem[off+3]
	atomic.StoreUint32((*uint32)(unsafe.Pointer(&r.mem[off])), v)
}

func (r *MemoryRegion) Load64(off uint) uint64 {
	_ = r.mem[off+7]
	return atomic.LoadUint64((*uint64)(unsafe.Pointer(&r.mem[off])))
}

func (r *MemoryRegion) Store64(off uint, v uint64) {
	_ = r.mem[off+7]
	atomic.StoreUint64((*uint64)(unsafe.Pointer(&r.mem[off])), v)
}
