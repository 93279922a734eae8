package virtqueue

// descriptorFlag is a flag that describes a [Descriptor].
type descriptorFlag uint16

const (
	// descriptorFlagHasNext marks a descriptor chain as continuing via the
	// next field.
	descriptorFlagHasNext descriptorFlag = 1 << iota
	// descriptorFlagWritable marks a buffer as device write-only (otherwise
	// device read-only).
	descriptorFlagWritable
	// descriptorFlagIndirect means the buffer contains a further list of
	// descriptors. Only valid when the indirect-descriptors feature was
	// negotiated.
	descriptorFlagIndirect
)

// descriptorSize is the number of bytes a [Descriptor] occupies in memory.
const descriptorSize = 16

// Descriptor describes one buffer of a chain: where the device finds it,
// how long it is, whether the device may write to it and, when the chain
// continues, the index of the next descriptor. The memory layout is fixed
// by the virtio specification: address(u64), length(u32), flags(u16),
// next(u16), little-endian.
type Descriptor struct {
	// address is the guest-physical address of the buffer.
	address uint64
	// length is the number of bytes stored at address.
	length uint32
	// flags describe this descriptor.
	flags descriptorFlag
	// next is the index of the descriptor continuing this chain when
	// descriptorFlagHasNext is set.
	next uint16
}
