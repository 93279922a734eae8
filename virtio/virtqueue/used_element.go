package virtqueue

// usedElementSize is the number of bytes a [UsedElement] occupies in
// memory.
const usedElementSize = 8

// UsedElement is an element of the [UsedRing] and describes a descriptor
// chain the device is done with.
type UsedElement struct {
	// DescriptorIndex is the index of the head of the used descriptor
	// chain in the descriptor table. It is 32-bit for padding reasons; the
	// value never exceeds 16 bits.
	DescriptorIndex uint32
	// Length is the number of bytes the device wrote into the
	// device-writable buffers of the chain.
	Length uint32
}

// Head returns the head descriptor index of the completed chain.
func (u UsedElement) Head() uint16 {
	return uint16(u.DescriptorIndex)
}
