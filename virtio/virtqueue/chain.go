package virtqueue

import "errors"

// ErrChainEmpty is returned when a chain would contain no buffers, which
// the protocol does not allow.
var ErrChainEmpty = errors.New("empty descriptor chains are not allowed")

// Buffer describes one physically-contiguous piece of a request: where it
// lives, how long it is and whether the device writes into it or reads
// from it. Device-readable buffers must come before device-writable ones
// in a chain.
type Buffer struct {
	// Address is the guest-physical address of the buffer.
	Address uint64
	// Length is the buffer length in bytes.
	Length uint32
	// DeviceWritable marks the buffer as write-only for the device. When
	// false, the buffer is read-only for the device.
	DeviceWritable bool
}

// Out describes a device-readable buffer.
func Out(addr uint64, length uint32) Buffer {
	return Buffer{Address: addr, Length: length}
}

// In describes a device-writable buffer.
func In(addr uint64, length uint32) Buffer {
	return Buffer{Address: addr, Length: length, DeviceWritable: true}
}

// Chain is an ordered, non-empty list of buffers describing one logical
// request. Once submitted, the descriptors carrying it belong to the
// queue until the matching completion is observed.
type Chain []Buffer

func (c Chain) check() error {
	if len(c) == 0 {
		return ErrChainEmpty
	}
	return nil
}
