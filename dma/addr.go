package dma

import "unsafe"

// addrOf returns the address of the first byte of the slice. The slice must
// not be empty.
func addrOf(b []byte) unsafe.Pointer {
	return unsafe.Pointer(&b[0])
}
