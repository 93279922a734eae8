package pci

import (
	"fmt"
	"os"
)

// Function is the handle to one PCI function, handed to a driver by
// whatever enumerated the bus. It exposes exactly what the virtio
// transport needs: the raw vendor capability records and access to the
// function's BARs.
type Function interface {
	// VendorCapabilities returns the raw bodies of all vendor-specific
	// capability records of this function, in configuration-space order.
	VendorCapabilities() ([][]byte, error)

	// MapBAR maps length bytes of a memory BAR starting at offset as
	// device-uncacheable memory. The offset must be page aligned; use
	// MapRegion when it is not.
	MapBAR(index uint8, offset, length uint64) ([]byte, error)

	// PortBAR returns a register window for an I/O port BAR, or false if
	// the BAR is not an I/O port BAR.
	PortBAR(index uint8) (RegisterBlock, bool)
}

// MapRegion maps an arbitrary (bar, offset, length) range described by a
// capability record. BAR mappings are page granular, so the offset is
// aligned down to the containing page and the intra-page remainder is
// re-applied to the returned window.
func MapRegion(fn Function, cap Capability) (*MemoryRegion, error) {
	pageSize := uint64(os.Getpagesize())

	offset := uint64(cap.Offset)
	aligned := offset &^ (pageSize - 1)
	remainder := offset - aligned

	mem, err := fn.MapBAR(cap.Bar, aligned, remainder+uint64(cap.Length))
	if err != nil {
		return nil, fmt.Errorf("map %s region (bar %d offset %#x length %#x): %w",
			cap.Kind, cap.Bar, cap.Offset, cap.Length, err)
	}

	return NewMemoryRegion(mem[remainder : remainder+uint64(cap.Length)]), nil
}
