// Package pci holds the boundary to the PCI bus: vendor capability
// records, BAR mappings and ordered register access. Bus enumeration
// itself lives outside this repository; drivers receive a Function handle
// from whatever discovered the device.
package pci

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// CapabilityKind identifies what a vendor-specific virtio capability
// record describes.
type CapabilityKind uint8

const (
	CapCommon       CapabilityKind = 1
	CapNotify       CapabilityKind = 2
	CapISR          CapabilityKind = 3
	CapDevice       CapabilityKind = 4
	CapPciConfig    CapabilityKind = 5
	CapSharedMemory CapabilityKind = 8
	CapVendor       CapabilityKind = 9
)

func (k CapabilityKind) String() string {
	switch k {
	case CapCommon:
		return "common"
	case CapNotify:
		return "notify"
	case CapISR:
		return "isr"
	case CapDevice:
		return "device"
	case CapPciConfig:
		return "pci-config"
	case CapSharedMemory:
		return "shared-memory"
	case CapVendor:
		return "vendor"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

// capabilityLen is the length of a capability record without the trailing
// notify multiplier: cfg_type, bar, id, two bytes of padding, offset and
// length.
const capabilityLen = 13

// notifyCapabilityLen additionally includes the 32-bit notify offset
// multiplier that only Notify records carry.
const notifyCapabilityLen = capabilityLen + 4

// ErrCapabilityTooShort is returned when a capability record does not
// contain enough bytes for its type.
var ErrCapabilityTooShort = errors.New("capability record too short")

// Capability is one parsed vendor capability record. It locates a
// configuration region inside a BAR and is immutable after parsing.
type Capability struct {
	Kind   CapabilityKind
	Bar    uint8
	ID     uint8
	Offset uint32
	Length uint32

	// NotifyMultiplier is only meaningful when Kind is CapNotify. It
	// scales queue_notify_off into a byte offset within the notify region.
	NotifyMultiplier uint32
}

// ParseCapability decodes a raw vendor capability record. Records of
// unknown kinds parse fine; callers filter on Kind.
func ParseCapability(raw []byte) (Capability, error) {
	if len(raw) < capabilityLen {
		return Capability{}, fmt.Errorf("%w: got %d bytes, want at least %d",
			ErrCapabilityTooShort, len(raw), capabilityLen)
	}

	c := Capability{
		Kind:   CapabilityKind(raw[0]),
		Bar:    raw[1],
		ID:     raw[2],
		Offset: binary.LittleEndian.Uint32(raw[5:9]),
		Length: binary.LittleEndian.Uint32(raw[9:13]),
	}

	if c.Kind == CapNotify {
		if len(raw) < notifyCapabilityLen {
			return Capability{}, fmt.Errorf("%w: notify record has %d bytes, want %d",
				ErrCapabilityTooShort, len(raw), notifyCapabilityLen)
		}
		c.NotifyMultiplier = binary.LittleEndian.Uint32(raw[13:17])
	}

	return c, nil
}

// ParseCapabilities decodes all given records, failing on the first
// malformed one.
func ParseCapabilities(raw [][]byte) ([]Capability, error) {
	caps := make([]Capability, 0, len(raw))
	for _, r := range raw {
		c, err := ParseCapability(r)
		if err != nil {
			return nil, err
		}
		caps = append(caps, c)
	}
	return caps, nil
}
