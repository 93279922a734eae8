package virtio

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"
	"time"
)

const (
	eventuallyTimeout = 2 * time.Second
	eventuallyTick    = time.Millisecond
)

// fakeQueueState is the per-queue register state of fakeCommonBlock.
type fakeQueueState struct {
	size      uint16
	notifyOff uint16
	msix      uint16
	enabled   bool

	desc   uint64
	driver uint64
	device uint64
}

// fakeCommonBlock models the common configuration block of a
// cooperating device. It reacts to register writes the way real hardware
// would: feature words are selector-indexed, status writes may be
// rejected, and queue registers are per selected queue.
//
// It is not safe for concurrent use; the transports serialize access.
type fakeCommonBlock struct {
	deviceFeatures [2]uint32
	driverFeatures [2]uint32
	devFeatSel     uint32
	drvFeatSel     uint32

	status uint8
	// rejectFeatures makes the device clear FEATURES_OK on every status
	// write, simulating a device that refuses the negotiated subset.
	rejectFeatures bool
	// stickyStatus makes the device ignore reset writes, simulating a
	// device that never confirms a reset.
	stickyStatus bool

	numQueues   uint16
	queueSelect uint16
	queues      []fakeQueueState
	// rejectVector makes the device answer NO_VECTOR (0xFFFF) to every
	// queue MSI-X vector write.
	rejectVector bool

	msixConfig uint16

	// generations is read front to back by generation reads; the last
	// value repeats once exhausted.
	generations []uint8
}

func (b *fakeCommonBlock) current() *fakeQueueState {
	if int(b.queueSelect) >= len(b.queues) {
		panic(fmt.Sprintf("selected nonexistent queue %d", b.queueSelect))
	}
	return &b.queues[b.queueSelect]
}

func (b *fakeCommonBlock) Load8(off uint) uint8 {
	switch off {
	case cfgDeviceStatus:
		return b.status
	case cfgConfigGeneration:
		if len(b.generations) == 0 {
			return 0
		}
		g := b.generations[0]
		if len(b.generations) > 1 {
			b.generations = b.generations[1:]
		}
		return g
	}
	panic(fmt.Sprintf("unexpected 8-bit load at offset %d", off))
}

func (b *fakeCommonBlock) Store8(off uint, v uint8) {
	if off != cfgDeviceStatus {
		panic(fmt.Sprintf("unexpected 8-bit store at offset %d", off))
	}
	if v == 0 {
		if !b.stickyStatus {
			b.status = 0
		}
		return
	}
	if b.rejectFeatures {
		v &^= uint8(StatusFeaturesOK)
	}
	b.status = v
}

func (b *fakeCommonBlock) Load16(off uint) uint16 {
	switch off {
	case cfgNumQueues:
		return b.numQueues
	case cfgMsixConfig:
		return b.msixConfig
	case cfgQueueSelect:
		return b.queueSelect
	case cfgQueueSize:
		return b.current().size
	case cfgQueueNotifyOff:
		return b.current().notifyOff
	case cfgQueueMsixVector:
		if b.rejectVector {
			return 0xFFFF
		}
		return b.current().msix
	case cfgQueueEnable:
		if b.current().enabled {
			return 1
		}
		return 0
	}
	panic(fmt.Sprintf("unexpected 16-bit load at offset %d", off))
}

func (b *fakeCommonBlock) Store16(off uint, v uint16) {
	switch off {
	case cfgMsixConfig:
		b.msixConfig = v
	case cfgQueueSelect:
		b.queueSelect = v
	case cfgQueueMsixVector:
		b.current().msix = v
	case cfgQueueEnable:
		b.current().enabled = v == 1
	default:
		panic(fmt.Sprintf("unexpected 16-bit store at offset %d", off))
	}
}

func (b *fakeCommonBlock) Load32(off uint) uint32 {
	switch off {
	case cfgDeviceFeature:
		return b.deviceFeatures[b.devFeatSel&1]
	case cfgDriverFeature:
		return b.driverFeatures[b.drvFeatSel&1]
	}
	panic(fmt.Sprintf("unexpected 32-bit load at offset %d", off))
}

func (b *fakeCommonBlock) Store32(off uint, v uint32) {
	switch off {
	case cfgDeviceFeatureSelect:
		b.devFeatSel = v
	case cfgDriverFeatureSelect:
		b.drvFeatSel = v
	case cfgDriverFeature:
		b.driverFeatures[b.drvFeatSel&1] = v
	default:
		panic(fmt.Sprintf("unexpected 32-bit store at offset %d", off))
	}
}

func (b *fakeCommonBlock) Load64(off uint) uint64 {
	switch off {
	case cfgQueueDesc:
		return b.current().desc
	case cfgQueueDriver:
		return b.current().driver
	case cfgQueueDevice:
		return b.current().device
	}
	panic(fmt.Sprintf("unexpected 64-bit load at offset %d", off))
}

func (b *fakeCommonBlock) Store64(off uint, v uint64) {
	switch off {
	case cfgQueueDesc:
		b.current().desc = v
	case cfgQueueDriver:
		b.current().driver = v
	case cfgQueueDevice:
		b.current().device = v
	default:
		panic(fmt.Sprintf("unexpected 64-bit store at offset %d", off))
	}
}

// fakeLegacyBlock models the port register window of a legacy device.
type fakeLegacyBlock struct {
	deviceFeatures uint32
	driverFeatures uint32
	queueAddress   uint32
	queueSelect    uint16
	queueSizes     []uint16
	lastNotify     uint16
	notifyCount    int
	status         uint8
	isr            uint8
	isrReads       atomic.Int32
	msixConfig     uint16
	queueMsix      uint16

	config [8]byte
}

func (b *fakeLegacyBlock) Load8(off uint) uint8 {
	switch off {
	case legacyDeviceStatus:
		return b.status
	case legacyISRStatus:
		b.isrReads.Add(1)
		return b.isr
	}
	if off >= legacyDeviceConfig && off < legacyDeviceConfig+uint(len(b.config)) {
		return b.config[off-legacyDeviceConfig]
	}
	panic(fmt.Sprintf("unexpected 8-bit load at offset %d", off))
}

func (b *fakeLegacyBlock) Store8(off uint, v uint8) {
	if off != legacyDeviceStatus {
		panic(fmt.Sprintf("unexpected 8-bit store at offset %d", off))
	}
	b.status = v
}

func (b *fakeLegacyBlock) Load16(off uint) uint16 {
	switch off {
	case legacyQueueSize:
		if int(b.queueSelect) >= len(b.queueSizes) {
			return 0
		}
		return b.queueSizes[b.queueSelect]
	case legacyQueueSelect:
		return b.queueSelect
	case legacyConfigMsix:
		return b.msixConfig
	case legacyQueueMsixVector:
		return b.queueMsix
	}
	if off >= legacyDeviceConfig && off+2 <= legacyDeviceConfig+uint(len(b.config)) {
		return binary.LittleEndian.Uint16(b.config[off-legacyDeviceConfig:])
	}
	panic(fmt.Sprintf("unexpected 16-bit load at offset %d", off))
}

func (b *fakeLegacyBlock) Store16(off uint, v uint16) {
	switch off {
	case legacyQueueSelect:
		b.queueSelect = v
	case legacyQueueNotify:
		b.lastNotify = v
		b.notifyCount++
	case legacyConfigMsix:
		b.msixConfig = v
	case legacyQueueMsixVector:
		b.queueMsix = v
	default:
		panic(fmt.Sprintf("unexpected 16-bit store at offset %d", off))
	}
}

func (b *fakeLegacyBlock) Load32(off uint) uint32 {
	switch off {
	case legacyDeviceFeatures:
		return b.deviceFeatures
	case legacyDriverFeatures:
		return b.driverFeatures
	case legacyQueueAddress:
		return b.queueAddress
	}
	if off >= legacyDeviceConfig && off+4 <= legacyDeviceConfig+uint(len(b.config)) {
		return binary.LittleEndian.Uint32(b.config[off-legacyDeviceConfig:])
	}
	panic(fmt.Sprintf("unexpected 32-bit load at offset %d", off))
}

func (b *fakeLegacyBlock) Store32(off uint, v uint32) {
	switch off {
	case legacyDriverFeatures:
		b.driverFeatures = v
	case legacyQueueAddress:
		b.queueAddress = v
	default:
		panic(fmt.Sprintf("unexpected 32-bit store at offset %d", off))
	}
}

func (b *fakeLegacyBlock) Load64(off uint) uint64 {
	if off >= legacyDeviceConfig && off+8 <= legacyDeviceConfig+uint(len(b.config)) {
		return binary.LittleEndian.Uint64(b.config[off-legacyDeviceConfig:])
	}
	panic(fmt.Sprintf("unexpected 64-bit load at offset %d", off))
}

func (b *fakeLegacyBlock) Store64(off uint, v uint64) {
	panic(fmt.Sprintf("unexpected 64-bit store at offset %d", off))
}

// fakeIRQ is a channel-backed interrupt handle.
type fakeIRQ struct {
	ch chan struct{}
}

func newFakeIRQ() *fakeIRQ {
	return &fakeIRQ{ch: make(chan struct{}, 16)}
}

func (i *fakeIRQ) Wait() error {
	<-i.ch
	return nil
}

func (i *fakeIRQ) Trigger() error {
	i.ch <- struct{}{}
	return nil
}
