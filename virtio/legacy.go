package virtio

import (
	"fmt"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/virtiod/virtiod/pci"
	"github.com/virtiod/virtiod/virtio/virtqueue"
)

// Register offsets of the legacy transport, all relative to one I/O port
// base.
const (
	legacyDeviceFeatures  = 0  // u32
	legacyDriverFeatures  = 4  // u32
	legacyQueueAddress    = 8  // u32, physical address >> 12
	legacyQueueSize       = 12 // u16
	legacyQueueSelect     = 14 // u16
	legacyQueueNotify     = 16 // u16
	legacyDeviceStatus    = 18 // u8
	legacyISRStatus       = 19 // u8
	legacyConfigMsix      = 20 // u16
	legacyQueueMsixVector = 22 // u16

	// legacyDeviceConfig is where the device-specific configuration block
	// starts once MSI-X is enabled, which this driver always does.
	legacyDeviceConfig = 0x18
)

// LegacyTransport drives a device that predates the capability-based
// interface: all registers live at fixed offsets from one port base, the
// feature space is 32 bits, there is no FEATURES_OK acknowledgment and no
// per-queue enable bit, and each queue occupies one contiguous allocation
// whose page number is programmed into a single address register.
type LegacyTransport struct {
	mu   sync.Mutex
	regs pci.RegisterBlock

	opts transportOptions

	nextQueue uint16
}

// NewLegacyTransport builds a transport over the port register window of
// BAR0. Most callers go through Probe instead.
func NewLegacyTransport(regs pci.RegisterBlock, opts ...Option) *LegacyTransport {
	return &LegacyTransport{
		regs: regs,
		opts: applyOptions(opts),
	}
}

func (t *LegacyTransport) Reset() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.regs.Store8(legacyDeviceStatus, 0)
	return awaitReset(func() Status {
		return Status(t.regs.Load8(legacyDeviceStatus))
	})
}

func (t *LegacyTransport) CheckDeviceFeature(f Feature) bool {
	if f.high() != 0 {
		// The legacy feature space ends at bit 31.
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	return t.regs.Load32(legacyDeviceFeatures)&f.low() == f.low()
}

func (t *LegacyTransport) AckDriverFeature(f Feature) error {
	if !t.CheckDeviceFeature(f) {
		return &FeatureNotSupportedError{Feature: f}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	current := t.regs.Load32(legacyDriverFeatures)
	t.regs.Store32(legacyDriverFeatures, current|f.low())
	return nil
}

// FinalizeFeatures is a no-op: legacy devices have no FEATURES_OK bit to
// acknowledge with.
func (t *LegacyTransport) FinalizeFeatures() error {
	return nil
}

func (t *LegacyTransport) RunDevice() {
	t.InsertStatus(StatusDriverOK)
}

func (t *LegacyTransport) InsertStatus(s Status) {
	t.mu.Lock()
	defer t.mu.Unlock()
	old := t.regs.Load8(legacyDeviceStatus)
	t.regs.Store8(legacyDeviceStatus, old|uint8(s))
}

func (t *LegacyTransport) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Status(t.regs.Load8(legacyDeviceStatus))
}

func (t *LegacyTransport) SetupConfigNotify(vector uint16) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.regs.Store16(legacyConfigMsix, vector)
}

// ConfigGeneration always reports zero: legacy devices have no
// generation counter, their configuration is assumed stable.
func (t *LegacyTransport) ConfigGeneration() uint8 {
	return 0
}

// legacyBell rings the shared notify register with the queue index.
type legacyBell struct {
	regs pci.RegisterBlock
}

func (b *legacyBell) Ring(queueIndex uint16) {
	b.regs.Store16(legacyQueueNotify, queueIndex)
}

func (t *LegacyTransport) SetupQueue(vector uint16, irq virtqueue.IRQ) (*virtqueue.Queue, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	index := t.nextQueue
	t.regs.Store16(legacyQueueSelect, index)

	size := t.regs.Load16(legacyQueueSize)
	if size == 0 {
		return nil, fmt.Errorf("%w: queue %d", ErrQueueUnavailable, index)
	}
	if err := virtqueue.CheckQueueSize(int(size)); err != nil {
		return nil, fmt.Errorf("queue %d: %w", index, err)
	}

	// Reading the ISR register acknowledges the interrupt at the device
	// and distinguishes queue interrupts from config changes; legacy
	// delivery requires it on every wakeup.
	ack := func() {
		_ = t.regs.Load8(legacyISRStatus)
	}

	q, err := virtqueue.New(t.opts.alloc, index, int(size), vector, &legacyBell{regs: t.regs}, irq,
		virtqueue.WithContiguousLayout(),
		virtqueue.WithInterruptAck(ack),
		virtqueue.WithLogger(t.opts.log))
	if err != nil {
		return nil, fmt.Errorf("queue %d: %w", index, err)
	}

	if err := t.programQueueLocked(q); err != nil {
		_ = q.Close()
		return nil, err
	}
	t.nextQueue++

	t.opts.log.WithFields(logrus.Fields{
		"queue": index,
		"size":  size,
	}).Info("Enabled legacy virtqueue")

	return q, nil
}

// ReinitQueue is not supported: re-programming a legacy queue would
// require re-validating the combined allocation against a possibly
// changed device-advertised size.
func (t *LegacyTransport) ReinitQueue(*virtqueue.Queue) error {
	return fmt.Errorf("legacy transport cannot reinitialize queues")
}

func (t *LegacyTransport) programQueueLocked(q *virtqueue.Queue) error {
	base := q.DescriptorTableAddress()
	if base%uint64(os.Getpagesize()) != 0 {
		return ErrMisalignedQueue
	}

	t.regs.Store16(legacyQueueMsixVector, q.Vector())
	if t.regs.Load16(legacyQueueMsixVector) != q.Vector() {
		return fmt.Errorf("device did not accept MSI-X vector %d for queue %d", q.Vector(), q.Index())
	}

	// The device derives the ring locations from the page number of the
	// combined allocation.
	t.regs.Store32(legacyQueueAddress, uint32(base>>12))
	return nil
}

func (t *LegacyTransport) LoadConfig(offset uint, size uint) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	offset += legacyDeviceConfig
	switch size {
	case 1:
		return uint64(t.regs.Load8(offset))
	case 2:
		return uint64(t.regs.Load16(offset))
	case 4:
		return uint64(t.regs.Load32(offset))
	case 8:
		return t.regs.Load64(offset)
	default:
		panic(fmt.Sprintf("invalid config read size %d", size))
	}
}
