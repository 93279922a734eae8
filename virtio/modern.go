package virtio

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/virtiod/virtiod/pci"
	"github.com/virtiod/virtiod/virtio/virtqueue"
)

// ModernTransport drives a device through the capability-based register
// layout: a common configuration block, a notify region addressed via the
// per-queue notify offset and the notify multiplier, a device-specific
// configuration block and the ISR status byte.
type ModernTransport struct {
	mu     sync.Mutex
	common commonConfig
	notify pci.RegisterBlock
	device pci.RegisterBlock
	isr    pci.RegisterBlock

	// notifyMultiplier scales queue_notify_off into a byte offset within
	// the notify region.
	notifyMultiplier uint32

	opts transportOptions

	// nextQueue is the next driver-assigned queue index.
	nextQueue uint16

	featuresOK bool
}

// NewModernTransport builds a transport over already-mapped register
// regions. Most callers go through Probe instead.
func NewModernTransport(common, notify, device, isr pci.RegisterBlock, notifyMultiplier uint32, opts ...Option) *ModernTransport {
	return &ModernTransport{
		common:           commonConfig{common},
		notify:           notify,
		device:           device,
		isr:              isr,
		notifyMultiplier: notifyMultiplier,
		opts:             applyOptions(opts),
	}
}

// NumQueues returns how many queues the device advertises.
func (t *ModernTransport) NumQueues() uint16 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.common.numQueues()
}

func (t *ModernTransport) Reset() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.common.setDeviceStatus(0)
	t.featuresOK = false
	return awaitReset(t.common.deviceStatus)
}

func (t *ModernTransport) CheckDeviceFeature(f Feature) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.checkDeviceFeatureLocked(f)
}

func (t *ModernTransport) checkDeviceFeatureLocked(f Feature) bool {
	if low := f.low(); low != 0 && t.common.deviceFeature(0)&low != low {
		return false
	}
	if high := f.high(); high != 0 && t.common.deviceFeature(1)&high != high {
		return false
	}
	return true
}

func (t *ModernTransport) AckDriverFeature(f Feature) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ackDriverFeatureLocked(f)
}

func (t *ModernTransport) ackDriverFeatureLocked(f Feature) error {
	if !t.checkDeviceFeatureLocked(f) {
		return &FeatureNotSupportedError{Feature: f}
	}

	if low := f.low(); low != 0 {
		t.common.setDriverFeature(0, t.common.driverFeature(0)|low)
	}
	if high := f.high(); high != 0 {
		t.common.setDriverFeature(1, t.common.driverFeature(1)|high)
	}
	return nil
}

// FinalizeFeatures acknowledges version 1 compliance, sets FEATURES_OK
// and verifies the device kept it. A cleared bit on read-back means the
// device rejected the subset: the transport marks it FAILED and the
// device must not be used further.
func (t *ModernTransport) FinalizeFeatures() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.ackDriverFeatureLocked(FeatureVersion1); err != nil {
		return err
	}

	t.common.setDeviceStatus(t.common.deviceStatus() | StatusFeaturesOK)

	if !t.common.deviceStatus().Has(StatusFeaturesOK) {
		t.common.setDeviceStatus(t.common.deviceStatus() | StatusFailed)
		return ErrFeaturesRejected
	}

	t.featuresOK = true
	return nil
}

func (t *ModernTransport) RunDevice() {
	t.InsertStatus(StatusDriverOK)
}

func (t *ModernTransport) InsertStatus(s Status) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.common.setDeviceStatus(t.common.deviceStatus() | s)
}

func (t *ModernTransport) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.common.deviceStatus()
}

func (t *ModernTransport) SetupConfigNotify(vector uint16) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.common.setMsixConfig(vector)
}

func (t *ModernTransport) ConfigGeneration() uint8 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.common.configGeneration()
}

// modernBell rings a queue's doorbell by writing the queue index at its
// notify address. The bell holds only the notify window, not the
// transport, so a queue never keeps its transport alive.
type modernBell struct {
	notify pci.RegisterBlock
	offset uint
}

func (b *modernBell) Ring(queueIndex uint16) {
	b.notify.Store16(b.offset, queueIndex)
}

func (t *ModernTransport) SetupQueue(vector uint16, irq virtqueue.IRQ) (*virtqueue.Queue, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.featuresOK {
		return nil, ErrFeaturesNotFinalized
	}

	index := t.nextQueue
	t.common.selectQueue(index)

	size := t.common.queueSize()
	if size == 0 {
		return nil, fmt.Errorf("%w: queue %d", ErrQueueUnavailable, index)
	}
	if err := virtqueue.CheckQueueSize(int(size)); err != nil {
		return nil, fmt.Errorf("queue %d: %w", index, err)
	}

	bell := &modernBell{
		notify: t.notify,
		offset: uint(t.common.queueNotifyOff()) * uint(t.notifyMultiplier),
	}

	q, err := virtqueue.New(t.opts.alloc, index, int(size), vector, bell, irq,
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
	}).Info("Enabled virtqueue")

	return q, nil
}

// ReinitQueue re-programs a queue's registers, which is needed after a
// device reset invalidated them.
func (t *ModernTransport) ReinitQueue(q *virtqueue.Queue) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.common.selectQueue(q.Index())
	return t.programQueueLocked(q)
}

// programQueueLocked writes the ring addresses, interrupt vector and
// enable flag of the currently selected queue.
func (t *ModernTransport) programQueueLocked(q *virtqueue.Queue) error {
	if q.DescriptorTableAddress()%16 != 0 {
		return ErrMisalignedQueue
	}

	t.common.setQueueAddresses(
		q.DescriptorTableAddress(),
		q.AvailableRingAddress(),
		q.UsedRingAddress(),
	)

	if got := t.common.setQueueMsixVector(q.Vector()); got != q.Vector() {
		return fmt.Errorf("device did not accept MSI-X vector %d for queue %d", q.Vector(), q.Index())
	}

	t.common.enableQueue()
	return nil
}

func (t *ModernTransport) LoadConfig(offset uint, size uint) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch size {
	case 1:
		return uint64(t.device.Load8(offset))
	case 2:
		return uint64(t.device.Load16(offset))
	case 4:
		return uint64(t.device.Load32(offset))
	case 8:
		return t.device.Load64(offset)
	default:
		panic(fmt.Sprintf("invalid config read size %d", size))
	}
}

// ISRStatus reads and thereby acknowledges the ISR status byte. Only
// relevant for INTx delivery; MSI-X vectors identify themselves.
func (t *ModernTransport) ISRStatus() uint8 {
	return t.isr.Load8(0)
}
