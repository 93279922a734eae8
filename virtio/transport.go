package virtio

import (
	"io"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/virtiod/virtiod/dma"
	"github.com/virtiod/virtiod/virtio/virtqueue"
)

// Transport is the operation set every virtio transport exposes,
// regardless of whether it speaks the modern capability-based register
// layout or the legacy port-based one. Callers drive it strictly in
// handshake order: reset, feature negotiation, FinalizeFeatures, queue
// setup, RunDevice — only then may queues be used.
type Transport interface {
	// Reset writes status zero and spins until the device confirms,
	// bounded by a timeout.
	Reset() error

	// CheckDeviceFeature reports whether the device offers all bits of f.
	CheckDeviceFeature(f Feature) bool

	// AckDriverFeature acknowledges the given feature bits. Every bit
	// must have been offered by the device.
	AckDriverFeature(f Feature) error

	// FinalizeFeatures completes feature negotiation. After it returns,
	// no further features may be acknowledged.
	FinalizeFeatures() error

	// RunDevice sets DRIVER_OK. Only after this call may any queue be
	// notified.
	RunDevice()

	// InsertStatus adds status bits to the device-status byte.
	InsertStatus(s Status)

	// Status reads the current device-status byte.
	Status() Status

	// SetupQueue selects the next queue index, allocates its rings,
	// programs the device and starts an interrupt listener bound to the
	// given handle and vector.
	SetupQueue(vector uint16, irq virtqueue.IRQ) (*virtqueue.Queue, error)

	// ReinitQueue re-programs an existing queue into the device, which is
	// needed after a device reset.
	ReinitQueue(q *virtqueue.Queue) error

	// SetupConfigNotify requests configuration-change notifications on
	// the given MSI-X vector.
	SetupConfigNotify(vector uint16)

	// ConfigGeneration returns the device-config generation counter.
	ConfigGeneration() uint8

	// LoadConfig reads size bytes (1, 2, 4 or 8) at the given offset of
	// the device-specific configuration block. Any other size is a
	// programming error and panics.
	LoadConfig(offset uint, size uint) uint64
}

// resetTimeout bounds how long a transport spins waiting for the device
// to confirm a reset.
const resetTimeout = time.Second

// awaitReset spins until the status byte reads back zero.
func awaitReset(status func() Status) error {
	deadline := time.Now().Add(resetTimeout)
	for status() != 0 {
		if time.Now().After(deadline) {
			return ErrDeviceResetTimeout
		}
		time.Sleep(50 * time.Microsecond)
	}
	return nil
}

// transportOptions are shared by both transports and by Probe.
type transportOptions struct {
	alloc dma.Allocator
	log   *logrus.Logger
}

// Option configures a transport or a probe.
type Option func(*transportOptions)

func applyOptions(opts []Option) transportOptions {
	o := transportOptions{
		alloc: dma.HostAllocator{},
		log:   silentLogger(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func silentLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// WithAllocator installs the physical memory provider used for queue
// allocations. The default host allocator only suits same-host devices.
func WithAllocator(alloc dma.Allocator) Option {
	return func(o *transportOptions) {
		o.alloc = alloc
	}
}

// WithLogger makes the transport log through the given logger.
func WithLogger(l *logrus.Logger) Option {
	return func(o *transportOptions) {
		o.log = l
	}
}
