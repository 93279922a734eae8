package virtqueue

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

type options struct {
	logger       *logrus.Logger
	contiguous   bool
	failWhenFull bool
	ackInterrupt func()
}

// Option configures how a [Queue] is created.
type Option func(*options)

func applyOptions(opts []Option) options {
	o := options{
		logger: discardLogger(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func discardLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// WithLogger makes the queue log through the given logger instead of
// staying silent.
func WithLogger(l *logrus.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithContiguousLayout places descriptor table, available ring and used
// ring in a single physically-contiguous allocation at the size-derived
// offsets legacy devices compute from the queue base address.
// Capability-based transports program the three addresses independently
// and don't need this.
func WithContiguousLayout() Option {
	return func(o *options) {
		o.contiguous = true
	}
}

// WithFailWhenFull makes Send return ErrNotEnoughFreeDescriptors when the
// free pool cannot hold a chain, instead of suspending the caller until
// completions free descriptors.
func WithFailWhenFull() Option {
	return func(o *options) {
		o.failWhenFull = true
	}
}

// WithInterruptAck installs a hook that runs on every interrupt before
// the used ring is drained. Legacy transports use it to read the ISR
// status register, which acknowledges the interrupt at the device.
func WithInterruptAck(f func()) Option {
	return func(o *options) {
		o.ackInterrupt = f
	}
}

// pageSize is a trivial indirection over os.Getpagesize to keep the
// layout math readable.
func pageSize() int {
	return os.Getpagesize()
}

// alignUp rounds n up to the next multiple of alignment.
func alignUp(n, alignment int) int {
	remainder := n % alignment
	if remainder == 0 {
		return n
	}
	return n + alignment - remainder
}
