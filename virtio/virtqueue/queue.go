package virtqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"github.com/virtiod/virtiod/dma"
)

// Bell signals the device that a queue has new work. Implementations
// perform a single register write; ringing redundantly is harmless beyond
// the device re-scanning the available ring.
type Bell interface {
	Ring(queueIndex uint16)
}

// IRQ is the waitable interrupt handle a queue's dispatcher blocks on.
// Trigger exists so the owner can wake the dispatcher, e.g. on shutdown;
// device-originated interrupts arrive through the same mechanism.
type IRQ interface {
	Wait() error
	Trigger() error
}

// Queue is one split virtqueue: descriptor table, available ring and used
// ring in device-visible memory, plus the driver-private free pool and
// pending-completion table. All bookkeeping is guarded by one mutex so
// ring state, free pool and pending table can never disagree.
type Queue struct {
	index  uint16
	size   int
	vector uint16

	mu              sync.Mutex
	descriptorTable *DescriptorTable
	availableRing   *AvailableRing
	usedRing        *UsedRing
	// pending maps the head descriptor index of each in-flight chain to
	// the channel that resumes its suspended sender.
	pending map[uint16]chan uint32
	// freed is closed and replaced whenever descriptors return to the
	// free pool, waking senders blocked on a full queue.
	freed chan struct{}

	// buffers owns the device-visible memory regions backing the queue.
	buffers   []*dma.Buffer
	descAddr  uint64
	availAddr uint64
	usedAddr  uint64

	bell    Bell
	irq     IRQ
	ackIRQ  func()
	log     *logrus.Logger
	metrics *queueMetrics

	failWhenFull bool

	closed atomic.Bool
	done   chan struct{}
}

// New allocates a split virtqueue of the given size and, when an IRQ
// handle is supplied, starts its interrupt dispatcher. The caller
// programs the returned ring addresses into the device before using the
// queue.
func New(alloc dma.Allocator, index uint16, queueSize int, vector uint16, bell Bell, irq IRQ, opts ...Option) (*Queue, error) {
	if err := CheckQueueSize(queueSize); err != nil {
		return nil, err
	}
	if bell == nil {
		return nil, errors.New("virtqueue: a notification bell is required")
	}

	o := applyOptions(opts)

	q := &Queue{
		index:        index,
		size:         queueSize,
		vector:       vector,
		pending:      make(map[uint16]chan uint32),
		freed:        make(chan struct{}),
		bell:         bell,
		irq:          irq,
		ackIRQ:       o.ackInterrupt,
		log:          o.logger,
		metrics:      newQueueMetrics(index),
		failWhenFull: o.failWhenFull,
		done:         make(chan struct{}),
	}

	var err error
	if o.contiguous {
		err = q.allocateContiguous(alloc, queueSize)
	} else {
		err = q.allocateSplit(alloc, queueSize)
	}
	if err != nil {
		_ = q.releaseBuffers()
		return nil, err
	}

	q.descriptorTable.initialize()

	if irq != nil {
		go q.serveInterrupts()
	} else {
		close(q.done)
	}

	return q, nil
}

// allocateSplit places each queue part in its own physically-contiguous
// allocation. The allocations are page aligned, which satisfies the
// 16/2/4 byte alignment the parts require.
func (q *Queue) allocateSplit(alloc dma.Allocator, queueSize int) error {
	descBuf, err := alloc.AllocatePhysical(descriptorTableSize(queueSize))
	if err != nil {
		return fmt.Errorf("allocate descriptor table: %w", err)
	}
	availBuf, err := alloc.AllocatePhysical(availableRingSize(queueSize))
	if err != nil {
		return fmt.Errorf("allocate available ring: %w", err)
	}
	usedBuf, err := alloc.AllocatePhysical(usedRingSize(queueSize))
	if err != nil {
		return fmt.Errorf("allocate used ring: %w", err)
	}

	q.buffers = []*dma.Buffer{descBuf, availBuf, usedBuf}
	q.descAddr = descBuf.PhysicalAddress()
	q.availAddr = availBuf.PhysicalAddress()
	q.usedAddr = usedBuf.PhysicalAddress()

	q.descriptorTable = newDescriptorTable(queueSize, descBuf.Bytes()[:descriptorTableSize(queueSize)])
	q.availableRing = newAvailableRing(queueSize, availBuf.Bytes()[:availableRingSize(queueSize)])
	q.usedRing = newUsedRing(queueSize, usedBuf.Bytes()[:usedRingSize(queueSize)])
	return nil
}

// legacyQueueAlign is the boundary the used ring must start at in the
// combined legacy layout. It is a fixed protocol constant, not the host
// page size.
const legacyQueueAlign = 4096

// allocateContiguous places all three queue parts in one allocation at
// the relative offsets a legacy device derives from the queue size
// alone: the available ring directly follows the descriptor table and
// the used ring starts at the next 4096-byte boundary. Only the base
// address is page aligned, since the device receives just base>>12.
func (q *Queue) allocateContiguous(alloc dma.Allocator, queueSize int) error {
	descStart := 0
	availStart := descStart + descriptorTableSize(queueSize)
	usedStart := alignUp(availStart+availableRingSize(queueSize), legacyQueueAlign)
	total := alignUp(usedStart+usedRingSize(queueSize), pageSize())

	buf, err := alloc.AllocatePhysical(total)
	if err != nil {
		return fmt.Errorf("allocate virtqueue memory: %w", err)
	}

	q.buffers = []*dma.Buffer{buf}
	q.descAddr = buf.PhysicalAddress()
	q.availAddr = buf.PhysicalAddress() + uint64(availStart)
	q.usedAddr = buf.PhysicalAddress() + uint64(usedStart)

	mem := buf.Bytes()
	q.descriptorTable = newDescriptorTable(queueSize, mem[descStart:descStart+descriptorTableSize(queueSize)])
	q.availableRing = newAvailableRing(queueSize, mem[availStart:availStart+availableRingSize(queueSize)])
	q.usedRing = newUsedRing(queueSize, mem[usedStart:usedStart+usedRingSize(queueSize)])
	return nil
}

// Index returns the queue index the device knows this queue by.
func (q *Queue) Index() uint16 {
	return q.index
}

// Size returns the number of descriptors the queue holds.
func (q *Queue) Size() int {
	return q.size
}

// Vector returns the interrupt vector assigned to this queue.
func (q *Queue) Vector() uint16 {
	return q.vector
}

// DescriptorTableAddress returns the physical address to program into the
// device's descriptor-table base register.
func (q *Queue) DescriptorTableAddress() uint64 {
	return q.descAddr
}

// AvailableRingAddress returns the physical address of the driver area.
func (q *Queue) AvailableRingAddress() uint64 {
	return q.availAddr
}

// UsedRingAddress returns the physical address of the device area.
func (q *Queue) UsedRingAddress() uint64 {
	return q.usedAddr
}

// FreeDescriptors returns how many descriptors are currently unused.
func (q *Queue) FreeDescriptors() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int(q.descriptorTable.freeCount())
}

// Send submits one descriptor chain and suspends the caller until the
// device reports the chain as used, returning the number of bytes the
// device wrote. The device may complete chains in any order and may write
// fewer bytes than offered; the returned count is authoritative.
//
// When the free pool cannot hold the chain, Send blocks until completions
// free enough descriptors, unless the queue was created with
// WithFailWhenFull, in which case it returns ErrNotEnoughFreeDescriptors.
//
// A caller that gives up early (context cancellation) abandons its
// completion: the protocol has no recall primitive, so the descriptors
// stay owned by the queue until the device eventually returns them.
func (q *Queue) Send(ctx context.Context, chain Chain) (uint32, error) {
	if err := chain.check(); err != nil {
		return 0, err
	}

	q.mu.Lock()
	var head uint16
	for {
		var err error
		head, err = q.descriptorTable.allocateChain(chain)
		if err == nil {
			break
		}
		if !errors.Is(err, ErrNotEnoughFreeDescriptors) || q.failWhenFull {
			q.mu.Unlock()
			return 0, err
		}

		// Wait outside the lock for a completion to return descriptors.
		freed := q.freed
		q.mu.Unlock()
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-freed:
		}
		q.mu.Lock()
	}

	// The pending entry must exist before the chain is visible to the
	// device, otherwise a fast completion would look spurious.
	complete := make(chan uint32, 1)
	q.pending[head] = complete
	q.availableRing.offer(head)
	q.mu.Unlock()

	// The doorbell is I/O and stays outside the critical section.
	q.bell.Ring(q.index)
	q.metrics.kicks.Inc(1)

	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case written := <-complete:
		return written, nil
	}
}

// serveInterrupts is the queue's single resumer: it blocks on the
// interrupt handle and drains completions until the queue is closed.
func (q *Queue) serveInterrupts() {
	defer close(q.done)

	for {
		if err := q.irq.Wait(); err != nil {
			if !q.closed.Load() {
				q.log.WithError(err).WithField("queue", q.index).
					Error("Interrupt wait failed, stopping dispatcher")
			}
			return
		}
		if q.closed.Load() {
			return
		}

		q.metrics.interrupts.Inc(1)

		// For legacy/INTx delivery this read also acknowledges the
		// interrupt at the device.
		if q.ackIRQ != nil {
			q.ackIRQ()
		}

		q.drain()
	}
}

// drain consumes every new used-ring entry, wakes the matching senders
// and returns their descriptors to the free pool. A single interrupt may
// cover several coalesced completions, or none at all.
func (q *Queue) drain() {
	q.mu.Lock()
	defer q.mu.Unlock()

	for {
		elem, ok := q.usedRing.take()
		if !ok {
			return
		}

		head := elem.Head()
		complete, ok := q.pending[head]
		if !ok {
			// A misbehaving device produced a completion we never asked
			// for. Recoverable: log it and move on.
			q.metrics.spurious.Inc(1)
			q.log.WithFields(logrus.Fields{
				"queue":      q.index,
				"descriptor": head,
			}).Warn("Discarding spurious completion")
			continue
		}
		delete(q.pending, head)

		if _, err := q.descriptorTable.freeChain(head); err != nil {
			q.log.WithError(err).WithField("descriptor", head).
				Error("Failed to free completed descriptor chain")
		}

		q.metrics.completions.Inc(1)

		// The channel is buffered, so an abandoned sender cannot block
		// the dispatcher.
		complete <- elem.Length

		// Wake senders waiting for free descriptors.
		close(q.freed)
		q.freed = make(chan struct{})
	}
}

// Close stops the interrupt dispatcher and releases the queue memory.
// The device must no longer use the queue when Close is called; the
// protocol offers no teardown handshake, so this normally only happens
// at process exit or after a device reset.
func (q *Queue) Close() error {
	if q.closed.Swap(true) {
		return nil
	}

	if q.irq != nil {
		// The dispatcher blocks until it sees an interrupt, so produce
		// one ourselves to make it notice the closed flag.
		if err := q.irq.Trigger(); err != nil {
			return fmt.Errorf("wake dispatcher: %w", err)
		}
	}
	<-q.done

	return q.releaseBuffers()
}

func (q *Queue) releaseBuffers() error {
	var errs []error
	for _, buf := range q.buffers {
		if err := buf.Free(); err != nil {
			errs = append(errs, err)
		}
	}
	q.buffers = nil
	return errors.Join(errs...)
}
