package virtqueue

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/virtiod/virtiod/dma"
	"github.com/virtiod/virtiod/eventfd"
)

type countingBell struct {
	rings atomic.Int64
}

func (b *countingBell) Ring(uint16) {
	b.rings.Add(1)
}

func newTestQueue(t *testing.T, queueSize int, irq IRQ, opts ...Option) (*Queue, *countingBell) {
	t.Helper()
	bell := &countingBell{}
	q, err := New(dma.HostAllocator{}, 0, queueSize, 0, bell, irq, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })
	return q, bell
}

// deviceComplete plays the device side: it publishes a used element for
// the given chain head. The atomic store pairs with the dispatcher's
// acquire load of the used head index.
func deviceComplete(q *Queue, head uint16, written uint32) {
	r := q.usedRing
	index := uint16(atomic.LoadUint32(r.headWord) >> 16)
	r.ring[int(index)%len(r.ring)] = UsedElement{
		DescriptorIndex: uint32(head),
		Length:          written,
	}
	atomic.StoreUint32(r.headWord, uint32(index+1)<<16)
}

// publishedHeads returns the chain heads the driver has made available so
// far, in submission order.
func publishedHeads(q *Queue) []uint16 {
	q.mu.Lock()
	defer q.mu.Unlock()
	r := q.availableRing
	heads := make([]uint16, 0, r.headIndex)
	for i := uint16(0); i < r.headIndex; i++ {
		heads = append(heads, r.ring[int(i)%len(r.ring)])
	}
	return heads
}

func waitForHeads(t *testing.T, q *Queue, n int) []uint16 {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		heads := publishedHeads(q)
		if len(heads) >= n {
			return heads
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d published chains, have %d", n, len(heads))
		}
		time.Sleep(time.Millisecond)
	}
}

func TestNewRejectsInvalidSize(t *testing.T) {
	_, err := New(dma.HostAllocator{}, 0, 0, 0, &countingBell{}, nil)
	assert.ErrorIs(t, err, ErrQueueSizeInvalid)

	_, err = New(dma.HostAllocator{}, 0, 24, 0, &countingBell{}, nil)
	assert.ErrorIs(t, err, ErrQueueSizeInvalid)
}

func TestSendRejectsEmptyChain(t *testing.T) {
	q, _ := newTestQueue(t, 8, nil)
	_, err := q.Send(context.Background(), nil)
	assert.ErrorIs(t, err, ErrChainEmpty)
}

func TestSendAndComplete(t *testing.T) {
	q, bell := newTestQueue(t, 8, nil)

	result := make(chan uint32, 1)
	go func() {
		written, err := q.Send(context.Background(), Chain{Out(0x1000, 64), In(0x2000, 512)})
		assert.NoError(t, err)
		result <- written
	}()

	heads := waitForHeads(t, q, 1)
	deviceComplete(q, heads[0], 137)
	q.drain()

	assert.EqualValues(t, 137, <-result)
	assert.EqualValues(t, 1, bell.rings.Load())
	assert.Equal(t, 8, q.FreeDescriptors())
}

func TestSendWithInterruptDispatcher(t *testing.T) {
	irq, err := eventfd.NewIRQ()
	require.NoError(t, err)
	defer irq.Close()

	acks := atomic.Int64{}
	q, _ := newTestQueue(t, 8, irq, WithInterruptAck(func() { acks.Add(1) }))

	result := make(chan uint32, 1)
	go func() {
		written, err := q.Send(context.Background(), Chain{In(0x4000, 4096)})
		assert.NoError(t, err)
		result <- written
	}()

	heads := waitForHeads(t, q, 1)
	deviceComplete(q, heads[0], 4096)
	require.NoError(t, irq.Trigger())

	select {
	case written := <-result:
		assert.EqualValues(t, 4096, written)
	case <-time.After(5 * time.Second):
		t.Fatal("sender was never resumed")
	}
	assert.EqualValues(t, 1, acks.Load())
}

func TestOutOfOrderCompletions(t *testing.T) {
	// The device may complete chains in any order; each caller must still
	// observe the byte count of its own chain.
	q, _ := newTestQueue(t, 8, nil)

	type sendResult struct {
		written uint32
		err     error
	}
	results := [2]chan sendResult{make(chan sendResult, 1), make(chan sendResult, 1)}

	for i := 0; i < 2; i++ {
		i := i
		go func() {
			written, err := q.Send(context.Background(), Chain{In(uint64(0x1000*(i+1)), 64)})
			results[i] <- sendResult{written, err}
		}()
		// Submit strictly in order so head positions are unambiguous.
		waitForHeads(t, q, i+1)
	}

	heads := publishedHeads(q)
	require.Len(t, heads, 2)

	// Complete the second submission first.
	deviceComplete(q, heads[1], 222)
	deviceComplete(q, heads[0], 111)
	q.drain()

	first := <-results[0]
	second := <-results[1]
	require.NoError(t, first.err)
	require.NoError(t, second.err)
	assert.EqualValues(t, 111, first.written)
	assert.EqualValues(t, 222, second.written)
}

func TestConcurrentSendersGetOwnByteCounts(t *testing.T) {
	const senders = 8
	q, _ := newTestQueue(t, 16, nil)

	var wg sync.WaitGroup
	for i := 0; i < senders; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			want := uint32(1000 + i)
			written, err := q.Send(context.Background(), Chain{In(uint64(0x1000*(i+1)), 64)})
			assert.NoError(t, err)
			assert.Equal(t, want, written)
		}()
	}

	heads := waitForHeads(t, q, senders)

	// Complete everything in reverse submission order. The byte count for
	// each chain is derived from the buffer address its sender used, so a
	// mixed-up wakeup would be caught by the assertions above.
	q.mu.Lock()
	addrs := make(map[uint16]uint64, senders)
	for _, head := range heads {
		addrs[head] = q.descriptorTable.descriptors[head].address
	}
	q.mu.Unlock()

	for i := len(heads) - 1; i >= 0; i-- {
		head := heads[i]
		deviceComplete(q, head, uint32(1000+addrs[head]/0x1000-1))
	}
	q.drain()
	wg.Wait()

	assert.Equal(t, 16, q.FreeDescriptors())
}

func TestQueueFullFailFast(t *testing.T) {
	q, _ := newTestQueue(t, 4, nil, WithFailWhenFull())

	for n := 0; n < 4; n++ {
		go func() {
			_, _ = q.Send(context.Background(), Chain{Out(0x1000, 1)})
		}()
	}
	waitForHeads(t, q, 4)

	_, err := q.Send(context.Background(), Chain{Out(0x5000, 1)})
	assert.ErrorIs(t, err, ErrNotEnoughFreeDescriptors)

	// Drain the queue so the suspended senders finish.
	for _, head := range publishedHeads(q) {
		deviceComplete(q, head, 0)
	}
	q.drain()
}

func TestQueueFullSuspendsUntilCompletion(t *testing.T) {
	// Five sequential single-buffer submissions against a queue of size
	// four: the fifth must suspend until a completion frees a descriptor.
	q, _ := newTestQueue(t, 4, nil)

	for n := 0; n < 4; n++ {
		go func() {
			_, _ = q.Send(context.Background(), Chain{Out(0x1000, 1)})
		}()
	}
	heads := waitForHeads(t, q, 4)
	require.Zero(t, q.FreeDescriptors())

	fifth := make(chan uint32, 1)
	go func() {
		written, err := q.Send(context.Background(), Chain{Out(0x9000, 1)})
		assert.NoError(t, err)
		fifth <- written
	}()

	select {
	case <-fifth:
		t.Fatal("fifth send completed while the queue was full")
	case <-time.After(100 * time.Millisecond):
	}

	// One completion frees a descriptor and unblocks the fifth sender.
	deviceComplete(q, heads[0], 0)
	q.drain()

	heads = waitForHeads(t, q, 5)
	deviceComplete(q, heads[4], 9)
	q.drain()

	select {
	case written := <-fifth:
		assert.EqualValues(t, 9, written)
	case <-time.After(5 * time.Second):
		t.Fatal("fifth send never completed")
	}

	for _, head := range heads[1:4] {
		deviceComplete(q, head, 0)
	}
	q.drain()
}

func TestRedundantDoorbellIsIdempotent(t *testing.T) {
	q, bell := newTestQueue(t, 8, nil)

	result := make(chan uint32, 1)
	go func() {
		written, _ := q.Send(context.Background(), Chain{Out(0x1000, 1)})
		result <- written
	}()
	heads := waitForHeads(t, q, 1)
	deviceComplete(q, heads[0], 7)
	q.drain()
	<-result

	free := q.FreeDescriptors()
	q.mu.Lock()
	lastUsed := q.usedRing.lastIndex
	pendingLen := len(q.pending)
	q.mu.Unlock()

	// Ringing again with nothing new published must not change any state.
	bell.Ring(q.index)
	q.drain()

	assert.Equal(t, free, q.FreeDescriptors())
	q.mu.Lock()
	assert.Equal(t, lastUsed, q.usedRing.lastIndex)
	assert.Equal(t, pendingLen, len(q.pending))
	q.mu.Unlock()
}

func TestSpuriousCompletionIsDiscarded(t *testing.T) {
	q, _ := newTestQueue(t, 8, nil)

	free := q.FreeDescriptors()

	// A completion for a chain nobody submitted must be logged and
	// dropped, not crash the dispatcher or corrupt the free pool.
	deviceComplete(q, 5, 42)
	q.drain()

	assert.Equal(t, free, q.FreeDescriptors())
}

func TestContiguousLayoutAddresses(t *testing.T) {
	// A legacy device only receives base>>12 and derives the ring
	// locations from the queue size, so the offsets are not ours to
	// choose: the available ring sits directly after the descriptor
	// table and the used ring at the next 4096-byte boundary.
	for _, queueSize := range []int{8, 256} {
		q, _ := newTestQueue(t, queueSize, nil, WithContiguousLayout())

		base := q.DescriptorTableAddress()
		assert.NotZero(t, base)
		assert.Zero(t, base%uint64(pageSize()), "legacy base must be page aligned")

		wantAvail := base + uint64(descriptorTableSize(queueSize))
		assert.Equal(t, wantAvail, q.AvailableRingAddress(),
			"available ring must start right after the descriptor table")

		wantUsed := base + uint64(alignUp(
			descriptorTableSize(queueSize)+availableRingSize(queueSize), legacyQueueAlign))
		assert.Equal(t, wantUsed, q.UsedRingAddress())
	}
}

func TestCloseStopsDispatcher(t *testing.T) {
	irq, err := eventfd.NewIRQ()
	require.NoError(t, err)
	defer irq.Close()

	bell := &countingBell{}
	q, err := New(dma.HostAllocator{}, 1, 8, 0, bell, irq)
	require.NoError(t, err)

	require.NoError(t, q.Close())
	// Closing twice is fine.
	require.NoError(t, q.Close())
}
