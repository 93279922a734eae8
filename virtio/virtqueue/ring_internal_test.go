package virtqueue

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAvailableRingOffer(t *testing.T) {
	const queueSize = 8
	mem := make([]byte, availableRingSize(queueSize))
	r := newAvailableRing(queueSize, mem)

	r.offer(5)
	r.offer(2)

	// flags(u16), head(u16), ring entries(u16 each), little-endian.
	assert.EqualValues(t, 0, binary.LittleEndian.Uint16(mem[0:2]))
	assert.EqualValues(t, 2, binary.LittleEndian.Uint16(mem[2:4]))
	assert.EqualValues(t, 5, binary.LittleEndian.Uint16(mem[4:6]))
	assert.EqualValues(t, 2, binary.LittleEndian.Uint16(mem[6:8]))
}

func TestAvailableRingWrapsAround(t *testing.T) {
	const queueSize = 4
	mem := make([]byte, availableRingSize(queueSize))
	r := newAvailableRing(queueSize, mem)

	for head := uint16(0); head < 6; head++ {
		r.offer(head)
	}

	// The head index keeps counting past the ring length while the slots
	// wrap.
	assert.EqualValues(t, 6, binary.LittleEndian.Uint16(mem[2:4]))
	assert.EqualValues(t, 4, binary.LittleEndian.Uint16(mem[4:6]))
	assert.EqualValues(t, 5, binary.LittleEndian.Uint16(mem[6:8]))
}

// deviceUsedPush emulates the device side: it writes a used element and
// then advances the published head index.
func deviceUsedPush(r *UsedRing, head uint16, written uint32) {
	index := uint16(*r.headWord >> 16)
	r.ring[int(index)%len(r.ring)] = UsedElement{
		DescriptorIndex: uint32(head),
		Length:          written,
	}
	*r.headWord = uint32(index+1) << 16
}

func TestUsedRingTake(t *testing.T) {
	const queueSize = 8
	r := newUsedRing(queueSize, make([]byte, usedRingSize(queueSize)))

	_, ok := r.take()
	assert.False(t, ok, "fresh ring has nothing to take")

	deviceUsedPush(r, 3, 100)
	deviceUsedPush(r, 1, 200)

	assert.Equal(t, 2, r.pendingCount())

	elem, ok := r.take()
	require.True(t, ok)
	assert.EqualValues(t, 3, elem.Head())
	assert.EqualValues(t, 100, elem.Length)

	elem, ok = r.take()
	require.True(t, ok)
	assert.EqualValues(t, 1, elem.Head())
	assert.EqualValues(t, 200, elem.Length)

	_, ok = r.take()
	assert.False(t, ok)
}

func TestUsedRingTakeWrapsAround(t *testing.T) {
	const queueSize = 4
	r := newUsedRing(queueSize, make([]byte, usedRingSize(queueSize)))

	for round := uint32(0); round < 3; round++ {
		for head := uint16(0); head < uint16(queueSize); head++ {
			deviceUsedPush(r, head, round)
		}
		for head := uint16(0); head < uint16(queueSize); head++ {
			elem, ok := r.take()
			require.True(t, ok)
			assert.EqualValues(t, head, elem.Head())
			assert.Equal(t, round, elem.Length)
		}
	}
}
