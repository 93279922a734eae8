package virtio

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLegacyFeatureSpaceIs32Bits(t *testing.T) {
	block := &fakeLegacyBlock{deviceFeatures: uint32(FeatureNetMAC)}
	transport := NewLegacyTransport(block)

	assert.True(t, transport.CheckDeviceFeature(FeatureNetMAC))
	assert.False(t, transport.CheckDeviceFeature(FeatureVersion1),
		"bits beyond 31 cannot exist on a legacy device")

	err := transport.AckDriverFeature(FeatureVersion1)
	var notSupported *FeatureNotSupportedError
	require.ErrorAs(t, err, &notSupported)

	require.NoError(t, transport.AckDriverFeature(FeatureNetMAC))
	assert.Equal(t, uint32(FeatureNetMAC), block.driverFeatures)
}

func TestLegacyFinalizeIsNoOp(t *testing.T) {
	block := &fakeLegacyBlock{}
	transport := NewLegacyTransport(block)

	require.NoError(t, transport.FinalizeFeatures())
	assert.False(t, transport.Status().Has(StatusFeaturesOK))
}

func TestLegacySetupQueue(t *testing.T) {
	block := &fakeLegacyBlock{queueSizes: []uint16{8}}
	transport := NewLegacyTransport(block)

	q, err := transport.SetupQueue(2, newFakeIRQ())
	require.NoError(t, err)
	defer q.Close()

	assert.Equal(t, uint16(0), q.Index())
	assert.Equal(t, 8, q.Size())
	assert.Equal(t, uint16(2), block.queueMsix)

	// The device is handed the page number of one combined allocation and
	// derives the ring locations from the queue size: available ring at
	// base + 16 bytes per descriptor, used ring at the next 4096-byte
	// boundary.
	base := q.DescriptorTableAddress()
	assert.Equal(t, uint32(base>>12), block.queueAddress)
	assert.Equal(t, base+16*8, q.AvailableRingAddress())
	assert.Equal(t, base+4096, q.UsedRingAddress())
}

func TestLegacySetupQueueUnavailable(t *testing.T) {
	block := &fakeLegacyBlock{queueSizes: []uint16{0}}
	transport := NewLegacyTransport(block)

	_, err := transport.SetupQueue(0, newFakeIRQ())
	assert.ErrorIs(t, err, ErrQueueUnavailable)
}

func TestLegacyInterruptAck(t *testing.T) {
	block := &fakeLegacyBlock{queueSizes: []uint16{8}, isr: 1}
	transport := NewLegacyTransport(block)

	irq := newFakeIRQ()
	q, err := transport.SetupQueue(0, irq)
	require.NoError(t, err)
	defer q.Close()

	before := block.isrReads.Load()
	require.NoError(t, irq.Trigger())

	// The dispatcher must read (and thereby acknowledge) the ISR register
	// on every wakeup.
	assert.Eventually(t, func() bool {
		return block.isrReads.Load() > before
	}, eventuallyTimeout, eventuallyTick)
}

func TestLegacyReinitQueueUnsupported(t *testing.T) {
	block := &fakeLegacyBlock{queueSizes: []uint16{8}}
	transport := NewLegacyTransport(block)

	q, err := transport.SetupQueue(0, newFakeIRQ())
	require.NoError(t, err)
	defer q.Close()

	assert.Error(t, transport.ReinitQueue(q))
}

func TestLegacyStatusAndConfig(t *testing.T) {
	block := &fakeLegacyBlock{}
	copy(block.config[:], []byte{0x11, 0x22, 0x33, 0x44, 0x55, 0x66, 0x77, 0x88})
	transport := NewLegacyTransport(block)

	transport.InsertStatus(StatusAcknowledge)
	transport.InsertStatus(StatusDriver)
	assert.Equal(t, StatusAcknowledge|StatusDriver, transport.Status())

	assert.Equal(t, uint64(0x11), transport.LoadConfig(0, 1))
	assert.Equal(t, uint64(0x2211), transport.LoadConfig(0, 2))
	assert.Equal(t, uint64(0x88), transport.LoadConfig(7, 1))
	assert.Equal(t, uint8(0), transport.ConfigGeneration())
}
