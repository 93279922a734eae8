package virtio

// Feature is a set of bits in the 64-bit capability space negotiated
// between driver and device. Values combine with bitwise or.
type Feature uint64

// Device-independent feature bits.
const (
	// FeatureIndirectDescriptors indicates that descriptors may carry an
	// additional layer of indirection.
	FeatureIndirectDescriptors Feature = 1 << 28

	// FeatureEventIndex enables the used_event/avail_event notification
	// suppression fields.
	FeatureEventIndex Feature = 1 << 29

	// FeatureVersion1 indicates compliance with version 1.0 (or later) of
	// the virtio specification. Legacy devices cannot offer it: the bit
	// lies outside their 32-bit feature space.
	FeatureVersion1 Feature = 1 << 32
)

// Feature bits for block devices.
const (
	// FeatureBlkSizeMax: the device reports a maximum segment size.
	FeatureBlkSizeMax Feature = 1 << 1
	// FeatureBlkSegMax: the device reports a maximum segment count.
	FeatureBlkSegMax Feature = 1 << 2
	// FeatureBlkReadOnly: the device is read-only.
	FeatureBlkReadOnly Feature = 1 << 5
	// FeatureBlkFlush: the device supports cache flush commands.
	FeatureBlkFlush Feature = 1 << 9
)

// Feature bits for network devices.
const (
	// FeatureNetDeviceCsum: the device handles partial checksums.
	FeatureNetDeviceCsum Feature = 1 << 0
	// FeatureNetMAC: the device provides a MAC address in its config
	// space.
	FeatureNetMAC Feature = 1 << 5
	// FeatureNetMergeRXBuffers: the device may merge receive buffers.
	FeatureNetMergeRXBuffers Feature = 1 << 15
	// FeatureNetStatus: the device reports link status in its config
	// space.
	FeatureNetStatus Feature = 1 << 16
)

// low and high return the two 32-bit slices of the feature space as seen
// through the feature-select registers.
func (f Feature) low() uint32 {
	return uint32(f)
}

func (f Feature) high() uint32 {
	return uint32(f >> 32)
}
