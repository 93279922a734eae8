package virtio

import "github.com/virtiod/virtiod/pci"

// Register offsets within the common configuration block, fixed by the
// virtio specification, all little-endian.
const (
	cfgDeviceFeatureSelect = 0  // u32
	cfgDeviceFeature       = 4  // u32
	cfgDriverFeatureSelect = 8  // u32
	cfgDriverFeature       = 12 // u32
	cfgMsixConfig          = 16 // u16
	cfgNumQueues           = 18 // u16
	cfgDeviceStatus        = 20 // u8
	cfgConfigGeneration    = 21 // u8
	cfgQueueSelect         = 22 // u16
	cfgQueueSize           = 24 // u16
	cfgQueueMsixVector     = 26 // u16
	cfgQueueEnable         = 28 // u16
	cfgQueueNotifyOff      = 30 // u16
	cfgQueueDesc           = 32 // u64
	cfgQueueDriver         = 40 // u64
	cfgQueueDevice         = 48 // u64
)

// commonConfig wraps the mapped common configuration block with typed
// accessors. The underlying RegisterBlock guarantees ordered, uncached
// access; turn-taking on the individual fields is up to the handshake
// logic.
type commonConfig struct {
	r pci.RegisterBlock
}

func (c commonConfig) deviceFeature(selector uint32) uint32 {
	c.r.Store32(cfgDeviceFeatureSelect, selector)
	return c.r.Load32(cfgDeviceFeature)
}

func (c commonConfig) setDriverFeature(selector, value uint32) {
	c.r.Store32(cfgDriverFeatureSelect, selector)
	c.r.Store32(cfgDriverFeature, value)
}

func (c commonConfig) driverFeature(selector uint32) uint32 {
	c.r.Store32(cfgDriverFeatureSelect, selector)
	return c.r.Load32(cfgDriverFeature)
}

func (c commonConfig) numQueues() uint16 {
	return c.r.Load16(cfgNumQueues)
}

func (c commonConfig) deviceStatus() Status {
	return Status(c.r.Load8(cfgDeviceStatus))
}

func (c commonConfig) setDeviceStatus(s Status) {
	c.r.Store8(cfgDeviceStatus, uint8(s))
}

func (c commonConfig) configGeneration() uint8 {
	return c.r.Load8(cfgConfigGeneration)
}

func (c commonConfig) setMsixConfig(vector uint16) {
	c.r.Store16(cfgMsixConfig, vector)
}

func (c commonConfig) selectQueue(index uint16) {
	c.r.Store16(cfgQueueSelect, index)
}

func (c commonConfig) queueSize() uint16 {
	return c.r.Load16(cfgQueueSize)
}

func (c commonConfig) queueNotifyOff() uint16 {
	return c.r.Load16(cfgQueueNotifyOff)
}

func (c commonConfig) setQueueMsixVector(vector uint16) uint16 {
	c.r.Store16(cfgQueueMsixVector, vector)
	return c.r.Load16(cfgQueueMsixVector)
}

func (c commonConfig) enableQueue() {
	c.r.Store16(cfgQueueEnable, 1)
}

func (c commonConfig) setQueueAddresses(desc, driver, device uint64) {
	c.r.Store64(cfgQueueDesc, desc)
	c.r.Store64(cfgQueueDriver, driver)
	c.r.Store64(cfgQueueDevice, device)
}
