// Package virtqueue implements the driver side of a virtio split
// virtqueue: the descriptor table, available and used rings laid out in
// physically-contiguous memory, the free-descriptor pool, and the
// asynchronous submit/complete protocol driven by a per-queue interrupt
// listener. It makes no assumptions about the device class consuming the
// queue; transports provide the doorbell and the interrupt handle.
package virtqueue
