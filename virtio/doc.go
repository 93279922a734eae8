// Package virtio implements the driver side of the virtio PCI transport:
// capability discovery, the device-status handshake, 64-bit feature
// negotiation, queue activation and doorbells, over either the modern
// capability-based register layout or the legacy port-based one. Both
// transports expose the same operation set so device-class drivers stay
// transport-agnostic.
package virtio
