package virtio

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/virtiod/virtiod/pci"
)

// Probe discovers how the given PCI function exposes the virtio
// interface and returns a ready-to-negotiate device: capability records
// are scanned, the configuration regions mapped, the device reset, and
// the ACKNOWLEDGE and DRIVER status bits set (in two steps, as the
// handshake demands).
//
// Functions carrying the Common, Notify, ISR and Device capabilities get
// the modern transport. Functions without them fall back to the legacy
// transport when BAR0 is an I/O port BAR; otherwise probing fails with a
// CapabilityMissingError.
func Probe(fn pci.Function, opts ...Option) (*Device, error) {
	o := applyOptions(opts)

	raw, err := fn.VendorCapabilities()
	if err != nil {
		return nil, fmt.Errorf("read vendor capabilities: %w", err)
	}
	caps, err := pci.ParseCapabilities(raw)
	if err != nil {
		return nil, fmt.Errorf("parse vendor capabilities: %w", err)
	}

	// The first record of each kind wins, as in configuration-space
	// order the preferred location comes first.
	found := make(map[pci.CapabilityKind]pci.Capability)
	for _, c := range caps {
		switch c.Kind {
		case pci.CapCommon, pci.CapNotify, pci.CapISR, pci.CapDevice:
			if _, ok := found[c.Kind]; !ok {
				found[c.Kind] = c
			}
		}
		o.log.WithFields(logrus.Fields{
			"kind":   c.Kind.String(),
			"bar":    c.Bar,
			"offset": c.Offset,
			"length": c.Length,
		}).Debug("Found virtio capability")
	}

	var transport Transport
	if len(found) == 4 {
		transport, err = buildModern(fn, found, o, opts)
	} else if regs, ok := fn.PortBAR(0); ok {
		o.log.Warn("Device lacks the capability-based interface, using legacy transport")
		transport = NewLegacyTransport(regs, opts...)
	} else {
		err = &CapabilityMissingError{Kind: firstMissing(found)}
	}
	if err != nil {
		return nil, err
	}

	dev := &Device{Transport: transport, log: o.log}

	if err := transport.Reset(); err != nil {
		return nil, err
	}
	transport.InsertStatus(StatusAcknowledge)
	transport.InsertStatus(StatusDriver)

	return dev, nil
}

func buildModern(fn pci.Function, found map[pci.CapabilityKind]pci.Capability, o transportOptions, opts []Option) (*ModernTransport, error) {
	common, err := pci.MapRegion(fn, found[pci.CapCommon])
	if err != nil {
		return nil, err
	}
	notifyCap := found[pci.CapNotify]
	notify, err := pci.MapRegion(fn, notifyCap)
	if err != nil {
		return nil, err
	}
	device, err := pci.MapRegion(fn, found[pci.CapDevice])
	if err != nil {
		return nil, err
	}
	isr, err := pci.MapRegion(fn, found[pci.CapISR])
	if err != nil {
		return nil, err
	}

	t := NewModernTransport(common, notify, device, isr, notifyCap.NotifyMultiplier, opts...)

	// A zero multiplier means every queue shares one notify address. With
	// a single queue that is workable, with more it would silently notify
	// only queue 0, so it is rejected outright.
	if notifyCap.NotifyMultiplier == 0 && t.NumQueues() > 1 {
		return nil, ErrNotifyMultiplierZero
	}

	o.log.Info("Using standard PCI transport")
	return t, nil
}

// firstMissing names the capability to blame in the error. The truly
// mandatory kinds come first, so a device missing Common or Device is
// never reported as lacking only Notify or ISR.
func firstMissing(found map[pci.CapabilityKind]pci.Capability) pci.CapabilityKind {
	for _, kind := range []pci.CapabilityKind{pci.CapCommon, pci.CapDevice, pci.CapNotify, pci.CapISR} {
		if _, ok := found[kind]; !ok {
			return kind
		}
	}
	return pci.CapCommon
}
