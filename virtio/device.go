package virtio

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// Device couples a transport with the negotiation helpers a driver
// needs. It is handed out by Probe with ACKNOWLEDGE and DRIVER already
// set.
type Device struct {
	Transport

	log *logrus.Logger
}

// NegotiateFeatures acknowledges the required feature set plus whichever
// of the wanted bits the device offers, then finalizes negotiation. The
// returned mask holds everything that was acknowledged. A missing
// required bit fails with a FeatureNotSupportedError before anything is
// written.
func (d *Device) NegotiateFeatures(required, wanted Feature) (Feature, error) {
	if !d.CheckDeviceFeature(required) {
		return 0, &FeatureNotSupportedError{Feature: required}
	}

	negotiated := required
	for bit := Feature(1); bit != 0; bit <<= 1 {
		if wanted&bit != 0 && d.CheckDeviceFeature(bit) {
			negotiated |= bit
		}
	}

	if err := d.AckDriverFeature(negotiated); err != nil {
		return 0, err
	}
	if err := d.FinalizeFeatures(); err != nil {
		return 0, err
	}

	d.log.WithField("features", fmt.Sprintf("%#x", uint64(negotiated))).
		Debug("Negotiated device features")
	return negotiated, nil
}

// ReadConfig reads size bytes at the given offset of the device-specific
// configuration block, retrying until the generation counter is stable
// across the read. Without the retry a concurrent device-side update
// could hand back a torn value.
func (d *Device) ReadConfig(offset uint, size uint) uint64 {
	for {
		before := d.ConfigGeneration()
		v := d.LoadConfig(offset, size)
		if d.ConfigGeneration() == before {
			return v
		}
	}
}
