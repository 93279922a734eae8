package virtio

import "strings"

// Status is the device-status byte both sides use to drive the bring-up
// handshake. The driver only ever adds bits (except for reset, which
// clears the whole byte); the device may set NeedsReset on its own.
type Status uint8

const (
	// StatusAcknowledge: the driver noticed the device.
	StatusAcknowledge Status = 0x1
	// StatusDriver: the driver knows how to drive the device.
	StatusDriver Status = 0x2
	// StatusDriverOK: the driver is ready; only now may queues be
	// notified.
	StatusDriverOK Status = 0x4
	// StatusFeaturesOK: the driver wrote its feature subset and the
	// device accepted it.
	StatusFeaturesOK Status = 0x8
	// StatusNeedsReset: the device hit an unrecoverable error.
	StatusNeedsReset Status = 0x40
	// StatusFailed: the driver gave up on the device.
	StatusFailed Status = 0x80
)

// Has reports whether all bits of other are set.
func (s Status) Has(other Status) bool {
	return s&other == other
}

func (s Status) String() string {
	if s == 0 {
		return "reset"
	}

	names := []struct {
		bit  Status
		name string
	}{
		{StatusAcknowledge, "acknowledge"},
		{StatusDriver, "driver"},
		{StatusDriverOK, "driver-ok"},
		{StatusFeaturesOK, "features-ok"},
		{StatusNeedsReset, "needs-reset"},
		{StatusFailed, "failed"},
	}

	var parts []string
	for _, n := range names {
		if s.Has(n.bit) {
			parts = append(parts, n.name)
		}
	}
	return strings.Join(parts, "|")
}
