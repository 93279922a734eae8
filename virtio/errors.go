package virtio

import (
	"errors"
	"fmt"

	"github.com/virtiod/virtiod/pci"
)

var (
	// ErrFeaturesRejected means the device refused the negotiated feature
	// subset by clearing FEATURES_OK on read-back. The device is unusable
	// afterwards; its status carries FAILED.
	ErrFeaturesRejected = errors.New("device rejected the negotiated feature subset")

	// ErrDeviceResetTimeout means the device did not confirm a reset
	// within the bounded spin time.
	ErrDeviceResetTimeout = errors.New("device reset did not complete in time")

	// ErrQueueUnavailable means the device advertises no queue at the
	// selected index (queue size 0).
	ErrQueueUnavailable = errors.New("device advertises no queue at this index")

	// ErrNotifyMultiplierZero means the device shares one notify address
	// across several queues, which this driver treats as a protocol
	// violation rather than silently notifying only queue 0.
	ErrNotifyMultiplierZero = errors.New("zero notify multiplier with more than one queue")

	// ErrFeaturesNotFinalized means queue setup was attempted before the
	// feature handshake completed.
	ErrFeaturesNotFinalized = errors.New("features must be finalized before queue setup")

	// ErrMisalignedQueue means a queue region address violates the
	// alignment the transport requires. This indicates a programming
	// error in the memory provider and should be unreachable.
	ErrMisalignedQueue = errors.New("queue memory is misaligned")
)

// CapabilityMissingError reports that a configuration capability the
// modern transport depends on is absent and no legacy fallback exists.
// Only Common and Device are mandatory per protocol; Notify and ISR can
// end up here too, since the modern transport cannot run without them.
// Fatal at probe time.
type CapabilityMissingError struct {
	Kind pci.CapabilityKind
}

func (e *CapabilityMissingError) Error() string {
	return fmt.Sprintf("device does not expose the %s capability", e.Kind)
}

// FeatureNotSupportedError reports an attempt to acknowledge a feature
// the device did not offer. Fatal to the calling driver.
type FeatureNotSupportedError struct {
	Feature Feature
}

func (e *FeatureNotSupportedError) Error() string {
	return fmt.Sprintf("device does not offer feature bits %#x", uint64(e.Feature))
}
