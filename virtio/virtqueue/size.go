package virtqueue

import (
	"errors"
	"fmt"
)

// ErrQueueSizeInvalid is returned when a queue size is invalid.
var ErrQueueSizeInvalid = errors.New("queue size is invalid")

// maxQueueSize is the largest power of 2 that still fits the 16-bit ring
// indexes without ambiguity.
const maxQueueSize = 32768

// CheckQueueSize checks if the given value would be a valid size for a
// virtqueue and returns an [ErrQueueSizeInvalid], if not.
func CheckQueueSize(queueSize int) error {
	if queueSize <= 0 {
		return fmt.Errorf("%w: %d is too small", ErrQueueSizeInvalid, queueSize)
	}

	// Ring indexes are free-running 16-bit counters which only wrap
	// correctly when the ring length is a power of 2.
	if queueSize&(queueSize-1) != 0 {
		return fmt.Errorf("%w: %d is not a power of 2", ErrQueueSizeInvalid, queueSize)
	}

	if queueSize > maxQueueSize {
		return fmt.Errorf("%w: %d is larger than the maximum possible queue size %d",
			ErrQueueSizeInvalid, queueSize, maxQueueSize)
	}

	return nil
}
