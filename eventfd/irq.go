package eventfd

import "errors"

// IRQ models one interrupt line as a waitable handle. The device side (or
// the vector allocator that registered an MSI-X vector on our behalf)
// triggers it, the driver side blocks on it. A single Wait consumes one or
// more coalesced triggers, matching interrupt semantics.
type IRQ struct {
	efd   EventFD
	epoll Epoll
}

func NewIRQ() (*IRQ, error) {
	efd, err := New()
	if err != nil {
		return nil, err
	}

	epoll, err := NewEpoll()
	if err != nil {
		_ = efd.Close()
		return nil, err
	}
	if err := epoll.AddEvent(efd.FD()); err != nil {
		_ = efd.Close()
		_ = epoll.Close()
		return nil, err
	}

	return &IRQ{efd: efd, epoll: epoll}, nil
}

// Wait blocks until the line is triggered and acknowledges the wakeup.
// Spurious wakeups surface as a normal return; callers must tolerate
// finding no new work afterwards.
func (i *IRQ) Wait() error {
	for {
		n, err := i.epoll.Block()
		if err != nil {
			return err
		}
		if n > 0 {
			return i.epoll.Clear()
		}
	}
}

// Trigger fires the interrupt line. It is used by same-host devices and by
// anyone needing to wake a blocked Wait, for example during shutdown.
func (i *IRQ) Trigger() error {
	return i.efd.Kick()
}

// FD exposes the underlying event file descriptor so it can be registered
// with a device (e.g. as a call descriptor) or an interrupt-vector
// allocator.
func (i *IRQ) FD() int {
	return i.efd.FD()
}

func (i *IRQ) Close() error {
	return errors.Join(i.efd.Close(), i.epoll.Close())
}
