// Package eventfd wraps the Linux eventfd and epoll primitives used to
// model interrupt lines. An IRQ pairs a triggerable event file descriptor
// with a blocking wait, which is the shape of the interrupt handle the
// virtio transport consumes.
package eventfd

import (
	"encoding/binary"
	"syscall"

	"golang.org/x/sys/unix"
)

// EventFD is a kernel event counter usable as a doorbell between two
// parties that share it.
type EventFD struct {
	fd  int
	buf [8]byte
}

func New() (EventFD, error) {
	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK)
	if err != nil {
		return EventFD{}, err
	}
	return EventFD{fd: fd}, nil
}

// Kick increments the event counter, waking up anyone blocked on the
// descriptor.
func (e *EventFD) Kick() error {
	binary.LittleEndian.PutUint64(e.buf[:], 1)
	_, err := syscall.Write(e.fd, e.buf[:])
	return err
}

func (e *EventFD) FD() int {
	return e.fd
}

func (e *EventFD) Close() error {
	if e.fd != 0 {
		return unix.Close(e.fd)
	}
	return nil
}

// Epoll blocks on one or more event file descriptors.
type Epoll struct {
	fd     int
	buf    [8]byte
	events []syscall.EpollEvent
}

func NewEpoll() (Epoll, error) {
	fd, err := unix.EpollCreate1(0)
	if err != nil {
		return Epoll{}, err
	}
	return Epoll{
		fd:     fd,
		events: make([]syscall.EpollEvent, 1),
	}, nil
}

func (ep *Epoll) AddEvent(fd int) error {
	event := syscall.EpollEvent{
		Events: syscall.EPOLLIN,
		Fd:     int32(fd),
	}
	return syscall.EpollCtl(ep.fd, syscall.EPOLL_CTL_ADD, fd, &event)
}

// Block waits until at least one registered descriptor becomes readable.
// An EINTR wakeup is reported as zero events rather than an error.
func (ep *Epoll) Block() (int, error) {
	n, err := syscall.EpollWait(ep.fd, ep.events, -1)
	if err != nil {
		if err == syscall.EINTR {
			return 0, nil
		}
		return -1, err
	}
	return n, nil
}

// Clear consumes the pending event count of the descriptor that woke us.
func (ep *Epoll) Clear() error {
	_, err := syscall.Read(int(ep.events[0].Fd), ep.buf[:])
	return err
}

func (ep *Epoll) Close() error {
	if ep.fd != 0 {
		return unix.Close(ep.fd)
	}
	return nil
}
