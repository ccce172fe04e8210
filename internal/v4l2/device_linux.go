//go:build linux

package v4l2

import (
	"errors"
	"fmt"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

type timespec = unix.Timespec

// Device wraps a borrowed V4L2 device descriptor.
type Device struct {
	fd int
}

// NewDevice wraps fd. The caller keeps ownership of the descriptor.
func NewDevice(fd int) *Device {
	return &Device{fd: fd}
}

// FD returns the wrapped descriptor.
func (d *Device) FD() int { return d.fd }

func (d *Device) ioctl(request uintptr, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(
		unix.SYS_IOCTL,
		uintptr(d.fd),
		request,
		uintptr(arg),
	)
	if errno != 0 {
		return errno
	}
	return nil
}

// SubscribeEvent issues VIDIOC_SUBSCRIBE_EVENT. Drivers without event
// support answer ENOTTY or EINVAL, reported as ErrUnsupported.
func (d *Device) SubscribeEvent(typ, flags uint32) error {
	sub := eventSubscription{Type: typ, Flags: flags}
	if err := d.ioctl(vidiocSubscribeEvent, unsafe.Pointer(&sub)); err != nil {
		if errors.Is(err, unix.ENOTTY) || errors.Is(err, unix.EINVAL) {
			return fmt.Errorf("%w: %v", ErrUnsupported, err)
		}
		return fmt.Errorf("v4l2: subscribe event 0x%x: %w", typ, err)
	}
	return nil
}

// UnsubscribeEvent issues VIDIOC_UNSUBSCRIBE_EVENT.
func (d *Device) UnsubscribeEvent(typ uint32) error {
	sub := eventSubscription{Type: typ}
	if err := d.ioctl(vidiocUnsubscribeEvent, unsafe.Pointer(&sub)); err != nil {
		return fmt.Errorf("v4l2: unsubscribe event 0x%x: %w", typ, err)
	}
	return nil
}

// DequeueEvent issues VIDIOC_DQEVENT. Returns ErrNoEvent when nothing is
// pending.
func (d *Device) DequeueEvent() (Event, error) {
	var raw rawEvent
	if err := d.ioctl(vidiocDQEvent, unsafe.Pointer(&raw)); err != nil {
		if errors.Is(err, unix.ENOENT) {
			return Event{}, ErrNoEvent
		}
		return Event{}, fmt.Errorf("v4l2: dequeue event: %w", err)
	}
	return Event{
		Type:     raw.Type,
		Pending:  raw.Pending,
		Sequence: raw.Sequence,
		Payload:  raw.U,
	}, nil
}

// WaitPriority polls the descriptor for POLLPRI (V4L2 signals pending events
// that way) for at most timeout. It reports whether an event is ready.
func (d *Device) WaitPriority(timeout time.Duration) (bool, error) {
	fds := []unix.PollFd{{Fd: int32(d.fd), Events: unix.POLLPRI}}
	n, err := unix.Poll(fds, int(timeout/time.Millisecond))
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return false, nil
		}
		return false, fmt.Errorf("v4l2: poll: %w", err)
	}
	if n == 0 {
		return false, nil
	}
	if fds[0].Revents&(unix.POLLERR|unix.POLLNVAL) != 0 {
		return false, fmt.Errorf("v4l2: poll: descriptor error (revents 0x%x)", fds[0].Revents)
	}
	return fds[0].Revents&unix.POLLPRI != 0, nil
}
