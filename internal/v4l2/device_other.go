//go:build !linux

package v4l2

import "time"

type timespec struct {
	Sec  int64
	Nsec int64
}

// Device is unavailable outside Linux; every call reports ErrUnsupported.
type Device struct {
	fd int
}

func NewDevice(fd int) *Device { return &Device{fd: fd} }

func (d *Device) FD() int { return d.fd }

func (d *Device) SubscribeEvent(typ, flags uint32) error { return ErrUnsupported }

func (d *Device) UnsubscribeEvent(typ uint32) error { return ErrUnsupported }

func (d *Device) DequeueEvent() (Event, error) { return Event{}, ErrUnsupported }

func (d *Device) WaitPriority(timeout time.Duration) (bool, error) { return false, ErrUnsupported }
