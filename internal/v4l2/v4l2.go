// Package v4l2 talks to the event interface of a V4L2 device.
//
// Only what the relay needs is covered: subscribing to the v4l2loopback
// client-usage event, waiting for priority-readable events and dequeuing
// them. The descriptor normally belongs to a v4l2sink element; this package
// never closes it.
package v4l2

import (
	"encoding/binary"
	"errors"
	"unsafe"
)

var (
	// ErrUnsupported is returned when the device does not support the
	// requested event subscription (not a v4l2loopback device, or too old).
	ErrUnsupported = errors.New("v4l2: event subscription not supported")

	// ErrNoEvent is returned by DequeueEvent when the event queue is empty.
	ErrNoEvent = errors.New("v4l2: no pending event")
)

const (
	// EventPrivateStart is V4L2_EVENT_PRIVATE_START.
	EventPrivateStart = 0x08000000

	// EventClientUsage is V4L2_EVENT_PRI_CLIENT_USAGE from v4l2loopback.h.
	// Its payload is a single __u32 holding the number of readers.
	EventClientUsage = EventPrivateStart + 0x08E00000 + 1

	// SubSendInitial is V4L2_EVENT_SUB_FL_SEND_INITIAL: the current value is
	// delivered as the first event right after subscribing.
	SubSendInitial = 1 << 0
)

// struct v4l2_event_subscription
type eventSubscription struct {
	Type     uint32
	ID       uint32
	Flags    uint32
	Reserved [5]uint32
}

// struct v4l2_event. The payload union holds 64-bit members, so it starts on
// an 8-byte boundary right after the type field.
type rawEvent struct {
	Type      uint32
	_         uint32
	U         [64]byte
	Pending   uint32
	Sequence  uint32
	Timestamp timespec
	ID        uint32
	Reserved  [8]uint32
}

// Event is one dequeued notification.
type Event struct {
	Type     uint32
	Pending  uint32
	Sequence uint32
	// Payload is the raw event data union.
	Payload [64]byte
}

// ClientUsage returns the reader count carried by an EventClientUsage event.
func (e Event) ClientUsage() (count uint32, ok bool) {
	if e.Type != EventClientUsage {
		return 0, false
	}
	return binary.NativeEndian.Uint32(e.Payload[0:4]), true
}

// ioctl request encoding, asm-generic layout.
const (
	iocWrite = 1
	iocRead  = 2

	iocNRShift   = 0
	iocTypeShift = 8
	iocSizeShift = 16
	iocDirShift  = 30
)

func ioc(dir, typ, nr, size uintptr) uintptr {
	return dir<<iocDirShift | size<<iocSizeShift | typ<<iocTypeShift | nr<<iocNRShift
}

var (
	vidiocDQEvent          = ioc(iocRead, 'V', 89, unsafe.Sizeof(rawEvent{}))
	vidiocSubscribeEvent   = ioc(iocWrite, 'V', 90, unsafe.Sizeof(eventSubscription{}))
	vidiocUnsubscribeEvent = ioc(iocWrite, 'V', 91, unsafe.Sizeof(eventSubscription{}))
)
