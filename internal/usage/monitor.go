// Package usage tracks how many consumers read from the virtual output
// device.
//
// The monitor subscribes to the v4l2loopback client-usage event on the
// output device's descriptor, asking for the current value to be delivered
// first, then polls the descriptor for priority events in a background
// goroutine. Every dequeued count is posted to the event loop, in kernel order,
// where the handler receives the derived has-consumers value.
//
// Duplicate values are forwarded as they come; the handler is expected to
// treat them as no-ops.
package usage

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/e7canasta/v4l2-relayd/internal/v4l2"
)

// DefaultPollInterval bounds how long Stop waits for the poller to notice.
const DefaultPollInterval = 100 * time.Millisecond

// Device is the control channel of the output device.
type Device interface {
	SubscribeEvent(typ, flags uint32) error
	UnsubscribeEvent(typ uint32) error
	DequeueEvent() (v4l2.Event, error)
	WaitPriority(timeout time.Duration) (bool, error)
}

// Scheduler queues work onto the event loop.
type Scheduler interface {
	Post(fn func())
}

// Handler receives the derived usage signal on the event loop.
type Handler func(hasConsumers bool)

// Monitor converts usage events into a has-consumers signal.
//
// Start, Stop and the accessors must be called on the event loop.
type Monitor struct {
	sched        Scheduler
	handler      Handler
	pollInterval time.Duration

	dev      Device
	gen      uint64
	count    int
	known    bool
	degraded bool
	warned   bool

	stop chan struct{}
	wg   sync.WaitGroup
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithPollInterval overrides DefaultPollInterval.
func WithPollInterval(d time.Duration) Option {
	return func(m *Monitor) { m.pollInterval = d }
}

// New creates a stopped monitor.
func New(sched Scheduler, handler Handler, opts ...Option) *Monitor {
	m := &Monitor{
		sched:        sched,
		handler:      handler,
		pollInterval: DefaultPollInterval,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start subscribes to usage events on dev and begins polling.
//
// If the device does not support the subscription the monitor enters
// degraded mode: it logs once, reports "no consumers" once, and returns nil.
// Any other subscription failure is returned.
func (m *Monitor) Start(dev Device) error {
	if m.dev != nil {
		m.Stop()
	}

	err := dev.SubscribeEvent(v4l2.EventClientUsage, v4l2.SubSendInitial)
	if errors.Is(err, v4l2.ErrUnsupported) {
		m.degraded = true
		if !m.warned {
			m.warned = true
			slog.Warn("usage: device does not report client usage, consumer tracking disabled",
				"error", err,
			)
		}
		m.sched.Post(func() { m.handler(false) })
		return nil
	}
	if err != nil {
		return fmt.Errorf("usage: subscribe: %w", err)
	}

	m.degraded = false
	m.dev = dev
	m.gen++
	m.stop = make(chan struct{})

	m.wg.Add(1)
	go m.poll(dev, m.gen, m.stop)

	slog.Info("usage: monitoring started", "poll_interval", m.pollInterval)
	return nil
}

// Stop ends polling and releases the subscription. Events already queued on
// the loop are discarded. Safe to call when not started.
func (m *Monitor) Stop() {
	if m.dev == nil {
		return
	}

	close(m.stop)
	m.wg.Wait()

	if err := m.dev.UnsubscribeEvent(v4l2.EventClientUsage); err != nil {
		slog.Warn("usage: unsubscribe failed", "error", err)
	}

	m.dev = nil
	m.gen++
	slog.Info("usage: monitoring stopped")
}

// Running reports whether the monitor is polling a device.
func (m *Monitor) Running() bool { return m.dev != nil }

// Degraded reports whether the last Start found the subscription
// unsupported.
func (m *Monitor) Degraded() bool { return m.degraded }

// Count returns the last delivered consumer count and whether any count was
// delivered yet.
func (m *Monitor) Count() (int, bool) { return m.count, m.known }

// poll runs on its own goroutine until stop is closed or the device fails.
func (m *Monitor) poll(dev Device, gen uint64, stop <-chan struct{}) {
	defer m.wg.Done()

	for {
		select {
		case <-stop:
			return
		default:
		}

		ready, err := dev.WaitPriority(m.pollInterval)
		if err != nil {
			m.sched.Post(func() { m.pollFailed(gen, err) })
			return
		}
		if !ready {
			continue
		}

		if err := m.drain(dev, gen); err != nil {
			m.sched.Post(func() { m.pollFailed(gen, err) })
			return
		}
	}
}

// drain dequeues every pending event. The kernel may coalesce several
// notifications behind one wakeup.
func (m *Monitor) drain(dev Device, gen uint64) error {
	for {
		ev, err := dev.DequeueEvent()
		if errors.Is(err, v4l2.ErrNoEvent) {
			return nil
		}
		if err != nil {
			return err
		}

		if count, ok := ev.ClientUsage(); ok {
			n := int(count)
			m.sched.Post(func() { m.deliver(gen, n) })
		} else {
			slog.Debug("usage: ignoring event", "type", fmt.Sprintf("0x%x", ev.Type))
		}

		if ev.Pending == 0 {
			return nil
		}
	}
}

func (m *Monitor) deliver(gen uint64, count int) {
	if gen != m.gen || m.dev == nil {
		slog.Debug("usage: dropping stale event", "count", count)
		return
	}

	prev, known := m.count, m.known
	m.count = count
	m.known = true

	slog.Debug("usage: consumer count", "count", count, "previous", prev, "first", !known)
	m.handler(count > 0)
}

func (m *Monitor) pollFailed(gen uint64, err error) {
	if gen != m.gen || m.dev == nil {
		return
	}
	slog.Error("usage: polling failed, consumer tracking stopped", "error", err)

	if uerr := m.dev.UnsubscribeEvent(v4l2.EventClientUsage); uerr != nil {
		slog.Debug("usage: unsubscribe after failure", "error", uerr)
	}
	m.dev = nil
	m.gen++
}
