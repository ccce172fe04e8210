package usage

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e7canasta/v4l2-relayd/internal/eventloop"
	"github.com/e7canasta/v4l2-relayd/internal/v4l2"
)

// fakeDevice queues usage events and wakes the poller when asked.
type fakeDevice struct {
	mu      sync.Mutex
	queue   []v4l2.Event
	subErr  error
	pollErr error

	subType  uint32
	subFlags uint32
	subs     int
	unsubs   int

	ready chan struct{}
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{ready: make(chan struct{}, 1)}
}

func (d *fakeDevice) SubscribeEvent(typ, flags uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.subErr != nil {
		return d.subErr
	}
	d.subType, d.subFlags = typ, flags
	d.subs++
	return nil
}

func (d *fakeDevice) UnsubscribeEvent(typ uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.unsubs++
	return nil
}

func (d *fakeDevice) DequeueEvent() (v4l2.Event, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.queue) == 0 {
		return v4l2.Event{}, v4l2.ErrNoEvent
	}
	ev := d.queue[0]
	d.queue = d.queue[1:]
	ev.Pending = uint32(len(d.queue))
	return ev, nil
}

func (d *fakeDevice) WaitPriority(timeout time.Duration) (bool, error) {
	d.mu.Lock()
	err := d.pollErr
	d.mu.Unlock()
	if err != nil {
		return false, err
	}

	select {
	case <-d.ready:
		return true, nil
	case <-time.After(timeout):
		return false, nil
	}
}

// push queues one usage event per count, then wakes the poller once.
func (d *fakeDevice) push(counts ...uint32) {
	d.mu.Lock()
	for _, c := range counts {
		var ev v4l2.Event
		ev.Type = v4l2.EventClientUsage
		binary.NativeEndian.PutUint32(ev.Payload[0:4], c)
		d.queue = append(d.queue, ev)
	}
	d.mu.Unlock()

	select {
	case d.ready <- struct{}{}:
	default:
	}
}

func (d *fakeDevice) pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue)
}

type recorder struct {
	got []bool
}

func (r *recorder) handle(has bool) { r.got = append(r.got, has) }

func setup(t *testing.T) (*eventloop.Loop, *Monitor, *recorder) {
	t.Helper()
	loop := eventloop.New()
	rec := &recorder{}
	m := New(loop, rec.handle, WithPollInterval(5*time.Millisecond))
	t.Cleanup(m.Stop)
	return loop, m, rec
}

func waitFor(t *testing.T, loop *eventloop.Loop, rec *recorder, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		loop.Drain()
		return len(rec.got) >= n
	}, time.Second, time.Millisecond, "expected %d usage notifications", n)
}

func TestMonitor_SubscribesWithInitialValue(t *testing.T) {
	_, m, _ := setup(t)
	dev := newFakeDevice()

	require.NoError(t, m.Start(dev))

	assert.Equal(t, uint32(v4l2.EventClientUsage), dev.subType)
	assert.Equal(t, uint32(v4l2.SubSendInitial), dev.subFlags)
	assert.True(t, m.Running())
	assert.False(t, m.Degraded())

	t.Logf("✅ Subscribed to client usage with send-initial")
}

func TestMonitor_DerivesHasConsumers(t *testing.T) {
	tests := []struct {
		name   string
		counts []uint32
		want   []bool
	}{
		{name: "initial zero", counts: []uint32{0}, want: []bool{false}},
		{name: "initial one", counts: []uint32{1}, want: []bool{true}},
		{name: "several readers", counts: []uint32{3}, want: []bool{true}},
		{name: "join and leave", counts: []uint32{0, 1, 2, 1, 0}, want: []bool{false, true, true, true, false}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			loop, m, rec := setup(t)
			dev := newFakeDevice()
			require.NoError(t, m.Start(dev))

			dev.push(tt.counts...)
			waitFor(t, loop, rec, len(tt.want))

			assert.Equal(t, tt.want, rec.got)

			count, known := m.Count()
			assert.True(t, known)
			assert.Equal(t, int(tt.counts[len(tt.counts)-1]), count)
		})
	}
}

func TestMonitor_ForwardsDuplicates(t *testing.T) {
	loop, m, rec := setup(t)
	dev := newFakeDevice()
	require.NoError(t, m.Start(dev))

	dev.push(1)
	waitFor(t, loop, rec, 1)
	dev.push(1)
	waitFor(t, loop, rec, 2)

	assert.Equal(t, []bool{true, true}, rec.got)
}

func TestMonitor_StopDiscardsQueuedEvents(t *testing.T) {
	loop, m, rec := setup(t)
	dev := newFakeDevice()
	require.NoError(t, m.Start(dev))

	dev.push(1, 0)
	require.Eventually(t, func() bool { return dev.pending() == 0 }, time.Second, time.Millisecond)

	m.Stop()
	loop.Drain()

	assert.Empty(t, rec.got, "events posted before Stop must not reach the handler")
	assert.False(t, m.Running())
	assert.Equal(t, 1, dev.unsubs)
}

func TestMonitor_RestartResubscribes(t *testing.T) {
	loop, m, rec := setup(t)
	dev := newFakeDevice()

	require.NoError(t, m.Start(dev))
	m.Stop()
	require.NoError(t, m.Start(dev))

	assert.Equal(t, 2, dev.subs)
	assert.Equal(t, 1, dev.unsubs)

	dev.push(2)
	waitFor(t, loop, rec, 1)
	assert.Equal(t, []bool{true}, rec.got)
}

func TestMonitor_StartWhileRunningReplacesSubscription(t *testing.T) {
	_, m, _ := setup(t)
	first := newFakeDevice()
	second := newFakeDevice()

	require.NoError(t, m.Start(first))
	require.NoError(t, m.Start(second))

	assert.Equal(t, 1, first.unsubs)
	assert.Equal(t, 1, second.subs)
}

func TestMonitor_DegradedWhenUnsupported(t *testing.T) {
	loop, m, rec := setup(t)
	dev := newFakeDevice()
	dev.subErr = fmt.Errorf("%w: inappropriate ioctl", v4l2.ErrUnsupported)

	require.NoError(t, m.Start(dev))
	loop.Drain()

	assert.True(t, m.Degraded())
	assert.False(t, m.Running())
	assert.Equal(t, []bool{false}, rec.got, "degraded mode reports no consumers once")

	t.Logf("✅ Unsupported device falls back to no-consumer mode")
}

func TestMonitor_SubscribeErrorReturned(t *testing.T) {
	_, m, _ := setup(t)
	dev := newFakeDevice()
	boom := errors.New("device busy")
	dev.subErr = boom

	err := m.Start(dev)
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.False(t, m.Running())
	assert.False(t, m.Degraded())
}

func TestMonitor_PollFailureStopsTracking(t *testing.T) {
	loop, m, _ := setup(t)
	dev := newFakeDevice()
	require.NoError(t, m.Start(dev))

	dev.mu.Lock()
	dev.pollErr = errors.New("descriptor error")
	dev.mu.Unlock()

	require.Eventually(t, func() bool {
		loop.Drain()
		return !m.Running()
	}, time.Second, time.Millisecond)

	assert.Equal(t, 1, dev.unsubs)
}
