package core

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e7canasta/v4l2-relayd/internal/config"
	"github.com/e7canasta/v4l2-relayd/internal/graph/graphtest"
	"github.com/e7canasta/v4l2-relayd/internal/relay"
	"github.com/e7canasta/v4l2-relayd/internal/usage"
	"github.com/e7canasta/v4l2-relayd/internal/v4l2"
)

// usageDevice reports reader counts pushed by the test.
type usageDevice struct {
	mu     sync.Mutex
	fd     int
	subErr error
	queue  []v4l2.Event
	ready  chan struct{}
}

func newUsageDevice() *usageDevice {
	return &usageDevice{ready: make(chan struct{}, 1)}
}

func (d *usageDevice) SubscribeEvent(typ, flags uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.subErr != nil {
		return d.subErr
	}
	if flags&v4l2.SubSendInitial != 0 {
		d.enqueue(0)
	}
	return nil
}

func (d *usageDevice) UnsubscribeEvent(uint32) error { return nil }

func (d *usageDevice) DequeueEvent() (v4l2.Event, error) {
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

func (d *usageDevice) WaitPriority(timeout time.Duration) (bool, error) {
	select {
	case <-d.ready:
		return true, nil
	case <-time.After(timeout):
		return false, nil
	}
}

func (d *usageDevice) enqueue(count uint32) {
	var ev v4l2.Event
	ev.Type = v4l2.EventClientUsage
	binary.NativeEndian.PutUint32(ev.Payload[0:4], count)
	d.queue = append(d.queue, ev)
	select {
	case d.ready <- struct{}{}:
	default:
	}
}

func (d *usageDevice) readers(count uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.enqueue(count)
}

type harness struct {
	t       *testing.T
	builder *graphtest.Builder
	dev     *usageDevice
	relayd  *Relayd
	trans   chan relay.Transition

	cancel context.CancelFunc
	done   chan error
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		t:       t,
		builder: graphtest.NewBuilder(),
		dev:     newUsageDevice(),
		trans:   make(chan relay.Transition, 32),
		done:    make(chan error, 1),
	}

	r, err := New(config.Default(),
		WithBuilder(h.builder),
		WithPollInterval(10*time.Millisecond),
		WithDeviceOpener(func(fd int) usage.Device {
			h.dev.fd = fd
			return h.dev
		}),
		WithObserver(func(tr relay.Transition) { h.trans <- tr }),
	)
	require.NoError(t, err)
	h.relayd = r
	return h
}

func (h *harness) run() {
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { h.done <- h.relayd.Run(ctx) }()
}

func (h *harness) expect(to relay.State, reason string) relay.Transition {
	h.t.Helper()
	select {
	case tr := <-h.trans:
		assert.Equal(h.t, to, tr.To)
		assert.Equal(h.t, reason, tr.Reason)
		return tr
	case <-time.After(2 * time.Second):
		h.t.Fatalf("no transition to %s", to)
		return relay.Transition{}
	}
}

func (h *harness) wait() error {
	h.t.Helper()
	select {
	case err := <-h.done:
		return err
	case <-time.After(2 * time.Second):
		h.t.Fatal("Run did not return")
		return nil
	}
}

func TestNew_BuildsOnlyOutput(t *testing.T) {
	h := newHarness(t)

	assert.Equal(t, 1, h.builder.Builds(OutputGraph))
	assert.Equal(t, 0, h.builder.Builds(CaptureGraph))
	assert.Equal(t, 0, h.builder.Builds(PlaceholderGraph))

	out := h.builder.Last(OutputGraph)
	assert.Contains(t, out.Descriptor, "v4l2sink name=relay_dev device=/dev/video10")
}

func TestNew_RequiresBuilder(t *testing.T) {
	_, err := New(config.Default())
	assert.ErrorIs(t, err, ErrNoBuilder)
}

func TestNew_OutputBuildFailure(t *testing.T) {
	b := graphtest.NewBuilder()
	b.FailBuild(OutputGraph, errors.New("no element v4l2sink"))

	_, err := New(config.Default(), WithBuilder(b))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "v4l2sink")
}

func TestRun_FollowsConsumers(t *testing.T) {
	h := newHarness(t)
	h.run()

	// Initial count of zero arrives once the output plays.
	h.expect(relay.StatePlaceholderActive, relay.ReasonNoConsumers)
	assert.Equal(t, 42, h.dev.fd, "device wraps the output sink fd")

	h.dev.readers(1)
	tr := h.expect(relay.StateCaptureActive, relay.ReasonConsumers)
	assert.NotEmpty(t, tr.SessionID)

	h.dev.readers(0)
	h.expect(relay.StatePlaceholderActive, relay.ReasonNoConsumers)

	h.cancel()
	require.NoError(t, h.wait(), "signal shutdown is clean")
	h.expect(relay.StateShuttingDown, relay.ReasonShutdown)

	assert.Equal(t, 1, h.builder.Builds(CaptureGraph))
	assert.Equal(t, 1, h.builder.Builds(PlaceholderGraph))
	assert.True(t, h.builder.Last(OutputGraph).Closed())

	t.Logf("✅ Placeholder, capture, placeholder, shutdown")
}

func TestRun_OutputErrorExitsWithError(t *testing.T) {
	h := newHarness(t)
	h.run()
	h.expect(relay.StatePlaceholderActive, relay.ReasonNoConsumers)

	h.builder.Last(OutputGraph).Fail(errors.New("device disappeared"))

	err := h.wait()
	require.Error(t, err)
	assert.ErrorIs(t, err, relay.ErrOutputFailed)
	h.expect(relay.StateShuttingDown, relay.ReasonOutputError)
}

func TestRun_DegradedDeviceStreamsPlaceholder(t *testing.T) {
	h := newHarness(t)
	h.dev.subErr = v4l2.ErrUnsupported
	h.run()

	h.expect(relay.StatePlaceholderActive, relay.ReasonNoConsumers)

	h.cancel()
	require.NoError(t, h.wait())
	assert.Equal(t, 0, h.builder.Builds(CaptureGraph))
}
