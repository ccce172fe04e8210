// Package output owns the long-lived output graph that writes into the
// virtual video device.
//
// The output graph is built once at startup and runs for the whole life of
// the daemon. Its head is an injection stage fed by whichever upstream graph
// is active; whenever the injection stage asks for data and nothing upstream
// delivers, the controller synthesizes filler frames so consumers of the
// device never starve. A playing upstream that relays no frame for the stall
// timeout counts as silent.
package output

import (
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/e7canasta/v4l2-relayd/internal/eventloop"
	"github.com/e7canasta/v4l2-relayd/internal/graph"
)

var (
	// ErrGraphBuildFailed is returned by New when the output graph cannot be
	// built or lacks a required stage. Fatal at startup.
	ErrGraphBuildFailed = errors.New("output: graph build failed")

	// ErrNoDevice is returned by DeviceFD before the device sink opened the
	// device.
	ErrNoDevice = errors.New("output: device not open")
)

// DefaultStallTimeout is how long a playing upstream may leave a hungry
// output without frames before filler takes over.
const DefaultStallTimeout = 500 * time.Millisecond

// Scheduler is the part of the event loop the controller needs.
type Scheduler interface {
	Post(fn func())
	AddIdle(fn func() bool) eventloop.IdleID
	RemoveIdle(id eventloop.IdleID)
}

// Stats counts what went into the injection stage.
type Stats struct {
	Fillers      uint64
	Relayed      uint64
	PushFailures uint64
}

// Controller drives the output graph.
//
// Push may be called from any goroutine. Every other method must be called on
// the event loop.
type Controller struct {
	graph  graph.Graph
	inj    graph.Injector
	device graph.DeviceSink
	sched  Scheduler

	stallTimeout time.Duration
	afterFunc    func(time.Duration, func()) (stop func() bool)

	// loop-owned
	upstream  graph.Graph
	filler    eventloop.IdleID
	hungry    bool
	geomSeen  bool
	mark      uint64 // relayed count when the output last asked for data
	stallStop func() bool
	stallGen  uint64

	fillers      atomic.Uint64
	relayed      atomic.Uint64
	pushFailures atomic.Uint64
}

// Option configures a Controller.
type Option func(*Controller)

// WithStallTimeout sets how long a playing upstream may stay silent while the
// output is hungry. Zero feeds filler on every need-data until frames arrive.
func WithStallTimeout(d time.Duration) Option {
	return func(c *Controller) { c.stallTimeout = d }
}

// New builds the output graph from spec and wires its injection stage.
//
// The graph is not started. Any failure is wrapped in ErrGraphBuildFailed.
func New(builder graph.Builder, spec graph.Spec, sched Scheduler, opts ...Option) (*Controller, error) {
	if builder == nil {
		return nil, fmt.Errorf("%w: builder is nil", ErrGraphBuildFailed)
	}
	if sched == nil {
		return nil, fmt.Errorf("%w: scheduler is nil", ErrGraphBuildFailed)
	}

	g, err := builder.Build(spec)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrGraphBuildFailed, err)
	}

	inj, err := graph.LookupInjector(g, graph.InjectionStage)
	if err != nil {
		g.Close()
		return nil, fmt.Errorf("%w: %w", ErrGraphBuildFailed, err)
	}
	dev, err := graph.LookupDeviceSink(g, graph.DeviceStage)
	if err != nil {
		g.Close()
		return nil, fmt.Errorf("%w: %w", ErrGraphBuildFailed, err)
	}

	c := &Controller{
		graph:        g,
		inj:          inj,
		device:       dev,
		sched:        sched,
		stallTimeout: DefaultStallTimeout,
		afterFunc: func(d time.Duration, fn func()) func() bool {
			return time.AfterFunc(d, fn).Stop
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	inj.SetFlowCallbacks(graph.FlowCallbacks{
		NeedData:   func() { sched.Post(c.onNeedData) },
		EnoughData: func() { sched.Post(c.onEnoughData) },
	})

	slog.Info("output: graph built", "name", g.Name())
	return c, nil
}

// Graph returns the output graph handle.
func (c *Controller) Graph() graph.Graph { return c.graph }

// Start moves the output graph to PLAYING.
func (c *Controller) Start() error {
	if err := c.graph.Start(); err != nil {
		return fmt.Errorf("output: start: %w", err)
	}
	return nil
}

// Stop cancels filler production and stops the output graph.
func (c *Controller) Stop() error {
	c.cancelFiller()
	c.cancelStallWatch()
	c.hungry = false
	if err := c.graph.Stop(); err != nil {
		return fmt.Errorf("output: stop: %w", err)
	}
	return nil
}

// Close stops and releases the output graph.
func (c *Controller) Close() error {
	if err := c.Stop(); err != nil {
		slog.Warn("output: stop before close failed", "error", err)
	}
	return c.graph.Close()
}

// DeviceFD returns the descriptor of the virtual device opened by the
// device sink stage.
func (c *Controller) DeviceFD() (int, error) {
	fd, err := c.device.DeviceFD()
	if err != nil {
		return -1, fmt.Errorf("%w: %w", ErrNoDevice, err)
	}
	if fd < 0 {
		return -1, ErrNoDevice
	}
	return fd, nil
}

// SetUpstream records the graph currently feeding the injection stage. Passing
// nil while the stage is hungry re-arms the filler immediately; a new upstream
// gets the stall timeout to deliver its first frame.
func (c *Controller) SetUpstream(g graph.Graph) {
	c.upstream = g
	c.cancelStallWatch()
	if !c.hungry {
		return
	}
	if g != nil && c.filler == 0 && c.stallTimeout > 0 {
		c.watchUpstream()
		return
	}
	c.armFiller()
}

// Upstream returns the graph set by SetUpstream.
func (c *Controller) Upstream() graph.Graph { return c.upstream }

// Push hands a relayed frame to the injection stage. Safe from streaming
// threads.
func (c *Controller) Push(f graph.Frame) error {
	if err := c.inj.Push(f); err != nil {
		c.pushFailures.Add(1)
		return fmt.Errorf("output: push: %w", err)
	}
	c.relayed.Add(1)
	return nil
}

// Stats returns a snapshot of the counters.
func (c *Controller) Stats() Stats {
	return Stats{
		Fillers:      c.fillers.Load(),
		Relayed:      c.relayed.Load(),
		PushFailures: c.pushFailures.Load(),
	}
}

// FillerPending reports whether a filler task is armed.
func (c *Controller) FillerPending() bool { return c.filler != 0 }

func (c *Controller) upstreamPlaying() bool {
	return c.upstream != nil && c.upstream.State() == graph.StatePlaying
}

// StallWatchPending reports whether a silent-upstream check is scheduled.
func (c *Controller) StallWatchPending() bool { return c.stallStop != nil }

func (c *Controller) delivered() bool { return c.relayed.Load() > c.mark }

func (c *Controller) onNeedData() {
	c.hungry = true
	if c.filler != 0 {
		return
	}
	if c.upstreamPlaying() && c.stallTimeout > 0 {
		c.watchUpstream()
		return
	}
	c.armFiller()
}

func (c *Controller) onEnoughData() {
	c.hungry = false
	c.cancelFiller()
	c.cancelStallWatch()
}

// armFiller installs the filler task unless one is already pending.
func (c *Controller) armFiller() {
	if c.filler != 0 {
		return
	}
	c.cancelStallWatch()
	c.mark = c.relayed.Load()
	c.filler = c.sched.AddIdle(c.fillOnce)
	slog.Debug("output: filler armed")
}

// watchUpstream schedules a check that the playing upstream relays at least
// one frame within the stall timeout.
func (c *Controller) watchUpstream() {
	if c.stallStop != nil {
		return
	}
	c.mark = c.relayed.Load()
	c.stallGen++
	gen := c.stallGen
	c.stallStop = c.afterFunc(c.stallTimeout, func() {
		c.sched.Post(func() { c.checkStall(gen) })
	})
}

func (c *Controller) cancelStallWatch() {
	if c.stallStop == nil {
		return
	}
	c.stallStop()
	c.stallStop = nil
	c.stallGen++
}

// checkStall runs on the loop when the stall timer fires. A timer stopped
// after it already fired is recognized by its generation.
func (c *Controller) checkStall(gen uint64) {
	if gen != c.stallGen || c.stallStop == nil {
		return
	}
	c.stallStop = nil
	if !c.hungry {
		return
	}
	if c.delivered() {
		c.watchUpstream()
		return
	}

	name := ""
	if c.upstream != nil {
		name = c.upstream.Name()
	}
	slog.Warn("output: upstream silent, feeding filler frames",
		"upstream", name,
		"timeout", c.stallTimeout,
	)
	c.armFiller()
}

func (c *Controller) cancelFiller() {
	if c.filler == 0 {
		return
	}
	c.sched.RemoveIdle(c.filler)
	c.filler = 0
	slog.Debug("output: filler cancelled")
}

// fillOnce is the idle task body. It pushes one filler frame and reports
// whether it wants to run again. It yields once the upstream relayed a frame
// since the filler was armed.
func (c *Controller) fillOnce() bool {
	if c.upstream != nil && c.delivered() {
		c.filler = 0
		if c.hungry && c.stallTimeout > 0 && c.upstreamPlaying() {
			c.watchUpstream()
		}
		slog.Debug("output: upstream delivering, filler yields")
		return false
	}

	geom, err := c.inj.Geometry()
	if err != nil {
		slog.Error("output: no stream geometry, filler disabled", "error", err)
		c.filler = 0
		return false
	}
	size, err := geom.FrameSize()
	if err != nil {
		slog.Error("output: cannot size filler frame", "geometry", geom.String(), "error", err)
		c.filler = 0
		return false
	}
	if !c.geomSeen {
		c.geomSeen = true
		slog.Info("output: filler frames", "geometry", geom.String(), "bytes", size)
	}

	if err := c.inj.PushFiller(size); err != nil {
		c.pushFailures.Add(1)
		slog.Warn("output: filler push refused, not rescheduling", "error", err)
		c.filler = 0
		return false
	}
	c.fillers.Add(1)
	return true
}
