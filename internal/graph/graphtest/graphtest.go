// Package graphtest provides in-memory graphs for exercising the relay core
// without a media runtime.
//
// Fake graphs follow the runtime's clock rules: a started graph takes the
// current clock time as its base time unless it was aligned to another graph
// first, so frames from a late, unaligned graph carry timestamps behind the
// output's running time.
package graphtest

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/e7canasta/v4l2-relayd/internal/graph"
)

// Clock is a manually advanced clock shared by fake graphs.
type Clock struct {
	mu  sync.Mutex
	now time.Duration
}

// Now returns the current clock time.
func (c *Clock) Now() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now += d
	c.mu.Unlock()
}

// Frame is a fake frame identified by ID.
type Frame struct {
	ID     int
	Bytes  int
	Stamp  time.Duration
	Source string
}

func (f *Frame) Size() int          { return f.Bytes }
func (f *Frame) PTS() time.Duration { return f.Stamp }

// Builder builds fake graphs and remembers every build.
type Builder struct {
	Clock *Clock
	// Geometry is reported by injector stages.
	Geometry graph.Geometry
	// DeviceFD is reported by device sink stages.
	DeviceFD int

	mu     sync.Mutex
	graphs map[string][]*Graph
	fail   map[string]error
}

// NewBuilder returns a builder with a fresh clock and a 1280x720 YUY2
// geometry.
func NewBuilder() *Builder {
	return &Builder{
		Clock:    &Clock{},
		Geometry: graph.Geometry{Format: "YUY2", Width: 1280, Height: 720},
		DeviceFD: 42,
		graphs:   make(map[string][]*Graph),
		fail:     make(map[string]error),
	}
}

// FailBuild makes every later build of the named graph fail with err.
func (b *Builder) FailBuild(name string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fail[name] = err
}

// Build implements graph.Builder.
func (b *Builder) Build(spec graph.Spec) (graph.Graph, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.fail[spec.Name]; err != nil {
		return nil, err
	}

	g := &Graph{
		name:       spec.Name,
		Descriptor: spec.Descriptor,
		listener:   spec.Listener,
		clock:      b.Clock,
	}
	g.injector = &Injector{graph: g, geometry: b.Geometry}
	g.extractor = &Extractor{graph: g}
	g.device = &DeviceSink{fd: b.DeviceFD}

	b.graphs[spec.Name] = append(b.graphs[spec.Name], g)
	return g, nil
}

// Builds returns how many times the named graph was built.
func (b *Builder) Builds(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.graphs[name])
}

// Last returns the most recent build of the named graph, or nil.
func (b *Builder) Last(name string) *Graph {
	b.mu.Lock()
	defer b.mu.Unlock()
	gs := b.graphs[name]
	if len(gs) == 0 {
		return nil
	}
	return gs[len(gs)-1]
}

// Graph is a fake graph.
type Graph struct {
	Descriptor string

	// StartErr, when set, makes Start fail.
	StartErr error

	name     string
	listener func(graph.Message)
	clock    *Clock

	mu       sync.Mutex
	state    graph.State
	baseTime time.Duration
	aligned  bool
	closed   bool
	starts   int
	stops    int

	injector  *Injector
	extractor *Extractor
	device    *DeviceSink
}

func (g *Graph) Name() string { return g.name }

// Start moves the graph to PLAYING and notifies the listener.
func (g *Graph) Start() error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return errors.New("graphtest: start on closed graph")
	}
	if g.StartErr != nil {
		g.mu.Unlock()
		return g.StartErr
	}
	old := g.state
	g.state = graph.StatePlaying
	g.starts++
	if !g.aligned {
		g.baseTime = g.clock.Now()
	}
	g.mu.Unlock()

	if old != graph.StatePlaying {
		g.Emit(graph.StateChanged(g.name, old, graph.StatePlaying))
	}
	return nil
}

// Stop moves the graph to NULL.
func (g *Graph) Stop() error {
	g.mu.Lock()
	old := g.state
	g.state = graph.StateNull
	g.stops++
	g.mu.Unlock()

	if old != graph.StateNull {
		g.Emit(graph.StateChanged(g.name, old, graph.StateNull))
	}
	return nil
}

// SetState forces a state without counting a start or stop and notifies the
// listener.
func (g *Graph) SetState(s graph.State) {
	g.mu.Lock()
	old := g.state
	g.state = s
	g.mu.Unlock()
	g.Emit(graph.StateChanged(g.name, old, s))
}

func (g *Graph) State() graph.State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

func (g *Graph) BaseTime() time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.baseTime
}

func (g *Graph) AlignTo(ref graph.Graph) error {
	base := ref.BaseTime()
	g.mu.Lock()
	defer g.mu.Unlock()
	g.baseTime = base
	g.aligned = true
	return nil
}

// Aligned reports whether AlignTo was called.
func (g *Graph) Aligned() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.aligned
}

// RunningTime is the clock time minus the base time.
func (g *Graph) RunningTime() time.Duration {
	return g.clock.Now() - g.BaseTime()
}

func (g *Graph) Stage(name string) (graph.Stage, error) {
	switch name {
	case graph.InjectionStage:
		return g.injector, nil
	case graph.ExtractionStage:
		return g.extractor, nil
	case graph.DeviceStage:
		return g.device, nil
	default:
		return nil, fmt.Errorf("%w: %q", graph.ErrNoStage, name)
	}
}

func (g *Graph) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closed = true
	g.state = graph.StateNull
	return nil
}

// Closed reports whether Close was called.
func (g *Graph) Closed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.closed
}

// Starts returns how many times Start succeeded.
func (g *Graph) Starts() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.starts
}

// Stops returns how many times Stop was called.
func (g *Graph) Stops() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.stops
}

// Emit delivers a message to the graph's listener.
func (g *Graph) Emit(msg graph.Message) {
	if g.listener != nil {
		g.listener(msg)
	}
}

// Fail emits an error message.
func (g *Graph) Fail(err error) {
	g.Emit(graph.ErrorMessage(g.name, err, "graphtest"))
}

// Injector returns the fake injection stage.
func (g *Graph) Injector() *Injector { return g.injector }

// Extractor returns the fake extraction stage.
func (g *Graph) Extractor() *Extractor { return g.extractor }

// Injector is a fake injection stage.
type Injector struct {
	graph    *Graph
	geometry graph.Geometry

	mu       sync.Mutex
	cb       graph.FlowCallbacks
	frames   []graph.Frame
	fillers  []int
	refusing bool

	capacity int
	queued   []graph.Frame
	leaked   int
}

func (i *Injector) Name() string          { return graph.InjectionStage }
func (i *Injector) Kind() graph.StageKind { return graph.KindInjector }

// Refuse makes later pushes fail as if the graph stopped accepting data.
func (i *Injector) Refuse(refuse bool) {
	i.mu.Lock()
	i.refusing = refuse
	i.mu.Unlock()
}

func (i *Injector) accepting() bool {
	return !i.refusing && i.graph.State() != graph.StateNull
}

// SetCapacity bounds the queue of frames waiting for the sink, dropping the
// oldest past n like a leaky appsrc. Zero disables the bound.
func (i *Injector) SetCapacity(n int) {
	i.mu.Lock()
	i.capacity = n
	i.mu.Unlock()
}

func (i *Injector) Push(f graph.Frame) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if !i.accepting() {
		return graph.ErrNotAccepting
	}
	i.frames = append(i.frames, f)
	if i.capacity > 0 {
		i.queued = append(i.queued, f)
		if len(i.queued) > i.capacity {
			i.queued = i.queued[1:]
			i.leaked++
		}
	}
	return nil
}

// Queued returns the frames still waiting for the sink when a capacity is
// set, and how many were dropped to stay within it.
func (i *Injector) Queued() ([]graph.Frame, int) {
	i.mu.Lock()
	defer i.mu.Unlock()
	return append([]graph.Frame(nil), i.queued...), i.leaked
}

func (i *Injector) PushFiller(size int) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if !i.accepting() {
		return graph.ErrNotAccepting
	}
	i.fillers = append(i.fillers, size)
	return nil
}

func (i *Injector) Geometry() (graph.Geometry, error) { return i.geometry, nil }

func (i *Injector) SetFlowCallbacks(cb graph.FlowCallbacks) {
	i.mu.Lock()
	i.cb = cb
	i.mu.Unlock()
}

// NeedData fires the need-data callback as a streaming thread would.
func (i *Injector) NeedData() {
	i.mu.Lock()
	fn := i.cb.NeedData
	i.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// EnoughData fires the enough-data callback.
func (i *Injector) EnoughData() {
	i.mu.Lock()
	fn := i.cb.EnoughData
	i.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// Frames returns the relayed frames received so far.
func (i *Injector) Frames() []graph.Frame {
	i.mu.Lock()
	defer i.mu.Unlock()
	return append([]graph.Frame(nil), i.frames...)
}

// Fillers returns the sizes of the filler frames received so far.
func (i *Injector) Fillers() []int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return append([]int(nil), i.fillers...)
}

// Extractor is a fake extraction stage.
type Extractor struct {
	graph *Graph

	mu      sync.Mutex
	handler func(graph.Frame)
	nextID  int
}

func (e *Extractor) Name() string          { return graph.ExtractionStage }
func (e *Extractor) Kind() graph.StageKind { return graph.KindExtractor }

func (e *Extractor) OnFrame(fn func(graph.Frame)) {
	e.mu.Lock()
	e.handler = fn
	e.mu.Unlock()
}

// Produce emits one frame stamped with the graph's running time, as a
// playing graph's streaming thread would. A graph that is not playing
// produces nothing and Produce returns nil.
func (e *Extractor) Produce() *Frame {
	if e.graph.State() != graph.StatePlaying {
		return nil
	}
	e.mu.Lock()
	e.nextID++
	f := &Frame{ID: e.nextID, Bytes: 16, Stamp: e.graph.RunningTime(), Source: e.graph.name}
	fn := e.handler
	e.mu.Unlock()

	if fn != nil {
		fn(f)
	}
	return f
}

// DeviceSink is a fake device sink stage.
type DeviceSink struct {
	fd int
}

func (d *DeviceSink) Name() string           { return graph.DeviceStage }
func (d *DeviceSink) Kind() graph.StageKind  { return graph.KindDeviceSink }
func (d *DeviceSink) DeviceFD() (int, error) { return d.fd, nil }
