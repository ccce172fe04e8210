// Package graph defines the contract between the relay core and the media
// pipeline runtime.
//
// A Graph is an opaque pipeline of stages (source → transform → sink) that can
// be started, stopped and queried. Stages are looked up by name and come back
// as polymorphic values: callers type-assert to Injector, Extractor or
// DeviceSink depending on the capability they need.
//
// Lifecycle notifications (state changes, errors, end-of-stream) are delivered
// as Message values through the Listener given at build time. They are data,
// never panics.
package graph

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotAccepting is returned when a frame is pushed into a stage whose
	// graph is not accepting data (stopped, flushing, EOS).
	ErrNotAccepting = errors.New("graph: stage not accepting data")

	// ErrNoStage is returned when a stage name is unknown to a graph.
	ErrNoStage = errors.New("graph: no such stage")

	// ErrWrongStage is returned when a stage exists but lacks the requested
	// capability (e.g. asking a v4l2sink for an injection point).
	ErrWrongStage = errors.New("graph: stage has the wrong kind")
)

// State is the lifecycle state of a graph.
type State int

const (
	StateNull State = iota
	StateReady
	StatePaused
	StatePlaying
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateNull:
		return "null"
	case StateReady:
		return "ready"
	case StatePaused:
		return "paused"
	case StatePlaying:
		return "playing"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Frame is a block of pixel data plus timing metadata.
//
// A frame has exactly one owner at a time. Handing it to Injector.Push
// transfers ownership; the caller must not touch it afterwards.
type Frame interface {
	// Size is the payload size in bytes.
	Size() int
	// PTS is the presentation timestamp relative to the producing graph's
	// base time.
	PTS() time.Duration
}

// Graph is a runnable pipeline handle.
type Graph interface {
	// Name identifies the graph in logs and messages.
	Name() string

	// Start moves the graph to PLAYING.
	Start() error

	// Stop moves the graph to NULL and returns once it got there. No callback
	// from the graph's streaming threads runs after Stop returns.
	Stop() error

	// State is the current lifecycle state (non-blocking).
	State() State

	// BaseTime is the clock time at which the graph's running time is zero.
	BaseTime() time.Duration

	// AlignTo makes the graph share ref's clock and base time, so that
	// timestamps produced after a later Start are comparable with ref's
	// running time.
	AlignTo(ref Graph) error

	// Stage looks up a stage by name.
	Stage(name string) (Stage, error)

	// Close releases the graph. The handle is unusable afterwards.
	Close() error
}

// StageKind tells which capability a stage offers.
type StageKind int

const (
	KindOther StageKind = iota
	KindInjector
	KindExtractor
	KindDeviceSink
)

// String returns the kind name.
func (k StageKind) String() string {
	switch k {
	case KindInjector:
		return "injector"
	case KindExtractor:
		return "extractor"
	case KindDeviceSink:
		return "device-sink"
	default:
		return "other"
	}
}

// Stage is one node in a graph.
type Stage interface {
	Name() string
	Kind() StageKind
}

// FlowCallbacks are invoked from streaming threads when an injection point's
// internal queue is under-filled (NeedData) or full (EnoughData).
type FlowCallbacks struct {
	NeedData   func()
	EnoughData func()
}

// Injector is a stage that accepts frames from outside the graph.
type Injector interface {
	Stage

	// Push hands a frame over. Returns ErrNotAccepting (wrapped) when the
	// graph does not accept data.
	Push(f Frame) error

	// PushFiller synthesizes and pushes one frame of size bytes.
	PushFiller(size int) error

	// Geometry reports the negotiated stream format, falling back to the
	// configured caps before negotiation.
	Geometry() (Geometry, error)

	// SetFlowCallbacks installs the need-data/enough-data hooks.
	SetFlowCallbacks(cb FlowCallbacks)
}

// Extractor is a stage where frames leave the graph.
type Extractor interface {
	Stage

	// OnFrame installs the handler that receives every extracted frame, in
	// order, from the streaming thread. Ownership passes to the handler.
	OnFrame(fn func(Frame))
}

// DeviceSink is a stage writing into a kernel video device.
type DeviceSink interface {
	Stage

	// DeviceFD returns the open device descriptor. Valid once the graph
	// reached READY.
	DeviceFD() (int, error)
}

// Spec tells a Builder what to build.
type Spec struct {
	// Name is the graph name.
	Name string
	// Descriptor is the pipeline description in gst-launch syntax.
	Descriptor string
	// Listener receives lifecycle messages. It is called from a watcher
	// goroutine and must not block.
	Listener func(Message)
}

// Builder turns descriptors into runnable graphs.
type Builder interface {
	Build(spec Spec) (Graph, error)
}

// BuilderFunc adapts a function to Builder.
type BuilderFunc func(spec Spec) (Graph, error)

// Build calls f(spec).
func (f BuilderFunc) Build(spec Spec) (Graph, error) { return f(spec) }

// LookupInjector finds a named stage and asserts it is an Injector.
func LookupInjector(g Graph, name string) (Injector, error) {
	st, err := g.Stage(name)
	if err != nil {
		return nil, err
	}
	inj, ok := st.(Injector)
	if !ok {
		return nil, fmt.Errorf("%w: %q is %s, want %s", ErrWrongStage, name, st.Kind(), KindInjector)
	}
	return inj, nil
}

// LookupExtractor finds a named stage and asserts it is an Extractor.
func LookupExtractor(g Graph, name string) (Extractor, error) {
	st, err := g.Stage(name)
	if err != nil {
		return nil, err
	}
	ext, ok := st.(Extractor)
	if !ok {
		return nil, fmt.Errorf("%w: %q is %s, want %s", ErrWrongStage, name, st.Kind(), KindExtractor)
	}
	return ext, nil
}

// LookupDeviceSink finds a named stage and asserts it is a DeviceSink.
func LookupDeviceSink(g Graph, name string) (DeviceSink, error) {
	st, err := g.Stage(name)
	if err != nil {
		return nil, err
	}
	ds, ok := st.(DeviceSink)
	if !ok {
		return nil, fmt.Errorf("%w: %q is %s, want %s", ErrWrongStage, name, st.Kind(), KindDeviceSink)
	}
	return ds, nil
}
