package gstgraph

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"github.com/e7canasta/v4l2-relayd/internal/graph"
)

// Graph is a GStreamer pipeline.
type Graph struct {
	name     string
	pipeline *gst.Pipeline
	listener func(graph.Message)

	mu     sync.Mutex
	stages map[string]graph.Stage
	closed bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newGraph(name string, pipeline *gst.Pipeline, listener func(graph.Message)) *Graph {
	if listener == nil {
		listener = func(graph.Message) {}
	}
	return &Graph{
		name:     name,
		pipeline: pipeline,
		listener: listener,
		stages:   make(map[string]graph.Stage),
	}
}

func (g *Graph) Name() string { return g.name }

// Start requests PLAYING. The transition completes asynchronously; its
// progress is reported through state-change messages.
func (g *Graph) Start() error {
	if err := g.pipeline.SetState(gst.StatePlaying); err != nil {
		return fmt.Errorf("gstgraph: %s: set PLAYING: %w", g.name, err)
	}
	return nil
}

// Stop moves the pipeline to NULL and waits for it, which joins every
// streaming thread.
func (g *Graph) Stop() error {
	if err := g.pipeline.BlockSetState(gst.StateNull); err != nil {
		return fmt.Errorf("gstgraph: %s: set NULL: %w", g.name, err)
	}
	return nil
}

func (g *Graph) State() graph.State {
	return fromGstState(g.pipeline.GetState())
}

func (g *Graph) BaseTime() time.Duration {
	return baseTime(g.pipeline)
}

// AlignTo copies ref's base time and pins it; the pipeline then keeps it on
// the next PLAYING transition instead of sampling the clock. Both pipelines
// already share the builder's clock.
func (g *Graph) AlignTo(ref graph.Graph) error {
	r, ok := ref.(*Graph)
	if !ok {
		return fmt.Errorf("gstgraph: %s: cannot align to %T", g.name, ref)
	}
	base := baseTime(r.pipeline)
	pinBaseTime(g.pipeline, base)

	slog.Debug("gstgraph: base time aligned",
		"name", g.name,
		"ref", r.name,
		"base_time", base,
	)
	return nil
}

// Stage looks the named element up and wraps it by factory.
func (g *Graph) Stage(name string) (graph.Stage, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if st, ok := g.stages[name]; ok {
		return st, nil
	}

	elem, err := g.pipeline.GetElementByName(name)
	if err != nil || elem == nil {
		return nil, fmt.Errorf("%w: %q in %s", graph.ErrNoStage, name, g.name)
	}

	var st graph.Stage
	factory := ""
	if f := elem.GetFactory(); f != nil {
		factory = f.GetName()
	}
	switch factory {
	case "appsrc":
		st = newInjector(name, app.SrcFromElement(elem))
	case "appsink":
		st = newExtractor(name, app.SinkFromElement(elem))
	case "v4l2sink":
		st = &deviceSink{name: name, elem: elem}
	default:
		st = &otherStage{name: name}
	}

	g.stages[name] = st
	return st, nil
}

// Close stops the pipeline and joins the bus watcher.
func (g *Graph) Close() error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.closed = true
	g.mu.Unlock()

	err := g.Stop()
	if g.cancel != nil {
		g.cancel()
	}
	g.wg.Wait()

	slog.Debug("gstgraph: pipeline closed", "name", g.name)
	return err
}

func fromGstState(s gst.State) graph.State {
	switch s {
	case gst.StateReady:
		return graph.StateReady
	case gst.StatePaused:
		return graph.StatePaused
	case gst.StatePlaying:
		return graph.StatePlaying
	default:
		return graph.StateNull
	}
}
