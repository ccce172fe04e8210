// Package gstgraph implements the graph contract on top of GStreamer.
//
// Graphs are built from gst-launch descriptions. Stages are found by element
// name and typed by their factory: appsrc elements become injectors, appsink
// elements extractors and v4l2sink elements device sinks.
//
// Every graph built by one Builder runs on the same system clock, which is
// what makes base-time alignment between graphs meaningful.
package gstgraph

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tinyzimmer/go-gst/gst"

	"github.com/e7canasta/v4l2-relayd/internal/graph"
)

// ErrUnavailable is returned by NewBuilder when GStreamer cannot be used.
var ErrUnavailable = errors.New("gstgraph: GStreamer not available")

var initOnce sync.Once

// Builder builds GStreamer graphs sharing one clock.
type Builder struct {
	clock *gst.Clock
}

// NewBuilder initializes GStreamer and checks the elements every relay graph
// needs are installed.
func NewBuilder() (*Builder, error) {
	initOnce.Do(func() { gst.Init(nil) })

	for _, factory := range []string{"appsrc", "appsink"} {
		elem, err := gst.NewElement(factory)
		if err != nil {
			return nil, fmt.Errorf("%w: element %q: %v", ErrUnavailable, factory, err)
		}
		elem.SetState(gst.StateNull)
	}

	sys := gst.ObtainSystemClock()
	if sys == nil || sys.Clock == nil {
		return nil, fmt.Errorf("%w: no system clock", ErrUnavailable)
	}

	slog.Debug("gstgraph: builder ready")
	return &Builder{clock: sys.Clock}, nil
}

// Build parses spec.Descriptor into a pipeline and starts watching its bus.
// The pipeline stays in NULL until Start.
func (b *Builder) Build(spec graph.Spec) (graph.Graph, error) {
	if spec.Descriptor == "" {
		return nil, fmt.Errorf("gstgraph: %s: empty descriptor", spec.Name)
	}

	pipeline, err := gst.NewPipelineFromString(spec.Descriptor)
	if err != nil {
		return nil, fmt.Errorf("gstgraph: %s: parse %q: %w", spec.Name, spec.Descriptor, err)
	}
	if spec.Name != "" {
		if err := pipeline.SetProperty("name", spec.Name); err != nil {
			slog.Warn("gstgraph: cannot name pipeline", "name", spec.Name, "error", err)
		}
	}
	useClock(pipeline, b.clock)

	g := newGraph(spec.Name, pipeline, spec.Listener)
	g.watch()

	slog.Debug("gstgraph: pipeline built", "name", spec.Name, "descriptor", spec.Descriptor)
	return g, nil
}
