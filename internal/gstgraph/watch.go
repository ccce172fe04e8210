package gstgraph

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/tinyzimmer/go-gst/gst"

	"github.com/e7canasta/v4l2-relayd/internal/graph"
)

// busPollInterval bounds how long Close waits for the watcher.
const busPollInterval = 50 * time.Millisecond

// watch starts the bus watcher goroutine.
func (g *Graph) watch() {
	ctx, cancel := context.WithCancel(context.Background())
	g.cancel = cancel

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		g.watchBus(ctx)
	}()
}

// watchBus pops bus messages until ctx is cancelled and hands them to the
// listener as graph messages.
//
// This function:
//  1. Polls the bus with a short timeout for responsive shutdown
//  2. Converts EOS, errors and pipeline-level state changes
//  3. Classifies errors for the log
//
// Element-level state changes are ignored; only the pipeline's own matter.
func (g *Graph) watchBus(ctx context.Context) {
	bus := g.pipeline.GetPipelineBus()

	for {
		select {
		case <-ctx.Done():
			slog.Debug("gstgraph: bus watcher stopped", "name", g.name)
			return

		default:
			msg := bus.TimedPop(busPollInterval)
			if msg == nil {
				continue
			}

			switch msg.Type() {
			case gst.MessageEOS:
				slog.Info("gstgraph: end of stream", "name", g.name)
				g.listener(graph.EOS(g.name))

			case gst.MessageError:
				gerr := msg.ParseError()
				if gerr == nil {
					g.listener(graph.ErrorMessage(g.name, errors.New("unknown pipeline error"), ""))
					continue
				}
				category := Classify(gerr.Error(), gerr.DebugString())

				slog.Error("gstgraph: pipeline error",
					"name", g.name,
					"source", msg.Source(),
					"error", gerr.Error(),
					"debug", gerr.DebugString(),
					"category", category.String(),
				)
				g.listener(graph.ErrorMessage(g.name, &PipelineError{
					Graph:    g.name,
					Element:  msg.Source(),
					Message:  gerr.Error(),
					Category: category,
				}, gerr.DebugString()))

			case gst.MessageStateChanged:
				if msg.Source() != g.name {
					continue
				}
				from, to := msg.ParseStateChanged()
				slog.Debug("gstgraph: pipeline state changed",
					"name", g.name,
					"from", from,
					"to", to,
				)
				g.listener(graph.StateChanged(g.name, fromGstState(from), fromGstState(to)))
			}
		}
	}
}

// PipelineError is the error carried by graph error messages.
type PipelineError struct {
	Graph    string
	Element  string
	Message  string
	Category ErrorCategory
}

func (e *PipelineError) Error() string {
	return e.Graph + ": " + e.Element + ": " + e.Message + " [" + e.Category.String() + "]"
}
