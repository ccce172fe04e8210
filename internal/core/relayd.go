// Package core assembles the relay daemon: event loop, output controller,
// usage monitor, orchestrator and status publisher.
package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/e7canasta/v4l2-relayd/internal/config"
	"github.com/e7canasta/v4l2-relayd/internal/eventloop"
	"github.com/e7canasta/v4l2-relayd/internal/graph"
	"github.com/e7canasta/v4l2-relayd/internal/output"
	"github.com/e7canasta/v4l2-relayd/internal/relay"
	"github.com/e7canasta/v4l2-relayd/internal/status"
	"github.com/e7canasta/v4l2-relayd/internal/usage"
	"github.com/e7canasta/v4l2-relayd/internal/v4l2"
)

// ErrNoBuilder is returned by New when no graph builder was given.
var ErrNoBuilder = errors.New("core: no graph builder")

// Graph names, as they appear in logs and status records.
const (
	OutputGraph      = "output"
	CaptureGraph     = "capture"
	PlaceholderGraph = "placeholder"
)

// Option configures a Relayd.
type Option func(*Relayd)

// WithBuilder sets the graph builder. Required.
func WithBuilder(b graph.Builder) Option {
	return func(r *Relayd) { r.builder = b }
}

// WithDeviceOpener replaces the V4L2 wrapper around the output device fd.
func WithDeviceOpener(open func(fd int) usage.Device) Option {
	return func(r *Relayd) { r.openDevice = open }
}

// WithPollInterval sets the usage monitor poll interval.
func WithPollInterval(d time.Duration) Option {
	return func(r *Relayd) { r.pollInterval = d }
}

// WithObserver adds a transition observer. It runs on the event loop.
func WithObserver(obs relay.Observer) Option {
	return func(r *Relayd) { r.observers = append(r.observers, obs) }
}

// Relayd is the relay daemon.
type Relayd struct {
	cfg *config.Config

	builder      graph.Builder
	openDevice   func(fd int) usage.Device
	pollInterval time.Duration
	observers    []relay.Observer

	loop      *eventloop.Loop
	output    *output.Controller
	monitor   *usage.Monitor
	orch      *relay.Orchestrator
	publisher *status.Publisher

	exitErr error
	started time.Time
}

// New wires the daemon from cfg. Only the output graph is built here;
// upstream graphs are built on demand.
func New(cfg *config.Config, opts ...Option) (*Relayd, error) {
	r := &Relayd{
		cfg: cfg,
		openDevice: func(fd int) usage.Device {
			return v4l2.NewDevice(fd)
		},
		pollInterval: usage.DefaultPollInterval,
		loop:         eventloop.New(),
	}
	for _, opt := range opts {
		opt(r)
	}

	if r.builder == nil {
		return nil, ErrNoBuilder
	}

	ctrl, err := output.New(r.builder, graph.Spec{
		Name:       OutputGraph,
		Descriptor: cfg.OutputDescriptor(),
		Listener: func(m graph.Message) {
			r.loop.Post(func() { r.orch.HandleMessage(m) })
		},
	}, r.loop)
	if err != nil {
		return nil, err
	}
	r.output = ctrl

	r.monitor = usage.New(r.loop, func(has bool) { r.orch.HandleUsage(has) },
		usage.WithPollInterval(r.pollInterval))
	r.publisher = status.NewPublisher(cfg.Status)

	orch, err := relay.New(relay.Config{
		Builder:     r.builder,
		Output:      ctrl,
		Scheduler:   r.loop,
		Capture:     graph.Spec{Name: CaptureGraph, Descriptor: cfg.CaptureDescriptor()},
		Placeholder: graph.Spec{Name: PlaceholderGraph, Descriptor: cfg.PlaceholderDescriptor()},
		Monitor:     r.monitor,
		OpenDevice:  r.openOutputDevice,
		Quit:        r.quit,
		Observers:   append([]relay.Observer{r.report}, r.observers...),
	})
	if err != nil {
		ctrl.Close()
		return nil, err
	}
	r.orch = orch

	slog.Info("relayd configured",
		"capture", cfg.CaptureDescriptor(),
		"placeholder", cfg.PlaceholderDescriptor(),
		"output", cfg.OutputDescriptor(),
	)
	return r, nil
}

// Run starts the output graph and dispatches events until the output ends or
// ctx is cancelled. A cancelled context is a clean stop and returns nil.
func (r *Relayd) Run(ctx context.Context) error {
	r.started = time.Now()

	if err := r.publisher.Connect(ctx); err != nil {
		// The client keeps retrying; status is best effort.
		slog.Warn("status publisher not connected", "error", err)
	}
	defer r.publisher.Close()

	if err := r.output.Start(); err != nil {
		r.output.Close()
		return fmt.Errorf("failed to start output: %w", err)
	}

	slog.Info("relayd running", "output_device", r.cfg.Output.Device)

	err := r.loop.Run(ctx)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		slog.Info("shutdown requested")
	}

	r.orch.Shutdown()
	r.loop.Drain()
	if err := r.output.Close(); err != nil {
		slog.Warn("output close failed", "error", err)
	}

	stats := r.output.Stats()
	slog.Info("relayd stopped",
		"uptime", time.Since(r.started).Round(time.Second),
		"frames_relayed", stats.Relayed,
		"filler_frames", stats.Fillers,
		"push_failures", stats.PushFailures,
	)
	return r.exitErr
}

func (r *Relayd) quit(err error) {
	r.exitErr = err
	r.loop.Quit()
}

func (r *Relayd) openOutputDevice() (usage.Device, error) {
	fd, err := r.output.DeviceFD()
	if err != nil {
		return nil, err
	}
	return r.openDevice(fd), nil
}

// report publishes a transition with the last known consumer count.
func (r *Relayd) report(tr relay.Transition) {
	count, known := r.monitor.Count()
	slog.Debug("status record",
		"state", tr.To.String(),
		"reason", tr.Reason,
		"consumers", count,
		"consumers_known", known,
	)
	r.publisher.Publish(status.NewRecord(tr, count, known))
}
