// Package relay switches the output device between a placeholder and a live
// capture source depending on whether anyone is watching.
//
// The Orchestrator owns every upstream graph handle and the logical state. It
// reacts to three kinds of input, all delivered on the event loop:
//
//  1. Usage notifications (HandleUsage) from the device usage monitor.
//  2. Lifecycle messages from the output graph (HandleMessage).
//  3. Lifecycle messages from its own upstream graphs.
//
// State machine:
//
//	AWAITING_FIRST_EVENT --(usage=true)--> CAPTURE_ACTIVE
//	AWAITING_FIRST_EVENT --(usage=false)-> PLACEHOLDER_ACTIVE
//	PLACEHOLDER_ACTIVE   --(usage=true)--> CAPTURE_ACTIVE
//	CAPTURE_ACTIVE       --(usage=false)-> PLACEHOLDER_ACTIVE
//	(any)                --(output error / EOS)--> SHUTTING_DOWN
//
// Upstream graphs are built lazily, once, and kept across transitions. A graph
// that reports an error is stopped and discarded; the logical state is left
// alone and the next qualifying usage notification builds a fresh one.
package relay

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/e7canasta/v4l2-relayd/internal/graph"
	"github.com/e7canasta/v4l2-relayd/internal/usage"
)

var (
	// ErrInvalidConfig is returned by New for missing collaborators.
	ErrInvalidConfig = errors.New("relay: invalid configuration")

	// ErrOutputFailed is passed to Quit when the output graph reports an
	// error.
	ErrOutputFailed = errors.New("relay: output graph failed")
)

// Output is the output stream controller as seen by the orchestrator.
type Output interface {
	Pusher
	Graph() graph.Graph
	SetUpstream(g graph.Graph)
}

// UsageMonitor is started when the output graph plays and stopped when it
// leaves PLAYING.
type UsageMonitor interface {
	Start(dev usage.Device) error
	Stop()
}

// Scheduler queues work onto the event loop.
type Scheduler interface {
	Post(fn func())
}

// Config wires an Orchestrator.
type Config struct {
	Builder   graph.Builder
	Output    Output
	Scheduler Scheduler

	// Capture and Placeholder describe the upstream graphs. Listener is set by
	// the orchestrator.
	Capture     graph.Spec
	Placeholder graph.Spec

	// Monitor and OpenDevice are optional. Without them the orchestrator only
	// moves on explicit HandleUsage calls.
	Monitor    UsageMonitor
	OpenDevice func() (usage.Device, error)

	// Quit ends the daemon's run loop. A nil error means a clean end.
	Quit func(err error)

	Observers []Observer
}

// Orchestrator is the relay state machine. Every method must be called on the
// event loop.
type Orchestrator struct {
	builder   graph.Builder
	out       Output
	sched     Scheduler
	monitor   UsageMonitor
	openDev   func() (usage.Device, error)
	quit      func(error)
	observers []Observer

	state       State
	capture     *source
	placeholder *source
	sessionID   string
	prewarmed   bool
}

// New validates cfg and returns an orchestrator in StateAwaitingFirstEvent.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Builder == nil {
		return nil, fmt.Errorf("%w: builder is nil", ErrInvalidConfig)
	}
	if cfg.Output == nil {
		return nil, fmt.Errorf("%w: output is nil", ErrInvalidConfig)
	}
	if cfg.Scheduler == nil {
		return nil, fmt.Errorf("%w: scheduler is nil", ErrInvalidConfig)
	}
	if cfg.Monitor != nil && cfg.OpenDevice == nil {
		return nil, fmt.Errorf("%w: monitor without device opener", ErrInvalidConfig)
	}

	quit := cfg.Quit
	if quit == nil {
		quit = func(error) {}
	}

	o := &Orchestrator{
		builder:     cfg.Builder,
		out:         cfg.Output,
		sched:       cfg.Scheduler,
		monitor:     cfg.Monitor,
		openDev:     cfg.OpenDevice,
		quit:        quit,
		observers:   append([]Observer(nil), cfg.Observers...),
		state:       StateAwaitingFirstEvent,
		capture:     newSource(RoleCapture, cfg.Capture),
		placeholder: newSource(RolePlaceholder, cfg.Placeholder),
	}
	return o, nil
}

// State returns the current logical state.
func (o *Orchestrator) State() State { return o.state }

// SessionID returns the ID of the current capture activation, or "".
func (o *Orchestrator) SessionID() string { return o.sessionID }

// Graph returns the current handle of the given upstream, or nil.
func (o *Orchestrator) Graph(r Role) graph.Graph { return o.source(r).g }

// Link returns the relay link of the given upstream, or nil before its first
// build.
func (o *Orchestrator) Link(r Role) *Link { return o.source(r).link }

// Observe adds an observer.
func (o *Orchestrator) Observe(fn Observer) { o.observers = append(o.observers, fn) }

func (o *Orchestrator) source(r Role) *source {
	if r == RoleCapture {
		return o.capture
	}
	return o.placeholder
}

// HandleUsage reacts to a usage notification.
//
// A value matching the current state is a no-op as long as the active graph
// is healthy; after a fault the same value rebuilds it.
func (o *Orchestrator) HandleUsage(hasConsumers bool) {
	if o.state == StateShuttingDown {
		return
	}

	target, reason := StatePlaceholderActive, ReasonNoConsumers
	if hasConsumers {
		target, reason = StateCaptureActive, ReasonConsumers
	}

	if o.state == target && o.active().built() {
		slog.Debug("relay: usage unchanged", "state", o.state.String(), "has_consumers", hasConsumers)
		return
	}

	o.enter(target, reason)
}

// active returns the source feeding the output in the current state, or nil
// outside the two streaming states.
func (o *Orchestrator) active() *source {
	switch o.state {
	case StateCaptureActive:
		return o.capture
	case StatePlaceholderActive:
		return o.placeholder
	default:
		return nil
	}
}

// enter performs a transition to a streaming state.
//
// This method:
//  1. Stops the other upstream, keeping its handle.
//  2. Clears the output's upstream, which re-arms filler frames if needed.
//  3. Builds the target upstream if it has no handle yet.
//  4. Aligns it to the output graph's clock and base time, opens its link and
//     starts it.
//
// A failure in steps 3 or 4 is logged and leaves the logical state set; the
// filler keeps the output fed.
func (o *Orchestrator) enter(target State, reason string) {
	from := o.state
	next, prev := o.capture, o.placeholder
	if target == StatePlaceholderActive {
		next, prev = o.placeholder, o.capture
	}

	if err := prev.stop(); err != nil {
		slog.Warn("relay: stop failed, discarding graph", "role", prev.role.String(), "error", err)
		prev.discard()
	}
	o.out.SetUpstream(nil)
	if from == StateCaptureActive {
		o.logSession(prev)
	}

	o.state = target
	if target == StateCaptureActive {
		o.sessionID = uuid.NewString()
	} else {
		o.sessionID = ""
	}

	err := o.activate(next)
	if err != nil {
		slog.Error("relay: activation failed", "role", next.role.String(), "error", err)
	}

	slog.Info("relay: transition",
		"from", from.String(),
		"to", target.String(),
		"reason", reason,
		"session_id", o.sessionID,
	)
	o.notify(Transition{From: from, To: target, Reason: reason, SessionID: o.sessionID, Err: err})
}

func (o *Orchestrator) activate(src *source) error {
	if !src.built() {
		if err := src.build(o.builder, o.out, o.listener(src)); err != nil {
			return err
		}
	}
	if err := src.start(o.out.Graph()); err != nil {
		src.discard()
		return err
	}
	o.out.SetUpstream(src.g)
	return nil
}

// listener returns the bus listener for src's graphs. Messages are posted to
// the loop tagged with the build generation they came from.
func (o *Orchestrator) listener(src *source) func(uint64, graph.Message) {
	return func(gen uint64, m graph.Message) {
		o.sched.Post(func() { o.handleSourceMessage(src, gen, m) })
	}
}

func (o *Orchestrator) handleSourceMessage(src *source, gen uint64, m graph.Message) {
	if gen != src.gen || !src.built() {
		slog.Debug("relay: dropping stale message", "role", src.role.String(), "kind", m.Kind.String())
		return
	}

	switch m.Kind {
	case graph.MessageStateChanged:
		slog.Debug("relay: upstream state", "role", src.role.String(), "old", m.Old.String(), "new", m.New.String())

	case graph.MessageError, graph.MessageEOS:
		err := m.Err
		if m.Kind == graph.MessageEOS {
			err = fmt.Errorf("relay: %s graph reached end of stream", src.role)
		}
		slog.Error("relay: upstream failed, discarding graph",
			"role", src.role.String(),
			"error", err,
			"debug", m.Debug,
		)

		wasActive := src == o.active()
		src.discard()
		if wasActive {
			o.out.SetUpstream(nil)
		}
		o.notify(Transition{From: o.state, To: o.state, Reason: ReasonSourceError, SessionID: o.sessionID, Err: err})
	}
}

// HandleMessage dispatches a lifecycle message from the output graph.
func (o *Orchestrator) HandleMessage(m graph.Message) {
	if o.state == StateShuttingDown {
		return
	}

	switch m.Kind {
	case graph.MessageStateChanged:
		o.outputStateChanged(m.Old, m.New)

	case graph.MessageError:
		slog.Error("relay: output graph failed", "error", m.Err, "debug", m.Debug)
		err := fmt.Errorf("%w: %w", ErrOutputFailed, m.Err)
		o.shutdown(ReasonOutputError, err)
		o.quit(err)

	case graph.MessageEOS:
		slog.Info("relay: output graph reached end of stream")
		o.shutdown(ReasonOutputEOS, nil)
		o.quit(nil)
	}
}

func (o *Orchestrator) outputStateChanged(from, to graph.State) {
	slog.Debug("relay: output state", "old", from.String(), "new", to.String())

	if from == graph.StateReady && to == graph.StatePaused && !o.prewarmed {
		o.prewarmed = true
		o.prewarm()
	}

	if to == graph.StatePlaying && from != graph.StatePlaying {
		o.startPrewarmed()
		o.startMonitor()
	} else if from == graph.StatePlaying && to != graph.StatePlaying {
		o.stopMonitor()
	}
}

// prewarm builds the placeholder while the output graph prerolls, so the
// first transition does not pay for it.
func (o *Orchestrator) prewarm() {
	if o.state != StateAwaitingFirstEvent || o.placeholder.built() {
		return
	}
	if err := o.placeholder.build(o.builder, o.out, o.listener(o.placeholder)); err != nil {
		slog.Warn("relay: placeholder pre-warm failed", "error", err)
		return
	}
	slog.Info("relay: placeholder pre-warmed")
}

// startPrewarmed starts a pre-warmed placeholder once the output graph plays and
// its base time is known. The logical state is not changed.
func (o *Orchestrator) startPrewarmed() {
	if o.state != StateAwaitingFirstEvent || !o.placeholder.built() || o.placeholder.running {
		return
	}
	if err := o.activate(o.placeholder); err != nil {
		slog.Warn("relay: placeholder start before first event failed", "error", err)
	}
}

func (o *Orchestrator) startMonitor() {
	if o.monitor == nil {
		return
	}
	dev, err := o.openDev()
	if err != nil {
		slog.Error("relay: output device unavailable, streaming placeholder", "error", err)
		o.HandleUsage(false)
		return
	}
	if err := o.monitor.Start(dev); err != nil {
		slog.Error("relay: usage monitor failed, streaming placeholder", "error", err)
		o.HandleUsage(false)
	}
}

func (o *Orchestrator) stopMonitor() {
	if o.monitor != nil {
		o.monitor.Stop()
	}
}

// Shutdown stops every upstream graph and the usage monitor. Idempotent.
func (o *Orchestrator) Shutdown() {
	o.shutdown(ReasonShutdown, nil)
}

func (o *Orchestrator) shutdown(reason string, cause error) {
	if o.state == StateShuttingDown {
		return
	}
	from := o.state
	o.state = StateShuttingDown

	o.stopMonitor()
	o.out.SetUpstream(nil)
	if from == StateCaptureActive {
		o.logSession(o.capture)
	}
	for _, src := range []*source{o.capture, o.placeholder} {
		src.discard()
	}
	o.sessionID = ""

	slog.Info("relay: shutting down", "from", from.String(), "reason", reason)
	o.notify(Transition{From: from, To: StateShuttingDown, Reason: reason, Err: cause})
}

// logSession reports the cadence of the capture session that just ended.
func (o *Orchestrator) logSession(src *source) {
	if src.link == nil {
		return
	}
	c := src.link.Cadence()
	slog.Info("relay: capture session ended",
		"session_id", o.sessionID,
		"forwarded_total", src.link.Stats().Forwarded,
		"fps_mean", math.Round(c.FPSMean*10)/10,
		"fps_stddev", math.Round(c.FPSStdDev*10)/10,
		"jitter_mean", c.JitterMean,
		"jitter_max", c.JitterMax,
		"stable", c.Stable,
	)
}

func (o *Orchestrator) notify(tr Transition) {
	tr.At = time.Now()
	for _, fn := range o.observers {
		fn(tr)
	}
}
