package relay

import (
	"log/slog"
	"sync/atomic"

	"github.com/e7canasta/v4l2-relayd/internal/graph"
)

// Pusher accepts relayed frames.
type Pusher interface {
	Push(f graph.Frame) error
}

// Link forwards frames from an upstream extraction stage to the output
// injection stage.
//
// Forward runs on the upstream graph's streaming thread. The gate is the only
// state shared with the event loop. Frames arriving while the gate is closed
// are dropped; the link never holds on to a frame.
type Link struct {
	from string
	to   Pusher
	open atomic.Bool

	forwarded atomic.Uint64
	dropped   atomic.Uint64
	refused   atomic.Uint64

	cadence cadenceMeter
}

// LinkStats counts what went through a link.
type LinkStats struct {
	Forwarded uint64
	Dropped   uint64
	Refused   uint64
}

// NewLink creates a closed link.
func NewLink(from string, to Pusher) *Link {
	return &Link{from: from, to: to}
}

// Open lets frames through and starts a new cadence measurement.
func (l *Link) Open() {
	l.cadence.reset()
	l.open.Store(true)
}

// Close stops forwarding.
func (l *Link) Close() { l.open.Store(false) }

// IsOpen reports the gate state.
func (l *Link) IsOpen() bool { return l.open.Load() }

// Forward hands f to the output if the gate is open. Ownership of f passes to
// the output either way.
func (l *Link) Forward(f graph.Frame) {
	if !l.open.Load() {
		l.dropped.Add(1)
		return
	}
	pts := f.PTS()
	if err := l.to.Push(f); err != nil {
		l.refused.Add(1)
		slog.Debug("relay: frame refused by output", "from", l.from, "error", err)
		return
	}
	l.forwarded.Add(1)
	l.cadence.record(pts)
}

// Cadence measures the frames forwarded since the last Open.
func (l *Link) Cadence() Cadence { return l.cadence.measure() }

// Stats returns a snapshot of the counters.
func (l *Link) Stats() LinkStats {
	return LinkStats{
		Forwarded: l.forwarded.Load(),
		Dropped:   l.dropped.Load(),
		Refused:   l.refused.Load(),
	}
}
