package relay

import (
	"fmt"
	"log/slog"

	"github.com/e7canasta/v4l2-relayd/internal/graph"
)

// source is one upstream graph (capture or placeholder) together with its
// relay link. The graph is built on first activation and kept across
// deactivations; it is only discarded after a fault.
type source struct {
	role Role
	spec graph.Spec

	g    graph.Graph
	link *Link

	// gen changes whenever the graph is discarded, so messages from an older
	// build are recognised and dropped.
	gen     uint64
	running bool
	builds  int
}

func newSource(role Role, spec graph.Spec) *source {
	if spec.Name == "" {
		spec.Name = role.String()
	}
	return &source{role: role, spec: spec}
}

func (s *source) built() bool { return s.g != nil }

// build creates the graph and attaches its extraction stage to out.
func (s *source) build(b graph.Builder, out Pusher, listener func(gen uint64, m graph.Message)) error {
	gen := s.gen
	spec := s.spec
	spec.Listener = func(m graph.Message) { listener(gen, m) }

	g, err := b.Build(spec)
	if err != nil {
		return fmt.Errorf("relay: build %s graph: %w", s.role, err)
	}

	ext, err := graph.LookupExtractor(g, graph.ExtractionStage)
	if err != nil {
		g.Close()
		return fmt.Errorf("relay: %s graph: %w", s.role, err)
	}

	link := NewLink(spec.Name, out)
	ext.OnFrame(link.Forward)

	s.g = g
	s.link = link
	s.builds++
	slog.Info("relay: graph built", "role", s.role.String(), "name", spec.Name, "builds", s.builds)
	return nil
}

// start aligns the graph to ref, opens the link and starts the graph.
func (s *source) start(ref graph.Graph) error {
	if s.running {
		s.link.Open()
		return nil
	}
	if err := s.g.AlignTo(ref); err != nil {
		return fmt.Errorf("relay: align %s graph: %w", s.role, err)
	}
	s.link.Open()
	if err := s.g.Start(); err != nil {
		s.link.Close()
		return fmt.Errorf("relay: start %s graph: %w", s.role, err)
	}
	s.running = true
	return nil
}

// stop closes the link and stops the graph, keeping the handle.
func (s *source) stop() error {
	if !s.built() {
		return nil
	}
	s.link.Close()
	if !s.running {
		return nil
	}
	s.running = false
	if err := s.g.Stop(); err != nil {
		return fmt.Errorf("relay: stop %s graph: %w", s.role, err)
	}
	return nil
}

// discard stops and releases the graph. The next activation rebuilds it.
func (s *source) discard() {
	if !s.built() {
		return
	}
	s.link.Close()
	if err := s.g.Stop(); err != nil {
		slog.Debug("relay: stop before discard", "role", s.role.String(), "error", err)
	}
	if err := s.g.Close(); err != nil {
		slog.Debug("relay: close", "role", s.role.String(), "error", err)
	}
	s.g = nil
	s.running = false
	s.gen++
}
