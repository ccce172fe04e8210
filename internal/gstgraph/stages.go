package gstgraph

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"
	"github.com/tinyzimmer/go-gst/gst/video"

	"github.com/e7canasta/v4l2-relayd/internal/graph"
)

// ErrForeignFrame is returned when a frame not produced by this package is
// pushed into an injector.
var ErrForeignFrame = errors.New("gstgraph: frame was not produced by a GStreamer graph")

// Frame wraps a buffer pulled from an appsink. The sample keeps the buffer
// alive until the frame is dropped.
type Frame struct {
	sample *gst.Sample
	buffer *gst.Buffer
}

func (f *Frame) Size() int { return int(f.buffer.GetSize()) }

func (f *Frame) PTS() time.Duration { return time.Duration(f.buffer.PresentationTimestamp()) }

// injector wraps an appsrc.
type injector struct {
	name string
	src  *app.Source

	mu sync.Mutex
	cb graph.FlowCallbacks
}

func newInjector(name string, src *app.Source) *injector {
	inj := &injector{name: name, src: src}
	src.SetCallbacks(&app.SourceCallbacks{
		NeedDataFunc: func(self *app.Source, length uint) {
			if fn := inj.callbacks().NeedData; fn != nil {
				fn()
			}
		},
		EnoughDataFunc: func(self *app.Source) {
			if fn := inj.callbacks().EnoughData; fn != nil {
				fn()
			}
		},
	})
	return inj
}

func (i *injector) Name() string          { return i.name }
func (i *injector) Kind() graph.StageKind { return graph.KindInjector }

func (i *injector) callbacks() graph.FlowCallbacks {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.cb
}

func (i *injector) SetFlowCallbacks(cb graph.FlowCallbacks) {
	i.mu.Lock()
	i.cb = cb
	i.mu.Unlock()
}

func (i *injector) Push(f graph.Frame) error {
	fr, ok := f.(*Frame)
	if !ok {
		return fmt.Errorf("%w: %T", ErrForeignFrame, f)
	}
	return i.push(fr.buffer)
}

// PushFiller pushes a zeroed buffer of size bytes.
func (i *injector) PushFiller(size int) error {
	return i.push(gst.NewBufferFromBytes(make([]byte, size)))
}

func (i *injector) push(buf *gst.Buffer) error {
	if ret := i.src.PushBuffer(buf); ret != gst.FlowOK {
		return fmt.Errorf("%w: %s: flow %v", graph.ErrNotAccepting, i.name, ret)
	}
	return nil
}

// Geometry reads the negotiated caps of the appsrc pad, falling back to the
// caps configured on the element.
func (i *injector) Geometry() (graph.Geometry, error) {
	var caps *gst.Caps
	if pad := i.src.GetStaticPad("src"); pad != nil {
		caps = pad.GetCurrentCaps()
	}
	if caps == nil {
		caps = i.src.GetCaps()
	}
	if caps == nil {
		return graph.Geometry{}, fmt.Errorf("gstgraph: %s: no caps", i.name)
	}
	geom, err := geometryFromCaps(caps)
	if err != nil {
		return graph.Geometry{}, fmt.Errorf("gstgraph: %s: %w", i.name, err)
	}
	return geom, nil
}

// geometryFromCaps reads fixed raw video caps through GstVideoInfo, which
// also gives the frame size with the runtime's own stride and plane layout.
func geometryFromCaps(caps *gst.Caps) (graph.Geometry, error) {
	if caps.GetSize() == 0 {
		return graph.Geometry{}, fmt.Errorf("empty caps")
	}
	if st := caps.GetStructureAt(0); st == nil || st.Name() != "video/x-raw" {
		return graph.Geometry{}, fmt.Errorf("not raw video caps: %s", caps.String())
	}
	if !caps.IsFixed() {
		return graph.Geometry{}, fmt.Errorf("caps not fixed: %s", caps.String())
	}

	info := video.NewInfo().FromCaps(caps)
	if info.Format() == video.FormatUnknown || info.Width() <= 0 || info.Height() <= 0 {
		return graph.Geometry{}, fmt.Errorf("caps lack format, width or height: %s", caps.String())
	}
	return graph.Geometry{
		Format: info.Format().String(),
		Width:  info.Width(),
		Height: info.Height(),
		Size:   int(info.Size()),
	}, nil
}

// extractor wraps an appsink.
type extractor struct {
	name string
	sink *app.Sink

	mu      sync.Mutex
	handler func(graph.Frame)
}

func newExtractor(name string, sink *app.Sink) *extractor {
	ext := &extractor{name: name, sink: sink}
	sink.SetCallbacks(&app.SinkCallbacks{
		NewSampleFunc: ext.onNewSample,
	})
	return ext
}

func (e *extractor) Name() string          { return e.name }
func (e *extractor) Kind() graph.StageKind { return graph.KindExtractor }

func (e *extractor) OnFrame(fn func(graph.Frame)) {
	e.mu.Lock()
	e.handler = fn
	e.mu.Unlock()
}

// onNewSample runs on the streaming thread for every buffer reaching the
// appsink.
//
// A missing sample or buffer skips the frame instead of failing the stream.
func (e *extractor) onNewSample(sink *app.Sink) gst.FlowReturn {
	sample := sink.PullSample()
	if sample == nil {
		slog.Warn("gstgraph: failed to pull sample, skipping frame", "stage", e.name)
		return gst.FlowOK
	}
	buffer := sample.GetBuffer()
	if buffer == nil {
		slog.Warn("gstgraph: sample without buffer, skipping frame", "stage", e.name)
		return gst.FlowOK
	}

	e.mu.Lock()
	fn := e.handler
	e.mu.Unlock()

	if fn != nil {
		fn(&Frame{sample: sample, buffer: buffer})
	}
	return gst.FlowOK
}

// deviceSink wraps a v4l2sink.
type deviceSink struct {
	name string
	elem *gst.Element
}

func (d *deviceSink) Name() string          { return d.name }
func (d *deviceSink) Kind() graph.StageKind { return graph.KindDeviceSink }

// DeviceFD reads the v4l2sink "device-fd" property, -1 until the device is
// open.
func (d *deviceSink) DeviceFD() (int, error) {
	v, err := d.elem.GetProperty("device-fd")
	if err != nil {
		return -1, fmt.Errorf("gstgraph: %s: device-fd: %w", d.name, err)
	}
	switch fd := v.(type) {
	case int:
		return fd, nil
	case int32:
		return int(fd), nil
	case int64:
		return int(fd), nil
	default:
		return -1, fmt.Errorf("gstgraph: %s: device-fd has type %T", d.name, v)
	}
}

type otherStage struct {
	name string
}

func (s *otherStage) Name() string          { return s.name }
func (s *otherStage) Kind() graph.StageKind { return graph.KindOther }
