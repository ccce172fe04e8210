package gstgraph

/*
#cgo pkg-config: gstreamer-1.0
#include <gst/gst.h>

static void pinBaseTime(GstElement *elem, GstClockTime base)
{
	gst_element_set_start_time(elem, GST_CLOCK_TIME_NONE);
	gst_element_set_base_time(elem, base);
}
*/
import "C"

import (
	"time"

	"github.com/tinyzimmer/go-gst/gst"
)

// The go-gst bindings do not expose clock selection or base-time control on
// elements, so these go straight to the C API on the wrapped pointers.

func useClock(p *gst.Pipeline, clock *gst.Clock) {
	C.gst_pipeline_use_clock((*C.GstPipeline)(p.Unsafe()), (*C.GstClock)(clock.Unsafe()))
}

func baseTime(p *gst.Pipeline) time.Duration {
	return time.Duration(C.gst_element_get_base_time((*C.GstElement)(p.Unsafe())))
}

// pinBaseTime sets base and disables start-time tracking, so the next
// PLAYING transition keeps base instead of sampling the clock.
func pinBaseTime(p *gst.Pipeline, base time.Duration) {
	C.pinBaseTime((*C.GstElement)(p.Unsafe()), C.GstClockTime(base))
}
