package gstgraph

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name    string
		message string
		debug   string
		want    ErrorCategory
	}{
		{
			name:    "busy capture device",
			message: "Device '/dev/video0' is busy",
			debug:   "gstv4l2object.c(4100): gst_v4l2_object_open (): /GstPipeline:capture/GstV4l2Src:v4l2src0",
			want:    ErrCategoryDevice,
		},
		{
			name:    "missing device",
			message: "Cannot identify device '/dev/video3'.",
			want:    ErrCategoryDevice,
		},
		{
			name:    "not negotiated",
			message: "Internal data stream error.",
			debug:   "streaming stopped, reason not-negotiated (-4)",
			want:    ErrCategoryNegotiation,
		},
		{
			name:    "stream error",
			message: "Internal data stream error.",
			debug:   "streaming stopped, reason error (-5)",
			want:    ErrCategoryUnknown,
		},
		{
			name:    "caps mismatch on device",
			message: "Device '/dev/video10' does not support video/x-raw caps",
			want:    ErrCategoryNegotiation,
		},
		{
			name:    "missing placeholder image",
			message: "Resource not found.",
			debug:   "No such file \"/usr/share/v4l2-relayd/image.jpg\"",
			want:    ErrCategoryResource,
		},
		{
			name:    "missing element",
			message: "no element \"imagefreeze\"",
			want:    ErrCategoryResource,
		},
		{
			name: "empty",
			want: ErrCategoryUnknown,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(tt.message, tt.debug)
			assert.Equal(t, tt.want, got, "category %s", got)
		})
	}
}

func TestErrorCategory_String(t *testing.T) {
	assert.Equal(t, "device", ErrCategoryDevice.String())
	assert.Equal(t, "negotiation", ErrCategoryNegotiation.String())
	assert.Equal(t, "resource", ErrCategoryResource.String())
	assert.Equal(t, "unknown", ErrCategoryUnknown.String())
	assert.Equal(t, "unknown", ErrorCategory(42).String())
}
