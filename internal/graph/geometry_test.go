package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGeometry_FrameSize(t *testing.T) {
	tests := []struct {
		geom Geometry
		want int
	}{
		{Geometry{Format: "YUY2", Width: 1280, Height: 720}, 1843200},
		{Geometry{Format: "UYVY", Width: 641, Height: 480}, 1284 * 480},
		{Geometry{Format: "I420", Width: 1280, Height: 720}, 1382400},
		{Geometry{Format: "I420", Width: 641, Height: 481}, 466576},
		{Geometry{Format: "NV12", Width: 640, Height: 480}, 460800},
		{Geometry{Format: "RGB", Width: 641, Height: 480}, 923520},
		{Geometry{Format: "BGRx", Width: 1920, Height: 1080}, 1920 * 1080 * 4},
		{Geometry{Format: "GRAY8", Width: 641, Height: 1}, 644},
		{Geometry{Format: "Y444", Width: 640, Height: 480}, 921600},
		{Geometry{Format: "v210", Width: 1280, Height: 720, Size: 3686400}, 3686400},
	}

	for _, tt := range tests {
		t.Run(tt.geom.String(), func(t *testing.T) {
			got, err := tt.geom.FrameSize()
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestGeometry_FrameSizeErrors(t *testing.T) {
	_, err := Geometry{Format: "MJPG", Width: 1280, Height: 720}.FrameSize()
	assert.ErrorIs(t, err, ErrUnknownFormat)

	_, err = Geometry{Format: "YUY2", Width: 0, Height: 720}.FrameSize()
	assert.Error(t, err)
}

func TestParseCaps(t *testing.T) {
	tests := []struct {
		name    string
		caps    string
		want    Geometry
		wantErr bool
	}{
		{
			name: "launch syntax",
			caps: "video/x-raw,format=YUY2,width=1280,height=720,framerate=30/1",
			want: Geometry{Format: "YUY2", Width: 1280, Height: 720},
		},
		{
			name: "negotiated caps",
			caps: "video/x-raw, format=(string)I420, width=(int)640, height=(int)480, framerate=(fraction)30/1",
			want: Geometry{Format: "I420", Width: 640, Height: 480},
		},
		{name: "not raw video", caps: "image/jpeg,width=640,height=480", wantErr: true},
		{name: "no format", caps: "video/x-raw,width=640,height=480", wantErr: true},
		{name: "bad width", caps: "video/x-raw,format=RGB,width=wide,height=480", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseCaps(tt.caps)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
