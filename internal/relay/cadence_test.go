package relay

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e7canasta/v4l2-relayd/internal/eventloop"
	"github.com/e7canasta/v4l2-relayd/internal/graph"
	"github.com/e7canasta/v4l2-relayd/internal/graph/graphtest"
	"github.com/e7canasta/v4l2-relayd/internal/output"
)

func stampsEvery(n int, interval time.Duration) []time.Duration {
	s := make([]time.Duration, n)
	for i := range s {
		s[i] = time.Duration(i) * interval
	}
	return s
}

func TestMeasureCadence(t *testing.T) {
	tests := []struct {
		name       string
		stamps     []time.Duration
		wantFrames int
		wantFPS    float64
		wantStable bool
	}{
		{name: "empty", stamps: nil},
		{name: "single frame", stamps: []time.Duration{time.Second}, wantFrames: 1},
		{name: "same timestamp", stamps: []time.Duration{time.Second, time.Second}, wantFrames: 2},
		{
			name:       "steady 30fps",
			stamps:     stampsEvery(31, time.Second/30),
			wantFrames: 31,
			wantFPS:    30,
			wantStable: true,
		},
		{
			name: "bursty",
			stamps: []time.Duration{
				0, 10 * time.Millisecond, 20 * time.Millisecond,
				200 * time.Millisecond, 210 * time.Millisecond, 400 * time.Millisecond,
			},
			wantFrames: 6,
			wantFPS:    12.5,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := measureCadence(tt.stamps)
			assert.Equal(t, tt.wantFrames, c.Frames)
			assert.InDelta(t, tt.wantFPS, c.FPSMean, 0.01)
			assert.Equal(t, tt.wantStable, c.Stable)
		})
	}
}

func TestMeasureCadence_Extremes(t *testing.T) {
	c := measureCadence([]time.Duration{0, 100 * time.Millisecond, 150 * time.Millisecond})

	require.Equal(t, 3, c.Frames)
	assert.Equal(t, 150*time.Millisecond, c.Span)
	assert.InDelta(t, 10.0, c.FPSMin, 0.01)
	assert.InDelta(t, 20.0, c.FPSMax, 0.01)
	assert.Equal(t, 25*time.Millisecond, c.JitterMax)
	assert.Equal(t, 25*time.Millisecond, c.JitterMean)
}

func TestLink_CadencePerSession(t *testing.T) {
	b := graphtest.NewBuilder()
	out, err := output.New(b, graph.Spec{Name: "output"}, eventloop.New())
	require.NoError(t, err)
	require.NoError(t, out.Start())

	l := NewLink("capture", out)
	l.Open()
	for _, pts := range stampsEvery(10, 40*time.Millisecond) {
		l.Forward(&graphtest.Frame{Stamp: pts})
	}
	assert.InDelta(t, 25.0, l.Cadence().FPSMean, 0.01)

	l.Close()
	l.Forward(&graphtest.Frame{Stamp: time.Hour})
	assert.Equal(t, 10, l.Cadence().Frames, "dropped frames are not measured")

	l.Open()
	assert.Equal(t, 0, l.Cadence().Frames, "reopening starts a new session")

	for i := 0; i < cadenceWindow+5; i++ {
		l.Forward(&graphtest.Frame{Stamp: time.Duration(i) * time.Millisecond})
	}
	assert.Equal(t, cadenceWindow, l.Cadence().Frames)

	t.Logf("✅ Cadence measured per session, bounded window")
}
