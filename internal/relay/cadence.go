package relay

import (
	"math"
	"sync"
	"time"
)

const (
	// cadenceWindow bounds how many timestamps a session keeps.
	cadenceWindow = 300

	// A session is stable if the FPS stddev is under 15% of the mean and the
	// mean jitter is under 20% of the expected frame interval.
	fpsStabilityThreshold    = 0.15
	jitterStabilityThreshold = 0.20
)

// Cadence summarizes the frame timing of one relay session, measured on
// presentation timestamps.
type Cadence struct {
	Frames     int
	Span       time.Duration
	FPSMean    float64
	FPSStdDev  float64
	FPSMin     float64
	FPSMax     float64
	JitterMean time.Duration
	JitterMax  time.Duration
	Stable     bool
}

// measureCadence computes cadence statistics from increasing timestamps.
//
// This function:
//  1. Derives the mean rate from the span between first and last frame
//  2. Computes instantaneous FPS per interval, with min, max and stddev
//  3. Computes jitter as the deviation from the mean interval
func measureCadence(stamps []time.Duration) Cadence {
	n := len(stamps)
	if n < 2 {
		return Cadence{Frames: n}
	}

	span := stamps[n-1] - stamps[0]
	c := Cadence{Frames: n, Span: span}
	if span <= 0 {
		return c
	}

	c.FPSMean = float64(n-1) / span.Seconds()

	instant := make([]float64, 0, n-1)
	for i := 1; i < n; i++ {
		if d := stamps[i] - stamps[i-1]; d > 0 {
			instant = append(instant, 1/d.Seconds())
		}
	}
	if len(instant) == 0 {
		return c
	}

	c.FPSMin, c.FPSMax = instant[0], instant[0]
	var sumSquares float64
	for _, fps := range instant {
		c.FPSMin = math.Min(c.FPSMin, fps)
		c.FPSMax = math.Max(c.FPSMax, fps)
		diff := fps - c.FPSMean
		sumSquares += diff * diff
	}
	c.FPSStdDev = math.Sqrt(sumSquares / float64(len(instant)))

	expected := span / time.Duration(n-1)
	var jitterSum time.Duration
	for i := 1; i < n; i++ {
		j := stamps[i] - stamps[i-1] - expected
		if j < 0 {
			j = -j
		}
		jitterSum += j
		if j > c.JitterMax {
			c.JitterMax = j
		}
	}
	c.JitterMean = jitterSum / time.Duration(n-1)

	c.Stable = c.FPSStdDev < c.FPSMean*fpsStabilityThreshold &&
		float64(c.JitterMean) < float64(expected)*jitterStabilityThreshold
	return c
}

// cadenceMeter collects the first cadenceWindow timestamps of a session.
// record is called from streaming threads.
type cadenceMeter struct {
	mu     sync.Mutex
	stamps []time.Duration
}

func (m *cadenceMeter) record(pts time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.stamps) < cadenceWindow {
		m.stamps = append(m.stamps, pts)
	}
}

func (m *cadenceMeter) reset() {
	m.mu.Lock()
	m.stamps = m.stamps[:0]
	m.mu.Unlock()
}

func (m *cadenceMeter) measure() Cadence {
	m.mu.Lock()
	defer m.mu.Unlock()
	return measureCadence(m.stamps)
}
