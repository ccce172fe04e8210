package graph

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrUnknownFormat is returned for raw video formats with no size rule.
var ErrUnknownFormat = errors.New("graph: unknown raw video format")

// Geometry is the negotiated raw video format of a stream.
type Geometry struct {
	Format string // GStreamer raw format name, e.g. "YUY2", "I420", "RGB"
	Width  int
	Height int

	// Size is the frame size in bytes as reported by the media runtime, zero
	// when the geometry was parsed from text.
	Size int
}

// String renders the geometry as FORMAT WxH.
func (g Geometry) String() string {
	return fmt.Sprintf("%s %dx%d", g.Format, g.Width, g.Height)
}

// FrameSize returns the size in bytes of one frame. Without a runtime size it
// is computed with the same plane layout and stride rounding as GStreamer's
// default video info, which lets configuration be checked without cgo.
func (g Geometry) FrameSize() (int, error) {
	if g.Size > 0 {
		return g.Size, nil
	}
	if g.Width <= 0 || g.Height <= 0 {
		return 0, fmt.Errorf("graph: invalid geometry %s", g)
	}
	w, h := g.Width, g.Height

	switch strings.ToUpper(g.Format) {
	case "GRAY8":
		return roundUp4(w) * h, nil
	case "GRAY16_LE", "GRAY16_BE", "RGB16", "BGR16", "RGB15", "BGR15":
		return roundUp4(w*2) * h, nil
	case "YUY2", "YUYV", "UYVY", "YVYU":
		return roundUp4(roundUp2(w)*2) * h, nil
	case "RGB", "BGR", "V308":
		return roundUp4(w*3) * h, nil
	case "RGBA", "BGRA", "ARGB", "ABGR", "RGBX", "BGRX", "XRGB", "XBGR", "AYUV":
		return w * 4 * h, nil
	case "I420", "YV12":
		ySize := roundUp4(w) * roundUp2(h)
		cStride := roundUp4(roundUp2(w) / 2)
		cSize := cStride * (roundUp2(h) / 2)
		return ySize + 2*cSize, nil
	case "NV12", "NV21":
		stride := roundUp4(w)
		return stride*roundUp2(h) + stride*(roundUp2(h)/2), nil
	case "Y42B":
		cStride := roundUp8(w) / 2
		return roundUp4(w)*h + 2*cStride*h, nil
	case "Y444":
		return 3 * roundUp4(w) * h, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownFormat, g.Format)
	}
}

// ParseCaps extracts the geometry from a raw-video caps string such as
// "video/x-raw,format=YUY2,width=1280,height=720,framerate=30/1".
//
// Only fixed values are understood; typed values like "(int)1280" are
// accepted, ranges and lists are not.
func ParseCaps(caps string) (Geometry, error) {
	fields := strings.Split(caps, ",")
	if len(fields) == 0 || strings.TrimSpace(fields[0]) != "video/x-raw" {
		return Geometry{}, fmt.Errorf("graph: not raw video caps: %q", caps)
	}

	var g Geometry
	for _, f := range fields[1:] {
		key, value, ok := strings.Cut(strings.TrimSpace(f), "=")
		if !ok {
			continue
		}
		value = stripType(strings.TrimSpace(value))

		switch strings.TrimSpace(key) {
		case "format":
			g.Format = value
		case "width":
			n, err := strconv.Atoi(value)
			if err != nil {
				return Geometry{}, fmt.Errorf("graph: bad width %q: %w", value, err)
			}
			g.Width = n
		case "height":
			n, err := strconv.Atoi(value)
			if err != nil {
				return Geometry{}, fmt.Errorf("graph: bad height %q: %w", value, err)
			}
			g.Height = n
		}
	}

	if g.Format == "" || g.Width == 0 || g.Height == 0 {
		return Geometry{}, fmt.Errorf("graph: caps %q lack format, width or height", caps)
	}
	return g, nil
}

// stripType removes a "(type)" prefix from a caps field value.
func stripType(v string) string {
	if strings.HasPrefix(v, "(") {
		if i := strings.Index(v, ")"); i >= 0 {
			return strings.TrimSpace(v[i+1:])
		}
	}
	return v
}

func roundUp2(n int) int { return (n + 1) &^ 1 }
func roundUp4(n int) int { return (n + 3) &^ 3 }
func roundUp8(n int) int { return (n + 7) &^ 7 }
