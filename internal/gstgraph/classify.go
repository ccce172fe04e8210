package gstgraph

import "strings"

// ErrorCategory classifies GStreamer errors for logs and status records.
type ErrorCategory int

const (
	// ErrCategoryDevice indicates the video device is missing, busy or gone.
	ErrCategoryDevice ErrorCategory = iota
	// ErrCategoryNegotiation indicates caps or format negotiation failed.
	ErrCategoryNegotiation
	// ErrCategoryResource indicates a missing element, plugin or file.
	ErrCategoryResource
	// ErrCategoryUnknown indicates unclassified errors.
	ErrCategoryUnknown
)

func (e ErrorCategory) String() string {
	switch e {
	case ErrCategoryDevice:
		return "device"
	case ErrCategoryNegotiation:
		return "negotiation"
	case ErrCategoryResource:
		return "resource"
	default:
		return "unknown"
	}
}

var (
	deviceKeywords = []string{
		"/dev/video",
		"device",
		"busy",
		"v4l2",
		"no such device",
		"permission denied",
		"cannot identify",
	}

	negotiationKeywords = []string{
		"not-negotiated",
		"not negotiated",
		"negotiation",
		"caps",
		"format",
		"could not link",
	}

	resourceKeywords = []string{
		"no element",
		"missing plugin",
		"no such file",
		"could not open resource",
		"not found",
	}
)

// Classify categorizes an error from its message and debug string using
// keyword heuristics.
//
// Negotiation is checked first: its messages frequently mention the device
// element as well, and the reverse is rare.
func Classify(message, debug string) ErrorCategory {
	combined := strings.ToLower(message + " " + debug)

	switch {
	case containsAny(combined, negotiationKeywords):
		return ErrCategoryNegotiation
	case containsAny(combined, resourceKeywords):
		return ErrCategoryResource
	case containsAny(combined, deviceKeywords):
		return ErrCategoryDevice
	default:
		return ErrCategoryUnknown
	}
}

func containsAny(s string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(s, kw) {
			return true
		}
	}
	return false
}
