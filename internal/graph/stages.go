package graph

// Names given by the generated descriptors to the stages the relay core
// talks to.
const (
	// InjectionStage is the appsrc at the head of the output graph.
	InjectionStage = "relay_in"
	// ExtractionStage is the appsink at the tail of capture and placeholder
	// graphs.
	ExtractionStage = "relay_out"
	// DeviceStage is the v4l2sink writing into the loopback device.
	DeviceStage = "relay_dev"
)
