// Package config loads the daemon configuration and renders the pipeline
// descriptions of the three graphs.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/e7canasta/v4l2-relayd/internal/graph"
)

// DefaultPath is where packaged installs keep the configuration.
const DefaultPath = "/etc/v4l2-relayd/config.yaml"

// Config represents the complete v4l2-relayd configuration
type Config struct {
	Capture     CaptureConfig     `yaml:"capture"`
	Output      OutputConfig      `yaml:"output"`
	Placeholder PlaceholderConfig `yaml:"placeholder"`
	Status      StatusConfig      `yaml:"status"`
}

// CaptureConfig describes the physical camera side
type CaptureConfig struct {
	Device   string `yaml:"device"`   // e.g. /dev/video0
	Caps     string `yaml:"caps"`     // optional filter right after the source
	Pipeline string `yaml:"pipeline"` // replaces "v4l2src device=<device>"
}

// OutputConfig describes the virtual (v4l2loopback) device side
type OutputConfig struct {
	Device   string `yaml:"device"`   // e.g. /dev/video10
	Caps     string `yaml:"caps"`     // raw video caps every graph converges on
	Pipeline string `yaml:"pipeline"` // transform between appsrc and v4l2sink
}

// PlaceholderConfig describes what is streamed while nobody watches
type PlaceholderConfig struct {
	Image    string `yaml:"image"`    // still image file; black frames when empty
	Pipeline string `yaml:"pipeline"` // replaces the image source entirely
}

// StatusConfig contains MQTT status publisher settings
type StatusConfig struct {
	Broker   string `yaml:"broker"` // host:port, publisher disabled when empty
	Topic    string `yaml:"topic"`
	ClientID string `yaml:"client_id"`
	QoS      byte   `yaml:"qos"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Capture: CaptureConfig{
			Device: "/dev/video0",
		},
		Output: OutputConfig{
			Device: "/dev/video10",
			Caps:   "video/x-raw,format=YUY2,width=1280,height=720,framerate=30/1",
		},
		Status: StatusConfig{
			Topic:    "v4l2-relayd/status",
			ClientID: "v4l2-relayd",
			QoS:      1,
		},
	}
}

// Load reads a YAML configuration file on top of Default and validates it.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// OutputDescriptor renders the output graph:
//
//	appsrc → [output.pipeline | videoconvert] → v4l2sink
//
// The appsrc holds at most two frames and drops the oldest when full.
func (c *Config) OutputDescriptor() string {
	transform := c.Output.Pipeline
	if transform == "" {
		transform = "videoconvert"
	}
	return fmt.Sprintf(
		"appsrc name=%s is-live=true format=time do-timestamp=true max-buffers=2 leaky-type=downstream caps=%q ! %s ! v4l2sink name=%s device=%s",
		graph.InjectionStage, c.Output.Caps, transform, graph.DeviceStage, c.Output.Device,
	)
}

// CaptureDescriptor renders the capture graph:
//
//	[capture.pipeline | v4l2src] → [capture.caps] → conversion tail → appsink
func (c *Config) CaptureDescriptor() string {
	source := c.Capture.Pipeline
	if source == "" {
		source = "v4l2src device=" + c.Capture.Device
	}
	if c.Capture.Caps != "" {
		source += " ! " + c.Capture.Caps
	}
	return source + c.tail()
}

// PlaceholderDescriptor renders the placeholder graph:
//
//	[placeholder.pipeline | image | black frame] → imagefreeze → conversion tail → appsink
func (c *Config) PlaceholderDescriptor() string {
	source := c.Placeholder.Pipeline
	switch {
	case source != "":
	case c.Placeholder.Image != "":
		source = fmt.Sprintf("filesrc location=%q ! decodebin ! imagefreeze is-live=true", c.Placeholder.Image)
	default:
		source = "videotestsrc pattern=black num-buffers=1 ! imagefreeze is-live=true"
	}
	return source + c.tail()
}

// tail converts any upstream into the output caps and hands frames to the
// relay through a bounded, dropping appsink. The appsink syncs on the shared
// clock so a non-live upstream is paced at the output frame rate.
func (c *Config) tail() string {
	return fmt.Sprintf(
		" ! videoconvert ! videoscale ! videorate ! %s ! appsink name=%s max-buffers=2 drop=true sync=true",
		c.Output.Caps, graph.ExtractionStage,
	)
}

// OutputGeometry parses output.caps.
func (c *Config) OutputGeometry() (graph.Geometry, error) {
	return graph.ParseCaps(strings.TrimSpace(c.Output.Caps))
}
