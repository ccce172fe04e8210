package config

import (
	"fmt"
	"strings"
)

// Validate checks if the configuration is valid and fills derived defaults
func Validate(cfg *Config) error {
	// Output device is where consumers read; nothing works without it
	if cfg.Output.Device == "" {
		return fmt.Errorf("output.device is required")
	}

	// Capture needs a device unless a full source pipeline is given
	if cfg.Capture.Device == "" && cfg.Capture.Pipeline == "" {
		return fmt.Errorf("capture.device or capture.pipeline is required")
	}

	// Output caps size the filler frames, so they must be fixed raw video
	if cfg.Output.Caps == "" {
		return fmt.Errorf("output.caps is required")
	}
	geom, err := cfg.OutputGeometry()
	if err != nil {
		return fmt.Errorf("output.caps: %w", err)
	}
	if _, err := geom.FrameSize(); err != nil {
		return fmt.Errorf("output.caps: %w", err)
	}

	for name, desc := range map[string]string{
		"capture.pipeline":     cfg.Capture.Pipeline,
		"output.pipeline":      cfg.Output.Pipeline,
		"placeholder.pipeline": cfg.Placeholder.Pipeline,
	} {
		if strings.Contains(desc, "appsink") || strings.Contains(desc, "appsrc") {
			return fmt.Errorf("%s must not contain appsrc or appsink, they are added automatically", name)
		}
	}

	// Status publisher defaults
	if cfg.Status.Broker != "" {
		if cfg.Status.Topic == "" {
			cfg.Status.Topic = "v4l2-relayd/status"
		}
		if cfg.Status.ClientID == "" {
			cfg.Status.ClientID = "v4l2-relayd"
		}
		if cfg.Status.QoS > 2 {
			return fmt.Errorf("status.qos must be 0, 1 or 2")
		}
	}

	return nil
}
