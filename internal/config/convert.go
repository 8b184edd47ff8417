package config

import (
	"fmt"

	"github.com/danmuck/viscactl/internal/camera"
)

// CameraSpecs turns inventory entries into registry specs.
func CameraSpecs(entries []CameraConfig) ([]camera.Spec, error) {
	specs := make([]camera.Spec, 0, len(entries))
	for i, entry := range entries {
		sess, err := entry.SessionConfig()
		if err != nil {
			return nil, fmt.Errorf("cameras[%d] %s: %w", i, entry.Name, err)
		}
		opts, err := entry.TransportOptions()
		if err != nil {
			return nil, fmt.Errorf("cameras[%d] %s: %w", i, entry.Name, err)
		}
		specs = append(specs, camera.Spec{Session: sess, Transport: opts})
	}
	return specs, nil
}
