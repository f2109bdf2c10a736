package config

import (
	"fmt"
	"strings"

	"github.com/bryanchriswhite/FrameMirror/internal/bridge"
	"github.com/bryanchriswhite/FrameMirror/internal/capture"
	"github.com/bryanchriswhite/FrameMirror/internal/gpu"
	"github.com/bryanchriswhite/FrameMirror/internal/mirror"
	"github.com/bryanchriswhite/FrameMirror/internal/output"
	"github.com/bryanchriswhite/FrameMirror/internal/present"
)

var validLogLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}

// Validate checks every value that would otherwise fail later at startup
func (c *Config) Validate() error {
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("invalid log level: %s (use: debug, info, warn, error)", c.LogLevel)
	}

	if !validSource(c.Capture.Source) {
		return fmt.Errorf("invalid capture source: %s (use: %s)", c.Capture.Source, strings.Join(capture.SourceNames, ", "))
	}
	if c.Capture.Target != "" {
		if _, err := capture.ParseTarget(c.Capture.Target); err != nil {
			return err
		}
	}
	if c.Capture.BufferCount < 1 {
		return fmt.Errorf("capture.buffer_count must be at least 1")
	}

	if c.Presentation.FPS <= 0 {
		return fmt.Errorf("presentation.fps must be positive")
	}
	if _, err := gpu.ParseFilter(c.Presentation.Filter); err != nil {
		return err
	}
	if _, err := present.ParseFit(c.Presentation.Fit); err != nil {
		return err
	}
	if _, err := present.ParseColor(c.Presentation.ClearColor); err != nil {
		return err
	}
	if c.Presentation.Width <= 0 || c.Presentation.Height <= 0 {
		return fmt.Errorf("invalid presentation size %dx%d", c.Presentation.Width, c.Presentation.Height)
	}

	if c.Recovery.MaxRestarts < 0 {
		return fmt.Errorf("recovery.max_restarts cannot be negative")
	}
	if c.Recovery.RestartBackoff < 0 {
		return fmt.Errorf("recovery.restart_backoff cannot be negative")
	}

	if c.API.Port < 0 || c.API.Port > 65535 {
		return fmt.Errorf("invalid api port: %d", c.API.Port)
	}
	if c.Preview.FPS <= 0 {
		return fmt.Errorf("preview.fps must be positive")
	}
	if c.Preview.Quality < 1 || c.Preview.Quality > 100 {
		return fmt.Errorf("preview.quality must be between 1 and 100")
	}
	return nil
}

func validSource(name string) bool {
	for _, s := range capture.SourceNames {
		if strings.EqualFold(s, name) {
			return true
		}
	}
	return false
}

// Mirror converts the configuration into orchestrator settings
func (c *Config) Mirror() (mirror.Config, error) {
	filter, err := gpu.ParseFilter(c.Presentation.Filter)
	if err != nil {
		return mirror.Config{}, err
	}
	fit, err := present.ParseFit(c.Presentation.Fit)
	if err != nil {
		return mirror.Config{}, err
	}
	clear, err := present.ParseColor(c.Presentation.ClearColor)
	if err != nil {
		return mirror.Config{}, err
	}

	return mirror.Config{
		FPS: c.Presentation.FPS,
		Bridge: bridge.Config{
			MaxConsecutiveMapFailures: c.Bridge.MaxConsecutiveMapFailures,
		},
		Present: present.Config{
			Filter:     filter,
			Fit:        fit,
			ClearColor: clear,
		},
		AutoRestart:    c.Recovery.AutoRestartOnDeviceLost,
		MaxRestarts:    c.Recovery.MaxRestarts,
		RestartBackoff: c.Recovery.RestartBackoff,
	}, nil
}

// SourceOptions converts the capture section into frame source options
func (c *Config) SourceOptions() capture.SourceOptions {
	return capture.SourceOptions{
		Display: c.Capture.Display,
		FPS:     c.Capture.PollFPS,
		Buffers: c.Capture.BufferCount,
		Synthetic: capture.SyntheticOptions{
			Width:   c.Capture.Synthetic.Width,
			Height:  c.Capture.Synthetic.Height,
			FPS:     c.Capture.Synthetic.FPS,
			Buffers: c.Capture.BufferCount,
		},
	}
}

// Output converts the preview section into output settings
func (c *Config) Output() output.Config {
	return output.Config{
		FPS:     c.Preview.FPS,
		Quality: c.Preview.Quality,
	}
}

// InitialTarget parses capture.target. ok is false when no target is set.
func (c *Config) InitialTarget() (target capture.Target, ok bool, err error) {
	if c.Capture.Target == "" {
		return capture.Target{}, false, nil
	}
	target, err = capture.ParseTarget(c.Capture.Target)
	if err != nil {
		return capture.Target{}, false, err
	}
	target.ShowCursor = c.Capture.ShowCursor
	return target, true, nil
}
