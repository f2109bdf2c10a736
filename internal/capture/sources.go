package capture

import (
	"fmt"
	"runtime"
	"strings"
)

// SourceOptions configures NewSource
type SourceOptions struct {
	// Display is the X display name for the x11 source
	Display string

	// FPS is the polling rate of sources without change notifications
	FPS     int
	Buffers int

	Synthetic SyntheticOptions
}

// SourceNames lists the values accepted by NewSource
var SourceNames = []string{"auto", "x11", "dxgi", "screenshot", "synthetic"}

// NewSource creates the frame source called name. "auto" picks DXGI on
// Windows and X11 elsewhere.
func NewSource(name string, opts SourceOptions) (Source, error) {
	switch strings.ToLower(name) {
	case "", "auto":
		if runtime.GOOS == "windows" {
			return newDXGISource(opts)
		}
		return &X11Source{Display: opts.Display, Buffers: opts.Buffers}, nil
	case "x11":
		return &X11Source{Display: opts.Display, Buffers: opts.Buffers}, nil
	case "dxgi":
		return newDXGISource(opts)
	case "screenshot":
		return &ScreenshotSource{FPS: opts.FPS, Buffers: opts.Buffers}, nil
	case "synthetic":
		syn := opts.Synthetic
		if syn.Buffers <= 0 {
			syn.Buffers = opts.Buffers
		}
		return NewSyntheticSource(syn), nil
	}
	return nil, fmt.Errorf("unknown capture source %q (use one of %s)", name, strings.Join(SourceNames, ", "))
}
