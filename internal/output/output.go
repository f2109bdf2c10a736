// Package output taps the presented frames for secondary consumers such as
// the browser preview stream.
package output

import (
	"image"
	"sync"

	"github.com/bryanchriswhite/FrameMirror/internal/gpu"
	"github.com/bryanchriswhite/FrameMirror/internal/logger"
)

// Output receives every frame presented to the destination surface
type Output interface {
	// Start initializes the output mechanism
	Start() error

	// Stop cleanly shuts down the output
	Stop() error

	// WriteFrame hands over a presented frame. The image is only valid for
	// the duration of the call.
	WriteFrame(frame *image.RGBA) error

	// Name returns a human-readable name for this output type
	Name() string

	// IsRunning returns true if the output is currently active
	IsRunning() bool
}

// Config holds common configuration for all output types
type Config struct {
	// FPS caps how many presented frames are forwarded per second
	FPS int

	// Quality is the JPEG quality, 1 to 100
	Quality int
}

// TeeSurface is a gpu.Surface that forwards each presented back buffer to
// an Output after presenting it to the wrapped surface.
type TeeSurface struct {
	gpu.Surface
	out Output

	mu   sync.Mutex
	back *image.RGBA
}

// Tee wraps surface so that out sees every presented frame
func Tee(surface gpu.Surface, out Output) *TeeSurface {
	return &TeeSurface{Surface: surface, out: out}
}

func (t *TeeSurface) Acquire() (*image.RGBA, error) {
	back, err := t.Surface.Acquire()
	t.mu.Lock()
	t.back = back
	t.mu.Unlock()
	return back, err
}

func (t *TeeSurface) Present() error {
	t.mu.Lock()
	back := t.back
	t.mu.Unlock()

	// The output sees the buffer before the wrapped surface may recycle it
	if back != nil && t.out.IsRunning() {
		if err := t.out.WriteFrame(back); err != nil {
			logger.WithComponent("output").Debug().Err(err).Str("output", t.out.Name()).Msg("Failed to forward frame")
		}
	}
	return t.Surface.Present()
}
