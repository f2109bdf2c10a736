package capture

import (
	"sync"
	"time"

	"github.com/bryanchriswhite/FrameMirror/internal/gpu"
)

// Frame is one captured texture and the compositor buffer behind it.
// Whoever holds the frame must call Release exactly once when done with the
// texture; extra calls are ignored.
type Frame struct {
	Seq       uint64
	Width     int
	Height    int
	Timestamp time.Time
	Texture   gpu.Texture

	releaseOnce sync.Once
	release     func()
}

// NewFrame wraps a texture. release returns the compositor buffer and may be nil.
func NewFrame(tex gpu.Texture, release func()) *Frame {
	return &Frame{
		Width:     tex.Width(),
		Height:    tex.Height(),
		Timestamp: time.Now(),
		Texture:   tex,
		release:   release,
	}
}

// Release returns the compositor buffer
func (f *Frame) Release() {
	if f == nil {
		return
	}
	f.releaseOnce.Do(func() {
		if f.release != nil {
			f.release()
		}
	})
}
