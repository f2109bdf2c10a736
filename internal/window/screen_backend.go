package window

import (
	"fmt"

	"github.com/bryanchriswhite/FrameMirror/internal/capture"
)

// ScreenBackend discovers monitors through the platform screenshot API. It
// has no notion of windows and is used where X11 is not available.
type ScreenBackend struct {
	source *capture.ScreenshotSource
}

// NewScreenBackend creates a monitor-only backend
func NewScreenBackend() *ScreenBackend {
	return &ScreenBackend{source: &capture.ScreenshotSource{}}
}

func (b *ScreenBackend) ListWindows() ([]Info, error) {
	return nil, nil
}

func (b *ScreenBackend) GetWindow(id uint32) (Info, error) {
	return Info{}, fmt.Errorf("window 0x%x: window capture is not supported by the %s backend", id, b.Name())
}

func (b *ScreenBackend) Monitors() ([]capture.Target, error) {
	monitors := b.source.Monitors()
	if len(monitors) == 0 {
		return nil, fmt.Errorf("no active displays")
	}
	return monitors, nil
}

func (b *ScreenBackend) Close() error {
	return nil
}

func (b *ScreenBackend) Name() string {
	return "screen"
}
