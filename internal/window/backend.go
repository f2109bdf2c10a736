package window

import (
	"image"

	"github.com/bryanchriswhite/FrameMirror/internal/capture"
)

// Info describes a top-level application window
type Info struct {
	ID       uint32          `json:"id"`
	Title    string          `json:"title"`
	Class    string          `json:"class"`
	PID      int             `json:"pid"`
	Desktop  int             `json:"desktop"`
	Geometry image.Rectangle `json:"geometry"`
}

// Target converts the window into a capture target
func (i Info) Target() capture.Target {
	name := i.Title
	if name == "" {
		name = i.Class
	}
	return capture.Target{
		Kind: capture.TargetWindow,
		ID:   i.ID,
		Rect: i.Geometry,
		Name: name,
	}
}

// Backend discovers what can be captured on a display server
type Backend interface {
	// ListWindows returns visible application windows
	ListWindows() ([]Info, error)

	// GetWindow returns a single window by id
	GetWindow(id uint32) (Info, error)

	// Monitors returns every active monitor as a capture target
	Monitors() ([]capture.Target, error)

	// Close closes the connection to the display server
	Close() error

	// Name returns the backend name
	Name() string
}
