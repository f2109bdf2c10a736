package capture

import (
	"fmt"
	"image"
	"strconv"
	"strings"
)

// TargetKind says whether a target is a whole monitor or a single window
type TargetKind string

const (
	TargetMonitor TargetKind = "monitor"
	TargetWindow  TargetKind = "window"
)

// Target describes what to capture. It is immutable once a session starts;
// changing any field means stopping and starting a new session.
type Target struct {
	Kind TargetKind `json:"kind" yaml:"kind"`

	// ID is the monitor index or the native window handle
	ID uint32 `json:"id" yaml:"id"`

	// Rect is the region in desktop coordinates. For windows it is a hint
	// and the source reads the live geometry.
	Rect image.Rectangle `json:"rect" yaml:"rect"`

	// Name is informational (monitor output name or window title)
	Name string `json:"name,omitempty" yaml:"name,omitempty"`

	ShowCursor bool `json:"show_cursor" yaml:"show_cursor"`
}

func (t Target) String() string {
	if t.Kind == TargetWindow {
		return fmt.Sprintf("window:0x%x", t.ID)
	}
	return fmt.Sprintf("monitor:%d", t.ID)
}

// Size returns the requested pixel size
func (t Target) Size() (int, int) {
	return t.Rect.Dx(), t.Rect.Dy()
}

// Validate checks that the target can be handed to a frame source
func (t Target) Validate() error {
	switch t.Kind {
	case TargetMonitor:
	case TargetWindow:
		if t.ID == 0 {
			return fmt.Errorf("window target needs a window id")
		}
	default:
		return fmt.Errorf("unknown target kind: %q", t.Kind)
	}
	if t.Rect.Dx() < 0 || t.Rect.Dy() < 0 {
		return fmt.Errorf("invalid target rect %v", t.Rect)
	}
	return nil
}

// ParseTarget parses "monitor:<index>" or "window:<id>". Window ids accept
// decimal or 0x-prefixed hex.
func ParseTarget(s string) (Target, error) {
	kind, value, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok || value == "" {
		return Target{}, fmt.Errorf("invalid target %q (use monitor:<n> or window:<id>)", s)
	}

	id, err := strconv.ParseUint(value, 0, 32)
	if err != nil {
		return Target{}, fmt.Errorf("invalid target id %q: %w", value, err)
	}

	t := Target{ID: uint32(id)}
	switch strings.ToLower(kind) {
	case "monitor", "display":
		t.Kind = TargetMonitor
	case "window":
		t.Kind = TargetWindow
	default:
		return Target{}, fmt.Errorf("unknown target kind %q", kind)
	}
	return t, t.Validate()
}
