package window

import (
	"fmt"
	"image"
	"sort"
	"strings"
	"sync"

	"github.com/bryanchriswhite/FrameMirror/internal/capture"
)

// Manager turns backend discovery into capture targets for the CLI and the
// control API
type Manager struct {
	backend Backend

	mu       sync.RWMutex
	monitors []capture.Target
}

// NewManager creates a manager over backend
func NewManager(backend Backend) *Manager {
	return &Manager{backend: backend}
}

// Backend returns the underlying discovery backend
func (m *Manager) Backend() Backend {
	return m.backend
}

// Targets lists monitors first, then windows sorted by title
func (m *Manager) Targets() ([]capture.Target, error) {
	monitors, err := m.Monitors()
	if err != nil {
		return nil, err
	}

	windows, err := m.backend.ListWindows()
	if err != nil {
		return nil, fmt.Errorf("failed to list windows: %w", err)
	}
	windows = Listable(windows)
	sort.SliceStable(windows, func(i, j int) bool {
		return strings.ToLower(windows[i].Title) < strings.ToLower(windows[j].Title)
	})

	targets := make([]capture.Target, 0, len(monitors)+len(windows))
	targets = append(targets, monitors...)
	for _, w := range windows {
		targets = append(targets, w.Target())
	}
	return targets, nil
}

// Monitors refreshes and returns the monitor list
func (m *Manager) Monitors() ([]capture.Target, error) {
	monitors, err := m.backend.Monitors()
	if err != nil {
		return nil, fmt.Errorf("failed to list monitors: %w", err)
	}

	m.mu.Lock()
	m.monitors = monitors
	m.mu.Unlock()
	return monitors, nil
}

// Resolve fills in the rectangle and name of a parsed target
func (m *Manager) Resolve(target capture.Target) (capture.Target, error) {
	switch target.Kind {
	case capture.TargetMonitor:
		monitors, err := m.Monitors()
		if err != nil {
			return target, err
		}
		if int(target.ID) >= len(monitors) {
			return target, capture.NewError(capture.KindTargetUnavailable, "resolve",
				fmt.Errorf("%w: monitor %d not found (%d active)", capture.ErrTargetUnavailable, target.ID, len(monitors)))
		}
		mon := monitors[target.ID]
		mon.ShowCursor = target.ShowCursor
		return mon, nil

	case capture.TargetWindow:
		info, err := m.backend.GetWindow(target.ID)
		if err != nil {
			return target, capture.NewError(capture.KindTargetUnavailable, "resolve",
				fmt.Errorf("%w: %v", capture.ErrTargetUnavailable, err))
		}
		resolved := info.Target()
		resolved.ShowCursor = target.ShowCursor
		return resolved, nil
	}
	return target, fmt.Errorf("unknown target kind: %q", target.Kind)
}

// MonitorAt returns the monitor containing p, using the last monitor list
func (m *Manager) MonitorAt(p image.Point) (capture.Target, bool) {
	m.mu.RLock()
	monitors := m.monitors
	m.mu.RUnlock()

	if monitors == nil {
		var err error
		if monitors, err = m.Monitors(); err != nil {
			return capture.Target{}, false
		}
	}
	return MonitorAt(monitors, p)
}

// MonitorAt returns the monitor containing p, or the nearest one when p
// is off every monitor
func MonitorAt(monitors []capture.Target, p image.Point) (capture.Target, bool) {
	if len(monitors) == 0 {
		return capture.Target{}, false
	}

	best, bestDist := 0, -1
	for i, mon := range monitors {
		if p.In(mon.Rect) {
			return mon, true
		}
		d := distanceSq(mon.Rect, p)
		if bestDist < 0 || d < bestDist {
			best, bestDist = i, d
		}
	}
	return monitors[best], true
}

// distanceSq is the squared distance from p to the nearest point of r
func distanceSq(r image.Rectangle, p image.Point) int {
	dx, dy := 0, 0
	if p.X < r.Min.X {
		dx = r.Min.X - p.X
	} else if p.X >= r.Max.X {
		dx = p.X - r.Max.X + 1
	}
	if p.Y < r.Min.Y {
		dy = r.Min.Y - p.Y
	} else if p.Y >= r.Max.Y {
		dy = p.Y - r.Max.Y + 1
	}
	return dx*dx + dy*dy
}

// Listable drops windows that are not user-facing: no title and no class,
// or no area
func Listable(windows []Info) []Info {
	out := windows[:0:0]
	for _, w := range windows {
		if w.listable() {
			out = append(out, w)
		}
	}
	return out
}

func (i Info) listable() bool {
	if i.Title == "" && i.Class == "" {
		return false
	}
	return !i.Geometry.Empty()
}
