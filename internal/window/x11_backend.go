package window

import (
	"fmt"
	"image"
	"strings"
	"sync"

	"github.com/BurntSushi/xgb"
	"github.com/BurntSushi/xgb/xproto"
	"github.com/bryanchriswhite/FrameMirror/internal/capture"
	"github.com/bryanchriswhite/FrameMirror/internal/logger"
)

// X11Backend implements Backend using X11
type X11Backend struct {
	conn   *xgb.Conn
	root   xproto.Window
	screen *xproto.ScreenInfo

	atomMu sync.Mutex
	atoms  map[string]xproto.Atom
}

// NewX11Backend connects to display; empty uses $DISPLAY
func NewX11Backend(display string) (*X11Backend, error) {
	conn, err := xgb.NewConnDisplay(display)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to X server: %w", err)
	}

	setup := xproto.Setup(conn)
	screen := setup.DefaultScreen(conn)

	return &X11Backend{
		conn:   conn,
		root:   screen.Root,
		screen: screen,
		atoms:  make(map[string]xproto.Atom),
	}, nil
}

// Close closes the X11 connection
func (b *X11Backend) Close() error {
	b.conn.Close()
	return nil
}

// Name returns the backend name
func (b *X11Backend) Name() string {
	return "x11"
}

// Monitors returns the RandR monitors, or the whole screen without RandR
func (b *X11Backend) Monitors() ([]capture.Target, error) {
	monitors, err := capture.X11Monitors(b.conn, b.root)
	if err != nil || len(monitors) == 0 {
		logger.WithComponent("x11-backend").Debug().Err(err).Msg("RandR unavailable, using root window as monitor 0")
		return []capture.Target{{
			Kind: capture.TargetMonitor,
			ID:   0,
			Rect: image.Rect(0, 0, int(b.screen.WidthInPixels), int(b.screen.HeightInPixels)),
			Name: "screen",
		}}, nil
	}
	return monitors, nil
}

// ListWindows returns all visible windows using EWMH _NET_CLIENT_LIST with QueryTree fallback
func (b *X11Backend) ListWindows() ([]Info, error) {
	log := logger.WithComponent("x11-backend")

	windows, err := b.listWindowsEWMH()
	if err == nil && len(windows) > 0 {
		log.Debug().Int("count", len(windows)).Msg("ListWindows: using EWMH _NET_CLIENT_LIST")
		return windows, nil
	}
	if err != nil {
		log.Debug().Err(err).Msg("ListWindows: EWMH failed, falling back to QueryTree")
	}

	windows, err = b.listWindowsQueryTree()
	if err != nil {
		return nil, fmt.Errorf("failed to list windows: %w", err)
	}
	log.Debug().Int("count", len(windows)).Msg("ListWindows: using QueryTree fallback")
	return windows, nil
}

// listWindowsEWMH gets windows from _NET_CLIENT_LIST (EWMH standard)
func (b *X11Backend) listWindowsEWMH() ([]Info, error) {
	clientListAtom, err := b.getAtom("_NET_CLIENT_LIST")
	if err != nil {
		return nil, fmt.Errorf("failed to get _NET_CLIENT_LIST atom: %w", err)
	}

	reply, err := xproto.GetProperty(
		b.conn,
		false,
		b.root,
		clientListAtom,
		xproto.GetPropertyTypeAny,
		0,
		(1<<32)-1,
	).Reply()
	if err != nil {
		return nil, fmt.Errorf("failed to get _NET_CLIENT_LIST property: %w", err)
	}
	if reply.ValueLen == 0 {
		return nil, fmt.Errorf("_NET_CLIENT_LIST is empty")
	}

	ids := decodeCardinals(reply.Value)
	windows := make([]Info, 0, len(ids))
	for _, id := range ids {
		info, err := b.getWindowInfo(xproto.Window(id))
		if err != nil || !info.listable() {
			continue
		}
		windows = append(windows, info)
	}
	return windows, nil
}

// listWindowsQueryTree gets windows by querying root window children
func (b *X11Backend) listWindowsQueryTree() ([]Info, error) {
	tree, err := xproto.QueryTree(b.conn, b.root).Reply()
	if err != nil {
		return nil, err
	}

	windows := make([]Info, 0)
	for _, child := range tree.Children {
		attrs, err := xproto.GetWindowAttributes(b.conn, child).Reply()
		if err != nil || attrs.MapState != xproto.MapStateViewable {
			continue
		}
		info, err := b.getWindowInfo(child)
		if err != nil || !info.listable() {
			continue
		}
		windows = append(windows, info)
	}
	return windows, nil
}

// GetWindow returns the current title and geometry of a window
func (b *X11Backend) GetWindow(id uint32) (Info, error) {
	return b.getWindowInfo(xproto.Window(id))
}

// GetFocusedWindow returns the currently focused window
func (b *X11Backend) GetFocusedWindow() (Info, error) {
	focusReply, err := xproto.GetInputFocus(b.conn).Reply()
	if err != nil {
		return Info{}, err
	}
	return b.getWindowInfo(focusReply.Focus)
}

// getWindowInfo reads geometry (in root coordinates), title, class, pid and desktop
func (b *X11Backend) getWindowInfo(win xproto.Window) (Info, error) {
	info := Info{ID: uint32(win)}

	geom, err := xproto.GetGeometry(b.conn, xproto.Drawable(win)).Reply()
	if err != nil {
		return Info{}, fmt.Errorf("failed to get geometry of window 0x%x: %w", uint32(win), err)
	}
	x, y := int(geom.X), int(geom.Y)
	if tr, err := xproto.TranslateCoordinates(b.conn, win, b.root, 0, 0).Reply(); err == nil {
		x, y = int(tr.DstX), int(tr.DstY)
	}
	info.Geometry = image.Rect(x, y, x+int(geom.Width), y+int(geom.Height))

	if atom, err := b.getAtom("_NET_WM_NAME"); err == nil {
		if title, err := b.getProperty(win, atom); err == nil {
			info.Title = title
		}
	}
	if info.Title == "" {
		if title, err := b.getProperty(win, xproto.AtomWmName); err == nil {
			info.Title = title
		}
	}

	// WM_CLASS is instance\0class\0
	if classRaw, err := b.getProperty(win, xproto.AtomWmClass); err == nil {
		parts := strings.Split(classRaw, "\x00")
		if len(parts) >= 2 && parts[1] != "" {
			info.Class = parts[1]
		} else if len(parts) >= 1 {
			info.Class = parts[0]
		}
	}

	if atom, err := b.getAtom("_NET_WM_PID"); err == nil {
		if v, ok := b.getCardinal(win, atom); ok {
			info.PID = int(v)
		}
	}

	info.Desktop = 0
	if atom, err := b.getAtom("_NET_WM_DESKTOP"); err == nil {
		if v, ok := b.getCardinal(win, atom); ok {
			// 0xFFFFFFFF means the window is on all desktops
			if v == 0xFFFFFFFF {
				info.Desktop = -1
			} else {
				info.Desktop = int(v)
			}
		}
	}

	return info, nil
}

// getAtom interns name once per connection
func (b *X11Backend) getAtom(name string) (xproto.Atom, error) {
	b.atomMu.Lock()
	defer b.atomMu.Unlock()

	if atom, ok := b.atoms[name]; ok {
		return atom, nil
	}
	reply, err := xproto.InternAtom(b.conn, false, uint16(len(name)), name).Reply()
	if err != nil {
		return 0, err
	}
	b.atoms[name] = reply.Atom
	return reply.Atom, nil
}

// getProperty gets a property value as a string
func (b *X11Backend) getProperty(win xproto.Window, atom xproto.Atom) (string, error) {
	reply, err := xproto.GetProperty(
		b.conn,
		false,
		win,
		atom,
		xproto.GetPropertyTypeAny,
		0,
		(1<<32)-1,
	).Reply()
	if err != nil {
		return "", err
	}
	if reply.ValueLen == 0 {
		return "", fmt.Errorf("empty property")
	}
	return strings.TrimRight(string(reply.Value), "\x00"), nil
}

func (b *X11Backend) getCardinal(win xproto.Window, atom xproto.Atom) (uint32, bool) {
	reply, err := xproto.GetProperty(b.conn, false, win, atom, xproto.AtomCardinal, 0, 1).Reply()
	if err != nil || len(reply.Value) < 4 {
		return 0, false
	}
	return decodeCardinals(reply.Value)[0], true
}

// decodeCardinals parses a little-endian array of 32-bit values
func decodeCardinals(value []byte) []uint32 {
	out := make([]uint32, 0, len(value)/4)
	for i := 0; i+4 <= len(value); i += 4 {
		out = append(out, uint32(value[i])|
			uint32(value[i+1])<<8|
			uint32(value[i+2])<<16|
			uint32(value[i+3])<<24)
	}
	return out
}
